// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/SimDoc/services/similarity/events"
)

const (
	// eventWriteWait bounds a single WebSocket write.
	eventWriteWait = 10 * time.Second

	// eventPingInterval keeps idle connections alive through proxies.
	eventPingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

func sendJSON(ws *websocket.Conn, v interface{}) error {
	err := ws.WriteJSON(v)
	if err != nil {
		slog.Warn("Failed to write WebSocket JSON", "error", err)
	}
	return err
}

// StreamEvents handles GET /stream/events: a WebSocket feed of terminal
// assignment decisions.
//
// # Description
//
// Each subscriber gets a buffered channel from the hub; a consumer that
// stops reading loses events rather than stalling the pipeline, and the
// drop count is reported when the connection closes. The client is not
// expected to send anything; its read loop exists only to notice the
// close handshake.
func StreamEvents(hub *events.Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			slog.Error("failed to upgrade the websocket", "error", err)
			return
		}
		defer ws.Close()

		sub := hub.Subscribe()
		defer sub.Close()

		clientGone := make(chan struct{})
		go func() {
			defer close(clientGone)
			for {
				if _, _, err := ws.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ping := time.NewTicker(eventPingInterval)
		defer ping.Stop()

		slog.Info("event stream connected", slog.String("remote", c.ClientIP()))
		for {
			select {
			case <-clientGone:
				slog.Info("event stream closed by client",
					slog.String("remote", c.ClientIP()),
					slog.Int64("dropped", sub.Dropped()))
				return
			case ev, ok := <-sub.Events():
				if !ok {
					return
				}
				ws.SetWriteDeadline(time.Now().Add(eventWriteWait))
				if sendJSON(ws, ev) != nil {
					return
				}
			case <-ping.C:
				ws.SetWriteDeadline(time.Now().Add(eventWriteWait))
				if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}
}
