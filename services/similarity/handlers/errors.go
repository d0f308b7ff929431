// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers holds the gin handlers for the similarity service API.
//
// # Description
//
// Every handler is a constructor returning a gin.HandlerFunc closed over
// the dependencies it needs, so routes.SetupRoutes reads as a wiring
// table. Error responses all share one envelope written by abort: a code,
// a message, and the trace id of the request span so operators can jump
// from a client report straight to the trace.
package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/SimDoc/services/similarity/datatypes"
	"github.com/AleutianAI/SimDoc/services/similarity/index"
	"github.com/AleutianAI/SimDoc/services/similarity/telemetry"
)

// abort writes the uniform error envelope and stops the handler chain.
func abort(c *gin.Context, status int, code datatypes.ErrorCode, message string) {
	traceID := telemetry.TraceID(c.Request.Context())
	if traceID == "" {
		// No sampled span (telemetry disabled or excluded route): mint an
		// id anyway so log lines and the client response still correlate.
		traceID = uuid.NewString()
	}
	if status >= http.StatusInternalServerError {
		slog.Error("request failed",
			slog.String("path", c.FullPath()),
			slog.String("code", string(code)),
			slog.String("message", message),
			slog.String("trace_id", traceID))
	}
	c.AbortWithStatusJSON(status, datatypes.ErrorEnvelope{
		Error:   datatypes.ErrorBody{Code: code, Message: message},
		TraceID: traceID,
	})
}

// abortGatewayErr maps a storage gateway failure onto the API error
// model: missing objects are the caller's problem, everything else means
// the document store is unreachable or misbehaving.
func abortGatewayErr(c *gin.Context, err error, notFoundCode datatypes.ErrorCode, notFoundMsg string) {
	if errors.Is(err, index.ErrNotFound) {
		abort(c, http.StatusNotFound, notFoundCode, notFoundMsg)
		return
	}
	abort(c, http.StatusServiceUnavailable, datatypes.CodeUpstreamUnavailable,
		"document store unavailable: "+err.Error())
}
