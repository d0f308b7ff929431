// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package events fans terminal assignment decisions out to stream
// subscribers. Delivery is best-effort: a subscriber that stops draining
// its buffer loses events rather than stalling the publisher, so the
// ingestion pipeline never blocks on a slow websocket peer.
package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// defaultBuffer is the per-subscriber event buffer.
const defaultBuffer = 64

// DecisionEvent is one terminal assignment decision.
type DecisionEvent struct {
	ArticleID       string    `json:"article_id"`
	ClusterStatus   string    `json:"cluster_status"`
	ClusterID       string    `json:"cluster_id,omitempty"`
	SimilarityScore *float64  `json:"similarity_score,omitempty"`
	DecidedAt       time.Time `json:"decided_at"`
}

// Hub broadcasts decision events. Safe for concurrent use.
type Hub struct {
	mu     sync.RWMutex
	subs   map[*Subscriber]struct{}
	closed bool

	buffer int
	logger *slog.Logger
}

// Subscriber is one registered event consumer.
type Subscriber struct {
	hub     *Hub
	ch      chan DecisionEvent
	once    sync.Once
	dropped atomic.Int64
}

// NewHub builds a Hub. A nil logger falls back to slog.Default.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subs:   make(map[*Subscriber]struct{}),
		buffer: defaultBuffer,
		logger: logger.With(slog.String("component", "events")),
	}
}

// Subscribe registers a consumer. Call Close on the returned Subscriber
// when done; leaking subscribers pins their buffers until the hub closes.
func (h *Hub) Subscribe() *Subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()

	s := &Subscriber{hub: h, ch: make(chan DecisionEvent, h.buffer)}
	if h.closed {
		close(s.ch)
		return s
	}
	h.subs[s] = struct{}{}
	return s
}

// Publish delivers the event to every subscriber with buffer room.
// Subscribers with full buffers miss this event and have their drop
// counter incremented.
func (h *Hub) Publish(ev DecisionEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.closed {
		return
	}
	for s := range h.subs {
		select {
		case s.ch <- ev:
		default:
			s.dropped.Add(1)
		}
	}
}

// SubscriberCount reports the number of live subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close unregisters every subscriber and closes their channels. Publish
// becomes a no-op afterwards.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for s := range h.subs {
		s.once.Do(func() { close(s.ch) })
		delete(h.subs, s)
	}
}

// Events is the subscriber's receive channel. It closes when the
// subscriber or the hub closes.
func (s *Subscriber) Events() <-chan DecisionEvent {
	return s.ch
}

// Dropped reports how many events this subscriber missed.
func (s *Subscriber) Dropped() int64 {
	return s.dropped.Load()
}

// Close unregisters the subscriber and closes its channel.
func (s *Subscriber) Close() {
	s.hub.mu.Lock()
	delete(s.hub.subs, s)
	s.hub.mu.Unlock()

	if n := s.dropped.Load(); n > 0 {
		s.hub.logger.Debug("subscriber closed with dropped events", slog.Int64("dropped", n))
	}
	s.once.Do(func() { close(s.ch) })
}
