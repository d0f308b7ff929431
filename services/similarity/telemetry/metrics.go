// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// QueueDepthFunc reports the current census of the work queue. It is
// called on every metrics scrape and must be cheap.
type QueueDepthFunc func() (pending, leased, delayed, dead int64)

// RegisterQueueDepth registers an observable gauge for queue depth.
//
// Description:
//
//	Exports simdoc_queue_depth with a state attribute (pending, leased,
//	delayed, dead), observed via callback at scrape time rather than
//	pushed on every queue transition.
//
// Outputs:
//
//	metric.Registration - Handle for Unregister on shutdown.
//	error - Non-nil if gauge creation or callback registration fails.
func RegisterQueueDepth(meter metric.Meter, depth QueueDepthFunc) (metric.Registration, error) {
	gauge, err := meter.Int64ObservableGauge(
		"simdoc_queue_depth",
		metric.WithDescription("Work queue entries by state"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create queue_depth: %w", err)
	}

	return meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		pending, leased, delayed, dead := depth()
		o.ObserveInt64(gauge, pending, metric.WithAttributes(attribute.String("state", "pending")))
		o.ObserveInt64(gauge, leased, metric.WithAttributes(attribute.String("state", "leased")))
		o.ObserveInt64(gauge, delayed, metric.WithAttributes(attribute.String("state", "delayed")))
		o.ObserveInt64(gauge, dead, metric.WithAttributes(attribute.String("state", "dead")))
		return nil
	}, gauge)
}
