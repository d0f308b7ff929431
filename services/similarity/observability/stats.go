// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package observability

import (
	"context"
	"errors"
	"log/slog"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
)

// statsMeasurement is the InfluxDB measurement for throughput samples.
const statsMeasurement = "similarity_jobs"

// SampleFunc produces one point's worth of fields (queue depths,
// processed counts). Called once per flush interval.
type SampleFunc func() map[string]interface{}

// StatsConfig configures the InfluxDB sink.
type StatsConfig struct {
	// URL and Token gate the sink: leave either empty to disable.
	URL    string
	Token  string
	Org    string
	Bucket string

	// Interval between samples. Default 30s.
	Interval time.Duration

	// Sample provides the fields for each point. Required when enabled.
	Sample SampleFunc

	Logger *slog.Logger
}

// StatsSink periodically writes job-throughput points to InfluxDB v2.
// The sink is strictly optional: ingestion never depends on it, and
// write failures only log.
type StatsSink struct {
	client   influxdb2.Client
	write    api.WriteAPIBlocking
	sample   SampleFunc
	interval time.Duration
	logger   *slog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewStatsSink builds the sink. Returns (nil, nil) when URL or Token is
// unset, which callers treat as "disabled".
func NewStatsSink(cfg StatsConfig) (*StatsSink, error) {
	if cfg.URL == "" || cfg.Token == "" {
		return nil, nil
	}
	if cfg.Sample == nil {
		return nil, errors.New("stats sink: sample function is required")
	}
	if cfg.Org == "" {
		cfg.Org = "aleutian"
	}
	if cfg.Bucket == "" {
		cfg.Bucket = "simdoc-stats"
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &StatsSink{
		client:   client,
		write:    client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		sample:   cfg.Sample,
		interval: cfg.Interval,
		logger:   cfg.Logger.With(slog.String("component", "stats_sink")),
	}, nil
}

// newStatsSinkWithWriter wires a custom write API. Tests use this to
// capture points without a live server.
func newStatsSinkWithWriter(write api.WriteAPIBlocking, sample SampleFunc, interval time.Duration, logger *slog.Logger) *StatsSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &StatsSink{
		write:    write,
		sample:   sample,
		interval: interval,
		logger:   logger.With(slog.String("component", "stats_sink")),
	}
}

// Start launches the flush loop.
func (s *StatsSink) Start() {
	if s == nil || s.stopCh != nil {
		return
	}
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	go s.run()
	s.logger.Info("stats sink started", slog.Duration("interval", s.interval))
}

// Stop halts the loop, flushing one final sample.
func (s *StatsSink) Stop() {
	if s == nil || s.stopCh == nil {
		return
	}
	close(s.stopCh)
	<-s.doneCh
	s.stopCh = nil

	if s.client != nil {
		s.client.Close()
	}
}

func (s *StatsSink) run() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.flush()
		case <-s.stopCh:
			s.flush()
			return
		}
	}
}

// flush writes one point. Errors log and the loop keeps going.
func (s *StatsSink) flush() {
	fields := s.sample()
	if len(fields) == 0 {
		return
	}

	p := influxdb2.NewPoint(
		statsMeasurement,
		map[string]string{"service": "similarity"},
		fields,
		time.Now().UTC(),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.write.WritePoint(ctx, p); err != nil {
		s.logger.Warn("stats point write failed", slog.String("error", err.Error()))
	}
}
