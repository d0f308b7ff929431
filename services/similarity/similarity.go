// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package similarity provides the near-duplicate detection service for SimDoc.
//
// This package contains the main service type that coordinates all
// components: HTTP routing, the durable work queue, the worker pipeline,
// the recheck controller, the document store gateway, and observability.
//
// # Usage
//
//	cfg := similarity.Config{Port: 12220, WeaviateURL: "http://localhost:8080"}
//	svc, err := similarity.New(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	log.Fatal(svc.Run())
//
// With no WeaviateURL the service runs in lightweight mode against an
// in-memory gateway, which is how the integration tests exercise it.
package similarity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/SimDoc/services/similarity/events"
	"github.com/AleutianAI/SimDoc/services/similarity/index"
	"github.com/AleutianAI/SimDoc/services/similarity/observability"
	"github.com/AleutianAI/SimDoc/services/similarity/pipeline"
	"github.com/AleutianAI/SimDoc/services/similarity/queue"
	"github.com/AleutianAI/SimDoc/services/similarity/recheck"
	"github.com/AleutianAI/SimDoc/services/similarity/routes"
	storage "github.com/AleutianAI/SimDoc/services/similarity/storage/badger"
	"github.com/AleutianAI/SimDoc/services/similarity/telemetry"
)

// =============================================================================
// Interface Definition
// =============================================================================

// Service defines the contract for the similarity service.
//
// # Description
//
// Service abstracts the lifecycle, enabling testing and alternative
// implementations. Run() blocks and should only be called once per
// instance; it returns after a shutdown signal once the in-flight jobs
// have settled.
type Service interface {
	// Run starts the workers and the HTTP server and blocks until a
	// shutdown signal or a fatal server error.
	Run() error

	// Router returns the underlying Gin engine for testing.
	Router() *gin.Engine
}

// =============================================================================
// Configuration
// =============================================================================

// Config holds similarity service configuration options.
//
// # Description
//
// Config centralizes all configuration. Values can be populated from
// environment variables (see cmd/similarity), config files, or
// programmatically for testing. All fields have defaults applied by New.
type Config struct {
	// Port is the HTTP server port. Default: 12220
	Port int

	// WeaviateURL is the document store URL. If empty, the service runs
	// in lightweight mode against an in-memory gateway.
	// Example: "http://localhost:8080"
	WeaviateURL string

	// DataDir is the BadgerDB directory backing the work queue and the
	// recheck bookkeeping. Default: "./data/simdoc". The literal value
	// ":memory:" selects a non-persistent store.
	DataDir string

	// Workers is the pipeline pool size. Default: 8
	Workers int

	// VerifySlots bounds concurrent verification work across the pool.
	// Default: Workers.
	VerifySlots int

	// QueueLeaseDuration is the job visibility timeout. Default: 2m
	QueueLeaseDuration time.Duration

	// RecheckCooldown suppresses repeat rechecks per article. Default: 5m
	RecheckCooldown time.Duration

	// GinMode sets the Gin framework mode.
	// Valid values: "debug", "release", "test"
	// Default: uses GIN_MODE env var or "debug"
	GinMode string

	// Version is reported by /system/health and the stats sink.
	// Default: "dev"
	Version string

	// InfluxURL and InfluxToken enable the job-throughput stats sink
	// when both are set.
	InfluxURL   string
	InfluxToken string

	// InfluxOrg and InfluxBucket route the stats points.
	InfluxOrg    string
	InfluxBucket string

	// StatsInterval is the sink's sampling period. Default: 30s
	StatsInterval time.Duration

	// MetricsRegistry receives the service's Prometheus collectors. Nil
	// uses the default registerer; tests inject a fresh registry so
	// repeated construction never double-registers.
	MetricsRegistry prometheus.Registerer
}

// =============================================================================
// Implementation
// =============================================================================

// service implements Service for production use.
//
// # Description
//
// service coordinates:
//   - HTTP routing via Gin
//   - the document store gateway (Weaviate or in-memory)
//   - the BadgerDB-backed work queue
//   - the worker pipeline
//   - the recheck controller
//   - decision event fan-out
//   - Prometheus metrics and the optional InfluxDB stats sink
//
// # Thread Safety
//
// Thread-safe after construction. All fields are read-only after New()
// returns.
type service struct {
	config   Config
	router   *gin.Engine
	db       *storage.DB
	gateway  index.Gateway
	queue    *queue.Queue
	recheck  *recheck.Controller
	hub      *events.Hub
	metrics  *observability.Metrics
	pipeline *pipeline.Pipeline
	stats    *observability.StatsSink
	gauge    metric.Registration
}

// =============================================================================
// Constructor
// =============================================================================

// New creates a similarity Service with the given configuration.
//
// # Description
//
// New initializes all components in dependency order:
//  1. Applies default configuration for missing values
//  2. Opens BadgerDB and the work queue on top of it
//  3. Connects the document store gateway and ensures its schema
//  4. Builds the recheck controller, event hub, and metrics
//  5. Builds the worker pipeline and the optional stats sink
//  6. Registers the queue depth gauge and sets up HTTP routes
//
// The pipeline and the stats sink are constructed but not started; Run
// owns their lifecycle.
//
// # Inputs
//
//   - cfg: Service configuration. Zero values use defaults.
//
// # Outputs
//
//   - Service: Ready-to-run similarity service
//   - error: Non-nil if initialization fails
func New(cfg Config) (Service, error) {
	s := &service{
		config: applyConfigDefaults(cfg),
	}

	if err := s.initStorage(); err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	if err := s.initQueue(); err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to initialize queue: %w", err)
	}
	if err := s.initGateway(); err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to initialize gateway: %w", err)
	}
	if err := s.initRecheck(); err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to initialize recheck controller: %w", err)
	}

	s.hub = events.NewHub(nil)
	s.metrics = observability.NewMetrics(s.config.MetricsRegistry)

	if err := s.initPipeline(); err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to initialize pipeline: %w", err)
	}
	if err := s.initStatsSink(); err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to initialize stats sink: %w", err)
	}

	s.initQueueDepthGauge()
	s.initRouter()

	return s, nil
}

// =============================================================================
// Service Interface Methods
// =============================================================================

// Run starts the workers and the HTTP server and blocks until shutdown.
//
// # Description
//
// Starts the pipeline and the stats sink, then serves HTTP until a
// SIGINT/SIGTERM arrives or the listener fails. Shutdown order matters:
// the HTTP server drains first (no new submissions), then the pipeline
// settles its in-flight jobs, then storage closes.
//
// # Outputs
//
//   - error: Non-nil if the server fails to start or dies unexpectedly
func (s *service) Run() error {
	defer s.cleanup()

	s.pipeline.Start()
	s.stats.Start()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Starting similarity server",
			slog.Int("port", s.config.Port),
			slog.Int("workers", s.config.Workers),
			slog.String("version", s.config.Version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down similarity server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// Router returns the underlying Gin engine for testing.
func (s *service) Router() *gin.Engine {
	return s.router
}

// =============================================================================
// Private Initialization Methods
// =============================================================================

// applyConfigDefaults fills in missing configuration values.
func applyConfigDefaults(cfg Config) Config {
	if cfg.Port == 0 {
		cfg.Port = 12220
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "./data/simdoc"
	}
	if cfg.Workers <= 0 {
		cfg.Workers = pipeline.DefaultWorkers
	}
	if cfg.VerifySlots <= 0 {
		cfg.VerifySlots = cfg.Workers
	}
	if cfg.QueueLeaseDuration <= 0 {
		cfg.QueueLeaseDuration = queue.DefaultLeaseDuration
	}
	if cfg.RecheckCooldown <= 0 {
		cfg.RecheckCooldown = recheck.DefaultCooldown
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = 30 * time.Second
	}
	return cfg
}

// initStorage opens the BadgerDB instance shared by the queue and the
// recheck controller.
func (s *service) initStorage() error {
	if s.config.DataDir == ":memory:" {
		db, err := storage.OpenInMemory()
		if err != nil {
			return err
		}
		s.db = db
		slog.Info("Opened in-memory queue storage")
		return nil
	}

	scfg := storage.DefaultConfig()
	scfg.Path = s.config.DataDir
	scfg.Logger = slog.Default()
	db, err := storage.OpenDB(scfg)
	if err != nil {
		return err
	}
	s.db = db
	slog.Info("Opened queue storage", slog.String("path", s.config.DataDir))
	return nil
}

// initQueue builds the work queue on the shared Badger instance.
func (s *service) initQueue() error {
	q, err := queue.New(queue.Config{
		DB:            s.db,
		LeaseDuration: s.config.QueueLeaseDuration,
		Logger:        slog.Default(),
	})
	if err != nil {
		return err
	}
	s.queue = q
	return nil
}

// initGateway connects the document store.
//
// # Description
//
// With a configured URL this builds the Weaviate gateway and ensures
// both classes exist. An empty URL selects the in-memory gateway
// (lightweight mode): full semantics, no persistence.
func (s *service) initGateway() error {
	weaviateURL := strings.Trim(s.config.WeaviateURL, "\"' ")

	if weaviateURL == "" {
		slog.Info("Weaviate URL not configured, running in lightweight mode")
		s.gateway = index.NewMemoryGateway()
		return nil
	}

	parsedURL, err := url.Parse(weaviateURL)
	if err != nil || parsedURL.Scheme == "" || parsedURL.Host == "" {
		return fmt.Errorf("invalid Weaviate URL: %s", weaviateURL)
	}

	client, err := weaviate.NewClient(weaviate.Config{
		Host:   parsedURL.Host,
		Scheme: parsedURL.Scheme,
	})
	if err != nil {
		return fmt.Errorf("failed to create Weaviate client: %w", err)
	}

	gw := index.NewWeaviateGateway(client)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := gw.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}

	s.gateway = gw
	slog.Info("Weaviate gateway initialized", slog.String("url", weaviateURL))
	return nil
}

func (s *service) initRecheck() error {
	ctrl, err := recheck.New(recheck.Config{
		DB:       s.db,
		Gateway:  s.gateway,
		Queue:    s.queue,
		Cooldown: s.config.RecheckCooldown,
		Logger:   slog.Default(),
	})
	if err != nil {
		return err
	}
	s.recheck = ctrl
	return nil
}

func (s *service) initPipeline() error {
	p, err := pipeline.New(pipeline.Config{
		Gateway:     s.gateway,
		Queue:       s.queue,
		Recheck:     s.recheck,
		Hub:         s.hub,
		Metrics:     s.metrics,
		Workers:     s.config.Workers,
		VerifySlots: s.config.VerifySlots,
		Logger:      slog.Default(),
	})
	if err != nil {
		return err
	}
	s.pipeline = p
	return nil
}

// initStatsSink builds the optional InfluxDB sink. Without credentials
// the sink is nil and Start/Stop are no-ops.
func (s *service) initStatsSink() error {
	sink, err := observability.NewStatsSink(observability.StatsConfig{
		URL:      s.config.InfluxURL,
		Token:    s.config.InfluxToken,
		Org:      s.config.InfluxOrg,
		Bucket:   s.config.InfluxBucket,
		Interval: s.config.StatsInterval,
		Sample:   s.sampleStats,
		Logger:   slog.Default(),
	})
	if err != nil {
		return err
	}
	s.stats = sink
	return nil
}

// sampleStats is the stats sink's periodic snapshot.
func (s *service) sampleStats() map[string]interface{} {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	fields := map[string]interface{}{
		"version": s.config.Version,
		"workers": s.config.Workers,
	}
	if st, err := s.queue.Stats(ctx); err == nil {
		fields["queue_pending"] = st.Pending
		fields["queue_leased"] = st.Leased
		fields["queue_delayed"] = st.Delayed
		fields["queue_dead"] = st.Dead
	}
	if n, err := s.gateway.CountArticles(ctx); err == nil {
		fields["articles"] = n
	}
	if n, err := s.gateway.CountClusters(ctx); err == nil {
		fields["clusters"] = n
	}
	return fields
}

// initQueueDepthGauge exports queue depth through the OTel meter. Failing
// to register is logged, not fatal: the service runs fine without the
// gauge when telemetry is disabled.
func (s *service) initQueueDepthGauge() {
	meter := otel.Meter("aleutian.simdoc.similarity")
	reg, err := telemetry.RegisterQueueDepth(meter, func() (pending, leased, delayed, dead int64) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		st, err := s.queue.Stats(ctx)
		if err != nil {
			return 0, 0, 0, 0
		}
		return int64(st.Pending), int64(st.Leased), int64(st.Delayed), int64(st.Dead)
	})
	if err != nil {
		slog.Warn("queue depth gauge registration failed", "error", err)
		return
	}
	s.gauge = reg
}

// initRouter sets up the Gin HTTP router with all routes.
func (s *service) initRouter() {
	if s.config.GinMode != "" {
		gin.SetMode(s.config.GinMode)
	}
	s.router = gin.Default()
	s.router.Use(otelgin.Middleware("similarity-service"))
	s.router.Use(observability.GinMiddleware(s.metrics))

	routes.SetupRoutes(s.router, s.gateway, s.queue, s.recheck, s.hub,
		s.metrics, s.config.Version, s.config.Workers)
}

// cleanup releases all resources held by the service.
//
// # Description
//
// Called when Run() exits or on initialization failure. Order: stop the
// workers (settles in-flight leases), stop the stats sink, close the
// event hub, unregister the gauge, then close the queue and storage.
func (s *service) cleanup() {
	if s.pipeline != nil {
		s.pipeline.Stop()
	}
	if s.stats != nil {
		s.stats.Stop()
	}
	if s.hub != nil {
		s.hub.Close()
	}
	if s.gauge != nil {
		if err := s.gauge.Unregister(); err != nil {
			slog.Warn("queue depth gauge unregister error", "error", err)
		}
	}
	if s.queue != nil {
		if err := s.queue.Close(); err != nil {
			slog.Warn("queue close error", "error", err)
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			slog.Warn("storage close error", "error", err)
		}
	}
}

// =============================================================================
// Compile-time Interface Compliance
// =============================================================================

var _ Service = (*service)(nil)
