// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pipeline runs the similarity workers.
//
// # Description
//
// A pool of workers consumes the shared queue. Each job walks one
// article through fingerprint, recall, verification, and assignment,
// then settles the queue message: ack on a terminal decision, nack with
// backoff on transient failures, dead-letter on permanent ones. Workers
// hold no lock across gateway or queue calls; all cross-worker
// serialization is the gateway's optimistic versioning.
//
// Backpressure is a verification-slot semaphore acquired before the
// dequeue, so a saturated verifier stops the pool from pulling work and
// queue depth becomes the visible backlog signal.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/SimDoc/services/similarity/cluster"
	"github.com/AleutianAI/SimDoc/services/similarity/datatypes"
	"github.com/AleutianAI/SimDoc/services/similarity/events"
	"github.com/AleutianAI/SimDoc/services/similarity/fingerprint"
	"github.com/AleutianAI/SimDoc/services/similarity/index"
	"github.com/AleutianAI/SimDoc/services/similarity/observability"
	"github.com/AleutianAI/SimDoc/services/similarity/queue"
	"github.com/AleutianAI/SimDoc/services/similarity/recall"
	"github.com/AleutianAI/SimDoc/services/similarity/recheck"
	"github.com/AleutianAI/SimDoc/services/similarity/telemetry"
	"github.com/AleutianAI/SimDoc/services/similarity/verify"
)

const (
	// DefaultWorkers is the pool size.
	DefaultWorkers = 8

	// DefaultRecheckDelay spaces the follow-up recheck after a
	// budget-starved tentative unique decision.
	DefaultRecheckDelay = 60 * time.Second
)

// Config configures the worker pool.
type Config struct {
	Gateway index.Gateway
	Queue   *queue.Queue

	// Recall, Verifier, and Clusters default to instances over Gateway
	// with package defaults when nil.
	Recall   *recall.Recaller
	Verifier *verify.Verifier
	Clusters *cluster.Manager

	// Recheck marks batch audit records complete. Optional.
	Recheck *recheck.Controller

	// Hub receives terminal decision events. Optional.
	Hub *events.Hub

	// Metrics receives business metrics. Optional.
	Metrics *observability.Metrics

	// Workers is the pool size. Default 8.
	Workers int

	// VerifySlots bounds concurrent verification. Default Workers.
	VerifySlots int

	// RecheckDelay for tentative unique decisions. Default 60s.
	RecheckDelay time.Duration

	Logger *slog.Logger
}

// Pipeline is the running worker pool.
type Pipeline struct {
	gw       index.Gateway
	queue    *queue.Queue
	recall   *recall.Recaller
	verifier *verify.Verifier
	clusters *cluster.Manager
	recheck  *recheck.Controller
	hub      *events.Hub
	metrics  *observability.Metrics
	logger   *slog.Logger

	workers      int
	slots        chan struct{}
	recheckDelay time.Duration

	started atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds the pool. Start launches it.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Gateway == nil {
		return nil, errors.New("gateway must not be nil")
	}
	if cfg.Queue == nil {
		return nil, errors.New("queue must not be nil")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.VerifySlots <= 0 {
		cfg.VerifySlots = cfg.Workers
	}
	if cfg.RecheckDelay <= 0 {
		cfg.RecheckDelay = DefaultRecheckDelay
	}
	if cfg.Recall == nil {
		cfg.Recall = recall.New(cfg.Gateway, 0, 0)
	}
	if cfg.Verifier == nil {
		cfg.Verifier = verify.New(cfg.Gateway, 0, 0)
	}
	if cfg.Clusters == nil {
		cfg.Clusters = cluster.New(cfg.Gateway)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Pipeline{
		gw:           cfg.Gateway,
		queue:        cfg.Queue,
		recall:       cfg.Recall,
		verifier:     cfg.Verifier,
		clusters:     cfg.Clusters,
		recheck:      cfg.Recheck,
		hub:          cfg.Hub,
		metrics:      cfg.Metrics,
		logger:       cfg.Logger.With(slog.String("component", "pipeline")),
		workers:      cfg.Workers,
		slots:        make(chan struct{}, cfg.VerifySlots),
		recheckDelay: cfg.RecheckDelay,
	}, nil
}

// Start launches the workers. Idempotent.
func (p *Pipeline) Start() {
	if !p.started.CompareAndSwap(false, true) {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	p.wg.Add(p.workers)
	for i := 0; i < p.workers; i++ {
		go p.worker(ctx, i)
	}
	p.logger.Info("pipeline started",
		slog.Int("workers", p.workers),
		slog.Int("verifySlots", cap(p.slots)))
}

// Stop cancels the workers and waits for in-flight jobs to settle.
func (p *Pipeline) Stop() {
	if !p.started.Load() || p.cancel == nil {
		return
	}
	p.cancel()
	p.wg.Wait()
	p.logger.Info("pipeline stopped")
}

// -----------------------------------------------------------------------------
// Worker loop
// -----------------------------------------------------------------------------

func (p *Pipeline) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	logger := p.logger.With(slog.Int("worker", id))

	for {
		// Backpressure point: no dequeue without a verification slot.
		select {
		case <-ctx.Done():
			return
		case p.slots <- struct{}{}:
		}

		lease, err := p.queue.Dequeue(ctx)
		if err != nil {
			<-p.slots
			if errors.Is(err, context.Canceled) || errors.Is(err, queue.ErrClosed) {
				return
			}
			logger.Warn("dequeue failed", slog.String("error", err.Error()))
			select {
			case <-ctx.Done():
				return
			case <-time.After(250 * time.Millisecond):
			}
			continue
		}

		p.handle(ctx, lease, logger)
		<-p.slots
	}
}

// handle runs one job and settles its queue message. Panics inside the
// job path dead-letter the message instead of killing the worker.
func (p *Pipeline) handle(ctx context.Context, lease *queue.Lease, logger *slog.Logger) {
	job := lease.Job
	start := time.Now()

	ctx, span := telemetry.StartSpan(ctx, "similarity.pipeline", "pipeline.processJob",
		trace.WithAttributes(
			attribute.String("article_id", job.ArticleID),
			attribute.String("job_type", string(job.Kind)),
			attribute.Int("attempt", job.Attempt),
		))
	defer span.End()
	logger = telemetry.LoggerWithTrace(ctx, logger)

	// Queue settlement must survive shutdown cancellation, otherwise a
	// decided job would redeliver after restart.
	settleCtx := context.WithoutCancel(ctx)

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic: %v", r)
			telemetry.RecordError(span, err)
			logger.Error("worker panic recovered",
				slog.String("articleId", job.ArticleID),
				slog.Any("panic", r))
			if dErr := p.queue.Dead(settleCtx, lease, err.Error()); dErr != nil {
				logger.Warn("dead-letter after panic failed", slog.String("error", dErr.Error()))
			}
			p.countJob("dead")
			p.incDeadLetters()
		}
	}()

	outcome, err := p.processJob(ctx, job, logger)
	switch {
	case err == nil:
		if ackErr := p.queue.Ack(settleCtx, lease); ackErr != nil {
			logger.Warn("ack failed, job may redeliver",
				slog.String("articleId", job.ArticleID),
				slog.String("error", ackErr.Error()))
		}
		p.countJob(outcome)

	case isPermanent(err):
		telemetry.RecordError(span, err)
		logger.Error("job failed permanently",
			slog.String("articleId", job.ArticleID),
			slog.String("error", err.Error()))
		if dErr := p.queue.Dead(settleCtx, lease, err.Error()); dErr != nil {
			logger.Warn("dead-letter failed", slog.String("error", dErr.Error()))
		}
		p.countJob("dead")
		p.incDeadLetters()

	default:
		telemetry.RecordError(span, err)
		logger.Warn("job failed, retrying",
			slog.String("articleId", job.ArticleID),
			slog.Int("attempt", job.Attempt),
			slog.String("error", err.Error()))
		requeued, nErr := p.queue.Nack(settleCtx, lease, err.Error())
		if nErr != nil {
			logger.Warn("nack failed, lease will expire", slog.String("error", nErr.Error()))
			requeued = true
		}
		if requeued {
			p.countJob("requeued")
		} else {
			p.countJob("dead")
			p.incDeadLetters()
		}
	}

	if p.metrics != nil {
		p.metrics.JobDuration.Observe(time.Since(start).Seconds())
	}
}

// processJob walks one article through the similarity path and returns
// the job result label.
func (p *Pipeline) processJob(ctx context.Context, job queue.Job, logger *slog.Logger) (string, error) {
	art, err := p.gw.GetArticle(ctx, job.ArticleID)
	if err != nil {
		if errors.Is(err, index.ErrNotFound) {
			return "", permanent(fmt.Errorf("article %s not found", job.ArticleID))
		}
		return "", fmt.Errorf("load article: %w", err)
	}

	if art.State == datatypes.StateDeleted {
		p.markRecheckDone(ctx, job, logger)
		return "skipped", nil
	}

	// Idempotency: decided articles redeliver on lease expiry or manual
	// replays. Rechecks deliberately bypass this to re-decide.
	if art.ClusterStatus != datatypes.ClusterPending && job.Kind != queue.KindRecheck {
		return "skipped", nil
	}

	stage := time.Now()
	fp := fingerprint.Compute(art.Content)
	probe := fp.Shingles
	p.observeStage("fingerprint", stage)

	var matches []verify.Match
	tentative := false

	// Content too short to shingle cannot match anything: it goes
	// straight to unique.
	if len(probe) > 0 {
		stage = time.Now()
		cands, err := p.recall.Candidates(ctx, &fp, art.ArticleID)
		if err != nil {
			return "", fmt.Errorf("recall: %w", err)
		}
		p.observeStage("recall", stage)
		p.observeRecall(len(cands))

		stage = time.Now()
		res, err := p.verifier.Verify(ctx, probe, cands)
		if err != nil {
			return "", fmt.Errorf("verify: %w", err)
		}
		p.observeStage("verify", stage)

		if res.Truncated {
			p.incTruncations()
			// Nothing confirmed before the budget ran out: the unique
			// below is tentative, so schedule a second look.
			if len(res.Matches) == 0 {
				tentative = true
			}
		}
		matches = res.Matches
	}

	stage = time.Now()
	asg, err := p.clusters.Assign(ctx, art, &fp, matches)
	if err != nil {
		if errors.Is(err, cluster.ErrConflict) {
			p.incConflicts(1)
		}
		return "", fmt.Errorf("assign: %w", err)
	}
	p.observeStage("assign", stage)

	if asg.Retries > 0 {
		p.incConflicts(asg.Retries)
	}
	if len(asg.MergeCandidates) > 0 {
		p.incMergeCandidates()
	}

	if tentative {
		recheckJob := queue.Job{Kind: queue.KindRecheck, ArticleID: art.ArticleID}
		if err := p.queue.EnqueueDelayed(ctx, recheckJob, p.recheckDelay); err != nil {
			logger.Warn("tentative recheck enqueue failed",
				slog.String("articleId", art.ArticleID),
				slog.String("error", err.Error()))
		} else {
			logger.Info("tentative unique, recheck scheduled",
				slog.String("articleId", art.ArticleID),
				slog.Duration("delay", p.recheckDelay))
		}
	}

	p.publishDecision(art.ArticleID, asg)
	p.markRecheckDone(ctx, job, logger)

	return string(asg.Status), nil
}

// markRecheckDone decrements the recheck batch audit record.
func (p *Pipeline) markRecheckDone(ctx context.Context, job queue.Job, logger *slog.Logger) {
	if job.Kind != queue.KindRecheck || job.JobID == "" || p.recheck == nil {
		return
	}
	if err := p.recheck.MarkArticleDone(ctx, job.JobID); err != nil {
		logger.Warn("recheck completion mark failed",
			slog.String("jobId", job.JobID),
			slog.String("error", err.Error()))
	}
}

func (p *Pipeline) publishDecision(articleID string, asg *cluster.Assignment) {
	if p.hub == nil {
		return
	}
	ev := events.DecisionEvent{
		ArticleID:     articleID,
		ClusterStatus: string(asg.Status),
		ClusterID:     asg.ClusterID,
		DecidedAt:     time.Now().UTC(),
	}
	if asg.Status == datatypes.ClusterMatched {
		score := asg.Score
		ev.SimilarityScore = &score
	}
	p.hub.Publish(ev)
}

// -----------------------------------------------------------------------------
// Failure classification and metrics
// -----------------------------------------------------------------------------

// permanentError marks failures that retrying cannot fix.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func permanent(err error) error { return &permanentError{err: err} }

func isPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

func (p *Pipeline) countJob(result string) {
	if p.metrics != nil {
		p.metrics.JobsTotal.WithLabelValues(result).Inc()
	}
}

func (p *Pipeline) observeStage(stage string, start time.Time) {
	if p.metrics != nil {
		p.metrics.StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
	}
}

func (p *Pipeline) observeRecall(n int) {
	if p.metrics != nil {
		p.metrics.RecallCandidates.Observe(float64(n))
	}
}

func (p *Pipeline) incTruncations() {
	if p.metrics != nil {
		p.metrics.VerifierTruncations.Inc()
	}
}

func (p *Pipeline) incConflicts(n int) {
	if p.metrics != nil {
		p.metrics.ClusterConflicts.Add(float64(n))
	}
}

func (p *Pipeline) incMergeCandidates() {
	if p.metrics != nil {
		p.metrics.MergeCandidates.Inc()
	}
}

func (p *Pipeline) incDeadLetters() {
	if p.metrics != nil {
		p.metrics.DeadLettersTotal.Inc()
	}
}
