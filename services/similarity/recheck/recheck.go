// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package recheck triggers re-evaluation of stored articles.
//
// # Description
//
// A recheck resets an article to pending (membership tentatively retained)
// and enqueues a job flagged so workers bypass the already-decided short
// circuit. The controller throttles on two axes: a per-article cooldown
// (Badger keys with native TTL) and a per-caller token bucket. Batch audit
// ids take the form recheck_{yyyymmdd}_{counter}, with the daily counter
// persisted so restarts within a day never reuse an id.
//
// Per article the order is reset, enqueue, cooldown: the pending reset
// must be visible before any worker can pick the job up, and a failed
// cooldown write only logs because the worker re-decides the article
// regardless.
package recheck

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/SimDoc/services/similarity/datatypes"
	"github.com/AleutianAI/SimDoc/services/similarity/index"
	"github.com/AleutianAI/SimDoc/services/similarity/queue"
	storage "github.com/AleutianAI/SimDoc/services/similarity/storage/badger"
)

const (
	cooldownPrefix = "rc:cd:"
	counterPrefix  = "rc:ctr:"
	jobPrefix      = "rc:job:"

	counterTTL = 48 * time.Hour
	jobTTL     = time.Hour
)

// DefaultCooldown is the per-article recheck cooldown.
const DefaultCooldown = 5 * time.Minute

// ErrRateLimited is returned when a caller exceeds the recheck budget.
var ErrRateLimited = errors.New("recheck: rate limited")

// Job status values persisted in the audit record.
const (
	StatusQueued    = "queued"
	StatusCompleted = "completed"
)

// JobStatus is the persisted audit record for one recheck batch. Records
// expire an hour after their last update.
type JobStatus struct {
	JobID     string    `json:"job_id"`
	Reason    string    `json:"reason"`
	Status    string    `json:"status"`
	Requested int       `json:"requested"`
	Enqueued  int       `json:"enqueued"`
	Remaining int       `json:"remaining"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Request is one recheck trigger.
type Request struct {
	ArticleIDs []string
	Reason     string

	// CallerID keys the rate limiter, typically the client IP. Empty
	// skips per-caller limiting (internal callers).
	CallerID string
}

// Result reports what the trigger did.
type Result struct {
	Accepted  bool
	JobID     string
	Requested int
	Enqueued  int
	NotFound  int
	Cooldown  int
}

// Config configures a Controller.
type Config struct {
	DB      *storage.DB
	Gateway index.Gateway
	Queue   *queue.Queue

	// Cooldown per article. Default 5m.
	Cooldown time.Duration

	// RateLimit and RateBurst bound each caller's trigger rate.
	// Default 5 per minute with burst 5.
	RateLimit rate.Limit
	RateBurst int

	// MaxCallers bounds the limiter table. Default 4096.
	MaxCallers int

	Logger *slog.Logger
}

// Controller owns recheck admission and bookkeeping.
type Controller struct {
	db       *storage.DB
	gw       index.Gateway
	queue    *queue.Queue
	cooldown time.Duration
	logger   *slog.Logger
	limiters *callerLimiters
}

// New builds a Controller.
func New(cfg Config) (*Controller, error) {
	if cfg.DB == nil {
		return nil, errors.New("db must not be nil")
	}
	if cfg.Gateway == nil {
		return nil, errors.New("gateway must not be nil")
	}
	if cfg.Queue == nil {
		return nil, errors.New("queue must not be nil")
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = rate.Every(12 * time.Second)
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 5
	}
	if cfg.MaxCallers <= 0 {
		cfg.MaxCallers = 4096
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Controller{
		db:       cfg.DB,
		gw:       cfg.Gateway,
		queue:    cfg.Queue,
		cooldown: cfg.Cooldown,
		logger:   cfg.Logger.With(slog.String("component", "recheck")),
		limiters: newCallerLimiters(cfg.RateLimit, cfg.RateBurst, cfg.MaxCallers),
	}, nil
}

// Trigger admits a recheck batch.
//
// # Description
//
//	Rate limits the caller, mints the batch job id, then per article:
//	skips unknown ids and ids still in cooldown, resets the rest to
//	pending with membership retained, enqueues the recheck job, and
//	starts the cooldown. The audit record is written last with the
//	final counts.
func (c *Controller) Trigger(ctx context.Context, req Request) (*Result, error) {
	if len(req.ArticleIDs) == 0 {
		return nil, errors.New("article_ids must not be empty")
	}
	if req.CallerID != "" && !c.limiters.allow(req.CallerID) {
		return nil, fmt.Errorf("caller %s: %w", req.CallerID, ErrRateLimited)
	}

	now := time.Now().UTC()
	jobID, err := c.nextJobID(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("mint job id: %w", err)
	}

	res := &Result{Accepted: true, JobID: jobID, Requested: len(req.ArticleIDs)}
	for _, articleID := range req.ArticleIDs {
		art, err := c.gw.GetArticle(ctx, articleID)
		if err != nil {
			if errors.Is(err, index.ErrNotFound) {
				res.NotFound++
				continue
			}
			return nil, fmt.Errorf("load article %s: %w", articleID, err)
		}

		cooling, err := c.inCooldown(ctx, articleID)
		if err != nil {
			return nil, fmt.Errorf("cooldown check %s: %w", articleID, err)
		}
		if cooling {
			res.Cooldown++
			continue
		}

		// Reset before the job becomes visible, or a fast worker's
		// terminal write could be clobbered by a late reset. Previous
		// membership is retained until the new terminal state lands.
		if err := c.gw.SetClusterDecision(ctx, articleID, datatypes.ClusterPending, art.ClusterID, nil); err != nil {
			return nil, fmt.Errorf("reset article %s: %w", articleID, err)
		}

		job := queue.Job{
			Kind:      queue.KindRecheck,
			ArticleID: articleID,
			JobID:     jobID,
		}
		if err := c.queue.Enqueue(ctx, job); err != nil {
			return nil, fmt.Errorf("enqueue recheck %s: %w", articleID, err)
		}
		res.Enqueued++

		if err := c.startCooldown(ctx, articleID); err != nil {
			c.logger.Warn("cooldown write failed",
				slog.String("articleId", articleID),
				slog.String("error", err.Error()))
		}
	}

	status := JobStatus{
		JobID:     jobID,
		Reason:    req.Reason,
		Status:    StatusQueued,
		Requested: res.Requested,
		Enqueued:  res.Enqueued,
		Remaining: res.Enqueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if status.Remaining == 0 {
		status.Status = StatusCompleted
	}
	if err := c.writeStatus(ctx, &status); err != nil {
		c.logger.Warn("job status write failed",
			slog.String("jobId", jobID),
			slog.String("error", err.Error()))
	}

	c.logger.Info("recheck accepted",
		slog.String("jobId", jobID),
		slog.String("reason", req.Reason),
		slog.Int("requested", res.Requested),
		slog.Int("enqueued", res.Enqueued),
		slog.Int("notFound", res.NotFound),
		slog.Int("cooldown", res.Cooldown))
	return res, nil
}

// MarkArticleDone decrements the batch's remaining counter, flipping the
// status to completed at zero. Missing records (expired) are a no-op.
func (c *Controller) MarkArticleDone(ctx context.Context, jobID string) error {
	if jobID == "" {
		return nil
	}
	key := []byte(jobPrefix + jobID)

	var err error
	for i := 0; i < 3; i++ {
		err = c.db.WithTxn(ctx, func(txn *badger.Txn) error {
			item, gErr := txn.Get(key)
			if errors.Is(gErr, badger.ErrKeyNotFound) {
				return nil
			}
			if gErr != nil {
				return gErr
			}

			var st JobStatus
			if vErr := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &st)
			}); vErr != nil {
				return vErr
			}

			if st.Remaining > 0 {
				st.Remaining--
			}
			if st.Remaining == 0 {
				st.Status = StatusCompleted
			}
			st.UpdatedAt = time.Now().UTC()

			data, mErr := json.Marshal(&st)
			if mErr != nil {
				return mErr
			}
			return txn.SetEntry(badger.NewEntry(key, data).WithTTL(jobTTL))
		})
		if !errors.Is(err, badger.ErrConflict) {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("mark done %s: %w", jobID, err)
	}
	return nil
}

// JobStatus returns the audit record, or index.ErrNotFound once expired.
func (c *Controller) JobStatus(ctx context.Context, jobID string) (*JobStatus, error) {
	var st JobStatus
	err := c.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(jobPrefix + jobID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("job %s: %w", jobID, index.ErrNotFound)
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &st)
		})
	})
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// -----------------------------------------------------------------------------
// Bookkeeping
// -----------------------------------------------------------------------------

// nextJobID increments the persisted daily counter.
func (c *Controller) nextJobID(ctx context.Context, now time.Time) (string, error) {
	day := now.Format("20060102")
	key := []byte(counterPrefix + day)

	var n uint64
	var err error
	for i := 0; i < 5; i++ {
		err = c.db.WithTxn(ctx, func(txn *badger.Txn) error {
			n = 1
			item, gErr := txn.Get(key)
			if gErr == nil {
				if vErr := item.Value(func(val []byte) error {
					if v, pErr := strconv.ParseUint(string(val), 10, 64); pErr == nil {
						n = v + 1
					}
					return nil
				}); vErr != nil {
					return vErr
				}
			} else if !errors.Is(gErr, badger.ErrKeyNotFound) {
				return gErr
			}
			entry := badger.NewEntry(key, []byte(strconv.FormatUint(n, 10))).WithTTL(counterTTL)
			return txn.SetEntry(entry)
		})
		if !errors.Is(err, badger.ErrConflict) {
			break
		}
	}
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("recheck_%s_%04d", day, n), nil
}

func (c *Controller) inCooldown(ctx context.Context, articleID string) (bool, error) {
	cooling := false
	err := c.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(cooldownPrefix + articleID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		cooling = true
		return nil
	})
	return cooling, err
}

func (c *Controller) startCooldown(ctx context.Context, articleID string) error {
	return c.db.WithTxn(ctx, func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(cooldownPrefix+articleID), []byte{1}).WithTTL(c.cooldown)
		return txn.SetEntry(entry)
	})
}

// writeStatus stores the audit record with a fresh TTL.
func (c *Controller) writeStatus(ctx context.Context, st *JobStatus) error {
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return c.db.WithTxn(ctx, func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(jobPrefix+st.JobID), data).WithTTL(jobTTL)
		return txn.SetEntry(entry)
	})
}

// -----------------------------------------------------------------------------
// Caller rate limiting
// -----------------------------------------------------------------------------

// callerLimiters is a bounded table of per-caller token buckets. When
// full, the least recently seen caller is evicted.
type callerLimiters struct {
	mu    sync.Mutex
	limit rate.Limit
	burst int
	max   int
	m     map[string]*callerEntry
}

type callerEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func newCallerLimiters(limit rate.Limit, burst, max int) *callerLimiters {
	return &callerLimiters{
		limit: limit,
		burst: burst,
		max:   max,
		m:     make(map[string]*callerEntry),
	}
}

func (cl *callerLimiters) allow(caller string) bool {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	e, ok := cl.m[caller]
	if !ok {
		if len(cl.m) >= cl.max {
			cl.evictOldest()
		}
		e = &callerEntry{lim: rate.NewLimiter(cl.limit, cl.burst)}
		cl.m[caller] = e
	}
	e.lastSeen = time.Now()
	return e.lim.Allow()
}

func (cl *callerLimiters) evictOldest() {
	var oldestKey string
	var oldest time.Time
	for k, e := range cl.m {
		if oldestKey == "" || e.lastSeen.Before(oldest) {
			oldestKey = k
			oldest = e.lastSeen
		}
	}
	if oldestKey != "" {
		delete(cl.m, oldestKey)
	}
}
