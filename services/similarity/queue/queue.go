// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package queue implements the durable ingestion work queue on BadgerDB.
//
// # Description
//
// At-least-once delivery with visibility-timeout leases. Jobs move through
// four keyspaces:
//
//	q:p:{seq}            pending, in enqueue order
//	q:l:{deadline}:{seq} leased, ordered by lease expiry
//	q:y:{due}:{seq}      delayed, ordered by due time
//	q:x:{seq}            dead letters, with failure reason
//
// Sequence numbers and timestamps are zero-padded decimals so the natural
// Badger key order is the processing order. A job keeps its sequence number
// for its whole life, which makes redeliveries idempotent at the key level.
//
// Consumers block in Dequeue. A background pump promotes matured delayed
// jobs and reaps expired leases; an expired lease counts as a delivery
// attempt so a crash-looping job still reaches the dead letter keyspace.
//
// # Limitations
//
//	Transactions run under Badger SSI: concurrent consumers racing for the
//	same head job see badger.ErrConflict on commit and retry. This is the
//	intended coordination mechanism, not an error condition.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	storage "github.com/AleutianAI/SimDoc/services/similarity/storage/badger"
)

// -----------------------------------------------------------------------------
// Jobs
// -----------------------------------------------------------------------------

// Kind discriminates ingestion jobs from rechecks.
type Kind string

const (
	// KindIngest is the first-time processing of a submitted article.
	KindIngest Kind = "ingest"

	// KindRecheck re-runs the decision for an already-stored article and
	// bypasses the already-decided short circuit.
	KindRecheck Kind = "recheck"
)

// Job is the queue message. Recheck jobs additionally carry the audit
// JobID issued by the recheck controller.
type Job struct {
	Kind       Kind      `json:"job_type"`
	ArticleID  string    `json:"article_id"`
	JobID      string    `json:"job_id,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	Attempt    int       `json:"attempt"`
}

// deadRecord is the dead letter payload.
type deadRecord struct {
	Job      Job       `json:"job"`
	Reason   string    `json:"reason"`
	FailedAt time.Time `json:"failed_at"`
}

// DeadJob is one dead letter as returned to inspection callers.
type DeadJob struct {
	Job      Job
	Reason   string
	FailedAt time.Time
}

// Lease is a claim on one dequeued job. The holder must settle it with
// exactly one of Ack, Nack, or Dead before the lease deadline.
type Lease struct {
	Job Job

	seq      uint64
	key      []byte
	deadline time.Time
}

// Deadline reports when the lease expires and the job becomes eligible
// for redelivery.
func (l *Lease) Deadline() time.Time { return l.deadline }

// Stats is a point-in-time census of the keyspaces.
type Stats struct {
	Pending int
	Leased  int
	Delayed int
	Dead    int
}

// -----------------------------------------------------------------------------
// Queue
// -----------------------------------------------------------------------------

const (
	pendingPrefix = "q:p:"
	leasedPrefix  = "q:l:"
	delayedPrefix = "q:y:"
	deadPrefix    = "q:x:"

	// pollInterval paces the pump and the idle-consumer wakeup.
	pollInterval = 250 * time.Millisecond

	// deadTTL expires dead letters so the keyspace cannot grow unbounded.
	deadTTL = 24 * time.Hour

	baseBackoff = time.Second
	maxBackoff  = 60 * time.Second
)

// DefaultMaxAttempts is the delivery budget before dead-lettering.
const DefaultMaxAttempts = 5

// DefaultLeaseDuration is the visibility timeout for dequeued jobs.
const DefaultLeaseDuration = 2 * time.Minute

var (
	// ErrClosed is returned by operations on a closed queue.
	ErrClosed = errors.New("queue: closed")

	// ErrLeaseLost is returned when settling a lease the pump already
	// reaped; the job will be redelivered.
	ErrLeaseLost = errors.New("queue: lease expired and was redelivered")
)

// Backoff returns the retry delay after the given failed attempt:
// 1s doubling per attempt, capped at 60s.
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := baseBackoff << (attempt - 1)
	if d > maxBackoff || d <= 0 {
		return maxBackoff
	}
	return d
}

// Config configures a Queue.
type Config struct {
	// DB is the shared Badger instance. Required. The queue does not
	// close it.
	DB *storage.DB

	// LeaseDuration is the visibility timeout. Default 2m.
	LeaseDuration time.Duration

	// MaxAttempts is the delivery budget. Default 5.
	MaxAttempts int

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Queue is a durable FIFO work queue. Safe for concurrent use.
type Queue struct {
	db          *storage.DB
	leaseDur    time.Duration
	maxAttempts int
	logger      *slog.Logger

	seq    atomic.Uint64
	notify chan struct{}

	closed atomic.Bool
	stopCh chan struct{}
	doneCh chan struct{}
}

// New opens the queue over an existing Badger instance, recovers the
// sequence counter from stored keys, and starts the pump.
func New(cfg Config) (*Queue, error) {
	if cfg.DB == nil {
		return nil, errors.New("db must not be nil")
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = DefaultLeaseDuration
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	q := &Queue{
		db:          cfg.DB,
		leaseDur:    cfg.LeaseDuration,
		maxAttempts: cfg.MaxAttempts,
		logger:      cfg.Logger.With(slog.String("component", "queue")),
		notify:      make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}

	if err := q.initSeq(); err != nil {
		return nil, fmt.Errorf("recover sequence counter: %w", err)
	}

	go q.pump()

	q.logger.Info("queue opened",
		slog.Uint64("last_seq", q.seq.Load()),
		slog.Duration("lease", q.leaseDur))
	return q, nil
}

// Close stops the pump. The underlying database stays open for its owner.
func (q *Queue) Close() error {
	if q.closed.Swap(true) {
		return nil
	}
	close(q.stopCh)
	<-q.doneCh
	return nil
}

// initSeq recovers the highest sequence number across all keyspaces so
// restarts never reuse one.
func (q *Queue) initSeq() error {
	var maxSeq uint64
	err := q.db.WithReadTxn(context.Background(), func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for _, prefix := range []string{pendingPrefix, leasedPrefix, delayedPrefix, deadPrefix} {
			p := []byte(prefix)
			for it.Seek(p); it.ValidForPrefix(p); it.Next() {
				if seq, ok := seqFromKey(it.Item().Key()); ok && seq > maxSeq {
					maxSeq = seq
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	q.seq.Store(maxSeq)
	return nil
}

// -----------------------------------------------------------------------------
// Keys
// -----------------------------------------------------------------------------

func pendingKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", pendingPrefix, seq))
}

func leasedKey(deadline time.Time, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d:%020d", leasedPrefix, deadline.UnixMilli(), seq))
}

func delayedKey(due time.Time, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d:%020d", delayedPrefix, due.UnixMilli(), seq))
}

func deadKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", deadPrefix, seq))
}

// seqFromKey parses the sequence number, the segment after the last colon.
func seqFromKey(key []byte) (uint64, bool) {
	s := string(key)
	i := strings.LastIndexByte(s, ':')
	if i < 0 || i+1 >= len(s) {
		return 0, false
	}
	var seq uint64
	if _, err := fmt.Sscanf(s[i+1:], "%020d", &seq); err != nil {
		return 0, false
	}
	return seq, true
}

// stampFromKey parses the millisecond timestamp segment directly after the
// prefix of leased and delayed keys.
func stampFromKey(key []byte, prefix string) (int64, bool) {
	s := string(key)
	if len(s) < len(prefix)+20 {
		return 0, false
	}
	var ms int64
	if _, err := fmt.Sscanf(s[len(prefix):len(prefix)+20], "%020d", &ms); err != nil {
		return 0, false
	}
	return ms, true
}

// -----------------------------------------------------------------------------
// Produce
// -----------------------------------------------------------------------------

// Enqueue appends a job to the pending keyspace and wakes one consumer.
//
// # Description
//
//	Assigns the next sequence number, stamps EnqueuedAt when unset, and
//	normalizes Attempt to at least 1. Durable once this returns nil.
func (q *Queue) Enqueue(ctx context.Context, job Job) error {
	if q.closed.Load() {
		return ErrClosed
	}
	if job.ArticleID == "" {
		return errors.New("job article_id must not be empty")
	}
	if job.Kind == "" {
		job.Kind = KindIngest
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	if job.Attempt < 1 {
		job.Attempt = 1
	}

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}

	seq := q.seq.Add(1)
	err = q.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.Set(pendingKey(seq), data)
	})
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", job.ArticleID, err)
	}

	q.wake()
	return nil
}

// EnqueueDelayed parks a job in the delayed keyspace until the delay
// elapses; the pump promotes it to pending.
func (q *Queue) EnqueueDelayed(ctx context.Context, job Job, delay time.Duration) error {
	if q.closed.Load() {
		return ErrClosed
	}
	if job.ArticleID == "" {
		return errors.New("job article_id must not be empty")
	}
	if delay <= 0 {
		return q.Enqueue(ctx, job)
	}
	if job.Kind == "" {
		job.Kind = KindIngest
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	if job.Attempt < 1 {
		job.Attempt = 1
	}

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}

	seq := q.seq.Add(1)
	due := time.Now().Add(delay)
	err = q.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.Set(delayedKey(due, seq), data)
	})
	if err != nil {
		return fmt.Errorf("enqueue delayed %s: %w", job.ArticleID, err)
	}
	return nil
}

func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// -----------------------------------------------------------------------------
// Consume
// -----------------------------------------------------------------------------

// Dequeue blocks until a job is available, the context is cancelled, or
// the queue closes. The returned lease must be settled with Ack, Nack,
// or Dead.
func (q *Queue) Dequeue(ctx context.Context) (*Lease, error) {
	for {
		if q.closed.Load() {
			return nil, ErrClosed
		}

		lease, err := q.tryDequeue(ctx)
		if err != nil {
			if errors.Is(err, badger.ErrConflict) {
				// Another consumer claimed the head job first.
				continue
			}
			return nil, err
		}
		if lease != nil {
			return lease, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.stopCh:
			return nil, ErrClosed
		case <-q.notify:
		case <-time.After(pollInterval):
		}
	}
}

// tryDequeue claims the head pending job, moving it to the leased
// keyspace. Returns (nil, nil) when the queue is empty.
func (q *Queue) tryDequeue(ctx context.Context) (*Lease, error) {
	var lease *Lease
	err := q.db.WithTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		p := []byte(pendingPrefix)
		it.Seek(p)
		if !it.ValidForPrefix(p) {
			return nil
		}

		item := it.Item()
		key := item.KeyCopy(nil)
		seq, ok := seqFromKey(key)
		if !ok {
			return fmt.Errorf("malformed pending key %q", key)
		}

		var job Job
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &job)
		}); err != nil {
			return fmt.Errorf("decode job %d: %w", seq, err)
		}

		deadline := time.Now().Add(q.leaseDur)
		lk := leasedKey(deadline, seq)

		data, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("encode job %d: %w", seq, err)
		}
		if err := txn.Delete(key); err != nil {
			return err
		}
		if err := txn.Set(lk, data); err != nil {
			return err
		}

		lease = &Lease{Job: job, seq: seq, key: lk, deadline: deadline}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return lease, nil
}

// settle runs a lease transition, retrying commit conflicts with the
// pump; a retry that finds the lease key gone resolves to ErrLeaseLost.
func (q *Queue) settle(ctx context.Context, fn func(txn *badger.Txn) error) error {
	var err error
	for i := 0; i < 3; i++ {
		err = q.db.WithTxn(ctx, fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

// Ack settles a lease as successfully processed.
func (q *Queue) Ack(ctx context.Context, lease *Lease) error {
	err := q.settle(ctx, func(txn *badger.Txn) error {
		_, err := txn.Get(lease.key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrLeaseLost
		}
		if err != nil {
			return err
		}
		return txn.Delete(lease.key)
	})
	if err != nil && !errors.Is(err, ErrLeaseLost) {
		return fmt.Errorf("ack %s: %w", lease.Job.ArticleID, err)
	}
	return err
}

// Nack settles a lease as transiently failed: the job re-enqueues after
// the attempt's backoff delay, or dead-letters once the delivery budget
// is spent. Returns whether the job was requeued.
func (q *Queue) Nack(ctx context.Context, lease *Lease, reason string) (requeued bool, err error) {
	attempt := lease.Job.Attempt
	if attempt >= q.maxAttempts {
		if err := q.bury(ctx, lease, fmt.Sprintf("attempts exhausted: %s", reason)); err != nil {
			return false, err
		}
		return false, nil
	}

	next := lease.Job
	next.Attempt = attempt + 1
	due := time.Now().Add(Backoff(attempt))

	data, mErr := json.Marshal(next)
	if mErr != nil {
		return false, fmt.Errorf("encode job: %w", mErr)
	}

	err = q.settle(ctx, func(txn *badger.Txn) error {
		_, gErr := txn.Get(lease.key)
		if errors.Is(gErr, badger.ErrKeyNotFound) {
			return ErrLeaseLost
		}
		if gErr != nil {
			return gErr
		}
		if dErr := txn.Delete(lease.key); dErr != nil {
			return dErr
		}
		return txn.Set(delayedKey(due, lease.seq), data)
	})
	if errors.Is(err, ErrLeaseLost) {
		return false, err
	}
	if err != nil {
		return false, fmt.Errorf("nack %s: %w", lease.Job.ArticleID, err)
	}

	q.logger.Warn("job requeued",
		slog.String("articleId", lease.Job.ArticleID),
		slog.Int("attempt", attempt),
		slog.Duration("backoff", Backoff(attempt)),
		slog.String("reason", reason))
	return true, nil
}

// Dead settles a lease as permanently failed, recording the reason.
func (q *Queue) Dead(ctx context.Context, lease *Lease, reason string) error {
	return q.bury(ctx, lease, reason)
}

func (q *Queue) bury(ctx context.Context, lease *Lease, reason string) error {
	rec := deadRecord{Job: lease.Job, Reason: reason, FailedAt: time.Now().UTC()}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode dead record: %w", err)
	}

	err = q.settle(ctx, func(txn *badger.Txn) error {
		_, gErr := txn.Get(lease.key)
		if errors.Is(gErr, badger.ErrKeyNotFound) {
			return ErrLeaseLost
		}
		if gErr != nil {
			return gErr
		}
		if dErr := txn.Delete(lease.key); dErr != nil {
			return dErr
		}
		entry := badger.NewEntry(deadKey(lease.seq), data).WithTTL(deadTTL)
		return txn.SetEntry(entry)
	})
	if errors.Is(err, ErrLeaseLost) {
		return err
	}
	if err != nil {
		return fmt.Errorf("dead-letter %s: %w", lease.Job.ArticleID, err)
	}

	q.logger.Error("job dead-lettered",
		slog.String("articleId", lease.Job.ArticleID),
		slog.String("jobType", string(lease.Job.Kind)),
		slog.Int("attempt", lease.Job.Attempt),
		slog.String("reason", reason))
	return nil
}

// -----------------------------------------------------------------------------
// Pump
// -----------------------------------------------------------------------------

// pump promotes matured delayed jobs and reaps expired leases until Close.
func (q *Queue) pump() {
	defer close(q.doneCh)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.stopCh:
			return
		case <-ticker.C:
			moved, err := q.sweep(context.Background())
			if err != nil && !errors.Is(err, badger.ErrConflict) {
				q.logger.Warn("queue sweep failed", slog.String("error", err.Error()))
			}
			if moved > 0 {
				q.wake()
			}
		}
	}
}

// sweep runs one promotion pass. Returns how many jobs became pending.
func (q *Queue) sweep(ctx context.Context) (int, error) {
	now := time.Now()
	moved := 0

	err := q.db.WithTxn(ctx, func(txn *badger.Txn) error {
		moved = 0
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		// Matured delayed jobs. Keys are due-ordered, so stop at the
		// first future one.
		dp := []byte(delayedPrefix)
		for it.Seek(dp); it.ValidForPrefix(dp); it.Next() {
			item := it.Item()
			key := item.KeyCopy(nil)
			due, ok := stampFromKey(key, delayedPrefix)
			if !ok {
				continue
			}
			if due > now.UnixMilli() {
				break
			}
			seq, ok := seqFromKey(key)
			if !ok {
				continue
			}
			data, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := txn.Delete(key); err != nil {
				return err
			}
			if err := txn.Set(pendingKey(seq), data); err != nil {
				return err
			}
			moved++
		}

		// Expired leases. Redelivery consumes a delivery attempt so a
		// worker crash loop still terminates in the dead keyspace.
		lp := []byte(leasedPrefix)
		for it.Seek(lp); it.ValidForPrefix(lp); it.Next() {
			item := it.Item()
			key := item.KeyCopy(nil)
			deadline, ok := stampFromKey(key, leasedPrefix)
			if !ok {
				continue
			}
			if deadline > now.UnixMilli() {
				break
			}
			seq, ok := seqFromKey(key)
			if !ok {
				continue
			}

			var job Job
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &job)
			}); err != nil {
				return fmt.Errorf("decode leased job %d: %w", seq, err)
			}
			if err := txn.Delete(key); err != nil {
				return err
			}

			if job.Attempt >= q.maxAttempts {
				rec := deadRecord{
					Job:      job,
					Reason:   "lease expired after final attempt",
					FailedAt: now.UTC(),
				}
				data, err := json.Marshal(rec)
				if err != nil {
					return err
				}
				entry := badger.NewEntry(deadKey(seq), data).WithTTL(deadTTL)
				if err := txn.SetEntry(entry); err != nil {
					return err
				}
				q.logger.Error("expired lease dead-lettered",
					slog.String("articleId", job.ArticleID),
					slog.Int("attempt", job.Attempt))
				continue
			}

			job.Attempt++
			data, err := json.Marshal(job)
			if err != nil {
				return err
			}
			if err := txn.Set(pendingKey(seq), data); err != nil {
				return err
			}
			q.logger.Warn("expired lease redelivered",
				slog.String("articleId", job.ArticleID),
				slog.Int("attempt", job.Attempt))
			moved++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return moved, nil
}

// -----------------------------------------------------------------------------
// Inspection
// -----------------------------------------------------------------------------

// Stats counts jobs per keyspace.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := q.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		counts := []struct {
			prefix string
			dst    *int
		}{
			{pendingPrefix, &st.Pending},
			{leasedPrefix, &st.Leased},
			{delayedPrefix, &st.Delayed},
			{deadPrefix, &st.Dead},
		}
		for _, c := range counts {
			p := []byte(c.prefix)
			for it.Seek(p); it.ValidForPrefix(p); it.Next() {
				*c.dst++
			}
		}
		return nil
	})
	if err != nil {
		return Stats{}, fmt.Errorf("queue stats: %w", err)
	}
	return st, nil
}

// DeadJobs returns up to limit dead letters in sequence order.
func (q *Queue) DeadJobs(ctx context.Context, limit int) ([]DeadJob, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []DeadJob
	err := q.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		p := []byte(deadPrefix)
		for it.Seek(p); it.ValidForPrefix(p) && len(out) < limit; it.Next() {
			var rec deadRecord
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				continue
			}
			out = append(out, DeadJob{Job: rec.Job, Reason: rec.Reason, FailedAt: rec.FailedAt})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list dead jobs: %w", err)
	}
	return out, nil
}
