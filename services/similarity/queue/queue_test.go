// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	storage "github.com/AleutianAI/SimDoc/services/similarity/storage/badger"
)

func newTestQueue(t *testing.T, cfg Config) *Queue {
	t.Helper()
	db, err := storage.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cfg.DB = db
	q, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })
	return q
}

// sweepNow runs one promotion pass, absorbing races with the background
// pump.
func sweepNow(t *testing.T, q *Queue) {
	t.Helper()
	for i := 0; i < 5; i++ {
		if _, err := q.sweep(context.Background()); err == nil {
			return
		}
	}
	t.Fatal("sweep kept conflicting")
}

func mustStats(t *testing.T, q *Queue) Stats {
	t.Helper()
	st, err := q.Stats(context.Background())
	require.NoError(t, err)
	return st
}

// TestEnqueueDequeueAck verifies FIFO order and keyspace transitions.
func TestEnqueueDequeueAck(t *testing.T) {
	q := newTestQueue(t, Config{})
	ctx := context.Background()

	for _, id := range []string{"a1", "a2", "a3"} {
		require.NoError(t, q.Enqueue(ctx, Job{ArticleID: id}))
	}
	assert.Equal(t, Stats{Pending: 3}, mustStats(t, q))

	for _, want := range []string{"a1", "a2", "a3"} {
		lease, err := q.Dequeue(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, lease.Job.ArticleID)
		assert.Equal(t, KindIngest, lease.Job.Kind)
		assert.Equal(t, 1, lease.Job.Attempt)
		assert.False(t, lease.Job.EnqueuedAt.IsZero())
		require.NoError(t, q.Ack(ctx, lease))
	}
	assert.Equal(t, Stats{}, mustStats(t, q))
}

// TestDequeueBlocksUntilEnqueue verifies the consumer wakeup path.
func TestDequeueBlocksUntilEnqueue(t *testing.T) {
	q := newTestQueue(t, Config{})
	ctx := context.Background()

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = q.Enqueue(context.Background(), Job{ArticleID: "late"})
	}()

	start := time.Now()
	lease, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "late", lease.Job.ArticleID)
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)
	require.NoError(t, q.Ack(ctx, lease))
}

// TestDequeueRespectsContext verifies cancellation unblocks a waiter.
func TestDequeueRespectsContext(t *testing.T) {
	q := newTestQueue(t, Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := q.Dequeue(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// TestCloseUnblocksDequeue verifies Close wakes blocked consumers.
func TestCloseUnblocksDequeue(t *testing.T) {
	db, err := storage.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	q, err := New(Config{DB: db})
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(context.Background())
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, q.Close())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("Dequeue did not unblock on Close")
	}
}

// TestEnqueueDelayedPromotion verifies the pump moves matured jobs into
// the pending keyspace.
func TestEnqueueDelayedPromotion(t *testing.T) {
	q := newTestQueue(t, Config{})
	ctx := context.Background()

	require.NoError(t, q.EnqueueDelayed(ctx, Job{Kind: KindRecheck, ArticleID: "slow"}, 20*time.Millisecond))
	assert.Equal(t, Stats{Delayed: 1}, mustStats(t, q))

	sweepNow(t, q)
	// Not due yet.
	assert.Equal(t, Stats{Delayed: 1}, mustStats(t, q))

	time.Sleep(30 * time.Millisecond)
	sweepNow(t, q)
	assert.Equal(t, Stats{Pending: 1}, mustStats(t, q))

	lease, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "slow", lease.Job.ArticleID)
	assert.Equal(t, KindRecheck, lease.Job.Kind)
	require.NoError(t, q.Ack(ctx, lease))
}

// TestNackRequeuesDelayed verifies the retry path parks the job with an
// incremented attempt.
func TestNackRequeuesDelayed(t *testing.T) {
	q := newTestQueue(t, Config{})
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, Job{ArticleID: "flaky"}))
	lease, err := q.Dequeue(ctx)
	require.NoError(t, err)

	requeued, err := q.Nack(ctx, lease, "store timeout")
	require.NoError(t, err)
	assert.True(t, requeued)
	assert.Equal(t, Stats{Delayed: 1}, mustStats(t, q))
}

// TestNackExhaustionDeadLetters verifies the delivery budget.
func TestNackExhaustionDeadLetters(t *testing.T) {
	q := newTestQueue(t, Config{MaxAttempts: 1})
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, Job{ArticleID: "doomed"}))
	lease, err := q.Dequeue(ctx)
	require.NoError(t, err)

	requeued, err := q.Nack(ctx, lease, "store unreachable")
	require.NoError(t, err)
	assert.False(t, requeued)
	assert.Equal(t, Stats{Dead: 1}, mustStats(t, q))

	dead, err := q.DeadJobs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "doomed", dead[0].Job.ArticleID)
	assert.Contains(t, dead[0].Reason, "store unreachable")
	assert.False(t, dead[0].FailedAt.IsZero())
}

// TestDeadSettlement verifies direct dead-lettering for non-retryable
// failures.
func TestDeadSettlement(t *testing.T) {
	q := newTestQueue(t, Config{})
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, Job{ArticleID: "poison"}))
	lease, err := q.Dequeue(ctx)
	require.NoError(t, err)

	require.NoError(t, q.Dead(ctx, lease, "panic: bad payload"))
	dead, err := q.DeadJobs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Contains(t, dead[0].Reason, "panic")
}

// TestLeaseExpiryRedelivery verifies expired leases go back to pending
// with a consumed attempt, and that the stale lease cannot be settled.
func TestLeaseExpiryRedelivery(t *testing.T) {
	q := newTestQueue(t, Config{LeaseDuration: 20 * time.Millisecond})
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, Job{ArticleID: "slowpoke"}))
	stale, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stale.Job.Attempt)

	time.Sleep(35 * time.Millisecond)
	sweepNow(t, q)
	assert.Equal(t, Stats{Pending: 1}, mustStats(t, q))

	fresh, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "slowpoke", fresh.Job.ArticleID)
	assert.Equal(t, 2, fresh.Job.Attempt)

	assert.ErrorIs(t, q.Ack(ctx, stale), ErrLeaseLost)
	require.NoError(t, q.Ack(ctx, fresh))
}

// TestLeaseExpiryAfterFinalAttempt verifies a crash-looping job lands in
// the dead keyspace instead of cycling forever.
func TestLeaseExpiryAfterFinalAttempt(t *testing.T) {
	q := newTestQueue(t, Config{LeaseDuration: 20 * time.Millisecond, MaxAttempts: 1})
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, Job{ArticleID: "crasher"}))
	_, err := q.Dequeue(ctx)
	require.NoError(t, err)

	time.Sleep(35 * time.Millisecond)
	sweepNow(t, q)

	st := mustStats(t, q)
	assert.Equal(t, 1, st.Dead)
	assert.Zero(t, st.Pending)

	dead, err := q.DeadJobs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Contains(t, dead[0].Reason, "lease expired")
}

// TestSequenceRecovery verifies sequence numbers continue across reopen.
func TestSequenceRecovery(t *testing.T) {
	db, err := storage.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	ctx := context.Background()

	q1, err := New(Config{DB: db})
	require.NoError(t, err)
	require.NoError(t, q1.Enqueue(ctx, Job{ArticleID: "first"}))
	require.NoError(t, q1.Enqueue(ctx, Job{ArticleID: "second"}))
	require.NoError(t, q1.Close())

	q2, err := New(Config{DB: db})
	require.NoError(t, err)
	t.Cleanup(func() { q2.Close() })
	require.NoError(t, q2.Enqueue(ctx, Job{ArticleID: "third"}))

	for _, want := range []string{"first", "second", "third"} {
		lease, err := q2.Dequeue(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, lease.Job.ArticleID)
		require.NoError(t, q2.Ack(ctx, lease))
	}
}

// TestConcurrentConsumers verifies each job is delivered to exactly one
// of several racing consumers.
func TestConcurrentConsumers(t *testing.T) {
	q := newTestQueue(t, Config{})
	ctx := context.Background()

	const jobs = 20
	for i := 0; i < jobs; i++ {
		require.NoError(t, q.Enqueue(ctx, Job{ArticleID: fmt.Sprintf("job-%02d", i)}))
	}

	var mu sync.Mutex
	seen := make(map[string]int)

	g, gCtx := errgroup.WithContext(ctx)
	for w := 0; w < 4; w++ {
		g.Go(func() error {
			for {
				mu.Lock()
				done := len(seen) >= jobs
				mu.Unlock()
				if done {
					return nil
				}

				dCtx, cancel := context.WithTimeout(gCtx, 200*time.Millisecond)
				lease, err := q.Dequeue(dCtx)
				cancel()
				if err != nil {
					if gCtx.Err() != nil {
						return gCtx.Err()
					}
					continue
				}

				mu.Lock()
				seen[lease.Job.ArticleID]++
				mu.Unlock()

				if err := q.Ack(context.Background(), lease); err != nil {
					return err
				}
			}
		})
	}
	require.NoError(t, g.Wait())

	assert.Len(t, seen, jobs)
	for id, n := range seen {
		assert.Equal(t, 1, n, "article %s delivered %d times", id, n)
	}
}

// TestBackoffSchedule verifies the retry delay curve.
func TestBackoffSchedule(t *testing.T) {
	assert.Equal(t, time.Second, Backoff(0))
	assert.Equal(t, time.Second, Backoff(1))
	assert.Equal(t, 2*time.Second, Backoff(2))
	assert.Equal(t, 4*time.Second, Backoff(3))
	assert.Equal(t, 32*time.Second, Backoff(6))
	assert.Equal(t, 60*time.Second, Backoff(7))
	assert.Equal(t, 60*time.Second, Backoff(40))
}

// TestEnqueueValidation verifies input guards.
func TestEnqueueValidation(t *testing.T) {
	q := newTestQueue(t, Config{})
	ctx := context.Background()

	assert.Error(t, q.Enqueue(ctx, Job{}))
	assert.Error(t, q.EnqueueDelayed(ctx, Job{}, time.Second))
}
