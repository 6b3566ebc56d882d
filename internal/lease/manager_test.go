package lease_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/henryperkins/tarot-sub003/internal/lease"
)

func newTestManager(t *testing.T, dbName string, cfg lease.ManagerConfig) (*lease.Manager, *lease.Store, *lease.Evaluator) {
	t.Helper()
	db := openTestDB(t, dbName)
	store := lease.NewStore(db.DB, nil, nil)
	eval := lease.NewEvaluator(db.DB)
	return lease.NewManager(store, eval, nil, nil, cfg), store, eval
}

func TestHeartbeatKeepsLeaseAliveThenExpires(t *testing.T) {
	ttl := 300 * time.Millisecond
	manager, store, eval := newTestManager(t, "heartbeat.db", lease.ManagerConfig{
		TTL:       ttl,
		Heartbeat: 100 * time.Millisecond,
		Limits:    lease.Limits{PerResource: 5, PerDay: 100},
	})

	ctx := context.Background()
	l, denial, err := manager.Reserve(ctx, "querent-1", "reading-hb", 10)
	if err != nil || denial != nil {
		t.Fatalf("reserve: denial=%v err=%v", denial, err)
	}

	// Well past the TTL: the heartbeat must have kept the lease live.
	time.Sleep(3 * ttl)

	counts, err := eval.Counts(ctx, "querent-1", "reading-hb", time.Now(), ttl)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts.Resource != 1 {
		t.Fatalf("heartbeated lease should still count toward quota, got %d", counts.Resource)
	}

	if !l.Finalize(ctx, lease.FinalizeMeta{ResponseLen: 64, FinishReason: "complete"}) {
		t.Fatalf("finalize should commit a live lease")
	}

	// A fresh reservation without touches expires after the TTL window.
	res, err := store.ReserveIfUnderQuota(ctx, lease.ReserveRequest{
		OwnerID:     "querent-1",
		ResourceKey: "reading-hb",
		QuestionLen: 5,
		TTL:         ttl,
		Limits:      lease.Limits{PerResource: 5, PerDay: 100},
	})
	if err != nil || !res.Reserved {
		t.Fatalf("raw reserve: reserved=%v err=%v", res.Reserved, err)
	}
	time.Sleep(ttl + 150*time.Millisecond)

	counts, err = eval.Counts(ctx, "querent-1", "reading-hb", time.Now(), ttl)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	// Only the committed turn remains live.
	if counts.Resource != 1 {
		t.Fatalf("expected 1 live row (committed), got %d", counts.Resource)
	}
}

func TestFinalizeFallsBackToRelease(t *testing.T) {
	ttl := 5 * time.Second
	manager, store, _ := newTestManager(t, "fallback.db", lease.ManagerConfig{
		TTL:       ttl,
		Heartbeat: time.Second,
		Limits:    lease.Limits{PerResource: 5, PerDay: 100},
	})

	ctx := context.Background()
	l, denial, err := manager.Reserve(ctx, "querent-1", "reading-fb", 10)
	if err != nil || denial != nil {
		t.Fatalf("reserve: denial=%v err=%v", denial, err)
	}

	// Simulate the sweeper reclaiming the row behind the lease's back.
	if ok, err := store.Release(ctx, l.Reservation().ID); err != nil || !ok {
		t.Fatalf("out-of-band release: ok=%v err=%v", ok, err)
	}

	if l.Finalize(ctx, lease.FinalizeMeta{ResponseLen: 10}) {
		t.Fatalf("finalize must report failure when the row is gone")
	}

	// Second terminal call is a guarded no-op, not a second store op.
	if l.Release(ctx) {
		t.Fatalf("release after finalize must be a no-op")
	}
}

func TestTerminalSingleShotUnderRace(t *testing.T) {
	manager, store, _ := newTestManager(t, "singleshot.db", lease.ManagerConfig{
		TTL:       5 * time.Second,
		Heartbeat: time.Second,
		Limits:    lease.Limits{PerResource: 5, PerDay: 100},
	})
	_ = store

	ctx := context.Background()
	l, denial, err := manager.Reserve(ctx, "querent-1", "reading-race", 10)
	if err != nil || denial != nil {
		t.Fatalf("reserve: denial=%v err=%v", denial, err)
	}

	var finalized, released bool
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		finalized = l.Finalize(ctx, lease.FinalizeMeta{ResponseLen: 7})
	}()
	go func() {
		defer wg.Done()
		released = l.Release(ctx)
	}()
	wg.Wait()

	if finalized == released {
		t.Fatalf("exactly one terminal action must win: finalized=%v released=%v", finalized, released)
	}
}

func TestDenialReasons(t *testing.T) {
	manager, _, _ := newTestManager(t, "denials.db", lease.ManagerConfig{
		TTL:       5 * time.Second,
		Heartbeat: time.Second,
		Limits:    lease.Limits{PerResource: 1, PerDay: 2},
	})

	ctx := context.Background()

	l1, denial, err := manager.Reserve(ctx, "querent-1", "reading-a", 10)
	if err != nil || denial != nil {
		t.Fatalf("first reserve: denial=%v err=%v", denial, err)
	}
	if !l1.Finalize(ctx, lease.FinalizeMeta{ResponseLen: 5}) {
		t.Fatalf("finalize failed")
	}

	// Same reading: resource limit.
	_, denial, err = manager.Reserve(ctx, "querent-1", "reading-a", 10)
	if err != nil {
		t.Fatalf("second reserve err: %v", err)
	}
	if denial == nil || denial.Reason != lease.ReasonResourceLimit {
		t.Fatalf("expected %s denial, got %+v", lease.ReasonResourceLimit, denial)
	}

	// New reading consumes the second (and last) daily slot.
	l2, denial, err := manager.Reserve(ctx, "querent-1", "reading-b", 10)
	if err != nil || denial != nil {
		t.Fatalf("third reserve: denial=%v err=%v", denial, err)
	}
	if !l2.Finalize(ctx, lease.FinalizeMeta{ResponseLen: 5}) {
		t.Fatalf("finalize failed")
	}

	// Third reading: daily limit, with a retry hint to the next UTC day.
	_, denial, err = manager.Reserve(ctx, "querent-1", "reading-c", 10)
	if err != nil {
		t.Fatalf("fourth reserve err: %v", err)
	}
	if denial == nil || denial.Reason != lease.ReasonDailyLimit {
		t.Fatalf("expected %s denial, got %+v", lease.ReasonDailyLimit, denial)
	}
	if denial.RetryAfter <= 0 || denial.RetryAfter > 24*time.Hour {
		t.Fatalf("daily denial retry hint out of range: %v", denial.RetryAfter)
	}
}
