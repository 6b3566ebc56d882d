package lease_test

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/henryperkins/tarot-sub003/internal/lease"
	"github.com/henryperkins/tarot-sub003/internal/storage"
)

func openTestDB(t *testing.T, name string) *storage.DB {
	t.Helper()
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, name)

	db, err := storage.Open(context.Background(), storage.Config{
		Path:         dbPath,
		BusyTimeout:  5 * time.Second,
		MaxOpenConns: 20,
		MaxIdleConns: 20,
	})
	if err != nil {
		t.Fatalf("db open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestQuotaMonotonicityUnderContention(t *testing.T) {
	db := openTestDB(t, "quota_monotonic.db")
	store := lease.NewStore(db.DB, nil, nil)

	const (
		attempts = 20
		limit    = 5
	)
	limits := lease.Limits{PerResource: limit, PerDay: 1000}
	ttl := 5 * time.Second

	var granted int64
	var denied int64
	var busyRetries int64
	var opErrors int64

	ordinals := make(chan int64, attempts)

	ctx := context.Background()
	wg := sync.WaitGroup{}
	wg.Add(attempts)

	for i := 0; i < attempts; i++ {
		go func() {
			defer wg.Done()
			for {
				res, err := store.ReserveIfUnderQuota(ctx, lease.ReserveRequest{
					OwnerID:     "querent-1",
					ResourceKey: "reading-abc",
					QuestionLen: 12,
					TTL:         ttl,
					Limits:      limits,
				})
				if err != nil {
					atomic.AddInt64(&opErrors, 1)
					return
				}
				if res.Busy {
					atomic.AddInt64(&busyRetries, 1)
					time.Sleep(res.RetryAfter)
					continue
				}
				if res.Reserved {
					atomic.AddInt64(&granted, 1)
					ordinals <- res.Reservation.TurnOrdinal
				} else {
					atomic.AddInt64(&denied, 1)
				}
				return
			}
		}()
	}

	wg.Wait()
	close(ordinals)

	if opErrors != 0 {
		t.Fatalf("unexpected op errors: %d", opErrors)
	}
	if granted != limit {
		t.Fatalf("expected exactly %d grants, got %d (denied=%d)", limit, granted, denied)
	}
	if denied != attempts-limit {
		t.Fatalf("expected %d denials, got %d", attempts-limit, denied)
	}

	// Granted ordinals must be exactly 1..limit with no duplicates or gaps.
	seen := map[int64]bool{}
	for ord := range ordinals {
		if ord < 1 || ord > limit {
			t.Fatalf("ordinal out of range: %d", ord)
		}
		if seen[ord] {
			t.Fatalf("duplicate ordinal: %d", ord)
		}
		seen[ord] = true
	}
	if len(seen) != limit {
		t.Fatalf("expected %d distinct ordinals, got %d", limit, len(seen))
	}

	t.Log("\n================ Quota Monotonicity Report ================")
	t.Logf("Attempts:     %d", attempts)
	t.Logf("Limit:        %d", limit)
	t.Logf("Granted:      %d", granted)
	t.Logf("Denied:       %d", denied)
	t.Logf("Busy retries: %d", busyRetries)
	t.Log("Property:     PASS (grants == min(N, L), ordinals 1..L)")
	t.Log("===========================================================")
}

func TestTwoRacersLimitOne(t *testing.T) {
	db := openTestDB(t, "two_racers.db")
	store := lease.NewStore(db.DB, nil, nil)
	eval := lease.NewEvaluator(db.DB)
	manager := lease.NewManager(store, eval, nil, nil, lease.ManagerConfig{
		TTL:       5 * time.Second,
		Heartbeat: time.Second,
		Limits:    lease.Limits{PerResource: 1, PerDay: 100},
	})

	ctx := context.Background()

	type outcome struct {
		l      *lease.Lease
		denial *lease.Denial
		err    error
	}
	results := make(chan outcome, 2)

	var wg sync.WaitGroup
	wg.Add(2)
	for i := 0; i < 2; i++ {
		go func() {
			defer wg.Done()
			for {
				l, d, err := manager.Reserve(ctx, "querent-1", "reading-xyz", 10)
				if d != nil && d.Reason == lease.ReasonBusyRetry {
					time.Sleep(d.RetryAfter)
					continue
				}
				results <- outcome{l: l, denial: d, err: err}
				return
			}
		}()
	}
	wg.Wait()
	close(results)

	var grants, denials int
	for o := range results {
		if o.err != nil {
			t.Fatalf("reserve err: %v", o.err)
		}
		if o.l != nil {
			grants++
			if got := o.l.Reservation().TurnOrdinal; got != 1 {
				t.Fatalf("expected ordinal 1, got %d", got)
			}
			o.l.Release(ctx)
		}
		if o.denial != nil {
			denials++
			if o.denial.Reason != lease.ReasonResourceLimit {
				t.Fatalf("expected reason %s, got %s", lease.ReasonResourceLimit, o.denial.Reason)
			}
		}
	}
	if grants != 1 || denials != 1 {
		t.Fatalf("expected 1 grant + 1 denial, got grants=%d denials=%d", grants, denials)
	}
}

func TestOrdinalGapFreedom(t *testing.T) {
	db := openTestDB(t, "ordinals.db")
	store := lease.NewStore(db.DB, nil, nil)
	ctx := context.Background()

	limits := lease.Limits{PerResource: 10, PerDay: 100}

	for i := 1; i <= 5; i++ {
		res, err := store.ReserveIfUnderQuota(ctx, lease.ReserveRequest{
			OwnerID:     "querent-1",
			ResourceKey: "reading-seq",
			QuestionLen: 5,
			TTL:         5 * time.Second,
			Limits:      limits,
		})
		if err != nil {
			t.Fatalf("reserve %d: %v", i, err)
		}
		if !res.Reserved {
			t.Fatalf("reserve %d denied unexpectedly", i)
		}
		if res.Reservation.TurnOrdinal != int64(i) {
			t.Fatalf("turn %d: expected ordinal %d, got %d", i, i, res.Reservation.TurnOrdinal)
		}
		ok, err := store.Finalize(ctx, res.Reservation.ID, lease.FinalizeMeta{
			ResponseLen:  42,
			FinishReason: "complete",
		})
		if err != nil || !ok {
			t.Fatalf("finalize %d: ok=%v err=%v", i, ok, err)
		}
	}

	rows, err := db.DB.Query(`
SELECT turn_ordinal FROM reservations
WHERE resource_key = 'reading-seq' AND response_len IS NOT NULL
ORDER BY turn_ordinal;
`)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	defer rows.Close()

	want := int64(1)
	for rows.Next() {
		var ord int64
		if err := rows.Scan(&ord); err != nil {
			t.Fatalf("scan: %v", err)
		}
		if ord != want {
			t.Fatalf("gap in committed ordinals: expected %d got %d", want, ord)
		}
		want++
	}
	if want != 6 {
		t.Fatalf("expected 5 committed rows, found %d", want-1)
	}
}

func TestFinalizeAndReleaseIdempotence(t *testing.T) {
	db := openTestDB(t, "idempotent.db")
	store := lease.NewStore(db.DB, nil, nil)
	ctx := context.Background()

	reserve := func(resource string) lease.Reservation {
		res, err := store.ReserveIfUnderQuota(ctx, lease.ReserveRequest{
			OwnerID:     "querent-1",
			ResourceKey: resource,
			QuestionLen: 5,
			TTL:         5 * time.Second,
			Limits:      lease.Limits{PerResource: 5, PerDay: 100},
		})
		if err != nil || !res.Reserved {
			t.Fatalf("reserve: reserved=%v err=%v", res.Reserved, err)
		}
		return res.Reservation
	}

	// Finalize twice: first commits, second is a no-op.
	r1 := reserve("reading-f")
	ok, err := store.Finalize(ctx, r1.ID, lease.FinalizeMeta{ResponseLen: 10})
	if err != nil || !ok {
		t.Fatalf("first finalize: ok=%v err=%v", ok, err)
	}
	ok, err = store.Finalize(ctx, r1.ID, lease.FinalizeMeta{ResponseLen: 99})
	if err != nil {
		t.Fatalf("second finalize err: %v", err)
	}
	if ok {
		t.Fatalf("second finalize must be a no-op")
	}

	// Release after finalize must not delete the committed row.
	ok, err = store.Release(ctx, r1.ID)
	if err != nil {
		t.Fatalf("release err: %v", err)
	}
	if ok {
		t.Fatalf("release must not affect a committed reservation")
	}
	var n int
	if err := db.DB.QueryRow(`SELECT COUNT(*) FROM reservations WHERE id = ?`, r1.ID).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("committed row missing after release attempt")
	}

	// Release twice: first deletes, second is a no-op.
	r2 := reserve("reading-g")
	ok, err = store.Release(ctx, r2.ID)
	if err != nil || !ok {
		t.Fatalf("first release: ok=%v err=%v", ok, err)
	}
	ok, err = store.Release(ctx, r2.ID)
	if err != nil {
		t.Fatalf("second release err: %v", err)
	}
	if ok {
		t.Fatalf("second release must be a no-op")
	}
}

func TestExpiredPendingDoesNotCountAndIsSwept(t *testing.T) {
	db := openTestDB(t, "expiry.db")
	store := lease.NewStore(db.DB, nil, nil)
	eval := lease.NewEvaluator(db.DB)
	ctx := context.Background()

	ttl := 150 * time.Millisecond
	limits := lease.Limits{PerResource: 1, PerDay: 100}

	res, err := store.ReserveIfUnderQuota(ctx, lease.ReserveRequest{
		OwnerID:     "querent-1",
		ResourceKey: "reading-exp",
		QuestionLen: 5,
		TTL:         ttl,
		Limits:      limits,
	})
	if err != nil || !res.Reserved {
		t.Fatalf("reserve: reserved=%v err=%v", res.Reserved, err)
	}

	// Let the lease expire without touches.
	time.Sleep(ttl + 100*time.Millisecond)

	counts, err := eval.Counts(ctx, "querent-1", "reading-exp", time.Now(), ttl)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts.Resource != 0 {
		t.Fatalf("expired pending must not count toward quota, got %d", counts.Resource)
	}

	// The next attempt sweeps the expired row and takes the slot.
	res2, err := store.ReserveIfUnderQuota(ctx, lease.ReserveRequest{
		OwnerID:     "querent-1",
		ResourceKey: "reading-exp",
		QuestionLen: 5,
		TTL:         ttl,
		Limits:      limits,
	})
	if err != nil || !res2.Reserved {
		t.Fatalf("second reserve after expiry: reserved=%v err=%v", res2.Reserved, err)
	}

	var n int
	if err := db.DB.QueryRow(`SELECT COUNT(*) FROM reservations WHERE id = ?`, res.Reservation.ID).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Fatalf("expired pending row should have been deleted by the reserve attempt")
	}
}
