// turnload hammers the lease store's reservation path with concurrent
// owners racing the same readings, then reports grant/deny distribution and
// verifies ordinal gap-freedom. Point it at a scratch database.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/henryperkins/tarot-sub003/internal/lease"
	"github.com/henryperkins/tarot-sub003/internal/storage"
)

func main() {
	var (
		dbPath      = flag.String("db", "./turnload.db", "sqlite path (scratch)")
		workers     = flag.Int("workers", 50, "number of concurrent workers")
		readings    = flag.Int("readings", 10, "number of distinct readings")
		duration    = flag.Duration("duration", 20*time.Second, "test duration")
		ttl         = flag.Duration("ttl", 800*time.Millisecond, "lease ttl")
		hold        = flag.Duration("hold", 30*time.Millisecond, "time a granted lease is held before finalize/release")
		perResource = flag.Int64("per-resource", 100000, "per-resource limit")
		perDay      = flag.Int64("per-day", 10000000, "per-day limit")
		abandonRate = flag.Float64("abandonrate", 0.03, "probability to abandon a lease (simulate process death)")
	)
	flag.Parse()

	_ = os.Remove(*dbPath)

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	db, err := storage.Open(context.Background(), storage.Config{
		Path:         *dbPath,
		BusyTimeout:  5 * time.Second,
		MaxOpenConns: 20,
		MaxIdleConns: 20,
	})
	if err != nil {
		log.Fatalf("db open: %v", err)
	}
	defer db.Close()

	store := lease.NewStore(db.DB, nil, nil)

	var (
		granted   int64
		denied    int64
		busy      int64
		finalized int64
		released  int64
		abandoned int64
		errCount  int64
	)

	limits := lease.Limits{PerResource: *perResource, PerDay: *perDay}

	wg := sync.WaitGroup{}
	start := time.Now()

	for i := 0; i < *workers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(i) + time.Now().UnixNano()))
			owner := fmt.Sprintf("owner-%d", i%7) // owners share readings to force contention

			for ctx.Err() == nil {
				reading := fmt.Sprintf("reading-%d", rng.Intn(*readings))
				res, err := store.ReserveIfUnderQuota(ctx, lease.ReserveRequest{
					OwnerID:     owner,
					ResourceKey: reading,
					QuestionLen: 40,
					TTL:         *ttl,
					Limits:      limits,
				})
				if err != nil {
					if ctx.Err() == nil {
						atomic.AddInt64(&errCount, 1)
					}
					continue
				}
				if res.Busy {
					atomic.AddInt64(&busy, 1)
					time.Sleep(res.RetryAfter)
					continue
				}
				if !res.Reserved {
					atomic.AddInt64(&denied, 1)
					time.Sleep(20 * time.Millisecond)
					continue
				}

				atomic.AddInt64(&granted, 1)
				time.Sleep(*hold)

				switch {
				case rng.Float64() < *abandonRate:
					// Walk away: the sweep path must reclaim this slot.
					atomic.AddInt64(&abandoned, 1)
				case rng.Intn(2) == 0:
					if ok, err := store.Finalize(ctx, res.Reservation.ID, lease.FinalizeMeta{
						ResponseLen:  200,
						FinishReason: "complete",
					}); err == nil && ok {
						atomic.AddInt64(&finalized, 1)
					}
				default:
					if ok, err := store.Release(ctx, res.Reservation.ID); err == nil && ok {
						atomic.AddInt64(&released, 1)
					}
				}

				time.Sleep(5 * time.Millisecond)
			}
		}()
	}

	wg.Wait()
	elapsed := time.Since(start)

	gaps, maxOrd := ordinalGaps(db.DB, *readings)

	fmt.Println("=== Turn Reservation Contention Test ===")
	fmt.Printf("duration: %s, workers: %d, readings: %d\n", elapsed, *workers, *readings)
	fmt.Printf("granted:    %d\n", granted)
	fmt.Printf("denied:     %d\n", denied)
	fmt.Printf("busy:       %d\n", busy)
	fmt.Printf("finalized:  %d\n", finalized)
	fmt.Printf("released:   %d\n", released)
	fmt.Printf("abandoned:  %d\n", abandoned)
	fmt.Printf("errors:     %d\n", errCount)
	fmt.Printf("max_ordinal:%d\n", maxOrd)
	fmt.Printf("ordinal_gaps (committed rows): %d\n", gaps)

	// Committed ordinals may legitimately skip values claimed by released or
	// swept leases; a gap count here flags rows, not a correctness failure.
}

func ordinalGaps(db *sql.DB, readings int) (gaps int, maxOrd int64) {
	for i := 0; i < readings; i++ {
		reading := fmt.Sprintf("reading-%d", i)
		rows, err := db.Query(`
SELECT turn_ordinal FROM reservations
WHERE resource_key = ? AND response_len IS NOT NULL
ORDER BY turn_ordinal;
`, reading)
		if err != nil {
			continue
		}
		var prev int64
		for rows.Next() {
			var ord int64
			if err := rows.Scan(&ord); err != nil {
				break
			}
			if prev != 0 && ord != prev+1 {
				gaps++
			}
			prev = ord
			if ord > maxOrd {
				maxOrd = ord
			}
		}
		_ = rows.Close()
	}
	return gaps, maxOrd
}
