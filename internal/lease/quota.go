package lease

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Evaluator computes live usage counts without mutating anything. A row is
// live when it is committed or still within its lease window. Repeated calls
// with identical inputs against an unchanged store return identical counts.
type Evaluator struct {
	db *sql.DB
}

func NewEvaluator(db *sql.DB) *Evaluator {
	return &Evaluator{db: db}
}

func (e *Evaluator) Counts(ctx context.Context, ownerID, resourceKey string, now time.Time, ttl time.Duration) (Counts, error) {
	if ownerID == "" || resourceKey == "" {
		return Counts{}, fmt.Errorf("owner_id and resource_key required")
	}
	if ttl <= 0 {
		return Counts{}, fmt.Errorf("ttl must be > 0")
	}
	if now.IsZero() {
		now = time.Now()
	}

	cutoffNs := now.Add(-ttl).UnixNano()
	dayStartNs, dayEndNs := dayWindowNs(now)

	var c Counts
	if err := e.db.QueryRowContext(ctx, `
SELECT COUNT(*)
FROM reservations
WHERE resource_key = ?
  AND (response_len IS NOT NULL OR lease_updated_at_ns >= ?);
`, resourceKey, cutoffNs).Scan(&c.Resource); err != nil {
		return Counts{}, err
	}

	if err := e.db.QueryRowContext(ctx, `
SELECT COUNT(*)
FROM reservations
WHERE owner_id = ?
  AND created_at_ns >= ? AND created_at_ns < ?
  AND (response_len IS NOT NULL OR lease_updated_at_ns >= ?);
`, ownerID, dayStartNs, dayEndNs, cutoffNs).Scan(&c.Day); err != nil {
		return Counts{}, err
	}

	return c, nil
}

// UntilNextUTCDay is the retry hint attached to daily-limit denials.
func UntilNextUTCDay(now time.Time) time.Duration {
	_, endNs := dayWindowNs(now)
	return time.Unix(0, endNs).Sub(now.UTC())
}
