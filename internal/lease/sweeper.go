package lease

import (
	"context"
	"database/sql"
	"time"

	"github.com/henryperkins/tarot-sub003/internal/obs"
)

// Sweeper periodically removes expired pending reservations and keeps the
// pending-leases gauge current. ReserveIfUnderQuota already sweeps the
// attempting owner's rows; this catches owners who never come back.
type Sweeper struct {
	db       *sql.DB
	logger   *obs.Logger
	metrics  *obs.Metrics
	ttl      time.Duration
	interval time.Duration
}

func NewSweeper(db *sql.DB, logger *obs.Logger, metrics *obs.Metrics, ttl, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Sweeper{
		db:       db,
		logger:   logger,
		metrics:  metrics,
		ttl:      ttl,
		interval: interval,
	}
}

func (s *Sweeper) Run(ctx context.Context) {
	t := time.NewTicker(s.interval)
	defer t.Stop()

	// Run once immediately
	s.sweepOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *Sweeper) sweepOnce(ctx context.Context) {
	start := time.Now()
	cutoffNs := time.Now().Add(-s.ttl).UnixNano()

	var pending int64
	err := s.db.QueryRowContext(ctx, `
SELECT COUNT(*)
FROM reservations
WHERE response_len IS NULL
  AND lease_updated_at_ns >= ?;
`, cutoffNs).Scan(&pending)

	if err == nil && s.metrics != nil && s.metrics.PendingLeases != nil {
		s.metrics.PendingLeases.Set(float64(pending))
	}

	res, err2 := s.db.ExecContext(ctx, `
DELETE FROM reservations
WHERE response_len IS NULL
  AND lease_updated_at_ns < ?;
`, cutoffNs)

	var swept int64
	if err2 == nil && res != nil {
		swept, _ = res.RowsAffected()
		if swept > 0 && s.metrics != nil && s.metrics.SweptTotal != nil {
			s.metrics.SweptTotal.Add(float64(swept))
		}
	}

	if s.logger != nil {
		fields := map[string]interface{}{
			"op":         "lease_sweep",
			"pending":    pending,
			"swept":      swept,
			"latency_ms": time.Since(start).Milliseconds(),
		}
		if err != nil {
			fields["count_err"] = err.Error()
		}
		if err2 != nil {
			fields["sweep_err"] = err2.Error()
		}
		if swept > 0 || err != nil || err2 != nil {
			s.logger.Info(fields)
		}
	}
}
