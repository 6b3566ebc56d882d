package lease

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"github.com/henryperkins/tarot-sub003/internal/obs"
)

// Store is the single source of truth for quota state. All cross-request
// coordination happens inside its serializable transactions; callers hold no
// locks of their own.
type Store struct {
	db      *sql.DB
	logger  *obs.Logger
	metrics *obs.Metrics
}

func NewStore(db *sql.DB, logger *obs.Logger, metrics *obs.Metrics) *Store {
	return &Store{
		db:      db,
		logger:  logger,
		metrics: metrics,
	}
}

func (s *Store) observeLatency(op string, start time.Time) {
	if s.metrics == nil {
		return
	}
	s.metrics.OpLatencyMS.WithLabelValues(op).Observe(float64(time.Since(start).Milliseconds()))
}

func (s *Store) incBusy(op string) {
	if s.metrics == nil {
		return
	}
	s.metrics.DBBusyTotal.WithLabelValues(op).Inc()
}

func (s *Store) now(reqNow time.Time) time.Time {
	if !reqNow.IsZero() {
		return reqNow
	}
	return time.Now()
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	if se, ok := err.(sqlite3.Error); ok {
		return se.Code == sqlite3.ErrBusy ||
			se.Code == sqlite3.ErrLocked
	}
	return false
}

// dayWindowNs returns the [start, end) bounds of now's UTC day in unix nanos.
func dayWindowNs(now time.Time) (int64, int64) {
	u := now.UTC()
	start := time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
	return start.UnixNano(), start.Add(24 * time.Hour).UnixNano()
}

// ReserveIfUnderQuota garbage-collects the owner's expired pending rows, then
// performs one conditional insert that recomputes both quota counts and
// assigns the next ordinal for the resource in the same statement. Zero rows
// affected means denied; the storage layer does not say which limit was hit,
// the Manager re-queries the Evaluator for an exact reason.
func (s *Store) ReserveIfUnderQuota(ctx context.Context, req ReserveRequest) (ReserveResult, error) {
	if req.OwnerID == "" || req.ResourceKey == "" {
		return ReserveResult{}, fmt.Errorf("owner_id and resource_key required")
	}
	if req.TTL <= 0 {
		return ReserveResult{}, fmt.Errorf("ttl must be > 0")
	}
	if req.Limits.PerResource <= 0 || req.Limits.PerDay <= 0 {
		return ReserveResult{}, fmt.Errorf("limits must be > 0")
	}
	start := time.Now()

	var (
		logGranted bool
		logOrdinal int64
		logErrMsg  string
	)
	defer func() {
		if s.logger == nil {
			return
		}
		fields := map[string]interface{}{
			"op":         "reserve",
			"owner":      req.OwnerID,
			"resource":   req.ResourceKey,
			"granted":    logGranted,
			"ordinal":    logOrdinal,
			"latency_ms": time.Since(start).Milliseconds(),
		}
		if logErrMsg != "" {
			fields["error"] = logErrMsg
			s.logger.Error(fields)
		} else {
			s.logger.Info(fields)
		}
	}()

	now := s.now(req.Now)
	nowNs := now.UnixNano()
	cutoffNs := now.Add(-req.TTL).UnixNano()
	dayStartNs, dayEndNs := dayWindowNs(now)

	id := uuid.NewString()

	busyResult := func() (ReserveResult, error) {
		s.incBusy("reserve")
		if s.metrics != nil {
			s.metrics.ReserveTotal.WithLabelValues("busy").Inc()
		}
		s.observeLatency("reserve", start)
		return ReserveResult{Busy: true, RetryAfter: 50 * time.Millisecond}, nil
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		if isSQLiteBusy(err) {
			return busyResult()
		}
		logErrMsg = err.Error()
		return ReserveResult{}, err
	}
	defer func() { _ = tx.Rollback() }()

	// Opportunistic sweep of this owner's expired pending rows so dead
	// leases never block the conditional insert below.
	if _, err := tx.ExecContext(ctx, `
DELETE FROM reservations
WHERE owner_id = ?
  AND response_len IS NULL
  AND lease_updated_at_ns < ?;
`, req.OwnerID, cutoffNs); err != nil {
		if isSQLiteBusy(err) {
			return busyResult()
		}
		logErrMsg = err.Error()
		return ReserveResult{}, err
	}

	// Counts and ordinal are evaluated inside the insert itself, so a racing
	// attempt at the quota boundary sees either this row or none, never half
	// of the bookkeeping.
	res, err := tx.ExecContext(ctx, `
INSERT INTO reservations (id, owner_id, resource_key, turn_ordinal, question_len, created_at_ns, lease_updated_at_ns)
SELECT ?, ?, ?,
       COALESCE((SELECT MAX(turn_ordinal) FROM reservations WHERE resource_key = ?), 0) + 1,
       ?, ?, ?
WHERE (SELECT COUNT(*) FROM reservations
       WHERE resource_key = ?
         AND (response_len IS NOT NULL OR lease_updated_at_ns >= ?)) < ?
  AND (SELECT COUNT(*) FROM reservations
       WHERE owner_id = ?
         AND created_at_ns >= ? AND created_at_ns < ?
         AND (response_len IS NOT NULL OR lease_updated_at_ns >= ?)) < ?;
`,
		id, req.OwnerID, req.ResourceKey,
		req.ResourceKey,
		req.QuestionLen, nowNs, nowNs,
		req.ResourceKey, cutoffNs, req.Limits.PerResource,
		req.OwnerID, dayStartNs, dayEndNs, cutoffNs, req.Limits.PerDay,
	)
	if err != nil {
		if isSQLiteBusy(err) {
			return busyResult()
		}
		logErrMsg = err.Error()
		return ReserveResult{}, err
	}

	aff, _ := res.RowsAffected()
	if aff == 0 {
		if err := tx.Commit(); err != nil {
			if isSQLiteBusy(err) {
				return busyResult()
			}
			logErrMsg = err.Error()
			return ReserveResult{}, err
		}
		if s.metrics != nil {
			s.metrics.ReserveTotal.WithLabelValues("denied").Inc()
		}
		s.observeLatency("reserve", start)
		return ReserveResult{Reserved: false}, nil
	}

	var ordinal int64
	if err := tx.QueryRowContext(ctx, `SELECT turn_ordinal FROM reservations WHERE id = ?;`, id).Scan(&ordinal); err != nil {
		if isSQLiteBusy(err) {
			return busyResult()
		}
		logErrMsg = err.Error()
		return ReserveResult{}, err
	}

	if err := tx.Commit(); err != nil {
		if isSQLiteBusy(err) {
			return busyResult()
		}
		logErrMsg = err.Error()
		return ReserveResult{}, err
	}

	logGranted = true
	logOrdinal = ordinal
	if s.metrics != nil {
		s.metrics.ReserveTotal.WithLabelValues("granted").Inc()
	}
	s.observeLatency("reserve", start)

	return ReserveResult{
		Reserved: true,
		Reservation: Reservation{
			ID:             id,
			OwnerID:        req.OwnerID,
			ResourceKey:    req.ResourceKey,
			TurnOrdinal:    ordinal,
			QuestionLen:    req.QuestionLen,
			CreatedAt:      time.Unix(0, nowNs),
			LeaseUpdatedAt: time.Unix(0, nowNs),
		},
	}, nil
}

// Touch extends the lease window while the reservation is still pending.
// A false return means the row was concurrently finalized, released, or
// swept; the heartbeat treats that as non-fatal.
func (s *Store) Touch(ctx context.Context, reservationID string, now time.Time) (bool, error) {
	if reservationID == "" {
		return false, fmt.Errorf("reservation_id required")
	}
	start := time.Now()
	nowNs := s.now(now).UnixNano()

	res, err := s.db.ExecContext(ctx, `
UPDATE reservations
SET lease_updated_at_ns = ?
WHERE id = ?
  AND response_len IS NULL;
`, nowNs, reservationID)
	if err != nil {
		if isSQLiteBusy(err) {
			// Surfaced as an error, not "gone": the heartbeat retries on the
			// next tick rather than abandoning a live lease.
			s.incBusy("touch")
		}
		return false, err
	}

	aff, _ := res.RowsAffected()
	touched := aff == 1
	if s.metrics != nil {
		if touched {
			s.metrics.TouchTotal.WithLabelValues("success").Inc()
		} else {
			s.metrics.TouchTotal.WithLabelValues("gone").Inc()
		}
	}
	s.observeLatency("touch", start)
	return touched, nil
}

// Finalize commits the reservation. Failure (row gone or already committed)
// obliges the caller to fall back to Release so no phantom pending row leaks.
func (s *Store) Finalize(ctx context.Context, reservationID string, meta FinalizeMeta) (bool, error) {
	if reservationID == "" {
		return false, fmt.Errorf("reservation_id required")
	}
	start := time.Now()

	res, err := s.db.ExecContext(ctx, `
UPDATE reservations
SET response_len = ?,
    finish_reason = ?,
    tool_calls = ?
WHERE id = ?
  AND response_len IS NULL;
`, meta.ResponseLen, meta.FinishReason, meta.ToolCalls, reservationID)
	if err != nil {
		if isSQLiteBusy(err) {
			s.incBusy("finalize")
		}
		return false, err
	}

	aff, _ := res.RowsAffected()
	ok := aff == 1
	if s.metrics != nil {
		if ok {
			s.metrics.FinalizeTotal.WithLabelValues("success").Inc()
		} else {
			s.metrics.FinalizeTotal.WithLabelValues("gone").Inc()
		}
	}
	s.observeLatency("finalize", start)
	return ok, nil
}

// Release deletes the reservation only while pending; committed rows are
// permanent usage records and are never deleted.
func (s *Store) Release(ctx context.Context, reservationID string) (bool, error) {
	if reservationID == "" {
		return false, fmt.Errorf("reservation_id required")
	}
	start := time.Now()

	res, err := s.db.ExecContext(ctx, `
DELETE FROM reservations
WHERE id = ?
  AND response_len IS NULL;
`, reservationID)
	if err != nil {
		if isSQLiteBusy(err) {
			s.incBusy("release")
		}
		return false, err
	}

	aff, _ := res.RowsAffected()
	ok := aff == 1
	if s.metrics != nil {
		if ok {
			s.metrics.ReleaseTotal.WithLabelValues("success").Inc()
		} else {
			s.metrics.ReleaseTotal.WithLabelValues("noop").Inc()
		}
	}
	s.observeLatency("release", start)
	return ok, nil
}
