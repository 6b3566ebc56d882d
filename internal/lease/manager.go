package lease

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/henryperkins/tarot-sub003/internal/obs"
)

// minHeartbeat is the floor for the heartbeat interval; anything tighter
// just hammers the store without extending liveness meaningfully.
const minHeartbeat = 100 * time.Millisecond

const (
	statePending int32 = iota
	stateFinalized
	stateReleased
)

type ManagerConfig struct {
	TTL       time.Duration
	Heartbeat time.Duration
	Limits    Limits
}

// Manager owns the per-request reservation lifecycle:
// UNRESERVED -> RESERVED -> {FINALIZED | RELEASED}.
type Manager struct {
	store   *Store
	eval    *Evaluator
	logger  *obs.Logger
	metrics *obs.Metrics
	cfg     ManagerConfig
}

func NewManager(store *Store, eval *Evaluator, logger *obs.Logger, metrics *obs.Metrics, cfg ManagerConfig) *Manager {
	if cfg.TTL <= 0 {
		cfg.TTL = 90 * time.Second
	}
	if cfg.Heartbeat <= 0 || cfg.Heartbeat > cfg.TTL {
		cfg.Heartbeat = cfg.TTL
	}
	if cfg.Heartbeat < minHeartbeat {
		cfg.Heartbeat = minHeartbeat
	}
	return &Manager{
		store:   store,
		eval:    eval,
		logger:  logger,
		metrics: metrics,
		cfg:     cfg,
	}
}

// Reserve attempts the atomic grant. On denial it re-runs the Evaluator to
// name the limit that was hit; the answer can be momentarily stale relative
// to true state, which only affects message precision.
func (m *Manager) Reserve(ctx context.Context, ownerID, resourceKey string, questionLen int) (*Lease, *Denial, error) {
	res, err := m.store.ReserveIfUnderQuota(ctx, ReserveRequest{
		OwnerID:     ownerID,
		ResourceKey: resourceKey,
		QuestionLen: questionLen,
		TTL:         m.cfg.TTL,
		Limits:      m.cfg.Limits,
	})
	if err != nil {
		return nil, nil, err
	}
	if res.Busy {
		return nil, &Denial{Reason: ReasonBusyRetry, RetryAfter: res.RetryAfter}, nil
	}
	if !res.Reserved {
		return nil, m.explainDenial(ctx, ownerID, resourceKey), nil
	}

	l := &Lease{
		res:    res.Reservation,
		store:  m.store,
		logger: m.logger,
		hbDone: make(chan struct{}),
	}
	hbCtx, cancel := context.WithCancel(context.Background())
	l.hbCancel = cancel
	go l.heartbeat(hbCtx, m.cfg.Heartbeat)
	return l, nil, nil
}

func (m *Manager) explainDenial(ctx context.Context, ownerID, resourceKey string) *Denial {
	now := time.Now()
	c, err := m.eval.Counts(ctx, ownerID, resourceKey, now, m.cfg.TTL)
	if err != nil {
		if m.logger != nil {
			m.logger.Warn(map[string]interface{}{
				"op":    "explain_denial",
				"owner": ownerID,
				"error": err.Error(),
			})
		}
		// Could not disambiguate; the conservative answer is the daily
		// limit, which at least carries a usable retry hint.
		return &Denial{Reason: ReasonDailyLimit, RetryAfter: UntilNextUTCDay(now)}
	}
	if c.Resource >= m.cfg.Limits.PerResource {
		return &Denial{Reason: ReasonResourceLimit}
	}
	return &Denial{Reason: ReasonDailyLimit, RetryAfter: UntilNextUTCDay(now)}
}

// Limits exposes the configured quota boundaries (for the quota probe API).
func (m *Manager) Limits() Limits { return m.cfg.Limits }

// TTL exposes the configured lease TTL (for the quota probe API).
func (m *Manager) TTL() time.Duration { return m.cfg.TTL }

// Lease is the runtime side of a pending reservation: a heartbeat keeping
// the row alive plus a single-shot terminal transition. Exactly one of
// Finalize/Release takes effect; the loser of the race is a no-op.
type Lease struct {
	res      Reservation
	store    *Store
	logger   *obs.Logger
	state    atomic.Int32
	hbCancel context.CancelFunc
	hbDone   chan struct{}
}

func (l *Lease) Reservation() Reservation { return l.res }

func (l *Lease) heartbeat(ctx context.Context, interval time.Duration) {
	defer close(l.hbDone)

	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			touchCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			touched, err := l.store.Touch(touchCtx, l.res.ID, time.Now())
			cancel()
			if err != nil {
				// Never fatal: a missed touch only risks expiry, and expiry
				// is the correct fallback for a stuck request.
				if l.logger != nil {
					l.logger.Warn(map[string]interface{}{
						"op":          "heartbeat",
						"reservation": l.res.ID,
						"error":       err.Error(),
					})
				}
				continue
			}
			if !touched {
				// Row no longer pending; nothing left to keep alive.
				return
			}
		}
	}
}

func (l *Lease) stopHeartbeat() {
	l.hbCancel()
	<-l.hbDone
}

// Finalize commits the reservation. If the store rejects the finalize (the
// row was already swept), it falls back to Release so the slot is freed
// rather than leaked. Returns whether the reservation was committed.
func (l *Lease) Finalize(ctx context.Context, meta FinalizeMeta) bool {
	if !l.state.CompareAndSwap(statePending, stateFinalized) {
		return false
	}
	l.stopHeartbeat()

	ok, err := l.store.Finalize(ctx, l.res.ID, meta)
	if err == nil && ok {
		return true
	}
	if l.logger != nil {
		fields := map[string]interface{}{
			"op":          "finalize_fallback_release",
			"reservation": l.res.ID,
		}
		if err != nil {
			fields["error"] = err.Error()
		}
		l.logger.Warn(fields)
	}
	if _, rerr := l.store.Release(ctx, l.res.ID); rerr != nil && l.logger != nil {
		l.logger.Error(map[string]interface{}{
			"op":          "release_after_failed_finalize",
			"reservation": l.res.ID,
			"error":       rerr.Error(),
		})
	}
	return false
}

// Release frees the slot without committing usage. Safe to call from any
// completion path; only the first terminal transition does work.
func (l *Lease) Release(ctx context.Context) bool {
	if !l.state.CompareAndSwap(statePending, stateReleased) {
		return false
	}
	l.stopHeartbeat()

	ok, err := l.store.Release(ctx, l.res.ID)
	if err != nil {
		if l.logger != nil {
			l.logger.Error(map[string]interface{}{
				"op":          "release",
				"reservation": l.res.ID,
				"error":       err.Error(),
			})
		}
		return false
	}
	return ok
}
