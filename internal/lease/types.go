package lease

import "time"

// Reservation is one row in the lease store. It is pending while ResponseLen
// is unset and committed once finalized. Pending rows whose lease has not
// been touched within the TTL no longer count toward quota.
type Reservation struct {
	ID             string
	OwnerID        string
	ResourceKey    string
	TurnOrdinal    int64
	QuestionLen    int
	CreatedAt      time.Time
	LeaseUpdatedAt time.Time
}

// Limits are the quota boundaries checked at reservation time.
type Limits struct {
	PerResource int64 // follow-up turns per reading
	PerDay      int64 // turns per owner per UTC day
}

type ReserveRequest struct {
	OwnerID     string
	ResourceKey string
	QuestionLen int
	TTL         time.Duration
	Limits      Limits
	Now         time.Time // injected for testability; if zero, store uses time.Now()
}

type ReserveResult struct {
	Reserved    bool
	Reservation Reservation
	// Busy indicates a transient sqlite busy/locked condition; the caller
	// may retry after RetryAfter.
	Busy       bool
	RetryAfter time.Duration
}

// FinalizeMeta carries the terminal fields written by Finalize.
type FinalizeMeta struct {
	ResponseLen  int
	FinishReason string
	ToolCalls    int
}

// Denial reasons produced by the Manager after an atomic denial.
const (
	ReasonResourceLimit = "RESOURCE_LIMIT"
	ReasonDailyLimit    = "DAILY_LIMIT"
	ReasonBusyRetry     = "BUSY_RETRY"
)

// Denial explains why a reservation was not granted.
type Denial struct {
	Reason     string
	RetryAfter time.Duration
}

// Counts is the Quota Evaluator's output: live usage as of a cutoff.
type Counts struct {
	Resource int64
	Day      int64
}
