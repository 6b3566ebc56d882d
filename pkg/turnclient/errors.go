package turnclient

import "fmt"

// QuotaError is returned when the server denies the follow-up for quota
// reasons. Reason is RESOURCE_LIMIT, DAILY_LIMIT, or BUSY_RETRY.
type QuotaError struct {
	Reason       string
	RetryAfterMS int64
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("follow-up denied: reason=%s retry_ms=%d", e.Reason, e.RetryAfterMS)
}

// StreamError is the normalized error frame surfaced mid-stream.
type StreamError struct {
	Message string
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("stream error: %s", e.Message)
}

type UnexpectedStatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *UnexpectedStatusError) Error() string {
	return fmt.Sprintf("unexpected status: %s %s -> %d body=%q", e.Method, e.Path, e.Code, e.Body)
}
