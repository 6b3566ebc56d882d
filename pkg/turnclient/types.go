package turnclient

// Event is one frame of the normalized follow-up stream.
//
// Types: "meta" (Turn, RequestID set), "delta" and "done" (Text set),
// "error" (Message set).
type Event struct {
	Type      string
	Turn      int64
	RequestID string
	Text      string
	Message   string
}

const (
	EventMeta  = "meta"
	EventDelta = "delta"
	EventDone  = "done"
	EventError = "error"
)

// Quota is the server's remaining-quota probe response.
type Quota struct {
	Reading           string `json:"reading"`
	ResourceUsed      int64  `json:"resource_used"`
	ResourceLimit     int64  `json:"resource_limit"`
	ResourceRemaining int64  `json:"resource_remaining"`
	DayUsed           int64  `json:"day_used"`
	DayLimit          int64  `json:"day_limit"`
	DayRemaining      int64  `json:"day_remaining"`
}
