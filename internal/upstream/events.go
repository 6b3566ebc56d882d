package upstream

// Raw event names on the generation service's framed stream.
const (
	EventTextDelta     = "response.output_text.delta"
	EventTextDone      = "response.output_text.done"
	EventItemAdded     = "response.output_item.added"
	EventFuncArgsDelta = "response.function_call_arguments.delta"
	EventFuncArgsDone  = "response.function_call_arguments.done"
	EventCompleted     = "response.completed"
	EventError         = "error"
	EventResponseError = "response.error"
)

// ToolCall is one function-call request detected on the stream: opened by an
// output-item event, grown by argument fragments, closed by arguments-done
// (at which point the accumulated text is parsed, empty object on failure).
type ToolCall struct {
	CallID  string
	Name    string
	RawArgs string
	Args    map[string]interface{}
}

// Sink receives the decoder's forwarded events. The multiplexer implements
// it on the client side of the relay.
type Sink interface {
	OnDelta(text string)
	OnError(message string)
}

// payload is the superset of fields the decoder cares about across all
// recognized event types. Unknown fields are ignored.
type payload struct {
	Type      string `json:"type"`
	Delta     string `json:"delta"`
	Text      string `json:"text"`
	CallID    string `json:"call_id"`
	Arguments string `json:"arguments"`
	Item      *struct {
		Type   string `json:"type"`
		CallID string `json:"call_id"`
		Name   string `json:"name"`
	} `json:"item"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
	Message string `json:"message"`
}
