package turn

import (
	"strings"
	"sync"
	"sync/atomic"

	"github.com/henryperkins/tarot-sub003/internal/obs"
)

// EventWriter is the client-facing frame sink. The normalized vocabulary is
// meta, delta, done, error. Implementations report delivery failure so the
// relay can treat a dead client as a cancel signal.
type EventWriter interface {
	WriteEvent(event string, payload interface{}) error
}

// Meta is the preamble frame sent before any content.
type Meta struct {
	Turn      int64  `json:"turn"`
	RequestID string `json:"request_id"`
}

type deltaPayload struct {
	Text string `json:"text"`
}

type donePayload struct {
	Text string `json:"text"`
}

type errorPayload struct {
	Message string `json:"message"`
}

// Terminal outcomes. Exactly one fires per turn.
const (
	outcomeUndecided int32 = iota
	OutcomeComplete
	OutcomeError
	OutcomeEmpty
	OutcomeCancel
)

// Callbacks are the mutually exclusive terminal actions. OnComplete must not
// block stream closure; the service dispatches it through the supervisor.
type Callbacks struct {
	OnComplete func(text string)
	OnError    func(info string)
	OnEmpty    func()
	OnCancel   func()
}

// Mux relays the orchestrator's events to the client and owns the terminal
// decision. It keeps its own accumulation of relayed deltas, independent of
// the decoder, so no single signal is trusted for the empty/success call.
type Mux struct {
	w       EventWriter
	logger  *obs.Logger
	metrics *obs.Metrics
	cb      Callbacks

	cancelled atomic.Bool
	state     atomic.Int32

	mu       sync.Mutex
	relayed  strings.Builder
	sawError bool
	errInfo  string
	final    string
}

func NewMux(w EventWriter, logger *obs.Logger, metrics *obs.Metrics, cb Callbacks) *Mux {
	return &Mux{
		w:       w,
		logger:  logger,
		metrics: metrics,
		cb:      cb,
	}
}

// CancelFlag is shared with the decoder so nothing is emitted to a closed
// downstream after cancellation.
func (m *Mux) CancelFlag() *atomic.Bool { return &m.cancelled }

// WriteMeta sends the preamble. A delivery failure means the client is
// already gone; the turn is cancelled.
func (m *Mux) WriteMeta(meta Meta) bool {
	if m.cancelled.Load() {
		return false
	}
	if err := m.w.WriteEvent("meta", meta); err != nil {
		m.Cancel()
		return false
	}
	return true
}

// OnDelta implements upstream.Sink: forward the fragment verbatim and track
// it for the terminal decision.
func (m *Mux) OnDelta(text string) {
	if m.cancelled.Load() {
		return
	}
	m.mu.Lock()
	m.relayed.WriteString(text)
	m.mu.Unlock()
	if err := m.w.WriteEvent("delta", deltaPayload{Text: text}); err != nil {
		m.Cancel()
	}
}

// OnError implements upstream.Sink: upstream declared a terminal error.
// The client sees a generic retryable message; detail stays in the logs.
func (m *Mux) OnError(message string) {
	m.mu.Lock()
	m.sawError = true
	m.errInfo = message
	m.mu.Unlock()
	if m.logger != nil {
		m.logger.Error(map[string]interface{}{
			"op":    "upstream_error_event",
			"error": message,
		})
	}
	if m.cancelled.Load() {
		return
	}
	_ = m.w.WriteEvent("error", errorPayload{Message: "The reading could not be completed. Please try again."})
}

// Fail handles a transport-level failure: emit the generic error frame and
// take the error terminal path.
func (m *Mux) Fail(info string) {
	m.mu.Lock()
	m.sawError = true
	m.errInfo = info
	m.mu.Unlock()
	if !m.cancelled.Load() {
		_ = m.w.WriteEvent("error", errorPayload{Message: "The reading could not be completed. Please try again."})
	}
	m.decide(OutcomeError)
}

// Cancel is the downstream consumer's disconnect signal. It wins over every
// other terminal condition.
func (m *Mux) Cancel() {
	m.cancelled.Store(true)
	m.decide(OutcomeCancel)
}

// Finish is called after the round trip ends without transport error. The
// terminal condition is derived from what was actually relayed plus the
// orchestrator's final text, and exactly one callback fires.
func (m *Mux) Finish(finalText string) {
	if m.cancelled.Load() {
		m.decide(OutcomeCancel)
		return
	}

	m.mu.Lock()
	sawError := m.sawError
	relayed := m.relayed.String()
	m.mu.Unlock()

	if sawError {
		m.decide(OutcomeError)
		return
	}

	if strings.TrimSpace(finalText) == "" && strings.TrimSpace(relayed) == "" {
		_ = m.w.WriteEvent("done", donePayload{Text: ""})
		m.decide(OutcomeEmpty)
		return
	}

	// The done text is authoritative for the client; deltas may have been
	// corrected upstream.
	if finalText == "" {
		finalText = relayed
	}
	m.mu.Lock()
	m.final = finalText
	m.mu.Unlock()
	if err := m.w.WriteEvent("done", donePayload{Text: finalText}); err != nil {
		m.Cancel()
		return
	}
	m.decide(OutcomeComplete)
}

func (m *Mux) decide(outcome int32) {
	if !m.state.CompareAndSwap(outcomeUndecided, outcome) {
		return
	}
	if m.metrics != nil {
		m.metrics.TurnOutcomeTotal.WithLabelValues(outcomeLabel(outcome)).Inc()
	}

	m.mu.Lock()
	text := m.relayed.String()
	info := m.errInfo
	m.mu.Unlock()

	switch outcome {
	case OutcomeComplete:
		if m.cb.OnComplete != nil {
			m.cb.OnComplete(m.finalText(text))
		}
	case OutcomeError:
		if m.cb.OnError != nil {
			m.cb.OnError(info)
		}
	case OutcomeEmpty:
		if m.cb.OnEmpty != nil {
			m.cb.OnEmpty()
		}
	case OutcomeCancel:
		if m.cb.OnCancel != nil {
			m.cb.OnCancel()
		}
	}
}

// finalText prefers the text set by Finish over the raw relay accumulation.
func (m *Mux) finalText(relayed string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.final != "" {
		return m.final
	}
	return relayed
}

// Outcome reports the decided terminal state, or 0 while undecided.
func (m *Mux) Outcome() int32 { return m.state.Load() }

func outcomeLabel(outcome int32) string {
	switch outcome {
	case OutcomeComplete:
		return "complete"
	case OutcomeError:
		return "error"
	case OutcomeEmpty:
		return "empty"
	case OutcomeCancel:
		return "cancel"
	default:
		return "undecided"
	}
}
