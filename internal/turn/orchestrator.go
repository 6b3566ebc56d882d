package turn

import (
	"context"
	"strings"
	"sync/atomic"

	"github.com/henryperkins/tarot-sub003/internal/obs"
	"github.com/henryperkins/tarot-sub003/internal/tool"
	"github.com/henryperkins/tarot-sub003/internal/upstream"
)

// Orchestrator drives one or two upstream turns. If the first turn requests
// tool calls, it executes them in detection order, folds the results into a
// continuation request, and decodes the continuation; the turn's text is the
// concatenation of both halves.
type Orchestrator struct {
	client  upstream.Client
	exec    tool.Executor
	logger  *obs.Logger
	metrics *obs.Metrics
}

func NewOrchestrator(client upstream.Client, exec tool.Executor, logger *obs.Logger, metrics *obs.Metrics) *Orchestrator {
	return &Orchestrator{
		client:  client,
		exec:    exec,
		logger:  logger,
		metrics: metrics,
	}
}

// RoundTripResult is the orchestrator's summary of a finished turn.
type RoundTripResult struct {
	Text      string
	Empty     bool
	ToolCalls int
	// UpstreamErr is set when the stream itself declared a terminal error
	// event (as opposed to a transport failure, which returns an error).
	UpstreamErr bool
	ErrMsg      string
}

// Run executes the round trip, forwarding text deltas to sink as they
// arrive. Transport failures return an error; everything else is summarized
// in the result.
func (o *Orchestrator) Run(ctx context.Context, req upstream.Request, sink upstream.Sink, cancelled *atomic.Bool) (RoundTripResult, error) {
	first, err := o.streamOnce(ctx, req, sink, cancelled)
	if err != nil {
		return RoundTripResult{}, err
	}
	if sawErr, msg := first.Err(); sawErr {
		return RoundTripResult{UpstreamErr: true, ErrMsg: msg}, nil
	}

	initialText := first.Text()
	calls := first.ToolCalls()
	if len(calls) == 0 {
		return RoundTripResult{
			Text:  initialText,
			Empty: strings.TrimSpace(initialText) == "",
		}, nil
	}

	// Tool order may matter and executors are not guaranteed reentrant, so
	// calls run sequentially. A failed execution becomes a structured
	// failure result; it never aborts the turn.
	results := make([]tool.Result, 0, len(calls))
	for _, call := range calls {
		results = append(results, o.exec.Execute(ctx, call.CallID, call.Name, call.Args))
	}

	contReq := o.continuation(req, initialText, calls, results)
	second, err := o.streamOnce(ctx, contReq, sink, cancelled)
	if err != nil {
		return RoundTripResult{}, err
	}
	if sawErr, msg := second.Err(); sawErr {
		return RoundTripResult{UpstreamErr: true, ErrMsg: msg, ToolCalls: len(calls)}, nil
	}

	finalText := initialText + second.Text()
	return RoundTripResult{
		Text:      finalText,
		Empty:     strings.TrimSpace(finalText) == "",
		ToolCalls: len(calls),
	}, nil
}

func (o *Orchestrator) streamOnce(ctx context.Context, req upstream.Request, sink upstream.Sink, cancelled *atomic.Bool) (*upstream.Decoder, error) {
	body, err := o.client.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = body.Close() }()

	dec := upstream.NewDecoder(sink, o.logger, o.metrics, cancelled)
	if err := dec.Run(ctx, body); err != nil {
		return nil, err
	}
	return dec, nil
}

// continuation builds the second-phase request: original input, the initial
// assistant text if any, then each tool call paired with its result. Tools
// are withheld from the continuation so a turn is at most two phases.
func (o *Orchestrator) continuation(req upstream.Request, initialText string, calls []*upstream.ToolCall, results []tool.Result) upstream.Request {
	var items []upstream.InputItem

	switch in := req.Input.(type) {
	case string:
		items = append(items, upstream.InputItem{Type: "message", Role: "user", Content: in})
	case []upstream.InputItem:
		items = append(items, in...)
	}

	if initialText != "" {
		items = append(items, upstream.InputItem{Type: "message", Role: "assistant", Content: initialText})
	}

	for i, call := range calls {
		items = append(items, upstream.InputItem{
			Type:      "function_call",
			CallID:    call.CallID,
			Name:      call.Name,
			Arguments: rawOrEmptyObject(call.RawArgs),
		})
		items = append(items, upstream.InputItem{
			Type:   "function_call_output",
			CallID: call.CallID,
			Output: results[i].Output(),
		})
	}

	return upstream.Request{
		Model:           req.Model,
		Instructions:    req.Instructions,
		Input:           items,
		MaxOutputTokens: req.MaxOutputTokens,
	}
}

func rawOrEmptyObject(raw string) string {
	if strings.TrimSpace(raw) == "" {
		return "{}"
	}
	return raw
}
