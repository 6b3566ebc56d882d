// Package tool holds the side-effect executor the turn orchestrator calls
// when the generation stream requests a function call. Executor failures are
// captured in the Result, never returned as errors that would abort a turn.
package tool

import (
	"context"
	"encoding/json"
)

// Executor runs one tool call. Implementations must be safe to call
// sequentially from a single turn; they are not assumed reentrant.
type Executor interface {
	Execute(ctx context.Context, callID, name string, args map[string]interface{}) Result
}

// Result is the captured outcome of one execution.
type Result struct {
	CallID  string
	Success bool
	Fields  map[string]interface{}
	Error   string
}

// Output serializes the result for the continuation request's
// function_call_output item.
func (r Result) Output() string {
	out := map[string]interface{}{"success": r.Success}
	for k, v := range r.Fields {
		out[k] = v
	}
	if r.Error != "" {
		out["error"] = r.Error
	}
	b, err := json.Marshal(out)
	if err != nil {
		return `{"success":false}`
	}
	return string(b)
}

type turnCtxKey struct{}

// TurnContext identifies the request a tool runs on behalf of.
type TurnContext struct {
	OwnerID     string
	ResourceKey string
}

// WithTurnContext attaches the owning request's identity for tools that
// persist side effects.
func WithTurnContext(ctx context.Context, tc TurnContext) context.Context {
	return context.WithValue(ctx, turnCtxKey{}, tc)
}

// TurnFromContext returns the identity set by WithTurnContext, if any.
func TurnFromContext(ctx context.Context) (TurnContext, bool) {
	tc, ok := ctx.Value(turnCtxKey{}).(TurnContext)
	return tc, ok
}
