package tool

import (
	"context"
	"fmt"
	"time"

	"github.com/henryperkins/tarot-sub003/internal/obs"
	"github.com/henryperkins/tarot-sub003/internal/upstream"
)

// Func is the implementation behind one registered tool.
type Func func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error)

type registered struct {
	spec upstream.ToolSpec
	fn   Func
}

// Registry maps tool names to implementations and captures every failure
// mode (unknown tool, returned error, panic) as a structured Result.
type Registry struct {
	logger  *obs.Logger
	metrics *obs.Metrics
	tools   map[string]registered
	order   []string
}

func NewRegistry(logger *obs.Logger, metrics *obs.Metrics) *Registry {
	return &Registry{
		logger:  logger,
		metrics: metrics,
		tools:   make(map[string]registered),
	}
}

func (r *Registry) Register(spec upstream.ToolSpec, fn Func) {
	if _, ok := r.tools[spec.Name]; !ok {
		r.order = append(r.order, spec.Name)
	}
	r.tools[spec.Name] = registered{spec: spec, fn: fn}
}

// Specs returns tool declarations for the upstream request, in registration
// order.
func (r *Registry) Specs() []upstream.ToolSpec {
	out := make([]upstream.ToolSpec, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name].spec)
	}
	return out
}

func (r *Registry) Execute(ctx context.Context, callID, name string, args map[string]interface{}) (res Result) {
	start := time.Now()
	res = Result{CallID: callID}

	defer func() {
		if p := recover(); p != nil {
			res.Success = false
			res.Fields = nil
			res.Error = fmt.Sprintf("tool panicked: %v", p)
		}
		if r.metrics != nil {
			if res.Success {
				r.metrics.ToolCallsTotal.WithLabelValues("success").Inc()
			} else {
				r.metrics.ToolCallsTotal.WithLabelValues("failure").Inc()
			}
		}
		if r.logger != nil {
			fields := map[string]interface{}{
				"op":         "tool_execute",
				"tool":       name,
				"call_id":    callID,
				"success":    res.Success,
				"latency_ms": time.Since(start).Milliseconds(),
			}
			if res.Error != "" {
				fields["error"] = res.Error
			}
			r.logger.Info(fields)
		}
	}()

	reg, ok := r.tools[name]
	if !ok {
		res.Error = fmt.Sprintf("unknown tool %q", name)
		return res
	}

	fields, err := reg.fn(ctx, args)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.Success = true
	res.Fields = fields
	return res
}
