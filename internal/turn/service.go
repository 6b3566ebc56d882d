package turn

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/henryperkins/tarot-sub003/internal/lease"
	"github.com/henryperkins/tarot-sub003/internal/obs"
	"github.com/henryperkins/tarot-sub003/internal/task"
	"github.com/henryperkins/tarot-sub003/internal/tool"
	"github.com/henryperkins/tarot-sub003/internal/upstream"
)

// FollowUpRequest is one inbound follow-up question against a reading.
type FollowUpRequest struct {
	OwnerID    string
	ReadingKey string
	Question   string
}

// PromptBuilder assembles the upstream instructions and input for a
// follow-up. Prompt text construction itself lives outside this service.
type PromptBuilder interface {
	Build(req FollowUpRequest) (instructions, input string)
}

// ValidationError is rejected before any reservation exists.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// QuotaError is a structured denial with the limit that was hit and, where
// meaningful, a retry hint.
type QuotaError struct {
	Reason     string
	RetryAfter time.Duration
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("quota denied: reason=%s retry_after=%s", e.Reason, e.RetryAfter)
}

type ServiceConfig struct {
	MaxQuestionLen  int
	MaxOutputTokens int
}

// Service ties the reservation lifecycle to the streamed round trip: it
// grants the lease, relays the turn through the multiplexer while the
// heartbeat runs, and guarantees exactly one finalize-or-release.
type Service struct {
	manager  *lease.Manager
	orch     *Orchestrator
	registry *tool.Registry
	prompts  PromptBuilder
	sup      *task.Supervisor
	logger   *obs.Logger
	metrics  *obs.Metrics
	cfg      ServiceConfig
}

func NewService(
	manager *lease.Manager,
	orch *Orchestrator,
	registry *tool.Registry,
	prompts PromptBuilder,
	sup *task.Supervisor,
	logger *obs.Logger,
	metrics *obs.Metrics,
	cfg ServiceConfig,
) *Service {
	if cfg.MaxQuestionLen <= 0 {
		cfg.MaxQuestionLen = 2000
	}
	if cfg.MaxOutputTokens <= 0 {
		cfg.MaxOutputTokens = 1024
	}
	return &Service{
		manager:  manager,
		orch:     orch,
		registry: registry,
		prompts:  prompts,
		sup:      sup,
		logger:   logger,
		metrics:  metrics,
		cfg:      cfg,
	}
}

// FollowUp handles one turn end to end. Input validation and quota denial
// come back as typed errors before any frame is written; after the lease is
// granted, every path resolves through the multiplexer's terminal decision
// and the error return is nil.
func (s *Service) FollowUp(ctx context.Context, req FollowUpRequest, w EventWriter) error {
	if req.OwnerID == "" || req.ReadingKey == "" {
		return &ValidationError{Msg: "owner and reading required"}
	}
	if req.Question == "" {
		return &ValidationError{Msg: "question required"}
	}
	if len(req.Question) > s.cfg.MaxQuestionLen {
		return &ValidationError{Msg: fmt.Sprintf("question exceeds %d bytes", s.cfg.MaxQuestionLen)}
	}

	l, denial, err := s.manager.Reserve(ctx, req.OwnerID, req.ReadingKey, len(req.Question))
	if err != nil {
		return err
	}
	if denial != nil {
		return &QuotaError{Reason: denial.Reason, RetryAfter: denial.RetryAfter}
	}

	requestID := uuid.NewString()
	start := time.Now()
	res := l.Reservation()

	// Written before Finish on the success path; OnComplete fires inside
	// Finish on the same goroutine.
	toolCalls := 0

	mux := NewMux(w, s.logger, s.metrics, Callbacks{
		OnComplete: func(text string) {
			tc := toolCalls
			// Deferred finalize: allowed to outlive the client-visible
			// response, must still complete-or-fail on its own.
			s.sup.Submit("finalize_turn", func() error {
				fctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				l.Finalize(fctx, lease.FinalizeMeta{
					ResponseLen:  len(text),
					FinishReason: "complete",
					ToolCalls:    tc,
				})
				return nil
			})
		},
		OnError: func(info string) {
			s.releaseLease(l, requestID, "error")
		},
		OnEmpty: func() {
			// A tool-only or empty turn does not charge the quota slot.
			s.releaseLease(l, requestID, "empty")
		},
		OnCancel: func() {
			s.releaseLease(l, requestID, "cancel")
		},
	})

	defer func() {
		if s.logger != nil {
			s.logger.Info(map[string]interface{}{
				"op":         "follow_up",
				"owner":      req.OwnerID,
				"resource":   req.ReadingKey,
				"request_id": requestID,
				"turn":       res.TurnOrdinal,
				"outcome":    outcomeLabel(mux.Outcome()),
				"latency_ms": time.Since(start).Milliseconds(),
			})
		}
	}()

	if !mux.WriteMeta(Meta{Turn: res.TurnOrdinal, RequestID: requestID}) {
		return nil
	}

	instructions, input := s.prompts.Build(req)
	upReq := upstream.Request{
		Instructions:    instructions,
		Input:           input,
		MaxOutputTokens: s.cfg.MaxOutputTokens,
		Tools:           s.registry.Specs(),
	}

	toolCtx := tool.WithTurnContext(ctx, tool.TurnContext{
		OwnerID:     req.OwnerID,
		ResourceKey: req.ReadingKey,
	})

	result, rtErr := s.orch.Run(toolCtx, upReq, mux, mux.CancelFlag())

	// Client disconnect wins over every other terminal condition.
	if ctx.Err() != nil {
		mux.Cancel()
		return nil
	}
	if rtErr != nil {
		if s.logger != nil {
			s.logger.Error(map[string]interface{}{
				"op":         "upstream_transport",
				"request_id": requestID,
				"error":      rtErr.Error(),
			})
		}
		mux.Fail("generation service unavailable")
		return nil
	}

	toolCalls = result.ToolCalls
	mux.Finish(result.Text)
	return nil
}

func (s *Service) releaseLease(l *lease.Lease, requestID, why string) {
	rctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if !l.Release(rctx) && s.logger != nil {
		s.logger.Warn(map[string]interface{}{
			"op":         "release_noop",
			"request_id": requestID,
			"why":        why,
		})
	}
}
