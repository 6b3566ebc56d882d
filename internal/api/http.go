package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/henryperkins/tarot-sub003/internal/lease"
	"github.com/henryperkins/tarot-sub003/internal/obs"
	"github.com/henryperkins/tarot-sub003/internal/turn"
)

type Server struct {
	svc     *turn.Service
	eval    *lease.Evaluator
	manager *lease.Manager
	logger  *obs.Logger
	router  *mux.Router
}

type contextKey string

const requestIDKey contextKey = "req_id"

func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey, reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func NewServer(svc *turn.Service, eval *lease.Evaluator, manager *lease.Manager, logger *obs.Logger) *Server {
	s := &Server{
		svc:     svc,
		eval:    eval,
		manager: manager,
		logger:  logger,
		router:  mux.NewRouter(),
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return withRequestID(s.router)
}

func (s *Server) routes() {
	s.router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)

	s.router.HandleFunc("/v1/readings/{reading}/followup", s.handleFollowUp).Methods(http.MethodPost)
	s.router.HandleFunc("/v1/readings/{reading}/quota", s.handleQuota).Methods(http.MethodGet)
}

type followUpReq struct {
	OwnerID  string `json:"owner_id"`
	Question string `json:"question"`
}

func (s *Server) handleFollowUp(w http.ResponseWriter, r *http.Request) {
	reading := mux.Vars(r)["reading"]

	var req followUpReq
	if err := readJSON(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}

	sse := &sseWriter{w: w}
	err := s.svc.FollowUp(r.Context(), turn.FollowUpRequest{
		OwnerID:    req.OwnerID,
		ReadingKey: reading,
		Question:   req.Question,
	}, sse)
	if err == nil {
		return
	}
	if sse.started {
		// Frames already on the wire; the service has resolved the stream.
		return
	}

	var verr *turn.ValidationError
	if errors.As(err, &verr) {
		writeErr(w, http.StatusBadRequest, verr.Msg)
		return
	}
	var qerr *turn.QuotaError
	if errors.As(err, &qerr) {
		status := http.StatusTooManyRequests
		if qerr.Reason == lease.ReasonBusyRetry {
			status = http.StatusServiceUnavailable
		}
		if qerr.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(qerr.RetryAfter.Seconds())+1))
		}
		writeJSON(w, status, map[string]interface{}{
			"error":          "quota exceeded",
			"reason":         qerr.Reason,
			"retry_after_ms": qerr.RetryAfter.Milliseconds(),
		})
		return
	}
	writeErr(w, http.StatusInternalServerError, "internal error")
}

type quotaResp struct {
	Reading           string `json:"reading"`
	ResourceUsed      int64  `json:"resource_used"`
	ResourceLimit     int64  `json:"resource_limit"`
	ResourceRemaining int64  `json:"resource_remaining"`
	DayUsed           int64  `json:"day_used"`
	DayLimit          int64  `json:"day_limit"`
	DayRemaining      int64  `json:"day_remaining"`
}

func (s *Server) handleQuota(w http.ResponseWriter, r *http.Request) {
	reading := mux.Vars(r)["reading"]
	owner := r.URL.Query().Get("owner_id")
	if owner == "" {
		writeErr(w, http.StatusBadRequest, "owner_id required")
		return
	}

	counts, err := s.eval.Counts(r.Context(), owner, reading, time.Now(), s.manager.TTL())
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "internal error")
		return
	}

	limits := s.manager.Limits()
	writeJSON(w, http.StatusOK, quotaResp{
		Reading:           reading,
		ResourceUsed:      counts.Resource,
		ResourceLimit:     limits.PerResource,
		ResourceRemaining: clampZero(limits.PerResource - counts.Resource),
		DayUsed:           counts.Day,
		DayLimit:          limits.PerDay,
		DayRemaining:      clampZero(limits.PerDay - counts.Day),
	})
}

func clampZero(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}

// sseWriter frames events for the client stream. Headers are sent lazily on
// the first frame so pre-stream failures can still answer with plain JSON.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

func (s *sseWriter) WriteEvent(event string, payload interface{}) error {
	if !s.started {
		s.w.Header().Set("Content-Type", "text/event-stream")
		s.w.Header().Set("Cache-Control", "no-cache")
		s.w.Header().Set("Connection", "keep-alive")
		s.w.WriteHeader(http.StatusOK)
		s.flusher, _ = s.w.(http.Flusher)
		s.started = true
	}

	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, b); err != nil {
		return err
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}

// --- helpers ---

func readJSON(r *http.Request, dst interface{}) error {
	if r.Body == nil {
		return errors.New("missing body")
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
