package turnclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func sseHandler(frames []string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fl, _ := w.(http.Flusher)
		for _, f := range frames {
			_, _ = io.WriteString(w, f)
			if fl != nil {
				fl.Flush()
			}
		}
	}
}

func frame(event, data string) string {
	return fmt.Sprintf("event: %s\ndata: %s\n\n", event, data)
}

func TestFollowUpStream(t *testing.T) {
	srv := httptest.NewServer(sseHandler([]string{
		frame("meta", `{"turn":2,"request_id":"req-1"}`),
		frame("delta", `{"text":"The Moon "}`),
		frame("delta", `{"text":"hints at intuition."}`),
		frame("done", `{"text":"The Moon hints at intuition."}`),
	}))
	defer srv.Close()

	c := New(srv.URL, nil)
	stream, err := c.FollowUp(context.Background(), "reading-1", "querent-1", "What now?")
	if err != nil {
		t.Fatalf("followup: %v", err)
	}

	ev, err := stream.Recv()
	if err != nil {
		t.Fatalf("recv meta: %v", err)
	}
	if ev.Type != EventMeta || ev.Turn != 2 || ev.RequestID != "req-1" {
		t.Fatalf("unexpected meta frame: %+v", ev)
	}

	text, err := stream.Collect()
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if text != "The Moon hints at intuition." {
		t.Fatalf("unexpected final text: %q", text)
	}

	t.Log("=== Follow-up Stream Report ===")
	t.Logf("meta turn:  %d", ev.Turn)
	t.Logf("final text: %q", text)
}

func TestFollowUpQuotaDenied(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", "3600")
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"error":          "quota exceeded",
			"reason":         "DAILY_LIMIT",
			"retry_after_ms": 3600000,
		})
	}))
	defer srv.Close()

	c := New(srv.URL, nil)
	_, err := c.FollowUp(context.Background(), "reading-1", "querent-1", "Another?")

	var qe *QuotaError
	if !errors.As(err, &qe) {
		t.Fatalf("expected QuotaError, got %v", err)
	}
	if qe.Reason != "DAILY_LIMIT" {
		t.Fatalf("unexpected reason: %s", qe.Reason)
	}
	if got := RetryAfter(qe); got != time.Hour {
		t.Fatalf("unexpected retry hint: %v", got)
	}
}

func TestRetryAfterFloor(t *testing.T) {
	if got := RetryAfter(&QuotaError{Reason: "BUSY_RETRY", RetryAfterMS: 50}); got != time.Second {
		t.Fatalf("retry floor not applied: %v", got)
	}
}

func TestCollectSurfacesErrorFrame(t *testing.T) {
	srv := httptest.NewServer(sseHandler([]string{
		frame("meta", `{"turn":1,"request_id":"r"}`),
		frame("delta", `{"text":"partial"}`),
		frame("error", `{"message":"The reading could not be completed. Please try again."}`),
	}))
	defer srv.Close()

	c := New(srv.URL, nil)
	stream, err := c.FollowUp(context.Background(), "reading-1", "querent-1", "q")
	if err != nil {
		t.Fatalf("followup: %v", err)
	}

	_, err = stream.Collect()
	var se *StreamError
	if !errors.As(err, &se) {
		t.Fatalf("expected StreamError, got %v", err)
	}
}

func TestCollectFallsBackToDeltasWithoutDone(t *testing.T) {
	srv := httptest.NewServer(sseHandler([]string{
		frame("delta", `{"text":"a"}`),
		frame("delta", `{"text":"b"}`),
	}))
	defer srv.Close()

	c := New(srv.URL, nil)
	stream, err := c.FollowUp(context.Background(), "reading-1", "querent-1", "q")
	if err != nil {
		t.Fatalf("followup: %v", err)
	}
	text, err := stream.Collect()
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if text != "ab" {
		t.Fatalf("unexpected text: %q", text)
	}
}

func TestUnexpectedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	c := New(srv.URL, nil)
	_, err := c.FollowUp(context.Background(), "reading-1", "querent-1", "q")

	var ue *UnexpectedStatusError
	if !errors.As(err, &ue) {
		t.Fatalf("expected UnexpectedStatusError, got %v", err)
	}
	if ue.Code != http.StatusForbidden {
		t.Fatalf("unexpected code: %d", ue.Code)
	}
}

func TestQuotaProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("owner_id") != "querent-1" {
			http.Error(w, "missing owner", http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(Quota{
			Reading:           "reading-1",
			ResourceUsed:      2,
			ResourceLimit:     5,
			ResourceRemaining: 3,
			DayUsed:           7,
			DayLimit:          20,
			DayRemaining:      13,
		})
	}))
	defer srv.Close()

	c := New(srv.URL, nil)
	q, err := c.Quota(context.Background(), "reading-1", "querent-1")
	if err != nil {
		t.Fatalf("quota: %v", err)
	}
	if q.ResourceRemaining != 3 || q.DayRemaining != 13 {
		t.Fatalf("unexpected quota: %+v", q)
	}
}
