package turnclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type Client struct {
	baseURL string
	http    *http.Client
}

func New(baseURL string, hc *http.Client) *Client {
	baseURL = strings.TrimRight(baseURL, "/")
	if hc == nil {
		// No overall timeout: the follow-up response is a long-lived stream.
		hc = &http.Client{}
	}
	return &Client{
		baseURL: baseURL,
		http:    hc,
	}
}

type followUpReq struct {
	OwnerID  string `json:"owner_id"`
	Question string `json:"question"`
}

type denialResp struct {
	Error        string `json:"error"`
	Reason       string `json:"reason"`
	RetryAfterMS int64  `json:"retry_after_ms"`
}

// FollowUp starts a follow-up turn and returns the event stream. On quota
// denial the error is a *QuotaError with the limit and retry hint.
func (c *Client) FollowUp(ctx context.Context, readingID, ownerID, question string) (*Stream, error) {
	if readingID == "" || ownerID == "" {
		return nil, fmt.Errorf("readingID and ownerID required")
	}
	if question == "" {
		return nil, fmt.Errorf("question required")
	}

	path := fmt.Sprintf("%s/v1/readings/%s/followup", c.baseURL, readingID)
	b, err := json.Marshal(followUpReq{OwnerID: ownerID, Question: question})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, path, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	rsp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}

	switch rsp.StatusCode {
	case http.StatusOK:
		return newStream(rsp.Body), nil
	case http.StatusTooManyRequests, http.StatusServiceUnavailable:
		defer rsp.Body.Close()
		var d denialResp
		body, _ := io.ReadAll(io.LimitReader(rsp.Body, 1<<20))
		_ = json.Unmarshal(body, &d)
		return nil, &QuotaError{Reason: d.Reason, RetryAfterMS: d.RetryAfterMS}
	default:
		defer rsp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(rsp.Body, 1<<20))
		return nil, &UnexpectedStatusError{
			Method: http.MethodPost,
			Path:   path,
			Code:   rsp.StatusCode,
			Body:   strings.TrimSpace(string(body)),
		}
	}
}

// Quota fetches the remaining follow-up budget for a reading.
func (c *Client) Quota(ctx context.Context, readingID, ownerID string) (Quota, error) {
	if readingID == "" || ownerID == "" {
		return Quota{}, fmt.Errorf("readingID and ownerID required")
	}

	path := fmt.Sprintf("%s/v1/readings/%s/quota?owner_id=%s", c.baseURL, readingID, ownerID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, path, nil)
	if err != nil {
		return Quota{}, err
	}

	rsp, err := c.http.Do(httpReq)
	if err != nil {
		return Quota{}, err
	}
	defer rsp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(rsp.Body, 1<<20))
	if rsp.StatusCode != http.StatusOK {
		return Quota{}, &UnexpectedStatusError{
			Method: http.MethodGet,
			Path:   path,
			Code:   rsp.StatusCode,
			Body:   strings.TrimSpace(string(body)),
		}
	}

	var q Quota
	if err := json.Unmarshal(body, &q); err != nil {
		return Quota{}, err
	}
	return q, nil
}

// RetryAfter converts a QuotaError's hint into a duration, with a floor so
// callers never hot-loop on a zero hint.
func RetryAfter(e *QuotaError) time.Duration {
	d := time.Duration(e.RetryAfterMS) * time.Millisecond
	if d < time.Second {
		d = time.Second
	}
	return d
}
