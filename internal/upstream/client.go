package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Request is the generation call. Input is either a plain string or a
// conversation item list (continuation requests use the latter).
type Request struct {
	Model           string      `json:"model,omitempty"`
	Instructions    string      `json:"instructions,omitempty"`
	Input           interface{} `json:"input"`
	MaxOutputTokens int         `json:"max_output_tokens,omitempty"`
	Tools           []ToolSpec  `json:"tools,omitempty"`
	Stream          bool        `json:"stream"`
}

// InputItem is one entry of a conversation-style input.
type InputItem struct {
	Type      string `json:"type"`
	Role      string `json:"role,omitempty"`
	Content   string `json:"content,omitempty"`
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	Output    string `json:"output,omitempty"`
}

// ToolSpec declares a callable tool to the generation service.
type ToolSpec struct {
	Type        string                 `json:"type"`
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

// Client is the generation-service collaborator: one request in, one framed
// event stream out.
type Client interface {
	Stream(ctx context.Context, req Request) (io.ReadCloser, error)
}

// HTTPClient talks to the hosted endpoint over HTTP with an SSE response
// body. The transport timeout covers connection setup only; the stream
// itself is bounded by the caller's context.
type HTTPClient struct {
	baseURL string
	apiKey  string
	model   string
	http    *http.Client
}

func NewHTTPClient(baseURL, apiKey, model string, hc *http.Client) *HTTPClient {
	baseURL = strings.TrimRight(baseURL, "/")
	if hc == nil {
		hc = &http.Client{Timeout: 0} // streaming; no overall timeout
	}
	return &HTTPClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		model:   model,
		http:    hc,
	}
}

func (c *HTTPClient) Stream(ctx context.Context, req Request) (io.ReadCloser, error) {
	req.Stream = true
	if req.Model == "" {
		req.Model = c.model
	}
	b, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/responses", bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	rsp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if rsp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(rsp.Body, 1<<16))
		_ = rsp.Body.Close()
		return nil, &StatusError{Code: rsp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return rsp.Body, nil
}

// StatusError is a non-200 answer from the generation service.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("generation service status=%d body=%q", e.Code, e.Body)
}

// Retryable reports whether the caller may usefully retry.
func (e *StatusError) Retryable() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}
