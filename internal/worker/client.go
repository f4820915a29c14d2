// Package worker is the HTTP client for the remote generation worker
// service: start a job, poll its status, cancel it.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	apperrors "generation-core/internal/common/errors"
	commonhttp "generation-core/internal/common/http"
)

// StartRequest carries everything the worker needs to begin a generation.
type StartRequest struct {
	InputRef string            `json:"inputRef"`
	Prompt   string            `json:"prompt"`
	Options  map[string]string `json:"options,omitempty"`
}

// StartResponse is the worker's acknowledgement of a new job.
type StartResponse struct {
	JobID      string `json:"jobId"`
	Status     string `json:"status"`
	ETASeconds int    `json:"etaSeconds"`
}

// StatusResponse is one poll result.
type StatusResponse struct {
	Status       string  `json:"status"`
	ResultRef    string  `json:"resultRef,omitempty"`
	ErrorMessage string  `json:"errorMessage,omitempty"`
	Progress     float64 `json:"progress,omitempty"`
}

// CancelResponse acknowledges a cancel request.
type CancelResponse struct {
	Status string `json:"status"`
}

// Client talks to the remote generation worker.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: commonhttp.New(timeout),
	}
}

// Start submits a generation request and returns the assigned job id.
func (c *Client) Start(ctx context.Context, req *StartRequest) (*StartResponse, error) {
	var out StartResponse
	if err := c.post(ctx, "/v1/generations", req, &out); err != nil {
		return nil, err
	}
	if out.JobID == "" {
		return nil, apperrors.NewServerRejected("worker returned no job id")
	}
	return &out, nil
}

// Status fetches the current state of a job.
func (c *Client) Status(ctx context.Context, jobID string) (*StatusResponse, error) {
	url := fmt.Sprintf("%s/v1/generations/%s", c.baseURL, jobID)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, apperrors.NewInternal("status request build", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, apperrors.NewNetwork("status poll", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.NewNetwork("status poll", err)
	}

	if resp.StatusCode >= 500 {
		return nil, apperrors.NewNetwork("status poll", fmt.Errorf("worker returned %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apperrors.NewServerRejected(fmt.Sprintf("status %d: %s", resp.StatusCode, truncate(body)))
	}

	var out StatusResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, apperrors.NewNetwork("status poll", fmt.Errorf("malformed response: %w", err))
	}
	return &out, nil
}

// Cancel asks the worker to stop a job. Best-effort: callers proceed with
// local cleanup even when this fails.
func (c *Client) Cancel(ctx context.Context, jobID string) (*CancelResponse, error) {
	var out CancelResponse
	path := fmt.Sprintf("/v1/generations/%s/cancel", jobID)
	if err := c.post(ctx, path, struct{}{}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) post(ctx context.Context, path string, payload, out interface{}) error {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return apperrors.NewInternal("request marshal", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewBuffer(jsonData))
	if err != nil {
		return apperrors.NewInternal("request build", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return apperrors.NewNetwork("worker call", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return apperrors.NewNetwork("worker call", err)
	}

	if resp.StatusCode >= 500 {
		return apperrors.NewNetwork("worker call", fmt.Errorf("worker returned %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return apperrors.NewServerRejected(fmt.Sprintf("status %d: %s", resp.StatusCode, truncate(body)))
	}

	if err := json.Unmarshal(body, out); err != nil {
		return apperrors.NewNetwork("worker call", fmt.Errorf("malformed response: %w", err))
	}
	return nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

func truncate(body []byte) string {
	const max = 200
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}
