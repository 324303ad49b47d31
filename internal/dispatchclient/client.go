// Package dispatchclient is the HTTP client the worker protocol (§4.7)
// uses to call the Dispatcher API: claim,
// fetch, heartbeat, complete, fail, events, buffer-publish. It speaks
// the same JSON wire shapes as internal/dispatcher's handlers, wrapped
// in a circuit breaker so a wedged Dispatcher fails fast rather than
// piling up goroutines on a worker.
package dispatchclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/tracehq/orchestrator/pkg/mcircuitbreaker"
	"github.com/tracehq/orchestrator/pkg/mmodel"
)

const defaultTimeout = 30 * time.Second

// Client calls the Dispatcher API on behalf of a worker or invoked runner.
type Client struct {
	baseURL string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
}

// Config holds Client construction parameters.
type Config struct {
	BaseURL       string
	Timeout       time.Duration
	HTTPClient    *http.Client
	BreakerName   string
	StateListener mcircuitbreaker.StateListener
}

// New builds a Client against the Dispatcher API at cfg.BaseURL.
func New(cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("dispatchclient: BaseURL is required")
	}

	parsed, err := url.Parse(baseURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("dispatchclient: BaseURL must be a valid absolute URL")
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}

	name := cfg.BreakerName
	if name == "" {
		name = "dispatcher-client"
	}

	adapter := mcircuitbreaker.NewGobreakerAdapter(cfg.StateListener)

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		OnStateChange: adapter.OnStateChange,
	})

	return &Client{baseURL: baseURL, http: httpClient, breaker: breaker}, nil
}

// ClaimResponse mirrors the Dispatcher API's task-claim response body.
type ClaimResponse = mmodel.ClaimResult

// Claim attempts to claim taskID. A NotClaimed status is not an error.
func (c *Client) Claim(ctx context.Context, taskID uuid.UUID) (*mmodel.ClaimResult, error) {
	var out mmodel.ClaimResult

	if err := c.do(ctx, http.MethodPost, "/v1/tasks/"+taskID.String()+"/claim", "", nil, &out); err != nil {
		return nil, err
	}

	return &out, nil
}

// Fetch re-reads the payload for a task the caller already holds a
// capability token for (e.g. an invoked runner restarted mid-attempt).
func (c *Client) Fetch(ctx context.Context, taskID uuid.UUID, token string) (*mmodel.TaskPayload, error) {
	var out mmodel.TaskPayload

	if err := c.do(ctx, http.MethodGet, "/v1/tasks/"+taskID.String(), token, nil, &out); err != nil {
		return nil, err
	}

	return &out, nil
}

type heartbeatRequest struct {
	TaskID  uuid.UUID `json:"task_id"`
	Attempt int       `json:"attempt"`
}

type heartbeatResponse struct {
	LeaseExpiresAt time.Time `json:"lease_expires_at"`
}

// Heartbeat extends the lease on taskID/attempt, returning the new expiry.
func (c *Client) Heartbeat(ctx context.Context, taskID uuid.UUID, token string, attempt int) (time.Time, error) {
	var out heartbeatResponse

	body := heartbeatRequest{TaskID: taskID, Attempt: attempt}
	if err := c.do(ctx, http.MethodPost, "/v1/tasks/"+taskID.String()+"/heartbeat", token, body, &out); err != nil {
		return time.Time{}, err
	}

	return out.LeaseExpiresAt, nil
}

// CompletionEvent is one declared output reported at completion or via Events.
type CompletionEvent struct {
	DatasetUUID    uuid.UUID           `json:"dataset_uuid"`
	DatasetVersion int64               `json:"dataset_version"`
	Cursor         *int64              `json:"cursor,omitempty"`
	Partition      mmodel.PartitionKey `json:"partition,omitempty"`
}

type completeRequest struct {
	TaskID  uuid.UUID         `json:"task_id"`
	Attempt int               `json:"attempt"`
	Outputs []mmodel.Handle   `json:"outputs"`
	Events  []CompletionEvent `json:"events,omitempty"`
}

// Complete commits a task's outputs and declared events.
func (c *Client) Complete(ctx context.Context, taskID uuid.UUID, token string, attempt int, outputs []mmodel.Handle, events []CompletionEvent) error {
	body := completeRequest{TaskID: taskID, Attempt: attempt, Outputs: outputs, Events: events}
	return c.do(ctx, http.MethodPost, "/v1/tasks/"+taskID.String()+"/complete", token, body, nil)
}

type failRequest struct {
	TaskID    uuid.UUID        `json:"task_id"`
	Attempt   int              `json:"attempt"`
	ErrorKind mmodel.ErrorKind `json:"error_kind"`
	Message   string           `json:"message"`
}

// Fail reports a self-detected failure for taskID/attempt.
func (c *Client) Fail(ctx context.Context, taskID uuid.UUID, token string, attempt int, kind mmodel.ErrorKind, message string) error {
	body := failRequest{TaskID: taskID, Attempt: attempt, ErrorKind: kind, Message: message}
	return c.do(ctx, http.MethodPost, "/v1/tasks/"+taskID.String()+"/fail", token, body, nil)
}

type eventsRequest struct {
	TaskID  uuid.UUID         `json:"task_id"`
	Attempt int               `json:"attempt"`
	Events  []CompletionEvent `json:"events"`
}

// Events reports incremental progress from a still-running task.
func (c *Client) Events(ctx context.Context, taskID uuid.UUID, token string, attempt int, events []CompletionEvent) error {
	body := eventsRequest{TaskID: taskID, Attempt: attempt, Events: events}
	return c.do(ctx, http.MethodPost, "/v1/tasks/"+taskID.String()+"/events", token, body, nil)
}

type bufferPublishRequest struct {
	TaskID      uuid.UUID `json:"task_id"`
	Attempt     int       `json:"attempt"`
	DatasetUUID uuid.UUID `json:"dataset_uuid"`
	BatchURI    string    `json:"batch_uri"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	DedupeScope string    `json:"dedupe_scope"`
}

// BufferPublish records a pointer to an already-uploaded batch artifact.
func (c *Client) BufferPublish(ctx context.Context, taskID uuid.UUID, token string, attempt int, datasetUUID uuid.UUID, batchURI, contentType string, size int64, dedupeScope string) error {
	body := bufferPublishRequest{
		TaskID:      taskID,
		Attempt:     attempt,
		DatasetUUID: datasetUUID,
		BatchURI:    batchURI,
		ContentType: contentType,
		Size:        size,
		DedupeScope: dedupeScope,
	}

	return c.do(ctx, http.MethodPost, "/v1/tasks/"+taskID.String()+"/buffer-publish", token, body, nil)
}

// Error is returned for any non-2xx Dispatcher response, carrying enough
// to let a caller distinguish a fencing rejection (409, do not retry)
// from a transient failure (5xx, safe to retry) without parsing strings.
type Error struct {
	StatusCode int
	Body       string
}

func (e *Error) Error() string {
	return fmt.Sprintf("dispatchclient: dispatcher returned %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether the error is safe to retry idempotently
// (§7: 5xx is the signal a retry is safe; 4xx never is).
func (e *Error) Retryable() bool {
	return e.StatusCode >= 500
}

func (c *Client) do(ctx context.Context, method, path, token string, body, out any) error {
	var reqBody io.Reader

	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("dispatchclient: encode request: %w", err)
		}

		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("dispatchclient: build request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	result, err := c.breaker.Execute(func() (any, error) {
		resp, doErr := c.http.Do(req)
		if doErr != nil {
			return nil, doErr
		}

		defer resp.Body.Close()

		respBody, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return nil, fmt.Errorf("dispatchclient: read response: %w", readErr)
		}

		if resp.StatusCode >= 300 {
			return nil, &Error{StatusCode: resp.StatusCode, Body: string(respBody)}
		}

		return respBody, nil
	})
	if err != nil {
		return err
	}

	if out == nil {
		return nil
	}

	respBody, _ := result.([]byte)
	if len(respBody) == 0 {
		return nil
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("dispatchclient: decode response: %w", err)
	}

	return nil
}
