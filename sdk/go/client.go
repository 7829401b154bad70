package fareboxsdk

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
)

// Client is a minimal Farebox HTTP API client.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 30 * time.Second,
	}
}

// Task represents the API task model. Result holds the executor's final
// payload plus the progress log under its "progress" key; Progress mirrors
// that log as typed entries.
type Task struct {
	TaskID       string          `json:"task_id"`
	Type         string          `json:"type"`
	Status       string          `json:"status"`
	InputData    map[string]any  `json:"input_data"`
	Result       map[string]any  `json:"result_data"`
	Progress     []ProgressEntry `json:"progress"`
	ErrorMessage *string         `json:"error_message,omitempty"`
	RetryCount   int             `json:"retry_count"`
	MaxRetries   int             `json:"max_retries"`
	CreatedAt    string          `json:"created_at"`
	UpdatedAt    string          `json:"updated_at"`
	CompletedAt  *string         `json:"completed_at,omitempty"`
}

// ProgressEntry is one progress log line.
type ProgressEntry struct {
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// CreateTaskAck acknowledges an admitted task.
type CreateTaskAck struct {
	TaskID  string `json:"task_id"`
	Status  string `json:"status"`
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Event represents an audit log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaymentRequiredError carries the 402 challenge so callers can settle the
// payment and retry with an X-Payment proof.
type PaymentRequiredError struct {
	Amount    string `json:"amount"`
	Currency  string `json:"currency"`
	Network   string `json:"network"`
	Recipient string `json:"recipient"`
	Message   string `json:"message"`
	Reason    string `json:"reason,omitempty"`
}

func (e *PaymentRequiredError) Error() string {
	return fmt.Sprintf("payment required: %s %s on %s to %s", e.Amount, e.Currency, e.Network, e.Recipient)
}

// APIError wraps other non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateTask admits a task. paymentProof may be empty for free types; a 402
// response surfaces as *PaymentRequiredError.
func (c *Client) CreateTask(ctx context.Context, taskType string, input map[string]any, paymentProof string) (CreateTaskAck, error) {
	body := map[string]any{
		"type":       taskType,
		"input_data": input,
	}
	var resp CreateTaskAck
	err := c.do(ctx, http.MethodPost, "v0/tasks/create", paymentProof, body, &resp)
	return resp, err
}

// GetTask fetches the full task record including progress.
func (c *Client) GetTask(ctx context.Context, taskID string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, "v0/tasks/"+url.PathEscape(taskID), "", nil, &resp)
	return resp, err
}

// ListTasks returns task summaries, optionally filtered by status.
func (c *Client) ListTasks(ctx context.Context, status string, limit int) ([]Task, error) {
	endpoint := "v0/tasks"
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Tasks []Task `json:"tasks"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, "", nil, &resp)
	return resp.Tasks, err
}

// Events returns recent audit events after the given cursor.
func (c *Client) Events(ctx context.Context, after int64, limit int) ([]Event, error) {
	endpoint := "v0/events"
	q := url.Values{}
	if after > 0 {
		q.Set("after", fmt.Sprintf("%d", after))
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, "", nil, &resp)
	return resp, err
}

// WaitForTask polls until the task reaches a terminal status or the context
// expires.
func (c *Client) WaitForTask(ctx context.Context, taskID string, pollInterval time.Duration) (Task, error) {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		t, err := c.GetTask(ctx, taskID)
		if err != nil {
			return Task{}, err
		}
		switch t.Status {
		case "completed", "failed", "cancelled":
			return t, nil
		}
		select {
		case <-ctx.Done():
			return t, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) do(ctx context.Context, method, endpoint, paymentProof string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if paymentProof != "" {
		req.Header.Set("X-Payment", paymentProof)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusPaymentRequired {
		var challenge PaymentRequiredError
		b, _ := io.ReadAll(resp.Body)
		if err := json.Unmarshal(b, &challenge); err != nil {
			return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		}
		return &challenge
	}
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
