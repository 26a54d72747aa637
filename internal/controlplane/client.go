package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/fentz26/swarmq/internal/models"
)

// DefaultClientTimeout is the default timeout for API requests.
const DefaultClientTimeout = 10 * time.Second

// APIError is a non-2xx response from the API.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.Status, e.Message)
}

// Client wraps HTTP calls to the swarmq API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new API client with timeout.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: DefaultClientTimeout},
	}
}

// Health fetches the health payload. The payload is returned alongside the
// error when the daemon reports itself unhealthy.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var health HealthResponse
	err := c.do(ctx, http.MethodGet, "/health", nil, &health)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusServiceUnavailable {
		return &health, err
	}
	if err != nil {
		return nil, err
	}
	return &health, nil
}

// CreateTask submits one task.
func (c *Client) CreateTask(ctx context.Context, spec TaskSpec) (*models.Task, error) {
	var task models.Task
	if err := c.do(ctx, http.MethodPost, "/tasks", spec, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// CreateTasks submits a batch atomically.
func (c *Client) CreateTasks(ctx context.Context, specs []TaskSpec) ([]*models.Task, error) {
	var tasks []*models.Task
	body := map[string][]TaskSpec{"tasks": specs}
	if err := c.do(ctx, http.MethodPost, "/tasks", body, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// ListTasks lists tasks, optionally filtered by status.
func (c *Client) ListTasks(ctx context.Context, status string) ([]*models.Task, error) {
	path := "/tasks"
	if status != "" {
		path += "?status=" + url.QueryEscape(status)
	}
	var tasks []*models.Task
	if err := c.do(ctx, http.MethodGet, path, nil, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// GetTask fetches a single task.
func (c *Client) GetTask(ctx context.Context, id string) (*models.Task, error) {
	var task models.Task
	if err := c.do(ctx, http.MethodGet, "/tasks/"+url.PathEscape(id), nil, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// TaskEvents fetches a task's event history.
func (c *Client) TaskEvents(ctx context.Context, id string) ([]*models.ExecutionEvent, error) {
	var events []*models.ExecutionEvent
	if err := c.do(ctx, http.MethodGet, "/tasks/"+url.PathEscape(id)+"/events", nil, &events); err != nil {
		return nil, err
	}
	return events, nil
}

// TaskRuns fetches a task's execution attempts.
func (c *Client) TaskRuns(ctx context.Context, id string) ([]*models.Run, error) {
	var runs []*models.Run
	if err := c.do(ctx, http.MethodGet, "/tasks/"+url.PathEscape(id)+"/runs", nil, &runs); err != nil {
		return nil, err
	}
	return runs, nil
}

// Tail fetches up to limit events after the given event id.
func (c *Client) Tail(ctx context.Context, afterID int64, limit int) ([]*models.ExecutionEvent, error) {
	q := url.Values{}
	q.Set("after", strconv.FormatInt(afterID, 10))
	q.Set("limit", strconv.Itoa(limit))
	var events []*models.ExecutionEvent
	if err := c.do(ctx, http.MethodGet, "/events?"+q.Encode(), nil, &events); err != nil {
		return nil, err
	}
	return events, nil
}

// Counts fetches the queue summary.
func (c *Client) Counts(ctx context.Context) (*CountsResponse, error) {
	var counts CountsResponse
	if err := c.do(ctx, http.MethodGet, "/counts", nil, &counts); err != nil {
		return nil, err
	}
	return &counts, nil
}

// Ledger fetches grants, and the balance when identity is set.
func (c *Client) Ledger(ctx context.Context, identity string) (*LedgerResponse, error) {
	path := "/ledger"
	if identity != "" {
		path += "?identity=" + url.QueryEscape(identity)
	}
	var resp LedgerResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Control fetches the signal state and pool statistics.
func (c *Client) Control(ctx context.Context) (*ControlResponse, error) {
	var resp ControlResponse
	if err := c.do(ctx, http.MethodGet, "/control", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Signal posts halt, pause, resume or clear.
func (c *Client) Signal(ctx context.Context, action, reason string) (*ControlResponse, error) {
	var resp ControlResponse
	if err := c.do(ctx, http.MethodPost, "/control/"+url.PathEscape(action), controlRequest{Reason: reason}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr errorResponse
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			msg = apiErr.Error
		}
		if out != nil && resp.StatusCode == http.StatusServiceUnavailable {
			_ = json.Unmarshal(data, out)
		}
		return &APIError{Status: resp.StatusCode, Message: msg}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
