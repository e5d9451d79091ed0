// Package taskrpc is the HTTP client for the leader and worker task APIs.
package taskrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/3leaps/maplejuice/pkg/jobregistry"
	"github.com/3leaps/maplejuice/pkg/scheduler"
)

// APIError is a non-2xx response.
type APIError struct {
	Status  int
	Code    string
	Message string
	Details map[string]any
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("http %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("http %d %s: %s", e.Status, e.Code, e.Message)
}

// Config configures a Client.
type Config struct {
	// Port is the HTTP API port on every node.
	Port int

	// Timeout bounds each request. Default: 30s.
	Timeout time.Duration
}

// Client calls the task API of any node by host.
type Client struct {
	port int
	http *http.Client
}

var _ scheduler.Dispatcher = (*Client)(nil)

func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{port: cfg.Port, http: &http.Client{Timeout: cfg.Timeout}}
}

// AcceptedTask is the worker's reply to SubmitTask.
type AcceptedTask struct {
	TaskID   string `json:"task_id"`
	Accepted bool   `json:"accepted"`
}

// TaskCompletion is the body of a completion report. Worker is the address
// the task was dispatched to.
type TaskCompletion struct {
	Worker string `json:"worker,omitempty"`
}

// JobList is the reply to ListJobs.
type JobList struct {
	Leader string            `json:"leader"`
	Jobs   []jobregistry.Job `json:"jobs"`
}

// SubmitTask hands task to its worker. The worker runs it asynchronously.
func (c *Client) SubmitTask(ctx context.Context, task jobregistry.Task) error {
	var out AcceptedTask
	return c.do(ctx, http.MethodPost, task.WorkerIP, "/v1/tasks", task, &out)
}

// NotifyTaskComplete reports to the leader that worker finished taskID.
func (c *Client) NotifyTaskComplete(ctx context.Context, leader, taskID, worker string) error {
	var out jobregistry.Task
	return c.do(ctx, http.MethodPost, leader, "/v1/tasks/"+url.PathEscape(taskID)+"/complete", TaskCompletion{Worker: worker}, &out)
}

// SubmitJob asks the leader to create a job.
func (c *Client) SubmitJob(ctx context.Context, leader string, req scheduler.JobRequest) (*scheduler.Submission, error) {
	var out scheduler.Submission
	if err := c.do(ctx, http.MethodPost, leader, "/v1/jobs", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListJobs(ctx context.Context, host string) (*JobList, error) {
	var out JobList
	if err := c.do(ctx, http.MethodGet, host, "/v1/jobs", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) SchedulerStats(ctx context.Context, host string) (*scheduler.Stats, error) {
	var out scheduler.Stats
	if err := c.do(ctx, http.MethodGet, host, "/v1/scheduler", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) baseURL(host string) string {
	return "http://" + net.JoinHostPort(host, strconv.Itoa(c.port))
}

func (c *Client) do(ctx context.Context, method, host, path string, in, out any) error {
	if host == "" {
		return fmt.Errorf("%s %s: host is required", method, path)
	}
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL(host)+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeAPIError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	var env struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	apiErr := &APIError{Status: resp.StatusCode}
	if err := json.Unmarshal(b, &env); err == nil && env.Error.Code != "" {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
		apiErr.Details = env.Error.Details
		return apiErr
	}
	apiErr.Message = string(bytes.TrimSpace(b))
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}
