package client

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/octopus-sh/octopus/pkg/log"
	"github.com/octopus-sh/octopus/pkg/types"
)

// Request budget. The overall timeout bounds a single attempt so a stalled
// coordinator does not wedge the worker loops; transient failures retry
// with a fixed backoff.
const (
	requestTimeout = 10 * time.Second

	retryCount = 3
	retryWait  = 5 * time.Second
)

// Client is the worker-side HTTP client for the coordinator API
type Client struct {
	http     *resty.Client
	username string
	logger   zerolog.Logger
}

// New creates a client bound to the coordinator base URL and this worker's
// username. Transient failures are retried with a fixed backoff.
func New(baseURL, username string) *Client {
	r := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(requestTimeout).
		SetRetryCount(retryCount).
		SetRetryWaitTime(retryWait).
		SetRetryMaxWaitTime(retryWait).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:     r,
		username: username,
		logger:   log.Component("client"),
	}
}

// Username returns the worker identity this client reports as
func (c *Client) Username() string {
	return c.username
}

// Heartbeat reports the worker's presence and telemetry
func (c *Client) Heartbeat(ctx context.Context, w *types.Worker) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(w).
		Post("/heartbeat")
	if err != nil {
		return fmt.Errorf("failed to post heartbeat: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("heartbeat rejected: %s", resp.Status())
	}
	return nil
}

type taskListResponse struct {
	Tasks []*types.Task `json:"tasks"`
}

// FetchTasks returns the tasks currently assigned to this worker,
// including broadcast tasks addressed to everyone.
func (c *Client) FetchTasks(ctx context.Context) ([]*types.Task, error) {
	var result taskListResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("client", c.username).
		SetResult(&result).
		Get("/client-tasks")
	if err != nil {
		return nil, fmt.Errorf("failed to fetch tasks: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("task fetch rejected: %s", resp.Status())
	}
	return result.Tasks, nil
}

// PostExecution reports one execution record. Posting the same execution_id
// twice updates the earlier record in place, so the running and terminal
// reports for one firing collapse into a single row.
func (c *Client) PostExecution(ctx context.Context, exec *types.Execution) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(exec).
		Post("/api/execution-results")
	if err != nil {
		return fmt.Errorf("failed to post execution result: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("execution result rejected: %s", resp.Status())
	}
	return nil
}

// UpdateTask applies a partial update to a task by id. The id always rides
// in the URL path, never inferred from the body.
func (c *Client) UpdateTask(ctx context.Context, taskID string, patch map[string]any) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(patch).
		Put("/tasks/" + taskID)
	if err != nil {
		return fmt.Errorf("failed to update task %s: %w", taskID, err)
	}
	if resp.IsError() {
		return fmt.Errorf("task update rejected for %s: %s", taskID, resp.Status())
	}
	return nil
}

// DrainCommands fetches and removes the commands queued for a host. The
// queue is addressed by hostname, not username.
func (c *Client) DrainCommands(ctx context.Context, hostname string) ([]*types.Command, error) {
	var cmds []*types.Command
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&cmds).
		Get("/commands/" + hostname)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch commands: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("command fetch rejected: %s", resp.Status())
	}
	return cmds, nil
}

// Broadcast returns the coordinator's broadcast cache contents
func (c *Client) Broadcast(ctx context.Context) (map[string]any, error) {
	out := make(map[string]any)
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/api/cache/broadcast")
	if err != nil {
		return nil, fmt.Errorf("failed to fetch broadcast cache: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("broadcast fetch rejected: %s", resp.Status())
	}
	return out, nil
}
