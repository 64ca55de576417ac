package cli

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/hostshift/backend/internal/domain"
	"github.com/hostshift/backend/internal/transport/http/dto"
)

// APIError is a non-2xx answer from the server.
type APIError struct {
	Status  int
	Message string
	Details []string
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("server answered %d: %s", e.Status, e.Message)
	if len(e.Details) > 0 {
		msg += " (" + strings.Join(e.Details, "; ") + ")"
	}
	return msg
}

// Client calls the hostshift admin API.
type Client struct {
	http *resty.Client
}

func NewClient(baseURL, token string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	http := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/") + "/api/v1").
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	if token != "" {
		http.SetHeader("X-Admin-Token", token)
	}
	return &Client{http: http}
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	req := c.http.R().SetContext(ctx).SetError(&dto.ErrorResponse{})
	if body != nil {
		req.SetBody(body)
	}
	if out != nil {
		req.SetResult(out)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.IsError() {
		apiErr := &APIError{Status: resp.StatusCode(), Message: resp.Status()}
		if e, ok := resp.Error().(*dto.ErrorResponse); ok && e.Error != "" {
			apiErr.Message = e.Error
			apiErr.Details = e.Details
		}
		return apiErr
	}
	return nil
}

func (c *Client) ListHosts(ctx context.Context) ([]dto.HostResponse, error) {
	var hosts []dto.HostResponse
	err := c.do(ctx, resty.MethodGet, "/hosts", nil, &hosts)
	return hosts, err
}

func (c *Client) CreateHost(ctx context.Context, req dto.CreateHostRequest) (*dto.HostResponse, error) {
	var host dto.HostResponse
	if err := c.do(ctx, resty.MethodPost, "/hosts", req, &host); err != nil {
		return nil, err
	}
	return &host, nil
}

func (c *Client) DeleteHost(ctx context.Context, id uint) error {
	return c.do(ctx, resty.MethodDelete, "/hosts/"+strconv.FormatUint(uint64(id), 10), nil, nil)
}

func (c *Client) ProbeHost(ctx context.Context, id uint) (*dto.HostResponse, error) {
	var host dto.HostResponse
	if err := c.do(ctx, resty.MethodPost, fmt.Sprintf("/hosts/%d/probe", id), nil, &host); err != nil {
		return nil, err
	}
	return &host, nil
}

func (c *Client) ListGuests(ctx context.Context, hostID uint) ([]domain.Guest, error) {
	var guests []domain.Guest
	err := c.do(ctx, resty.MethodGet, fmt.Sprintf("/hosts/%d/guests", hostID), nil, &guests)
	return guests, err
}

func (c *Client) StartMigration(ctx context.Context, req dto.StartMigrationRequest) (string, error) {
	var resp dto.StartMigrationResponse
	if err := c.do(ctx, resty.MethodPost, "/migrations", req, &resp); err != nil {
		return "", err
	}
	return resp.TaskID, nil
}

func (c *Client) StartGuestMigration(ctx context.Context, req dto.StartGuestMigrationRequest) (string, error) {
	var resp dto.StartMigrationResponse
	if err := c.do(ctx, resty.MethodPost, "/migrations/guest", req, &resp); err != nil {
		return "", err
	}
	return resp.TaskID, nil
}

func (c *Client) ListTasks(ctx context.Context, limit int) ([]domain.MigrationTask, error) {
	var tasks []domain.MigrationTask
	path := "/migrations"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	err := c.do(ctx, resty.MethodGet, path, nil, &tasks)
	return tasks, err
}

func (c *Client) GetTask(ctx context.Context, id string) (*domain.MigrationTask, error) {
	var task domain.MigrationTask
	if err := c.do(ctx, resty.MethodGet, "/migrations/"+id, nil, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

func (c *Client) CancelTask(ctx context.Context, id string) (*domain.MigrationTask, error) {
	var task domain.MigrationTask
	if err := c.do(ctx, resty.MethodPost, "/migrations/"+id+"/cancel", nil, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

func (c *Client) ListSchedules(ctx context.Context) ([]domain.ScheduledMigration, error) {
	var schedules []domain.ScheduledMigration
	err := c.do(ctx, resty.MethodGet, "/schedules", nil, &schedules)
	return schedules, err
}

func (c *Client) UpsertSchedule(ctx context.Context, req dto.UpsertScheduleRequest) (*domain.ScheduledMigration, error) {
	var sched domain.ScheduledMigration
	if err := c.do(ctx, resty.MethodPost, "/schedules", req, &sched); err != nil {
		return nil, err
	}
	return &sched, nil
}

func (c *Client) DeleteSchedule(ctx context.Context, id string) error {
	return c.do(ctx, resty.MethodDelete, "/schedules/"+id, nil, nil)
}

func (c *Client) SSHKey(ctx context.Context, rotate bool) (*dto.SSHKeyResponse, error) {
	var key dto.SSHKeyResponse
	method, path := resty.MethodGet, "/settings/ssh-key"
	if rotate {
		method, path = resty.MethodPost, "/settings/ssh-key/rotate"
	}
	if err := c.do(ctx, method, path, nil, &key); err != nil {
		return nil, err
	}
	return &key, nil
}

// WatchTask polls a task until it reaches a terminal status, passing each
// new chunk of log and every status change to emit.
func (c *Client) WatchTask(ctx context.Context, id string, interval time.Duration, emit func(logChunk string, task *domain.MigrationTask)) (*domain.MigrationTask, error) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	sent := 0
	var lastStatus domain.MigrationStatus
	lastProgress := -1
	for {
		task, err := c.GetTask(ctx, id)
		if err != nil {
			return nil, err
		}
		chunk := ""
		if len(task.Log) > sent {
			chunk = task.Log[sent:]
			sent = len(task.Log)
		}
		if chunk != "" || task.Status != lastStatus || task.Progress != lastProgress {
			emit(chunk, task)
			lastStatus, lastProgress = task.Status, task.Progress
		}
		if task.Status.Terminal() {
			return task, nil
		}

		select {
		case <-ctx.Done():
			return task, ctx.Err()
		case <-ticker.C:
		}
	}
}
