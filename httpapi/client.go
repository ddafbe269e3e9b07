package httpapi

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

	"github.com/UniQw/jobhub"
	"github.com/bytedance/sonic"
)

// APIError is a non-2xx response. It unwraps to the jobhub sentinel
// matching its status so callers can use errors.Is across the wire.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("jobhub api: %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusBadRequest:
		return jobhub.ErrValidation
	case http.StatusNotFound:
		return jobhub.ErrNotFound
	case http.StatusConflict:
		if strings.Contains(e.Message, jobhub.ErrRetryLimitExceeded.Error()) {
			return jobhub.ErrRetryLimitExceeded
		}
		return jobhub.ErrInvalidState
	case http.StatusServiceUnavailable:
		return jobhub.ErrQueueFull
	}
	return nil
}

// Client calls the job API over HTTP.
type Client struct {
	base string
	hc   *http.Client
}

// NewClient creates a client for the API at baseURL. A nil hc uses a
// client with a 30s timeout.
func NewClient(baseURL string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{base: strings.TrimRight(baseURL, "/"), hc: hc}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode/100 != 2 {
		var eb errorBody
		if sonic.Unmarshal(data, &eb) != nil || eb.Error == "" {
			eb.Error = strings.TrimSpace(string(data))
		}
		return &APIError{StatusCode: resp.StatusCode, Message: eb.Error}
	}
	if out == nil {
		return nil
	}
	return sonic.Unmarshal(data, out)
}

// Submit queues a job and returns its id.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	var out SubmitResponse
	if err := c.do(ctx, http.MethodPost, "/jobs", req, &out); err != nil {
		return "", err
	}
	return out.JobID, nil
}

// Get returns a job snapshot.
func (c *Client) Get(ctx context.Context, id string) (*jobhub.Job, error) {
	var j jobhub.Job
	if err := c.do(ctx, http.MethodGet, "/jobs/"+url.PathEscape(id), nil, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

// Cancel cancels a job and returns its snapshot after the request.
func (c *Client) Cancel(ctx context.Context, id string) (*jobhub.Job, error) {
	var j jobhub.Job
	if err := c.do(ctx, http.MethodPost, "/jobs/"+url.PathEscape(id)+"/cancel", nil, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

// Retry re-runs a failed or stalled job and returns the new job id.
func (c *Client) Retry(ctx context.Context, id string) (string, error) {
	var out SubmitResponse
	if err := c.do(ctx, http.MethodPost, "/jobs/"+url.PathEscape(id)+"/retry", nil, &out); err != nil {
		return "", err
	}
	return out.JobID, nil
}

// Delete removes a terminal job.
func (c *Client) Delete(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/jobs/"+url.PathEscape(id), nil, nil)
}

// List returns one page of jobs matching q.
func (c *Client) List(ctx context.Context, q jobhub.Query) (jobhub.ListResult, error) {
	v := url.Values{}
	if len(q.Statuses) > 0 {
		parts := make([]string, len(q.Statuses))
		for i, s := range q.Statuses {
			parts[i] = string(s)
		}
		v.Set("status", strings.Join(parts, ","))
	}
	if len(q.Types) > 0 {
		v.Set("type", strings.Join(q.Types, ","))
	}
	if q.User != "" {
		v.Set("user", q.User)
	}
	if q.Partition != "" {
		v.Set("partition", string(q.Partition))
	}
	if q.Sort != "" {
		v.Set("sort", string(q.Sort))
	}
	if q.Desc {
		v.Set("order", "desc")
	}
	if q.Page > 0 {
		v.Set("page", strconv.Itoa(q.Page))
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	path := "/jobs"
	if len(v) > 0 {
		path += "?" + v.Encode()
	}
	var res jobhub.ListResult
	err := c.do(ctx, http.MethodGet, path, nil, &res)
	return res, err
}

// Health returns the system health snapshot.
func (c *Client) Health(ctx context.Context) (jobhub.SystemHealth, error) {
	var h jobhub.SystemHealth
	err := c.do(ctx, http.MethodGet, "/jobs/system/health", nil, &h)
	return h, err
}

// Pause stops dispatching.
func (c *Client) Pause(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/jobs/system/pause", nil, nil)
}

// Resume restarts dispatching.
func (c *Client) Resume(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/jobs/system/resume", nil, nil)
}

// Workers returns the worker slots.
func (c *Client) Workers(ctx context.Context) ([]jobhub.WorkerInfo, error) {
	var out WorkerResponse
	err := c.do(ctx, http.MethodGet, "/jobs/workers", nil, &out)
	return out.Workers, err
}

// WorkerAction runs a worker action. count is ignored by restart and health.
func (c *Client) WorkerAction(ctx context.Context, action string, count *int) (WorkerResponse, error) {
	var out WorkerResponse
	err := c.do(ctx, http.MethodPost, "/jobs/workers", WorkerRequest{Action: action, Count: count}, &out)
	return out, err
}

// Alerts returns every alert, newest first.
func (c *Client) Alerts(ctx context.Context) ([]jobhub.Alert, error) {
	var out []jobhub.Alert
	err := c.do(ctx, http.MethodGet, "/jobs/system/alerts", nil, &out)
	return out, err
}

// AcknowledgeAlert acknowledges an alert.
func (c *Client) AcknowledgeAlert(ctx context.Context, id string) (jobhub.Alert, error) {
	var a jobhub.Alert
	err := c.do(ctx, http.MethodPost, "/jobs/system/alerts/"+url.PathEscape(id)+"/acknowledge", nil, &a)
	return a, err
}

// IsStatus reports whether err is an APIError with the given status code.
func IsStatus(err error, code int) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == code
}
