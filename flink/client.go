// Package flink talks to the Flink job manager REST API
package flink

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/yairfalse/cdcwatch/types"
)

const (
	maxBodyBytes   = 4 << 20
	maxErrorDetail = 256
)

// Client is a job manager client. One client serves one pipeline.
type Client struct {
	baseURL string
	http    *http.Client
	timeout time.Duration
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.http = c
	}
}

// WithTimeout bounds every call made by the client
func WithTimeout(d time.Duration) Option {
	return func(cl *Client) {
		cl.timeout = d
	}
}

// NewClient creates a client for the job manager at baseURL
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
		timeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the job manager address
func (c *Client) BaseURL() string {
	return c.baseURL
}

type jobsResponse struct {
	Jobs *[]jobEntry `json:"jobs"`
}

type jobEntry struct {
	ID     string          `json:"id"`
	Status json.RawMessage `json:"status"`
}

// status maps the entry's status to a JobStatus. Anything that is not a
// JSON string is Unknown; raw keeps the text as sent.
func (j jobEntry) status() (types.JobStatus, string) {
	if len(j.Status) == 0 {
		return types.JobUnknown, ""
	}
	var s string
	if err := json.Unmarshal(j.Status, &s); err != nil {
		return types.JobUnknown, string(j.Status)
	}
	return types.ParseJobStatus(s), s
}

// ListJobs returns every job known to the cluster in listing order
func (c *Client) ListJobs(ctx context.Context) ([]types.JobRecord, error) {
	const op = "list jobs"

	resp, cancel, err := c.do(ctx, http.MethodGet, "/jobs")
	if err != nil {
		return nil, classifyTransport(ctx, op, err)
	}
	defer cancel()
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, types.Errorf(types.KindTransport, op, "unexpected status %s%s", resp.Status, errorDetail(resp.Body))
	}

	var body jobsResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&body); err != nil {
		return nil, types.NewError(types.KindParse, op, fmt.Errorf("decode response: %w", err))
	}
	if body.Jobs == nil {
		return nil, types.Errorf(types.KindParse, op, "response has no jobs field")
	}

	jobs := make([]types.JobRecord, 0, len(*body.Jobs))
	for i, j := range *body.Jobs {
		if j.ID == "" {
			return nil, types.Errorf(types.KindParse, op, "job entry %d has no id", i)
		}
		status, raw := j.status()
		jobs = append(jobs, types.JobRecord{
			ID:     j.ID,
			Status: status,
			Raw:    raw,
		})
	}
	return jobs, nil
}

// RequestRestart asks the job manager to act on a failed job. Any 2xx
// means the request was accepted; completion is not awaited.
func (c *Client) RequestRestart(ctx context.Context, jobID string) error {
	op := "restart job " + jobID

	resp, cancel, err := c.do(ctx, http.MethodPatch, "/jobs/"+url.PathEscape(jobID))
	if err != nil {
		return classifyTransport(ctx, op, err)
	}
	defer cancel()
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return types.Errorf(types.KindRestartFailed, op, "unexpected status %s%s", resp.Status, errorDetail(resp.Body))
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
	return nil
}

// do sends a request bounded by the client timeout. The returned cancel
// must be called once the body has been consumed.
func (c *Client) do(ctx context.Context, method, path string) (*http.Response, context.CancelFunc, error) {
	cancel := context.CancelFunc(func() {})
	if c.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		cancel()
		return nil, nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	return resp, cancel, nil
}

func classifyTransport(parent context.Context, op string, err error) error {
	if parent.Err() != nil {
		return types.NewError(types.KindCanceled, op, err)
	}
	return types.NewError(types.KindTransport, op, err)
}

func errorDetail(body io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(body, maxErrorDetail))
	msg := strings.TrimSpace(string(b))
	if msg == "" {
		return ""
	}
	return ": " + msg
}
