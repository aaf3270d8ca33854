package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/osercinoglu/grinn-web/internal/jobs"
	"github.com/osercinoglu/grinn-web/pkg/models"
)

// Sentinel errors for transport failures.
var (
	ErrUnreachable = errors.New("grinn api unreachable")
	ErrTimeout     = errors.New("grinn api timeout")
)

// APIError is a non-2xx answer decoded from the error envelope.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("api error: status %d", e.StatusCode)
	}
	return fmt.Sprintf("api error %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Page is the pagination metadata of a list response.
type Page struct {
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	Total   int  `json:"total"`
	HasNext bool `json:"has_next"`
}

// ListOptions filters GET /jobs.
type ListOptions struct {
	Status string
	Limit  int
	Offset int
}

// Submitted is the answer to a job submission.
type Submitted struct {
	JobID  uuid.UUID        `json:"job_id"`
	Status models.JobStatus `json:"status"`
}

// Client talks to the Status API over HTTP.
type Client struct {
	baseURL string
	client  *http.Client
}

// New creates a Status API client.
func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *Client) SubmitJob(ctx context.Context, req jobs.CreateRequest) (*Submitted, error) {
	var out Submitted
	if err := c.do(ctx, http.MethodPost, "/jobs", req, &out, nil); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	var out models.Job
	if err := c.do(ctx, http.MethodGet, "/jobs/"+id.String(), nil, &out, nil); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetStatus(ctx context.Context, id uuid.UUID) (*models.JobStatusView, error) {
	var out models.JobStatusView
	if err := c.do(ctx, http.MethodGet, "/jobs/"+id.String()+"/status", nil, &out, nil); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CancelJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	var out models.Job
	if err := c.do(ctx, http.MethodPost, "/jobs/"+id.String()+"/cancel", nil, &out, nil); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListJobs(ctx context.Context, opts ListOptions) ([]*models.Job, Page, error) {
	params := url.Values{}
	if opts.Status != "" {
		params.Set("status", opts.Status)
	}
	if opts.Limit > 0 {
		params.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		params.Set("offset", strconv.Itoa(opts.Offset))
	}
	path := "/jobs"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}

	var out []*models.Job
	var page Page
	if err := c.do(ctx, http.MethodGet, path, nil, &out, &page); err != nil {
		return nil, Page{}, err
	}
	return out, page, nil
}

// JobLogs fetches the last tail lines of a job's container output. Zero tail
// leaves the server default; a zero since fetches from the start.
func (c *Client) JobLogs(ctx context.Context, id uuid.UUID, tail int, since time.Time) (*jobs.JobLogs, error) {
	params := url.Values{}
	if tail > 0 {
		params.Set("tail", strconv.Itoa(tail))
	}
	if !since.IsZero() {
		params.Set("since", strconv.FormatInt(since.Unix(), 10))
	}
	path := "/jobs/" + id.String() + "/logs"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}

	var out jobs.JobLogs
	if err := c.do(ctx, http.MethodGet, path, nil, &out, nil); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListWorkers(ctx context.Context) ([]*models.Worker, error) {
	var out []*models.Worker
	if err := c.do(ctx, http.MethodGet, "/workers", nil, &out, nil); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) RemoveWorker(ctx context.Context, workerID string) error {
	return c.do(ctx, http.MethodDelete, "/workers/"+url.PathEscape(workerID), nil, nil, nil)
}

func (c *Client) QueueStats(ctx context.Context) (*models.QueueStats, error) {
	var out models.QueueStats
	if err := c.do(ctx, http.MethodGet, "/queue/stats", nil, &out, nil); err != nil {
		return nil, err
	}
	return &out, nil
}

// Ready returns nil when /health answers 200.
func (c *Client) Ready(ctx context.Context) error {
	err := c.do(ctx, http.MethodGet, "/health", nil, nil, nil)
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("%w: api not ready (status %d)", ErrUnreachable, apiErr.StatusCode)
	}
	return err
}

// do sends body as JSON and decodes the envelope's data into out and its meta
// into meta. Either may be nil.
func (c *Client) do(ctx context.Context, method, path string, body, out, meta any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		rd = bytes.NewReader(b)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if resp.StatusCode == http.StatusNoContent || (out == nil && meta == nil) {
		return nil
	}

	var env struct {
		Data json.RawMessage `json:"data"`
		Meta json.RawMessage `json:"meta"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decoding data: %w", err)
		}
	}
	if meta != nil && len(env.Meta) > 0 {
		if err := json.Unmarshal(env.Meta, meta); err != nil {
			return fmt.Errorf("decoding meta: %w", err)
		}
	}
	return nil
}

func decodeError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	var env struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err == nil {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
	}
	return apiErr
}

// classifyError maps transport-level errors to sentinel errors.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	return fmt.Errorf("%w: %v", ErrUnreachable, err)
}
