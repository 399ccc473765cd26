package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrJobNotFound marks the orphan condition: the remote store has no
// record of the job (typically after a service restart).
var ErrJobNotFound = errors.New("job not found")

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// JobStatus is one polled snapshot of a remote job. Not retained
// beyond the poll that produced it.
type JobStatus struct {
	Status          Status `json:"status"`
	Response        string `json:"response,omitempty"`
	PartialResponse string `json:"partial_response,omitempty"`
	Error           string `json:"error,omitempty"`
}

// Terminal reports whether the status ends polling.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// StatusClient queries the remote job service.
type StatusClient interface {
	JobStatus(ctx context.Context, id string) (*JobStatus, error)
}

// HTTPStatusClient polls GET {base}/jobs/{id}. A 404 is the orphan
// condition; any other non-2xx is a transient query error.
type HTTPStatusClient struct {
	baseURL string
	client  *http.Client
}

func NewHTTPStatusClient(baseURL string) *HTTPStatusClient {
	return &HTTPStatusClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// WithHTTPClient replaces the underlying client; used in tests.
func (c *HTTPStatusClient) WithHTTPClient(hc *http.Client) *HTTPStatusClient {
	c.client = hc
	return c
}

func (c *HTTPStatusClient) JobStatus(ctx context.Context, id string) (*JobStatus, error) {
	endpoint := c.baseURL + "/jobs/" + url.PathEscape(id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("job status: create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("job status: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("job %q: %w", id, ErrJobNotFound)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("job status: unexpected status %d: %s", resp.StatusCode, string(body))
	}

	var status JobStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("job status: decode: %w", err)
	}
	return &status, nil
}
