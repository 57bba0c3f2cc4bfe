package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/nodnarbrox/plexbeam/pkg/httpclient"
)

// Sentinel errors for contract-level failures.
var (
	ErrUnhealthy    = errors.New("worker reported unhealthy")
	ErrJobRejected  = errors.New("worker rejected job")
	ErrJobNotFound  = errors.New("job not found on worker")
	ErrBadSegment   = errors.New("segment not available")
	ErrProbeFailure = errors.New("probe failed")
)

// Client talks to one worker service. Method calls pick the httpclient
// profile matching their traffic class.
type Client struct {
	BaseURL string
	http    *httpclient.Set
}

// NewClient creates a worker client for the given base URL.
func NewClient(baseURL string, set *httpclient.Set) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		http:    set,
	}
}

// Health issues GET /health with the probe profile (2s connect budget).
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	resp, err := c.http.Probe.Get(ctx, c.BaseURL+"/health")
	if err != nil {
		return nil, fmt.Errorf("health probe %s: %w", c.BaseURL, err)
	}
	defer resp.Body.Close()

	var h HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return nil, fmt.Errorf("decoding health response: %w", err)
	}
	if !h.Healthy() {
		return &h, fmt.Errorf("%w: %s", ErrUnhealthy, h.Status)
	}
	return &h, nil
}

// Probe asks an @local worker for media duration via GET /probe?path=.
func (c *Client) Probe(ctx context.Context, path string) (float64, error) {
	u := fmt.Sprintf("%s/probe?path=%s", c.BaseURL, url.QueryEscape(path))
	resp, err := c.http.Poll.Get(ctx, u)
	if err != nil {
		return 0, fmt.Errorf("probe %s: %w", c.BaseURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("%w: status %d", ErrProbeFailure, resp.StatusCode)
	}

	var p ProbeResponse
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return 0, fmt.Errorf("decoding probe response: %w", err)
	}
	return p.Duration, nil
}

// Submit issues POST /transcode. Statuses pending, queued, and running all
// count as acceptance.
func (c *Client) Submit(ctx context.Context, job *JobRequest) (*JobResponse, error) {
	body, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("marshaling job request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/transcode", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating submit request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Submit.Do(req)
	if err != nil {
		return nil, fmt.Errorf("submitting job %s: %w", job.JobID, err)
	}
	defer resp.Body.Close()

	var jr JobResponse
	if err := json.NewDecoder(resp.Body).Decode(&jr); err != nil {
		return nil, fmt.Errorf("decoding submit response: %w", err)
	}
	if resp.StatusCode >= 300 || !jr.Status.Accepted() {
		return &jr, fmt.Errorf("%w: status=%s error=%s", ErrJobRejected, jr.Status, jr.Error)
	}
	return &jr, nil
}

// Status issues GET /status/<job_id> with the poll profile.
func (c *Client) Status(ctx context.Context, jobID string) (*JobStatus, error) {
	resp, err := c.http.Poll.Get(ctx, c.BaseURL+"/status/"+url.PathEscape(jobID))
	if err != nil {
		return nil, fmt.Errorf("polling job %s: %w", jobID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}

	var st JobStatus
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return nil, fmt.Errorf("decoding status response: %w", err)
	}
	return &st, nil
}

// Cancel issues DELETE /job/<job_id>. A 404 is treated as success: the job
// is gone either way.
func (c *Client) Cancel(ctx context.Context, jobID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.BaseURL+"/job/"+url.PathEscape(jobID), nil)
	if err != nil {
		return fmt.Errorf("creating cancel request: %w", err)
	}
	resp, err := c.http.Submit.Do(req)
	if err != nil {
		return fmt.Errorf("cancelling job %s: %w", jobID, err)
	}
	resp.Body.Close()
	return nil
}

// Segments issues GET /beam/segments/<job_id> and returns the file listing.
func (c *Client) Segments(ctx context.Context, jobID string) ([]string, error) {
	resp, err := c.http.Poll.Get(ctx, c.BaseURL+"/beam/segments/"+url.PathEscape(jobID))
	if err != nil {
		return nil, fmt.Errorf("listing segments for %s: %w", jobID, err)
	}
	defer resp.Body.Close()

	var list SegmentList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("decoding segment list: %w", err)
	}
	return list.Files, nil
}

// Segment streams GET /beam/segment/<job_id>/<name> to w.
func (c *Client) Segment(ctx context.Context, jobID, name string, w io.Writer) (int64, error) {
	u := fmt.Sprintf("%s/beam/segment/%s/%s", c.BaseURL, url.PathEscape(jobID), url.PathEscape(name))
	resp, err := c.http.Download.Get(ctx, u)
	if err != nil {
		return 0, fmt.Errorf("downloading segment %s/%s: %w", jobID, name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("%w: %s status %d", ErrBadSegment, name, resp.StatusCode)
	}

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, fmt.Errorf("copying segment %s: %w", name, err)
	}
	return n, nil
}

// BeamStream POSTs a chunked body to /beam/stream/<job_id>. The call blocks
// until the upload finishes or ctx is cancelled; run it in a background task.
func (c *Client) BeamStream(ctx context.Context, jobID string, body io.Reader) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/beam/stream/"+url.PathEscape(jobID), body)
	if err != nil {
		return fmt.Errorf("creating beam stream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	// ContentLength stays 0 with a non-nil body reader: chunked encoding.

	resp, err := c.http.Upload.Do(req)
	if err != nil {
		return fmt.Errorf("beam stream for %s: %w", jobID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("beam stream for %s: status %d", jobID, resp.StatusCode)
	}
	return nil
}

// StageUpload PUTs a chunked body to /beam/stage/<id>.
func (c *Client) StageUpload(ctx context.Context, id string, body io.Reader) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.BaseURL+"/beam/stage/"+url.PathEscape(id), body)
	if err != nil {
		return fmt.Errorf("creating stage request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.http.Upload.Do(req)
	if err != nil {
		return fmt.Errorf("staging upload %s: %w", id, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("staging upload %s: status %d", id, resp.StatusCode)
	}
	return nil
}

// DeleteStage issues DELETE /beam/stage/<id>, best effort.
func (c *Client) DeleteStage(ctx context.Context, id string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.BaseURL+"/beam/stage/"+url.PathEscape(id), nil)
	if err != nil {
		return fmt.Errorf("creating stage delete request: %w", err)
	}
	resp, err := c.http.Submit.Do(req)
	if err != nil {
		return fmt.Errorf("deleting staged upload %s: %w", id, err)
	}
	resp.Body.Close()
	return nil
}
