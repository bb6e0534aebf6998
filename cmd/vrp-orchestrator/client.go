package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"vrp-orchestrator/internal/api"
	"vrp-orchestrator/internal/job"
)

// apiClient talks to a running job service.
type apiClient struct {
	baseURL string
	apiKey  string
	owner   string
	http    *http.Client
}

// apiError is a non-2xx reply from the job service.
type apiError struct {
	Status  int
	Message string `json:"error"`
	Kind    string `json:"kind"`
	Field   string `json:"field"`
}

func (e *apiError) Error() string {
	msg := fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
	if e.Field != "" {
		msg += " (field " + e.Field + ")"
	}
	return msg
}

type submitted struct {
	ID     string     `json:"id"`
	Status job.Status `json:"status"`
}

func newAPIClient(baseURL, apiKey, owner string) *apiClient {
	return &apiClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		owner:   owner,
		http:    &http.Client{},
	}
}

func (c *apiClient) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if c.owner != "" {
		req.Header.Set(api.OwnerHeader, c.owner)
	}
	return req, nil
}

// do sends a request with a bounded timeout and decodes a 2xx JSON reply into out.
func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	apiErr := &apiError{Status: resp.StatusCode}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if json.Unmarshal(data, apiErr) != nil || apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(data))
	}
	return apiErr
}

func (c *apiClient) submit(ctx context.Context, req job.SubmitRequest) (*submitted, error) {
	var out submitted
	if err := c.do(ctx, http.MethodPost, "/v1/jobs", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *apiClient) snapshot(ctx context.Context, id string) (*job.Snapshot, error) {
	var out job.Snapshot
	if err := c.do(ctx, http.MethodGet, "/v1/jobs/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *apiClient) result(ctx context.Context, id string) (*job.Result, error) {
	var out job.Result
	if err := c.do(ctx, http.MethodGet, "/v1/jobs/"+url.PathEscape(id)+"/result", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *apiClient) list(ctx context.Context, status, limit string) ([]*job.Job, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit != "" {
		q.Set("limit", limit)
	}
	path := "/v1/jobs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out struct {
		Jobs []*job.Job `json:"jobs"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Jobs, nil
}

// watch streams snapshots of job id to fn until the job is terminal, the
// stream ends or ctx is done. Returns the last snapshot seen.
func (c *apiClient) watch(ctx context.Context, id string, fn func(job.Snapshot)) (*job.Snapshot, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/v1/jobs/"+url.PathEscape(id)+"/events", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var last *job.Snapshot
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for scanner.Scan() {
		data, ok := strings.CutPrefix(scanner.Text(), "data:")
		if !ok {
			continue
		}
		var s job.Snapshot
		if err := json.Unmarshal([]byte(strings.TrimSpace(data)), &s); err != nil {
			return last, fmt.Errorf("malformed event: %w", err)
		}
		last = &s
		fn(s)
		if s.Status.Terminal() {
			return last, nil
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return last, err
	}
	if ctx.Err() != nil {
		return last, ctx.Err()
	}
	return last, errors.New("event stream closed before the job finished")
}
