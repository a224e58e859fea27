// Package lab drives the device lab that runs test jobs on real
// hardware. It speaks the lab's REST API for job submission and
// results, and its websocket event stream for live state changes.
package lab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/foundriesio/conductor/pkg/conderr"
)

// JobState mirrors the lab scheduler's job lifecycle.
type JobState string

const (
	StateSubmitted JobState = "Submitted"
	StateScheduled JobState = "Scheduled"
	StateRunning   JobState = "Running"
	StateCanceling JobState = "Canceling"
	StateFinished  JobState = "Finished"
)

// JobHealth qualifies a finished job.
type JobHealth string

const (
	HealthUnknown    JobHealth = "Unknown"
	HealthComplete   JobHealth = "Complete"
	HealthIncomplete JobHealth = "Incomplete"
	HealthCanceled   JobHealth = "Canceled"
)

// Job is the lab's record of one submitted job.
type Job struct {
	ID     int64     `json:"id"`
	State  JobState  `json:"state"`
	Health JobHealth `json:"health"`
}

// TestResult is one test case outcome within a job.
type TestResult struct {
	Name   string `json:"name"`
	Suite  string `json:"suite"`
	Result string `json:"result"`
}

// Passed reports whether the case succeeded.
func (r TestResult) Passed() bool { return r.Result == "pass" }

// Client issues authenticated requests against one lab instance.
type Client struct {
	base   *url.URL
	token  string
	client *http.Client
}

// NewClient builds a client for the lab at baseURL, which should point
// at the REST API root (e.g. https://lava.example.com/api/v0.2).
func NewClient(baseURL, token string) (*Client, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, errors.Wrap(err, "parsing lab base URL")
	}
	return &Client{
		base:   base,
		token:  token,
		client: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var payload io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = bytes.NewReader(buf)
	}
	u := *c.base
	if i := strings.IndexByte(path, '?'); i >= 0 {
		u.RawQuery = path[i+1:]
		path = path[:i]
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	req, err := http.NewRequest(method, u.String(), payload)
	if err != nil {
		return err
	}
	req = req.WithContext(ctx)
	req.Header.Set("Authorization", "Token "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return conderr.New(conderr.TransientNetwork, err)
	}
	defer func() {
		io.Copy(ioutil.Discard, resp.Body)
		resp.Body.Close()
	}()
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return conderr.Newf(conderr.Authentication, "lab rejected token: %s", resp.Status)
	case resp.StatusCode == http.StatusServiceUnavailable || resp.StatusCode == http.StatusTooManyRequests:
		return conderr.Newf(conderr.LabUnavailable, "lab unavailable: %s", resp.Status)
	case resp.StatusCode >= 500:
		return conderr.Newf(conderr.TransientNetwork, "lab error: %s", resp.Status)
	case resp.StatusCode >= 400:
		return errors.Errorf("%s %s: %s", method, path, resp.Status)
	}
	if out == nil {
		return nil
	}
	return errors.Wrapf(json.NewDecoder(resp.Body).Decode(out), "decoding %s response", path)
}

// SubmitJob submits a rendered job definition and returns the lab's
// job IDs. Multinode definitions yield more than one; callers track
// the first.
func (c *Client) SubmitJob(ctx context.Context, definition string) ([]int64, error) {
	var resp struct {
		JobIDs []int64 `json:"job_ids"`
	}
	body := map[string]string{"definition": definition}
	if err := c.do(ctx, "POST", "/jobs/", body, &resp); err != nil {
		return nil, err
	}
	if len(resp.JobIDs) == 0 {
		return nil, errors.New("lab accepted the job but returned no IDs")
	}
	return resp.JobIDs, nil
}

// GetJob fetches the current state of a job.
func (c *Client) GetJob(ctx context.Context, id int64) (Job, error) {
	var job Job
	err := c.do(ctx, "GET", fmt.Sprintf("/jobs/%d/", id), nil, &job)
	return job, err
}

// CancelJob asks the lab to stop a job.
func (c *Client) CancelJob(ctx context.Context, id int64) error {
	return c.do(ctx, "POST", fmt.Sprintf("/jobs/%d/cancel/", id), nil, nil)
}

// JobResults fetches all test case outcomes of a job, following the
// API's pagination.
func (c *Client) JobResults(ctx context.Context, id int64) ([]TestResult, error) {
	var out []TestResult
	path := fmt.Sprintf("/jobs/%d/tests/?limit=100", id)
	for path != "" {
		var page struct {
			Next    string       `json:"next"`
			Results []TestResult `json:"results"`
		}
		if err := c.do(ctx, "GET", path, nil, &page); err != nil {
			return nil, err
		}
		out = append(out, page.Results...)
		path = nextPath(page.Next)
	}
	return out, nil
}

// nextPath strips the scheme/host/API prefix off a pagination URL so
// it can be passed back through do().
func nextPath(next string) string {
	if next == "" {
		return ""
	}
	u, err := url.Parse(next)
	if err != nil {
		return ""
	}
	path := u.Path
	if i := strings.Index(path, "/jobs/"); i >= 0 {
		path = path[i:]
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}
	return path
}
