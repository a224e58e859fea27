// Package ci talks to the CI backend that builds manifest commits. It
// exposes a small read-only surface: fetch a build, list its runs, and
// wait for a build to reach a terminal state.
package ci

import (
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
	"golang.org/x/time/rate"

	"github.com/foundriesio/conductor/pkg/conderr"
)

// Status is the CI backend's build lifecycle.
type Status string

const (
	StatusQueued              Status = "QUEUED"
	StatusRunning             Status = "RUNNING"
	StatusRunningWithFailures Status = "RUNNING_WITH_FAILURES"
	StatusCancelling          Status = "CANCELLING"
	StatusPassed              Status = "PASSED"
	StatusFailed              Status = "FAILED"
	StatusPromoted            Status = "PROMOTED"
)

// Terminal reports whether the backend will not change this status.
func (s Status) Terminal() bool {
	switch s {
	case StatusPassed, StatusFailed, StatusPromoted:
		return true
	}
	return false
}

// Succeeded reports whether a terminal status counts as success.
func (s Status) Succeeded() bool {
	return s == StatusPassed || s == StatusPromoted
}

// Build is the backend's record of one build.
type Build struct {
	ID     int64  `json:"build_id"`
	URL    string `json:"url"`
	Status Status `json:"status"`
	Reason string `json:"reason"`
}

// Client issues authenticated requests against one CI backend.
type Client struct {
	base    *url.URL
	token   string
	client  *http.Client
	limiter *rate.Limiter
}

// NewClient builds a client for the backend at baseURL. The token is
// sent as OSF-TOKEN on every request. Requests are paced so polling
// many builds does not hammer the backend.
func NewClient(baseURL, token string) (*Client, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, errors.Wrap(err, "parsing CI base URL")
	}
	return &Client{
		base:    base,
		token:   token,
		client:  &http.Client{Timeout: 30 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(5), 10),
	}, nil
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	req, err := http.NewRequest("GET", u.String(), nil)
	if err != nil {
		return err
	}
	req = req.WithContext(ctx)
	if c.token != "" {
		req.Header.Set("OSF-TOKEN", c.token)
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
		return conderr.Newf(conderr.Authentication, "CI backend rejected token: %s", resp.Status)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return conderr.Newf(conderr.TransientNetwork, "CI backend unavailable: %s", resp.Status)
	case resp.StatusCode != http.StatusOK:
		return errors.Errorf("GET %s: %s", path, resp.Status)
	}
	// jobserv wraps payloads in {"status": ..., "data": {...}}
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return errors.Wrap(err, "decoding CI response")
	}
	return errors.Wrap(json.Unmarshal(envelope.Data, out), "decoding CI payload")
}

// GetBuild fetches a single build of a project.
func (c *Client) GetBuild(ctx context.Context, project string, buildID int64) (Build, error) {
	var data struct {
		Build Build `json:"build"`
	}
	path := fmt.Sprintf("/projects/%s/builds/%d/", project, buildID)
	if err := c.get(ctx, path, &data); err != nil {
		return Build{}, err
	}
	return data.Build, nil
}
