package api_test

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-kit/kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foundriesio/conductor/pkg/aggregator"
	"github.com/foundriesio/conductor/pkg/api"
	"github.com/foundriesio/conductor/pkg/ci"
	"github.com/foundriesio/conductor/pkg/lab"
	"github.com/foundriesio/conductor/pkg/store"
)

type fakeCoordinator struct {
	buildEvents []api.BuildEvent
	labEvents   []api.LabEvent
	summary     aggregator.Summary
	summaryErr  error
}

func (c *fakeCoordinator) HandleBuildEvent(_ context.Context, e api.BuildEvent) error {
	c.buildEvents = append(c.buildEvents, e)
	return nil
}

func (c *fakeCoordinator) HandleLabEvent(_ context.Context, e api.LabEvent) error {
	c.labEvents = append(c.labEvents, e)
	return nil
}

func (c *fakeCoordinator) Summary(context.Context, int64) (aggregator.Summary, error) {
	return c.summary, c.summaryErr
}

func sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256: " + hex.EncodeToString(mac.Sum(nil))
}

func newServer(t *testing.T) (*httptest.Server, *fakeCoordinator) {
	t.Helper()
	s := store.NewInMem()
	require.NoError(t, s.UpsertProject(context.Background(), store.Project{
		Name:   "factory",
		Secret: "webhook-secret",
	}))
	coord := &fakeCoordinator{}
	srv := httptest.NewServer(api.NewServer(s, coord, log.NewNopLogger()).Router())
	t.Cleanup(srv.Close)
	return srv, coord
}

func TestCIWebhook(t *testing.T) {
	srv, coord := newServer(t)
	body, _ := json.Marshal(api.BuildEvent{
		Project: "factory", BuildID: 12, Status: ci.StatusPassed, CommitID: "abc",
	})
	req, _ := http.NewRequest("POST", srv.URL+"/api/ci-webhook", bytes.NewReader(body))
	req.Header.Set(api.SigHeader, sign(body, "webhook-secret"))

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Len(t, coord.buildEvents, 1)
	assert.Equal(t, int64(12), coord.buildEvents[0].BuildID)
	assert.Equal(t, ci.StatusPassed, coord.buildEvents[0].Status)
}

func TestCIWebhookRejectsBadSignature(t *testing.T) {
	srv, coord := newServer(t)
	body, _ := json.Marshal(api.BuildEvent{Project: "factory", BuildID: 12})
	req, _ := http.NewRequest("POST", srv.URL+"/api/ci-webhook", bytes.NewReader(body))
	req.Header.Set(api.SigHeader, sign(body, "wrong-secret"))

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Empty(t, coord.buildEvents)
}

func TestCIWebhookUnknownProject(t *testing.T) {
	srv, _ := newServer(t)
	body, _ := json.Marshal(api.BuildEvent{Project: "nope", BuildID: 12})
	req, _ := http.NewRequest("POST", srv.URL+"/api/ci-webhook", bytes.NewReader(body))
	req.Header.Set(api.SigHeader, sign(body, "webhook-secret"))

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestLabWebhook(t *testing.T) {
	srv, coord := newServer(t)
	body, _ := json.Marshal(api.LabEvent{JobID: 77, State: lab.StateFinished, Health: lab.HealthComplete})

	resp, err := http.Post(srv.URL+"/api/lab-webhook", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, coord.labEvents, 1)
	assert.Equal(t, int64(77), coord.labEvents[0].JobID)
}

func TestLabWebhookRejectsMissingJob(t *testing.T) {
	srv, _ := newServer(t)
	resp, err := http.Post(srv.URL+"/api/lab-webhook", "application/json", bytes.NewReader([]byte(`{}`)))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestBuildSummary(t *testing.T) {
	srv, coord := newServer(t)
	coord.summary = aggregator.Summary{
		BuildID:  3,
		Status:   store.BuildPassed,
		Total:    2,
		ByStatus: map[store.RunStatus]int{store.RunPassed: 2},
		Complete: true,
		Passed:   true,
	}

	resp, err := http.Get(srv.URL + "/api/builds/3/summary")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got aggregator.Summary
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, coord.summary, got)
}

func TestBuildSummaryNotFound(t *testing.T) {
	srv, coord := newServer(t)
	coord.summaryErr = store.ErrNotFound
	resp, err := http.Get(srv.URL + "/api/builds/3/summary")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthz(t *testing.T) {
	srv, _ := newServer(t)
	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
