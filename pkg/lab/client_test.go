package lab_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foundriesio/conductor/pkg/conderr"
	"github.com/foundriesio/conductor/pkg/lab"
)

func TestSubmitJob(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "/jobs/", r.URL.Path)
		assert.Equal(t, "Token secret", r.Header.Get("Authorization"))
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Contains(t, body["definition"], "job_name")
		fmt.Fprint(w, `{"job_ids": [1234]}`)
	}))
	defer srv.Close()

	client, err := lab.NewClient(srv.URL, "secret")
	require.NoError(t, err)
	ids, err := client.SubmitJob(context.Background(), "job_name: upgrade\n")
	require.NoError(t, err)
	assert.Equal(t, []int64{1234}, ids)
}

func TestSubmitJobUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client, err := lab.NewClient(srv.URL, "secret")
	require.NoError(t, err)
	_, err = client.SubmitJob(context.Background(), "job_name: upgrade\n")
	require.Error(t, err)
	assert.Equal(t, conderr.LabUnavailable, conderr.ClassOf(err))
	assert.True(t, conderr.Retryable(err))
}

func TestJobResultsPagination(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/jobs/9/tests/", r.URL.Path)
		if r.URL.Query().Get("offset") == "" {
			fmt.Fprintf(w, `{"next": "%s/jobs/9/tests/?limit=100&offset=100", "results": [
				{"name": "download", "suite": "upgrade", "result": "pass"}
			]}`, srv.URL)
			return
		}
		fmt.Fprint(w, `{"next": null, "results": [
			{"name": "reboot", "suite": "upgrade", "result": "fail"}
		]}`)
	}))
	defer srv.Close()

	client, err := lab.NewClient(srv.URL, "secret")
	require.NoError(t, err)
	results, err := client.JobResults(context.Background(), 9)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.True(t, results[0].Passed())
	assert.False(t, results[1].Passed())
}

func TestGetJob(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/jobs/42/", r.URL.Path)
		fmt.Fprint(w, `{"id": 42, "state": "Finished", "health": "Complete"}`)
	}))
	defer srv.Close()

	client, err := lab.NewClient(srv.URL, "secret")
	require.NoError(t, err)
	job, err := client.GetJob(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, lab.StateFinished, job.State)
	assert.Equal(t, lab.HealthComplete, job.Health)
}
