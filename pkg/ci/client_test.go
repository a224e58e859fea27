package ci_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foundriesio/conductor/pkg/ci"
	"github.com/foundriesio/conductor/pkg/conderr"
)

func buildJSON(id int64, status ci.Status) string {
	return fmt.Sprintf(`{"status": "success", "data": {"build": {
		"build_id": %d,
		"url": "https://ci.example.com/projects/factory/builds/%d/",
		"status": %q,
		"runs": [{"name": "imx8mm", "status": %q}]
	}}}`, id, id, status, status)
}

func TestGetBuild(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/projects/factory/builds/7/", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("OSF-TOKEN"))
		fmt.Fprint(w, buildJSON(7, ci.StatusPassed))
	}))
	defer srv.Close()

	client, err := ci.NewClient(srv.URL, "secret")
	require.NoError(t, err)
	build, err := client.GetBuild(context.Background(), "factory", 7)
	require.NoError(t, err)
	assert.Equal(t, int64(7), build.ID)
	assert.Equal(t, ci.StatusPassed, build.Status)
	assert.True(t, build.Status.Terminal())
	assert.True(t, build.Status.Succeeded())
}

func TestGetBuildErrorClasses(t *testing.T) {
	for _, tc := range []struct {
		code  int
		class conderr.Class
	}{
		{http.StatusUnauthorized, conderr.Authentication},
		{http.StatusForbidden, conderr.Authentication},
		{http.StatusTooManyRequests, conderr.TransientNetwork},
		{http.StatusInternalServerError, conderr.TransientNetwork},
	} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.code)
		}))
		client, err := ci.NewClient(srv.URL, "secret")
		require.NoError(t, err)
		_, err = client.GetBuild(context.Background(), "factory", 1)
		require.Error(t, err)
		assert.Equal(t, tc.class, conderr.ClassOf(err), "status %d", tc.code)
		srv.Close()
	}
}

type scriptedGetter struct {
	builds []ci.Build
	errs   []error
	calls  int
}

func (g *scriptedGetter) GetBuild(context.Context, string, int64) (ci.Build, error) {
	i := g.calls
	if i >= len(g.builds) {
		i = len(g.builds) - 1
	}
	g.calls++
	return g.builds[i], g.errs[i]
}

func TestAwaitTerminal(t *testing.T) {
	getter := &scriptedGetter{
		builds: []ci.Build{
			{ID: 7, Status: ci.StatusRunning},
			{},
			{ID: 7, Status: ci.StatusPassed},
		},
		errs: []error{nil, conderr.Newf(conderr.TransientNetwork, "flaky"), nil},
	}
	poller := ci.NewPoller(getter, log.NewNopLogger())
	poller.Initial = time.Millisecond
	poller.Max = time.Millisecond
	poller.Deadline = time.Second

	build, err := poller.AwaitTerminal(context.Background(), "factory", 7)
	require.NoError(t, err)
	assert.Equal(t, ci.StatusPassed, build.Status)
	assert.Equal(t, 3, getter.calls)
}

func TestAwaitTerminalTimesOut(t *testing.T) {
	getter := &scriptedGetter{
		builds: []ci.Build{{ID: 7, Status: ci.StatusRunning}},
		errs:   []error{nil},
	}
	poller := ci.NewPoller(getter, log.NewNopLogger())
	poller.Initial = 10 * time.Millisecond
	poller.Max = 10 * time.Millisecond
	poller.Deadline = 25 * time.Millisecond

	build, err := poller.AwaitTerminal(context.Background(), "factory", 7)
	require.Error(t, err)
	assert.Equal(t, conderr.BuildTimeout, conderr.ClassOf(err))
	assert.Equal(t, ci.StatusRunning, build.Status)
}

func TestAwaitTerminalStopsOnFatalError(t *testing.T) {
	getter := &scriptedGetter{
		builds: []ci.Build{{}},
		errs:   []error{conderr.Newf(conderr.Authentication, "bad token")},
	}
	poller := ci.NewPoller(getter, log.NewNopLogger())
	poller.Initial = time.Millisecond

	_, err := poller.AwaitTerminal(context.Background(), "factory", 7)
	require.Error(t, err)
	assert.Equal(t, conderr.Authentication, conderr.ClassOf(err))
	assert.Equal(t, 1, getter.calls)
}
