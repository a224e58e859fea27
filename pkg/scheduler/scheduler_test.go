package scheduler_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foundriesio/conductor/pkg/conderr"
	"github.com/foundriesio/conductor/pkg/scheduler"
	"github.com/foundriesio/conductor/pkg/store"
	"github.com/foundriesio/conductor/pkg/testplan"
)

const planDoc = `
name: ota
device_types: [imx8mm, rpi4]
jobs:
  - name: provision
    kind: provisioning
    definition: "job_name: {{.JobName}}\ndevice_type: {{.DeviceType}}\nbuild: {{.BuildID}}"
  - name: upgrade
    kind: upgrade
    definition: "job_name: {{.JobName}}\nto: {{.TargetBuildID}}"
`

type fakeLab struct {
	mu     sync.Mutex
	defs   []string
	nextID int64
	fail   int // submissions to fail before succeeding
	err    error
}

func (l *fakeLab) SubmitJob(_ context.Context, definition string) ([]int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fail > 0 {
		l.fail--
		err := l.err
		if err == nil {
			err = conderr.Newf(conderr.LabUnavailable, "maintenance window")
		}
		return nil, err
	}
	l.defs = append(l.defs, definition)
	l.nextID++
	return []int64{l.nextID}, nil
}

func fixture(t *testing.T) (*store.InMem, store.Project, store.Build, testplan.Plan) {
	t.Helper()
	s := store.NewInMem()
	project := store.Project{Name: "factory", DeviceTypes: []string{"imx8mm", "rpi4"}}
	require.NoError(t, s.UpsertProject(context.Background(), project))
	build := store.Build{Project: "factory", ExternalID: 10, Status: store.BuildPassed}
	_, err := s.GetOrCreateBuild(context.Background(), &build)
	require.NoError(t, err)
	plan, err := testplan.Parse([]byte(planDoc))
	require.NoError(t, err)
	return s, project, build, plan
}

func TestScheduleBuildDispatchesProvisioning(t *testing.T) {
	s, project, build, plan := fixture(t)
	lab := &fakeLab{}
	sched := scheduler.New(s, lab, log.NewNopLogger())

	require.NoError(t, sched.ScheduleBuild(context.Background(), project, build, plan))

	runs, err := s.RunsForBuild(context.Background(), build.ID)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	names := []string{runs[0].JobName, runs[1].JobName}
	assert.ElementsMatch(t, []string{"provision-imx8mm", "provision-rpi4"}, names)
	for _, r := range runs {
		assert.Equal(t, store.RunScheduled, r.Status)
		assert.NotZero(t, r.LabJobID)
	}
	assert.Len(t, lab.defs, 2)
	assert.Contains(t, lab.defs[0], "build: 10")
}

func TestScheduleBuildIsIdempotent(t *testing.T) {
	s, project, build, plan := fixture(t)
	lab := &fakeLab{}
	sched := scheduler.New(s, lab, log.NewNopLogger())

	require.NoError(t, sched.ScheduleBuild(context.Background(), project, build, plan))
	require.NoError(t, sched.ScheduleBuild(context.Background(), project, build, plan))

	runs, err := s.RunsForBuild(context.Background(), build.ID)
	require.NoError(t, err)
	assert.Len(t, runs, 2)
	assert.Len(t, lab.defs, 2)
}

func TestScheduleBuildConcurrentDispatchesOnce(t *testing.T) {
	s, project, build, plan := fixture(t)
	lab := &fakeLab{}
	sched := scheduler.New(s, lab, log.NewNopLogger())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sched.ScheduleBuild(context.Background(), project, build, plan)
		}()
	}
	wg.Wait()

	runs, err := s.RunsForBuild(context.Background(), build.ID)
	require.NoError(t, err)
	assert.Len(t, runs, 2)
	assert.Len(t, lab.defs, 2)
}

func TestScheduleJobRetriesThenSucceeds(t *testing.T) {
	s, project, build, plan := fixture(t)
	lab := &fakeLab{fail: 2}
	sched := scheduler.New(s, lab, log.NewNopLogger())
	sched.Backoff = time.Millisecond
	project.DeviceTypes = []string{"imx8mm"}

	require.NoError(t, sched.ScheduleBuild(context.Background(), project, build, plan))

	runs, err := s.RunsForBuild(context.Background(), build.ID)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, store.RunScheduled, runs[0].Status)
	assert.NotZero(t, runs[0].LabJobID)
}

func TestScheduleJobExhaustsRetries(t *testing.T) {
	s, project, build, plan := fixture(t)
	lab := &fakeLab{fail: 99}
	sched := scheduler.New(s, lab, log.NewNopLogger())
	sched.Backoff = time.Millisecond
	project.DeviceTypes = []string{"imx8mm"}

	err := sched.ScheduleBuild(context.Background(), project, build, plan)
	require.Error(t, err)
	assert.Equal(t, conderr.LabUnavailable, conderr.ClassOf(err))

	runs, err := s.RunsForBuild(context.Background(), build.ID)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, store.RunFailedToSchedule, runs[0].Status)

	// terminal run does not block a later pass
	lab.fail = 0
	require.NoError(t, sched.ScheduleBuild(context.Background(), project, build, plan))
	runs, err = s.RunsForBuild(context.Background(), build.ID)
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}

func TestScheduleJobStopsOnFatalError(t *testing.T) {
	s, project, build, plan := fixture(t)
	lab := &fakeLab{fail: 99, err: conderr.Newf(conderr.Authentication, "bad token")}
	sched := scheduler.New(s, lab, log.NewNopLogger())
	project.DeviceTypes = []string{"imx8mm"}

	err := sched.ScheduleBuild(context.Background(), project, build, plan)
	require.Error(t, err)
	assert.Equal(t, conderr.Authentication, conderr.ClassOf(err))
	assert.Equal(t, 98, lab.fail) // one attempt, no retries
}

func TestScheduleDependentTargetsReleasedBuild(t *testing.T) {
	s, project, build, plan := fixture(t)
	lab := &fakeLab{}
	sched := scheduler.New(s, lab, log.NewNopLogger())
	project.DeviceTypes = []string{"imx8mm"}

	require.NoError(t, sched.ScheduleDependent(context.Background(), project, build, plan, 11))

	runs, err := s.RunsForBuild(context.Background(), build.ID)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "upgrade-imx8mm", runs[0].JobName)
	require.Len(t, lab.defs, 1)
	assert.Contains(t, lab.defs[0], "to: 11")
}

func TestMarkDependentsSkipped(t *testing.T) {
	s, project, build, plan := fixture(t)
	sched := scheduler.New(s, &fakeLab{}, log.NewNopLogger())

	require.NoError(t, sched.MarkDependentsSkipped(context.Background(), project, build, plan))

	runs, err := s.RunsForBuild(context.Background(), build.ID)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	for _, r := range runs {
		assert.Equal(t, store.RunSkipped, r.Status)
		assert.Zero(t, r.LabJobID)
	}
}
