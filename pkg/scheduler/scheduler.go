// Package scheduler turns CI builds into lab test runs. Provisioning
// jobs are dispatched as soon as a build passes; upgrade and rollback
// jobs wait for the provisioning gate and target the released build.
package scheduler

import (
	"context"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"

	"github.com/foundriesio/conductor/pkg/conderr"
	"github.com/foundriesio/conductor/pkg/store"
	"github.com/foundriesio/conductor/pkg/testplan"
)

var dispatchCount = prometheus.NewCounterFrom(stdprometheus.CounterOpts{
	Namespace: "conductor",
	Subsystem: "scheduler",
	Name:      "dispatch_total",
	Help:      "Lab job dispatch outcomes.",
}, []string{"result"})

// Lab is the slice of the lab client the scheduler needs.
type Lab interface {
	SubmitJob(ctx context.Context, definition string) ([]int64, error)
}

// Scheduler dispatches test jobs. Exclusivity comes from the store:
// the run row is created before anything is sent to the lab, so two
// workers racing on the same (build, job) pair cannot both dispatch.
type Scheduler struct {
	store  store.Store
	lab    Lab
	logger log.Logger

	// MaxAttempts bounds lab submissions per run before the run goes
	// terminal as failed-to-schedule.
	MaxAttempts int
	Backoff     time.Duration
	dispatches  metrics.Counter
}

// New returns a scheduler with default retry pacing.
func New(s store.Store, l Lab, logger log.Logger) *Scheduler {
	return &Scheduler{
		store:       s,
		lab:         l,
		logger:      logger,
		MaxAttempts: 3,
		Backoff:     5 * time.Second,
		dispatches:  dispatchCount,
	}
}

// ScheduleBuild dispatches the provisioning phase of the plan for
// every device type the project tests on. A job that is already
// scheduled is skipped, not an error.
func (s *Scheduler) ScheduleBuild(ctx context.Context, project store.Project, build store.Build, plan testplan.Plan) error {
	return s.schedulePhase(ctx, project, build, plan, false, 0)
}

// ScheduleDependent dispatches the upgrade/rollback phase against the
// provisioned build, installing targetBuildID. Call it only after the
// provisioning gate has released.
func (s *Scheduler) ScheduleDependent(ctx context.Context, project store.Project, build store.Build, plan testplan.Plan, targetBuildID int64) error {
	return s.schedulePhase(ctx, project, build, plan, true, targetBuildID)
}

func (s *Scheduler) schedulePhase(ctx context.Context, project store.Project, build store.Build, plan testplan.Plan, dependent bool, targetBuildID int64) error {
	var firstErr error
	for _, deviceType := range s.deviceTypes(project, plan) {
		for _, job := range plan.Applicable(deviceType, dependent) {
			tctx := testplan.Context{
				Project:       project.Name,
				BuildID:       build.ExternalID,
				BuildURL:      build.URL,
				CommitID:      build.CommitID,
				TargetBuildID: targetBuildID,
				DeviceType:    deviceType,
			}
			err := s.scheduleJob(ctx, build, job, deviceType, tctx)
			switch {
			case err == nil:
			case conderr.ClassOf(err) == conderr.AlreadyScheduled:
				s.logger.Log("build", build.ID, "job", job.Name, "device_type", deviceType, "skipped", "already scheduled")
			default:
				s.logger.Log("build", build.ID, "job", job.Name, "device_type", deviceType, "err", err)
				if firstErr == nil {
					firstErr = err
				}
			}
		}
	}
	return firstErr
}

// deviceTypes prefers the project's list, falling back to the plan's.
func (s *Scheduler) deviceTypes(project store.Project, plan testplan.Plan) []string {
	if len(project.DeviceTypes) > 0 {
		return project.DeviceTypes
	}
	return plan.DeviceTypes
}

// scheduleJob claims the run, then dispatches with bounded retries.
// Exhausting retries leaves the run terminal so a later pass can claim
// a fresh one.
func (s *Scheduler) scheduleJob(ctx context.Context, build store.Build, job testplan.Job, deviceType string, tctx testplan.Context) error {
	run := store.ScheduledRun{
		BuildID:    build.ID,
		JobName:    job.Name + "-" + deviceType,
		DeviceType: deviceType,
	}
	if err := s.store.CreateRun(ctx, &run); err != nil {
		return err
	}

	definition, err := job.Render(tctx)
	if err != nil {
		s.store.UpdateRun(ctx, run.ID, store.RunFailedToSchedule, 0)
		return err
	}

	var lastErr error
	for attempt := 1; attempt <= s.MaxAttempts; attempt++ {
		ids, err := s.lab.SubmitJob(ctx, definition)
		if err == nil {
			s.dispatches.With("result", "dispatched").Add(1)
			return s.store.UpdateRun(ctx, run.ID, store.RunScheduled, ids[0])
		}
		lastErr = err
		if !conderr.Retryable(err) {
			break
		}
		s.logger.Log("build", build.ID, "job", run.JobName, "attempt", attempt, "err", err)
		if attempt == s.MaxAttempts {
			break
		}
		select {
		case <-time.After(s.Backoff * time.Duration(attempt)):
		case <-ctx.Done():
			lastErr = ctx.Err()
			attempt = s.MaxAttempts
		}
	}
	s.dispatches.With("result", "failed").Add(1)
	s.store.UpdateRun(ctx, run.ID, store.RunFailedToSchedule, 0)
	return lastErr
}

// MarkDependentsSkipped records terminal skipped runs for the
// dependent phase when provisioning failed, so the build's summary
// shows why nothing ran.
func (s *Scheduler) MarkDependentsSkipped(ctx context.Context, project store.Project, build store.Build, plan testplan.Plan) error {
	for _, deviceType := range s.deviceTypes(project, plan) {
		for _, job := range plan.Applicable(deviceType, true) {
			run := store.ScheduledRun{
				BuildID:    build.ID,
				JobName:    job.Name + "-" + deviceType,
				DeviceType: deviceType,
				Status:     store.RunSkipped,
			}
			if err := s.store.CreateRun(ctx, &run); err != nil && conderr.ClassOf(err) != conderr.AlreadyScheduled {
				return err
			}
		}
	}
	return nil
}
