// Package daemon ties the coordinator together: it accepts build and
// lab events, drives polling and scheduling through the work queue,
// and owns the gate between the provisioning and upgrade test phases.
package daemon

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/kit/log"

	"github.com/foundriesio/conductor/pkg/aggregator"
	"github.com/foundriesio/conductor/pkg/api"
	"github.com/foundriesio/conductor/pkg/ci"
	"github.com/foundriesio/conductor/pkg/conderr"
	"github.com/foundriesio/conductor/pkg/lab"
	"github.com/foundriesio/conductor/pkg/mutator"
	"github.com/foundriesio/conductor/pkg/queue"
	"github.com/foundriesio/conductor/pkg/store"
	"github.com/foundriesio/conductor/pkg/testplan"
)

// Scheduler is the slice of the scheduler the daemon drives.
type Scheduler interface {
	ScheduleBuild(ctx context.Context, project store.Project, build store.Build, plan testplan.Plan) error
	ScheduleDependent(ctx context.Context, project store.Project, build store.Build, plan testplan.Plan, targetBuildID int64) error
	MarkDependentsSkipped(ctx context.Context, project store.Project, build store.Build, plan testplan.Plan) error
}

// Poller is the slice of the CI poller the daemon drives.
type Poller interface {
	AwaitTerminal(ctx context.Context, project string, buildID int64) (ci.Build, error)
}

// Lab is the slice of the lab client the run sweep drives. The
// websocket stream is an optimisation; the sweep is what guarantees a
// run with a missed event still settles.
type Lab interface {
	GetJob(ctx context.Context, id int64) (lab.Job, error)
	CancelJob(ctx context.Context, id int64) error
}

// Daemon implements the webhook surface and the provisioning gate.
type Daemon struct {
	store  store.Store
	sched  Scheduler
	poller Poller
	labs   Lab
	agg    *aggregator.Aggregator
	plan   testplan.Plan
	queue  *queue.Queue
	logger log.Logger

	// RunDeadline bounds how long a dispatched run may stay
	// non-terminal before its lab job is cancelled.
	RunDeadline time.Duration

	// mutators, keyed by project, drive repository mutations when a
	// merge build completes. Projects without one are observe-only.
	mutators map[string]*mutator.Mutator

	// pendingRelease holds builds whose provisioning gate released
	// before their upgrade target finished building.
	mu             sync.Mutex
	pendingRelease map[int64]bool
}

// New wires a daemon. Call SetAggregator before serving events.
func New(s store.Store, sched Scheduler, poller Poller, labs Lab, plan testplan.Plan, q *queue.Queue, logger log.Logger) *Daemon {
	return &Daemon{
		store:          s,
		sched:          sched,
		poller:         poller,
		labs:           labs,
		plan:           plan,
		queue:          q,
		logger:         logger,
		RunDeadline:    30 * time.Minute,
		mutators:       map[string]*mutator.Mutator{},
		pendingRelease: map[int64]bool{},
	}
}

// SetAggregator closes the daemon/aggregator loop; the aggregator
// needs the daemon as its gate, so it is attached after construction.
func (d *Daemon) SetAggregator(a *aggregator.Aggregator) { d.agg = a }

// RegisterMutator attaches a repository mutator to a project.
func (d *Daemon) RegisterMutator(project string, m *mutator.Mutator) {
	d.mutators[project] = m
}

// classifyKind grades a build from its commit subject.
func classifyKind(reason string) store.BuildKind {
	switch {
	case strings.HasPrefix(reason, mutator.RebuildMessage):
		return store.KindForced
	case strings.HasPrefix(reason, mutator.MergeMessagePrefix):
		return store.KindMerge
	}
	return store.KindRegular
}

func mapStatus(s ci.Status) store.BuildStatus {
	switch s {
	case ci.StatusQueued:
		return store.BuildPending
	case ci.StatusRunning, ci.StatusRunningWithFailures:
		return store.BuildRunning
	case ci.StatusCancelling:
		return store.BuildCancelled
	case ci.StatusPassed, ci.StatusPromoted:
		return store.BuildPassed
	}
	return store.BuildFailed
}

// HandleBuildEvent records the build and queues a poll until it goes
// terminal. Duplicate webhooks for a build collapse onto one record;
// polling again is harmless.
func (d *Daemon) HandleBuildEvent(ctx context.Context, e api.BuildEvent) error {
	build := store.Build{
		Project:    e.Project,
		ExternalID: e.BuildID,
		URL:        e.URL,
		CommitID:   e.CommitID,
		Status:     mapStatus(e.Status),
	}
	created, err := d.store.GetOrCreateBuild(ctx, &build)
	if err != nil {
		return err
	}
	if !created && build.Status.Terminal() {
		return nil
	}
	d.queue.Enqueue(&queue.Task{
		Name: "poll-build",
		Do: func(ctx context.Context, logger log.Logger) error {
			return d.pollBuild(ctx, build.ID)
		},
	})
	return nil
}

// pollBuild waits the build out, records its outcome and reacts to it.
func (d *Daemon) pollBuild(ctx context.Context, buildID int64) error {
	build, err := d.store.GetBuild(ctx, buildID)
	if err != nil {
		return err
	}
	ciBuild, err := d.poller.AwaitTerminal(ctx, build.Project, build.ExternalID)
	status := mapStatus(ciBuild.Status)
	if err != nil {
		if conderr.ClassOf(err) != conderr.BuildTimeout {
			return err
		}
		status = store.BuildTimedOut
	}
	kind := classifyKind(ciBuild.Reason)
	if err := d.store.UpdateBuildReason(ctx, build.ID, kind, ciBuild.Reason, build.UpstreamCommitID); err != nil {
		return err
	}
	if err := d.store.UpdateBuildStatus(ctx, build.ID, status); err != nil {
		return err
	}
	build.Kind = kind
	build.Status = status
	d.logger.Log("build", build.ID, "ci_build", build.ExternalID, "kind", kind, "status", status)
	return d.buildTerminal(ctx, build)
}

// buildTerminal fans out from a finished build: merge and regular
// builds get their provisioning phase and trigger the forced rebuild
// that produces the upgrade target; a finished forced build releases
// any gates waiting on it.
func (d *Daemon) buildTerminal(ctx context.Context, build store.Build) error {
	if build.Status != store.BuildPassed {
		return nil
	}
	project, err := d.store.GetProject(ctx, build.Project)
	if err != nil {
		return err
	}
	if build.Kind == store.KindForced {
		return d.releasePending(ctx, project)
	}

	if err := d.sched.ScheduleBuild(ctx, project, build, d.plan); err != nil {
		return err
	}
	if m, ok := d.mutators[build.Project]; ok && build.Kind == store.KindMerge {
		d.queue.Enqueue(&queue.Task{
			Name: "force-rebuild",
			Do: func(ctx context.Context, logger log.Logger) error {
				_, err := m.ForceRebuild(ctx, mutator.RebuildMessage)
				return err
			},
		})
	}
	return nil
}

// ReleaseDependents schedules the dependent phase of a provisioned
// build against the next forced build. With no target built yet, the
// release is parked until one passes.
func (d *Daemon) ReleaseDependents(ctx context.Context, build store.Build) error {
	target, err := d.upgradeTarget(ctx, build)
	if err != nil {
		return err
	}
	if target == nil {
		d.mu.Lock()
		d.pendingRelease[build.ID] = true
		d.mu.Unlock()
		d.logger.Log("build", build.ID, "gate", "released", "target", "pending")
		return nil
	}
	project, err := d.store.GetProject(ctx, build.Project)
	if err != nil {
		return err
	}
	d.mu.Lock()
	delete(d.pendingRelease, build.ID)
	d.mu.Unlock()
	return d.sched.ScheduleDependent(ctx, project, build, d.plan, target.ExternalID)
}

// SkipDependents records the dependent phase as skipped.
func (d *Daemon) SkipDependents(ctx context.Context, build store.Build) error {
	project, err := d.store.GetProject(ctx, build.Project)
	if err != nil {
		return err
	}
	d.mu.Lock()
	delete(d.pendingRelease, build.ID)
	d.mu.Unlock()
	return d.sched.MarkDependentsSkipped(ctx, project, build, d.plan)
}

// upgradeTarget finds the first passed forced build newer than the
// provisioned one.
func (d *Daemon) upgradeTarget(ctx context.Context, build store.Build) (*store.Build, error) {
	builds, err := d.store.BuildsForProject(ctx, build.Project)
	if err != nil {
		return nil, err
	}
	for i := range builds {
		b := builds[i]
		if b.Kind == store.KindForced && b.Status == store.BuildPassed && b.ExternalID > build.ExternalID {
			return &b, nil
		}
	}
	return nil, nil
}

// releasePending retries parked gate releases once a forced build has
// passed.
func (d *Daemon) releasePending(ctx context.Context, project store.Project) error {
	d.mu.Lock()
	waiting := make([]int64, 0, len(d.pendingRelease))
	for id := range d.pendingRelease {
		waiting = append(waiting, id)
	}
	d.mu.Unlock()

	var firstErr error
	for _, id := range waiting {
		build, err := d.store.GetBuild(ctx, id)
		if err != nil {
			return err
		}
		if build.Project != project.Name {
			continue
		}
		if err := d.ReleaseDependents(ctx, build); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// HandleLabEvent folds one lab notification into the store.
func (d *Daemon) HandleLabEvent(ctx context.Context, e api.LabEvent) error {
	return d.agg.RecordLabJob(ctx, e.JobID, e.State, e.Health)
}

// Summary reports a build's aggregate test state.
func (d *Daemon) Summary(ctx context.Context, buildID int64) (aggregator.Summary, error) {
	return d.agg.Summarize(ctx, buildID)
}
