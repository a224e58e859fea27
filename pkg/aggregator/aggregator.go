// Package aggregator folds lab events and CI outcomes back into the
// store, and decides when the provisioning gate releases the dependent
// test phase.
package aggregator

import (
	"context"
	"strings"

	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"

	"github.com/foundriesio/conductor/pkg/lab"
	"github.com/foundriesio/conductor/pkg/store"
	"github.com/foundriesio/conductor/pkg/testplan"
)

// Gate is notified when a build's provisioning phase settles. Both
// calls must be idempotent; the aggregator may fire them more than
// once when events race.
type Gate interface {
	// ReleaseDependents schedules the upgrade/rollback phase.
	ReleaseDependents(ctx context.Context, build store.Build) error
	// SkipDependents records the dependent phase as skipped.
	SkipDependents(ctx context.Context, build store.Build) error
}

// ResultFetcher is the slice of the lab client used to grade a
// finished job.
type ResultFetcher interface {
	JobResults(ctx context.Context, id int64) ([]lab.TestResult, error)
}

// Aggregator records run and build outcomes.
type Aggregator struct {
	store   store.Store
	results ResultFetcher
	gate    Gate
	plan    testplan.Plan
	logger  log.Logger
}

// New wires an aggregator over the given plan.
func New(s store.Store, results ResultFetcher, gate Gate, plan testplan.Plan, logger log.Logger) *Aggregator {
	return &Aggregator{store: s, results: results, gate: gate, plan: plan, logger: logger}
}

// RecordLabJob folds a lab job state change into its run. Finished
// jobs are graded from their per-test results. Unknown job IDs are
// ignored; the lab runs jobs the coordinator did not submit.
func (a *Aggregator) RecordLabJob(ctx context.Context, jobID int64, state lab.JobState, health lab.JobHealth) error {
	run, err := a.store.RunByLabJob(ctx, jobID)
	if err == store.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return nil
	}

	status, err := a.grade(ctx, jobID, state, health)
	if err != nil {
		return err
	}
	if status == "" || status == run.Status {
		return nil
	}
	if err := a.store.UpdateRun(ctx, run.ID, status, 0); err != nil {
		return err
	}
	a.logger.Log("run", run.ID, "job", run.JobName, "lab_job", jobID, "status", status)
	if status.Terminal() {
		return a.checkGate(ctx, run.BuildID)
	}
	return nil
}

func (a *Aggregator) grade(ctx context.Context, jobID int64, state lab.JobState, health lab.JobHealth) (store.RunStatus, error) {
	if state != lab.StateFinished {
		if state == lab.StateRunning {
			return store.RunRunning, nil
		}
		return "", nil
	}
	if health != lab.HealthComplete {
		return store.RunErrored, nil
	}
	results, err := a.results.JobResults(ctx, jobID)
	if err != nil {
		return "", errors.Wrapf(err, "fetching results of lab job %d", jobID)
	}
	for _, r := range results {
		if !r.Passed() {
			return store.RunFailed, nil
		}
	}
	return store.RunPassed, nil
}

// checkGate re-evaluates the provisioning gate for a build. The gate
// releases once every provisioning run is terminal and none went bad;
// a bad provisioning phase skips the dependent jobs instead.
func (a *Aggregator) checkGate(ctx context.Context, buildID int64) error {
	build, err := a.store.GetBuild(ctx, buildID)
	if err != nil {
		return err
	}
	runs, err := a.store.RunsForBuild(ctx, buildID)
	if err != nil {
		return err
	}
	var seen int
	var bad bool
	for _, r := range runs {
		if a.jobKind(r.JobName) != testplan.KindProvisioning {
			continue
		}
		seen++
		if !r.Status.Terminal() {
			return nil
		}
		if r.Status != store.RunPassed {
			bad = true
		}
	}
	if seen == 0 {
		return nil
	}
	if bad {
		return a.gate.SkipDependents(ctx, build)
	}
	return a.gate.ReleaseDependents(ctx, build)
}

// jobKind recovers the plan kind from a run's job name, which is the
// plan job name suffixed with the device type. Plan job names may be
// prefixes of one another, so the longest match wins.
func (a *Aggregator) jobKind(runJobName string) testplan.JobKind {
	var kind testplan.JobKind
	longest := -1
	for _, j := range a.plan.Jobs {
		if runJobName != j.Name && !strings.HasPrefix(runJobName, j.Name+"-") {
			continue
		}
		if len(j.Name) > longest {
			longest = len(j.Name)
			kind = j.Kind
		}
	}
	return kind
}

// Summary is the aggregate view of one build's test runs.
type Summary struct {
	BuildID  int64                   `json:"build_id"`
	Status   store.BuildStatus       `json:"status"`
	Total    int                     `json:"total"`
	ByStatus map[store.RunStatus]int `json:"by_status"`
	Complete bool                    `json:"complete"`
	Passed   bool                    `json:"passed"`
}

// Summarize computes a build's summary. The build passed only when
// the build itself succeeded and every run is terminal and passed or
// was deliberately skipped.
func (a *Aggregator) Summarize(ctx context.Context, buildID int64) (Summary, error) {
	build, err := a.store.GetBuild(ctx, buildID)
	if err != nil {
		return Summary{}, err
	}
	runs, err := a.store.RunsForBuild(ctx, buildID)
	if err != nil {
		return Summary{}, err
	}
	sum := Summary{
		BuildID:  buildID,
		Status:   build.Status,
		Total:    len(runs),
		ByStatus: map[store.RunStatus]int{},
		Complete: build.Status.Terminal(),
		Passed:   build.Status == store.BuildPassed,
	}
	for _, r := range runs {
		sum.ByStatus[r.Status]++
		if !r.Status.Terminal() {
			sum.Complete = false
		}
		if r.Status != store.RunPassed && r.Status != store.RunSkipped {
			sum.Passed = false
		}
	}
	sum.Passed = sum.Passed && sum.Complete
	return sum, nil
}
