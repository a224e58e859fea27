package daemon

import (
	"context"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"

	"github.com/foundriesio/conductor/pkg/lab"
	"github.com/foundriesio/conductor/pkg/mutator"
	"github.com/foundriesio/conductor/pkg/queue"
)

// Loop runs the daemon's periodic work: merging the upstream manifest
// into every project with a mutator, and sweeping dispatched runs
// whose lab events may have been missed. An up-to-date branch merges
// to a no-op, so the merge tick just bounds how stale a project can
// get between upstream releases.
func (d *Daemon) Loop(stop <-chan struct{}, mergeInterval, sweepInterval time.Duration) {
	merge := time.NewTicker(mergeInterval)
	defer merge.Stop()
	sweep := time.NewTicker(sweepInterval)
	defer sweep.Stop()
	for {
		select {
		case <-stop:
			return
		case <-merge.C:
			d.queueMerges()
		case <-sweep.C:
			d.queue.Enqueue(&queue.Task{
				Name: "sweep-runs",
				Do: func(ctx context.Context, logger log.Logger) error {
					return d.SweepRuns(ctx)
				},
			})
		}
	}
}

func (d *Daemon) queueMerges() {
	for project, m := range d.mutators {
		if m.Tree().UpstreamRemote().URL == "" {
			continue
		}
		d.queue.Enqueue(mergeTask(project, m))
	}
}

func mergeTask(project string, m *mutator.Mutator) *queue.Task {
	return &queue.Task{
		Name: "merge-upstream/" + project,
		Do: func(ctx context.Context, logger log.Logger) error {
			rev, err := m.MergeUpstream(ctx)
			if err != nil {
				return errors.Wrapf(err, "merging upstream for %s", project)
			}
			logger.Log("project", project, "rev", rev)
			return nil
		},
	}
}

// SweepRuns reconciles every dispatched non-terminal run against the
// lab, feeding outcomes through the same path the event stream uses.
// Runs still unfinished past the deadline get their lab job cancelled;
// the cancellation's terminal state grades them on a later pass.
func (d *Daemon) SweepRuns(ctx context.Context) error {
	runs, err := d.store.ActiveRuns(ctx)
	if err != nil {
		return err
	}
	var firstErr error
	for _, r := range runs {
		job, err := d.labs.GetJob(ctx, r.LabJobID)
		if err != nil {
			d.logger.Log("run", r.ID, "lab_job", r.LabJobID, "err", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if job.State != lab.StateFinished && d.RunDeadline > 0 && time.Since(r.CreatedAt) > d.RunDeadline {
			d.logger.Log("run", r.ID, "lab_job", r.LabJobID, "msg", "deadline exceeded, cancelling")
			if err := d.labs.CancelJob(ctx, r.LabJobID); err != nil && firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := d.agg.RecordLabJob(ctx, r.LabJobID, job.State, job.Health); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
