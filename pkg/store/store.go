// Package store persists the coordinator's view of projects, CI
// builds and scheduled test runs. Two implementations exist: an
// in-memory store for tests and single-node use, and a SQL store for
// multi-worker deployments. Both enforce the scheduling-exclusivity
// invariant: at most one non-terminal ScheduledRun per (build, test
// job) pair.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned for lookups of entities that don't exist.
var ErrNotFound = errors.New("not found")

// BuildKind distinguishes what caused a CI build. It is a closed set;
// behaviour differences hang off this tag, not off string matching.
type BuildKind string

const (
	// KindRegular is an ordinary rebuild of the manifest.
	KindRegular BuildKind = "regular"
	// KindMerge is a build triggered by merging the upstream
	// reference manifest.
	KindMerge BuildKind = "merge"
	// KindForced is a build triggered by a forced-rebuild commit; it
	// is the upgrade target and must not re-run provisioning tests.
	KindForced BuildKind = "forced"
)

// BuildStatus is the CI lifecycle of a build.
type BuildStatus string

const (
	BuildPending   BuildStatus = "pending"
	BuildRunning   BuildStatus = "running"
	BuildPassed    BuildStatus = "passed"
	BuildFailed    BuildStatus = "failed"
	BuildCancelled BuildStatus = "cancelled"
	// BuildTimedOut means the poller gave up waiting; distinct from
	// failed so operators can tell the two apart.
	BuildTimedOut BuildStatus = "timedout"
)

// Terminal reports whether no further transitions are expected.
func (s BuildStatus) Terminal() bool {
	switch s {
	case BuildPassed, BuildFailed, BuildCancelled, BuildTimedOut:
		return true
	}
	return false
}

// RunStatus is the lifecycle of a scheduled lab run.
type RunStatus string

const (
	RunScheduled RunStatus = "scheduled"
	RunRunning   RunStatus = "running"
	RunPassed    RunStatus = "passed"
	RunFailed    RunStatus = "failed"
	RunErrored   RunStatus = "errored"
	// RunSkipped marks dependent jobs that were never dispatched
	// because their provisioning gate failed.
	RunSkipped RunStatus = "skipped"
	// RunFailedToSchedule is the terminal state after bounded dispatch
	// retries were exhausted.
	RunFailedToSchedule RunStatus = "failed-to-schedule"
)

// Terminal reports whether no further transitions are expected.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunPassed, RunFailed, RunErrored, RunSkipped, RunFailedToSchedule:
		return true
	}
	return false
}

// Project is a fleet/product unit under test.
type Project struct {
	Name            string   `db:"name"`
	ManifestRepoURL string   `db:"manifest_repo_url"`
	UpstreamRepoURL string   `db:"upstream_repo_url"`
	DefaultBranch   string   `db:"default_branch"`
	RepoDomain      string   `db:"repo_domain"`
	Secret          string   `db:"secret"`
	DeviceTypes     []string `db:"-"`
}

// Build is one CI build triggered by a repository mutation. Immutable
// once terminal, except for attached test-scheduling state.
type Build struct {
	ID         int64       `db:"id"`
	Project    string      `db:"project"`
	ExternalID int64       `db:"external_id"`
	URL        string      `db:"url"`
	CommitID   string      `db:"commit_id"`
	// UpstreamCommitID is the upstream parent when Kind is merge.
	UpstreamCommitID string      `db:"upstream_commit_id"`
	Kind             BuildKind   `db:"kind"`
	Reason           string      `db:"reason"`
	Status           BuildStatus `db:"status"`
	CreatedAt        time.Time   `db:"created_at"`
}

// ScheduledRun joins a Build, a TestJob and a device type, recording
// dispatch state and the lab's job identifier.
type ScheduledRun struct {
	ID         int64     `db:"id"`
	BuildID    int64     `db:"build_id"`
	JobName    string    `db:"job_name"`
	DeviceType string    `db:"device_type"`
	LabJobID   int64     `db:"lab_job_id"`
	Status     RunStatus `db:"status"`
	Attempts   int       `db:"attempts"`
	CreatedAt  time.Time `db:"created_at"`
	UpdatedAt  time.Time `db:"updated_at"`
}

// Store is the persistence boundary. CreateRun is the atomic
// check-and-create backing the scheduling invariant; it returns an
// AlreadyScheduled error when a non-terminal run exists for the same
// (build, job) pair.
type Store interface {
	UpsertProject(ctx context.Context, p Project) error
	GetProject(ctx context.Context, name string) (Project, error)
	Projects(ctx context.Context) ([]Project, error)

	// GetOrCreateBuild creates the build if no build with the same
	// (project, external id) exists, otherwise fills b from the
	// existing record. Returns true when it created.
	GetOrCreateBuild(ctx context.Context, b *Build) (bool, error)
	GetBuild(ctx context.Context, id int64) (Build, error)
	BuildByCommit(ctx context.Context, project, commitID string) (Build, error)
	// BuildsForProject lists a project's builds ordered by external ID.
	BuildsForProject(ctx context.Context, project string) ([]Build, error)
	UpdateBuildStatus(ctx context.Context, id int64, status BuildStatus) error
	UpdateBuildReason(ctx context.Context, id int64, kind BuildKind, reason, upstreamCommit string) error

	CreateRun(ctx context.Context, r *ScheduledRun) error
	UpdateRun(ctx context.Context, id int64, status RunStatus, labJobID int64) error
	RunByLabJob(ctx context.Context, labJobID int64) (ScheduledRun, error)
	RunsForBuild(ctx context.Context, buildID int64) ([]ScheduledRun, error)
	// ActiveRuns lists non-terminal runs that have a lab job to poll.
	ActiveRuns(ctx context.Context) ([]ScheduledRun, error)
}
