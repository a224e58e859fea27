package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/foundriesio/conductor/pkg/conderr"
)

// SQL is a Store backed by PostgreSQL. The scheduling invariant is
// enforced by a partial unique index, so it holds across worker
// processes, not just goroutines.
type SQL struct {
	conn *sqlx.DB
}

// NewSQL opens the datasource and makes sure the schema exists.
func NewSQL(driver, datasource string) (*SQL, error) {
	conn, err := sqlx.Open(driver, datasource)
	if err != nil {
		return nil, errors.Wrap(err, "opening database")
	}
	s := &SQL{conn: conn}
	if err := s.ensureTables(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQL) ensureTables() error {
	_, err := s.conn.Exec(`
		CREATE TABLE IF NOT EXISTS projects (
			name              TEXT PRIMARY KEY,
			manifest_repo_url TEXT NOT NULL,
			upstream_repo_url TEXT NOT NULL DEFAULT '',
			default_branch    TEXT NOT NULL DEFAULT 'master',
			repo_domain       TEXT NOT NULL DEFAULT '',
			secret            TEXT NOT NULL DEFAULT '',
			device_types      TEXT NOT NULL DEFAULT ''
		);
		CREATE TABLE IF NOT EXISTS builds (
			id                 BIGSERIAL PRIMARY KEY,
			project            TEXT NOT NULL REFERENCES projects(name),
			external_id        BIGINT NOT NULL,
			url                TEXT NOT NULL DEFAULT '',
			commit_id          TEXT NOT NULL DEFAULT '',
			upstream_commit_id TEXT NOT NULL DEFAULT '',
			kind               TEXT NOT NULL DEFAULT 'regular',
			reason             TEXT NOT NULL DEFAULT '',
			status             TEXT NOT NULL DEFAULT 'pending',
			created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (project, external_id)
		);
		CREATE TABLE IF NOT EXISTS scheduled_runs (
			id          BIGSERIAL PRIMARY KEY,
			build_id    BIGINT NOT NULL REFERENCES builds(id),
			job_name    TEXT NOT NULL,
			device_type TEXT NOT NULL DEFAULT '',
			lab_job_id  BIGINT NOT NULL DEFAULT 0,
			status      TEXT NOT NULL DEFAULT 'scheduled',
			attempts    INT NOT NULL DEFAULT 0,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE UNIQUE INDEX IF NOT EXISTS scheduled_runs_active
			ON scheduled_runs (build_id, job_name)
			WHERE status IN ('scheduled', 'running');
	`)
	return errors.Wrap(err, "ensuring schema")
}

func (s *SQL) UpsertProject(ctx context.Context, p Project) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO projects (name, manifest_repo_url, upstream_repo_url, default_branch, repo_domain, secret, device_types)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (name) DO UPDATE SET
			manifest_repo_url = EXCLUDED.manifest_repo_url,
			upstream_repo_url = EXCLUDED.upstream_repo_url,
			default_branch    = EXCLUDED.default_branch,
			repo_domain       = EXCLUDED.repo_domain,
			secret            = EXCLUDED.secret,
			device_types      = EXCLUDED.device_types`,
		p.Name, p.ManifestRepoURL, p.UpstreamRepoURL, p.DefaultBranch, p.RepoDomain, p.Secret,
		strings.Join(p.DeviceTypes, ","))
	return errors.Wrap(err, "upserting project")
}

func (s *SQL) GetProject(ctx context.Context, name string) (Project, error) {
	var p Project
	var deviceTypes string
	err := s.conn.QueryRowxContext(ctx, `
		SELECT name, manifest_repo_url, upstream_repo_url, default_branch, repo_domain, secret, device_types
		FROM projects WHERE name = $1`, name).
		Scan(&p.Name, &p.ManifestRepoURL, &p.UpstreamRepoURL, &p.DefaultBranch, &p.RepoDomain, &p.Secret, &deviceTypes)
	if err == sql.ErrNoRows {
		return Project{}, ErrNotFound
	}
	if err != nil {
		return Project{}, errors.Wrap(err, "getting project")
	}
	if deviceTypes != "" {
		p.DeviceTypes = strings.Split(deviceTypes, ",")
	}
	return p, nil
}

func (s *SQL) Projects(ctx context.Context) ([]Project, error) {
	rows, err := s.conn.QueryxContext(ctx, `
		SELECT name, manifest_repo_url, upstream_repo_url, default_branch, repo_domain, secret, device_types
		FROM projects ORDER BY name`)
	if err != nil {
		return nil, errors.Wrap(err, "listing projects")
	}
	defer rows.Close()
	var out []Project
	for rows.Next() {
		var p Project
		var deviceTypes string
		if err := rows.Scan(&p.Name, &p.ManifestRepoURL, &p.UpstreamRepoURL, &p.DefaultBranch, &p.RepoDomain, &p.Secret, &deviceTypes); err != nil {
			return nil, err
		}
		if deviceTypes != "" {
			p.DeviceTypes = strings.Split(deviceTypes, ",")
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQL) GetOrCreateBuild(ctx context.Context, b *Build) (bool, error) {
	if b.Status == "" {
		b.Status = BuildPending
	}
	if b.Kind == "" {
		b.Kind = KindRegular
	}
	err := s.conn.QueryRowxContext(ctx, `
		INSERT INTO builds (project, external_id, url, commit_id, upstream_commit_id, kind, reason, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (project, external_id) DO NOTHING
		RETURNING id, created_at`,
		b.Project, b.ExternalID, b.URL, b.CommitID, b.UpstreamCommitID, b.Kind, b.Reason, b.Status).
		Scan(&b.ID, &b.CreatedAt)
	if err == nil {
		return true, nil
	}
	if err != sql.ErrNoRows {
		return false, errors.Wrap(err, "creating build")
	}
	// lost the race (or the build already existed); read it back
	existing, err := s.buildBy(ctx, `project = $1 AND external_id = $2`, b.Project, b.ExternalID)
	if err != nil {
		return false, err
	}
	*b = existing
	return false, nil
}

func (s *SQL) buildBy(ctx context.Context, where string, args ...interface{}) (Build, error) {
	var b Build
	err := s.conn.GetContext(ctx, &b, `
		SELECT id, project, external_id, url, commit_id, upstream_commit_id, kind, reason, status, created_at
		FROM builds WHERE `+where, args...)
	if err == sql.ErrNoRows {
		return Build{}, ErrNotFound
	}
	return b, errors.Wrap(err, "getting build")
}

func (s *SQL) GetBuild(ctx context.Context, id int64) (Build, error) {
	return s.buildBy(ctx, `id = $1`, id)
}

func (s *SQL) BuildByCommit(ctx context.Context, project, commitID string) (Build, error) {
	return s.buildBy(ctx, `project = $1 AND commit_id = $2`, project, commitID)
}

func (s *SQL) BuildsForProject(ctx context.Context, project string) ([]Build, error) {
	var out []Build
	err := s.conn.SelectContext(ctx, &out, `
		SELECT id, project, external_id, url, commit_id, upstream_commit_id, kind, reason, status, created_at
		FROM builds WHERE project = $1 ORDER BY external_id`, project)
	return out, errors.Wrap(err, "listing builds for project")
}

func (s *SQL) UpdateBuildStatus(ctx context.Context, id int64, status BuildStatus) error {
	res, err := s.conn.ExecContext(ctx, `UPDATE builds SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return errors.Wrap(err, "updating build status")
	}
	return errRowsAffected(res)
}

func (s *SQL) UpdateBuildReason(ctx context.Context, id int64, kind BuildKind, reason, upstreamCommit string) error {
	res, err := s.conn.ExecContext(ctx, `
		UPDATE builds SET kind = $2, reason = $3, upstream_commit_id = $4 WHERE id = $1`,
		id, kind, reason, upstreamCommit)
	if err != nil {
		return errors.Wrap(err, "updating build reason")
	}
	return errRowsAffected(res)
}

func (s *SQL) CreateRun(ctx context.Context, r *ScheduledRun) error {
	if r.Status == "" {
		r.Status = RunScheduled
	}
	err := s.conn.QueryRowxContext(ctx, `
		INSERT INTO scheduled_runs (build_id, job_name, device_type, lab_job_id, status, attempts)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at, updated_at`,
		r.BuildID, r.JobName, r.DeviceType, r.LabJobID, r.Status, r.Attempts).
		Scan(&r.ID, &r.CreatedAt, &r.UpdatedAt)
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code.Name() == "unique_violation" {
		return conderr.Newf(conderr.AlreadyScheduled,
			"run for build %d job %q already scheduled", r.BuildID, r.JobName)
	}
	return errors.Wrap(err, "creating scheduled run")
}

func (s *SQL) UpdateRun(ctx context.Context, id int64, status RunStatus, labJobID int64) error {
	res, err := s.conn.ExecContext(ctx, `
		UPDATE scheduled_runs
		SET status = $2,
		    lab_job_id = CASE WHEN $3 = 0 THEN lab_job_id ELSE $3 END,
		    updated_at = $4
		WHERE id = $1`,
		id, status, labJobID, time.Now().UTC())
	if err != nil {
		return errors.Wrap(err, "updating scheduled run")
	}
	return errRowsAffected(res)
}

func (s *SQL) RunByLabJob(ctx context.Context, labJobID int64) (ScheduledRun, error) {
	var r ScheduledRun
	err := s.conn.GetContext(ctx, &r, `
		SELECT id, build_id, job_name, device_type, lab_job_id, status, attempts, created_at, updated_at
		FROM scheduled_runs WHERE lab_job_id = $1
		ORDER BY id DESC LIMIT 1`, labJobID)
	if err == sql.ErrNoRows {
		return ScheduledRun{}, ErrNotFound
	}
	return r, errors.Wrap(err, "getting run by lab job")
}

func (s *SQL) ActiveRuns(ctx context.Context) ([]ScheduledRun, error) {
	var out []ScheduledRun
	err := s.conn.SelectContext(ctx, &out, `
		SELECT id, build_id, job_name, device_type, lab_job_id, status, attempts, created_at, updated_at
		FROM scheduled_runs
		WHERE status IN ('scheduled', 'running') AND lab_job_id <> 0
		ORDER BY id`)
	return out, errors.Wrap(err, "listing active runs")
}

func (s *SQL) RunsForBuild(ctx context.Context, buildID int64) ([]ScheduledRun, error) {
	var out []ScheduledRun
	err := s.conn.SelectContext(ctx, &out, `
		SELECT id, build_id, job_name, device_type, lab_job_id, status, attempts, created_at, updated_at
		FROM scheduled_runs WHERE build_id = $1 ORDER BY id`, buildID)
	return out, errors.Wrap(err, "listing runs for build")
}

func errRowsAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
