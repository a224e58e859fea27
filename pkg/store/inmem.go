package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/foundriesio/conductor/pkg/conderr"
)

// InMem is an in-memory Store. It implements the same atomicity
// guarantees as the SQL store, under a single mutex, so it is safe for
// concurrent use within one process.
type InMem struct {
	mu        sync.Mutex
	projects  map[string]Project
	builds    map[int64]Build
	runs      map[int64]ScheduledRun
	nextBuild int64
	nextRun   int64
}

// NewInMem returns an empty in-memory store.
func NewInMem() *InMem {
	return &InMem{
		projects: map[string]Project{},
		builds:   map[int64]Build{},
		runs:     map[int64]ScheduledRun{},
	}
}

func (s *InMem) UpsertProject(_ context.Context, p Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projects[p.Name] = p
	return nil
}

func (s *InMem) GetProject(_ context.Context, name string) (Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[name]
	if !ok {
		return Project{}, ErrNotFound
	}
	return p, nil
}

func (s *InMem) Projects(_ context.Context) ([]Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Project
	for _, p := range s.projects {
		out = append(out, p)
	}
	return out, nil
}

func (s *InMem) GetOrCreateBuild(_ context.Context, b *Build) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.builds {
		if existing.Project == b.Project && existing.ExternalID == b.ExternalID {
			*b = existing
			return false, nil
		}
	}
	s.nextBuild++
	b.ID = s.nextBuild
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	s.builds[b.ID] = *b
	return true, nil
}

func (s *InMem) GetBuild(_ context.Context, id int64) (Build, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.builds[id]
	if !ok {
		return Build{}, ErrNotFound
	}
	return b, nil
}

func (s *InMem) BuildByCommit(_ context.Context, project, commitID string) (Build, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.builds {
		if b.Project == project && b.CommitID == commitID {
			return b, nil
		}
	}
	return Build{}, ErrNotFound
}

func (s *InMem) BuildsForProject(_ context.Context, project string) ([]Build, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Build
	for _, b := range s.builds {
		if b.Project == project {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExternalID < out[j].ExternalID })
	return out, nil
}

func (s *InMem) UpdateBuildStatus(_ context.Context, id int64, status BuildStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.builds[id]
	if !ok {
		return ErrNotFound
	}
	b.Status = status
	s.builds[id] = b
	return nil
}

func (s *InMem) UpdateBuildReason(_ context.Context, id int64, kind BuildKind, reason, upstreamCommit string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.builds[id]
	if !ok {
		return ErrNotFound
	}
	b.Kind = kind
	b.Reason = reason
	b.UpstreamCommitID = upstreamCommit
	s.builds[id] = b
	return nil
}

func (s *InMem) CreateRun(_ context.Context, r *ScheduledRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.runs {
		if existing.BuildID == r.BuildID && existing.JobName == r.JobName && !existing.Status.Terminal() {
			return conderr.Newf(conderr.AlreadyScheduled,
				"run for build %d job %q already scheduled", r.BuildID, r.JobName)
		}
	}
	s.nextRun++
	r.ID = s.nextRun
	now := time.Now().UTC()
	r.CreatedAt = now
	r.UpdatedAt = now
	if r.Status == "" {
		r.Status = RunScheduled
	}
	s.runs[r.ID] = *r
	return nil
}

func (s *InMem) UpdateRun(_ context.Context, id int64, status RunStatus, labJobID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return ErrNotFound
	}
	r.Status = status
	if labJobID != 0 {
		r.LabJobID = labJobID
	}
	r.UpdatedAt = time.Now().UTC()
	s.runs[id] = r
	return nil
}

func (s *InMem) RunByLabJob(_ context.Context, labJobID int64) (ScheduledRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.runs {
		if r.LabJobID == labJobID {
			return r, nil
		}
	}
	return ScheduledRun{}, ErrNotFound
}

func (s *InMem) ActiveRuns(_ context.Context) ([]ScheduledRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ScheduledRun
	for _, r := range s.runs {
		if !r.Status.Terminal() && r.LabJobID != 0 {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMem) RunsForBuild(_ context.Context, buildID int64) ([]ScheduledRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ScheduledRun
	for _, r := range s.runs {
		if r.BuildID == buildID {
			out = append(out, r)
		}
	}
	return out, nil
}
