package ci

import (
	"context"
	"time"

	"github.com/go-kit/kit/log"

	"github.com/foundriesio/conductor/pkg/conderr"
)

// BuildGetter is the slice of Client the poller needs.
type BuildGetter interface {
	GetBuild(ctx context.Context, project string, buildID int64) (Build, error)
}

// Poller waits for builds to finish. Polling backs off exponentially
// between attempts and gives up after Deadline, reporting a timeout
// rather than blocking a worker forever.
type Poller struct {
	client   BuildGetter
	logger   log.Logger
	Initial  time.Duration // first wait between polls
	Max      time.Duration // backoff ceiling
	Deadline time.Duration // total budget per build
}

// NewPoller returns a poller with the default pacing: 10s initial,
// doubling to a 5m ceiling, giving up after 4h.
func NewPoller(client BuildGetter, logger log.Logger) *Poller {
	return &Poller{
		client:   client,
		logger:   logger,
		Initial:  10 * time.Second,
		Max:      5 * time.Minute,
		Deadline: 4 * time.Hour,
	}
}

// AwaitTerminal polls until the build reaches a terminal status. A
// transient backend error counts as a failed poll, not a failed build.
// When the deadline expires the returned error has class BuildTimeout
// and the last observed build is returned alongside it.
func (p *Poller) AwaitTerminal(ctx context.Context, project string, buildID int64) (Build, error) {
	deadline := time.Now().Add(p.Deadline)
	wait := p.Initial
	var last Build
	for {
		build, err := p.client.GetBuild(ctx, project, buildID)
		switch {
		case err == nil:
			last = build
			if build.Status.Terminal() {
				return build, nil
			}
		case conderr.Retryable(err):
			p.logger.Log("project", project, "build", buildID, "err", err)
		default:
			return last, err
		}

		if time.Now().Add(wait).After(deadline) {
			return last, conderr.Newf(conderr.BuildTimeout,
				"build %d of %s still %q after %s", buildID, project, last.Status, p.Deadline)
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return last, ctx.Err()
		}
		if wait *= 2; wait > p.Max {
			wait = p.Max
		}
	}
}
