package queue

import (
	"context"
	"sync"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"

	"github.com/foundriesio/conductor/pkg/conderr"
)

var (
	taskDuration = prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
		Namespace: "conductor",
		Subsystem: "queue",
		Name:      "task_duration_seconds",
		Help:      "Task execution time.",
		Buckets:   stdprometheus.DefBuckets,
	}, []string{"task", "success"})
	queueLength = prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
		Namespace: "conductor",
		Subsystem: "queue",
		Name:      "length",
		Help:      "Tasks waiting to run.",
	}, []string{})
)

// Pool runs queued tasks on a fixed set of workers. A task whose
// error is retryable is requeued with backoff until MaxRetries is
// exhausted; other errors are logged and dropped, since tasks own
// their persistent state.
type Pool struct {
	queue  *Queue
	logger log.Logger

	Workers    int
	MaxRetries int
	Backoff    time.Duration
}

// NewPool wires a pool over the queue with default sizing.
func NewPool(q *Queue, logger log.Logger) *Pool {
	return &Pool{
		queue:      q,
		logger:     logger,
		Workers:    4,
		MaxRetries: 5,
		Backoff:    10 * time.Second,
	}
}

// Run starts the workers and blocks until the context is cancelled
// and the workers have drained their in-flight tasks.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.Workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p.work(ctx, log.With(p.logger, "worker", i))
		}(i)
	}
	wg.Wait()
}

func (p *Pool) work(ctx context.Context, logger log.Logger) {
	for {
		queueLength.Set(float64(p.queue.Len()))
		select {
		case <-ctx.Done():
			return
		case task := <-p.queue.Ready():
			p.execute(ctx, logger, task, 0)
		}
	}
}

func (p *Pool) execute(ctx context.Context, logger log.Logger, task *Task, attempt int) {
	start := time.Now()
	err := task.Do(ctx, log.With(logger, "task", task.Name))
	taskDuration.With("task", task.Name, "success", success(err)).Observe(time.Since(start).Seconds())
	if err == nil {
		return
	}
	if !conderr.Retryable(err) || attempt >= p.MaxRetries {
		logger.Log("task", task.Name, "attempt", attempt, "err", err)
		return
	}
	logger.Log("task", task.Name, "attempt", attempt, "retrying", true, "err", err)
	select {
	case <-time.After(p.Backoff * time.Duration(attempt+1)):
	case <-ctx.Done():
		return
	}
	p.execute(ctx, logger, task, attempt+1)
}

func success(err error) string {
	if err == nil {
		return "true"
	}
	return "false"
}
