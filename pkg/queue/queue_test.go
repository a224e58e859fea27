package queue_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foundriesio/conductor/pkg/conderr"
	"github.com/foundriesio/conductor/pkg/queue"
)

func newQueue(t *testing.T) *queue.Queue {
	t.Helper()
	stop := make(chan struct{})
	wg := &sync.WaitGroup{}
	t.Cleanup(func() {
		close(stop)
		wg.Wait()
	})
	return queue.NewQueue(stop, wg)
}

func TestQueueFIFO(t *testing.T) {
	q := newQueue(t)
	for _, name := range []string{"a", "b", "c"} {
		q.Enqueue(&queue.Task{Name: name})
	}
	q.Sync()
	assert.Equal(t, 3, q.Len())

	for _, want := range []string{"a", "b", "c"} {
		select {
		case task := <-q.Ready():
			assert.Equal(t, want, task.Name)
		case <-time.After(time.Second):
			t.Fatal("queue did not hand out task")
		}
	}
}

func TestPoolRunsTasks(t *testing.T) {
	q := newQueue(t)
	pool := queue.NewPool(q, log.NewNopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(done)
	}()

	var ran int64
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		q.Enqueue(&queue.Task{Name: "count", Do: func(context.Context, log.Logger) error {
			atomic.AddInt64(&ran, 1)
			wg.Done()
			return nil
		}})
	}
	waitDone := make(chan struct{})
	go func() { wg.Wait(); close(waitDone) }()
	select {
	case <-waitDone:
	case <-time.After(5 * time.Second):
		t.Fatal("tasks did not run")
	}
	assert.Equal(t, int64(10), atomic.LoadInt64(&ran))

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not stop")
	}
}

func TestPoolRetriesRetryableErrors(t *testing.T) {
	q := newQueue(t)
	pool := queue.NewPool(q, log.NewNopLogger())
	pool.Backoff = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pool.Run(ctx)

	var attempts int64
	done := make(chan struct{})
	q.Enqueue(&queue.Task{Name: "flaky", Do: func(context.Context, log.Logger) error {
		if atomic.AddInt64(&attempts, 1) < 3 {
			return conderr.Newf(conderr.TransientNetwork, "try again")
		}
		close(done)
		return nil
	}})

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("task was not retried to completion")
	}
	assert.Equal(t, int64(3), atomic.LoadInt64(&attempts))
}

func TestPoolDropsFatalErrors(t *testing.T) {
	q := newQueue(t)
	pool := queue.NewPool(q, log.NewNopLogger())
	pool.Backoff = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pool.Run(ctx)

	var attempts int64
	ran := make(chan struct{}, 1)
	q.Enqueue(&queue.Task{Name: "fatal", Do: func(context.Context, log.Logger) error {
		atomic.AddInt64(&attempts, 1)
		ran <- struct{}{}
		return conderr.Newf(conderr.Authentication, "bad credentials")
	}})

	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("task did not run")
	}
	// give the pool a chance to (wrongly) retry
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(1), atomic.LoadInt64(&attempts))
}

func TestPoolBoundsRetries(t *testing.T) {
	q := newQueue(t)
	pool := queue.NewPool(q, log.NewNopLogger())
	pool.Backoff = time.Millisecond
	pool.MaxRetries = 2

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pool.Run(ctx)

	var attempts int64
	q.Enqueue(&queue.Task{Name: "hopeless", Do: func(context.Context, log.Logger) error {
		atomic.AddInt64(&attempts, 1)
		return conderr.Newf(conderr.LabUnavailable, "down for the week")
	}})

	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&attempts) == 3 // initial try + 2 retries
	}, 5*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(3), atomic.LoadInt64(&attempts))
}
