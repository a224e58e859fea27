// Package queue provides the coordinator's in-memory work queue and
// the worker pool that drains it. Tasks are closures with a name; the
// workers retry tasks whose errors are classed retryable.
package queue

import (
	"context"
	"sync"

	"github.com/go-kit/kit/log"
)

// TaskFunc does the work of one task.
type TaskFunc func(ctx context.Context, logger log.Logger) error

// Task is one unit of queued work. Name shows up in logs and metrics,
// so keep it a low-cardinality label like "poll-build" or
// "schedule-runs".
type Task struct {
	Name string
	Do   TaskFunc
}

// Queue is an unbounded queue of tasks; enqueuing always proceeds,
// while dequeuing is done by receiving from Ready(). Tasks are handed
// out in FIFO order.
type Queue struct {
	ready       chan *Task
	incoming    chan *Task
	waiting     []*Task
	waitingLock sync.Mutex
	sync        chan struct{}
}

// NewQueue starts the queue's loop; it stops when stop is closed.
func NewQueue(stop <-chan struct{}, wg *sync.WaitGroup) *Queue {
	q := &Queue{
		ready:    make(chan *Task),
		incoming: make(chan *Task),
		waiting:  make([]*Task, 0),
		sync:     make(chan struct{}),
	}
	wg.Add(1)
	go q.loop(stop, wg)
	return q
}

// Len is not guaranteed to be up-to-date; it is possible to receive
// from Ready() or enqueue an item, then see the same length as
// before, temporarily.
func (q *Queue) Len() int {
	q.waitingLock.Lock()
	defer q.waitingLock.Unlock()
	return len(q.waiting)
}

// Enqueue puts a task onto the queue. It blocks until the queue's
// loop can accept the task, which does not depend on a task being
// dequeued and will always proceed eventually.
func (q *Queue) Enqueue(t *Task) {
	q.incoming <- t
}

// Ready returns the channel workers dequeue from.
func (q *Queue) Ready() <-chan *Task {
	return q.ready
}

// Sync blocks until any previous operations have completed. Only
// meaningful when driving the queue from a single goroutine, so it is
// really only useful for testing.
func (q *Queue) Sync() {
	q.sync <- struct{}{}
}

func (q *Queue) loop(stop <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		var out chan *Task = nil
		if len(q.waiting) > 0 {
			out = q.ready
		}

		select {
		case <-stop:
			return
		case <-q.sync:
			continue
		case in := <-q.incoming:
			q.waitingLock.Lock()
			q.waiting = append(q.waiting, in)
			q.waitingLock.Unlock()
		case out <- q.nextOrNil(): // cannot proceed if out is nil
			q.waitingLock.Lock()
			q.waiting = q.waiting[1:]
			q.waitingLock.Unlock()
		}
	}
}

func (q *Queue) nextOrNil() *Task {
	q.waitingLock.Lock()
	defer q.waitingLock.Unlock()
	if len(q.waiting) > 0 {
		return q.waiting[0]
	}
	return nil
}
