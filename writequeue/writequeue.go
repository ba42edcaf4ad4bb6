/*
Copyright 2025 Graft Authors
SPDX-License-Identifier: Apache-2.0
*/

// Package writequeue serializes repository write operations through a single
// worker goroutine. Hosting-API writes that each produce their own commit
// race with each other when issued concurrently (every write advances the
// branch head), so callers submit jobs here and the queue guarantees strict
// FIFO execution with an optional pause between consecutive jobs.
package writequeue

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrClosed is returned by Submit after Close has been called.
var ErrClosed = errors.New("writequeue: queue closed")

// Option configures a Queue.
type Option func(*Queue)

// WithDelay sets the pause inserted between consecutive jobs. The first job
// runs immediately.
func WithDelay(d time.Duration) Option {
	return func(q *Queue) {
		q.delay = d
	}
}

// Queue runs submitted jobs one at a time, in submission order.
type Queue struct {
	delay time.Duration

	mu     sync.Mutex
	closed bool

	jobs    chan *job
	stopped chan struct{}
}

type job struct {
	ctx  context.Context
	fn   func(context.Context) error
	done chan error
}

// New starts the queue's worker goroutine. Callers must Close the queue when
// finished with it.
func New(opts ...Option) *Queue {
	q := &Queue{
		jobs:    make(chan *job),
		stopped: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	go q.work()
	return q
}

// Submit hands fn to the worker and blocks until it has run, returning fn's
// error. Jobs submitted from a single goroutine execute in submission order.
// If ctx is cancelled while the job is waiting its turn, Submit returns the
// context error and fn is never invoked.
func (q *Queue) Submit(ctx context.Context, fn func(context.Context) error) error {
	j := &job{ctx: ctx, fn: fn, done: make(chan error, 1)}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	// The send happens under the lock so Close cannot observe an empty
	// queue between our closed-check and the enqueue.
	select {
	case q.jobs <- j:
		q.mu.Unlock()
	case <-ctx.Done():
		q.mu.Unlock()
		return ctx.Err()
	}

	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the worker after it finishes the job in flight. Close is
// idempotent and blocks until the worker has exited.
func (q *Queue) Close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.jobs)
	}
	q.mu.Unlock()
	<-q.stopped
}

func (q *Queue) work() {
	defer close(q.stopped)
	ran := false
	for j := range q.jobs {
		if ran && q.delay > 0 {
			select {
			case <-time.After(q.delay):
			case <-j.ctx.Done():
				j.done <- j.ctx.Err()
				continue
			}
		}
		if err := j.ctx.Err(); err != nil {
			j.done <- err
			continue
		}
		j.done <- j.fn(j.ctx)
		ran = true
	}
}
