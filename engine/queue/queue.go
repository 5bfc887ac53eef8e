// Package queue serializes control-side work onto one goroutine so graph
// edits never race each other.
package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrClosed         = errors.New("queue closed")
	ErrNotInitialized = errors.New("queue not initialized")
	ErrStarted        = errors.New("queue already started")
)

// Op is one serialized operation. It should be quick; heavy work belongs
// in the caller before enqueueing. The context is canceled on shutdown.
// Idempotent no-ops return nil.
type Op interface {
	Apply(ctx context.Context) error
}

// Func adapts a function into an Op.
type Func func(ctx context.Context) error

func (f Func) Apply(ctx context.Context) error { return f(ctx) }

// Queue runs operations in order on a single worker.
type Queue struct {
	ch      chan Op
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	started atomic.Bool
	onError func(error)
}

// New creates a queue with a fixed buffer.
func New(buffer int) *Queue {
	if buffer <= 0 {
		buffer = 32
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{ch: make(chan Op, buffer), ctx: ctx, cancel: cancel}
}

// OnError installs a callback for errors returned by enqueued operations.
// Set it before Start.
func (q *Queue) OnError(fn func(error)) { q.onError = fn }

// Start begins the worker goroutine. Safe to call multiple times.
func (q *Queue) Start() {
	if !q.started.CompareAndSwap(false, true) {
		return
	}
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		q.loop()
	}()
}

// Run is Start for callers that own the goroutine, such as an errgroup.
// It returns when ctx is canceled or the queue is closed.
func (q *Queue) Run(ctx context.Context) error {
	if !q.started.CompareAndSwap(false, true) {
		return ErrStarted
	}
	q.wg.Add(1)
	defer q.wg.Done()
	stop := context.AfterFunc(ctx, q.cancel)
	defer stop()
	q.loop()
	return nil
}

func (q *Queue) loop() {
	for {
		select {
		case <-q.ctx.Done():
			// best-effort drain with a short deadline
			drainUntil := time.After(10 * time.Millisecond)
			for {
				select {
				case op := <-q.ch:
					q.apply(op)
				case <-drainUntil:
					return
				default:
					return
				}
			}
		case op := <-q.ch:
			q.apply(op)
		}
	}
}

func (q *Queue) apply(op Op) {
	if op == nil {
		return
	}
	if err := op.Apply(q.ctx); err != nil && q.onError != nil {
		q.onError(err)
	}
}

// Enqueue adds an operation to the queue, blocking while it is full.
func (q *Queue) Enqueue(op Op) error {
	if q == nil || q.ch == nil {
		return ErrNotInitialized
	}
	if q.ctx.Err() != nil {
		return ErrClosed
	}
	select {
	case q.ch <- op:
		return nil
	case <-q.ctx.Done():
		return ErrClosed
	}
}

// Do enqueues op and waits for its result. Errors go to the caller only,
// not to the OnError callback. Do must not be called from inside an op.
func (q *Queue) Do(ctx context.Context, op Op) error {
	done := make(chan error, 1)
	if err := q.Enqueue(Func(func(c context.Context) error {
		done <- op.Apply(c)
		return nil
	})); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-q.ctx.Done():
		q.wg.Wait()
		select {
		case err := <-done:
			return err
		default:
			return ErrClosed
		}
	}
}

// Close stops the worker and waits for it to finish.
func (q *Queue) Close() {
	if q == nil {
		return
	}
	q.cancel()
	q.wg.Wait()
}
