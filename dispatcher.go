package audiocore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shaban/audiocore/engine/graph"
	"github.com/shaban/audiocore/engine/queue"
)

// OperationType represents the type of dispatcher operation
type OperationType string

const (
	OpAddNode        OperationType = "add_node"
	OpRemoveNode     OperationType = "remove_node"
	OpConnect        OperationType = "connect"
	OpDisconnect     OperationType = "disconnect"
	OpSetBypass      OperationType = "set_bypass"
	OpSetAutomation  OperationType = "set_automation"
	OpCreateChannel  OperationType = "create_channel"
	OpRemoveChannel  OperationType = "remove_channel"
	OpAddPlugin      OperationType = "add_plugin"
	OpRemovePlugin   OperationType = "remove_plugin"
	OpConnectChannel OperationType = "connect_channels"
	OpRestore        OperationType = "restore"
)

// Dispatcher serializes topology changes on one worker so they stay
// glitch-free: every edit builds a new snapshot that the audio thread
// swaps in at a block boundary.
type Dispatcher struct {
	engine *Engine
	inner  *queue.Dispatcher

	mu sync.RWMutex
	// Performance tracking
	lastOperationDuration time.Duration
	maxOperationDuration  time.Duration
	target                time.Duration
	counts                map[OperationType]uint64
}

// NewDispatcher creates a dispatcher for e. Its worker runs once Run is
// called.
func NewDispatcher(e *Engine) *Dispatcher {
	q := queue.New(100)
	q.OnError(e.errorHandler.HandleError)
	return &Dispatcher{
		engine: e,
		inner:  queue.NewDispatcher(e.graph, e.core, q),
		target: 300 * time.Millisecond,
		counts: make(map[OperationType]uint64),
	}
}

// Run drives the worker until ctx is canceled.
func (d *Dispatcher) Run(ctx context.Context) error { return d.inner.Q.Run(ctx) }

// SetTarget changes the duration above which an operation is reported.
func (d *Dispatcher) SetTarget(target time.Duration) {
	d.mu.Lock()
	d.target = target
	d.mu.Unlock()
}

// GetPerformanceStats returns dispatcher performance statistics
func (d *Dispatcher) GetPerformanceStats() (lastDuration, maxDuration time.Duration) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastOperationDuration, d.maxOperationDuration
}

// Operations returns how many operations of each type completed.
func (d *Dispatcher) Operations() map[OperationType]uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[OperationType]uint64, len(d.counts))
	for k, v := range d.counts {
		out[k] = v
	}
	return out
}

func (d *Dispatcher) track(op OperationType, duration time.Duration) {
	d.mu.Lock()
	d.lastOperationDuration = duration
	if duration > d.maxOperationDuration {
		d.maxOperationDuration = duration
	}
	d.counts[op]++
	target := d.target
	d.mu.Unlock()

	if target > 0 && duration > target {
		d.engine.errorHandler.HandleError(
			fmt.Errorf("topology change %s took %v, target is %v", op, duration, target))
	}
}

// Edit runs fn on the worker and publishes the resulting snapshot. A
// failing fn must leave the graph unchanged.
func (d *Dispatcher) Edit(ctx context.Context, op OperationType, fn queue.EditFunc) error {
	start := time.Now()
	err := d.inner.Edit(ctx, fn)
	if errors.Is(err, queue.ErrClosed) {
		return ErrClosed
	}
	d.track(op, time.Since(start))
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Query runs fn on the worker without publishing, so it sees the graph
// between edits.
func (d *Dispatcher) Query(ctx context.Context, fn func(g *graph.Graph) error) error {
	err := d.inner.RunSync(ctx, func(context.Context) error { return fn(d.inner.Graph) })
	if errors.Is(err, queue.ErrClosed) {
		return ErrClosed
	}
	return err
}
