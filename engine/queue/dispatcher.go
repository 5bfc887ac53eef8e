package queue

import (
	"context"
	"fmt"

	"github.com/shaban/audiocore/engine"
	"github.com/shaban/audiocore/engine/graph"
)

// EditFunc mutates the graph and returns the nodes it removed.
type EditFunc func(g *graph.Graph) (removed []*graph.Node, err error)

// Dispatcher applies graph edits via a Queue and publishes the resulting
// snapshot to the core. Call Start once, and Close when done.
type Dispatcher struct {
	Graph *graph.Graph
	Core  *engine.Core
	Q     *Queue

	// removed nodes whose snapshot failed to publish; worker-owned
	unpublished []*graph.Node
}

func NewDispatcher(g *graph.Graph, core *engine.Core, q *Queue) *Dispatcher {
	if q == nil {
		q = New(32)
	}
	return &Dispatcher{Graph: g, Core: core, Q: q}
}

func (d *Dispatcher) Start() { d.Q.Start() }
func (d *Dispatcher) Close() { d.Q.Close() }

// Enqueue schedules an arbitrary operation on the dispatcher's worker,
// serialized with graph edits.
func (d *Dispatcher) Enqueue(op Op) error {
	if d == nil || d.Q == nil {
		return nil
	}
	return d.Q.Enqueue(op)
}

// RunSync enqueues fn and waits for it to complete, returning its error.
func (d *Dispatcher) RunSync(ctx context.Context, fn Func) error {
	if d == nil || d.Q == nil {
		return fn(ctx)
	}
	return d.Q.Do(ctx, fn)
}

// Edit runs fn on the worker. When fn succeeds the new snapshot is
// published and nodes retired by earlier edits are reclaimed once the
// audio thread has acknowledged their removal. A failed fn must leave the
// graph unchanged.
func (d *Dispatcher) Edit(ctx context.Context, fn EditFunc) error {
	return d.RunSync(ctx, func(qctx context.Context) error {
		removed, err := fn(d.Graph)
		if err != nil {
			return err
		}
		return d.publish(qctx, removed)
	})
}

func (d *Dispatcher) publish(ctx context.Context, removed []*graph.Node) error {
	retired := append(d.unpublished, removed...)
	if err := d.Core.Publish(ctx, d.Graph.Snapshot(), retired...); err != nil {
		d.unpublished = retired
		return fmt.Errorf("publish snapshot: %w", err)
	}
	d.unpublished = nil
	d.Core.Reclaim()
	return nil
}

// Connect links two ports.
func (d *Dispatcher) Connect(ctx context.Context, c graph.Connection) error {
	return d.Edit(ctx, func(g *graph.Graph) ([]*graph.Node, error) {
		return nil, g.Connect(c)
	})
}

// Disconnect removes a link.
func (d *Dispatcher) Disconnect(ctx context.Context, c graph.Connection) error {
	return d.Edit(ctx, func(g *graph.Graph) ([]*graph.Node, error) {
		return nil, g.Disconnect(c)
	})
}

// Remove detaches node id with all its connections and lanes.
func (d *Dispatcher) Remove(ctx context.Context, id graph.NodeID) error {
	return d.Edit(ctx, func(g *graph.Graph) ([]*graph.Node, error) {
		n, err := g.RemoveNode(id)
		if err != nil {
			return nil, err
		}
		return []*graph.Node{n}, nil
	})
}
