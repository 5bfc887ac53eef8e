// Package sched runs a graph snapshot once per audio block.
package sched

import (
	"github.com/shaban/audiocore/engine/graph"
	"github.com/shaban/audiocore/engine/param"
	"github.com/shaban/audiocore/engine/plugin"
)

// Segment is a stretch of a block with contiguous transport positions.
// A block splits into several segments when the loop wraps inside it.
type Segment struct {
	Offset int
	Frames int
	Sample int64
}

// Block describes one invocation of RunBlock.
type Block struct {
	Frames     int
	SampleRate float64
	Transport  plugin.TransportInfo
	Device     plugin.Bus
	// Broadcast events reach every node with an event input.
	Broadcast *plugin.EventList
	// Segments drive automation; empty while the transport is stopped.
	Segments []Segment
}

// FaultFunc is called on the audio thread when a node faults. It must not
// block.
type FaultFunc func(id graph.NodeID)

// Scheduler executes snapshots. It keeps no per-graph state, so a new
// snapshot can be swapped in between any two blocks.
type Scheduler struct {
	onFault FaultFunc
}

// New creates a scheduler.
func New(onFault FaultFunc) *Scheduler {
	return &Scheduler{onFault: onFault}
}

// RunBlock executes every step of s in order. It does not allocate, lock
// or block.
func (sc *Scheduler) RunBlock(s *graph.Snapshot, b *Block) {
	if s == nil {
		return
	}
	for i := range s.Steps {
		st := &s.Steps[i]
		st.Resize(b.Frames)
		gatherAudio(s, st)
		gatherEvents(s, st, b)

		n := st.Node
		switch {
		case n.Host == nil || n.Host.Faulted():
			silence(st)
		case n.Bypassed():
			bypass(st)
		default:
			st.Ctx.Frames = b.Frames
			st.Ctx.SampleRate = b.SampleRate
			st.Ctx.Transport = b.Transport
			st.Ctx.Device = b.Device
			if err := n.Host.Process(&st.Ctx); err != nil {
				silence(st)
				if sc.onFault != nil {
					sc.onFault(n.ID)
				}
			}
		}
	}
}

func gatherAudio(s *graph.Snapshot, st *graph.Step) {
	for p, bus := range st.Inputs {
		bus.Zero()
		for _, src := range st.AudioSrc[p] {
			from := s.Steps[src.Step].Outputs[src.Port]
			for c, ch := range bus {
				if c >= len(from) {
					break
				}
				in := from[c]
				for i := range ch {
					ch[i] += in[i]
				}
			}
		}
	}
}

func gatherEvents(s *graph.Snapshot, st *graph.Step, b *Block) {
	in := st.InEvents
	in.Reset()
	st.OutEvents.Reset()
	for _, es := range st.EventSrc {
		for _, ev := range s.Steps[es.Step].OutEvents.All() {
			if int(ev.Port) != es.Port {
				continue
			}
			ev.Port = uint16(es.DstPort)
			in.Push(ev)
		}
	}
	if st.Node.EventIn > 0 && b.Broadcast != nil {
		in.CopyFrom(b.Broadcast)
	}
	if !in.CopyFrom(st.Node.Pending) {
		st.Node.Resync = true
	}
	st.Node.Pending.Reset()
	if st.Node.Resync {
		st.Node.Resync = !resync(st.Node.Params, in)
	}
	for c := range st.Cursors {
		for _, seg := range b.Segments {
			st.Cursors[c].Emit(seg.Sample, seg.Offset, seg.Frames, in)
		}
	}
	in.ClampOffsets(b.Frames)
	in.Sort()
}

// resync replaces the queued changes of every parameter with its stored
// value at the start of the block. It reports whether all values fit.
func resync(b *param.Bank, in *plugin.EventList) bool {
	ok := true
	for i := 0; i < b.Len(); i++ {
		in.RemoveParam(int32(i))
		if !in.Push(plugin.ParamChange(0, i, b.Value(i))) {
			ok = false
		}
	}
	return ok
}

func silence(st *graph.Step) {
	for _, bus := range st.Outputs {
		bus.Zero()
	}
	st.OutEvents.Reset()
}

func bypass(st *graph.Step) {
	for p, bus := range st.Outputs {
		if p < len(st.Inputs) {
			bus.CopyFrom(st.Inputs[p])
		} else {
			bus.Zero()
		}
	}
	st.OutEvents.CopyFrom(st.InEvents)
}
