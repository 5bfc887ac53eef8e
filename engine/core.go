// Package engine holds the real-time core: the audio callback and the
// control-side calls that feed it.
//
// The audio thread owns everything reachable from Core.Process. The
// control side talks to it only through the control channel and reads
// back published transport state, notes and meters. Nodes removed from the
// graph stay alive until the audio thread acknowledges a snapshot that no
// longer references them; Reclaim then releases them.
package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shaban/audiocore/engine/capture"
	"github.com/shaban/audiocore/engine/control"
	"github.com/shaban/audiocore/engine/graph"
	"github.com/shaban/audiocore/engine/mixer"
	"github.com/shaban/audiocore/engine/plugin"
	"github.com/shaban/audiocore/engine/sched"
	"github.com/shaban/audiocore/engine/spec"
	"github.com/shaban/audiocore/engine/transport"
)

const maxWraps = 64

// Config sizes a Core.
type Config struct {
	Spec     spec.AudioSpec
	Capacity control.Capacity
	// CaptureFrames and CaptureChunks size the recording buffer.
	CaptureFrames int
	CaptureChunks int
	// Tempo is the initial tempo map; 120 BPM 4/4 when nil.
	Tempo *transport.TempoMap
}

// Core is the real-time engine. Process is the audio callback; every other
// method belongs to the control side.
type Core struct {
	spec     spec.AudioSpec
	ch       *control.Channel
	tr       *transport.Transport
	sc       *sched.Scheduler
	master   *mixer.Master
	capture  *capture.Buffer
	maxBlock int

	// audio-owned
	snap        *graph.Snapshot
	block       sched.Block
	broadcast   *plugin.EventList
	wraps       []transport.Wrap
	segments    []sched.Segment
	device      plugin.Bus
	deviceFull  [][]float32
	carryWrap   bool
	carrySample int64
	recording   bool

	busy      atomic.Bool
	streaming atomic.Bool
	ack       atomic.Uint64
	overruns  atomic.Uint64
	callbacks atomic.Uint64

	mu      sync.Mutex // control side
	retired []retirement
	live    *graph.Snapshot
}

type retirement struct {
	epoch uint64
	nodes []*graph.Node
}

// New creates a stopped core with an empty graph.
func New(cfg Config) (*Core, error) {
	if err := cfg.Spec.Validate(); err != nil {
		return nil, err
	}
	tempo := cfg.Tempo
	if tempo == nil {
		var err error
		if tempo, err = transport.ConstantTempo(cfg.Spec.SampleRate, 120); err != nil {
			return nil, err
		}
	}
	channels := cfg.Spec.ChannelCount
	c := &Core{
		spec:      cfg.Spec,
		ch:        control.New(cfg.Capacity),
		tr:        transport.New(tempo),
		master:    mixer.NewMaster(channels),
		capture:   capture.New(channels, cfg.CaptureFrames, cfg.CaptureChunks),
		maxBlock:  cfg.Spec.BufferSize,
		broadcast: plugin.NewEventList(maxWraps + 8),
		wraps:     make([]transport.Wrap, 0, maxWraps),
		segments:  make([]sched.Segment, 0, maxWraps+1),
	}
	c.sc = sched.New(c.fault)
	c.device = make(plugin.Bus, channels)
	c.deviceFull = make([][]float32, channels)
	for i := range c.deviceFull {
		c.deviceFull[i] = make([]float32, c.maxBlock)
	}
	return c, nil
}

// Spec returns the stream format.
func (c *Core) Spec() spec.AudioSpec { return c.spec }

// Master returns the master section.
func (c *Core) Master() *mixer.Master { return c.master }

// SetStreaming tells the core whether a device or offline renderer is
// calling Process. Pump is a no-op while streaming.
func (c *Core) SetStreaming(on bool) { c.streaming.Store(on) }

// Streaming reports the flag set by SetStreaming.
func (c *Core) Streaming() bool { return c.streaming.Load() }

// Process renders frames of interleaved output into out from interleaved
// device input in, which may be nil. Callbacks larger than the block size
// are rendered in several blocks. It does not allocate, lock or block.
func (c *Core) Process(in, out []float32, frames int) {
	if !c.busy.CompareAndSwap(false, true) {
		clear(out)
		return
	}
	defer c.busy.Store(false)

	start := time.Now()
	c.drain()
	if frames <= 0 {
		return
	}
	channels := c.spec.ChannelCount
	for done := 0; done < frames; {
		n := min(frames-done, c.maxBlock)
		var blockIn []float32
		if len(in) >= (done+n)*channels {
			blockIn = in[done*channels : (done+n)*channels]
		}
		var blockOut []float32
		if len(out) >= (done+n)*channels {
			blockOut = out[done*channels : (done+n)*channels]
		}
		c.render(blockIn, blockOut, n)
		done += n
	}
	c.ch.PublishMeter(c.master.TakeMeter(c.tr.Sample()))
	c.callbacks.Add(1)

	elapsed := time.Since(start)
	deadline := time.Duration(float64(frames) / c.spec.SampleRate * float64(time.Second))
	if elapsed > deadline {
		c.overruns.Add(1)
		c.ch.Notify(control.Note{Kind: control.NoteOverrun, Epoch: c.ack.Load(),
			Sample: c.tr.Sample(), Frames: frames, Elapsed: elapsed, Deadline: deadline})
	}
}

// drain applies every queued command in arrival order.
func (c *Core) drain() {
	moved := false
	for {
		cmd, ok := c.ch.Receive()
		if !ok {
			break
		}
		switch cmd.Kind {
		case control.CmdSwap:
			c.snap = cmd.Snapshot
			if c.snap != nil {
				c.ack.Store(c.snap.Epoch)
			}
		case control.CmdTransport:
			c.tr.Apply(cmd.Transport)
			moved = true
		case control.CmdParam:
			if st, ok := c.step(cmd.Node); ok && !st.Node.Pending.Push(cmd.Event) {
				st.Node.Resync = true
			}
		case control.CmdMIDI:
			if st, ok := c.step(cmd.Node); ok {
				st.Node.Pending.Push(cmd.Event)
			}
		case control.CmdReset:
			if st, ok := c.step(cmd.Node); ok && st.Node.Host != nil && st.Node.Host.Reset() {
				c.ch.Notify(control.Note{Kind: control.NoteReset, Node: cmd.Node, Epoch: c.ack.Load(), Sample: c.tr.Sample()})
			}
		}
	}
	if moved {
		c.carryWrap = false
		c.rewind()
		// only the latest transport state reaches the next block
		c.broadcast.RemoveKind(plugin.EventTransport)
		c.broadcast.Push(plugin.Event{Kind: plugin.EventTransport, Sample: c.tr.Sample(), Value: rolling(c.tr.CurrentMode())})
	}
}

func rolling(m transport.Mode) float32 {
	if m.Rolling() {
		return 1
	}
	return 0
}

func (c *Core) step(id graph.NodeID) (*graph.Step, bool) {
	if c.snap == nil {
		return nil, false
	}
	return c.snap.Step(id)
}

// rewind makes every automation cursor emit its current value again.
func (c *Core) rewind() {
	if c.snap == nil {
		return
	}
	for i := range c.snap.Steps {
		for j := range c.snap.Steps[i].Cursors {
			c.snap.Steps[i].Cursors[j].Rewind()
		}
	}
}

func (c *Core) render(in, out []float32, frames int) {
	mode := c.tr.CurrentMode()
	startPos := c.tr.Sample()
	loop := c.tr.CurrentLoop()

	if c.carryWrap && mode.Rolling() {
		c.broadcast.Push(plugin.Event{Kind: plugin.EventLoopWrap, Sample: c.carrySample})
	}
	c.carryWrap = false

	c.wraps = c.tr.Advance(frames, c.wraps[:0])
	c.segments = c.segments[:0]
	if mode.Rolling() {
		off, pos := 0, startPos
		for _, w := range c.wraps {
			if w.Offset > off {
				c.segments = append(c.segments, sched.Segment{Offset: off, Frames: w.Offset - off, Sample: pos})
			}
			if w.Offset >= frames {
				c.carryWrap, c.carrySample = true, w.Sample
			} else {
				c.broadcast.Push(plugin.Event{Kind: plugin.EventLoopWrap, Offset: uint32(w.Offset), Sample: w.Sample})
			}
			off, pos = w.Offset, w.Sample
		}
		if off < frames {
			c.segments = append(c.segments, sched.Segment{Offset: off, Frames: frames - off, Sample: pos})
		}
	}

	c.deinterleave(in, frames)
	tempo := c.tr.Tempo()
	c.block = sched.Block{
		Frames:     frames,
		SampleRate: c.spec.SampleRate,
		Transport: plugin.TransportInfo{
			Sample:    startPos,
			Tempo:     tempo.TempoAt(startPos),
			Beats:     tempo.BeatsAt(startPos),
			Playing:   mode.Rolling(),
			Recording: mode == transport.Recording,
			Looping:   loop.Enabled,
			LoopStart: loop.Start,
			LoopEnd:   loop.End,
		},
		Device:    c.device,
		Broadcast: c.broadcast,
		Segments:  c.segments,
	}
	c.sc.RunBlock(c.snap, &c.block)
	c.broadcast.Reset()

	if out == nil {
		return
	}
	c.master.Mix(c.snap, out, frames)

	if mode == transport.Recording {
		c.recording = true
		channels := c.spec.ChannelCount
		for _, seg := range c.segments {
			c.capture.Write(seg.Sample, out[seg.Offset*channels:(seg.Offset+seg.Frames)*channels], seg.Frames)
		}
	} else if c.recording {
		c.recording = false
		c.capture.Flush()
	}
}

func (c *Core) deinterleave(in []float32, frames int) {
	channels := len(c.device)
	for ch := range c.device {
		c.device[ch] = c.deviceFull[ch][:frames]
		if in == nil {
			clear(c.device[ch])
			continue
		}
		dst := c.device[ch]
		for i := range dst {
			dst[i] = in[i*channels+ch]
		}
	}
}

func (c *Core) fault(id graph.NodeID) {
	c.ch.Notify(control.Note{Kind: control.NoteFault, Node: id, Epoch: c.ack.Load(), Sample: c.tr.Sample()})
}

// Watch routes slow-call reports of n's host to the note ring. Call it
// before n is first published.
func (c *Core) Watch(n *graph.Node) {
	if n.Host == nil {
		return
	}
	id := n.ID
	n.Host.SetSlowFunc(func(_ *plugin.Host, elapsed time.Duration) {
		c.ch.Notify(control.Note{Kind: control.NoteSlowPlugin, Node: id, Epoch: c.ack.Load(), Elapsed: elapsed})
	})
}

// send queues cmd, pumping the queue itself when no device drains it.
func (c *Core) send(ctx context.Context, cmd control.Command) error {
	if c.ch.TrySend(cmd) {
		return nil
	}
	if c.Pump() && c.ch.TrySend(cmd) {
		return nil
	}
	return c.ch.Send(ctx, cmd)
}

// Publish queues s for the audio thread. Nodes in retired must not be part
// of s; they are released by Reclaim once s has been acknowledged.
func (c *Core) Publish(ctx context.Context, s *graph.Snapshot, retired ...*graph.Node) error {
	if err := c.send(ctx, control.Command{Kind: control.CmdSwap, Snapshot: s}); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.live = s
	if len(retired) > 0 {
		c.retired = append(c.retired, retirement{epoch: s.Epoch, nodes: retired})
	}
	return nil
}

// Snapshot returns the most recently published snapshot.
func (c *Core) Snapshot() *graph.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.live
}

// Acked returns the epoch of the snapshot the audio thread runs.
func (c *Core) Acked() uint64 { return c.ack.Load() }

// Reclaim unloads every retired node whose removal the audio thread has
// acknowledged and returns how many it released.
func (c *Core) Reclaim() int {
	ack := c.ack.Load()
	c.mu.Lock()
	var done []*graph.Node
	kept := c.retired[:0]
	for _, r := range c.retired {
		if r.epoch <= ack {
			done = append(done, r.nodes...)
		} else {
			kept = append(kept, r)
		}
	}
	c.retired = kept
	c.mu.Unlock()

	for _, n := range done {
		if n.Host != nil {
			n.Host.Unload()
		}
	}
	return len(done)
}

// Retired returns how many nodes wait for reclamation.
func (c *Core) Retired() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, r := range c.retired {
		n += len(r.nodes)
	}
	return n
}

// Transport validates and queues a transport command.
func (c *Core) Transport(ctx context.Context, cmd transport.Command) error {
	if err := cmd.Validate(); err != nil {
		return err
	}
	return c.send(ctx, control.Command{Kind: control.CmdTransport, Transport: cmd})
}

// QueueParam delivers a parameter change to node id at sample offset of
// the next block. The value should already be clamped by the store.
func (c *Core) QueueParam(ctx context.Context, id graph.NodeID, index int, value float64, offset uint32) error {
	return c.send(ctx, control.Command{Kind: control.CmdParam, Node: id,
		Event: plugin.ParamChange(offset, index, value)})
}

// QueueMIDI delivers a note or controller event to node id.
func (c *Core) QueueMIDI(ctx context.Context, id graph.NodeID, ev plugin.Event) error {
	if !ev.Kind.IsMIDI() {
		return fmt.Errorf("engine: %s is not a MIDI event", ev.Kind)
	}
	return c.send(ctx, control.Command{Kind: control.CmdMIDI, Node: id, Event: ev})
}

// ResetNode clears the fault of node id at the next block boundary.
func (c *Core) ResetNode(ctx context.Context, id graph.NodeID) error {
	return c.send(ctx, control.Command{Kind: control.CmdReset, Node: id})
}

// Pump applies queued commands when no device is running, so control
// calls never pile up. It reports whether it ran.
func (c *Core) Pump() bool {
	if c.streaming.Load() {
		return false
	}
	if c.ch.Pending() == 0 {
		return true
	}
	c.Process(nil, nil, 0)
	return true
}

// DrainNotes hands every queued note to fn.
func (c *Core) DrainNotes(fn func(control.Note)) int { return c.ch.DrainNotes(fn) }

// DrainMeters returns the newest meter record, if any arrived.
func (c *Core) DrainMeters() (mixer.Meter, bool) { return c.ch.LatestMeter() }

// DrainCapture hands recorded chunks to fn in order.
func (c *Core) DrainCapture(fn func(*capture.Chunk) error) error { return c.capture.Drain(fn) }

// CaptureDropped returns how many recorded frames were lost.
func (c *Core) CaptureDropped() uint64 { return c.capture.Dropped() }

// Position returns the published transport position.
func (c *Core) Position() int64 { return c.tr.Position() }

// Mode returns the published transport mode.
func (c *Core) Mode() transport.Mode { return c.tr.Mode() }

// Loop returns the published loop region.
func (c *Core) Loop() transport.Loop { return c.tr.Loop() }

// TempoMap returns the published tempo map.
func (c *Core) TempoMap() *transport.TempoMap { return c.tr.TempoMap() }

// Musical returns the published position in bars and beats.
func (c *Core) Musical() transport.Musical { return c.tr.Musical() }

// Stats is a snapshot of the core counters.
type Stats struct {
	control.Stats
	Callbacks      uint64
	Overruns       uint64
	CaptureDropped uint64
	Epoch          uint64
}

// Stats returns the core counters.
func (c *Core) Stats() Stats {
	return Stats{
		Stats:          c.ch.Stats(),
		Callbacks:      c.callbacks.Load(),
		Overruns:       c.overruns.Load(),
		CaptureDropped: c.capture.Dropped(),
		Epoch:          c.ack.Load(),
	}
}
