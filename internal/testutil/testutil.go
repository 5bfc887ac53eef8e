// Package testutil provides processors and helpers shared by package tests.
package testutil

import (
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/shaban/audiocore/engine/graph"
	"github.com/shaban/audiocore/engine/param"
	"github.com/shaban/audiocore/engine/plugin"
	"github.com/shaban/audiocore/engine/spec"
)

// SkipUnlessEnv skips the test unless the given env var equals the wanted value.
func SkipUnlessEnv(t *testing.T, key, want string) {
	t.Helper()
	if os.Getenv(key) != want {
		t.Skipf("skipped: set %s=%s to run", key, want)
	}
}

// IsCI reports whether running under common CI environments.
func IsCI() bool {
	return os.Getenv("CI") == "true" || os.Getenv("GITHUB_ACTIONS") == "true"
}

// SmallSpec returns a default AudioSpec tuned for faster tests.
func SmallSpec() spec.AudioSpec {
	s := spec.Default()
	s.BufferSize = 64
	return s
}

const (
	RecorderID = "test.recorder"
	FaultID    = "test.fault"
	ConstID    = "test.const"
)

// ErrInjected is returned by the faulting processor.
var ErrInjected = errors.New("injected fault")

// RecorderParams gives the recorder two parameters to automate.
var RecorderParams = []param.Info{
	{Name: "A", Min: 0, Max: 1, Default: 0},
	{Name: "B", Min: -10, Max: 10, Default: 0},
}

// ConstParams sets the level of the constant source.
var ConstParams = []param.Info{
	{Name: "Level", Min: -1, Max: 1, Default: 0.5},
}

// Register adds the test processors to r.
func Register(r *plugin.Registry) error {
	return errors.Join(
		r.Register(plugin.Descriptor{ID: RecorderID, Name: "Recorder", Kind: plugin.KindEffect,
			AudioIn: 1, AudioOut: 1, EventIn: 1, EventOut: 1, Params: RecorderParams},
			func(d plugin.Descriptor) (plugin.Instance, error) { return &Recorder{desc: d}, nil }),
		r.Register(plugin.Descriptor{ID: FaultID, Name: "Fault", Kind: plugin.KindEffect,
			AudioIn: 1, AudioOut: 1, EventIn: 1},
			func(d plugin.Descriptor) (plugin.Instance, error) { return &Faulty{desc: d, FailAt: 1}, nil }),
		r.Register(plugin.Descriptor{ID: ConstID, Name: "Const", Kind: plugin.KindInstrument,
			AudioOut: 1, EventIn: 1, Params: ConstParams},
			func(d plugin.Descriptor) (plugin.Instance, error) { return &Const{desc: d}, nil }),
	)
}

// NewRegistry returns a registry with built-ins and test processors.
func NewRegistry() *plugin.Registry {
	r := plugin.NewRegistry()
	if err := Register(r); err != nil {
		panic(err)
	}
	return r
}

// Block is what the recorder saw in one Process call.
type Block struct {
	Frames int
	Events []plugin.Event
	Sample int64
}

// Recorder passes audio through and remembers every event it receives.
type Recorder struct {
	desc plugin.Descriptor

	mu     sync.Mutex
	blocks []Block
}

func (r *Recorder) Descriptor() plugin.Descriptor { return r.desc }
func (r *Recorder) Activate(float64, int) error { return nil }
func (r *Recorder) Deactivate() {}
func (r *Recorder) Release() {}

func (r *Recorder) Process(ctx *plugin.ProcessContext) error {
	for i, out := range ctx.Outputs {
		if i < len(ctx.Inputs) {
			out.CopyFrom(ctx.Inputs[i])
		}
	}
	r.mu.Lock()
	r.blocks = append(r.blocks, Block{
		Frames: ctx.Frames,
		Events: append([]plugin.Event(nil), ctx.InEvents.All()...),
		Sample: ctx.Transport.Sample,
	})
	r.mu.Unlock()
	return nil
}

// Blocks returns a copy of everything recorded so far.
func (r *Recorder) Blocks() []Block {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Block(nil), r.blocks...)
}

// Events returns all recorded events of the given kind, in order.
func (r *Recorder) Events(kind plugin.EventKind) []plugin.Event {
	var out []plugin.Event
	for _, b := range r.Blocks() {
		for _, ev := range b.Events {
			if ev.Kind == kind {
				out = append(out, ev)
			}
		}
	}
	return out
}

// Faulty passes audio through until its FailAt-th call (counting from one),
// which returns ErrInjected. Reset rearms it only when Rearm is set. Delay
// makes every call sleep.
type Faulty struct {
	desc   plugin.Descriptor
	FailAt int
	Panic  bool
	Rearm  bool
	Delay  time.Duration

	mu    sync.Mutex
	calls int
}

func (f *Faulty) Descriptor() plugin.Descriptor { return f.desc }
func (f *Faulty) Activate(float64, int) error { return nil }
func (f *Faulty) Deactivate() {}
func (f *Faulty) Release() {}

func (f *Faulty) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.Rearm {
		f.FailAt = 0
	}
	f.calls = 0
}

// Calls returns how many Process calls reached the processor.
func (f *Faulty) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *Faulty) Process(ctx *plugin.ProcessContext) error {
	f.mu.Lock()
	f.calls++
	fail := f.FailAt > 0 && f.calls == f.FailAt
	f.mu.Unlock()
	if f.Delay > 0 {
		time.Sleep(f.Delay)
	}
	for i, out := range ctx.Outputs {
		if i < len(ctx.Inputs) {
			out.CopyFrom(ctx.Inputs[i])
		}
	}
	if fail {
		if f.Panic {
			panic("faulty processor")
		}
		return ErrInjected
	}
	return nil
}

// Const writes its level parameter to every output sample.
type Const struct {
	desc  plugin.Descriptor
	level float32
	init  bool
}

func (c *Const) Descriptor() plugin.Descriptor { return c.desc }
func (c *Const) Activate(float64, int) error { return nil }
func (c *Const) Deactivate() {}
func (c *Const) Release() {}

func (c *Const) Process(ctx *plugin.ProcessContext) error {
	if !c.init {
		c.level = float32(ctx.Params.Value(0))
		c.init = true
	}
	pos := 0
	for _, ev := range ctx.InEvents.All() {
		if ev.Kind != plugin.EventParam {
			continue
		}
		c.fill(ctx, pos, int(ev.Offset))
		pos = int(ev.Offset)
		c.level = float32(ev.ParamValue)
	}
	c.fill(ctx, pos, ctx.Frames)
	return nil
}

func (c *Const) fill(ctx *plugin.ProcessContext, from, to int) {
	for _, out := range ctx.Outputs {
		for _, ch := range out {
			for i := from; i < to; i++ {
				ch[i] = c.level
			}
		}
	}
}

// AddNode loads and activates processor id and adds it to g. It fails the
// test on load or activation errors.
func AddNode(t testing.TB, g *graph.Graph, r *plugin.Registry, id, name string) *graph.Node {
	t.Helper()
	desc, ok := r.Lookup(id)
	if !ok {
		t.Fatalf("unknown processor %s", id)
	}
	h := plugin.NewHost(r)
	if err := h.Load(desc); err != nil {
		t.Fatalf("load %s: %v", id, err)
	}
	if err := h.Activate(48000, g.Config().MaxBlockSize); err != nil {
		t.Fatalf("activate %s: %v", id, err)
	}
	return g.AddNode(graph.Spec{Name: name, Host: h, Params: param.NewBank(h.Descriptor().Params)})
}

// Wire connects audio port 0 of from to audio port 0 of to.
func Wire(t testing.TB, g *graph.Graph, from, to *graph.Node) {
	t.Helper()
	err := g.Connect(graph.Connection{Type: graph.PortAudio,
		From: graph.Endpoint{Node: from.ID}, To: graph.Endpoint{Node: to.ID}})
	if err != nil {
		t.Fatalf("connect %s -> %s: %v", from.Name, to.Name, err)
	}
}

// Fill sets every sample of b to v.
func Fill(b plugin.Bus, v float32) {
	for _, ch := range b {
		for i := range ch {
			ch[i] = v
		}
	}
}
