// Package mixer holds the gain-staging parts of the engine: the bus
// processor used for tracks and groups, and the master section that sums
// output nodes into the device buffer.
package mixer

import (
	"github.com/shaban/audiocore/engine/param"
	"github.com/shaban/audiocore/engine/plugin"
)

// BusID is the registry id of the mixer bus processor.
const BusID = "mixer.bus"

// MinDB is the bottom of the fader range.
const MinDB = -60.0

// Bus parameter indexes.
const (
	ParamGain = iota
	ParamPan
	ParamMute
)

// BusParams is the parameter layout of a mixer bus.
var BusParams = []param.Info{
	ParamGain: {Name: "Gain", Unit: "dB", Min: MinDB, Max: 12, Default: 0},
	ParamPan:  {Name: "Pan", Min: -1, Max: 1, Default: 0},
	ParamMute: {Name: "Mute", Min: 0, Max: 1, Default: 0, Scale: param.ScaleDiscrete, Steps: 2},
}

// BusDescriptor describes the mixer bus.
var BusDescriptor = plugin.Descriptor{
	ID: BusID, Name: "Bus", Vendor: "audiocore", Kind: plugin.KindBus,
	AudioIn: 1, AudioOut: 1, EventIn: 1, Params: BusParams,
}

// Register adds the mixer bus to a registry.
func Register(r *plugin.Registry) error {
	return r.Register(BusDescriptor, func(d plugin.Descriptor) (plugin.Instance, error) {
		return &bus{desc: d}, nil
	})
}

type bus struct {
	desc   plugin.Descriptor
	law    Law
	synced bool

	gainDB float64
	pan    float64
	mute   bool

	left, right float32
}

func (b *bus) Descriptor() plugin.Descriptor { return b.desc }
func (b *bus) Activate(float64, int) error { return nil }
func (b *bus) Deactivate() {}
func (b *bus) Release() {}
func (b *bus) Reset() { b.synced = false }

func (b *bus) set(index int, v float64) {
	switch index {
	case ParamGain:
		b.gainDB = v
	case ParamPan:
		b.pan = v
	case ParamMute:
		b.mute = v >= 0.5
	}
	b.update()
}

func (b *bus) update() {
	g := float32(DBToGain(b.gainDB))
	if b.mute {
		g = 0
	}
	l, r := PanGains(b.pan, b.law)
	b.left, b.right = g*l, g*r
}

func (b *bus) Process(ctx *plugin.ProcessContext) error {
	if !b.synced {
		b.gainDB = ctx.Params.Value(ParamGain)
		b.pan = ctx.Params.Value(ParamPan)
		b.mute = ctx.Params.Value(ParamMute) >= 0.5
		b.update()
		b.synced = true
	}
	pos := 0
	for _, ev := range ctx.InEvents.All() {
		if ev.Kind != plugin.EventParam {
			continue
		}
		off := min(int(ev.Offset), ctx.Frames)
		b.apply(ctx, pos, off)
		pos = max(pos, off)
		b.set(int(ev.Param), ev.ParamValue)
	}
	b.apply(ctx, pos, ctx.Frames)
	return nil
}

func (b *bus) apply(ctx *plugin.ProcessContext, from, to int) {
	if from >= to || len(ctx.Outputs) == 0 {
		return
	}
	out := ctx.Outputs[0]
	var in plugin.Bus
	if len(ctx.Inputs) > 0 {
		in = ctx.Inputs[0]
	}
	for c, ch := range out {
		if c >= len(in) {
			clear(ch[from:to])
			continue
		}
		g := b.left
		switch {
		case len(out) == 1:
			g = (b.left + b.right) / 2
		case c == 1:
			g = b.right
		case c > 1:
			g = float32(DBToGain(b.gainDB))
			if b.mute {
				g = 0
			}
		}
		src := in[c]
		for i := from; i < to; i++ {
			ch[i] = src[i] * g
		}
	}
}
