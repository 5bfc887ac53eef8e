package plugin

import (
	"math"

	"github.com/shaban/audiocore/engine/param"
)

// Built-in processor ids.
const (
	IDPassthrough = "builtin.passthrough"
	IDGain        = "builtin.gain"
	IDSine        = "builtin.sine"
	IDInput       = "io.input"
	IDOutput      = "io.output"
)

// GainParams is the parameter layout of builtin.gain.
var GainParams = []param.Info{
	{Name: "Gain", Unit: "dB", Min: -60, Max: 12, Default: 0},
}

// SineParams is the parameter layout of builtin.sine.
var SineParams = []param.Info{
	{Name: "Level", Min: 0, Max: 1, Default: 0.5},
}

const sineVoices = 16

func registerBuiltins(r *Registry) {
	must := func(err error) {
		if err != nil {
			panic(err)
		}
	}
	must(r.Register(Descriptor{ID: IDPassthrough, Name: "Passthrough", Vendor: "audiocore",
		Kind: KindEffect, AudioIn: 1, AudioOut: 1, EventIn: 1, EventOut: 1},
		func(d Descriptor) (Instance, error) { return &passthrough{base{desc: d}}, nil }))
	must(r.Register(Descriptor{ID: IDGain, Name: "Gain", Vendor: "audiocore",
		Kind: KindEffect, AudioIn: 1, AudioOut: 1, EventIn: 1, Params: GainParams},
		func(d Descriptor) (Instance, error) { return &gain{base: base{desc: d}}, nil }))
	must(r.Register(Descriptor{ID: IDSine, Name: "Sine", Vendor: "audiocore",
		Kind: KindInstrument, AudioOut: 1, EventIn: 1, Params: SineParams},
		func(d Descriptor) (Instance, error) { return &sine{base: base{desc: d}}, nil }))
	must(r.Register(Descriptor{ID: IDInput, Name: "Input", Vendor: "audiocore",
		Kind: KindInput, AudioOut: 1},
		func(d Descriptor) (Instance, error) { return &input{base{desc: d}}, nil }))
	must(r.Register(Descriptor{ID: IDOutput, Name: "Output", Vendor: "audiocore",
		Kind: KindOutput, AudioIn: 1, AudioOut: 1},
		func(d Descriptor) (Instance, error) { return &passthrough{base{desc: d}}, nil }))
}

type base struct {
	desc       Descriptor
	sampleRate float64
}

func (b *base) Descriptor() Descriptor { return b.desc }

func (b *base) Activate(sampleRate float64, _ int) error {
	b.sampleRate = sampleRate
	return nil
}

func (b *base) Deactivate() {}
func (b *base) Release() {}

// passthrough copies input bus i to output bus i and forwards events.
type passthrough struct{ base }

func (p *passthrough) Process(ctx *ProcessContext) error {
	for i, out := range ctx.Outputs {
		if i < len(ctx.Inputs) {
			out.CopyFrom(ctx.Inputs[i])
		} else {
			out.Zero()
		}
	}
	if ctx.OutEvents != nil {
		ctx.OutEvents.CopyFrom(ctx.InEvents)
	}
	return nil
}

type input struct{ base }

func (p *input) Process(ctx *ProcessContext) error {
	for _, out := range ctx.Outputs {
		out.CopyFrom(ctx.Device)
	}
	return nil
}

// DBToGain converts decibels to a linear factor.
func DBToGain(db float64) float64 {
	if db <= -60 {
		return 0
	}
	return math.Pow(10, db/20)
}

type gain struct {
	base
	synced bool
	factor float32
}

func (g *gain) Reset() { g.synced = false }

func (g *gain) Process(ctx *ProcessContext) error {
	if !g.synced {
		g.factor = float32(DBToGain(ctx.Params.Value(0)))
		g.synced = true
	}
	pos := 0
	for _, ev := range ctx.InEvents.All() {
		if ev.Kind != EventParam || ev.Param != 0 {
			continue
		}
		off := min(int(ev.Offset), ctx.Frames)
		g.apply(ctx, pos, off)
		pos = max(pos, off)
		g.factor = float32(DBToGain(ev.ParamValue))
	}
	g.apply(ctx, pos, ctx.Frames)
	return nil
}

func (g *gain) apply(ctx *ProcessContext, from, to int) {
	if from >= to || len(ctx.Outputs) == 0 {
		return
	}
	out := ctx.Outputs[0]
	var in Bus
	if len(ctx.Inputs) > 0 {
		in = ctx.Inputs[0]
	}
	for c, ch := range out {
		if c >= len(in) {
			clear(ch[from:to])
			continue
		}
		src := in[c]
		for i := from; i < to; i++ {
			ch[i] = src[i] * g.factor
		}
	}
}

type voice struct {
	active  bool
	channel uint8
	key     uint8
	amp     float64
	phase   float64
	step    float64
}

// sine is a small polyphonic sine instrument.
type sine struct {
	base
	voices [sineVoices]voice
	level  float64
	synced bool
}

func (s *sine) Reset() {
	s.voices = [sineVoices]voice{}
	s.synced = false
}

func (s *sine) Process(ctx *ProcessContext) error {
	if !s.synced {
		s.level = ctx.Params.Value(0)
		s.synced = true
	}
	if len(ctx.Outputs) == 0 {
		return nil
	}
	out := ctx.Outputs[0]
	out.Zero()
	pos := 0
	for _, ev := range ctx.InEvents.All() {
		off := min(int(ev.Offset), ctx.Frames)
		s.render(out, pos, off)
		pos = max(pos, off)
		s.handle(ev)
	}
	s.render(out, pos, ctx.Frames)
	return nil
}

func (s *sine) handle(ev Event) {
	switch ev.Kind {
	case EventNoteOn:
		if ev.Value <= 0 {
			s.noteOff(ev.Channel, ev.Key)
			return
		}
		v := s.free()
		freq := 440 * math.Pow(2, (float64(ev.Key)-69)/12)
		*v = voice{active: true, channel: ev.Channel, key: ev.Key,
			amp: 0.2 * float64(ev.Value), step: 2 * math.Pi * freq / s.sampleRate}
	case EventNoteOff:
		s.noteOff(ev.Channel, ev.Key)
	case EventParam:
		if ev.Param == 0 {
			s.level = ev.ParamValue
		}
	}
}

func (s *sine) noteOff(ch, key uint8) {
	for i := range s.voices {
		if v := &s.voices[i]; v.active && v.channel == ch && v.key == key {
			v.active = false
		}
	}
}

// free returns an idle voice or steals the first one.
func (s *sine) free() *voice {
	for i := range s.voices {
		if !s.voices[i].active {
			return &s.voices[i]
		}
	}
	return &s.voices[0]
}

func (s *sine) render(out Bus, from, to int) {
	if from >= to {
		return
	}
	for i := range s.voices {
		v := &s.voices[i]
		if !v.active {
			continue
		}
		for n := from; n < to; n++ {
			x := float32(math.Sin(v.phase) * v.amp * s.level)
			for _, ch := range out {
				ch[n] += x
			}
			v.phase += v.step
			if v.phase >= 2*math.Pi {
				v.phase -= 2 * math.Pi
			}
		}
	}
}
