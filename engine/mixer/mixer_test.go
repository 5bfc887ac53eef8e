package mixer

import (
	"math"
	"testing"

	"github.com/shaban/audiocore/engine/graph"
	"github.com/shaban/audiocore/engine/param"
	"github.com/shaban/audiocore/engine/plugin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPanGains(t *testing.T) {
	l, r := PanGains(0, ConstantPower)
	assert.InDelta(t, math.Sqrt2/2, l, 1e-6)
	assert.InDelta(t, math.Sqrt2/2, r, 1e-6)

	l, r = PanGains(-1, ConstantPower)
	assert.InDelta(t, 1, l, 1e-6)
	assert.InDelta(t, 0, r, 1e-6)

	for _, p := range []float64{-0.7, -0.2, 0.4, 0.9} {
		l, r = PanGains(p, ConstantPower)
		assert.InDelta(t, 1, float64(l*l+r*r), 1e-6, "constant power at %v", p)
	}

	l, r = PanGains(2, Linear)
	assert.Equal(t, float32(0), l)
	assert.Equal(t, float32(1), r)
}

func TestDecibels(t *testing.T) {
	assert.Equal(t, 0.0, DBToGain(MinDB))
	assert.InDelta(t, 0.5011872, DBToGain(-6), 1e-6)
	assert.Equal(t, MinDB, GainToDB(0))
	assert.InDelta(t, -6.0, GainToDB(DBToGain(-6)), 1e-9)
}

func newBusHost(t *testing.T) *plugin.Host {
	t.Helper()
	r := plugin.NewRegistry()
	require.NoError(t, Register(r))
	h := plugin.NewHost(r)
	require.NoError(t, h.Load(plugin.Descriptor{ID: BusID}))
	require.NoError(t, h.Activate(48000, 8))
	return h
}

func TestBus_MuteAtOffset(t *testing.T) {
	h := newBusHost(t)
	bank := param.NewBank(BusParams)
	in := plugin.Bus{make([]float32, 8), make([]float32, 8)}
	for c := range in {
		for i := range in[c] {
			in[c][i] = 1
		}
	}
	out := plugin.Bus{make([]float32, 8), make([]float32, 8)}
	events := plugin.NewEventList(4)
	events.Push(plugin.ParamChange(6, ParamMute, 1))

	require.NoError(t, h.Process(&plugin.ProcessContext{
		Inputs: []plugin.Bus{in}, Outputs: []plugin.Bus{out}, InEvents: events,
		Frames: 8, Params: bank,
	}))
	centre := float32(math.Sqrt2 / 2)
	for i := 0; i < 6; i++ {
		assert.InDelta(t, centre, out[0][i], 1e-6)
		assert.InDelta(t, centre, out[1][i], 1e-6)
	}
	assert.Equal(t, []float32{0, 0}, out[0][6:])
	assert.Equal(t, []float32{0, 0}, out[1][6:])
}

func TestMaster_SumsOutputsAndLimits(t *testing.T) {
	g := graph.New(graph.Config{Channels: 2, MaxBlockSize: 4})
	desc := &plugin.Descriptor{Kind: plugin.KindOutput, AudioIn: 1, AudioOut: 1}
	a := g.AddNode(graph.Spec{Desc: desc}).ID
	b := g.AddNode(graph.Spec{Desc: desc}).ID
	s := g.Snapshot()

	sa, _ := s.Step(a)
	sb, _ := s.Step(b)
	copy(sa.Outputs[0][0], []float32{0.25, 0.5, 0.75, -0.5})
	copy(sb.Outputs[0][0], []float32{0.25, 0.25, 0.75, -0.75})
	copy(sa.Outputs[0][1], []float32{0.1, 0.1, 0.1, 0.1})

	m := NewMaster(2)
	out := make([]float32, 8)
	m.Mix(s, out, 4)
	assert.Equal(t, []float32{0.5, 0.1, 0.75, 0.1, 1, 0.1, -1, 0.1}, out)

	meter := m.TakeMeter(1234)
	assert.Equal(t, int64(1234), meter.Sample)
	assert.Equal(t, 2, meter.Channels)
	assert.Equal(t, float32(1.5), meter.Peak[0], "peak is measured before the limiter")
	assert.True(t, meter.Clipped)
	assert.InDelta(t, 0.1, meter.RMS[1], 1e-6)

	again := m.TakeMeter(0)
	assert.Zero(t, again.Peak[0])
	assert.False(t, again.Clipped)
}

func TestMaster_Gain(t *testing.T) {
	m := NewMaster(1)
	m.SetGainDB(MinDB)
	out := []float32{1, 1}
	m.Mix(nil, out, 2)
	assert.Equal(t, []float32{0, 0}, out)
	assert.Equal(t, MinDB, m.GainDB())
}
