package transport

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTransport(t *testing.T) *Transport {
	t.Helper()
	m, err := ConstantTempo(48000, 120)
	require.NoError(t, err)
	return New(m)
}

func TestAdvance_StoppedDoesNotMove(t *testing.T) {
	tr := newTransport(t)
	tr.Advance(512, nil)
	assert.Equal(t, int64(0), tr.Position())
}

func TestAdvance_ReplayIdempotent(t *testing.T) {
	for _, loop := range []bool{false, true} {
		for _, split := range [][2]int{{0, 700}, {1, 699}, {256, 444}, {350, 350}, {699, 1}} {
			one := newTransport(t)
			two := newTransport(t)
			for _, tr := range []*Transport{one, two} {
				tr.Apply(Command{Op: OpSeek, Sample: 90})
				if loop {
					tr.Apply(Command{Op: OpSetLoop, Sample: 50, End: 250})
				}
				tr.Apply(Command{Op: OpPlay})
			}
			one.Advance(split[0]+split[1], nil)
			two.Advance(split[0], nil)
			two.Advance(split[1], nil)
			assert.Equal(t, one.Position(), two.Position(), "loop=%v split=%v", loop, split)
		}
	}
}

func TestAdvance_LoopWrap(t *testing.T) {
	tr := newTransport(t)
	tr.Apply(Command{Op: OpSetLoop, Sample: 1000, End: 2000})
	tr.Apply(Command{Op: OpSeek, Sample: 1995})
	tr.Apply(Command{Op: OpPlay})

	wraps := tr.Advance(10, make([]Wrap, 0, 4))
	assert.Equal(t, int64(1005), tr.Position())
	require.Len(t, wraps, 1)
	assert.Equal(t, Wrap{Offset: 5, Sample: 1000}, wraps[0])
}

func TestAdvance_ManyWrapsInOneBlock(t *testing.T) {
	tr := newTransport(t)
	tr.Apply(Command{Op: OpSetLoop, Sample: 0, End: 10})
	tr.Apply(Command{Op: OpPlay})

	wraps := tr.Advance(35, make([]Wrap, 0, 2))
	assert.Equal(t, int64(5), tr.Position())
	assert.Len(t, wraps, 2, "wraps beyond capacity are not recorded")
	assert.Equal(t, 10, wraps[0].Offset)
	assert.Equal(t, 20, wraps[1].Offset)
}

func TestAdvance_PastLoopEndPlaysThrough(t *testing.T) {
	tr := newTransport(t)
	tr.Apply(Command{Op: OpSetLoop, Sample: 0, End: 100})
	tr.Apply(Command{Op: OpPlay})
	tr.pos = 500 // positioned after the loop without a seek
	tr.Advance(10, nil)
	assert.Equal(t, int64(510), tr.Position())
}

func TestStopRewindsPauseKeeps(t *testing.T) {
	tr := newTransport(t)
	tr.Apply(Command{Op: OpSeek, Sample: 4800})
	tr.Apply(Command{Op: OpPlay})
	tr.Advance(1000, nil)
	tr.Apply(Command{Op: OpPause})
	assert.Equal(t, int64(5800), tr.Position())
	assert.Equal(t, Stopped, tr.Mode())

	tr.Apply(Command{Op: OpPlay})
	tr.Advance(200, nil)
	tr.Apply(Command{Op: OpStop})
	assert.Equal(t, int64(5800), tr.Position(), "stop returns to where playback started")
}

func TestSeekOutsideLoopDisablesIt(t *testing.T) {
	tr := newTransport(t)
	tr.Apply(Command{Op: OpSetLoop, Sample: 100, End: 200})
	tr.Apply(Command{Op: OpSeek, Sample: 150})
	assert.True(t, tr.Loop().Enabled)
	tr.Apply(Command{Op: OpSeek, Sample: 300})
	assert.False(t, tr.Loop().Enabled)
}

func TestCommandValidate(t *testing.T) {
	assert.ErrorIs(t, Command{Op: OpSetLoop, Sample: 10, End: 10}.Validate(), ErrInvalidLoop)
	assert.ErrorIs(t, Command{Op: OpSeek, Sample: -1}.Validate(), ErrNegativePosition)
	assert.ErrorIs(t, Command{Op: OpSetTempoMap}.Validate(), ErrInvalidTempoMap)
	assert.ErrorIs(t, Command{Op: 99}.Validate(), ErrUnknownOp)
	assert.NoError(t, Command{Op: OpRecord}.Validate())

	tr := newTransport(t)
	tr.Apply(Command{Op: OpSetLoop, Sample: 10, End: 5})
	assert.False(t, tr.Loop().Enabled, "invalid commands are ignored")
}

func TestRecordMode(t *testing.T) {
	tr := newTransport(t)
	tr.Apply(Command{Op: OpRecord})
	assert.Equal(t, Recording, tr.Mode())
	tr.Advance(64, nil)
	assert.Equal(t, int64(64), tr.Position())
}

func TestTempoMap_BeatsAndExtrapolation(t *testing.T) {
	m, err := NewTempoMap(48000, []TempoChange{
		{Sample: 96000, BPM: 60},
		{Sample: 0, BPM: 120},
	}, TimeSignature{}, 0)
	require.NoError(t, err)

	assert.InDelta(t, 0.0, m.BeatsAt(0), 1e-12)
	assert.InDelta(t, 2.0, m.BeatsAt(48000), 1e-12)
	assert.InDelta(t, 4.0, m.BeatsAt(96000), 1e-12)
	// beyond the last change: 60 bpm, one beat per second
	assert.InDelta(t, 6.0, m.BeatsAt(96000+2*48000), 1e-12)
	assert.Equal(t, 60.0, m.TempoAt(200000))
	assert.Equal(t, 120.0, m.TempoAt(10))

	assert.Equal(t, int64(96000+48000), m.SampleAt(5))
	assert.Equal(t, int64(24000), m.SampleAt(1))
}

func TestTempoMap_Musical(t *testing.T) {
	m, err := ConstantTempo(48000, 120)
	require.NoError(t, err)
	assert.Equal(t, Musical{Bar: 1, Beat: 1, Tick: 0}, m.Musical(0))
	// 4 beats per bar at 24000 samples per beat
	assert.Equal(t, Musical{Bar: 2, Beat: 1, Tick: 0}, m.Musical(96000))
	assert.Equal(t, Musical{Bar: 1, Beat: 2, Tick: 480}, m.Musical(36000))
	assert.Equal(t, "1.2.480", m.Musical(36000).String())

	six8, err := NewTempoMap(48000, []TempoChange{{BPM: 120}}, TimeSignature{6, 8}, 960)
	require.NoError(t, err)
	// eighth notes: 12000 samples each, six per bar
	assert.Equal(t, Musical{Bar: 2, Beat: 1, Tick: 0}, six8.Musical(72000))
}

func TestTempoMap_Invalid(t *testing.T) {
	_, err := ConstantTempo(48000, 0)
	assert.ErrorIs(t, err, ErrInvalidTempo)
	_, err = NewTempoMap(48000, []TempoChange{{0, 120}, {0, 90}}, CommonTime, 960)
	assert.ErrorIs(t, err, ErrInvalidTempoMap)
	_, err = NewTempoMap(48000, nil, CommonTime, 960)
	assert.ErrorIs(t, err, ErrInvalidTempoMap)
	_, err = NewTempoMap(48000, []TempoChange{{0, 120}}, TimeSignature{3, 5}, 960)
	assert.ErrorIs(t, err, ErrInvalidTempoMap)
}

func TestTempoMap_JSON(t *testing.T) {
	m, err := NewTempoMap(44100, []TempoChange{{0, 97.3}, {12345, 140.25}}, TimeSignature{7, 8}, 480)
	require.NoError(t, err)
	b, err := json.Marshal(m)
	require.NoError(t, err)

	var back TempoMap
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, m.Changes(), back.Changes())
	assert.Equal(t, m.Signature(), back.Signature())
	assert.Equal(t, 480, back.PPQ())
	assert.Equal(t, m.BeatsAt(99999), back.BeatsAt(99999))
}
