package plugin

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shaban/audiocore/engine/param"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.com/gomidi/midi/v2"
)

type scripted struct {
	base
	activateErr error
	processErr  error
	panicWith   any
	sleep       time.Duration
	resets      int
	released    bool
}

func (s *scripted) Process(*ProcessContext) error {
	if s.sleep > 0 {
		time.Sleep(s.sleep)
	}
	if s.panicWith != nil {
		panic(s.panicWith)
	}
	return s.processErr
}

func (s *scripted) Activate(sr float64, n int) error {
	if s.activateErr != nil {
		return s.activateErr
	}
	return s.base.Activate(sr, n)
}

func (s *scripted) Reset() { s.resets++ }
func (s *scripted) Release() { s.released = true }

type fixedLoader struct{ inst Instance }

func (l fixedLoader) Open(Descriptor) (Instance, error) { return l.inst, nil }

func newBus(channels, frames int) Bus {
	b := make(Bus, channels)
	for c := range b {
		b[c] = make([]float32, frames)
	}
	return b
}

func TestEventList_StableSortByOffset(t *testing.T) {
	l := NewEventList(8)
	l.Push(Event{Kind: EventNoteOn, Offset: 10, Key: 1})
	l.Push(Event{Kind: EventNoteOn, Offset: 3, Key: 2})
	l.Push(Event{Kind: EventNoteOn, Offset: 10, Key: 3})
	l.Push(Event{Kind: EventNoteOn, Offset: 0, Key: 4})
	l.Sort()

	var keys []uint8
	for _, ev := range l.All() {
		keys = append(keys, ev.Key)
	}
	assert.Equal(t, []uint8{4, 2, 1, 3}, keys)
}

func TestEventList_FixedCapacity(t *testing.T) {
	l := NewEventList(2)
	assert.True(t, l.Push(Event{}))
	assert.True(t, l.Push(Event{}))
	assert.False(t, l.Push(Event{}))
	assert.Equal(t, uint64(1), l.Dropped())
	l.Reset()
	assert.Equal(t, 0, l.Len())
	assert.Equal(t, 2, l.Cap())
}

func TestEventList_FullListFoldsParamChanges(t *testing.T) {
	l := NewEventList(3)
	require.True(t, l.Push(ParamChange(5, 0, 0.1)))
	require.True(t, l.Push(Event{Kind: EventNoteOn, Key: 60}))
	require.True(t, l.Push(ParamChange(40, 0, 0.2)))

	assert.True(t, l.Push(ParamChange(10, 0, 0.9)))
	assert.Equal(t, 3, l.Len())
	assert.Equal(t, ParamChange(40, 0, 0.9), l.At(2), "latest value at the latest offset")
	assert.False(t, l.Push(ParamChange(0, 1, 1)), "no queued change of parameter 1")
	assert.False(t, l.Push(Event{Kind: EventNoteOff}))
	assert.Equal(t, uint64(2), l.Dropped())

	assert.Equal(t, 2, l.RemoveParam(0))
	assert.Equal(t, []Event{{Kind: EventNoteOn, Key: 60}}, l.All())
	require.True(t, l.Push(Event{Kind: EventTransport}))
	assert.Equal(t, 1, l.RemoveKind(EventTransport))
	assert.Equal(t, 1, l.Len())
}

func TestEventList_ClampOffsets(t *testing.T) {
	l := NewEventList(4)
	l.Push(Event{Offset: 70})
	l.Push(Event{Offset: 5})
	l.ClampOffsets(64)
	assert.Equal(t, uint32(63), l.At(0).Offset)
	assert.Equal(t, uint32(5), l.At(1).Offset)
}

func TestHost_Lifecycle(t *testing.T) {
	inst := &scripted{base: base{desc: Descriptor{ID: "t.ok"}}}
	h := NewHost(fixedLoader{inst})
	assert.Equal(t, StateUnloaded, h.State())

	require.NoError(t, h.Load(Descriptor{ID: "t.ok"}))
	assert.Equal(t, StateLoaded, h.State())
	require.NoError(t, h.Activate(48000, 256))
	assert.Equal(t, StateActive, h.State())
	require.NoError(t, h.Process(&ProcessContext{Frames: 16}))

	h.Deactivate()
	assert.Equal(t, StateLoaded, h.State())
	h.Unload()
	assert.Equal(t, StateUnloaded, h.State())
	assert.True(t, inst.released)
}

func TestHost_LoadFailureLeavesFaultedHost(t *testing.T) {
	h := NewHost(NewRegistry())
	err := h.Load(Descriptor{ID: "does.not.exist"})

	var le *LoadError
	require.ErrorAs(t, err, &le)
	assert.ErrorIs(t, err, ErrUnknownPlugin)
	assert.True(t, h.Faulted())
	assert.False(t, h.Reset(), "load failures cannot be reset")
	assert.Equal(t, err, h.Err())
}

func TestHost_ActivationError(t *testing.T) {
	boom := errors.New("unsupported rate")
	h := NewHost(fixedLoader{&scripted{activateErr: boom}})
	require.NoError(t, h.Load(Descriptor{ID: "t.act"}))

	err := h.Activate(12345, 64)
	var ae *ActivationError
	require.ErrorAs(t, err, &ae)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 64, ae.BlockSize)
	assert.True(t, h.Faulted())
}

func TestHost_ProcessFaultAndReset(t *testing.T) {
	inst := &scripted{processErr: errors.New("nan")}
	h := NewHost(fixedLoader{inst})
	require.NoError(t, h.Load(Descriptor{ID: "t.fault"}))
	require.NoError(t, h.Activate(48000, 64))

	err := h.Process(&ProcessContext{Frames: 64})
	var pf *ProcessFault
	require.ErrorAs(t, err, &pf)
	assert.True(t, h.Faulted())
	assert.Equal(t, uint64(1), h.Faults())

	// faulted hosts are skipped
	assert.NoError(t, h.Process(&ProcessContext{Frames: 64}))
	assert.Equal(t, uint64(1), h.Faults())

	inst.processErr = nil
	require.True(t, h.Reset())
	assert.Equal(t, 1, inst.resets)
	assert.Equal(t, StateActive, h.State())
	assert.NoError(t, h.Process(&ProcessContext{Frames: 64}))
}

func TestHost_FaultReadableWhileAudioThreadResets(t *testing.T) {
	inst := &scripted{processErr: errors.New("denormal")}
	h := NewHost(fixedLoader{inst})
	require.NoError(t, h.Load(Descriptor{ID: "t.refault"}))
	require.NoError(t, h.Activate(48000, 64))

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
			}
			if err := h.Err(); err != nil {
				var pf *ProcessFault
				if !errors.As(err, &pf) || pf.ID != "t.refault" {
					t.Errorf("unexpected fault %v", err)
					return
				}
			}
		}
	}()

	ctx := &ProcessContext{Frames: 64}
	for i := 0; i < 1000; i++ {
		require.Error(t, h.Process(ctx))
		require.True(t, h.Reset())
	}
	close(done)
	wg.Wait()

	assert.Equal(t, uint64(1000), h.Faults())
	assert.NoError(t, h.Err(), "reset clears the fault")
}

func TestHost_PanicBecomesFault(t *testing.T) {
	h := NewHost(fixedLoader{&scripted{panicWith: "index out of range"}})
	require.NoError(t, h.Load(Descriptor{ID: "t.panic"}))
	require.NoError(t, h.Activate(48000, 64))

	err := h.Process(&ProcessContext{Frames: 64})
	var pf *ProcessFault
	require.ErrorAs(t, err, &pf)
	assert.Equal(t, "index out of range", pf.Panic)
	assert.Contains(t, h.Err().Error(), "panicked")
}

func TestHost_SlowCallsReported(t *testing.T) {
	var got time.Duration
	h := NewHost(fixedLoader{&scripted{sleep: 5 * time.Millisecond}},
		WithBudget(time.Millisecond),
		WithSlowFunc(func(_ *Host, d time.Duration) { got = d }))
	require.NoError(t, h.Load(Descriptor{ID: "t.slow"}))
	require.NoError(t, h.Activate(48000, 64))

	require.NoError(t, h.Process(&ProcessContext{Frames: 64}))
	assert.Equal(t, uint64(1), h.SlowCalls())
	assert.GreaterOrEqual(t, got, 5*time.Millisecond)
	assert.False(t, h.Faulted(), "overruns never fault the node")
}

func TestRegistry_Refusals(t *testing.T) {
	r := NewRegistry()

	_, err := r.Open(Descriptor{ID: IDGain, ABIVersion: HostABIVersion + 1})
	assert.ErrorIs(t, err, ErrABIMismatch)

	_, err = r.Open(Descriptor{ID: "native.x", Path: filepath.Join(t.TempDir(), "missing.so")})
	assert.ErrorIs(t, err, ErrMissingBinary)

	err = r.Register(Descriptor{ID: IDGain}, nil)
	assert.ErrorIs(t, err, ErrDuplicateID)

	d, ok := r.Lookup(IDSine)
	require.True(t, ok)
	assert.Equal(t, KindInstrument, d.Kind)
	assert.Len(t, r.Descriptors(), 5)
}

func TestGain_SampleAccurateParameterChange(t *testing.T) {
	r := NewRegistry()
	h := NewHost(r)
	require.NoError(t, h.Load(Descriptor{ID: IDGain}))
	require.NoError(t, h.Activate(48000, 8))

	bank := param.NewBank(GainParams)
	in := newBus(2, 8)
	for c := range in {
		for i := range in[c] {
			in[c][i] = 1
		}
	}
	out := newBus(2, 8)
	events := NewEventList(4)
	events.Push(ParamChange(4, 0, -60))

	require.NoError(t, h.Process(&ProcessContext{
		Inputs: []Bus{in}, Outputs: []Bus{out}, InEvents: events,
		Frames: 8, SampleRate: 48000, Params: bank,
	}))
	assert.Equal(t, []float32{1, 1, 1, 1, 0, 0, 0, 0}, out[0])
	assert.Equal(t, []float32{1, 1, 1, 1, 0, 0, 0, 0}, out[1])
}

func TestSine_NoteOnProducesSignal(t *testing.T) {
	h := NewHost(NewRegistry())
	require.NoError(t, h.Load(Descriptor{ID: IDSine}))
	require.NoError(t, h.Activate(48000, 256))

	out := newBus(2, 256)
	events := NewEventList(4)
	events.Push(Event{Kind: EventNoteOn, Offset: 128, Key: 69, Value: 1})
	require.NoError(t, h.Process(&ProcessContext{
		Outputs: []Bus{out}, InEvents: events, Frames: 256, SampleRate: 48000,
		Params: param.NewBank(SineParams),
	}))
	for i := 0; i < 129; i++ {
		require.Zero(t, out[0][i], "silence before the note at %d", i)
	}
	var peak float32
	for _, v := range out[0][129:] {
		peak = max(peak, v)
	}
	assert.Greater(t, peak, float32(0.05))
}

func TestMIDI_Conversion(t *testing.T) {
	ev, ok := FromMIDI(midi.NoteOn(2, 60, 127), 17)
	require.True(t, ok)
	assert.Equal(t, EventNoteOn, ev.Kind)
	assert.Equal(t, uint8(2), ev.Channel)
	assert.Equal(t, uint8(60), ev.Key)
	assert.Equal(t, float32(1), ev.Value)
	assert.Equal(t, uint32(17), ev.Offset)

	ev, ok = FromMIDI(midi.NoteOn(0, 60, 0), 0)
	require.True(t, ok)
	assert.Equal(t, EventNoteOff, ev.Kind, "velocity zero ends the note")

	ev, ok = FromMIDI(midi.ControlChange(1, 7, 64), 0)
	require.True(t, ok)
	msg, ok := ToMIDI(ev)
	require.True(t, ok)
	assert.Equal(t, midi.ControlChange(1, 7, 64), msg)

	_, ok = ToMIDI(ParamChange(0, 1, 0.5))
	assert.False(t, ok)
}
