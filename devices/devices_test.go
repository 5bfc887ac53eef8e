package devices

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.com/gomidi/midi/v2"

	"github.com/shaban/audiocore/engine/spec"
	"github.com/shaban/audiocore/internal/testutil"
)

func TestAudioDevices_Filters(t *testing.T) {
	devs := AudioDevices{
		{Device: Device{Name: "mic", IsOnline: true}, InputChannelCount: 1, SupportedSampleRates: []int{44100, 48000}},
		{Device: Device{Name: "speakers", IsOnline: true}, OutputChannelCount: 2, IsDefaultOutput: true, SupportedSampleRates: []int{48000, 96000}},
		{Device: Device{Name: "gone"}, InputChannelCount: 2, OutputChannelCount: 2},
	}
	assert.Len(t, devs.Inputs(), 2)
	assert.Len(t, devs.Outputs(), 2)
	assert.Len(t, devs.Online(), 2)

	out, ok := devs.DefaultOutput()
	require.True(t, ok)
	assert.Equal(t, "speakers", out.Name)
	assert.Equal(t, []int{48000}, devs[0].CommonSampleRates(devs[1]))

	s := spec.Default()
	assert.NoError(t, out.Supports(s))
	s.SampleRate = 44100
	assert.Error(t, out.Supports(s))
	assert.Error(t, devs[0].Supports(spec.Default()), "input-only device")
}

func TestNewDriver(t *testing.T) {
	assert.Contains(t, Drivers(), "manual")
	assert.Contains(t, Drivers(), "timer")

	d, err := NewDriver("timer")
	require.NoError(t, err)
	assert.Equal(t, "timer", d.Name())

	_, err = NewDriver("asio")
	assert.ErrorIs(t, err, ErrUnknownDriver)
}

func TestManualDriver_Tick(t *testing.T) {
	d := NewManualDriver()
	s := testutil.SmallSpec()
	var got []int
	st, err := d.Open(s, func(in, out []float32, frames int) {
		got = append(got, frames)
		for i := range out {
			out[i] = in[i] + 1
		}
	})
	require.NoError(t, err)

	_, err = d.Stream().Tick(8)
	assert.ErrorIs(t, err, ErrNotRunning)

	require.NoError(t, st.Start())
	in := d.Stream().Input(8)
	in[0] = 0.5
	out, err := d.Stream().Tick(8)
	require.NoError(t, err)
	assert.Len(t, out, 8*s.ChannelCount)
	assert.Equal(t, float32(1.5), out[0])

	out, err = d.Stream().Tick(200)
	require.NoError(t, err)
	assert.Len(t, out, 200*s.ChannelCount, "buffers grow past the block size")
	assert.Equal(t, float32(1), out[0], "input is cleared after each tick")
	assert.Equal(t, []int{8, 200}, got)

	require.NoError(t, st.Close())
	assert.ErrorIs(t, st.Start(), ErrClosed)
}

func TestTimerDriver_Paces(t *testing.T) {
	s := testutil.SmallSpec()
	calls := make(chan int, 64)
	st, err := NewTimerDriver().Open(s, func(in, out []float32, frames int) {
		select {
		case calls <- frames:
		default:
		}
	})
	require.NoError(t, err)
	require.NoError(t, st.Start())
	require.NoError(t, st.Start())

	select {
	case frames := <-calls:
		assert.Equal(t, s.BufferSize, frames)
	case <-time.After(time.Second):
		t.Fatal("timer stream never called back")
	}
	require.NoError(t, st.Close())
	n := st.(*TimerStream).Ticks()
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, n, st.(*TimerStream).Ticks(), "no callbacks after close")
}

func TestDecode(t *testing.T) {
	msg, ok := Decode(0x91, 60, 100)
	require.True(t, ok)
	var ch, key, vel uint8
	require.True(t, msg.GetNoteOn(&ch, &key, &vel))
	assert.Equal(t, []uint8{1, 60, 100}, []uint8{ch, key, vel})

	msg, ok = Decode(0xC2, 5, 0)
	require.True(t, ok)
	assert.Len(t, msg, 2)

	_, ok = Decode(0xF8, 0, 0)
	assert.False(t, ok, "clock is not forwarded")
}

func TestVirtualMIDI(t *testing.T) {
	v := NewVirtualMIDI("keys", 4)
	devs, err := v.Devices()
	require.NoError(t, err)
	dev, ok := devs.Inputs().ByName("keys")
	require.True(t, ok)

	ctx, cancel := context.WithCancel(context.Background())
	got := make(chan midi.Message, 1)
	done := make(chan error, 1)
	go func() {
		done <- v.Listen(ctx, dev.DeviceID, func(msg midi.Message, _ time.Duration) { got <- msg })
	}()

	require.NoError(t, v.Send(ctx, midi.NoteOn(0, 64, 90)))
	select {
	case msg := <-got:
		assert.Equal(t, midi.NoteOn(0, 64, 90), msg)
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}
	cancel()
	assert.NoError(t, <-done)
	assert.Error(t, v.Listen(context.Background(), 3, nil))
}
