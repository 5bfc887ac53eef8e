package devices

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shaban/audiocore/engine/spec"
)

var (
	ErrUnknownDriver = errors.New("devices: unknown driver")
	ErrNotRunning    = errors.New("devices: stream not running")
	ErrClosed        = errors.New("devices: stream closed")
)

// Callback is invoked once per hardware period with interleaved buffers of
// frames frames. in may be nil when the stream has no inputs.
type Callback func(in, out []float32, frames int)

// Driver opens audio streams. Sample rate and block size are fixed for the
// lifetime of a stream.
type Driver interface {
	Name() string
	Devices() (AudioDevices, error)
	Open(s spec.AudioSpec, cb Callback) (Stream, error)
}

// Stream is an opened device.
type Stream interface {
	Start() error
	Stop() error
	Close() error
}

func virtualDevice(name string) AudioDevice {
	return AudioDevice{
		Device:             Device{Name: name, UID: name, IsOnline: true},
		InputChannelCount:  32,
		OutputChannelCount: 32,
		IsDefaultInput:     true,
		IsDefaultOutput:    true,
	}
}

// ManualDriver runs the callback only when a test or an offline tool calls
// Tick.
type ManualDriver struct {
	mu     sync.Mutex
	stream *ManualStream
}

func NewManualDriver() *ManualDriver { return &ManualDriver{} }

func (d *ManualDriver) Name() string { return "manual" }

func (d *ManualDriver) Devices() (AudioDevices, error) {
	return AudioDevices{virtualDevice("manual")}, nil
}

func (d *ManualDriver) Open(s spec.AudioSpec, cb Callback) (Stream, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	st := &ManualStream{
		channels: s.ChannelCount,
		cb:       cb,
		in:       make([]float32, s.BufferSize*s.ChannelCount),
		out:      make([]float32, s.BufferSize*s.ChannelCount),
	}
	d.mu.Lock()
	d.stream = st
	d.mu.Unlock()
	return st, nil
}

// Stream returns the most recently opened stream.
func (d *ManualDriver) Stream() *ManualStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stream
}

// ManualStream is the stream of a ManualDriver.
type ManualStream struct {
	mu       sync.Mutex
	channels int
	cb       Callback
	in, out  []float32
	running  bool
	closed   bool
}

func (s *ManualStream) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.running = true
	return nil
}

func (s *ManualStream) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	return nil
}

func (s *ManualStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	s.closed = true
	return nil
}

// Input returns the interleaved input the next Tick hands to the callback.
func (s *ManualStream) Input(frames int) []float32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grow(frames)
	return s.in[:frames*s.channels]
}

func (s *ManualStream) grow(frames int) {
	if n := frames * s.channels; n > len(s.out) {
		s.in = append(s.in, make([]float32, n-len(s.in))...)
		s.out = make([]float32, n)
	}
}

// Tick runs one callback of frames frames and returns its output. The
// slice is reused by the next Tick.
func (s *ManualStream) Tick(frames int) ([]float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil, ErrNotRunning
	}
	s.grow(frames)
	n := frames * s.channels
	s.cb(s.in[:n], s.out[:n], frames)
	clear(s.in[:n])
	return s.out[:n], nil
}

// TimerDriver paces the callback with a ticker at the period of the
// stream. It stands in for hardware on headless machines.
type TimerDriver struct{}

func NewTimerDriver() *TimerDriver { return &TimerDriver{} }

func (d *TimerDriver) Name() string { return "timer" }

func (d *TimerDriver) Devices() (AudioDevices, error) {
	return AudioDevices{virtualDevice("timer")}, nil
}

func (d *TimerDriver) Open(s spec.AudioSpec, cb Callback) (Stream, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &TimerStream{
		frames: s.BufferSize,
		period: time.Duration(s.Period() * float64(time.Second)),
		cb:     cb,
		out:    make([]float32, s.BufferSize*s.ChannelCount),
	}, nil
}

// TimerStream is the stream of a TimerDriver.
type TimerStream struct {
	frames int
	period time.Duration
	cb     Callback
	out    []float32

	mu     sync.Mutex
	stop   chan struct{}
	done   chan struct{}
	closed bool
	ticks  atomic.Uint64
}

func (s *TimerStream) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.stop != nil {
		return nil
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.run(s.stop, s.done)
	return nil
}

func (s *TimerStream) run(stop, done chan struct{}) {
	defer close(done)
	t := time.NewTicker(s.period)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			s.cb(nil, s.out, s.frames)
			s.ticks.Add(1)
		}
	}
}

// Ticks returns how many callbacks ran.
func (s *TimerStream) Ticks() uint64 { return s.ticks.Load() }

func (s *TimerStream) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop == nil {
		return nil
	}
	close(s.stop)
	<-s.done
	s.stop, s.done = nil, nil
	return nil
}

func (s *TimerStream) Close() error {
	err := s.Stop()
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return err
}
