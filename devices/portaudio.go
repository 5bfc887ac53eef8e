//go:build portaudio

package devices

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/shaban/audiocore/engine/spec"
)

func init() {
	RegisterDriver("portaudio", func() Driver { return NewPortAudioDriver(-1) })
}

var (
	paMu   sync.Mutex
	paRefs int
)

func paAcquire() error {
	paMu.Lock()
	defer paMu.Unlock()
	if paRefs == 0 {
		if err := portaudio.Initialize(); err != nil {
			return fmt.Errorf("devices: portaudio init: %w", err)
		}
	}
	paRefs++
	return nil
}

func paRelease() {
	paMu.Lock()
	defer paMu.Unlock()
	if paRefs == 0 {
		return
	}
	paRefs--
	if paRefs == 0 {
		_ = portaudio.Terminate()
	}
}

// PortAudioDriver plays through the host audio API via PortAudio.
type PortAudioDriver struct {
	// Output selects a device by index; negative means the default.
	Output int
}

func NewPortAudioDriver(output int) *PortAudioDriver { return &PortAudioDriver{Output: output} }

func (d *PortAudioDriver) Name() string { return "portaudio" }

func (d *PortAudioDriver) Devices() (AudioDevices, error) {
	if err := paAcquire(); err != nil {
		return nil, err
	}
	defer paRelease()

	infos, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("devices: list: %w", err)
	}
	defIn, _ := portaudio.DefaultInputDevice()
	defOut, _ := portaudio.DefaultOutputDevice()
	out := make(AudioDevices, 0, len(infos))
	for _, info := range infos {
		dev := AudioDevice{
			Device:             Device{Name: info.Name, UID: fmt.Sprintf("pa:%d", info.Index), IsOnline: true},
			DeviceID:           info.Index,
			InputChannelCount:  info.MaxInputChannels,
			OutputChannelCount: info.MaxOutputChannels,
			IsDefaultInput:     defIn != nil && defIn.Index == info.Index,
			IsDefaultOutput:    defOut != nil && defOut.Index == info.Index,
			DefaultSampleRate:  info.DefaultSampleRate,
		}
		if info.HostApi != nil {
			dev.HostAPI = info.HostApi.Name
		}
		out = append(out, dev)
	}
	return out, nil
}

func (d *PortAudioDriver) Open(s spec.AudioSpec, cb Callback) (Stream, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if err := paAcquire(); err != nil {
		return nil, err
	}

	var dev *portaudio.DeviceInfo
	var err error
	if d.Output < 0 {
		dev, err = portaudio.DefaultOutputDevice()
	} else {
		var infos []*portaudio.DeviceInfo
		infos, err = portaudio.Devices()
		if err == nil && d.Output >= len(infos) {
			err = fmt.Errorf("devices: no device %d", d.Output)
		}
		if err == nil {
			dev = infos[d.Output]
		}
	}
	if err != nil {
		paRelease()
		return nil, err
	}

	params := portaudio.LowLatencyParameters(nil, dev)
	params.Output.Channels = s.ChannelCount
	params.SampleRate = s.SampleRate
	params.FramesPerBuffer = s.BufferSize

	ps := &paStream{cb: cb, channels: s.ChannelCount}
	st, err := portaudio.OpenStream(params, ps.process)
	if err != nil {
		paRelease()
		return nil, fmt.Errorf("devices: open %s: %w", dev.Name, err)
	}
	ps.st = st
	return ps, nil
}

type paStream struct {
	st       *portaudio.Stream
	cb       Callback
	channels int
	closed   bool
}

// HOTPATH
func (s *paStream) process(out []float32) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	s.cb(nil, out, len(out)/s.channels)
}

func (s *paStream) Start() error { return s.st.Start() }
func (s *paStream) Stop() error  { return s.st.Stop() }

func (s *paStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	err := s.st.Close()
	paRelease()
	return err
}
