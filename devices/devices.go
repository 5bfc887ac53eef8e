// Package devices is the boundary between the engine and audio or MIDI
// hardware. A Driver opens a Stream that calls the engine callback once
// per hardware period; MIDI inputs deliver decoded messages.
package devices

import (
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/shaban/audiocore/engine/spec"
)

// Device represents the common properties of any device
type Device struct {
	Name     string `json:"name"`
	UID      string `json:"uid"`
	IsOnline bool   `json:"isOnline"`
}

// AudioDevice describes one audio endpoint as reported by a driver.
type AudioDevice struct {
	Device
	DeviceID             int     `json:"deviceId"`
	InputChannelCount    int     `json:"inputChannelCount"`
	OutputChannelCount   int     `json:"outputChannelCount"`
	IsDefaultInput       bool    `json:"isDefaultInput"`
	IsDefaultOutput      bool    `json:"isDefaultOutput"`
	DefaultSampleRate    float64 `json:"defaultSampleRate"`
	SupportedSampleRates []int   `json:"supportedSampleRates"`
	HostAPI              string  `json:"hostApi,omitempty"`
}

func (a AudioDevice) CanInput() bool      { return a.InputChannelCount > 0 }
func (a AudioDevice) CanOutput() bool     { return a.OutputChannelCount > 0 }
func (a AudioDevice) IsInputOutput() bool { return a.CanInput() && a.CanOutput() }

// CommonSampleRates returns sample rates supported by both devices, in the
// order of a.
func (a AudioDevice) CommonSampleRates(other AudioDevice) []int {
	var common []int
	for _, rate := range a.SupportedSampleRates {
		if slices.Contains(other.SupportedSampleRates, rate) {
			common = append(common, rate)
		}
	}
	return common
}

// Supports reports whether the device can play s. An empty rate list means
// the driver resamples.
func (a AudioDevice) Supports(s spec.AudioSpec) error {
	if a.OutputChannelCount < s.ChannelCount {
		return fmt.Errorf("devices: %s has %d output channels, need %d", a.Name, a.OutputChannelCount, s.ChannelCount)
	}
	if len(a.SupportedSampleRates) > 0 && !slices.Contains(a.SupportedSampleRates, int(s.SampleRate)) {
		return fmt.Errorf("devices: %s does not support %v Hz", a.Name, s.SampleRate)
	}
	return nil
}

// AudioDevices represents a slice of AudioDevice with filter methods
type AudioDevices []AudioDevice

// Inputs returns only devices that can capture audio
func (devices AudioDevices) Inputs() AudioDevices {
	var inputs AudioDevices
	for _, device := range devices {
		if device.CanInput() {
			inputs = append(inputs, device)
		}
	}
	return inputs
}

// Outputs returns only devices that can play audio
func (devices AudioDevices) Outputs() AudioDevices {
	var outputs AudioDevices
	for _, device := range devices {
		if device.CanOutput() {
			outputs = append(outputs, device)
		}
	}
	return outputs
}

// Online returns only devices that are currently connected
func (devices AudioDevices) Online() AudioDevices {
	var online AudioDevices
	for _, device := range devices {
		if device.IsOnline {
			online = append(online, device)
		}
	}
	return online
}

// DefaultOutput returns the default output device, if the driver names one.
func (devices AudioDevices) DefaultOutput() (AudioDevice, bool) {
	for _, device := range devices {
		if device.IsDefaultOutput {
			return device, true
		}
	}
	return AudioDevice{}, false
}

// MIDIDevice describes one MIDI endpoint.
type MIDIDevice struct {
	Device
	DeviceID  int    `json:"deviceId"`
	Interface string `json:"interface,omitempty"`
	IsInput   bool   `json:"isInput"`
	IsOutput  bool   `json:"isOutput"`
}

func (m MIDIDevice) CanInput() bool  { return m.IsInput }
func (m MIDIDevice) CanOutput() bool { return m.IsOutput }

// MIDIDevices represents a slice of MIDIDevice with filter methods
type MIDIDevices []MIDIDevice

// Inputs returns only MIDI devices that can receive MIDI input
func (devices MIDIDevices) Inputs() MIDIDevices {
	var inputs MIDIDevices
	for _, device := range devices {
		if device.CanInput() {
			inputs = append(inputs, device)
		}
	}
	return inputs
}

// ByName returns the first device called name.
func (devices MIDIDevices) ByName(name string) (MIDIDevice, bool) {
	for _, device := range devices {
		if device.Name == name {
			return device, true
		}
	}
	return MIDIDevice{}, false
}

var (
	driversMu sync.RWMutex
	drivers   = map[string]func() Driver{}
)

// RegisterDriver makes a driver available under name. Drivers behind
// build tags register themselves from init.
func RegisterDriver(name string, open func() Driver) {
	driversMu.Lock()
	defer driversMu.Unlock()
	drivers[name] = open
}

// NewDriver returns a fresh driver registered under name.
func NewDriver(name string) (Driver, error) {
	driversMu.RLock()
	open, ok := drivers[name]
	driversMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (available: %v)", ErrUnknownDriver, name, Drivers())
	}
	return open(), nil
}

// Drivers lists the registered driver names.
func Drivers() []string {
	driversMu.RLock()
	defer driversMu.RUnlock()
	names := make([]string, 0, len(drivers))
	for name := range drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func init() {
	RegisterDriver("manual", func() Driver { return NewManualDriver() })
	RegisterDriver("timer", func() Driver { return NewTimerDriver() })
}
