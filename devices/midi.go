package devices

import (
	"context"
	"fmt"
	"time"

	"gitlab.com/gomidi/midi/v2"
)

// MIDIHandler receives a decoded message with the device timestamp.
type MIDIHandler func(msg midi.Message, at time.Duration)

// MIDIInput delivers messages from MIDI hardware.
type MIDIInput interface {
	Devices() (MIDIDevices, error)
	// Listen calls fn for every message of device until ctx is done.
	Listen(ctx context.Context, device int, fn MIDIHandler) error
}

// Decode builds a channel message from raw bytes. System messages are
// not forwarded to the engine.
func Decode(status, data1, data2 byte) (midi.Message, bool) {
	switch status & 0xF0 {
	case 0x80, 0x90, 0xA0, 0xB0, 0xE0:
		return midi.Message{status, data1 & 0x7F, data2 & 0x7F}, true
	case 0xC0, 0xD0:
		return midi.Message{status, data1 & 0x7F}, true
	default:
		return nil, false
	}
}

type virtualEvent struct {
	msg midi.Message
	at  time.Duration
}

// VirtualMIDI is an in-process MIDI input fed by Send, for tests and for
// editors that generate MIDI themselves.
type VirtualMIDI struct {
	name  string
	ch    chan virtualEvent
	start time.Time
}

func NewVirtualMIDI(name string, buffer int) *VirtualMIDI {
	if buffer <= 0 {
		buffer = 256
	}
	return &VirtualMIDI{name: name, ch: make(chan virtualEvent, buffer), start: time.Now()}
}

func (v *VirtualMIDI) Devices() (MIDIDevices, error) {
	return MIDIDevices{{
		Device:  Device{Name: v.name, UID: "virtual:" + v.name, IsOnline: true},
		IsInput: true,
	}}, nil
}

// Send queues msg for the listener, blocking while the buffer is full.
func (v *VirtualMIDI) Send(ctx context.Context, msg midi.Message) error {
	select {
	case v.ch <- virtualEvent{msg: msg, at: time.Since(v.start)}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (v *VirtualMIDI) Listen(ctx context.Context, device int, fn MIDIHandler) error {
	if device != 0 {
		return fmt.Errorf("devices: virtual input %q has no device %d", v.name, device)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-v.ch:
			fn(ev.msg, ev.at)
		}
	}
}
