//go:build portmidi

package devices

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rakyll/portmidi"
)

var (
	pmMu   sync.Mutex
	pmRefs int
)

func pmAcquire() error {
	pmMu.Lock()
	defer pmMu.Unlock()
	if pmRefs == 0 {
		if err := portmidi.Initialize(); err != nil {
			return fmt.Errorf("devices: portmidi init: %w", err)
		}
	}
	pmRefs++
	return nil
}

func pmRelease() {
	pmMu.Lock()
	defer pmMu.Unlock()
	if pmRefs == 0 {
		return
	}
	pmRefs--
	if pmRefs == 0 {
		_ = portmidi.Terminate()
	}
}

// PortMIDI reads MIDI hardware through PortMidi.
type PortMIDI struct {
	// Poll is the read interval when the device is idle.
	Poll time.Duration
}

func NewPortMIDI() *PortMIDI { return &PortMIDI{Poll: time.Millisecond} }

func (p *PortMIDI) Devices() (MIDIDevices, error) {
	if err := pmAcquire(); err != nil {
		return nil, err
	}
	defer pmRelease()

	n := portmidi.CountDevices()
	out := make(MIDIDevices, 0, n)
	for i := 0; i < n; i++ {
		info := portmidi.Info(portmidi.DeviceID(i))
		if info == nil {
			continue
		}
		out = append(out, MIDIDevice{
			Device:    Device{Name: info.Name, UID: fmt.Sprintf("pm:%d", i), IsOnline: true},
			DeviceID:  i,
			Interface: info.Interface,
			IsInput:   info.IsInputAvailable,
			IsOutput:  info.IsOutputAvailable,
		})
	}
	return out, nil
}

// Listen opens device, or the default input when device is negative.
func (p *PortMIDI) Listen(ctx context.Context, device int, fn MIDIHandler) error {
	if err := pmAcquire(); err != nil {
		return err
	}
	defer pmRelease()

	id := portmidi.DeviceID(device)
	if device < 0 {
		id = portmidi.DefaultInputDeviceID()
	}
	in, err := portmidi.NewInputStream(id, 1024)
	if err != nil {
		return fmt.Errorf("devices: open midi %d: %w", id, err)
	}
	defer in.Close()

	idle := time.NewTicker(p.Poll)
	defer idle.Stop()
	for ctx.Err() == nil {
		ready, err := in.Poll()
		if err != nil {
			return fmt.Errorf("devices: poll midi %d: %w", id, err)
		}
		if ready {
			events, err := in.Read(1024)
			if err != nil {
				return fmt.Errorf("devices: read midi %d: %w", id, err)
			}
			for _, ev := range events {
				if msg, ok := Decode(byte(ev.Status), byte(ev.Data1), byte(ev.Data2)); ok {
					fn(msg, time.Duration(ev.Timestamp)*time.Millisecond)
				}
			}
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-idle.C:
		}
	}
	return nil
}
