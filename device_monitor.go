package audiocore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shaban/audiocore/devices"
)

// DeviceMonitor handles device change detection and hotplug events
type DeviceMonitor struct {
	engine          *Engine
	mu              sync.RWMutex
	isRunning       bool
	pollingInterval time.Duration
	cancel          context.CancelFunc
	done            chan struct{}
	midi            devices.MIDIInput
	checkMu         sync.Mutex // one check at a time

	// Adaptive polling
	baseInterval    time.Duration // Base polling interval (50ms)
	maxInterval     time.Duration // Max interval when no changes (200ms)
	currentInterval time.Duration // Current adaptive interval
	lastChangeTime  time.Time     // Last time devices changed
	noChangeCount   int           // Consecutive polls with no changes

	// Device state tracking, by UID
	lastAudio map[string]devices.AudioDevice
	lastMidi  map[string]devices.MIDIDevice

	// Performance tracking
	averageCheckTime time.Duration
	maxCheckTime     time.Duration
	checkCount       int64

	// Callbacks for device events
	onAudioDeviceAdded    func(device devices.AudioDevice)
	onAudioDeviceRemoved  func(deviceUID string)
	onMidiDeviceAdded     func(device devices.MIDIDevice)
	onMidiDeviceRemoved   func(deviceUID string)
	onDeviceStatusChanged func(deviceUID string, isOnline bool)
}

// NewDeviceMonitor creates a device monitor for the engine's driver.
func NewDeviceMonitor(engine *Engine) *DeviceMonitor {
	return &DeviceMonitor{
		engine:          engine,
		pollingInterval: 50 * time.Millisecond,
		baseInterval:    50 * time.Millisecond,
		maxInterval:     200 * time.Millisecond,
		currentInterval: 50 * time.Millisecond,
		lastChangeTime:  time.Now(),
	}
}

// SetMIDIInput adds a MIDI backend whose devices are watched as well.
// Call it before Start.
func (dm *DeviceMonitor) SetMIDIInput(in devices.MIDIInput) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	dm.midi = in
}

func deviceKey(d devices.Device) string {
	if d.UID != "" {
		return d.UID
	}
	return d.Name
}

func (dm *DeviceMonitor) enumerate() (map[string]devices.AudioDevice, map[string]devices.MIDIDevice, error) {
	ads, err := dm.engine.driver.Devices()
	if err != nil {
		return nil, nil, fmt.Errorf("audio device enumeration failed: %w", err)
	}
	audio := make(map[string]devices.AudioDevice, len(ads))
	for _, d := range ads {
		audio[deviceKey(d.Device)] = d
	}
	dm.mu.RLock()
	in := dm.midi
	dm.mu.RUnlock()
	var midi map[string]devices.MIDIDevice
	if in != nil {
		mds, err := in.Devices()
		if err != nil {
			return nil, nil, fmt.Errorf("MIDI device enumeration failed: %w", err)
		}
		midi = make(map[string]devices.MIDIDevice, len(mds))
		for _, d := range mds {
			midi[deviceKey(d.Device)] = d
		}
	}
	return audio, midi, nil
}

// Start takes the current device lists as the baseline and begins
// polling.
func (dm *DeviceMonitor) Start() error {
	audio, midi, err := dm.enumerate()
	if err != nil {
		return fmt.Errorf("failed to get initial devices: %w", err)
	}

	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.isRunning {
		return errors.New("device monitor is already running")
	}
	if dm.engine.ctx.Err() != nil {
		return ErrClosed
	}
	dm.lastAudio, dm.lastMidi = audio, midi
	ctx, cancel := context.WithCancel(dm.engine.ctx)
	dm.cancel = cancel
	dm.done = make(chan struct{})
	dm.isRunning = true

	go dm.monitorLoop(ctx, dm.done)
	return nil
}

// Stop halts device monitoring and waits for the poller to exit.
func (dm *DeviceMonitor) Stop() error {
	dm.mu.Lock()
	if !dm.isRunning {
		dm.mu.Unlock()
		return nil
	}
	dm.isRunning = false
	cancel, done := dm.cancel, dm.done
	dm.mu.Unlock()

	cancel()
	<-done
	return nil
}

// IsRunning returns whether device monitoring is active
func (dm *DeviceMonitor) IsRunning() bool {
	dm.mu.RLock()
	defer dm.mu.RUnlock()
	return dm.isRunning
}

// SetCallbacks configures device event callbacks
func (dm *DeviceMonitor) SetCallbacks(
	onAudioAdded func(devices.AudioDevice),
	onAudioRemoved func(string),
	onMidiAdded func(devices.MIDIDevice),
	onMidiRemoved func(string),
	onStatusChanged func(string, bool),
) {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	dm.onAudioDeviceAdded = onAudioAdded
	dm.onAudioDeviceRemoved = onAudioRemoved
	dm.onMidiDeviceAdded = onMidiAdded
	dm.onMidiDeviceRemoved = onMidiRemoved
	dm.onDeviceStatusChanged = onStatusChanged
}

// GetPollingInterval returns the current polling interval
func (dm *DeviceMonitor) GetPollingInterval() time.Duration {
	dm.mu.RLock()
	defer dm.mu.RUnlock()
	return dm.pollingInterval
}

// SetPollingInterval sets the base polling interval (minimum 10ms).
func (dm *DeviceMonitor) SetPollingInterval(interval time.Duration) error {
	if interval < 10*time.Millisecond {
		return fmt.Errorf("polling interval cannot be less than 10ms")
	}

	dm.mu.Lock()
	defer dm.mu.Unlock()
	dm.pollingInterval = interval
	dm.baseInterval = interval
	dm.currentInterval = interval
	if dm.maxInterval < interval {
		dm.maxInterval = interval
	}
	return nil
}

func (dm *DeviceMonitor) monitorLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	currentInterval := dm.GetPollingInterval()
	ticker := time.NewTicker(currentInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			dm.checkDevices()

			if next := dm.GetPollingInterval(); next != currentInterval {
				ticker.Reset(next)
				currentInterval = next
			}
		}
	}
}

type deviceEvents struct {
	audioAdded   []devices.AudioDevice
	audioRemoved []string
	midiAdded    []devices.MIDIDevice
	midiRemoved  []string
	status       map[string]bool
}

func (ev *deviceEvents) empty() bool {
	return len(ev.audioAdded)+len(ev.audioRemoved)+len(ev.midiAdded)+len(ev.midiRemoved)+len(ev.status) == 0
}

// checkDevices compares the device lists with the last poll and fires
// callbacks for every difference.
func (dm *DeviceMonitor) checkDevices() {
	dm.checkMu.Lock()
	defer dm.checkMu.Unlock()
	start := time.Now()
	audio, midi, err := dm.enumerate()
	if err != nil {
		dm.engine.errorHandler.HandleError(err)
		return
	}
	dm.updatePerformanceStats(time.Since(start))

	dm.mu.Lock()
	ev := deviceEvents{status: make(map[string]bool)}
	for uid, d := range audio {
		old, ok := dm.lastAudio[uid]
		switch {
		case !ok:
			ev.audioAdded = append(ev.audioAdded, d)
		case old.IsOnline != d.IsOnline:
			ev.status[uid] = d.IsOnline
		}
	}
	for uid := range dm.lastAudio {
		if _, ok := audio[uid]; !ok {
			ev.audioRemoved = append(ev.audioRemoved, uid)
		}
	}
	if midi != nil {
		for uid, d := range midi {
			old, ok := dm.lastMidi[uid]
			switch {
			case !ok:
				ev.midiAdded = append(ev.midiAdded, d)
			case old.IsOnline != d.IsOnline:
				ev.status[uid] = d.IsOnline
			}
		}
		for uid := range dm.lastMidi {
			if _, ok := midi[uid]; !ok {
				ev.midiRemoved = append(ev.midiRemoved, uid)
			}
		}
		dm.lastMidi = midi
	}
	dm.lastAudio = audio

	if ev.empty() {
		// No changes - increase interval gradually for power efficiency
		dm.adaptiveSlowdown()
	} else {
		dm.adaptiveSpeedup()
	}
	onAudioAdded, onAudioRemoved := dm.onAudioDeviceAdded, dm.onAudioDeviceRemoved
	onMidiAdded, onMidiRemoved := dm.onMidiDeviceAdded, dm.onMidiDeviceRemoved
	onStatus := dm.onDeviceStatusChanged
	dm.mu.Unlock()

	// callbacks run unlocked so they may call back into the monitor
	for _, d := range ev.audioAdded {
		if onAudioAdded != nil {
			onAudioAdded(d)
		}
	}
	for _, uid := range ev.audioRemoved {
		if onAudioRemoved != nil {
			onAudioRemoved(uid)
		}
	}
	for _, d := range ev.midiAdded {
		if onMidiAdded != nil {
			onMidiAdded(d)
		}
	}
	for _, uid := range ev.midiRemoved {
		if onMidiRemoved != nil {
			onMidiRemoved(uid)
		}
	}
	for uid, online := range ev.status {
		if onStatus != nil {
			onStatus(uid, online)
		}
	}
}

// updatePerformanceStats tracks device check performance
func (dm *DeviceMonitor) updatePerformanceStats(elapsed time.Duration) {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	dm.checkCount++

	// EMA with alpha = 0.1
	if dm.checkCount == 1 {
		dm.averageCheckTime = elapsed
	} else {
		dm.averageCheckTime = time.Duration(float64(dm.averageCheckTime)*0.9 + float64(elapsed)*0.1)
	}
	if elapsed > dm.maxCheckTime {
		dm.maxCheckTime = elapsed
	}
}

// adaptiveSlowdown gradually increases the polling interval when nothing
// changes. Caller holds dm.mu.
func (dm *DeviceMonitor) adaptiveSlowdown() {
	dm.noChangeCount++

	// After 10 consecutive checks with no changes, start slowing down
	if dm.noChangeCount > 10 {
		newInterval := time.Duration(float64(dm.currentInterval) * 1.1)
		if newInterval > dm.maxInterval {
			newInterval = dm.maxInterval
		}
		dm.currentInterval = newInterval
		dm.pollingInterval = newInterval
	}
}

// adaptiveSpeedup resets to fast polling. Caller holds dm.mu.
func (dm *DeviceMonitor) adaptiveSpeedup() {
	dm.noChangeCount = 0
	dm.lastChangeTime = time.Now()
	dm.currentInterval = dm.baseInterval
	dm.pollingInterval = dm.baseInterval
}

// LastChange returns when the device lists last changed.
func (dm *DeviceMonitor) LastChange() time.Time {
	dm.mu.RLock()
	defer dm.mu.RUnlock()
	return dm.lastChangeTime
}

// GetPerformanceStats returns device monitoring performance statistics
func (dm *DeviceMonitor) GetPerformanceStats() (avgTime, maxTime time.Duration, checkCount int64) {
	dm.mu.RLock()
	defer dm.mu.RUnlock()
	return dm.averageCheckTime, dm.maxCheckTime, dm.checkCount
}

// ForceDeviceCheck triggers an immediate device check (useful for testing)
func (dm *DeviceMonitor) ForceDeviceCheck() {
	if dm.IsRunning() {
		dm.checkDevices()
	}
}
