// Package transport keeps the authoritative playback position.
//
// The audio thread owns a Transport: it applies queued commands at the start
// of a callback and then advances the position by the callback frame count.
// After each step the state is published through atomics so the control side
// can answer position queries without touching the audio-owned fields.
package transport

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// Mode is the play state.
type Mode int32

const (
	Stopped Mode = iota
	Playing
	Recording
)

func (m Mode) String() string {
	switch m {
	case Stopped:
		return "stopped"
	case Playing:
		return "playing"
	case Recording:
		return "recording"
	default:
		return fmt.Sprintf("mode(%d)", int32(m))
	}
}

// Rolling reports whether the position advances in this mode.
func (m Mode) Rolling() bool { return m == Playing || m == Recording }

// Op is a transport command type.
type Op uint8

const (
	OpPlay Op = iota + 1
	OpStop
	OpPause
	OpRecord
	OpSeek
	OpSetTempoMap
	OpSetLoop
	OpClearLoop
)

var opNames = [...]string{
	OpPlay: "play", OpStop: "stop", OpPause: "pause", OpRecord: "record",
	OpSeek: "seek", OpSetTempoMap: "set-tempo-map", OpSetLoop: "set-loop", OpClearLoop: "clear-loop",
}

func (o Op) String() string {
	if int(o) < len(opNames) && opNames[o] != "" {
		return opNames[o]
	}
	return fmt.Sprintf("op(%d)", uint8(o))
}

var (
	ErrInvalidLoop      = errors.New("transport: loop start must be before loop end")
	ErrNegativePosition = errors.New("transport: negative position")
	ErrUnknownOp        = errors.New("transport: unknown command")
)

// Command is a transport change queued by the control thread.
type Command struct {
	Op     Op
	Sample int64 // seek target, loop start
	End    int64 // loop end
	Tempo  *TempoMap
}

// Validate checks a command before it is queued.
func (c Command) Validate() error {
	switch c.Op {
	case OpPlay, OpStop, OpPause, OpRecord, OpClearLoop:
		return nil
	case OpSeek:
		if c.Sample < 0 {
			return fmt.Errorf("%w: %d", ErrNegativePosition, c.Sample)
		}
	case OpSetLoop:
		if c.Sample < 0 {
			return fmt.Errorf("%w: %d", ErrNegativePosition, c.Sample)
		}
		if c.Sample >= c.End {
			return fmt.Errorf("%w: [%d, %d)", ErrInvalidLoop, c.Sample, c.End)
		}
	case OpSetTempoMap:
		if c.Tempo == nil {
			return ErrInvalidTempoMap
		}
	default:
		return fmt.Errorf("%w: %d", ErrUnknownOp, c.Op)
	}
	return nil
}

func (c Command) valid() bool {
	switch c.Op {
	case OpSeek:
		return c.Sample >= 0
	case OpSetLoop:
		return c.Sample >= 0 && c.Sample < c.End
	case OpSetTempoMap:
		return c.Tempo != nil
	}
	return c.Op >= OpPlay && c.Op <= OpClearLoop
}

// Loop is the loop region [Start, End).
type Loop struct {
	Start   int64 `json:"start"`
	End     int64 `json:"end"`
	Enabled bool  `json:"enabled"`
}

// Contains reports whether sample lies inside the region.
func (l Loop) Contains(sample int64) bool { return sample >= l.Start && sample < l.End }

// Wrap records one loop crossing inside a block. Offset is the first sample
// of the block rendered at the loop start; it equals the frame count when
// the block ends exactly on the loop end.
type Wrap struct {
	Offset int
	Sample int64
}

// Transport is the audio-owned transport state.
type Transport struct {
	pos       int64
	playStart int64
	mode      Mode
	loop      Loop
	lastLoop  Loop
	tempo     *TempoMap

	pubPos   atomic.Int64
	pubMode  atomic.Int32
	pubTempo atomic.Pointer[TempoMap]

	// loop region behind a version counter, odd while being written
	loopVer     atomic.Uint64
	loopStart   atomic.Int64
	loopEnd     atomic.Int64
	loopEnabled atomic.Bool
}

// New creates a stopped transport at sample zero.
func New(tempo *TempoMap) *Transport {
	t := &Transport{tempo: tempo}
	t.publish()
	return t
}

// Apply executes one command. Invalid commands are ignored; callers
// validate before queueing. Audio thread only.
func (t *Transport) Apply(c Command) {
	if !c.valid() {
		return
	}
	switch c.Op {
	case OpPlay:
		if t.mode == Stopped {
			t.playStart = t.pos
		}
		t.mode = Playing
	case OpRecord:
		if t.mode == Stopped {
			t.playStart = t.pos
		}
		t.mode = Recording
	case OpStop:
		t.mode = Stopped
		t.pos = t.playStart
	case OpPause:
		t.mode = Stopped
		t.playStart = t.pos
	case OpSeek:
		t.pos = c.Sample
		t.playStart = c.Sample
		if t.loop.Enabled && !t.loop.Contains(c.Sample) {
			t.loop.Enabled = false
		}
	case OpSetLoop:
		t.loop = Loop{Start: c.Sample, End: c.End, Enabled: true}
	case OpClearLoop:
		t.loop.Enabled = false
	case OpSetTempoMap:
		t.tempo = c.Tempo
	}
	t.publish()
}

// Advance moves the position by frames when rolling. Each loop crossing is
// appended to wraps as long as wraps has spare capacity, so the call never
// allocates; the position is correct regardless.
func (t *Transport) Advance(frames int, wraps []Wrap) []Wrap {
	if frames <= 0 || !t.mode.Rolling() {
		return wraps
	}
	remaining := int64(frames)
	offset := 0
	for remaining > 0 {
		if !t.loop.Enabled || t.pos >= t.loop.End {
			t.pos += remaining
			break
		}
		toEnd := t.loop.End - t.pos
		if remaining < toEnd {
			t.pos += remaining
			break
		}
		offset += int(toEnd)
		remaining -= toEnd
		t.pos = t.loop.Start
		if len(wraps) < cap(wraps) {
			wraps = append(wraps, Wrap{Offset: offset, Sample: t.loop.Start})
		}
	}
	t.publish()
	return wraps
}

func (t *Transport) publish() {
	t.pubPos.Store(t.pos)
	t.pubMode.Store(int32(t.mode))
	t.pubTempo.Store(t.tempo)
	if t.loop != t.lastLoop {
		t.loopVer.Add(1)
		t.loopStart.Store(t.loop.Start)
		t.loopEnd.Store(t.loop.End)
		t.loopEnabled.Store(t.loop.Enabled)
		t.loopVer.Add(1)
		t.lastLoop = t.loop
	}
}

// Sample returns the audio-owned position. Audio thread only.
func (t *Transport) Sample() int64 { return t.pos }

// CurrentMode returns the audio-owned mode. Audio thread only.
func (t *Transport) CurrentMode() Mode { return t.mode }

// CurrentLoop returns the audio-owned loop. Audio thread only.
func (t *Transport) CurrentLoop() Loop { return t.loop }

// Tempo returns the audio-owned tempo map. Audio thread only.
func (t *Transport) Tempo() *TempoMap { return t.tempo }

// Position returns the last published position. Safe from any goroutine.
func (t *Transport) Position() int64 { return t.pubPos.Load() }

// Mode returns the last published mode. Safe from any goroutine.
func (t *Transport) Mode() Mode { return Mode(t.pubMode.Load()) }

// Loop returns the last published loop region. Safe from any goroutine.
func (t *Transport) Loop() Loop {
	for {
		v := t.loopVer.Load()
		if v&1 == 1 {
			continue
		}
		l := Loop{Start: t.loopStart.Load(), End: t.loopEnd.Load(), Enabled: t.loopEnabled.Load()}
		if t.loopVer.Load() == v {
			return l
		}
	}
}

// TempoMap returns the last published tempo map. Safe from any goroutine.
func (t *Transport) TempoMap() *TempoMap { return t.pubTempo.Load() }

// Musical returns the published position in bars and beats.
func (t *Transport) Musical() Musical {
	m := t.TempoMap()
	if m == nil {
		return Musical{Bar: 1, Beat: 1}
	}
	return m.Musical(t.Position())
}
