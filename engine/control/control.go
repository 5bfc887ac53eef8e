// Package control defines the fixed-size records that cross between the
// control goroutine and the audio thread, and the rings that carry them.
//
// Commands flow to the audio thread and must be delivered: when the ring is
// full the control side waits. Notes and meters flow back; the audio thread
// never waits for them. A full note ring drops the new note, a full meter
// ring drops the oldest meter.
package control

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shaban/audiocore/engine/graph"
	"github.com/shaban/audiocore/engine/mixer"
	"github.com/shaban/audiocore/engine/plugin"
	"github.com/shaban/audiocore/engine/ring"
	"github.com/shaban/audiocore/engine/transport"
)

// CommandKind selects the payload of a Command.
type CommandKind uint8

const (
	CmdSwap CommandKind = iota + 1
	CmdTransport
	CmdParam
	CmdMIDI
	CmdReset
)

func (k CommandKind) String() string {
	switch k {
	case CmdSwap:
		return "swap"
	case CmdTransport:
		return "transport"
	case CmdParam:
		return "param"
	case CmdMIDI:
		return "midi"
	case CmdReset:
		return "reset"
	default:
		return fmt.Sprintf("command(%d)", uint8(k))
	}
}

// Command is one control to audio record.
type Command struct {
	Kind      CommandKind
	Snapshot  *graph.Snapshot
	Transport transport.Command
	Node      graph.NodeID
	Event     plugin.Event
}

// NoteKind selects the payload of a Note.
type NoteKind uint8

const (
	NoteFault NoteKind = iota + 1
	NoteOverrun
	NoteSlowPlugin
	NoteReset
)

func (k NoteKind) String() string {
	switch k {
	case NoteFault:
		return "fault"
	case NoteOverrun:
		return "overrun"
	case NoteSlowPlugin:
		return "slow-plugin"
	case NoteReset:
		return "reset"
	default:
		return fmt.Sprintf("note(%d)", uint8(k))
	}
}

// Note is one audio to control record.
type Note struct {
	Kind     NoteKind
	Node     graph.NodeID
	Epoch    uint64
	Sample   int64
	Frames   int
	Elapsed  time.Duration
	Deadline time.Duration
}

// Capacity sizes the three rings.
type Capacity struct {
	Commands int
	Notes    int
	Meters   int
}

// DefaultCapacity is used for zero fields.
var DefaultCapacity = Capacity{Commands: 1024, Notes: 256, Meters: 64}

// Stats counts ring pressure.
type Stats struct {
	CommandsBlocked uint64
	NotesDropped    uint64
	MetersDropped   uint64
}

// Channel bundles the three rings.
type Channel struct {
	cmds   *ring.Ring[Command]
	notes  *ring.Ring[Note]
	meters *ring.Ring[mixer.Meter]

	sendMu sync.Mutex // one producer on the control side
	recvMu sync.Mutex // one consumer on the control side
}

// New allocates a channel.
func New(c Capacity) *Channel {
	if c.Commands <= 0 {
		c.Commands = DefaultCapacity.Commands
	}
	if c.Notes <= 0 {
		c.Notes = DefaultCapacity.Notes
	}
	if c.Meters <= 0 {
		c.Meters = DefaultCapacity.Meters
	}
	return &Channel{
		cmds:   ring.New[Command](c.Commands),
		notes:  ring.New[Note](c.Notes),
		meters: ring.New[mixer.Meter](c.Meters),
	}
}

// Send queues a command, waiting while the ring is full.
func (c *Channel) Send(ctx context.Context, cmd Command) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := c.cmds.Push(ctx, cmd); err != nil {
		return fmt.Errorf("send %s command: %w", cmd.Kind, err)
	}
	return nil
}

// TrySend queues a command without waiting.
func (c *Channel) TrySend(cmd Command) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.cmds.TryPush(cmd)
}

// Pending returns the approximate number of queued commands.
func (c *Channel) Pending() int { return c.cmds.Len() }

// Receive takes the next command. Audio thread only.
func (c *Channel) Receive() (Command, bool) { return c.cmds.TryPop() }

// Notify posts a note without waiting. Audio thread only.
func (c *Channel) Notify(n Note) bool { return c.notes.TryPushCounted(n) }

// PublishMeter posts a meter record, replacing the oldest when full. Audio
// thread only.
func (c *Channel) PublishMeter(m mixer.Meter) { c.meters.PushOverwrite(m) }

// DrainNotes hands every queued note to fn and returns how many it saw.
func (c *Channel) DrainNotes(fn func(Note)) int {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()
	n := 0
	for {
		note, ok := c.notes.TryPop()
		if !ok {
			return n
		}
		fn(note)
		n++
	}
}

// LatestMeter drains the meter ring and returns the newest record.
func (c *Channel) LatestMeter() (mixer.Meter, bool) {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()
	var last mixer.Meter
	found := false
	for {
		m, ok := c.meters.TryPop()
		if !ok {
			return last, found
		}
		last, found = m, true
	}
}

// Stats returns the ring counters.
func (c *Channel) Stats() Stats {
	return Stats{
		CommandsBlocked: c.cmds.Blocked(),
		NotesDropped:    c.notes.Dropped(),
		MetersDropped:   c.meters.Dropped(),
	}
}
