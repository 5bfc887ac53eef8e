package plugin

import "fmt"

// EventKind identifies the payload of an Event.
type EventKind uint8

const (
	EventNoteOn EventKind = iota + 1
	EventNoteOff
	EventControlChange
	EventPitchBend
	EventProgramChange
	EventAftertouch
	EventParam
	EventLoopWrap
	EventTransport
)

var eventKindNames = [...]string{
	EventNoteOn:        "note-on",
	EventNoteOff:       "note-off",
	EventControlChange: "control-change",
	EventPitchBend:     "pitch-bend",
	EventProgramChange: "program-change",
	EventAftertouch:    "aftertouch",
	EventParam:         "param",
	EventLoopWrap:      "loop-wrap",
	EventTransport:     "transport",
}

func (k EventKind) String() string {
	if int(k) < len(eventKindNames) && eventKindNames[k] != "" {
		return eventKindNames[k]
	}
	return fmt.Sprintf("event(%d)", uint8(k))
}

// IsMIDI reports whether the kind carries a channel voice message.
func (k EventKind) IsMIDI() bool { return k >= EventNoteOn && k <= EventAftertouch }

// Event is a fixed-size, timestamped message delivered to a plugin within a
// block. Offset is the sample index inside the block.
//
// Field use per kind:
//
//	note-on/off       Channel, Key, Value (velocity 0..1)
//	control-change    Channel, Key (controller), Value (0..1)
//	pitch-bend        Channel, Value (-1..1)
//	program-change    Channel, Key (program)
//	aftertouch        Channel, Value (0..1)
//	param             Param, ParamValue (plain units)
//	loop-wrap         Sample (position after the wrap)
//	transport         Sample, Key (transport mode)
type Event struct {
	Kind       EventKind
	Channel    uint8
	Key        uint8
	Port       uint16
	Offset     uint32
	Param      int32
	Value      float32
	ParamValue float64
	Sample     int64
}

// ParamChange builds a parameter event.
func ParamChange(offset uint32, index int, value float64) Event {
	return Event{Kind: EventParam, Offset: offset, Param: int32(index), ParamValue: value}
}

// EventList is a pre-allocated list of events for one block. Push never
// grows the backing array. When the list is full a parameter change is
// folded into the queued change of the same parameter; other events beyond
// capacity are counted and dropped.
type EventList struct {
	buf     []Event
	n       int
	dropped uint64
}

// NewEventList allocates a list with room for capacity events.
func NewEventList(capacity int) *EventList {
	if capacity < 1 {
		capacity = 1
	}
	return &EventList{buf: make([]Event, capacity)}
}

// Cap returns the fixed capacity.
func (l *EventList) Cap() int { return len(l.buf) }

// Len returns the number of queued events.
func (l *EventList) Len() int {
	if l == nil {
		return 0
	}
	return l.n
}

// Dropped returns how many events did not fit since the list was created.
func (l *EventList) Dropped() uint64 { return l.dropped }

// Reset empties the list, keeping its storage.
func (l *EventList) Reset() { l.n = 0 }

// Push appends ev and reports whether it was kept.
func (l *EventList) Push(ev Event) bool {
	if l.n < len(l.buf) {
		l.buf[l.n] = ev
		l.n++
		return true
	}
	if ev.Kind == EventParam && l.mergeParam(ev) {
		return true
	}
	l.dropped++
	return false
}

// mergeParam overwrites the last queued change of ev's parameter with ev,
// moved to the latest offset of that parameter so it still sorts last.
func (l *EventList) mergeParam(ev Event) bool {
	last := -1
	for i := 0; i < l.n; i++ {
		if e := l.buf[i]; e.Kind == EventParam && e.Param == ev.Param {
			last = i
			ev.Offset = max(ev.Offset, e.Offset)
		}
	}
	if last < 0 {
		return false
	}
	l.buf[last] = ev
	return true
}

// RemoveParam deletes every queued change of parameter index, keeping the
// order of the remaining events. It returns how many were removed.
func (l *EventList) RemoveParam(index int32) int {
	kept := 0
	for i := 0; i < l.n; i++ {
		if e := l.buf[i]; e.Kind == EventParam && e.Param == index {
			continue
		}
		l.buf[kept] = l.buf[i]
		kept++
	}
	removed := l.n - kept
	l.n = kept
	return removed
}

// RemoveKind deletes every event of kind k, keeping the order of the rest.
func (l *EventList) RemoveKind(k EventKind) int {
	kept := 0
	for i := 0; i < l.n; i++ {
		if l.buf[i].Kind == k {
			continue
		}
		l.buf[kept] = l.buf[i]
		kept++
	}
	removed := l.n - kept
	l.n = kept
	return removed
}

// All returns the queued events. The slice aliases the list storage and is
// valid until the next Reset.
func (l *EventList) All() []Event {
	if l == nil {
		return nil
	}
	return l.buf[:l.n]
}

// At returns event i.
func (l *EventList) At(i int) Event { return l.buf[i] }

// Sort orders events by offset. Events with equal offsets keep their
// arrival order. Insertion sort: lists are short and mostly sorted, and it
// does not allocate.
func (l *EventList) Sort() {
	ev := l.buf[:l.n]
	for i := 1; i < len(ev); i++ {
		cur := ev[i]
		j := i - 1
		for j >= 0 && ev[j].Offset > cur.Offset {
			ev[j+1] = ev[j]
			j--
		}
		ev[j+1] = cur
	}
}

// ClampOffsets limits every offset to frames-1 so no event falls outside
// the block.
func (l *EventList) ClampOffsets(frames int) {
	if frames <= 0 {
		return
	}
	last := uint32(frames - 1)
	for i := 0; i < l.n; i++ {
		if l.buf[i].Offset > last {
			l.buf[i].Offset = last
		}
	}
}

// CopyFrom appends every event of src and reports whether all were kept.
func (l *EventList) CopyFrom(src *EventList) bool {
	ok := true
	for _, ev := range src.All() {
		if !l.Push(ev) {
			ok = false
		}
	}
	return ok
}
