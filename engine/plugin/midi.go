package plugin

import (
	"gitlab.com/gomidi/midi/v2"
)

// FromMIDI converts a channel voice message into an event at offset.
// Unsupported messages report false.
func FromMIDI(msg midi.Message, offset uint32) (Event, bool) {
	var ch, key, val uint8
	ev := Event{Offset: offset}
	switch {
	case msg.GetNoteStart(&ch, &key, &val):
		ev.Kind, ev.Key, ev.Value = EventNoteOn, key, float32(val)/127
	case msg.GetNoteEnd(&ch, &key):
		ev.Kind, ev.Key = EventNoteOff, key
	case msg.GetControlChange(&ch, &key, &val):
		ev.Kind, ev.Key, ev.Value = EventControlChange, key, float32(val)/127
	case msg.GetProgramChange(&ch, &key):
		ev.Kind, ev.Key = EventProgramChange, key
	case msg.GetAfterTouch(&ch, &val):
		ev.Kind, ev.Value = EventAftertouch, float32(val)/127
	default:
		var rel int16
		var abs uint16
		if !msg.GetPitchBend(&ch, &rel, &abs) {
			return Event{}, false
		}
		ev.Kind, ev.Value = EventPitchBend, clampUnit(float32(rel)/8192)
	}
	ev.Channel = ch
	return ev, true
}

// ToMIDI converts a MIDI event back to a wire message.
func ToMIDI(ev Event) (midi.Message, bool) {
	switch ev.Kind {
	case EventNoteOn:
		return midi.NoteOn(ev.Channel, ev.Key, to7bit(ev.Value)), true
	case EventNoteOff:
		return midi.NoteOff(ev.Channel, ev.Key), true
	case EventControlChange:
		return midi.ControlChange(ev.Channel, ev.Key, to7bit(ev.Value)), true
	case EventProgramChange:
		return midi.ProgramChange(ev.Channel, ev.Key), true
	case EventAftertouch:
		return midi.AfterTouch(ev.Channel, to7bit(ev.Value)), true
	case EventPitchBend:
		return midi.Pitchbend(ev.Channel, int16(clampUnit(ev.Value)*8191)), true
	}
	return nil, false
}

func to7bit(v float32) uint8 {
	if v <= 0 {
		return 0
	}
	if v >= 1 {
		return 127
	}
	return uint8(v*127 + 0.5)
}

func clampUnit(v float32) float32 {
	if v < -1 {
		return -1
	}
	if v > 1 {
		return 1
	}
	return v
}
