package audiocore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gitlab.com/gomidi/midi/v2"

	"github.com/shaban/audiocore/devices"
	"github.com/shaban/audiocore/engine/graph"
	"github.com/shaban/audiocore/engine/plugin"
)

// SendMIDI delivers a channel voice message to node id at the start of
// the next block.
func (e *Engine) SendMIDI(ctx context.Context, id graph.NodeID, msg midi.Message) error {
	ev, ok := plugin.FromMIDI(msg, 0)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnsupportedMIDI, msg)
	}
	return e.core.QueueMIDI(ctx, id, ev)
}

// ListenMIDI forwards messages from one device of in to node target until
// ctx is canceled. Messages the engine cannot route are skipped.
func (e *Engine) ListenMIDI(ctx context.Context, in devices.MIDIInput, device int, target graph.NodeID) error {
	return in.Listen(ctx, device, func(msg midi.Message, _ time.Duration) {
		err := e.SendMIDI(ctx, target, msg)
		if err != nil && !errors.Is(err, ErrUnsupportedMIDI) && ctx.Err() == nil {
			e.errorHandler.HandleError(fmt.Errorf("midi input %d: %w", device, err))
		}
	})
}
