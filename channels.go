package audiocore

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"

	"github.com/shaban/audiocore/engine/graph"
	"github.com/shaban/audiocore/engine/mixer"
	"github.com/shaban/audiocore/engine/plugin"
)

// ChannelType represents the different types of audio channels
type ChannelType string

const (
	ChannelTypeAudioInput ChannelType = "audio_input"
	ChannelTypeMidiInput  ChannelType = "midi_input"
	ChannelTypeAux        ChannelType = "aux"
)

// ChannelConfig describes a channel strip to create.
type ChannelConfig struct {
	Type ChannelType
	// Instrument is the source plugin of a MIDI channel; builtin.sine when
	// empty.
	Instrument string
	// Plugins is the effect chain, in signal order.
	Plugins []string
}

// Channel is a strip of nodes: a source, an effect chain and a mixer bus
// feeding the master output. Audio input channels read the device input,
// MIDI channels play an instrument and aux channels take sends from other
// channels.
type Channel struct {
	ID     string         `json:"id"`
	Type   ChannelType    `json:"type"`
	Source graph.NodeID   `json:"source"`
	Chain  []graph.NodeID `json:"chain,omitempty"`
	Bus    graph.NodeID   `json:"bus"`
	Sends  []string       `json:"sends,omitempty"`
}

func (c *Channel) clone() Channel {
	out := *c
	out.Chain = slices.Clone(c.Chain)
	out.Sends = slices.Clone(c.Sends)
	return out
}

// path returns the nodes in signal order.
func (c *Channel) path() []graph.NodeID {
	out := append([]graph.NodeID{c.Source}, c.Chain...)
	return append(out, c.Bus)
}

func (c *Channel) owns(id graph.NodeID) bool {
	return slices.Contains(c.path(), id)
}

func sourceID(cfg ChannelConfig) (string, error) {
	switch cfg.Type {
	case ChannelTypeAudioInput:
		return plugin.IDInput, nil
	case ChannelTypeMidiInput:
		if cfg.Instrument == "" {
			return plugin.IDSine, nil
		}
		return cfg.Instrument, nil
	case ChannelTypeAux:
		return plugin.IDPassthrough, nil
	default:
		return "", fmt.Errorf("audiocore: unknown channel type %q", cfg.Type)
	}
}

// channelOf returns the channel that owns node id. Worker only.
func (e *Engine) channelOf(id graph.NodeID) *Channel {
	for _, c := range e.channels {
		if c.owns(id) {
			return c
		}
	}
	return nil
}

type loaded struct {
	name string
	host *plugin.Host
}

// loadAll loads every plugin or none.
func (e *Engine) loadAll(ids []string, names []string) ([]loaded, error) {
	out := make([]loaded, 0, len(ids))
	for i, id := range ids {
		h, err := e.loadID(id)
		if err != nil {
			h.Unload()
			unloadAll(out)
			return nil, err
		}
		out = append(out, loaded{name: names[i], host: h})
	}
	return out, nil
}

func unloadAll(ls []loaded) {
	for _, l := range ls {
		l.host.Unload()
	}
}

func isEffect(h *plugin.Host) bool {
	d := h.Descriptor()
	return d.AudioIn > 0 && d.AudioOut > 0
}

// CreateChannel builds a channel strip and routes it to the master
// output. Every plugin must load; otherwise nothing is added.
func (e *Engine) CreateChannel(ctx context.Context, id string, cfg ChannelConfig) (Channel, error) {
	src, err := sourceID(cfg)
	if err != nil {
		return Channel{}, err
	}
	ids := append(append([]string{src}, cfg.Plugins...), mixer.BusID)
	names := make([]string, len(ids))
	names[0] = id
	for i, p := range cfg.Plugins {
		names[i+1] = fmt.Sprintf("%s/%s", id, p)
	}
	names[len(names)-1] = id + "/bus"

	ls, err := e.loadAll(ids, names)
	if err != nil {
		return Channel{}, err
	}
	for _, l := range ls[1:] {
		if !isEffect(l.host) {
			unloadAll(ls)
			return Channel{}, fmt.Errorf("%w: %s", ErrNotEffect, l.host.Descriptor().ID)
		}
	}

	var out Channel
	err = e.dispatcher.Edit(ctx, OpCreateChannel, func(g *graph.Graph) ([]*graph.Node, error) {
		if _, ok := e.channels[id]; ok {
			return nil, fmt.Errorf("%w: %s", ErrChannelExists, id)
		}
		var placed []*graph.Node
		undo := func() {
			for _, n := range placed {
				g.RemoveNode(n.ID)
			}
			e.forget(placed...)
		}
		for _, l := range ls {
			n, err := e.place(g, 0, l.name, l.host)
			if err != nil {
				undo()
				return nil, err
			}
			placed = append(placed, n)
		}
		ch := &Channel{ID: id, Type: cfg.Type, Source: placed[0].ID, Bus: placed[len(placed)-1].ID}
		for _, n := range placed[1 : len(placed)-1] {
			ch.Chain = append(ch.Chain, n.ID)
		}
		p := append(ch.path(), e.Master())
		for i := 1; i < len(p); i++ {
			if err := g.Connect(audioLink(p[i-1], p[i])); err != nil {
				undo()
				return nil, err
			}
		}
		e.channels[id] = ch
		out = ch.clone()
		return nil, nil
	})
	if err != nil {
		if out.ID == "" {
			unloadAll(ls)
		}
		return Channel{}, err
	}
	return out, nil
}

// RemoveChannel removes a channel with all its nodes and the sends that
// point at it.
func (e *Engine) RemoveChannel(ctx context.Context, id string) error {
	return e.dispatcher.Edit(ctx, OpRemoveChannel, func(g *graph.Graph) ([]*graph.Node, error) {
		ch, ok := e.channels[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrChannelNotFound, id)
		}
		var removed []*graph.Node
		for _, nid := range ch.path() {
			n, err := g.RemoveNode(nid)
			if err != nil {
				return nil, err
			}
			removed = append(removed, n)
		}
		e.forget(removed...)
		delete(e.channels, id)
		for _, other := range e.channels {
			other.Sends = slices.DeleteFunc(other.Sends, func(s string) bool { return s == id })
		}
		return removed, nil
	})
}

// GetChannel returns a copy of channel id.
func (e *Engine) GetChannel(ctx context.Context, id string) (Channel, error) {
	var out Channel
	err := e.dispatcher.Query(ctx, func(*graph.Graph) error {
		ch, ok := e.channels[id]
		if !ok {
			return fmt.Errorf("%w: %s", ErrChannelNotFound, id)
		}
		out = ch.clone()
		return nil
	})
	return out, err
}

// ListChannels returns the channel ids in sorted order.
func (e *Engine) ListChannels(ctx context.Context) ([]string, error) {
	var out []string
	err := e.dispatcher.Query(ctx, func(*graph.Graph) error {
		for id := range e.channels {
			out = append(out, id)
		}
		return nil
	})
	sort.Strings(out)
	return out, err
}

// AddPlugin inserts an effect into a channel chain at position; a
// position past the end appends.
func (e *Engine) AddPlugin(ctx context.Context, channelID, pluginID string, position int) (graph.NodeID, error) {
	h, err := e.loadID(pluginID)
	if err != nil {
		h.Unload()
		return 0, err
	}
	if !isEffect(h) {
		h.Unload()
		return 0, fmt.Errorf("%w: %s", ErrNotEffect, pluginID)
	}
	var id graph.NodeID
	err = e.dispatcher.Edit(ctx, OpAddPlugin, func(g *graph.Graph) ([]*graph.Node, error) {
		ch, ok := e.channels[channelID]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrChannelNotFound, channelID)
		}
		position = min(max(position, 0), len(ch.Chain))
		path := ch.path()
		prev, next := path[position], path[position+1]
		n, err := e.place(g, 0, fmt.Sprintf("%s/%s", channelID, pluginID), h)
		if err != nil {
			return nil, err
		}
		err = errors.Join(
			g.Disconnect(audioLink(prev, next)),
			g.Connect(audioLink(prev, n.ID)),
			g.Connect(audioLink(n.ID, next)),
		)
		if err != nil {
			g.RemoveNode(n.ID)
			e.forget(n)
			g.Connect(audioLink(prev, next))
			return nil, err
		}
		ch.Chain = slices.Insert(ch.Chain, position, n.ID)
		id = n.ID
		return nil, nil
	})
	if err != nil {
		if id == 0 {
			h.Unload()
		}
		return id, err
	}
	return id, nil
}

// RemovePlugin takes an effect out of a channel chain and closes the gap.
func (e *Engine) RemovePlugin(ctx context.Context, channelID string, id graph.NodeID) error {
	return e.dispatcher.Edit(ctx, OpRemovePlugin, func(g *graph.Graph) ([]*graph.Node, error) {
		ch, ok := e.channels[channelID]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrChannelNotFound, channelID)
		}
		i := slices.Index(ch.Chain, id)
		if i < 0 {
			return nil, fmt.Errorf("%w: %d in %s", graph.ErrNodeNotFound, id, channelID)
		}
		path := ch.path()
		prev, next := path[i], path[i+2]
		n, err := g.RemoveNode(id)
		if err != nil {
			return nil, err
		}
		if err := g.Connect(audioLink(prev, next)); err != nil {
			return nil, err
		}
		e.forget(n)
		ch.Chain = slices.Delete(ch.Chain, i, i+1)
		return []*graph.Node{n}, nil
	})
}

// ConnectChannels sends the bus output of source into the input of the
// aux channel target, in addition to the master output.
func (e *Engine) ConnectChannels(ctx context.Context, sourceID, targetID string) error {
	return e.dispatcher.Edit(ctx, OpConnectChannel, func(g *graph.Graph) ([]*graph.Node, error) {
		src, ok := e.channels[sourceID]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrChannelNotFound, sourceID)
		}
		dst, ok := e.channels[targetID]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrChannelNotFound, targetID)
		}
		if dst.Type != ChannelTypeAux {
			return nil, fmt.Errorf("audiocore: %s is not an aux channel", targetID)
		}
		if err := g.Connect(audioLink(src.Bus, dst.Source)); err != nil {
			return nil, err
		}
		src.Sends = append(src.Sends, targetID)
		return nil, nil
	})
}

// DisconnectChannels removes a send made by ConnectChannels.
func (e *Engine) DisconnectChannels(ctx context.Context, sourceID, targetID string) error {
	return e.dispatcher.Edit(ctx, OpConnectChannel, func(g *graph.Graph) ([]*graph.Node, error) {
		src, ok := e.channels[sourceID]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrChannelNotFound, sourceID)
		}
		dst, ok := e.channels[targetID]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrChannelNotFound, targetID)
		}
		if err := g.Disconnect(audioLink(src.Bus, dst.Source)); err != nil {
			return nil, err
		}
		src.Sends = slices.DeleteFunc(src.Sends, func(s string) bool { return s == targetID })
		return nil, nil
	})
}

func (e *Engine) busOf(ctx context.Context, channelID string) (graph.NodeID, error) {
	ch, err := e.GetChannel(ctx, channelID)
	if err != nil {
		return 0, err
	}
	return ch.Bus, nil
}

func (e *Engine) setBus(ctx context.Context, channelID string, index int, v float64) error {
	bus, err := e.busOf(ctx, channelID)
	if err != nil {
		return err
	}
	_, err = e.SetParameter(ctx, bus, index, v)
	return err
}

func (e *Engine) getBus(ctx context.Context, channelID string, index int) (float64, error) {
	bus, err := e.busOf(ctx, channelID)
	if err != nil {
		return 0, err
	}
	return e.GetParameter(bus, index)
}

// SetVolume sets a channel's fader in dB.
func (e *Engine) SetVolume(ctx context.Context, channelID string, db float64) error {
	return e.setBus(ctx, channelID, mixer.ParamGain, db)
}

// GetVolume returns a channel's fader in dB.
func (e *Engine) GetVolume(ctx context.Context, channelID string) (float64, error) {
	return e.getBus(ctx, channelID, mixer.ParamGain)
}

// SetPan sets a channel's pan in [-1, 1].
func (e *Engine) SetPan(ctx context.Context, channelID string, pan float64) error {
	return e.setBus(ctx, channelID, mixer.ParamPan, pan)
}

// GetPan returns a channel's pan.
func (e *Engine) GetPan(ctx context.Context, channelID string) (float64, error) {
	return e.getBus(ctx, channelID, mixer.ParamPan)
}

// SetMute mutes or unmutes a channel.
func (e *Engine) SetMute(ctx context.Context, channelID string, muted bool) error {
	v := 0.0
	if muted {
		v = 1
	}
	return e.setBus(ctx, channelID, mixer.ParamMute, v)
}

// GetMute reports whether a channel is muted.
func (e *Engine) GetMute(ctx context.Context, channelID string) (bool, error) {
	v, err := e.getBus(ctx, channelID, mixer.ParamMute)
	return v >= 0.5, err
}
