package audiocore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shaban/audiocore/engine/automation"
	"github.com/shaban/audiocore/engine/graph"
	"github.com/shaban/audiocore/engine/plugin"
	"github.com/shaban/audiocore/engine/spec"
	"github.com/shaban/audiocore/engine/transport"
)

// ProjectState represents the complete serializable state of the engine
type ProjectState struct {
	Version     string              `json:"version"`
	ID          uuid.UUID           `json:"id"`
	Name        string              `json:"name"`
	AudioSpec   spec.AudioSpec      `json:"audioSpec"`
	Master      graph.NodeID        `json:"master"`
	MasterGain  float64             `json:"masterGain"`
	Nodes       []NodeState         `json:"nodes"`
	Connections []graph.Connection  `json:"connections"`
	Channels    []Channel           `json:"channels,omitempty"`
	Tempo       *transport.TempoMap `json:"tempo,omitempty"`
	Loop        transport.Loop      `json:"loop"`
	Automation  []*automation.Lane  `json:"automation,omitempty"`
}

// NodeState is one node of a project. Ports are kept so a node whose
// plugin is missing on load still accepts its connections.
type NodeState struct {
	ID       graph.NodeID `json:"id"`
	Name     string       `json:"name"`
	Kind     plugin.Kind  `json:"kind"`
	Plugin   string       `json:"plugin"`
	Path     string       `json:"path,omitempty"`
	AudioIn  int          `json:"audioIn"`
	AudioOut int          `json:"audioOut"`
	EventIn  int          `json:"eventIn"`
	EventOut int          `json:"eventOut"`
	Bypass   bool         `json:"bypass,omitempty"`
	Params   []float64    `json:"params,omitempty"`
}

// Serializer handles engine state persistence and restoration
type Serializer struct {
	engine  *Engine
	mu      sync.Mutex
	version string
}

// NewSerializer creates a new serializer
func NewSerializer(engine *Engine) *Serializer {
	return &Serializer{
		engine:  engine,
		version: "1.0.0", // project format version
	}
}

// GetVersion returns the project format version written by Capture.
func (s *Serializer) GetVersion() string { return s.version }

// IsCompatible reports whether a project of version can be restored.
func (s *Serializer) IsCompatible(version string) bool { return version == s.version }

// Capture returns the current project. It runs between topology edits,
// so the result is consistent.
func (s *Serializer) Capture(ctx context.Context) (ProjectState, error) {
	e := s.engine
	st := ProjectState{
		Version:    s.version,
		ID:         e.GetID(),
		Name:       e.GetName(),
		AudioSpec:  e.Spec(),
		Master:     e.Master(),
		MasterGain: e.core.Master().Gain(),
		Tempo:      e.core.TempoMap(),
		Loop:       e.core.Loop(),
	}
	err := e.dispatcher.Query(ctx, func(g *graph.Graph) error {
		for _, n := range g.Nodes() {
			st.Nodes = append(st.Nodes, NodeState{
				ID:       n.ID,
				Name:     n.Name,
				Kind:     n.Kind,
				Plugin:   n.Desc.ID,
				Path:     n.Desc.Path,
				AudioIn:  n.AudioIn,
				AudioOut: n.AudioOut,
				EventIn:  n.EventIn,
				EventOut: n.EventOut,
				Bypass:   n.Bypassed(),
				Params:   e.params.Values(uint32(n.ID)),
			})
		}
		st.Connections = g.Connections()
		for _, l := range g.Lanes() {
			st.Automation = append(st.Automation, automation.NewLane(l.Node, l.Param, l.Default, l.Points))
		}
		for _, ch := range e.channels {
			st.Channels = append(st.Channels, ch.clone())
		}
		sort.Slice(st.Channels, func(i, j int) bool { return st.Channels[i].ID < st.Channels[j].ID })
		return nil
	})
	return st, err
}

// Restore replaces the whole project with st. Every plugin is loaded
// before the graph changes; a plugin that fails to load becomes a faulted
// node and its error is returned after the rest of the project is in
// place. A project that does not form a valid graph leaves the engine
// untouched.
func (s *Serializer) Restore(ctx context.Context, st ProjectState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.engine

	if !s.IsCompatible(st.Version) {
		return fmt.Errorf("%w: got %s, expected %s", ErrProjectVersion, st.Version, s.version)
	}
	if st.AudioSpec != e.Spec() {
		e.log.Warn("project audio format differs from the session",
			zap.Any("project", st.AudioSpec), zap.Any("session", e.Spec()))
	}

	specs := make([]graph.Spec, len(st.Nodes))
	var loadErrs []error
	for i, ns := range st.Nodes {
		desc, ok := e.resolve(ns.Plugin)
		if !ok {
			desc = plugin.Descriptor{ID: ns.Plugin, Path: ns.Path}
		}
		h, err := e.load(desc)
		specs[i] = graph.Spec{Name: ns.Name, Host: h}
		if err != nil {
			loadErrs = append(loadErrs, fmt.Errorf("node %d (%s): %w", ns.ID, ns.Name, err))
			d := h.Descriptor()
			d.Kind, d.AudioIn, d.AudioOut, d.EventIn, d.EventOut = ns.Kind, ns.AudioIn, ns.AudioOut, ns.EventIn, ns.EventOut
			specs[i].Desc = &d
		}
	}
	unload := func() {
		for _, sp := range specs {
			sp.Host.Unload()
		}
	}
	if err := s.validate(st, specs); err != nil {
		unload()
		return err
	}

	err := e.dispatcher.Edit(ctx, OpRestore, func(g *graph.Graph) ([]*graph.Node, error) {
		var removed []*graph.Node
		for _, n := range g.Nodes() {
			if r, err := g.RemoveNode(n.ID); err == nil {
				removed = append(removed, r)
			}
		}
		e.forget(removed...)
		for i, ns := range st.Nodes {
			n, err := e.placeSpec(g, ns.ID, specs[i])
			if err != nil {
				return nil, err
			}
			n.SetBypass(ns.Bypass)
			if err := e.params.Restore(uint32(n.ID), ns.Params); err != nil {
				return nil, err
			}
		}
		for _, c := range st.Connections {
			if err := g.Connect(c); err != nil {
				return nil, err
			}
		}
		for _, l := range st.Automation {
			if err := g.SetLane(graph.NodeID(l.Node), automation.NewLane(l.Node, l.Param, l.Default, l.Points)); err != nil {
				return nil, err
			}
		}
		e.channels = make(map[string]*Channel, len(st.Channels))
		for _, ch := range st.Channels {
			c := ch.clone()
			e.channels[c.ID] = &c
		}
		e.master.Store(uint32(st.Master))
		return removed, nil
	})
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.id, e.name = st.ID, st.Name
	e.mu.Unlock()
	e.core.Master().SetGain(st.MasterGain)
	if st.Tempo != nil {
		err = e.SetTempoMap(ctx, st.Tempo)
	}
	if err == nil {
		if st.Loop.Enabled {
			err = e.SetLoop(ctx, st.Loop.Start, st.Loop.End)
		} else {
			err = e.ClearLoop(ctx)
		}
	}
	if err != nil {
		return err
	}
	e.pump()
	e.log.Info("project restored",
		zap.String("id", st.ID.String()),
		zap.Int("nodes", len(st.Nodes)),
		zap.Int("connections", len(st.Connections)),
		zap.Int("failed", len(loadErrs)))
	return errors.Join(loadErrs...)
}

// validate builds st on a scratch graph so Restore cannot fail halfway.
func (s *Serializer) validate(st ProjectState, specs []graph.Spec) error {
	g := graph.New(s.engine.graph.Config())
	for i, ns := range st.Nodes {
		sp := specs[i]
		sp.Host = nil
		if sp.Desc == nil {
			d := specs[i].Host.Descriptor()
			sp.Desc = &d
		}
		if _, err := g.AddNodeWithID(ns.ID, sp); err != nil {
			return fmt.Errorf("invalid project: %w", err)
		}
	}
	for _, c := range st.Connections {
		if err := g.Connect(c); err != nil {
			return fmt.Errorf("invalid project: %w", err)
		}
	}
	for _, l := range st.Automation {
		if _, ok := g.Node(graph.NodeID(l.Node)); !ok {
			return fmt.Errorf("invalid project: automation of %w: %d", graph.ErrNodeNotFound, l.Node)
		}
	}
	if _, ok := g.Node(st.Master); !ok {
		return fmt.Errorf("invalid project: master %w: %d", graph.ErrNodeNotFound, st.Master)
	}
	for _, ch := range st.Channels {
		for _, id := range ch.path() {
			if _, ok := g.Node(id); !ok {
				return fmt.Errorf("invalid project: channel %s: %w: %d", ch.ID, graph.ErrNodeNotFound, id)
			}
		}
		if slices.Contains(ch.path(), st.Master) {
			return fmt.Errorf("invalid project: channel %s owns the master", ch.ID)
		}
	}
	return nil
}

// SaveTo writes the current project as indented JSON.
func (s *Serializer) SaveTo(ctx context.Context, w io.Writer) error {
	st, err := s.Capture(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(st); err != nil {
		return fmt.Errorf("failed to encode project: %w", err)
	}
	return nil
}

// LoadFrom reads a project written by SaveTo and restores it.
func (s *Serializer) LoadFrom(ctx context.Context, r io.Reader) error {
	var st ProjectState
	if err := json.NewDecoder(r).Decode(&st); err != nil {
		return fmt.Errorf("failed to decode project: %w", err)
	}
	return s.Restore(ctx, st)
}

// SaveToJSON returns the current project as indented JSON.
func (s *Serializer) SaveToJSON(ctx context.Context) ([]byte, error) {
	st, err := s.Capture(ctx)
	if err != nil {
		return nil, err
	}
	return json.MarshalIndent(st, "", "  ")
}

// LoadFromJSON restores a project from JSON.
func (s *Serializer) LoadFromJSON(ctx context.Context, data []byte) error {
	var st ProjectState
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("failed to decode project: %w", err)
	}
	return s.Restore(ctx, st)
}
