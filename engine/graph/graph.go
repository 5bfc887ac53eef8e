// Package graph holds the processing topology edited by the control thread
// and compiles it into immutable snapshots for the audio thread.
//
// Nodes live in an arena keyed by NodeID. Ids are handed out in increasing
// order and never reused by a Graph. Every successful edit leaves the graph
// acyclic; callers build a new Snapshot after an edit and publish it.
package graph

import (
	"fmt"
	"sync/atomic"

	"github.com/shaban/audiocore/engine/automation"
	"github.com/shaban/audiocore/engine/param"
	"github.com/shaban/audiocore/engine/plugin"
)

// NodeID is a stable node handle.
type NodeID uint32

// Kind aliases the processor classification.
type Kind = plugin.Kind

const (
	KindEffect     = plugin.KindEffect
	KindInstrument = plugin.KindInstrument
	KindBus        = plugin.KindBus
	KindInput      = plugin.KindInput
	KindOutput     = plugin.KindOutput
)

// PortType separates audio from event ports.
type PortType uint8

const (
	PortAudio PortType = iota
	PortEvent
)

func (t PortType) String() string {
	if t == PortEvent {
		return "event"
	}
	return "audio"
}

// MarshalText implements encoding.TextMarshaler.
func (t PortType) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *PortType) UnmarshalText(b []byte) error {
	switch string(b) {
	case "audio":
		*t = PortAudio
	case "event":
		*t = PortEvent
	default:
		return fmt.Errorf("graph: unknown port type %q", b)
	}
	return nil
}

// Endpoint is one port of one node.
type Endpoint struct {
	Node NodeID `json:"node"`
	Port int    `json:"port"`
}

// Connection is a directed edge from an output port to an input port.
type Connection struct {
	Type PortType `json:"type"`
	From Endpoint `json:"from"`
	To   Endpoint `json:"to"`
}

func (c Connection) String() string {
	return fmt.Sprintf("%s %d:%d -> %d:%d", c.Type, c.From.Node, c.From.Port, c.To.Node, c.To.Port)
}

// Node is one processing unit. Its shape is fixed at creation.
type Node struct {
	ID       NodeID
	Name     string
	Kind     Kind
	Desc     plugin.Descriptor
	AudioIn  int
	AudioOut int
	EventIn  int
	EventOut int
	Host     *plugin.Host
	Params   *param.Bank

	seq    uint64
	bypass atomic.Bool

	// Pending holds events queued for the next block. The audio thread is
	// its only user.
	Pending *plugin.EventList

	// Resync is set by the audio thread when a parameter change could not
	// be queued; the next block then delivers every stored value instead.
	Resync bool
}

// Bypassed reports the bypass flag.
func (n *Node) Bypassed() bool { return n.bypass.Load() }

// SetBypass sets the bypass flag. Control thread only; the audio thread
// observes the change on its next block.
func (n *Node) SetBypass(on bool) { n.bypass.Store(on) }

// Spec describes a node to add.
type Spec struct {
	Name   string
	Host   *plugin.Host
	Params *param.Bank
	// Desc overrides the host descriptor; used for hosts that failed to load.
	Desc *plugin.Descriptor
}

// Config sizes the buffers a snapshot allocates.
type Config struct {
	Channels      int
	MaxBlockSize  int
	EventCapacity int
}

func (c Config) withDefaults() Config {
	if c.Channels <= 0 {
		c.Channels = 2
	}
	if c.MaxBlockSize <= 0 {
		c.MaxBlockSize = 512
	}
	if c.EventCapacity <= 0 {
		c.EventCapacity = 512
	}
	return c
}

type laneKey struct {
	node  NodeID
	param int
}

// Graph is the editable topology. It is not safe for concurrent use; the
// control thread serializes all edits.
type Graph struct {
	cfg    Config
	nodes  map[NodeID]*Node
	byIns  []*Node // insertion order
	conns  []Connection
	lanes  map[laneKey]*automation.Lane
	nextID NodeID
	seq    uint64
	epoch  uint64
}

// New creates an empty graph.
func New(cfg Config) *Graph {
	return &Graph{
		cfg:    cfg.withDefaults(),
		nodes:  make(map[NodeID]*Node),
		lanes:  make(map[laneKey]*automation.Lane),
		nextID: 1,
	}
}

// Config returns the buffer configuration.
func (g *Graph) Config() Config { return g.cfg }

// AddNode adds a node with the next free id.
func (g *Graph) AddNode(s Spec) *Node {
	n, _ := g.AddNodeWithID(g.nextID, s)
	return n
}

// AddNodeWithID adds a node under a caller-chosen id, as used when a
// project is restored.
func (g *Graph) AddNodeWithID(id NodeID, s Spec) (*Node, error) {
	if id == 0 {
		return nil, fmt.Errorf("%w: 0", ErrIDInUse)
	}
	if _, ok := g.nodes[id]; ok {
		return nil, fmt.Errorf("%w: %d", ErrIDInUse, id)
	}
	var d plugin.Descriptor
	switch {
	case s.Desc != nil:
		d = *s.Desc
	case s.Host != nil:
		d = s.Host.Descriptor()
	}
	name := s.Name
	if name == "" {
		name = d.Name
	}
	g.seq++
	n := &Node{
		ID: id, Name: name, Kind: d.Kind, Desc: d,
		AudioIn: d.AudioIn, AudioOut: d.AudioOut, EventIn: d.EventIn, EventOut: d.EventOut,
		Host: s.Host, Params: s.Params, seq: g.seq,
		Pending: plugin.NewEventList(g.cfg.EventCapacity),
	}
	g.nodes[id] = n
	g.byIns = append(g.byIns, n)
	if id >= g.nextID {
		g.nextID = id + 1
	}
	return n, nil
}

// RemoveNode removes a node and every connection and lane touching it. The
// node is returned so the caller can retire it once the audio thread no
// longer references it.
func (g *Graph) RemoveNode(id NodeID) (*Node, error) {
	n, ok := g.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNodeNotFound, id)
	}
	delete(g.nodes, id)
	for i, m := range g.byIns {
		if m == n {
			g.byIns = append(g.byIns[:i], g.byIns[i+1:]...)
			break
		}
	}
	kept := g.conns[:0]
	for _, c := range g.conns {
		if c.From.Node != id && c.To.Node != id {
			kept = append(kept, c)
		}
	}
	g.conns = kept
	for k := range g.lanes {
		if k.node == id {
			delete(g.lanes, k)
		}
	}
	return n, nil
}

// Node returns the node with id.
func (g *Graph) Node(id NodeID) (*Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Nodes returns all nodes in insertion order.
func (g *Graph) Nodes() []*Node { return append([]*Node(nil), g.byIns...) }

// Connections returns all connections in the order they were made.
func (g *Graph) Connections() []Connection { return append([]Connection(nil), g.conns...) }

// Len returns the node count.
func (g *Graph) Len() int { return len(g.nodes) }

// Connect adds an edge after checking ports and acyclicity. On error the
// graph is unchanged.
func (g *Graph) Connect(c Connection) error {
	src, ok := g.nodes[c.From.Node]
	if !ok {
		return fmt.Errorf("%w: %d", ErrNodeNotFound, c.From.Node)
	}
	dst, ok := g.nodes[c.To.Node]
	if !ok {
		return fmt.Errorf("%w: %d", ErrNodeNotFound, c.To.Node)
	}
	if err := checkPort(c, c.From, src.AudioOut, src.EventOut); err != nil {
		return err
	}
	if err := checkPort(c, c.To, dst.AudioIn, dst.EventIn); err != nil {
		return err
	}
	for _, e := range g.conns {
		if e == c {
			return fmt.Errorf("%w: %s", ErrDuplicateConnection, c)
		}
	}
	if path := g.path(c.To.Node, c.From.Node); path != nil {
		return &CycleError{From: c.From.Node, To: c.To.Node, Path: path}
	}
	g.conns = append(g.conns, c)
	return nil
}

func checkPort(c Connection, end Endpoint, audio, event int) error {
	have, other := audio, event
	if c.Type == PortEvent {
		have, other = event, audio
	}
	switch {
	case end.Port >= 0 && end.Port < have:
		return nil
	case end.Port >= 0 && end.Port < other:
		return &PortTypeMismatch{Conn: c, End: end}
	default:
		return fmt.Errorf("%w: node %d %s port %d", ErrNoSuchPort, end.Node, c.Type, end.Port)
	}
}

// path returns a route from -> ... -> to over existing edges, or nil.
func (g *Graph) path(from, to NodeID) []NodeID {
	if from == to {
		return []NodeID{from}
	}
	prev := map[NodeID]NodeID{from: from}
	queue := []NodeID{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, c := range g.conns {
			if c.From.Node != cur {
				continue
			}
			next := c.To.Node
			if _, seen := prev[next]; seen {
				continue
			}
			prev[next] = cur
			if next == to {
				var out []NodeID
				for id := to; ; id = prev[id] {
					out = append([]NodeID{id}, out...)
					if id == from {
						return out
					}
				}
			}
			queue = append(queue, next)
		}
	}
	return nil
}

// Disconnect removes an edge.
func (g *Graph) Disconnect(c Connection) error {
	for i, e := range g.conns {
		if e == c {
			g.conns = append(g.conns[:i], g.conns[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrNotConnected, c)
}

// SetLane installs or replaces the automation lane of a parameter. A nil
// lane or one without points removes it.
func (g *Graph) SetLane(id NodeID, l *automation.Lane) error {
	if _, ok := g.nodes[id]; !ok {
		return fmt.Errorf("%w: %d", ErrNodeNotFound, id)
	}
	if l == nil {
		return nil
	}
	k := laneKey{node: id, param: l.Param}
	if len(l.Points) == 0 {
		delete(g.lanes, k)
		return nil
	}
	l.Node = uint32(id)
	g.lanes[k] = l
	return nil
}

// Lanes returns all automation lanes ordered by node insertion and
// parameter index.
func (g *Graph) Lanes() []*automation.Lane {
	var out []*automation.Lane
	for _, n := range g.byIns {
		out = append(out, g.nodeLanes(n.ID)...)
	}
	return out
}

func (g *Graph) nodeLanes(id NodeID) []*automation.Lane {
	var out []*automation.Lane
	for k, l := range g.lanes {
		if k.node == id {
			out = append(out, l)
		}
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1].Param > out[j].Param; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}
