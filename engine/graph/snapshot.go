package graph

import (
	"github.com/shaban/audiocore/engine/automation"
	"github.com/shaban/audiocore/engine/plugin"
)

// Source is one upstream output feeding an input port.
type Source struct {
	Step int // index into Snapshot.Steps
	Port int
}

// Step is the pre-wired execution record of one node. All buffers are
// allocated when the snapshot is built; the audio thread only reslices them.
type Step struct {
	Node *Node

	// AudioSrc[p] lists the sources of input port p in connection order.
	AudioSrc [][]Source
	// EventSrc lists event connections; Port is the upstream event port and
	// DstPort the destination port written into forwarded events.
	EventSrc []EventSource

	Inputs    []plugin.Bus
	Outputs   []plugin.Bus
	InEvents  *plugin.EventList
	OutEvents *plugin.EventList
	Cursors   []automation.Cursor
	Ctx       plugin.ProcessContext

	inFull  [][][]float32
	outFull [][][]float32
}

// EventSource routes the events one upstream port emitted.
type EventSource struct {
	Step    int
	Port    int
	DstPort int
}

// Resize reslices the step buffers to frames. It does not allocate.
func (s *Step) Resize(frames int) {
	for p, bus := range s.Inputs {
		for c := range bus {
			bus[c] = s.inFull[p][c][:frames]
		}
	}
	for p, bus := range s.Outputs {
		for c := range bus {
			bus[c] = s.outFull[p][c][:frames]
		}
	}
}

// Snapshot is an immutable compiled graph.
type Snapshot struct {
	Epoch        uint64
	Channels     int
	MaxBlockSize int
	Steps        []Step
	// Outputs lists the step indexes of output nodes in execution order.
	Outputs []int

	index map[NodeID]int
}

// Order returns the node ids in execution order.
func (s *Snapshot) Order() []NodeID {
	out := make([]NodeID, len(s.Steps))
	for i := range s.Steps {
		out[i] = s.Steps[i].Node.ID
	}
	return out
}

// Step returns the step of node id. Lookups do not allocate and are safe
// on the audio thread.
func (s *Snapshot) Step(id NodeID) (*Step, bool) {
	i, ok := s.index[id]
	if !ok {
		return nil, false
	}
	return &s.Steps[i], true
}

// Contains reports whether node id is part of the snapshot.
func (s *Snapshot) Contains(id NodeID) bool {
	_, ok := s.index[id]
	return ok
}

// Order computes the execution order with Kahn's algorithm. Among nodes
// that are ready at the same time the one added first runs first.
func (g *Graph) Order() []NodeID {
	nodes := g.topo()
	out := make([]NodeID, len(nodes))
	for i, n := range nodes {
		out[i] = n.ID
	}
	return out
}

func (g *Graph) topo() []*Node {
	indeg := make(map[NodeID]int, len(g.nodes))
	succ := make(map[NodeID][]NodeID, len(g.nodes))
	for _, c := range g.conns {
		indeg[c.To.Node]++
		succ[c.From.Node] = append(succ[c.From.Node], c.To.Node)
	}
	var ready []*Node // kept sorted by insertion sequence
	push := func(n *Node) {
		i := len(ready)
		ready = append(ready, n)
		for i > 0 && ready[i-1].seq > n.seq {
			ready[i] = ready[i-1]
			i--
		}
		ready[i] = n
	}
	for _, n := range g.byIns {
		if indeg[n.ID] == 0 {
			push(n)
		}
	}
	out := make([]*Node, 0, len(g.nodes))
	for len(ready) > 0 {
		n := ready[0]
		ready = ready[1:]
		out = append(out, n)
		for _, next := range succ[n.ID] {
			indeg[next]--
			if indeg[next] == 0 {
				push(g.nodes[next])
			}
		}
	}
	return out
}

// Snapshot compiles the current topology. Each call returns a new
// snapshot with a higher epoch.
func (g *Graph) Snapshot() *Snapshot {
	order := g.topo()
	g.epoch++
	s := &Snapshot{
		Epoch:        g.epoch,
		Channels:     g.cfg.Channels,
		MaxBlockSize: g.cfg.MaxBlockSize,
		Steps:        make([]Step, len(order)),
		index:        make(map[NodeID]int, len(order)),
	}
	for i, n := range order {
		s.index[n.ID] = i
	}
	for i, n := range order {
		st := &s.Steps[i]
		st.Node = n
		st.Inputs, st.inFull = g.buses(n.AudioIn)
		st.Outputs, st.outFull = g.buses(n.AudioOut)
		st.AudioSrc = make([][]Source, n.AudioIn)
		st.InEvents = plugin.NewEventList(g.cfg.EventCapacity)
		st.OutEvents = plugin.NewEventList(g.cfg.EventCapacity)
		for _, l := range g.nodeLanes(n.ID) {
			cur := automation.Cursor{Lane: l}
			if info, ok := n.Params.Info(l.Param); ok {
				cur.Clamp = info.Clamp
			}
			st.Cursors = append(st.Cursors, cur)
		}
		st.Ctx = plugin.ProcessContext{
			Inputs:    st.Inputs,
			Outputs:   st.Outputs,
			InEvents:  st.InEvents,
			OutEvents: st.OutEvents,
			Params:    n.Params,
		}
		if n.Kind == KindOutput {
			s.Outputs = append(s.Outputs, i)
		}
	}
	for _, c := range g.conns {
		from := s.index[c.From.Node]
		st := &s.Steps[s.index[c.To.Node]]
		if c.Type == PortEvent {
			st.EventSrc = append(st.EventSrc, EventSource{Step: from, Port: c.From.Port, DstPort: c.To.Port})
			continue
		}
		st.AudioSrc[c.To.Port] = append(st.AudioSrc[c.To.Port], Source{Step: from, Port: c.From.Port})
	}
	return s
}

func (g *Graph) buses(ports int) ([]plugin.Bus, [][][]float32) {
	buses := make([]plugin.Bus, ports)
	full := make([][][]float32, ports)
	for p := range buses {
		buses[p] = make(plugin.Bus, g.cfg.Channels)
		full[p] = make([][]float32, g.cfg.Channels)
		for c := range full[p] {
			full[p][c] = make([]float32, g.cfg.MaxBlockSize)
			buses[p][c] = full[p][c]
		}
	}
	return buses, full
}
