package graph

import (
	"math/rand"
	"testing"

	"github.com/shaban/audiocore/engine/automation"
	"github.com/shaban/audiocore/engine/plugin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fx(name string) Spec {
	return Spec{Name: name, Desc: &plugin.Descriptor{ID: "t.fx", Kind: KindEffect, AudioIn: 1, AudioOut: 1, EventIn: 1, EventOut: 1}}
}

func audio(from, to NodeID) Connection {
	return Connection{Type: PortAudio, From: Endpoint{Node: from}, To: Endpoint{Node: to}}
}

func assertTopological(t *testing.T, g *Graph, order []NodeID) {
	t.Helper()
	pos := make(map[NodeID]int, len(order))
	for i, id := range order {
		pos[id] = i
	}
	require.Len(t, pos, g.Len(), "every node appears exactly once")
	for _, c := range g.Connections() {
		assert.Less(t, pos[c.From.Node], pos[c.To.Node], "edge %s", c)
	}
}

func TestOrder_TiesBrokenByInsertion(t *testing.T) {
	g := New(Config{})
	a := g.AddNode(fx("a")).ID
	b := g.AddNode(fx("b")).ID
	c := g.AddNode(fx("c")).ID
	d := g.AddNode(fx("d")).ID

	require.NoError(t, g.Connect(audio(c, a)))
	require.NoError(t, g.Connect(audio(b, d)))

	assert.Equal(t, []NodeID{b, c, a, d}, g.Order())
	assert.Equal(t, g.Order(), g.Snapshot().Order())
}

func TestOrder_RandomAcyclicEditsStayTopological(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	g := New(Config{MaxBlockSize: 16})
	var ids []NodeID
	for i := 0; i < 30; i++ {
		ids = append(ids, g.AddNode(fx("n")).ID)
	}
	for i := 0; i < 200; i++ {
		a, b := ids[rng.Intn(len(ids))], ids[rng.Intn(len(ids))]
		err := g.Connect(audio(a, b))
		if err == nil {
			assertTopological(t, g, g.Snapshot().Order())
		}
		if i%25 == 0 {
			victim := ids[rng.Intn(len(ids))]
			if _, err := g.RemoveNode(victim); err == nil {
				ids = removeID(ids, victim)
				assertTopological(t, g, g.Snapshot().Order())
			}
		}
	}
}

func removeID(ids []NodeID, id NodeID) []NodeID {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}

func TestConnect_CycleRejectedGraphUnchanged(t *testing.T) {
	g := New(Config{})
	a := g.AddNode(fx("a")).ID
	b := g.AddNode(fx("b")).ID
	c := g.AddNode(fx("c")).ID
	require.NoError(t, g.Connect(audio(a, b)))
	require.NoError(t, g.Connect(audio(b, c)))

	beforeConns := g.Connections()
	beforeOrder := g.Order()

	err := g.Connect(audio(c, a))
	var ce *CycleError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, []NodeID{a, b, c}, ce.Path)
	assert.Equal(t, beforeConns, g.Connections())
	assert.Equal(t, beforeOrder, g.Order())

	err = g.Connect(audio(b, b))
	require.ErrorAs(t, err, &ce)

	// an event edge closes the loop just as well
	err = g.Connect(Connection{Type: PortEvent, From: Endpoint{Node: c}, To: Endpoint{Node: a}})
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, beforeConns, g.Connections())
}

func TestConnect_PortValidation(t *testing.T) {
	g := New(Config{})
	synth := g.AddNode(Spec{Desc: &plugin.Descriptor{Kind: KindInstrument, AudioOut: 1, EventIn: 1}}).ID
	eff := g.AddNode(fx("fx")).ID

	err := g.Connect(Connection{Type: PortEvent, From: Endpoint{Node: synth}, To: Endpoint{Node: eff}})
	var pm *PortTypeMismatch
	require.ErrorAs(t, err, &pm)
	assert.Equal(t, synth, pm.End.Node)

	err = g.Connect(Connection{Type: PortAudio, From: Endpoint{Node: synth, Port: 3}, To: Endpoint{Node: eff}})
	assert.ErrorIs(t, err, ErrNoSuchPort)

	err = g.Connect(audio(synth, 99))
	assert.ErrorIs(t, err, ErrNodeNotFound)

	require.NoError(t, g.Connect(audio(synth, eff)))
	assert.ErrorIs(t, g.Connect(audio(synth, eff)), ErrDuplicateConnection)
	assert.Empty(t, g.Connections()[1:])
}

func TestRemoveNode_DropsEdgesAndLanes(t *testing.T) {
	g := New(Config{})
	a := g.AddNode(fx("a")).ID
	b := g.AddNode(fx("b")).ID
	c := g.AddNode(fx("c")).ID
	require.NoError(t, g.Connect(audio(a, b)))
	require.NoError(t, g.Connect(audio(b, c)))
	require.NoError(t, g.SetLane(b, automation.NewLane(0, 0, 0, []automation.Point{{Sample: 0, Value: 1}})))

	n, err := g.RemoveNode(b)
	require.NoError(t, err)
	assert.Equal(t, b, n.ID)
	assert.Empty(t, g.Connections())
	assert.Empty(t, g.Lanes())

	_, err = g.RemoveNode(b)
	assert.ErrorIs(t, err, ErrNodeNotFound)

	next := g.AddNode(fx("d")).ID
	assert.Greater(t, next, c, "ids are never reused")
}

func TestDisconnect(t *testing.T) {
	g := New(Config{})
	a := g.AddNode(fx("a")).ID
	b := g.AddNode(fx("b")).ID
	require.NoError(t, g.Connect(audio(a, b)))
	require.NoError(t, g.Disconnect(audio(a, b)))
	assert.ErrorIs(t, g.Disconnect(audio(a, b)), ErrNotConnected)
}

func TestAddNodeWithID(t *testing.T) {
	g := New(Config{})
	_, err := g.AddNodeWithID(10, fx("x"))
	require.NoError(t, err)
	_, err = g.AddNodeWithID(10, fx("y"))
	assert.ErrorIs(t, err, ErrIDInUse)
	assert.Equal(t, NodeID(11), g.AddNode(fx("z")).ID)
}

func TestSnapshot_Wiring(t *testing.T) {
	g := New(Config{Channels: 2, MaxBlockSize: 64, EventCapacity: 8})
	a := g.AddNode(fx("a")).ID
	b := g.AddNode(fx("b")).ID
	out := g.AddNode(Spec{Desc: &plugin.Descriptor{Kind: KindOutput, AudioIn: 1, AudioOut: 1}}).ID
	require.NoError(t, g.Connect(audio(a, out)))
	require.NoError(t, g.Connect(audio(b, out)))
	require.NoError(t, g.Connect(Connection{Type: PortEvent, From: Endpoint{Node: a}, To: Endpoint{Node: b}}))

	s1 := g.Snapshot()
	s2 := g.Snapshot()
	assert.Greater(t, s2.Epoch, s1.Epoch)

	st, ok := s1.Step(out)
	require.True(t, ok)
	require.Len(t, st.AudioSrc, 1)
	assert.Equal(t, []Source{{Step: 0, Port: 0}, {Step: 1, Port: 0}}, st.AudioSrc[0])
	assert.Equal(t, []int{2}, s1.Outputs)

	sb, _ := s1.Step(b)
	assert.Equal(t, []EventSource{{Step: 0, Port: 0, DstPort: 0}}, sb.EventSrc)

	st.Resize(16)
	assert.Len(t, st.Inputs[0][1], 16)
	assert.Len(t, st.Ctx.Inputs[0][1], 16, "context shares the resliced buses")
	st.Resize(64)
	assert.Len(t, st.Outputs[0][0], 64)
}
