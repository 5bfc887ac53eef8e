package audiocore

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaban/audiocore/engine/automation"
	"github.com/shaban/audiocore/engine/graph"
	"github.com/shaban/audiocore/engine/plugin"
	"github.com/shaban/audiocore/internal/testutil"
)

// buildProject fills te with nodes, a channel, automation and transport
// state.
func buildProject(t *testing.T, te *testEngine) {
	t.Helper()
	ctx := context.Background()
	te.SetName("Session")
	src := te.add(testutil.ConstID, "src")
	rec := te.add(testutil.RecorderID, "rec")
	te.chain(src, rec, te.Master())
	_, err := te.SetParameter(ctx, rec, 1, 3.5)
	require.NoError(t, err)
	require.NoError(t, te.SetBypass(ctx, rec, true))
	require.NoError(t, te.SetAutomation(ctx, automation.NewLane(uint32(src), 0, 0.5, []automation.Point{
		{Sample: 0, Value: 0.1, Curve: automation.Linear},
		{Sample: 4800, Value: 0.9, Curve: automation.Bezier, Tension: 0.3},
	})))
	te.channel("fx", ChannelConfig{Type: ChannelTypeAux, Plugins: []string{plugin.IDGain}})
	require.NoError(t, te.SetVolume(ctx, "fx", -3))
	te.SetMasterVolume(-6)
	require.NoError(t, te.SetTempo(ctx, 96))
	require.NoError(t, te.SetLoop(ctx, 0, 48000))
	te.pump()
}

func TestSerializer_RoundTripIsBitIdentical(t *testing.T) {
	ctx := context.Background()
	a := newTestEngine(t)
	buildProject(t, a)

	var first bytes.Buffer
	require.NoError(t, a.GetSerializer().SaveTo(ctx, &first))

	b := newTestEngine(t)
	require.NoError(t, b.GetSerializer().LoadFrom(ctx, bytes.NewReader(first.Bytes())))

	var second bytes.Buffer
	require.NoError(t, b.GetSerializer().SaveTo(ctx, &second))
	assert.Equal(t, first.String(), second.String())

	assert.Equal(t, a.GetID(), b.GetID())
	assert.Equal(t, "Session", b.GetName())
	assert.Equal(t, a.Order(), b.Order())
	assert.InDelta(t, 96, b.TempoMap().TempoAt(0), 1e-9)
	assert.True(t, b.Loop().Enabled)
	ids, err := b.ListChannels(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"fx"}, ids)
}

func TestSerializer_CaptureContents(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t)
	buildProject(t, te)

	st, err := te.GetSerializer().Capture(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", st.Version)
	assert.Equal(t, te.Master(), st.Master)
	assert.Equal(t, te.Spec(), st.AudioSpec)
	require.Len(t, st.Nodes, 6, "master, src, rec and the three channel nodes")

	rec := st.Nodes[2]
	assert.Equal(t, testutil.RecorderID, rec.Plugin)
	assert.True(t, rec.Bypass)
	assert.Equal(t, []float64{0, 3.5}, rec.Params)
	require.Len(t, st.Automation, 1)
	assert.Equal(t, uint32(st.Nodes[1].ID), st.Automation[0].Node)
	require.Len(t, st.Channels, 1)
	assert.Len(t, st.Channels[0].Chain, 1)

	data, err := json.Marshal(st)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"kind":"instrument"`)
}

func TestSerializer_RejectsVersionAndInvalidGraph(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t)
	buildProject(t, te)
	s := te.GetSerializer()
	st, err := s.Capture(ctx)
	require.NoError(t, err)
	before, err := s.SaveToJSON(ctx)
	require.NoError(t, err)

	old := st
	old.Version = "0.9.0"
	assert.ErrorIs(t, s.Restore(ctx, old), ErrProjectVersion)
	assert.False(t, s.IsCompatible("0.9.0"))

	cyclic := st
	cyclic.Connections = append(append([]graph.Connection(nil), st.Connections...),
		audioLink(st.Nodes[2].ID, st.Nodes[1].ID))
	err = s.Restore(ctx, cyclic)
	var ce *graph.CycleError
	require.ErrorAs(t, err, &ce)

	noMaster := st
	noMaster.Master = 999
	assert.ErrorIs(t, s.Restore(ctx, noMaster), graph.ErrNodeNotFound)

	after, err := s.SaveToJSON(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, string(before), string(after), "rejected projects leave the engine untouched")
}

func TestSerializer_MissingPluginBecomesFaultedNode(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t)
	buildProject(t, te)
	st, err := te.GetSerializer().Capture(ctx)
	require.NoError(t, err)

	st.Nodes[2].Plugin = "acme.gone"
	err = te.GetSerializer().Restore(ctx, st)
	var le *plugin.LoadError
	require.ErrorAs(t, err, &le)

	status, err := te.NodeStatus(ctx, st.Nodes[2].ID)
	require.NoError(t, err)
	assert.Equal(t, plugin.StateFaulted, status.State)

	conns, err := te.Connections(ctx)
	require.NoError(t, err)
	assert.Equal(t, st.Connections, conns, "the faulted node keeps its ports")
}
