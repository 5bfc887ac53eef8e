package audiocore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/shaban/audiocore/bounce"
	"github.com/shaban/audiocore/config"
	"github.com/shaban/audiocore/devices"
	"github.com/shaban/audiocore/engine"
	"github.com/shaban/audiocore/engine/automation"
	"github.com/shaban/audiocore/engine/capture"
	"github.com/shaban/audiocore/engine/control"
	"github.com/shaban/audiocore/engine/graph"
	"github.com/shaban/audiocore/engine/mixer"
	"github.com/shaban/audiocore/engine/param"
	"github.com/shaban/audiocore/engine/plugin"
	"github.com/shaban/audiocore/engine/spec"
	"github.com/shaban/audiocore/engine/transport"
	"github.com/shaban/audiocore/plugins"
)

// Engine represents the main audio engine with unified architecture
type Engine struct {
	// Core identity (UUID hybrid pattern)
	id   uuid.UUID
	name string

	// Core state
	mu        sync.RWMutex
	ctx       context.Context
	cancel    context.CancelFunc
	group     *errgroup.Group
	isRunning bool
	closed    bool

	core       *engine.Core
	graph      *graph.Graph // dispatcher worker only
	params     *param.Store
	registry   *plugin.Registry
	catalog    *plugins.Catalog
	dispatcher *Dispatcher
	serializer *Serializer
	monitor    *DeviceMonitor

	driver devices.Driver
	stream devices.Stream
	// pumpMu keeps idle pumping away from the first callback of a stream
	// and from offline renders.
	pumpMu sync.Mutex

	channels map[string]*Channel // dispatcher worker only
	master   atomic.Uint32

	log          *zap.Logger
	errorHandler ErrorHandler
	budget       time.Duration
	poll         time.Duration

	stateMu  sync.Mutex
	faults   map[graph.NodeID]NodeFault
	meter    mixer.Meter
	hasMeter bool

	recMu sync.Mutex
	rec   *bounce.WAVWriter
}

// EngineConfig holds configuration for engine initialization
type EngineConfig struct {
	AudioSpec spec.AudioSpec   // Complete audio specification
	Capacity  control.Capacity // Control channel ring sizes
	Driver    devices.Driver   // Optional: defaults to a ManualDriver

	// PluginBudget is the soft time budget of one plugin Process call;
	// zero disables the check.
	PluginBudget time.Duration
	// NotePoll is how often notes, meters and recorded audio are drained.
	NotePoll      time.Duration
	CaptureFrames int
	CaptureChunks int

	Registry     *plugin.Registry // Optional: built-ins plus the mixer bus
	Catalog      *plugins.Catalog // Optional: resolves ids the registry does not know
	Logger       *zap.Logger      // Optional: defaults to a no-op logger
	ErrorHandler ErrorHandler     // Optional: defaults to DefaultErrorHandler
}

// ConfigFromApp maps a loaded application configuration onto an
// EngineConfig, opening the configured driver and plugin catalog.
func ConfigFromApp(app *config.AppConfig, log *zap.Logger) (EngineConfig, error) {
	drv, err := devices.NewDriver(app.Engine.Driver)
	if err != nil {
		return EngineConfig{}, err
	}
	cfg := EngineConfig{
		AudioSpec:     app.Engine.AudioSpec(),
		Capacity:      app.Engine.Capacity(),
		Driver:        drv,
		PluginBudget:  app.Engine.PluginBudget,
		NotePoll:      app.Engine.NotePoll,
		CaptureFrames: app.Engine.CaptureFrames,
		CaptureChunks: app.Engine.CaptureChunks,
		Logger:        log,
	}
	if len(app.Plugins.Dirs) > 0 {
		cat, err := plugins.NewCatalog(app.Plugins.Dirs, app.Plugins.CacheDir)
		if err != nil {
			return EngineConfig{}, err
		}
		cfg.Catalog = cat
	}
	return cfg, nil
}

// NewEngine creates an engine with a master output node. Edits are
// accepted right away; audio flows once StartAudio opens the stream.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.AudioSpec == (spec.AudioSpec{}) {
		cfg.AudioSpec = spec.Default()
	}
	if err := cfg.AudioSpec.Validate(); err != nil {
		return nil, fmt.Errorf("invalid audio spec: %w", err)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.ErrorHandler == nil {
		cfg.ErrorHandler = &DefaultErrorHandler{Logger: cfg.Logger}
	}
	if cfg.Driver == nil {
		cfg.Driver = devices.NewManualDriver()
	}
	if cfg.NotePoll <= 0 {
		cfg.NotePoll = 20 * time.Millisecond
	}
	if cfg.CaptureFrames <= 0 {
		cfg.CaptureFrames = 4096
	}
	if cfg.CaptureChunks <= 0 {
		cfg.CaptureChunks = 32
	}
	reg := cfg.Registry
	if reg == nil {
		reg = plugin.NewRegistry()
	}
	if _, ok := reg.Lookup(mixer.BusID); !ok {
		if err := mixer.Register(reg); err != nil {
			return nil, fmt.Errorf("failed to register mixer bus: %w", err)
		}
	}

	core, err := engine.New(engine.Config{
		Spec:          cfg.AudioSpec,
		Capacity:      cfg.Capacity,
		CaptureFrames: cfg.CaptureFrames,
		CaptureChunks: cfg.CaptureChunks,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create core: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	group, gctx := errgroup.WithContext(ctx)
	e := &Engine{
		id:           uuid.New(),
		name:         "Audiocore Engine",
		ctx:          ctx,
		cancel:       cancel,
		group:        group,
		core:         core,
		graph:        graph.New(graph.Config{Channels: cfg.AudioSpec.ChannelCount, MaxBlockSize: cfg.AudioSpec.BufferSize}),
		params:       param.NewStore(),
		registry:     reg,
		catalog:      cfg.Catalog,
		driver:       cfg.Driver,
		channels:     make(map[string]*Channel),
		log:          cfg.Logger,
		errorHandler: cfg.ErrorHandler,
		budget:       cfg.PluginBudget,
		poll:         cfg.NotePoll,
		faults:       make(map[graph.NodeID]NodeFault),
	}
	e.dispatcher = NewDispatcher(e)
	e.serializer = NewSerializer(e)
	e.monitor = NewDeviceMonitor(e)

	// The dispatcher runs from the start: nodes are added before audio flows.
	group.Go(func() error { return e.dispatcher.Run(gctx) })
	group.Go(func() error { return e.pollNotes(gctx) })
	group.Go(func() error { return e.writeCapture(gctx) })

	master, err := e.AddNode(ctx, plugin.IDOutput, "Master")
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("failed to create master output: %w", err)
	}
	e.master.Store(uint32(master))
	e.log.Info("engine created",
		zap.String("id", e.id.String()),
		zap.Float64("sampleRate", cfg.AudioSpec.SampleRate),
		zap.Int("bufferSize", cfg.AudioSpec.BufferSize),
		zap.Int("channels", cfg.AudioSpec.ChannelCount),
		zap.String("driver", cfg.Driver.Name()))
	return e, nil
}

// GetID returns the engine id.
func (e *Engine) GetID() uuid.UUID {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.id
}

// GetName returns the engine name.
func (e *Engine) GetName() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.name
}

// SetName renames the engine.
func (e *Engine) SetName(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.name = name
}

// Core returns the real-time core.
func (e *Engine) Core() *engine.Core { return e.core }

// Spec returns the session's audio format.
func (e *Engine) Spec() spec.AudioSpec { return e.core.Spec() }

// Registry returns the plugin registry.
func (e *Engine) Registry() *plugin.Registry { return e.registry }

// GetDispatcher returns the topology dispatcher.
func (e *Engine) GetDispatcher() *Dispatcher { return e.dispatcher }

// GetSerializer returns the project serializer.
func (e *Engine) GetSerializer() *Serializer { return e.serializer }

// GetDeviceMonitor returns the device monitor.
func (e *Engine) GetDeviceMonitor() *DeviceMonitor { return e.monitor }

// Master returns the id of the master output node.
func (e *Engine) Master() graph.NodeID { return graph.NodeID(e.master.Load()) }

// IsRunning reports whether an audio stream is open.
func (e *Engine) IsRunning() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.isRunning
}

// StartAudio opens a stream on the configured driver and starts it.
func (e *Engine) StartAudio() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if e.isRunning {
		return ErrEngineRunning
	}
	st, err := e.driver.Open(e.core.Spec(), e.core.Process)
	if err != nil {
		return fmt.Errorf("open %s stream: %w", e.driver.Name(), err)
	}
	e.pumpMu.Lock()
	e.core.SetStreaming(true)
	e.pumpMu.Unlock()
	if err := st.Start(); err != nil {
		st.Close()
		e.core.SetStreaming(false)
		return fmt.Errorf("start %s stream: %w", e.driver.Name(), err)
	}
	e.stream = st
	e.isRunning = true
	e.log.Info("audio started", zap.String("driver", e.driver.Name()))
	return nil
}

// StopAudio stops and closes the stream. The graph and transport state
// are kept.
func (e *Engine) StopAudio() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.isRunning {
		return ErrEngineStopped
	}
	return e.stopAudioLocked()
}

func (e *Engine) stopAudioLocked() error {
	err := errors.Join(e.stream.Stop(), e.stream.Close())
	e.stream = nil
	e.isRunning = false
	e.core.SetStreaming(false)
	e.log.Info("audio stopped")
	return err
}

// Close stops audio, the background loops and every plugin. The engine
// cannot be used afterwards.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	var err error
	if e.isRunning {
		err = e.stopAudioLocked()
	}
	e.mu.Unlock()

	e.monitor.Stop()
	e.cancel()
	err = errors.Join(err, e.group.Wait())

	e.recMu.Lock()
	if e.rec != nil {
		err = errors.Join(err, e.rec.Close())
		e.rec = nil
	}
	e.recMu.Unlock()

	// the worker has exited, so the graph is ours
	e.pump()
	e.core.Reclaim()
	for _, n := range e.graph.Nodes() {
		if n.Host != nil {
			n.Host.Unload()
		}
	}
	e.log.Info("engine closed", zap.String("id", e.id.String()))
	return err
}

// resolve finds the descriptor of a plugin id in the registry, then in
// the catalog.
func (e *Engine) resolve(pluginID string) (plugin.Descriptor, bool) {
	if d, ok := e.registry.Lookup(pluginID); ok {
		return d, true
	}
	if e.catalog != nil {
		return e.catalog.Lookup(pluginID)
	}
	return plugin.Descriptor{}, false
}

// load instantiates and activates a plugin. The host is returned even on
// failure, faulted, so the node can still be placed.
func (e *Engine) load(desc plugin.Descriptor) (*plugin.Host, error) {
	h := plugin.NewHost(e.registry, plugin.WithBudget(e.budget))
	if err := h.Load(desc); err != nil {
		return h, err
	}
	s := e.core.Spec()
	if err := h.Activate(s.SampleRate, s.BufferSize); err != nil {
		return h, err
	}
	return h, nil
}

func (e *Engine) loadID(pluginID string) (*plugin.Host, error) {
	desc, ok := e.resolve(pluginID)
	if !ok {
		desc = plugin.Descriptor{ID: pluginID}
	}
	return e.load(desc)
}

// place adds a loaded host to g. Worker only.
func (e *Engine) place(g *graph.Graph, id graph.NodeID, name string, h *plugin.Host) (*graph.Node, error) {
	return e.placeSpec(g, id, graph.Spec{Name: name, Host: h})
}

// placeSpec adds a node under id, or the next free id when id is 0, and
// registers its parameters. Worker only.
func (e *Engine) placeSpec(g *graph.Graph, id graph.NodeID, s graph.Spec) (*graph.Node, error) {
	var n *graph.Node
	if id == 0 {
		n = g.AddNode(s)
	} else {
		var err error
		if n, err = g.AddNodeWithID(id, s); err != nil {
			return nil, err
		}
	}
	n.Params = e.params.Register(uint32(n.ID), n.Desc.Params)
	e.core.Watch(n)
	return n, nil
}

// forget drops the control-side state of removed nodes. Worker only.
func (e *Engine) forget(nodes ...*graph.Node) {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	for _, n := range nodes {
		e.params.Unregister(uint32(n.ID))
		delete(e.faults, n.ID)
	}
}

// AddNode loads a plugin and adds it to the graph. A plugin that fails to
// load or activate is still added, faulted and silent; its id is returned
// together with the *plugin.LoadError or *plugin.ActivationError.
func (e *Engine) AddNode(ctx context.Context, pluginID, name string) (graph.NodeID, error) {
	h, loadErr := e.loadID(pluginID)
	var id graph.NodeID
	err := e.dispatcher.Edit(ctx, OpAddNode, func(g *graph.Graph) ([]*graph.Node, error) {
		n, err := e.place(g, 0, name, h)
		if err != nil {
			return nil, err
		}
		id = n.ID
		return nil, nil
	})
	if err != nil {
		if id == 0 {
			h.Unload()
		}
		return id, err
	}
	if loadErr != nil {
		e.log.Warn("plugin failed to load", zap.String("plugin", pluginID), zap.Uint32("node", uint32(id)), zap.Error(loadErr))
	}
	return id, loadErr
}

// RemoveNode detaches a node with its connections and automation. The
// plugin is released once the audio thread no longer uses it.
func (e *Engine) RemoveNode(ctx context.Context, id graph.NodeID) error {
	return e.dispatcher.Edit(ctx, OpRemoveNode, func(g *graph.Graph) ([]*graph.Node, error) {
		if id == e.Master() {
			return nil, ErrMasterNode
		}
		if ch := e.channelOf(id); ch != nil {
			return nil, fmt.Errorf("%w: %d in %s", ErrChannelNode, id, ch.ID)
		}
		n, err := g.RemoveNode(id)
		if err != nil {
			return nil, err
		}
		e.forget(n)
		return []*graph.Node{n}, nil
	})
}

// Connect adds a connection. Cycles, unknown ports and mismatched port
// types are rejected and leave the graph unchanged.
func (e *Engine) Connect(ctx context.Context, c graph.Connection) error {
	return e.dispatcher.Edit(ctx, OpConnect, func(g *graph.Graph) ([]*graph.Node, error) {
		return nil, g.Connect(c)
	})
}

// ConnectAudio connects audio port 0 of from to audio port 0 of to.
func (e *Engine) ConnectAudio(ctx context.Context, from, to graph.NodeID) error {
	return e.Connect(ctx, audioLink(from, to))
}

// Disconnect removes a connection.
func (e *Engine) Disconnect(ctx context.Context, c graph.Connection) error {
	return e.dispatcher.Edit(ctx, OpDisconnect, func(g *graph.Graph) ([]*graph.Node, error) {
		return nil, g.Disconnect(c)
	})
}

func audioLink(from, to graph.NodeID) graph.Connection {
	return graph.Connection{Type: graph.PortAudio, From: graph.Endpoint{Node: from}, To: graph.Endpoint{Node: to}}
}

// SetBypass makes a node copy its inputs to its outputs.
func (e *Engine) SetBypass(ctx context.Context, id graph.NodeID, on bool) error {
	return e.dispatcher.Query(ctx, func(g *graph.Graph) error {
		n, ok := g.Node(id)
		if !ok {
			return fmt.Errorf("%w: %d", graph.ErrNodeNotFound, id)
		}
		n.SetBypass(on)
		return nil
	})
}

// ResetNode clears a process fault at the next block boundary.
func (e *Engine) ResetNode(ctx context.Context, id graph.NodeID) error {
	return e.core.ResetNode(ctx, id)
}

// SetParameter stores a parameter value and delivers it to the node at the
// start of the next block. It returns the value after clamping.
func (e *Engine) SetParameter(ctx context.Context, id graph.NodeID, index int, value float64) (float64, error) {
	return e.SetParameterAt(ctx, id, index, value, 0)
}

// SetParameterAt is SetParameter at a sample offset within the next block.
func (e *Engine) SetParameterAt(ctx context.Context, id graph.NodeID, index int, value float64, offset uint32) (float64, error) {
	v, err := e.params.Set(param.Key{Node: uint32(id), Index: index}, value)
	if err != nil {
		return 0, err
	}
	return v, e.core.QueueParam(ctx, id, index, v, offset)
}

// GetParameter returns the stored value of a parameter.
func (e *Engine) GetParameter(id graph.NodeID, index int) (float64, error) {
	return e.params.Get(param.Key{Node: uint32(id), Index: index})
}

// SetAutomation installs or replaces an automation lane. A lane without
// points removes the existing one.
func (e *Engine) SetAutomation(ctx context.Context, lane *automation.Lane) error {
	if lane == nil {
		return errors.New("audiocore: nil automation lane")
	}
	return e.dispatcher.Edit(ctx, OpSetAutomation, func(g *graph.Graph) ([]*graph.Node, error) {
		return nil, g.SetLane(graph.NodeID(lane.Node), lane)
	})
}

// ClearAutomation removes the lane of one parameter.
func (e *Engine) ClearAutomation(ctx context.Context, id graph.NodeID, index int) error {
	return e.SetAutomation(ctx, automation.NewLane(uint32(id), index, 0, nil))
}

// Transport

func (e *Engine) transport(ctx context.Context, cmd transport.Command) error {
	return e.core.Transport(ctx, cmd)
}

// Play starts playback from the current position.
func (e *Engine) Play(ctx context.Context) error {
	return e.transport(ctx, transport.Command{Op: transport.OpPlay})
}

// Stop halts playback and returns to where it last started.
func (e *Engine) Stop(ctx context.Context) error {
	return e.transport(ctx, transport.Command{Op: transport.OpStop})
}

// Pause halts playback at the current position.
func (e *Engine) Pause(ctx context.Context) error {
	return e.transport(ctx, transport.Command{Op: transport.OpPause})
}

// Record starts rolling with the master output captured.
func (e *Engine) Record(ctx context.Context) error {
	return e.transport(ctx, transport.Command{Op: transport.OpRecord})
}

// Seek moves the play position.
func (e *Engine) Seek(ctx context.Context, sample int64) error {
	return e.transport(ctx, transport.Command{Op: transport.OpSeek, Sample: sample})
}

// SetTempo replaces the tempo map with a single tempo, keeping the time
// signature.
func (e *Engine) SetTempo(ctx context.Context, bpm float64) error {
	tm, err := e.core.TempoMap().WithTempo(bpm)
	if err != nil {
		return err
	}
	return e.SetTempoMap(ctx, tm)
}

// SetTempoMap replaces the tempo map.
func (e *Engine) SetTempoMap(ctx context.Context, tm *transport.TempoMap) error {
	return e.transport(ctx, transport.Command{Op: transport.OpSetTempoMap, Tempo: tm})
}

// SetLoop enables looping over [start, end).
func (e *Engine) SetLoop(ctx context.Context, start, end int64) error {
	return e.transport(ctx, transport.Command{Op: transport.OpSetLoop, Sample: start, End: end})
}

// ClearLoop disables looping.
func (e *Engine) ClearLoop(ctx context.Context) error {
	return e.transport(ctx, transport.Command{Op: transport.OpClearLoop})
}

// Position returns the published play position in samples.
func (e *Engine) Position() int64 { return e.core.Position() }

// Musical returns the play position in bars, beats and ticks.
func (e *Engine) Musical() transport.Musical { return e.core.Musical() }

// Mode returns the published transport mode.
func (e *Engine) Mode() transport.Mode { return e.core.Mode() }

// Loop returns the published loop region.
func (e *Engine) Loop() transport.Loop { return e.core.Loop() }

// TempoMap returns the published tempo map.
func (e *Engine) TempoMap() *transport.TempoMap { return e.core.TempoMap() }

// Stats returns the core counters.
func (e *Engine) Stats() engine.Stats { return e.core.Stats() }

// SetMasterVolume sets the master gain in dB.
func (e *Engine) SetMasterVolume(db float64) { e.core.Master().SetGainDB(db) }

// GetMasterVolume returns the master gain in dB.
func (e *Engine) GetMasterVolume() float64 { return e.core.Master().GainDB() }

// Queries

// NodeFault is a fault reported by the audio thread and not yet reset.
type NodeFault struct {
	Node   graph.NodeID
	Name   string
	Sample int64
	Err    error
}

// NodeStatus is the editor view of one node.
type NodeStatus struct {
	ID           graph.NodeID
	Name         string
	Plugin       string
	Kind         plugin.Kind
	State        plugin.State
	Bypassed     bool
	Faults       uint64
	SlowCalls    uint64
	LastDuration time.Duration
	Err          error
}

func status(n *graph.Node) NodeStatus {
	s := NodeStatus{ID: n.ID, Name: n.Name, Plugin: n.Desc.ID, Kind: n.Kind, Bypassed: n.Bypassed()}
	if h := n.Host; h != nil {
		s.State = h.State()
		s.Faults = h.Faults()
		s.SlowCalls = h.SlowCalls()
		s.LastDuration = h.LastDuration()
		s.Err = h.Err()
	}
	return s
}

// NodeStatus returns the state of one node.
func (e *Engine) NodeStatus(ctx context.Context, id graph.NodeID) (NodeStatus, error) {
	var s NodeStatus
	err := e.dispatcher.Query(ctx, func(g *graph.Graph) error {
		n, ok := g.Node(id)
		if !ok {
			return fmt.Errorf("%w: %d", graph.ErrNodeNotFound, id)
		}
		s = status(n)
		return nil
	})
	return s, err
}

// Nodes returns every node in insertion order.
func (e *Engine) Nodes(ctx context.Context) ([]NodeStatus, error) {
	var out []NodeStatus
	err := e.dispatcher.Query(ctx, func(g *graph.Graph) error {
		for _, n := range g.Nodes() {
			out = append(out, status(n))
		}
		return nil
	})
	return out, err
}

// Connections returns every connection in the order it was made.
func (e *Engine) Connections(ctx context.Context) ([]graph.Connection, error) {
	var out []graph.Connection
	err := e.dispatcher.Query(ctx, func(g *graph.Graph) error {
		out = g.Connections()
		return nil
	})
	return out, err
}

// Order returns the execution order of the published snapshot.
func (e *Engine) Order() []graph.NodeID {
	s := e.core.Snapshot()
	if s == nil {
		return nil
	}
	return s.Order()
}

// Faults returns the nodes currently faulted, by id.
func (e *Engine) Faults() []NodeFault {
	e.stateMu.Lock()
	out := make([]NodeFault, 0, len(e.faults))
	for _, f := range e.faults {
		out = append(out, f)
	}
	e.stateMu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Node < out[j].Node })
	return out
}

// Meters returns the newest master meter reading.
func (e *Engine) Meters() (mixer.Meter, bool) {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.meter, e.hasMeter
}

// Background loops

func (e *Engine) pollNotes(ctx context.Context) error {
	ticker := time.NewTicker(e.poll)
	defer ticker.Stop()
	var lastDropped uint64
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.drain()
			if d := e.core.Stats().NotesDropped; d > lastDropped {
				e.log.Warn("notes dropped", zap.Uint64("count", d-lastDropped))
				lastDropped = d
			}
		}
	}
}

// drain applies pending commands when no stream runs, handles notes and
// meters, and releases retired nodes.
func (e *Engine) drain() {
	e.pump()
	e.core.DrainNotes(e.handleNote)
	if m, ok := e.core.DrainMeters(); ok {
		e.stateMu.Lock()
		e.meter, e.hasMeter = m, true
		e.stateMu.Unlock()
	}
	e.core.Reclaim()
}

func (e *Engine) pump() {
	e.pumpMu.Lock()
	e.core.Pump()
	e.pumpMu.Unlock()
}

func (e *Engine) nodeInfo(id graph.NodeID) (string, error) {
	s := e.core.Snapshot()
	if s == nil {
		return "", nil
	}
	st, ok := s.Step(id)
	if !ok {
		return "", nil
	}
	var err error
	if st.Node.Host != nil {
		err = st.Node.Host.Err()
	}
	return st.Node.Name, err
}

func (e *Engine) handleNote(n control.Note) {
	switch n.Kind {
	case control.NoteFault:
		name, err := e.nodeInfo(n.Node)
		e.stateMu.Lock()
		e.faults[n.Node] = NodeFault{Node: n.Node, Name: name, Sample: n.Sample, Err: err}
		e.stateMu.Unlock()
		e.errorHandler.HandleError(&NodeError{Node: n.Node, Name: name, Sample: n.Sample, Err: err})
	case control.NoteReset:
		e.stateMu.Lock()
		delete(e.faults, n.Node)
		e.stateMu.Unlock()
		e.log.Info("node reset", zap.Uint32("node", uint32(n.Node)), zap.Int64("sample", n.Sample))
	case control.NoteOverrun:
		e.log.Warn("deadline overrun",
			zap.Int64("sample", n.Sample),
			zap.Int("frames", n.Frames),
			zap.Duration("elapsed", n.Elapsed),
			zap.Duration("deadline", n.Deadline))
	case control.NoteSlowPlugin:
		e.log.Warn("slow plugin", zap.Uint32("node", uint32(n.Node)), zap.Duration("elapsed", n.Elapsed))
	}
}

func (e *Engine) writeCapture(ctx context.Context) error {
	ticker := time.NewTicker(e.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := e.flushCapture(); err != nil {
				e.errorHandler.HandleError(fmt.Errorf("capture: %w", err))
			}
		}
	}
}

// flushCapture writes recorded chunks to the active recording, or drops
// them when nothing records.
func (e *Engine) flushCapture() error {
	e.recMu.Lock()
	defer e.recMu.Unlock()
	err := e.core.DrainCapture(func(c *capture.Chunk) error {
		if e.rec == nil {
			return nil
		}
		return e.rec.WriteChunk(c)
	})
	if err != nil && e.rec != nil {
		e.rec.Close()
		e.rec = nil
	}
	return err
}

// Recording and bounce

// RecordTo starts recording the master output into a WAV file written to
// w and puts the transport into record mode.
func (e *Engine) RecordTo(ctx context.Context, w io.WriteSeeker) error {
	s := e.core.Spec()
	e.recMu.Lock()
	if e.rec != nil {
		e.recMu.Unlock()
		return ErrRecording
	}
	ww, err := bounce.NewWAVWriter(w, int(s.SampleRate), s.ChannelCount, s.BitDepth)
	if err != nil {
		e.recMu.Unlock()
		return err
	}
	e.rec = ww
	e.recMu.Unlock()
	return e.Record(ctx)
}

// FinishRecording writes what is left of the recording and finalizes the
// file. Call it once the transport has left record mode. It returns the
// number of frames written.
func (e *Engine) FinishRecording() (int64, error) {
	if err := e.flushCapture(); err != nil {
		return 0, err
	}
	e.recMu.Lock()
	defer e.recMu.Unlock()
	if e.rec == nil {
		return 0, ErrNotRecording
	}
	frames := e.rec.Frames()
	err := e.rec.Close()
	e.rec = nil
	return frames, err
}

// Bounce renders frames frames of the current project offline into a WAV
// file written to w. The audio stream must be stopped.
func (e *Engine) Bounce(ctx context.Context, frames int64, w io.WriteSeeker) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if e.isRunning {
		return ErrEngineRunning
	}
	s := e.core.Spec()
	ww, err := bounce.NewWAVWriter(w, int(s.SampleRate), s.ChannelCount, s.BitDepth)
	if err != nil {
		return err
	}
	start := time.Now()
	e.pumpMu.Lock()
	err = bounce.Render(ctx, e.core, frames, ww)
	e.pumpMu.Unlock()
	if err != nil {
		ww.Close()
		return err
	}
	e.log.Info("bounce finished", zap.Int64("frames", frames), zap.Duration("took", time.Since(start)))
	return ww.Close()
}
