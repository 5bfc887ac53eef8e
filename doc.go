// Package audiocore is a real-time audio engine for a digital audio
// workstation.
//
// An Engine owns a processing graph of plugin nodes feeding a master bus,
// the transport, automation lanes and the audio device stream. Structural
// edits go through a single dispatcher goroutine and reach the audio thread
// as immutable graph snapshots; parameter changes, MIDI and transport
// commands cross over lock-free control rings. Nothing on the audio path
// allocates or blocks.
//
// On top of the graph sit mixer channels (CreateChannel, AddPlugin,
// ConnectChannels), project persistence (Serializer) and hot-plug device
// tracking (DeviceMonitor):
//
//	e, err := audiocore.NewEngine(audiocore.EngineConfig{})
//	if err != nil {
//		return err
//	}
//	defer e.Close()
//	ch, err := e.CreateChannel(ctx, "synth", audiocore.ChannelConfig{
//		Type: audiocore.ChannelTypeMidiInput,
//	})
//
// Offline rendering (Bounce) runs the same graph without a device.
package audiocore
