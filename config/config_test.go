package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaban/audiocore/engine/spec"
)

func load(t *testing.T, path string) (*AppConfig, error) {
	t.Helper()
	v, err := InitConfig(path)
	require.NoError(t, err)
	return Load(v)
}

func TestLoad_Defaults(t *testing.T) {
	chdir(t, t.TempDir())
	cfg, err := load(t, "")
	require.NoError(t, err)

	s := cfg.Engine.AudioSpec()
	assert.Equal(t, 48000.0, s.SampleRate)
	assert.Equal(t, spec.MapLatencyToBuffer(spec.LatencyMedium), s.BufferSize)
	assert.Equal(t, 2, s.ChannelCount)
	assert.Equal(t, "timer", cfg.Engine.Driver)
	assert.Equal(t, 20*time.Millisecond, cfg.Engine.NotePoll)
	assert.Equal(t, 1024, cfg.Engine.Capacity().Commands)
	assert.Equal(t, "audiocore", cfg.Log.Name)
	assert.Len(t, cfg.Log.Options(), 4)
}

func TestLoad_EnvOverrides(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("ENGINE__SAMPLE_RATE", "96000")
	t.Setenv("ENGINE__LATENCY", "low")
	t.Setenv("ENGINE__PLUGIN_BUDGET", "250us")
	t.Setenv("LOG__LEVEL", "debug")

	cfg, err := load(t, "")
	require.NoError(t, err)
	assert.Equal(t, 96000.0, cfg.Engine.SampleRate)
	assert.Equal(t, 256, cfg.Engine.AudioSpec().BufferSize)
	assert.Equal(t, 250*time.Microsecond, cfg.Engine.PluginBudget)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "engine.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
engine:
  sample_rate: 44100
  buffer_size: 128
  driver: manual
plugins:
  dirs: ["/opt/plugins", "/usr/lib/plugins"]
  cache_dir: /tmp/catalog
`), 0o644))

	cfg, err := load(t, path)
	require.NoError(t, err)
	assert.Equal(t, 44100.0, cfg.Engine.SampleRate)
	assert.Equal(t, 128, cfg.Engine.AudioSpec().BufferSize, "explicit buffer beats the latency class")
	assert.Equal(t, "manual", cfg.Engine.Driver)
	assert.Equal(t, []string{"/opt/plugins", "/usr/lib/plugins"}, cfg.Plugins.Dirs)
	assert.Equal(t, "/tmp/catalog", cfg.Plugins.CacheDir)
}

func TestLoad_Rejects(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("ENGINE__LATENCY", "extreme")
	_, err := load(t, "")
	assert.Error(t, err)

	_, err = InitConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err, "an explicit file must exist")
}

// chdir changes the working directory for the duration of the test and
// restores it on cleanup (equivalent of testing.T.Chdir from Go 1.24).
func chdir(t *testing.T, dir string) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
}
