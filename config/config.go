// Package config loads the application configuration from the environment
// and an optional file.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/shaban/audiocore/engine/control"
	"github.com/shaban/audiocore/engine/spec"
	"github.com/shaban/audiocore/internal/logging"
)

// AppConfig is the full configuration of an engine process.
type AppConfig struct {
	Engine  EngineConfig `mapstructure:"engine" validate:"required"`
	Log     LogConfig    `mapstructure:"log" validate:"required"`
	Plugins PluginConfig `mapstructure:"plugins"`
}

// EngineConfig selects the audio format, the driver and the ring sizes.
type EngineConfig struct {
	SampleRate      float64       `mapstructure:"sample_rate" validate:"gte=8000,lte=384000"`
	Latency         string        `mapstructure:"latency" validate:"oneof=low medium high"`
	BufferSize      int           `mapstructure:"buffer_size" validate:"gte=0,lte=8192"`
	Channels        int           `mapstructure:"channels" validate:"gte=1,lte=32"`
	BitDepth        int           `mapstructure:"bit_depth" validate:"oneof=16 24 32"`
	Driver          string        `mapstructure:"driver" validate:"oneof=manual timer portaudio"`
	CommandCapacity int           `mapstructure:"command_capacity" validate:"gte=2"`
	NoteCapacity    int           `mapstructure:"note_capacity" validate:"gte=2"`
	MeterCapacity   int           `mapstructure:"meter_capacity" validate:"gte=2"`
	PluginBudget    time.Duration `mapstructure:"plugin_budget" validate:"gte=0"`
	NotePoll        time.Duration `mapstructure:"note_poll" validate:"gt=0"`
	CaptureFrames   int           `mapstructure:"capture_frames" validate:"gte=64"`
	CaptureChunks   int           `mapstructure:"capture_chunks" validate:"gte=2"`
}

// LogConfig feeds internal/logging.
type LogConfig struct {
	Name    string `mapstructure:"name" validate:"required"`
	Path    string `mapstructure:"path"`
	Level   string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Console bool   `mapstructure:"console"`
}

// PluginConfig lists the manifest directories of the plugin catalog.
type PluginConfig struct {
	Dirs     []string `mapstructure:"dirs"`
	CacheDir string   `mapstructure:"cache_dir"`
}

// InitConfig reads path when given, otherwise an optional ./audiocore.*
// file, and overlays the environment. Nested keys use "__", so
// ENGINE__SAMPLE_RATE sets engine.sample_rate.
func InitConfig(path string) (*viper.Viper, error) {
	v := viper.NewWithOptions(viper.KeyDelimiter("__"))
	setDefault(v)
	v.AutomaticEnv()

	if path == "" {
		path = os.Getenv("AUDIOCORE_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("audiocore")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read: %w", err)
		}
	}
	return v, nil
}

func setDefault(v *viper.Viper) {
	v.SetDefault("ENGINE__SAMPLE_RATE", 48000)
	v.SetDefault("ENGINE__LATENCY", string(spec.LatencyMedium))
	v.SetDefault("ENGINE__BUFFER_SIZE", 0)
	v.SetDefault("ENGINE__CHANNELS", 2)
	v.SetDefault("ENGINE__BIT_DEPTH", 32)
	v.SetDefault("ENGINE__DRIVER", "timer")
	v.SetDefault("ENGINE__COMMAND_CAPACITY", 1024)
	v.SetDefault("ENGINE__NOTE_CAPACITY", 256)
	v.SetDefault("ENGINE__METER_CAPACITY", 16)
	v.SetDefault("ENGINE__PLUGIN_BUDGET", "0s")
	v.SetDefault("ENGINE__NOTE_POLL", "20ms")
	v.SetDefault("ENGINE__CAPTURE_FRAMES", 4096)
	v.SetDefault("ENGINE__CAPTURE_CHUNKS", 32)

	v.SetDefault("LOG__NAME", "audiocore")
	v.SetDefault("LOG__PATH", "")
	v.SetDefault("LOG__LEVEL", "info")
	v.SetDefault("LOG__CONSOLE", true)

	v.SetDefault("PLUGINS__DIRS", []string{})
	v.SetDefault("PLUGINS__CACHE_DIR", "")
}

// Load decodes and validates the configuration held by v.
func Load(v *viper.Viper) (*AppConfig, error) {
	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &cfg, nil
}

// AudioSpec resolves the engine format, mapping the latency class to a
// buffer size unless one is set explicitly.
func (c EngineConfig) AudioSpec() spec.AudioSpec {
	return spec.Resolve(spec.Preferences{
		PreferredSampleRate: c.SampleRate,
		LatencyHint:         spec.LatencyClass(c.Latency),
		BufferSize:          c.BufferSize,
		ChannelCount:        c.Channels,
		BitDepth:            c.BitDepth,
	})
}

// Capacity returns the control ring sizes.
func (c EngineConfig) Capacity() control.Capacity {
	return control.Capacity{Commands: c.CommandCapacity, Notes: c.NoteCapacity, Meters: c.MeterCapacity}
}

// Options converts the section into logger options.
func (c LogConfig) Options() []logging.Option {
	return []logging.Option{
		logging.Name(c.Name),
		logging.Path(c.Path),
		logging.Level(c.Level),
		logging.Console(c.Console),
	}
}
