// Package logging builds the zap loggers used outside the audio thread.
package logging

import (
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type options struct {
	name       string
	path       string
	level      string
	console    bool
	maxSizeMB  int
	maxBackups int
	maxAgeDays int
}

// Option configures New.
type Option func(*options)

// Name sets the logger name and the log file name.
func Name(name string) Option { return func(o *options) { o.name = name } }

// Path sets the directory of the rotated log file. Empty disables file output.
func Path(dir string) Option { return func(o *options) { o.path = dir } }

// Level sets the minimum level ("debug", "info", "warn", "error").
func Level(level string) Option { return func(o *options) { o.level = level } }

// Console toggles the stderr core.
func Console(on bool) Option { return func(o *options) { o.console = on } }

// Rotation sets lumberjack limits for the file sink.
func Rotation(maxSizeMB, maxBackups, maxAgeDays int) Option {
	return func(o *options) {
		o.maxSizeMB, o.maxBackups, o.maxAgeDays = maxSizeMB, maxBackups, maxAgeDays
	}
}

// New returns a logger writing JSON to a rotated file under Path and
// human-readable lines to stderr.
func New(opts ...Option) (*zap.Logger, error) {
	o := options{name: "audiocore", level: "info", console: true, maxSizeMB: 20, maxBackups: 5, maxAgeDays: 14}
	for _, fn := range opts {
		fn(&o)
	}

	lvl, err := zapcore.ParseLevel(strings.ToLower(o.level))
	if err != nil {
		return nil, err
	}

	var cores []zapcore.Core
	if o.path != "" {
		if err := os.MkdirAll(o.path, 0o755); err != nil {
			return nil, err
		}
		sink := &lumberjack.Logger{
			Filename:   filepath.Join(o.path, o.name+".log"),
			MaxSize:    o.maxSizeMB,
			MaxBackups: o.maxBackups,
			MaxAge:     o.maxAgeDays,
		}
		enc := zap.NewProductionEncoderConfig()
		enc.EncodeTime = zapcore.ISO8601TimeEncoder
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(enc), zapcore.AddSync(sink), lvl))
	}
	if o.console {
		enc := zap.NewDevelopmentEncoderConfig()
		enc.EncodeLevel = zapcore.CapitalColorLevelEncoder
		cores = append(cores, zapcore.NewCore(zapcore.NewConsoleEncoder(enc), zapcore.Lock(os.Stderr), lvl))
	}
	if len(cores) == 0 {
		return zap.NewNop(), nil
	}
	return zap.New(zapcore.NewTee(cores...), zap.AddCaller()).Named(o.name), nil
}
