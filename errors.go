package audiocore

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/shaban/audiocore/engine/graph"
)

var (
	ErrEngineRunning   = errors.New("audiocore: engine is running")
	ErrEngineStopped   = errors.New("audiocore: engine is not running")
	ErrClosed          = errors.New("audiocore: engine closed")
	ErrMasterNode      = errors.New("audiocore: the master output cannot be removed")
	ErrChannelNode     = errors.New("audiocore: node belongs to a channel")
	ErrChannelNotFound = errors.New("audiocore: channel not found")
	ErrChannelExists   = errors.New("audiocore: channel already exists")
	ErrNotEffect       = errors.New("audiocore: plugin has no audio input and output")
	ErrRecording       = errors.New("audiocore: already recording")
	ErrNotRecording    = errors.New("audiocore: not recording")
	ErrUnsupportedMIDI = errors.New("audiocore: unsupported MIDI message")
	ErrProjectVersion  = errors.New("audiocore: incompatible project version")
)

// NodeError reports a fault the audio thread raised for one node.
type NodeError struct {
	Node   graph.NodeID
	Name   string
	Sample int64
	Err    error
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("node %d (%s) faulted at sample %d: %v", e.Node, e.Name, e.Sample, e.Err)
}

func (e *NodeError) Unwrap() error { return e.Err }

// ErrorHandler defines the interface for handling engine errors
type ErrorHandler interface {
	HandleError(error)
}

// DefaultErrorHandler logs errors through zap. A nil Logger uses the
// global logger.
type DefaultErrorHandler struct {
	Logger *zap.Logger
}

// HandleError implements ErrorHandler interface with structured logging
func (h *DefaultErrorHandler) HandleError(err error) {
	log := h.Logger
	if log == nil {
		log = zap.L()
	}
	var ne *NodeError
	if errors.As(err, &ne) {
		log.Error("node fault",
			zap.Uint32("node", uint32(ne.Node)),
			zap.String("name", ne.Name),
			zap.Int64("sample", ne.Sample),
			zap.Error(ne.Err))
		return
	}
	log.Error("engine error", zap.Error(err))
}

// LoggingErrorHandler wraps another handler and logs errors
type LoggingErrorHandler struct {
	underlying ErrorHandler
	logger     func(error)
}

// NewLoggingErrorHandler creates a new logging error handler
func NewLoggingErrorHandler(underlying ErrorHandler, logger func(error)) *LoggingErrorHandler {
	return &LoggingErrorHandler{
		underlying: underlying,
		logger:     logger,
	}
}

// HandleError implements ErrorHandler interface with logging
func (h *LoggingErrorHandler) HandleError(err error) {
	if h.logger != nil {
		h.logger(err)
	}
	if h.underlying != nil {
		h.underlying.HandleError(err)
	}
}

// PanicErrorHandler panics on any error (useful for development)
type PanicErrorHandler struct{}

// HandleError implements ErrorHandler interface by panicking
func (h *PanicErrorHandler) HandleError(err error) {
	panic(fmt.Sprintf("Engine error: %v", err))
}
