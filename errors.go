package teamsvolume

import (
	"errors"

	"github.com/sirupsen/logrus"
)

// Session construction failures. All are non-fatal: each one aborts a single
// connect attempt, rolls back whatever was created, and leaves the engine in
// Idle for the next poll cycle to retry.
var (
	// ErrPermissionDenied reports that the OS audio-capture permission has
	// not been granted.
	ErrPermissionDenied = errors.New("audio capture permission denied")
	// ErrProcessResolutionFailed reports that the target pid has no audio
	// object (typically the process exited or has never played audio).
	ErrProcessResolutionFailed = errors.New("process audio object resolution failed")
	// ErrTapCreationFailed reports that the process tap could not be
	// installed.
	ErrTapCreationFailed = errors.New("process tap creation failed")
	// ErrAggregateDeviceCreationFailed reports that the virtual mixing
	// device could not be built.
	ErrAggregateDeviceCreationFailed = errors.New("aggregate device creation failed")
	// ErrDeviceNotReadyTimeout reports that the aggregate device never
	// became alive within the ready timeout.
	ErrDeviceNotReadyTimeout = errors.New("aggregate device not ready before timeout")
	// ErrIOProcCreationFailed reports that the realtime callback could not
	// be registered on the aggregate device.
	ErrIOProcCreationFailed = errors.New("io proc creation failed")
	// ErrIOProcStartFailed reports that the registered callback could not
	// be started.
	ErrIOProcStartFailed = errors.New("io proc start failed")
)

// ErrEngineClosed is returned by operations on an engine whose control loop
// has been shut down.
var ErrEngineClosed = errors.New("engine is closed")

// DiagnosticSink receives engine lifecycle events and non-fatal problems.
// Its lifetime is tied to the engine that holds it; implementations must be
// safe for concurrent use. It is never called from the realtime context.
type DiagnosticSink interface {
	Event(msg string, fields map[string]any)
	Problem(err error, msg string, fields map[string]any)
}

// LogrusSink adapts a logrus logger to the DiagnosticSink interface.
type LogrusSink struct {
	Logger *logrus.Logger
}

// NewLogrusSink wraps a logger; a nil logger gets the logrus standard logger.
func NewLogrusSink(logger *logrus.Logger) *LogrusSink {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &LogrusSink{Logger: logger}
}

func (s *LogrusSink) Event(msg string, fields map[string]any) {
	s.Logger.WithFields(logrus.Fields(fields)).Info(msg)
}

func (s *LogrusSink) Problem(err error, msg string, fields map[string]any) {
	s.Logger.WithFields(logrus.Fields(fields)).WithError(err).Warn(msg)
}

// NopSink discards all diagnostics.
type NopSink struct{}

func (NopSink) Event(string, map[string]any)          {}
func (NopSink) Problem(error, string, map[string]any) {}
