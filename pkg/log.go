package pkg

import (
	"io"
	"log/slog"
	"os"
	"sync"

	charm "github.com/charmbracelet/log"
)

// Component identifies a subsystem for log filtering.
type Component string

// USB stack component identifiers.
const (
	ComponentDevice   Component = "device"
	ComponentStack    Component = "stack"
	ComponentHAL      Component = "hal"
	ComponentDriver   Component = "driver"
	ComponentTransfer Component = "transfer"
	ComponentEndpoint Component = "endpoint"
	ComponentAudio    Component = "audio"
	ComponentRecord   Component = "record"
	ComponentPlayback Component = "playback"
	ComponentCodec    Component = "codec"
)

var (
	// DefaultLogger is the default logger used by the USB stack.
	DefaultLogger *slog.Logger

	// logMutex protects logger configuration.
	logMutex sync.RWMutex

	// charmLogger backs DefaultLogger and owns the level filter.
	charmLogger *charm.Logger
)

func init() {
	charmLogger = charm.NewWithOptions(os.Stderr, charm.Options{
		Level:           charm.WarnLevel,
		ReportTimestamp: true,
	})
	DefaultLogger = slog.New(charmLogger)
}

// SetLogLevel sets the minimum log level for all USB stack logging.
func SetLogLevel(level slog.Level) {
	logMutex.Lock()
	defer logMutex.Unlock()
	charmLogger.SetLevel(charm.Level(level))
}

// SetLogger replaces the default logger with a custom logger.
func SetLogger(logger *slog.Logger) {
	logMutex.Lock()
	defer logMutex.Unlock()
	DefaultLogger = logger
}

// NewLogger creates a new leveled logger writing to the given writer.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	l := charm.NewWithOptions(w, charm.Options{
		Level:           charm.Level(level),
		ReportTimestamp: true,
	})
	return slog.New(l)
}

// LogDebug logs a debug message with the given component.
func LogDebug(component Component, msg string, args ...any) {
	logMutex.RLock()
	logger := DefaultLogger
	logMutex.RUnlock()
	logger.Debug(msg, append([]any{"component", string(component)}, args...)...)
}

// LogInfo logs an info message with the given component.
func LogInfo(component Component, msg string, args ...any) {
	logMutex.RLock()
	logger := DefaultLogger
	logMutex.RUnlock()
	logger.Info(msg, append([]any{"component", string(component)}, args...)...)
}

// LogWarn logs a warning message with the given component.
func LogWarn(component Component, msg string, args ...any) {
	logMutex.RLock()
	logger := DefaultLogger
	logMutex.RUnlock()
	logger.Warn(msg, append([]any{"component", string(component)}, args...)...)
}

// LogError logs an error message with the given component.
func LogError(component Component, msg string, args ...any) {
	logMutex.RLock()
	logger := DefaultLogger
	logMutex.RUnlock()
	logger.Error(msg, append([]any{"component", string(component)}, args...)...)
}
