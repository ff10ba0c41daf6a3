package pkg

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestNewLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelWarn)

	logger.Debug("hidden")
	logger.Warn("visible")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("debug message leaked through warn level: %q", out)
	}
	if !strings.Contains(out, "visible") {
		t.Errorf("warn message missing: %q", out)
	}
}

func TestSetLogger(t *testing.T) {
	orig := DefaultLogger
	defer SetLogger(orig)

	var buf bytes.Buffer
	SetLogger(NewLogger(&buf, slog.LevelDebug))

	LogDebug(ComponentAudio, "stream opened", "terminal", 1)
	if !strings.Contains(buf.String(), "stream opened") {
		t.Errorf("component log missing: %q", buf.String())
	}
}
