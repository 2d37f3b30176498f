package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestPrefixFormatter(t *testing.T) {
	logger := New()
	var buf bytes.Buffer
	logger.SetOutput(&buf)

	logger.Info("model set")
	logger.Warn("gpu unavailable")
	logger.Error("loader failed")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	want := []string{"[INF] model set", "[WARN] gpu unavailable", "[ERR] loader failed"}
	if len(lines) != len(want) {
		t.Fatalf("logged %d lines, want %d: %q", len(lines), len(want), lines)
	}
	for i, line := range lines {
		if line != want[i] {
			t.Errorf("line %d = %q, want %q", i, line, want[i])
		}
	}
}

func TestDebugSuppressedAtInfoLevel(t *testing.T) {
	logger := New()
	var buf bytes.Buffer
	logger.SetOutput(&buf)

	logger.Debug("hidden")
	if buf.Len() != 0 {
		t.Errorf("debug line leaked at info level: %q", buf.String())
	}

	logger.SetLevel(logrus.DebugLevel)
	logger.Debug("shown")
	if !strings.Contains(buf.String(), "[DBG] shown") {
		t.Errorf("debug line missing: %q", buf.String())
	}
}
