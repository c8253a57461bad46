package logger

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewRejectsUnknownLevel(t *testing.T) {
	if _, err := New(Config{Level: "loud", Format: "text"}); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestNewWithFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "logs", "bridge.log")

	l, err := New(Config{Level: "info", Format: "json", File: file, MaxSize: 1})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	l.Info("hello")
	l.Sync()
}

func TestTestLoggerCarriesComponentAndChannel(t *testing.T) {
	var buf bytes.Buffer
	l := NewTestLogger(&buf).WithComponent("router").WithChannel("task-updates")

	l.Debug("frame dropped", Uint64("seq", 7))

	out := buf.String()
	for _, want := range []string{"frame dropped", "router", "task-updates", "7"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in log output, got: %s", want, out)
		}
	}
}

func TestNopDiscards(t *testing.T) {
	l := Nop().WithComponent("x")
	l.Error("nothing to see")
}
