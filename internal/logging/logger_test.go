package logging

import (
	"bytes"
	"strings"
	"testing"
)

func newBufLogger(level LogLevel) (*Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return NewLogger(&Config{Level: level, Output: &buf}), &buf
}

func TestLevelFiltering(t *testing.T) {
	l, buf := newBufLogger(LevelWarn)
	l.Debug("quiet")
	l.Info("quiet")
	l.Warn("loud")
	l.Error("loud")

	out := buf.String()
	if strings.Contains(out, "quiet") {
		t.Errorf("below-level messages leaked: %q", out)
	}
	if strings.Count(out, "loud") != 2 {
		t.Errorf("expected warn and error lines, got %q", out)
	}
}

func TestKeyValueFormatting(t *testing.T) {
	l, buf := newBufLogger(LevelDebug)
	l.Info("connected", "server", "a:11210", "attempts", 2)

	out := buf.String()
	for _, want := range []string{"[INFO]", "connected", "server=a:11210", "attempts=2"} {
		if !strings.Contains(out, want) {
			t.Errorf("output %q missing %q", out, want)
		}
	}
}

func TestDanglingKeyIgnored(t *testing.T) {
	l, buf := newBufLogger(LevelDebug)
	l.Info("msg", "lonely")
	if strings.Contains(buf.String(), "lonely") {
		t.Errorf("dangling key rendered: %q", buf.String())
	}
}

func TestScopePrefix(t *testing.T) {
	l, buf := newBufLogger(LevelDebug)
	scoped := l.WithScope("cache1:11210")
	scoped.Debug("resolving")

	if !strings.Contains(buf.String(), "[cache1:11210]") {
		t.Errorf("scope missing from %q", buf.String())
	}
}

func TestDefaultLoggerSingleton(t *testing.T) {
	a := Default()
	b := Default()
	if a != b {
		t.Error("Default() returned different loggers")
	}

	replaced := NewLogger(nil)
	SetDefault(replaced)
	t.Cleanup(func() { SetDefault(a) })
	if Default() != replaced {
		t.Error("SetDefault did not take effect")
	}
}
