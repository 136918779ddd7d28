package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
)

func TestZeroLoggerIsNoop(t *testing.T) {
	var l Logger
	l.Info("nothing", String("k", "v"))
	if l.Enabled(LevelError) {
		t.Fatalf("zero logger should not be enabled")
	}
}

func TestWriterLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriter(&buf, LevelDebug).With(String("comp", "test"))
	l.Warn("scheduler.cap", Int("cap", 3), Err(errors.New("boom")))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("decode %q: %v", buf.String(), err)
	}
	if m["message"] != "scheduler.cap" || m["comp"] != "test" || m["cap"] != float64(3) {
		t.Fatalf("unexpected event: %v", m)
	}
	if m["level"] != "warn" {
		t.Fatalf("level = %v", m["level"])
	}
}

func TestLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriter(&buf, LevelWarn)
	l.Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("info should be filtered at warn level, got %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		" INFO ":  zerolog.InfoLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"bogus":   zerolog.InfoLevel,
	}
	for in, want := range cases {
		if got := ParseLevel(in, zerolog.InfoLevel); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
