package log

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func newBufferLogger(buf *bytes.Buffer, opts ...LoggerOption) Logger {
	base := []LoggerOption{WithOutput(NewWriterOutput(buf)), WithFormatter(&JSONFormatter{}), WithLevel(DebugLevel)}
	return NewLogger(append(base, opts...)...)
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		m := map[string]interface{}{}
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("decode %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestLoggerWritesFieldsAndChildContext(t *testing.T) {
	var buf bytes.Buffer
	l := newBufferLogger(&buf).With(Component("queue"))
	l.Info("enqueued", Str("message_id", "m1"), Err(errors.New("boom")))

	lines := decodeLines(t, &buf)
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(lines))
	}
	got := lines[0]
	if got["msg"] != "enqueued" || got["component"] != "queue" || got["message_id"] != "m1" || got["error"] != "boom" {
		t.Fatalf("unexpected entry: %v", got)
	}
	if got["level"] != "INFO" {
		t.Fatalf("level = %v", got["level"])
	}
}

func TestLoggerLevelIsSharedWithChildren(t *testing.T) {
	var buf bytes.Buffer
	root := newBufferLogger(&buf)
	child := root.WithComponent("worker")
	root.SetLevel(WarnLevel)
	child.Info("hidden")
	child.Warn("shown")
	lines := decodeLines(t, &buf)
	if len(lines) != 1 || lines[0]["msg"] != "shown" {
		t.Fatalf("unexpected lines: %v", lines)
	}
}

func TestLoggerRedaction(t *testing.T) {
	var buf bytes.Buffer
	l := newBufferLogger(&buf, WithRedactedKeys("token"))
	l.Info("resolved", Str("token", "xoxb-secret"))
	lines := decodeLines(t, &buf)
	if lines[0]["token"] != "[REDACTED]" {
		t.Fatalf("token not redacted: %v", lines[0])
	}
}

func TestLoggerSampling(t *testing.T) {
	var buf bytes.Buffer
	l := newBufferLogger(&buf, WithSampling(1, 3))
	for i := 0; i < 7; i++ {
		l.Info("tick")
	}
	// first entry, then every third of the remaining six
	if n := len(decodeLines(t, &buf)); n != 3 {
		t.Fatalf("expected 3 sampled lines, got %d", n)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{"debug": DebugLevel, "INFO": InfoLevel, "warning": WarnLevel, "error": ErrorLevel, "": InfoLevel}
	for in, want := range cases {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Fatalf("ParseLevel(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}

func TestTextFormatterSortsKeys(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(WithOutput(NewWriterOutput(&buf)), WithFormatter(&TextFormatter{DisableCaller: true}))
	l.Info("hello", Str("b", "2"), Str("a", "1"))
	line := buf.String()
	if !strings.Contains(line, "hello a=1 b=2") {
		t.Fatalf("unexpected text line: %q", line)
	}
}

func TestToStdLogger(t *testing.T) {
	var buf bytes.Buffer
	std := ToStdLogger(newBufferLogger(&buf), WarnLevel)
	std.Print("from stdlib")
	lines := decodeLines(t, &buf)
	if len(lines) != 1 || lines[0]["level"] != "WARN" || lines[0]["msg"] != "from stdlib" {
		t.Fatalf("unexpected: %v", lines)
	}
}
