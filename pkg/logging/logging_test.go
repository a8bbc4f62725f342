package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"debug", DebugLevel},
		{"INFO", InfoLevel},
		{"warning", WarnLevel},
		{"error", ErrorLevel},
		{"bogus", InfoLevel},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestComponentSharesOutput(t *testing.T) {
	var buf bytes.Buffer
	l := New(&Config{Level: "debug", Output: &buf})

	l.Component("swap").Info("state changed", "state", "locked")

	out := buf.String()
	if !strings.Contains(out, "swap") {
		t.Errorf("output missing component prefix: %q", out)
	}
	if !strings.Contains(out, "state=locked") {
		t.Errorf("output missing key/value: %q", out)
	}
}

func TestComponentInheritsLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(&Config{Level: "error", Output: &buf})

	l.Component("wallet").Info("hidden")
	if buf.Len() != 0 {
		t.Errorf("info line written at error level: %q", buf.String())
	}
}

func TestShort(t *testing.T) {
	if got := Short([]byte{0xde, 0xad}); got != "dead" {
		t.Errorf("Short() = %s", got)
	}
	long := bytes.Repeat([]byte{0xab}, 32)
	if got := Short(long); got != "abababababababab" {
		t.Errorf("Short() = %s", got)
	}
}

func TestSetDefault(t *testing.T) {
	prev := GetDefault()
	defer SetDefault(prev)

	var buf bytes.Buffer
	SetDefault(New(&Config{Output: &buf}))
	Info("hello")
	if !strings.Contains(buf.String(), "hello") {
		t.Errorf("default logger not used: %q", buf.String())
	}
}
