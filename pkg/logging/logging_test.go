package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestComponentCarriesNameAndField(t *testing.T) {
	var buf bytes.Buffer
	root := New(&Config{Level: "info", Output: &buf})

	trig := root.Component("trigger")
	if trig.ComponentName() != "trigger" {
		t.Errorf("ComponentName = %q, want trigger", trig.ComponentName())
	}

	trig.Info("tick done", "orders", 3)
	out := buf.String()
	if !strings.Contains(out, "trigger") {
		t.Errorf("output missing component name: %q", out)
	}
	if !strings.Contains(out, "component=trigger") {
		t.Errorf("output missing structured component field: %q", out)
	}
}

func TestComponentLevelOverride(t *testing.T) {
	var buf bytes.Buffer
	root := New(&Config{
		Level:           "info",
		ComponentLevels: map[string]string{"keystore": "warn"},
		Output:          &buf,
	})

	ks := root.Component("keystore")
	ks.Info("loaded")
	if buf.Len() != 0 {
		t.Errorf("info line logged despite warn override: %q", buf.String())
	}

	ks.Warn("rotation overdue")
	if !strings.Contains(buf.String(), "rotation overdue") {
		t.Errorf("warn line missing: %q", buf.String())
	}

	// Components without an override stay at the root level.
	buf.Reset()
	root.Component("ledger").Info("recorded")
	if !strings.Contains(buf.String(), "recorded") {
		t.Errorf("root-level info line missing: %q", buf.String())
	}
}

func TestWithTrace(t *testing.T) {
	var buf bytes.Buffer
	root := New(&Config{Level: "info", Output: &buf})

	root.Component("ledger").WithTrace("0123456789abcdef0123456789abcdef").Info("trade recorded")
	if !strings.Contains(buf.String(), "trace_id=0123456789abcdef0123456789abcdef") {
		t.Errorf("trace id missing from output: %q", buf.String())
	}

	// Empty trace ids add no field.
	buf.Reset()
	root.WithTrace("").Info("plain")
	if strings.Contains(buf.String(), "trace_id") {
		t.Errorf("empty trace id produced a field: %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug":   DebugLevel,
		"info":    InfoLevel,
		"":        InfoLevel,
		"warning": WarnLevel,
		"error":   ErrorLevel,
		"fatal":   FatalLevel,
		"bogus":   InfoLevel,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
