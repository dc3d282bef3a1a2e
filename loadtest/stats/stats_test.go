package stats

import (
	"strings"
	"testing"
	"time"
)

func TestSummarize(t *testing.T) {
	var ds []time.Duration
	for i := 100; i >= 1; i-- {
		ds = append(ds, time.Duration(i)*time.Millisecond)
	}

	s := Summarize(ds)
	if s.N != 100 {
		t.Fatalf("N = %d, want 100", s.N)
	}
	checks := []struct {
		name      string
		got, want time.Duration
	}{
		{"p50", s.P50, 51 * time.Millisecond},
		{"p95", s.P95, 95 * time.Millisecond},
		{"p99", s.P99, 99 * time.Millisecond},
		{"max", s.Max, 100 * time.Millisecond},
		{"avg", s.Avg, 50500 * time.Microsecond},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}

	if got := Summarize(nil); got.N != 0 {
		t.Errorf("empty summary N = %d", got.N)
	}
	one := Summarize([]time.Duration{time.Second})
	if one.P99 != time.Second || one.P50 != time.Second {
		t.Errorf("single sample summary = %+v", one)
	}
}

func TestParseSample(t *testing.T) {
	tests := []struct {
		line  string
		name  string
		label string
		value float64
		ok    bool
	}{
		{"collab_active_rooms 3", "collab_active_rooms", "", 3, true},
		{`collab_messages_total{type="codeChange"} 42`, "collab_messages_total", "codeChange", 42, true},
		{`collab_initial_state_total{status="fallback",x="y"} 2`, "collab_initial_state_total", "fallback", 2, true},
		{"collab_message_latency_seconds_sum 0.25", "collab_message_latency_seconds_sum", "", 0.25, true},
		{"# HELP collab_active_rooms Rooms.", "", "", 0, false},
		{`broken{type="x" 1`, "", "", 0, false},
		{"novalue", "", "", 0, false},
	}
	for _, tt := range tests {
		name, label, value, ok := parseSample(tt.line)
		if ok != tt.ok || name != tt.name || label != tt.label || value != tt.value {
			t.Errorf("parseSample(%q) = (%q, %q, %v, %v), want (%q, %q, %v, %v)",
				tt.line, name, label, value, ok, tt.name, tt.label, tt.value, tt.ok)
		}
	}
}

func TestDeltasSkipsIdleSeries(t *testing.T) {
	before := map[string]float64{"codeChange": 10, "join": 4}
	after := map[string]float64{"codeChange": 25, "join": 4, "chatMessage": 3}

	got := deltas(before, after)
	if len(got) != 2 || got["codeChange"] != 15 || got["chatMessage"] != 3 {
		t.Errorf("deltas = %v", got)
	}
	if keys := unionKeys(got, map[string]float64{"leave": 1}); strings.Join(keys, ",") != "chatMessage,codeChange,leave" {
		t.Errorf("unionKeys = %v", keys)
	}
}
