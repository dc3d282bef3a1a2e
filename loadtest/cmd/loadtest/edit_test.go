package main

import (
	"testing"
	"time"
)

func TestSnapshotStampRoundTrip(t *testing.T) {
	before := time.Now()
	files := snapshot("abc")
	sent, ok := parseStamp(files[0].Content)
	if !ok {
		t.Fatalf("parseStamp(%q) failed", files[0].Content)
	}
	if sent.Before(before.Add(-time.Millisecond)) || sent.After(time.Now()) {
		t.Errorf("stamp %v outside [%v, now]", sent, before)
	}

	for _, bad := range []string{"", "<h1>hi</h1>", stampPrefix + "nope -->", stampPrefix + "123"} {
		if _, ok := parseStamp(bad); ok {
			t.Errorf("parseStamp(%q) = ok, want failure", bad)
		}
	}
}
