// SPDX-License-Identifier: MIT

package encoder

import (
	"testing"

	"github.com/relaycast/agent/internal/streamtype"
)

func TestClassifyLine(t *testing.T) {
	cases := []struct {
		line string
		kind streamtype.ErrorKind
		ok   bool
	}{
		{"Non-monotonous DTS in output stream", streamtype.ErrDTSDiscontinuity, true},
		{"non-monotonous PTS detected", streamtype.ErrPTSDiscontinuity, true},
		{"av_interleaved_write_frame(): No such file or directory", streamtype.ErrFileNotFound, true},
		{"open failed: Permission denied", streamtype.ErrPermission, true},
		{"Connection refused", streamtype.ErrConnRefused, true},
		{"Connection timed out", streamtype.ErrConnTimeout, true},
		{"moov atom not found", streamtype.ErrCorrupt, true},
		{"Cannot allocate memory", streamtype.ErrOOM, true},
		{"RTMP_Connect0, failed to connect socket", streamtype.ErrRTMP, true},
		{"frame=  100 fps=30", "", false},
	}
	for _, c := range cases {
		kind, ok := classifyLine(c.line)
		if ok != c.ok || (ok && kind != c.kind) {
			t.Errorf("classifyLine(%q) = (%q, %v), want (%q, %v)", c.line, kind, ok, c.kind, c.ok)
		}
	}
}

func TestErrorCountersThreshold(t *testing.T) {
	c := NewErrorCounters()

	for i := 0; i < 2; i++ {
		_, crossed := c.Observe("Connection refused")
		if crossed {
			t.Fatalf("crossed threshold too early at occurrence %d", i+1)
		}
	}
	kind, crossed := c.Observe("Connection refused")
	if !crossed || kind != streamtype.ErrConnRefused {
		t.Fatalf("expected threshold crossing on 3rd occurrence, got kind=%q crossed=%v", kind, crossed)
	}
	// A 4th occurrence must not re-fire.
	_, crossed = c.Observe("Connection refused")
	if crossed {
		t.Error("threshold should only fire once, on the crossing occurrence")
	}
}

func TestErrorCountersFatalThresholdOne(t *testing.T) {
	c := NewErrorCounters()
	kind, crossed := c.Observe("Permission denied")
	if !crossed || kind != streamtype.ErrPermission {
		t.Fatalf("expected immediate threshold crossing for fatal kind, got kind=%q crossed=%v", kind, crossed)
	}
}

func TestErrorCountersDominant(t *testing.T) {
	c := NewErrorCounters()
	for i := 0; i < 3; i++ {
		c.Observe("Connection refused")
	}
	kind, ok := c.Dominant()
	if !ok || kind != streamtype.ErrConnRefused {
		t.Errorf("Dominant() = (%q, %v), want (%q, true)", kind, ok, streamtype.ErrConnRefused)
	}
}

func TestErrorCountersDominantNoneCrossed(t *testing.T) {
	c := NewErrorCounters()
	c.Observe("Connection refused")
	if _, ok := c.Dominant(); ok {
		t.Error("expected no dominant kind before any threshold crosses")
	}
}

func TestRingBufferTailOrderAndEviction(t *testing.T) {
	r := NewRingBuffer(3)
	for _, l := range []string{"a", "b", "c", "d"} {
		r.Add(l)
	}
	tail := r.Tail()
	want := []string{"b", "c", "d"}
	if len(tail) != len(want) {
		t.Fatalf("Tail() = %v, want %v", tail, want)
	}
	for i := range want {
		if tail[i] != want[i] {
			t.Errorf("Tail()[%d] = %q, want %q", i, tail[i], want[i])
		}
	}
}

func TestRingBufferTailBeforeFull(t *testing.T) {
	r := NewRingBuffer(5)
	r.Add("x")
	r.Add("y")
	tail := r.Tail()
	if len(tail) != 2 || tail[0] != "x" || tail[1] != "y" {
		t.Errorf("Tail() = %v, want [x y]", tail)
	}
}
