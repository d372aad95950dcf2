// SPDX-License-Identifier: MIT

package encoder

import (
	"strings"
	"sync"

	"github.com/relaycast/agent/internal/streamtype"
)

// errorPattern is one substring/regex-free predicate entry from the stderr
// classification table (spec §4.4). Matching is case-insensitive substring
// containment, which covers every pattern in the table without needing a
// regex engine.
type errorPattern struct {
	kind      streamtype.ErrorKind
	substrs   []string // any one matching is a hit
	threshold int      // occurrences within a run before the kind "crosses"
}

// errorPatterns is the fixed classification table.
var errorPatterns = []errorPattern{
	{streamtype.ErrDTSDiscontinuity, []string{"non-monotonous dts"}, 3},
	{streamtype.ErrPTSDiscontinuity, []string{"non-monotonous pts"}, 3},
	{streamtype.ErrFileNotFound, []string{"no such file or directory"}, 1},
	{streamtype.ErrPermission, []string{"permission denied"}, 1},
	{streamtype.ErrConnRefused, []string{"connection refused"}, 3},
	{streamtype.ErrConnTimeout, []string{"connection timed out", "timed out"}, 3},
	{streamtype.ErrCorrupt, []string{"invalid data found", "moov atom not found"}, 1},
	{streamtype.ErrOOM, []string{"cannot allocate memory"}, 1},
	{streamtype.ErrRTMP, []string{"rtmp"}, 3},
}

// classifyLine returns the ErrorKind matched by one stderr line, or
// ("", false) if it matches none of the patterns. RTMP is checked last,
// with a dedicated rule: a line matches it if it contains "rtmp", or if
// "server returned 4" and "error" both occur in it.
func classifyLine(line string) (streamtype.ErrorKind, bool) {
	lower := strings.ToLower(line)

	for _, p := range errorPatterns {
		if p.kind == streamtype.ErrRTMP {
			continue
		}
		for _, s := range p.substrs {
			if strings.Contains(lower, s) {
				return p.kind, true
			}
		}
	}

	if strings.Contains(lower, "rtmp") {
		return streamtype.ErrRTMP, true
	}
	if strings.Contains(lower, "server returned 4") && strings.Contains(lower, "error") {
		return streamtype.ErrRTMP, true
	}

	return "", false
}

func thresholdFor(kind streamtype.ErrorKind) int {
	for _, p := range errorPatterns {
		if p.kind == kind {
			return p.threshold
		}
	}
	return 1
}

// ErrorCounters tracks per-run occurrences of each ErrorKind and reports
// which kinds have crossed their threshold.
type ErrorCounters struct {
	mu     sync.Mutex
	counts map[streamtype.ErrorKind]int
}

// NewErrorCounters creates an empty counter set.
func NewErrorCounters() *ErrorCounters {
	return &ErrorCounters{counts: make(map[streamtype.ErrorKind]int)}
}

// Observe classifies one stderr line and, if it matches a known pattern,
// increments that kind's counter. It returns the matched kind and whether
// this observation just crossed the kind's threshold (fires exactly once
// per run, on the occurrence that reaches the threshold).
func (c *ErrorCounters) Observe(line string) (streamtype.ErrorKind, bool) {
	kind, ok := classifyLine(line)
	if !ok {
		return "", false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[kind]++
	crossed := c.counts[kind] == thresholdFor(kind)
	return kind, crossed
}

// Snapshot returns a copy of the current counters, for inclusion in exit
// events and status reports.
func (c *ErrorCounters) Snapshot() map[streamtype.ErrorKind]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[streamtype.ErrorKind]int, len(c.counts))
	for k, v := range c.counts {
		out[k] = v
	}
	return out
}

// Dominant returns the ErrorKind with the highest count that has crossed
// its threshold, or (ErrUnknown, false) if none has.
func (c *ErrorCounters) Dominant() (streamtype.ErrorKind, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var best streamtype.ErrorKind
	bestCount := 0
	for k, v := range c.counts {
		if v < thresholdFor(k) {
			continue
		}
		if v > bestCount {
			best, bestCount = k, v
		}
	}
	if bestCount == 0 {
		return streamtype.ErrUnknown, false
	}
	return best, true
}

// RingBuffer is a bounded FIFO of the most recent stderr lines, used for
// the exit event's stderr tail.
type RingBuffer struct {
	mu    sync.Mutex
	lines []string
	cap   int
	next  int
	full  bool
}

// NewRingBuffer creates a ring buffer holding at most capacity lines.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = 1000
	}
	return &RingBuffer{lines: make([]string, capacity), cap: capacity}
}

// Add appends a line, evicting the oldest if full.
func (r *RingBuffer) Add(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines[r.next] = line
	r.next = (r.next + 1) % r.cap
	if r.next == 0 {
		r.full = true
	}
}

// Tail returns the buffered lines in chronological order.
func (r *RingBuffer) Tail() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.full {
		out := make([]string, r.next)
		copy(out, r.lines[:r.next])
		return out
	}
	out := make([]string, r.cap)
	copy(out, r.lines[r.next:])
	copy(out[r.cap-r.next:], r.lines[:r.next])
	return out
}
