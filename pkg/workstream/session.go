package workstream

import (
	"time"
)

// maxTimedEntries bounds the per-session error and tool-call lists. Window
// pruning keeps them small in practice; the hard cap protects against a
// session that floods inside a single window.
const maxTimedEntries = 500

// timedValue is one windowed observation: an error fingerprint or a tool
// name, with the event timestamp it arrived at.
type timedValue struct {
	value string
	at    time.Time
}

// sessionState is the rolling per-attempt state the detectors read. All
// window math uses event timestamps from the log, so replaying a file
// reconstructs the same detector decisions.
type sessionState struct {
	attemptID    string
	taskID       string
	executor     string
	startedAt    time.Time
	lastActivity time.Time

	restarts   int
	errorCount int
	errors     []timedValue
	toolCalls  []timedValue
}

// recordError appends an error fingerprint and returns how many times the
// same fingerprint occurred within the window ending at the new event.
func (s *sessionState) recordError(fingerprint string, at time.Time, window time.Duration) int {
	s.errorCount++
	s.errors = appendBounded(s.errors, timedValue{value: fingerprint, at: at})
	return countInWindow(s.errors, fingerprint, at, window)
}

// recordToolCall appends a tool call and returns how many times the same
// tool was called within the window ending at the new event.
func (s *sessionState) recordToolCall(name string, at time.Time, window time.Duration) int {
	s.toolCalls = appendBounded(s.toolCalls, timedValue{value: name, at: at})
	return countInWindow(s.toolCalls, name, at, window)
}

// distinctFingerprints lists the distinct error fingerprints seen this
// session, in first-seen order.
func (s *sessionState) distinctFingerprints() []string {
	seen := make(map[string]struct{}, len(s.errors))
	var out []string
	for _, e := range s.errors {
		if _, ok := seen[e.value]; ok {
			continue
		}
		seen[e.value] = struct{}{}
		out = append(out, e.value)
	}
	return out
}

func appendBounded(entries []timedValue, entry timedValue) []timedValue {
	entries = append(entries, entry)
	if len(entries) > maxTimedEntries {
		entries = entries[len(entries)-maxTimedEntries:]
	}
	return entries
}

func countInWindow(entries []timedValue, value string, at time.Time, window time.Duration) int {
	cutoff := at.Add(-window)
	count := 0
	for _, e := range entries {
		if e.value == value && !e.at.Before(cutoff) {
			count++
		}
	}
	return count
}
