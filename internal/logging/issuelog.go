package logging

import (
	"sync"
	"time"
)

// MaxIssueLogEntries bounds the in-memory diagnostic ring.
const MaxIssueLogEntries = 100

// trimSlack lets the ring grow slightly past the bound between trims so that
// bursts of entries do not reslice on every append.
const trimSlack = 20

// IssueEntry is one diagnostic record kept for the admin log endpoint.
type IssueEntry struct {
	TS       time.Time `json:"ts"`
	Severity string    `json:"severity"`
	Message  string    `json:"message"`
}

// IssueLog is a bounded in-memory ring of recent diagnostic entries.
// Appends are cheap; trimming back to the bound is debounced.
type IssueLog struct {
	mu      sync.Mutex
	entries []IssueEntry
}

// NewIssueLog creates an empty issue log.
func NewIssueLog() *IssueLog {
	return &IssueLog{entries: make([]IssueEntry, 0, MaxIssueLogEntries+trimSlack)}
}

// Append records an entry, dropping the oldest entries once the ring has
// grown past the bound plus slack.
func (l *IssueLog) Append(severity, message string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = append(l.entries, IssueEntry{
		TS:       time.Now(),
		Severity: severity,
		Message:  message,
	})
	if len(l.entries) > MaxIssueLogEntries+trimSlack {
		keep := l.entries[len(l.entries)-MaxIssueLogEntries:]
		l.entries = append(l.entries[:0], keep...)
	}
}

// Entries returns a copy of the retained entries, oldest first, capped at
// MaxIssueLogEntries.
func (l *IssueLog) Entries() []IssueEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries := l.entries
	if len(entries) > MaxIssueLogEntries {
		entries = entries[len(entries)-MaxIssueLogEntries:]
	}
	out := make([]IssueEntry, len(entries))
	copy(out, entries)
	return out
}
