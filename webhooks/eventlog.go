package webhooks

import (
	"sync"
	"time"

	"github.com/marcus20232023/a2a-shib-payments/storage/snapshot"
)

// LogEntry is one line in the operator-facing event log.
type LogEntry struct {
	At      time.Time `json:"at"`
	Type    string    `json:"type"`
	EventID string    `json:"eventId,omitempty"`
	Message string    `json:"message,omitempty"`
}

// EventLog keeps the most recent entries, dropping from the head once the
// cap is exceeded. Every append rewrites the backing file.
type EventLog struct {
	mu      sync.Mutex
	entries []LogEntry
	store   *snapshot.Store
	max     int
}

// NewEventLog constructs a log capped at max entries, rehydrated from store
// when one is supplied.
func NewEventLog(store *snapshot.Store, max int) (*EventLog, error) {
	if max <= 0 {
		max = DefaultMaxLogEntries
	}
	log := &EventLog{store: store, max: max}
	if store != nil {
		var loaded []LogEntry
		if ok, err := store.Load(&loaded); err != nil {
			return nil, err
		} else if ok {
			if len(loaded) > max {
				loaded = loaded[len(loaded)-max:]
			}
			log.entries = loaded
		}
	}
	return log, nil
}

// Append records an entry, truncating the oldest entries beyond the cap.
func (l *EventLog) Append(entry LogEntry) error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry)
	if len(l.entries) > l.max {
		l.entries = append([]LogEntry(nil), l.entries[len(l.entries)-l.max:]...)
	}
	if l.store == nil {
		return nil
	}
	return l.store.Save(l.entries)
}

// Recent returns up to n entries, newest last. n <= 0 returns everything.
func (l *EventLog) Recent(n int) []LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n <= 0 || n > len(l.entries) {
		n = len(l.entries)
	}
	out := make([]LogEntry, n)
	copy(out, l.entries[len(l.entries)-n:])
	return out
}
