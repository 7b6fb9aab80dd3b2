package logger

import (
	"sync"
	"time"
)

// LogEntry is one captured log line, shaped for the /api/logs endpoint
type LogEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Attrs     map[string]interface{} `json:"attrs,omitempty"`
}

// Buffer keeps the most recent log entries in a fixed-size ring so the
// UI can show history without a persistent log file on the SD card.
type Buffer struct {
	mu      sync.RWMutex
	entries []LogEntry
	next    int
	full    bool
}

// NewBuffer creates a buffer holding at most capacity entries
func NewBuffer(capacity int) *Buffer {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer{entries: make([]LogEntry, capacity)}
}

// Add records an entry, evicting the oldest once the ring is full
func (b *Buffer) Add(entry LogEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries[b.next] = entry
	b.next++
	if b.next == len(b.entries) {
		b.next = 0
		b.full = true
	}
}

// Len returns the number of entries currently held
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lenLocked()
}

func (b *Buffer) lenLocked() int {
	if b.full {
		return len(b.entries)
	}
	return b.next
}

// GetLast returns up to n entries, newest first
func (b *Buffer) GetLast(n int) []LogEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	held := b.lenLocked()
	if n > held {
		n = held
	}
	if n <= 0 {
		return nil
	}

	out := make([]LogEntry, 0, n)
	idx := b.next
	for i := 0; i < n; i++ {
		idx--
		if idx < 0 {
			idx = len(b.entries) - 1
		}
		out = append(out, b.entries[idx])
	}
	return out
}
