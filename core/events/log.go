package events

import (
	"sync"
	"time"

	"escrowcore/core/types"
)

// Entry is a single committed record in the event log. Sequence numbers start
// at zero and increase by one per emitted event, with no gaps.
type Entry struct {
	Sequence   uint64            `json:"sequence"`
	Timestamp  int64             `json:"timestamp"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

// Log is an append-only, ordered event sink. Emit never blocks on readers and
// readers always observe a consistent prefix of the log.
type Log struct {
	mu      sync.RWMutex
	nowFn   func() int64
	entries []Entry
}

// NewLog returns an empty event log using wall-clock timestamps.
func NewLog() *Log {
	return &Log{nowFn: func() int64 { return time.Now().Unix() }}
}

// SetNowFunc overrides the timestamp source. Passing nil restores the
// wall-clock default. Primarily intended for tests.
func (l *Log) SetNowFunc(now func() int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if now == nil {
		l.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	l.nowFn = now
}

// Emit implements the Emitter interface. Events without a payload are recorded
// with their type tag only.
func (l *Log) Emit(evt Event) {
	if l == nil || evt == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	entry := Entry{
		Sequence:  uint64(len(l.entries)),
		Timestamp: l.nowFn(),
		Type:      evt.EventType(),
	}
	if provider, ok := evt.(interface{ Event() *types.Event }); ok {
		if e := provider.Event(); e != nil {
			entry.Type = e.Type
			entry.Attributes = cloneAttributes(e.Attributes)
		}
	}
	l.entries = append(l.entries, entry)
}

// Entries returns a snapshot of the full log in emission order.
func (l *Log) Entries() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Entry, len(l.entries))
	for i, entry := range l.entries {
		out[i] = entry
		out[i].Attributes = cloneAttributes(entry.Attributes)
	}
	return out
}

// EntriesWhere returns the ordered subset of entries matched by keep.
func (l *Log) EntriesWhere(keep func(Entry) bool) []Entry {
	if keep == nil {
		return l.Entries()
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Entry
	for _, entry := range l.entries {
		if keep(entry) {
			clone := entry
			clone.Attributes = cloneAttributes(entry.Attributes)
			out = append(out, clone)
		}
	}
	return out
}

// Len reports the number of committed entries.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

func cloneAttributes(attrs map[string]string) map[string]string {
	if attrs == nil {
		return nil
	}
	out := make(map[string]string, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out
}
