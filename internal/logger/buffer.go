package logger

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"
)

const defaultBufferSize = 1000

// LogEntry is one buffered zerolog line.
type LogEntry struct {
	Timestamp string         `json:"timestamp"`
	Level     string         `json:"level"`
	Component string         `json:"component,omitempty"`
	Indexer   string         `json:"indexer,omitempty"`
	Message   string         `json:"message"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Query filters buffered entries. Zero values match everything.
type Query struct {
	// MinLevel drops entries below this level.
	MinLevel  zerolog.Level
	Component string
	Indexer   string
	// Limit keeps only the newest Limit matches.
	Limit int
}

func (q Query) matches(e *LogEntry) bool {
	if q.MinLevel > zerolog.TraceLevel {
		if lvl, err := zerolog.ParseLevel(e.Level); err == nil && lvl < q.MinLevel {
			return false
		}
	}
	if q.Component != "" && e.Component != q.Component {
		return false
	}
	return q.Indexer == "" || e.Indexer == q.Indexer
}

// Buffer is an io.Writer that keeps the newest zerolog JSON entries in a
// fixed-size ring, so recent activity can be served without a log file.
type Buffer struct {
	mu      sync.RWMutex
	entries []LogEntry
	next    int
	full    bool
}

// NewBuffer creates a buffer holding up to size entries.
func NewBuffer(size int) *Buffer {
	if size <= 0 {
		size = defaultBufferSize
	}
	return &Buffer{entries: make([]LogEntry, size)}
}

// Write implements io.Writer. Lines that are not zerolog JSON are dropped.
func (b *Buffer) Write(p []byte) (int, error) {
	entry, err := parseLogEntry(p)
	if err != nil {
		return len(p), nil //nolint:nilerr // console output is not buffered
	}

	b.mu.Lock()
	b.entries[b.next] = entry
	b.next = (b.next + 1) % len(b.entries)
	if b.next == 0 {
		b.full = true
	}
	b.mu.Unlock()
	return len(p), nil
}

// Entries returns every buffered entry, oldest first.
func (b *Buffer) Entries() []LogEntry {
	return b.Query(Query{})
}

// Query returns the matching entries, oldest first.
func (b *Buffer) Query(q Query) []LogEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	count, start := b.next, 0
	if b.full {
		count, start = len(b.entries), b.next
	}
	out := make([]LogEntry, 0, count)
	for i := range count {
		e := &b.entries[(start+i)%len(b.entries)]
		if q.matches(e) {
			out = append(out, *e)
		}
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[len(out)-q.Limit:]
	}
	return out
}

func parseLogEntry(data []byte) (LogEntry, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return LogEntry{}, err
	}

	var entry LogEntry
	take := func(key string) string {
		s, _ := raw[key].(string)
		delete(raw, key)
		return s
	}
	entry.Timestamp = take(zerolog.TimestampFieldName)
	entry.Level = take(zerolog.LevelFieldName)
	entry.Message = take(zerolog.MessageFieldName)
	entry.Component = take("component")
	entry.Indexer = take("indexer")
	if len(raw) > 0 {
		entry.Fields = raw
	}
	return entry, nil
}
