package session

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap/zapcore"
)

// MaxLogEntries caps the rolling log buffer.
const MaxLogEntries = 1000

// LogEntry is one captured log line.
type LogEntry struct {
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Logger  string    `json:"logger,omitempty"`
	Message string    `json:"message"`
	Fields  string    `json:"fields,omitempty"` // JSON object
}

// LogBuffer keeps the most recent MaxLogEntries log entries.
type LogBuffer struct {
	mu      sync.RWMutex
	entries []LogEntry
	max     int
}

// NewLogBuffer creates a buffer holding at most max entries (MaxLogEntries
// when max <= 0).
func NewLogBuffer(max int) *LogBuffer {
	if max <= 0 {
		max = MaxLogEntries
	}
	return &LogBuffer{max: max}
}

// Append adds entries, dropping the oldest beyond the cap.
func (b *LogBuffer) Append(entries ...LogEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = append(b.entries, entries...)
	if len(b.entries) > b.max {
		b.entries = append([]LogEntry(nil), b.entries[len(b.entries)-b.max:]...)
	}
}

// Entries returns a copy of the buffered entries, oldest first.
func (b *LogBuffer) Entries() []LogEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]LogEntry, len(b.entries))
	copy(out, b.entries)
	return out
}

// Len returns the number of buffered entries.
func (b *LogBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

// Clear drops all entries.
func (b *LogBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = nil
}

// Core returns a zapcore.Core that records entries at or above level into
// the buffer. Tee it with the regular output core to capture client logs.
func (b *LogBuffer) Core(level zapcore.LevelEnabler) zapcore.Core {
	return &bufferCore{LevelEnabler: level, buf: b}
}

type bufferCore struct {
	zapcore.LevelEnabler
	buf    *LogBuffer
	fields []zapcore.Field
}

func (c *bufferCore) With(fields []zapcore.Field) zapcore.Core {
	merged := make([]zapcore.Field, 0, len(c.fields)+len(fields))
	merged = append(merged, c.fields...)
	merged = append(merged, fields...)
	return &bufferCore{LevelEnabler: c.LevelEnabler, buf: c.buf, fields: merged}
}

func (c *bufferCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *bufferCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range c.fields {
		f.AddTo(enc)
	}
	for _, f := range fields {
		f.AddTo(enc)
	}
	var encoded string
	if len(enc.Fields) > 0 {
		if b, err := json.Marshal(enc.Fields); err == nil {
			encoded = string(b)
		}
	}
	c.buf.Append(LogEntry{
		Time:    ent.Time,
		Level:   ent.Level.String(),
		Logger:  ent.LoggerName,
		Message: ent.Message,
		Fields:  encoded,
	})
	return nil
}

func (c *bufferCore) Sync() error { return nil }
