// Package logsink records operator-visible domain events, such as hook
// failures and dropped tasks, per organization and repository.
package logsink

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Level is the severity of an entry
type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Entry is one domain event
type Entry struct {
	Time    time.Time      `json:"time"`
	Level   Level          `json:"level"`
	Event   string         `json:"event"`
	Owner   string         `json:"owner"`
	Repo    string         `json:"repo,omitempty"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`

	// Truncated is set when the entry was shortened to fit its destination
	Truncated bool `json:"truncated,omitempty"`
}

// Sink receives entries. Implementations handle their own delivery failures.
type Sink interface {
	Log(ctx context.Context, entry Entry)
}

// ZapSink writes entries to a zap logger
type ZapSink struct {
	logger *zap.Logger
}

// NewZapSink creates a sink on logger
func NewZapSink(logger *zap.Logger) *ZapSink {
	return &ZapSink{logger: logger.Named("events")}
}

// Log implements Sink
func (s *ZapSink) Log(_ context.Context, entry Entry) {
	fields := []zap.Field{
		zap.String("event", entry.Event),
		zap.String("owner", entry.Owner),
	}
	if entry.Repo != "" {
		fields = append(fields, zap.String("repo", entry.Repo))
	}
	if len(entry.Data) > 0 {
		fields = append(fields, zap.Any("data", entry.Data))
	}

	switch entry.Level {
	case LevelError:
		s.logger.Error(entry.Message, fields...)
	case LevelWarning:
		s.logger.Warn(entry.Message, fields...)
	default:
		s.logger.Info(entry.Message, fields...)
	}
}

// Multi fans entries out to every sink
type Multi []Sink

// Log implements Sink
func (m Multi) Log(ctx context.Context, entry Entry) {
	for _, s := range m {
		s.Log(ctx, entry)
	}
}

// Close closes every sink that holds resources, such as a CloudWatchSink
// with buffered entries
func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if c, ok := s.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}

// MemorySink keeps entries in memory
type MemorySink struct {
	mu      sync.Mutex
	entries []Entry
}

// Log implements Sink
func (s *MemorySink) Log(_ context.Context, entry Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
}

// Entries returns a copy of the recorded entries
func (s *MemorySink) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Events returns the recorded event names in order
func (s *MemorySink) Events() []string {
	entries := s.Entries()
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Event
	}
	return out
}
