// Package audit emits structured records of tool invocations.
//
// Records are handed to a background drain over a buffered channel: emitting
// an audit record never blocks or fails the invocation it describes. When the
// buffer is full the record is dropped and counted instead.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prilive-com/pipewarden/ado"
)

// Invocation statuses.
const (
	StatusSuccess     = "success"
	StatusRateLimited = "rate_limited"
	StatusError       = "error"
)

// Entry is one audited tool invocation.
//
// Meta carries tool-specific fields (pipeline id, run id, parameter key
// names). Callers must never place tokens or parameter values in Meta;
// only key names are safe to log.
type Entry struct {
	Time      time.Time
	Identity  string
	Tool      string
	Project   string
	Status    string
	ErrorKind ado.ErrorKind
	Duration  time.Duration
	Meta      map[string]any
}

// Config holds audit logger configuration.
type Config struct {
	// BufferSize is the channel capacity between Record and the drain.
	BufferSize int

	// OnDropped is invoked (from Record's goroutine) when an entry is
	// discarded because the buffer is full or the logger is closed.
	OnDropped func(Entry)
}

// DefaultConfig returns production-ready defaults.
func DefaultConfig() Config {
	return Config{BufferSize: 256}
}

// Logger writes audit entries through slog without blocking callers.
type Logger struct {
	cfg     Config
	logger  *slog.Logger
	entries chan Entry
	done    chan struct{}

	mu      sync.RWMutex
	closed  bool
	dropped atomic.Uint64

	closeOnce sync.Once
}

// Option configures the Logger.
type Option func(*Logger)

// WithLogger sets a custom slog logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Logger) { l.logger = logger }
}

// New creates an audit Logger and starts its drain goroutine.
func New(cfg Config, opts ...Option) *Logger {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}

	l := &Logger{
		cfg:     cfg,
		entries: make(chan Entry, cfg.BufferSize),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}

	go l.drain()
	return l
}

// Record queues an entry for emission. It never blocks: when the buffer is
// full or the logger is closed the entry is dropped and counted.
func (l *Logger) Record(e Entry) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		l.drop(e)
		return
	}

	select {
	case l.entries <- e:
	default:
		l.drop(e)
	}
}

// Dropped returns how many entries have been discarded.
func (l *Logger) Dropped() uint64 {
	return l.dropped.Load()
}

// Close stops the logger after flushing buffered entries. Records arriving
// after Close are dropped.
func (l *Logger) Close() {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		close(l.entries)
		l.mu.Unlock()
		<-l.done
	})
}

func (l *Logger) drop(e Entry) {
	l.dropped.Add(1)
	if l.cfg.OnDropped != nil {
		l.cfg.OnDropped(e)
	}
}

func (l *Logger) drain() {
	for e := range l.entries {
		l.emit(e)
	}
	close(l.done)
}

func (l *Logger) emit(e Entry) {
	attrs := []slog.Attr{
		slog.String("tool", e.Tool),
		slog.String("identity", e.Identity),
		slog.String("project", e.Project),
		slog.String("status", e.Status),
		slog.Int64("duration_ms", e.Duration.Milliseconds()),
	}
	if e.ErrorKind != "" {
		attrs = append(attrs, slog.String("error_kind", string(e.ErrorKind)))
	}
	if len(e.Meta) > 0 {
		attrs = append(attrs, slog.Any("meta", e.Meta))
	}

	level := slog.LevelInfo
	if e.Status != StatusSuccess {
		level = slog.LevelWarn
	}
	l.logger.LogAttrs(context.Background(), level, "tool invocation", attrs...)
}
