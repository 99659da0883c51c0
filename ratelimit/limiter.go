// Package ratelimit provides per-identity sliding-window admission control.
//
// Each identity gets an ordered window of recent request timestamps. A request
// is admitted only while the window holds fewer than MaxRequests entries from
// the last Window duration. Eviction, count check, and append happen
// atomically per identity, so two concurrent calls can never both take the
// final slot.
//
// Two backends are provided: Window keeps state in process memory, and
// RedisWindow shares it across instances through a Redis sorted set.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter admits or rejects a request for a caller identity.
type Limiter interface {
	// Allow reports whether the identity may make a request now. An admitted
	// request is counted against the identity's window; a denied one is not.
	Allow(ctx context.Context, identity string) (bool, error)
}

// Config holds sliding-window parameters.
type Config struct {
	// MaxRequests is the number of admissions per window per identity.
	MaxRequests int

	// Window is the sliding window width.
	Window time.Duration
}

// DefaultConfig returns production-ready defaults.
func DefaultConfig() Config {
	return Config{
		MaxRequests: 30,
		Window:      60 * time.Second,
	}
}

// Window is the in-memory sliding-window limiter. Windows are partitioned per
// identity: only calls for the same identity serialize with each other.
type Window struct {
	cfg Config

	mu      sync.RWMutex
	windows map[string]*identityWindow

	now func() time.Time // monotonic via time.Time's monotonic reading

	cleanupTicker *time.Ticker
	cleanupDone   chan struct{}
	closeOnce     sync.Once
}

// identityWindow holds one identity's timestamps under its own lock.
type identityWindow struct {
	mu     sync.Mutex
	stamps []time.Time
	gone   bool // set by cleanup after removal from the map
}

// Option configures the Window.
type Option func(*Window)

// WithClock sets the time source (useful for testing window expiry).
// time.Now values carry a monotonic reading, so wall-clock adjustments
// cannot widen or shrink the window.
func WithClock(now func() time.Time) Option {
	return func(w *Window) { w.now = now }
}

// NewWindow creates an in-memory sliding-window limiter. Zero or negative
// config fields fall back to defaults.
func NewWindow(cfg Config, opts ...Option) *Window {
	def := DefaultConfig()
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = def.MaxRequests
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}

	w := &Window{
		cfg:         cfg,
		windows:     make(map[string]*identityWindow),
		now:         time.Now,
		cleanupDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	w.cleanupTicker = time.NewTicker(5 * time.Minute)
	go w.cleanupLoop()

	return w
}

// Allow implements Limiter. It never returns an error.
func (w *Window) Allow(_ context.Context, identity string) (bool, error) {
	now := w.now()
	cutoff := now.Add(-w.cfg.Window)

	for {
		iw := w.getOrCreate(identity)

		iw.mu.Lock()
		if iw.gone {
			// Cleanup removed this window between lookup and lock; retry
			// against a fresh one so no admission is lost.
			iw.mu.Unlock()
			continue
		}

		iw.evict(cutoff)
		if len(iw.stamps) >= w.cfg.MaxRequests {
			iw.mu.Unlock()
			return false, nil
		}
		iw.stamps = append(iw.stamps, now)
		iw.mu.Unlock()
		return true, nil
	}
}

// Usage returns the number of timestamps currently counted for an identity.
func (w *Window) Usage(identity string) int {
	w.mu.RLock()
	iw, ok := w.windows[identity]
	w.mu.RUnlock()
	if !ok {
		return 0
	}

	cutoff := w.now().Add(-w.cfg.Window)
	iw.mu.Lock()
	defer iw.mu.Unlock()
	iw.evict(cutoff)
	return len(iw.stamps)
}

// IdentityCount returns the number of tracked identities.
// Useful for monitoring and testing.
func (w *Window) IdentityCount() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.windows)
}

// Close stops the cleanup goroutine.
func (w *Window) Close() {
	w.closeOnce.Do(func() {
		w.cleanupTicker.Stop()
		close(w.cleanupDone)
	})
}

func (w *Window) getOrCreate(identity string) *identityWindow {
	w.mu.RLock()
	iw, ok := w.windows[identity]
	w.mu.RUnlock()
	if ok {
		return iw
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	// Double-check after acquiring write lock
	if iw, ok = w.windows[identity]; ok {
		return iw
	}
	iw = &identityWindow{}
	w.windows[identity] = iw
	return iw
}

// evict drops timestamps at or before the cutoff.
// Must be called while holding iw.mu.
func (iw *identityWindow) evict(cutoff time.Time) {
	i := 0
	for i < len(iw.stamps) && !iw.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		iw.stamps = append(iw.stamps[:0], iw.stamps[i:]...)
	}
}

func (w *Window) cleanupLoop() {
	for {
		select {
		case <-w.cleanupDone:
			return
		case <-w.cleanupTicker.C:
			w.removeIdle()
		}
	}
}

// removeIdle drops identities whose windows have fully expired.
func (w *Window) removeIdle() {
	cutoff := w.now().Add(-w.cfg.Window)

	w.mu.Lock()
	defer w.mu.Unlock()
	for identity, iw := range w.windows {
		iw.mu.Lock()
		iw.evict(cutoff)
		if len(iw.stamps) == 0 {
			iw.gone = true
			delete(w.windows, identity)
		}
		iw.mu.Unlock()
	}
}
