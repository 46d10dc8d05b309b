// Package ratelimit provides per-key sliding-window rate limiting for
// endpoint command execution.
package ratelimit

import (
	"sync"
	"time"
)

// Config configures rate limiting behavior.
type Config struct {
	// MaxRequests is the number of requests allowed per window.
	MaxRequests int `yaml:"max_requests"`
	// Window is the sliding window duration.
	Window time.Duration `yaml:"window"`
	// Enabled controls whether rate limiting is active.
	Enabled bool `yaml:"enabled"`
}

// DefaultConfig returns the default rate limit configuration.
func DefaultConfig() Config {
	return Config{
		MaxRequests: 10,
		Window:      time.Minute,
		Enabled:     true,
	}
}

// window tracks request timestamps for one key.
type window struct {
	mu     sync.Mutex
	stamps []time.Time
}

// allow prunes expired timestamps and records the request if under the cap.
func (w *window) allow(now time.Time, max int, span time.Duration) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := now.Add(-span)
	kept := w.stamps[:0]
	for _, ts := range w.stamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	w.stamps = kept

	if len(w.stamps) >= max {
		return false
	}
	w.stamps = append(w.stamps, now)
	return true
}

func (w *window) count(now time.Time, span time.Duration) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := now.Add(-span)
	n := 0
	for _, ts := range w.stamps {
		if ts.After(cutoff) {
			n++
		}
	}
	return n
}

// Limiter manages sliding windows for multiple keys (clients, devices).
type Limiter struct {
	mu      sync.RWMutex
	windows map[string]*window
	config  Config
	maxKeys int
	now     func() time.Time
}

// NewLimiter creates a new rate limiter.
func NewLimiter(config Config) *Limiter {
	if config.MaxRequests <= 0 {
		config.MaxRequests = DefaultConfig().MaxRequests
	}
	if config.Window <= 0 {
		config.Window = DefaultConfig().Window
	}
	return &Limiter{
		windows: make(map[string]*window),
		config:  config,
		maxKeys: 10000,
		now:     time.Now,
	}
}

// Allow checks if a request for the given key should be allowed, recording
// it against the window if so.
func (l *Limiter) Allow(key string) bool {
	if !l.config.Enabled {
		return true
	}
	return l.getWindow(key).allow(l.now(), l.config.MaxRequests, l.config.Window)
}

// Count returns the number of requests currently inside the key's window.
func (l *Limiter) Count(key string) int {
	if !l.config.Enabled {
		return 0
	}
	return l.getWindow(key).count(l.now(), l.config.Window)
}

// Reset clears the window for a key.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.windows, key)
}

// Window returns the configured window duration.
func (l *Limiter) Window() time.Duration {
	return l.config.Window
}

// getWindow returns or creates the window for a key.
func (l *Limiter) getWindow(key string) *window {
	l.mu.RLock()
	w, exists := l.windows[key]
	l.mu.RUnlock()

	if exists {
		return w
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Double-check after acquiring write lock
	if w, exists = l.windows[key]; exists {
		return w
	}

	if len(l.windows) >= l.maxKeys {
		l.prune()
	}

	w = &window{}
	l.windows[key] = w
	return w
}

// prune drops keys with no requests inside the window (must be called with
// the write lock held).
func (l *Limiter) prune() {
	now := l.now()
	for key, w := range l.windows {
		if w.count(now, l.config.Window) == 0 {
			delete(l.windows, key)
		}
	}
}

// CompositeKey creates a rate limit key from multiple parts.
func CompositeKey(parts ...string) string {
	key := ""
	for i, part := range parts {
		if i > 0 {
			key += ":"
		}
		key += part
	}
	return key
}
