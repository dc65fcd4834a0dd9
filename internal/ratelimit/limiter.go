package ratelimit

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
)

// Config holds both window policies.
type Config struct {
	// Connection attempts per origin address
	ConnectionsPerWindow int
	ConnectionWindow     time.Duration

	// Rate-sensitive events per connection
	EventsPerWindow int
	EventWindow     time.Duration

	MaxTrackedOrigins int
}

// DefaultConfig mirrors the production policy: 10 connects per minute per
// address and 100 rate-sensitive events per minute per connection.
func DefaultConfig() Config {
	return Config{
		ConnectionsPerWindow: 10,
		ConnectionWindow:     time.Minute,
		EventsPerWindow:      100,
		EventWindow:          time.Minute,
		MaxTrackedOrigins:    65536,
	}
}

// window tracks a fixed counting window for one key
// FUNCTIONAL DISCOVERY: Counter resets once the full window has elapsed since its start
type window struct {
	count int
	start time.Time
}

// allow applies the window policy and reports whether one more hit fits.
func (w *window) allow(now time.Time, period time.Duration, limit int) (allowed, restarted bool) {
	if now.Sub(w.start) >= period {
		w.count = 0
		w.start = now
		restarted = true
	}
	if w.count >= limit {
		return false, restarted
	}
	w.count++
	return true, restarted
}

// RateLimiter implements per-origin connection limiting and per-connection event limiting
// ARCHITECTURAL DISCOVERY: Two independent keyed counters share one algorithm.
// Origin counters survive disconnects and only age out; event counters die with their connection
type RateLimiter struct {
	cfg    Config
	clock  clock.Clock
	logger *zap.Logger

	originMu sync.Mutex
	origins  *expirable.LRU[string, *window]

	eventMu sync.Mutex
	events  map[string]*window
}

// Option customizes a RateLimiter.
type Option func(*RateLimiter)

// WithClock swaps the time source, used by tests to step across windows.
func WithClock(c clock.Clock) Option {
	return func(rl *RateLimiter) { rl.clock = c }
}

// WithLogger attaches a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(rl *RateLimiter) { rl.logger = logger.Named("ratelimit") }
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(cfg Config, opts ...Option) *RateLimiter {
	if cfg.MaxTrackedOrigins <= 0 {
		cfg.MaxTrackedOrigins = DefaultConfig().MaxTrackedOrigins
	}
	rl := &RateLimiter{
		cfg:    cfg,
		clock:  clock.New(),
		logger: zap.NewNop(),
		events: make(map[string]*window),
	}
	for _, opt := range opts {
		opt(rl)
	}

	// TECHNICAL DISCOVERY: Entries outlive their window by 5x before the LRU
	// forgets them, so an address is remembered across rapid reconnect attempts
	rl.origins = expirable.NewLRU[string, *window](cfg.MaxTrackedOrigins, nil, 5*cfg.ConnectionWindow)
	return rl
}

// AdmitConnection decides whether a new connection from origin may proceed
// to authentication.
func (rl *RateLimiter) AdmitConnection(origin string) bool {
	rl.originMu.Lock()
	defer rl.originMu.Unlock()

	now := rl.clock.Now()
	w, ok := rl.origins.Get(origin)
	if !ok {
		w = &window{start: now}
		rl.origins.Add(origin, w)
	}

	allowed, restarted := w.allow(now, rl.cfg.ConnectionWindow, rl.cfg.ConnectionsPerWindow)
	if restarted {
		// Re-adding refreshes the entry's expiry for the new window.
		rl.origins.Add(origin, w)
	}
	if !allowed {
		rl.logger.Warn("connection attempt rate limited",
			zap.String("origin", origin),
			zap.Int("limit", rl.cfg.ConnectionsPerWindow))
	}
	return allowed
}

// AdmitEvent decides whether a rate-sensitive event from connID may proceed.
func (rl *RateLimiter) AdmitEvent(connID string) bool {
	rl.eventMu.Lock()
	defer rl.eventMu.Unlock()

	now := rl.clock.Now()
	w, ok := rl.events[connID]
	if !ok {
		w = &window{start: now}
		rl.events[connID] = w
	}

	allowed, _ := w.allow(now, rl.cfg.EventWindow, rl.cfg.EventsPerWindow)
	return allowed
}

// Release drops the event counter of a disconnected connection.
// Origin counters are kept; they expire with the origin cache.
func (rl *RateLimiter) Release(connID string) {
	rl.eventMu.Lock()
	defer rl.eventMu.Unlock()
	delete(rl.events, connID)
}

// Stats returns limiter statistics for monitoring
func (rl *RateLimiter) Stats() map[string]int {
	rl.eventMu.Lock()
	tracked := len(rl.events)
	rl.eventMu.Unlock()

	return map[string]int{
		"tracked_origins":     rl.origins.Len(),
		"tracked_connections": tracked,
	}
}
