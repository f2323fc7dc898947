package security

import (
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/schemahub/authkit/storage"
)

// limiterEntry tracks a token bucket and its last access time.
type limiterEntry struct {
	identifier string
	limiter    *rate.Limiter
	lastAccess time.Time
}

// Limiter provides per-identifier rate limiting using a token bucket,
// with LRU eviction to bound memory under distributed attacks.
type Limiter struct {
	limiters map[string]*list.Element
	lruList  *list.List
	mu       sync.Mutex

	rate       int
	burst      int
	maxEntries int
	logger     *slog.Logger

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once

	totalEvictions int64
}

// NewLimiter creates a rate limiter tracking at most maxEntries
// identifiers. When the limit is reached the least recently used entry
// is evicted. maxEntries <= 0 selects the default of 10,000.
func NewLimiter(requestsPerSecond, burst, maxEntries int, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	if maxEntries <= 0 {
		maxEntries = 10000
	}

	l := &Limiter{
		limiters:        make(map[string]*list.Element),
		lruList:         list.New(),
		rate:            requestsPerSecond,
		burst:           burst,
		maxEntries:      maxEntries,
		logger:          logger,
		cleanupInterval: 5 * time.Minute,
		stopCleanup:     make(chan struct{}),
	}

	go l.cleanupLoop()

	return l
}

// Allow reports whether a request from the given identifier is allowed.
func (l *Limiter) Allow(identifier string) bool {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if elem, exists := l.limiters[identifier]; exists {
		l.lruList.MoveToFront(elem)
		entry := elem.Value.(*limiterEntry)
		entry.lastAccess = now
		return entry.limiter.Allow()
	}

	if len(l.limiters) >= l.maxEntries {
		l.evictLRU()
	}

	entry := &limiterEntry{
		identifier: identifier,
		limiter:    rate.NewLimiter(rate.Limit(l.rate), l.burst),
		lastAccess: now,
	}
	l.limiters[identifier] = l.lruList.PushFront(entry)

	return entry.limiter.Allow()
}

// evictLRU removes the least recently used entry. Caller holds the lock.
func (l *Limiter) evictLRU() {
	elem := l.lruList.Back()
	if elem == nil {
		return
	}
	entry := elem.Value.(*limiterEntry)
	delete(l.limiters, entry.identifier)
	l.lruList.Remove(elem)
	l.totalEvictions++

	l.logger.Debug("Rate limiter LRU eviction",
		"total_evictions", l.totalEvictions,
		"current_entries", len(l.limiters))
}

func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.Cleanup(30 * time.Minute)
		case <-l.stopCleanup:
			return
		}
	}
}

// Cleanup removes limiters idle for longer than maxIdleTime.
func (l *Limiter) Cleanup(maxIdleTime time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	removed := 0

	var next *list.Element
	for elem := l.lruList.Front(); elem != nil; elem = next {
		next = elem.Next()
		entry := elem.Value.(*limiterEntry)
		if now.Sub(entry.lastAccess) > maxIdleTime {
			delete(l.limiters, entry.identifier)
			l.lruList.Remove(elem)
			removed++
		}
	}

	if removed > 0 {
		l.logger.Debug("Rate limiter cleanup completed",
			"removed", removed,
			"remaining", len(l.limiters))
	}
}

// Len returns the number of tracked identifiers.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

// Stop stops the cleanup goroutine. Safe to call more than once.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCleanup) })
}

// ErrRateLimited is returned when a limit is exceeded or, for
// WindowLimiter, when the backing store cannot be reached.
var ErrRateLimited = fmt.Errorf("rate limit exceeded")

// WindowLimiter enforces a fixed-window limit through a shared counter
// store, so the limit holds across all instances of the service.
type WindowLimiter struct {
	counters storage.CounterStore
	limit    int64
	window   time.Duration
	logger   *slog.Logger
}

// NewWindowLimiter creates a limiter allowing limit hits per window per
// key.
func NewWindowLimiter(counters storage.CounterStore, limit int64, window time.Duration, logger *slog.Logger) (*WindowLimiter, error) {
	if counters == nil {
		return nil, fmt.Errorf("counter store is required")
	}
	if limit <= 0 || window <= 0 {
		return nil, fmt.Errorf("limit and window must be positive")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WindowLimiter{counters: counters, limit: limit, window: window, logger: logger}, nil
}

// Allow counts a hit for key and returns ErrRateLimited once the window
// limit is exceeded.
//
// SECURITY: a store failure also returns ErrRateLimited. Failing open
// would let an attacker convert a store outage into an unthrottled
// credential-stuffing run.
func (wl *WindowLimiter) Allow(ctx context.Context, key string) error {
	count, err := wl.counters.IncrementWindow(ctx, key, wl.window)
	if err != nil {
		wl.logger.ErrorContext(ctx, "Rate limit store unavailable, rejecting request", "error", err)
		return ErrRateLimited
	}
	if count > wl.limit {
		return ErrRateLimited
	}
	return nil
}
