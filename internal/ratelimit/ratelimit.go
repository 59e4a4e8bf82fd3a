// Package ratelimit implements fixed-window request limits keyed by user and
// route.
package ratelimit

import (
	"context"
	"hash/fnv"
	"math"
	"sync"
	"time"
)

const (
	DefaultWindow      = 15 * time.Minute
	DefaultMaxRequests = 100

	shardCount = 32
)

// Key identifies one counter.
type Key struct {
	UserID string
	Route  string
}

func (k Key) String() string { return k.UserID + "|" + k.Route }

// Result is the outcome of a single Check.
type Result struct {
	Allowed    bool
	Count      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds.
func (r Result) RetryAfterSeconds() int {
	if r.RetryAfter <= 0 {
		return 0
	}
	return int(math.Ceil(r.RetryAfter.Seconds()))
}

// Limiter counts one request against key and reports whether it is admitted.
type Limiter interface {
	Check(ctx context.Context, key Key) (Result, error)
}

type Option func(*FixedWindow)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *FixedWindow) { l.now = now }
}

// WithSweepInterval sets how often expired windows are dropped. Zero disables
// the background sweeper; Sweep can still be called directly.
func WithSweepInterval(d time.Duration) Option {
	return func(l *FixedWindow) { l.sweepEvery = d }
}

type window struct {
	count   int
	resetAt time.Time
}

type shard struct {
	mu      sync.Mutex
	windows map[Key]*window
}

// FixedWindow is the process-local limiter. A window starts on the first
// request for a key and lasts exactly the configured duration.
type FixedWindow struct {
	limit      int
	window     time.Duration
	now        func() time.Time
	sweepEvery time.Duration
	shards     [shardCount]shard

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// NewFixedWindow creates a limiter admitting limit requests per window.
func NewFixedWindow(limit int, windowLen time.Duration, opts ...Option) *FixedWindow {
	if limit <= 0 {
		limit = DefaultMaxRequests
	}
	if windowLen <= 0 {
		windowLen = DefaultWindow
	}
	l := &FixedWindow{
		limit:      limit,
		window:     windowLen,
		now:        time.Now,
		sweepEvery: time.Minute,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	for i := range l.shards {
		l.shards[i].windows = make(map[Key]*window)
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.sweepEvery > 0 {
		go l.sweeper()
	} else {
		close(l.done)
	}
	return l
}

func (l *FixedWindow) shardFor(k Key) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(k.UserID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(k.Route))
	return &l.shards[h.Sum32()%shardCount]
}

// Check never returns an error; the signature satisfies Limiter.
func (l *FixedWindow) Check(_ context.Context, key Key) (Result, error) {
	now := l.now()
	s := l.shardFor(key)

	s.mu.Lock()
	w, ok := s.windows[key]
	if !ok || !now.Before(w.resetAt) {
		w = &window{resetAt: now.Add(l.window)}
		s.windows[key] = w
	}
	// Denied requests count too, matching the Redis INCR script.
	w.count++
	res := Result{Allowed: true, Count: w.count, Remaining: l.limit - w.count, ResetAt: w.resetAt}
	if w.count > l.limit {
		res = Result{Allowed: false, Count: w.count, ResetAt: w.resetAt, RetryAfter: w.resetAt.Sub(now)}
	}
	s.mu.Unlock()
	return res, nil
}

// Sweep drops every window whose reset instant has passed.
func (l *FixedWindow) Sweep() int {
	now := l.now()
	removed := 0
	for i := range l.shards {
		s := &l.shards[i]
		s.mu.Lock()
		for k, w := range s.windows {
			if !now.Before(w.resetAt) {
				delete(s.windows, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Len returns the number of live windows.
func (l *FixedWindow) Len() int {
	n := 0
	for i := range l.shards {
		s := &l.shards[i]
		s.mu.Lock()
		n += len(s.windows)
		s.mu.Unlock()
	}
	return n
}

func (l *FixedWindow) sweeper() {
	defer close(l.done)
	t := time.NewTicker(l.sweepEvery)
	defer t.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-t.C:
			l.Sweep()
		}
	}
}

// Close stops the background sweeper.
func (l *FixedWindow) Close() error {
	l.once.Do(func() { close(l.stop) })
	<-l.done
	return nil
}
