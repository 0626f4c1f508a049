package ratelimit

import (
	"sync"
	"time"

	"github.com/typerush/typerush/pkg/metrics"
)

// Class identifies an event family with its own quota.
type Class string

// Event classes with independent buckets. Keystrokes dwarf every other event,
// and bursty race progress must not starve chat decisions, so each family
// draws from its own bucket.
const (
	ClassConnection   Class = "connection"
	ClassKeystroke    Class = "keystroke"
	ClassRaceProgress Class = "race-progress"
	ClassChat         Class = "chat"
	ClassGeneral      Class = "general"
)

// limit describes a token bucket shape: capacity tokens, refilled at
// refillTokens per refillPeriod.
type limit struct {
	capacity     float64
	refillTokens float64
	refillPeriod time.Duration
}

func (l limit) tokensPerSecond() float64 {
	if l.refillPeriod <= 0 {
		return 0
	}
	return l.refillTokens / l.refillPeriod.Seconds()
}

var classLimits = map[Class]limit{
	ClassConnection:   {capacity: 10, refillTokens: 1, refillPeriod: 6 * time.Second},
	ClassKeystroke:    {capacity: 20, refillTokens: 20, refillPeriod: time.Second},
	ClassRaceProgress: {capacity: 10, refillTokens: 10, refillPeriod: time.Second},
	ClassChat:         {capacity: 5, refillTokens: 1, refillPeriod: 12 * time.Second},
	ClassGeneral:      {capacity: 100, refillTokens: 1, refillPeriod: 6 * time.Second},
}

// bucketIdleTTL is how long an untouched bucket survives before the sweep reclaims it.
const bucketIdleTTL = 10 * time.Minute

// Decision is the outcome of a quota check.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

type bucket struct {
	mu        sync.Mutex
	tokens    float64
	lastFill  time.Time
	lastTouch time.Time
}

// Governor applies token-bucket quotas keyed by (subject, event class).
type Governor struct {
	mu      sync.RWMutex
	buckets map[string]*bucket
	now     func() time.Time
}

// Option customises a Governor.
type Option func(*Governor)

// WithClock overrides the governor clock, primarily for testing.
func WithClock(now func() time.Time) Option {
	return func(g *Governor) {
		if now != nil {
			g.now = now
		}
	}
}

// NewGovernor constructs a Governor with empty buckets.
func NewGovernor(opts ...Option) *Governor {
	g := &Governor{
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Check consumes one token from the (key, class) bucket if available.
// Unknown classes fall back to the general limits.
func (g *Governor) Check(key string, class Class) Decision {
	lim, ok := classLimits[class]
	if !ok {
		lim = classLimits[ClassGeneral]
	}

	b := g.bucketFor(key, class, lim)

	b.mu.Lock()
	defer b.mu.Unlock()

	now := g.now()
	b.refill(now, lim)
	b.lastTouch = now

	if b.tokens >= 1 {
		b.tokens--
		return Decision{
			Allowed:   true,
			Remaining: int(b.tokens),
		}
	}

	metrics.RateLimitDenials.WithLabelValues(string(class)).Inc()

	deficit := 1 - b.tokens
	perSecond := lim.tokensPerSecond()
	retry := time.Duration(0)
	if perSecond > 0 {
		retry = time.Duration(deficit / perSecond * float64(time.Second))
	}

	return Decision{
		Allowed:    false,
		Remaining:  0,
		RetryAfter: retry,
	}
}

// Sweep drops buckets that have been idle past their TTL. Invoked by the
// housekeeping scheduler.
func (g *Governor) Sweep() int {
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	removed := 0
	for key, b := range g.buckets {
		b.mu.Lock()
		idle := now.Sub(b.lastTouch) > bucketIdleTTL
		b.mu.Unlock()
		if idle {
			delete(g.buckets, key)
			removed++
		}
	}
	return removed
}

func (g *Governor) bucketFor(key string, class Class, lim limit) *bucket {
	id := key + "|" + string(class)

	g.mu.RLock()
	b, ok := g.buckets[id]
	g.mu.RUnlock()
	if ok {
		return b
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if b, ok = g.buckets[id]; ok {
		return b
	}

	now := g.now()
	b = &bucket{
		tokens:    lim.capacity,
		lastFill:  now,
		lastTouch: now,
	}
	g.buckets[id] = b
	return b
}

func (b *bucket) refill(now time.Time, lim limit) {
	elapsed := now.Sub(b.lastFill)
	if elapsed <= 0 {
		return
	}

	b.tokens += elapsed.Seconds() * lim.tokensPerSecond()
	if b.tokens > lim.capacity {
		b.tokens = lim.capacity
	}
	b.lastFill = now
}
