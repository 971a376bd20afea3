// Package ratelimit counts requests per key.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// Redis is a fixed-window counter shared by every instance pointing at the
// same Redis. The window starts at the first hit for a key.
type Redis struct {
	client redis.UniversalClient
	prefix string
	limit  int
	window time.Duration
}

func NewRedis(client redis.UniversalClient, prefix string, limit int, window time.Duration) (*Redis, error) {
	if limit <= 0 || window <= 0 {
		return nil, fmt.Errorf("ratelimit: limit and window must be positive")
	}
	if prefix == "" {
		prefix = "ratelimit"
	}
	return &Redis{client: client, prefix: prefix, limit: limit, window: window}, nil
}

func (l *Redis) Allow(ctx context.Context, key string) (Decision, error) {
	k := l.prefix + ":" + key
	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, k)
	pttl := pipe.PTTL(ctx, k)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{}, err
	}
	count := int(incr.Val())
	ttl := pttl.Val()
	// A missing TTL means this hit opened the window, or an earlier expire
	// was lost.
	if ttl < 0 {
		if err := l.client.PExpire(ctx, k, l.window).Err(); err != nil {
			return Decision{}, err
		}
		ttl = l.window
	}
	d := Decision{Limit: l.limit, Remaining: max(l.limit-count, 0)}
	if count > l.limit {
		d.RetryAfter = ttl
		return d, nil
	}
	d.Allowed = true
	return d, nil
}

// Local is a token bucket per key held in process memory. Counts are not
// shared between instances, so the effective limit scales with the number
// of replicas.
type Local struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	idle    time.Duration
	buckets map[string]*bucket
	now     func() time.Time
}

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// NewLocal refills perSecond tokens per second up to burst. Keys unseen for
// idle are dropped.
func NewLocal(perSecond float64, burst int, idle time.Duration) *Local {
	if idle <= 0 {
		idle = 5 * time.Minute
	}
	return &Local{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		idle:    idle,
		buckets: map[string]*bucket{},
		now:     time.Now,
	}
}

// NewLocalWindow approximates limit requests per window.
func NewLocalWindow(limit int, window time.Duration) *Local {
	return NewLocal(float64(limit)/window.Seconds(), limit, 2*window)
}

func (l *Local) Allow(_ context.Context, key string) (Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		l.sweep(now)
		b = &bucket{lim: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = b
	}
	b.seen = now
	r := b.lim.ReserveN(now, 1)
	if !r.OK() {
		return Decision{Limit: l.burst}, nil
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return Decision{Limit: l.burst, RetryAfter: delay}, nil
	}
	return Decision{Allowed: true, Limit: l.burst, Remaining: int(b.lim.TokensAt(now))}, nil
}

func (l *Local) sweep(now time.Time) {
	for k, b := range l.buckets {
		if now.Sub(b.seen) > l.idle {
			delete(l.buckets, k)
		}
	}
}
