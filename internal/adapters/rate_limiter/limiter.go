package rate_limiter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eleven-am/flowgate/internal/ports"
	"golang.org/x/time/rate"
)

var ErrWaitTimeout = errors.New("rate limiter wait timeout exceeded")

type bucket struct {
	limiter      *rate.Limiter
	allowed      int64
	denied       int64
	lastActivity atomic.Int64
}

func (b *bucket) touch() {
	b.lastActivity.Store(time.Now().UnixNano())
}

type rateLimiter struct {
	name    string
	config  ports.RateLimiterConfig
	logger  *slog.Logger
	buckets sync.Map

	stopOnce sync.Once
	done     chan struct{}
}

func NewRateLimiter(name string, config ports.RateLimiterConfig, logger *slog.Logger) ports.RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}

	if config.RequestsPerSecond <= 0 {
		config.RequestsPerSecond = 10
	}
	if config.BurstSize <= 0 {
		config.BurstSize = int(config.RequestsPerSecond)
		if config.BurstSize < 1 {
			config.BurstSize = 1
		}
	}
	if config.WaitTimeout <= 0 {
		config.WaitTimeout = 5 * time.Second
	}
	if config.KeyExpiry <= 0 {
		config.KeyExpiry = 10 * time.Minute
	}

	rl := &rateLimiter{
		name:   name,
		config: config,
		logger: logger.With("component", "rate-limiter", "name", name),
		done:   make(chan struct{}),
	}

	go rl.cleanupExpiredKeys()

	return rl
}

func (rl *rateLimiter) getBucket(key string) *bucket {
	if value, ok := rl.buckets.Load(key); ok {
		b := value.(*bucket)
		b.touch()
		return b
	}

	b := &bucket{limiter: rate.NewLimiter(rate.Limit(rl.config.RequestsPerSecond), rl.config.BurstSize)}
	b.touch()

	value, _ := rl.buckets.LoadOrStore(key, b)
	return value.(*bucket)
}

func (rl *rateLimiter) Allow(key string) bool {
	b := rl.getBucket(key)
	if b.limiter.Allow() {
		atomic.AddInt64(&b.allowed, 1)
		return true
	}
	atomic.AddInt64(&b.denied, 1)
	return false
}

// Wait blocks until key has a token, ctx ends, or the configured wait timeout
// elapses.
func (rl *rateLimiter) Wait(ctx context.Context, key string) error {
	b := rl.getBucket(key)

	waitCtx, cancel := context.WithTimeout(ctx, rl.config.WaitTimeout)
	defer cancel()

	if err := b.limiter.Wait(waitCtx); err != nil {
		atomic.AddInt64(&b.denied, 1)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rl.logger.Debug("rate limit wait gave up", "key", key, "error", err)
		return fmt.Errorf("%w: %s", ErrWaitTimeout, key)
	}

	atomic.AddInt64(&b.allowed, 1)
	return nil
}

func (rl *rateLimiter) Metrics(key string) ports.RateLimiterMetrics {
	value, ok := rl.buckets.Load(key)
	if !ok {
		return ports.RateLimiterMetrics{TokensAvailable: float64(rl.config.BurstSize)}
	}
	b := value.(*bucket)
	return ports.RateLimiterMetrics{
		AllowedRequests: atomic.LoadInt64(&b.allowed),
		DeniedRequests:  atomic.LoadInt64(&b.denied),
		TokensAvailable: b.limiter.Tokens(),
	}
}

func (rl *rateLimiter) Stop() {
	rl.stopOnce.Do(func() {
		close(rl.done)
	})
}

func (rl *rateLimiter) cleanupExpiredKeys() {
	ticker := time.NewTicker(rl.config.KeyExpiry / 2)
	defer ticker.Stop()

	for {
		select {
		case <-rl.done:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-rl.config.KeyExpiry).UnixNano()
			removed := 0
			rl.buckets.Range(func(key, value interface{}) bool {
				if value.(*bucket).lastActivity.Load() < cutoff {
					rl.buckets.Delete(key)
					removed++
				}
				return true
			})
			if removed > 0 {
				rl.logger.Debug("removed idle rate limiter keys", "count", removed)
			}
		}
	}
}
