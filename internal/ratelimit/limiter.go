package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/licensing/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const keyClientRate = "licensing:ratelimit:%s"

// Limiter applies a per-client token bucket. A nil Limiter allows everything.
type Limiter struct {
	bucket *TokenBucket
	rate   float64
	burst  int
}

type Params struct {
	fx.In

	Cfg   config.Config
	Log   *zap.Logger
	Redis *redis.Client `optional:"true"`
}

func NewLimiter(p Params) (*Limiter, error) {
	if !p.Cfg.RateLimit.Enabled {
		return nil, nil
	}
	if p.Redis == nil {
		return nil, errors.New("rate limiting requires REDIS_ADDR")
	}
	limiter, err := New(p.Redis, p.Cfg.RateLimit.RequestsPerMinute, p.Cfg.RateLimit.Burst)
	if err != nil {
		return nil, err
	}
	p.Log.Named("rate.limit").Info("rate limiting enabled",
		zap.Int("requests_per_minute", p.Cfg.RateLimit.RequestsPerMinute),
		zap.Int("burst", p.Cfg.RateLimit.Burst),
	)
	return limiter, nil
}

func New(client *redis.Client, requestsPerMinute, burst int) (*Limiter, error) {
	if requestsPerMinute <= 0 || burst <= 0 {
		return nil, ErrInvalidRate
	}
	return &Limiter{
		bucket: NewTokenBucket(client),
		rate:   float64(requestsPerMinute) / 60,
		burst:  burst,
	}, nil
}

func (l *Limiter) Enabled() bool {
	return l != nil && l.bucket != nil
}

func (l *Limiter) Allow(ctx context.Context, clientKey string) (*Result, error) {
	if !l.Enabled() {
		return &Result{Allowed: true}, nil
	}
	return l.bucket.Allow(ctx, fmt.Sprintf(keyClientRate, strings.TrimSpace(clientKey)), l.rate, l.burst)
}

// NewRedisClient returns nil when no address is configured.
func NewRedisClient(cfg config.Config) *redis.Client {
	addr := strings.TrimSpace(cfg.Redis.Addr)
	if addr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
}
