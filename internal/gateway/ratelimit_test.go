package gateway

import (
	"context"
	"strconv"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vizual/metering-plane/internal/config"
	"github.com/vizual/metering-plane/pkg/cache"
	"github.com/vizual/metering-plane/pkg/models"
)

func setupLimiterCache(t *testing.T) (*cache.Cache, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	cfg := config.RedisConfig{
		Host: mr.Host(),
		Port: func() int {
			port, _ := strconv.Atoi(mr.Port())
			return port
		}(),
		DB: 0,
	}
	c, err := cache.NewCache(cfg)
	if err != nil {
		mr.Close()
		t.Fatalf("failed to connect cache: %v", err)
	}
	return c, func() {
		c.Close()
		mr.Close()
	}
}

func TestRateLimiterEnforcesWindow(t *testing.T) {
	c, cleanup := setupLimiterCache(t)
	defer cleanup()

	limiter := NewRateLimiter(c, zap.NewNop())
	key := &models.APIKey{
		Key:                     "sk-limited",
		AccountID:               uuid.New(),
		RateLimitRequestsPerMin: 3,
	}

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		allowed, err := limiter.Allow(ctx, key)
		if err != nil {
			t.Fatalf("Allow %d: %v", i, err)
		}
		if !allowed {
			t.Fatalf("request %d should be within the limit", i+1)
		}
	}

	allowed, err := limiter.Allow(ctx, key)
	if err != nil {
		t.Fatalf("Allow over limit: %v", err)
	}
	if allowed {
		t.Error("fourth request should exceed the limit of 3")
	}
}

func TestRateLimiterIsolatesKeys(t *testing.T) {
	c, cleanup := setupLimiterCache(t)
	defer cleanup()

	limiter := NewRateLimiter(c, zap.NewNop())
	ctx := context.Background()

	first := &models.APIKey{Key: "sk-first", AccountID: uuid.New(), RateLimitRequestsPerMin: 1}
	second := &models.APIKey{Key: "sk-second", AccountID: uuid.New(), RateLimitRequestsPerMin: 1}

	if allowed, _ := limiter.Allow(ctx, first); !allowed {
		t.Fatal("first key initial request denied")
	}
	if allowed, _ := limiter.Allow(ctx, first); allowed {
		t.Error("first key should be exhausted")
	}
	if allowed, _ := limiter.Allow(ctx, second); !allowed {
		t.Error("second key must not be affected by first key's usage")
	}
}

func TestRateLimiterDefaultLimit(t *testing.T) {
	c, cleanup := setupLimiterCache(t)
	defer cleanup()

	limiter := NewRateLimiter(c, zap.NewNop())
	key := &models.APIKey{Key: "sk-default", AccountID: uuid.New()}

	ctx := context.Background()
	for i := 0; i < defaultRequestsPerMinute; i++ {
		if allowed, err := limiter.Allow(ctx, key); err != nil || !allowed {
			t.Fatalf("request %d denied under default limit: allowed=%v err=%v", i+1, allowed, err)
		}
	}
	if allowed, _ := limiter.Allow(ctx, key); allowed {
		t.Errorf("request %d should exceed the default limit", defaultRequestsPerMinute+1)
	}
}

func TestRateLimiterDisabledWithoutCache(t *testing.T) {
	limiter := NewRateLimiter(nil, zap.NewNop())
	key := &models.APIKey{Key: "sk-any", AccountID: uuid.New(), RateLimitRequestsPerMin: 1}

	for i := 0; i < 5; i++ {
		allowed, err := limiter.Allow(context.Background(), key)
		if err != nil || !allowed {
			t.Fatalf("limiter without cache must allow everything: allowed=%v err=%v", allowed, err)
		}
	}
}
