package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newLimiter(t *testing.T, def Limit) *LibraryLimiter {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewLibraryLimiter(client, def, time.Minute)
}

func TestLibraryBucketsAreIsolated(t *testing.T) {
	ctx := context.Background()
	limiter := newLimiter(t, Limit{Capacity: 2, RefillPerSecond: 1})

	allowed, _, err := limiter.AllowLibrary(ctx, 1)
	if err != nil || !allowed {
		t.Fatalf("expected first token allowed, got allowed=%v err=%v", allowed, err)
	}
	if allowed, _, _ = limiter.AllowLibrary(ctx, 1); !allowed {
		t.Fatalf("expected second token allowed")
	}
	if allowed, _, _ = limiter.AllowLibrary(ctx, 1); allowed {
		t.Fatalf("expected third token rejected")
	}

	// A drained bucket for one library leaves another's untouched.
	allowed, _, err = limiter.AllowLibrary(ctx, 2)
	if err != nil || !allowed {
		t.Fatalf("expected fresh library bucket to allow, got allowed=%v err=%v", allowed, err)
	}
}

func TestLibraryLimitOverride(t *testing.T) {
	ctx := context.Background()
	limiter := newLimiter(t, Limit{Capacity: 1, RefillPerSecond: 1})
	limiter.SetLibraryLimit(7, Limit{Capacity: 3, RefillPerSecond: 1})

	// The overridden library gets three tokens while the default gets one.
	for i := 0; i < 3; i++ {
		if allowed, _, err := limiter.AllowLibrary(ctx, 7); err != nil || !allowed {
			t.Fatalf("override token %d: allowed=%v err=%v", i+1, allowed, err)
		}
	}
	if allowed, _, _ := limiter.AllowLibrary(ctx, 7); allowed {
		t.Fatalf("expected override bucket drained after capacity")
	}

	if allowed, _, _ := limiter.AllowLibrary(ctx, 8); !allowed {
		t.Fatalf("expected default bucket to allow its single token")
	}
	if allowed, _, _ := limiter.AllowLibrary(ctx, 8); allowed {
		t.Fatalf("expected default bucket drained")
	}

	// Zero capacity clears the override back to the default.
	limiter.SetLibraryLimit(7, Limit{})
	if got := limiter.limitFor(7); got != limiter.def {
		t.Fatalf("expected default limit after clearing override, got %+v", got)
	}
}
