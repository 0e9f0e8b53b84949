package ocr

import (
	"context"
	"testing"
	"time"
)

func TestLimiterIdleByDefault(t *testing.T) {
	t.Parallel()
	l := NewLimiter()
	if limited, _ := l.Limited(); limited {
		t.Fatalf("new limiter should be idle")
	}
	if err := l.Wait(context.Background()); err != nil {
		t.Fatalf("wait on idle limiter: %v", err)
	}
}

func TestLimiterArmsAndExpires(t *testing.T) {
	t.Parallel()
	now := time.Now()
	l := NewLimiter()
	l.now = func() time.Time { return now }

	l.Limit(30 * time.Second)
	limited, remaining := l.Limited()
	if !limited {
		t.Fatalf("limiter should be armed")
	}
	if remaining != 30*time.Second {
		t.Fatalf("remaining = %s, want 30s", remaining)
	}

	now = now.Add(31 * time.Second)
	if limited, _ := l.Limited(); limited {
		t.Fatalf("limiter should be idle after the window passes")
	}
}

func TestLimiterLongerWindowWins(t *testing.T) {
	t.Parallel()
	now := time.Now()
	l := NewLimiter()
	l.now = func() time.Time { return now }

	l.Limit(60 * time.Second)
	l.Limit(10 * time.Second)
	if _, remaining := l.Limited(); remaining != 60*time.Second {
		t.Fatalf("remaining = %s, want 60s: a shorter limit must not shrink the window", remaining)
	}

	l.Limit(120 * time.Second)
	if _, remaining := l.Limited(); remaining != 120*time.Second {
		t.Fatalf("remaining = %s, want 120s", remaining)
	}
}

func TestLimiterIgnoresNonPositive(t *testing.T) {
	t.Parallel()
	l := NewLimiter()
	l.Limit(0)
	l.Limit(-time.Second)
	if limited, _ := l.Limited(); limited {
		t.Fatalf("non-positive durations must not arm the gate")
	}
}

func TestLimiterWaitHonorsContext(t *testing.T) {
	t.Parallel()
	l := NewLimiter()
	l.Limit(time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := l.Wait(ctx); err != context.DeadlineExceeded {
		t.Fatalf("wait = %v, want context.DeadlineExceeded", err)
	}
}

func TestLimiterWaitReturnsAfterWindow(t *testing.T) {
	t.Parallel()
	l := NewLimiter()
	l.Limit(20 * time.Millisecond)

	start := time.Now()
	if err := l.Wait(context.Background()); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Fatalf("wait returned before the window passed")
	}
}
