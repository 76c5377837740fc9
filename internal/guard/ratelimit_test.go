package guard

import (
	"net/netip"
	"testing"
	"time"
)

func TestSourceRateLimiter_Refill(t *testing.T) {
	l := NewSourceRateLimiter(2, 1)
	defer l.Close()

	now := time.Unix(1000, 0)
	l.now = func() time.Time { return now }
	src := netip.MustParseAddr("10.0.0.1")

	if !l.Allow(src) {
		t.Fatal("first request should pass")
	}
	if l.Allow(src) {
		t.Fatal("second request within the same instant should be limited")
	}

	now = now.Add(500 * time.Millisecond)
	if !l.Allow(src) {
		t.Error("expected a token after refill")
	}
}

func TestSourceRateLimiter_DefaultBurst(t *testing.T) {
	tests := []struct {
		rps  float64
		want int
	}{
		{10, 10},
		{0.5, 1},
		{2.5, 3},
	}
	for _, tt := range tests {
		l := NewSourceRateLimiter(tt.rps, 0)
		if l.burst != tt.want {
			t.Errorf("rps %v: burst = %d, want %d", tt.rps, l.burst, tt.want)
		}
		l.Close()
	}
}

func TestSourceRateLimiter_EvictIdle(t *testing.T) {
	l := NewSourceRateLimiter(1, 1)
	defer l.Close()

	now := time.Unix(1000, 0)
	l.now = func() time.Time { return now }

	l.Allow(netip.MustParseAddr("10.0.0.1"))
	now = now.Add(2 * time.Minute)
	l.Allow(netip.MustParseAddr("10.0.0.2"))

	now = now.Add(2 * time.Minute)
	l.evictIdle()

	if l.Len() != 1 {
		t.Errorf("expected only the recent source to remain, got %d", l.Len())
	}
}

func TestSourceRateLimiter_CloseIdempotent(t *testing.T) {
	l := NewSourceRateLimiter(1, 1)
	l.Close()
	l.Close()
}
