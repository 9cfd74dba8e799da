package session

import (
	"fmt"
	"testing"
)

func TestRateLimiterAllowsWithinBudget(t *testing.T) {
	t.Parallel()

	l := NewHandshakeRateLimiter(100)
	if !l.Allow("192.0.2.1:1000") {
		t.Fatal("first initiation rejected")
	}
	if l.UnderLoad() {
		t.Fatal("under load with no rejections")
	}
}

func TestRateLimiterRejectsFlood(t *testing.T) {
	t.Parallel()

	l := NewHandshakeRateLimiter(10)

	rejected := false
	for i := 0; i < 100; i++ {
		if !l.Allow("192.0.2.1:1000") {
			rejected = true
			break
		}
	}
	if !rejected {
		t.Fatal("flood from one source never rejected")
	}
	if !l.UnderLoad() {
		t.Error("limiter not under load after rejection")
	}
}

func TestRateLimiterPerSourceIsolation(t *testing.T) {
	t.Parallel()

	l := NewHandshakeRateLimiter(100)

	// Exhaust one source's share.
	for i := 0; i < 100; i++ {
		l.Allow("203.0.113.9:5555")
	}
	// A different source must still get through: the flooding source is
	// capped below the aggregate budget.
	if !l.Allow("198.51.100.7:4444") {
		t.Error("well-behaved source starved by flooding source")
	}
}

func TestRateLimiterDefaultRate(t *testing.T) {
	t.Parallel()

	l := NewHandshakeRateLimiter(0)
	// Distinct sources, each within its per-source share: the default
	// aggregate budget admits a burst of at least half its rate.
	for i := 0; i < DefaultHandshakeRateHz/2; i++ {
		if !l.Allow(fmt.Sprintf("192.0.2.%d:100", i%250)) {
			t.Fatalf("initiation %d rejected under default rate", i)
		}
	}
}
