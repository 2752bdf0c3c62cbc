package ratelimit

import (
	"testing"
	"time"
)

func TestAllowWithinBurst(t *testing.T) {
	l := NewLimiter(10, 5)

	for i := 0; i < 5; i++ {
		if !l.Allow() {
			t.Errorf("Request %d should be allowed within burst", i)
		}
	}

	if l.Allow() {
		t.Error("Request beyond burst should be denied")
	}
}

func TestTokensRefill(t *testing.T) {
	l := NewLimiter(100, 1)

	if !l.Allow() {
		t.Fatal("First request should be allowed")
	}
	if l.Allow() {
		t.Fatal("Second immediate request should be denied")
	}

	// 100 tokens/sec means one token back within ~10ms.
	time.Sleep(30 * time.Millisecond)
	if !l.Allow() {
		t.Error("Request after refill should be allowed")
	}
}

func TestRefillCapsAtBurst(t *testing.T) {
	l := NewLimiter(10, 3)

	time.Sleep(20 * time.Millisecond)

	allowed := 0
	for i := 0; i < 10; i++ {
		if l.Allow() {
			allowed++
		}
	}
	if allowed != 3 {
		t.Errorf("Expected exactly burst-size 3 allowed, got %d", allowed)
	}
}

func TestAllowN(t *testing.T) {
	l := NewLimiter(10, 10)

	if !l.AllowN(10) {
		t.Error("AllowN within burst should succeed")
	}
	if l.AllowN(1) {
		t.Error("AllowN after bucket drained should fail")
	}
}
