package rate

import (
	"testing"
	"time"
)

func TestAllowBurstThenBlock(t *testing.T) {
	l := NewLimiter()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return base }
	for i := 0; i < 3; i++ {
		if !l.Allow("login:1.2.3.4", 3, time.Minute) {
			t.Fatalf("attempt %d should be allowed", i)
		}
	}
	if l.Allow("login:1.2.3.4", 3, time.Minute) {
		t.Fatalf("fourth attempt should be limited")
	}
	if !l.Allow("login:5.6.7.8", 3, time.Minute) {
		t.Fatalf("other keys are independent")
	}

	l.now = func() time.Time { return base.Add(21 * time.Second) }
	if !l.Allow("login:1.2.3.4", 3, time.Minute) {
		t.Fatalf("a token should refill after window/limit")
	}
}

func TestIdleKeysAreCollected(t *testing.T) {
	l := NewLimiter()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l.lastGC = base
	l.now = func() time.Time { return base }
	l.Allow("a", 1, time.Second)
	l.now = func() time.Time { return base.Add(2 * time.Minute) }
	l.Allow("b", 1, time.Second)
	if _, ok := l.buckets["a"]; ok {
		t.Fatalf("idle key should have been dropped")
	}
}
