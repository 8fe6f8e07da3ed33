package ratelimit

import (
	"testing"
	"time"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

func TestTokenBucketBurstThenDeny(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	bucket := NewTokenBucket(clock, 3, 1)

	for i := 0; i < 3; i++ {
		if !bucket.Allow() {
			t.Fatalf("token %d should be available from the initial burst", i)
		}
	}
	if bucket.Allow() {
		t.Fatalf("bucket should be empty after consuming capacity")
	}
}

func TestTokenBucketRefills(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	bucket := NewTokenBucket(clock, 2, 10)

	if !bucket.Allow() || !bucket.Allow() {
		t.Fatalf("initial burst should succeed")
	}
	if bucket.Allow() {
		t.Fatalf("bucket should be empty")
	}

	// 10 tokens/sec: 100ms buys exactly one token.
	clock.advance(100 * time.Millisecond)
	if !bucket.Allow() {
		t.Fatalf("one token should have refilled")
	}
	if bucket.Allow() {
		t.Fatalf("only one token should have refilled")
	}
}

func TestTokenBucketClampsToCapacity(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	bucket := NewTokenBucket(clock, 2, 1)

	clock.advance(time.Hour)
	for i := 0; i < 2; i++ {
		if !bucket.Allow() {
			t.Fatalf("token %d should be available after a long idle period", i)
		}
	}
	if bucket.Allow() {
		t.Fatalf("refill must clamp at capacity")
	}
}

func TestTokenBucketClockGoingBackwards(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	bucket := NewTokenBucket(clock, 1, 1)

	if !bucket.Allow() {
		t.Fatalf("initial token should be available")
	}
	clock.now = clock.now.Add(-time.Minute)
	if bucket.Allow() {
		t.Fatalf("no refill should happen when the clock goes backwards")
	}
}

func TestTokenBucketZeroRate(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	bucket := NewTokenBucket(clock, 1, 0)

	if !bucket.Allow() {
		t.Fatalf("capacity token should be available")
	}
	clock.advance(time.Hour)
	if bucket.Allow() {
		t.Fatalf("zero fill rate must never refill")
	}
}
