package cache

import (
	"fmt"
	"testing"
	"time"
)

func TestDedupeDetectsDuplicateWithinTTL(t *testing.T) {
	c := New(Options{TTL: time.Minute, MaxSize: 10})
	now := time.Now()

	if c.SeenAt("c1:chat.send:k1", now) {
		t.Fatal("first sighting must not be a duplicate")
	}
	if !c.SeenAt("c1:chat.send:k1", now.Add(time.Second)) {
		t.Fatal("second sighting within TTL must be a duplicate")
	}
}

func TestDedupeExpiresByTTL(t *testing.T) {
	c := New(Options{TTL: time.Minute, MaxSize: 10})
	now := time.Now()

	c.SeenAt("fp", now)
	if c.SeenAt("fp", now.Add(2*time.Minute)) {
		t.Fatal("expired entry must not count as duplicate")
	}
}

func TestDedupeEvictsOldestAtMaxSize(t *testing.T) {
	c := New(Options{TTL: time.Hour, MaxSize: 3})
	now := time.Now()

	for i := 0; i < 4; i++ {
		c.SeenAt(fmt.Sprintf("fp%d", i), now.Add(time.Duration(i)*time.Second))
	}
	if c.Size() > 3 {
		t.Fatalf("expected size bound of 3, got %d", c.Size())
	}
	// fp0 was the oldest and should have been evicted.
	if c.SeenAt("fp0", now.Add(5*time.Second)) {
		t.Fatal("evicted entry must not be reported as duplicate")
	}
}

func TestDedupeEmptyFingerprint(t *testing.T) {
	c := New(DefaultOptions())
	if c.Seen("") || c.Seen("") {
		t.Fatal("empty fingerprint is never a duplicate")
	}
}

func TestRequestFingerprint(t *testing.T) {
	if RequestFingerprint("c1", "chat.send", "") != "" {
		t.Fatal("missing idempotency key yields no fingerprint")
	}
	if got := RequestFingerprint("c1", "chat.send", "k"); got != "c1:chat.send:k" {
		t.Fatalf("unexpected fingerprint %q", got)
	}
}

func TestDedupeSweep(t *testing.T) {
	c := New(Options{TTL: time.Millisecond, MaxSize: 10})
	c.SeenAt("fp", time.Now().Add(-time.Second))
	c.Sweep()
	if c.Size() != 0 {
		t.Fatalf("expected sweep to clear expired entries, got %d", c.Size())
	}
}
