package pending

import (
	"errors"
	"testing"
	"time"
)

var (
	errTimeout      = errors.New("timed out")
	errDisconnected = errors.New("disconnected")
)

func TestResolveDeliversValue(t *testing.T) {
	r := NewRegistry[string]()
	f := r.Add("c1", "node-1", 0, nil)

	if !r.Resolve("c1", "result") {
		t.Fatal("expected resolve to win")
	}
	out := <-f.Done()
	if out.Err != nil || out.Value != "result" {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if r.Len() != 0 {
		t.Fatalf("registry should be empty, has %d", r.Len())
	}
}

func TestTimeoutFiresWhenNoResult(t *testing.T) {
	r := NewRegistry[string]()
	start := time.Now()
	f := r.Add("c1", "node-1", 50*time.Millisecond, errTimeout)

	out := <-f.Done()
	if !errors.Is(out.Err, errTimeout) {
		t.Fatalf("expected timeout error, got %+v", out)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Fatalf("timeout fired early after %v", elapsed)
	}
}

func TestLateResultIgnoredAfterTimeout(t *testing.T) {
	r := NewRegistry[string]()
	f := r.Add("c1", "node-1", 10*time.Millisecond, errTimeout)

	out := <-f.Done()
	if !errors.Is(out.Err, errTimeout) {
		t.Fatalf("expected timeout, got %+v", out)
	}
	if r.Resolve("c1", "late") {
		t.Fatal("late result must be ignored")
	}
	select {
	case extra := <-f.Done():
		t.Fatalf("future double-resolved: %+v", extra)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestResultCancelsTimer(t *testing.T) {
	r := NewRegistry[string]()
	f := r.Add("c1", "node-1", 20*time.Millisecond, errTimeout)

	if !r.Resolve("c1", "fast") {
		t.Fatal("expected resolve to win")
	}
	out := <-f.Done()
	if out.Value != "fast" {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	// The timer must not deliver a second outcome.
	select {
	case extra := <-f.Done():
		t.Fatalf("timer fired after resolution: %+v", extra)
	case <-time.After(40 * time.Millisecond):
	}
}

func TestFailOwnerRejectsAllOfOwner(t *testing.T) {
	r := NewRegistry[string]()
	f1 := r.Add("c1", "node-1", time.Minute, errTimeout)
	f2 := r.Add("c2", "node-1", time.Minute, errTimeout)
	f3 := r.Add("c3", "node-2", time.Minute, errTimeout)

	if n := r.FailOwner("node-1", errDisconnected); n != 2 {
		t.Fatalf("expected 2 rejected futures, got %d", n)
	}

	for _, f := range []*Future[string]{f1, f2} {
		out := <-f.Done()
		if !errors.Is(out.Err, errDisconnected) {
			t.Fatalf("expected disconnect error, got %+v", out)
		}
	}
	if r.Len() != 1 {
		t.Fatalf("node-2 future should survive, registry has %d", r.Len())
	}
	if !r.Resolve("c3", "ok") {
		t.Fatal("node-2 future should still resolve")
	}
	if out := <-f3.Done(); out.Value != "ok" {
		t.Fatalf("unexpected outcome: %+v", out)
	}
}

func TestImmediateTimeoutStillResolvesOnce(t *testing.T) {
	// A deadline that fires before Add returns must still find the entry
	// and deliver exactly one outcome.
	r := NewRegistry[string]()
	for i := 0; i < 50; i++ {
		f := r.Add("c1", "node-1", time.Nanosecond, errTimeout)
		out := <-f.Done()
		if !errors.Is(out.Err, errTimeout) {
			t.Fatalf("iteration %d: unexpected outcome %+v", i, out)
		}
		if r.Len() != 0 {
			t.Fatalf("iteration %d: entry leaked", i)
		}
	}
}

func TestConcurrentRacesResolveExactlyOnce(t *testing.T) {
	r := NewRegistry[int]()
	for i := 0; i < 100; i++ {
		f := r.Add("race", "node-1", time.Millisecond, errTimeout)
		go r.Resolve("race", 1)
		go r.Fail("race", errDisconnected)
		go r.FailOwner("node-1", errDisconnected)

		<-f.Done()
		select {
		case out := <-f.Done():
			t.Fatalf("iteration %d: double resolution %+v", i, out)
		default:
		}
	}
}
