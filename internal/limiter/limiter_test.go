package limiter

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
)

func TestLimiter_AcquireRelease(t *testing.T) {
	l := New(2, 5)

	if err := l.Acquire("k1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if l.KeyCount("k1") != 1 || l.TotalCount() != 1 {
		t.Errorf("expected counts 1/1, got %d/%d", l.KeyCount("k1"), l.TotalCount())
	}

	l.Release("k1")
	if l.KeyCount("k1") != 0 || l.TotalCount() != 0 {
		t.Errorf("expected counts 0/0 after release, got %d/%d", l.KeyCount("k1"), l.TotalCount())
	}
}

func TestLimiter_PerKeyLimit(t *testing.T) {
	l := New(2, 100)

	for i := 0; i < 2; i++ {
		if err := l.Acquire("k1"); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}
	if err := l.Acquire("k1"); !errors.Is(err, ErrKeyLimitReached) {
		t.Errorf("expected ErrKeyLimitReached, got %v", err)
	}
	if l.TotalCount() != 2 {
		t.Errorf("expected total rolled back to 2, got %d", l.TotalCount())
	}

	// Other keys are unaffected.
	if err := l.Acquire("k2"); err != nil {
		t.Errorf("unexpected error for k2: %v", err)
	}
}

func TestLimiter_TotalLimit(t *testing.T) {
	l := New(10, 3)

	for _, id := range []string{"a", "b", "c"} {
		if err := l.Acquire(id); err != nil {
			t.Fatalf("acquire %s: %v", id, err)
		}
	}
	if err := l.Acquire("d"); !errors.Is(err, ErrTotalLimitReached) {
		t.Errorf("expected ErrTotalLimitReached, got %v", err)
	}
}

func TestLimiter_ZeroDisables(t *testing.T) {
	l := New(0, 0)
	for i := 0; i < 1000; i++ {
		if err := l.Acquire("k1"); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}
	if l.KeyCount("k1") != 1000 {
		t.Errorf("expected 1000 in flight, got %d", l.KeyCount("k1"))
	}
}

func TestLimiter_UpdateLimits(t *testing.T) {
	l := New(1, 10)

	l.Acquire("k1")
	if err := l.Acquire("k1"); !errors.Is(err, ErrKeyLimitReached) {
		t.Fatalf("expected limit before update, got %v", err)
	}

	l.UpdateLimits(2, 10)
	if perKey, total := l.Limits(); perKey != 2 || total != 10 {
		t.Errorf("Limits() = %d, %d", perKey, total)
	}
	if err := l.Acquire("k1"); err != nil {
		t.Errorf("expected acquire after raising limit, got %v", err)
	}
}

func TestLimiter_Forget(t *testing.T) {
	l := New(5, 10)

	l.Acquire("busy")
	l.Acquire("idle")
	l.Release("idle")

	l.Forget("busy")
	l.Forget("idle")

	stats := l.Stats()
	if _, ok := stats["idle"]; ok {
		t.Error("expected idle key to be forgotten")
	}
	if stats["busy"] != 1 {
		t.Error("expected busy key to be kept while in flight")
	}
	if stats["total"] != 1 {
		t.Errorf("expected total 1, got %d", stats["total"])
	}
}

func TestLimiter_Concurrent(t *testing.T) {
	l := New(10, 50)

	var wg sync.WaitGroup
	var acquired atomic.Int64
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := []string{"a", "b", "c", "d", "e", "f"}[i%6]
			if err := l.Acquire(id); err == nil {
				acquired.Add(1)
			}
		}(i)
	}
	wg.Wait()

	if got := l.TotalCount(); got != acquired.Load() {
		t.Errorf("total %d does not match acquired %d", got, acquired.Load())
	}
	if l.TotalCount() > 50 {
		t.Errorf("total limit exceeded: %d", l.TotalCount())
	}
	for _, id := range []string{"a", "b", "c", "d", "e", "f"} {
		if l.KeyCount(id) > 10 {
			t.Errorf("key %s exceeded limit: %d", id, l.KeyCount(id))
		}
	}
}
