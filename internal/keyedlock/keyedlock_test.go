package keyedlock

import (
	"sync"
	"testing"
	"time"
)

func TestWithLockSerializesSameID(t *testing.T) {
	reg := NewRegistry()

	const goroutines = 8
	const iterations = 200
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				_ = reg.WithLock("batch-1", func(h *Handle) error {
					v := counter
					counter = v + 1
					return nil
				})
			}
		}()
	}
	wg.Wait()

	if counter != goroutines*iterations {
		t.Fatalf("expected %d increments, got %d", goroutines*iterations, counter)
	}
}

func TestDifferentIDsDoNotBlock(t *testing.T) {
	reg := NewRegistry()

	h := reg.Lock("proc-a")
	defer h.Release()

	done := make(chan struct{})
	go func() {
		_ = reg.WithLock("proc-b", func(*Handle) error { return nil })
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("lock on a different id blocked")
	}
}

func TestReacquireIsReentrant(t *testing.T) {
	reg := NewRegistry()

	err := reg.WithLock("ec-1", func(h *Handle) error {
		// A nested helper re-acquiring the same id must not deadlock.
		return reg.Reacquire(h, "ec-1", func(inner *Handle) error {
			inner.MustBeHeld("ec-1")
			return nil
		})
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestReacquireWithoutHandleLocksFresh(t *testing.T) {
	reg := NewRegistry()

	called := false
	err := reg.Reacquire(nil, "ec-2", func(h *Handle) error {
		h.MustBeHeld("ec-2")
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("expected fn to run")
	}
}

func TestMustBeHeldPanicsAfterRelease(t *testing.T) {
	reg := NewRegistry()
	h := reg.Lock("p-1")
	h.Release()

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for released handle")
		}
	}()
	h.MustBeHeld("p-1")
}

func TestMustBeHeldPanicsForWrongID(t *testing.T) {
	reg := NewRegistry()
	h := reg.Lock("p-1")
	defer h.Release()

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for wrong id")
		}
	}()
	h.MustBeHeld("p-2")
}

func TestIdleEntriesEvictedBeyondCap(t *testing.T) {
	reg := NewRegistryWithCap(4)

	for _, id := range []string{"a", "b", "c", "d", "e", "f"} {
		_ = reg.WithLock(id, func(*Handle) error { return nil })
	}

	if got := reg.Len(); got > 4 {
		t.Fatalf("expected at most 4 entries after eviction, got %d", got)
	}
}

func TestWithReadLockAllowsConcurrentReaders(t *testing.T) {
	reg := NewRegistry()

	ready := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = reg.WithReadLock("sc-1", func() error {
			close(ready)
			<-release
			return nil
		})
	}()

	<-ready
	done := make(chan struct{})
	go func() {
		_ = reg.WithReadLock("sc-1", func() error { return nil })
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("second reader blocked by first")
	}
	close(release)
}
