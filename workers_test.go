package orion

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestWorkerPoolRunsTasks(t *testing.T) {
	pool := NewWorkerPool(2, 8, nil)
	var count atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		pool.Submit(func() {
			defer wg.Done()
			count.Add(1)
		})
	}
	wg.Wait()
	pool.Close()
	if count.Load() != 10 {
		t.Errorf("ran %d tasks, want 10", count.Load())
	}
}

func TestWorkerPoolRecoversPanic(t *testing.T) {
	pool := NewWorkerPool(1, 4, nil)
	done := make(chan struct{})
	pool.Submit(func() { panic("boom") })
	pool.Submit(func() { close(done) })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pool stopped processing after a panic")
	}
	pool.Close()
}

func TestWorkerPoolDropsOldestWhenFull(t *testing.T) {
	pool := NewWorkerPool(1, 2, nil)
	release := make(chan struct{})
	started := make(chan struct{})

	// Occupy the single worker so queued tasks pile up.
	pool.Submit(func() {
		close(started)
		<-release
	})
	<-started

	var ran sync.Map
	for _, name := range []string{"a", "b", "c", "d"} {
		name := name
		pool.Submit(func() { ran.Store(name, true) })
	}
	close(release)
	pool.Close()

	// Queue capacity is 2, so the oldest of the four queued tasks were
	// dropped and the newest survived.
	if _, ok := ran.Load("d"); !ok {
		t.Error("newest task dropped, drop-oldest violated")
	}
	total := 0
	ran.Range(func(_, _ any) bool { total++; return true })
	if total > 2 {
		t.Errorf("%d queued tasks ran, queue capacity is 2", total)
	}
}
