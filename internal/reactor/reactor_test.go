package reactor

import (
	"sync"
	"testing"
	"time"
)

func TestAssignRoundRobin(t *testing.T) {
	p := New(3, 4)
	defer p.Stop()

	got := []int{p.Assign(), p.Assign(), p.Assign(), p.Assign()}
	want := []int{0, 1, 2, 0}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("assign[%d] = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestSubmitRunsOnAssignedWorker(t *testing.T) {
	p := New(2, 8)
	defer p.Stop()

	idx := p.Assign()
	var wg sync.WaitGroup
	wg.Add(1)
	var ran bool
	p.Submit(idx, func() {
		ran = true
		wg.Done()
	})

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("task did not run in time")
	}
	if !ran {
		t.Fatalf("expected task to run")
	}
}

func TestSubmitPreservesOrderPerWorker(t *testing.T) {
	p := New(1, 16)
	defer p.Stop()

	idx := p.Assign()
	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		n := i
		p.Submit(idx, func() {
			mu.Lock()
			order = append(order, n)
			mu.Unlock()
			wg.Done()
		})
	}
	wg.Wait()
	for i, v := range order {
		if v != i {
			t.Fatalf("expected in-order execution, got %v", order)
		}
	}
}
