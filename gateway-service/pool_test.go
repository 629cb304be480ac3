package main

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestPoolRunsTasks(t *testing.T) {
	p := newPool(4, 16)
	var ran atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		ok := p.Submit(func() {
			defer wg.Done()
			ran.Add(1)
		})
		if !ok {
			wg.Done()
		}
	}
	wg.Wait()
	p.Stop()
	if got := ran.Load(); got == 0 {
		t.Fatal("no tasks ran")
	}
}

func TestPoolRefusesWhenSaturated(t *testing.T) {
	p := newPool(1, 1)
	release := make(chan struct{})

	// Occupy the single worker, then fill the single queue slot.
	if !p.Submit(func() { <-release }) {
		t.Fatal("first submit should be accepted")
	}
	// The worker may not have picked up the first task yet.
	deadline := time.Now().Add(time.Second)
	for !p.Submit(func() { <-release }) {
		if time.Now().After(deadline) {
			t.Fatal("queue slot never became available")
		}
		time.Sleep(time.Millisecond)
	}

	if p.Submit(func() {}) {
		t.Error("submit to a saturated pool must be refused")
	}

	close(release)
	p.Stop()
}

func TestPoolStopDrainsQueue(t *testing.T) {
	p := newPool(2, 8)
	var ran atomic.Int64
	for i := 0; i < 8; i++ {
		p.Submit(func() {
			time.Sleep(5 * time.Millisecond)
			ran.Add(1)
		})
	}
	p.Stop()
	if got := ran.Load(); got != 8 {
		t.Errorf("Stop returned with %d of 8 tasks done", got)
	}
}

func TestSubmitAfterStopIsRefused(t *testing.T) {
	p := newPool(2, 8)
	p.Stop()
	if p.Submit(func() {}) {
		t.Error("submit after Stop must be refused")
	}
	// Stop is idempotent.
	p.Stop()
}

func TestSubmitRacingStop(t *testing.T) {
	// A late envelope arriving while the pool shuts down must be refused,
	// not panic on the closed queue.
	for run := 0; run < 50; run++ {
		p := newPool(2, 4)
		done := make(chan struct{})
		go func() {
			defer close(done)
			for i := 0; i < 100; i++ {
				p.Submit(func() {})
			}
		}()
		p.Stop()
		<-done
	}
}

func TestPoolSurvivesPanickingTask(t *testing.T) {
	p := newPool(1, 4)
	p.Submit(func() { panic("boom") })

	done := make(chan struct{})
	ok := false
	deadline := time.Now().Add(time.Second)
	for !ok {
		ok = p.Submit(func() { close(done) })
		if time.Now().After(deadline) {
			t.Fatal("pool stopped accepting work after a panic")
		}
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task after panic never ran")
	}
	p.Stop()
}
