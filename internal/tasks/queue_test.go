package tasks

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestSubmitRunsJobs(t *testing.T) {
	q := New(DefaultConfig())
	q.Start()
	defer q.Stop()

	var count int32
	var wg sync.WaitGroup
	wg.Add(10)
	for i := 0; i < 10; i++ {
		ok := q.Submit("SC-AAAAAAAA", "", func() {
			atomic.AddInt32(&count, 1)
			wg.Done()
		})
		if !ok {
			t.Fatalf("Submit %d rejected", i)
		}
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("jobs did not run")
	}
	if got := atomic.LoadInt32(&count); got != 10 {
		t.Errorf("ran: got %d, want 10", got)
	}
}

func TestPerKeyOrdering(t *testing.T) {
	q := New(DefaultConfig())
	q.Start()
	defer q.Stop()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	wg.Add(50)

	for i := 0; i < 50; i++ {
		i := i
		q.Submit("SC-0A1B2C3D", "", func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			wg.Done()
		})
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("jobs did not run")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, v := range order {
		if v != i {
			t.Fatalf("order broken at %d: %v", i, order[:i+1])
		}
	}
}

func TestDuplicateIDDropped(t *testing.T) {
	q := New(DefaultConfig())
	q.Start()
	defer q.Stop()

	var count int32
	run := func() { atomic.AddInt32(&count, 1) }

	if !q.Submit("SC-AAAAAAAA", "msg-1", run) {
		t.Fatal("first submission rejected")
	}
	if q.Submit("SC-AAAAAAAA", "msg-1", run) {
		t.Error("duplicate submission accepted")
	}
	// Same ID from a different device is a different job.
	if !q.Submit("SC-BBBBBBBB", "msg-1", run) {
		t.Error("cross-device submission rejected")
	}

	time.Sleep(100 * time.Millisecond)
	if got := atomic.LoadInt32(&count); got != 2 {
		t.Errorf("ran: got %d, want 2", got)
	}
}

func TestDedupExpires(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DedupTTL = 50 * time.Millisecond
	q := New(cfg)
	q.Start()
	defer q.Stop()

	var count int32
	run := func() { atomic.AddInt32(&count, 1) }

	q.Submit("SC-AAAAAAAA", "msg-1", run)
	time.Sleep(100 * time.Millisecond)
	if !q.Submit("SC-AAAAAAAA", "msg-1", run) {
		t.Error("submission rejected after TTL expiry")
	}

	time.Sleep(100 * time.Millisecond)
	if got := atomic.LoadInt32(&count); got != 2 {
		t.Errorf("ran: got %d, want 2", got)
	}
}
