package objstore

import (
	"bytes"
	"sync"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *FSStore {
	t.Helper()
	s, err := NewFSStore("sidecharge-firmware", t.TempDir())
	if err != nil {
		t.Fatalf("NewFSStore failed: %v", err)
	}
	return s
}

func TestPutGetCopy(t *testing.T) {
	s := newTestStore(t)

	data := bytes.Repeat([]byte{0xAB}, 1024)
	if err := s.Put("firmware/app-v3.bin", data); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, err := s.Get("firmware/app-v3.bin")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("round trip mismatch")
	}

	if err := s.Copy("firmware/app-v3.bin", BaselineKey); err != nil {
		t.Fatalf("Copy failed: %v", err)
	}
	baseline, err := s.Get(BaselineKey)
	if err != nil {
		t.Fatalf("Get(baseline) failed: %v", err)
	}
	if !bytes.Equal(baseline, data) {
		t.Error("baseline copy mismatch")
	}

	exists, err := s.Exists("firmware/app-v3.bin")
	if err != nil || !exists {
		t.Errorf("Exists: %v %v", exists, err)
	}
	exists, err = s.Exists("firmware/app-v9.bin")
	if err != nil || exists {
		t.Errorf("Exists(missing): %v %v", exists, err)
	}
}

func TestRejectsBadKeys(t *testing.T) {
	s := newTestStore(t)

	if err := s.Put("../escape.bin", []byte{1}); err == nil {
		t.Error("expected error for path traversal key")
	}
	if _, err := s.Get("/etc/passwd"); err == nil {
		t.Error("expected error for absolute key")
	}
}

func TestWatchNotifiesOnNewFirmware(t *testing.T) {
	s := newTestStore(t)
	s.settle = 50 * time.Millisecond

	var mu sync.Mutex
	var got []string
	s.SetObjectCreatedHandler(func(bucket, key string) {
		mu.Lock()
		got = append(got, bucket+"/"+key)
		mu.Unlock()
	})

	if err := s.StartWatch(); err != nil {
		t.Fatalf("StartWatch failed: %v", err)
	}
	defer s.StopWatch()

	if err := s.Put("firmware/app-v4.bin", []byte{1, 2, 3}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	// Baseline writes must not trigger deploys.
	if err := s.Put(BaselineKey, []byte{4, 5, 6}); err != nil {
		t.Fatalf("Put(baseline) failed: %v", err)
	}

	deadline := time.After(3 * time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("no notification within deadline")
		case <-time.After(20 * time.Millisecond):
		}
	}

	// Allow a settle period for any spurious baseline notification.
	time.Sleep(200 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("notifications: got %v", got)
	}
	if got[0] != "sidecharge-firmware/firmware/app-v4.bin" {
		t.Errorf("notification: got %s", got[0])
	}
}
