package lock

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
)

func TestKeyedMutex_IndependentKeys(t *testing.T) {
	m := NewKeyedMutex()

	unlockA := m.Lock("emulator-5554")
	done := make(chan struct{})
	go func() {
		unlock := m.Lock("emulator-5556")
		unlock()
		close(done)
	}()
	<-done
	unlockA()
}

func TestKeyedMutex_TryLock(t *testing.T) {
	m := NewKeyedMutex()

	unlock, ok := m.TryLock("emulator-5554")
	if !ok {
		t.Fatal("expected first TryLock to succeed")
	}
	if _, ok := m.TryLock("emulator-5554"); ok {
		t.Fatal("expected TryLock on held key to fail")
	}
	unlock()
	unlock, ok = m.TryLock("emulator-5554")
	if !ok {
		t.Fatal("expected TryLock after unlock to succeed")
	}
	unlock()
}

func TestKeyedMutex_Concurrent(t *testing.T) {
	m := NewKeyedMutex()
	var inside, maxInside int64

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := m.Lock("shared")
			n := atomic.AddInt64(&inside, 1)
			if n > atomic.LoadInt64(&maxInside) {
				atomic.StoreInt64(&maxInside, n)
			}
			atomic.AddInt64(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()

	if maxInside != 1 {
		t.Errorf("expected at most one holder, saw %d", maxInside)
	}
}

func TestFileLock_RecordsOwner(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "run.lock")

	fl := NewFileLock(lockPath)
	if err := fl.TryLock("run-1"); err != nil {
		t.Fatalf("TryLock failed: %v", err)
	}
	defer fl.Unlock()

	pid, runID, err := ReadOwner(lockPath)
	if err != nil {
		t.Fatalf("ReadOwner: %v", err)
	}
	if pid != os.Getpid() || runID != "run-1" {
		t.Errorf("owner = (%d, %q), want (%d, run-1)", pid, runID, os.Getpid())
	}
}

func TestFileLock_DoubleLockRejected(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "run.lock")

	fl1 := NewFileLock(lockPath)
	if err := fl1.TryLock("run-1"); err != nil {
		t.Fatalf("first TryLock failed: %v", err)
	}
	defer fl1.Unlock()

	fl2 := NewFileLock(lockPath)
	err := fl2.TryLock("run-2")
	if err == nil {
		fl2.Unlock()
		t.Fatal("expected second TryLock to fail")
	}
	if !errors.Is(err, ErrHeld) {
		t.Errorf("expected ErrHeld, got %v", err)
	}
}

func TestFileLock_UnlockAllowsRelock(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "run.lock")

	fl1 := NewFileLock(lockPath)
	if err := fl1.TryLock("run-1"); err != nil {
		t.Fatalf("first TryLock failed: %v", err)
	}
	if err := fl1.Unlock(); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
	if err := fl1.Unlock(); err != nil {
		t.Fatalf("double unlock should be safe, got: %v", err)
	}

	fl2 := NewFileLock(lockPath)
	if err := fl2.TryLock("run-2"); err != nil {
		t.Fatalf("re-lock after unlock failed: %v", err)
	}
	fl2.Unlock()
}
