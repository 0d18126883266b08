package payment

import (
	"sync"
	"testing"
	"time"
)

func TestAcquire_ConcurrentSingleWinner(t *testing.T) {
	l := NewLock(time.Minute)

	var wg sync.WaitGroup
	results := make([]bool, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = l.Acquire("device")
		}(i)
	}
	wg.Wait()

	if results[0] == results[1] {
		t.Fatalf("concurrent Acquire results %v, want exactly one true", results)
	}
}

func TestAcquire_StaleTakeover(t *testing.T) {
	l := NewLock(30 * time.Millisecond)

	if !l.Acquire("first") {
		t.Fatal("initial acquire failed")
	}
	if l.Acquire("second") {
		t.Fatal("acquire succeeded against a live holder")
	}

	time.Sleep(50 * time.Millisecond)

	// No intervening Release: the stale holder is superseded
	if !l.Acquire("second") {
		t.Fatal("acquire failed against a stale holder")
	}
	holder, ok := l.Holder()
	if !ok || holder != "second" {
		t.Errorf("holder = (%q, %v), want (second, true)", holder, ok)
	}
}

func TestRelease_Unconditional(t *testing.T) {
	l := NewLock(time.Minute)

	l.Release() // releasing an unheld lock is a no-op

	if !l.Acquire("device") {
		t.Fatal("acquire failed on a free lock")
	}
	l.Release()
	if l.Held() {
		t.Error("lock still held after Release")
	}
	if !l.Acquire("device") {
		t.Error("acquire failed after Release")
	}
}
