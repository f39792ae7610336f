package utils

import (
	"sync"
	"testing"
)

func TestKeyedMutex_MutualExclusionPerKey(t *testing.T) {
	km := NewKeyedMutex()

	var wg sync.WaitGroup
	counter := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := km.Lock("call-1")
			defer unlock()
			counter++
		}()
	}
	wg.Wait()

	if counter != 50 {
		t.Fatalf("lost updates under contention: %d", counter)
	}
}

func TestKeyedMutex_ReleasesEntries(t *testing.T) {
	km := NewKeyedMutex()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			key := []string{"a", "b", "c"}[n%3]
			for j := 0; j < 10; j++ {
				unlock := km.Lock(key)
				unlock()
			}
		}(i)
	}
	wg.Wait()

	if got := km.Len(); got != 0 {
		t.Fatalf("released keys must not linger, %d entries left", got)
	}
}

func TestKeyedMutex_IndependentKeys(t *testing.T) {
	km := NewKeyedMutex()

	unlockA := km.Lock("a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlock := km.Lock("b")
		unlock()
		close(done)
	}()
	<-done

	if got := km.Len(); got != 1 {
		t.Fatalf("only the held key should remain, got %d", got)
	}
}
