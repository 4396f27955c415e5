package syncutil

import (
	"sync"
	"testing"
)

func TestLockSerializesSameKey(t *testing.T) {
	var m ShardedMutex
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := m.Lock("usr_aaaaaaaaaaaaaaaa")
			counter++
			unlock()
		}()
	}
	wg.Wait()

	if counter != 100 {
		t.Errorf("counter = %d, want 100", counter)
	}
}

func TestDifferentKeysDoNotBlock(t *testing.T) {
	var m ShardedMutex

	unlockA := m.Lock("usr_aaaaaaaaaaaaaaaa")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		// fnv spreads these to different shards
		unlockB := m.Lock("usr_bbbbbbbbbbbbbbbb")
		unlockB()
		close(done)
	}()

	<-done
}

func TestUnlockAllowsReacquire(t *testing.T) {
	var m ShardedMutex

	unlock := m.Lock("bkg_cccccccccccccccc")
	unlock()

	unlock = m.Lock("bkg_cccccccccccccccc")
	unlock()
}
