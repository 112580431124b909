package service

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAttemptLockerSerialisesSameAttempt(t *testing.T) {
	locker := NewAttemptLocker()

	var (
		wg      sync.WaitGroup
		active  int
		maxSeen int
		mu      sync.Mutex
	)

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locker.Lock(5)
			defer unlock()

			mu.Lock()
			active++
			if active > maxSeen {
				maxSeen = active
			}
			mu.Unlock()

			mu.Lock()
			active--
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Equal(t, 1, maxSeen)
	require.Zero(t, locker.size())
}

func TestAttemptLockerIndependentAttempts(t *testing.T) {
	locker := NewAttemptLocker()

	unlockFirst := locker.Lock(1)
	done := make(chan struct{})
	go func() {
		unlock := locker.Lock(2)
		unlock()
		close(done)
	}()
	<-done

	require.Equal(t, 1, locker.size())
	unlockFirst()
	require.Zero(t, locker.size())
}
