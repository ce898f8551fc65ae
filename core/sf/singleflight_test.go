package sf

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGate_RetriesAfterFailure(t *testing.T) {
	var (
		g     Gate
		calls int
		boom  = errors.New("boom")
	)

	err := g.Do(func() error { calls++; return boom })
	require.ErrorIs(t, err, boom)

	require.NoError(t, g.Do(func() error { calls++; return nil }))

	// succeeded once, fn is not run again
	require.NoError(t, g.Do(func() error { calls++; return boom }))
	require.Equal(t, 2, calls)
}

func TestGate_ConcurrentCallersShareAttempt(t *testing.T) {
	var (
		g     Gate
		calls atomic.Int32
		wg    sync.WaitGroup
	)
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, g.Do(func() error {
				calls.Add(1)
				time.Sleep(10 * time.Millisecond)
				return nil
			}))
		}()
	}
	wg.Wait()

	require.Equal(t, int32(1), calls.Load())
}

func TestGate_ConcurrentFailureIsShared(t *testing.T) {
	var (
		g       Gate
		calls   atomic.Int32
		wg      sync.WaitGroup
		boom    = errors.New("schema locked")
		release = make(chan struct{})
		errs    = make(chan error, 5)
	)
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- g.Do(func() error {
				calls.Add(1)
				<-release
				return boom
			})
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)

	for err := range errs {
		require.ErrorIs(t, err, boom)
	}
	require.LessOrEqual(t, calls.Load(), int32(5))
	require.NoError(t, g.Do(func() error { return nil }))
}
