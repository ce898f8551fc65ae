package perkey

import (
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestScheduler_Go_KeepsOrderPerKey(t *testing.T) {
	s := New[string](WithBufferSize(4))
	defer s.Close()

	const n = 100
	got := make(chan int, n)
	for i := range n {
		require.NoError(t, s.Go("orders", func() { got <- i }))
	}
	for i := range n {
		select {
		case v := <-got:
			require.Equal(t, i, v)
		case <-time.After(time.Second):
			t.Fatalf("task %d did not run", i)
		}
	}
}

func TestScheduler_Go_KeysRunInParallel(t *testing.T) {
	s := New[string]()
	defer s.Close()

	block := make(chan struct{})
	defer close(block)
	require.NoError(t, s.Go("slow", func() { <-block }))

	done := make(chan struct{})
	require.NoError(t, s.Go("orders", func() { close(done) }))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("blocked key held back another key")
	}
}

func TestScheduler_Forget(t *testing.T) {
	s := New[string]()
	defer s.Close()

	var (
		mu  sync.Mutex
		got []int
	)
	record := func(v int) func() {
		return func() {
			mu.Lock()
			got = append(got, v)
			mu.Unlock()
		}
	}

	require.NoError(t, s.Go("orders", record(1)))
	require.NoError(t, s.Go("orders", record(2)))
	s.Forget("orders")
	s.Forget("orders")
	s.Forget("unknown")
	require.NoError(t, s.Go("orders", record(3)))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	// tasks queued before Forget keep their order
	require.Less(t, slices.Index(got, 1), slices.Index(got, 2))
}

func TestScheduler_CloseRunsQueuedTasks(t *testing.T) {
	s := New[string]()

	block := make(chan struct{})
	ran := make(chan int, 3)
	require.NoError(t, s.Go("orders", func() { <-block }))
	require.NoError(t, s.Go("orders", func() { ran <- 1 }))
	require.NoError(t, s.Go("audit", func() { ran <- 2 }))

	s.Close()
	s.Close()
	close(block)

	var got []int
	for range 2 {
		select {
		case v := <-ran:
			got = append(got, v)
		case <-time.After(time.Second):
			t.Fatal("queued task dropped on close")
		}
	}
	require.ElementsMatch(t, []int{1, 2}, got)

	require.ErrorIs(t, s.Go("orders", func() {}), ErrSchedulerClosed)
}

func TestScheduler_ConcurrentSubmitAndForget(t *testing.T) {
	s := New[int](WithBufferSize(1))
	defer s.Close()

	var wg sync.WaitGroup
	var count sync.WaitGroup
	for k := range 4 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for range 50 {
				count.Add(1)
				if err := s.Go(k, count.Done); err != nil {
					t.Error(err)
					count.Done()
				}
			}
		}()
		go func() {
			defer wg.Done()
			for range 50 {
				s.Forget(k)
			}
		}()
	}
	wg.Wait()

	finished := make(chan struct{})
	go func() {
		count.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("tasks lost across Forget")
	}
}
