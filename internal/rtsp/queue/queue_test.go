package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTryEnqueueDropsOnFull(t *testing.T) {
	t.Parallel()

	q := New[int](2, "test")
	require.NoError(t, q.TryEnqueue(1))
	require.NoError(t, q.TryEnqueue(2))

	err := q.TryEnqueue(3)
	assert.ErrorIs(t, err, ErrWouldBlock)
	assert.Equal(t, 2, q.Len())
}

func TestDequeueIsFIFO(t *testing.T) {
	t.Parallel()

	q := New[int](4, "test")
	for _, v := range []int{1, 2, 3} {
		require.NoError(t, q.TryEnqueue(v))
	}

	ctx := context.Background()
	for _, want := range []int{1, 2, 3} {
		got, ok := q.Dequeue(ctx)
		require.True(t, ok)
		assert.Equal(t, want, got)
	}
}

func TestDequeueUnblocksOnContextCancel(t *testing.T) {
	t.Parallel()

	q := New[int](1, "test")
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, ok := q.Dequeue(ctx)
	assert.False(t, ok)
}

func TestEnqueueBlocksThenUnblocksOnSpace(t *testing.T) {
	t.Parallel()

	q := New[int](1, "test")
	require.NoError(t, q.TryEnqueue(1))

	done := make(chan struct{})
	go func() {
		defer close(done)
		err := q.Enqueue(context.Background(), 2)
		assert.NoError(t, err)
	}()

	select {
	case <-done:
		t.Fatal("Enqueue returned before the queue had room")
	case <-time.After(20 * time.Millisecond):
	}

	_, ok := q.Dequeue(context.Background())
	require.True(t, ok)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Enqueue did not unblock after Dequeue freed capacity")
	}
}

func TestEnqueueUnblocksOnContextCancel(t *testing.T) {
	t.Parallel()

	q := New[int](1, "test")
	require.NoError(t, q.TryEnqueue(1))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := q.Enqueue(ctx, 2)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConcurrentProducersNeverExceedCapacity(t *testing.T) {
	t.Parallel()

	q := New[int](8, "test")
	var wg sync.WaitGroup
	var dropped, accepted int
	var mu sync.Mutex

	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(v int) {
			defer wg.Done()
			err := q.TryEnqueue(v)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				dropped++
			} else {
				accepted++
			}
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, accepted, 8)
	assert.Equal(t, 64, accepted+dropped)
	assert.LessOrEqual(t, q.Len(), q.Cap())
}
