package ring

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRing_CapacityRoundsUp(t *testing.T) {
	assert.Equal(t, 2, New[int](0).Cap())
	assert.Equal(t, 8, New[int](5).Cap())
	assert.Equal(t, 16, New[int](16).Cap())
}

func TestRing_FIFO(t *testing.T) {
	r := New[int](4)
	for i := 0; i < 4; i++ {
		require.True(t, r.TryPush(i))
	}
	assert.False(t, r.TryPush(99), "full ring must reject")
	assert.Equal(t, 4, r.Len())

	for i := 0; i < 4; i++ {
		v, ok := r.TryPop()
		require.True(t, ok)
		assert.Equal(t, i, v)
	}
	_, ok := r.TryPop()
	assert.False(t, ok)
}

func TestRing_PushOverwriteDropsOldest(t *testing.T) {
	r := New[int](4)
	for i := 0; i < 4; i++ {
		require.False(t, r.PushOverwrite(i))
	}
	assert.True(t, r.PushOverwrite(4))
	assert.True(t, r.PushOverwrite(5))
	assert.Equal(t, uint64(2), r.Dropped())

	var got []int
	for {
		v, ok := r.TryPop()
		if !ok {
			break
		}
		got = append(got, v)
	}
	assert.Equal(t, []int{2, 3, 4, 5}, got)
}

func TestRing_TryPushCounted(t *testing.T) {
	r := New[int](2)
	require.True(t, r.TryPushCounted(1))
	require.True(t, r.TryPushCounted(2))
	assert.False(t, r.TryPushCounted(3))
	assert.Equal(t, uint64(1), r.Dropped())
}

func TestRing_PushBlocksUntilSpace(t *testing.T) {
	r := New[int](2)
	require.True(t, r.TryPush(1))
	require.True(t, r.TryPush(2))

	done := make(chan error, 1)
	go func() { done <- r.Push(context.Background(), 3) }()

	select {
	case <-done:
		t.Fatal("push returned while ring was full")
	case <-time.After(20 * time.Millisecond):
	}

	v, ok := r.TryPop()
	require.True(t, ok)
	assert.Equal(t, 1, v)
	require.NoError(t, <-done)
	assert.Equal(t, uint64(1), r.Blocked())
}

func TestRing_PushHonorsContext(t *testing.T) {
	r := New[int](2)
	r.TryPush(1)
	r.TryPush(2)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := r.Push(ctx, 3)
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRing_ConcurrentProducerConsumer(t *testing.T) {
	const total = 100000
	r := New[int](64)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < total; i++ {
			_ = r.Push(context.Background(), i)
		}
	}()

	next := 0
	for next < total {
		if v, ok := r.TryPop(); ok {
			require.Equal(t, next, v)
			next++
		}
	}
	wg.Wait()
}

func TestRing_OverwriteWithConcurrentReader(t *testing.T) {
	r := New[int](8)
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	last := -1
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			if v, ok := r.TryPop(); ok {
				if v <= last {
					t.Errorf("out of order: %d after %d", v, last)
					return
				}
				last = v
			}
		}
	}()
	for i := 0; i < 50000; i++ {
		r.PushOverwrite(i)
	}
	close(stop)
	wg.Wait()
}
