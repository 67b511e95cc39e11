package syncq

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiscardOldest(t *testing.T) {
	t.Parallel()
	q := NewDiscarding[int](3)
	for i := 1; i <= 5; i++ {
		require.True(t, q.Push(i, Forever))
	}
	assert.Equal(t, 3, q.Count())
	assert.EqualValues(t, 2, q.DiscardCount())

	for _, want := range []int{3, 4, 5} {
		v, ok := q.TryPop()
		require.True(t, ok)
		assert.Equal(t, want, v)
	}
}

func TestDiscardingPushNeverBlocks(t *testing.T) {
	t.Parallel()
	q := NewDiscarding[int](1)
	start := time.Now()
	for i := 0; i < 100; i++ {
		require.True(t, q.Push(i, time.Hour))
	}
	assert.Less(t, time.Since(start), time.Second)
	assert.EqualValues(t, 99, q.DiscardCount())
}

func TestDiscardingClosed(t *testing.T) {
	t.Parallel()
	q := NewDiscarding[string](2)
	require.True(t, q.TryPush("a"))
	q.Close()
	assert.False(t, q.TryPush("b"))

	v, ok := q.Pop(Forever)
	require.True(t, ok)
	assert.Equal(t, "a", v)
	_, ok = q.Pop(Forever)
	assert.False(t, ok)
}

func TestDiscardingWakesConsumer(t *testing.T) {
	t.Parallel()
	q := NewDiscarding[int](2)
	got := make(chan int, 1)
	go func() {
		v, _ := q.Pop(Forever)
		got <- v
	}()
	time.Sleep(10 * time.Millisecond)
	require.True(t, q.TryPush(9))
	select {
	case v := <-got:
		assert.Equal(t, 9, v)
	case <-time.After(time.Second):
		t.Fatal("consumer not woken")
	}
}
