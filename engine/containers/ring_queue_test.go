package containers

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
)

func TestRingQueueFIFO(t *testing.T) {
	rq := NewRingQueue[int](3)
	require.True(t, rq.IsEmpty())

	for i := 1; i <= 3; i++ {
		require.NoError(t, rq.Enqueue(i))
	}
	require.True(t, rq.IsFull())
	require.True(t, errors.Is(rq.Enqueue(4), ErrQueueFull))

	v, err := rq.Dequeue()
	require.NoError(t, err)
	require.Equal(t, 1, v)

	// wraps around the backing array
	require.NoError(t, rq.Enqueue(4))
	head, err := rq.Peek()
	require.NoError(t, err)
	require.Equal(t, 2, head)

	var got []int
	for !rq.IsEmpty() {
		v, err := rq.Dequeue()
		require.NoError(t, err)
		got = append(got, v)
	}
	require.Equal(t, []int{2, 3, 4}, got)

	_, err = rq.Dequeue()
	require.True(t, errors.Is(err, ErrQueueEmpty))
}
