package tasks

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestQueue_FIFO(t *testing.T) {
	q := NewQueue(0)
	require.NoError(t, q.Enqueue(Task{ID: "a"}))
	require.NoError(t, q.Enqueue(Task{ID: "b"}))
	require.Equal(t, 2, q.Len())

	got, ok := q.Dequeue()
	require.True(t, ok)
	require.Equal(t, "a", got.ID)

	rest := q.Drain()
	require.Len(t, rest, 1)
	require.Equal(t, "b", rest[0].ID)

	_, ok = q.Dequeue()
	require.False(t, ok)
}

func TestQueue_Full(t *testing.T) {
	q := NewQueue(1)
	require.NoError(t, q.Enqueue(Task{ID: "a"}))
	require.ErrorIs(t, q.Enqueue(Task{ID: "b"}), ErrQueueFull)
}
