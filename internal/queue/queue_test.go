package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQueueFIFOOrder(t *testing.T) {
	q := NewQueue[int](2)
	q.Push(1)
	q.Push(2)
	q.Push(3) // forces grow()

	assert.Equal(t, 3, q.Len())
	v, ok := q.Pop()
	assert.True(t, ok)
	assert.Equal(t, 1, v)
	v, ok = q.Pop()
	assert.True(t, ok)
	assert.Equal(t, 2, v)
	v, ok = q.Pop()
	assert.True(t, ok)
	assert.Equal(t, 3, v)

	_, ok = q.Pop()
	assert.False(t, ok)
}

func TestQueuePeekDoesNotRemove(t *testing.T) {
	q := NewQueue[string](4)
	q.Push("a")
	v, ok := q.Peek()
	assert.True(t, ok)
	assert.Equal(t, "a", v)
	assert.Equal(t, 1, q.Len())
}

func TestQueueGrowPreservesOrderAfterWrap(t *testing.T) {
	q := NewQueue[int](2)
	q.Push(1)
	q.Push(2)
	v, _ := q.Pop()
	assert.Equal(t, 1, v)
	q.Push(3)
	q.Push(4) // queue is full and wrapped (readPos 1, writePos 1): grows
	q.Push(5)

	assert.Equal(t, []int{2, 3, 4, 5}, q.Drain())
	assert.Equal(t, 0, q.Len())
}
