package priorityQueue

import (
	"container/heap"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPopOrder(t *testing.T) {
	epoch := time.Unix(0, 0)
	pq := PriorityQueue{}
	heap.Init(&pq)

	heap.Push(&pq, &Event{Deadline: epoch.Add(3 * time.Second), Seq: 0})
	heap.Push(&pq, &Event{Deadline: epoch.Add(1 * time.Second), Seq: 1})
	heap.Push(&pq, &Event{Deadline: epoch.Add(1 * time.Second), Seq: 2})
	heap.Push(&pq, &Event{Deadline: epoch.Add(2 * time.Second), Seq: 3})

	var seqs []uint64
	for pq.Len() > 0 {
		seqs = append(seqs, heap.Pop(&pq).(*Event).Seq)
	}
	assert.Equal(t, []uint64{1, 2, 3, 0}, seqs)
}

func TestRemove(t *testing.T) {
	epoch := time.Unix(0, 0)
	pq := PriorityQueue{}
	a := &Event{Deadline: epoch.Add(time.Second), Seq: 0}
	b := &Event{Deadline: epoch.Add(2 * time.Second), Seq: 1}
	heap.Push(&pq, a)
	heap.Push(&pq, b)

	require.True(t, pq.Remove(a))
	assert.False(t, pq.Remove(a), "removing twice is a no-op")
	assert.Equal(t, b, pq.Peek())

	c := &Event{Deadline: epoch, Seq: 2}
	heap.Push(&pq, c)
	assert.Equal(t, c, pq.Peek())

	popped := heap.Pop(&pq).(*Event)
	assert.Equal(t, -1, popped.Index)
	assert.False(t, pq.Remove(popped))
}
