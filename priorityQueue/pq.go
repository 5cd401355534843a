package priorityQueue

import (
	"container/heap"
	"time"
)

// An Event is a callback waiting for its deadline in a priority queue.
type Event struct {
	Deadline time.Time // when the event fires
	Seq      uint64    // insertion order, breaks ties between equal deadlines
	Fire     func()
	Index    int // The index of the item in the heap
}

// A PriorityQueue implements heap.Interface and holds Events.
type PriorityQueue []*Event

func (pq PriorityQueue) Len() int { return len(pq) }

func (pq PriorityQueue) Less(i, j int) bool {
	// We want Pop to give us the earliest deadline, so we use before here
	if pq[i].Deadline.Equal(pq[j].Deadline) {
		return pq[i].Seq < pq[j].Seq
	}
	return pq[i].Deadline.Before(pq[j].Deadline)
}

func (pq PriorityQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].Index = i
	pq[j].Index = j
}

func (pq *PriorityQueue) Push(x any) {
	n := len(*pq)
	item := x.(*Event)
	item.Index = n
	*pq = append(*pq, item)
}

func (pq *PriorityQueue) Pop() any {
	old := *pq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil  // don't stop the GC from reclaiming the item eventually
	item.Index = -1 // for safety
	*pq = old[0 : n-1]
	return item
}

// Peek returns the earliest event without removing it.
func (pq PriorityQueue) Peek() *Event {
	if len(pq) == 0 {
		return nil
	}
	return pq[0]
}

// Remove takes an event out of the queue. Events that were already popped are ignored.
func (pq *PriorityQueue) Remove(item *Event) bool {
	if item.Index < 0 || item.Index >= len(*pq) || (*pq)[item.Index] != item {
		return false
	}
	heap.Remove(pq, item.Index)
	return true
}
