package lsoe

import (
	"container/heap"
	"time"
)

// Deadline reasons serviced by the engine scheduler.
type deadlineReason int

const (
	reasonSession deadlineReason = iota + 1
	reasonHello
	reasonReassemblyGC
	reasonMACCacheGC
)

// deadline is one pending wake-up in the scheduler heap.  Session
// entries are not removed when the session's deadlines move: a popped
// entry for a live session runs its timer check and reschedules it,
// and one for a session that no longer exists is dropped.
type deadline struct {
	when   time.Time
	reason deadlineReason
	key    PeerKey
}

type deadlineHeap []deadline

func (h deadlineHeap) Len() int            { return len(h) }
func (h deadlineHeap) Less(i, j int) bool  { return h[i].when.Before(h[j].when) }
func (h deadlineHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *deadlineHeap) Push(x interface{}) { *h = append(*h, x.(deadline)) }
func (h *deadlineHeap) Pop() interface{} {
	old := *h
	n := len(old)
	d := old[n-1]
	*h = old[:n-1]
	return d
}

// scheduler is a min-heap of (deadline, owner, reason) entries.  The
// engine waits on its event queue with a timeout of the earliest entry.
type scheduler struct {
	h deadlineHeap
}

func newScheduler() *scheduler {
	s := &scheduler{}
	heap.Init(&s.h)
	return s
}

func (s *scheduler) schedule(d deadline) {
	heap.Push(&s.h, d)
}

// peek returns the earliest pending deadline.
func (s *scheduler) peek() (deadline, bool) {
	if len(s.h) == 0 {
		return deadline{}, false
	}
	return s.h[0], true
}

// pop removes and returns the earliest pending deadline.
func (s *scheduler) pop() (deadline, bool) {
	if len(s.h) == 0 {
		return deadline{}, false
	}
	return heap.Pop(&s.h).(deadline), true
}
