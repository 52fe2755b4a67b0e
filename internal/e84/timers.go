package e84

import (
	"container/heap"
	"sync"
	"time"
)

// Scheduler arms and disarms the protocol timers. The machine remembers
// the generation returned by Arm and discards fired events whose
// generation no longer matches; a Disarm therefore never has to race the
// in-flight expiry.
type Scheduler interface {
	Arm(tp TP, d time.Duration) uint64
	Disarm(tp TP)
}

type timerEntry struct {
	deadline time.Time
	tp       TP
	gen      uint64
}

type timerHeap []timerEntry

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *timerHeap) Push(x interface{}) { *h = append(*h, x.(timerEntry)) }
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// HeapScheduler is the production Scheduler: a monotonic min-heap keyed by
// deadline, serviced by one goroutine. Cancellation is by generation
// counter; stale entries stay in the heap and are dropped unposted when
// they come due. An expiry already posted before a Disarm is discarded by
// the machine on dequeue.
type HeapScheduler struct {
	mu      sync.Mutex
	entries timerHeap
	gens    [TP5 + 1]uint64
	wake    chan struct{}
	stop    chan struct{}
	done    chan struct{}
	post    func(tp TP, gen uint64)
	now     func() time.Time
}

// NewHeapScheduler creates a scheduler posting expiries through post.
// The post function is called from the scheduler goroutine and must not
// block for long; in the controller it enqueues onto the event queue.
func NewHeapScheduler(post func(tp TP, gen uint64)) *HeapScheduler {
	return &HeapScheduler{
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
		done: make(chan struct{}),
		post: post,
		now:  time.Now,
	}
}

func (s *HeapScheduler) Arm(tp TP, d time.Duration) uint64 {
	s.mu.Lock()
	s.gens[tp]++
	gen := s.gens[tp]
	heap.Push(&s.entries, timerEntry{deadline: s.now().Add(d), tp: tp, gen: gen})
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return gen
}

func (s *HeapScheduler) Disarm(tp TP) {
	s.mu.Lock()
	s.gens[tp]++
	s.mu.Unlock()
}

// Run services the heap until Stop is called.
func (s *HeapScheduler) Run() {
	defer close(s.done)
	for {
		s.mu.Lock()
		var wait time.Duration = time.Hour
		for s.entries.Len() > 0 {
			next := s.entries[0]
			d := next.deadline.Sub(s.now())
			if d > 0 {
				wait = d
				break
			}
			heap.Pop(&s.entries)
			current := s.gens[next.tp] == next.gen
			s.mu.Unlock()
			if current {
				s.post(next.tp, next.gen)
			}
			s.mu.Lock()
		}
		s.mu.Unlock()

		t := time.NewTimer(wait)
		select {
		case <-s.stop:
			t.Stop()
			return
		case <-s.wake:
			t.Stop()
		case <-t.C:
		}
	}
}

func (s *HeapScheduler) Stop() {
	close(s.stop)
	<-s.done
}
