package arbiter

import (
	"sync"
	"time"

	"github.com/titanops/titan-brain/internal/domain"
)

// priorityFor orders phases for dequeue: operator-directed intents jump the
// line, then later phases, which carry larger notionals.
func priorityFor(phase domain.PhaseID) int {
	switch phase {
	case domain.PhaseManual:
		return 0
	case domain.PhaseP3:
		return 1
	case domain.PhaseP2:
		return 2
	default:
		return 3
	}
}

const priorityLevels = 4

// job is one queued intent with an optional reply channel for synchronous
// admission.
type job struct {
	intent   domain.Intent
	enqueued time.Time
	reply    chan jobResult // nil for fire-and-forget
}

type jobResult struct {
	decision domain.Decision
	err      error
}

// queue is a bounded, priority-ordered intent queue. Push fails fast when
// full rather than blocking the admission path.
type queue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	levels   [priorityLevels][]*job
	size     int
	capacity int
	closed   bool
}

func newQueue(capacity int) *queue {
	if capacity <= 0 {
		capacity = 1024
	}
	q := &queue{capacity: capacity}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

// push enqueues a job, failing when the queue is full or closed.
func (q *queue) push(j *job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return domain.Errorf(domain.KindValidation, "arbitration queue is closed")
	}
	if q.size >= q.capacity {
		return domain.Errorf(domain.KindTransientBus, "arbitration queue is full (%d)", q.capacity)
	}

	p := priorityFor(j.intent.PhaseID)
	q.levels[p] = append(q.levels[p], j)
	q.size++
	q.notEmpty.Signal()
	return nil
}

// pop blocks until a job is available or the queue is closed, returning the
// highest-priority job.
func (q *queue) pop() (*job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.size == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	if q.size == 0 {
		return nil, false
	}

	for p := 0; p < priorityLevels; p++ {
		if len(q.levels[p]) > 0 {
			j := q.levels[p][0]
			q.levels[p] = q.levels[p][1:]
			q.size--
			return j, true
		}
	}
	return nil, false
}

// close wakes all waiting workers; queued jobs drain before pop reports done.
func (q *queue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.notEmpty.Broadcast()
}

// depth returns the number of queued jobs.
func (q *queue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}
