// Package queue implements a priority-ordered worker pool.
package queue

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/adap-ai/adap/internal/errs"
	"github.com/adap-ai/adap/internal/logging"
)

// DefaultPriority is used by callers that have no preference.
const DefaultPriority = 10

// ErrQueueStopped is returned by Put after Stop.
var ErrQueueStopped = errs.New(errs.ErrConfiguration, "task queue stopped")

// Task is a unit of work with its arguments already bound.
type Task func(ctx context.Context) error

type item struct {
	id         string
	priority   int
	seq        uint64
	enqueuedAt time.Time
	task       Task
}

// taskHeap orders by priority, then enqueue sequence.
type taskHeap []*item

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x any)   { *h = append(*h, x.(*item)) }
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// Options configures a Queue.
type Options struct {
	Workers      int
	PollInterval time.Duration
	JoinTimeout  time.Duration
	Logger       *log.Logger
}

// Queue dispatches tasks to a fixed pool of workers, lowest priority
// first and FIFO within a priority.
type Queue struct {
	opts   Options
	logger *log.Logger

	mu      sync.Mutex
	items   taskHeap
	seq     uint64
	started bool
	stopped bool

	notify chan struct{}
	stop   chan struct{}
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Queue. Workers do not run until Start.
func New(opts Options) *Queue {
	if opts.Workers <= 0 {
		opts.Workers = 3
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 200 * time.Millisecond
	}
	if opts.JoinTimeout <= 0 {
		opts.JoinTimeout = 500 * time.Millisecond
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		opts:   opts,
		logger: logging.OrDiscard(opts.Logger),
		notify: make(chan struct{}, opts.Workers),
		stop:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches the workers. Calling it twice is a no-op.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started || q.stopped {
		return
	}
	q.started = true

	for i := 0; i < q.opts.Workers; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}
	q.logger.Debug("task queue started", "workers", q.opts.Workers)
}

// Put enqueues task and returns its ID. It never blocks on workers.
func (q *Queue) Put(task Task, priority int) (string, error) {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return "", ErrQueueStopped
	}
	q.seq++
	it := &item{
		id:         uuid.NewString(),
		priority:   priority,
		seq:        q.seq,
		enqueuedAt: time.Now(),
		task:       task,
	}
	heap.Push(&q.items, it)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return it.id, nil
}

// Len returns the number of tasks waiting.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Stop signals workers to exit after their current task and waits up to
// the join timeout. Tasks still queued are dropped; their count is
// returned.
func (q *Queue) Stop() int {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return 0
	}
	q.stopped = true
	close(q.stop)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(q.opts.JoinTimeout):
		q.logger.Warn("task queue workers still busy after join timeout", "timeout", q.opts.JoinTimeout)
	}
	q.cancel()

	q.mu.Lock()
	dropped := q.items.Len()
	q.items = nil
	q.mu.Unlock()

	if dropped > 0 {
		q.logger.Info("dropped queued tasks on shutdown", "count", dropped)
	}
	return dropped
}

func (q *Queue) pop() (*item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped || q.items.Len() == 0 {
		return nil, false
	}
	return heap.Pop(&q.items).(*item), true
}

func (q *Queue) worker(n int) {
	defer q.wg.Done()

	timer := time.NewTimer(q.opts.PollInterval)
	defer timer.Stop()

	for {
		select {
		case <-q.stop:
			return
		default:
		}

		if it, ok := q.pop(); ok {
			q.run(n, it)
			continue
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(q.opts.PollInterval)

		select {
		case <-q.stop:
			return
		case <-q.notify:
		case <-timer.C:
		}
	}
}

func (q *Queue) run(worker int, it *item) {
	err := q.call(it)
	if err != nil {
		q.logger.Warn("task failed", "id", it.id, "worker", worker, "priority", it.priority, "error", err)
	} else {
		q.logger.Debug("task done", "id", it.id, "worker", worker, "waited", time.Since(it.enqueuedAt))
	}

}

func (q *Queue) call(it *item) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panic: %v", r)
		}
	}()
	return it.task(context.WithValue(q.ctx, taskIDKey{}, it.id))
}

type taskIDKey struct{}

// TaskID returns the ID of the task running with ctx.
func TaskID(ctx context.Context) string {
	id, _ := ctx.Value(taskIDKey{}).(string)
	return id
}
