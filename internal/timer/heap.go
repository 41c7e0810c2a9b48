package timer

import (
	"container/heap"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// TimerTask represents a task scheduled for future execution
type TimerTask struct {
	ID       string
	ExpiryAt time.Time
	Callback func()
	index    int // index in the heap (for heap.Interface)
}

// timerHeap is a min-heap of TimerTasks ordered by ExpiryAt
type timerHeap []*TimerTask

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	return h[i].ExpiryAt.Before(h[j].ExpiryAt)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x interface{}) {
	n := len(*h)
	task := x.(*TimerTask)
	task.index = n
	*h = append(*h, task)
}

func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	task := old[n-1]
	old[n-1] = nil  // avoid memory leak
	task.index = -1 // for safety
	*h = old[0 : n-1]
	return task
}

// TimerManager runs callbacks at their expiry time on a fixed pool of
// workers. At most `workers` callbacks execute concurrently; expired tasks
// wait in the queue until a worker is free.
type TimerManager struct {
	heap     timerHeap
	mu       sync.Mutex
	wakeup   chan struct{}
	taskCh   chan *TimerTask
	tasks    map[string]*TimerTask // for O(1) lookup by ID
	workers  int
	workerWg sync.WaitGroup
	started  bool
	stopped  bool
	stopCh   chan struct{}
	doneCh   chan struct{}
	logger   *zap.Logger

	executed atomic.Int64
	running  atomic.Int64
	panics   atomic.Int64
}

// Option configures a TimerManager
type Option func(*TimerManager)

// WithLogger reports recovered callback panics to logger.
func WithLogger(logger *zap.Logger) Option {
	return func(tm *TimerManager) { tm.logger = logger }
}

// NewTimerManager creates a new timer manager with a worker pool
func NewTimerManager(workers int, opts ...Option) *TimerManager {
	if workers <= 0 {
		workers = 1
	}
	tm := &TimerManager{
		heap:    make(timerHeap, 0),
		wakeup:  make(chan struct{}, 1),
		taskCh:  make(chan *TimerTask, workers),
		tasks:   make(map[string]*TimerTask),
		workers: workers,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(tm)
	}
	heap.Init(&tm.heap)
	return tm
}

// Start starts the timer manager and its worker pool
func (tm *TimerManager) Start() {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if tm.started || tm.stopped {
		return
	}
	tm.started = true

	for i := 0; i < tm.workers; i++ {
		tm.workerWg.Add(1)
		go tm.worker()
	}

	go tm.run()
}

// Stop discards pending tasks and waits for running callbacks to return.
func (tm *TimerManager) Stop() {
	tm.mu.Lock()
	if tm.stopped {
		tm.mu.Unlock()
		return
	}
	tm.stopped = true
	started := tm.started
	close(tm.stopCh)
	tm.heap = tm.heap[:0]
	tm.tasks = make(map[string]*TimerTask)
	tm.mu.Unlock()

	if started {
		<-tm.doneCh
	}
	tm.workerWg.Wait()
}

// Schedule adds a new task to be executed at the specified time. A task
// with the same ID that has not fired yet is replaced.
func (tm *TimerManager) Schedule(id string, expiryAt time.Time, callback func()) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if tm.stopped {
		return ErrManagerStopped
	}

	if existing, ok := tm.tasks[id]; ok {
		heap.Remove(&tm.heap, existing.index)
		delete(tm.tasks, id)
	}

	task := &TimerTask{
		ID:       id,
		ExpiryAt: expiryAt,
		Callback: callback,
	}

	heap.Push(&tm.heap, task)
	tm.tasks[id] = task

	// Wake up the scheduler if this is the earliest task
	if tm.heap[0] == task {
		select {
		case tm.wakeup <- struct{}{}:
		default:
		}
	}

	return nil
}

// Cancel removes a scheduled task. It returns false when the task is
// unknown or has already been handed to a worker.
func (tm *TimerManager) Cancel(id string) bool {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	task, ok := tm.tasks[id]
	if !ok {
		return false
	}

	heap.Remove(&tm.heap, task.index)
	delete(tm.tasks, id)
	return true
}

// run is the main scheduler loop
func (tm *TimerManager) run() {
	defer close(tm.doneCh)

	for {
		tm.mu.Lock()

		if tm.stopped {
			tm.mu.Unlock()
			return
		}

		var waitDuration time.Duration
		if tm.heap.Len() == 0 {
			// No tasks, wait until woken
			waitDuration = 24 * time.Hour
		} else {
			nextTask := tm.heap[0]
			waitDuration = time.Until(nextTask.ExpiryAt)

			if waitDuration <= 0 {
				task := heap.Pop(&tm.heap).(*TimerTask)
				delete(tm.tasks, task.ID)
				tm.mu.Unlock()

				// Hand off to the pool; blocks while every worker is busy
				select {
				case tm.taskCh <- task:
				case <-tm.stopCh:
					return
				}
				continue
			}
		}

		tm.mu.Unlock()

		timer := time.NewTimer(waitDuration)
		select {
		case <-timer.C:
		case <-tm.wakeup:
			timer.Stop()
		case <-tm.stopCh:
			timer.Stop()
			return
		}
	}
}

// worker processes tasks from the task channel
func (tm *TimerManager) worker() {
	defer tm.workerWg.Done()

	for {
		select {
		case task := <-tm.taskCh:
			tm.execute(task)
		case <-tm.stopCh:
			return
		}
	}
}

func (tm *TimerManager) execute(task *TimerTask) {
	tm.running.Add(1)
	defer func() {
		tm.running.Add(-1)
		tm.executed.Add(1)
		if r := recover(); r != nil {
			tm.panics.Add(1)
			tm.logger.Error("timer callback panicked",
				zap.String("task_id", task.ID),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
		}
	}()

	task.Callback()
}

// Stats returns statistics about the timer manager
func (tm *TimerManager) Stats() TimerStats {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	return TimerStats{
		ScheduledTasks: len(tm.tasks),
		Workers:        tm.workers,
		Running:        int(tm.running.Load()),
		Executed:       tm.executed.Load(),
		Panics:         tm.panics.Load(),
	}
}

// TimerStats contains statistics about the timer manager
type TimerStats struct {
	ScheduledTasks int
	Workers        int
	Running        int
	Executed       int64
	Panics         int64
}

var (
	ErrManagerStopped = &TimerError{"timer manager is stopped"}
)

// TimerError represents a timer error
type TimerError struct {
	msg string
}

func (e *TimerError) Error() string {
	return e.msg
}
