package session

import (
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/charmbracelet/log"
)

var (
	ErrQueueFull   = errors.New("session queue is full")
	ErrQueueClosed = errors.New("session queue is closed")
)

// Queue runs tasks submitted under the same key one at a time, in
// submission order. Different keys run in parallel. A key's goroutine
// exits once its backlog is drained.
type Queue struct {
	mu     sync.Mutex
	lanes  map[string]*lane
	depth  int
	closed bool
	wg     sync.WaitGroup
	logger *log.Logger
}

type lane struct {
	tasks []func()
}

// NewQueue bounds each key's backlog at depth pending tasks; zero means
// unbounded.
func NewQueue(depth int, logger *log.Logger) *Queue {
	if logger == nil {
		logger = log.Default()
	}
	return &Queue{
		lanes:  make(map[string]*lane),
		depth:  depth,
		logger: logger,
	}
}

func (q *Queue) Submit(key string, task func()) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}

	l, running := q.lanes[key]
	if !running {
		l = &lane{}
		q.lanes[key] = l
	}
	if q.depth > 0 && len(l.tasks) >= q.depth {
		return ErrQueueFull
	}
	l.tasks = append(l.tasks, task)

	if !running {
		q.wg.Add(1)
		go q.drain(key, l)
	}
	return nil
}

func (q *Queue) drain(key string, l *lane) {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		if len(l.tasks) == 0 {
			delete(q.lanes, key)
			q.mu.Unlock()
			return
		}
		task := l.tasks[0]
		l.tasks[0] = nil
		l.tasks = l.tasks[1:]
		q.mu.Unlock()

		if err := q.run(task); err != nil {
			q.logger.Error("session task panicked", "key", key, "error", err)
		}
	}
}

// run turns a panic in task into an error so the lane keeps going.
func (q *Queue) run(task func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%v\n%s", r, debug.Stack())
		}
	}()
	task()
	return nil
}

// Pending reports how many tasks are waiting under key, not counting the
// one currently running.
func (q *Queue) Pending(key string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if l, ok := q.lanes[key]; ok {
		return len(l.tasks)
	}
	return 0
}

// Close stops accepting tasks. Tasks already submitted still run.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
}

// Wait blocks until every lane has drained. Submits racing with Wait must
// be stopped first with Close.
func (q *Queue) Wait() {
	q.wg.Wait()
}
