package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/choraleia/inkos/pkg/event"
	"github.com/choraleia/inkos/pkg/utils"
	"github.com/google/uuid"
)

// Task types are free-form strings.

type TaskType string

const TaskDispatchJobs TaskType = "jobs.dispatch"

type TaskStatus string

const (
	TaskStatusQueued    TaskStatus = "queued"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusSucceeded TaskStatus = "succeeded"
	TaskStatusFailed    TaskStatus = "failed"
)

// ErrPoolClosed is returned by Enqueue after Shutdown.
var ErrPoolClosed = errors.New("task pool closed")

type Task struct {
	ID        string     `json:"id"`
	Type      TaskType   `json:"type"`
	Status    TaskStatus `json:"status"`
	Title     string     `json:"title"`
	CreatedAt time.Time  `json:"created_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Note      string     `json:"note,omitempty"`
	Error     string     `json:"error,omitempty"`
}

type TaskRunner func(ctx context.Context, setNote func(string)) error

type taskRuntime struct {
	task   *Task
	runner TaskRunner
}

// TaskService is a bounded in-memory worker pool. At most maxWorkers tasks
// run at once; the rest wait in FIFO order.
type TaskService struct {
	mu sync.Mutex

	ctx        context.Context
	cancel     context.CancelFunc
	maxWorkers int
	workers    int
	queue      []*taskRuntime
	running    map[string]*taskRuntime
	history    []*Task
	closed     bool
	idle       *sync.Cond

	emitter *event.Emitter
	logger  *slog.Logger
}

func NewTaskService(maxWorkers int, emitter *event.Emitter) *TaskService {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &TaskService{
		ctx:        ctx,
		cancel:     cancel,
		maxWorkers: maxWorkers,
		running:    make(map[string]*taskRuntime),
		emitter:    emitter,
		logger:     utils.GetLogger(),
	}
	s.idle = sync.NewCond(&s.mu)
	return s
}

// Enqueue schedules runner on the pool.
func (s *TaskService) Enqueue(tt TaskType, title string, runner TaskRunner) (*Task, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrPoolClosed
	}

	t := &Task{
		ID:        uuid.NewString(),
		Type:      tt,
		Status:    TaskStatusQueued,
		Title:     title,
		CreatedAt: time.Now(),
	}
	s.queue = append(s.queue, &taskRuntime{task: t, runner: runner})
	if s.workers < s.maxWorkers {
		s.workers++
		go s.work()
	}
	snapshot := *t
	s.mu.Unlock()

	s.notify(snapshot)
	return &snapshot, nil
}

// work drains the queue and exits when it is empty.
func (s *TaskService) work() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.workers--
			if s.workers == 0 {
				s.idle.Broadcast()
			}
			s.mu.Unlock()
			return
		}

		rt := s.queue[0]
		s.queue = s.queue[1:]

		now := time.Now()
		rt.task.Status = TaskStatusRunning
		rt.task.StartedAt = &now
		s.running[rt.task.ID] = rt
		started := *rt.task
		s.mu.Unlock()
		s.notify(started)

		err := s.execute(rt)

		s.mu.Lock()
		delete(s.running, rt.task.ID)

		end := time.Now()
		rt.task.EndedAt = &end
		if err != nil {
			rt.task.Status = TaskStatusFailed
			rt.task.Error = err.Error()
		} else {
			rt.task.Status = TaskStatusSucceeded
		}

		s.history = append([]*Task{rt.task}, s.history...)
		if len(s.history) > 200 {
			s.history = s.history[:200]
		}
		finished := *rt.task
		s.mu.Unlock()
		s.notify(finished)
	}
}

func (s *TaskService) execute(rt *taskRuntime) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Task panicked", "id", rt.task.ID, "type", rt.task.Type, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return rt.runner(s.ctx, func(note string) {
		s.mu.Lock()
		rt.task.Note = note
		s.mu.Unlock()
	})
}

// notify must be called without s.mu held; listeners may call back.
func (s *TaskService) notify(t Task) {
	s.emitter.Emit(event.TaskUpdatedEvent{TaskID: t.ID, Type: string(t.Type), Status: string(t.Status)})
}

// ListRunning returns queued and running tasks.
func (s *TaskService) ListRunning() []Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Task, 0, len(s.queue)+len(s.running))
	for _, rt := range s.queue {
		out = append(out, *rt.task)
	}
	for _, rt := range s.running {
		out = append(out, *rt.task)
	}
	return out
}

// ListHistory returns finished tasks, newest first.
func (s *TaskService) ListHistory(limit int) []Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > len(s.history) {
		limit = len(s.history)
	}
	out := make([]Task, 0, limit)
	for i := 0; i < limit; i++ {
		out = append(out, *s.history[i])
	}
	return out
}

// Wait blocks until no task is queued or running, or ctx is done.
func (s *TaskService) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.mu.Lock()
		for s.workers > 0 {
			s.idle.Wait()
		}
		s.mu.Unlock()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops accepting tasks and waits for the queued ones to finish.
// Tasks still running when ctx expires see their context canceled.
func (s *TaskService) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	err := s.Wait(ctx)
	s.cancel()
	return err
}
