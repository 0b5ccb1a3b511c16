package queue

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/rudderlabs/rudder-go-kit/logger"

	"github.com/rudderlabs/rudder-dw-pipeline/pipeline/logfield"
)

// Local runs every task on its own goroutine inside the process.
type Local struct {
	logger logger.Logger
	newID  func() string

	mu       sync.RWMutex
	handlers map[string]Handler
	tasks    map[string]*TaskInfo

	background struct {
		group  *errgroup.Group
		ctx    context.Context
		cancel context.CancelFunc
	}
}

func NewLocal(log logger.Logger) *Local {
	return &Local{
		logger:   log.Child("queue").Child("local"),
		newID:    uuid.NewString,
		handlers: make(map[string]Handler),
		tasks:    make(map[string]*TaskInfo),
	}
}

func (l *Local) Register(taskType string, h Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.handlers[taskType] = h
}

func (l *Local) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.background.group != nil {
		return nil
	}
	gCtx, cancel := context.WithCancel(ctx)
	l.background.group, l.background.ctx = errgroup.WithContext(gCtx)
	l.background.cancel = cancel
	return nil
}

func (l *Local) Submit(_ context.Context, taskType string, payload []byte) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.background.group == nil {
		return "", ErrSubstrateNotReady
	}
	h, ok := l.handlers[taskType]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTaskType, taskType)
	}

	task := &Task{ID: l.newID(), Type: taskType, Payload: payload}
	l.tasks[task.ID] = &TaskInfo{ID: task.ID, Type: taskType, Queue: "local", State: TaskStateQueued}

	ctx := l.background.ctx
	l.background.group.Go(func() error {
		l.run(ctx, h, task)
		return nil
	})
	return task.ID, nil
}

func (l *Local) run(ctx context.Context, h Handler, task *Task) {
	l.setState(task.ID, func(info *TaskInfo) { info.State = TaskStateRunning })

	result, err := h(ctx, task)
	if err != nil {
		l.logger.Warnn("task failed",
			logger.NewStringField(logfield.TaskID, task.ID),
			logger.NewStringField(logfield.TaskType, task.Type),
			logger.NewErrorField(err),
		)
		l.setState(task.ID, func(info *TaskInfo) {
			info.State = TaskStateFailed
			info.LastError = err.Error()
		})
		return
	}
	l.setState(task.ID, func(info *TaskInfo) {
		info.State = TaskStateSucceeded
		info.Result = result
	})
}

func (l *Local) setState(id string, fn func(*TaskInfo)) {
	l.mu.Lock()
	defer l.mu.Unlock()

	fn(l.tasks[id])
}

func (l *Local) Info(_ context.Context, taskID string) (TaskInfo, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	info, ok := l.tasks[taskID]
	if !ok {
		return TaskInfo{}, fmt.Errorf("%s: %w", taskID, ErrTaskNotFound)
	}
	return *info, nil
}

// Wait blocks until every submitted task has returned.
func (l *Local) Wait() {
	l.mu.RLock()
	g := l.background.group
	l.mu.RUnlock()

	if g != nil {
		_ = g.Wait()
	}
}

// Shutdown cancels running tasks and waits for them to return.
func (l *Local) Shutdown() {
	l.mu.Lock()
	g, cancel := l.background.group, l.background.cancel
	l.background.group = nil
	l.mu.Unlock()

	if g == nil {
		return
	}
	cancel()
	_ = g.Wait()
}
