// Package queue runs pipeline units of work on a task execution substrate.
package queue

import (
	"context"
	"errors"
)

var (
	ErrTaskNotFound      = errors.New("task not found")
	ErrUnknownTaskType   = errors.New("no handler registered for task type")
	ErrSubstrateNotReady = errors.New("substrate is not running")
)

type TaskState string

const (
	TaskStateQueued    TaskState = "queued"
	TaskStateRunning   TaskState = "running"
	TaskStateRetrying  TaskState = "retrying"
	TaskStateSucceeded TaskState = "succeeded"
	TaskStateFailed    TaskState = "failed"
)

type Task struct {
	ID      string
	Type    string
	Payload []byte
}

// Handler executes a task. The returned bytes are kept as the task result.
type Handler func(ctx context.Context, task *Task) ([]byte, error)

type TaskInfo struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Queue     string    `json:"queue"`
	State     TaskState `json:"state"`
	Result    []byte    `json:"result,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

// Substrate executes submitted tasks asynchronously, at least once.
type Substrate interface {
	Register(taskType string, h Handler)
	Submit(ctx context.Context, taskType string, payload []byte) (string, error)
	Info(ctx context.Context, taskID string) (TaskInfo, error)
	Start(ctx context.Context) error
	Shutdown()
}
