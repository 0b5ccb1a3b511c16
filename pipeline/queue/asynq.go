package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/samber/lo"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"

	"github.com/rudderlabs/rudder-dw-pipeline/pipeline/logfield"
)

const defaultQueue = "pipeline"

// Asynq runs tasks on asynq workers backed by Redis.
// Retries are owned by the pipeline, so asynq never retries a task.
type Asynq struct {
	logger    logger.Logger
	client    *asynq.Client
	inspector *asynq.Inspector
	server    *asynq.Server
	mux       *asynq.ServeMux
	routes    map[string]string
	queues    []string

	config struct {
		retention time.Duration
	}
}

// NewAsynq connects to Redis using the Redis.* keys. routes maps task types to queue names, unrouted types use the pipeline queue.
func NewAsynq(conf *config.Config, log logger.Logger, routes map[string]string) *Asynq {
	redisOpt := asynq.RedisClientOpt{
		Addr:     conf.GetString("Redis.addr", "localhost:6379"),
		Password: conf.GetString("Redis.password", ""),
		DB:       conf.GetInt("Redis.db", 0),
	}

	a := &Asynq{
		logger:    log.Child("queue").Child("asynq"),
		client:    asynq.NewClient(redisOpt),
		inspector: asynq.NewInspector(redisOpt),
		mux:       asynq.NewServeMux(),
		routes:    routes,
	}
	a.config.retention = conf.GetDuration("Asynq.retention", 1, time.Hour)

	priorities := map[string]int{defaultQueue: 1}
	for _, q := range routes {
		priorities[q] = 1
	}
	a.queues = lo.Keys(priorities)

	a.server = asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: conf.GetInt("Asynq.concurrency", 10),
		Queues:      priorities,
		Logger:      a.logger,
	})
	return a
}

func (a *Asynq) queueFor(taskType string) string {
	if q, ok := a.routes[taskType]; ok {
		return q
	}
	return defaultQueue
}

func (a *Asynq) Register(taskType string, h Handler) {
	a.mux.HandleFunc(taskType, func(ctx context.Context, t *asynq.Task) error {
		id, _ := asynq.GetTaskID(ctx)

		result, err := h(ctx, &Task{ID: id, Type: t.Type(), Payload: t.Payload()})
		if err != nil {
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		if rw := t.ResultWriter(); rw != nil && len(result) > 0 {
			if _, err := rw.Write(result); err != nil {
				a.logger.Warnn("writing task result",
					logger.NewStringField(logfield.TaskID, id),
					logger.NewErrorField(err),
				)
			}
		}
		return nil
	})
}

func (a *Asynq) Submit(ctx context.Context, taskType string, payload []byte) (string, error) {
	info, err := a.client.EnqueueContext(ctx, asynq.NewTask(taskType, payload),
		asynq.Queue(a.queueFor(taskType)),
		asynq.TaskID(uuid.NewString()),
		asynq.MaxRetry(0),
		asynq.Retention(a.config.retention),
	)
	if err != nil {
		return "", fmt.Errorf("enqueueing %s: %w", taskType, err)
	}
	return info.ID, nil
}

func (a *Asynq) Info(_ context.Context, taskID string) (TaskInfo, error) {
	for _, q := range a.queues {
		info, err := a.inspector.GetTaskInfo(q, taskID)
		if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
			continue
		}
		if err != nil {
			return TaskInfo{}, fmt.Errorf("inspecting task %s: %w", taskID, err)
		}
		return TaskInfo{
			ID:        info.ID,
			Type:      info.Type,
			Queue:     info.Queue,
			State:     stateOf(info.State),
			Result:    info.Result,
			LastError: info.LastErr,
		}, nil
	}
	return TaskInfo{}, fmt.Errorf("%s: %w", taskID, ErrTaskNotFound)
}

func stateOf(s asynq.TaskState) TaskState {
	switch s {
	case asynq.TaskStateActive:
		return TaskStateRunning
	case asynq.TaskStateRetry:
		return TaskStateRetrying
	case asynq.TaskStateArchived:
		return TaskStateFailed
	case asynq.TaskStateCompleted:
		return TaskStateSucceeded
	default:
		return TaskStateQueued
	}
}

// Start runs the worker server. Submit and Info work without it.
func (a *Asynq) Start(context.Context) error {
	if err := a.server.Start(a.mux); err != nil {
		return fmt.Errorf("starting asynq server: %w", err)
	}
	return nil
}

func (a *Asynq) Shutdown() {
	a.server.Shutdown()
	if err := a.client.Close(); err != nil {
		a.logger.Warnn("closing asynq client", logger.NewErrorField(err))
	}
	if err := a.inspector.Close(); err != nil {
		a.logger.Warnn("closing asynq inspector", logger.NewErrorField(err))
	}
}
