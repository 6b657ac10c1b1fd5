// Package tasks implements the task dispatch layer (spec.md §4.C):
// asynchronous commands sent to CN agents, tracked as persisted task
// objects, with get and wait-until-complete semantics.
//
// Grounded on the teacher's internal/coordinator/waiter.go
// (event-driven WaitForTask over a bus subscription, not polling) and
// internal/persistence/tasks.go (task CRUD + append-only event history).
package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/basket/fleetcore/internal/bus"
	"github.com/basket/fleetcore/internal/fleeterr"
	"github.com/basket/fleetcore/internal/model"
	"github.com/basket/fleetcore/internal/store"
)

func completionTopic(taskID string) string { return "internal.task.completed." + taskID }

// Service dispatches commands to CN agents and tracks them as tasks.
type Service struct {
	store  store.Store
	broker bus.Broker
	logger *slog.Logger
}

// New creates a task dispatch Service.
func New(st store.Store, broker bus.Broker, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, broker: broker, logger: logger}
}

// Dispatch publishes a provisioner task command to serverUUID's CN agent
// and immediately persists a Task record with status=active and an empty
// event log.
func (s *Service) Dispatch(ctx context.Context, serverUUID, resource, taskName string, command map[string]any, timeoutSeconds int) (string, error) {
	taskID := uuid.NewString()
	now := time.Now().UTC()
	task := &model.Task{
		TaskID:     taskID,
		ServerUUID: serverUUID,
		Status:     model.TaskActive,
		History:    []model.TaskEvent{},
		Timeout:    timeoutSeconds,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	body, err := json.Marshal(task)
	if err != nil {
		return "", fleeterr.Wrap(fleeterr.Internal, err, "marshal task")
	}
	etag, err := s.store.Put(ctx, store.BucketTasks, taskID, body, "")
	if err != nil {
		return "", fleeterr.Wrap(fleeterr.Internal, err, "persist task")
	}
	task.ETag = etag

	payload := map[string]any{"taskid": taskID, "req_id": taskID, "params": command}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fleeterr.Wrap(fleeterr.Internal, err, "marshal command")
	}
	if err := s.broker.Publish(ctx, bus.TaskCommandRoutingKey(resource, serverUUID, taskName), raw); err != nil {
		return "", fleeterr.Wrap(fleeterr.NotConnected, err, "publish task command")
	}
	return taskID, nil
}

// Get is a read-through lookup; returns a NotFound fleeterr if absent.
func (s *Service) Get(ctx context.Context, taskID string) (*model.Task, error) {
	task, etag, err := store.GetDecode[model.Task](ctx, s.store, store.BucketTasks, taskID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fleeterr.New(fleeterr.NotFound, "task %s not found", taskID)
	}
	if err != nil {
		return nil, fleeterr.Wrap(fleeterr.Internal, err, "read task")
	}
	task.ETag = etag
	return task, nil
}

// WaitResult is returned by Wait.
type WaitResult struct {
	Task    *model.Task
	TimedOut bool
}

// Wait returns immediately if the task is already terminal; otherwise it
// registers a waiter and blocks until the terminal event arrives or
// timeout elapses. On timeout the caller gets the last-known task state
// with TimedOut=true — this is not an error (spec.md §7).
func (s *Service) Wait(ctx context.Context, taskID string, timeout time.Duration) (WaitResult, error) {
	task, err := s.Get(ctx, taskID)
	if err != nil {
		return WaitResult{}, err
	}
	if task.Terminal() {
		return WaitResult{Task: task}, nil
	}

	queueName := fmt.Sprintf("internal.task-wait.%s.%s", taskID, uuid.NewString())
	if err := s.broker.DeclareQueue(ctx, queueName); err != nil {
		return WaitResult{}, fleeterr.Wrap(fleeterr.NotConnected, err, "declare wait queue")
	}
	defer func() { _ = s.broker.DeleteQueue(context.Background(), queueName) }()
	if err := s.broker.Bind(ctx, queueName, completionTopic(taskID)); err != nil {
		return WaitResult{}, fleeterr.Wrap(fleeterr.NotConnected, err, "bind wait queue")
	}
	deliveries, err := s.broker.Consume(ctx, queueName)
	if err != nil {
		return WaitResult{}, fleeterr.Wrap(fleeterr.NotConnected, err, "consume wait queue")
	}

	// Re-check after subscribing: the terminal event may have landed
	// between our first Get and the bind above.
	task, err = s.Get(ctx, taskID)
	if err != nil {
		return WaitResult{}, err
	}
	if task.Terminal() {
		return WaitResult{Task: task}, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case d := <-deliveries:
		var t model.Task
		if err := json.Unmarshal(d.Payload, &t); err != nil {
			return WaitResult{}, fleeterr.Wrap(fleeterr.Internal, err, "decode completion event")
		}
		return WaitResult{Task: &t}, nil
	case <-timer.C:
		last, err := s.Get(ctx, taskID)
		if err != nil {
			return WaitResult{}, err
		}
		return WaitResult{Task: last, TimedOut: true}, nil
	case <-ctx.Done():
		return WaitResult{}, fleeterr.Wrap(fleeterr.Timeout, ctx.Err(), "wait canceled")
	}
}

// ProgressEvent is one event streamed back from a CN agent for a
// dispatched task.
type ProgressEvent struct {
	TaskID  string         `json:"taskid"`
	Name    string         `json:"name"`
	Payload map[string]any `json:"payload"`
	Final   *string        `json:"final,omitempty"` // "complete" or "failure"
}

// HandleEvent appends an inbound progress event to the task's history
// and, on a terminal event, flips status and wakes every waiter exactly
// once via the internal completion topic.
func (s *Service) HandleEvent(ctx context.Context, ev ProgressEvent) error {
	var finalStatus model.TaskStatus
	switch {
	case ev.Final == nil:
		finalStatus = ""
	case *ev.Final == "complete":
		finalStatus = model.TaskComplete
	case *ev.Final == "failure":
		finalStatus = model.TaskFailure
	default:
		return fleeterr.New(fleeterr.InvalidParameters, "unknown terminal event %q", *ev.Final)
	}

	updated, _, err := store.UpdateWithRetry(ctx, s.store, store.BucketTasks, ev.TaskID, store.DefaultMaxAttempts,
		func(current *model.Task, exists bool) (*model.Task, error) {
			if !exists {
				return nil, fleeterr.New(fleeterr.NotFound, "task %s not found", ev.TaskID)
			}
			current.History = append(current.History, model.TaskEvent{
				Name:      ev.Name,
				Payload:   ev.Payload,
				Timestamp: time.Now().UTC(),
			})
			current.UpdatedAt = time.Now().UTC()
			if finalStatus != "" {
				current.Status = finalStatus
			}
			return current, nil
		})
	if err != nil {
		return fleeterr.Wrap(fleeterr.Internal, err, "apply task event")
	}

	if finalStatus != "" {
		body, err := json.Marshal(updated)
		if err != nil {
			return fleeterr.Wrap(fleeterr.Internal, err, "marshal completed task")
		}
		if err := s.broker.Publish(ctx, completionTopic(ev.TaskID), body); err != nil {
			s.logger.Warn("failed to publish task completion", "task_id", ev.TaskID, "error", err)
		}
	}
	return nil
}
