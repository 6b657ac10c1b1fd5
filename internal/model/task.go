package model

import "time"

// TaskStatus is the lifecycle state of a dispatched command task.
type TaskStatus string

const (
	TaskActive   TaskStatus = "active"
	TaskComplete TaskStatus = "complete"
	TaskFailure  TaskStatus = "failure"
)

// TaskEvent is one entry in a task's append-only history.
type TaskEvent struct {
	Name      string         `json:"name"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Task tracks an asynchronous command dispatched to a CN agent.
type Task struct {
	TaskID     string       `json:"taskid"`
	ServerUUID string       `json:"server_uuid"`
	Status     TaskStatus   `json:"status"`
	History    []TaskEvent  `json:"history"`
	Timeout    int          `json:"timeout"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
	ETag       string       `json:"etag"`
}

func (t *Task) Terminal() bool {
	return t.Status == TaskComplete || t.Status == TaskFailure
}
