// Package workflow is the in-repo reference implementation of the
// external workflow engine spec.md places out of scope ("creates and
// tracks long-running jobs"). The reboot orchestrator depends only on
// the Engine interface; this package exists so the core is testable
// without a real workflow service.
//
// Grounded on the teacher's internal/coordinator/executor.go +
// plan.go: an execution is created, runs independently, and reports a
// terminal status the caller observes asynchronously — generalized here
// from multi-step DAG plans to single opaque jobs.
package workflow

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// JobStatus is a job's terminal or in-flight state.
type JobStatus string

const (
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// JobSpec describes the work a job performs; opaque to the workflow
// engine itself, which only tracks lifecycle.
type JobSpec struct {
	Kind       string // e.g. "reboot"
	ServerUUID string
	Params     map[string]any
}

// Event is emitted on a job's completion channel exactly once.
type Event struct {
	JobUUID string
	Status  JobStatus
	Error   string
}

// Engine is the subset of workflow-engine behavior the core depends on.
type Engine interface {
	CreateJob(ctx context.Context, spec JobSpec) (string, error)
	Watch(jobUUID string) (<-chan Event, error)
}

type job struct {
	spec   JobSpec
	status JobStatus
	subs   []chan Event
}

// InProcessEngine is a reference Engine that runs jobs synchronously via
// a caller-supplied Runner and reports completion on a per-job event
// channel — enough to exercise the reboot orchestrator's watch-for-
// terminal-event logic without a real job-execution backend.
type InProcessEngine struct {
	mu   sync.Mutex
	jobs map[string]*job
	run  Runner
}

// Runner performs the actual work a job represents. It is called in its
// own goroutine by CreateJob; its return value determines the job's
// terminal status.
type Runner func(ctx context.Context, spec JobSpec) error

// NewInProcessEngine creates an Engine that drives every job through
// run. A nil run always succeeds immediately — useful for tests that
// drive completion via CompleteJob instead.
func NewInProcessEngine(run Runner) *InProcessEngine {
	return &InProcessEngine{jobs: map[string]*job{}, run: run}
}

// CreateJob registers a new job and, if a Runner was supplied, starts it
// in a background goroutine.
func (e *InProcessEngine) CreateJob(ctx context.Context, spec JobSpec) (string, error) {
	jobUUID := uuid.NewString()
	e.mu.Lock()
	e.jobs[jobUUID] = &job{spec: spec, status: JobRunning}
	e.mu.Unlock()

	if e.run != nil {
		go func() {
			err := e.run(ctx, spec)
			if err != nil {
				e.complete(jobUUID, JobFailed, err.Error())
			} else {
				e.complete(jobUUID, JobSucceeded, "")
			}
		}()
	}
	return jobUUID, nil
}

// Watch returns a channel that receives exactly one Event when jobUUID
// reaches a terminal status.
func (e *InProcessEngine) Watch(jobUUID string) (<-chan Event, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	j, ok := e.jobs[jobUUID]
	if !ok {
		return nil, fmt.Errorf("job %s not found", jobUUID)
	}
	ch := make(chan Event, 1)
	if j.status != JobRunning {
		ch <- Event{JobUUID: jobUUID, Status: j.status}
		close(ch)
		return ch, nil
	}
	j.subs = append(j.subs, ch)
	return ch, nil
}

// CompleteJob lets a test (or an ops-triggered driver, for a Runner-less
// engine) report a job's terminal status directly.
func (e *InProcessEngine) CompleteJob(jobUUID string, status JobStatus, errMsg string) error {
	return e.complete(jobUUID, status, errMsg)
}

func (e *InProcessEngine) complete(jobUUID string, status JobStatus, errMsg string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	j, ok := e.jobs[jobUUID]
	if !ok {
		return fmt.Errorf("job %s not found", jobUUID)
	}
	if j.status != JobRunning {
		return nil
	}
	j.status = status
	for _, ch := range j.subs {
		ch <- Event{JobUUID: jobUUID, Status: status, Error: errMsg}
		close(ch)
	}
	j.subs = nil
	return nil
}
