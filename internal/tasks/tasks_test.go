package tasks

import (
	"context"
	"testing"
	"time"

	"github.com/basket/fleetcore/internal/bus"
	"github.com/basket/fleetcore/internal/fleeterr"
	"github.com/basket/fleetcore/internal/model"
	"github.com/basket/fleetcore/internal/store/sqlite"
)

func newTestService(t *testing.T) (*Service, *bus.MemoryBroker) {
	t.Helper()
	st, err := sqlite.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	broker := bus.NewMemoryBroker()
	return New(st, broker, nil), broker
}

func TestDispatchAndGet(t *testing.T) {
	svc, broker := newTestService(t)
	ctx := context.Background()

	// Drain the published command so the broker buffer doesn't matter.
	_ = broker.DeclareQueue(ctx, "drain")
	_ = broker.Bind(ctx, "drain", "#")
	_, _ = broker.Consume(ctx, "drain")

	taskID, err := svc.Dispatch(ctx, "cn-1", "vm", "machine_create", map[string]any{"ram": 512}, 60)
	if err != nil {
		t.Fatal(err)
	}

	task, err := svc.Get(ctx, taskID)
	if err != nil {
		t.Fatal(err)
	}
	if task.Status != model.TaskActive {
		t.Errorf("status = %s", task.Status)
	}
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Get(context.Background(), "nope")
	if !fleeterr.Of(err, fleeterr.NotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestWaitReturnsImmediatelyWhenAlreadyTerminal(t *testing.T) {
	svc, broker := newTestService(t)
	ctx := context.Background()
	_ = broker.DeclareQueue(ctx, "drain")
	_ = broker.Bind(ctx, "drain", "#")
	_, _ = broker.Consume(ctx, "drain")

	taskID, err := svc.Dispatch(ctx, "cn-1", "vm", "machine_create", nil, 60)
	if err != nil {
		t.Fatal(err)
	}
	final := "complete"
	if err := svc.HandleEvent(ctx, ProgressEvent{TaskID: taskID, Name: "finish", Final: &final}); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	result, err := svc.Wait(ctx, taskID, 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatal("wait on terminal task should return promptly")
	}
	if result.Task.Status != model.TaskComplete {
		t.Errorf("status = %s", result.Task.Status)
	}
}

func TestWaitWakesOnTerminalEvent(t *testing.T) {
	svc, broker := newTestService(t)
	ctx := context.Background()
	_ = broker.DeclareQueue(ctx, "drain")
	_ = broker.Bind(ctx, "drain", "#")
	_, _ = broker.Consume(ctx, "drain")

	taskID, err := svc.Dispatch(ctx, "cn-1", "vm", "machine_create", nil, 60)
	if err != nil {
		t.Fatal(err)
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		final := "complete"
		_ = svc.HandleEvent(ctx, ProgressEvent{TaskID: taskID, Name: "finish", Final: &final})
	}()

	result, err := svc.Wait(ctx, taskID, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if result.TimedOut {
		t.Fatal("should not have timed out")
	}
	if result.Task.Status != model.TaskComplete {
		t.Errorf("status = %s", result.Task.Status)
	}
}

func TestWaitTimesOutWithLastKnownState(t *testing.T) {
	svc, broker := newTestService(t)
	ctx := context.Background()
	_ = broker.DeclareQueue(ctx, "drain")
	_ = broker.Bind(ctx, "drain", "#")
	_, _ = broker.Consume(ctx, "drain")

	taskID, err := svc.Dispatch(ctx, "cn-1", "vm", "machine_create", nil, 60)
	if err != nil {
		t.Fatal(err)
	}

	result, err := svc.Wait(ctx, taskID, 50*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if !result.TimedOut {
		t.Fatal("expected TimedOut=true")
	}
	if result.Task.Status != model.TaskActive {
		t.Errorf("status = %s", result.Task.Status)
	}
}

func TestMultipleWaitersAllNotified(t *testing.T) {
	svc, broker := newTestService(t)
	ctx := context.Background()
	_ = broker.DeclareQueue(ctx, "drain")
	_ = broker.Bind(ctx, "drain", "#")
	_, _ = broker.Consume(ctx, "drain")

	taskID, err := svc.Dispatch(ctx, "cn-1", "vm", "machine_create", nil, 60)
	if err != nil {
		t.Fatal(err)
	}

	results := make(chan WaitResult, 2)
	for i := 0; i < 2; i++ {
		go func() {
			r, err := svc.Wait(ctx, taskID, 2*time.Second)
			if err != nil {
				t.Error(err)
				return
			}
			results <- r
		}()
	}

	time.Sleep(50 * time.Millisecond)
	final := "complete"
	if err := svc.HandleEvent(ctx, ProgressEvent{TaskID: taskID, Name: "finish", Final: &final}); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		select {
		case r := <-results:
			if r.Task.Status != model.TaskComplete {
				t.Errorf("status = %s", r.Task.Status)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("waiter not notified")
		}
	}
}
