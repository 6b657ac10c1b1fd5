package reboot

import (
	"context"
	"testing"
	"time"

	"github.com/basket/fleetcore/internal/fleeterr"
	"github.com/basket/fleetcore/internal/model"
	"github.com/basket/fleetcore/internal/notify"
	"github.com/basket/fleetcore/internal/store"
	"github.com/basket/fleetcore/internal/store/sqlite"
	"github.com/basket/fleetcore/internal/workflow"
)

type fakeServers struct {
	servers map[string]*model.Server
}

func (f *fakeServers) Get(_ context.Context, serverUUID string) (*model.Server, error) {
	sv, ok := f.servers[serverUUID]
	if !ok {
		return nil, fleeterr.New(fleeterr.NotFound, "server %s not found", serverUUID)
	}
	return sv, nil
}

func newFakeServers(servers ...*model.Server) *fakeServers {
	m := map[string]*model.Server{}
	for _, sv := range servers {
		m[sv.UUID] = sv
	}
	return &fakeServers{servers: m}
}

type spyNotifier struct {
	notifications []notify.Notification
}

func (s *spyNotifier) Notify(_ context.Context, n notify.Notification) error {
	s.notifications = append(s.notifications, n)
	return nil
}

func newTestOrchestrator(t *testing.T, servers *fakeServers, engine workflow.Engine, notifier notify.Notifier) (*Orchestrator, store.Store) {
	t.Helper()
	st, err := sqlite.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	return New(st, servers, engine, notifier, nil), st
}

func testServer(uuid, hostname string, headnode bool) *model.Server {
	return &model.Server{UUID: uuid, Hostname: hostname, Headnode: headnode, CurrentPlatform: "7.0", BootPlatform: "7.0"}
}

func TestCreatePlanRejectsUnknownServer(t *testing.T) {
	servers := newFakeServers()
	o, _ := newTestOrchestrator(t, servers, workflow.NewInProcessEngine(nil), nil)

	_, err := o.CreatePlan(context.Background(), 1, false, []string{"cn-1"})
	if !fleeterr.Of(err, fleeterr.NotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestCreatePlanRejectsDuplicateNonTerminalMembership(t *testing.T) {
	sv := testServer("cn-1", "cn1.example", false)
	servers := newFakeServers(sv)
	o, _ := newTestOrchestrator(t, servers, workflow.NewInProcessEngine(nil), nil)
	ctx := context.Background()

	if _, err := o.CreatePlan(ctx, 1, false, []string{"cn-1"}); err != nil {
		t.Fatal(err)
	}
	_, err := o.CreatePlan(ctx, 1, false, []string{"cn-1"})
	if !fleeterr.Of(err, fleeterr.Conflict) {
		t.Fatalf("expected Conflict, got %v", err)
	}
}

func TestRunScheduleHeadnodeLastAndConcurrencyBudget(t *testing.T) {
	hn := testServer("cn-1", "cn1.example", true)
	a := testServer("cn-2", "cn2.example", false)
	b := testServer("cn-3", "cn3.example", false)
	servers := newFakeServers(hn, a, b)
	engine := workflow.NewInProcessEngine(nil)
	o, _ := newTestOrchestrator(t, servers, engine, nil)
	ctx := context.Background()

	plan, err := o.CreatePlan(ctx, 1, false, []string{hn.UUID, a.UUID, b.UUID})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := o.Run(ctx, plan.UUID); err != nil {
		t.Fatal(err)
	}
	if err := o.Reconcile(ctx); err != nil {
		t.Fatal(err)
	}

	reboots, err := o.Reboots(ctx, plan.UUID)
	if err != nil {
		t.Fatal(err)
	}
	started := 0
	var startedUUID string
	for _, rb := range reboots {
		if rb.StartedAt != nil {
			started++
			startedUUID = rb.ServerUUID
		}
	}
	if started != 1 {
		t.Fatalf("expected exactly 1 in-flight reboot with concurrency=1, got %d", started)
	}
	if startedUUID == hn.UUID {
		t.Fatalf("headnode should not start before non-headnode candidates")
	}
	if startedUUID != "cn-2" {
		t.Fatalf("expected lowest-UUID non-headnode first, got %s", startedUUID)
	}
}

func TestReconcileCompletesPlanWhenAllOperational(t *testing.T) {
	sv := testServer("cn-1", "cn1.example", false)
	servers := newFakeServers(sv)
	engine := workflow.NewInProcessEngine(nil)
	o, _ := newTestOrchestrator(t, servers, engine, nil)
	ctx := context.Background()

	plan, err := o.CreatePlan(ctx, 1, false, []string{sv.UUID})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := o.Run(ctx, plan.UUID); err != nil {
		t.Fatal(err)
	}
	if err := o.Reconcile(ctx); err != nil {
		t.Fatal(err)
	}

	reboots, err := o.Reboots(ctx, plan.UUID)
	if err != nil {
		t.Fatal(err)
	}
	if len(reboots) != 1 || reboots[0].JobUUID == nil {
		t.Fatalf("expected a started reboot with a job uuid: %+v", reboots)
	}
	if err := engine.CompleteJob(*reboots[0].JobUUID, workflow.JobSucceeded, ""); err != nil {
		t.Fatal(err)
	}
	// give the watch goroutine a moment to persist finished_at
	time.Sleep(50 * time.Millisecond)

	if err := o.HandleLiveness(ctx, sv.UUID); err != nil {
		t.Fatal(err)
	}
	if err := o.Reconcile(ctx); err != nil {
		t.Fatal(err)
	}

	updated, err := o.GetPlan(ctx, plan.UUID)
	if err != nil {
		t.Fatal(err)
	}
	if updated.State != model.PlanComplete {
		t.Fatalf("expected plan complete, got %s", updated.State)
	}
}

func TestCancelStampsCanceledAtAndNotifies(t *testing.T) {
	sv := testServer("cn-1", "cn1.example", false)
	servers := newFakeServers(sv)
	engine := workflow.NewInProcessEngine(nil)
	spy := &spyNotifier{}
	o, _ := newTestOrchestrator(t, servers, engine, spy)
	ctx := context.Background()

	plan, err := o.CreatePlan(ctx, 1, false, []string{sv.UUID})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := o.Run(ctx, plan.UUID); err != nil {
		t.Fatal(err)
	}
	if _, err := o.Cancel(ctx, plan.UUID); err != nil {
		t.Fatal(err)
	}

	reboots, err := o.Reboots(ctx, plan.UUID)
	if err != nil {
		t.Fatal(err)
	}
	if reboots[0].CanceledAt == nil {
		t.Fatalf("expected canceled_at stamped, got %+v", reboots[0])
	}
	if len(spy.notifications) != 1 {
		t.Fatalf("expected one notification, got %d", len(spy.notifications))
	}

	_, err = o.Cancel(ctx, plan.UUID)
	if !fleeterr.Of(err, fleeterr.Conflict) {
		t.Fatalf("expected Conflict canceling an already-terminal plan, got %v", err)
	}
}

func TestStopPreventsNewBatchesUntilResumed(t *testing.T) {
	a := testServer("cn-1", "cn1.example", false)
	b := testServer("cn-2", "cn2.example", false)
	servers := newFakeServers(a, b)
	engine := workflow.NewInProcessEngine(nil)
	o, _ := newTestOrchestrator(t, servers, engine, nil)
	ctx := context.Background()

	plan, err := o.CreatePlan(ctx, 2, false, []string{a.UUID, b.UUID})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := o.Run(ctx, plan.UUID); err != nil {
		t.Fatal(err)
	}
	if _, err := o.Stop(ctx, plan.UUID); err != nil {
		t.Fatal(err)
	}
	if err := o.Reconcile(ctx); err != nil {
		t.Fatal(err)
	}

	reboots, err := o.Reboots(ctx, plan.UUID)
	if err != nil {
		t.Fatal(err)
	}
	for _, rb := range reboots {
		if rb.StartedAt != nil {
			t.Fatalf("expected no reboots started while plan is stopped: %+v", rb)
		}
	}

	if _, err := o.Continue(ctx, plan.UUID); err != nil {
		t.Fatal(err)
	}
	if err := o.Reconcile(ctx); err != nil {
		t.Fatal(err)
	}
	reboots, err = o.Reboots(ctx, plan.UUID)
	if err != nil {
		t.Fatal(err)
	}
	started := 0
	for _, rb := range reboots {
		if rb.StartedAt != nil {
			started++
		}
	}
	if started != 2 {
		t.Fatalf("expected both reboots started after resuming with concurrency=2, got %d", started)
	}
}
