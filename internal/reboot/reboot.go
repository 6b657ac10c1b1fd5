// Package reboot is the rolling-reboot plan orchestrator (spec.md
// §4.G): a bounded-concurrency controller that reboots a set of compute
// nodes one batch at a time, headnodes last, confirming each node comes
// back operational before counting it as done.
//
// Grounded on the teacher's internal/coordinator/executor.go (an ordered
// sequence of bounded-size batches, each awaited before the next
// proceeds) generalized from topologically-sorted DAG waves to a single
// ordered reboot queue, and internal/cron/scheduler.go for the
// ticker-driven reconciliation loop.
package reboot

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/basket/fleetcore/internal/fleeterr"
	"github.com/basket/fleetcore/internal/model"
	"github.com/basket/fleetcore/internal/notify"
	"github.com/basket/fleetcore/internal/store"
	"github.com/basket/fleetcore/internal/workflow"
)

// ServerLookup is the subset of the registry the orchestrator needs: a
// read on current state (hostname, headnode, platform) when creating
// reboots, kept as an interface so this package does not import registry.
type ServerLookup interface {
	Get(ctx context.Context, serverUUID string) (*model.Server, error)
}

// Orchestrator drives every reboot plan's state machine and scheduling.
type Orchestrator struct {
	store    store.Store
	servers  ServerLookup
	engine   workflow.Engine
	notifier notify.Notifier
	logger   *slog.Logger
}

// New creates an Orchestrator.
func New(st store.Store, servers ServerLookup, engine workflow.Engine, notifier notify.Notifier, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = notify.NewLogNotifier(logger)
	}
	return &Orchestrator{store: st, servers: servers, engine: engine, notifier: notifier, logger: logger}
}

// CreatePlan validates serverUUIDs, builds a Reboot record for each, and
// persists the Plan in state "created". A server already part of a
// non-terminal plan is rejected (an Open Question the distilled spec
// left unresolved; see design notes for why this direction was chosen).
func (o *Orchestrator) CreatePlan(ctx context.Context, concurrency int, singleStep bool, serverUUIDs []string) (*model.Plan, error) {
	if concurrency < 1 {
		return nil, fleeterr.New(fleeterr.InvalidParameters, "concurrency must be >= 1")
	}
	if len(serverUUIDs) == 0 {
		return nil, fleeterr.New(fleeterr.InvalidParameters, "at least one server_uuid required")
	}

	servers := make([]*model.Server, 0, len(serverUUIDs))
	for _, su := range serverUUIDs {
		sv, err := o.servers.Get(ctx, su)
		if err != nil {
			return nil, err
		}
		busy, err := o.serverInNonTerminalPlan(ctx, su)
		if err != nil {
			return nil, err
		}
		if busy {
			return nil, fleeterr.New(fleeterr.Conflict, "server %s already has a non-terminal reboot plan", su)
		}
		servers = append(servers, sv)
	}

	now := time.Now().UTC()
	plan := &model.Plan{
		UUID:        uuid.NewString(),
		Concurrency: concurrency,
		State:       model.PlanCreated,
		SingleStep:  singleStep,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	body, err := json.Marshal(plan)
	if err != nil {
		return nil, fleeterr.Wrap(fleeterr.Internal, err, "marshal plan")
	}
	etag, err := o.store.Put(ctx, store.BucketRebootPlans, plan.UUID, body, "")
	if err != nil {
		return nil, fleeterr.Wrap(fleeterr.Internal, err, "persist plan")
	}
	plan.ETag = etag

	for _, sv := range servers {
		rb := &model.Reboot{
			UUID:            uuid.NewString(),
			PlanUUID:        plan.UUID,
			ServerUUID:      sv.UUID,
			ServerHostname:  sv.Hostname,
			CurrentPlatform: sv.CurrentPlatform,
			BootPlatform:    sv.BootPlatform,
			Headnode:        sv.Headnode,
		}
		rbody, err := json.Marshal(rb)
		if err != nil {
			return nil, fleeterr.Wrap(fleeterr.Internal, err, "marshal reboot")
		}
		if _, err := o.store.Put(ctx, store.BucketReboots, rb.UUID, rbody, ""); err != nil {
			return nil, fleeterr.Wrap(fleeterr.Internal, err, "persist reboot")
		}
	}
	return plan, nil
}

func (o *Orchestrator) serverInNonTerminalPlan(ctx context.Context, serverUUID string) (bool, error) {
	recs, err := o.store.FindObjects(ctx, store.BucketReboots, store.Eq{Field: "server_uuid", Value: serverUUID}, store.FindOptions{})
	if err != nil {
		return false, fleeterr.Wrap(fleeterr.Internal, err, "list reboots for server")
	}
	for _, rec := range recs {
		var rb model.Reboot
		if err := json.Unmarshal(rec.Value, &rb); err != nil {
			continue
		}
		plan, err := o.getPlan(ctx, rb.PlanUUID)
		if err != nil {
			continue
		}
		if !plan.Terminal() {
			return true, nil
		}
	}
	return false, nil
}

func (o *Orchestrator) getPlan(ctx context.Context, planUUID string) (*model.Plan, error) {
	plan, etag, err := store.GetDecode[model.Plan](ctx, o.store, store.BucketRebootPlans, planUUID)
	if err == store.ErrNotFound {
		return nil, fleeterr.New(fleeterr.NotFound, "plan %s not found", planUUID)
	}
	if err != nil {
		return nil, fleeterr.Wrap(fleeterr.Internal, err, "read plan")
	}
	plan.ETag = etag
	return plan, nil
}

// GetPlan returns a plan by UUID.
func (o *Orchestrator) GetPlan(ctx context.Context, planUUID string) (*model.Plan, error) {
	return o.getPlan(ctx, planUUID)
}

// ListPlans returns every reboot plan, most-recently-created first.
func (o *Orchestrator) ListPlans(ctx context.Context) ([]*model.Plan, error) {
	recs, err := o.store.FindObjects(ctx, store.BucketRebootPlans, store.All, store.FindOptions{
		Sort: []store.SortOrder{{Field: "created_at", Descending: true}},
	})
	if err != nil {
		return nil, fleeterr.Wrap(fleeterr.Internal, err, "list reboot plans")
	}
	out := make([]*model.Plan, 0, len(recs))
	for _, rec := range recs {
		var p model.Plan
		if err := json.Unmarshal(rec.Value, &p); err != nil {
			continue
		}
		p.ETag = rec.ETag
		out = append(out, &p)
	}
	return out, nil
}

// Reboots returns every Reboot belonging to planUUID.
func (o *Orchestrator) Reboots(ctx context.Context, planUUID string) ([]*model.Reboot, error) {
	recs, err := o.store.FindObjects(ctx, store.BucketReboots, store.Eq{Field: "plan_uuid", Value: planUUID}, store.FindOptions{})
	if err != nil {
		return nil, fleeterr.Wrap(fleeterr.Internal, err, "list reboots")
	}
	out := make([]*model.Reboot, 0, len(recs))
	for _, rec := range recs {
		var rb model.Reboot
		if err := json.Unmarshal(rec.Value, &rb); err != nil {
			continue
		}
		rb.ETag = rec.ETag
		out = append(out, &rb)
	}
	return out, nil
}

func (o *Orchestrator) transition(ctx context.Context, planUUID string, allowed []model.PlanState, next model.PlanState) (*model.Plan, error) {
	updated, _, err := store.UpdateWithRetry(ctx, o.store, store.BucketRebootPlans, planUUID, store.DefaultMaxAttempts,
		func(current *model.Plan, exists bool) (*model.Plan, error) {
			if !exists {
				return nil, fleeterr.New(fleeterr.NotFound, "plan %s not found", planUUID)
			}
			ok := false
			for _, s := range allowed {
				if current.State == s {
					ok = true
					break
				}
			}
			if !ok {
				return nil, fleeterr.New(fleeterr.Conflict, "cannot transition plan from %s to %s", current.State, next)
			}
			current.State = next
			current.UpdatedAt = time.Now().UTC()
			return current, nil
		})
	if err != nil {
		if fe, ok := fleeterr.As(err); ok {
			return nil, fe
		}
		return nil, fleeterr.Wrap(fleeterr.Internal, err, "transition plan")
	}
	return updated, nil
}

// Run transitions a plan from created or stopped into running.
func (o *Orchestrator) Run(ctx context.Context, planUUID string) (*model.Plan, error) {
	return o.transition(ctx, planUUID, []model.PlanState{model.PlanCreated, model.PlanStopped}, model.PlanRunning)
}

// Continue resumes a stopped plan (identical guard to Run per spec.md
// §4.G's transition table; kept as a distinct operation for symmetry
// with the HTTP surface's named endpoints).
func (o *Orchestrator) Continue(ctx context.Context, planUUID string) (*model.Plan, error) {
	return o.transition(ctx, planUUID, []model.PlanState{model.PlanStopped}, model.PlanRunning)
}

// Stop pauses a running plan; in-flight reboots are left to complete.
func (o *Orchestrator) Stop(ctx context.Context, planUUID string) (*model.Plan, error) {
	return o.transition(ctx, planUUID, []model.PlanState{model.PlanRunning}, model.PlanStopped)
}

// Cancel transitions any non-terminal plan to canceled and stamps
// canceled_at on every reboot not yet confirmed operational.
func (o *Orchestrator) Cancel(ctx context.Context, planUUID string) (*model.Plan, error) {
	plan, err := o.getPlan(ctx, planUUID)
	if err != nil {
		return nil, err
	}
	if plan.Terminal() {
		return nil, fleeterr.New(fleeterr.Conflict, "plan %s already terminal", planUUID)
	}
	updated, _, err := store.UpdateWithRetry(ctx, o.store, store.BucketRebootPlans, planUUID, store.DefaultMaxAttempts,
		func(current *model.Plan, exists bool) (*model.Plan, error) {
			if !exists {
				return nil, fleeterr.New(fleeterr.NotFound, "plan %s not found", planUUID)
			}
			if current.Terminal() {
				return nil, fleeterr.New(fleeterr.Conflict, "plan %s already terminal", planUUID)
			}
			current.State = model.PlanCanceled
			current.UpdatedAt = time.Now().UTC()
			return current, nil
		})
	if err != nil {
		if fe, ok := fleeterr.As(err); ok {
			return nil, fe
		}
		return nil, fleeterr.Wrap(fleeterr.Internal, err, "cancel plan")
	}

	reboots, err := o.Reboots(ctx, planUUID)
	if err != nil {
		return updated, err
	}
	now := time.Now().UTC()
	for _, rb := range reboots {
		if rb.OperationalAt != nil || rb.CanceledAt != nil {
			continue
		}
		if _, _, err := store.UpdateWithRetry(ctx, o.store, store.BucketReboots, rb.UUID, store.DefaultMaxAttempts,
			func(current *model.Reboot, exists bool) (*model.Reboot, error) {
				if !exists {
					return nil, fleeterr.New(fleeterr.NotFound, "reboot %s not found", rb.UUID)
				}
				current.CanceledAt = &now
				return current, nil
			}); err != nil {
			o.logger.Warn("failed to stamp canceled_at on reboot", "reboot_uuid", rb.UUID, "error", err)
		}
	}

	o.notifier.Notify(ctx, notify.Notification{
		Severity: notify.Warning,
		Subject:  "reboot plan canceled",
		Body:     "plan " + planUUID + " canceled with " + strconv.Itoa(len(reboots)) + " reboots affected",
	})
	return updated, nil
}

// Reconcile runs one scheduling pass over every running plan: starting
// new batches up to the concurrency budget (headnode-last,
// lowest-UUID-first among non-headnodes) and flipping plans to complete
// once every reboot is operational. Intended to be called by Director on
// a periodic tick.
func (o *Orchestrator) Reconcile(ctx context.Context) error {
	recs, err := o.store.FindObjects(ctx, store.BucketRebootPlans, store.Eq{Field: "state", Value: string(model.PlanRunning)}, store.FindOptions{})
	if err != nil {
		return fleeterr.Wrap(fleeterr.Internal, err, "list running plans")
	}
	for _, rec := range recs {
		var plan model.Plan
		if err := json.Unmarshal(rec.Value, &plan); err != nil {
			continue
		}
		if err := o.reconcilePlan(ctx, &plan); err != nil {
			o.logger.Warn("reconcile plan failed", "plan_uuid", plan.UUID, "error", err)
		}
	}
	return nil
}

func (o *Orchestrator) reconcilePlan(ctx context.Context, plan *model.Plan) error {
	reboots, err := o.Reboots(ctx, plan.UUID)
	if err != nil {
		return err
	}

	inFlight := 0
	var pending []*model.Reboot
	allDone := true
	for _, rb := range reboots {
		if rb.InFlight() {
			inFlight++
		}
		if rb.StartedAt == nil && rb.CanceledAt == nil {
			pending = append(pending, rb)
		}
		if rb.OperationalAt == nil && rb.CanceledAt == nil {
			allDone = false
		}
	}

	if allDone {
		_, err := o.transition(ctx, plan.UUID, []model.PlanState{model.PlanRunning}, model.PlanComplete)
		return err
	}

	sort.SliceStable(pending, func(i, j int) bool {
		if pending[i].Headnode != pending[j].Headnode {
			return !pending[i].Headnode // non-headnode first
		}
		return pending[i].ServerUUID < pending[j].ServerUUID
	})

	maxInFlight := plan.Concurrency
	if plan.SingleStep {
		maxInFlight = 1
	}
	budget := maxInFlight - inFlight
	for _, rb := range pending {
		if budget <= 0 {
			break
		}
		if err := o.startReboot(ctx, rb); err != nil {
			o.logger.Warn("failed to start reboot", "reboot_uuid", rb.UUID, "error", err)
			continue
		}
		budget--
	}
	return nil
}

func (o *Orchestrator) startReboot(ctx context.Context, rb *model.Reboot) error {
	jobUUID, err := o.engine.CreateJob(ctx, workflow.JobSpec{Kind: "reboot", ServerUUID: rb.ServerUUID})
	if err != nil {
		return fleeterr.Wrap(fleeterr.Internal, err, "create reboot job")
	}
	now := time.Now().UTC()
	_, _, err = store.UpdateWithRetry(ctx, o.store, store.BucketReboots, rb.UUID, store.DefaultMaxAttempts,
		func(current *model.Reboot, exists bool) (*model.Reboot, error) {
			if !exists {
				return nil, fleeterr.New(fleeterr.NotFound, "reboot %s not found", rb.UUID)
			}
			current.StartedAt = &now
			current.JobUUID = &jobUUID
			return current, nil
		})
	if err != nil {
		return fleeterr.Wrap(fleeterr.Internal, err, "persist reboot start")
	}

	events, err := o.engine.Watch(jobUUID)
	if err != nil {
		return fleeterr.Wrap(fleeterr.Internal, err, "watch reboot job")
	}
	go o.watchJob(context.Background(), rb.UUID, events)
	return nil
}

func (o *Orchestrator) watchJob(ctx context.Context, rebootUUID string, events <-chan workflow.Event) {
	ev, ok := <-events
	if !ok {
		return
	}
	now := time.Now().UTC()
	_, _, err := store.UpdateWithRetry(ctx, o.store, store.BucketReboots, rebootUUID, store.DefaultMaxAttempts,
		func(current *model.Reboot, exists bool) (*model.Reboot, error) {
			if !exists {
				return nil, fleeterr.New(fleeterr.NotFound, "reboot %s not found", rebootUUID)
			}
			current.FinishedAt = &now
			return current, nil
		})
	if err != nil {
		o.logger.Warn("failed to persist reboot job completion", "reboot_uuid", rebootUUID, "error", err)
	}
	if ev.Status == workflow.JobFailed {
		o.notifier.Notify(ctx, notify.Notification{
			Severity: notify.Error,
			Subject:  "reboot job failed",
			Body:     "reboot " + rebootUUID + ": " + ev.Error,
		})
	}
}

// HandleLiveness is called by the registry when a server reports a
// heartbeat with current_platform == boot_platform, the signal that it
// came back up after a reboot (spec.md §4.G). It stamps operational_at
// on the server's in-flight reboot, if any.
func (o *Orchestrator) HandleLiveness(ctx context.Context, serverUUID string) error {
	recs, err := o.store.FindObjects(ctx, store.BucketReboots, store.Eq{Field: "server_uuid", Value: serverUUID}, store.FindOptions{})
	if err != nil {
		return fleeterr.Wrap(fleeterr.Internal, err, "list reboots for liveness")
	}
	for _, rec := range recs {
		var rb model.Reboot
		if err := json.Unmarshal(rec.Value, &rb); err != nil {
			continue
		}
		if !rb.InFlight() {
			continue
		}
		now := time.Now().UTC()
		_, _, err := store.UpdateWithRetry(ctx, o.store, store.BucketReboots, rb.UUID, store.DefaultMaxAttempts,
			func(current *model.Reboot, exists bool) (*model.Reboot, error) {
				if !exists {
					return nil, fleeterr.New(fleeterr.NotFound, "reboot %s not found", rb.UUID)
				}
				if current.OperationalAt == nil && current.CanceledAt == nil {
					current.OperationalAt = &now
				}
				return current, nil
			})
		if err != nil {
			return fleeterr.Wrap(fleeterr.Internal, err, "stamp operational_at")
		}
	}
	return nil
}

// ReconcileJob adapts Reconcile to the schedule.Job shape so the caller
// can register it on a schedule.Runner (package internal/schedule)
// alongside the registry's heartbeat-reconciliation job. At most one
// instance should be registered per deployment.
func (o *Orchestrator) ReconcileJob(ctx context.Context) {
	if err := o.Reconcile(ctx); err != nil {
		o.logger.Error("reboot reconcile failed", "error", err)
	}
}

