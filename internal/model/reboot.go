package model

import "time"

// PlanState is the reboot plan's lifecycle state.
type PlanState string

const (
	PlanCreated  PlanState = "created"
	PlanRunning  PlanState = "running"
	PlanStopped  PlanState = "stopped"
	PlanCanceled PlanState = "canceled"
	PlanComplete PlanState = "complete"
)

// Plan is a rolling-reboot orchestration across a set of compute nodes.
type Plan struct {
	UUID        string    `json:"uuid"`
	Concurrency int       `json:"concurrency"`
	State       PlanState `json:"state"`
	SingleStep  bool      `json:"single_step"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	ETag        string    `json:"etag"`
}

func (p *Plan) Terminal() bool {
	return p.State == PlanCanceled || p.State == PlanComplete
}

// Reboot is one compute node's reboot within a Plan.
type Reboot struct {
	UUID            string     `json:"uuid"`
	PlanUUID        string     `json:"plan_uuid"`
	ServerUUID      string     `json:"server_uuid"`
	ServerHostname  string     `json:"server_hostname"`
	JobUUID         *string    `json:"job_uuid,omitempty"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
	OperationalAt   *time.Time `json:"operational_at,omitempty"`
	CanceledAt      *time.Time `json:"canceled_at,omitempty"`
	CurrentPlatform string     `json:"current_platform"`
	BootPlatform    string     `json:"boot_platform"`
	Headnode        bool       `json:"headnode"`
	ETag            string     `json:"etag"`
}

// Finished reports whether this reboot reached the operational checkpoint.
func (r *Reboot) Finished() bool { return r.OperationalAt != nil }

// InFlight reports whether this reboot still counts against the plan's
// concurrency budget (started but not yet confirmed operational or
// canceled).
func (r *Reboot) InFlight() bool {
	return r.StartedAt != nil && r.OperationalAt == nil && r.CanceledAt == nil
}
