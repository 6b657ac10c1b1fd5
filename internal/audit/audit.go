// Package audit is the admin-mutation audit trail: every operator
// action that changes fleet state (a server admin patch, a reboot plan
// created/transitioned/canceled, a ticket force-released) is appended
// here, independent of the request's own success/failure handling.
// Adapted from the teacher's internal/audit/audit.go — kept the
// append-only JSONL file + best-effort sqlite table shape and the
// secret-redaction pass, dropped the policy-capability decision/deny
// framing (this repo has no policy engine) in favor of a plain
// action/resource/outcome/actor record.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/fleetcore/internal/shared"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	Action    string `json:"action"`
	Resource  string `json:"resource"`
	Outcome   string `json:"outcome"`
	Actor     string `json:"actor,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

var (
	mu         sync.Mutex
	file       *os.File
	db         *sql.DB
	errorCount atomic.Int64
)

// Init opens (creating if necessary) the audit log under homeDir/logs.
// Calling Init more than once is a no-op.
func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

// SetDB configures the database used for the audit_log table mirror,
// kept alongside the JSONL file so operators can query recent admin
// activity without tailing logs.
func SetDB(d *sql.DB) {
	mu.Lock()
	defer mu.Unlock()
	db = d
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// ErrorCount returns the total number of outcome="error" records since
// startup — surfaced on /ping or a status endpoint as a cheap health
// signal.
func ErrorCount() int64 {
	return errorCount.Load()
}

// Record appends one audit entry. action names the mutation (e.g.
// "server.admin_patch", "reboot_plan.transition"), resource identifies
// what it acted on (a server or plan UUID), outcome is "ok" or "error",
// actor is the request id or caller identity, and detail is free-form
// context (e.g. the error message). Detail and actor are redacted
// before persistence since they may echo request input.
func Record(action, resource, outcome, actor, detail string) {
	if outcome == "error" {
		errorCount.Add(1)
	}

	actor = shared.Redact(actor)
	detail = shared.Redact(detail)

	mu.Lock()
	defer mu.Unlock()

	if file != nil {
		ev := entry{
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
			Action:    action,
			Resource:  resource,
			Outcome:   outcome,
			Actor:     actor,
			Detail:    detail,
		}
		b, err := json.Marshal(ev)
		if err == nil {
			_, _ = file.Write(append(b, '\n'))
		}
	}

	if db != nil {
		_, _ = db.ExecContext(context.Background(), `
			INSERT INTO audit_log (action, resource, outcome, actor, detail)
			VALUES (?, ?, ?, ?, ?);
		`, action, resource, outcome, actor, detail)
	}
}
