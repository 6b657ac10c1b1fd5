package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRecordWritesAuditEntry(t *testing.T) {
	home := t.TempDir()
	if err := Init(home); err != nil {
		t.Fatalf("init audit: %v", err)
	}
	t.Cleanup(func() { _ = Close() })

	Record("server.admin_patch", "cn-1", "error", "req-1", "missing server")
	Record("reboot_plan.transition", "plan-1", "ok", "req-2", "")

	path := filepath.Join(home, "logs", "audit.jsonl")
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read audit file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) < 2 {
		t.Fatalf("expected at least two audit entries, got %d", len(lines))
	}
	var first map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("unmarshal first audit entry: %v", err)
	}
	if first["outcome"] != "error" {
		t.Fatalf("expected error outcome, got %#v", first["outcome"])
	}
	if first["action"] != "server.admin_patch" {
		t.Fatalf("expected action server.admin_patch, got %#v", first["action"])
	}
	if first["resource"] != "cn-1" {
		t.Fatalf("expected resource cn-1 in audit entry: %#v", first)
	}
}

func TestAuditAppendOnly(t *testing.T) {
	home := t.TempDir()
	if err := Init(home); err != nil {
		t.Fatalf("init audit: %v", err)
	}
	t.Cleanup(func() { _ = Close() })

	Record("server.admin_patch", "cn-1", "ok", "req-1", "")
	Record("reboot_plan.cancel", "plan-1", "error", "req-2", "boom")

	path := filepath.Join(home, "logs", "audit.jsonl")

	info1, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat audit file: %v", err)
	}
	size1 := info1.Size()

	Record("reboot_plan.create", "plan-2", "ok", "req-3", "")

	info2, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat audit file after append: %v", err)
	}
	size2 := info2.Size()
	if size2 <= size1 {
		t.Fatalf("expected file to grow (append-only), size before=%d after=%d", size1, size2)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read audit file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) < 3 {
		t.Fatalf("expected at least 3 lines, got %d", len(lines))
	}

	for i, line := range lines {
		var e map[string]any
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			t.Fatalf("line %d is not valid JSON: %v", i, err)
		}
		if _, ok := e["timestamp"]; !ok {
			t.Fatalf("line %d missing timestamp", i)
		}
		if _, ok := e["action"]; !ok {
			t.Fatalf("line %d missing action", i)
		}
	}
}

func TestErrorCountIncrementsOnErrorOutcomeOnly(t *testing.T) {
	home := t.TempDir()
	if err := Init(home); err != nil {
		t.Fatalf("init audit: %v", err)
	}
	t.Cleanup(func() { _ = Close() })

	before := ErrorCount()
	Record("server.admin_patch", "cn-1", "ok", "req-1", "")
	Record("server.admin_patch", "cn-2", "error", "req-2", "boom")
	if got := ErrorCount(); got != before+1 {
		t.Fatalf("expected error count to increase by 1, got %d (was %d)", got, before)
	}
}
