package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/basket/fleetcore/internal/bus"
	"github.com/basket/fleetcore/internal/notify"
	"github.com/basket/fleetcore/internal/reboot"
	"github.com/basket/fleetcore/internal/registry"
	"github.com/basket/fleetcore/internal/store"
	"github.com/basket/fleetcore/internal/store/sqlite"
	"github.com/basket/fleetcore/internal/tasks"
	"github.com/basket/fleetcore/internal/waitlist"
	"github.com/basket/fleetcore/internal/workflow"
)

func newTestServer(t *testing.T) (*Server, store.Store) {
	t.Helper()
	st, err := sqlite.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	reg, err := registry.New(st, nil, 0)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	if err := reg.EnsureDefault(context.Background()); err != nil {
		t.Fatalf("ensure default: %v", err)
	}
	wl := waitlist.New(nil)
	broker := bus.NewMemoryBroker()
	tsk := tasks.New(st, broker, nil)
	engine := workflow.NewInProcessEngine(nil)
	orch := reboot.New(st, reg, engine, notify.NewLogNotifier(nil), nil)

	srv := New(Config{
		Registry: reg,
		Waitlist: wl,
		Tasks:    tsk,
		Reboot:   orch,
		Broker:   broker,
	})
	return srv, st
}

func doRequest(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestPingReturnsPong(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doRequest(t, srv.Handler(), http.MethodGet, "/ping", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestCreateAndGetServer(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()
	rec := doRequest(t, h, http.MethodPost, "/servers", map[string]any{
		"uuid":     "11111111-1111-1111-1111-111111111111",
		"hostname": "cn-1",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, h, http.MethodGet, "/servers/11111111-1111-1111-1111-111111111111", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestCreateServerValidationFailureReturnsInvalidParameters(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doRequest(t, srv.Handler(), http.MethodPost, "/servers", map[string]any{"hostname": "cn-1"})
	var env envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if env.Code != "InvalidParameters" {
		t.Fatalf("expected InvalidParameters, got %s", env.Code)
	}
	if len(env.Errors) != 1 || env.Errors[0].Field != "uuid" {
		t.Fatalf("expected one error on uuid, got %v", env.Errors)
	}
}

func TestGetServerNotFoundRendersNotFoundStatus(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doRequest(t, srv.Handler(), http.MethodGet, "/servers/does-not-exist", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestCreateTicketAndWaitReturnsActiveImmediately(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()
	rec := doRequest(t, h, http.MethodPost, "/servers/cn-1/tickets", map[string]any{
		"scope":  "vm",
		"id":     "vm-1",
		"action": "provision",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var created struct {
		Ticket struct {
			UUID   string `json:"uuid"`
			Status string `json:"status"`
		} `json:"ticket"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.Ticket.Status != "active" {
		t.Fatalf("expected first ticket active, got %s", created.Ticket.Status)
	}

	rec = doRequest(t, h, http.MethodGet, "/tickets/"+created.Ticket.UUID+"/wait", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestCreateRebootPlanRejectsUnknownServer(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doRequest(t, srv.Handler(), http.MethodPost, "/reboot-plans", map[string]any{
		"server_uuids": []string{"does-not-exist"},
	})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", rec.Code, rec.Body.String())
	}
}
