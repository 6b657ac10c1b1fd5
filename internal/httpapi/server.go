package httpapi

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/basket/fleetcore/internal/allocator"
	"github.com/basket/fleetcore/internal/bus"
	"github.com/basket/fleetcore/internal/reboot"
	"github.com/basket/fleetcore/internal/registry"
	"github.com/basket/fleetcore/internal/store"
	"github.com/basket/fleetcore/internal/tasks"
	"github.com/basket/fleetcore/internal/waitlist"
)

// Config wires the HTTP surface to the core components it fronts.
type Config struct {
	Registry *registry.Registry
	Waitlist *waitlist.Waitlist
	Tasks    *tasks.Service
	Reboot   *reboot.Orchestrator

	AllocatorWeights allocator.Weights
	AllocatorOptions allocator.Options

	// RequestTimeout overrides DefaultRequestTimeout when non-zero.
	RequestTimeout time.Duration

	// BusConnected and WorkflowConnected back the "connected"
	// precondition; either may be nil if the corresponding backend is
	// always considered available (e.g. the in-process reference
	// broker/engine).
	BusConnected      func() bool
	WorkflowConnected func() bool

	// Broker, if set, backs the admin /events websocket live bus-tail
	// stream (see events.go). A nil Broker disables the endpoint.
	Broker bus.Broker

	Logger *slog.Logger
}

// Server is the thin HTTP surface over the core (spec.md §4.H).
type Server struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a Server from cfg.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, logger: logger}
}

// Handler builds the routed http.Handler, using the Go 1.22+
// ServeMux pattern syntax (method + {wildcard} path segments) since
// spec.md puts HTTP router choice explicitly out of scope.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /ping", s.handlePing)
	mux.HandleFunc("GET /platforms", s.handlePlatforms)

	mux.HandleFunc("GET /servers", s.handleListServers)
	mux.HandleFunc("POST /servers", s.handleCreateServer)
	mux.HandleFunc("GET /servers/{uuid}", s.prepopulateServer(s.handleGetServer))
	mux.HandleFunc("PUT /servers/{uuid}", s.prepopulateServer(s.handleUpdateServer))
	mux.HandleFunc("POST /servers/{uuid}/sysinfo", s.handleServerSysinfo)
	mux.HandleFunc("POST /servers/{uuid}/execute", s.prepopulateServer(s.handleServerExecute))

	mux.Handle("POST /allocate", requireConnected("workflow", s.cfg.WorkflowConnected)(http.HandlerFunc(s.handleAllocate)))
	mux.HandleFunc("POST /capacity", s.handleCapacity)

	mux.HandleFunc("GET /servers/{uuid}/tickets", s.handleListTickets)
	mux.HandleFunc("POST /servers/{uuid}/tickets", s.handleCreateTicket)
	mux.HandleFunc("DELETE /servers/{uuid}/tickets", s.handleReleaseTicketByQuery)
	mux.HandleFunc("GET /tickets/{uuid}", s.handleGetTicket)
	mux.HandleFunc("GET /tickets/{uuid}/wait", s.handleWaitTicket)
	mux.HandleFunc("GET /tickets/{uuid}/release", s.handleReleaseTicket)

	mux.HandleFunc("GET /tasks/{taskid}", s.handleGetTask)
	mux.HandleFunc("GET /tasks/{taskid}/wait", s.handleWaitTask)

	mux.HandleFunc("GET /boot/default", s.handleGetBootDefault)
	mux.HandleFunc("PUT /boot/default", s.handleSetBootDefault)
	mux.HandleFunc("POST /boot/default", s.handlePatchBootDefault)
	mux.HandleFunc("GET /boot/{uuid}", s.handleGetBoot)
	mux.HandleFunc("PUT /boot/{uuid}", s.handleSetBoot)
	mux.HandleFunc("POST /boot/{uuid}", s.handlePatchBoot)

	mux.HandleFunc("GET /reboot-plans", s.handleListPlans)
	mux.HandleFunc("POST /reboot-plans", s.handleCreatePlan)
	mux.HandleFunc("GET /reboot-plans/{uuid}", s.handleGetPlan)
	mux.HandleFunc("PUT /reboot-plans/{uuid}", s.handleTransitionPlan)
	mux.HandleFunc("DELETE /reboot-plans/{uuid}", s.handleCancelPlan)
	mux.HandleFunc("GET /reboot-plans/{uuid}/reboots/{rebootUUID}", s.handleGetReboot)

	if s.cfg.Broker != nil {
		mux.HandleFunc("GET /events", s.handleEvents)
	}

	return chain(mux, withRequestContext(s.cfg.RequestTimeout))
}

func (s *Server) handlePing(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"ping": "pong"})
}

func (s *Server) handlePlatforms(w http.ResponseWriter, r *http.Request) {
	servers, err := s.cfg.Registry.ListServers(r.Context(), store.All, store.FindOptions{})
	if err != nil {
		writeError(w, requestIDFrom(r.Context()), err)
		return
	}
	seen := map[string]bool{}
	for _, sv := range servers {
		if sv.CurrentPlatform != "" {
			seen[sv.CurrentPlatform] = true
		}
		if sv.BootPlatform != "" {
			seen[sv.BootPlatform] = true
		}
	}
	platforms := make([]string, 0, len(seen))
	for p := range seen {
		platforms = append(platforms, p)
	}
	sort.Strings(platforms)
	writeJSON(w, http.StatusOK, map[string]any{"platforms": platforms})
}

// decodeBody reads the request body into a generic JSON object. An
// empty body decodes to an empty object rather than an error, since
// several endpoints (e.g. plan transitions with no extra fields) have
// nothing to validate.
func decodeBody(r *http.Request) (map[string]any, error) {
	if r.Body == nil {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		if err == io.EOF {
			return map[string]any{}, nil
		}
		return nil, err
	}
	if m == nil {
		m = map[string]any{}
	}
	return m, nil
}

func queryTimeout(r *http.Request, def time.Duration) time.Duration {
	raw := r.URL.Query().Get("timeout")
	if raw == "" {
		return def
	}
	secs, err := strconv.ParseFloat(raw, 64)
	if err != nil || secs <= 0 {
		return def
	}
	return time.Duration(secs * float64(time.Second))
}

func asStringMap(v any) map[string]string {
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, raw := range m {
		if s, ok := raw.(string); ok {
			out[k] = s
		}
	}
	return out
}

func asStringSlice(v any) []string {
	a, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(a))
	for _, item := range a {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
