package httpapi

import (
	"net/http"

	"github.com/basket/fleetcore/internal/audit"
	"github.com/basket/fleetcore/internal/fleeterr"
	"github.com/basket/fleetcore/internal/model"
	"github.com/basket/fleetcore/internal/store"
)

func (s *Server) handleListServers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filters []store.Filter
	if v := q.Get("headnode"); v != "" {
		filters = append(filters, store.Eq{Field: "headnode", Value: v == "true"})
	}
	if v := q.Get("setup"); v != "" {
		filters = append(filters, store.Eq{Field: "setup", Value: v == "true"})
	}
	if v := q.Get("status"); v != "" {
		filters = append(filters, store.Eq{Field: "status", Value: v})
	}
	var filter store.Filter = store.All
	if len(filters) > 0 {
		filter = store.And(filters)
	}
	servers, err := s.cfg.Registry.ListServers(r.Context(), filter, store.FindOptions{})
	if err != nil {
		writeError(w, requestIDFrom(r.Context()), err)
		return
	}
	writeJSON(w, http.StatusOK, servers)
}

var createServerValidator = Validator{
	Fields: []FieldSpec{
		{Name: "uuid", Rules: []Rule{Required(), IsStringType(), Regex(uuidPattern)}},
		{Name: "hostname", Rules: []Rule{Required(), IsStringType()}},
		{Name: "datacenter", Rules: []Rule{Optional(""), IsStringType()}},
		{Name: "headnode", Rules: []Rule{Optional(false), SanitizeToBoolean()}},
		{Name: "setup", Rules: []Rule{Optional(false), SanitizeToBoolean()}},
	},
}

func (s *Server) handleCreateServer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reqID := requestIDFrom(ctx)
	raw, err := decodeBody(r)
	if err != nil {
		writeError(w, reqID, fleeterr.Wrap(fleeterr.InvalidParameters, err, "malformed JSON body"))
		return
	}
	fields, ferrs := createServerValidator.Validate(raw)
	if len(ferrs) > 0 {
		writeValidationErrors(w, reqID, ferrs)
		return
	}
	payload := map[string]any{
		"UUID":       fields["uuid"],
		"Hostname":   fields["hostname"],
		"Datacenter": fields["datacenter"],
		"Headnode":   fields["headnode"],
		"Setup":      fields["setup"],
	}
	sv, err := s.cfg.Registry.UpsertFromSysinfo(ctx, "ur.sysinfo."+fields["uuid"].(string), payload)
	if err != nil {
		writeError(w, reqID, err)
		return
	}
	writeJSON(w, http.StatusCreated, sv)
}

func (s *Server) handleGetServer(w http.ResponseWriter, r *http.Request, sv *model.Server) {
	writeJSON(w, http.StatusOK, sv)
}

var updateServerValidator = Validator{
	Fields: []FieldSpec{
		{Name: "reserved", Rules: []Rule{IsBooleanType()}},
		{Name: "reservation_ratio", Rules: []Rule{IsNumberType()}},
		{Name: "traits", Rules: []Rule{IsObjectType()}},
		{Name: "next_reboot", Rules: []Rule{IsStringType()}},
	},
}

func (s *Server) handleUpdateServer(w http.ResponseWriter, r *http.Request, sv *model.Server) {
	ctx := r.Context()
	reqID := requestIDFrom(ctx)
	raw, err := decodeBody(r)
	if err != nil {
		writeError(w, reqID, fleeterr.Wrap(fleeterr.InvalidParameters, err, "malformed JSON body"))
		return
	}
	fields, ferrs := updateServerValidator.Validate(raw)
	if len(ferrs) > 0 {
		writeValidationErrors(w, reqID, ferrs)
		return
	}
	var reserved *bool
	if v, ok := fields["reserved"].(bool); ok {
		reserved = &v
	}
	var ratio *float64
	if v, ok := fields["reservation_ratio"].(float64); ok {
		ratio = &v
	}
	var traits map[string]any
	if v, ok := fields["traits"].(map[string]any); ok {
		traits = v
	}
	var nextReboot *string
	if v, ok := fields["next_reboot"].(string); ok {
		nextReboot = &v
	}
	updated, err := s.cfg.Registry.AdminPatch(ctx, sv.UUID, reserved, ratio, traits, nextReboot)
	if err != nil {
		audit.Record("server.admin_patch", sv.UUID, "error", reqID, err.Error())
		writeError(w, reqID, err)
		return
	}
	audit.Record("server.admin_patch", sv.UUID, "ok", reqID, "")
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleServerSysinfo(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reqID := requestIDFrom(ctx)
	uuid := r.PathValue("uuid")
	payload, err := decodeBody(r)
	if err != nil {
		writeError(w, reqID, fleeterr.Wrap(fleeterr.InvalidParameters, err, "malformed JSON body"))
		return
	}
	if _, ok := payload["UUID"]; !ok {
		payload["UUID"] = uuid
	}
	sv, err := s.cfg.Registry.UpsertFromSysinfo(ctx, "ur.sysinfo."+uuid, payload)
	if err != nil {
		writeError(w, reqID, err)
		return
	}
	writeJSON(w, http.StatusOK, sv)
}

var executeValidator = Validator{
	Fields: []FieldSpec{
		{Name: "resource", Rules: []Rule{Required(), IsStringType()}},
		{Name: "task", Rules: []Rule{Required(), IsStringType()}},
		{Name: "command", Rules: []Rule{Optional(map[string]any{}), IsObjectType()}},
		{Name: "timeout", Rules: []Rule{Optional(float64(60)), IsNumberType()}},
	},
}

func (s *Server) handleServerExecute(w http.ResponseWriter, r *http.Request, sv *model.Server) {
	ctx := r.Context()
	reqID := requestIDFrom(ctx)
	raw, err := decodeBody(r)
	if err != nil {
		writeError(w, reqID, fleeterr.Wrap(fleeterr.InvalidParameters, err, "malformed JSON body"))
		return
	}
	fields, ferrs := executeValidator.Validate(raw)
	if len(ferrs) > 0 {
		writeValidationErrors(w, reqID, ferrs)
		return
	}
	command, _ := fields["command"].(map[string]any)
	taskID, err := s.cfg.Tasks.Dispatch(ctx, sv.UUID, fields["resource"].(string), fields["task"].(string), command, int(fields["timeout"].(float64)))
	if err != nil {
		writeError(w, reqID, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"taskid": taskID})
}
