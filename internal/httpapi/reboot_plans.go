package httpapi

import (
	"net/http"

	"github.com/basket/fleetcore/internal/audit"
	"github.com/basket/fleetcore/internal/fleeterr"
)

func (s *Server) handleListPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := s.cfg.Reboot.ListPlans(r.Context())
	if err != nil {
		writeError(w, requestIDFrom(r.Context()), err)
		return
	}
	writeJSON(w, http.StatusOK, plans)
}

var createPlanValidator = Validator{
	Fields: []FieldSpec{
		{Name: "concurrency", Rules: []Rule{Optional(float64(1)), IsNumberType()}},
		{Name: "single_step", Rules: []Rule{Optional(false), SanitizeToBoolean()}},
		{Name: "server_uuids", Rules: []Rule{Required(), IsArrayType()}},
	},
}

func (s *Server) handleCreatePlan(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reqID := requestIDFrom(ctx)
	raw, err := decodeBody(r)
	if err != nil {
		writeError(w, reqID, fleeterr.Wrap(fleeterr.InvalidParameters, err, "malformed JSON body"))
		return
	}
	fields, ferrs := createPlanValidator.Validate(raw)
	if len(ferrs) > 0 {
		writeValidationErrors(w, reqID, ferrs)
		return
	}
	plan, err := s.cfg.Reboot.CreatePlan(ctx, int(fields["concurrency"].(float64)), fields["single_step"].(bool), asStringSlice(fields["server_uuids"]))
	if err != nil {
		audit.Record("reboot_plan.create", "", "error", reqID, err.Error())
		writeError(w, reqID, err)
		return
	}
	audit.Record("reboot_plan.create", plan.UUID, "ok", reqID, "")
	writeJSON(w, http.StatusCreated, plan)
}

func (s *Server) handleGetPlan(w http.ResponseWriter, r *http.Request) {
	plan, err := s.cfg.Reboot.GetPlan(r.Context(), r.PathValue("uuid"))
	if err != nil {
		writeError(w, requestIDFrom(r.Context()), err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

var transitionPlanValidator = Validator{
	Fields: []FieldSpec{
		{Name: "action", Rules: []Rule{Required(), IsStringType()}},
	},
}

func (s *Server) handleTransitionPlan(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reqID := requestIDFrom(ctx)
	uuid := r.PathValue("uuid")
	raw, err := decodeBody(r)
	if err != nil {
		writeError(w, reqID, fleeterr.Wrap(fleeterr.InvalidParameters, err, "malformed JSON body"))
		return
	}
	fields, ferrs := transitionPlanValidator.Validate(raw)
	if len(ferrs) > 0 {
		writeValidationErrors(w, reqID, ferrs)
		return
	}

	var result any
	switch fields["action"].(string) {
	case "run":
		result, err = s.cfg.Reboot.Run(ctx, uuid)
	case "continue":
		result, err = s.cfg.Reboot.Continue(ctx, uuid)
	case "stop":
		result, err = s.cfg.Reboot.Stop(ctx, uuid)
	case "cancel":
		result, err = s.cfg.Reboot.Cancel(ctx, uuid)
	default:
		writeValidationErrors(w, reqID, []fleeterr.FieldError{{Field: "action", Code: "Invalid", Message: "action must be one of run, continue, stop, cancel"}})
		return
	}
	if err != nil {
		audit.Record("reboot_plan."+fields["action"].(string), uuid, "error", reqID, err.Error())
		writeError(w, reqID, err)
		return
	}
	audit.Record("reboot_plan."+fields["action"].(string), uuid, "ok", reqID, "")
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleCancelPlan(w http.ResponseWriter, r *http.Request) {
	reqID := requestIDFrom(r.Context())
	uuid := r.PathValue("uuid")
	plan, err := s.cfg.Reboot.Cancel(r.Context(), uuid)
	if err != nil {
		audit.Record("reboot_plan.cancel", uuid, "error", reqID, err.Error())
		writeError(w, reqID, err)
		return
	}
	audit.Record("reboot_plan.cancel", uuid, "ok", reqID, "")
	writeJSON(w, http.StatusOK, plan)
}

func (s *Server) handleGetReboot(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reqID := requestIDFrom(ctx)
	planUUID := r.PathValue("uuid")
	rebootUUID := r.PathValue("rebootUUID")
	reboots, err := s.cfg.Reboot.Reboots(ctx, planUUID)
	if err != nil {
		writeError(w, reqID, err)
		return
	}
	for _, rb := range reboots {
		if rb.UUID == rebootUUID {
			writeJSON(w, http.StatusOK, rb)
			return
		}
	}
	writeError(w, reqID, fleeterr.New(fleeterr.NotFound, "reboot %s not found in plan %s", rebootUUID, planUUID))
}
