package httpapi

import (
	"net/http"

	"github.com/basket/fleetcore/internal/audit"
	"github.com/basket/fleetcore/internal/fleeterr"
	"github.com/basket/fleetcore/internal/model"
)

func (s *Server) handleGetBoot(w http.ResponseWriter, r *http.Request) {
	s.getBootParams(w, r, r.PathValue("uuid"))
}

func (s *Server) handleGetBootDefault(w http.ResponseWriter, r *http.Request) {
	s.getBootParams(w, r, model.DefaultServerUUID)
}

func (s *Server) getBootParams(w http.ResponseWriter, r *http.Request, uuid string) {
	view, err := s.cfg.Registry.GetBootParams(r.Context(), uuid)
	if err != nil {
		writeError(w, requestIDFrom(r.Context()), err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

var bootParamsValidator = Validator{
	Fields: []FieldSpec{
		{Name: "kernel_args", Rules: []Rule{Required(), IsObjectType()}},
	},
}

func (s *Server) handleSetBoot(w http.ResponseWriter, r *http.Request) {
	s.setBootParams(w, r, r.PathValue("uuid"))
}

func (s *Server) handleSetBootDefault(w http.ResponseWriter, r *http.Request) {
	s.setBootParams(w, r, model.DefaultServerUUID)
}

func (s *Server) setBootParams(w http.ResponseWriter, r *http.Request, uuid string) {
	ctx := r.Context()
	reqID := requestIDFrom(ctx)
	raw, err := decodeBody(r)
	if err != nil {
		writeError(w, reqID, fleeterr.Wrap(fleeterr.InvalidParameters, err, "malformed JSON body"))
		return
	}
	fields, ferrs := bootParamsValidator.Validate(raw)
	if len(ferrs) > 0 {
		writeValidationErrors(w, reqID, ferrs)
		return
	}
	if err := s.cfg.Registry.SetBootParams(ctx, uuid, asStringMap(fields["kernel_args"])); err != nil {
		audit.Record("boot_params.set", uuid, "error", reqID, err.Error())
		writeError(w, reqID, err)
		return
	}
	audit.Record("boot_params.set", uuid, "ok", reqID, "")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePatchBoot(w http.ResponseWriter, r *http.Request) {
	s.patchBootParams(w, r, r.PathValue("uuid"))
}

func (s *Server) handlePatchBootDefault(w http.ResponseWriter, r *http.Request) {
	s.patchBootParams(w, r, model.DefaultServerUUID)
}

func (s *Server) patchBootParams(w http.ResponseWriter, r *http.Request, uuid string) {
	ctx := r.Context()
	reqID := requestIDFrom(ctx)
	raw, err := decodeBody(r)
	if err != nil {
		writeError(w, reqID, fleeterr.Wrap(fleeterr.InvalidParameters, err, "malformed JSON body"))
		return
	}
	fields, ferrs := bootParamsValidator.Validate(raw)
	if len(ferrs) > 0 {
		writeValidationErrors(w, reqID, ferrs)
		return
	}
	if err := s.cfg.Registry.UpdateBootParams(ctx, uuid, asStringMap(fields["kernel_args"])); err != nil {
		audit.Record("boot_params.patch", uuid, "error", reqID, err.Error())
		writeError(w, reqID, err)
		return
	}
	audit.Record("boot_params.patch", uuid, "ok", reqID, "")
	w.WriteHeader(http.StatusNoContent)
}
