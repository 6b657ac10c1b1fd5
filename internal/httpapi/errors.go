package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/basket/fleetcore/internal/fleeterr"
)

// envelope is the error shape every handler renders on failure
// (spec.md §6: "{code, message, errors?: [{field, code, message}]}").
type envelope struct {
	Code    fleeterr.Kind        `json:"code"`
	Message string               `json:"message"`
	Errors  []fleeterr.FieldError `json:"errors,omitempty"`
}

// writeJSON encodes v as the response body with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders err as the standard error envelope, deriving the
// status code from fleeterr.HTTPStatus — the single code/status mapping
// §7 calls for, applied uniformly including to validation failures
// (see DESIGN.md for why this reconciles §4.H's literal "500" against
// §6's status-code table).
func writeError(w http.ResponseWriter, requestID string, err error) {
	fe, ok := fleeterr.As(err)
	if !ok {
		fe = fleeterr.Wrap(fleeterr.Internal, err, "%s", err.Error())
	}
	fe = fe.WithRequestID(requestID)
	writeJSON(w, fleeterr.HTTPStatus(fe.Kind), envelope{Code: fe.Kind, Message: fe.Error(), Errors: fe.Fields})
}

// writeValidationErrors renders a field-error list as an
// InvalidParameters envelope, per spec.md §4.H.
func writeValidationErrors(w http.ResponseWriter, requestID string, fields []fleeterr.FieldError) {
	fe := fleeterr.New(fleeterr.InvalidParameters, "request failed validation").WithFields(fields).WithRequestID(requestID)
	writeJSON(w, fleeterr.HTTPStatus(fe.Kind), envelope{Code: fe.Kind, Message: fe.Message, Errors: fe.Fields})
}
