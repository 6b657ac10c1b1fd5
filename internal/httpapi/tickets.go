package httpapi

import (
	"net/http"
	"time"

	"github.com/basket/fleetcore/internal/audit"
	"github.com/basket/fleetcore/internal/fleeterr"
)

func (s *Server) handleListTickets(w http.ResponseWriter, r *http.Request) {
	uuid := r.PathValue("uuid")
	q := r.URL.Query()
	tickets := s.cfg.Waitlist.List(uuid, q.Get("scope"), q.Get("id"))
	writeJSON(w, http.StatusOK, tickets)
}

var createTicketValidator = Validator{
	Fields: []FieldSpec{
		{Name: "scope", Rules: []Rule{Required(), IsStringType()}},
		{Name: "id", Rules: []Rule{Required(), IsStringType()}},
		{Name: "action", Rules: []Rule{Required(), IsStringType()}},
		{Name: "expires_in_seconds", Rules: []Rule{Optional(float64(0)), IsNumberType()}},
		{Name: "extra", Rules: []Rule{Optional(map[string]any{}), IsObjectType()}},
		{Name: "req_id", Rules: []Rule{Optional(""), IsStringType()}},
	},
}

func (s *Server) handleCreateTicket(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reqID := requestIDFrom(ctx)
	uuid := r.PathValue("uuid")
	raw, err := decodeBody(r)
	if err != nil {
		writeError(w, reqID, fleeterr.Wrap(fleeterr.InvalidParameters, err, "malformed JSON body"))
		return
	}
	fields, ferrs := createTicketValidator.Validate(raw)
	if len(ferrs) > 0 {
		writeValidationErrors(w, reqID, ferrs)
		return
	}
	var expiresAt *time.Time
	if secs, _ := fields["expires_in_seconds"].(float64); secs > 0 {
		t := time.Now().UTC().Add(time.Duration(secs) * time.Second)
		expiresAt = &t
	}
	extra, _ := fields["extra"].(map[string]any)
	res := s.cfg.Waitlist.CreateTicket(uuid, fields["scope"].(string), fields["id"].(string), fields["action"].(string), expiresAt, extra, fields["req_id"].(string))
	writeJSON(w, http.StatusCreated, map[string]any{"ticket": res.Ticket, "queue": res.Queue})
}

func (s *Server) handleReleaseTicketByQuery(w http.ResponseWriter, r *http.Request) {
	reqID := requestIDFrom(r.Context())
	ticketUUID := r.URL.Query().Get("ticket_uuid")
	if ticketUUID == "" {
		writeValidationErrors(w, reqID, []fleeterr.FieldError{{Field: "ticket_uuid", Code: "Invalid", Message: "ticket_uuid query parameter is required"}})
		return
	}
	if err := s.cfg.Waitlist.Release(ticketUUID); err != nil {
		audit.Record("ticket.force_release", ticketUUID, "error", reqID, err.Error())
		writeError(w, reqID, err)
		return
	}
	audit.Record("ticket.force_release", ticketUUID, "ok", reqID, "")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetTicket(w http.ResponseWriter, r *http.Request) {
	ticket, err := s.cfg.Waitlist.Get(r.PathValue("uuid"))
	if err != nil {
		writeError(w, requestIDFrom(r.Context()), err)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (s *Server) handleWaitTicket(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ticket, err := s.cfg.Waitlist.Wait(ctx, r.PathValue("uuid"), queryTimeout(r, DefaultRequestTimeout))
	if err != nil {
		if fleeterr.Of(err, fleeterr.Timeout) {
			// A wait timeout is not an error (spec.md §7): report the
			// ticket's last-known state instead of the error envelope.
			if t, gerr := s.cfg.Waitlist.Get(r.PathValue("uuid")); gerr == nil {
				writeJSON(w, http.StatusOK, map[string]any{"ticket": t, "timed_out": true})
				return
			}
		}
		writeError(w, requestIDFrom(ctx), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ticket": ticket, "timed_out": false})
}

func (s *Server) handleReleaseTicket(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	uuid := r.PathValue("uuid")
	if err := s.cfg.Waitlist.Release(uuid); err != nil {
		writeError(w, requestIDFrom(ctx), err)
		return
	}
	ticket, err := s.cfg.Waitlist.Get(uuid)
	if err != nil {
		writeError(w, requestIDFrom(ctx), err)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}
