package httpapi

import "net/http"

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.cfg.Tasks.Get(r.Context(), r.PathValue("taskid"))
	if err != nil {
		writeError(w, requestIDFrom(r.Context()), err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleWaitTask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	res, err := s.cfg.Tasks.Wait(ctx, r.PathValue("taskid"), queryTimeout(r, DefaultRequestTimeout))
	if err != nil {
		writeError(w, requestIDFrom(ctx), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task": res.Task, "timed_out": res.TimedOut})
}
