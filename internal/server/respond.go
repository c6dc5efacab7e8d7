package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"opd/internal/engine"
	"opd/internal/store"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

type errorBody struct {
	Error  string   `json:"error"`
	Detail string   `json:"detail,omitempty"`
	Errors []string `json:"errors,omitempty"`
}

// writeError maps the engine's typed error taxonomy onto HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var pf *engine.PreflightError
	switch {
	case errors.As(err, &pf):
		writeJSON(w, http.StatusBadRequest, errorBody{
			Error: "preflight failed", Errors: pf.Errors,
		})
	case errors.Is(err, engine.ErrInvalidTransition):
		writeJSON(w, http.StatusConflict, errorBody{
			Error: "invalid transition", Detail: err.Error(),
		})
	case errors.Is(err, engine.ErrNotFound), errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{
			Error: "not found", Detail: err.Error(),
		})
	case errors.Is(err, engine.ErrValidation):
		writeJSON(w, http.StatusBadRequest, errorBody{
			Error: "validation failed", Detail: err.Error(),
		})
	default:
		s.logger.Error("request failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorBody{
			Error: "internal error", Detail: err.Error(),
		})
	}
}

// decodeJSON reads the request body into v. A failure is a 400 already
// written to the response; the caller just returns.
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{
			Error: "malformed request body", Detail: err.Error(),
		})
		return false
	}
	return true
}
