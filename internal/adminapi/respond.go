package adminapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"

	"taskd/internal/task"
	"taskd/internal/task/schedule"
	"taskd/internal/task/scheduler"
	logx "taskd/pkg/logx"
)

type errorResponse struct {
	Error string `json:"error"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, errorResponse{Error: msg})
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	var verrs validator.ValidationErrors
	switch {
	case errors.Is(err, task.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, task.ErrAlreadyRunning),
		errors.Is(err, task.ErrModuleInactive),
		errors.Is(err, task.ErrProtected):
		return http.StatusConflict
	case task.IsValidation(err), schedule.IsParseError(err), errors.As(err, &verrs):
		return http.StatusBadRequest
	case errors.Is(err, scheduler.ErrNotStarted):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// respondErr writes err with its mapped status. Internal errors are logged and
// reported without detail.
func (s *Server) respondErr(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		s.log.Error("admin request failed", logx.String("path", r.URL.Path), logx.Err(err))
		respondError(w, code, "internal error")
		return
	}
	respondError(w, code, err.Error())
}
