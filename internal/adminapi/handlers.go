package adminapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"taskd/internal/task"
)

// taskRequest is the body of POST/PUT /api/tasks.
type taskRequest struct {
	Name           string            `json:"name" validate:"required,max=200"`
	Type           string            `json:"type" validate:"required,max=400"`
	CronExpression string            `json:"cron_expression" validate:"max=1000"`
	Enabled        bool              `json:"enabled"`
	RunPerMachine  bool              `json:"run_per_machine"`
	StopOnError    bool              `json:"stop_on_error"`
	Priority       string            `json:"priority" validate:"omitempty,oneof=low normal high -1 0 1"`
	Parameters     map[string]string `json:"parameters"`
}

func (q taskRequest) descriptor(id int64) (*task.Descriptor, error) {
	prio, err := task.ParsePriority(q.Priority)
	if err != nil {
		return nil, err
	}
	return &task.Descriptor{
		ID:             id,
		Name:           q.Name,
		Type:           q.Type,
		CronExpression: q.CronExpression,
		Enabled:        q.Enabled,
		RunPerMachine:  q.RunPerMachine,
		StopOnError:    q.StopOnError,
		Priority:       prio,
		Parameters:     q.Parameters,
	}, nil
}

// runRequest is the optional body of POST /api/tasks/{id}/run.
type runRequest struct {
	Parameters map[string]string `json:"parameters"`
	UserID     string            `json:"user_id"`
	TenantID   string            `json:"tenant_id"`
}

type runResponse struct {
	TaskID int64       `json:"task_id"`
	RunID  int64       `json:"run_id"`
	Status task.Status `json:"status"`
	Error  string      `json:"error,omitempty"`
	Result string      `json:"result,omitempty"`
}

func decodeJSON(r *http.Request, v any, optional bool) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid task id %q", chi.URLParam(r, "id"))
	}
	return id, nil
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	out, err := s.sched.ListTasks(r.Context())
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	s.saveTask(w, r, 0)
}

func (s *Server) updateTask(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.saveTask(w, r, id)
}

func (s *Server) saveTask(w http.ResponseWriter, r *http.Request, id int64) {
	var req taskRequest
	if err := decodeJSON(r, &req, false); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.valid.Struct(req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	d, err := req.descriptor(id)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.sched.SaveTask(r.Context(), d); err != nil {
		s.respondErr(w, r, err)
		return
	}
	code := http.StatusOK
	if id == 0 {
		code = http.StatusCreated
	}
	respondJSON(w, code, d)
}

func (s *Server) deleteTasks(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("ids")
	var ids []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil || id <= 0 {
			respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid task id %q", part))
			return
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		respondError(w, http.StatusBadRequest, "ids is required")
		return
	}
	res, err := s.sched.DeleteTasks(r.Context(), ids...)
	if errors.Is(err, task.ErrProtected) {
		respondJSON(w, http.StatusConflict, struct {
			errorResponse
			Result any `json:"result"`
		}{errorResponse{err.Error()}, res})
		return
	}
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// runTask starts the task, waits up to RunNowWait and reports the state at
// that moment: 200 with the final status, or 202 while it is still running.
func (s *Server) runTask(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req runRequest
	if err := decodeJSON(r, &req, true); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	params := req.Parameters
	if req.UserID != "" || req.TenantID != "" {
		params = task.MergeParams(params, nil)
		if req.UserID != "" {
			params["CurrentUserId"] = req.UserID
		}
		if req.TenantID != "" {
			params["CurrentTenantId"] = req.TenantID
		}
	}

	// The run itself must outlive this request.
	run, err := s.sched.RunSingleTask(context.WithoutCancel(r.Context()), id, params)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}

	wctx, cancel := context.WithTimeout(r.Context(), s.cfg.RunNowWait)
	out, done := run.Wait(wctx)
	cancel()

	resp := runResponse{TaskID: id, RunID: run.Execution.ID, Status: out.Status, Error: out.Error, Result: out.Result}
	if !done {
		respondJSON(w, http.StatusAccepted, resp)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !s.sched.RequestCancellation(id) {
		respondError(w, http.StatusConflict, "task is not running")
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]any{"task_id": id, "cancel_requested": true})
}

func (s *Server) runningTasks(w http.ResponseWriter, r *http.Request) {
	out, err := s.sched.RunningTasks(r.Context())
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit < 0 {
			respondError(w, http.StatusBadRequest, "invalid limit")
			return
		}
	}
	out, err := s.sched.History(r.Context(), id, limit)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) preview(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	expr := strings.TrimSpace(q.Get("expr"))
	if expr == "" {
		respondError(w, http.StatusBadRequest, "expr is required")
		return
	}
	count := 0
	if v := q.Get("max"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "invalid max")
			return
		}
		count = n
	}
	p, err := s.sched.PreviewSchedule(expr, count)
	if err != nil {
		respondJSON(w, statusFor(err), p)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

func (s *Server) listModules(w http.ResponseWriter, r *http.Request) {
	if s.modules == nil {
		respondJSON(w, http.StatusOK, []any{})
		return
	}
	respondJSON(w, http.StatusOK, s.modules())
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.sched.Snapshot())
}

func (s *Server) listNotifications(w http.ResponseWriter, r *http.Request) {
	if s.notifications == nil {
		respondJSON(w, http.StatusOK, []any{})
		return
	}
	respondJSON(w, http.StatusOK, s.notifications())
}
