package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/trace"

	"github.com/lakegate/lakegate/pkg/engine"
	"github.com/lakegate/lakegate/pkg/stores"
	"github.com/lakegate/lakegate/pkg/telemetry"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string                 `json:"error"`
	Cause   string                 `json:"cause,omitempty"`
	Code    string                 `json:"code,omitempty"`
	Class   engine.ErrorClass      `json:"class,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
	TraceID string                 `json:"trace_id,omitempty"`
}

const maxSpecBytes = 1 << 20

// createRun executes a run synchronously. Specs rejected before any catalog
// change answer 422; every executed run answers 200 with its record,
// whatever the disposition.
func (s *Server) createRun(w http.ResponseWriter, r *http.Request) {
	var spec engine.RunSpec
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSpecBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&spec); err != nil {
		s.writeError(w, r, engine.NewValidationError("invalid run spec body", err))
		return
	}

	ctx := r.Context()
	if s.cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.RunTimeout)
		defer cancel()
	}

	if m := s.cfg.Metrics; m != nil {
		m.RunStarted()
		defer m.RunFinished()
	}
	run, err := s.cfg.Runner.Run(ctx, spec)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.logger.Info().
		Str("run_id", run.ID).
		Str("disposition", string(run.Disposition)).
		Msg("Run finished")
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := engine.RunFilter{
		Owner:        q.Get("owner"),
		TargetBranch: q.Get("target"),
		Disposition:  engine.Disposition(q.Get("disposition")),
	}
	if filter.Disposition != "" {
		if err := filter.Disposition.Validate(); err != nil {
			s.writeError(w, r, engine.NewValidationError("invalid disposition filter", err))
			return
		}
	}
	limit, ok := s.limitParam(w, r)
	if !ok {
		return
	}
	filter.Limit = limit

	runs, err := s.cfg.Store.ListRuns(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if runs == nil {
		runs = []*engine.WAPRun{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.cfg.Store.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.cfg.Store.GetRun(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	limit, ok := s.limitParam(w, r)
	if !ok {
		return
	}

	events, err := s.cfg.Store.ListEvents(r.Context(), id, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if events == nil {
		events = []*engine.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Store.HealthCheck(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) limitParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		s.writeError(w, r, engine.NewValidationError("limit must be a non-negative integer", err))
		return 0, false
	}
	return n, true
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	traceID := telemetry.TraceID(r.Context())
	if status >= 500 {
		telemetry.RecordError(trace.SpanFromContext(r.Context()), err)
		s.logger.Error().Err(err).
			Str("path", r.URL.Path).
			Str("trace_id", traceID).
			Msg("API request failed")
	}
	resp := errorResponse(err)
	resp.TraceID = traceID
	writeJSON(w, status, resp)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, stores.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return 499
	}

	switch engine.CodeOf(err) {
	case engine.ErrCodeValidation, engine.ErrCodePolicyDenied:
		return http.StatusUnprocessableEntity
	case engine.ErrCodeRunExists:
		return http.StatusConflict
	}
	if engine.IsTransient(err) {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func errorResponse(err error) ErrorResponse {
	resp := ErrorResponse{Error: err.Error()}
	if ee, ok := engine.AsEngineError(err); ok {
		resp.Error = ee.Message
		resp.Code = ee.Code
		resp.Class = ee.Class
		resp.Details = ee.Details
		if ee.Err != nil {
			resp.Cause = ee.Err.Error()
		}
	}
	return resp
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
