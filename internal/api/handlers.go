package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/stagehand/internal/lock"
	"github.com/mattjoyce/stagehand/internal/policy"
	"github.com/mattjoyce/stagehand/internal/stage"
	"github.com/mattjoyce/stagehand/internal/validation"
)

const maxBodyBytes = 1 << 20

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
	}
	rec, err := s.stager.Current(r.Context())
	if err != nil {
		s.logger.Error("healthz: failed to read stage record", "error", err)
		resp.Status = "degraded"
	} else if rec != nil {
		resp.StageID = rec.ID
		resp.StageState = rec.State
		if rec.State == stage.Corrupted {
			resp.Status = "degraded"
		}
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	report, err := s.stager.StatusCheck(r.Context())
	if err != nil {
		s.writeStageError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, StatusResponse{Report: validation.NewReport(report.Results), CheckedAt: report.CheckedAt})
}

func (s *Server) handleLastStatus(w http.ResponseWriter, r *http.Request) {
	report, err := s.stager.LastStatusCheck(r.Context())
	if err != nil {
		s.writeStageError(w, err)
		return
	}
	if report == nil {
		s.writeError(w, http.StatusNotFound, "no status check has run yet")
		return
	}
	respondJSON(w, http.StatusOK, StatusResponse{Report: validation.NewReport(report.Results), CheckedAt: report.CheckedAt})
}

func (s *Server) handleCurrentStage(w http.ResponseWriter, r *http.Request) {
	rec, err := s.stager.Current(r.Context())
	if err != nil {
		s.writeStageError(w, err)
		return
	}
	held, err := s.stager.Lock(r.Context())
	if err != nil {
		s.writeStageError(w, err)
		return
	}
	if rec == nil && held == nil {
		s.writeError(w, http.StatusNotFound, stage.ErrNoStage.Error())
		return
	}
	respondJSON(w, http.StatusOK, CurrentStageResponse{Stage: rec, Lock: held})
}

func (s *Server) handleBegin(w http.ResponseWriter, r *http.Request) {
	var req RequirementsRequest
	if !s.decodeBody(w, r, &req, true) {
		return
	}
	planned, err := req.parse()
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	st, results, err := s.stager.Begin(r.Context(), planned)
	if err != nil {
		status, body := errorResponse(err)
		if st != nil {
			body.StageID = st.ID()
			body.Token = st.Token()
		}
		respondJSON(w, status, body)
		return
	}
	respondJSON(w, http.StatusCreated, StageResponse{Stage: st.Record(), Token: st.Token(), Results: results})
}

func (s *Server) handleRequire(w http.ResponseWriter, r *http.Request) {
	var req RequirementsRequest
	if !s.decodeBody(w, r, &req, false) {
		return
	}
	reqs, err := req.parse()
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(reqs) == 0 {
		s.writeError(w, http.StatusBadRequest, "requirements must not be empty")
		return
	}

	st, ok := s.claim(w, r)
	if !ok {
		return
	}
	results, err := st.Require(r.Context(), reqs)
	s.respondStage(w, http.StatusOK, st, results, err)
}

func (s *Server) handleApply(w http.ResponseWriter, r *http.Request) {
	st, ok := s.claim(w, r)
	if !ok {
		return
	}
	results, err := st.Apply(r.Context())
	s.respondStage(w, http.StatusOK, st, results, err)
}

func (s *Server) handleDestroy(w http.ResponseWriter, r *http.Request) {
	stageID := chi.URLParam(r, "stageID")

	if force, _ := strconv.ParseBool(r.URL.Query().Get("force")); force {
		rec, results, err := s.stager.ForceDestroy(r.Context(), stageID)
		if err != nil {
			s.writeStageError(w, err)
			return
		}
		s.logger.Warn("stage force destroyed via API", "stage_id", rec.ID, "request_id", middleware.GetReqID(r.Context()))
		respondJSON(w, http.StatusOK, StageResponse{Stage: *rec, Results: results})
		return
	}

	st, ok := s.claim(w, r)
	if !ok {
		return
	}
	results, err := st.Destroy(r.Context())
	s.respondStage(w, http.StatusOK, st, results, err)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	stageID := chi.URLParam(r, "stageID")
	transitions, err := s.stager.History(r.Context(), stageID)
	if err != nil {
		s.writeStageError(w, err)
		return
	}
	if len(transitions) == 0 {
		s.writeError(w, http.StatusNotFound, "no history for stage "+stageID)
		return
	}
	respondJSON(w, http.StatusOK, HistoryResponse{StageID: stageID, Transitions: transitions})
}

func (s *Server) handleRunUpdate(w http.ResponseWriter, r *http.Request) {
	if s.updates == nil {
		s.writeError(w, http.StatusNotFound, "unattended updates are not configured")
		return
	}
	out, err := s.updates.RunOnce(r.Context())
	if err != nil {
		status, body := errorResponse(err)
		body.Outcome = &out
		respondJSON(w, status, body)
		return
	}
	respondJSON(w, http.StatusOK, out)
}

// claim resumes the stage named in the URL with the presented token.
func (s *Server) claim(w http.ResponseWriter, r *http.Request) (*stage.Stage, bool) {
	token, err := stageToken(r)
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, err.Error())
		return nil, false
	}
	st, err := s.stager.Claim(r.Context(), chi.URLParam(r, "stageID"), token)
	if err != nil {
		s.writeStageError(w, err)
		return nil, false
	}
	return st, true
}

func (s *Server) respondStage(w http.ResponseWriter, status int, st *stage.Stage, results []validation.Result, err error) {
	if err != nil {
		code, body := errorResponse(err)
		if body.StageID == "" {
			body.StageID = st.ID()
		}
		if code == http.StatusInternalServerError && !body.Restore {
			s.logger.Error("stage operation failed", "stage_id", st.ID(), "error", err)
		}
		respondJSON(w, code, body)
		return
	}
	respondJSON(w, status, StageResponse{Stage: st.Record(), Results: results})
}

// decodeBody reads a JSON body into v. An empty body is accepted when
// allowEmpty is set.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any, allowEmpty bool) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) && allowEmpty {
			return true
		}
		s.writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

// errorResponse maps lifecycle errors onto HTTP statuses.
func errorResponse(err error) (int, ErrorResponse) {
	body := ErrorResponse{Error: err.Error()}

	var (
		applyErr  *stage.ApplyFailure
		failure   *validation.Failure
		ownerErr  *lock.OwnershipError
		stateErr  *stage.StateError
		violation *policy.Violation
	)
	switch {
	case errors.As(err, &applyErr):
		body.StageID = applyErr.StageID
		body.StagingDir = applyErr.StagingDir
		body.Restore = true
		return http.StatusInternalServerError, body
	case errors.As(err, &failure):
		body.Results = failure.Results
		return http.StatusUnprocessableEntity, body
	case errors.As(err, &ownerErr):
		body.StageID = ownerErr.StageID
		body.HolderID = ownerErr.HolderID
		return http.StatusConflict, body
	case errors.As(err, &stateErr):
		body.StageID = stateErr.StageID
		return http.StatusConflict, body
	case errors.Is(err, stage.ErrNoStage):
		return http.StatusNotFound, body
	case errors.As(err, &violation):
		return http.StatusUnprocessableEntity, body
	case errors.Is(err, lock.ErrProcessLocked):
		return http.StatusConflict, body
	default:
		return http.StatusInternalServerError, body
	}
}

func (s *Server) writeStageError(w http.ResponseWriter, err error) {
	status, body := errorResponse(err)
	if status == http.StatusInternalServerError && !body.Restore {
		s.logger.Error("request failed", "error", err)
	}
	respondJSON(w, status, body)
}

// respondJSON is a helper to write JSON responses
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
