// SPDX-License-Identifier: MIT

package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/stellwerk/railwatch/internal/auth"
	"github.com/stellwerk/railwatch/internal/decision"
	"github.com/stellwerk/railwatch/internal/model"
	"github.com/stellwerk/railwatch/internal/store"
)

func (s *Server) handleReportPosition(w http.ResponseWriter, r *http.Request) {
	var report model.PositionReport
	if err := decodeBody(r, &report); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.pipeline.Report(r.Context(), report); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"train_id":  report.TrainID,
		"timestamp": report.Timestamp.UTC(),
	})
}

func (s *Server) handleReportBulk(w http.ResponseWriter, r *http.Request) {
	var reports []model.PositionReport
	if err := decodeBody(r, &reports); err != nil {
		writeError(w, r, err)
		return
	}
	if len(reports) == 0 {
		writeError(w, r, model.New(model.CodeValidation, "empty report batch"))
		return
	}
	accepted, rejections := s.pipeline.ReportBulk(r.Context(), reports)
	status := http.StatusAccepted
	if accepted == 0 {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, map[string]any{
		"accepted":  accepted,
		"rejected":  len(rejections),
		"rejections": rejections,
	})
}

func (s *Server) handleCurrentPosition(w http.ResponseWriter, r *http.Request) {
	trainID, err := pathID(chi.URLParam(r, "train"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if pos, ok := s.pipeline.CurrentPosition(trainID); ok {
		writeJSON(w, http.StatusOK, pos)
		return
	}
	pos, err := s.store.LatestPosition(r.Context(), trainID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

func (s *Server) handleTrainsInSection(w http.ResponseWriter, r *http.Request) {
	sectionID, err := pathID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if _, err := s.store.GetSection(r.Context(), sectionID); err != nil {
		writeError(w, r, err)
		return
	}
	trains := s.pipeline.TrainsInSection(sectionID)
	writeJSON(w, http.StatusOK, map[string]any{
		"section_id": sectionID,
		"trains":     trains,
	})
}

func (s *Server) handleActiveConflicts(w http.ResponseWriter, r *http.Request) {
	conflicts, err := s.engine.GetActiveConflicts(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conflicts": conflicts, "count": len(conflicts)})
}

func (s *Server) handleResolveConflict(w http.ResponseWriter, r *http.Request) {
	conflictID, err := pathID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req decision.ResolveRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	req.ConflictID = conflictID

	ack, err := s.engine.ResolveConflict(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, ack)
}

func (s *Server) handleControlTrain(w http.ResponseWriter, r *http.Request) {
	trainID, err := pathID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req decision.ControlRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	req.TrainID = trainID

	ack, err := s.engine.ControlTrain(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, ack)
}

func (s *Server) handleLogDecision(w http.ResponseWriter, r *http.Request) {
	var req decision.LogRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	ack, err := s.engine.LogDecision(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ack)
}

func (s *Server) handleQueryAudit(w http.ResponseWriter, r *http.Request) {
	filter, err := auditFilterFromQuery(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	page, err := s.engine.QueryAudit(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	decisionID, err := pathID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	d, err := s.engine.Approve(r.Context(), decisionID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleDetect(w http.ResponseWriter, r *http.Request) {
	if _, err := auth.Require(r.Context(), model.LevelSupervisor); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := s.scheduler.RunDetectionOnce(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"new":         len(res.New),
		"updated":     len(res.Updated),
		"duration_ms": res.Duration.Milliseconds(),
		"conflicts":   res.New,
	})
}

func (s *Server) handlePerformance(w http.ResponseWriter, r *http.Request) {
	window := time.Hour
	if raw := r.URL.Query().Get("window"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			writeError(w, r, model.Newf(model.CodeValidation, "invalid window %q", raw))
			return
		}
		window = parsed
	}
	report, err := s.engine.GetPerformanceMetrics(r.Context(), window)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func auditFilterFromQuery(r *http.Request) (store.AuditFilter, error) {
	q := r.URL.Query()
	var filter store.AuditFilter
	var err error

	if filter.ControllerID, err = queryID(q.Get("controller_id")); err != nil {
		return filter, err
	}
	if filter.TrainID, err = queryID(q.Get("train_id")); err != nil {
		return filter, err
	}
	if filter.ConflictID, err = queryID(q.Get("conflict_id")); err != nil {
		return filter, err
	}
	filter.Action = model.DecisionAction(q.Get("action"))

	if raw := q.Get("from"); raw != "" {
		if filter.From, err = time.Parse(time.RFC3339, raw); err != nil {
			return filter, model.Newf(model.CodeValidation, "invalid from %q", raw)
		}
	}
	if raw := q.Get("to"); raw != "" {
		if filter.To, err = time.Parse(time.RFC3339, raw); err != nil {
			return filter, model.Newf(model.CodeValidation, "invalid to %q", raw)
		}
	}
	if raw := q.Get("limit"); raw != "" {
		if filter.Limit, err = strconv.Atoi(raw); err != nil || filter.Limit < 0 {
			return filter, model.Newf(model.CodeValidation, "invalid limit %q", raw)
		}
	}
	if raw := q.Get("offset"); raw != "" {
		if filter.Offset, err = strconv.Atoi(raw); err != nil || filter.Offset < 0 {
			return filter, model.Newf(model.CodeValidation, "invalid offset %q", raw)
		}
	}
	return filter, nil
}

func queryID(raw string) (int64, error) {
	if raw == "" {
		return 0, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 0 {
		return 0, model.Newf(model.CodeValidation, "invalid id %q", raw)
	}
	return id, nil
}
