package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mirrorkv/mirrorkv/internal/apperr"
	"github.com/mirrorkv/mirrorkv/internal/conflict"
	"github.com/mirrorkv/mirrorkv/internal/model"
)

// ConflictHistory handles GET /conflicts/history/{itemId}.
func (s *Server) ConflictHistory(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireIdentity(w, r, false); !ok {
		return
	}
	records, err := s.Conflicts.History(r.Context(), chi.URLParam(r, "itemId"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"conflicts": records, "count": len(records)})
}

// ConflictStats handles GET /conflicts/stats?startDate=&endDate=.
// Dates are RFC 3339; the window defaults to the last 30 days.
func (s *Server) ConflictStats(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireIdentity(w, r, false); !ok {
		return
	}

	end := time.Now().UTC()
	start := end.AddDate(0, 0, -30)
	if v := r.URL.Query().Get("startDate"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeAppError(w, r, apperr.New(apperr.Validation, "startDate must be RFC 3339"))
			return
		}
		start = t
	}
	if v := r.URL.Query().Get("endDate"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeAppError(w, r, apperr.New(apperr.Validation, "endDate must be RFC 3339"))
			return
		}
		end = t
	}

	stats, err := s.Conflicts.Stats(r.Context(), start, end)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, stats)
}

// resolveConflictReq is the body of PUT /conflicts/resolve/{conflictId}.
type resolveConflictReq struct {
	Strategy   model.Strategy `json:"strategy"`
	AIModel    string         `json:"aiModel,omitempty"`
	UserReview bool           `json:"userReview,omitempty"`
}

// ResolveConflict handles PUT /conflicts/resolve/{conflictId}.
func (s *Server) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireIdentity(w, r, false); !ok {
		return
	}

	var req resolveConflictReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAppError(w, r, apperr.New(apperr.Validation, "invalid JSON body"))
		return
	}
	if req.Strategy == "" {
		writeAppError(w, r, apperr.New(apperr.Validation, "strategy is required"))
		return
	}

	rec, err := s.Conflicts.Resolve(r.Context(), chi.URLParam(r, "conflictId"), conflict.ResolveOpts{
		Strategy:      req.Strategy,
		AIModel:       req.AIModel,
		HumanReviewed: req.UserReview,
	})
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, rec)
}

// analyzeReq describes a hypothetical write to check for conflicts
// without committing anything.
type analyzeReq struct {
	Key             string          `json:"key"`
	Value           json.RawMessage `json:"value"`
	ExpectedVersion *int            `json:"expectedVersion,omitempty"`
}

// AnalyzeConflict handles POST /conflicts/analyze: run detection and
// analysis for a would-be write against the currently stored item.
func (s *Server) AnalyzeConflict(w http.ResponseWriter, r *http.Request) {
	id, ok := requireIdentity(w, r, false)
	if !ok {
		return
	}

	var req analyzeReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAppError(w, r, apperr.New(apperr.Validation, "invalid JSON body"))
		return
	}
	if req.Key == "" {
		writeAppError(w, r, apperr.New(apperr.Validation, "key is required"))
		return
	}

	current, err := s.Repo.FindByKey(r.Context(), id.UserID, req.Key)
	if err != nil {
		writeAppError(w, r, err)
		return
	}

	now := time.Now()
	detection := conflict.Detect(current, conflict.Incoming{
		Value:           req.Value,
		ExpectedVersion: req.ExpectedVersion,
		InstanceID:      id.InstanceID,
		Timestamp:       now.UnixMilli(),
	}, now)

	resp := map[string]any{"hasConflict": detection != nil}
	if detection != nil {
		analysis := conflict.Analyze(detection)
		resp["conflictType"] = detection.Type
		resp["details"] = detection.Details
		resp["severity"] = analysis.Severity
		resp["autoResolvable"] = analysis.AutoResolvable
		resp["recommendedStrategy"] = analysis.RecommendedStrategy
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// ConflictStrategies handles GET /conflicts/strategies.
func (s *Server) ConflictStrategies(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]any{"strategies": conflict.Strategies()})
}
