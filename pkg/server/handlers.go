// Copyright 2026 The Compass Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/atlasmesh/compass/pkg/auth"
	"github.com/atlasmesh/compass/pkg/cache"
	"github.com/atlasmesh/compass/pkg/feedback"
	"github.com/atlasmesh/compass/pkg/indexer"
	"github.com/atlasmesh/compass/pkg/search"
	"github.com/atlasmesh/compass/pkg/vector"
)

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	ident, _ := auth.IdentityFrom(r.Context())

	req, err := parseSearchRequest(r)
	if err != nil {
		writeError(w, r, http.StatusUnprocessableEntity, KindValidation, codeInvalidBody, err.Error())
		return
	}

	start := time.Now()
	resp, err := s.engine.Search(r.Context(), ident, req)
	if err != nil {
		s.writeSearchError(w, r, err)
		return
	}

	if s.metrics != nil {
		s.metrics.ObserveSearch(resp.Metadata.SearchBackend, time.Since(start).Seconds())
		if resp.Metadata.CacheHit {
			s.metrics.CacheHit("response")
		} else {
			s.metrics.CacheMiss("response")
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) writeSearchError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *search.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, r, http.StatusUnprocessableEntity, KindValidation, verr.Code, verr.Message)
	case errors.Is(err, search.ErrServiceNotFound):
		writeError(w, r, http.StatusNotFound, KindNotFound, codeNotFound, "service not found")
	case errors.Is(err, search.ErrUnavailable):
		writeError(w, r, http.StatusServiceUnavailable, KindUnavailable, codeUnavailable,
			"search backends unavailable")
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, r, http.StatusGatewayTimeout, KindTimeout, codeTimeout, "request timed out")
	default:
		slog.Error("search failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, KindInternal, codeInternal, "")
	}
}

// parseSearchRequest accepts either query-string parameters (GET) or a JSON
// body (POST). Both shapes share field names.
func parseSearchRequest(r *http.Request) (*search.Request, error) {
	if r.Method == http.MethodPost {
		var req search.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return nil, errors.New("malformed JSON body")
		}
		return &req, nil
	}

	q := r.URL.Query()
	req := &search.Request{
		Query:           q.Get("query"),
		Mode:            q.Get("search_mode"),
		Verbosity:       q.Get("response_mode"),
		Version:         q.Get("version"),
		Domains:         q["domains"],
		Capabilities:    q["capabilities"],
		ExcludeServices: q["exclude_services"],
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, errors.New("limit must be an integer")
		}
		req.Limit = n
	}
	if v := q.Get("min_score"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, errors.New("min_score must be a number")
		}
		req.MinScore = f
	}
	if v := q.Get("include_orchestration"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, errors.New("include_orchestration must be a boolean")
		}
		req.IncludeOrchestration = b
	}
	return req, nil
}

// feedbackRequest is the selection report body.
type feedbackRequest struct {
	SearchID        string `json:"search_id"`
	Position        int    `json:"position"`
	SelectedID      int64  `json:"selected_id"`
	SelectedType    string `json:"selected_type,omitempty"`
	SelectionTimeMS int64  `json:"selection_time_ms,omitempty"`
	Satisfaction    *int   `json:"satisfaction,omitempty"`
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var req feedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusUnprocessableEntity, KindValidation, codeInvalidBody,
			"malformed JSON body")
		return
	}
	if req.SelectedType == "" {
		req.SelectedType = search.RefTool
	}

	err := s.feedback.RecordSelection(r.Context(), feedback.Selection{
		SearchID:       req.SearchID,
		ResultType:     req.SelectedType,
		ResultID:       req.SelectedID,
		Position:       req.Position,
		TimeToSelectMS: req.SelectionTimeMS,
		Satisfaction:   req.Satisfaction,
	})
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "recorded"})
	case errors.Is(err, feedback.ErrUnknownSearch):
		writeError(w, r, http.StatusNotFound, KindNotFound, codeUnknownSearch,
			"unknown search_id")
	case errors.Is(err, feedback.ErrSelectionMismatch):
		writeError(w, r, http.StatusUnprocessableEntity, KindValidation, codeSelectionMismatch,
			err.Error())
	default:
		slog.Error("selection write failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, KindInternal, codeInternal, "")
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.indexer.Status()
	report := search.StatusReport{
		ServicesIndexed:  st.ServicesIndexed,
		ToolsIndexed:     st.ToolsIndexed,
		EmbeddingBackend: s.provider.Backend,
		EmbeddingModel:   s.provider.Model(),
		IndexStale:       st.IndexStale,
		LastRebuildError: st.LastRebuildError,
		EmbeddingCache:   hitRate(s.embCache.Stats()),
		ResponseCache:    hitRate(s.respCache.Stats()),
	}
	if !st.LastRebuildAt.IsZero() {
		report.LastRebuildAt = st.LastRebuildAt.Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, report)
}

func hitRate(st cache.Stats) float64 {
	total := st.Hits + st.Misses
	if total == 0 {
		return 0
	}
	return float64(st.Hits) / float64(total)
}

func (s *Server) handleSimilar(w http.ResponseWriter, r *http.Request) {
	ident, _ := auth.IdentityFrom(r.Context())

	serviceID, err := strconv.ParseInt(chi.URLParam(r, "service_id"), 10, 64)
	if err != nil {
		writeError(w, r, http.StatusUnprocessableEntity, KindValidation, codeInvalidBody,
			"service_id must be an integer")
		return
	}
	limit := 10
	if v := r.URL.Query().Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit < 1 || limit > search.MaxLimit {
			writeError(w, r, http.StatusUnprocessableEntity, KindValidation,
				search.CodeInvalidLimit, "limit must be in 1..100")
			return
		}
	}

	results, err := s.engine.Similar(r.Context(), ident, serviceID, limit)
	if err != nil {
		s.writeSearchError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"service_id": serviceID,
		"results":    results,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	components := map[string]string{
		"api":            "ok",
		"registry":       "ok",
		"services_index": "ok",
		"tools_index":    "ok",
		"cache":          "ok",
	}
	healthy := true

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		components["registry"] = "unavailable"
		healthy = false
	}

	st := s.indexer.Status()
	if st.ServicesIndexed == 0 {
		components["services_index"] = "empty"
	}
	if st.ToolsIndexed == 0 {
		components["tools_index"] = "empty"
	}
	if s.metrics != nil {
		s.metrics.SetIndexSize(vector.CollectionServices, st.ServicesIndexed)
		s.metrics.SetIndexSize(vector.CollectionTools, st.ToolsIndexed)
	}

	status := http.StatusOK
	overall := "ok"
	if !healthy {
		status = http.StatusServiceUnavailable
		overall = "degraded"
	}
	writeJSON(w, status, map[string]any{
		"status":     overall,
		"components": components,
	})
}

// handleRebuild triggers a full index rebuild in the background. The request
// returns immediately; progress is visible via /search/status.
func (s *Server) handleRebuild(w http.ResponseWriter, r *http.Request) {
	if s.indexer.Status().Rebuilding {
		writeError(w, r, http.StatusConflict, KindValidation, codeRebuildInProgress,
			"a rebuild is already running")
		return
	}

	go func() {
		err := s.indexer.Rebuild(context.Background())
		outcome := "success"
		if err != nil {
			outcome = "failure"
			slog.Error("index rebuild failed", "error", err)
		}
		if s.metrics != nil {
			s.metrics.ObserveRebuild(outcome)
			st := s.indexer.Status()
			s.metrics.SetIndexSize(vector.CollectionServices, st.ServicesIndexed)
			s.metrics.SetIndexSize(vector.CollectionTools, st.ToolsIndexed)
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "rebuild_started"})
}

// handleEvents applies one registry mutation event as an index delta. The
// admin surface posts here after committing a change, so searches reflect
// the mutation without a full rebuild.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	var ev indexer.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, r, http.StatusUnprocessableEntity, KindValidation, codeInvalidBody,
			"malformed JSON body")
		return
	}
	if !ev.Type.Valid() {
		writeError(w, r, http.StatusUnprocessableEntity, KindValidation, codeInvalidBody,
			"unknown event type "+strconv.Quote(string(ev.Type)))
		return
	}

	if err := s.indexer.Apply(r.Context(), ev); err != nil {
		slog.Error("event apply failed", "type", ev.Type, "error", err)
		writeError(w, r, http.StatusInternalServerError, KindInternal, codeInternal, "")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "applied"})
}
