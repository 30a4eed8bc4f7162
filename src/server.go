// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"analysisqueue/src/backend"
	"analysisqueue/src/logging"
	"analysisqueue/src/model"
	"analysisqueue/src/processor"
	"analysisqueue/src/store"
)

// APIServer holds dependencies for the HTTP handlers.
type APIServer struct {
	sched         *processor.Scheduler
	store         store.Store
	internalToken string
}

func NewAPIServer(sched *processor.Scheduler, st store.Store, internalToken string) *APIServer {
	return &APIServer{sched: sched, store: st, internalToken: internalToken}
}

// Handler routes every endpoint and wraps them with the OTel middleware.
func (s *APIServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/status", s.statusHandler)
	r.Get("/global-status", s.globalStatusHandler)
	r.Post("/analyze", s.analyzeHandler)
	r.Get("/tasks/{task_id}", s.taskHandler)
	r.Get("/queue", s.queueHandler)
	r.Get("/timeouts", s.timeoutsHandler)
	r.Get("/reports/{report_id}", s.reportHandler)
	r.Post("/internal/callback/done", s.callbackHandler)
	return otelhttp.NewHandler(r, "analysisqueue-api")
}

// StartAPIServer serves handler on port until ctx is done, then shuts down
// gracefully.
func StartAPIServer(ctx context.Context, port string, handler http.Handler) error {
	httpServer := &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logging.Log(fmt.Sprintf("API Server starting on :%s", port), slog.LevelInfo)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("server startup failed: %w", err)
	case <-ctx.Done():
		logging.Log("Shutdown signal received, closing server...", slog.LevelInfo)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		logging.Log("Server exited cleanly", slog.LevelInfo)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error         string              `json:"error"`
	ErrorCategory model.ErrorCategory `json:"error_category,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string, category model.ErrorCategory) {
	writeJSON(w, status, errorResponse{Error: msg, ErrorCategory: category})
}

func (s *APIServer) statusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sched.Stats())
}

func (s *APIServer) globalStatusHandler(w http.ResponseWriter, r *http.Request) {
	counts, err := s.sched.Counts(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to query system stats", "")
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

type analyzeRequest struct {
	Purl           string `json:"purl"`
	Ecosystem      string `json:"ecosystem"`
	PackageName    string `json:"package_name"`
	PackageVersion string `json:"package_version"`
	Priority       int    `json:"priority"`
	TimeoutMinutes int    `json:"timeout_minutes"`
}

type analyzeResponse struct {
	processor.StatusView
	Outcome processor.Outcome `json:"outcome"`
}

func (req analyzeRequest) identity() (model.Identity, error) {
	if req.Purl != "" {
		return model.ParseIdentity(req.Purl)
	}
	version := req.PackageVersion
	if version == "" {
		version = "latest"
	}
	id := model.LegacyIdentity(req.Ecosystem, req.PackageName, version)
	return id, id.Validate()
}

func apiKey(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	return strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
}

func (s *APIServer) analyzeHandler(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON", "")
		return
	}
	id, err := req.identity()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "")
		return
	}

	res, err := s.sched.Submit(r.Context(), processor.Request{
		Identity:       id,
		Priority:       req.Priority,
		APIKey:         apiKey(r),
		TimeoutMinutes: req.TimeoutMinutes,
	})
	if err != nil {
		category := model.CategoryOf(err)
		writeError(w, http.StatusServiceUnavailable, err.Error(), category)
		return
	}

	status := http.StatusAccepted
	if res.Outcome == processor.Cached {
		status = http.StatusOK
	}
	view, err := s.sched.Status(r.Context(), res.Task.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load task", "")
		return
	}
	writeJSON(w, status, analyzeResponse{StatusView: view, Outcome: res.Outcome})
}

func (s *APIServer) taskHandler(w http.ResponseWriter, r *http.Request) {
	taskID, err := strconv.ParseInt(chi.URLParam(r, "task_id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid task id", "")
		return
	}
	view, err := s.sched.Status(r.Context(), taskID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "task not found", "")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load task", "")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *APIServer) queueHandler(w http.ResponseWriter, r *http.Request) {
	view, err := s.sched.Queue(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load queue", "")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *APIServer) timeoutsHandler(w http.ResponseWriter, r *http.Request) {
	view, err := s.sched.Timeouts(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load running tasks", "")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *APIServer) reportHandler(w http.ResponseWriter, r *http.Request) {
	reportID, err := strconv.ParseInt(chi.URLParam(r, "report_id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid report id", "")
		return
	}
	report, err := s.store.GetReport(r.Context(), reportID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "report not found", "")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load report", "")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(report.Payload)
}

// callbackID accepts the task id as a JSON number or string.
type callbackID int64

func (c *callbackID) UnmarshalJSON(data []byte) error {
	raw := strings.Trim(string(data), `"`)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("task_id %s: %w", data, err)
	}
	*c = callbackID(id)
	return nil
}

type callbackRequest struct {
	TaskID callbackID `json:"task_id"`
	Status string     `json:"status"`
}

func (s *APIServer) authorizedInternal(r *http.Request) bool {
	if s.internalToken == "" {
		return false
	}
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	return ok && subtle.ConstantTimeCompare([]byte(token), []byte(s.internalToken)) == 1
}

func (s *APIServer) callbackHandler(w http.ResponseWriter, r *http.Request) {
	if !s.authorizedInternal(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "")
		return
	}
	var req callbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TaskID <= 0 {
		writeError(w, http.StatusBadRequest, "task_id is required", "")
		return
	}

	t, err := s.sched.OnJobCompleted(r.Context(), int64(req.TaskID), req.Status)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "task not found", "")
		return
	case errors.Is(err, backend.ErrNoResult):
		writeError(w, http.StatusNotFound, err.Error(), model.ErrResultsNotFound)
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error(), model.CategoryOf(err))
		return
	}

	view, err := s.sched.Status(r.Context(), t.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load task", "")
		return
	}
	writeJSON(w, http.StatusOK, view)
}
