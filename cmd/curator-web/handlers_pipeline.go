package main

import (
	"net/http"
	"os"
	"strings"

	"github.com/fpang/depth-curator/internal/jobs"
	"github.com/fpang/depth-curator/internal/pipeline"
)

// POST /api/run-pipeline {session_id}
func (s *server) handleRunPipeline(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if !decodeSessionRequest(w, r, &req, func() string { return req.SessionID }) {
		return
	}
	sess, err := s.sessions.Get(req.SessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	jobID, err := s.pipeline.Launch(pipeline.SnapshotFrom(sess, s.cfg.MinGoodMatches, s.cfg.DetectTimeout))
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{
		"job_id": jobID,
		"state":  string(jobs.StateQueued),
	})
}

type statusResponse struct {
	jobs.Record
	DownloadURL string `json:"download_url,omitempty"`
}

// GET /api/pipeline/{jobId}/status
func (s *server) handlePipelineRoutes(w http.ResponseWriter, r *http.Request) {
	jobID, action, ok := jobs.ParseRoute(r.URL.Path, "/api/pipeline/", jobs.IDPrefix)
	if !ok || action != "status" {
		httpError(w, http.StatusNotFound, "not found")
		return
	}
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	if !jobs.ValidID(jobID) {
		httpError(w, http.StatusBadRequest, "invalid job id")
		return
	}
	rec, err := s.jobs.Get(jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := statusResponse{Record: rec}
	if rec.Result != nil && rec.Result.ArchiveName != "" {
		resp.DownloadURL = rec.Result.RemoteURL
		if resp.DownloadURL == "" {
			resp.DownloadURL = "/api/downloads/" + rec.ID
		}
	}
	respondJSON(w, http.StatusOK, resp)
}

// GET /api/downloads/{jobId}
func (s *server) handleDownload(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	jobID := strings.TrimPrefix(r.URL.Path, "/api/downloads/")
	if !jobs.ValidID(jobID) {
		httpError(w, http.StatusBadRequest, "invalid job id")
		return
	}
	rec, err := s.jobs.Get(jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	if rec.Result == nil || rec.Result.ArchivePath == "" {
		httpError(w, http.StatusNotFound, "job has no archive")
		return
	}
	if _, err := os.Stat(rec.Result.ArchivePath); err != nil {
		httpError(w, http.StatusNotFound, "archive not found")
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="`+rec.Result.ArchiveName+`"`)
	http.ServeFile(w, r, rec.Result.ArchivePath)
}

type sessionMetrics struct {
	SessionID       string         `json:"session_id"`
	Jobs            int            `json:"jobs"`
	JobsByState     map[string]int `json:"jobs_by_state"`
	FramesProcessed int            `json:"frames_processed"`
	FramesAccepted  int            `json:"frames_accepted"`
	FramesRejected  int            `json:"frames_rejected"`
	RejectedByStage map[string]int `json:"rejected_by_stage"`
	Categories      map[string]int `json:"categories"`
	LastJobID       string         `json:"last_job_id,omitempty"`
}

// GET /api/metrics/{sessionId}
func (s *server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/metrics/")
	if err := validateSessionID(id); err != nil {
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !s.sessions.Exists(id) {
		httpError(w, http.StatusNotFound, "session not found")
		return
	}
	respondJSON(w, http.StatusOK, aggregateMetrics(id, s.jobs.ListBySession(id)))
}

func aggregateMetrics(sessionID string, records []jobs.Record) sessionMetrics {
	m := sessionMetrics{
		SessionID:       sessionID,
		Jobs:            len(records),
		JobsByState:     map[string]int{},
		RejectedByStage: map[string]int{},
		Categories:      map[string]int{},
	}
	for _, rec := range records {
		m.JobsByState[string(rec.State)]++
		m.LastJobID = rec.ID
		if rec.Result == nil {
			m.FramesProcessed += rec.Progress.FramesProcessed
			m.FramesAccepted += rec.Progress.FramesAccepted
			m.FramesRejected += rec.Progress.FramesRejected
			continue
		}
		m.FramesProcessed += rec.Result.FramesProcessed
		m.FramesAccepted += rec.Result.FramesAccepted
		m.FramesRejected += rec.Result.FramesRejected
		for k, v := range rec.Result.RejectedByStage {
			m.RejectedByStage[k] += v
		}
		for k, v := range rec.Result.Categories {
			m.Categories[k] += v
		}
	}
	return m
}
