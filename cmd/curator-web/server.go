package main

import (
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/fpang/depth-curator/internal/config"
	"github.com/fpang/depth-curator/internal/filehandler"
	"github.com/fpang/depth-curator/internal/jobs"
	"github.com/fpang/depth-curator/internal/pipeline"
	"github.com/fpang/depth-curator/internal/session"
	"github.com/fpang/depth-curator/internal/upload"
	"github.com/rs/zerolog/log"
)

// server holds the process-scoped registries shared by all handlers.
type server struct {
	cfg      config.Config
	layout   config.Layout
	sessions *session.Store
	intake   *upload.Intake
	thumbs   *filehandler.ThumbnailGenerator
	jobs     *jobs.Registry
	pipeline *pipeline.Orchestrator
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/health", s.handleHealth)

	// Sessions and configuration
	mux.HandleFunc("/api/new-session", s.handleNewSession)
	mux.HandleFunc("/api/session/", s.handleGetSession)
	mux.HandleFunc("/api/update-threshold", s.handleUpdateThreshold)
	mux.HandleFunc("/api/update-pipeline", s.handleUpdatePipeline)
	mux.HandleFunc("/api/restore-defaults", s.handleRestoreDefaults)
	mux.HandleFunc("/api/delete/", s.handleDelete)

	// Uploads
	mux.HandleFunc("/api/init-upload", s.handleInitUpload)
	mux.HandleFunc("/api/upload-chunk", s.handleUploadChunk)
	mux.HandleFunc("/api/thumbnails/", s.handleThumbnail)

	// Pipeline
	mux.HandleFunc("/api/run-pipeline", s.handleRunPipeline)
	mux.HandleFunc("/api/pipeline/", s.handlePipelineRoutes)
	mux.HandleFunc("/api/downloads/", s.handleDownload)
	mux.HandleFunc("/api/metrics/", s.handleMetrics)

	return withLogging(withCORS(s.cfg.Origins, mux))
}

// --- Middleware ---

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		if strings.HasPrefix(r.URL.Path, "/api/") && r.URL.Path != "/api/health" {
			log.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", rec.status).
				Dur("duration", time.Since(start)).
				Msg("API request")
		}
	})
}

func withCORS(origins []string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && (slices.Contains(origins, origin) || slices.Contains(origins, "*")) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
