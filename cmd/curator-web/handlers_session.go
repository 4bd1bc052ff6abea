package main

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/fpang/depth-curator/internal/filehandler"
	"github.com/fpang/depth-curator/internal/session"
	"github.com/rs/zerolog/log"
)

// GET /api/health
func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GET|POST /api/new-session
func (s *server) handleNewSession(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet, http.MethodPost) {
		return
	}
	respondJSON(w, http.StatusOK, s.sessions.Create())
}

// GET /api/session/{id}
func (s *server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/session/")
	if err := validateSessionID(id); err != nil {
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}
	sess, err := s.sessions.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, struct {
		*session.Session
		Thumbnails map[session.Kind][]string `json:"thumbnails"`
	}{sess, sess.Thumbnails()})
}

type sessionRequest struct {
	SessionID string `json:"session_id"`
}

// decodeSessionRequest decodes body into v and validates its session id.
func decodeSessionRequest(w http.ResponseWriter, r *http.Request, v any, id func() string) bool {
	if !requireMethod(w, r, http.MethodPost) {
		return false
	}
	if err := decodeJSON(w, r, v); err != nil {
		httpError(w, http.StatusBadRequest, err.Error())
		return false
	}
	if err := validateSessionID(id()); err != nil {
		httpError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

// POST /api/update-threshold {session_id, name, value}
// threshold_type is accepted in place of name.
func (s *server) handleUpdateThreshold(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID     string `json:"session_id"`
		Name          string `json:"name"`
		ThresholdType string `json:"threshold_type"`
		Value         any    `json:"value"`
	}
	if !decodeSessionRequest(w, r, &req, func() string { return req.SessionID }) {
		return
	}
	name := req.Name
	if name == "" {
		name = req.ThresholdType
	}
	th, err := s.sessions.SetThreshold(req.SessionID, name, req.Value)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := map[string]any{"session_id": req.SessionID, "thresholds": th}
	if preview := s.solidColorPreview(r.Context(), req.SessionID, name, th); preview != nil {
		resp["preview"] = preview
	}
	respondJSON(w, http.StatusOK, resp)
}

// solidColorPreview re-renders the depth preview after a solid-colour
// threshold changed. It returns nil when there is nothing to render.
func (s *server) solidColorPreview(ctx context.Context, sessionID, name string, th session.Thresholds) map[string]any {
	canonical, _ := session.CanonicalThreshold(name)
	switch canonical {
	case session.ThresholdBlackCutoff, session.ThresholdWhiteCutoff, session.ThresholdSolidPercentage:
	default:
		return nil
	}
	sess, err := s.sessions.Get(sessionID)
	if err != nil || sess.Depth == nil || s.thumbs == nil {
		return nil
	}
	p, err := s.thumbs.UniformPreview(ctx, sess.Depth.Path, sessionID, true, uint8(th.BlackCutoff), uint8(th.WhiteCutoff))
	if err != nil {
		log.Warn().Err(err).Str("sessionId", sessionID).Msg("Solid-colour preview not generated")
		return nil
	}
	return map[string]any{
		"name":           p.Name,
		"black_fraction": p.BlackFraction,
		"white_fraction": p.WhiteFraction,
		"rejected":       max(p.BlackFraction, p.WhiteFraction) >= th.SolidPercentage,
	}
}

// POST /api/update-pipeline {session_id, stages: {name: bool}}
func (s *server) handleUpdatePipeline(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string          `json:"session_id"`
		Stages    map[string]bool `json:"stages"`
	}
	if !decodeSessionRequest(w, r, &req, func() string { return req.SessionID }) {
		return
	}
	if len(req.Stages) == 0 {
		httpError(w, http.StatusBadRequest, "stages is required")
		return
	}
	st, err := s.sessions.SetStages(req.SessionID, req.Stages)
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"session_id": req.SessionID, "stages": st})
}

// POST /api/restore-defaults {session_id}
func (s *server) handleRestoreDefaults(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if !decodeSessionRequest(w, r, &req, func() string { return req.SessionID }) {
		return
	}
	sess, err := s.sessions.RestoreDefaults(req.SessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

// POST /api/delete/{kind} {session_id, item_id?}
func (s *server) handleDelete(w http.ResponseWriter, r *http.Request) {
	kind, err := session.ParseKind(strings.TrimPrefix(r.URL.Path, "/api/delete/"))
	if err != nil {
		if requireMethod(w, r, http.MethodPost) {
			writeError(w, err)
		}
		return
	}
	var req struct {
		SessionID string `json:"session_id"`
		ItemID    string `json:"item_id"`
	}
	if !decodeSessionRequest(w, r, &req, func() string { return req.SessionID }) {
		return
	}
	sess, err := s.sessions.ClearAsset(req.SessionID, kind, req.ItemID)
	if err != nil {
		writeError(w, err)
		return
	}
	if kind == session.KindDepth {
		preview := filepath.Join(s.layout.Thumbnails, filehandler.PreviewName(sess.ID))
		if err := os.Remove(preview); err != nil && !os.IsNotExist(err) {
			log.Warn().Err(err).Str("path", preview).Msg("Failed to remove preview")
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"session_id": sess.ID,
		"thumbnails": sess.Thumbnails(),
	})
}
