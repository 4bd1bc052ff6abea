package main

import (
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/fpang/depth-curator/internal/session"
	"github.com/fpang/depth-curator/internal/upload"
	"github.com/google/uuid"
)

// maxChunkMemory is how much of a multipart chunk is buffered in memory.
const maxChunkMemory = 32 << 20

// POST /api/init-upload
func (s *server) handleInitUpload(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"upload_id": uuid.NewString()})
}

// POST /api/upload-chunk (multipart)
func (s *server) handleUploadChunk(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	if err := r.ParseMultipartForm(maxChunkMemory); err != nil {
		httpError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	index, err := strconv.Atoi(r.FormValue("chunk_index"))
	if err != nil {
		httpError(w, http.StatusBadRequest, "chunk_index must be an integer")
		return
	}
	total, err := strconv.Atoi(r.FormValue("total_chunks"))
	if err != nil {
		httpError(w, http.StatusBadRequest, "total_chunks must be an integer")
		return
	}
	kind, err := session.ParseKind(r.FormValue("file_type"))
	if err != nil {
		writeError(w, err)
		return
	}
	sessionID := r.FormValue("session_id")
	if sessionID != "" {
		if err := validateSessionID(sessionID); err != nil {
			httpError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	file, _, err := r.FormFile("chunk")
	if err != nil {
		httpError(w, http.StatusBadRequest, "chunk file is required")
		return
	}
	defer file.Close()

	receipt, err := s.intake.Receive(r.Context(), upload.Chunk{
		SessionID: sessionID,
		UploadID:  r.FormValue("job_id"),
		AssetName: filepath.Base(strings.TrimSpace(r.FormValue("filename"))),
		Kind:      kind,
		Index:     index,
		Total:     total,
		Body:      file,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	resp := map[string]any{
		"complete":    receipt.Complete,
		"chunk_index": receipt.Index,
		"received":    receipt.Received,
		"total":       receipt.Total,
	}
	if receipt.Complete {
		resp["filename"] = receipt.Filename
		resp["thumbnail"] = receipt.Thumbnail
		if receipt.Thumbnails != nil {
			resp["thumbnails"] = receipt.Thumbnails
		}
	}
	respondJSON(w, http.StatusOK, resp)
}

// GET /api/thumbnails/{name}
func (s *server) handleThumbnail(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	name := strings.TrimPrefix(r.URL.Path, "/api/thumbnails/")
	if err := validateThumbnailName(name); err != nil {
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.Header().Set("Cache-Control", "no-cache")
	http.ServeFile(w, r, filepath.Join(s.layout.Thumbnails, name))
}
