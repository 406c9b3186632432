// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/HarshalKudale/modelflux/pkg/modeldl"
)

// Version is the API version reported by the health endpoint.
const Version = "1.0.0"

// DownloadRequest is the request body for starting a download. The model
// must exist in the server's catalog; asset URLs are never taken from the
// request.
type DownloadRequest struct {
	ModelID string `json:"modelId"`
}

// ImportRequest is the request body for registering local model files.
type ImportRequest struct {
	Name       string            `json:"name"`
	Provider   string            `json:"provider,omitempty"`
	Type       string            `json:"type,omitempty"`
	AssetPaths map[string]string `json:"assetPaths"`
}

// DownloadResponse describes one scheduled download.
type DownloadResponse struct {
	ModelID       string `json:"modelId"`
	Percent       int    `json:"percent"`
	QueuePosition int    `json:"queuePosition"`
}

// ErrorResponse represents an API error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// SuccessResponse represents a simple success message.
type SuccessResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// --- Handlers ---

// handleHealth returns server health status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": Version,
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

// handleCatalog returns every downloadable descriptor.
func (s *Server) handleCatalog(w http.ResponseWriter, r *http.Request) {
	models := s.catalog.ListDescriptors()
	writeJSON(w, http.StatusOK, map[string]any{
		"models": models,
		"count":  len(models),
	})
}

// handleStartDownload admits a download for a catalog model.
func (s *Server) handleStartDownload(w http.ResponseWriter, r *http.Request) {
	var req DownloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}
	if req.ModelID == "" {
		writeError(w, http.StatusBadRequest, "Missing required field: modelId", "")
		return
	}

	desc, ok := s.catalog.FindByID(req.ModelID)
	if !ok {
		writeError(w, http.StatusNotFound, "Model not in catalog", req.ModelID)
		return
	}

	// A start against an already scheduled model is a no-op; report the
	// existing download instead of a new one.
	if s.manager.IsDownloading(req.ModelID) {
		writeJSON(w, http.StatusOK, map[string]any{
			"download": s.downloadStatus(req.ModelID),
			"message":  "Download already in progress",
		})
		return
	}

	if err := s.manager.StartDownload(desc); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, modeldl.ErrStorageDenied) {
			status = http.StatusInsufficientStorage
		}
		writeError(w, status, "Failed to start download", err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, s.downloadStatus(req.ModelID))
}

// handleListDownloads returns all active and queued downloads.
func (s *Server) handleListDownloads(w http.ResponseWriter, r *http.Request) {
	statuses := s.manager.Statuses()
	downloads := make([]DownloadResponse, 0, len(statuses))
	for _, st := range statuses {
		downloads = append(downloads, DownloadResponse(st))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"downloads": downloads,
		"count":     len(downloads),
	})
}

// handleGetDownload returns one scheduled download.
func (s *Server) handleGetDownload(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "Missing model ID", "")
		return
	}
	if !s.manager.IsDownloading(id) {
		writeError(w, http.StatusNotFound, "Download not found", "")
		return
	}
	writeJSON(w, http.StatusOK, s.downloadStatus(id))
}

// handleCancelDownload cancels a queued or active download.
func (s *Server) handleCancelDownload(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "Missing model ID", "")
		return
	}

	if s.manager.CancelDownload(id) {
		writeJSON(w, http.StatusOK, SuccessResponse{
			Success: true,
			Message: "Download cancelled",
		})
	} else {
		writeError(w, http.StatusNotFound, "Download not found or already finished", "")
	}
}

// handleListModels returns every downloaded or imported model record.
func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	records, err := s.manager.DownloadedModels()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list models", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"models": records,
		"count":  len(records),
	})
}

// handleDeleteModel removes a downloaded model.
func (s *Server) handleDeleteModel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "Missing model ID", "")
		return
	}
	if s.manager.IsDownloading(id) {
		writeError(w, http.StatusConflict, "Model is downloading", "cancel the download first")
		return
	}

	if err := s.manager.DeleteDownloadedModel(id); err != nil {
		if errors.Is(err, modeldl.ErrNotDownloaded) {
			writeError(w, http.StatusNotFound, "Model not downloaded", "")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to delete model", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, SuccessResponse{
		Success: true,
		Message: "Model deleted",
	})
}

// handleImportModel registers user-supplied model files.
func (s *Server) handleImportModel(w http.ResponseWriter, r *http.Request) {
	var req ImportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "Missing required field: name", "")
		return
	}

	rec, err := s.manager.ImportLocalModel(req.Name, req.Provider, req.Type, req.AssetPaths)
	if err != nil {
		var ierr *modeldl.ImportError
		switch {
		case errors.Is(err, modeldl.ErrMissingModelAsset):
			writeError(w, http.StatusBadRequest, "Missing model asset path", "")
		case errors.As(err, &ierr):
			writeError(w, http.StatusBadRequest, "Unreadable asset file", ierr.Error())
		default:
			writeError(w, http.StatusInternalServerError, "Failed to import model", err.Error())
		}
		return
	}

	writeJSON(w, http.StatusCreated, rec)
}

// downloadStatus snapshots one model's scheduler state.
func (s *Server) downloadStatus(modelID string) DownloadResponse {
	for _, st := range s.manager.Statuses() {
		if st.ModelID == modelID {
			return DownloadResponse(st)
		}
	}
	return DownloadResponse{ModelID: modelID}
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message, details string) {
	writeJSON(w, status, ErrorResponse{
		Error:   message,
		Details: details,
	})
}
