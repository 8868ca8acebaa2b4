// Copyright 2025 Recipe Galaxy Authors
// SPDX-License-Identifier: Apache-2.0

package syncserver

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/Garblesnarff/recipe-galaxy-sync-sub004/offsync"
)

// Handlers provides the HTTP surface of the sync server.
type Handlers struct {
	service       *Service
	authenticator ClientAuthenticator
	logger        *slog.Logger
}

// NewHandlers creates the HTTP handlers.
func NewHandlers(service *Service, authenticator ClientAuthenticator, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		service:       service,
		authenticator: authenticator,
		logger:        logger,
	}
}

// Register wires the handlers onto a mux.
func (h *Handlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("/sync/apply", h.HandleApply)
	mux.HandleFunc("/sync/record", h.HandleGetRecord)
	mux.HandleFunc("/healthz", h.HandleHealth)
}

// HandleApply processes a single-operation apply request.
func (h *Handlers) HandleApply(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only POST method is allowed")
		return
	}

	userID, err := h.authenticator.GetUserID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return
	}
	sourceID, err := h.authenticator.GetSourceID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return
	}

	var req offsync.ApplyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse apply request")
		return
	}

	resp, err := h.service.Apply(r.Context(), userID, sourceID, &req)
	if err != nil {
		h.logger.Error("Failed to process apply", "error", err, "source_id", sourceID,
			"table", req.Table, "record", req.RecordID)
		h.writeError(w, http.StatusInternalServerError, "apply_failed", "Failed to process apply")
		return
	}

	h.writeJSON(w, resp)
}

// HandleGetRecord returns the current server state of one record.
func (h *Handlers) HandleGetRecord(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET method is allowed")
		return
	}

	userID, err := h.authenticator.GetUserID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return
	}

	table := r.URL.Query().Get("table")
	recordID := r.URL.Query().Get("id")
	if table == "" || recordID == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "table and id query parameters are required")
		return
	}

	payload, version, err := h.service.GetRecord(r.Context(), userID, table, recordID)
	if err != nil {
		h.logger.Error("Failed to load record", "error", err, "table", table, "record", recordID)
		h.writeError(w, http.StatusInternalServerError, "fetch_failed", "Failed to load record")
		return
	}

	h.writeJSON(w, map[string]any{
		"payload":        json.RawMessage(payload),
		"server_version": version,
	})
}

// HandleHealth answers the connectivity probe used by clients before a cycle.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Healthy(r.Context()); err != nil {
		h.writeError(w, http.StatusServiceUnavailable, "unhealthy", err.Error())
		return
	}
	h.writeJSON(w, map[string]any{
		"status":            "healthy",
		"app_name":          h.service.config.AppName,
		"registered_tables": h.service.RegisteredTables(),
	})
}

func (h *Handlers) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   code,
		"message": message,
	})
}
