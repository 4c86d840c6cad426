// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package portalsync

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
)

// ClientAuthenticator extracts client identity and role from HTTP requests
// Implementations should validate auth (e.g., JWT) and provide both values.
type ClientAuthenticator interface {
	GetIdentity(r *http.Request) (string, error)
	GetRole(r *http.Request) (string, error)
}

// HTTPSyncHandlers provides HTTP handlers for the portal sync API
type HTTPSyncHandlers struct {
	service       *SyncService
	authenticator ClientAuthenticator
	logger        *slog.Logger
}

// NewHTTPSyncHandlers creates a new instance of sync handlers
func NewHTTPSyncHandlers(service *SyncService, authenticator ClientAuthenticator, logger *slog.Logger) *HTTPSyncHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPSyncHandlers{
		service:       service,
		authenticator: authenticator,
		logger:        logger,
	}
}

// HandleMetadata serves key + updated_at for every stored document.
// Clients call this on every pull tick, so no content is transferred here.
func (h *HTTPSyncHandlers) HandleMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET method is allowed")
		return
	}
	if _, err := h.authenticator.GetIdentity(r); err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return
	}

	metas, err := h.service.SelectMetadata(r.Context())
	if err != nil {
		h.logger.Error("Failed to select metadata", "error", err)
		h.writeError(w, http.StatusInternalServerError, "metadata_failed", "Failed to read document metadata")
		return
	}

	h.writeJSON(w, &MetadataResponse{Documents: metas})
}

// HandleDocuments serves full content for an explicit key set
// (?keys=users,assessments).
func (h *HTTPSyncHandlers) HandleDocuments(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET method is allowed")
		return
	}
	if _, err := h.authenticator.GetIdentity(r); err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return
	}

	keysParam := r.URL.Query().Get("keys")
	if keysParam == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "keys query parameter is required")
		return
	}
	keys := strings.Split(keysParam, ",")

	docs, err := h.service.SelectDocuments(r.Context(), keys)
	if err != nil {
		h.logger.Error("Failed to select documents", "error", err, "keys", keysParam)
		h.writeError(w, http.StatusInternalServerError, "documents_failed", "Failed to read documents")
		return
	}

	h.writeJSON(w, &DocumentsResponse{Documents: docs})
}

// HandleUpsert replaces one collection document with the posted content
func (h *HTTPSyncHandlers) HandleUpsert(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only POST method is allowed")
		return
	}
	identity, err := h.authenticator.GetIdentity(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return
	}

	var req UpsertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse upsert request")
		return
	}

	resp, err := h.service.UpsertDocument(r.Context(), req.Key, req.Content)
	if err != nil {
		h.logger.Error("Failed to upsert document", "error", err, "key", req.Key, "identity", identity)
		h.writeError(w, http.StatusBadRequest, "upsert_failed", err.Error())
		return
	}

	h.writeJSON(w, resp)
}

// HandleHeartbeat records one presence tick and delivers any pending command.
// The command is cleared before it is returned, so redelivery cannot happen.
func (h *HTTPSyncHandlers) HandleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only POST method is allowed")
		return
	}
	identity, err := h.authenticator.GetIdentity(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return
	}

	var req HeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse heartbeat request")
		return
	}

	if err := h.service.UpsertPresence(r.Context(), identity, req.Role, req.Idle); err != nil {
		h.logger.Error("Failed to upsert presence", "error", err, "identity", identity)
		h.writeError(w, http.StatusInternalServerError, "heartbeat_failed", "Failed to record heartbeat")
		return
	}

	command, err := h.service.TakeCommand(r.Context(), identity)
	if err != nil {
		h.logger.Error("Failed to take pending command", "error", err, "identity", identity)
		h.writeError(w, http.StatusInternalServerError, "heartbeat_failed", "Failed to check pending command")
		return
	}

	h.writeJSON(w, &HeartbeatResponse{Command: command})
}

// HandleCommand queues a remote command for a client identity. Admin only.
func (h *HTTPSyncHandlers) HandleCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only POST method is allowed")
		return
	}
	identity, err := h.authenticator.GetIdentity(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return
	}
	role, err := h.authenticator.GetRole(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return
	}
	if role != RoleAdmin {
		h.writeError(w, http.StatusForbidden, "forbidden", "Only administrators can send commands")
		return
	}

	var req CommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse command request")
		return
	}
	if req.Identity == "" || req.Command == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "identity and command are required")
		return
	}

	if err := h.service.SetCommand(r.Context(), req.Identity, req.Command); err != nil {
		if errors.Is(err, ErrUnknownIdentity) {
			h.writeError(w, http.StatusNotFound, "unknown_identity", "No presence row for target identity")
			return
		}
		h.logger.Error("Failed to set command", "error", err, "identity", req.Identity, "by", identity)
		h.writeError(w, http.StatusInternalServerError, "command_failed", "Failed to queue command")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// HandlePresence serves all presence rows (dashboard feed)
func (h *HTTPSyncHandlers) HandlePresence(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET method is allowed")
		return
	}
	if _, err := h.authenticator.GetIdentity(r); err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return
	}

	rows, err := h.service.ListPresence(r.Context())
	if err != nil {
		h.logger.Error("Failed to list presence", "error", err)
		h.writeError(w, http.StatusInternalServerError, "presence_failed", "Failed to read presence rows")
		return
	}

	resp := PresenceResponse{Clients: make([]PresenceInfo, 0, len(rows))}
	for i := range rows {
		resp.Clients = append(resp.Clients, rows[i].ToPresenceInfo())
	}
	h.writeJSON(w, &resp)
}

func (h *HTTPSyncHandlers) writeJSON(w http.ResponseWriter, body any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

func (h *HTTPSyncHandlers) writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(&ErrorResponse{
		Error:   code,
		Message: message,
	})
}
