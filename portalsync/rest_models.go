// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package portalsync

import (
	"encoding/json"
	"time"
)

// REST/JSON models for HTTP API requests and responses
// These models are used for serialization/deserialization of HTTP requests and responses

// DocumentMeta represents the metadata of one collection document
// (key + updated_at only, no content). Returned by the metadata endpoint
// so clients can decide staleness without transferring content.
type DocumentMeta struct {
	Key       string    `json:"key"`        // Collection name
	UpdatedAt time.Time `json:"updated_at"` // Last successful write to this document
}

// Document represents the full remote state of one collection
type Document struct {
	Key       string          `json:"key"`        // Collection name
	Content   json.RawMessage `json:"content"`    // Opaque collection payload
	UpdatedAt time.Time       `json:"updated_at"` // Last successful write to this document
}

// MetadataResponse is the body of GET /sync/metadata
type MetadataResponse struct {
	Documents []DocumentMeta `json:"documents"`
}

// DocumentsResponse is the body of GET /sync/documents
type DocumentsResponse struct {
	Documents []Document `json:"documents"`
}

// UpsertRequest represents a whole-document write for a single collection
type UpsertRequest struct {
	Key     string          `json:"key"`     // Collection name
	Content json.RawMessage `json:"content"` // Full replacement content
}

// UpsertResponse echoes the key and the monotonically advanced timestamp.
// Clients record the timestamp as their last_synced_at to skip the next
// redundant content fetch.
type UpsertResponse struct {
	Key       string    `json:"key"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HeartbeatRequest represents one presence tick from a client
// Note: identity is derived from the JWT sub claim, not from request body
type HeartbeatRequest struct {
	Role string `json:"role"` // Client role (admin, lead, trainee)
	Idle bool   `json:"idle"` // Derived from the client's interaction tracker
}

// HeartbeatResponse carries the pending command for the caller, if any.
// The command is cleared server-side before it is returned, so a tick never
// sees the same command twice.
type HeartbeatResponse struct {
	Command string `json:"command,omitempty"`
}

// CommandRequest addresses a remote command to one client identity
type CommandRequest struct {
	Identity string `json:"identity"` // Target client
	Command  string `json:"command"`  // e.g. "signout"
}

// PresenceResponse is the body of GET /presence (dashboard feed)
type PresenceResponse struct {
	Clients []PresenceInfo `json:"clients"`
}

// PresenceInfo represents one client's liveness row
type PresenceInfo struct {
	Identity string    `json:"identity"`
	Role     string    `json:"role"`
	LastSeen time.Time `json:"last_seen"`
	Idle     bool      `json:"idle"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// StatusResponse represents service status response
type StatusResponse struct {
	Status      string   `json:"status"`      // healthy, degraded, unhealthy
	Version     string   `json:"version"`     // API version
	AppName     string   `json:"app_name"`    // Application name
	Collections []string `json:"collections"` // Document keys currently stored
}
