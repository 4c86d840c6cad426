// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package portalsync

import (
	"time"
)

// Database entities scanned from the portal sync tables

// PresenceRow is the stored liveness row for one client identity
type PresenceRow struct {
	Identity       string
	Role           string
	LastSeen       time.Time
	Idle           bool
	PendingCommand string // Empty when no command is queued
}

// ToPresenceInfo converts a PresenceRow to its REST representation.
// The pending command is intentionally not exposed on the dashboard feed.
func (r *PresenceRow) ToPresenceInfo() PresenceInfo {
	return PresenceInfo{
		Identity: r.Identity,
		Role:     r.Role,
		LastSeen: r.LastSeen,
		Idle:     r.Idle,
	}
}
