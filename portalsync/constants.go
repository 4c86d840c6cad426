// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package portalsync

// Role constants carried in the JWT "role" claim. The role drives client-side
// scheduler cadence and gates the admin-only command endpoint.
const (
	RoleAdmin   = "admin"
	RoleLead    = "lead"
	RoleTrainee = "trainee"
)

// Remote command constants delivered through the presence channel
const (
	CmdSignOut = "signout"
	CmdReload  = "reload"
)
