// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
)

type contextKey string

const (
	identityKey contextKey = "identity"
	roleKey     contextKey = "role"
	deviceIDKey contextKey = "device_id"
)

// SetIdentity sets the client identity in the context
func SetIdentity(ctx context.Context, identity string) context.Context {
	return context.WithValue(ctx, identityKey, identity)
}

// GetIdentity retrieves the client identity from the context
func GetIdentity(ctx context.Context) (string, bool) {
	identity, ok := ctx.Value(identityKey).(string)
	return identity, ok
}

// SetRole sets the client role in the context
func SetRole(ctx context.Context, role string) context.Context {
	return context.WithValue(ctx, roleKey, role)
}

// GetRole retrieves the client role from the context
func GetRole(ctx context.Context) (string, bool) {
	role, ok := ctx.Value(roleKey).(string)
	return role, ok
}

// SetDeviceID sets the device ID in the context
func SetDeviceID(ctx context.Context, deviceID string) context.Context {
	return context.WithValue(ctx, deviceIDKey, deviceID)
}

// GetDeviceID retrieves the device ID from the context
func GetDeviceID(ctx context.Context) (string, bool) {
	deviceID, ok := ctx.Value(deviceIDKey).(string)
	return deviceID, ok
}

// SetAuthContext sets identity, role and device ID in the context
func SetAuthContext(ctx context.Context, identity, role, deviceID string) context.Context {
	ctx = SetIdentity(ctx, identity)
	ctx = SetRole(ctx, role)
	return SetDeviceID(ctx, deviceID)
}
