// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package auth carries the device's sync identity through a context: the
// branch the device is registered to and the device itself. The app shell sets
// both once at startup; the engine reads them back so every cycle log line can
// be traced to a specific register.
package auth

import "context"

type contextKey int

const (
	branchIDKey contextKey = iota
	deviceIDKey
)

// SetDeviceContext returns a context carrying the device's branch and device
// ids.
func SetDeviceContext(ctx context.Context, branchID, deviceID string) context.Context {
	ctx = context.WithValue(ctx, branchIDKey, branchID)
	return context.WithValue(ctx, deviceIDKey, deviceID)
}

// GetBranchID returns the branch id carried by the context, if any.
func GetBranchID(ctx context.Context) (string, bool) {
	branchID, ok := ctx.Value(branchIDKey).(string)
	return branchID, ok
}

// GetDeviceID returns the device id carried by the context, if any.
func GetDeviceID(ctx context.Context) (string, bool) {
	deviceID, ok := ctx.Value(deviceIDKey).(string)
	return deviceID, ok
}
