// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package possync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestDeviceAuth_TokenRoundTrip(t *testing.T) {
	auth := NewDeviceAuth("test-secret")
	deviceID := uuid.New().String()
	branchID := uuid.New().String()

	token, err := auth.GenerateToken(deviceID, branchID, time.Hour)
	require.NoError(t, err)

	claims, err := auth.ValidateToken(token)
	require.NoError(t, err)
	require.Equal(t, deviceID, claims.Subject)
	require.Equal(t, branchID, claims.BranchID)
}

func TestDeviceAuth_RejectsWrongSecret(t *testing.T) {
	auth := NewDeviceAuth("test-secret")
	token, err := auth.GenerateToken(uuid.New().String(), uuid.New().String(), time.Hour)
	require.NoError(t, err)

	other := NewDeviceAuth("different-secret")
	_, err = other.ValidateToken(token)
	require.Error(t, err)
}

func TestDeviceAuth_RejectsExpiredToken(t *testing.T) {
	auth := NewDeviceAuth("test-secret")
	token, err := auth.GenerateToken(uuid.New().String(), uuid.New().String(), -time.Minute)
	require.NoError(t, err)

	_, err = auth.ValidateToken(token)
	require.Error(t, err)
}

func TestEligibilityFromToken(t *testing.T) {
	auth := NewDeviceAuth("test-secret")
	deviceID := uuid.New().String()
	branchID := uuid.New().String()
	token, err := auth.GenerateToken(deviceID, branchID, time.Hour)
	require.NoError(t, err)

	eligibility := auth.EligibilityFromToken(func(context.Context) (string, error) {
		return token, nil
	})
	elig := eligibility(context.Background())
	require.True(t, elig.Allowed)
	require.Equal(t, branchID, elig.BranchID)
	require.Equal(t, deviceID, elig.DeviceID)
}

func TestEligibilityFromToken_NotEligibleOnFailure(t *testing.T) {
	auth := NewDeviceAuth("test-secret")

	// Token source failure means sync is simply not permitted.
	eligibility := auth.EligibilityFromToken(func(context.Context) (string, error) {
		return "", errors.New("no token cached")
	})
	require.Equal(t, NotEligible, eligibility(context.Background()))

	// Same for an invalid token.
	eligibility = auth.EligibilityFromToken(func(context.Context) (string, error) {
		return "not-a-jwt", nil
	})
	require.Equal(t, NotEligible, eligibility(context.Background()))
}
