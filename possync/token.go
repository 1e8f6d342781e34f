// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package possync

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Eligibility is the explicit answer to "is sync permitted right now, and for
// whom". It is computed outside the engine and passed in per cycle; the
// executor never queries ambient auth state itself.
type Eligibility struct {
	Allowed  bool
	BranchID string
	DeviceID string
}

// NotEligible is the zero answer: sync is skipped and the queue is untouched.
var NotEligible = Eligibility{}

// DeviceAuth issues and validates the HS256 device tokens the backend hands
// out when a device is registered to a branch.
type DeviceAuth struct {
	secret []byte
}

// NewDeviceAuth creates a device token authority from a shared secret.
func NewDeviceAuth(secret string) *DeviceAuth {
	return &DeviceAuth{secret: []byte(secret)}
}

// DeviceClaims are the claims carried by a device token.
type DeviceClaims struct {
	BranchID string `json:"bid"` // branch the device is registered to
	jwt.RegisteredClaims
}

// GenerateToken creates a device token for a branch-registered device.
func (a *DeviceAuth) GenerateToken(deviceID, branchID string, expiration time.Duration) (string, error) {
	claims := &DeviceClaims{
		BranchID: branchID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiration)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
			Issuer:    "possync",
			Subject:   deviceID,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// ValidateToken validates a device token and returns its claims.
func (a *DeviceAuth) ValidateToken(tokenString string) (*DeviceClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &DeviceClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*DeviceClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if claims.BranchID == "" {
		return nil, fmt.Errorf("missing bid (branch ID) in token")
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("missing sub (device ID) in token")
	}
	return claims, nil
}

// EligibilityFromToken builds an EligibilityFunc over a token source. An
// expired or invalid token means not eligible: cycles are skipped and the
// queue stays untouched until the app refreshes the token.
func (a *DeviceAuth) EligibilityFromToken(tokenSource func(context.Context) (string, error)) EligibilityFunc {
	return func(ctx context.Context) Eligibility {
		tokenString, err := tokenSource(ctx)
		if err != nil || tokenString == "" {
			return NotEligible
		}
		claims, err := a.ValidateToken(tokenString)
		if err != nil {
			return NotEligible
		}
		return Eligibility{
			Allowed:  true,
			BranchID: claims.BranchID,
			DeviceID: claims.Subject,
		}
	}
}
