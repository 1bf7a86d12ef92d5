// Package auth verifies bearer tokens against the auth_tokens table.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"teamsync/pkg/interfaces"
	"teamsync/pkg/types"
)

// TokenStore is the slice of the database manager the verifier needs.
type TokenStore interface {
	LookupToken(ctx context.Context, tokenHash string) (*interfaces.TokenRecord, error)
}

// HashToken returns the hex sha256 of a raw token. Raw tokens are never stored.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// TokenVerifier implements interfaces.AuthVerifier.
type TokenVerifier struct {
	store  TokenStore
	logger *zap.Logger
	now    func() time.Time
}

// NewTokenVerifier creates a verifier over store.
func NewTokenVerifier(store TokenStore, logger *zap.Logger) *TokenVerifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TokenVerifier{
		store:  store,
		logger: logger.With(zap.String("component", "auth")),
		now:    time.Now,
	}
}

// Verify resolves token to its principal. The returned principal carries the
// device the token is bound to, if any.
func (v *TokenVerifier) Verify(ctx context.Context, token string) (*types.Principal, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, fmt.Errorf("%w: empty token", types.ErrAuthRejected)
	}

	rec, err := v.store.LookupToken(ctx, HashToken(token))
	if errors.Is(err, interfaces.ErrNotFound) {
		return nil, fmt.Errorf("%w: unknown token", types.ErrAuthRejected)
	}
	if err != nil {
		// Storage trouble is not the client's fault, but the session cannot
		// proceed without a verdict either.
		v.logger.Error("token lookup failed", zap.Error(err))
		return nil, fmt.Errorf("%w: token lookup failed: %v", types.ErrAuthRejected, err)
	}

	if rec.Revoked {
		return nil, fmt.Errorf("%w: token revoked", types.ErrAuthRejected)
	}
	if rec.ExpiresAt != nil && !v.now().Before(*rec.ExpiresAt) {
		return nil, fmt.Errorf("%w: token expired", types.ErrAuthRejected)
	}

	return &types.Principal{ID: rec.PrincipalID, DeviceID: rec.DeviceID}, nil
}

// CheckDevice enforces a token's device binding.
func CheckDevice(p *types.Principal, deviceID string) error {
	if p.DeviceID != "" && p.DeviceID != deviceID {
		return fmt.Errorf("%w: token is bound to another device", types.ErrAuthRejected)
	}
	return nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) string {
	const prefix = "bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
