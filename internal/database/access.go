package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"teamsync/pkg/interfaces"
)

// LookupToken returns the stored record for a token hash.
func (m *Manager) LookupToken(ctx context.Context, tokenHash string) (*interfaces.TokenRecord, error) {
	row := m.db.QueryRowContext(ctx, `
		SELECT principal_id, device_id, expires_at, revoked
		FROM auth_tokens
		WHERE token_hash = ?`, tokenHash)

	var rec interfaces.TokenRecord
	var expiresAt sql.NullTime
	var revoked int
	if err := row.Scan(&rec.PrincipalID, &rec.DeviceID, &expiresAt, &revoked); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, interfaces.ErrNotFound
		}
		return nil, fmt.Errorf("failed to query token: %w", err)
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		rec.ExpiresAt = &t
	}
	rec.Revoked = revoked != 0
	return &rec, nil
}

// InsertToken stores a token hash for a principal. An empty deviceID allows
// any device; a nil expiresAt never expires.
func (m *Manager) InsertToken(ctx context.Context, tokenHash, principalID, deviceID string, expiresAt *time.Time) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT OR REPLACE INTO auth_tokens (token_hash, principal_id, device_id, expires_at, revoked, created_at)
			VALUES (?, ?, ?, ?, 0, ?)`,
			tokenHash, principalID, deviceID, expiresAt, m.now())
		if err != nil {
			return fmt.Errorf("failed to insert token: %w", err)
		}
		return nil
	})
}

// RevokeToken marks a token hash as revoked.
func (m *Manager) RevokeToken(ctx context.Context, tokenHash string) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, `UPDATE auth_tokens SET revoked = 1 WHERE token_hash = ?`, tokenHash)
		if err != nil {
			return fmt.Errorf("failed to revoke token: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return interfaces.ErrNotFound
		}
		return nil
	})
}

// ListScopeMembers returns every principal allowed into scope.
func (m *Manager) ListScopeMembers(ctx context.Context, scope string) ([]string, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT principal_id FROM scope_members WHERE scope = ? ORDER BY principal_id`, scope)
	if err != nil {
		return nil, fmt.Errorf("failed to query scope members: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var members []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan scope member: %w", err)
		}
		members = append(members, id)
	}
	return members, rows.Err()
}

// AddScopeMember grants principalID access to scope. Idempotent.
func (m *Manager) AddScopeMember(ctx context.Context, scope, principalID string) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT OR IGNORE INTO scope_members (scope, principal_id, added_at)
			VALUES (?, ?, ?)`, scope, principalID, m.now())
		if err != nil {
			return fmt.Errorf("failed to add scope member: %w", err)
		}
		return nil
	})
}

// RemoveScopeMember revokes principalID's access to scope.
func (m *Manager) RemoveScopeMember(ctx context.Context, scope, principalID string) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			`DELETE FROM scope_members WHERE scope = ? AND principal_id = ?`, scope, principalID)
		if err != nil {
			return fmt.Errorf("failed to remove scope member: %w", err)
		}
		return nil
	})
}
