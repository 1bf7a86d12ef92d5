package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"teamsync/pkg/interfaces"
	"teamsync/pkg/types"
)

const entityColumns = `id, scope, type, status, fields, version, created_at, updated_at, deleted_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntity(row rowScanner) (*types.Entity, error) {
	var e types.Entity
	var fieldsJSON string
	var deletedAt sql.NullTime

	if err := row.Scan(&e.ID, &e.Scope, &e.Type, &e.Status, &fieldsJSON, &e.Version,
		&e.CreatedAt, &e.UpdatedAt, &deletedAt); err != nil {
		return nil, err
	}

	// TECHNICAL DISCOVERY: JSON column keeps entity fields schema-free
	if err := json.Unmarshal([]byte(fieldsJSON), &e.Fields); err != nil {
		return nil, fmt.Errorf("failed to unmarshal entity fields: %w", err)
	}
	if len(e.Fields) == 0 {
		e.Fields = nil
	}
	if deletedAt.Valid {
		t := deletedAt.Time
		e.DeletedAt = &t
	}
	return &e, nil
}

// FetchSnapshot returns all live entities of scope ordered by status column
// then position, plus the per-status id orderings.
func (m *Manager) FetchSnapshot(ctx context.Context, scope string) (*types.Snapshot, error) {
	if !types.IsValidScope(scope) {
		return nil, types.ErrInvalidScope
	}

	query := `SELECT ` + entityColumns + `
		FROM entities
		WHERE scope = ? AND deleted_at IS NULL
		ORDER BY status ASC, position ASC, created_at ASC`

	rows, err := m.db.QueryContext(ctx, query, scope)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshot: %w", err)
	}
	defer func() { _ = rows.Close() }()

	snap := &types.Snapshot{
		Scope:     scope,
		Entities:  []*types.Entity{},
		Orderings: make(map[string][]string),
		FetchedAt: m.now(),
	}
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entity row: %w", err)
		}
		snap.Entities = append(snap.Entities, e)
		snap.Orderings[e.Status] = append(snap.Orderings[e.Status], e.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating entity rows: %w", err)
	}

	return snap, nil
}

// GetEntity returns an entity by id, including soft-deleted ones.
func (m *Manager) GetEntity(ctx context.Context, entityID string) (*types.Entity, error) {
	return getEntity(ctx, m.db, entityID)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func getEntity(ctx context.Context, q queryRower, entityID string) (*types.Entity, error) {
	row := q.QueryRowContext(ctx, `SELECT `+entityColumns+` FROM entities WHERE id = ?`, entityID)
	e, err := scanEntity(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, interfaces.ErrNotFound
		}
		return nil, fmt.Errorf("failed to query entity: %w", err)
	}
	return e, nil
}

// Mutate applies a change and returns the canonical entity. Creates always
// receive a server-assigned id; the entityID passed for a create is the
// client's provisional id and is only logged.
// ARCHITECTURAL DISCOVERY: The read-modify-write runs inside the single writer,
// so version bumps never race.
func (m *Manager) Mutate(ctx context.Context, entityID string, change types.Change) (*types.Entity, error) {
	if change.Op != types.ChangeCreate {
		if change.EntityID == "" {
			change.EntityID = entityID
		}
		if change.EntityID != entityID {
			return nil, types.Reject("entity id mismatch: %s != %s", change.EntityID, entityID)
		}
	}
	if err := change.Validate(); err != nil {
		return nil, &types.RejectionError{Reason: err.Error()}
	}

	var result *types.Entity
	err := m.executeWrite(ctx, func(db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var e *types.Entity
		switch change.Op {
		case types.ChangeCreate:
			e, err = m.createEntity(ctx, tx, change)
		case types.ChangeUpdate:
			e, err = m.updateEntity(ctx, tx, change)
		case types.ChangeDelete:
			e, err = m.deleteEntity(ctx, tx, change.EntityID)
		}
		if err != nil {
			return err
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit mutation: %w", err)
		}
		result = e
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.logger.Debug("entity mutated",
		zap.String("op", string(change.Op)),
		zap.String("entity_id", result.ID),
		zap.String("provisional_id", entityID),
		zap.Int64("version", result.Version))
	return result, nil
}

func nextPosition(ctx context.Context, tx *sql.Tx, scope, status string) (int64, error) {
	var pos int64
	err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(position), 0) FROM entities WHERE scope = ? AND status = ? AND deleted_at IS NULL`,
		scope, status).Scan(&pos)
	if err != nil {
		return 0, fmt.Errorf("failed to compute position: %w", err)
	}
	return pos + 1, nil
}

func (m *Manager) createEntity(ctx context.Context, tx *sql.Tx, change types.Change) (*types.Entity, error) {
	now := m.now()
	e := &types.Entity{
		ID:        uuid.New().String(),
		Type:      change.EntityType,
		Scope:     change.Scope,
		Fields:    change.Fields,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if change.Status != nil {
		e.Status = *change.Status
	} else if e.Type == types.EntityTask {
		e.Status = types.StatusTodo
	}

	fieldsJSON, err := encodeFields(e.Fields)
	if err != nil {
		return nil, err
	}
	pos, err := nextPosition(ctx, tx, e.Scope, e.Status)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO entities (id, scope, type, status, position, fields, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Scope, e.Type, e.Status, pos, fieldsJSON, e.Version, e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert entity: %w", err)
	}
	return e, nil
}

func (m *Manager) updateEntity(ctx context.Context, tx *sql.Tx, change types.Change) (*types.Entity, error) {
	e, err := liveEntity(ctx, tx, change.EntityID)
	if err != nil {
		return nil, err
	}

	// FUNCTIONAL DISCOVERY: Field updates merge; a null value removes the field
	for k, v := range change.Fields {
		if e.Fields == nil {
			e.Fields = make(map[string]interface{})
		}
		if v == nil {
			delete(e.Fields, k)
			continue
		}
		e.Fields[k] = v
	}
	fieldsJSON, err := encodeFields(e.Fields)
	if err != nil {
		return nil, err
	}

	e.Version++
	e.UpdatedAt = m.now()

	if change.Status != nil && *change.Status != e.Status {
		pos, err := nextPosition(ctx, tx, e.Scope, *change.Status)
		if err != nil {
			return nil, err
		}
		e.Status = *change.Status
		_, err = tx.ExecContext(ctx,
			`UPDATE entities SET status = ?, position = ?, fields = ?, version = ?, updated_at = ? WHERE id = ?`,
			e.Status, pos, fieldsJSON, e.Version, e.UpdatedAt, e.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to update entity: %w", err)
		}
		return e, nil
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE entities SET fields = ?, version = ?, updated_at = ? WHERE id = ?`,
		fieldsJSON, e.Version, e.UpdatedAt, e.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to update entity: %w", err)
	}
	return e, nil
}

func (m *Manager) deleteEntity(ctx context.Context, tx *sql.Tx, entityID string) (*types.Entity, error) {
	e, err := liveEntity(ctx, tx, entityID)
	if err != nil {
		return nil, err
	}

	now := m.now()
	e.Version++
	e.UpdatedAt = now
	e.DeletedAt = &now

	_, err = tx.ExecContext(ctx,
		`UPDATE entities SET deleted_at = ?, version = ?, updated_at = ? WHERE id = ?`,
		now, e.Version, now, e.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to delete entity: %w", err)
	}
	return e, nil
}

func liveEntity(ctx context.Context, tx *sql.Tx, entityID string) (*types.Entity, error) {
	e, err := getEntity(ctx, tx, entityID)
	if errors.Is(err, interfaces.ErrNotFound) {
		return nil, types.Reject("entity %s not found", entityID)
	}
	if err != nil {
		return nil, err
	}
	if e.DeletedAt != nil {
		return nil, types.Reject("entity %s was deleted", entityID)
	}
	return e, nil
}

func encodeFields(fields map[string]interface{}) (string, error) {
	if len(fields) == 0 {
		return "{}", nil
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return "", &types.RejectionError{Reason: "fields are not encodable: " + err.Error()}
	}
	if len(raw) > types.MaxPayloadBytes {
		return "", &types.RejectionError{Reason: types.ErrPayloadTooLarge.Error()}
	}
	return string(raw), nil
}

// InsertEntity stores a fully formed entity as-is. Used by seeding.
func (m *Manager) InsertEntity(ctx context.Context, e *types.Entity) error {
	if err := e.Validate(); err != nil {
		return err
	}
	if e.Version == 0 {
		e.Version = 1
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = m.now()
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = e.CreatedAt
	}
	fieldsJSON, err := encodeFields(e.Fields)
	if err != nil {
		return err
	}

	return m.executeWrite(ctx, func(db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		pos, err := nextPosition(ctx, tx, e.Scope, e.Status)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO entities (id, scope, type, status, position, fields, version, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, e.Scope, e.Type, e.Status, pos, fieldsJSON, e.Version, e.CreatedAt, e.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert entity: %w", err)
		}
		return tx.Commit()
	})
}
