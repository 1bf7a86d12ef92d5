package database

import (
	"database/sql"
	"fmt"
)

// SchemaValidator checks that a database carries the schema the storage
// manager expects.
type SchemaValidator struct {
	db *sql.DB
}

// NewSchemaValidator creates a new schema validator
func NewSchemaValidator(db *sql.DB) *SchemaValidator {
	return &SchemaValidator{db: db}
}

var requiredTables = map[string]string{
	"entities":          "Entity storage",
	"scope_members":     "Scope access control",
	"auth_tokens":       "Token verification",
	"schema_migrations": "Migration tracking",
}

var requiredIndexes = map[string]string{
	"idx_entities_scope_order":    "Snapshot fetch ordering",
	"idx_scope_members_principal": "Membership lookups",
	"idx_auth_tokens_principal":   "Token listing per principal",
}

// Validate runs every check.
func (v *SchemaValidator) Validate() error {
	if err := v.ValidateTablesExist(); err != nil {
		return err
	}
	if err := v.ValidateTableStructure(); err != nil {
		return err
	}
	return v.ValidateIndexes()
}

// ValidateTablesExist verifies that all required tables exist
func (v *SchemaValidator) ValidateTablesExist() error {
	for table, description := range requiredTables {
		exists, err := v.objectExists("table", table)
		if err != nil {
			return fmt.Errorf("error checking table %s (%s): %w", table, description, err)
		}
		if !exists {
			return fmt.Errorf("required table %s (%s) does not exist", table, description)
		}
	}
	return nil
}

// ValidateTableStructure verifies table column structure matches expectations
// TECHNICAL DISCOVERY: Column validation ensures type compatibility between
// Go structs and database schema
func (v *SchemaValidator) ValidateTableStructure() error {
	entityColumns := map[string]string{
		"id":         "TEXT",
		"scope":      "TEXT",
		"type":       "TEXT",
		"status":     "TEXT",
		"position":   "INTEGER",
		"fields":     "TEXT",
		"version":    "INTEGER",
		"created_at": "DATETIME",
		"updated_at": "DATETIME",
		"deleted_at": "DATETIME",
	}
	if err := v.validateColumns("entities", entityColumns); err != nil {
		return fmt.Errorf("entities table structure invalid: %w", err)
	}

	tokenColumns := map[string]string{
		"token_hash":   "TEXT",
		"principal_id": "TEXT",
		"device_id":    "TEXT",
		"expires_at":   "DATETIME",
		"revoked":      "INTEGER",
	}
	if err := v.validateColumns("auth_tokens", tokenColumns); err != nil {
		return fmt.Errorf("auth_tokens table structure invalid: %w", err)
	}

	return nil
}

// ValidateIndexes verifies that all performance indexes exist
func (v *SchemaValidator) ValidateIndexes() error {
	for index, purpose := range requiredIndexes {
		exists, err := v.objectExists("index", index)
		if err != nil {
			return fmt.Errorf("error checking index %s (%s): %w", index, purpose, err)
		}
		if !exists {
			return fmt.Errorf("required index %s (%s) does not exist", index, purpose)
		}
	}
	return nil
}

// ValidateConstraints verifies the entity type check constraint is enforced.
func (v *SchemaValidator) ValidateConstraints() error {
	_, err := v.db.Exec(`
		INSERT INTO entities (id, scope, type, created_at, updated_at)
		VALUES ('schema-check', 'schema-check', 'widget', CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
	`)
	if err == nil {
		_, _ = v.db.Exec("DELETE FROM entities WHERE id = 'schema-check'")
		return fmt.Errorf("check constraint not enforced: entity type validation")
	}
	return nil
}

func (v *SchemaValidator) objectExists(kind, name string) (bool, error) {
	var count int
	err := v.db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type = ? AND name = ?",
		kind, name,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// validateColumns checks that a table has the expected columns with correct types
func (v *SchemaValidator) validateColumns(tableName string, expectedColumns map[string]string) error {
	rows, err := v.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	foundColumns := make(map[string]string)
	for rows.Next() {
		var cid int
		var name, dataType string
		var notNull int
		var defaultValue interface{}
		var pk int

		if err := rows.Scan(&cid, &name, &dataType, &notNull, &defaultValue, &pk); err != nil {
			return err
		}
		foundColumns[name] = dataType
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for expectedCol, expectedType := range expectedColumns {
		foundType, exists := foundColumns[expectedCol]
		if !exists {
			return fmt.Errorf("column %s not found", expectedCol)
		}
		if foundType != expectedType {
			return fmt.Errorf("column %s has type %s, expected %s", expectedCol, foundType, expectedType)
		}
	}

	return nil
}
