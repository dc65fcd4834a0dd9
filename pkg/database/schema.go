package database

import (
	"database/sql"
	"fmt"
)

// SchemaValidator checks that a database matches what the record store
// queries expect
// ARCHITECTURAL DISCOVERY: Separate from migrations so a deployment can be
// verified without applying anything
type SchemaValidator struct {
	db *sql.DB
}

// NewSchemaValidator creates a new schema validator
func NewSchemaValidator(db *sql.DB) *SchemaValidator {
	return &SchemaValidator{db: db}
}

// requiredColumns lists, per table, the columns the record store reads.
var requiredColumns = map[string]map[string]string{
	"users": {
		"id": "TEXT", "name": "TEXT", "role": "TEXT", "active": "INTEGER",
	},
	"projects": {
		"id": "TEXT", "name": "TEXT", "owner_id": "TEXT",
	},
	"project_members": {
		"project_id": "TEXT", "user_id": "TEXT", "level": "TEXT",
	},
	"sheets": {
		"id": "TEXT", "project_id": "TEXT", "owner_id": "TEXT", "name": "TEXT",
	},
	"sheet_collaborators": {
		"sheet_id": "TEXT", "user_id": "TEXT", "level": "TEXT",
	},
	"chat_messages": {
		"id": "TEXT", "project_id": "TEXT", "user_id": "TEXT", "user_name": "TEXT",
		"message": "TEXT", "created_at": "DATETIME",
	},
}

var requiredIndexes = map[string]string{
	"idx_project_members_user":       "Membership lookups by user",
	"idx_sheets_project":             "Sheet to project fallback",
	"idx_sheet_collaborators_user":   "Collaborator lookups by user",
	"idx_chat_messages_project_time": "Recent chat history",
}

// Validate runs every read-only check.
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
	tables := []string{"schema_migrations"}
	for table := range requiredColumns {
		tables = append(tables, table)
	}
	for _, table := range tables {
		exists, err := v.exists("table", table)
		if err != nil {
			return fmt.Errorf("error checking table %s: %w", table, err)
		}
		if !exists {
			return fmt.Errorf("required table %s does not exist", table)
		}
	}
	return nil
}

// ValidateTableStructure verifies column names and declared types
func (v *SchemaValidator) ValidateTableStructure() error {
	for table, columns := range requiredColumns {
		if err := v.validateColumns(table, columns); err != nil {
			return fmt.Errorf("%s table structure invalid: %w", table, err)
		}
	}
	return nil
}

// ValidateIndexes verifies that all performance indexes exist
func (v *SchemaValidator) ValidateIndexes() error {
	for index, purpose := range requiredIndexes {
		exists, err := v.exists("index", index)
		if err != nil {
			return fmt.Errorf("error checking index %s (%s): %w", index, purpose, err)
		}
		if !exists {
			return fmt.Errorf("required index %s (%s) does not exist", index, purpose)
		}
	}
	return nil
}

// ValidateConstraints verifies that foreign keys and level checks are
// enforced. It writes probe rows inside a transaction that is always rolled back.
func (v *SchemaValidator) ValidateConstraints() error {
	tx, err := v.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`INSERT INTO project_members (project_id, user_id, level) VALUES ('missing-project', 'missing-user', 'view')`); err == nil {
		return fmt.Errorf("foreign key constraint not enforced: project_members.project_id")
	}

	if _, err := tx.Exec(`INSERT INTO users (id, name, role) VALUES ('schema-probe', 'Probe', 'member')`); err != nil {
		return fmt.Errorf("failed to create probe user: %w", err)
	}
	if _, err := tx.Exec(`INSERT INTO projects (id, name, owner_id) VALUES ('schema-probe', 'Probe', 'schema-probe')`); err != nil {
		return fmt.Errorf("failed to create probe project: %w", err)
	}
	if _, err := tx.Exec(`INSERT INTO project_members (project_id, user_id, level) VALUES ('schema-probe', 'schema-probe', 'owner')`); err == nil {
		return fmt.Errorf("check constraint not enforced: project_members.level")
	}
	return nil
}

func (v *SchemaValidator) exists(kind, name string) (bool, error) {
	var count int
	err := v.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type = ? AND name = ?", kind, name).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (v *SchemaValidator) validateColumns(tableName string, expected map[string]string) error {
	rows, err := v.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	found := make(map[string]string)
	for rows.Next() {
		var (
			cid          int
			name, dtype  string
			notNull, pk  int
			defaultValue interface{}
		)
		if err := rows.Scan(&cid, &name, &dtype, &notNull, &defaultValue, &pk); err != nil {
			return err
		}
		found[name] = dtype
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for column, dtype := range expected {
		got, ok := found[column]
		if !ok {
			return fmt.Errorf("column %s not found", column)
		}
		if got != dtype {
			return fmt.Errorf("column %s has type %s, expected %s", column, got, dtype)
		}
	}
	return nil
}
