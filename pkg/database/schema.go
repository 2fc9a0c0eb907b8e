package database

import (
	"database/sql"
	"fmt"
)

// SchemaValidator checks a live database against the shape the store expects.
// Used at startup after migrations and by deployment checks.
type SchemaValidator struct {
	db *sql.DB
}

func NewSchemaValidator(db *sql.DB) *SchemaValidator {
	return &SchemaValidator{db: db}
}

// ValidateTablesExist verifies that all required tables exist
func (v *SchemaValidator) ValidateTablesExist() error {
	tables := append([]string{"schema_migrations"}, RequiredTables...)
	for _, table := range tables {
		exists, err := objectExists(v.db, "table", table)
		if err != nil {
			return fmt.Errorf("error checking table %s: %w", table, err)
		}
		if !exists {
			return fmt.Errorf("required table %s does not exist", table)
		}
	}
	return nil
}

// ValidateTableStructure verifies column types match what the store scans into
func (v *SchemaValidator) ValidateTableStructure() error {
	expected := map[string]map[string]string{
		"queue_entries": {
			"id":         "TEXT",
			"user_id":    "TEXT",
			"topic_id":   "TEXT",
			"difficulty": "TEXT",
			"status":     "TEXT",
			"created_at": "INTEGER",
		},
		"last_queue_entries": {
			"user_id":   "TEXT",
			"topic_id":  "TEXT",
			"entry_id":  "TEXT",
			"joined_at": "INTEGER",
		},
		"live_sessions": {
			"id":               "TEXT",
			"topic_id":         "TEXT",
			"host_id":          "TEXT",
			"guest_id":         "TEXT",
			"status":           "TEXT",
			"started_at":       "INTEGER",
			"ended_at":         "INTEGER",
			"duration_minutes": "INTEGER",
			"host_entry_id":    "TEXT",
			"guest_entry_id":   "TEXT",
		},
		"scheduled_sessions": {
			"id":                 "TEXT",
			"creator_id":         "TEXT",
			"topic_id":           "TEXT",
			"difficulty":         "TEXT",
			"duration_minutes":   "INTEGER",
			"scheduled_for":      "INTEGER",
			"partner_id":         "TEXT",
			"partner_session_id": "TEXT",
			"status":             "TEXT",
			"created_at":         "INTEGER",
			"updated_at":         "INTEGER",
		},
	}

	for table, columns := range expected {
		if err := v.validateColumns(table, columns); err != nil {
			return fmt.Errorf("%s table structure invalid: %w", table, err)
		}
	}
	return nil
}

// ValidateIndexes verifies that all query indexes exist
func (v *SchemaValidator) ValidateIndexes() error {
	for _, index := range RequiredIndexes {
		exists, err := objectExists(v.db, "index", index)
		if err != nil {
			return fmt.Errorf("error checking index %s: %w", index, err)
		}
		if !exists {
			return fmt.Errorf("required index %s does not exist", index)
		}
	}
	return nil
}

// ValidateConstraints exercises the constraints both matchers rely on:
// one queue entry per (user, topic) and no self-partnered scheduled session.
// Check rows are written inside a transaction that is always rolled back.
func (v *SchemaValidator) ValidateConstraints() error {
	tx, err := v.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	insertEntry := `INSERT INTO queue_entries (id, user_id, topic_id, difficulty, status, created_at)
		VALUES (?, 'check-user', 'check-topic', 'Easy', 'waiting', 0)`
	if _, err := tx.Exec(insertEntry, "check-1"); err != nil {
		return fmt.Errorf("failed to insert check queue entry: %w", err)
	}
	if _, err := tx.Exec(insertEntry, "check-2"); err == nil {
		return fmt.Errorf("unique constraint not enforced: queue_entries(user_id, topic_id)")
	}

	_, err = tx.Exec(`INSERT INTO scheduled_sessions
		(id, creator_id, topic_id, difficulty, duration_minutes, scheduled_for, partner_id, status, created_at, updated_at)
		VALUES ('check-s', 'check-user', 'check-topic', 'Easy', 30, 0, 'check-user', 'matched', 0, 0)`)
	if err == nil {
		return fmt.Errorf("check constraint not enforced: scheduled_sessions self partner")
	}

	_, err = tx.Exec(`INSERT INTO scheduled_sessions
		(id, creator_id, topic_id, difficulty, duration_minutes, scheduled_for, status, created_at, updated_at)
		VALUES ('check-s', 'check-user', 'check-topic', 'Easy', 30, 0, 'expired', 0, 0)`)
	if err == nil {
		return fmt.Errorf("check constraint not enforced: scheduled_sessions status")
	}

	return nil
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
