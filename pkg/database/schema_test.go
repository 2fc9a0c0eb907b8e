package database

import (
	"testing"
)

func TestSchemaValidator_EmptyDatabase(t *testing.T) {
	db := openTestDB(t)
	validator := NewSchemaValidator(db)

	if err := validator.ValidateTablesExist(); err == nil {
		t.Error("ValidateTablesExist should fail on empty database")
	}
	if err := validator.ValidateIndexes(); err == nil {
		t.Error("ValidateIndexes should fail on empty database")
	}
}

func TestSchemaValidator_MigratedDatabase(t *testing.T) {
	db := openTestDB(t)
	if _, err := NewMigrationManager(db, repoMigrations).ApplyMigrations(); err != nil {
		t.Fatalf("ApplyMigrations failed: %v", err)
	}

	validator := NewSchemaValidator(db)

	checks := []struct {
		name string
		fn   func() error
	}{
		{"tables", validator.ValidateTablesExist},
		{"structure", validator.ValidateTableStructure},
		{"indexes", validator.ValidateIndexes},
		{"constraints", validator.ValidateConstraints},
	}
	for _, c := range checks {
		t.Run(c.name, func(t *testing.T) {
			if err := c.fn(); err != nil {
				t.Errorf("%s validation failed: %v", c.name, err)
			}
		})
	}

	// Constraint checks must not leave rows behind
	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM queue_entries").Scan(&count); err != nil {
		t.Fatalf("Failed to count queue entries: %v", err)
	}
	if count != 0 {
		t.Errorf("Expected check rows rolled back, found %d", count)
	}
}

func TestSchemaValidator_WrongColumnType(t *testing.T) {
	db := openTestDB(t)
	_, err := db.Exec(`
		CREATE TABLE queue_entries (id TEXT, user_id TEXT, topic_id TEXT, difficulty TEXT, status TEXT, created_at DATETIME);
		CREATE TABLE live_sessions (id TEXT);
		CREATE TABLE scheduled_sessions (id TEXT);
	`)
	if err != nil {
		t.Fatalf("Failed to create tables: %v", err)
	}

	if err := NewSchemaValidator(db).ValidateTableStructure(); err == nil {
		t.Error("ValidateTableStructure should reject DATETIME created_at and missing columns")
	}
}
