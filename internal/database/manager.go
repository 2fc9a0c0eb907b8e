package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"peerpractice/internal/logger"
	dbconfig "peerpractice/pkg/database"
	"peerpractice/pkg/interfaces"
)

// Manager implements interfaces.DatabaseManager on SQLite.
// Reads go straight to the pool; every mutation is funnelled through one
// writer goroutine, and every matching mutation is a conditional statement
// whose affected-row count decides success.
type Manager struct {
	db           *sql.DB
	config       *dbconfig.Config
	writeChannel chan writeOperation
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex
	log          *logrus.Entry
	now          func() time.Time
}

type writeOperation struct {
	operation func(*sql.DB) error
	result    chan error
}

var _ interfaces.DatabaseManager = (*Manager)(nil)

// NewManager opens the database and starts the writer goroutine.
// Schema migrations are applied separately through pkg/database.
func NewManager(config *dbconfig.Config) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database config: %w", err)
	}

	db, err := sql.Open("sqlite3", config.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := dbconfig.ApplySQLiteOptimizations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply SQLite optimizations: %w", err)
	}

	manager := &Manager{
		db:           db,
		config:       config,
		writeChannel: make(chan writeOperation, 100),
		shutdown:     make(chan struct{}),
		log:          logger.WithComponent("database"),
		now:          time.Now,
	}

	manager.wg.Add(1)
	go manager.writeLoop()

	return manager, nil
}

// writeLoop runs every mutation. A transient failure is retried once after
// RetryDelay; conflicts and validation failures are returned as-is.
// On shutdown, writes already queued are drained before the loop exits.
func (m *Manager) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case op := <-m.writeChannel:
			m.run(op)
		case <-m.shutdown:
			for {
				select {
				case op := <-m.writeChannel:
					m.run(op)
				default:
					m.log.Info("Database write loop shut down")
					return
				}
			}
		}
	}
}

func (m *Manager) run(op writeOperation) {
	err := classify(op.operation(m.db))
	if errors.Is(err, interfaces.ErrTransientStore) {
		m.log.WithError(err).WithField("retry_in", m.config.RetryDelay).Warn("Database write failed, retrying")
		time.Sleep(m.config.RetryDelay)
		err = classify(op.operation(m.db))
		if err != nil {
			m.log.WithError(err).Error("Database write failed after retry")
		}
	}
	op.result <- err
}

// executeWrite queues a write and waits for its result
func (m *Manager) executeWrite(ctx context.Context, operation func(*sql.DB) error) error {
	result := make(chan error, 1)

	// Holding the read lock while enqueueing keeps Close from finishing the
	// drain before this operation is in the channel.
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return fmt.Errorf("%w: database manager is closed", interfaces.ErrTransientStore)
	}
	select {
	case m.writeChannel <- writeOperation{operation: operation, result: result}:
		m.mu.RUnlock()
	case <-time.After(m.config.WriteTimeout):
		m.mu.RUnlock()
		return fmt.Errorf("%w: write operation timeout", interfaces.ErrTransientStore)
	case <-ctx.Done():
		m.mu.RUnlock()
		return ctx.Err()
	}

	return <-result
}

// classify maps driver busy/locked conditions onto the transient taxonomy
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, interfaces.ErrTransientStore) {
		return err
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return fmt.Errorf("%w: %v", interfaces.ErrTransientStore, err)
		}
	}
	return err
}

// isUniqueViolation reports a UNIQUE or PRIMARY KEY constraint failure
func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	switch sqliteErr.ExtendedCode {
	case sqlite3.ErrConstraintUnique, sqlite3.ErrConstraintPrimaryKey:
		return true
	}
	return false
}

// readErr wraps a read failure, classifying transient conditions
func readErr(op string, err error) error {
	err = classify(err)
	if errors.Is(err, interfaces.ErrTransientStore) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// HealthCheck verifies connectivity, a read, and that the writer is alive
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	var count int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM scheduled_sessions").Scan(&count); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}

	if err := m.executeWrite(ctx, func(*sql.DB) error { return nil }); err != nil {
		return fmt.Errorf("database writer unavailable: %w", err)
	}

	return nil
}

// GetDB returns the underlying connection pool for migrations and schema checks
func (m *Manager) GetDB() *sql.DB {
	return m.db
}

// Close drains queued writes, stops the writer and closes the pool
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.shutdown)
	m.wg.Wait()

	if err := m.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}
