package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"peerpractice/pkg/interfaces"
	"peerpractice/pkg/types"
)

const queueEntryColumns = `id, user_id, topic_id, difficulty, status, created_at`

func scanQueueEntry(row rowScanner) (*types.QueueEntry, error) {
	var entry types.QueueEntry
	var createdAt int64
	if err := row.Scan(&entry.ID, &entry.UserID, &entry.TopicID, &entry.Difficulty, &entry.Status, &createdAt); err != nil {
		return nil, err
	}
	entry.CreatedAt = fromMillis(createdAt)
	return &entry, nil
}

func collectQueueEntries(rows *sql.Rows) ([]*types.QueueEntry, error) {
	defer func() { _ = rows.Close() }()

	entries := []*types.QueueEntry{}
	for rows.Next() {
		entry, err := scanQueueEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue entry row: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating queue entry rows: %w", err)
	}
	return entries, nil
}

// InsertQueueEntry is idempotent on (user_id, topic_id): a second join
// returns the original entry untouched
func (m *Manager) InsertQueueEntry(ctx context.Context, entry *types.QueueEntry) (*types.QueueEntry, bool, error) {
	var stored *types.QueueEntry
	var created bool

	err := m.executeWrite(ctx, func(db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `
			INSERT INTO queue_entries (id, user_id, topic_id, difficulty, status, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (user_id, topic_id) DO NOTHING
		`, entry.ID, entry.UserID, entry.TopicID, entry.Difficulty, types.QueueStatusWaiting, toMillis(entry.CreatedAt))
		if err != nil {
			return fmt.Errorf("failed to insert queue entry: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read affected rows: %w", err)
		}
		created = affected == 1

		if created {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO last_queue_entries (user_id, topic_id, entry_id, joined_at)
				VALUES (?, ?, ?, ?)
				ON CONFLICT (user_id, topic_id) DO UPDATE SET entry_id = excluded.entry_id, joined_at = excluded.joined_at
			`, entry.UserID, entry.TopicID, entry.ID, toMillis(entry.CreatedAt))
			if err != nil {
				return fmt.Errorf("failed to record latest queue entry: %w", err)
			}
		}

		row := tx.QueryRowContext(ctx,
			`SELECT `+queueEntryColumns+` FROM queue_entries WHERE user_id = ? AND topic_id = ?`,
			entry.UserID, entry.TopicID)
		stored, err = scanQueueEntry(row)
		if err != nil {
			return fmt.Errorf("failed to read queue entry: %w", err)
		}

		return tx.Commit()
	})
	if err != nil {
		return nil, false, err
	}
	return stored, created, nil
}

func (m *Manager) GetQueueEntry(ctx context.Context, userID, topicID string) (*types.QueueEntry, error) {
	row := m.db.QueryRowContext(ctx,
		`SELECT `+queueEntryColumns+` FROM queue_entries WHERE user_id = ? AND topic_id = ?`,
		userID, topicID)
	entry, err := scanQueueEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: queue entry for %s on %s", interfaces.ErrNotFound, userID, topicID)
	}
	if err != nil {
		return nil, readErr("get queue entry", err)
	}
	return entry, nil
}

func (m *Manager) ListUserQueueEntries(ctx context.Context, userID string) ([]*types.QueueEntry, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT `+queueEntryColumns+` FROM queue_entries WHERE user_id = ? ORDER BY created_at ASC, id ASC`,
		userID)
	if err != nil {
		return nil, readErr("list user queue entries", err)
	}
	return collectQueueEntries(rows)
}

// ListWaitingCandidates returns the FIFO candidate list for a topic
func (m *Manager) ListWaitingCandidates(ctx context.Context, topicID, excludeUserID string, limit int) ([]*types.QueueEntry, error) {
	if limit <= 0 {
		limit = 1
	}
	rows, err := m.db.QueryContext(ctx, `
		SELECT `+queueEntryColumns+`
		FROM queue_entries
		WHERE topic_id = ? AND user_id <> ? AND status = ?
		ORDER BY created_at ASC, id ASC
		LIMIT ?
	`, topicID, excludeUserID, types.QueueStatusWaiting, limit)
	if err != nil {
		return nil, readErr("list waiting candidates", err)
	}
	return collectQueueEntries(rows)
}

func (m *Manager) CountWaiting(ctx context.Context, topicID string) (int, error) {
	var count int
	err := m.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM queue_entries WHERE topic_id = ? AND status = ?`,
		topicID, types.QueueStatusWaiting).Scan(&count)
	if err != nil {
		return 0, readErr("count waiting entries", err)
	}
	return count, nil
}

// ClaimPair consumes both entries and creates the live session atomically.
// The conditional delete must remove exactly two rows; anything less means a
// concurrent matcher already consumed one side.
func (m *Manager) ClaimPair(ctx context.Context, callerEntryID, candidateEntryID string, session *types.LiveSession) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx,
			`DELETE FROM queue_entries WHERE id IN (?, ?) AND status = ?`,
			callerEntryID, candidateEntryID, types.QueueStatusWaiting)
		if err != nil {
			return fmt.Errorf("failed to claim queue entries: %w", err)
		}
		claimed, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read affected rows: %w", err)
		}
		if claimed != 2 || callerEntryID == candidateEntryID {
			return fmt.Errorf("%w: queue entry already consumed", interfaces.ErrConflict)
		}

		var endedAt interface{}
		if session.EndedAt != nil {
			endedAt = toMillis(*session.EndedAt)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO live_sessions (`+liveSessionColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, session.ID, session.TopicID, session.HostID, session.GuestID, session.Status,
			toMillis(session.StartedAt), endedAt, session.DurationMinutes, session.HostEntryID, session.GuestEntryID)
		if err != nil {
			return fmt.Errorf("failed to insert live session: %w", err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit pair claim: %w", err)
		}

		m.log.WithFields(logrus.Fields{
			"session_id": session.ID,
			"topic_id":   session.TopicID,
			"host_id":    session.HostID,
			"guest_id":   session.GuestID,
		}).Debug("Queue pair claimed")
		return nil
	})
}

func (m *Manager) DeleteUserQueueEntries(ctx context.Context, userID string) (int, error) {
	var deleted int64
	err := m.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, `DELETE FROM queue_entries WHERE user_id = ?`, userID)
		if err != nil {
			return fmt.Errorf("failed to delete queue entries: %w", err)
		}
		deleted, err = res.RowsAffected()
		return err
	})
	return int(deleted), err
}

func (m *Manager) DeleteStaleQueueEntries(ctx context.Context, createdBefore time.Time) (int, error) {
	var deleted int64
	err := m.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx,
			`DELETE FROM queue_entries WHERE status = ? AND created_at < ?`,
			types.QueueStatusWaiting, toMillis(createdBefore))
		if err != nil {
			return fmt.Errorf("failed to delete stale queue entries: %w", err)
		}
		deleted, err = res.RowsAffected()
		return err
	})
	return int(deleted), err
}

const liveSessionColumns = `id, topic_id, host_id, guest_id, status, started_at, ended_at, duration_minutes, host_entry_id, guest_entry_id`

func scanLiveSession(row rowScanner) (*types.LiveSession, error) {
	var session types.LiveSession
	var startedAt int64
	var endedAt sql.NullInt64
	err := row.Scan(&session.ID, &session.TopicID, &session.HostID, &session.GuestID,
		&session.Status, &startedAt, &endedAt, &session.DurationMinutes, &session.HostEntryID, &session.GuestEntryID)
	if err != nil {
		return nil, err
	}
	session.StartedAt = fromMillis(startedAt)
	if endedAt.Valid {
		t := fromMillis(endedAt.Int64)
		session.EndedAt = &t
	}
	return &session, nil
}

func (m *Manager) GetLiveSession(ctx context.Context, sessionID string) (*types.LiveSession, error) {
	row := m.db.QueryRowContext(ctx, `SELECT `+liveSessionColumns+` FROM live_sessions WHERE id = ?`, sessionID)
	session, err := scanLiveSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: live session %s", interfaces.ErrNotFound, sessionID)
	}
	if err != nil {
		return nil, readErr("get live session", err)
	}
	return session, nil
}

// FindConsumingSession returns the live session that consumed the user's
// latest queue entry on topicID. An empty topicID uses the latest entry
// across all topics. A left or expired entry is never referenced by a
// session, so it yields ErrNotFound.
func (m *Manager) FindConsumingSession(ctx context.Context, userID, topicID string, since time.Time) (*types.LiveSession, error) {
	latest := `SELECT entry_id FROM last_queue_entries WHERE user_id = ? AND topic_id = ?`
	args := []interface{}{userID, topicID}
	if topicID == "" {
		latest = `SELECT entry_id FROM last_queue_entries WHERE user_id = ? ORDER BY joined_at DESC, entry_id DESC LIMIT 1`
		args = []interface{}{userID}
	}
	args = append(args, toMillis(since))

	row := m.db.QueryRowContext(ctx, `
		WITH latest AS (`+latest+`)
		SELECT `+liveSessionColumns+`
		FROM live_sessions
		WHERE (host_entry_id IN (SELECT entry_id FROM latest) OR guest_entry_id IN (SELECT entry_id FROM latest))
			AND started_at >= ?
		ORDER BY started_at DESC, id DESC
		LIMIT 1
	`, args...)
	session, err := scanLiveSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no session consumed the latest entry of %s", interfaces.ErrNotFound, userID)
	}
	if err != nil {
		return nil, readErr("find consuming session", err)
	}
	return session, nil
}
