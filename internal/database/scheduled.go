package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"peerpractice/pkg/interfaces"
	"peerpractice/pkg/types"
)

const scheduledColumns = `id, creator_id, topic_id, difficulty, duration_minutes, scheduled_for,
	partner_id, partner_session_id, status, created_at`

func scanScheduled(row rowScanner) (*types.ScheduledSession, error) {
	var s types.ScheduledSession
	var scheduledFor, createdAt int64
	var partnerID, partnerSessionID sql.NullString
	var status string

	err := row.Scan(&s.ID, &s.CreatorID, &s.TopicID, &s.Difficulty, &s.DurationMinutes,
		&scheduledFor, &partnerID, &partnerSessionID, &status, &createdAt)
	if err != nil {
		return nil, err
	}

	s.ScheduledFor = fromMillis(scheduledFor)
	s.CreatedAt = fromMillis(createdAt)
	s.Status = types.SessionStatus(status)
	if partnerID.Valid {
		s.PartnerID = &partnerID.String
	}
	if partnerSessionID.Valid {
		s.PartnerSessionID = &partnerSessionID.String
	}
	return &s, nil
}

func collectScheduled(rows *sql.Rows) ([]*types.ScheduledSession, error) {
	defer func() { _ = rows.Close() }()

	sessions := []*types.ScheduledSession{}
	for rows.Next() {
		s, err := scanScheduled(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan scheduled session row: %w", err)
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating scheduled session rows: %w", err)
	}
	return sessions, nil
}

func nullable(s *string) interface{} {
	if s == nil || *s == "" {
		return nil
	}
	return *s
}

func (m *Manager) CreateScheduledSession(ctx context.Context, session *types.ScheduledSession) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		now := toMillis(m.now())
		_, err = tx.ExecContext(ctx, `
			INSERT INTO scheduled_sessions
				(id, creator_id, topic_id, difficulty, duration_minutes, scheduled_for,
				 partner_id, partner_session_id, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, session.ID, session.CreatorID, session.TopicID, session.Difficulty, session.DurationMinutes,
			toMillis(session.ScheduledFor), nullable(session.PartnerID), nullable(session.PartnerSessionID),
			string(session.Status), toMillis(session.CreatedAt), now)
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: scheduled session %s already exists", interfaces.ErrConflict, session.ID)
		}
		if err != nil {
			return fmt.Errorf("failed to insert scheduled session: %w", err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit scheduled session: %w", err)
		}
		return nil
	})
}

func (m *Manager) GetScheduledSession(ctx context.Context, sessionID string) (*types.ScheduledSession, error) {
	row := m.db.QueryRowContext(ctx, `SELECT `+scheduledColumns+` FROM scheduled_sessions WHERE id = ?`, sessionID)
	s, err := scanScheduled(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: scheduled session %s", interfaces.ErrNotFound, sessionID)
	}
	if err != nil {
		return nil, readErr("get scheduled session", err)
	}
	return s, nil
}

// ListUserScheduledSessions returns the user's own records plus direct
// invites addressed to them. A paired record that has its own counterpart
// (partner_session_id set) is represented by that counterpart instead.
func (m *Manager) ListUserScheduledSessions(ctx context.Context, userID string, status *types.SessionStatus) ([]*types.ScheduledSession, error) {
	query := `
		SELECT ` + scheduledColumns + `
		FROM scheduled_sessions
		WHERE (creator_id = ? OR (partner_id = ? AND partner_session_id IS NULL))`
	args := []interface{}{userID, userID}
	if status != nil {
		query += ` AND status = ?`
		args = append(args, string(*status))
	}
	query += ` ORDER BY scheduled_for ASC, id ASC`

	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, readErr("list user scheduled sessions", err)
	}
	return collectScheduled(rows)
}

// FindCandidates selects pending, unpartnered records with identical
// parameters inside the window, oldest first
func (m *Manager) FindCandidates(ctx context.Context, q interfaces.CandidateQuery) ([]*types.ScheduledSession, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT `+scheduledColumns+`
		FROM scheduled_sessions
		WHERE status = ?
		  AND partner_id IS NULL
		  AND topic_id = ?
		  AND difficulty = ?
		  AND duration_minutes = ?
		  AND creator_id <> ?
		  AND id <> ?
		  AND scheduled_for BETWEEN ? AND ?
		ORDER BY created_at ASC, id ASC
	`, string(types.StatusPending), q.TopicID, q.Difficulty, q.DurationMinutes,
		q.ExcludeCreatorID, q.ExcludeSessionID, toMillis(q.WindowStart), toMillis(q.WindowEnd))
	if err != nil {
		return nil, readErr("find candidates", err)
	}
	return collectScheduled(rows)
}

func (m *Manager) ListPending(ctx context.Context, filter interfaces.PendingFilter) ([]*types.ScheduledSession, error) {
	query := `SELECT ` + scheduledColumns + ` FROM scheduled_sessions WHERE status = ?`
	args := []interface{}{string(types.StatusPending)}
	if filter.TopicID != "" {
		query += ` AND topic_id = ?`
		args = append(args, filter.TopicID)
	}
	if filter.CreatorID != "" {
		query += ` AND creator_id = ?`
		args = append(args, filter.CreatorID)
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, readErr("list pending sessions", err)
	}
	return collectScheduled(rows)
}

// ListUsersWithPending returns creators holding at least one pending,
// unpartnered request
func (m *Manager) ListUsersWithPending(ctx context.Context) ([]string, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT DISTINCT creator_id FROM scheduled_sessions
		WHERE status = ? AND partner_id IS NULL
		ORDER BY creator_id
	`, string(types.StatusPending))
	if err != nil {
		return nil, readErr("list users with pending sessions", err)
	}
	defer func() { _ = rows.Close() }()

	users := []string{}
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("failed to scan creator row: %w", err)
		}
		users = append(users, userID)
	}
	return users, rows.Err()
}

func (m *Manager) ListExpiredPending(ctx context.Context, scheduledBefore time.Time) ([]*types.ScheduledSession, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT `+scheduledColumns+`
		FROM scheduled_sessions
		WHERE status = ? AND scheduled_for < ?
		ORDER BY scheduled_for ASC, id ASC
	`, string(types.StatusPending), toMillis(scheduledBefore))
	if err != nil {
		return nil, readErr("list expired pending sessions", err)
	}
	return collectScheduled(rows)
}

// buildTransition renders one guarded UPDATE
func buildTransition(t interfaces.Transition, now int64) (string, []interface{}, error) {
	if t.SessionID == "" {
		return "", nil, fmt.Errorf("%w: transition without session id", interfaces.ErrValidation)
	}
	if len(t.From) == 0 {
		return "", nil, fmt.Errorf("%w: transition without source status", interfaces.ErrValidation)
	}
	if !types.IsValidStatus(t.To) {
		return "", nil, fmt.Errorf("%w: %w", interfaces.ErrValidation, types.ErrInvalidStatus)
	}

	set := []string{"status = ?", "updated_at = ?"}
	args := []interface{}{string(t.To), now}
	switch {
	case t.ClearPartner:
		set = append(set, "partner_id = NULL", "partner_session_id = NULL")
	default:
		if t.SetPartnerID != "" {
			set = append(set, "partner_id = ?")
			args = append(args, t.SetPartnerID)
		}
		if t.SetPartnerSessionID != "" {
			set = append(set, "partner_session_id = ?")
			args = append(args, t.SetPartnerSessionID)
		}
	}

	placeholders := make([]string, len(t.From))
	where := []interface{}{t.SessionID}
	for i, from := range t.From {
		placeholders[i] = "?"
		where = append(where, string(from))
	}

	query := `UPDATE scheduled_sessions SET ` + strings.Join(set, ", ") +
		` WHERE id = ? AND status IN (` + strings.Join(placeholders, ", ") + `)`
	if t.RequireNoPartner {
		query += ` AND partner_id IS NULL`
	}
	if t.RequirePartnerID != "" {
		query += ` AND partner_id = ?`
		where = append(where, t.RequirePartnerID)
	}

	return query, append(args, where...), nil
}

// ApplyTransitions is the compare-and-swap primitive for scheduled sessions.
// Each UPDATE carries its guards in the WHERE clause; a zero affected-row
// count on a non-optional transition aborts the whole transaction.
func (m *Manager) ApplyTransitions(ctx context.Context, transitions []interfaces.Transition) ([]*types.ScheduledSession, error) {
	results := make([]*types.ScheduledSession, len(transitions))

	err := m.executeWrite(ctx, func(db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		now := toMillis(m.now())
		for i, t := range transitions {
			results[i] = nil

			query, args, err := buildTransition(t, now)
			if err != nil {
				return err
			}
			res, err := tx.ExecContext(ctx, query, args...)
			if err != nil {
				return fmt.Errorf("failed to update scheduled session %s: %w", t.SessionID, err)
			}
			affected, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("failed to read affected rows: %w", err)
			}

			if affected == 0 {
				if t.Optional {
					continue
				}
				var exists int
				err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM scheduled_sessions WHERE id = ?`, t.SessionID).Scan(&exists)
				if err != nil {
					return fmt.Errorf("failed to check scheduled session %s: %w", t.SessionID, err)
				}
				if exists == 0 {
					return fmt.Errorf("%w: scheduled session %s", interfaces.ErrNotFound, t.SessionID)
				}
				return fmt.Errorf("%w: scheduled session %s cannot move to %s", interfaces.ErrConflict, t.SessionID, t.To)
			}

			row := tx.QueryRowContext(ctx, `SELECT `+scheduledColumns+` FROM scheduled_sessions WHERE id = ?`, t.SessionID)
			results[i], err = scanScheduled(row)
			if err != nil {
				return fmt.Errorf("failed to reload scheduled session %s: %w", t.SessionID, err)
			}
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit transitions: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, s := range results {
		if s == nil {
			continue
		}
		m.log.WithFields(logrus.Fields{
			"session_id": s.ID,
			"creator_id": s.CreatorID,
			"status":     s.Status,
		}).Debug("Scheduled session transitioned")
	}
	return results, nil
}
