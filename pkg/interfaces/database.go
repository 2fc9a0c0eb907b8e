package interfaces

import (
	"context"
	"time"

	"peerpractice/pkg/types"
)

// QueueStore persists waiting entries for the live queue
type QueueStore interface {
	// InsertQueueEntry inserts the entry unless the user already waits on the topic.
	// On a duplicate it returns the existing entry and created=false.
	InsertQueueEntry(ctx context.Context, entry *types.QueueEntry) (existing *types.QueueEntry, created bool, err error)

	// GetQueueEntry returns ErrNotFound when the user is not waiting on the topic
	GetQueueEntry(ctx context.Context, userID, topicID string) (*types.QueueEntry, error)

	// ListUserQueueEntries returns every waiting entry of one user, oldest first
	ListUserQueueEntries(ctx context.Context, userID string) ([]*types.QueueEntry, error)

	// ListWaitingCandidates returns other users' entries for a topic, oldest first
	ListWaitingCandidates(ctx context.Context, topicID, excludeUserID string, limit int) ([]*types.QueueEntry, error)

	// CountWaiting counts waiting entries for a topic
	CountWaiting(ctx context.Context, topicID string) (int, error)

	// ClaimPair deletes both entries only if both still exist and inserts the
	// live session, all in one transaction. Returns ErrConflict when either
	// entry was already consumed.
	ClaimPair(ctx context.Context, callerEntryID, candidateEntryID string, session *types.LiveSession) error

	// DeleteUserQueueEntries removes a user's entries; removing nothing is not an error
	DeleteUserQueueEntries(ctx context.Context, userID string) (int, error)

	// DeleteStaleQueueEntries removes entries created before the cutoff
	DeleteStaleQueueEntries(ctx context.Context, createdBefore time.Time) (int, error)
}

// LiveSessionStore reads sessions produced by immediate pairings
type LiveSessionStore interface {
	GetLiveSession(ctx context.Context, sessionID string) (*types.LiveSession, error)

	// FindConsumingSession returns the session, started at or after since,
	// that consumed the user's latest entry on topicID ("" means the latest
	// entry on any topic), or ErrNotFound
	FindConsumingSession(ctx context.Context, userID, topicID string, since time.Time) (*types.LiveSession, error)
}

// CandidateQuery selects pending, unpartnered records compatible with a target
type CandidateQuery struct {
	ExcludeSessionID string
	ExcludeCreatorID string
	TopicID          string
	Difficulty       string
	DurationMinutes  int
	WindowStart      time.Time
	WindowEnd        time.Time
}

// PendingFilter narrows ListPending; empty fields match everything
type PendingFilter struct {
	TopicID   string
	CreatorID string
}

// Transition is one guarded status change on a scheduled session.
// The update applies only while the row satisfies every guard.
type Transition struct {
	SessionID string
	From      []types.SessionStatus
	To        types.SessionStatus

	RequireNoPartner bool
	RequirePartnerID string

	SetPartnerID        string
	SetPartnerSessionID string
	ClearPartner        bool

	// Optional transitions are skipped instead of aborting when a guard fails
	Optional bool
}

// ScheduledStore persists scheduled practice requests
type ScheduledStore interface {
	CreateScheduledSession(ctx context.Context, session *types.ScheduledSession) error
	GetScheduledSession(ctx context.Context, sessionID string) (*types.ScheduledSession, error)

	// ListUserScheduledSessions returns records the user created or is partnered on.
	// A nil status returns every status.
	ListUserScheduledSessions(ctx context.Context, userID string, status *types.SessionStatus) ([]*types.ScheduledSession, error)

	// FindCandidates returns matching records in discovery order (created_at, id)
	FindCandidates(ctx context.Context, query CandidateQuery) ([]*types.ScheduledSession, error)

	ListPending(ctx context.Context, filter PendingFilter) ([]*types.ScheduledSession, error)
	ListUsersWithPending(ctx context.Context) ([]string, error)
	ListExpiredPending(ctx context.Context, scheduledBefore time.Time) ([]*types.ScheduledSession, error)

	// ApplyTransitions runs all transitions in one transaction. A failed
	// non-optional guard rolls back everything and returns ErrConflict, or
	// ErrNotFound when the row does not exist. Results are index-aligned with
	// the input; skipped optional transitions yield nil.
	ApplyTransitions(ctx context.Context, transitions []Transition) ([]*types.ScheduledSession, error)
}

// DatabaseManager is the full persistence surface
type DatabaseManager interface {
	QueueStore
	LiveSessionStore
	ScheduledStore

	// HealthCheck verifies database connectivity and basic operations
	HealthCheck(ctx context.Context) error

	// Close waits for queued writes before closing the connection
	Close() error
}
