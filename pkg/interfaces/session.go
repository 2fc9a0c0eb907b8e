package interfaces

import (
	"context"
	"time"

	"peerpractice/pkg/types"
)

// Notifier delivers a notification without blocking the state transition that caused it
type Notifier interface {
	Notify(ctx context.Context, n types.Notification) error
}

// IdentityProvider turns a bearer credential into the caller's user ID
type IdentityProvider interface {
	Authenticate(token string) (string, error)
}

// TopicDirectory is a read-only lookup for topic display metadata
type TopicDirectory interface {
	LookupTopic(ctx context.Context, topicID string) (*types.Topic, error)
}

// Matchmaker pairs users waiting live in a queue
type Matchmaker interface {
	JoinQueue(ctx context.Context, userID, topicID, difficulty string) (*types.JoinResult, error)

	// AttemptMatch returns nil, nil when no partner is available yet or the
	// caller is not queued on the topic
	AttemptMatch(ctx context.Context, topicID, userID string) (*types.MatchResult, error)
	LeaveQueue(ctx context.Context, userID string) error
	CheckStatus(ctx context.Context, userID string, since time.Time) (*types.QueueStatusResult, error)

	// GetLiveSession returns a session only to its host or guest
	GetLiveSession(ctx context.Context, userID, sessionID string) (*types.LiveSession, error)
}

// CreateScheduledRequest carries caller input for a new scheduled session
type CreateScheduledRequest struct {
	TopicID         string
	Difficulty      string
	DurationMinutes int
	ScheduledFor    time.Time
}

// SessionLifecycle owns scheduled sessions from creation to a terminal status
type SessionLifecycle interface {
	CreateScheduledSession(ctx context.Context, callerID string, req CreateScheduledRequest) (*types.ScheduledSession, error)
	GetScheduledSessions(ctx context.Context, callerID string, status *types.SessionStatus) ([]*types.ScheduledSession, error)
	SendInvite(ctx context.Context, callerID, sessionID, partnerID string) (*types.ScheduledSession, error)
	AcceptInvite(ctx context.Context, callerID, sessionID string) (*types.ScheduledSession, error)
	DeclineInvite(ctx context.Context, callerID, sessionID string) (*types.ScheduledSession, error)
	WithdrawInvite(ctx context.Context, callerID, sessionID string) (*types.ScheduledSession, error)
	Confirm(ctx context.Context, callerID, sessionID string) (*types.ScheduledSession, error)
	Decline(ctx context.Context, callerID, sessionID string) (*types.ScheduledSession, error)
	Cancel(ctx context.Context, callerID, sessionID string) (*types.ScheduledSession, error)
}

// DeferredMatcher pairs compatible scheduled sessions
type DeferredMatcher interface {
	// FindCandidates and AutoMatchSession act only on the caller's own
	// records; anyone else's is ErrNotFound
	FindCandidates(ctx context.Context, callerID, sessionID string) ([]*types.ScheduledSession, error)

	// AutoMatchSession returns nil, nil when no candidate exists
	AutoMatchSession(ctx context.Context, callerID, sessionID string) (*types.ScheduledSession, error)
	RefreshAndMatch(ctx context.Context, userID string) (*types.RefreshResult, error)
}
