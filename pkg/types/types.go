package types

import (
	"time"
)

// Difficulty levels a practice request can ask for. Matching requires an exact match.
const (
	DifficultyEasy   = "Easy"
	DifficultyMedium = "Medium"
	DifficultyHard   = "Hard"
)

// QueueStatusWaiting is the only persisted queue state. Consumed and cancelled
// entries are deleted rather than updated.
const QueueStatusWaiting = "waiting"

// SessionStatus is the lifecycle state of a scheduled practice request
type SessionStatus string

const (
	StatusPending   SessionStatus = "pending"
	StatusMatched   SessionStatus = "matched"
	StatusConfirmed SessionStatus = "confirmed"
	StatusDeclined  SessionStatus = "declined"
	StatusCancelled SessionStatus = "cancelled"
	StatusWithdrawn SessionStatus = "withdrawn"
)

// Live session states
const (
	LiveStatusActive = "active"
	LiveStatusEnded  = "ended"
)

// QueueEntry is one user waiting for an immediate partner on a topic.
// At most one entry exists per (UserID, TopicID).
type QueueEntry struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	TopicID    string    `json:"topic_id"`
	Difficulty string    `json:"difficulty"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
}

// ScheduledSession is a durable request to practice a topic at a future instant.
// Two matched records reference each other through PartnerID (the other
// creator) and PartnerSessionID (the other record); neither owns the other.
type ScheduledSession struct {
	ID               string        `json:"id"`
	CreatorID        string        `json:"creator_id"`
	TopicID          string        `json:"topic_id"`
	Difficulty       string        `json:"difficulty"`
	DurationMinutes  int           `json:"duration_minutes"`
	ScheduledFor     time.Time     `json:"scheduled_for"`
	PartnerID        *string       `json:"partner_id"`
	PartnerSessionID *string       `json:"partner_session_id,omitempty"`
	Status           SessionStatus `json:"status"`
	CreatedAt        time.Time     `json:"created_at"`
}

// HasPartner reports whether the record is already linked to a partner
func (s *ScheduledSession) HasPartner() bool {
	return s.PartnerID != nil && *s.PartnerID != ""
}

// IsParticipant reports whether userID is the creator or the linked partner
func (s *ScheduledSession) IsParticipant(userID string) bool {
	if s.CreatorID == userID {
		return true
	}
	return s.HasPartner() && *s.PartnerID == userID
}

// LiveSession is the joinable session produced by one immediate pairing
type LiveSession struct {
	ID              string     `json:"id"`
	TopicID         string     `json:"topic_id"`
	HostID          string     `json:"host_id"`
	GuestID         string     `json:"guest_id"`
	Status          string     `json:"status"`
	StartedAt       time.Time  `json:"started_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	DurationMinutes int        `json:"duration_minutes"`

	// queue entries the pairing consumed
	HostEntryID  string `json:"-"`
	GuestEntryID string `json:"-"`
}

// PartnerOf returns the other participant, or "" if userID is not in the session
func (l *LiveSession) PartnerOf(userID string) string {
	switch userID {
	case l.HostID:
		return l.GuestID
	case l.GuestID:
		return l.HostID
	default:
		return ""
	}
}

// MatchResult is handed back to a caller after a successful immediate pairing.
// It is never persisted.
type MatchResult struct {
	SessionID string `json:"session_id"`
	PartnerID string `json:"partner_id"`
	TopicID   string `json:"topic_id"`
}

// QueuePosition describes a caller still waiting in the queue
type QueuePosition struct {
	Position             int `json:"position"`
	EstimatedWaitSeconds int `json:"estimated_wait_seconds"`
}

// Topic is display metadata from the topic directory
type Topic struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// JoinResult is either an immediate match or a waiting position, never both
type JoinResult struct {
	Matched *MatchResult   `json:"matched,omitempty"`
	Waiting *QueuePosition `json:"waiting,omitempty"`
}

// QueueStatusResult reports a caller's standing after a status check.
// Matched is set when the caller's entry was consumed by a pairing.
type QueueStatusResult struct {
	InQueue bool           `json:"in_queue"`
	Waiting *QueuePosition `json:"waiting,omitempty"`
	Matched *MatchResult   `json:"matched,omitempty"`
}

// RefreshResult aggregates a bulk sweep over one user's pending requests
type RefreshResult struct {
	MatchedCount int                 `json:"matched_count"`
	Matches      []*ScheduledSession `json:"matches"`
}

// Notification events
const (
	EventMatched          = "matched"
	EventInviteReceived   = "invite_received"
	EventInviteAccepted   = "invite_accepted"
	EventInviteDeclined   = "invite_declined"
	EventInviteWithdrawn  = "invite_withdrawn"
	EventSessionConfirmed = "session_confirmed"
	EventSessionDeclined  = "session_declined"
	EventSessionCancelled = "session_cancelled"
)

// Match kinds carried in a matched notification's "kind" payload field
const (
	MatchKindLive      = "live"
	MatchKindScheduled = "scheduled"
)

// Notification is a fire-and-forget message to one user
type Notification struct {
	UserID    string                 `json:"user_id"`
	Event     string                 `json:"event"`
	Title     string                 `json:"title"`
	Body      string                 `json:"body"`
	Payload   map[string]interface{} `json:"payload"`
	CreatedAt time.Time              `json:"created_at"`
}
