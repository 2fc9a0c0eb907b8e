package types

import (
	"regexp"
)

// Compiled once; validation runs on every request
var (
	userIDRegex  = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	topicIDRegex = regexp.MustCompile(`^[a-zA-Z0-9 _.+#-]+$`)
)

// Duration bounds for scheduled sessions, in minutes
const (
	MinDurationMinutes = 15
	MaxDurationMinutes = 240
)

// Validate checks the caller-supplied fields of a scheduled session
func (s *ScheduledSession) Validate() error {
	if !IsValidUserID(s.CreatorID) {
		return ErrInvalidUserID
	}
	if !IsValidTopicID(s.TopicID) {
		return ErrInvalidTopicID
	}
	if !IsValidDifficulty(s.Difficulty) {
		return ErrInvalidDifficulty
	}
	if !IsValidDuration(s.DurationMinutes) {
		return ErrInvalidDuration
	}
	if s.ScheduledFor.IsZero() {
		return ErrInvalidScheduledFor
	}
	if s.HasPartner() && *s.PartnerID == s.CreatorID {
		return ErrSelfPartner
	}
	return nil
}

// Validate checks the caller-supplied fields of a queue entry
func (q *QueueEntry) Validate() error {
	if !IsValidUserID(q.UserID) {
		return ErrInvalidUserID
	}
	if !IsValidTopicID(q.TopicID) {
		return ErrInvalidTopicID
	}
	if !IsValidDifficulty(q.Difficulty) {
		return ErrInvalidDifficulty
	}
	return nil
}

// IsValidUserID checks if a user ID meets format requirements
func IsValidUserID(userID string) bool {
	if len(userID) < 1 || len(userID) > 50 {
		return false
	}
	return userIDRegex.MatchString(userID)
}

// IsValidTopicID accepts short human-readable topic keys such as "Arrays" or "Dynamic Programming"
func IsValidTopicID(topicID string) bool {
	if len(topicID) < 1 || len(topicID) > 100 {
		return false
	}
	return topicIDRegex.MatchString(topicID)
}

// IsValidDifficulty is case-sensitive; "easy" is rejected
func IsValidDifficulty(difficulty string) bool {
	switch difficulty {
	case DifficultyEasy, DifficultyMedium, DifficultyHard:
		return true
	default:
		return false
	}
}

// IsValidDuration checks the session length in minutes
func IsValidDuration(minutes int) bool {
	return minutes >= MinDurationMinutes && minutes <= MaxDurationMinutes
}

// IsValidStatus checks a status filter or stored value
func IsValidStatus(status SessionStatus) bool {
	switch status {
	case StatusPending, StatusMatched, StatusConfirmed, StatusDeclined, StatusCancelled, StatusWithdrawn:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further transition leaves this status
func IsTerminal(status SessionStatus) bool {
	switch status {
	case StatusConfirmed, StatusDeclined, StatusCancelled, StatusWithdrawn:
		return true
	default:
		return false
	}
}
