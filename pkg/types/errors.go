package types

import "errors"

// Field validation failures. Callers classify them as validation errors.
var (
	ErrInvalidUserID       = errors.New("user ID must be 1-50 characters, alphanumeric + underscore/hyphen only")
	ErrInvalidTopicID      = errors.New("topic ID must be 1-100 characters")
	ErrInvalidDifficulty   = errors.New("difficulty must be Easy, Medium or Hard")
	ErrInvalidDuration     = errors.New("duration must be between 15 and 240 minutes")
	ErrInvalidScheduledFor = errors.New("scheduled time is required")
	ErrInvalidStatus       = errors.New("invalid session status")
	ErrSelfPartner         = errors.New("partner must be a different user")
)
