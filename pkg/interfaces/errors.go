package interfaces

import "errors"

// Error taxonomy shared by every engine operation. Component errors wrap one
// of these so callers can classify with errors.Is.
var (
	ErrUnauthenticated = errors.New("caller is not authenticated")
	ErrNotFound        = errors.New("not found")
	ErrValidation      = errors.New("validation failed")
	ErrConflict        = errors.New("conflicting state")
	ErrTransientStore  = errors.New("store temporarily unavailable")
)
