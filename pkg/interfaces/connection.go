package interfaces

// Connection is a push channel to one authenticated user
type Connection interface {
	// WriteJSON sends a JSON message to the client (thread-safe)
	WriteJSON(v interface{}) error

	// Close closes the connection and cleans up resources
	Close() error

	// GetUserID returns the connected user's ID
	GetUserID() string

	// IsAuthenticated returns true once credentials were set
	IsAuthenticated() bool

	// SetCredentials binds the verified caller to the connection
	SetCredentials(userID string) error
}
