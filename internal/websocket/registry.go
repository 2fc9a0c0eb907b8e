package websocket

import (
	"sync"

	"github.com/sirupsen/logrus"

	"peerpractice/internal/logger"
)

// Registry tracks the single live push connection per user
type Registry struct {
	mu          sync.RWMutex
	connections map[string]*Connection
	delivered   int64
	dropped     int64
	log         *logrus.Entry
}

func NewRegistry() *Registry {
	return &Registry{
		connections: make(map[string]*Connection),
		log:         logger.WithComponent("websocket"),
	}
}

// RegisterConnection adds conn, replacing and closing any previous
// connection of the same user
func (r *Registry) RegisterConnection(conn *Connection) error {
	if conn == nil {
		return ErrNilConnection
	}
	if !conn.IsAuthenticated() {
		return ErrConnectionNotAuthenticated
	}
	userID := conn.GetUserID()

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.connections[userID]; ok && existing != conn {
		// Close outside the lock
		go func() {
			if err := existing.Close(); err != nil {
				r.log.WithError(err).WithField("user_id", userID).Debug("Failed to close replaced connection")
			}
		}()
	}
	r.connections[userID] = conn
	return nil
}

// UnregisterConnection removes conn only if it is still the registered one,
// so a stale connection's cleanup cannot evict its replacement
func (r *Registry) UnregisterConnection(conn *Connection) {
	if conn == nil {
		return
	}
	userID := conn.GetUserID()

	r.mu.Lock()
	defer r.mu.Unlock()

	if registered, ok := r.connections[userID]; ok && registered == conn {
		delete(r.connections, userID)
	}
}

func (r *Registry) GetUserConnection(userID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.connections[userID]
	return conn, ok
}

// SendToUser pushes v to the user's connection. ErrUserNotConnected when
// the user has none.
func (r *Registry) SendToUser(userID string, v interface{}) error {
	conn, ok := r.GetUserConnection(userID)
	if !ok {
		r.mu.Lock()
		r.dropped++
		r.mu.Unlock()
		return ErrUserNotConnected
	}

	err := conn.WriteJSON(v)

	r.mu.Lock()
	if err != nil {
		r.dropped++
	} else {
		r.delivered++
	}
	r.mu.Unlock()
	return err
}

// GetStats returns counters for the health endpoint
func (r *Registry) GetStats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return map[string]int{
		"total_connections": len(r.connections),
		"delivered":         int(r.delivered),
		"dropped":           int(r.dropped),
	}
}
