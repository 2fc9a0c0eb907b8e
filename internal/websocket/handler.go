package websocket

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"peerpractice/internal/logger"
	"peerpractice/pkg/interfaces"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Allow all origins for development
		return true
	},
	HandshakeTimeout: 10 * time.Second,
}

// Handler upgrades authenticated callers to a push connection carrying
// match and invite events
type Handler struct {
	registry *Registry
	identity interfaces.IdentityProvider
	config   Config
	log      *logrus.Entry
}

func NewHandler(registry *Registry, identity interfaces.IdentityProvider, config Config) *Handler {
	defaults := DefaultConfig()
	if config.PingInterval <= 0 {
		config.PingInterval = defaults.PingInterval
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = defaults.ReadTimeout
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}
	return &Handler{
		registry: registry,
		identity: identity,
		config:   config,
		log:      logger.WithComponent("websocket"),
	}
}

// bearerToken reads the Authorization header, falling back to the token
// query parameter since browsers cannot set headers on upgrade requests
func bearerToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		if token, ok := strings.CutPrefix(header, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("token")
}

// HandleWebSocket authenticates before upgrading so rejected callers get a
// plain HTTP error
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		http.Error(w, ErrMissingToken.Error(), http.StatusUnauthorized)
		return
	}
	userID, err := h.identity.Authenticate(token)
	if err != nil {
		http.Error(w, "Invalid or expired token", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("WebSocket upgrade failed")
		return
	}

	wsConn := NewConnection(conn, h.config)
	if err := wsConn.SetCredentials(userID); err != nil {
		h.log.WithError(err).Warn("Failed to set credentials")
		_ = wsConn.Close()
		return
	}
	if err := h.registry.RegisterConnection(wsConn); err != nil {
		h.log.WithError(err).Warn("Failed to register connection")
		_ = wsConn.Close()
		return
	}

	h.log.WithField("user_id", userID).Info("Push connection opened")
	_ = wsConn.WriteJSON(map[string]interface{}{
		"event":     "connected",
		"user_id":   userID,
		"timestamp": time.Now().UTC(),
	})

	go h.handleConnection(wsConn)
}

// handleConnection runs the read pump and heartbeat until the peer goes away
func (h *Handler) handleConnection(conn *Connection) {
	defer func() {
		h.registry.UnregisterConnection(conn)
		_ = conn.Close()
		h.log.WithField("user_id", conn.GetUserID()).Info("Push connection closed")
	}()

	if err := conn.conn.SetReadDeadline(time.Now().Add(h.config.ReadTimeout)); err != nil {
		return
	}
	conn.conn.SetPongHandler(func(string) error {
		return conn.conn.SetReadDeadline(time.Now().Add(h.config.ReadTimeout))
	})

	go func() {
		ticker := time.NewTicker(h.config.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				deadline := time.Now().Add(h.config.WriteTimeout)
				if err := conn.conn.WriteControl(websocket.PingMessage, []byte{}, deadline); err != nil {
					_ = conn.Close()
					return
				}
			case <-conn.Done():
				return
			}
		}
	}()

	// The channel is push-only; inbound frames just keep the read deadline moving
	for {
		if _, _, err := conn.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.WithError(err).WithField("user_id", conn.GetUserID()).Debug("WebSocket read error")
			}
			return
		}
	}
}
