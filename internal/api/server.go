package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"peerpractice/internal/logger"
	"peerpractice/internal/queue"
	"peerpractice/internal/scheduling"
	"peerpractice/pkg/interfaces"
	"peerpractice/pkg/types"
)

// Registry reports push-connection statistics
type Registry interface {
	GetStats() map[string]int
}

// HealthChecker pings the store
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Scheduler is the scheduled-session surface plus its time predicates
type Scheduler interface {
	interfaces.SessionLifecycle
	CanJoinSession(scheduledFor time.Time) bool
	CanCancelSession(scheduledFor time.Time) bool
}

type Analyzer interface {
	Analyze(ctx context.Context, filter interfaces.PendingFilter) (*scheduling.Report, error)
}

type TopicLister interface {
	ListTopics(ctx context.Context) ([]*types.Topic, error)
}

// Dependencies are the components the HTTP boundary exposes. WebSocket is
// optional and mounted at /ws when set.
type Dependencies struct {
	Identity  interfaces.IdentityProvider
	Queue     interfaces.Matchmaker
	Waiter    queue.Waiter
	Scheduler Scheduler
	Matcher   interfaces.DeferredMatcher
	Analyzer  Analyzer
	Topics    TopicLister
	Health    HealthChecker
	Registry  Registry
	WebSocket http.Handler
	RateLimit int
	MaxWait   time.Duration
	StartedAt time.Time

	// Operators may run diagnostics over any user's records
	Operators []string
}

// Server is the HTTP/JSON boundary. It holds no matching logic: every
// handler decodes, calls one engine operation and encodes the outcome.
type Server struct {
	deps      Dependencies
	limiter   *RateLimiter
	router    *http.ServeMux
	operators map[string]struct{}
	log       *logrus.Entry
}

func NewServer(deps Dependencies) *Server {
	if deps.MaxWait <= 0 {
		deps.MaxWait = 30 * time.Second
	}
	if deps.StartedAt.IsZero() {
		deps.StartedAt = time.Now()
	}
	s := &Server{
		deps:      deps,
		limiter:   NewRateLimiter(deps.RateLimit, time.Minute),
		router:    http.NewServeMux(),
		operators: make(map[string]struct{}, len(deps.Operators)),
		log:       logger.WithComponent("api"),
	}
	for _, id := range deps.Operators {
		s.operators[id] = struct{}{}
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	withJSON := s.jsonMiddleware

	s.router.Handle("GET /health", withJSON(http.HandlerFunc(s.healthCheck)))
	s.router.Handle("GET /api/topics", withJSON(http.HandlerFunc(s.listTopics)))

	s.router.Handle("POST /api/queue/join", withJSON(s.authenticated(s.joinQueue)))
	s.router.Handle("POST /api/queue/attempt", withJSON(s.authenticated(s.rateLimited(s.attemptMatch))))
	s.router.Handle("GET /api/queue/status", withJSON(s.authenticated(s.queueStatus)))
	s.router.Handle("GET /api/queue/wait", withJSON(s.authenticated(s.waitForMatch)))
	s.router.Handle("DELETE /api/queue", withJSON(s.authenticated(s.leaveQueue)))
	s.router.Handle("GET /api/live/{id}", withJSON(s.authenticated(s.liveSession)))

	s.router.Handle("POST /api/scheduled", withJSON(s.authenticated(s.createScheduled)))
	s.router.Handle("GET /api/scheduled", withJSON(s.authenticated(s.listScheduled)))
	s.router.Handle("POST /api/scheduled/refresh", withJSON(s.authenticated(s.refreshAndMatch)))
	s.router.Handle("GET /api/scheduled/can-join", withJSON(s.authenticated(s.canJoin)))
	s.router.Handle("GET /api/scheduled/can-cancel", withJSON(s.authenticated(s.canCancel)))
	s.router.Handle("GET /api/scheduled/{id}/candidates", withJSON(s.authenticated(s.findCandidates)))
	s.router.Handle("POST /api/scheduled/{id}/auto-match", withJSON(s.authenticated(s.autoMatch)))
	s.router.Handle("POST /api/scheduled/{id}/invite", withJSON(s.authenticated(s.sendInvite)))
	s.router.Handle("POST /api/scheduled/{id}/{action}", withJSON(s.authenticated(s.transition)))

	s.router.Handle("GET /api/diagnostics", withJSON(s.authenticated(s.diagnostics)))

	if s.deps.WebSocket != nil {
		s.router.Handle("GET /ws", s.deps.WebSocket)
	}
}

// ServeHTTP applies CORS ahead of routing so preflight requests never hit
// method-restricted patterns
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.Header().Set("Access-Control-Max-Age", "86400")
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}
	s.router.ServeHTTP(w, r)
}

// Response types

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type HealthResponse struct {
	Status      string                 `json:"status"`
	Timestamp   time.Time              `json:"timestamp"`
	Database    string                 `json:"database"`
	Connections map[string]int         `json:"connections"`
	System      map[string]interface{} `json:"system"`
}

type authedHandler func(w http.ResponseWriter, r *http.Request, userID string)

func bearerToken(r *http.Request) string {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(token)
}

// authenticated resolves the caller from the bearer token; the ID is passed
// explicitly to every engine call
func (s *Server) authenticated(next authedHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			s.sendError(w, "Missing bearer token", http.StatusUnauthorized)
			return
		}
		userID, err := s.deps.Identity.Authenticate(token)
		if err != nil {
			s.sendError(w, "Invalid or expired token", http.StatusUnauthorized)
			return
		}
		next(w, r, userID)
	})
}

func (s *Server) rateLimited(next authedHandler) authedHandler {
	return func(w http.ResponseWriter, r *http.Request, userID string) {
		if ok, retry := s.limiter.Allow(userID); !ok {
			w.Header().Set("Retry-After", strconv.Itoa(int(retry.Seconds())+1))
			s.sendError(w, "Too many match attempts, slow down", http.StatusTooManyRequests)
			return
		}
		next(w, r, userID)
	}
}

func (s *Server) jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status, dbStatus := "healthy", "healthy"
	if s.deps.Health != nil {
		if err := s.deps.Health.HealthCheck(ctx); err != nil {
			status = "unhealthy"
			dbStatus = fmt.Sprintf("error: %v", err)
		}
	}

	connections := map[string]int{}
	if s.deps.Registry != nil {
		connections = s.deps.Registry.GetStats()
	}

	response := HealthResponse{
		Status:      status,
		Timestamp:   time.Now().UTC(),
		Database:    dbStatus,
		Connections: connections,
		System: map[string]interface{}{
			"uptime_seconds":     int(time.Since(s.deps.StartedAt).Seconds()),
			"rate_limit_clients": s.limiter.tracked(),
		},
	}

	if status != "healthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	s.encode(w, response)
}

func (s *Server) listTopics(w http.ResponseWriter, r *http.Request) {
	if s.deps.Topics == nil {
		s.encode(w, map[string]interface{}{"topics": []*types.Topic{}})
		return
	}
	topics, err := s.deps.Topics.ListTopics(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.encode(w, map[string]interface{}{"topics": topics})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.sendError(w, "Invalid JSON", http.StatusBadRequest)
		return false
	}
	return true
}

func (s *Server) encode(w http.ResponseWriter, v interface{}) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.WithError(err).Debug("Failed to write response")
	}
}

// writeError maps the engine error taxonomy onto HTTP status codes
func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, interfaces.ErrUnauthenticated):
		s.sendError(w, err.Error(), http.StatusUnauthorized)
	case errors.Is(err, interfaces.ErrNotFound):
		s.sendError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, interfaces.ErrValidation):
		s.sendError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, interfaces.ErrConflict):
		s.sendError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, interfaces.ErrTransientStore):
		w.Header().Set("Retry-After", "1")
		s.sendError(w, "Store temporarily unavailable, retry", http.StatusServiceUnavailable)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		s.sendError(w, "Request cancelled", http.StatusServiceUnavailable)
	default:
		s.log.WithError(err).Error("Unhandled engine error")
		s.sendError(w, "Internal server error", http.StatusInternalServerError)
	}
}

func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	w.WriteHeader(code)
	s.encode(w, ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}
