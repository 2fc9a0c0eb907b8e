package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"peerpractice/pkg/interfaces"
	"peerpractice/pkg/types"
)

type joinRequest struct {
	TopicID    string `json:"topic_id"`
	Difficulty string `json:"difficulty"`
}

type attemptRequest struct {
	TopicID string `json:"topic_id"`
	UserID  string `json:"user_id,omitempty"`
}

// AttemptResponse is either {"status":"matched","session":...} or {"status":"waiting"}
type AttemptResponse struct {
	Status  string             `json:"status"`
	Session *types.MatchResult `json:"session,omitempty"`
}

type createScheduledRequest struct {
	TopicID         string    `json:"topic_id"`
	Difficulty      string    `json:"difficulty"`
	DurationMinutes int       `json:"duration_minutes"`
	ScheduledFor    time.Time `json:"scheduled_for"`
}

type inviteRequest struct {
	PartnerID string `json:"partner_id"`
}

type SessionResponse struct {
	Session *types.ScheduledSession `json:"session"`
}

type SessionsResponse struct {
	Sessions []*types.ScheduledSession `json:"sessions"`
}

type WindowResponse struct {
	ScheduledFor time.Time `json:"scheduled_for"`
	Allowed      bool      `json:"allowed"`
}

// Live queue

func (s *Server) joinQueue(w http.ResponseWriter, r *http.Request, userID string) {
	var req joinRequest
	if !s.decode(w, r, &req) {
		return
	}
	result, err := s.deps.Queue.JoinQueue(r.Context(), userID, req.TopicID, req.Difficulty)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.encode(w, result)
}

func (s *Server) attemptMatch(w http.ResponseWriter, r *http.Request, userID string) {
	var req attemptRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.UserID != "" && req.UserID != userID {
		s.sendError(w, "user_id does not match the authenticated caller", http.StatusForbidden)
		return
	}
	match, err := s.deps.Queue.AttemptMatch(r.Context(), req.TopicID, userID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.encode(w, attemptResponse(match))
}

func attemptResponse(match *types.MatchResult) AttemptResponse {
	if match == nil {
		return AttemptResponse{Status: "waiting"}
	}
	return AttemptResponse{Status: "matched", Session: match}
}

func (s *Server) queueStatus(w http.ResponseWriter, r *http.Request, userID string) {
	since := time.Time{}
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			s.sendError(w, "since must be RFC3339", http.StatusBadRequest)
			return
		}
		since = parsed
	}
	result, err := s.deps.Queue.CheckStatus(r.Context(), userID, since)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.encode(w, result)
}

// waitForMatch long-polls until the caller is paired or the wait elapses.
// An elapsed wait is not an error: the caller is still queued.
func (s *Server) waitForMatch(w http.ResponseWriter, r *http.Request, userID string) {
	if s.deps.Waiter == nil {
		s.sendError(w, "Waiting is not available", http.StatusNotImplemented)
		return
	}
	topicID := r.URL.Query().Get("topic_id")
	wait := s.deps.MaxWait
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			s.sendError(w, "timeout must be a positive duration", http.StatusBadRequest)
			return
		}
		wait = min(parsed, s.deps.MaxWait)
	}

	ctx, cancel := context.WithTimeout(r.Context(), wait)
	defer cancel()

	match, err := s.deps.Waiter.WaitForMatch(ctx, topicID, userID)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		s.writeError(w, err)
		return
	}
	s.encode(w, attemptResponse(match))
}

func (s *Server) leaveQueue(w http.ResponseWriter, r *http.Request, userID string) {
	if err := s.deps.Queue.LeaveQueue(r.Context(), userID); err != nil {
		s.writeError(w, err)
		return
	}
	s.encode(w, map[string]string{"status": "left"})
}

func (s *Server) liveSession(w http.ResponseWriter, r *http.Request, userID string) {
	live, err := s.deps.Queue.GetLiveSession(r.Context(), userID, r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.encode(w, live)
}

// Scheduled sessions

func (s *Server) createScheduled(w http.ResponseWriter, r *http.Request, userID string) {
	var req createScheduledRequest
	if !s.decode(w, r, &req) {
		return
	}
	session, err := s.deps.Scheduler.CreateScheduledSession(r.Context(), userID, interfaces.CreateScheduledRequest{
		TopicID:         req.TopicID,
		Difficulty:      req.Difficulty,
		DurationMinutes: req.DurationMinutes,
		ScheduledFor:    req.ScheduledFor,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
	s.encode(w, SessionResponse{Session: session})
}

func (s *Server) listScheduled(w http.ResponseWriter, r *http.Request, userID string) {
	var status *types.SessionStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		st := types.SessionStatus(raw)
		status = &st
	}
	sessions, err := s.deps.Scheduler.GetScheduledSessions(r.Context(), userID, status)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if sessions == nil {
		sessions = []*types.ScheduledSession{}
	}
	s.encode(w, SessionsResponse{Sessions: sessions})
}

func (s *Server) refreshAndMatch(w http.ResponseWriter, r *http.Request, userID string) {
	result, err := s.deps.Matcher.RefreshAndMatch(r.Context(), userID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.encode(w, result)
}

func (s *Server) findCandidates(w http.ResponseWriter, r *http.Request, userID string) {
	candidates, err := s.deps.Matcher.FindCandidates(r.Context(), userID, r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if candidates == nil {
		candidates = []*types.ScheduledSession{}
	}
	s.encode(w, SessionsResponse{Sessions: candidates})
}

func (s *Server) autoMatch(w http.ResponseWriter, r *http.Request, userID string) {
	partner, err := s.deps.Matcher.AutoMatchSession(r.Context(), userID, r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	status := "waiting"
	if partner != nil {
		status = "matched"
	}
	s.encode(w, map[string]interface{}{"status": status, "partner_session": partner})
}

func (s *Server) sendInvite(w http.ResponseWriter, r *http.Request, userID string) {
	var req inviteRequest
	if !s.decode(w, r, &req) {
		return
	}
	session, err := s.deps.Scheduler.SendInvite(r.Context(), userID, r.PathValue("id"), req.PartnerID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.encode(w, SessionResponse{Session: session})
}

type lifecycleAction func(ctx context.Context, callerID, sessionID string) (*types.ScheduledSession, error)

// transition dispatches the single-record lifecycle verbs
func (s *Server) transition(w http.ResponseWriter, r *http.Request, userID string) {
	actions := map[string]lifecycleAction{
		"confirm":        s.deps.Scheduler.Confirm,
		"decline":        s.deps.Scheduler.Decline,
		"cancel":         s.deps.Scheduler.Cancel,
		"accept":         s.deps.Scheduler.AcceptInvite,
		"decline-invite": s.deps.Scheduler.DeclineInvite,
		"withdraw":       s.deps.Scheduler.WithdrawInvite,
	}
	action, ok := actions[r.PathValue("action")]
	if !ok {
		s.sendError(w, "Unknown action", http.StatusNotFound)
		return
	}
	session, err := action(r.Context(), userID, r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.encode(w, SessionResponse{Session: session})
}

func (s *Server) canJoin(w http.ResponseWriter, r *http.Request, userID string) {
	s.windowCheck(w, r, s.deps.Scheduler.CanJoinSession)
}

func (s *Server) canCancel(w http.ResponseWriter, r *http.Request, userID string) {
	s.windowCheck(w, r, s.deps.Scheduler.CanCancelSession)
}

func (s *Server) windowCheck(w http.ResponseWriter, r *http.Request, check func(time.Time) bool) {
	at, err := time.Parse(time.RFC3339, r.URL.Query().Get("scheduled_for"))
	if err != nil {
		s.sendError(w, "scheduled_for must be RFC3339", http.StatusBadRequest)
		return
	}
	s.encode(w, WindowResponse{ScheduledFor: at, Allowed: check(at)})
}

func (s *Server) diagnostics(w http.ResponseWriter, r *http.Request, userID string) {
	if s.deps.Analyzer == nil {
		s.sendError(w, "Diagnostics are not available", http.StatusNotImplemented)
		return
	}
	query := r.URL.Query()
	filter := interfaces.PendingFilter{
		TopicID:   query.Get("topic_id"),
		CreatorID: query.Get("creator_id"),
	}
	// non-operators only see their own records
	if _, ok := s.operators[userID]; !ok {
		filter.CreatorID = userID
	}
	report, err := s.deps.Analyzer.Analyze(r.Context(), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.encode(w, report)
}
