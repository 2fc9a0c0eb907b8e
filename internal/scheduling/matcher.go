package scheduling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"peerpractice/internal/logger"
	"peerpractice/pkg/interfaces"
	"peerpractice/pkg/types"
)

// Matcher pairs compatible pending scheduled sessions. Every pairing is one
// guarded two-row transition; losing the guard on either side aborts both.
type Matcher struct {
	store    interfaces.ScheduledStore
	notifier interfaces.Notifier
	topics   interfaces.TopicDirectory
	window   time.Duration
	now      func() time.Time
	log      *logrus.Entry
}

var _ interfaces.DeferredMatcher = (*Matcher)(nil)

// NewMatcher builds a matcher; a non-positive window uses DefaultWindow.
// notifier and topics may be nil.
func NewMatcher(store interfaces.ScheduledStore, notifier interfaces.Notifier, topics interfaces.TopicDirectory, window time.Duration) *Matcher {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Matcher{
		store:    store,
		notifier: notifier,
		topics:   topics,
		window:   window,
		now:      time.Now,
		log:      logger.WithComponent("scheduling"),
	}
}

// Window returns the configured match window
func (m *Matcher) Window() time.Duration {
	return m.window
}

// FindCandidates lists pending, unpartnered sessions compatible with the
// caller's target, in discovery order. A target that is no longer open
// yields none.
func (m *Matcher) FindCandidates(ctx context.Context, callerID, sessionID string) ([]*types.ScheduledSession, error) {
	target, err := m.loadOwned(ctx, callerID, sessionID)
	if err != nil {
		return nil, err
	}
	return m.candidatesFor(ctx, target)
}

// loadOwned hides other users' records behind ErrNotFound
func (m *Matcher) loadOwned(ctx context.Context, callerID, sessionID string) (*types.ScheduledSession, error) {
	if callerID == "" {
		return nil, interfaces.ErrUnauthenticated
	}
	session, err := m.store.GetScheduledSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.CreatorID != callerID {
		return nil, fmt.Errorf("%w: scheduled session %s", interfaces.ErrNotFound, sessionID)
	}
	return session, nil
}

func (m *Matcher) candidatesFor(ctx context.Context, target *types.ScheduledSession) ([]*types.ScheduledSession, error) {
	if target.Status != types.StatusPending || target.HasPartner() {
		return []*types.ScheduledSession{}, nil
	}

	candidates, err := m.store.FindCandidates(ctx, interfaces.CandidateQuery{
		ExcludeSessionID: target.ID,
		ExcludeCreatorID: target.CreatorID,
		TopicID:          target.TopicID,
		Difficulty:       target.Difficulty,
		DurationMinutes:  target.DurationMinutes,
		WindowStart:      target.ScheduledFor.Add(-m.window),
		WindowEnd:        target.ScheduledFor.Add(m.window),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to find candidates for %s: %w", target.ID, err)
	}

	m.log.WithFields(logrus.Fields{
		"session_id": target.ID,
		"topic_id":   target.TopicID,
		"candidates": len(candidates),
	}).Debug("Candidates found")
	return candidates, nil
}

// MatchPair links a and b: both become matched and each points at the
// other's creator and record. Returns the updated pair, or ErrConflict when
// either side was taken concurrently (neither record is changed then).
func (m *Matcher) MatchPair(ctx context.Context, a, b *types.ScheduledSession) (*types.ScheduledSession, *types.ScheduledSession, error) {
	compat := CheckCompatibility(a, b, m.window)
	if !compat.Compatible() {
		m.log.WithFields(logrus.Fields{
			"session_id":         a.ID,
			"partner_session_id": b.ID,
			"reasons":            compat.Reasons(),
		}).Debug("Pair rejected")
		if !compat.PartnerFree || !compat.BothPending {
			return nil, nil, fmt.Errorf("%w: session already paired", interfaces.ErrConflict)
		}
		return nil, nil, fmt.Errorf("%w: sessions are not compatible", interfaces.ErrValidation)
	}

	pending := []types.SessionStatus{types.StatusPending}
	results, err := m.store.ApplyTransitions(ctx, []interfaces.Transition{
		{
			SessionID:           a.ID,
			From:                pending,
			To:                  types.StatusMatched,
			RequireNoPartner:    true,
			SetPartnerID:        b.CreatorID,
			SetPartnerSessionID: b.ID,
		},
		{
			SessionID:           b.ID,
			From:                pending,
			To:                  types.StatusMatched,
			RequireNoPartner:    true,
			SetPartnerID:        a.CreatorID,
			SetPartnerSessionID: a.ID,
		},
	})
	if err != nil {
		return nil, nil, err
	}

	matchedA, matchedB := results[0], results[1]
	m.log.WithFields(logrus.Fields{
		"session_id":         matchedA.ID,
		"partner_session_id": matchedB.ID,
		"user_id":            matchedA.CreatorID,
		"partner_id":         matchedB.CreatorID,
		"topic_id":           matchedA.TopicID,
		"status":             types.StatusMatched,
	}).Info("Scheduled sessions matched")

	m.notifyMatched(ctx, matchedA, matchedB)
	m.notifyMatched(ctx, matchedB, matchedA)
	return matchedA, matchedB, nil
}

// AutoMatchSession pairs the caller's session with its first candidate. On
// a lost race the next candidate is tried. Returns the matched candidate, or
// nil when nothing could be paired.
func (m *Matcher) AutoMatchSession(ctx context.Context, callerID, sessionID string) (*types.ScheduledSession, error) {
	target, err := m.loadOwned(ctx, callerID, sessionID)
	if err != nil {
		return nil, err
	}

	candidates, err := m.candidatesFor(ctx, target)
	if err != nil {
		return nil, err
	}

	for _, candidate := range candidates {
		_, matched, err := m.MatchPair(ctx, target, candidate)
		if err == nil {
			return matched, nil
		}
		if !errors.Is(err, interfaces.ErrConflict) {
			return nil, err
		}

		// Stop if the target itself was taken by a concurrent pairing
		current, err := m.store.GetScheduledSession(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if current.Status != types.StatusPending || current.HasPartner() {
			m.log.WithField("session_id", sessionID).Debug("Target paired concurrently")
			return nil, nil
		}
		target = current
	}

	return nil, nil
}

// RefreshAndMatch runs AutoMatchSession over every open request of the user.
// A failure on one request is logged and the sweep continues.
func (m *Matcher) RefreshAndMatch(ctx context.Context, userID string) (*types.RefreshResult, error) {
	if userID == "" {
		return nil, interfaces.ErrUnauthenticated
	}

	pending, err := m.store.ListPending(ctx, interfaces.PendingFilter{CreatorID: userID})
	if err != nil {
		return nil, fmt.Errorf("failed to list pending sessions: %w", err)
	}

	result := &types.RefreshResult{Matches: []*types.ScheduledSession{}}
	for _, session := range pending {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if session.HasPartner() {
			continue
		}

		matched, err := m.AutoMatchSession(ctx, userID, session.ID)
		if err != nil {
			m.log.WithError(err).WithField("session_id", session.ID).Warn("Auto-match failed during refresh")
			continue
		}
		if matched != nil {
			result.MatchedCount++
			result.Matches = append(result.Matches, matched)
		}
	}

	m.log.WithFields(logrus.Fields{
		"user_id": userID,
		"pending": len(pending),
		"matched": result.MatchedCount,
	}).Info("Refresh sweep complete")
	return result, nil
}

func (m *Matcher) notifyMatched(ctx context.Context, own, other *types.ScheduledSession) {
	if m.notifier == nil {
		return
	}
	title := topicTitle(ctx, m.topics, own.TopicID)
	n := types.Notification{
		UserID: own.CreatorID,
		Event:  types.EventMatched,
		Title:  "Practice partner found",
		Body:   fmt.Sprintf("You are paired for %s at %s", title, own.ScheduledFor.Format(time.RFC3339)),
		Payload: map[string]interface{}{
			"kind":               types.MatchKindScheduled,
			"session_id":         own.ID,
			"partner_session_id": other.ID,
			"partner_id":         other.CreatorID,
			"topic_id":           own.TopicID,
			"scheduled_for":      own.ScheduledFor,
		},
		CreatedAt: m.now(),
	}
	if err := m.notifier.Notify(ctx, n); err != nil {
		m.log.WithError(err).WithField("user_id", own.CreatorID).Warn("Failed to dispatch match notification")
	}
}

// topicTitle joins display metadata after a transition; lookup failures fall back to the id
func topicTitle(ctx context.Context, topics interfaces.TopicDirectory, topicID string) string {
	if topics == nil {
		return topicID
	}
	topic, err := topics.LookupTopic(ctx, topicID)
	if err != nil || topic == nil || topic.Title == "" {
		return topicID
	}
	return topic.Title
}
