package scheduling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"peerpractice/internal/logger"
	"peerpractice/pkg/interfaces"
	"peerpractice/pkg/types"
)

// Lifecycle owns the scheduled-session state machine:
//
//	pending -> matched -> confirmed | declined | cancelled
//	pending -> cancelled
//	pending (invite sent) -> pending (withdrawn, partner cleared)
//	pending -> withdrawn (retired unmatched after its slot)
//
// Every transition is guarded in the store; an illegal source state is ErrConflict.
type Lifecycle struct {
	store    interfaces.ScheduledStore
	matcher  *Matcher
	notifier interfaces.Notifier
	topics   interfaces.TopicDirectory
	windows  *TimeWindows
	now      func() time.Time
	newID    func() string
	log      *logrus.Entry
}

var _ interfaces.SessionLifecycle = (*Lifecycle)(nil)

func NewLifecycle(store interfaces.ScheduledStore, matcher *Matcher, notifier interfaces.Notifier, topics interfaces.TopicDirectory) *Lifecycle {
	return &Lifecycle{
		store:    store,
		matcher:  matcher,
		notifier: notifier,
		topics:   topics,
		windows:  NewTimeWindows(time.Now),
		now:      time.Now,
		newID:    func() string { return uuid.New().String() },
		log:      logger.WithComponent("lifecycle"),
	}
}

// CreateScheduledSession stores a new pending request and tries to pair it
// right away. A failed auto-match does not fail the creation.
func (l *Lifecycle) CreateScheduledSession(ctx context.Context, callerID string, req interfaces.CreateScheduledRequest) (*types.ScheduledSession, error) {
	if callerID == "" {
		return nil, interfaces.ErrUnauthenticated
	}

	now := l.now()
	session := &types.ScheduledSession{
		ID:              l.newID(),
		CreatorID:       callerID,
		TopicID:         req.TopicID,
		Difficulty:      req.Difficulty,
		DurationMinutes: req.DurationMinutes,
		ScheduledFor:    req.ScheduledFor.UTC(),
		Status:          types.StatusPending,
		CreatedAt:       now,
	}
	if err := session.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", interfaces.ErrValidation, err)
	}
	if !session.ScheduledFor.After(now) {
		return nil, fmt.Errorf("%w: scheduled time must be in the future", interfaces.ErrValidation)
	}

	if err := l.store.CreateScheduledSession(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to create scheduled session: %w", err)
	}
	l.log.WithFields(logrus.Fields{
		"session_id":    session.ID,
		"user_id":       callerID,
		"topic_id":      session.TopicID,
		"scheduled_for": session.ScheduledFor,
		"status":        session.Status,
	}).Info("Scheduled session created")

	if l.matcher != nil {
		matched, err := l.matcher.AutoMatchSession(ctx, session.CreatorID, session.ID)
		if err != nil {
			l.log.WithError(err).WithField("session_id", session.ID).Warn("Auto-match on create failed")
		} else if matched != nil {
			if fresh, err := l.store.GetScheduledSession(ctx, session.ID); err == nil {
				return fresh, nil
			}
		}
	}
	return session, nil
}

// GetScheduledSessions lists the caller's requests and invites addressed to them
func (l *Lifecycle) GetScheduledSessions(ctx context.Context, callerID string, status *types.SessionStatus) ([]*types.ScheduledSession, error) {
	if callerID == "" {
		return nil, interfaces.ErrUnauthenticated
	}
	if status != nil && !types.IsValidStatus(*status) {
		return nil, fmt.Errorf("%w: %w", interfaces.ErrValidation, types.ErrInvalidStatus)
	}
	return l.store.ListUserScheduledSessions(ctx, callerID, status)
}

// SendInvite addresses the caller's open request to a specific partner.
// The record stays pending until the invitee responds.
func (l *Lifecycle) SendInvite(ctx context.Context, callerID, sessionID, partnerID string) (*types.ScheduledSession, error) {
	session, err := l.loadOwned(ctx, callerID, sessionID)
	if err != nil {
		return nil, err
	}
	if !types.IsValidUserID(partnerID) {
		return nil, fmt.Errorf("%w: %w", interfaces.ErrValidation, types.ErrInvalidUserID)
	}
	if partnerID == callerID {
		return nil, fmt.Errorf("%w: %w", interfaces.ErrValidation, types.ErrSelfPartner)
	}

	updated, err := l.apply(ctx, interfaces.Transition{
		SessionID:        session.ID,
		From:             []types.SessionStatus{types.StatusPending},
		To:               types.StatusPending,
		RequireNoPartner: true,
		SetPartnerID:     partnerID,
	})
	if err != nil {
		return nil, err
	}

	l.logTransition(updated, callerID, "Invite sent")
	l.notify(ctx, partnerID, types.EventInviteReceived, "New practice invite",
		fmt.Sprintf("%s invited you to practice %s", callerID, topicTitle(ctx, l.topics, updated.TopicID)), updated)
	return updated, nil
}

// AcceptInvite lets the invitee take the pending invite: pending -> matched
func (l *Lifecycle) AcceptInvite(ctx context.Context, callerID, sessionID string) (*types.ScheduledSession, error) {
	session, err := l.loadInvite(ctx, callerID, sessionID)
	if err != nil {
		return nil, err
	}

	updated, err := l.apply(ctx, interfaces.Transition{
		SessionID:        session.ID,
		From:             []types.SessionStatus{types.StatusPending},
		To:               types.StatusMatched,
		RequirePartnerID: callerID,
	})
	if err != nil {
		return nil, err
	}

	l.logTransition(updated, callerID, "Invite accepted")
	l.notify(ctx, updated.CreatorID, types.EventInviteAccepted, "Invite accepted",
		fmt.Sprintf("%s accepted your practice invite", callerID), updated)
	return updated, nil
}

// DeclineInvite lets the invitee refuse. The creator's request reopens as
// pending without a partner so it can be re-invited or auto-matched.
func (l *Lifecycle) DeclineInvite(ctx context.Context, callerID, sessionID string) (*types.ScheduledSession, error) {
	session, err := l.loadInvite(ctx, callerID, sessionID)
	if err != nil {
		return nil, err
	}

	updated, err := l.apply(ctx, interfaces.Transition{
		SessionID:        session.ID,
		From:             []types.SessionStatus{types.StatusPending},
		To:               types.StatusPending,
		RequirePartnerID: callerID,
		ClearPartner:     true,
	})
	if err != nil {
		return nil, err
	}

	l.logTransition(updated, callerID, "Invite declined")
	l.notify(ctx, updated.CreatorID, types.EventInviteDeclined, "Invite declined",
		fmt.Sprintf("%s declined your practice invite", callerID), updated)
	return updated, nil
}

// WithdrawInvite takes back an invite the caller sent. The record returns to
// pending with no partner. Withdrawing when no invite is outstanding succeeds.
func (l *Lifecycle) WithdrawInvite(ctx context.Context, callerID, sessionID string) (*types.ScheduledSession, error) {
	session, err := l.loadOwned(ctx, callerID, sessionID)
	if errors.Is(err, errAbsent) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if session.Status == types.StatusPending && !session.HasPartner() {
		return session, nil
	}
	if session.Status != types.StatusPending || session.PartnerSessionID != nil {
		return nil, fmt.Errorf("%w: no outstanding invite on session in %s state", interfaces.ErrConflict, session.Status)
	}

	invitee := *session.PartnerID
	updated, err := l.apply(ctx, interfaces.Transition{
		SessionID:        session.ID,
		From:             []types.SessionStatus{types.StatusPending},
		To:               types.StatusPending,
		RequirePartnerID: invitee,
		ClearPartner:     true,
	})
	if err != nil {
		return nil, err
	}

	l.logTransition(updated, callerID, "Invite withdrawn")
	l.notify(ctx, invitee, types.EventInviteWithdrawn, "Invite withdrawn",
		fmt.Sprintf("%s withdrew their practice invite", callerID), updated)
	return updated, nil
}

// Confirm settles a matched pairing for both records: matched -> confirmed
func (l *Lifecycle) Confirm(ctx context.Context, callerID, sessionID string) (*types.ScheduledSession, error) {
	session, err := l.loadParticipant(ctx, callerID, sessionID)
	if err != nil {
		return nil, err
	}

	updated, err := l.applyPaired(ctx, session, types.StatusConfirmed, false)
	if err != nil {
		return nil, err
	}

	l.logTransition(updated, callerID, "Session confirmed")
	l.notify(ctx, otherParty(updated, callerID), types.EventSessionConfirmed, "Session confirmed",
		fmt.Sprintf("%s confirmed your practice session", callerID), updated)
	return updated, nil
}

// Decline rejects a matched pairing: matched -> declined, partner link cleared
// on both records. Declined records are not re-queued.
func (l *Lifecycle) Decline(ctx context.Context, callerID, sessionID string) (*types.ScheduledSession, error) {
	session, err := l.loadParticipant(ctx, callerID, sessionID)
	if err != nil {
		return nil, err
	}
	partner := otherParty(session, callerID)

	updated, err := l.applyPaired(ctx, session, types.StatusDeclined, true)
	if err != nil {
		return nil, err
	}

	l.logTransition(updated, callerID, "Session declined")
	l.notify(ctx, partner, types.EventSessionDeclined, "Session declined",
		fmt.Sprintf("%s declined the practice session", callerID), updated)
	return updated, nil
}

// Cancel ends the caller's participation. The caller's own record becomes
// cancelled, and so does a matched counterpart record: a cancelled pairing
// is not re-queued. An invitee cancelling a pending invite declines it.
// Cancelling an absent or already-cancelled record succeeds without change.
func (l *Lifecycle) Cancel(ctx context.Context, callerID, sessionID string) (*types.ScheduledSession, error) {
	session, err := l.loadParticipant(ctx, callerID, sessionID)
	if errors.Is(err, errAbsent) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if session.Status == types.StatusCancelled {
		return session, nil
	}
	if types.IsTerminal(session.Status) {
		return nil, fmt.Errorf("%w: cannot cancel a %s session", interfaces.ErrConflict, session.Status)
	}

	partner := ""
	if session.HasPartner() {
		partner = otherParty(session, callerID)
	}
	from := []types.SessionStatus{session.Status}

	ownID := session.ID
	var transitions []interfaces.Transition
	switch {
	case session.CreatorID == callerID:
		transitions = append(transitions, interfaces.Transition{
			SessionID: session.ID, From: from, To: types.StatusCancelled, ClearPartner: true,
		})
		if session.PartnerSessionID != nil {
			transitions = append(transitions, cancelCounterpart(*session.PartnerSessionID, callerID))
		}
	case session.PartnerSessionID != nil:
		// Caller addressed the partner's record; cancel their own counterpart
		ownID = *session.PartnerSessionID
		transitions = append(transitions,
			interfaces.Transition{
				SessionID: ownID, From: from, To: types.StatusCancelled, ClearPartner: true,
			},
			cancelCounterpart(session.ID, callerID),
		)
	case session.Status == types.StatusMatched:
		// Invitee on an accepted single-record invite
		transitions = append(transitions, interfaces.Transition{
			SessionID: session.ID, From: from, To: types.StatusCancelled,
			RequirePartnerID: callerID, ClearPartner: true,
		})
	default:
		// Invitee on an open invite: same as declining it
		transitions = append(transitions, interfaces.Transition{
			SessionID: session.ID, From: from, To: types.StatusPending,
			RequirePartnerID: callerID, ClearPartner: true,
		})
	}

	results, err := l.store.ApplyTransitions(ctx, transitions)
	if errors.Is(err, interfaces.ErrConflict) {
		// A concurrent cancel got there first
		if current, getErr := l.store.GetScheduledSession(ctx, ownID); getErr == nil && current.Status == types.StatusCancelled {
			return current, nil
		}
	}
	if err != nil {
		return nil, err
	}

	updated := results[0]
	l.logTransition(updated, callerID, "Session cancelled")
	if partner != "" {
		l.notify(ctx, partner, types.EventSessionCancelled, "Session cancelled",
			fmt.Sprintf("%s cancelled the practice session", callerID), updated)
	}
	return updated, nil
}

// CanJoinSession reports whether the caller may enter the session now
func (l *Lifecycle) CanJoinSession(scheduledFor time.Time) bool {
	return l.windows.CanJoinSession(scheduledFor)
}

// CanCancelSession reports whether the cancellation cutoff has not passed
func (l *Lifecycle) CanCancelSession(scheduledFor time.Time) bool {
	return l.windows.CanCancelSession(scheduledFor)
}

// RetireExpired moves pending requests whose slot ended more than grace ago
// to withdrawn and returns how many were retired
func (l *Lifecycle) RetireExpired(ctx context.Context, grace time.Duration) (int, error) {
	expired, err := l.store.ListExpiredPending(ctx, l.now().Add(-grace))
	if err != nil {
		return 0, fmt.Errorf("failed to list expired sessions: %w", err)
	}

	retired := 0
	for _, session := range expired {
		updated, err := l.apply(ctx, interfaces.Transition{
			SessionID:    session.ID,
			From:         []types.SessionStatus{types.StatusPending},
			To:           types.StatusWithdrawn,
			ClearPartner: true,
		})
		if errors.Is(err, interfaces.ErrConflict) {
			continue
		}
		if err != nil {
			return retired, err
		}
		retired++
		l.logTransition(updated, updated.CreatorID, "Expired session withdrawn")
	}
	return retired, nil
}

// applyPaired moves a matched record and its counterpart record, if any, to
// the same status in one transaction
func (l *Lifecycle) applyPaired(ctx context.Context, session *types.ScheduledSession, to types.SessionStatus, clearPartner bool) (*types.ScheduledSession, error) {
	matched := []types.SessionStatus{types.StatusMatched}
	transitions := []interfaces.Transition{
		{SessionID: session.ID, From: matched, To: to, ClearPartner: clearPartner},
	}
	if session.PartnerSessionID != nil {
		transitions = append(transitions, interfaces.Transition{
			SessionID: *session.PartnerSessionID, From: matched, To: to, ClearPartner: clearPartner, Optional: true,
		})
	}

	results, err := l.store.ApplyTransitions(ctx, transitions)
	if err != nil {
		return nil, err
	}
	return results[0], nil
}

// cancelCounterpart ends the other record of a two-record pairing. It is
// skipped when that record already left matched.
func cancelCounterpart(sessionID, formerPartner string) interfaces.Transition {
	return interfaces.Transition{
		SessionID:        sessionID,
		From:             []types.SessionStatus{types.StatusMatched},
		To:               types.StatusCancelled,
		RequirePartnerID: formerPartner,
		ClearPartner:     true,
		Optional:         true,
	}
}

func (l *Lifecycle) apply(ctx context.Context, t interfaces.Transition) (*types.ScheduledSession, error) {
	results, err := l.store.ApplyTransitions(ctx, []interfaces.Transition{t})
	if err != nil {
		return nil, err
	}
	return results[0], nil
}

// errAbsent marks a record that does not exist at all, as opposed to one
// the caller may not touch. Both satisfy errors.Is(err, ErrNotFound).
var errAbsent = fmt.Errorf("%w: scheduled session absent", interfaces.ErrNotFound)

func (l *Lifecycle) get(ctx context.Context, sessionID string) (*types.ScheduledSession, error) {
	session, err := l.store.GetScheduledSession(ctx, sessionID)
	if errors.Is(err, interfaces.ErrNotFound) {
		return nil, fmt.Errorf("%w: %w", errAbsent, err)
	}
	return session, err
}

// loadOwned returns the session if the caller created it. Other callers get
// ErrNotFound so record existence does not leak.
func (l *Lifecycle) loadOwned(ctx context.Context, callerID, sessionID string) (*types.ScheduledSession, error) {
	if callerID == "" {
		return nil, interfaces.ErrUnauthenticated
	}
	session, err := l.get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.CreatorID != callerID {
		return nil, fmt.Errorf("%w: scheduled session %s", interfaces.ErrNotFound, sessionID)
	}
	return session, nil
}

// loadInvite returns a direct invite addressed to the caller
func (l *Lifecycle) loadInvite(ctx context.Context, callerID, sessionID string) (*types.ScheduledSession, error) {
	if callerID == "" {
		return nil, interfaces.ErrUnauthenticated
	}
	session, err := l.store.GetScheduledSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !session.HasPartner() || *session.PartnerID != callerID || session.CreatorID == callerID {
		return nil, fmt.Errorf("%w: no invite for %s on %s", interfaces.ErrNotFound, callerID, sessionID)
	}
	if session.Status != types.StatusPending || session.PartnerSessionID != nil {
		return nil, fmt.Errorf("%w: invite is no longer open (%s)", interfaces.ErrConflict, session.Status)
	}
	return session, nil
}

func (l *Lifecycle) loadParticipant(ctx context.Context, callerID, sessionID string) (*types.ScheduledSession, error) {
	if callerID == "" {
		return nil, interfaces.ErrUnauthenticated
	}
	session, err := l.get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !session.IsParticipant(callerID) {
		return nil, fmt.Errorf("%w: scheduled session %s", interfaces.ErrNotFound, sessionID)
	}
	return session, nil
}

func otherParty(session *types.ScheduledSession, userID string) string {
	if session.CreatorID != userID {
		return session.CreatorID
	}
	if session.HasPartner() {
		return *session.PartnerID
	}
	return ""
}

func (l *Lifecycle) logTransition(session *types.ScheduledSession, callerID, msg string) {
	fields := logrus.Fields{
		"session_id": session.ID,
		"user_id":    callerID,
		"topic_id":   session.TopicID,
		"status":     session.Status,
	}
	if session.HasPartner() {
		fields["partner_id"] = *session.PartnerID
	}
	l.log.WithFields(fields).Info(msg)
}

// notify is fire-and-forget and runs only after the transition is durable
func (l *Lifecycle) notify(ctx context.Context, userID, event, title, body string, session *types.ScheduledSession) {
	if l.notifier == nil || userID == "" {
		return
	}
	n := types.Notification{
		UserID: userID,
		Event:  event,
		Title:  title,
		Body:   body,
		Payload: map[string]interface{}{
			"session_id":    session.ID,
			"topic_id":      session.TopicID,
			"status":        string(session.Status),
			"scheduled_for": session.ScheduledFor,
		},
		CreatedAt: l.now(),
	}
	if err := l.notifier.Notify(ctx, n); err != nil {
		l.log.WithError(err).WithFields(logrus.Fields{"user_id": userID, "event": event}).Warn("Failed to dispatch notification")
	}
}
