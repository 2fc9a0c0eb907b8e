package queue

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

// Store is the persistence the live queue needs
type Store interface {
	interfaces.QueueStore
	interfaces.LiveSessionStore
}

// Config tunes the live queue
type Config struct {
	// EstimatedWaitSeconds is the fixed estimate returned with a queue position
	EstimatedWaitSeconds int

	// StatusLookback bounds how far back CheckStatus looks for a consuming session
	StatusLookback time.Duration

	// CandidateBatch is how many FIFO candidates one attempt may try
	CandidateBatch int

	// SessionMinutes is the nominal length recorded on a new live session
	SessionMinutes int
}

func DefaultConfig() Config {
	return Config{
		EstimatedWaitSeconds: 30,
		StatusLookback:       10 * time.Minute,
		CandidateBatch:       5,
		SessionMinutes:       45,
	}
}

// Matchmaker pairs users waiting on the same topic into a live session.
// It never blocks on another user; callers re-invoke AttemptMatch or use a Waiter.
type Matchmaker struct {
	store    Store
	notifier interfaces.Notifier
	topics   interfaces.TopicDirectory
	config   Config
	now      func() time.Time
	newID    func() string
	log      *logrus.Entry
}

var _ interfaces.Matchmaker = (*Matchmaker)(nil)

// NewMatchmaker wires the queue. notifier and topics may be nil.
func NewMatchmaker(store Store, notifier interfaces.Notifier, topics interfaces.TopicDirectory, config Config) *Matchmaker {
	if config.CandidateBatch <= 0 {
		config.CandidateBatch = DefaultConfig().CandidateBatch
	}
	if config.StatusLookback <= 0 {
		config.StatusLookback = DefaultConfig().StatusLookback
	}
	return &Matchmaker{
		store:    store,
		notifier: notifier,
		topics:   topics,
		config:   config,
		now:      time.Now,
		newID:    func() string { return uuid.New().String() },
		log:      logger.WithComponent("queue"),
	}
}

// JoinQueue inserts the caller's entry (no-op if already waiting on the
// topic) and immediately tries to pair it
func (m *Matchmaker) JoinQueue(ctx context.Context, userID, topicID, difficulty string) (*types.JoinResult, error) {
	if userID == "" {
		return nil, interfaces.ErrUnauthenticated
	}

	entry := &types.QueueEntry{
		ID:         m.newID(),
		UserID:     userID,
		TopicID:    topicID,
		Difficulty: difficulty,
		Status:     types.QueueStatusWaiting,
		CreatedAt:  m.now(),
	}
	if err := entry.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", interfaces.ErrValidation, err)
	}

	stored, created, err := m.store.InsertQueueEntry(ctx, entry)
	if err != nil {
		return nil, fmt.Errorf("failed to join queue: %w", err)
	}
	m.log.WithFields(logrus.Fields{
		"user_id":  userID,
		"topic_id": topicID,
		"entry_id": stored.ID,
		"created":  created,
	}).Info("Joined queue")

	match, err := m.AttemptMatch(ctx, topicID, userID)
	if err != nil {
		return nil, err
	}
	if match != nil {
		return &types.JoinResult{Matched: match}, nil
	}

	position, err := m.position(ctx, topicID)
	if err != nil {
		return nil, err
	}
	return &types.JoinResult{Waiting: position}, nil
}

// AttemptMatch pairs the caller with the oldest other waiter on the topic.
// "No partner yet" and "not queued" are both (nil, nil). If a concurrent
// matcher already consumed the caller's entry, the session it created is
// returned instead.
func (m *Matchmaker) AttemptMatch(ctx context.Context, topicID, userID string) (*types.MatchResult, error) {
	if userID == "" {
		return nil, interfaces.ErrUnauthenticated
	}
	if !types.IsValidTopicID(topicID) {
		return nil, fmt.Errorf("%w: %w", interfaces.ErrValidation, types.ErrInvalidTopicID)
	}

	own, err := m.store.GetQueueEntry(ctx, userID, topicID)
	if errors.Is(err, interfaces.ErrNotFound) {
		return m.consumedBy(ctx, userID, topicID, m.now().Add(-m.config.StatusLookback)), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load queue entry: %w", err)
	}

	candidates, err := m.store.ListWaitingCandidates(ctx, topicID, userID, m.config.CandidateBatch)
	if err != nil {
		return nil, fmt.Errorf("failed to list candidates: %w", err)
	}

	for _, candidate := range candidates {
		live := &types.LiveSession{
			ID:              m.newID(),
			TopicID:         topicID,
			HostID:          candidate.UserID,
			GuestID:         userID,
			Status:          types.LiveStatusActive,
			StartedAt:       m.now(),
			DurationMinutes: m.config.SessionMinutes,
			HostEntryID:     candidate.ID,
			GuestEntryID:    own.ID,
		}

		err := m.store.ClaimPair(ctx, own.ID, candidate.ID, live)
		if err == nil {
			m.log.WithFields(logrus.Fields{
				"session_id": live.ID,
				"topic_id":   topicID,
				"user_id":    userID,
				"partner_id": candidate.UserID,
			}).Info("Queue match created")
			m.notifyMatched(ctx, live)
			return &types.MatchResult{SessionID: live.ID, PartnerID: candidate.UserID, TopicID: topicID}, nil
		}
		if !errors.Is(err, interfaces.ErrConflict) {
			return nil, fmt.Errorf("failed to claim pair: %w", err)
		}

		// Lost the race. If our own entry went, someone paired us.
		if _, err := m.store.GetQueueEntry(ctx, userID, topicID); errors.Is(err, interfaces.ErrNotFound) {
			return m.consumedBy(ctx, userID, topicID, own.CreatedAt), nil
		}
		m.log.WithFields(logrus.Fields{
			"user_id":      userID,
			"candidate_id": candidate.UserID,
		}).Debug("Candidate taken by a concurrent match, trying next")
	}

	return nil, nil
}

// LeaveQueue removes every waiting entry of the caller. Leaving twice, or
// after being matched, succeeds.
func (m *Matchmaker) LeaveQueue(ctx context.Context, userID string) error {
	if userID == "" {
		return interfaces.ErrUnauthenticated
	}
	removed, err := m.store.DeleteUserQueueEntries(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to leave queue: %w", err)
	}
	m.log.WithFields(logrus.Fields{"user_id": userID, "removed": removed}).Info("Left queue")
	return nil
}

// CheckStatus reports the caller's position while waiting, or the live
// session that consumed the entry. since bounds the session search; zero
// uses the configured lookback.
func (m *Matchmaker) CheckStatus(ctx context.Context, userID string, since time.Time) (*types.QueueStatusResult, error) {
	if userID == "" {
		return nil, interfaces.ErrUnauthenticated
	}

	entries, err := m.store.ListUserQueueEntries(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to check queue status: %w", err)
	}
	if len(entries) > 0 {
		position, err := m.position(ctx, entries[0].TopicID)
		if err != nil {
			return nil, err
		}
		return &types.QueueStatusResult{InQueue: true, Waiting: position}, nil
	}

	if since.IsZero() {
		since = m.now().Add(-m.config.StatusLookback)
	}
	if match := m.consumedBy(ctx, userID, "", since); match != nil {
		return &types.QueueStatusResult{Matched: match}, nil
	}
	return &types.QueueStatusResult{}, nil
}

// GetLiveSession loads a session the caller took part in. Anyone else gets
// ErrNotFound.
func (m *Matchmaker) GetLiveSession(ctx context.Context, userID, sessionID string) (*types.LiveSession, error) {
	if userID == "" {
		return nil, interfaces.ErrUnauthenticated
	}
	live, err := m.store.GetLiveSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if live.PartnerOf(userID) == "" {
		return nil, fmt.Errorf("%w: live session %s", interfaces.ErrNotFound, sessionID)
	}
	return live, nil
}

func (m *Matchmaker) position(ctx context.Context, topicID string) (*types.QueuePosition, error) {
	count, err := m.store.CountWaiting(ctx, topicID)
	if err != nil {
		return nil, fmt.Errorf("failed to compute queue position: %w", err)
	}
	return &types.QueuePosition{Position: count, EstimatedWaitSeconds: m.config.EstimatedWaitSeconds}, nil
}

// consumedBy looks for the live session that consumed the user's latest
// entry on topicID, or on any topic when topicID is empty.
func (m *Matchmaker) consumedBy(ctx context.Context, userID, topicID string, since time.Time) *types.MatchResult {
	live, err := m.store.FindConsumingSession(ctx, userID, topicID, since)
	if err != nil {
		if !errors.Is(err, interfaces.ErrNotFound) {
			m.log.WithError(err).WithField("user_id", userID).Warn("Failed to look up consuming session")
		}
		return nil
	}
	return &types.MatchResult{SessionID: live.ID, PartnerID: live.PartnerOf(userID), TopicID: live.TopicID}
}

// notifyMatched runs after the claim is committed; failures are logged only
func (m *Matchmaker) notifyMatched(ctx context.Context, live *types.LiveSession) {
	if m.notifier == nil {
		return
	}
	title := live.TopicID
	if m.topics != nil {
		if topic, err := m.topics.LookupTopic(ctx, live.TopicID); err == nil {
			title = topic.Title
		}
	}
	for _, userID := range []string{live.HostID, live.GuestID} {
		n := types.Notification{
			UserID: userID,
			Event:  types.EventMatched,
			Title:  "Partner found",
			Body:   fmt.Sprintf("You have been paired for %s", title),
			Payload: map[string]interface{}{
				"kind":       types.MatchKindLive,
				"session_id": live.ID,
				"topic_id":   live.TopicID,
				"partner_id": live.PartnerOf(userID),
			},
			CreatedAt: m.now(),
		}
		if err := m.notifier.Notify(ctx, n); err != nil {
			m.log.WithError(err).WithField("user_id", userID).Warn("Failed to dispatch match notification")
		}
	}
}
