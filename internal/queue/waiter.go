package queue

import (
	"context"
	"time"

	"peerpractice/pkg/interfaces"
	"peerpractice/pkg/types"
)

// Waiter blocks a caller until its queue entry is paired or ctx ends.
// Implementations differ only in how they learn about the pairing.
type Waiter interface {
	WaitForMatch(ctx context.Context, topicID, userID string) (*types.MatchResult, error)
}

// PollingWaiter re-invokes AttemptMatch on a fixed interval
type PollingWaiter struct {
	matcher  interfaces.Matchmaker
	interval time.Duration
}

func NewPollingWaiter(matcher interfaces.Matchmaker, interval time.Duration) *PollingWaiter {
	return &PollingWaiter{matcher: matcher, interval: interval}
}

func (w *PollingWaiter) WaitForMatch(ctx context.Context, topicID, userID string) (*types.MatchResult, error) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		match, err := w.matcher.AttemptMatch(ctx, topicID, userID)
		if err != nil || match != nil {
			return match, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Subscriber delivers notifications addressed to one user
type Subscriber interface {
	Subscribe(userID string) (<-chan types.Notification, func())
}

// PushWaiter waits for a matched notification instead of polling. It
// subscribes before its single AttemptMatch so a pairing made by another
// caller in between is not missed.
type PushWaiter struct {
	matcher interfaces.Matchmaker
	events  Subscriber
}

func NewPushWaiter(matcher interfaces.Matchmaker, events Subscriber) *PushWaiter {
	return &PushWaiter{matcher: matcher, events: events}
}

func (w *PushWaiter) WaitForMatch(ctx context.Context, topicID, userID string) (*types.MatchResult, error) {
	events, unsubscribe := w.events.Subscribe(userID)
	defer unsubscribe()

	match, err := w.matcher.AttemptMatch(ctx, topicID, userID)
	if err != nil || match != nil {
		return match, err
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case n, ok := <-events:
			if !ok {
				return nil, ctx.Err()
			}
			if result := matchFromNotification(n, topicID); result != nil {
				return result, nil
			}
		}
	}
}

func matchFromNotification(n types.Notification, topicID string) *types.MatchResult {
	if n.Event != types.EventMatched {
		return nil
	}
	if kind, _ := n.Payload["kind"].(string); kind != types.MatchKindLive {
		return nil
	}
	topic, _ := n.Payload["topic_id"].(string)
	if topic != topicID {
		return nil
	}
	sessionID, _ := n.Payload["session_id"].(string)
	partnerID, _ := n.Payload["partner_id"].(string)
	if sessionID == "" {
		return nil
	}
	return &types.MatchResult{SessionID: sessionID, PartnerID: partnerID, TopicID: topic}
}
