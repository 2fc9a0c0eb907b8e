package notify

import (
	"context"
	"errors"

	"peerpractice/internal/websocket"
	"peerpractice/pkg/types"
)

// Pusher sends a JSON value to a user's live connection
type Pusher interface {
	SendToUser(userID string, v interface{}) error
}

// PushDispatcher delivers notifications over open websocket connections.
// Users without a connection are skipped silently.
type PushDispatcher struct {
	pusher Pusher
}

func NewPushDispatcher(pusher Pusher) *PushDispatcher {
	return &PushDispatcher{pusher: pusher}
}

func (d *PushDispatcher) Notify(ctx context.Context, n types.Notification) error {
	err := d.pusher.SendToUser(n.UserID, n)
	if errors.Is(err, websocket.ErrUserNotConnected) {
		return nil
	}
	return err
}
