// Package notify delivers match and invite events to users. Dispatchers are
// composable: Multi fans out, Async decouples delivery from the caller.
package notify

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"peerpractice/internal/logger"
	"peerpractice/pkg/interfaces"
	"peerpractice/pkg/types"
)

// LogDispatcher writes every notification to the structured log
type LogDispatcher struct {
	log *logrus.Entry
}

func NewLogDispatcher() *LogDispatcher {
	return &LogDispatcher{log: logger.WithComponent("notify")}
}

func (d *LogDispatcher) Notify(ctx context.Context, n types.Notification) error {
	d.log.WithFields(logrus.Fields{
		"user_id": n.UserID,
		"event":   n.Event,
		"title":   n.Title,
	}).Info(n.Body)
	return nil
}

// Multi fans a notification out to every dispatcher. One failing
// dispatcher does not stop the others.
type Multi []interfaces.Notifier

func (m Multi) Notify(ctx context.Context, n types.Notification) error {
	var errs []error
	for _, d := range m {
		if d == nil {
			continue
		}
		if err := d.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
