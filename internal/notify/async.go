package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"peerpractice/internal/logger"
	"peerpractice/pkg/interfaces"
	"peerpractice/pkg/types"
)

// ErrQueueFull is returned when the async buffer cannot take another notification
var ErrQueueFull = errors.New("notification queue full")

// ErrDispatcherClosed is returned by Notify after Close
var ErrDispatcherClosed = errors.New("notification dispatcher closed")

// Async hands notifications to a single background worker so a slow
// transport never delays the state transition that produced them
type Async struct {
	next    interfaces.Notifier
	queue   chan types.Notification
	timeout time.Duration
	mu      sync.RWMutex
	closed  bool
	done    chan struct{}
	log     *logrus.Entry
}

func NewAsync(next interfaces.Notifier, size int) *Async {
	if size <= 0 {
		size = 256
	}
	a := &Async{
		next:    next,
		queue:   make(chan types.Notification, size),
		timeout: 5 * time.Second,
		done:    make(chan struct{}),
		log:     logger.WithComponent("notify"),
	}
	go a.run()
	return a
}

// Notify enqueues without blocking
func (a *Async) Notify(ctx context.Context, n types.Notification) error {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return ErrDispatcherClosed
	}
	select {
	case a.queue <- n:
		return nil
	default:
		a.log.WithFields(logrus.Fields{"user_id": n.UserID, "event": n.Event}).Warn("Notification dropped, queue full")
		return ErrQueueFull
	}
}

func (a *Async) run() {
	defer close(a.done)
	for n := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		if err := a.next.Notify(ctx, n); err != nil {
			a.log.WithError(err).WithFields(logrus.Fields{"user_id": n.UserID, "event": n.Event}).Warn("Notification delivery failed")
		}
		cancel()
	}
}

// Close stops accepting notifications and waits for queued ones to be
// delivered or ctx to end
func (a *Async) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()

	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
