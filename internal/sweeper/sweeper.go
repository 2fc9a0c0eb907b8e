// Package sweeper runs the periodic maintenance jobs: the bulk refresh that
// pairs open scheduled requests, expiry of abandoned queue entries, and
// retirement of pending requests whose slot has passed.
package sweeper

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/sirupsen/logrus"

	"peerpractice/internal/logger"
	"peerpractice/pkg/types"
)

// Store is the slice of the store the sweeper reads and prunes
type Store interface {
	ListUsersWithPending(ctx context.Context) ([]string, error)
	DeleteStaleQueueEntries(ctx context.Context, createdBefore time.Time) (int, error)
}

type Refresher interface {
	RefreshAndMatch(ctx context.Context, userID string) (*types.RefreshResult, error)
}

type Retirer interface {
	RetireExpired(ctx context.Context, grace time.Duration) (int, error)
}

type Config struct {
	Interval      time.Duration
	QueueEntryTTL time.Duration
	PendingGrace  time.Duration
	JobTimeout    time.Duration
}

func DefaultConfig() Config {
	return Config{
		Interval:      5 * time.Minute,
		QueueEntryTTL: 30 * time.Minute,
		PendingGrace:  15 * time.Minute,
		JobTimeout:    time.Minute,
	}
}

// Result summarises one pass of every job
type Result struct {
	UsersRefreshed int `json:"users_refreshed"`
	Matched        int `json:"matched"`
	QueueExpired   int `json:"queue_expired"`
	Retired        int `json:"retired"`
}

type Sweeper struct {
	scheduler gocron.Scheduler
	store     Store
	refresher Refresher
	retirer   Retirer
	config    Config
	now       func() time.Time
	log       *logrus.Entry
}

func New(store Store, refresher Refresher, retirer Retirer, config Config) (*Sweeper, error) {
	defaults := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.QueueEntryTTL <= 0 {
		config.QueueEntryTTL = defaults.QueueEntryTTL
	}
	if config.PendingGrace < 0 {
		config.PendingGrace = defaults.PendingGrace
	}
	if config.JobTimeout <= 0 {
		config.JobTimeout = defaults.JobTimeout
	}

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	return &Sweeper{
		scheduler: scheduler,
		store:     store,
		refresher: refresher,
		retirer:   retirer,
		config:    config,
		now:       time.Now,
		log:       logger.WithComponent("sweeper"),
	}, nil
}

// Start registers the jobs and starts the scheduler. A job still running
// when its next tick arrives is rescheduled rather than overlapped.
func (s *Sweeper) Start() error {
	jobs := []struct {
		name string
		run  func(ctx context.Context) (int, error)
	}{
		{"refresh-and-match", func(ctx context.Context) (int, error) {
			_, matched, err := s.RefreshAll(ctx)
			return matched, err
		}},
		{"expire-queue-entries", s.ExpireQueueEntries},
		{"retire-pending-sessions", s.RetirePending},
	}

	for _, job := range jobs {
		_, err := s.scheduler.NewJob(
			gocron.DurationJob(s.config.Interval),
			gocron.NewTask(func() {
				ctx, cancel := context.WithTimeout(context.Background(), s.config.JobTimeout)
				defer cancel()

				count, err := job.run(ctx)
				entry := s.log.WithFields(logrus.Fields{"job": job.name, "count": count})
				if err != nil {
					entry.WithError(err).Warn("Sweep job failed")
					return
				}
				entry.Debug("Sweep job complete")
			}),
			gocron.WithName(job.name),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			return fmt.Errorf("failed to schedule %s: %w", job.name, err)
		}
	}

	s.scheduler.Start()
	s.log.WithField("interval", s.config.Interval).Info("Sweeper started")
	return nil
}

// Stop waits for running jobs to finish
func (s *Sweeper) Stop() error {
	if err := s.scheduler.Shutdown(); err != nil {
		return fmt.Errorf("failed to stop scheduler: %w", err)
	}
	s.log.Info("Sweeper stopped")
	return nil
}

// RunOnce runs every job immediately, in order
func (s *Sweeper) RunOnce(ctx context.Context) (*Result, error) {
	result := &Result{}
	var err error

	if result.UsersRefreshed, result.Matched, err = s.RefreshAll(ctx); err != nil {
		return result, err
	}
	if result.QueueExpired, err = s.ExpireQueueEntries(ctx); err != nil {
		return result, err
	}
	if result.Retired, err = s.RetirePending(ctx); err != nil {
		return result, err
	}
	return result, nil
}

// RefreshAll runs RefreshAndMatch for every user holding an open request.
// One user's failure is logged and the sweep continues.
func (s *Sweeper) RefreshAll(ctx context.Context) (int, int, error) {
	users, err := s.store.ListUsersWithPending(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to list users with pending sessions: %w", err)
	}

	refreshed, matched := 0, 0
	for _, userID := range users {
		if err := ctx.Err(); err != nil {
			return refreshed, matched, err
		}
		result, err := s.refresher.RefreshAndMatch(ctx, userID)
		if err != nil {
			s.log.WithError(err).WithField("user_id", userID).Warn("Refresh failed")
			continue
		}
		refreshed++
		matched += result.MatchedCount
	}
	return refreshed, matched, nil
}

// ExpireQueueEntries removes queue entries older than the TTL, as if their
// owners had left
func (s *Sweeper) ExpireQueueEntries(ctx context.Context) (int, error) {
	removed, err := s.store.DeleteStaleQueueEntries(ctx, s.now().Add(-s.config.QueueEntryTTL))
	if err != nil {
		return 0, fmt.Errorf("failed to expire queue entries: %w", err)
	}
	if removed > 0 {
		s.log.WithField("count", removed).Info("Stale queue entries expired")
	}
	return removed, nil
}

// RetirePending withdraws pending requests whose slot passed more than the grace ago
func (s *Sweeper) RetirePending(ctx context.Context) (int, error) {
	return s.retirer.RetireExpired(ctx, s.config.PendingGrace)
}
