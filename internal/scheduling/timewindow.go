package scheduling

import "time"

// Join and cancel windows around a scheduled start
const (
	JoinOpensBefore = 5 * time.Minute
	JoinClosesAfter = 15 * time.Minute
	CancelCutoff    = 30 * time.Minute
)

// CanJoinAt is true on [scheduledFor-5m, scheduledFor+15m], bounds included
func CanJoinAt(now, scheduledFor time.Time) bool {
	opens := scheduledFor.Add(-JoinOpensBefore)
	closes := scheduledFor.Add(JoinClosesAfter)
	return !now.Before(opens) && !now.After(closes)
}

// CanCancelAt is true strictly before scheduledFor-30m
func CanCancelAt(now, scheduledFor time.Time) bool {
	return now.Before(scheduledFor.Add(-CancelCutoff))
}

// TimeWindows evaluates the predicates against an injectable clock
type TimeWindows struct {
	now func() time.Time
}

func NewTimeWindows(now func() time.Time) *TimeWindows {
	if now == nil {
		now = time.Now
	}
	return &TimeWindows{now: now}
}

func (w *TimeWindows) CanJoinSession(scheduledFor time.Time) bool {
	return CanJoinAt(w.now(), scheduledFor)
}

func (w *TimeWindows) CanCancelSession(scheduledFor time.Time) bool {
	return CanCancelAt(w.now(), scheduledFor)
}
