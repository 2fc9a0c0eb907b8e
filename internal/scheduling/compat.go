package scheduling

import (
	"fmt"
	"time"

	"peerpractice/pkg/types"
)

// DefaultWindow is the match window: two requests pair only when their
// start times are at most this far apart
const DefaultWindow = time.Hour

// Compatibility is the outcome of every pairing rule for two scheduled sessions
type Compatibility struct {
	SameTopic        bool          `json:"same_topic"`
	SameDifficulty   bool          `json:"same_difficulty"`
	SameDuration     bool          `json:"same_duration"`
	DistinctCreators bool          `json:"distinct_creators"`
	WithinWindow     bool          `json:"within_window"`
	PartnerFree      bool          `json:"partner_free"`
	BothPending      bool          `json:"both_pending"`
	TimeDelta        time.Duration `json:"time_delta"`

	failures []string
}

// CheckCompatibility evaluates a against b. Nothing is fuzzy: topic,
// difficulty and duration compare exactly and the window is inclusive.
func CheckCompatibility(a, b *types.ScheduledSession, window time.Duration) Compatibility {
	delta := a.ScheduledFor.Sub(b.ScheduledFor)
	if delta < 0 {
		delta = -delta
	}

	c := Compatibility{
		SameTopic:        a.TopicID == b.TopicID,
		SameDifficulty:   a.Difficulty == b.Difficulty,
		SameDuration:     a.DurationMinutes == b.DurationMinutes,
		DistinctCreators: a.CreatorID != b.CreatorID,
		WithinWindow:     delta <= window,
		PartnerFree:      !a.HasPartner() && !b.HasPartner(),
		BothPending:      a.Status == types.StatusPending && b.Status == types.StatusPending,
		TimeDelta:        delta,
	}

	if !c.SameTopic {
		c.failures = append(c.failures, fmt.Sprintf("topics differ (%s vs %s)", a.TopicID, b.TopicID))
	}
	if !c.SameDifficulty {
		c.failures = append(c.failures, fmt.Sprintf("difficulties differ (%s vs %s)", a.Difficulty, b.Difficulty))
	}
	if !c.SameDuration {
		c.failures = append(c.failures, fmt.Sprintf("durations differ (%d vs %d minutes)", a.DurationMinutes, b.DurationMinutes))
	}
	if !c.DistinctCreators {
		c.failures = append(c.failures, fmt.Sprintf("same creator (%s)", a.CreatorID))
	}
	if !c.WithinWindow {
		c.failures = append(c.failures, fmt.Sprintf("start times %s apart, window is %s", delta, window))
	}
	if !c.PartnerFree {
		c.failures = append(c.failures, "already partnered")
	}
	if !c.BothPending {
		c.failures = append(c.failures, fmt.Sprintf("not both pending (%s, %s)", a.Status, b.Status))
	}
	return c
}

// Compatible is the verdict: every rule passed
func (c Compatibility) Compatible() bool {
	return len(c.failures) == 0
}

// Reasons lists the failed rules in human-readable form
func (c Compatibility) Reasons() []string {
	if len(c.failures) == 0 {
		return []string{"compatible"}
	}
	out := make([]string, len(c.failures))
	copy(out, c.failures)
	return out
}
