package scheduling

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"peerpractice/internal/logger"
	"peerpractice/pkg/interfaces"
	"peerpractice/pkg/types"
)

// PairReport explains one pairwise compatibility check
type PairReport struct {
	SessionA   string        `json:"session_a"`
	SessionB   string        `json:"session_b"`
	CreatorA   string        `json:"creator_a"`
	CreatorB   string        `json:"creator_b"`
	Checks     Compatibility `json:"checks"`
	Compatible bool          `json:"compatible"`
	Reasons    []string      `json:"reasons"`
}

// Report is the pairwise compatibility matrix for a set of pending sessions
type Report struct {
	GeneratedAt     time.Time    `json:"generated_at"`
	Window          string       `json:"window"`
	Sessions        int          `json:"sessions"`
	Pairs           []PairReport `json:"pairs"`
	CompatiblePairs int          `json:"compatible_pairs"`
}

// Analyzer is read-only: it never writes to the store
type Analyzer struct {
	store  interfaces.ScheduledStore
	window time.Duration
	now    func() time.Time
	log    *logrus.Entry
}

func NewAnalyzer(store interfaces.ScheduledStore, window time.Duration) *Analyzer {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Analyzer{
		store:  store,
		window: window,
		now:    time.Now,
		log:    logger.WithComponent("diagnostics"),
	}
}

// Analyze reports every unordered pair among the pending sessions selected by filter
func (a *Analyzer) Analyze(ctx context.Context, filter interfaces.PendingFilter) (*Report, error) {
	sessions, err := a.store.ListPending(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending sessions: %w", err)
	}
	return a.AnalyzeSessions(sessions), nil
}

// AnalyzeSessions builds the report over an explicit set of sessions
func (a *Analyzer) AnalyzeSessions(sessions []*types.ScheduledSession) *Report {
	report := &Report{
		GeneratedAt: a.now().UTC(),
		Window:      a.window.String(),
		Sessions:    len(sessions),
		Pairs:       []PairReport{},
	}

	for i := 0; i < len(sessions); i++ {
		for j := i + 1; j < len(sessions); j++ {
			left, right := sessions[i], sessions[j]
			checks := CheckCompatibility(left, right, a.window)
			pair := PairReport{
				SessionA:   left.ID,
				SessionB:   right.ID,
				CreatorA:   left.CreatorID,
				CreatorB:   right.CreatorID,
				Checks:     checks,
				Compatible: checks.Compatible(),
				Reasons:    checks.Reasons(),
			}
			if pair.Compatible {
				report.CompatiblePairs++
			}
			report.Pairs = append(report.Pairs, pair)

			a.log.WithFields(logrus.Fields{
				"session_id":         left.ID,
				"partner_session_id": right.ID,
				"compatible":         pair.Compatible,
				"reasons":            pair.Reasons,
			}).Debug("Pair analysed")
		}
	}
	return report
}
