package queue

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"peerpractice/internal/database"
	dbconfig "peerpractice/pkg/database"
	"peerpractice/pkg/interfaces"
	"peerpractice/pkg/types"
)

// memStore is an in-memory Store with the same claim semantics as SQLite
type memStore struct {
	mu       sync.Mutex
	entries  map[string]*types.QueueEntry
	latest   map[[2]string]*types.QueueEntry
	sessions []*types.LiveSession
	failNext error
}

func newMemStore() *memStore {
	return &memStore{
		entries: make(map[string]*types.QueueEntry),
		latest:  make(map[[2]string]*types.QueueEntry),
	}
}

func (s *memStore) InsertQueueEntry(ctx context.Context, entry *types.QueueEntry) (*types.QueueEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext != nil {
		err := s.failNext
		s.failNext = nil
		return nil, false, err
	}
	for _, e := range s.entries {
		if e.UserID == entry.UserID && e.TopicID == entry.TopicID {
			return e, false, nil
		}
	}
	copied := *entry
	s.entries[entry.ID] = &copied
	s.latest[[2]string{entry.UserID, entry.TopicID}] = &copied
	return &copied, true, nil
}

func (s *memStore) GetQueueEntry(ctx context.Context, userID, topicID string) (*types.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.UserID == userID && e.TopicID == topicID {
			return e, nil
		}
	}
	return nil, interfaces.ErrNotFound
}

func (s *memStore) sorted(filter func(*types.QueueEntry) bool) []*types.QueueEntry {
	out := []*types.QueueEntry{}
	for _, e := range s.entries {
		if filter(e) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (s *memStore) ListUserQueueEntries(ctx context.Context, userID string) ([]*types.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sorted(func(e *types.QueueEntry) bool { return e.UserID == userID }), nil
}

func (s *memStore) ListWaitingCandidates(ctx context.Context, topicID, excludeUserID string, limit int) ([]*types.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.sorted(func(e *types.QueueEntry) bool { return e.TopicID == topicID && e.UserID != excludeUserID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) CountWaiting(ctx context.Context, topicID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sorted(func(e *types.QueueEntry) bool { return e.TopicID == topicID })), nil
}

func (s *memStore) ClaimPair(ctx context.Context, a, b string, session *types.LiveSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, okA := s.entries[a]
	_, okB := s.entries[b]
	if !okA || !okB || a == b {
		return interfaces.ErrConflict
	}
	delete(s.entries, a)
	delete(s.entries, b)
	s.sessions = append(s.sessions, session)
	return nil
}

func (s *memStore) DeleteUserQueueEntries(ctx context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, e := range s.entries {
		if e.UserID == userID {
			delete(s.entries, id)
			n++
		}
	}
	return n, nil
}

func (s *memStore) DeleteStaleQueueEntries(ctx context.Context, before time.Time) (int, error) {
	return 0, nil
}

func (s *memStore) GetLiveSession(ctx context.Context, id string) (*types.LiveSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.sessions {
		if l.ID == id {
			return l, nil
		}
	}
	return nil, interfaces.ErrNotFound
}

func (s *memStore) FindConsumingSession(ctx context.Context, userID, topicID string, since time.Time) (*types.LiveSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *types.QueueEntry
	for key, e := range s.latest {
		if key[0] != userID || (topicID != "" && key[1] != topicID) {
			continue
		}
		if latest == nil || e.CreatedAt.After(latest.CreatedAt) {
			latest = e
		}
	}
	if latest == nil {
		return nil, interfaces.ErrNotFound
	}
	for i := len(s.sessions) - 1; i >= 0; i-- {
		l := s.sessions[i]
		if (l.HostEntryID == latest.ID || l.GuestEntryID == latest.ID) && !l.StartedAt.Before(since) {
			return l, nil
		}
	}
	return nil, interfaces.ErrNotFound
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []types.Notification
}

func (r *recordingNotifier) Notify(ctx context.Context, n types.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return nil
}

type staticTopics struct{}

func (staticTopics) LookupTopic(ctx context.Context, id string) (*types.Topic, error) {
	return &types.Topic{ID: id, Title: "Topic " + id}, nil
}

// clock returns strictly increasing instants so FIFO order is deterministic
func clock() func() time.Time {
	var mu sync.Mutex
	t := time.Date(2030, 1, 1, 9, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Second)
		return t
	}
}

func newTestMatchmaker(store Store) (*Matchmaker, *recordingNotifier) {
	notifier := &recordingNotifier{}
	m := NewMatchmaker(store, notifier, staticTopics{}, DefaultConfig())
	m.now = clock()
	return m, notifier
}

func TestJoinQueue_WaitsThenMatches(t *testing.T) {
	ctx := context.Background()
	m, notifier := newTestMatchmaker(newMemStore())

	first, err := m.JoinQueue(ctx, "alice", "Arrays", types.DifficultyEasy)
	if err != nil {
		t.Fatalf("JoinQueue failed: %v", err)
	}
	if first.Matched != nil || first.Waiting == nil {
		t.Fatalf("first joiner should wait, got %+v", first)
	}
	if first.Waiting.Position != 1 || first.Waiting.EstimatedWaitSeconds != 30 {
		t.Errorf("unexpected position %+v", first.Waiting)
	}

	second, err := m.JoinQueue(ctx, "bob", "Arrays", types.DifficultyMedium)
	if err != nil {
		t.Fatalf("JoinQueue failed: %v", err)
	}
	if second.Matched == nil {
		t.Fatalf("second joiner should be matched, got %+v", second)
	}
	if second.Matched.PartnerID != "alice" || second.Matched.TopicID != "Arrays" {
		t.Errorf("unexpected match %+v", second.Matched)
	}

	if len(notifier.sent) != 2 {
		t.Fatalf("expected a matched notification per participant, got %d", len(notifier.sent))
	}
	for _, n := range notifier.sent {
		if n.Event != types.EventMatched || n.Payload["session_id"] != second.Matched.SessionID {
			t.Errorf("unexpected notification %+v", n)
		}
	}
}

func TestJoinQueue_Idempotent(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	m, _ := newTestMatchmaker(store)

	for i := 0; i < 2; i++ {
		if _, err := m.JoinQueue(ctx, "alice", "Arrays", types.DifficultyEasy); err != nil {
			t.Fatalf("JoinQueue #%d failed: %v", i+1, err)
		}
	}
	entries, _ := store.ListUserQueueEntries(ctx, "alice")
	if len(entries) != 1 {
		t.Errorf("expected exactly one entry for (alice, Arrays), got %d", len(entries))
	}
}

func TestJoinQueue_Errors(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	m, _ := newTestMatchmaker(store)

	tests := []struct {
		name       string
		user       string
		topic      string
		difficulty string
		want       error
	}{
		{"unauthenticated", "", "Arrays", types.DifficultyEasy, interfaces.ErrUnauthenticated},
		{"missing topic", "alice", "", types.DifficultyEasy, interfaces.ErrValidation},
		{"bad difficulty", "alice", "Arrays", "easy", interfaces.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := m.JoinQueue(ctx, tt.user, tt.topic, tt.difficulty); !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}

	store.failNext = fmt.Errorf("%w: disk busy", interfaces.ErrTransientStore)
	if _, err := m.JoinQueue(ctx, "alice", "Arrays", types.DifficultyEasy); !errors.Is(err, interfaces.ErrTransientStore) {
		t.Errorf("store failures should stay classifiable, got %v", err)
	}
}

func TestAttemptMatch_NoPartnerIsNotAnError(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMatchmaker(newMemStore())

	if _, err := m.JoinQueue(ctx, "alice", "Arrays", types.DifficultyEasy); err != nil {
		t.Fatal(err)
	}
	if _, err := m.JoinQueue(ctx, "bob", "Graphs", types.DifficultyEasy); err != nil {
		t.Fatal(err)
	}

	match, err := m.AttemptMatch(ctx, "Arrays", "alice")
	if err != nil {
		t.Fatalf("AttemptMatch should not fail: %v", err)
	}
	if match != nil {
		t.Errorf("different topics must not match, got %+v", match)
	}
}

func TestAttemptMatch_FIFO(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	m, _ := newTestMatchmaker(store)
	base := time.Date(2030, 1, 1, 8, 0, 0, 0, time.UTC)

	// frank queued after erin; neither attempted yet
	for i, u := range []string{"erin", "frank"} {
		entry := &types.QueueEntry{
			ID: "q-" + u, UserID: u, TopicID: "Trees", Difficulty: types.DifficultyEasy,
			Status: types.QueueStatusWaiting, CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if _, _, err := store.InsertQueueEntry(ctx, entry); err != nil {
			t.Fatal(err)
		}
	}

	joined, err := m.JoinQueue(ctx, "gina", "Trees", types.DifficultyEasy)
	if err != nil {
		t.Fatal(err)
	}
	if joined.Matched == nil || joined.Matched.PartnerID != "erin" {
		t.Fatalf("gina should pair with the oldest waiter erin, got %+v", joined)
	}

	status, err := m.CheckStatus(ctx, "frank", time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if !status.InQueue || status.Waiting.Position != 1 {
		t.Errorf("frank should still wait alone, got %+v", status)
	}
}

func TestAttemptMatch_OwnEntryConsumed(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMatchmaker(newMemStore())

	if _, err := m.JoinQueue(ctx, "alice", "Arrays", types.DifficultyEasy); err != nil {
		t.Fatal(err)
	}
	joined, err := m.JoinQueue(ctx, "bob", "Arrays", types.DifficultyEasy)
	if err != nil || joined.Matched == nil {
		t.Fatalf("bob should match alice: %+v %v", joined, err)
	}

	// alice polls after bob consumed her entry
	match, err := m.AttemptMatch(ctx, "Arrays", "alice")
	if err != nil {
		t.Fatalf("AttemptMatch failed: %v", err)
	}
	if match == nil || match.SessionID != joined.Matched.SessionID || match.PartnerID != "bob" {
		t.Errorf("alice should learn about bob's session, got %+v", match)
	}

	match, err = m.AttemptMatch(ctx, "Graphs", "alice")
	if err != nil || match != nil {
		t.Errorf("polling a topic never joined should report no match, got %+v %v", match, err)
	}
}

func TestAttemptMatch_NotQueuedIsNotAnError(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMatchmaker(newMemStore())

	match, err := m.AttemptMatch(ctx, "Arrays", "alice")
	if err != nil {
		t.Fatalf("AttemptMatch for a caller with no entry should not fail: %v", err)
	}
	if match != nil {
		t.Errorf("expected no match, got %+v", match)
	}
}

func TestCheckStatus_RejoinThenLeaveForgetsOldMatch(t *testing.T) {
	for _, tc := range []struct {
		name  string
		store func(t *testing.T) Store
	}{
		{"memory", func(t *testing.T) Store { return newMemStore() }},
		{"sqlite", func(t *testing.T) Store { return newSQLiteStore(t) }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			m, _ := newTestMatchmaker(tc.store(t))

			if _, err := m.JoinQueue(ctx, "alice", "Arrays", types.DifficultyEasy); err != nil {
				t.Fatal(err)
			}
			joined, err := m.JoinQueue(ctx, "bob", "Arrays", types.DifficultyEasy)
			if err != nil || joined.Matched == nil {
				t.Fatalf("bob should match alice: %+v %v", joined, err)
			}

			// alice rejoins the same topic, then leaves before anyone arrives
			if _, err := m.JoinQueue(ctx, "alice", "Arrays", types.DifficultyEasy); err != nil {
				t.Fatal(err)
			}
			if err := m.LeaveQueue(ctx, "alice"); err != nil {
				t.Fatal(err)
			}

			match, err := m.AttemptMatch(ctx, "Arrays", "alice")
			if err != nil || match != nil {
				t.Errorf("a left entry must not report the earlier session, got %+v %v", match, err)
			}
			status, err := m.CheckStatus(ctx, "alice", time.Time{})
			if err != nil {
				t.Fatal(err)
			}
			if status.InQueue || status.Matched != nil {
				t.Errorf("alice should be neither waiting nor matched, got %+v", status)
			}

			// bob never rejoined, so his consumed entry still resolves
			status, err = m.CheckStatus(ctx, "bob", time.Time{})
			if err != nil {
				t.Fatal(err)
			}
			if status.Matched == nil || status.Matched.SessionID != joined.Matched.SessionID {
				t.Errorf("bob should still see his session, got %+v", status)
			}
		})
	}
}

func TestAttemptMatch_ConsumedEntryResolvesPerTopic(t *testing.T) {
	for _, tc := range []struct {
		name  string
		store func(t *testing.T) Store
	}{
		{"memory", func(t *testing.T) Store { return newMemStore() }},
		{"sqlite", func(t *testing.T) Store { return newSQLiteStore(t) }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			m, _ := newTestMatchmaker(tc.store(t))

			if _, err := m.JoinQueue(ctx, "alice", "Arrays", types.DifficultyEasy); err != nil {
				t.Fatal(err)
			}
			if _, err := m.JoinQueue(ctx, "alice", "Graphs", types.DifficultyEasy); err != nil {
				t.Fatal(err)
			}
			arrays, err := m.JoinQueue(ctx, "bob", "Arrays", types.DifficultyEasy)
			if err != nil || arrays.Matched == nil {
				t.Fatalf("bob should match alice on Arrays: %+v %v", arrays, err)
			}
			graphs, err := m.JoinQueue(ctx, "carol", "Graphs", types.DifficultyEasy)
			if err != nil || graphs.Matched == nil {
				t.Fatalf("carol should match alice on Graphs: %+v %v", graphs, err)
			}

			// the newer Graphs session must not hide the Arrays one
			match, err := m.AttemptMatch(ctx, "Arrays", "alice")
			if err != nil {
				t.Fatal(err)
			}
			if match == nil || match.SessionID != arrays.Matched.SessionID || match.PartnerID != "bob" {
				t.Errorf("expected the Arrays session with bob, got %+v", match)
			}
			match, err = m.AttemptMatch(ctx, "Graphs", "alice")
			if err != nil {
				t.Fatal(err)
			}
			if match == nil || match.SessionID != graphs.Matched.SessionID || match.PartnerID != "carol" {
				t.Errorf("expected the Graphs session with carol, got %+v", match)
			}
		})
	}
}

func TestGetLiveSession_ParticipantsOnly(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMatchmaker(newMemStore())

	if _, err := m.JoinQueue(ctx, "alice", "Arrays", types.DifficultyEasy); err != nil {
		t.Fatal(err)
	}
	joined, err := m.JoinQueue(ctx, "bob", "Arrays", types.DifficultyEasy)
	if err != nil || joined.Matched == nil {
		t.Fatalf("bob should match alice: %+v %v", joined, err)
	}
	id := joined.Matched.SessionID

	for _, user := range []string{"alice", "bob"} {
		live, err := m.GetLiveSession(ctx, user, id)
		if err != nil {
			t.Fatalf("GetLiveSession(%s) failed: %v", user, err)
		}
		if live.HostID != "alice" || live.GuestID != "bob" {
			t.Errorf("unexpected session %+v", live)
		}
	}
	if _, err := m.GetLiveSession(ctx, "mallory", id); !errors.Is(err, interfaces.ErrNotFound) {
		t.Errorf("non-participant should get ErrNotFound, got %v", err)
	}
	if _, err := m.GetLiveSession(ctx, "alice", "missing"); !errors.Is(err, interfaces.ErrNotFound) {
		t.Errorf("unknown session should be ErrNotFound, got %v", err)
	}
	if _, err := m.GetLiveSession(ctx, "", id); !errors.Is(err, interfaces.ErrUnauthenticated) {
		t.Errorf("expected ErrUnauthenticated, got %v", err)
	}
}

func TestLeaveQueue_Idempotent(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMatchmaker(newMemStore())

	if _, err := m.JoinQueue(ctx, "alice", "Arrays", types.DifficultyEasy); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if err := m.LeaveQueue(ctx, "alice"); err != nil {
			t.Fatalf("LeaveQueue #%d failed: %v", i+1, err)
		}
	}
	status, err := m.CheckStatus(ctx, "alice", time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if status.InQueue || status.Matched != nil {
		t.Errorf("alice should be neither waiting nor matched, got %+v", status)
	}
	if err := m.LeaveQueue(ctx, ""); !errors.Is(err, interfaces.ErrUnauthenticated) {
		t.Errorf("expected ErrUnauthenticated, got %v", err)
	}
}

func newSQLiteStore(t *testing.T) *database.Manager {
	t.Helper()
	config := dbconfig.DefaultConfig()
	config.DatabasePath = filepath.Join(t.TempDir(), "queue.db")
	config.MigrationsPath = "../../migrations"
	manager, err := database.NewManager(config)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	if _, err := dbconfig.NewMigrationManager(manager.GetDB(), config.MigrationsPath).ApplyMigrations(); err != nil {
		t.Fatalf("Failed to migrate: %v", err)
	}
	t.Cleanup(func() { _ = manager.Close() })
	return manager
}

func TestAttemptMatch_NoDoubleBooking(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteStore(t)
	m := NewMatchmaker(store, nil, nil, DefaultConfig())

	const n = 9
	users := make([]string, n)
	for i := range users {
		users[i] = fmt.Sprintf("user%02d", i)
		entry := &types.QueueEntry{
			ID: fmt.Sprintf("q%02d", i), UserID: users[i], TopicID: "Arrays",
			Difficulty: types.DifficultyEasy, Status: types.QueueStatusWaiting,
			CreatedAt: time.Now().Add(time.Duration(i) * time.Millisecond),
		}
		if _, _, err := store.InsertQueueEntry(ctx, entry); err != nil {
			t.Fatal(err)
		}
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	sessions := map[string]*types.MatchResult{}
	for round := 0; round < 2; round++ {
		for _, u := range users {
			wg.Add(1)
			go func(u string) {
				defer wg.Done()
				match, err := m.AttemptMatch(ctx, "Arrays", u)
				if err != nil && !errors.Is(err, interfaces.ErrNotFound) {
					t.Errorf("AttemptMatch(%s) failed: %v", u, err)
					return
				}
				if match != nil {
					mu.Lock()
					sessions[match.SessionID] = match
					mu.Unlock()
				}
			}(u)
		}
	}
	wg.Wait()

	if len(sessions) > n/2 {
		t.Fatalf("created %d sessions from %d entries, at most %d allowed", len(sessions), n, n/2)
	}

	seen := map[string]string{}
	for id := range sessions {
		live, err := store.GetLiveSession(ctx, id)
		if err != nil {
			t.Fatalf("GetLiveSession(%s) failed: %v", id, err)
		}
		for _, u := range []string{live.HostID, live.GuestID} {
			if prev, dup := seen[u]; dup {
				t.Errorf("%s booked into both %s and %s", u, prev, id)
			}
			seen[u] = id
		}
	}
	remaining, _ := store.CountWaiting(ctx, "Arrays")
	if remaining+len(seen) != n {
		t.Errorf("entries lost: %d remaining, %d users paired, %d total", remaining, len(seen), n)
	}
}
