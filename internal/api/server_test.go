package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"peerpractice/internal/auth"
	"peerpractice/internal/database"
	"peerpractice/internal/notify"
	"peerpractice/internal/queue"
	"peerpractice/internal/scheduling"
	"peerpractice/internal/topics"
	dbconfig "peerpractice/pkg/database"
	"peerpractice/pkg/interfaces"
	"peerpractice/pkg/types"
)

type testEnv struct {
	server *Server
	tokens *auth.TokenService
	store  *database.Manager
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	config := dbconfig.DefaultConfig()
	config.DatabasePath = filepath.Join(t.TempDir(), "api.db")
	config.MigrationsPath = "../../migrations"

	store, err := database.NewManager(config)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	if _, err := dbconfig.NewMigrationManager(store.GetDB(), config.MigrationsPath).ApplyMigrations(); err != nil {
		t.Fatalf("Failed to migrate: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	directory := topics.NewStatic(topics.DefaultTopics)
	broker := notify.NewBroker()
	t.Cleanup(broker.Close)

	matchmaker := queue.NewMatchmaker(store, broker, directory, queue.DefaultConfig())
	matcher := scheduling.NewMatcher(store, broker, directory, 0)
	tokens := auth.NewTokenService("test-secret", "peerpractice-test", time.Hour)

	server := NewServer(Dependencies{
		Identity:  tokens,
		Queue:     matchmaker,
		Waiter:    queue.NewPushWaiter(matchmaker, broker),
		Scheduler: scheduling.NewLifecycle(store, matcher, broker, directory),
		Matcher:   matcher,
		Analyzer:  scheduling.NewAnalyzer(store, matcher.Window()),
		Topics:    directory,
		Health:    store,
		RateLimit: 3,
		MaxWait:   2 * time.Second,
		Operators: []string{"ops"},
	})
	return &testEnv{server: server, tokens: tokens, store: store}
}

func (e *testEnv) do(t *testing.T, method, path, user string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("Failed to marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		token, err := e.tokens.Issue(user)
		if err != nil {
			t.Fatalf("Failed to issue token: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.server.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("Failed to decode %q: %v", w.Body.String(), err)
	}
	return v
}

func TestServer_RequiresBearerToken(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/queue/join", "", joinRequest{TopicID: "Arrays", Difficulty: "Easy"})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("Expected 401, got %d", w.Code)
	}
	resp := decodeBody[ErrorResponse](t, w)
	if resp.Code != http.StatusUnauthorized || resp.Error != "Unauthorized" {
		t.Errorf("Unexpected error body: %+v", resp)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/queue/status", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	rec := httptest.NewRecorder()
	env.server.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 for a forged token, got %d", rec.Code)
	}
}

func TestServer_QueueJoinAndMatch(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/queue/join", "alice", joinRequest{TopicID: "Arrays", Difficulty: "Easy"})
	if w.Code != http.StatusOK {
		t.Fatalf("Join failed: %d %s", w.Code, w.Body.String())
	}
	first := decodeBody[types.JoinResult](t, w)
	if first.Waiting == nil || first.Matched != nil {
		t.Fatalf("First caller should wait, got %+v", first)
	}

	w = env.do(t, http.MethodPost, "/api/queue/join", "bob", joinRequest{TopicID: "Arrays", Difficulty: "Easy"})
	second := decodeBody[types.JoinResult](t, w)
	if second.Matched == nil || second.Matched.PartnerID != "alice" {
		t.Fatalf("Second caller should match alice, got %+v", second)
	}

	w = env.do(t, http.MethodGet, "/api/queue/status", "alice", nil)
	status := decodeBody[types.QueueStatusResult](t, w)
	if status.InQueue || status.Matched == nil || status.Matched.PartnerID != "bob" {
		t.Fatalf("Alice should see the consuming session, got %+v", status)
	}

	path := "/api/live/" + second.Matched.SessionID
	w = env.do(t, http.MethodGet, path, "alice", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Live session lookup failed: %d %s", w.Code, w.Body.String())
	}
	if live := decodeBody[types.LiveSession](t, w); live.HostID != "alice" || live.GuestID != "bob" || live.TopicID != "Arrays" {
		t.Errorf("Unexpected live session %+v", live)
	}
	if w := env.do(t, http.MethodGet, path, "mallory", nil); w.Code != http.StatusNotFound {
		t.Errorf("Non-participant should get 404, got %d", w.Code)
	}
}

func TestServer_QueueValidation(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/queue/join", "alice", joinRequest{TopicID: "", Difficulty: "Easy"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for empty topic, got %d", w.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/queue/join", bytes.NewReader([]byte("{")))
	token, _ := env.tokens.Issue("alice")
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	env.server.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for malformed JSON, got %d", rec.Code)
	}

	w = env.do(t, http.MethodGet, "/api/queue/status?since=yesterday", "alice", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for bad since, got %d", w.Code)
	}
}

func TestServer_AttemptMatch(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/queue/attempt", "alice", attemptRequest{TopicID: "Arrays"})
	if w.Code != http.StatusOK {
		t.Fatalf("Attempt failed: %d %s", w.Code, w.Body.String())
	}
	if resp := decodeBody[AttemptResponse](t, w); resp.Status != "waiting" {
		t.Errorf("Expected waiting, got %+v", resp)
	}

	w = env.do(t, http.MethodPost, "/api/queue/attempt", "alice", attemptRequest{TopicID: "Arrays", UserID: "mallory"})
	if w.Code != http.StatusForbidden {
		t.Errorf("Expected 403 for a mismatched user_id, got %d", w.Code)
	}
}

func TestServer_AttemptRateLimited(t *testing.T) {
	env := newTestEnv(t)

	for i := 0; i < 3; i++ {
		if w := env.do(t, http.MethodPost, "/api/queue/attempt", "alice", attemptRequest{TopicID: "Arrays"}); w.Code != http.StatusOK {
			t.Fatalf("Attempt %d rejected: %d", i, w.Code)
		}
	}
	w := env.do(t, http.MethodPost, "/api/queue/attempt", "alice", attemptRequest{TopicID: "Arrays"})
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("Expected 429, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("Expected Retry-After header")
	}

	if w := env.do(t, http.MethodPost, "/api/queue/attempt", "bob", attemptRequest{TopicID: "Arrays"}); w.Code != http.StatusOK {
		t.Errorf("Limit should be per caller, bob got %d", w.Code)
	}
}

func TestServer_WaitForMatch(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPost, "/api/queue/join", "alice", joinRequest{TopicID: "Graphs", Difficulty: "Hard"})

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		done <- env.do(t, http.MethodGet, "/api/queue/wait?topic_id=Graphs&timeout=2s", "alice", nil)
	}()

	time.Sleep(100 * time.Millisecond)
	env.do(t, http.MethodPost, "/api/queue/join", "bob", joinRequest{TopicID: "Graphs", Difficulty: "Hard"})

	select {
	case w := <-done:
		resp := decodeBody[AttemptResponse](t, w)
		if resp.Status != "matched" || resp.Session.PartnerID != "bob" {
			t.Errorf("Expected a match with bob, got %+v", resp)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Wait did not return")
	}
}

func TestServer_WaitTimesOutAsWaiting(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPost, "/api/queue/join", "alice", joinRequest{TopicID: "Trees", Difficulty: "Easy"})

	w := env.do(t, http.MethodGet, "/api/queue/wait?topic_id=Trees&timeout=50ms", "alice", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 on timeout, got %d", w.Code)
	}
	if resp := decodeBody[AttemptResponse](t, w); resp.Status != "waiting" {
		t.Errorf("Expected waiting, got %+v", resp)
	}
}

func TestServer_LeaveQueueIdempotent(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPost, "/api/queue/join", "alice", joinRequest{TopicID: "Arrays", Difficulty: "Easy"})

	for i := 0; i < 2; i++ {
		if w := env.do(t, http.MethodDelete, "/api/queue", "alice", nil); w.Code != http.StatusOK {
			t.Fatalf("Leave %d failed: %d", i, w.Code)
		}
	}
	w := env.do(t, http.MethodGet, "/api/queue/status", "alice", nil)
	if status := decodeBody[types.QueueStatusResult](t, w); status.InQueue {
		t.Error("Alice should no longer be queued")
	}
}

func createScheduled(t *testing.T, env *testEnv, user string, at time.Time) *types.ScheduledSession {
	t.Helper()
	w := env.do(t, http.MethodPost, "/api/scheduled", user, createScheduledRequest{
		TopicID:         "Arrays",
		Difficulty:      "Easy",
		DurationMinutes: 30,
		ScheduledFor:    at,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("Create failed: %d %s", w.Code, w.Body.String())
	}
	return decodeBody[SessionResponse](t, w).Session
}

func TestServer_ScheduledFlow(t *testing.T) {
	env := newTestEnv(t)
	slot := time.Now().Add(48 * time.Hour).Truncate(time.Minute).UTC()

	a := createScheduled(t, env, "alice", slot)
	if a.Status != types.StatusPending {
		t.Fatalf("First session should be pending, got %s", a.Status)
	}
	b := createScheduled(t, env, "bob", slot.Add(10*time.Minute))
	if b.Status != types.StatusMatched || b.PartnerID == nil || *b.PartnerID != "alice" {
		t.Fatalf("Second session should auto-match alice, got %+v", b)
	}

	w := env.do(t, http.MethodGet, "/api/scheduled?status=matched", "alice", nil)
	list := decodeBody[SessionsResponse](t, w)
	if len(list.Sessions) != 1 || list.Sessions[0].ID != a.ID {
		t.Fatalf("Alice should see her matched session, got %+v", list.Sessions)
	}

	w = env.do(t, http.MethodPost, fmt.Sprintf("/api/scheduled/%s/confirm", a.ID), "alice", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Confirm failed: %d %s", w.Code, w.Body.String())
	}
	if s := decodeBody[SessionResponse](t, w).Session; s.Status != types.StatusConfirmed {
		t.Errorf("Expected confirmed, got %s", s.Status)
	}

	w = env.do(t, http.MethodPost, fmt.Sprintf("/api/scheduled/%s/confirm", a.ID), "alice", nil)
	if w.Code != http.StatusConflict {
		t.Errorf("Second confirm should conflict, got %d", w.Code)
	}

	w = env.do(t, http.MethodPost, fmt.Sprintf("/api/scheduled/%s/confirm", a.ID), "mallory", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Outsider should get 404, got %d", w.Code)
	}
}

func TestServer_ScheduledInvites(t *testing.T) {
	env := newTestEnv(t)
	slot := time.Now().Add(72 * time.Hour).Truncate(time.Minute).UTC()
	a := createScheduled(t, env, "alice", slot)

	w := env.do(t, http.MethodPost, fmt.Sprintf("/api/scheduled/%s/invite", a.ID), "alice", inviteRequest{PartnerID: "carol"})
	if w.Code != http.StatusOK {
		t.Fatalf("Invite failed: %d %s", w.Code, w.Body.String())
	}

	w = env.do(t, http.MethodPost, fmt.Sprintf("/api/scheduled/%s/accept", a.ID), "carol", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Accept failed: %d %s", w.Code, w.Body.String())
	}
	if s := decodeBody[SessionResponse](t, w).Session; s.Status != types.StatusMatched {
		t.Errorf("Expected matched after accept, got %s", s.Status)
	}

	w = env.do(t, http.MethodPost, fmt.Sprintf("/api/scheduled/%s/bogus", a.ID), "carol", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Unknown action should be 404, got %d", w.Code)
	}
}

func TestServer_CancelAbsentIsNoop(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/scheduled/does-not-exist/cancel", "alice", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d %s", w.Code, w.Body.String())
	}
	if resp := decodeBody[SessionResponse](t, w); resp.Session != nil {
		t.Errorf("Expected a null session, got %+v", resp.Session)
	}

	// an existing record someone else owns is not silently accepted
	slot := time.Now().Add(48 * time.Hour).Truncate(time.Minute).UTC()
	a := createScheduled(t, env, "alice", slot)
	for _, action := range []string{"cancel", "withdraw"} {
		w = env.do(t, http.MethodPost, fmt.Sprintf("/api/scheduled/%s/%s", a.ID, action), "mallory", nil)
		if w.Code != http.StatusNotFound {
			t.Errorf("%s by a non-participant: expected 404, got %d %s", action, w.Code, w.Body.String())
		}
	}
}

func TestServer_CandidatesAndDiagnostics(t *testing.T) {
	env := newTestEnv(t)
	slot := time.Now().Add(96 * time.Hour).Truncate(time.Minute).UTC()

	a := &types.ScheduledSession{ID: "s-a", CreatorID: "alice", TopicID: "Stack", Difficulty: "Medium", DurationMinutes: 45, ScheduledFor: slot, Status: types.StatusPending, CreatedAt: time.Now()}
	b := &types.ScheduledSession{ID: "s-b", CreatorID: "bob", TopicID: "Stack", Difficulty: "Medium", DurationMinutes: 45, ScheduledFor: slot.Add(5 * time.Minute), Status: types.StatusPending, CreatedAt: time.Now().Add(time.Second)}
	for _, s := range []*types.ScheduledSession{a, b} {
		if err := env.store.CreateScheduledSession(context.Background(), s); err != nil {
			t.Fatalf("Failed to seed: %v", err)
		}
	}

	w := env.do(t, http.MethodGet, "/api/scheduled/s-a/candidates", "alice", nil)
	if list := decodeBody[SessionsResponse](t, w); len(list.Sessions) != 1 || list.Sessions[0].ID != "s-b" {
		t.Fatalf("Expected s-b as the only candidate, got %+v", list.Sessions)
	}

	// an operator sees every user's requests
	w = env.do(t, http.MethodGet, "/api/diagnostics?topic_id=Stack", "ops", nil)
	report := decodeBody[scheduling.Report](t, w)
	if report.Sessions != 2 || report.CompatiblePairs != 1 {
		t.Errorf("Unexpected report: %+v", report)
	}

	// anyone else is scoped to their own, whatever creator_id they ask for
	w = env.do(t, http.MethodGet, "/api/diagnostics?topic_id=Stack&creator_id=bob", "alice", nil)
	report = decodeBody[scheduling.Report](t, w)
	if report.Sessions != 1 || len(report.Pairs) != 0 {
		t.Errorf("alice should only see her own request, got %+v", report)
	}

	for _, call := range []struct{ method, path string }{
		{http.MethodGet, "/api/scheduled/s-a/candidates"},
		{http.MethodPost, "/api/scheduled/s-a/auto-match"},
	} {
		if w := env.do(t, call.method, call.path, "mallory", nil); w.Code != http.StatusNotFound {
			t.Errorf("%s %s by a non-owner: expected 404, got %d", call.method, call.path, w.Code)
		}
	}
	if got, _ := env.store.GetScheduledSession(context.Background(), "s-a"); got.Status != types.StatusPending {
		t.Fatalf("s-a must stay pending after rejected calls, got %s", got.Status)
	}

	w = env.do(t, http.MethodPost, "/api/scheduled/s-a/auto-match", "alice", nil)
	resp := decodeBody[map[string]interface{}](t, w)
	if resp["status"] != "matched" {
		t.Errorf("Expected matched, got %+v", resp)
	}

	w = env.do(t, http.MethodGet, "/api/scheduled/missing/candidates", "alice", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for an unknown session, got %d", w.Code)
	}
}

func TestServer_WindowChecks(t *testing.T) {
	env := newTestEnv(t)
	soon := time.Now().Add(5 * time.Minute).UTC().Format(time.RFC3339)

	w := env.do(t, http.MethodGet, "/api/scheduled/can-join?scheduled_for="+soon, "alice", nil)
	if resp := decodeBody[WindowResponse](t, w); !resp.Allowed {
		t.Errorf("Joining five minutes early should be allowed")
	}

	w = env.do(t, http.MethodGet, "/api/scheduled/can-cancel?scheduled_for="+soon, "alice", nil)
	if resp := decodeBody[WindowResponse](t, w); resp.Allowed {
		t.Errorf("Cancelling five minutes before should be refused")
	}

	w = env.do(t, http.MethodGet, "/api/scheduled/can-join?scheduled_for=tomorrow", "alice", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}
}

func TestServer_TopicsAndHealth(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/api/topics", "", nil)
	resp := decodeBody[map[string][]types.Topic](t, w)
	if len(resp["topics"]) != len(topics.DefaultTopics) {
		t.Errorf("Expected %d topics, got %d", len(topics.DefaultTopics), len(resp["topics"]))
	}

	w = env.do(t, http.MethodGet, "/health", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected healthy, got %d %s", w.Code, w.Body.String())
	}
	if health := decodeBody[HealthResponse](t, w); health.Status != "healthy" {
		t.Errorf("Unexpected health: %+v", health)
	}
}

type failingHealth struct{}

func (failingHealth) HealthCheck(ctx context.Context) error { return errors.New("disk gone") }

func TestServer_HealthUnavailable(t *testing.T) {
	server := NewServer(Dependencies{Health: failingHealth{}})

	w := httptest.NewRecorder()
	server.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %d", w.Code)
	}
}

func TestServer_CORSPreflight(t *testing.T) {
	server := NewServer(Dependencies{})

	w := httptest.NewRecorder()
	server.ServeHTTP(w, httptest.NewRequest(http.MethodOptions, "/api/queue/join", nil))
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 for preflight, got %d", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("Missing CORS header")
	}
}

func TestWriteError_Taxonomy(t *testing.T) {
	server := NewServer(Dependencies{})
	tests := []struct {
		err  error
		code int
	}{
		{interfaces.ErrUnauthenticated, http.StatusUnauthorized},
		{fmt.Errorf("%w: session x", interfaces.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("%w: bad difficulty", interfaces.ErrValidation), http.StatusBadRequest},
		{interfaces.ErrConflict, http.StatusConflict},
		{interfaces.ErrTransientStore, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		w := httptest.NewRecorder()
		server.writeError(w, tt.err)
		if w.Code != tt.code {
			t.Errorf("%v: expected %d, got %d", tt.err, tt.code, w.Code)
		}
	}
}
