package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"peerpractice/internal/config"
	"peerpractice/pkg/types"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Database.Path = filepath.Join(t.TempDir(), "app.db")
	cfg.Database.MigrationsPath = "../../migrations"
	cfg.HTTP.Host = "127.0.0.1"
	cfg.HTTP.Port = freePort(t)
	cfg.Auth.JWTSecret = "application-test-secret"
	return cfg
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to reserve a port: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func newTestApp(t *testing.T, cfg *config.Config) *Application {
	t.Helper()
	app, err := NewApplication(cfg)
	if err != nil {
		t.Fatalf("Failed to create application: %v", err)
	}
	return app
}

func TestNewApplication_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth.JWTSecret = "short"

	if _, err := NewApplication(cfg); err == nil {
		t.Fatal("Expected invalid configuration to be rejected")
	}
}

func TestNewApplication_MissingMigrations(t *testing.T) {
	cfg := testConfig(t)
	cfg.Database.MigrationsPath = filepath.Join(t.TempDir(), "nowhere")

	if _, err := NewApplication(cfg); err == nil {
		t.Fatal("Expected schema validation to fail without migrations")
	}
}

func TestApplication_StartServeStop(t *testing.T) {
	app := newTestApp(t, testConfig(t))
	if err := app.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start: %v", err)
	}

	resp, err := http.Get(fmt.Sprintf("http://%s/health", app.Addr()))
	if err != nil {
		t.Fatalf("Health request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected healthy service, got %d", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := app.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
}

func post(t *testing.T, base, path, token string, body interface{}) *http.Response {
	t.Helper()
	raw, _ := json.Marshal(body)
	req, _ := http.NewRequest(http.MethodPost, base+path, bytes.NewReader(raw))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST %s failed: %v", path, err)
	}
	return resp
}

// A scheduled pairing reaches the earlier creator over their websocket
func TestApplication_PushesScheduledMatch(t *testing.T) {
	app := newTestApp(t, testConfig(t))
	srv := httptest.NewServer(app.Handler())
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = app.Stop(ctx)
	})

	aliceToken, _ := app.Tokens().Issue("alice")
	bobToken, _ := app.Tokens().Issue("bob")

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=" + aliceToken
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Failed to dial websocket: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var greeting map[string]interface{}
	if err := conn.ReadJSON(&greeting); err != nil || greeting["event"] != "connected" {
		t.Fatalf("Expected connected greeting, got %v (%v)", greeting, err)
	}

	slot := time.Now().Add(48 * time.Hour).Truncate(time.Minute).UTC()
	request := map[string]interface{}{
		"topic_id":         "Graphs",
		"difficulty":       "Medium",
		"duration_minutes": 45,
		"scheduled_for":    slot,
	}
	for _, token := range []string{aliceToken, bobToken} {
		resp := post(t, srv.URL, "/api/scheduled", token, request)
		resp.Body.Close()
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("Create failed: %d", resp.StatusCode)
		}
	}

	var n types.Notification
	if err := conn.ReadJSON(&n); err != nil {
		t.Fatalf("Expected a pushed notification: %v", err)
	}
	if n.Event != types.EventMatched || n.UserID != "alice" {
		t.Errorf("Unexpected notification: %+v", n)
	}
	if n.Payload["kind"] != types.MatchKindScheduled {
		t.Errorf("Expected a scheduled match, got %v", n.Payload["kind"])
	}
}

func TestApplication_PollingWaitMode(t *testing.T) {
	cfg := testConfig(t)
	cfg.Matching.WaitMode = config.WaitModePoll
	cfg.Matching.PollInterval = 20 * time.Millisecond
	app := newTestApp(t, cfg)
	srv := httptest.NewServer(app.Handler())
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = app.Stop(ctx)
	})

	aliceToken, _ := app.Tokens().Issue("alice")
	bobToken, _ := app.Tokens().Issue("bob")
	join := map[string]string{"topic_id": "Stack", "difficulty": "Easy"}

	resp := post(t, srv.URL, "/api/queue/join", aliceToken, join)
	resp.Body.Close()

	done := make(chan map[string]interface{}, 1)
	go func() {
		req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/queue/wait?topic_id=Stack&timeout=3s", nil)
		req.Header.Set("Authorization", "Bearer "+aliceToken)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			done <- nil
			return
		}
		defer resp.Body.Close()
		var body map[string]interface{}
		_ = json.NewDecoder(resp.Body).Decode(&body)
		done <- body
	}()

	time.Sleep(50 * time.Millisecond)
	resp = post(t, srv.URL, "/api/queue/join", bobToken, join)
	resp.Body.Close()

	select {
	case body := <-done:
		if body == nil || body["status"] != "matched" {
			t.Errorf("Expected alice to be matched, got %v", body)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Polling wait did not return")
	}
}

func TestMaxWait(t *testing.T) {
	if got := maxWait(30 * time.Second); got != 29*time.Second {
		t.Errorf("Expected 29s, got %v", got)
	}
	if got := maxWait(time.Second); got != 500*time.Millisecond {
		t.Errorf("Expected 500ms, got %v", got)
	}
}
