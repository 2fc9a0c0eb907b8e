// Package integration drives the assembled service over HTTP
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"peerpractice/internal/app"
	"peerpractice/internal/config"
)

// Harness is a running application behind an httptest server
type Harness struct {
	App    *app.Application
	Server *httptest.Server

	mu     sync.Mutex
	tokens map[string]string
}

// NewHarness builds the full application on a temporary SQLite file
func NewHarness(t testing.TB, tune func(*config.Config)) *Harness {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Database.Path = filepath.Join(t.TempDir(), "integration.db")
	cfg.Database.MigrationsPath = filepath.Join("..", "..", "migrations")
	cfg.Auth.JWTSecret = "integration-test-secret"
	cfg.HTTP.MatchRateLimit = 10000
	if tune != nil {
		tune(cfg)
	}

	application, err := app.NewApplication(cfg)
	if err != nil {
		t.Fatalf("Failed to build application: %v", err)
	}
	h := &Harness{
		App:    application,
		Server: httptest.NewServer(application.Handler()),
		tokens: make(map[string]string),
	}
	t.Cleanup(func() {
		h.Server.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = application.Stop(ctx)
	})
	return h
}

func (h *Harness) token(userID string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if token, ok := h.tokens[userID]; ok {
		return token, nil
	}
	token, err := h.App.Tokens().Issue(userID)
	if err != nil {
		return "", err
	}
	h.tokens[userID] = token
	return token, nil
}

// Do sends body as JSON for userID and decodes the response into out when non-nil
func (h *Harness) Do(method, path, userID string, body, out interface{}) (int, error) {
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, h.Server.URL+path, reader)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	token, err := h.token(userID)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode %s %s: %w", method, path, err)
		}
	}
	return resp.StatusCode, nil
}

// LatencyStats records request latencies across goroutines
type LatencyStats struct {
	mu        sync.Mutex
	latencies []time.Duration
	errors    int
	max       time.Duration
}

func (s *LatencyStats) Add(latency time.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.errors++
		return
	}
	s.latencies = append(s.latencies, latency)
	if latency > s.max {
		s.max = latency
	}
}

func (s *LatencyStats) Report() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total time.Duration
	for _, l := range s.latencies {
		total += l
	}
	avg := time.Duration(0)
	if len(s.latencies) > 0 {
		avg = total / time.Duration(len(s.latencies))
	}
	return fmt.Sprintf("requests=%d errors=%d avg=%v max=%v", len(s.latencies), s.errors, avg, s.max)
}

func (s *LatencyStats) Errors() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errors
}
