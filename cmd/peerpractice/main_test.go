package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"peerpractice/internal/auth"
	"peerpractice/internal/config"
)

func TestRun_TokenCommand(t *testing.T) {
	t.Setenv(config.EnvPrefix+"AUTH_JWT_SECRET", "main-test-secret-value")
	t.Setenv(config.EnvPrefix+"AUTH_ISSUER", "peerpractice")

	var out bytes.Buffer
	if err := run([]string{"token", "alice"}, &out); err != nil {
		t.Fatalf("token command failed: %v", err)
	}

	tokens := auth.NewTokenService("main-test-secret-value", "peerpractice", time.Hour)
	user, err := tokens.Authenticate(strings.TrimSpace(out.String()))
	if err != nil {
		t.Fatalf("Printed token does not verify: %v", err)
	}
	if user != "alice" {
		t.Errorf("Expected alice, got %q", user)
	}
}

func TestRun_BadArguments(t *testing.T) {
	tests := [][]string{
		{"token"},
		{"token", "a", "b"},
		{"launch-rockets"},
	}
	for _, args := range tests {
		if err := run(args, &bytes.Buffer{}); err == nil {
			t.Errorf("Expected an error for %v", args)
		}
	}
}

func TestRun_Help(t *testing.T) {
	var out bytes.Buffer
	if err := run([]string{"help"}, &out); err != nil {
		t.Fatalf("help failed: %v", err)
	}
	if !strings.Contains(out.String(), "peerpractice token <user>") {
		t.Errorf("Unexpected usage text: %q", out.String())
	}
}
