package command

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/clearportx/amm-gateway/internal/ledger"
)

func testPayload() []ledger.Command {
	return []ledger.Command{{
		Create: &ledger.CreateCommand{
			TemplateID:      "#clearportx-amm:Token.Token:Token",
			CreateArguments: json.RawMessage(`{"symbol":"ETH","amount":"100.0"}`),
		},
	}}
}

func TestNewEnvelope_RequiresAuthorizers(t *testing.T) {
	_, err := NewEnvelope("cmd-1", testPayload(), nil, nil)
	if !errors.Is(err, ErrInvalidAuthorizerSet) {
		t.Errorf("err = %v, want ErrInvalidAuthorizerSet", err)
	}

	_, err = NewEnvelope("cmd-1", testPayload(), []string{"", ""}, nil)
	if !errors.Is(err, ErrInvalidAuthorizerSet) {
		t.Errorf("err = %v for blank authorizers, want ErrInvalidAuthorizerSet", err)
	}
}

func TestNewEnvelope_KeepsCallerID(t *testing.T) {
	env, err := NewEnvelope("abc123", testPayload(), []string{"issuer::1220aa"}, nil)
	if err != nil {
		t.Fatalf("NewEnvelope() error: %v", err)
	}
	if env.CommandID != "abc123" {
		t.Errorf("CommandID = %s, want abc123", env.CommandID)
	}
	if env.SubmittedAt.IsZero() {
		t.Error("SubmittedAt should be set")
	}
}

func TestNewEnvelope_GeneratesRandomID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		env, err := NewEnvelope("", testPayload(), []string{"issuer::1220aa"}, nil)
		if err != nil {
			t.Fatalf("NewEnvelope() error: %v", err)
		}
		if env.CommandID == "" {
			t.Fatal("generated CommandID is empty")
		}
		if seen[env.CommandID] {
			t.Fatalf("duplicate generated CommandID: %s", env.CommandID)
		}
		seen[env.CommandID] = true
	}
}

func TestNewEnvelope_DeduplicatesParties(t *testing.T) {
	env, err := NewEnvelope("cmd-1", testPayload(),
		[]string{"op::1", "pool::2", "op::1"},
		[]string{"reader::3", "reader::3"})
	if err != nil {
		t.Fatalf("NewEnvelope() error: %v", err)
	}
	if len(env.ActAs) != 2 {
		t.Errorf("ActAs = %v, want 2 distinct parties", env.ActAs)
	}
	if len(env.ReadAs) != 1 {
		t.Errorf("ReadAs = %v, want 1 distinct party", env.ReadAs)
	}
}

func TestNewEnvelope_CopiesPayload(t *testing.T) {
	payload := testPayload()
	env, err := NewEnvelope("cmd-1", payload, []string{"issuer::1220aa"}, nil)
	if err != nil {
		t.Fatalf("NewEnvelope() error: %v", err)
	}

	payload[0] = ledger.Command{}
	if env.Commands[0].Create == nil {
		t.Error("envelope payload should be a copy, caller mutation leaked")
	}
}

func TestSubmitRequest(t *testing.T) {
	env, _ := NewEnvelope("cmd-1", testPayload(), []string{"op::1"}, []string{"reader::2"})
	req := env.SubmitRequest()

	if req.CommandID != "cmd-1" {
		t.Errorf("CommandID = %s, want cmd-1", req.CommandID)
	}
	if len(req.ActAs) != 1 || req.ActAs[0] != "op::1" {
		t.Errorf("ActAs = %v, want [op::1]", req.ActAs)
	}
	if len(req.Commands) != 1 {
		t.Errorf("Commands = %d, want 1", len(req.Commands))
	}
}

func TestOutcome_Terminal(t *testing.T) {
	tests := []struct {
		outcome SubmissionOutcome
		want    bool
	}{
		{Pending(), false},
		{TimedOut(), false},
		{Accepted("00aa", "u1"), true},
		{RejectedRetryable("ABORTED", "contention"), true},
		{RejectedFatal("PERMISSION_DENIED", "no auth"), true},
	}
	for _, tt := range tests {
		if got := tt.outcome.Terminal(); got != tt.want {
			t.Errorf("Terminal(%s) = %t, want %t", tt.outcome.Kind, got, tt.want)
		}
	}
}
