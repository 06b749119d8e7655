package command

import (
	"context"
	"encoding/json"
	"testing"
)

func TestFingerprint_StableAcrossKeyOrder(t *testing.T) {
	a := Fingerprint("#pkg:Token.Token:Token", json.RawMessage(`{"symbol":"ETH","amount":"100.0"}`))
	b := Fingerprint("#pkg:Token.Token:Token", json.RawMessage(`{"amount":"100.0","symbol":"ETH"}`))
	if a != b {
		t.Errorf("fingerprints differ across key order: %s vs %s", a, b)
	}
}

func TestFingerprint_DistinguishesPayloads(t *testing.T) {
	a := Fingerprint("#pkg:Token.Token:Token", json.RawMessage(`{"symbol":"ETH","amount":"100.0"}`))
	b := Fingerprint("#pkg:Token.Token:Token", json.RawMessage(`{"symbol":"ETH","amount":"200.0"}`))
	if a == b {
		t.Error("different payloads produced the same fingerprint")
	}
}

func TestFingerprint_DistinguishesTemplates(t *testing.T) {
	payload := json.RawMessage(`{"symbol":"ETH"}`)
	a := Fingerprint("#pkg:Token.Token:Token", payload)
	b := Fingerprint("#pkg:AMM.Pool:Pool", payload)
	if a == b {
		t.Error("different templates produced the same fingerprint")
	}
}

func TestMemoryTracker_SetFingerprint(t *testing.T) {
	tracker := NewMemoryTracker(0, nil)
	ctx := context.Background()

	_, _ = tracker.Register(ctx, "cmd-1")
	if err := tracker.SetFingerprint(ctx, "cmd-1", "fp-1"); err != nil {
		t.Fatalf("SetFingerprint() error: %v", err)
	}

	rec, _, _ := tracker.Get(ctx, "cmd-1")
	if rec.Fingerprint != "fp-1" {
		t.Errorf("Fingerprint = %s, want fp-1", rec.Fingerprint)
	}

	if err := tracker.SetFingerprint(ctx, "ghost", "fp-2"); err == nil {
		t.Error("SetFingerprint for unknown id should fail")
	}
}
