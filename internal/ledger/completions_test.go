package ledger

import (
	"testing"
	"time"
)

func TestCompletionStreamURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"http://localhost:7575", "ws://localhost:7575/v2/commands/completions"},
		{"https://ledger.example.com/", "wss://ledger.example.com/v2/commands/completions"},
	}
	for _, tt := range tests {
		if got := completionStreamURL(tt.in); got != tt.want {
			t.Errorf("completionStreamURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestCompletionHub_SubscribeAndDispatch(t *testing.T) {
	hub := NewCompletionHub("http://localhost:7575", nil, nil)

	ch, cancel := hub.Subscribe("cmd-1")
	defer cancel()

	hub.dispatch(Completion{CommandID: "cmd-1", Status: CompletionStatus{Code: CodeOK}, UpdateID: "u1"})

	select {
	case comp := <-ch:
		if comp.UpdateID != "u1" {
			t.Errorf("UpdateID = %s, want u1", comp.UpdateID)
		}
		if !comp.OK() {
			t.Error("completion should be OK")
		}
	case <-time.After(time.Second):
		t.Fatal("no completion delivered")
	}
}

func TestCompletionHub_DispatchWithoutSubscriberIsDropped(t *testing.T) {
	hub := NewCompletionHub("http://localhost:7575", nil, nil)
	// Must not panic or block.
	hub.dispatch(Completion{CommandID: "nobody-listens"})
}

func TestCompletionHub_CancelUnsubscribes(t *testing.T) {
	hub := NewCompletionHub("http://localhost:7575", nil, nil)

	ch, cancel := hub.Subscribe("cmd-2")
	cancel()

	hub.dispatch(Completion{CommandID: "cmd-2"})

	select {
	case <-ch:
		t.Error("cancelled subscriber should not receive completions")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCompletionHub_HandleMessage_OK(t *testing.T) {
	hub := NewCompletionHub("http://localhost:7575", nil, nil)
	ch, cancel := hub.Subscribe("abc123")
	defer cancel()

	hub.handleMessage([]byte(`{
		"completion": {
			"commandId": "abc123",
			"status": {"code": "OK"},
			"updateId": "1220aaff",
			"contractId": "00deadbeef"
		}
	}`))

	select {
	case comp := <-ch:
		if comp.Status.Code != CodeOK {
			t.Errorf("code = %s, want OK", comp.Status.Code)
		}
		if comp.ContractID != "00deadbeef" {
			t.Errorf("ContractID = %s, want 00deadbeef", comp.ContractID)
		}
		if comp.UpdateID != "1220aaff" {
			t.Errorf("UpdateID = %s, want 1220aaff", comp.UpdateID)
		}
	case <-time.After(time.Second):
		t.Fatal("no completion delivered")
	}
}

func TestCompletionHub_HandleMessage_Rejection(t *testing.T) {
	hub := NewCompletionHub("http://localhost:7575", nil, nil)
	ch, cancel := hub.Subscribe("cmd-reject")
	defer cancel()

	hub.handleMessage([]byte(`{
		"completion": {
			"commandId": "cmd-reject",
			"status": {"code": "ABORTED", "message": "lock contention on contract key"}
		}
	}`))

	select {
	case comp := <-ch:
		if comp.OK() {
			t.Error("rejected completion should not be OK")
		}
		if comp.Status.Code != CodeAborted {
			t.Errorf("code = %s, want ABORTED", comp.Status.Code)
		}
		if comp.Status.Message == "" {
			t.Error("rejection message should be preserved")
		}
	case <-time.After(time.Second):
		t.Fatal("no completion delivered")
	}
}

func TestCompletionHub_HandleMessage_IgnoresCheckpoints(t *testing.T) {
	hub := NewCompletionHub("http://localhost:7575", nil, nil)
	// No commandId anywhere: heartbeat/checkpoint, must be ignored.
	hub.handleMessage([]byte(`{"checkpoint": {"offset": "42"}}`))
}

func TestCompletionHub_FirstCompletionWins(t *testing.T) {
	hub := NewCompletionHub("http://localhost:7575", nil, nil)
	ch, cancel := hub.Subscribe("cmd-dup")
	defer cancel()

	hub.dispatch(Completion{CommandID: "cmd-dup", UpdateID: "first"})
	hub.dispatch(Completion{CommandID: "cmd-dup", UpdateID: "second"})

	comp := <-ch
	if comp.UpdateID != "first" {
		t.Errorf("UpdateID = %s, want first", comp.UpdateID)
	}
}
