package command

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/clearportx/amm-gateway/internal/ledger"
)

// ErrInvalidAuthorizerSet is returned when an envelope is built without
// required authorizers.
var ErrInvalidAuthorizerSet = errors.New("required authorizer set must not be empty")

// CommandEnvelope is a uniquely identified ledger command. Immutable once
// built; the command id doubles as the caller's idempotency key.
type CommandEnvelope struct {
	CommandID   string
	Commands    []ledger.Command
	ActAs       []string
	ReadAs      []string
	SubmittedAt time.Time
}

// NewEnvelope builds an envelope from a payload and authorizer sets. When
// commandID is empty a 128-bit random id is generated, so concurrent callers
// cannot collide. Party sets are deduplicated and copied.
func NewEnvelope(commandID string, payload []ledger.Command, actAs, readAs []string) (CommandEnvelope, error) {
	authorizers := dedupe(actAs)
	if len(authorizers) == 0 {
		return CommandEnvelope{}, ErrInvalidAuthorizerSet
	}

	if commandID == "" {
		commandID = uuid.NewString()
	}

	return CommandEnvelope{
		CommandID:   commandID,
		Commands:    append([]ledger.Command(nil), payload...),
		ActAs:       authorizers,
		ReadAs:      dedupe(readAs),
		SubmittedAt: time.Now().UTC(),
	}, nil
}

// SubmitRequest renders the envelope as a ledger submission.
func (e CommandEnvelope) SubmitRequest() ledger.SubmitRequest {
	return ledger.SubmitRequest{
		CommandID: e.CommandID,
		ActAs:     e.ActAs,
		ReadAs:    e.ReadAs,
		Commands:  e.Commands,
	}
}

// dedupe returns a copy of parties with duplicates and empties removed,
// preserving first-seen order.
func dedupe(parties []string) []string {
	if len(parties) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(parties))
	out := make([]string, 0, len(parties))
	for _, p := range parties {
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}
