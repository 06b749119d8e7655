package ledger

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	"github.com/clearportx/amm-gateway/internal/auth"
	"github.com/clearportx/amm-gateway/internal/logging"
)

// =============================================================================
// Completion Stream
// =============================================================================

// CompletionHub consumes the participant's completion stream over WebSocket
// and fans completions out to per-command subscribers. Subscribers must be
// registered before the command is submitted so no completion is missed.
type CompletionHub struct {
	mu          sync.RWMutex
	url         string
	tokens      auth.TokenProvider
	log         *logging.Logger
	subscribers map[string]chan Completion
}

// NewCompletionHub creates a hub for the ledger at baseURL.
func NewCompletionHub(baseURL string, tokens auth.TokenProvider, log *logging.Logger) *CompletionHub {
	if log == nil {
		log = logging.Nop()
	}
	return &CompletionHub{
		url:         completionStreamURL(baseURL),
		tokens:      tokens,
		log:         log,
		subscribers: make(map[string]chan Completion),
	}
}

// completionStreamURL derives the WebSocket endpoint from the HTTP base URL.
func completionStreamURL(baseURL string) string {
	ws := strings.TrimRight(baseURL, "/")
	if strings.HasPrefix(ws, "https") {
		ws = "wss" + ws[5:]
	} else if strings.HasPrefix(ws, "http") {
		ws = "ws" + ws[4:]
	}
	return ws + "/v2/commands/completions"
}

// Subscribe registers interest in the completion of commandID. The returned
// cancel func must be called once the caller is done; the channel is buffered
// so delivery never blocks the read loop.
func (h *CompletionHub) Subscribe(commandID string) (<-chan Completion, func()) {
	ch := make(chan Completion, 1)

	h.mu.Lock()
	h.subscribers[commandID] = ch
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		delete(h.subscribers, commandID)
		h.mu.Unlock()
	}
	return ch, cancel
}

// Run connects to the completion stream and dispatches messages until the
// context is cancelled. Connection failures are retried with backoff.
func (h *CompletionHub) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		if err := h.connectAndRead(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			h.log.Warn(ctx, "Completion stream disconnected", map[string]interface{}{
				"error":   err.Error(),
				"backoff": backoff.String(),
			})
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

// connectAndRead dials the stream and reads until error or cancellation.
func (h *CompletionHub) connectAndRead(ctx context.Context) error {
	header := map[string][]string{}
	if h.tokens != nil {
		token, err := h.tokens.Token(ctx)
		if err != nil {
			return fmt.Errorf("obtain bearer credential: %w", err)
		}
		header["Authorization"] = []string{"Bearer " + token}
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, h.url, header)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}

	defer conn.Close()

	// Close the connection when the context is cancelled, unblocking ReadMessage.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	h.log.Info(ctx, "Completion stream connected", map[string]interface{}{"url": h.url})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read completion: %w", err)
		}
		h.handleMessage(message)
	}
}

// handleMessage parses a completion message and dispatches it.
func (h *CompletionHub) handleMessage(message []byte) {
	commandID := gjson.GetBytes(message, "completion.commandId").String()
	if commandID == "" {
		commandID = gjson.GetBytes(message, "commandId").String()
	}
	if commandID == "" {
		// checkpoint or heartbeat message
		return
	}

	comp := Completion{
		CommandID: commandID,
		Status: CompletionStatus{
			Code:    CodeOK,
			Message: gjson.GetBytes(message, "completion.status.message").String(),
		},
		UpdateID: gjson.GetBytes(message, "completion.updateId").String(),
	}
	if code := gjson.GetBytes(message, "completion.status.code").String(); code != "" {
		comp.Status.Code = code
	} else if code := gjson.GetBytes(message, "status.code").String(); code != "" {
		comp.Status.Code = code
	}
	if comp.UpdateID == "" {
		comp.UpdateID = gjson.GetBytes(message, "updateId").String()
	}

	// Contract id of the created contract, when the participant includes the
	// create event inline.
	if cid := gjson.GetBytes(message, "completion.contractId").String(); cid != "" {
		comp.ContractID = cid
	} else if cid := gjson.GetBytes(message, "events.0.created.contractId").String(); cid != "" {
		comp.ContractID = cid
	}

	h.dispatch(comp)
}

// dispatch delivers a completion to its subscriber, if any.
func (h *CompletionHub) dispatch(comp Completion) {
	h.mu.RLock()
	ch, ok := h.subscribers[comp.CommandID]
	h.mu.RUnlock()
	if !ok {
		return
	}

	select {
	case ch <- comp:
	default:
		// Buffered channel already holds a completion; first one wins.
	}
}
