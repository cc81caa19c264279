package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/abrossard/dialogue/internal/llm"
	"github.com/abrossard/dialogue/internal/model"
)

// CancelPolicy names what happens to an in-flight provider stream when the
// client disconnects mid-relay.
type CancelPolicy string

const (
	// CancelDrain keeps consuming the provider stream after the client is
	// gone and persists the text delivered up to the disconnect, so the
	// billed call still leaves a record.
	CancelDrain CancelPolicy = "drain"
	// CancelDiscard aborts the upstream call and persists nothing.
	CancelDiscard CancelPolicy = "discard"
)

// ParseCancelPolicy validates a configured policy name.
func ParseCancelPolicy(raw string) (CancelPolicy, error) {
	switch CancelPolicy(raw) {
	case CancelDrain, CancelDiscard:
		return CancelPolicy(raw), nil
	default:
		return "", fmt.Errorf("unknown cancel policy %q (want drain or discard)", raw)
	}
}

// relayState tracks one streamed request: open -> relaying -> terminal.
type relayState string

const (
	relayOpen      relayState = "open"
	relayRelaying  relayState = "relaying"
	relayCompleted relayState = "completed"
	relayFailed    relayState = "failed"
	relayCancelled relayState = "cancelled"
)

// sseEvent is one wire-protocol frame, serialized as `data: <json>`.
type sseEvent struct {
	Type        string `json:"type"`
	Content     string `json:"content,omitempty"`
	TotalTokens int    `json:"totalTokens,omitempty"`
	Message     string `json:"message,omitempty"`
}

// StreamTurn is a started streamed turn: the prompt is already appended and
// the provider subscription is live.
type StreamTurn struct {
	conversationID string
	prompt         string
	provider       string
	events         <-chan llm.Event
	cancel         context.CancelFunc
	policy         CancelPolicy
}

// StartStream begins a streamed turn. The prompter message is appended and
// the provider stream opened; errors here arrive before any response bytes,
// so the handler can still answer with a plain HTTP status.
func (s *Service) StartStream(ctx context.Context, convID, prompt, modelOverride string, maxTokens int) (*StreamTurn, error) {
	_, provider, modelName, history, err := s.prepareTurn(convID, modelOverride)
	if err != nil {
		return nil, err
	}

	if _, err := s.store.AppendMessage(model.Message{
		ConversationID: convID,
		Role:           model.RolePrompter,
		Content:        prompt,
	}); err != nil {
		return nil, err
	}

	// Under the drain policy the upstream call must outlive the client
	// connection, so it runs on a context detached from the request.
	var upstream context.Context
	var cancel context.CancelFunc
	if s.config.CancelPolicy == CancelDrain {
		upstream, cancel = context.WithCancel(context.WithoutCancel(ctx))
	} else {
		upstream, cancel = context.WithCancel(ctx)
	}

	events, err := provider.Stream(upstream, llm.Request{
		Model:       modelName,
		History:     history,
		Prompt:      prompt,
		MaxTokens:   s.maxTokens(maxTokens),
		Temperature: s.config.Temperature,
	})
	if err != nil {
		cancel()
		return nil, err
	}

	return &StreamTurn{
		conversationID: convID,
		prompt:         prompt,
		provider:       provider.Name(),
		events:         events,
		cancel:         cancel,
		policy:         s.config.CancelPolicy,
	}, nil
}

// Relay pumps a started turn to the client as a text event-stream and
// persists the reassembled response as one responder message. failMessage
// is the user-facing text for in-band error frames; provider details never
// reach the client. ctx is the client connection's context.
func (s *Service) Relay(ctx context.Context, w http.ResponseWriter, turn *StreamTurn, failMessage string) error {
	defer turn.cancel()

	flusher, _ := w.(http.Flusher)
	state := relayOpen

	var sb strings.Builder
	var usage *llm.Usage
	var streamErr error
	clientGone := false

	writeFrame := func(ev sseEvent) {
		if clientGone {
			return
		}
		data, err := json.Marshal(ev)
		if err != nil {
			slog.Error("marshal stream frame", "error", err)
			return
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			clientGone = true
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}

	state = relayRelaying
	done := ctx.Done()
	for turn.events != nil {
		select {
		case ev, ok := <-turn.events:
			if !ok {
				turn.events = nil
				continue
			}
			switch {
			case ev.Err != nil:
				if clientGone && (errors.Is(ev.Err, context.Canceled) || errors.Is(ev.Err, context.DeadlineExceeded)) {
					// Our own cancellation surfacing back; not a failure.
					continue
				}
				streamErr = ev.Err
				writeFrame(sseEvent{Type: "error", Message: failMessage})
			case ev.Usage != nil:
				usage = ev.Usage
				writeFrame(sseEvent{Type: "usage", TotalTokens: ev.Usage.TotalTokens})
			case ev.Delta != "":
				// Deltas after a disconnect are drained for accounting but
				// are not part of what was delivered.
				if clientGone {
					continue
				}
				writeFrame(sseEvent{Type: "delta", Content: ev.Delta})
				if !clientGone {
					sb.WriteString(ev.Delta)
				} else if turn.policy == CancelDiscard {
					turn.cancel()
				}
			}
		case <-done:
			clientGone = true
			done = nil
			if turn.policy == CancelDiscard {
				turn.cancel()
			}
		}
	}

	switch {
	case streamErr != nil:
		// In-band terminal error, no [DONE], nothing persisted.
		state = relayFailed
		slog.Error("stream relay failed", "conversation", turn.conversationID, "state", state, "error", streamErr)
		return streamErr
	case clientGone && turn.policy == CancelDiscard:
		state = relayCancelled
		slog.Info("stream cancelled, response discarded", "conversation", turn.conversationID, "state", state)
		return nil
	}

	total := llm.ReconcileUsage(usage, turn.prompt, sb.String())
	if _, err := s.store.AppendResponderMessage(model.Message{
		ConversationID: turn.conversationID,
		Content:        sb.String(),
		Provider:       turn.provider,
	}, total); err != nil {
		slog.Error("persist streamed response", "conversation", turn.conversationID, "error", err)
		writeFrame(sseEvent{Type: "error", Message: failMessage})
		return err
	}

	if clientGone {
		state = relayCancelled
		slog.Info("stream cancelled, partial response persisted", "conversation", turn.conversationID, "state", state)
		return nil
	}

	if usage == nil {
		writeFrame(sseEvent{Type: "usage", TotalTokens: total})
	}
	if _, err := fmt.Fprint(w, "data: [DONE]\n\n"); err == nil && flusher != nil {
		flusher.Flush()
	}
	state = relayCompleted
	slog.Debug("stream relay done", "conversation", turn.conversationID, "state", state, "tokens", total)
	return nil
}
