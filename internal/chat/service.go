package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/abrossard/dialogue/internal/llm"
	"github.com/abrossard/dialogue/internal/model"
	"github.com/abrossard/dialogue/internal/store"
)

// ErrInvalidFinalSelection means the submitted (prompt, response) pair does
// not match any exchange pair currently in the message log. Nothing is
// committed in that case.
var ErrInvalidFinalSelection = errors.New("selected pair is not in the conversation log")

// Config holds the generation defaults and the streaming cancellation policy.
type Config struct {
	// MaxTokens caps a response when the request does not specify one.
	MaxTokens int
	// Temperature is applied to every generation call.
	Temperature float32
	// CancelPolicy governs what happens to an in-flight provider stream
	// when the client disconnects.
	CancelPolicy CancelPolicy
}

// Service runs conversation turns. State lives in the store between
// requests; each turn is one request-scoped unit of work.
type Service struct {
	store    *store.Store
	registry *llm.Registry
	config   Config
}

// NewService creates a Service.
func NewService(st *store.Store, reg *llm.Registry, cfg Config) *Service {
	if cfg.CancelPolicy == "" {
		cfg.CancelPolicy = CancelDrain
	}
	return &Service{store: st, registry: reg, config: cfg}
}

// TurnResult is the outcome of one synchronous conversation turn.
type TurnResult struct {
	Conversation model.Conversation
	Response     model.Message
}

// prepareTurn resolves the provider and history for a turn without touching
// the message log, so rejected turns leave it unchanged.
func (s *Service) prepareTurn(convID, modelOverride string) (model.Conversation, llm.Provider, string, []model.Message, error) {
	conv, err := s.store.GetConversation(convID)
	if err != nil {
		return model.Conversation{}, nil, "", nil, err
	}
	if conv.Status == model.ConversationFinalized {
		return model.Conversation{}, nil, "", nil, fmt.Errorf("%w: %s", store.ErrConversationFinalized, convID)
	}

	modelName := conv.Model
	if modelOverride != "" {
		modelName = modelOverride
	}
	provider, err := s.registry.Lookup(modelName)
	if err != nil {
		return model.Conversation{}, nil, "", nil, err
	}

	var history []model.Message
	if conv.Mode == model.ModeContextual {
		if history, err = s.store.GetMessages(convID); err != nil {
			return model.Conversation{}, nil, "", nil, err
		}
	}
	return conv, provider, modelName, history, nil
}

func (s *Service) maxTokens(requested int) int {
	if requested > 0 {
		return requested
	}
	return s.config.MaxTokens
}

// Respond runs one blocking turn: append the prompt, call the provider,
// append the response with its usage.
func (s *Service) Respond(ctx context.Context, convID, prompt, modelOverride string, maxTokens int) (*TurnResult, error) {
	conv, provider, modelName, history, err := s.prepareTurn(convID, modelOverride)
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

	req := llm.Request{
		Model:       modelName,
		History:     history,
		Prompt:      prompt,
		MaxTokens:   s.maxTokens(maxTokens),
		Temperature: s.config.Temperature,
	}
	result, err := s.generateWithRetry(ctx, provider, req)
	if err != nil {
		slog.Error("generation failed", "conversation", convID, "model", modelName, "error", err)
		return nil, err
	}

	total := llm.ReconcileUsage(result.Usage, prompt, result.Text)
	respMsg, err := s.store.AppendResponderMessage(model.Message{
		ConversationID: convID,
		Content:        result.Text,
		Provider:       result.Provider,
	}, total)
	if err != nil {
		return nil, err
	}

	if conv, err = s.store.GetConversation(convID); err != nil {
		return nil, err
	}
	return &TurnResult{Conversation: conv, Response: respMsg}, nil
}

// generateWithRetry calls the provider, retrying once when the upstream is
// unavailable. Authentication failures are never retried.
func (s *Service) generateWithRetry(ctx context.Context, provider llm.Provider, req llm.Request) (*llm.Result, error) {
	result, err := provider.Generate(ctx, req)
	if err == nil || !errors.Is(err, llm.ErrUpstreamUnavailable) {
		return result, err
	}
	slog.Warn("upstream unavailable, retrying once", "provider", provider.Name(), "error", err)
	return provider.Generate(ctx, req)
}

// Pairs returns the exchange pairs reconstructed from a conversation's log.
func (s *Service) Pairs(convID string) (model.Conversation, []model.ExchangePair, error) {
	conv, err := s.store.GetConversation(convID)
	if err != nil {
		return model.Conversation{}, nil, err
	}
	msgs, err := s.store.GetMessages(convID)
	if err != nil {
		return model.Conversation{}, nil, err
	}
	return conv, Pairs(msgs), nil
}

// Finalize commits the chosen exchange pair as the conversation's final
// version and freezes the conversation. The transition is one-way:
//   - the pair must exist verbatim in the current log,
//   - re-finalizing with the same pair is an idempotent success,
//   - re-finalizing with a different pair is rejected,
//   - once finalized, message appends are rejected (reads still work).
func (s *Service) Finalize(ctx context.Context, convID, promptText, responseText string, maxTokens int, temperature float64) (*model.FinalVersion, error) {
	if _, err := s.store.GetConversation(convID); err != nil {
		return nil, err
	}

	existing, err := s.store.GetFinalVersion(convID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if existing.PromptText == promptText && existing.ResponseText == responseText {
			return existing, nil
		}
		return nil, fmt.Errorf("%w: %s", store.ErrConversationFinalized, convID)
	}

	msgs, err := s.store.GetMessages(convID)
	if err != nil {
		return nil, err
	}
	found := false
	for _, pair := range Pairs(msgs) {
		if pair.Prompt.Content == promptText && pair.Response.Content == responseText {
			found = true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("%w: conversation %s", ErrInvalidFinalSelection, convID)
	}

	fv, err := s.store.SetFinalVersion(model.FinalVersion{
		ConversationID: convID,
		PromptText:     promptText,
		ResponseText:   responseText,
		MaxTokens:      maxTokens,
		Temperature:    temperature,
	})
	if err != nil {
		return nil, err
	}
	slog.Info("conversation finalized", "conversation", convID)
	return &fv, nil
}

// FinalVersion returns a conversation's final version together with its
// usage snapshot. The final version is nil when none has been submitted.
func (s *Service) FinalVersion(convID string) (*model.FinalVersion, model.UsageStats, error) {
	conv, err := s.store.GetConversation(convID)
	if err != nil {
		return nil, model.UsageStats{}, err
	}
	fv, err := s.store.GetFinalVersion(convID)
	if err != nil {
		return nil, model.UsageStats{}, err
	}
	return fv, conv.Usage, nil
}
