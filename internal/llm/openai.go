package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIProvider adapts any OpenAI-compatible chat-completions endpoint
// (OpenAI itself, ollama, vLLM, LiteLLM) to the Provider interface.
type OpenAIProvider struct {
	api  *openai.Client
	name string
}

// NewOpenAI creates an adapter for an OpenAI-compatible endpoint. An empty
// baseURL targets the official API.
func NewOpenAI(name, baseURL, apiKey string) *OpenAIProvider {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return &OpenAIProvider{
		api:  openai.NewClientWithConfig(config),
		name: name,
	}
}

// Name implements Provider.
func (p *OpenAIProvider) Name() string { return p.name }

func (p *OpenAIProvider) chatRequest(req Request) openai.ChatCompletionRequest {
	msgs := make([]openai.ChatCompletionMessage, 0, len(req.History)+1)
	for _, m := range req.History {
		msgs = append(msgs, openai.ChatCompletionMessage{
			Role:    wireRole(m.Role),
			Content: m.Content,
		})
	}
	msgs = append(msgs, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.Prompt,
	})
	return openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    msgs,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
}

// Generate implements Provider.
func (p *OpenAIProvider) Generate(ctx context.Context, req Request) (*Result, error) {
	resp, err := p.api.CreateChatCompletion(ctx, p.chatRequest(req))
	if err != nil {
		return nil, p.translateErr(err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: empty response from %s", ErrUpstreamUnavailable, p.name)
	}
	return &Result{
		Text: resp.Choices[0].Message.Content,
		Usage: &Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
		Provider: p.name,
	}, nil
}

// Stream implements Provider.
func (p *OpenAIProvider) Stream(ctx context.Context, req Request) (<-chan Event, error) {
	chatReq := p.chatRequest(req)
	chatReq.Stream = true
	chatReq.StreamOptions = &openai.StreamOptions{IncludeUsage: true}

	stream, err := p.api.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, p.translateErr(err)
	}

	events := make(chan Event)
	go func() {
		defer close(events)
		defer stream.Close()
		for {
			chunk, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				events <- Event{Err: p.translateErr(err)}
				return
			}
			if chunk.Usage != nil {
				events <- Event{Usage: &Usage{
					PromptTokens:     chunk.Usage.PromptTokens,
					CompletionTokens: chunk.Usage.CompletionTokens,
					TotalTokens:      chunk.Usage.TotalTokens,
				}}
			}
			if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
				events <- Event{Delta: chunk.Choices[0].Delta.Content}
			}
		}
	}()
	return events, nil
}

func (p *OpenAIProvider) translateErr(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == 401 || apiErr.HTTPStatusCode == 403:
			slog.Error("provider rejected credentials", "provider", p.name)
			return fmt.Errorf("%w: %s", ErrAuthFailed, p.name)
		case apiErr.HTTPStatusCode >= 500:
			return fmt.Errorf("%w: %s returned %d", ErrUpstreamUnavailable, p.name, apiErr.HTTPStatusCode)
		}
		return fmt.Errorf("%s API error: %w", p.name, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		switch {
		case reqErr.HTTPStatusCode == 401 || reqErr.HTTPStatusCode == 403:
			return fmt.Errorf("%w: %s", ErrAuthFailed, p.name)
		case reqErr.HTTPStatusCode >= 500:
			return fmt.Errorf("%w: %s returned %d", ErrUpstreamUnavailable, p.name, reqErr.HTTPStatusCode)
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
}
