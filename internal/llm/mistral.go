package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// MistralProvider speaks the Mistral chat-completions API directly over
// HTTP. The wire format mirrors the OpenAI one closely enough that the
// request/response structs below cover both the sync and streamed paths.
type MistralProvider struct {
	baseURL    string
	apiKey     string
	name       string
	httpClient *http.Client
}

// NewMistral creates a Mistral adapter.
func NewMistral(name, baseURL, apiKey string, timeout time.Duration) *MistralProvider {
	return &MistralProvider{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
		name:       name,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Name implements Provider.
func (p *MistralProvider) Name() string { return p.name }

type mistralMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type mistralRequest struct {
	Model       string           `json:"model"`
	Messages    []mistralMessage `json:"messages"`
	Temperature float32          `json:"temperature,omitempty"`
	MaxTokens   int              `json:"max_tokens,omitempty"`
	Stream      bool             `json:"stream,omitempty"`
}

type mistralUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type mistralChoice struct {
	Index        int             `json:"index"`
	Message      *mistralMessage `json:"message,omitempty"`
	Delta        *mistralMessage `json:"delta,omitempty"`
	FinishReason string          `json:"finish_reason,omitempty"`
}

type mistralResponse struct {
	ID      string          `json:"id"`
	Model   string          `json:"model"`
	Choices []mistralChoice `json:"choices"`
	Usage   *mistralUsage   `json:"usage,omitempty"`
}

type mistralErrorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

func (p *MistralProvider) buildRequest(req Request, stream bool) mistralRequest {
	msgs := make([]mistralMessage, 0, len(req.History)+1)
	for _, m := range req.History {
		msgs = append(msgs, mistralMessage{Role: wireRole(m.Role), Content: m.Content})
	}
	msgs = append(msgs, mistralMessage{Role: "user", Content: req.Prompt})
	return mistralRequest{
		Model:       req.Model,
		Messages:    msgs,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      stream,
	}
}

func (p *MistralProvider) post(ctx context.Context, body mistralRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(resp.Body)
		return nil, p.statusErr(resp.StatusCode, raw)
	}
	return resp, nil
}

func (p *MistralProvider) statusErr(status int, body []byte) error {
	var errBody mistralErrorBody
	msg := strings.TrimSpace(string(body))
	if err := json.Unmarshal(body, &errBody); err == nil && errBody.Message != "" {
		msg = errBody.Message
	}
	switch {
	case status == 401 || status == 403:
		return fmt.Errorf("%w: %s", ErrAuthFailed, p.name)
	case status >= 500:
		return fmt.Errorf("%w: %s returned %d: %s", ErrUpstreamUnavailable, p.name, status, msg)
	default:
		return fmt.Errorf("%s API error [%d]: %s", p.name, status, msg)
	}
}

// Generate implements Provider.
func (p *MistralProvider) Generate(ctx context.Context, req Request) (*Result, error) {
	resp, err := p.post(ctx, p.buildRequest(req, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var result mistralResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrUpstreamUnavailable, err)
	}
	if len(result.Choices) == 0 || result.Choices[0].Message == nil {
		return nil, fmt.Errorf("%w: empty response from %s", ErrUpstreamUnavailable, p.name)
	}

	out := &Result{Text: result.Choices[0].Message.Content, Provider: p.name}
	if result.Usage != nil {
		out.Usage = &Usage{
			PromptTokens:     result.Usage.PromptTokens,
			CompletionTokens: result.Usage.CompletionTokens,
			TotalTokens:      result.Usage.TotalTokens,
		}
	}
	return out, nil
}

// Stream implements Provider. Deltas are parsed from the SSE body; the
// final usage chunk arrives before the [DONE] sentinel.
func (p *MistralProvider) Stream(ctx context.Context, req Request) (<-chan Event, error) {
	resp, err := p.post(ctx, p.buildRequest(req, true))
	if err != nil {
		return nil, err
	}

	events := make(chan Event)
	go func() {
		defer close(events)
		defer resp.Body.Close()

		reader := bufio.NewReader(resp.Body)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if !errors.Is(err, io.EOF) {
					events <- Event{Err: fmt.Errorf("%w: read stream: %v", ErrUpstreamUnavailable, err)}
				}
				return
			}
			line = strings.TrimSpace(line)
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := strings.TrimPrefix(line, "data: ")
			if data == "[DONE]" {
				return
			}

			var chunk mistralResponse
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				// Skip malformed chunks.
				continue
			}
			if chunk.Usage != nil {
				events <- Event{Usage: &Usage{
					PromptTokens:     chunk.Usage.PromptTokens,
					CompletionTokens: chunk.Usage.CompletionTokens,
					TotalTokens:      chunk.Usage.TotalTokens,
				}}
			}
			if len(chunk.Choices) > 0 && chunk.Choices[0].Delta != nil && chunk.Choices[0].Delta.Content != "" {
				events <- Event{Delta: chunk.Choices[0].Delta.Content}
			}
		}
	}()
	return events, nil
}
