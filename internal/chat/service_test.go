package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/abrossard/dialogue/internal/llm"
	"github.com/abrossard/dialogue/internal/model"
	"github.com/abrossard/dialogue/internal/store"
)

// scriptedProvider plays back a fixed response, optionally failing the
// first N Generate calls, and streams the same text as deltas.
type scriptedProvider struct {
	name     string
	deltas   []string
	usage    *llm.Usage
	failN    int
	calls    int
	lastReq  llm.Request
	streamMi error // mid-stream error emitted after the deltas
}

func (p *scriptedProvider) Name() string { return p.name }

func (p *scriptedProvider) text() string { return strings.Join(p.deltas, "") }

func (p *scriptedProvider) Generate(_ context.Context, req llm.Request) (*llm.Result, error) {
	p.calls++
	p.lastReq = req
	if p.calls <= p.failN {
		return nil, fmt.Errorf("%w: scripted failure", llm.ErrUpstreamUnavailable)
	}
	return &llm.Result{Text: p.text(), Usage: p.usage, Provider: p.name}, nil
}

func (p *scriptedProvider) Stream(_ context.Context, req llm.Request) (<-chan llm.Event, error) {
	p.calls++
	p.lastReq = req
	ch := make(chan llm.Event)
	go func() {
		defer close(ch)
		for _, d := range p.deltas {
			ch <- llm.Event{Delta: d}
		}
		if p.streamMi != nil {
			ch <- llm.Event{Err: p.streamMi}
			return
		}
		if p.usage != nil {
			ch <- llm.Event{Usage: p.usage}
		}
	}()
	return ch, nil
}

func newTestService(t *testing.T, p llm.Provider, cfg Config) (*Service, *store.Store) {
	t.Helper()
	st, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	reg := llm.NewRegistry()
	if p != nil {
		reg.Register("gpt-test", p)
	}
	return NewService(st, reg, cfg), st
}

func newTestConversation(t *testing.T, st *store.Store, mode model.PromptMode) model.Conversation {
	t.Helper()
	conv, err := st.CreateConversation(model.Conversation{
		StudentID: 1,
		Model:     "gpt-test",
		Mode:      mode,
		Title:     "homework",
	})
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	return conv
}

func TestRespond(t *testing.T) {
	p := &scriptedProvider{
		name:   "openai",
		deltas: []string{"4"},
		usage:  &llm.Usage{PromptTokens: 3, CompletionTokens: 1, TotalTokens: 4},
	}
	svc, st := newTestService(t, p, Config{})
	conv := newTestConversation(t, st, model.ModeContextual)

	res, err := svc.Respond(context.Background(), conv.ID, "2+2?", "", 0)
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if res.Response.Content != "4" {
		t.Errorf("response content = %q, want 4", res.Response.Content)
	}
	if res.Response.Role != model.RoleResponder {
		t.Errorf("response role = %q", res.Response.Role)
	}
	if res.Response.Provider != "openai" {
		t.Errorf("response provider = %q, want openai", res.Response.Provider)
	}
	if res.Conversation.Usage.TotalTokens != 4 {
		t.Errorf("usage total = %d, want 4", res.Conversation.Usage.TotalTokens)
	}
	if res.Conversation.Usage.Provider != "openai" {
		t.Errorf("usage provider = %q, want openai", res.Conversation.Usage.Provider)
	}

	msgs, err := st.GetMessages(conv.ID)
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Role != model.RolePrompter || msgs[0].Content != "2+2?" {
		t.Errorf("first message = %+v", msgs[0])
	}
	if msgs[1].Role != model.RoleResponder || msgs[1].TokenCount != 4 {
		t.Errorf("second message = %+v", msgs[1])
	}
}

func TestRespondUnsupportedModelLeavesLogUntouched(t *testing.T) {
	svc, st := newTestService(t, &scriptedProvider{name: "openai", deltas: []string{"x"}}, Config{})
	conv := newTestConversation(t, st, model.ModeContextual)

	_, err := svc.Respond(context.Background(), conv.ID, "hi", "claude", 0)
	if !errors.Is(err, llm.ErrUnsupportedModel) {
		t.Fatalf("expected ErrUnsupportedModel, got %v", err)
	}

	msgs, err := st.GetMessages(conv.ID)
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("log should be unchanged, has %d messages", len(msgs))
	}
}

func TestRespondUnknownConversation(t *testing.T) {
	svc, _ := newTestService(t, &scriptedProvider{name: "openai"}, Config{})
	_, err := svc.Respond(context.Background(), "no-such-id", "hi", "", 0)
	if !errors.Is(err, store.ErrConversationNotFound) {
		t.Fatalf("expected ErrConversationNotFound, got %v", err)
	}
}

func TestRespondRetriesUpstreamOnce(t *testing.T) {
	p := &scriptedProvider{name: "openai", deltas: []string{"ok"}, failN: 1}
	svc, st := newTestService(t, p, Config{})
	conv := newTestConversation(t, st, model.ModeContextual)

	res, err := svc.Respond(context.Background(), conv.ID, "hi", "", 0)
	if err != nil {
		t.Fatalf("Respond should succeed after one retry: %v", err)
	}
	if p.calls != 2 {
		t.Errorf("expected 2 provider calls, got %d", p.calls)
	}
	if res.Response.Content != "ok" {
		t.Errorf("response = %q", res.Response.Content)
	}
}

func TestRespondGivesUpAfterSecondFailure(t *testing.T) {
	p := &scriptedProvider{name: "openai", deltas: []string{"never"}, failN: 2}
	svc, st := newTestService(t, p, Config{})
	conv := newTestConversation(t, st, model.ModeContextual)

	_, err := svc.Respond(context.Background(), conv.ID, "hi", "", 0)
	if !errors.Is(err, llm.ErrUpstreamUnavailable) {
		t.Fatalf("expected ErrUpstreamUnavailable, got %v", err)
	}
	if p.calls != 2 {
		t.Errorf("expected exactly 2 provider calls, got %d", p.calls)
	}
}

func TestRespondEstimatesUsageWhenUnreported(t *testing.T) {
	// Prompt "12345678" (2 tokens) + response "1234" (1 token).
	p := &scriptedProvider{name: "openai", deltas: []string{"1234"}}
	svc, st := newTestService(t, p, Config{})
	conv := newTestConversation(t, st, model.ModeContextual)

	res, err := svc.Respond(context.Background(), conv.ID, "12345678", "", 0)
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if res.Response.TokenCount != 3 {
		t.Errorf("token count = %d, want estimated 3", res.Response.TokenCount)
	}
	if res.Conversation.Usage.TotalTokens != 3 {
		t.Errorf("usage total = %d, want 3", res.Conversation.Usage.TotalTokens)
	}
}

func TestRespondHistoryByMode(t *testing.T) {
	t.Run("contextual sends the full log", func(t *testing.T) {
		p := &scriptedProvider{name: "openai", deltas: []string{"a"}}
		svc, st := newTestService(t, p, Config{})
		conv := newTestConversation(t, st, model.ModeContextual)

		if _, err := svc.Respond(context.Background(), conv.ID, "q1", "", 0); err != nil {
			t.Fatalf("Respond: %v", err)
		}
		if _, err := svc.Respond(context.Background(), conv.ID, "q2", "", 0); err != nil {
			t.Fatalf("Respond: %v", err)
		}
		// Second turn carries the first exchange as history.
		if len(p.lastReq.History) != 2 {
			t.Errorf("history length = %d, want 2", len(p.lastReq.History))
		}
	})

	t.Run("one-shot sends no history", func(t *testing.T) {
		p := &scriptedProvider{name: "openai", deltas: []string{"a"}}
		svc, st := newTestService(t, p, Config{})
		conv := newTestConversation(t, st, model.ModeOneShot)

		if _, err := svc.Respond(context.Background(), conv.ID, "q1", "", 0); err != nil {
			t.Fatalf("Respond: %v", err)
		}
		if _, err := svc.Respond(context.Background(), conv.ID, "q2", "", 0); err != nil {
			t.Fatalf("Respond: %v", err)
		}
		if len(p.lastReq.History) != 0 {
			t.Errorf("history length = %d, want 0", len(p.lastReq.History))
		}
	})
}

func TestFinalize(t *testing.T) {
	p := &scriptedProvider{name: "openai", deltas: []string{"4"}}
	svc, st := newTestService(t, p, Config{})
	conv := newTestConversation(t, st, model.ModeContextual)

	if _, err := svc.Respond(context.Background(), conv.ID, "2+2?", "", 0); err != nil {
		t.Fatalf("Respond: %v", err)
	}

	fv, err := svc.Finalize(context.Background(), conv.ID, "2+2?", "4", 256, 0.7)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if fv.PromptText != "2+2?" || fv.ResponseText != "4" {
		t.Errorf("final version = %+v", fv)
	}
	if fv.MaxTokens != 256 || fv.Temperature != 0.7 {
		t.Errorf("generation parameters not recorded: %+v", fv)
	}

	got, usage, err := svc.FinalVersion(conv.ID)
	if err != nil {
		t.Fatalf("FinalVersion: %v", err)
	}
	if got == nil || got.PromptText != "2+2?" || got.ResponseText != "4" {
		t.Errorf("stored final version = %+v", got)
	}
	if usage.Provider != "openai" {
		t.Errorf("usage snapshot provider = %q, want openai", usage.Provider)
	}

	// The conversation is frozen: no further appends.
	_, err = svc.Respond(context.Background(), conv.ID, "again?", "", 0)
	if !errors.Is(err, store.ErrConversationFinalized) {
		t.Fatalf("expected ErrConversationFinalized on append, got %v", err)
	}
}

func TestFinalizeIdempotentForSamePair(t *testing.T) {
	p := &scriptedProvider{name: "openai", deltas: []string{"4"}}
	svc, st := newTestService(t, p, Config{})
	conv := newTestConversation(t, st, model.ModeContextual)

	if _, err := svc.Respond(context.Background(), conv.ID, "2+2?", "", 0); err != nil {
		t.Fatalf("Respond: %v", err)
	}

	first, err := svc.Finalize(context.Background(), conv.ID, "2+2?", "4", 0, 0)
	if err != nil {
		t.Fatalf("first Finalize: %v", err)
	}
	second, err := svc.Finalize(context.Background(), conv.ID, "2+2?", "4", 0, 0)
	if err != nil {
		t.Fatalf("second Finalize with same pair: %v", err)
	}
	if first.PromptText != second.PromptText || first.ResponseText != second.ResponseText {
		t.Errorf("re-finalizing the same pair changed the record: %+v vs %+v", first, second)
	}
}

func TestFinalizeRejectsDifferentPairOnceFinalized(t *testing.T) {
	p := &scriptedProvider{name: "openai", deltas: []string{"a"}}
	svc, st := newTestService(t, p, Config{})
	conv := newTestConversation(t, st, model.ModeContextual)

	if _, err := svc.Respond(context.Background(), conv.ID, "q1", "", 0); err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if _, err := svc.Finalize(context.Background(), conv.ID, "q1", "a", 0, 0); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	_, err := svc.Finalize(context.Background(), conv.ID, "other", "pair", 0, 0)
	if !errors.Is(err, store.ErrConversationFinalized) {
		t.Fatalf("expected ErrConversationFinalized, got %v", err)
	}
}

func TestFinalizeRejectsPairNotInLog(t *testing.T) {
	p := &scriptedProvider{name: "openai", deltas: []string{"4"}}
	svc, st := newTestService(t, p, Config{})
	conv := newTestConversation(t, st, model.ModeContextual)

	if _, err := svc.Respond(context.Background(), conv.ID, "2+2?", "", 0); err != nil {
		t.Fatalf("Respond: %v", err)
	}

	_, err := svc.Finalize(context.Background(), conv.ID, "2+2?", "5", 0, 0)
	if !errors.Is(err, ErrInvalidFinalSelection) {
		t.Fatalf("expected ErrInvalidFinalSelection, got %v", err)
	}

	// Nothing was committed.
	fv, err := st.GetFinalVersion(conv.ID)
	if err != nil {
		t.Fatalf("GetFinalVersion: %v", err)
	}
	if fv != nil {
		t.Errorf("final version should not exist, got %+v", fv)
	}
	got, err := st.GetConversation(conv.ID)
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if got.Status != model.ConversationOpen {
		t.Errorf("conversation status = %q, want open", got.Status)
	}
}

func TestServicePairs(t *testing.T) {
	p := &scriptedProvider{name: "openai", deltas: []string{"c"}}
	svc, st := newTestService(t, p, Config{})
	conv := newTestConversation(t, st, model.ModeContextual)

	// Build the log [prompter "a", prompter "b", responder "c"] directly:
	// the double prompt comes from an aborted earlier turn.
	if _, err := st.AppendMessage(model.Message{ConversationID: conv.ID, Role: "student", Content: "a"}); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	if _, err := svc.Respond(context.Background(), conv.ID, "b", "", 0); err != nil {
		t.Fatalf("Respond: %v", err)
	}

	_, pairs, err := svc.Pairs(conv.ID)
	if err != nil {
		t.Fatalf("Pairs: %v", err)
	}
	if len(pairs) != 1 {
		t.Fatalf("expected 1 pair, got %d", len(pairs))
	}
	if pairs[0].Prompt.Content != "b" || pairs[0].Response.Content != "c" {
		t.Errorf("pair = (%q, %q), want (b, c)", pairs[0].Prompt.Content, pairs[0].Response.Content)
	}
}
