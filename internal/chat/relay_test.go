package chat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/abrossard/dialogue/internal/llm"
	"github.com/abrossard/dialogue/internal/model"
)

// brokenPipeWriter fails every Write after the first n successful ones,
// simulating a client that disconnected mid-stream.
type brokenPipeWriter struct {
	hdr    http.Header
	body   strings.Builder
	writes int
	limit  int
}

func newBrokenPipeWriter(limit int) *brokenPipeWriter {
	return &brokenPipeWriter{hdr: make(http.Header), limit: limit}
}

func (w *brokenPipeWriter) Header() http.Header { return w.hdr }
func (w *brokenPipeWriter) WriteHeader(int)     {}
func (w *brokenPipeWriter) Flush()              {}

func (w *brokenPipeWriter) Write(p []byte) (int, error) {
	if w.writes >= w.limit {
		return 0, errors.New("write: broken pipe")
	}
	w.writes++
	w.body.Write(p)
	return len(p), nil
}

func streamOnce(t *testing.T, svc *Service, w http.ResponseWriter, convID, prompt string) error {
	t.Helper()
	turn, err := svc.StartStream(context.Background(), convID, prompt, "", 0)
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	return svc.Relay(context.Background(), w, turn, "AI communication failed")
}

func TestRelayCompleted(t *testing.T) {
	p := &scriptedProvider{
		name:   "openai",
		deltas: []string{"The ", "answer ", "is 4"},
		usage:  &llm.Usage{TotalTokens: 9},
	}
	svc, st := newTestService(t, p, Config{})
	conv := newTestConversation(t, st, model.ModeContextual)

	rec := httptest.NewRecorder()
	if err := streamOnce(t, svc, rec, conv.ID, "2+2?"); err != nil {
		t.Fatalf("Relay: %v", err)
	}

	body := rec.Body.String()
	for _, want := range []string{
		`data: {"type":"delta","content":"The "}`,
		`data: {"type":"delta","content":"answer "}`,
		`data: {"type":"delta","content":"is 4"}`,
		`data: {"type":"usage","totalTokens":9}`,
		"data: [DONE]\n\n",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("response body missing %q:\n%s", want, body)
		}
	}
	if strings.Index(body, "is 4") > strings.Index(body, "[DONE]") {
		t.Error("[DONE] emitted before the last delta")
	}

	msgs, err := st.GetMessages(conv.ID)
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[1].Content != "The answer is 4" {
		t.Errorf("persisted text = %q, want the delta concatenation", msgs[1].Content)
	}
	if msgs[1].TokenCount != 9 {
		t.Errorf("persisted token count = %d, want 9", msgs[1].TokenCount)
	}
}

// Streamed reassembly must match what the blocking path returns for the
// same scripted inputs.
func TestStreamMatchesGenerate(t *testing.T) {
	deltas := []string{"photosynthesis ", "converts ", "light ", "to ", "sugar"}

	pSync := &scriptedProvider{name: "openai", deltas: deltas}
	svcSync, stSync := newTestService(t, pSync, Config{})
	convSync := newTestConversation(t, stSync, model.ModeContextual)

	res, err := svcSync.Respond(context.Background(), convSync.ID, "explain", "", 0)
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}

	pStream := &scriptedProvider{name: "openai", deltas: deltas}
	svcStream, stStream := newTestService(t, pStream, Config{})
	convStream := newTestConversation(t, stStream, model.ModeContextual)

	rec := httptest.NewRecorder()
	if err := streamOnce(t, svcStream, rec, convStream.ID, "explain"); err != nil {
		t.Fatalf("Relay: %v", err)
	}

	msgs, err := stStream.GetMessages(convStream.ID)
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[1].Content != res.Response.Content {
		t.Errorf("streamed text %q != generated text %q", msgs[1].Content, res.Response.Content)
	}
	if msgs[1].TokenCount != res.Response.TokenCount {
		t.Errorf("streamed tokens %d != generated tokens %d", msgs[1].TokenCount, res.Response.TokenCount)
	}
}

func TestRelayErrorInBand(t *testing.T) {
	p := &scriptedProvider{
		name:     "openai",
		deltas:   []string{"partial "},
		streamMi: fmt.Errorf("%w: boom", llm.ErrUpstreamUnavailable),
	}
	svc, st := newTestService(t, p, Config{})
	conv := newTestConversation(t, st, model.ModeContextual)

	rec := httptest.NewRecorder()
	err := streamOnce(t, svc, rec, conv.ID, "hi")
	if !errors.Is(err, llm.ErrUpstreamUnavailable) {
		t.Fatalf("expected ErrUpstreamUnavailable from relay, got %v", err)
	}

	body := rec.Body.String()
	if !strings.Contains(body, `{"type":"error","message":"AI communication failed"}`) {
		t.Errorf("missing in-band error frame:\n%s", body)
	}
	if strings.Contains(body, "[DONE]") {
		t.Errorf("failed stream must not emit [DONE]:\n%s", body)
	}

	// The failed turn leaves only the prompter message.
	msgs, err := st.GetMessages(conv.ID)
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Role != model.RolePrompter {
		t.Errorf("expected only the prompter message, got %+v", msgs)
	}
}

func TestRelayClientDisconnect(t *testing.T) {
	deltas := []string{"d1 ", "d2 ", "d3 ", "d4 ", "d5"}

	t.Run("drain persists the delivered prefix", func(t *testing.T) {
		p := &scriptedProvider{name: "openai", deltas: deltas}
		svc, st := newTestService(t, p, Config{CancelPolicy: CancelDrain})
		conv := newTestConversation(t, st, model.ModeContextual)

		// The client connection dies after three delta frames.
		w := newBrokenPipeWriter(3)
		if err := streamOnce(t, svc, w, conv.ID, "go on"); err != nil {
			t.Fatalf("Relay: %v", err)
		}

		msgs, err := st.GetMessages(conv.ID)
		if err != nil {
			t.Fatalf("GetMessages: %v", err)
		}
		if len(msgs) != 2 {
			t.Fatalf("expected prompter + partial responder, got %d messages", len(msgs))
		}
		if msgs[1].Content != "d1 d2 d3 " {
			t.Errorf("persisted partial = %q, want the three delivered deltas", msgs[1].Content)
		}
	})

	t.Run("discard persists nothing", func(t *testing.T) {
		p := &scriptedProvider{name: "openai", deltas: deltas}
		svc, st := newTestService(t, p, Config{CancelPolicy: CancelDiscard})
		conv := newTestConversation(t, st, model.ModeContextual)

		w := newBrokenPipeWriter(3)
		if err := streamOnce(t, svc, w, conv.ID, "go on"); err != nil {
			t.Fatalf("Relay: %v", err)
		}

		msgs, err := st.GetMessages(conv.ID)
		if err != nil {
			t.Fatalf("GetMessages: %v", err)
		}
		if len(msgs) != 1 || msgs[0].Role != model.RolePrompter {
			t.Errorf("expected only the prompter message, got %+v", msgs)
		}
	})
}

func TestParseCancelPolicy(t *testing.T) {
	if p, err := ParseCancelPolicy("drain"); err != nil || p != CancelDrain {
		t.Errorf("ParseCancelPolicy(drain) = %v, %v", p, err)
	}
	if p, err := ParseCancelPolicy("discard"); err != nil || p != CancelDiscard {
		t.Errorf("ParseCancelPolicy(discard) = %v, %v", p, err)
	}
	if _, err := ParseCancelPolicy("keep"); err == nil {
		t.Error("ParseCancelPolicy(keep) should fail")
	}
}
