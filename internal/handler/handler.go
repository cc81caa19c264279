package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/abrossard/dialogue/internal/chat"
	appI18n "github.com/abrossard/dialogue/internal/i18n"
	"github.com/abrossard/dialogue/internal/llm"
	"github.com/abrossard/dialogue/internal/model"
	"github.com/abrossard/dialogue/internal/store"
)

// Config holds handler-level settings.
type Config struct {
	SecureCookies bool
}

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	store  *store.Store
	chat   *chat.Service
	config Config
}

// New creates a new Handler.
func New(s *store.Store, svc *chat.Service, cfg Config) *Handler {
	return &Handler{store: s, chat: svc, config: cfg}
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/login", h.handleLogin)
	r.Post("/logout", h.handleLogout)

	r.Group(func(r chi.Router) {
		r.Use(h.requireAuth)
		r.Route("/conversations", func(r chi.Router) {
			r.Post("/", h.handleCreateConversation)
			r.Get("/", h.handleListConversations)
			r.Route("/{conversationID}", func(r chi.Router) {
				r.Get("/", h.handleGetConversation)
				r.Delete("/", h.handleDeleteConversation)
				r.Get("/messages", h.handleGetMessages)
				r.Get("/pairs", h.handleGetPairs)
				r.Post("/ai-response", h.handleAIResponse)
				r.Patch("/final", h.handleSetFinal)
				r.Get("/final", h.handleGetFinal)
			})
		})
		r.With(requireRole(model.UserRoleExaminer, model.UserRoleAdmin)).
			Get("/export", h.handleExport)
	})
}

// handleExport dumps every finalized conversation's graded submission.
func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	subs, err := h.store.ExportFinalVersions()
	if err != nil {
		serviceError(w, r, err)
		return
	}
	if subs == nil {
		subs = []model.StudentSubmission{}
	}
	writeJSON(w, http.StatusOK, subs)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

// writeError responds with a localized error message. msgID is a locale
// key, never an internal error string.
func writeError(w http.ResponseWriter, r *http.Request, status int, msgID string) {
	writeJSON(w, status, map[string]string{"error": appI18n.T(r.Context(), msgID)})
}

// serviceError maps a chat/store error to an HTTP status and locale key.
// Provider and credential details never reach the client.
func serviceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, llm.ErrUnsupportedModel):
		writeError(w, r, http.StatusBadRequest, "UnsupportedModel")
	case errors.Is(err, llm.ErrAuthFailed), errors.Is(err, llm.ErrUpstreamUnavailable):
		writeError(w, r, http.StatusBadGateway, "AIError")
	case errors.Is(err, store.ErrConversationNotFound):
		writeError(w, r, http.StatusNotFound, "ConversationNotFound")
	case errors.Is(err, store.ErrConversationFinalized):
		writeError(w, r, http.StatusConflict, "ConversationFinalized")
	case errors.Is(err, chat.ErrInvalidFinalSelection):
		writeError(w, r, http.StatusUnprocessableEntity, "InvalidFinalSelection")
	default:
		slog.Error("request failed", "path", r.URL.Path, "error", err)
		writeError(w, r, http.StatusInternalServerError, "AIError")
	}
}

// loadConversation resolves the URL's conversation and enforces ownership:
// students only reach their own conversations, examiners and admins reach
// all of them.
func (h *Handler) loadConversation(w http.ResponseWriter, r *http.Request) (model.Conversation, bool) {
	conv, err := h.store.GetConversation(chi.URLParam(r, "conversationID"))
	if err != nil {
		serviceError(w, r, err)
		return model.Conversation{}, false
	}
	user := model.UserFromContext(r.Context())
	if user.Role == model.UserRoleStudent && conv.StudentID != user.ID {
		writeError(w, r, http.StatusForbidden, "Forbidden")
		return model.Conversation{}, false
	}
	return conv, true
}

type createConversationRequest struct {
	Title string           `json:"title"`
	Model string           `json:"model"`
	Mode  model.PromptMode `json:"mode"`
}

func (h *Handler) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req createConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Model == "" {
		writeError(w, r, http.StatusBadRequest, "InvalidRequest")
		return
	}
	user := model.UserFromContext(r.Context())
	conv, err := h.store.CreateConversation(model.Conversation{
		StudentID: user.ID,
		Model:     req.Model,
		Mode:      req.Mode,
		Title:     req.Title,
	})
	if err != nil {
		serviceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, conv)
}

func (h *Handler) handleListConversations(w http.ResponseWriter, r *http.Request) {
	user := model.UserFromContext(r.Context())

	var convs []model.Conversation
	var err error
	if user.Role == model.UserRoleStudent {
		convs, err = h.store.ListConversationsByStudent(user.ID)
	} else {
		convs, err = h.store.ListConversations()
	}
	if err != nil {
		serviceError(w, r, err)
		return
	}
	if convs == nil {
		convs = []model.Conversation{}
	}
	writeJSON(w, http.StatusOK, convs)
}

func (h *Handler) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.loadConversation(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (h *Handler) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.loadConversation(w, r)
	if !ok {
		return
	}
	if err := h.store.DeleteConversation(conv.ID); err != nil {
		serviceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.loadConversation(w, r)
	if !ok {
		return
	}
	msgs, err := h.store.GetMessages(conv.ID)
	if err != nil {
		serviceError(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []model.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (h *Handler) handleGetPairs(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.loadConversation(w, r)
	if !ok {
		return
	}
	_, pairs, err := h.chat.Pairs(conv.ID)
	if err != nil {
		serviceError(w, r, err)
		return
	}
	if pairs == nil {
		pairs = []model.ExchangePair{}
	}
	writeJSON(w, http.StatusOK, pairs)
}

type aiResponseRequest struct {
	Prompt    string `json:"prompt"`
	ModelName string `json:"modelName"`
	MaxTokens int    `json:"maxTokens"`
}

func (h *Handler) handleAIResponse(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.loadConversation(w, r)
	if !ok {
		return
	}

	var req aiResponseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "InvalidRequest")
		return
	}
	if req.Prompt == "" {
		writeError(w, r, http.StatusBadRequest, "EmptyPrompt")
		return
	}

	if r.URL.Query().Get("stream") == "1" {
		h.streamAIResponse(w, r, conv.ID, req)
		return
	}

	result, err := h.chat.Respond(r.Context(), conv.ID, req.Prompt, req.ModelName, req.MaxTokens)
	if err != nil {
		serviceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"conversation": result.Conversation,
		"aiResponse":   result.Response,
	})
}

func (h *Handler) streamAIResponse(w http.ResponseWriter, r *http.Request, convID string, req aiResponseRequest) {
	// Errors before the first byte still get a plain HTTP status.
	turn, err := h.chat.StartStream(r.Context(), convID, req.Prompt, req.ModelName, req.MaxTokens)
	if err != nil {
		serviceError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if err := h.chat.Relay(r.Context(), w, turn, appI18n.T(r.Context(), "AIError")); err != nil {
		slog.Error("stream relay", "conversation", convID, "error", err)
	}
}

type finalRequest struct {
	FinalText       string  `json:"finalText"`
	PromptFinal     string  `json:"promptFinal"`
	MaxTokensUsed   int     `json:"maxTokensUsed"`
	TemperatureUsed float64 `json:"temperatureUsed"`
}

func (h *Handler) handleSetFinal(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.loadConversation(w, r)
	if !ok {
		return
	}

	var req finalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.FinalText == "" || req.PromptFinal == "" {
		writeError(w, r, http.StatusBadRequest, "InvalidRequest")
		return
	}

	fv, err := h.chat.Finalize(r.Context(), conv.ID, req.PromptFinal, req.FinalText, req.MaxTokensUsed, req.TemperatureUsed)
	if err != nil {
		serviceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, fv)
}

func (h *Handler) handleGetFinal(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.loadConversation(w, r)
	if !ok {
		return
	}
	fv, usage, err := h.chat.FinalVersion(conv.ID)
	if err != nil {
		serviceError(w, r, err)
		return
	}
	if fv == nil {
		writeError(w, r, http.StatusNotFound, "FinalNotSubmitted")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"finalVersion": fv,
		"usage":        usage,
	})
}
