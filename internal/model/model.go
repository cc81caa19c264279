package model

import (
	"context"
	"time"
)

// UserRole represents a user's access level (distinct from Role which is chat message roles).
type UserRole string

const (
	// UserRoleStudent is a student user role.
	UserRoleStudent UserRole = "student"
	// UserRoleExaminer is an examiner user role.
	UserRoleExaminer UserRole = "examiner"
	// UserRoleAdmin is an admin user role.
	UserRoleAdmin UserRole = "admin"
)

// User represents a system user.
type User struct {
	ID           int64
	Username     string
	DisplayName  string
	PasswordHash string
	Role         UserRole
	Active       bool
	CreatedAt    time.Time
}

// AuthSession represents an authentication session.
type AuthSession struct {
	ID        string
	UserID    int64
	CreatedAt time.Time
	ExpiresAt time.Time
}

type userCtxKey struct{}

// ContextWithUser stores a user in the request context.
func ContextWithUser(ctx context.Context, u *User) context.Context {
	return context.WithValue(ctx, userCtxKey{}, u)
}

// UserFromContext retrieves the authenticated user from context, or nil.
func UserFromContext(ctx context.Context) *User {
	u, _ := ctx.Value(userCtxKey{}).(*User)
	return u
}

// PromptMode controls how much history is sent to the provider on each turn.
type PromptMode string

const (
	// ModeOneShot sends only the new prompt.
	ModeOneShot PromptMode = "one-shot"
	// ModeContextual sends the full message log before the new prompt.
	ModeContextual PromptMode = "contextual"
)

// ConversationStatus represents the finalization state of a conversation.
// The transition open -> finalized is one-way.
type ConversationStatus string

const (
	ConversationOpen      ConversationStatus = "open"
	ConversationFinalized ConversationStatus = "finalized"
)

// UsageStats is the running token accounting for a conversation.
// TotalTokens never decreases.
type UsageStats struct {
	Provider    string `json:"provider"`
	TotalTokens int    `json:"total_tokens"`
}

// Conversation is a student's chat with an AI model.
type Conversation struct {
	ID        string             `json:"id"`
	StudentID int64              `json:"student_id"`
	Model     string             `json:"model"`
	Mode      PromptMode         `json:"mode"`
	Title     string             `json:"title"`
	Status    ConversationStatus `json:"status"`
	Usage     UsageStats         `json:"usage"`
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// Message is one ordered element of a conversation's append-only log.
// Messages are immutable once appended.
type Message struct {
	ID             int64     `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
	TokenCount     int       `json:"token_count,omitempty"`
	// Provider is the backend that actually produced a responder message;
	// empty for prompter messages. The conversation's nominal model can
	// change between turns, so each response records its own.
	Provider string `json:"provider,omitempty"`
}

// FinalVersion is the exchange pair a student selected as their graded
// submission. The texts are recorded verbatim, not as log indexes, so the
// record stays valid however the log is later rendered.
type FinalVersion struct {
	ConversationID string    `json:"conversation_id"`
	PromptText     string    `json:"prompt_text"`
	ResponseText   string    `json:"response_text"`
	MaxTokens      int       `json:"max_tokens"`
	Temperature    float64   `json:"temperature"`
	SubmittedAt    time.Time `json:"submitted_at"`
}

// ExchangePair is one prompter message paired with the responder message
// that answered it.
type ExchangePair struct {
	Prompt   Message `json:"prompt"`
	Response Message `json:"response"`
}
