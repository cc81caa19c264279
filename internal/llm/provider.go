// Package llm defines the provider capability shared by every AI backend
// and the registry that maps model names to a registered provider.
package llm

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/abrossard/dialogue/internal/model"
)

// Provider errors. Adapters translate backend-specific failures into one of
// these so callers can decide on retries without knowing the backend.
var (
	// ErrAuthFailed means a missing or rejected credential. Fatal for the
	// request; never retried.
	ErrAuthFailed = errors.New("provider authentication failed")
	// ErrUpstreamUnavailable covers network failures and 5xx responses.
	// Eligible for a single retry.
	ErrUpstreamUnavailable = errors.New("provider upstream unavailable")
	// ErrUnsupportedModel means no adapter is registered for the requested
	// model name. Rejected before anything is sent upstream.
	ErrUnsupportedModel = errors.New("unsupported model")
)

// Request carries one generation turn to a provider.
type Request struct {
	Model       string
	History     []model.Message
	Prompt      string
	MaxTokens   int
	Temperature float32
}

// Usage is the provider-reported token accounting for one call.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Result is a complete non-streamed generation.
type Result struct {
	Text     string
	Usage    *Usage
	Provider string
}

// Event is one element of a streamed generation: a text delta, a final
// usage report, or a terminal error. The producing adapter closes the
// channel when the stream ends; it is finite and not restartable.
type Event struct {
	Delta string
	Usage *Usage
	Err   error
}

// Provider is implemented once per AI backend.
type Provider interface {
	// Name returns the provider identifier used in logs and usage records.
	Name() string

	// Generate performs a single blocking completion.
	Generate(ctx context.Context, req Request) (*Result, error)

	// Stream starts a completion and delivers it as an ordered sequence of
	// events on the returned channel. The channel is closed after the last
	// event. Errors after the stream has started arrive in-band as an
	// Event with Err set.
	Stream(ctx context.Context, req Request) (<-chan Event, error)
}

// Registry maps model names to providers. It is built once at startup and
// passed into request handlers; there is no global client state.
type Registry struct {
	providers map[string]Provider
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register binds a model name to a provider. Later registrations for the
// same name win.
func (r *Registry) Register(modelName string, p Provider) {
	r.providers[modelName] = p
}

// Lookup resolves a model name. An unregistered name is ErrUnsupportedModel;
// no network call is ever made for it.
func (r *Registry) Lookup(modelName string) (Provider, error) {
	p, ok := r.providers[modelName]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedModel, modelName)
	}
	return p, nil
}

// Models returns the registered model names, sorted.
func (r *Registry) Models() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// wireRole translates a canonical role into the user/assistant vocabulary
// both supported backends expect.
func wireRole(role model.Role) string {
	if role == model.RoleResponder {
		return "assistant"
	}
	return "user"
}
