package model

import (
	"errors"
	"fmt"
	"strings"
)

// Role is the canonical two-party chat role. Older schema versions stored
// messages with "student"/"assistant" and "user"/"ai"; NormalizeRole folds
// all of them into this enum at every boundary.
type Role string

const (
	// RolePrompter is the human-originated turn.
	RolePrompter Role = "prompter"
	// RoleResponder is the AI-originated turn.
	RoleResponder Role = "responder"
)

// ErrRoleUnrecognized is returned for a role spelling outside the known
// vocabularies. It is a data-integrity fault, not a user error.
var ErrRoleUnrecognized = errors.New("unrecognized message role")

// NormalizeRole maps any historical role spelling to the canonical enum.
func NormalizeRole(raw string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "prompter", "student", "user":
		return RolePrompter, nil
	case "responder", "assistant", "ai":
		return RoleResponder, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrRoleUnrecognized, raw)
	}
}
