// Package chat implements the conversation turn lifecycle: pairing,
// provider dispatch, streaming relay, and finalization.
package chat

import "github.com/abrossard/dialogue/internal/model"

// Pairs derives (prompt, response) exchange pairs from a message log in a
// single scan. At most one prompt is pending at a time: a new prompter
// message overwrites an unanswered one (which drops out of pair-based
// views), and a responder message with no pending prompt is skipped. Logs
// that do not strictly alternate therefore still pair up without errors.
func Pairs(msgs []model.Message) []model.ExchangePair {
	var pairs []model.ExchangePair
	var pending *model.Message
	for i := range msgs {
		switch msgs[i].Role {
		case model.RolePrompter:
			pending = &msgs[i]
		case model.RoleResponder:
			if pending != nil {
				pairs = append(pairs, model.ExchangePair{Prompt: *pending, Response: msgs[i]})
				pending = nil
			}
		}
	}
	return pairs
}
