package store

import (
	"fmt"

	"github.com/abrossard/dialogue/internal/model"
)

// ExportFinalVersions builds export-ready submissions from every finalized
// conversation.
func (s *Store) ExportFinalVersions() ([]model.StudentSubmission, error) {
	convs, err := s.ListConversations()
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}

	var submissions []model.StudentSubmission
	for _, c := range convs {
		if c.Status != model.ConversationFinalized {
			continue
		}
		fv, err := s.GetFinalVersion(c.ID)
		if err != nil {
			return nil, fmt.Errorf("get final version %s: %w", c.ID, err)
		}
		if fv == nil {
			continue
		}

		user, err := s.GetUserByID(c.StudentID)
		if err != nil {
			return nil, fmt.Errorf("get user %d: %w", c.StudentID, err)
		}
		var username, displayName string
		if user != nil {
			username = user.Username
			displayName = user.DisplayName
		}

		submissions = append(submissions, model.StudentSubmission{
			Username:       username,
			DisplayName:    displayName,
			ConversationID: c.ID,
			Title:          c.Title,
			Model:          c.Model,
			Mode:           c.Mode,
			PromptText:     fv.PromptText,
			ResponseText:   fv.ResponseText,
			MaxTokens:      fv.MaxTokens,
			Temperature:    fv.Temperature,
			SubmittedAt:    fv.SubmittedAt,
			TotalTokens:    c.Usage.TotalTokens,
		})
	}

	return submissions, nil
}
