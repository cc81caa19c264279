package model

import "time"

// SubmissionExport is the top-level JSON structure examiners pull once an
// assignment closes: every finalized conversation with its graded pair.
type SubmissionExport struct {
	ExamID      string              `json:"exam_id"`
	Subject     string              `json:"subject"`
	Date        string              `json:"date"`
	Submissions []StudentSubmission `json:"submissions"`
}

// StudentSubmission holds one student's finalized conversation for export.
type StudentSubmission struct {
	Username       string     `json:"username"`
	DisplayName    string     `json:"display_name"`
	ConversationID string     `json:"conversation_id"`
	Title          string     `json:"title"`
	Model          string     `json:"model"`
	Mode           PromptMode `json:"mode"`
	PromptText     string     `json:"prompt_text"`
	ResponseText   string     `json:"response_text"`
	MaxTokens      int        `json:"max_tokens"`
	Temperature    float64    `json:"temperature"`
	SubmittedAt    time.Time  `json:"submitted_at"`
	TotalTokens    int        `json:"total_tokens"`
}
