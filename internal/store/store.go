package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/abrossard/dialogue/internal/model"

	_ "modernc.org/sqlite"
)

var (
	// ErrConversationNotFound is returned for an unknown conversation ID.
	ErrConversationNotFound = errors.New("conversation not found")
	// ErrConversationFinalized is returned when a write targets a
	// conversation whose final version has already been submitted.
	ErrConversationFinalized = errors.New("conversation is finalized")
)

type Store struct {
	db *sql.DB
}

func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT NOT NULL UNIQUE,
		display_name TEXT NOT NULL DEFAULT '',
		password_hash TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT 'student',
		active BOOLEAN NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS auth_sessions (
		id TEXT PRIMARY KEY,
		user_id INTEGER NOT NULL,
		created_at DATETIME NOT NULL,
		expires_at DATETIME NOT NULL,
		FOREIGN KEY (user_id) REFERENCES users(id)
	);

	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		student_id INTEGER NOT NULL,
		model TEXT NOT NULL,
		mode TEXT NOT NULL DEFAULT 'contextual',
		title TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'open',
		usage_provider TEXT NOT NULL DEFAULT '',
		usage_total INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		FOREIGN KEY (student_id) REFERENCES users(id)
	);

	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		conversation_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		token_count INTEGER NOT NULL DEFAULT 0,
		provider TEXT NOT NULL DEFAULT '',
		FOREIGN KEY (conversation_id) REFERENCES conversations(id)
	);

	CREATE TABLE IF NOT EXISTS final_versions (
		conversation_id TEXT PRIMARY KEY,
		prompt_text TEXT NOT NULL,
		response_text TEXT NOT NULL,
		max_tokens INTEGER NOT NULL DEFAULT 0,
		temperature REAL NOT NULL DEFAULT 0,
		submitted_at DATETIME NOT NULL,
		FOREIGN KEY (conversation_id) REFERENCES conversations(id)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// CreateConversation inserts a conversation. A missing ID gets a fresh UUID;
// the stored conversation is returned.
func (s *Store) CreateConversation(c model.Conversation) (model.Conversation, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Status == "" {
		c.Status = model.ConversationOpen
	}
	if c.Mode == "" {
		c.Mode = model.ModeContextual
	}
	now := time.Now()
	c.CreatedAt = now
	c.UpdatedAt = now
	_, err := s.db.Exec(
		`INSERT INTO conversations (id, student_id, model, mode, title, status, usage_provider, usage_total, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.StudentID, c.Model, c.Mode, c.Title, c.Status, c.Usage.Provider, c.Usage.TotalTokens, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return model.Conversation{}, err
	}
	return c, nil
}

const conversationColumns = `id, student_id, model, mode, title, status, usage_provider, usage_total, created_at, updated_at`

func scanConversation(row interface{ Scan(...any) error }) (model.Conversation, error) {
	var c model.Conversation
	err := row.Scan(&c.ID, &c.StudentID, &c.Model, &c.Mode, &c.Title, &c.Status,
		&c.Usage.Provider, &c.Usage.TotalTokens, &c.CreatedAt, &c.UpdatedAt)
	return c, err
}

// GetConversation returns a conversation by ID.
func (s *Store) GetConversation(id string) (model.Conversation, error) {
	c, err := scanConversation(s.db.QueryRow(
		`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Conversation{}, fmt.Errorf("%w: %s", ErrConversationNotFound, id)
	}
	return c, err
}

// ListConversationsByStudent returns a student's conversations, newest first.
func (s *Store) ListConversationsByStudent(studentID int64) ([]model.Conversation, error) {
	rows, err := s.db.Query(
		`SELECT `+conversationColumns+` FROM conversations WHERE student_id = ? ORDER BY created_at DESC, id`, studentID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var convs []model.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// ListConversations returns all conversations, newest first.
func (s *Store) ListConversations() ([]model.Conversation, error) {
	rows, err := s.db.Query(`SELECT ` + conversationColumns + ` FROM conversations ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var convs []model.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// DeleteConversation removes a conversation with its messages and final
// version in one transaction.
func (s *Store) DeleteConversation(id string) error {
	if _, err := s.GetConversation(id); err != nil {
		return err
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`DELETE FROM messages WHERE conversation_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM final_versions WHERE conversation_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM conversations WHERE id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

// lockOpenConversation reads a conversation inside tx and rejects writes to
// finalized or missing conversations.
func lockOpenConversation(tx *sql.Tx, id string) error {
	var status model.ConversationStatus
	err := tx.QueryRow(`SELECT status FROM conversations WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrConversationNotFound, id)
	}
	if err != nil {
		return err
	}
	if status == model.ConversationFinalized {
		return fmt.Errorf("%w: %s", ErrConversationFinalized, id)
	}
	return nil
}

// AppendMessage appends a message to an open conversation's log. The raw
// role is normalized at this ingestion boundary; the log only grows.
func (s *Store) AppendMessage(msg model.Message) (model.Message, error) {
	role, err := model.NormalizeRole(string(msg.Role))
	if err != nil {
		return model.Message{}, err
	}
	msg.Role = role
	msg.CreatedAt = time.Now()

	tx, err := s.db.Begin()
	if err != nil {
		return model.Message{}, err
	}
	defer tx.Rollback()

	if err := lockOpenConversation(tx, msg.ConversationID); err != nil {
		return model.Message{}, err
	}

	res, err := tx.Exec(
		`INSERT INTO messages (conversation_id, role, content, created_at, token_count, provider)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ConversationID, msg.Role, msg.Content, msg.CreatedAt, msg.TokenCount, msg.Provider,
	)
	if err != nil {
		return model.Message{}, err
	}
	if msg.ID, err = res.LastInsertId(); err != nil {
		return model.Message{}, err
	}
	if _, err := tx.Exec(`UPDATE conversations SET updated_at = ? WHERE id = ?`, msg.CreatedAt, msg.ConversationID); err != nil {
		return model.Message{}, err
	}
	return msg, tx.Commit()
}

// AppendResponderMessage appends a responder message and folds its token
// usage into the conversation's running total in the same transaction, so
// readers never observe the message without its accounting. The total is
// monotonic: a non-positive delta adds nothing.
func (s *Store) AppendResponderMessage(msg model.Message, usageDelta int) (model.Message, error) {
	msg.Role = model.RoleResponder
	msg.TokenCount = usageDelta
	msg.CreatedAt = time.Now()
	if usageDelta < 0 {
		usageDelta = 0
	}

	tx, err := s.db.Begin()
	if err != nil {
		return model.Message{}, err
	}
	defer tx.Rollback()

	if err := lockOpenConversation(tx, msg.ConversationID); err != nil {
		return model.Message{}, err
	}

	res, err := tx.Exec(
		`INSERT INTO messages (conversation_id, role, content, created_at, token_count, provider)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ConversationID, msg.Role, msg.Content, msg.CreatedAt, msg.TokenCount, msg.Provider,
	)
	if err != nil {
		return model.Message{}, err
	}
	if msg.ID, err = res.LastInsertId(); err != nil {
		return model.Message{}, err
	}

	_, err = tx.Exec(
		`UPDATE conversations SET usage_total = usage_total + ?, usage_provider = ?, updated_at = ? WHERE id = ?`,
		usageDelta, msg.Provider, msg.CreatedAt, msg.ConversationID,
	)
	if err != nil {
		return model.Message{}, err
	}
	return msg, tx.Commit()
}

// GetMessages returns a conversation's full message log in append order.
func (s *Store) GetMessages(conversationID string) ([]model.Message, error) {
	rows, err := s.db.Query(
		`SELECT id, conversation_id, role, content, created_at, token_count, provider
		 FROM messages WHERE conversation_id = ? ORDER BY id`, conversationID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var messages []model.Message
	for rows.Next() {
		var m model.Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.CreatedAt, &m.TokenCount, &m.Provider); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// SetFinalVersion records the final version and flips the conversation to
// finalized in one transaction. The conversation must still be open.
func (s *Store) SetFinalVersion(fv model.FinalVersion) (model.FinalVersion, error) {
	fv.SubmittedAt = time.Now()

	tx, err := s.db.Begin()
	if err != nil {
		return model.FinalVersion{}, err
	}
	defer tx.Rollback()

	if err := lockOpenConversation(tx, fv.ConversationID); err != nil {
		return model.FinalVersion{}, err
	}

	_, err = tx.Exec(
		`INSERT INTO final_versions (conversation_id, prompt_text, response_text, max_tokens, temperature, submitted_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		fv.ConversationID, fv.PromptText, fv.ResponseText, fv.MaxTokens, fv.Temperature, fv.SubmittedAt,
	)
	if err != nil {
		return model.FinalVersion{}, err
	}
	_, err = tx.Exec(
		`UPDATE conversations SET status = ?, updated_at = ? WHERE id = ?`,
		model.ConversationFinalized, fv.SubmittedAt, fv.ConversationID,
	)
	if err != nil {
		return model.FinalVersion{}, err
	}
	return fv, tx.Commit()
}

// GetFinalVersion returns the final version for a conversation, or nil if
// none has been submitted.
func (s *Store) GetFinalVersion(conversationID string) (*model.FinalVersion, error) {
	var fv model.FinalVersion
	err := s.db.QueryRow(
		`SELECT conversation_id, prompt_text, response_text, max_tokens, temperature, submitted_at
		 FROM final_versions WHERE conversation_id = ?`, conversationID,
	).Scan(&fv.ConversationID, &fv.PromptText, &fv.ResponseText, &fv.MaxTokens, &fv.Temperature, &fv.SubmittedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &fv, nil
}
