package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var ErrConversationNotFound = errors.New("db: conversation not found")

// Conversation groups the chat-mode turns of one session.
type Conversation struct {
	ID        string
	Topic     string
	CreatedAt time.Time
}

// Turn is one recorded utterance within a conversation.
type Turn struct {
	ID              int64
	ConversationID  string
	CommunicationID string
	SavePath        string
	Transcript      string
	CreatedAt       time.Time
}

// Store persists conversations.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateConversation starts a conversation and returns its id.
func (s *Store) CreateConversation(ctx context.Context, topic string) (*Conversation, error) {
	c := &Conversation{ID: uuid.NewString(), Topic: topic, CreatedAt: time.Now().UTC().Truncate(time.Second)}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, topic, created_at) VALUES (?, ?, ?)`,
		c.ID, c.Topic, c.CreatedAt.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	return c, nil
}

// GetConversation loads a conversation by id.
func (s *Store) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	var c Conversation
	var created int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, topic, created_at FROM conversations WHERE id = ?`, id,
	).Scan(&c.ID, &c.Topic, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}
	c.CreatedAt = time.Unix(created, 0).UTC()
	return &c, nil
}

// AppendTurn records a transcribed utterance in a conversation.
func (s *Store) AppendTurn(ctx context.Context, t Turn) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO turns (conversation_id, communication_id, save_path, transcript, created_at) VALUES (?, ?, ?, ?, ?)`,
		t.ConversationID, t.CommunicationID, t.SavePath, t.Transcript, t.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to append turn: %w", err)
	}
	return nil
}

// Turns returns the turns of a conversation in the order they were added.
func (s *Store) Turns(ctx context.Context, conversationID string) ([]Turn, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, communication_id, save_path, transcript, created_at
		 FROM turns WHERE conversation_id = ? ORDER BY id`, conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list turns: %w", err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var t Turn
		var created int64
		if err := rows.Scan(&t.ID, &t.ConversationID, &t.CommunicationID, &t.SavePath, &t.Transcript, &created); err != nil {
			return nil, err
		}
		t.CreatedAt = time.Unix(created, 0).UTC()
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// DeleteConversation removes a conversation with its turns and returns the
// save paths the turns referenced.
func (s *Store) DeleteConversation(ctx context.Context, id string) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT save_path FROM turns WHERE conversation_id = ? ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list turns: %w", err)
	}
	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			rows.Close()
			return nil, err
		}
		paths = append(paths, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to delete conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrConversationNotFound
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return paths, nil
}

// RemoveTurn drops the turn that points at savePath, if any.
func (s *Store) RemoveTurn(ctx context.Context, savePath string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM turns WHERE save_path = ?`, savePath); err != nil {
		return fmt.Errorf("failed to remove turn: %w", err)
	}
	return nil
}
