// Package archive provides PostgreSQL-backed storage for finalized chat
// messages. The archive lets the client render a conversation before the live
// subscription has delivered its history.
package archive

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"

	"github.com/lexassist/chat-client/internal/chat"
	"github.com/lexassist/chat-client/internal/protocol"
)

//go:embed migrations/*.sql
var migrations embed.FS

// validRoles matches the CHECK constraint on the chat_messages table.
var validRoles = map[string]bool{
	protocol.RoleUser:      true,
	protocol.RoleAssistant: true,
}

// Store manages archived messages in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a new archive store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open connects to PostgreSQL at dsn and verifies the connection.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("archive: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("archive: ping: %w", err)
	}
	return NewStore(db), nil
}

// Migrate applies every pending embedded schema migration to the database at
// dsn. An up-to-date schema is not an error.
func Migrate(dsn string) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("archive: load migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, dsn)
	if err != nil {
		return fmt.Errorf("archive: init migrations: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("archive: migrate up: %w", err)
	}
	return nil
}

// SaveMessages upserts msgs into the archive of conversationID. Messages
// without an id, local echoes and messages with an unknown role are skipped.
// It returns the number of rows written.
func (s *Store) SaveMessages(ctx context.Context, conversationID string, msgs []chat.Message) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("archive: begin: %w", err)
	}
	defer tx.Rollback()

	const query = `
		INSERT INTO chat_messages (conversation_id, message_id, role, content, sent_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (conversation_id, message_id)
		DO UPDATE SET role = EXCLUDED.role, content = EXCLUDED.content, sent_at = EXCLUDED.sent_at`

	written := 0
	for _, msg := range msgs {
		if !archivable(msg) {
			continue
		}
		if _, err := tx.ExecContext(ctx, query, conversationID, msg.MessageID, msg.Role, msg.Content, msg.Timestamp); err != nil {
			return 0, fmt.Errorf("archive: upsert %s/%s: %w", conversationID, msg.MessageID, err)
		}
		written++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("archive: commit: %w", err)
	}
	return written, nil
}

// Messages returns the latest limit messages of conversationID in arrival
// order.
func (s *Store) Messages(ctx context.Context, conversationID string, limit int) ([]chat.Message, error) {
	const query = `
		SELECT message_id, role, content, sent_at
		FROM (
			SELECT id, message_id, role, content, sent_at
			FROM chat_messages
			WHERE conversation_id = $1
			ORDER BY id DESC
			LIMIT $2
		) latest
		ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, query, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("archive: query messages: %w", err)
	}
	defer rows.Close()

	var out []chat.Message
	for rows.Next() {
		var msg chat.Message
		if err := rows.Scan(&msg.MessageID, &msg.Role, &msg.Content, &msg.Timestamp); err != nil {
			return nil, fmt.Errorf("archive: scan message: %w", err)
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("archive: iterate messages: %w", err)
	}
	return out, nil
}

// Conversations returns every archived conversation id, most recently active
// first.
func (s *Store) Conversations(ctx context.Context) ([]string, error) {
	const query = `
		SELECT conversation_id
		FROM chat_messages
		GROUP BY conversation_id
		ORDER BY MAX(id) DESC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("archive: query conversations: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("archive: scan conversation: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func archivable(msg chat.Message) bool {
	return msg.MessageID != "" && !msg.Pending && !msg.Failed && validRoles[msg.Role]
}
