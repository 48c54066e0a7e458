package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/streamchat/server/llm"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	title      TEXT    NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	conversation_id INTEGER NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	role            TEXT    NOT NULL CHECK (role IN ('user', 'assistant', 'system')),
	content         TEXT    NOT NULL,
	created_at      INTEGER NOT NULL,
	edited_at       INTEGER
);

CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, id);
CREATE INDEX IF NOT EXISTS idx_conversations_updated ON conversations(updated_at DESC);
`

const selectConversation = `
SELECT c.id, c.title, c.created_at, c.updated_at,
	COALESCE((SELECT m.content FROM messages m WHERE m.conversation_id = c.id ORDER BY m.id DESC LIMIT 1), ''),
	(SELECT COUNT(*) FROM messages m WHERE m.conversation_id = c.id)
FROM conversations c`

const selectMessage = `SELECT id, conversation_id, role, content, created_at, edited_at FROM messages`

// bumpUpdatedAt keeps updated_at strictly increasing even when the clock
// does not advance between writes.
const bumpUpdatedAt = `UPDATE conversations SET updated_at = MAX(updated_at + 1, ?) WHERE id = ?`

// SQLiteStore implements Store on top of a single SQLite database file.
// It is NOT safe for multiple processes sharing the same file.
type SQLiteStore struct {
	db *sql.DB

	mu       sync.RWMutex
	listener OnChangeListener
}

// NewSQLiteStore opens (creating if needed) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) SetOnChangeListener(listener OnChangeListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listener = listener
}

func (s *SQLiteStore) getListener() OnChangeListener {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listener
}

func (s *SQLiteStore) notifyChange(event ChangeEvent) {
	if l := s.getListener(); l != nil {
		l.OnConversationChange(event)
	}
}

// notifyUpdate re-reads the conversation so listeners see derived fields.
func (s *SQLiteStore) notifyUpdate(ctx context.Context, id int64) {
	if s.getListener() == nil {
		return
	}
	conv, err := s.FindConversation(ctx, id)
	if err != nil {
		return
	}
	s.notifyChange(ChangeEvent{Op: OperationUpdate, Conversation: conv})
}

func (s *SQLiteStore) CreateConversation(ctx context.Context, title string) (Conversation, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (title, created_at, updated_at) VALUES (?, ?, ?)`,
		title, now.UnixNano(), now.UnixNano())
	if err != nil {
		return Conversation{}, persistErr("create conversation", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Conversation{}, persistErr("create conversation", err)
	}

	conv := Conversation{ID: id, Title: title, CreatedAt: now, UpdatedAt: now}
	s.notifyChange(ChangeEvent{Op: OperationCreate, Conversation: conv})
	return conv, nil
}

func (s *SQLiteStore) FindConversation(ctx context.Context, id int64) (Conversation, error) {
	row := s.db.QueryRowContext(ctx, selectConversation+` WHERE c.id = ?`, id)
	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, ErrConversationNotFound
	}
	if err != nil {
		return Conversation{}, persistErr("find conversation", err)
	}
	return conv, nil
}

func (s *SQLiteStore) ListConversations(ctx context.Context, limit, offset int) ([]Conversation, error) {
	limit, offset = clampPage(limit, offset)
	rows, err := s.db.QueryContext(ctx,
		selectConversation+` ORDER BY c.updated_at DESC, c.id DESC LIMIT ? OFFSET ?`,
		limit, offset)
	if err != nil {
		return nil, persistErr("list conversations", err)
	}
	convs, err := collectConversations(rows)
	if err != nil {
		return nil, persistErr("list conversations", err)
	}
	return convs, nil
}

// SearchConversations matches query case-insensitively against titles and
// message contents. Results are newest first.
func (s *SQLiteStore) SearchConversations(ctx context.Context, query string) ([]Conversation, error) {
	pattern := "%" + escapeLike(strings.TrimSpace(query)) + "%"
	rows, err := s.db.QueryContext(ctx, selectConversation+`
WHERE c.title LIKE ?1 ESCAPE '\'
	OR EXISTS (SELECT 1 FROM messages m WHERE m.conversation_id = c.id AND m.content LIKE ?1 ESCAPE '\')
ORDER BY c.updated_at DESC, c.id DESC
LIMIT ?2`, pattern, searchLimit)
	if err != nil {
		return nil, persistErr("search conversations", err)
	}
	convs, err := collectConversations(rows)
	if err != nil {
		return nil, persistErr("search conversations", err)
	}
	return convs, nil
}

func (s *SQLiteStore) DeleteConversation(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return persistErr("delete conversation", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return persistErr("delete conversation", err)
	}
	if n > 0 {
		s.notifyChange(ChangeEvent{Op: OperationDelete, Conversation: Conversation{ID: id}})
	}
	return nil
}

func (s *SQLiteStore) UpdateConversationTimestamp(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, bumpUpdatedAt, time.Now().UnixNano(), id)
	if err != nil {
		return persistErr("update conversation timestamp", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return persistErr("update conversation timestamp", err)
	}
	if n == 0 {
		return ErrConversationNotFound
	}
	s.notifyUpdate(ctx, id)
	return nil
}

func (s *SQLiteStore) CreateMessage(ctx context.Context, conversationID int64, role llm.Role, content string) (Message, error) {
	if !role.IsValid() {
		return Message{}, fmt.Errorf("invalid role %q", role)
	}

	now := time.Now().UTC()
	var msg Message
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, bumpUpdatedAt, now.UnixNano(), conversationID)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return ErrConversationNotFound
		}

		res, err = tx.ExecContext(ctx,
			`INSERT INTO messages (conversation_id, role, content, created_at) VALUES (?, ?, ?, ?)`,
			conversationID, string(role), content, now.UnixNano())
		if err != nil {
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		msg = Message{ID: id, ConversationID: conversationID, Role: role, Content: content, CreatedAt: now}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrConversationNotFound) {
			return Message{}, err
		}
		return Message{}, persistErr("create message", err)
	}

	s.notifyUpdate(ctx, conversationID)
	return msg, nil
}

func (s *SQLiteStore) FindMessage(ctx context.Context, id int64) (Message, error) {
	msg, err := scanMessage(s.db.QueryRowContext(ctx, selectMessage+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, ErrMessageNotFound
	}
	if err != nil {
		return Message{}, persistErr("find message", err)
	}
	return msg, nil
}

// UpdateMessage replaces a message's content and stamps editedAt.
func (s *SQLiteStore) UpdateMessage(ctx context.Context, id int64, content string) (Message, error) {
	now := time.Now().UTC()
	var msg Message
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE messages SET content = ?, edited_at = ? WHERE id = ?`,
			content, now.UnixNano(), id)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return ErrMessageNotFound
		}

		msg, err = scanMessage(tx.QueryRowContext(ctx, selectMessage+` WHERE id = ?`, id))
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, bumpUpdatedAt, now.UnixNano(), msg.ConversationID)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrMessageNotFound) {
			return Message{}, err
		}
		return Message{}, persistErr("update message", err)
	}

	s.notifyUpdate(ctx, msg.ConversationID)
	return msg, nil
}

func (s *SQLiteStore) FindMessagesByConversation(ctx context.Context, conversationID int64) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, selectMessage+` WHERE conversation_id = ? ORDER BY id`, conversationID)
	if err != nil {
		return nil, persistErr("find messages", err)
	}
	defer rows.Close()

	msgs := []Message{}
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, persistErr("find messages", err)
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("find messages", err)
	}
	return msgs, nil
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(row scanner) (Conversation, error) {
	var (
		conv             Conversation
		created, updated int64
	)
	if err := row.Scan(&conv.ID, &conv.Title, &created, &updated, &conv.LastMessage, &conv.MessageCount); err != nil {
		return Conversation{}, err
	}
	conv.CreatedAt = time.Unix(0, created).UTC()
	conv.UpdatedAt = time.Unix(0, updated).UTC()
	return conv, nil
}

func collectConversations(rows *sql.Rows) ([]Conversation, error) {
	defer rows.Close()
	convs := []Conversation{}
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, conv)
	}
	return convs, rows.Err()
}

func scanMessage(row scanner) (Message, error) {
	var (
		msg     Message
		role    string
		created int64
		edited  sql.NullInt64
	)
	if err := row.Scan(&msg.ID, &msg.ConversationID, &role, &msg.Content, &created, &edited); err != nil {
		return Message{}, err
	}
	msg.Role = llm.Role(role)
	msg.CreatedAt = time.Unix(0, created).UTC()
	if edited.Valid {
		t := time.Unix(0, edited.Int64).UTC()
		msg.EditedAt = &t
	}
	return msg, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

var _ Store = (*SQLiteStore)(nil)
