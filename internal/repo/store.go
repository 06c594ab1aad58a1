// Package repo persists conversations in a local SQLite database. Turns are
// stored as one JSON document per conversation; the record of a conversation
// is small and always read and written whole.
package repo

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"bridgeagent/internal/domain"
)

const (
	defaultTitle   = "New Conversation"
	currentPointer = "current_conversation"
)

var ErrNotFound = errors.New("conversation not found")

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id         TEXT PRIMARY KEY,
	title      TEXT NOT NULL,
	turns      TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS app_state (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

type Store struct {
	db *sql.DB
}

func NewStore(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", filepath.Join(dataDir, "conversations.db"))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// GetCurrent loads the conversation the current pointer names, or nil when
// no pointer is set or it points at a deleted conversation.
func (s *Store) GetCurrent() (*domain.Conversation, error) {
	var id string
	err := s.db.QueryRow(`SELECT value FROM app_state WHERE key = ?`, currentPointer).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	conv, err := s.get(id)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

func (s *Store) Create() (domain.Conversation, error) {
	conv := domain.Conversation{
		ID:        uuid.NewString(),
		Title:     defaultTitle,
		Turns:     []domain.Turn{},
		UpdatedAt: time.Now().UTC(),
	}
	turns, err := json.Marshal(conv.Turns)
	if err != nil {
		return domain.Conversation{}, err
	}
	_, err = s.db.Exec(
		`INSERT INTO conversations (id, title, turns, updated_at) VALUES (?, ?, ?, ?)`,
		conv.ID, conv.Title, string(turns), conv.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return domain.Conversation{}, err
	}
	return conv, nil
}

func (s *Store) Save(conversationID string, turns []domain.Turn, updateTimestamp bool) error {
	if turns == nil {
		turns = []domain.Turn{}
	}
	encoded, err := json.Marshal(turns)
	if err != nil {
		return err
	}
	var res sql.Result
	if updateTimestamp {
		res, err = s.db.Exec(
			`UPDATE conversations SET turns = ?, updated_at = ? WHERE id = ?`,
			string(encoded), time.Now().UTC().Format(time.RFC3339Nano), conversationID,
		)
	} else {
		res, err = s.db.Exec(
			`UPDATE conversations SET turns = ? WHERE id = ?`,
			string(encoded), conversationID,
		)
	}
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *Store) UpdateTitle(conversationID, title string) error {
	res, err := s.db.Exec(`UPDATE conversations SET title = ? WHERE id = ?`, title, conversationID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *Store) SetCurrent(conversationID string, updateTimestamp bool) error {
	if _, err := s.get(conversationID); err != nil {
		return err
	}
	_, err := s.db.Exec(
		`INSERT INTO app_state (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		currentPointer, conversationID,
	)
	if err != nil {
		return err
	}
	if updateTimestamp {
		_, err = s.db.Exec(
			`UPDATE conversations SET updated_at = ? WHERE id = ?`,
			time.Now().UTC().Format(time.RFC3339Nano), conversationID,
		)
	}
	return err
}

// ListAll returns every conversation, most recently updated first.
func (s *Store) ListAll() ([]domain.Conversation, error) {
	rows, err := s.db.Query(`SELECT id, title, turns, updated_at FROM conversations ORDER BY updated_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []domain.Conversation{}
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, conv)
	}
	return out, rows.Err()
}

func (s *Store) Delete(conversationID string) error {
	res, err := s.db.Exec(`DELETE FROM conversations WHERE id = ?`, conversationID)
	if err != nil {
		return err
	}
	if err := requireRow(res); err != nil {
		return err
	}
	_, err = s.db.Exec(
		`DELETE FROM app_state WHERE key = ? AND value = ?`,
		currentPointer, conversationID,
	)
	return err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *Store) get(conversationID string) (domain.Conversation, error) {
	row := s.db.QueryRow(`SELECT id, title, turns, updated_at FROM conversations WHERE id = ?`, conversationID)
	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Conversation{}, ErrNotFound
	}
	return conv, err
}

func scanConversation(row rowScanner) (domain.Conversation, error) {
	var conv domain.Conversation
	var turns, updatedAt string
	if err := row.Scan(&conv.ID, &conv.Title, &turns, &updatedAt); err != nil {
		return domain.Conversation{}, err
	}
	if err := json.Unmarshal([]byte(turns), &conv.Turns); err != nil {
		return domain.Conversation{}, fmt.Errorf("conversation %s has corrupt turns: %w", conv.ID, err)
	}
	ts, err := time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("conversation %s has corrupt timestamp: %w", conv.ID, err)
	}
	conv.UpdatedAt = ts
	return conv, nil
}

func requireRow(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
