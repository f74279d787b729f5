package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"jarvis/internal/domain"
)

const (
	conversationsKey = "jarvis_conversations"
	activeKey        = "active_conversation_id"
)

// ErrNoConversation is returned when an operation names a conversation the
// store does not hold.
var ErrNoConversation = errors.New("no such conversation")

// Store keeps the conversation list in memory, most recent first, and
// persists the whole list to SQLite on every mutation. The active
// conversation id survives restarts in a separate session table.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	fresh  func() domain.Conversation

	mu       sync.Mutex
	convs    []domain.Conversation
	activeID string
}

type Config struct {
	DBPath       string
	DefaultModel string
	// Fresh builds a new conversation (welcome message included). Used by
	// New and when deleting the last conversation.
	Fresh  func() domain.Conversation
	Logger *slog.Logger
}

func Open(cfg Config) (*Store, error) {
	dir := filepath.Dir(cfg.DBPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", cfg.DBPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	fresh := cfg.Fresh
	if fresh == nil {
		model := cfg.DefaultModel
		fresh = func() domain.Conversation {
			return domain.Conversation{
				ID:        uuid.NewString(),
				Title:     domain.DefaultTitle,
				CreatedAt: time.Now(),
				Model:     model,
			}
		}
	}

	s := &Store{db: db, logger: cfg.Logger, fresh: fresh}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	if err := s.load(cfg.DefaultModel); err != nil {
		db.Close()
		return nil, fmt.Errorf("load conversations: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS kv (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS session (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// load reads the persisted list. Conversations saved before models were
// tracked get the current default model filled in.
func (s *Store) load(defaultModel string) error {
	var raw string
	err := s.db.QueryRow(`SELECT value FROM kv WHERE key = ?`, conversationsKey).Scan(&raw)
	switch {
	case err == sql.ErrNoRows:
		// First run: start with one fresh conversation.
		conv := s.fresh()
		s.convs = []domain.Conversation{conv}
		s.activeID = conv.ID
		return s.persistLocked()
	case err != nil:
		return err
	}

	if err := json.Unmarshal([]byte(raw), &s.convs); err != nil {
		return fmt.Errorf("corrupt conversation data: %w", err)
	}
	migrated := false
	for i := range s.convs {
		if s.convs[i].Model == "" {
			s.convs[i].Model = defaultModel
			migrated = true
		}
	}
	if len(s.convs) == 0 {
		conv := s.fresh()
		s.convs = []domain.Conversation{conv}
		migrated = true
	}

	var active string
	err = s.db.QueryRow(`SELECT value FROM session WHERE key = ?`, activeKey).Scan(&active)
	if err != nil && err != sql.ErrNoRows {
		return err
	}
	if _, ok := s.indexOf(active); !ok {
		active = s.convs[0].ID
	}
	s.activeID = active

	if migrated {
		return s.persistLocked()
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// List returns copies of all conversations, most recent first.
func (s *Store) List() []domain.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Conversation, len(s.convs))
	for i := range s.convs {
		out[i] = s.convs[i].Clone()
	}
	return out
}

// Get returns a copy of the conversation with the given id.
func (s *Store) Get(id string) (domain.Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.indexOf(id)
	if !ok {
		return domain.Conversation{}, false
	}
	return s.convs[i].Clone(), true
}

// Active returns a copy of the active conversation.
func (s *Store) Active() (domain.Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.indexOf(s.activeID)
	if !ok {
		return domain.Conversation{}, false
	}
	return s.convs[i].Clone(), true
}

func (s *Store) ActiveID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeID
}

// SetActive switches the active conversation.
func (s *Store) SetActive(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.indexOf(id); !ok {
		return fmt.Errorf("%w: %s", ErrNoConversation, id)
	}
	s.activeID = id
	return s.persistLocked()
}

// New creates a fresh conversation, makes it active and puts it first.
func (s *Store) New() (domain.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv := s.fresh()
	s.convs = append([]domain.Conversation{conv}, s.convs...)
	s.activeID = conv.ID
	if err := s.persistLocked(); err != nil {
		return domain.Conversation{}, err
	}
	return conv.Clone(), nil
}

// Delete removes a conversation. When the active one goes away the first
// remaining conversation becomes active; deleting the last conversation
// replaces it with a fresh one. Returns the resulting active conversation.
func (s *Store) Delete(id string) (domain.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.indexOf(id)
	if !ok {
		return domain.Conversation{}, fmt.Errorf("%w: %s", ErrNoConversation, id)
	}
	s.convs = append(s.convs[:i], s.convs[i+1:]...)
	if len(s.convs) == 0 {
		s.convs = []domain.Conversation{s.fresh()}
	}
	if _, ok := s.indexOf(s.activeID); !ok {
		s.activeID = s.convs[0].ID
	}
	if err := s.persistLocked(); err != nil {
		return domain.Conversation{}, err
	}
	active, _ := s.indexOf(s.activeID)
	return s.convs[active].Clone(), nil
}

// Rename sets a conversation's title.
func (s *Store) Rename(id, title string) error {
	_, err := s.Update(id, func(c *domain.Conversation) {
		c.Title = title
	})
	return err
}

// Update applies fn to a copy of the conversation, swaps the copy in and
// persists. The updated conversation is returned.
func (s *Store) Update(id string, fn func(*domain.Conversation)) (domain.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.indexOf(id)
	if !ok {
		return domain.Conversation{}, fmt.Errorf("%w: %s", ErrNoConversation, id)
	}
	c := s.convs[i].Clone()
	fn(&c)
	c.ID = id // the id is not editable
	s.convs[i] = c
	if err := s.persistLocked(); err != nil {
		return domain.Conversation{}, err
	}
	return c.Clone(), nil
}

func (s *Store) indexOf(id string) (int, bool) {
	for i := range s.convs {
		if s.convs[i].ID == id {
			return i, true
		}
	}
	return 0, false
}

// persistLocked writes the full list and the active id. Caller holds s.mu
// (or is still inside Open).
func (s *Store) persistLocked() error {
	raw, err := json.Marshal(s.convs)
	if err != nil {
		return fmt.Errorf("marshal conversations: %w", err)
	}
	if _, err := s.db.Exec(
		`INSERT INTO kv (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		conversationsKey, string(raw),
	); err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO session (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		activeKey, s.activeID,
	)
	return err
}
