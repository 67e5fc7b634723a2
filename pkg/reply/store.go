package reply

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Contact is one conversation partner with the gatekeeping state
// embedded. Location empty means the conversation is still gated.
type Contact struct {
	ID                 string
	OwnerID            string
	Phone              string
	Name               string
	Location           string
	LocationData       string // JSON payload from location detection
	ConsecutiveUnknown int
	IgnoreUntil        *time.Time
	AIEnabled          bool
}

// Turn is one entry in the append-only conversation log.
type Turn struct {
	ID        int64
	ChatID    string
	Role      string // user, assistant, system
	Text      string
	CreatedAt time.Time
}

// Rule is a keyword auto-reply owned by a tenant.
type Rule struct {
	ID        int64
	OwnerID   string
	Keyword   string
	MatchType string // EXACT, STARTS_WITH, CONTAINS, REGEX
	Response  string
	Priority  int
	IsActive  bool
	CreatedAt time.Time
}

// Store persists contacts, chat turns and auto-reply rules.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Init creates the conversation tables if they do not exist.
func (s *Store) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS contacts (
			id                  TEXT PRIMARY KEY,
			owner_id            TEXT NOT NULL,
			phone               TEXT NOT NULL,
			name                TEXT NOT NULL DEFAULT '',
			location            TEXT NOT NULL DEFAULT '',
			location_data       TEXT NOT NULL DEFAULT '',
			consecutive_unknown INTEGER NOT NULL DEFAULT 0,
			ignore_until        TIMESTAMP,
			ai_enabled          INTEGER NOT NULL DEFAULT 1,
			UNIQUE(owner_id, phone)
		);
		CREATE TABLE IF NOT EXISTS chat_turns (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			chat_id    TEXT NOT NULL,
			role       TEXT NOT NULL,
			text       TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_chat_turns_chat ON chat_turns(chat_id, created_at);
		CREATE TABLE IF NOT EXISTS auto_replies (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			owner_id   TEXT NOT NULL,
			keyword    TEXT NOT NULL,
			match_type TEXT NOT NULL DEFAULT 'CONTAINS',
			response   TEXT NOT NULL,
			priority   INTEGER NOT NULL DEFAULT 0,
			is_active  INTEGER NOT NULL DEFAULT 1,
			created_at TIMESTAMP NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("create conversation tables: %w", err)
	}
	return nil
}

// GetOrCreateContact looks up a contact by (owner, phone), creating an
// active one on first sight.
func (s *Store) GetOrCreateContact(ctx context.Context, ownerID, phone string) (*Contact, error) {
	c, err := s.getContact(ctx, ownerID, phone)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	c = &Contact{ID: uuid.NewString(), OwnerID: ownerID, Phone: phone, AIEnabled: true}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO contacts (id, owner_id, phone, ai_enabled) VALUES (?, ?, ?, 1)
		ON CONFLICT(owner_id, phone) DO NOTHING`,
		c.ID, ownerID, phone)
	if err != nil {
		return nil, fmt.Errorf("create contact %s: %w", phone, err)
	}
	// Re-read in case a concurrent insert won the conflict.
	return s.getContact(ctx, ownerID, phone)
}

func (s *Store) getContact(ctx context.Context, ownerID, phone string) (*Contact, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, phone, name, location, location_data,
		       consecutive_unknown, ignore_until, ai_enabled
		FROM contacts WHERE owner_id = ? AND phone = ?`, ownerID, phone)

	var c Contact
	var ignoreUntil sql.NullTime
	err := row.Scan(&c.ID, &c.OwnerID, &c.Phone, &c.Name, &c.Location, &c.LocationData,
		&c.ConsecutiveUnknown, &ignoreUntil, &c.AIEnabled)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("get contact %s: %w", phone, err)
	}
	if ignoreUntil.Valid {
		t := ignoreUntil.Time
		c.IgnoreUntil = &t
	}
	return &c, nil
}

// SaveIdentity persists the captured name and location, ending the
// gated phase of the conversation.
func (s *Store) SaveIdentity(ctx context.Context, contactID, name, location, locationData string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE contacts SET name = ?, location = ?, location_data = ? WHERE id = ?`,
		name, location, locationData, contactID)
	if err != nil {
		return fmt.Errorf("save identity for contact %s: %w", contactID, err)
	}
	return nil
}

// SetUnknownCount stores the consecutive-ungrounded counter.
func (s *Store) SetUnknownCount(ctx context.Context, contactID string, count int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE contacts SET consecutive_unknown = ? WHERE id = ?`, count, contactID)
	if err != nil {
		return fmt.Errorf("set unknown count for contact %s: %w", contactID, err)
	}
	return nil
}

// SetIgnoreUntil sets or clears the cooldown and the counter together.
func (s *Store) SetIgnoreUntil(ctx context.Context, contactID string, until *time.Time, count int) error {
	var v any
	if until != nil {
		v = until.UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE contacts SET ignore_until = ?, consecutive_unknown = ? WHERE id = ?`,
		v, count, contactID)
	if err != nil {
		return fmt.Errorf("set cooldown for contact %s: %w", contactID, err)
	}
	return nil
}

// SetAIEnabled toggles automation for a contact, e.g. when a human
// agent takes the conversation over.
func (s *Store) SetAIEnabled(ctx context.Context, contactID string, enabled bool) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE contacts SET ai_enabled = ? WHERE id = ?`, enabled, contactID)
	if err != nil {
		return fmt.Errorf("set ai_enabled for contact %s: %w", contactID, err)
	}
	return nil
}

// AppendTurn records one turn in the conversation log.
func (s *Store) AppendTurn(ctx context.Context, chatID, role, text string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_turns (chat_id, role, text, created_at) VALUES (?, ?, ?, ?)`,
		chatID, role, text, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("append %s turn: %w", role, err)
	}
	return nil
}

// History returns the last limit turns in chronological order.
func (s *Store) History(ctx context.Context, chatID string, limit int) ([]Turn, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chat_id, role, text, created_at FROM chat_turns
		WHERE chat_id = ? ORDER BY id DESC LIMIT ?`, chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("load history for %s: %w", chatID, err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var t Turn
		if err := rows.Scan(&t.ID, &t.ChatID, &t.Role, &t.Text, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Newest-first from the query; reverse to chronological.
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// AssistantTurnCount counts assistant turns in a conversation, used by
// the flood damper.
func (s *Store) AssistantTurnCount(ctx context.Context, chatID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM chat_turns WHERE chat_id = ? AND role = 'assistant'`,
		chatID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count assistant turns for %s: %w", chatID, err)
	}
	return n, nil
}

// CreateRule inserts an auto-reply rule.
func (s *Store) CreateRule(ctx context.Context, r *Rule) error {
	r.CreatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO auto_replies (owner_id, keyword, match_type, response, priority, is_active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.OwnerID, r.Keyword, r.MatchType, r.Response, r.Priority, r.IsActive, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert auto-reply rule: %w", err)
	}
	r.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("rule insert id: %w", err)
	}
	return nil
}

// ListRules returns a tenant's active rules, highest priority first,
// oldest first within a priority.
func (s *Store) ListRules(ctx context.Context, ownerID string) ([]Rule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, keyword, match_type, response, priority, is_active, created_at
		FROM auto_replies WHERE owner_id = ? AND is_active = 1
		ORDER BY priority DESC, created_at ASC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list rules for %s: %w", ownerID, err)
	}
	defer rows.Close()

	var rules []Rule
	for rows.Next() {
		var r Rule
		if err := rows.Scan(&r.ID, &r.OwnerID, &r.Keyword, &r.MatchType, &r.Response,
			&r.Priority, &r.IsActive, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}
