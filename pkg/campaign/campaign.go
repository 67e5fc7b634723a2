// Package campaign persists broadcast campaigns and their per-recipient
// delivery logs.
package campaign

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Campaign lifecycle states.
const (
	StatusDraft     = "DRAFT"
	StatusRunning   = "RUNNING"
	StatusPaused    = "PAUSED"
	StatusCancelled = "CANCELLED"
	StatusCompleted = "COMPLETED"
)

// Per-recipient log states.
const (
	LogPending = "PENDING"
	LogSending = "SENDING"
	LogSent    = "SENT"
	LogFailed  = "FAILED"
)

// ErrNotFound is returned when a campaign or log id resolves to nothing.
var ErrNotFound = errors.New("campaign not found")

// Campaign is one broadcast run over a recipient list.
type Campaign struct {
	ID              string
	OwnerID         string
	Name            string
	MessageTemplate string
	Status          string
	DelayMinSec     int // per-recipient send spread, lower bound
	DelayMaxSec     int // upper bound
	TotalRecipients int
	SentCount       int
	FailedCount     int
	StartedAt       *time.Time
	CreatedAt       time.Time
}

// Log tracks delivery to a single recipient.
type Log struct {
	ID               string
	CampaignID       string
	Phone            string
	Name             string
	Status           string
	Error            string
	DeviceID         string
	MessageSent      string
	GatewayMessageID string
	SentAt           *time.Time
}

// Store is the campaign persistence layer.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Init creates the campaign tables if they do not exist.
func (s *Store) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS campaigns (
			id               TEXT PRIMARY KEY,
			owner_id         TEXT NOT NULL,
			name             TEXT NOT NULL,
			message_template TEXT NOT NULL,
			status           TEXT NOT NULL DEFAULT 'DRAFT',
			delay_min_sec    INTEGER NOT NULL DEFAULT 5,
			delay_max_sec    INTEGER NOT NULL DEFAULT 30,
			total_recipients INTEGER NOT NULL DEFAULT 0,
			sent_count       INTEGER NOT NULL DEFAULT 0,
			failed_count     INTEGER NOT NULL DEFAULT 0,
			started_at       TIMESTAMP,
			created_at       TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_campaigns_owner ON campaigns(owner_id);

		CREATE TABLE IF NOT EXISTS campaign_logs (
			id                 TEXT PRIMARY KEY,
			campaign_id        TEXT NOT NULL,
			phone              TEXT NOT NULL,
			name               TEXT NOT NULL DEFAULT '',
			status             TEXT NOT NULL DEFAULT 'PENDING',
			error              TEXT NOT NULL DEFAULT '',
			device_id          TEXT NOT NULL DEFAULT '',
			message_sent       TEXT NOT NULL DEFAULT '',
			gateway_message_id TEXT NOT NULL DEFAULT '',
			sent_at            TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_campaign_logs_campaign ON campaign_logs(campaign_id);
	`)
	if err != nil {
		return fmt.Errorf("create campaign tables: %w", err)
	}
	return nil
}

func (s *Store) Create(ctx context.Context, c *Campaign) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Status == "" {
		c.Status = StatusDraft
	}
	if c.DelayMinSec <= 0 {
		c.DelayMinSec = 5
	}
	if c.DelayMaxSec < c.DelayMinSec {
		c.DelayMaxSec = c.DelayMinSec + 25
	}
	c.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO campaigns (id, owner_id, name, message_template, status,
			delay_min_sec, delay_max_sec, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.OwnerID, c.Name, c.MessageTemplate, c.Status,
		c.DelayMinSec, c.DelayMaxSec, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert campaign %s: %w", c.Name, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*Campaign, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, name, message_template, status,
		       delay_min_sec, delay_max_sec, total_recipients,
		       sent_count, failed_count, started_at, created_at
		FROM campaigns WHERE id = ?`, id)

	var c Campaign
	var startedAt sql.NullTime
	err := row.Scan(&c.ID, &c.OwnerID, &c.Name, &c.MessageTemplate, &c.Status,
		&c.DelayMinSec, &c.DelayMaxSec, &c.TotalRecipients,
		&c.SentCount, &c.FailedCount, &startedAt, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load campaign %s: %w", id, err)
	}
	if startedAt.Valid {
		t := startedAt.Time
		c.StartedAt = &t
	}
	return &c, nil
}

// SetStatus transitions a campaign. Legal transitions are enforced by
// the callers; the store only records.
func (s *Store) SetStatus(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE campaigns SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("set campaign %s status: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkStarted stamps the start time and recipient total in one shot.
func (s *Store) MarkStarted(ctx context.Context, id string, total int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE campaigns SET status = ?, total_recipients = ?, started_at = ? WHERE id = ?`,
		StatusRunning, total, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("mark campaign %s started: %w", id, err)
	}
	return nil
}

// IncrementSent bumps the success counter atomically in the database,
// never via read-modify-write in process memory.
func (s *Store) IncrementSent(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE campaigns SET sent_count = sent_count + 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("increment sent for campaign %s: %w", id, err)
	}
	return nil
}

// IncrementFailed bumps the failure counter atomically.
func (s *Store) IncrementFailed(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE campaigns SET failed_count = failed_count + 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("increment failed for campaign %s: %w", id, err)
	}
	return nil
}

// MaybeComplete flips a running campaign to COMPLETED once every
// recipient has a terminal outcome. Safe to call after every delivery.
func (s *Store) MaybeComplete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE campaigns SET status = ?
		WHERE id = ? AND status = ? AND sent_count + failed_count >= total_recipients`,
		StatusCompleted, id, StatusRunning)
	if err != nil {
		return fmt.Errorf("complete campaign %s: %w", id, err)
	}
	return nil
}

func (s *Store) CreateLog(ctx context.Context, l *Log) error {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.Status == "" {
		l.Status = LogPending
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO campaign_logs (id, campaign_id, phone, name, status)
		VALUES (?, ?, ?, ?, ?)`,
		l.ID, l.CampaignID, l.Phone, l.Name, l.Status)
	if err != nil {
		return fmt.Errorf("insert campaign log: %w", err)
	}
	return nil
}

func (s *Store) GetLog(ctx context.Context, id string) (*Log, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, campaign_id, phone, name, status, error,
		       device_id, message_sent, gateway_message_id, sent_at
		FROM campaign_logs WHERE id = ?`, id)

	var l Log
	var sentAt sql.NullTime
	err := row.Scan(&l.ID, &l.CampaignID, &l.Phone, &l.Name, &l.Status, &l.Error,
		&l.DeviceID, &l.MessageSent, &l.GatewayMessageID, &sentAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load campaign log %s: %w", id, err)
	}
	if sentAt.Valid {
		t := sentAt.Time
		l.SentAt = &t
	}
	return &l, nil
}

// ListPendingLogs returns the recipients of a campaign that have not
// reached a terminal state, oldest first. Resuming a paused campaign
// re-enqueues exactly these.
func (s *Store) ListPendingLogs(ctx context.Context, campaignID string) ([]Log, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, campaign_id, phone, name, status
		FROM campaign_logs
		WHERE campaign_id = ? AND status = ?
		ORDER BY rowid ASC`, campaignID, LogPending)
	if err != nil {
		return nil, fmt.Errorf("list pending logs for %s: %w", campaignID, err)
	}
	defer rows.Close()

	var logs []Log
	for rows.Next() {
		var l Log
		if err := rows.Scan(&l.ID, &l.CampaignID, &l.Phone, &l.Name, &l.Status); err != nil {
			return nil, fmt.Errorf("scan pending log: %w", err)
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// SetLogSending records the chosen device and rendered message before
// the send is attempted.
func (s *Store) SetLogSending(ctx context.Context, id, deviceID, message string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE campaign_logs SET status = ?, device_id = ?, message_sent = ? WHERE id = ?`,
		LogSending, deviceID, message, id)
	if err != nil {
		return fmt.Errorf("mark log %s sending: %w", id, err)
	}
	return nil
}

func (s *Store) SetLogSent(ctx context.Context, id, gatewayMessageID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE campaign_logs SET status = ?, gateway_message_id = ?, sent_at = ?, error = '' WHERE id = ?`,
		LogSent, gatewayMessageID, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("mark log %s sent: %w", id, err)
	}
	return nil
}

func (s *Store) SetLogFailed(ctx context.Context, id, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE campaign_logs SET status = ?, error = ? WHERE id = ?`,
		LogFailed, reason, id)
	if err != nil {
		return fmt.Errorf("mark log %s failed: %w", id, err)
	}
	return nil
}
