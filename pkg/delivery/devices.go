package delivery

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Gateway session states as reported by the messaging gateway. Only
// WORKING devices are eligible for broadcast sends.
const (
	DeviceStopped  = "STOPPED"
	DeviceStarting = "STARTING"
	DeviceScanQR   = "SCAN_QR"
	DeviceWorking  = "WORKING"
	DeviceFailed   = "FAILED"
)

// ErrDeviceNotFound is returned when a session name resolves to nothing.
var ErrDeviceNotFound = errors.New("device not found")

// Device is one connected gateway session owned by a tenant.
type Device struct {
	ID          string
	OwnerID     string
	SessionName string
	Status      string
	PhoneNumber string
}

// DeviceStore persists gateway sessions and their health.
type DeviceStore struct {
	db *sql.DB
}

func NewDeviceStore(db *sql.DB) *DeviceStore {
	return &DeviceStore{db: db}
}

func (s *DeviceStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS devices (
			id           TEXT PRIMARY KEY,
			owner_id     TEXT NOT NULL,
			session_name TEXT NOT NULL UNIQUE,
			status       TEXT NOT NULL DEFAULT 'STOPPED',
			phone_number TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_devices_owner ON devices(owner_id);
	`)
	if err != nil {
		return fmt.Errorf("create devices table: %w", err)
	}
	return nil
}

func (s *DeviceStore) Create(ctx context.Context, d *Device) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.Status == "" {
		d.Status = DeviceStopped
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO devices (id, owner_id, session_name, status, phone_number)
		VALUES (?, ?, ?, ?, ?)`,
		d.ID, d.OwnerID, d.SessionName, d.Status, d.PhoneNumber)
	if err != nil {
		return fmt.Errorf("insert device %s: %w", d.SessionName, err)
	}
	return nil
}

// ListHealthy returns the tenant's WORKING devices in a stable order,
// which the round-robin rotation depends on.
func (s *DeviceStore) ListHealthy(ctx context.Context, ownerID string) ([]Device, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, session_name, status, phone_number
		FROM devices WHERE owner_id = ? AND status = ?
		ORDER BY id ASC`, ownerID, DeviceWorking)
	if err != nil {
		return nil, fmt.Errorf("list healthy devices: %w", err)
	}
	defer rows.Close()

	var out []Device
	for rows.Next() {
		var d Device
		if err := rows.Scan(&d.ID, &d.OwnerID, &d.SessionName, &d.Status, &d.PhoneNumber); err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// List returns every registered device across tenants, for the
// session health sweep.
func (s *DeviceStore) List(ctx context.Context) ([]Device, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, session_name, status, phone_number
		FROM devices ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	var out []Device
	for rows.Next() {
		var d Device
		if err := rows.Scan(&d.ID, &d.OwnerID, &d.SessionName, &d.Status, &d.PhoneNumber); err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// GetBySession resolves a gateway session name to its device record.
func (s *DeviceStore) GetBySession(ctx context.Context, sessionName string) (*Device, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, session_name, status, phone_number
		FROM devices WHERE session_name = ?`, sessionName)

	var d Device
	err := row.Scan(&d.ID, &d.OwnerID, &d.SessionName, &d.Status, &d.PhoneNumber)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDeviceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load device %s: %w", sessionName, err)
	}
	return &d, nil
}

// SetStatus updates a session's health from gateway status events.
func (s *DeviceStore) SetStatus(ctx context.Context, sessionName, status string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE devices SET status = ? WHERE session_name = ?`, status, sessionName)
	if err != nil {
		return fmt.Errorf("set device %s status: %w", sessionName, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrDeviceNotFound
	}
	return nil
}
