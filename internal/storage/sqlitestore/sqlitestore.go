// Package sqlitestore provides an embedded SQLite implementation of
// storage.AlertStore for single-node deployments.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"ecg-sentinel/internal/storage"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS alerts (
        id              TEXT PRIMARY KEY,
        subject_id      TEXT NOT NULL,
        latitude        REAL NOT NULL,
        longitude       REAL NOT NULL,
        trigger_kind    TEXT NOT NULL,
        notes           TEXT NOT NULL DEFAULT '',
        window_snapshot TEXT NOT NULL,
        risk_snapshot   TEXT NOT NULL,
        status          TEXT NOT NULL,
        created_at      INTEGER NOT NULL,
        resolved_at     INTEGER
    )`,
	`CREATE INDEX IF NOT EXISTS alerts_created_at_idx ON alerts (created_at)`,
	`CREATE INDEX IF NOT EXISTS alerts_subject_idx ON alerts (subject_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS delivery_outcomes (
        id             TEXT PRIMARY KEY,
        alert_id       TEXT NOT NULL,
        recipient_kind TEXT NOT NULL,
        recipient_id   TEXT NOT NULL,
        recipient_name TEXT NOT NULL DEFAULT '',
        channel        TEXT NOT NULL,
        address        TEXT NOT NULL DEFAULT '',
        status         TEXT NOT NULL,
        error          TEXT NOT NULL DEFAULT '',
        provider_ref   TEXT NOT NULL DEFAULT '',
        attempted_at   INTEGER NOT NULL,
        completed_at   INTEGER NOT NULL,
        delivered_at   INTEGER,
        seq            INTEGER NOT NULL DEFAULT 0
    )`,
	`CREATE INDEX IF NOT EXISTS delivery_outcomes_alert_idx ON delivery_outcomes (alert_id, seq)`,
}

const (
	alertColumns = `id, subject_id, latitude, longitude, trigger_kind, notes,
        window_snapshot, risk_snapshot, status, created_at, resolved_at`

	outcomeColumns = `id, alert_id, recipient_kind, recipient_id, recipient_name, channel,
        address, status, error, provider_ref, attempted_at, completed_at, delivered_at`
)

// Store persists alerts in a SQLite file.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// one writer; keeps busy errors out of concurrent dispatch
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s on %s: %w", pragma, path, err)
		}
	}
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply sqlite schema: %w", err)
		}
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database handle.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateAlert inserts a new alert.
func (s *Store) CreateAlert(ctx context.Context, alert storage.Alert) error {
	window, err := json.Marshal(alert.Window)
	if err != nil {
		return fmt.Errorf("marshal window snapshot: %w", err)
	}
	risk, err := json.Marshal(alert.Risk)
	if err != nil {
		return fmt.Errorf("marshal risk snapshot: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO alerts (`+alertColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		alert.ID,
		alert.Subject,
		alert.Latitude,
		alert.Longitude,
		string(alert.Trigger),
		alert.Notes,
		string(window),
		string(risk),
		string(alert.Status),
		alert.CreatedAt.UnixNano(),
		nullableTime(alert.ResolvedAt),
	)
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	return nil
}

// GetAlert loads one alert.
func (s *Store) GetAlert(ctx context.Context, id string) (storage.Alert, error) {
	return scanAlert(s.db.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = ?`, id))
}

// UpdateAlertStatus moves an alert forward.
func (s *Store) UpdateAlertStatus(ctx context.Context, id string, status storage.AlertStatus, at time.Time) (storage.Alert, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storage.Alert{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	alert, err := scanAlert(tx.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = ?`, id))
	if err != nil {
		return storage.Alert{}, err
	}
	if err := alert.ApplyStatus(status, at); err != nil {
		return alert, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE alerts SET status = ?, resolved_at = ? WHERE id = ?`,
		string(alert.Status), nullableTime(alert.ResolvedAt), id); err != nil {
		return storage.Alert{}, fmt.Errorf("update alert status: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return storage.Alert{}, fmt.Errorf("commit: %w", err)
	}
	return alert, nil
}

// ListRecentAlerts lists the newest alerts, optionally for one subject.
func (s *Store) ListRecentAlerts(ctx context.Context, limit int, subject string) ([]storage.Alert, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+alertColumns+`
        FROM alerts
        WHERE (? = '' OR subject_id = ?)
        ORDER BY created_at DESC, id DESC
        LIMIT ?`, subject, subject, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent alerts: %w", err)
	}
	defer rows.Close()

	alerts := make([]storage.Alert, 0)
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, alert)
	}
	return alerts, rows.Err()
}

// AppendOutcome records a delivery attempt.
func (s *Store) AppendOutcome(ctx context.Context, o storage.DeliveryOutcome) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO delivery_outcomes (`+outcomeColumns+`, seq)
        VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,
            (SELECT COALESCE(MAX(seq), 0) + 1 FROM delivery_outcomes WHERE alert_id = ?))`,
		o.ID,
		o.AlertID,
		string(o.RecipientKind),
		o.RecipientID,
		o.RecipientName,
		o.Channel,
		o.Address,
		string(o.Status),
		o.Error,
		o.ProviderRef,
		o.AttemptedAt.UnixNano(),
		o.CompletedAt.UnixNano(),
		nullableTime(o.DeliveredAt),
		o.AlertID,
	)
	if err != nil {
		return fmt.Errorf("insert delivery outcome: %w", err)
	}
	return nil
}

// ListOutcomes returns the attempts for an alert in insert order.
func (s *Store) ListOutcomes(ctx context.Context, alertID string) ([]storage.DeliveryOutcome, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+outcomeColumns+`
        FROM delivery_outcomes
        WHERE alert_id = ?
        ORDER BY seq`, alertID)
	if err != nil {
		return nil, fmt.Errorf("list outcomes: %w", err)
	}
	defer rows.Close()

	outcomes := make([]storage.DeliveryOutcome, 0)
	for rows.Next() {
		o, err := scanOutcome(rows)
		if err != nil {
			return nil, err
		}
		outcomes = append(outcomes, o)
	}
	return outcomes, rows.Err()
}

// MarkDelivered applies a delivery confirmation.
func (s *Store) MarkDelivered(ctx context.Context, outcomeID string, at time.Time) (storage.DeliveryOutcome, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storage.DeliveryOutcome{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	o, err := scanOutcome(tx.QueryRowContext(ctx, `SELECT `+outcomeColumns+` FROM delivery_outcomes WHERE id = ?`, outcomeID))
	if err != nil {
		return storage.DeliveryOutcome{}, err
	}
	if err := o.MarkDelivered(at); err != nil {
		return o, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE delivery_outcomes SET status = ?, delivered_at = ? WHERE id = ?`,
		string(o.Status), nullableTime(o.DeliveredAt), o.ID); err != nil {
		return storage.DeliveryOutcome{}, fmt.Errorf("mark delivered: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return storage.DeliveryOutcome{}, fmt.Errorf("commit: %w", err)
	}
	return o, nil
}

// DeleteAlertsBefore removes old alerts together with their outcomes.
func (s *Store) DeleteAlertsBefore(ctx context.Context, olderThan time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	cutoff := olderThan.UnixNano()
	if _, err := tx.ExecContext(ctx, `DELETE FROM delivery_outcomes
        WHERE alert_id IN (SELECT id FROM alerts WHERE created_at < ?)`, cutoff); err != nil {
		return 0, fmt.Errorf("delete outcomes before: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM alerts WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete alerts before: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAlert(row scanner) (storage.Alert, error) {
	var (
		alert      storage.Alert
		trigger    string
		status     string
		window     string
		risk       string
		createdAt  int64
		resolvedAt sql.NullInt64
	)
	if err := row.Scan(
		&alert.ID,
		&alert.Subject,
		&alert.Latitude,
		&alert.Longitude,
		&trigger,
		&alert.Notes,
		&window,
		&risk,
		&status,
		&createdAt,
		&resolvedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Alert{}, storage.ErrNotFound
		}
		return storage.Alert{}, fmt.Errorf("scan alert: %w", err)
	}
	alert.Trigger = storage.TriggerKind(trigger)
	alert.Status = storage.AlertStatus(status)
	alert.CreatedAt = fromNanos(createdAt)
	alert.ResolvedAt = timePtr(resolvedAt)
	if err := storage.DecodeSnapshots(&alert, []byte(window), []byte(risk)); err != nil {
		return storage.Alert{}, err
	}
	return alert, nil
}

func scanOutcome(row scanner) (storage.DeliveryOutcome, error) {
	var (
		o           storage.DeliveryOutcome
		kind        string
		status      string
		attemptedAt int64
		completedAt int64
		deliveredAt sql.NullInt64
	)
	if err := row.Scan(
		&o.ID,
		&o.AlertID,
		&kind,
		&o.RecipientID,
		&o.RecipientName,
		&o.Channel,
		&o.Address,
		&status,
		&o.Error,
		&o.ProviderRef,
		&attemptedAt,
		&completedAt,
		&deliveredAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.DeliveryOutcome{}, storage.ErrNotFound
		}
		return storage.DeliveryOutcome{}, fmt.Errorf("scan outcome: %w", err)
	}
	o.RecipientKind = storage.RecipientKind(kind)
	o.Status = storage.OutcomeStatus(status)
	o.AttemptedAt = fromNanos(attemptedAt)
	o.CompletedAt = fromNanos(completedAt)
	o.DeliveredAt = timePtr(deliveredAt)
	return o, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

var _ storage.AlertStore = (*Store)(nil)
