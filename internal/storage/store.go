package storage

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrNotConfigured indicates the storage pool was not initialised.
var ErrNotConfigured = errors.New("storage: pool not configured")

var tracer = otel.Tracer("ecg-sentinel/internal/storage")

//go:embed schema.sql
var schema string

const (
	alertColumns = `id, subject_id, latitude, longitude, trigger_kind, notes,
        window_snapshot, risk_snapshot, status, created_at, resolved_at`

	outcomeColumns = `id, alert_id, recipient_kind, recipient_id, recipient_name, channel,
        address, status, error, provider_ref, attempted_at, completed_at, delivered_at`

	insertAlertSQL = `INSERT INTO alerts (` + alertColumns + `)
    VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11);`

	getAlertSQL = `SELECT ` + alertColumns + ` FROM alerts WHERE id = $1;`

	lockAlertSQL = `SELECT ` + alertColumns + ` FROM alerts WHERE id = $1 FOR UPDATE;`

	updateAlertStatusSQL = `UPDATE alerts SET status = $2, resolved_at = $3 WHERE id = $1;`

	listRecentAlertsSQL = `SELECT ` + alertColumns + `
    FROM alerts
    WHERE ($2 = '' OR subject_id = $2)
    ORDER BY created_at DESC
    LIMIT $1;`

	deleteAlertsBeforeSQL = `DELETE FROM alerts WHERE created_at < $1;`

	insertOutcomeSQL = `INSERT INTO delivery_outcomes (` + outcomeColumns + `)
    VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13);`

	listOutcomesSQL = `SELECT ` + outcomeColumns + `
    FROM delivery_outcomes
    WHERE alert_id = $1
    ORDER BY attempted_at, recipient_kind, recipient_id, channel;`

	lockOutcomeSQL = `SELECT ` + outcomeColumns + ` FROM delivery_outcomes WHERE id = $1 FOR UPDATE;`

	markDeliveredSQL = `UPDATE delivery_outcomes SET status = $2, delivered_at = $3 WHERE id = $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// AlertStore persists alerts and their delivery outcomes.
type AlertStore interface {
	CreateAlert(ctx context.Context, alert Alert) error
	GetAlert(ctx context.Context, id string) (Alert, error)
	UpdateAlertStatus(ctx context.Context, id string, status AlertStatus, at time.Time) (Alert, error)
	ListRecentAlerts(ctx context.Context, limit int, subject string) ([]Alert, error)
	AppendOutcome(ctx context.Context, outcome DeliveryOutcome) error
	ListOutcomes(ctx context.Context, alertID string) ([]DeliveryOutcome, error)
	MarkDelivered(ctx context.Context, outcomeID string, at time.Time) (DeliveryOutcome, error)
	DeleteAlertsBefore(ctx context.Context, olderThan time.Time) (int64, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store keeps alerts, outcomes and the responder directory in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	return pool.Ping(ctx)
}

// Migrate applies the embedded schema. It is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctxUnlock, advisoryUnlockSQL, key); err != nil {
			// the session lock dies with the connection
			conn.Conn().Close(ctxUnlock) //nolint:errcheck
		}
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

func startSpan(ctx context.Context, name, operation string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", operation),
	))
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// CreateAlert inserts a new alert.
func (s *Store) CreateAlert(ctx context.Context, alert Alert) error {
	ctx, span := startSpan(ctx, "storage.CreateAlert", "INSERT")
	defer span.End()

	pool, err := s.getPool()
	if err != nil {
		return fail(span, err)
	}

	window, err := json.Marshal(alert.Window)
	if err != nil {
		return fail(span, fmt.Errorf("marshal window snapshot: %w", err))
	}
	risk, err := json.Marshal(alert.Risk)
	if err != nil {
		return fail(span, fmt.Errorf("marshal risk snapshot: %w", err))
	}

	if _, err := pool.Exec(ctx, insertAlertSQL,
		alert.ID,
		alert.Subject,
		alert.Latitude,
		alert.Longitude,
		string(alert.Trigger),
		alert.Notes,
		window,
		risk,
		string(alert.Status),
		alert.CreatedAt,
		alert.ResolvedAt,
	); err != nil {
		return fail(span, fmt.Errorf("insert alert: %w", err))
	}
	return nil
}

// GetAlert loads one alert.
func (s *Store) GetAlert(ctx context.Context, id string) (Alert, error) {
	ctx, span := startSpan(ctx, "storage.GetAlert", "SELECT")
	defer span.End()

	pool, err := s.getPool()
	if err != nil {
		return Alert{}, fail(span, err)
	}
	alert, err := scanAlert(pool.QueryRow(ctx, getAlertSQL, id))
	if err != nil {
		return Alert{}, fail(span, err)
	}
	return alert, nil
}

// UpdateAlertStatus moves an alert forward. Backward moves return
// ErrInvalidTransition and leave the row untouched.
func (s *Store) UpdateAlertStatus(ctx context.Context, id string, status AlertStatus, at time.Time) (Alert, error) {
	ctx, span := startSpan(ctx, "storage.UpdateAlertStatus", "UPDATE")
	defer span.End()

	pool, err := s.getPool()
	if err != nil {
		return Alert{}, fail(span, err)
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return Alert{}, fail(span, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	alert, err := scanAlert(tx.QueryRow(ctx, lockAlertSQL, id))
	if err != nil {
		return Alert{}, fail(span, err)
	}
	if err := alert.ApplyStatus(status, at); err != nil {
		return alert, err
	}
	if _, err := tx.Exec(ctx, updateAlertStatusSQL, id, string(alert.Status), alert.ResolvedAt); err != nil {
		return Alert{}, fail(span, fmt.Errorf("update alert status: %w", err))
	}
	if err := tx.Commit(ctx); err != nil {
		return Alert{}, fail(span, fmt.Errorf("commit: %w", err))
	}
	return alert, nil
}

// ListRecentAlerts lists the newest alerts, optionally for one subject.
func (s *Store) ListRecentAlerts(ctx context.Context, limit int, subject string) ([]Alert, error) {
	ctx, span := startSpan(ctx, "storage.ListRecentAlerts", "SELECT")
	defer span.End()

	pool, err := s.getPool()
	if err != nil {
		return nil, fail(span, err)
	}

	rows, err := pool.Query(ctx, listRecentAlertsSQL, limit, subject)
	if err != nil {
		return nil, fail(span, fmt.Errorf("list recent alerts: %w", err))
	}
	defer rows.Close()

	alerts := make([]Alert, 0, limit)
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, fail(span, err)
		}
		alerts = append(alerts, alert)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, err)
	}
	return alerts, nil
}

// DeleteAlertsBefore removes alerts created before olderThan. Outcomes go
// with them through the foreign key.
func (s *Store) DeleteAlertsBefore(ctx context.Context, olderThan time.Time) (int64, error) {
	ctx, span := startSpan(ctx, "storage.DeleteAlertsBefore", "DELETE")
	defer span.End()

	pool, err := s.getPool()
	if err != nil {
		return 0, fail(span, err)
	}
	tag, err := pool.Exec(ctx, deleteAlertsBeforeSQL, olderThan)
	if err != nil {
		return 0, fail(span, fmt.Errorf("delete alerts before: %w", err))
	}
	return tag.RowsAffected(), nil
}

// AppendOutcome records a delivery attempt.
func (s *Store) AppendOutcome(ctx context.Context, o DeliveryOutcome) error {
	ctx, span := startSpan(ctx, "storage.AppendOutcome", "INSERT")
	defer span.End()

	pool, err := s.getPool()
	if err != nil {
		return fail(span, err)
	}
	if _, err := pool.Exec(ctx, insertOutcomeSQL,
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
		o.AttemptedAt,
		o.CompletedAt,
		o.DeliveredAt,
	); err != nil {
		return fail(span, fmt.Errorf("insert delivery outcome: %w", err))
	}
	return nil
}

// ListOutcomes returns every attempt recorded for an alert.
func (s *Store) ListOutcomes(ctx context.Context, alertID string) ([]DeliveryOutcome, error) {
	ctx, span := startSpan(ctx, "storage.ListOutcomes", "SELECT")
	defer span.End()

	pool, err := s.getPool()
	if err != nil {
		return nil, fail(span, err)
	}
	rows, err := pool.Query(ctx, listOutcomesSQL, alertID)
	if err != nil {
		return nil, fail(span, fmt.Errorf("list outcomes: %w", err))
	}
	defer rows.Close()

	outcomes := make([]DeliveryOutcome, 0)
	for rows.Next() {
		o, err := scanOutcome(rows)
		if err != nil {
			return nil, fail(span, err)
		}
		outcomes = append(outcomes, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, err)
	}
	return outcomes, nil
}

// MarkDelivered applies a provider delivery confirmation.
func (s *Store) MarkDelivered(ctx context.Context, outcomeID string, at time.Time) (DeliveryOutcome, error) {
	ctx, span := startSpan(ctx, "storage.MarkDelivered", "UPDATE")
	defer span.End()

	pool, err := s.getPool()
	if err != nil {
		return DeliveryOutcome{}, fail(span, err)
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return DeliveryOutcome{}, fail(span, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	o, err := scanOutcome(tx.QueryRow(ctx, lockOutcomeSQL, outcomeID))
	if err != nil {
		return DeliveryOutcome{}, fail(span, err)
	}
	if err := o.MarkDelivered(at); err != nil {
		return o, err
	}
	if _, err := tx.Exec(ctx, markDeliveredSQL, o.ID, string(o.Status), o.DeliveredAt); err != nil {
		return DeliveryOutcome{}, fail(span, fmt.Errorf("mark delivered: %w", err))
	}
	if err := tx.Commit(ctx); err != nil {
		return DeliveryOutcome{}, fail(span, fmt.Errorf("commit: %w", err))
	}
	return o, nil
}

func scanAlert(row pgx.Row) (Alert, error) {
	var (
		alert   Alert
		trigger string
		status  string
		window  []byte
		risk    []byte
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
		&alert.CreatedAt,
		&alert.ResolvedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Alert{}, ErrNotFound
		}
		return Alert{}, fmt.Errorf("scan alert: %w", err)
	}
	alert.Trigger = TriggerKind(trigger)
	alert.Status = AlertStatus(status)
	if err := DecodeSnapshots(&alert, window, risk); err != nil {
		return Alert{}, err
	}
	return alert, nil
}

func scanOutcome(row pgx.Row) (DeliveryOutcome, error) {
	var (
		o      DeliveryOutcome
		kind   string
		status string
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
		&o.AttemptedAt,
		&o.CompletedAt,
		&o.DeliveredAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return DeliveryOutcome{}, ErrNotFound
		}
		return DeliveryOutcome{}, fmt.Errorf("scan outcome: %w", err)
	}
	o.RecipientKind = RecipientKind(kind)
	o.Status = OutcomeStatus(status)
	return o, nil
}

// DecodeSnapshots fills the window and risk snapshots from their JSON form.
func DecodeSnapshots(alert *Alert, window, risk []byte) error {
	if len(window) > 0 {
		if err := json.Unmarshal(window, &alert.Window); err != nil {
			return fmt.Errorf("decode window snapshot: %w", err)
		}
	}
	if len(risk) > 0 {
		if err := json.Unmarshal(risk, &alert.Risk); err != nil {
			return fmt.Errorf("decode risk snapshot: %w", err)
		}
	}
	return nil
}

var (
	_ AlertStore     = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
)
