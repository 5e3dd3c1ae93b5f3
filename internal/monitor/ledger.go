package monitor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Notification statuses in the ledger.
const (
	NotifyPending      = "pending"
	NotifySuccess      = "success"
	NotifyFailed       = "failed"
	NotifySkippedGrace = "skipped_grace"
)

type NotificationRecord struct {
	ID         string
	TenantID   string
	IncidentID string
	AlertID    string
	Provider   string
	Recipient  string
	Status     string
	Message    string
	Error      string
	CreatedAt  time.Time
	SentAt     *time.Time
}

// RecordNotification appends to the ledger. Message and error are bounded so
// a runaway provider response cannot bloat the database.
func (s *Store) RecordNotification(ctx context.Context, r *NotificationRecord) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notification_log (id, tenant_id, incident_id, alert_id, provider,
		 recipient, status, message, error, created_at, sent_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.TenantID, nullString(r.IncidentID), nullString(r.AlertID), r.Provider,
		r.Recipient, r.Status, truncate(r.Message, 1024), truncate(r.Error, 512),
		r.CreatedAt.Unix(), unixPtr(r.SentAt))
	if err != nil {
		return fmt.Errorf("record notification: %w", err)
	}
	return nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// MarkNotificationSent flips a pending record to success and stamps sent_at.
func (s *Store) MarkNotificationSent(ctx context.Context, id string, sentAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE notification_log SET status = 'success', sent_at = ? WHERE id = ?`,
		sentAt.Unix(), id)
	if err != nil {
		return fmt.Errorf("mark notification sent: %w", err)
	}
	return nil
}

// MarkNotificationFailed records the final error on a pending record.
func (s *Store) MarkNotificationFailed(ctx context.Context, id, errMsg string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE notification_log SET status = 'failed', error = ? WHERE id = ?`,
		truncate(errMsg, 512), id)
	if err != nil {
		return fmt.Errorf("mark notification failed: %w", err)
	}
	return nil
}

// LastSuccessAt returns the most recent successful delivery for an incident,
// excluding technical providers. This timestamp is the sole source of truth
// for the reminder cooldown. Returns nil when nothing was ever delivered.
func (s *Store) LastSuccessAt(ctx context.Context, tenantID, incidentID string) (*time.Time, error) {
	var sentAt sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(sent_at) FROM notification_log
		 WHERE tenant_id = ? AND incident_id = ? AND status = 'success'
		   AND provider NOT IN ('grace', 'cooldown')`,
		tenantID, incidentID).Scan(&sentAt)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("last success: %w", err)
	}
	return timePtr(sentAt), nil
}

// LastTenantSuccessAt returns the most recent successful delivery for a
// tenant across all incidents, the anchor for grouping decisions.
func (s *Store) LastTenantSuccessAt(ctx context.Context, tenantID string) (*time.Time, error) {
	var sentAt sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(sent_at) FROM notification_log
		 WHERE tenant_id = ? AND status = 'success'
		   AND provider NOT IN ('grace', 'cooldown')`,
		tenantID).Scan(&sentAt)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("last tenant success: %w", err)
	}
	return timePtr(sentAt), nil
}

// ListNotifications returns ledger entries for a tenant, newest first.
func (s *Store) ListNotifications(ctx context.Context, tenantID string, limit int) ([]NotificationRecord, error) {
	query := `SELECT id, tenant_id, incident_id, alert_id, provider, recipient,
		status, message, error, created_at, sent_at
		FROM notification_log WHERE tenant_id = ?
		ORDER BY created_at DESC`
	args := []any{tenantID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	var out []NotificationRecord
	for rows.Next() {
		var r NotificationRecord
		var incidentID, alertID sql.NullString
		var createdAt int64
		var sentAt sql.NullInt64
		err := rows.Scan(&r.ID, &r.TenantID, &incidentID, &alertID, &r.Provider,
			&r.Recipient, &r.Status, &r.Message, &r.Error, &createdAt, &sentAt)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		r.IncidentID = incidentID.String
		r.AlertID = alertID.String
		r.CreatedAt = time.Unix(createdAt, 0).UTC()
		r.SentAt = timePtr(sentAt)
		out = append(out, r)
	}
	return out, rows.Err()
}
