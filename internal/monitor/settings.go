package monitor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// tenantSettingsRow mirrors the tenant_settings table. All columns nullable:
// NULL means "fall through to the deployment config".
type tenantSettingsRow struct {
	ReminderSeconds           *int64
	GracePeriodSeconds        *int64
	GroupingEnabled           *bool
	GroupingWindowSeconds     *int64
	NotifyOnResolve           *bool
	HeartbeatThresholdSeconds *int64
	SlackWebhook              *string
	NotificationEmail         *string
}

// Settings resolves effective per-tenant settings: tenant row first, then the
// deployment config, then hard defaults. A read failure logs and falls back
// rather than failing the caller; a broken settings row must not stop the
// incident engine.
type Settings struct {
	store *Store
	cfg   *Config
}

func NewSettings(store *Store, cfg *Config) *Settings {
	return &Settings{store: store, cfg: cfg}
}

func (s *Settings) row(ctx context.Context, tenantID string) *tenantSettingsRow {
	r := &tenantSettingsRow{}
	err := s.store.db.QueryRowContext(ctx,
		`SELECT reminder_seconds, grace_period_seconds, grouping_enabled,
		 grouping_window_seconds, notify_on_resolve, heartbeat_threshold_seconds,
		 slack_webhook, notification_email
		 FROM tenant_settings WHERE tenant_id = ?`, tenantID).
		Scan(&r.ReminderSeconds, &r.GracePeriodSeconds, &r.GroupingEnabled,
			&r.GroupingWindowSeconds, &r.NotifyOnResolve, &r.HeartbeatThresholdSeconds,
			&r.SlackWebhook, &r.NotificationEmail)
	if errors.Is(err, sql.ErrNoRows) {
		return &tenantSettingsRow{}
	}
	if err != nil {
		slog.Warn("failed to read tenant settings, using defaults", "tenant", tenantID, "error", err)
		return &tenantSettingsRow{}
	}
	return r
}

// Reminder is the per-incident notification cooldown.
func (s *Settings) Reminder(ctx context.Context, tenantID string) time.Duration {
	if r := s.row(ctx, tenantID); r.ReminderSeconds != nil && *r.ReminderSeconds > 0 {
		return time.Duration(*r.ReminderSeconds) * time.Second
	}
	if s.cfg.Notify.Reminder.Duration > 0 {
		return s.cfg.Notify.Reminder.Duration
	}
	return 1800 * time.Second
}

// Staleness is the age beyond which a metric counts as silent.
func (s *Settings) Staleness(ctx context.Context, tenantID string) time.Duration {
	if r := s.row(ctx, tenantID); r.HeartbeatThresholdSeconds != nil && *r.HeartbeatThresholdSeconds > 0 {
		return time.Duration(*r.HeartbeatThresholdSeconds) * time.Second
	}
	if s.cfg.Scan.Staleness.Duration > 0 {
		return s.cfg.Scan.Staleness.Duration
	}
	return 300 * time.Second
}

// GracePeriod is the per-tenant notification suppression window after an
// http target state change.
func (s *Settings) GracePeriod(ctx context.Context, tenantID string) time.Duration {
	if r := s.row(ctx, tenantID); r.GracePeriodSeconds != nil && *r.GracePeriodSeconds >= 0 {
		return time.Duration(*r.GracePeriodSeconds) * time.Second
	}
	if s.cfg.Scan.GracePeriod.Duration > 0 {
		return s.cfg.Scan.GracePeriod.Duration
	}
	return 120 * time.Second
}

func (s *Settings) GroupingEnabled(ctx context.Context, tenantID string) bool {
	if r := s.row(ctx, tenantID); r.GroupingEnabled != nil {
		return *r.GroupingEnabled
	}
	return false
}

func (s *Settings) GroupingWindow(ctx context.Context, tenantID string) time.Duration {
	if r := s.row(ctx, tenantID); r.GroupingWindowSeconds != nil && *r.GroupingWindowSeconds > 0 {
		return time.Duration(*r.GroupingWindowSeconds) * time.Second
	}
	return s.cfg.Notify.GroupingWindow.Duration
}

func (s *Settings) NotifyOnResolve(ctx context.Context, tenantID string) bool {
	if r := s.row(ctx, tenantID); r.NotifyOnResolve != nil {
		return *r.NotifyOnResolve
	}
	return s.cfg.Notify.NotifyOnResolve
}

// SlackWebhook has no deployment-level fallback: a tenant without a webhook
// simply has no slack channel.
func (s *Settings) SlackWebhook(ctx context.Context, tenantID string) string {
	if r := s.row(ctx, tenantID); r.SlackWebhook != nil {
		return *r.SlackWebhook
	}
	return ""
}

func (s *Settings) NotificationEmail(ctx context.Context, tenantID string) string {
	if r := s.row(ctx, tenantID); r.NotificationEmail != nil {
		return *r.NotificationEmail
	}
	return ""
}

// TenantSettingsUpdate carries the nullable per-tenant overrides for upsert.
type TenantSettingsUpdate struct {
	ReminderSeconds           *int64
	GracePeriodSeconds        *int64
	GroupingEnabled           *bool
	GroupingWindowSeconds     *int64
	NotifyOnResolve           *bool
	HeartbeatThresholdSeconds *int64
	SlackWebhook              *string
	NotificationEmail         *string
}

func (s *Store) UpsertTenantSettings(ctx context.Context, tenantID string, u TenantSettingsUpdate) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tenant_settings (tenant_id, reminder_seconds, grace_period_seconds,
		 grouping_enabled, grouping_window_seconds, notify_on_resolve,
		 heartbeat_threshold_seconds, slack_webhook, notification_email)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(tenant_id) DO UPDATE SET
		   reminder_seconds = excluded.reminder_seconds,
		   grace_period_seconds = excluded.grace_period_seconds,
		   grouping_enabled = excluded.grouping_enabled,
		   grouping_window_seconds = excluded.grouping_window_seconds,
		   notify_on_resolve = excluded.notify_on_resolve,
		   heartbeat_threshold_seconds = excluded.heartbeat_threshold_seconds,
		   slack_webhook = excluded.slack_webhook,
		   notification_email = excluded.notification_email`,
		tenantID, nullable(u.ReminderSeconds), nullable(u.GracePeriodSeconds),
		nullable(u.GroupingEnabled), nullable(u.GroupingWindowSeconds),
		nullable(u.NotifyOnResolve), nullable(u.HeartbeatThresholdSeconds),
		nullable(u.SlackWebhook), nullable(u.NotificationEmail))
	if err != nil {
		return fmt.Errorf("upsert tenant settings: %w", err)
	}
	return nil
}
