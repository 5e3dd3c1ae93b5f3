package monitor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
)

// Outbox event statuses.
const (
	OutboxPending    = "PENDING"
	OutboxDelivering = "DELIVERING"
	OutboxDelivered  = "DELIVERED"
	OutboxFailed     = "FAILED"
)

type OutboxEvent struct {
	ID              string
	TenantID        string
	IncidentID      string
	Kind            string
	Payload         string
	Status          string
	Attempts        int
	NextAttemptAt   time.Time
	DeliveryReceipt string
	LastError       string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// DeliverFunc delivers one event to the external consumer and returns an
// opaque receipt.
type DeliverFunc func(ctx context.Context, ev OutboxEvent) (receipt string, err error)

// Outbox stores incident lifecycle events durably and delivers them
// at-least-once. Delivery is two-phase: a claim flips PENDING to DELIVERING
// and counts the attempt, then the handler runs. A failed attempt goes back
// to PENDING with a backoff so a later pass retries it; after maxAttempts
// the event is parked as FAILED.
type Outbox struct {
	store       *Store
	deliver     DeliverFunc
	backoffs    []int // seconds, indexed by attempts-1, clamped to the last
	jitterPct   float64
	maxAttempts int
	batchLimit  int
	now         func() time.Time
	jitter      func() float64 // uniform [0,1)
}

func NewOutbox(store *Store, cfg OutboxConfig, deliver DeliverFunc) *Outbox {
	return &Outbox{
		store:       store,
		deliver:     deliver,
		backoffs:    cfg.Backoffs,
		jitterPct:   cfg.JitterPct,
		maxAttempts: cfg.MaxAttempts,
		batchLimit:  cfg.BatchLimit,
		now:         time.Now,
		jitter:      rand.Float64,
	}
}

// Save enqueues an event. It is written in the same store as the state that
// produced it, so an event exists if and only if its incident change does.
func (o *Outbox) Save(ctx context.Context, tenantID, incidentID, kind, payload string) (string, error) {
	id := uuid.NewString()
	now := o.now().Unix()
	_, err := o.store.db.ExecContext(ctx,
		`INSERT INTO outbox_events (id, tenant_id, incident_id, kind, payload,
		 status, attempts, next_attempt_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, 'PENDING', 0, ?, ?, ?)`,
		id, tenantID, nullString(incidentID), kind, payload, now, now, now)
	if err != nil {
		return "", fmt.Errorf("save outbox event: %w", err)
	}
	return id, nil
}

// DeliverBatch processes due events. Only PENDING rows are claimed: a
// DELIVERING row belongs to an in-flight attempt and is left alone.
// Returns the number of events delivered.
func (o *Outbox) DeliverBatch(ctx context.Context) (int, error) {
	due, err := o.dueEvents(ctx)
	if err != nil {
		return 0, err
	}

	delivered := 0
	for _, ev := range due {
		claimed, err := o.claim(ctx, &ev)
		if err != nil {
			return delivered, err
		}
		if !claimed {
			continue
		}

		receipt, err := o.deliver(ctx, ev)
		if err != nil {
			if err := o.recordFailure(ctx, ev, err); err != nil {
				return delivered, err
			}
			continue
		}
		if err := o.recordDelivered(ctx, ev.ID, receipt); err != nil {
			return delivered, err
		}
		delivered++
	}
	return delivered, nil
}

func (o *Outbox) dueEvents(ctx context.Context) ([]OutboxEvent, error) {
	rows, err := o.store.db.QueryContext(ctx,
		`SELECT id, tenant_id, incident_id, kind, payload, status, attempts,
		 next_attempt_at, delivery_receipt, last_error, created_at, updated_at
		 FROM outbox_events
		 WHERE status = 'PENDING' AND next_attempt_at <= ?
		 ORDER BY next_attempt_at, created_at
		 LIMIT ?`, o.now().Unix(), o.batchLimit)
	if err != nil {
		return nil, fmt.Errorf("due outbox events: %w", err)
	}
	defer rows.Close()

	var out []OutboxEvent
	for rows.Next() {
		ev, err := scanOutboxEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ev)
	}
	return out, rows.Err()
}

// claim flips the event to DELIVERING and counts the attempt. The guarded
// update loses cleanly if another worker claimed the row first.
func (o *Outbox) claim(ctx context.Context, ev *OutboxEvent) (bool, error) {
	res, err := o.store.db.ExecContext(ctx,
		`UPDATE outbox_events
		 SET status = 'DELIVERING', attempts = attempts + 1, updated_at = ?
		 WHERE id = ? AND status = 'PENDING'`,
		o.now().Unix(), ev.ID)
	if err != nil {
		return false, fmt.Errorf("claim outbox event: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return false, nil
	}
	ev.Attempts++
	ev.Status = OutboxDelivering
	return true, nil
}

func (o *Outbox) recordDelivered(ctx context.Context, id, receipt string) error {
	_, err := o.store.db.ExecContext(ctx,
		`UPDATE outbox_events
		 SET status = 'DELIVERED', delivery_receipt = ?, last_error = '', updated_at = ?
		 WHERE id = ?`, truncate(receipt, 512), o.now().Unix(), id)
	if err != nil {
		return fmt.Errorf("record delivery: %w", err)
	}
	return nil
}

func (o *Outbox) recordFailure(ctx context.Context, ev OutboxEvent, cause error) error {
	now := o.now()
	if ev.Attempts >= o.maxAttempts {
		slog.Error("outbox event failed permanently", "event", ev.ID, "kind", ev.Kind, "attempts", ev.Attempts, "error", cause)
		_, err := o.store.db.ExecContext(ctx,
			`UPDATE outbox_events SET status = 'FAILED', last_error = ?, updated_at = ?
			 WHERE id = ?`, truncate(cause.Error(), 512), now.Unix(), ev.ID)
		if err != nil {
			return fmt.Errorf("record outbox failure: %w", err)
		}
		return nil
	}

	delay := o.backoffDelay(ev.Attempts)
	slog.Warn("outbox delivery failed, scheduling retry", "event", ev.ID, "attempt", ev.Attempts, "retry_in", delay, "error", cause)
	_, err := o.store.db.ExecContext(ctx,
		`UPDATE outbox_events
		 SET status = 'PENDING', next_attempt_at = ?, last_error = ?, updated_at = ?
		 WHERE id = ?`,
		now.Add(delay).Unix(), truncate(cause.Error(), 512), now.Unix(), ev.ID)
	if err != nil {
		return fmt.Errorf("record outbox retry: %w", err)
	}
	return nil
}

// backoffDelay picks the base backoff for the given attempt count (1-based)
// and spreads it with symmetric jitter.
func (o *Outbox) backoffDelay(attempts int) time.Duration {
	idx := attempts - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(o.backoffs) {
		idx = len(o.backoffs) - 1
	}
	base := float64(o.backoffs[idx])
	factor := 1 + o.jitterPct*(2*o.jitter()-1)
	return time.Duration(base * factor * float64(time.Second))
}

// GetOutboxEvent is used by tests and the read API.
func (s *Store) GetOutboxEvent(ctx context.Context, id string) (*OutboxEvent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, incident_id, kind, payload, status, attempts,
		 next_attempt_at, delivery_receipt, last_error, created_at, updated_at
		 FROM outbox_events WHERE id = ?`, id)
	ev, err := scanOutboxEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return ev, err
}

func scanOutboxEvent(row rowScanner) (*OutboxEvent, error) {
	ev := &OutboxEvent{}
	var incidentID sql.NullString
	var nextAt, createdAt, updatedAt int64
	err := row.Scan(&ev.ID, &ev.TenantID, &incidentID, &ev.Kind, &ev.Payload,
		&ev.Status, &ev.Attempts, &nextAt, &ev.DeliveryReceipt, &ev.LastError,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	ev.IncidentID = incidentID.String
	ev.NextAttemptAt = time.Unix(nextAt, 0).UTC()
	ev.CreatedAt = time.Unix(createdAt, 0).UTC()
	ev.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return ev, nil
}
