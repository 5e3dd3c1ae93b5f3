package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/smtp"
	"strings"
	"sync"
	"time"
)

// webhookClient is a dedicated HTTP client for webhook notifications.
// Separate from http.DefaultClient to avoid shared state and configure timeouts.
var webhookClient = &http.Client{
	Timeout: 10 * time.Second,
	CheckRedirect: func(req *http.Request, via []*http.Request) error {
		if len(via) >= 3 {
			return fmt.Errorf("too many redirects")
		}
		return nil
	},
}

// NotificationRequest asks the dispatcher to notify a tenant about an
// incident. Resolved requests bypass the per-incident cooldown so a
// recovery is never silenced by its own alert.
type NotificationRequest struct {
	TenantID   string
	IncidentID string
	AlertID    string
	Severity   string
	Title      string
	Text       string
	Resolved   bool
}

// notification is the rendered message handed to a channel.
type notification struct {
	subject  string
	body     string
	severity string
	status   string // "firing" or "resolved"
}

// Channel sends notifications to a single tenant destination.
type Channel interface {
	Provider() string
	Recipient() string
	Send(ctx context.Context, n notification) error
}

// Dispatcher delivers notification requests through per-tenant channels with
// an ordered pipeline: validate, resolve channels, record pending, cooldown
// gate, send with retry, record outcome. Requests are queued and processed
// asynchronously so slow providers never block the evaluators.
type Dispatcher struct {
	store    *Store
	settings *Settings
	cfg      *Config
	queue    chan NotificationRequest
	backoffs []time.Duration
	now      func() time.Time
	wg       sync.WaitGroup // tracks worker goroutines
	pending  sync.WaitGroup // tracks queued-but-unprocessed items
	stopOnce sync.Once
}

func NewDispatcher(store *Store, settings *Settings, cfg *Config) *Dispatcher {
	d := &Dispatcher{
		store:    store,
		settings: settings,
		cfg:      cfg,
		queue:    make(chan NotificationRequest, 64),
		backoffs: []time.Duration{30 * time.Second, 60 * time.Second, 120 * time.Second},
		now:      time.Now,
	}
	workers := cfg.Workers.Notify
	if workers <= 0 {
		workers = 1
	}
	for range workers {
		d.wg.Add(1)
		go d.run()
	}
	return d
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for req := range d.queue {
		d.process(context.Background(), req)
		d.pending.Done()
	}
}

// Dispatch queues a request for async delivery. If the queue is full, the
// request is dropped with a warning. This never blocks the caller.
func (d *Dispatcher) Dispatch(req NotificationRequest) {
	d.pending.Add(1)
	select {
	case d.queue <- req:
	default:
		d.pending.Done()
		slog.Warn("notification queue full, dropping", "tenant", req.TenantID, "title", req.Title)
	}
}

// Flush waits for all queued requests to be processed.
func (d *Dispatcher) Flush() {
	d.pending.Wait()
}

// Stop closes the queue and waits for remaining items to drain.
// Safe to call multiple times.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.queue) })
	d.wg.Wait()
}

func (d *Dispatcher) process(ctx context.Context, req NotificationRequest) {
	if err := validateRequest(req); err != nil {
		slog.Warn("dropping invalid notification request", "tenant", req.TenantID, "error", err)
		d.recordDropped(ctx, req, err.Error())
		return
	}

	channels := d.channelsFor(ctx, req.TenantID)
	if len(channels) == 0 {
		slog.Info("no notification channel configured", "tenant", req.TenantID, "title", req.Title)
		d.recordDropped(ctx, req, "no notification channel configured")
		return
	}

	// Cooldown applies per incident and only to firing notifications.
	if !req.Resolved && req.IncidentID != "" {
		reminder := d.settings.Reminder(ctx, req.TenantID)
		last, err := d.store.LastSuccessAt(ctx, req.TenantID, req.IncidentID)
		if err != nil {
			slog.Error("cooldown lookup failed", "incident", req.IncidentID, "error", err)
			return
		}
		if last != nil && d.now().Sub(*last) < reminder {
			d.recordTechnical(ctx, req, "cooldown", "skipped_cooldown")
			return
		}
	}

	status := "firing"
	if req.Resolved {
		status = "resolved"
	}
	msg := notification{
		subject:  req.Title,
		body:     req.Text,
		severity: req.Severity,
		status:   status,
	}

	for _, ch := range channels {
		rec := &NotificationRecord{
			TenantID:   req.TenantID,
			IncidentID: req.IncidentID,
			AlertID:    req.AlertID,
			Provider:   ch.Provider(),
			Recipient:  ch.Recipient(),
			Status:     NotifyPending,
			Message:    req.Title,
		}
		if err := d.store.RecordNotification(ctx, rec); err != nil {
			slog.Error("failed to record notification", "error", err)
			continue
		}

		if err := d.sendWithRetry(ctx, ch, msg); err != nil {
			if markErr := d.store.MarkNotificationFailed(ctx, rec.ID, err.Error()); markErr != nil {
				slog.Error("failed to record notification failure", "error", markErr)
			}
			continue
		}
		if err := d.store.MarkNotificationSent(ctx, rec.ID, d.now()); err != nil {
			slog.Error("failed to record notification success", "error", err)
		}
	}
}

func validateRequest(req NotificationRequest) error {
	if req.TenantID == "" {
		return fmt.Errorf("missing tenant")
	}
	if req.Title == "" {
		return fmt.Errorf("missing title")
	}
	switch req.Severity {
	case "info", "warning", "error", "critical", "":
	default:
		return fmt.Errorf("unknown severity %q", req.Severity)
	}
	return nil
}

// recordDropped writes a non-retryable failed entry so a request that never
// reached a provider still leaves an audit trail. A request without a tenant
// cannot be attributed and is only logged.
func (d *Dispatcher) recordDropped(ctx context.Context, req NotificationRequest, reason string) {
	if req.TenantID == "" {
		return
	}
	err := d.store.RecordNotification(ctx, &NotificationRecord{
		TenantID:   req.TenantID,
		IncidentID: req.IncidentID,
		AlertID:    req.AlertID,
		Provider:   "none",
		Status:     NotifyFailed,
		Message:    req.Title,
		Error:      reason,
	})
	if err != nil {
		slog.Error("failed to record dropped notification", "error", err)
	}
}

// recordTechnical writes a ledger entry for a suppressed notification. The
// "grace" and "cooldown" providers never count as deliveries.
func (d *Dispatcher) recordTechnical(ctx context.Context, req NotificationRequest, provider, status string) {
	err := d.store.RecordNotification(ctx, &NotificationRecord{
		TenantID:   req.TenantID,
		IncidentID: req.IncidentID,
		AlertID:    req.AlertID,
		Provider:   provider,
		Status:     status,
		Message:    req.Title,
	})
	if err != nil {
		slog.Error("failed to record suppressed notification", "error", err)
	}
}

// channelsFor resolves the tenant's configured channels. Slack needs a
// tenant webhook; email needs both a deployment SMTP host and a tenant
// address.
func (d *Dispatcher) channelsFor(ctx context.Context, tenantID string) []Channel {
	var channels []Channel
	if url := d.settings.SlackWebhook(ctx, tenantID); url != "" {
		channels = append(channels, &slackChannel{url: url})
	}
	if d.cfg.Notify.Email.SMTPHost != "" {
		if to := d.settings.NotificationEmail(ctx, tenantID); to != "" {
			channels = append(channels, &emailChannel{cfg: d.cfg.Notify.Email, to: to})
		}
	}
	return channels
}

// sendWithRetry attempts delivery with backoff between attempts. Retries
// abort early if ctx is cancelled.
func (d *Dispatcher) sendWithRetry(ctx context.Context, ch Channel, msg notification) error {
	var err error
	for attempt := range len(d.backoffs) + 1 {
		err = ch.Send(ctx, msg)
		if err == nil {
			return nil
		}
		if attempt < len(d.backoffs) {
			slog.Warn("notification failed, retrying", "provider", ch.Provider(), "error", err, "attempt", attempt+1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d.backoffs[attempt]):
			}
		}
	}
	slog.Error("notification failed after retries", "provider", ch.Provider(), "error", err)
	return err
}

// slackChannel posts to a tenant's incoming-webhook URL.
type slackChannel struct {
	url string
}

func (s *slackChannel) Provider() string  { return "slack" }
func (s *slackChannel) Recipient() string { return s.url }

func (s *slackChannel) Send(ctx context.Context, n notification) error {
	payload, err := json.Marshal(map[string]string{
		"text": fmt.Sprintf("*%s*\n%s", n.subject, n.body),
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := webhookClient.Do(req)
	if err != nil {
		return err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}

// emailChannel sends notifications via SMTP.
type emailChannel struct {
	cfg EmailConfig
	to  string
}

func (e *emailChannel) Provider() string  { return "email" }
func (e *emailChannel) Recipient() string { return e.to }

func (e *emailChannel) Send(ctx context.Context, n notification) error {
	addr := net.JoinHostPort(e.cfg.SMTPHost, fmt.Sprintf("%d", e.cfg.SMTPPort))

	// Sanitize header values to prevent SMTP header injection.
	from := sanitizeHeader(e.cfg.From)
	to := sanitizeHeader(e.to)
	subject := sanitizeHeader(n.subject)

	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nDate: %s\r\n\r\n%s",
		from, to, subject, time.Now().Format(time.RFC1123Z), n.body)

	// Use a context-aware dialer so SMTP respects cancellation.
	dialer := net.Dialer{Timeout: 10 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("smtp connect: %w", err)
	}
	if err := conn.SetDeadline(time.Now().Add(30 * time.Second)); err != nil {
		conn.Close()
		return fmt.Errorf("smtp deadline: %w", err)
	}

	c, err := smtp.NewClient(conn, e.cfg.SMTPHost)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smtp client: %w", err)
	}
	defer c.Close()

	if err := c.Mail(from); err != nil {
		return err
	}
	if err := c.Rcpt(to); err != nil {
		return err
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write([]byte(msg)); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}

// sanitizeHeader strips CR and LF characters to prevent SMTP header injection.
func sanitizeHeader(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", "")
	return s
}
