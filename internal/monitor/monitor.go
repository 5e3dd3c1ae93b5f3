package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// staleBreachMaxAge is the slack added on top of the tenant staleness
// threshold before an unverifiable open breach is auto-resolved.
const staleBreachMaxAge = 1 * time.Hour

// Monitor orchestrates the incident lifecycle engine: ingest feeds the
// evaluation queue, periodic tickers drive the freshness scanner, the http
// prober, the machine heartbeat, the outbox and maintenance.
type Monitor struct {
	cfg        *Config
	store      *Store
	settings   *Settings
	dispatcher *Dispatcher
	evaluator  *Evaluator
	scanner    *Scanner
	prober     *ProbeRunner
	outbox     *Outbox
	heartbeat  *StatusUpdater
	ingestor   *Ingestor

	evalQueue chan string
	wg        sync.WaitGroup
}

// New creates a Monitor from the given config.
func New(cfg *Config) (*Monitor, error) {
	store, err := OpenStore(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	settings := NewSettings(store, cfg)
	dispatcher := NewDispatcher(store, settings, cfg)

	m := &Monitor{
		cfg:        cfg,
		store:      store,
		settings:   settings,
		dispatcher: dispatcher,
		evalQueue:  make(chan string, 256),
	}

	m.evaluator = NewEvaluator(store, settings, dispatcher.Dispatch, cfg.Scan.StartupGrace.Duration)
	m.scanner = NewScanner(store, settings, dispatcher.Dispatch, cfg.Scan.StartupGrace.Duration)
	m.prober = NewProbeRunner(store, settings, dispatcher.Dispatch, cfg.Scan.StartupGrace.Duration)
	m.heartbeat = NewStatusUpdater(store, settings)
	m.ingestor = NewIngestor(store, cfg.Ingest, m.EnqueueEvaluate)

	if cfg.Events.WebhookURL != "" {
		m.outbox = NewOutbox(store, cfg.Outbox, webhookDeliverer(cfg.Events.WebhookURL))
		store.OnIncidentChange(m.saveIncidentEvent)
	}

	return m, nil
}

// Store exposes the underlying store to the HTTP boundary.
func (m *Monitor) Store() *Store { return m.store }

// Ingestor exposes the ingest pipeline to the HTTP boundary.
func (m *Monitor) Ingestor() *Ingestor { return m.ingestor }

// EnqueueEvaluate queues a machine for threshold evaluation. Never blocks;
// a full queue drops the request, the next ingest or scan retries.
func (m *Monitor) EnqueueEvaluate(machineID string) {
	select {
	case m.evalQueue <- machineID:
	default:
		slog.Warn("evaluation queue full, dropping", "machine", machineID)
	}
}

// Run starts the worker pools and tickers, blocking until the context is
// cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	slog.Info("monitor starting",
		"db", m.cfg.Storage.Path,
		"scan_interval", m.cfg.Scan.Interval.Duration,
		"probe_interval", m.cfg.Probe.Interval.Duration,
		"eval_workers", m.cfg.Workers.Evaluate,
	)

	workers := m.cfg.Workers.Evaluate
	if workers <= 0 {
		workers = 1
	}
	for range workers {
		m.wg.Add(1)
		go m.evalWorker(ctx)
	}

	scanTicker := time.NewTicker(m.cfg.Scan.Interval.Duration)
	defer scanTicker.Stop()
	probeTicker := time.NewTicker(m.cfg.Probe.Interval.Duration)
	defer probeTicker.Stop()
	outboxTicker := time.NewTicker(m.cfg.Outbox.Interval.Duration)
	defer outboxTicker.Stop()
	maintenanceTicker := time.NewTicker(1 * time.Hour)
	defer maintenanceTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return m.shutdown()
		case <-scanTicker.C:
			if err := m.scanner.Run(ctx); err != nil {
				slog.Error("freshness scan failed", "error", err)
			}
			if err := m.heartbeat.Run(ctx); err != nil {
				slog.Error("heartbeat pass failed", "error", err)
			}
		case <-probeTicker.C:
			if err := m.prober.Run(ctx); err != nil {
				slog.Error("probe pass failed", "error", err)
			}
		case <-outboxTicker.C:
			if m.outbox == nil {
				continue
			}
			if _, err := m.outbox.DeliverBatch(ctx); err != nil {
				slog.Error("outbox delivery failed", "error", err)
			}
		case <-maintenanceTicker.C:
			m.maintenance(ctx)
		}
	}
}

func (m *Monitor) evalWorker(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case machineID := <-m.evalQueue:
			if err := m.evaluator.EvaluateMachine(ctx, machineID); err != nil {
				slog.Error("evaluation failed", "machine", machineID, "error", err)
			}
		}
	}
}

// maintenance resolves open breaches whose metric has gone silent. The
// freshness scanner owns a silent metric; keeping the breach open would
// just double-report the same outage.
func (m *Monitor) maintenance(ctx context.Context) {
	resolved, err := m.store.AutoResolveStaleBreaches(ctx, staleBreachMaxAge, func(tenantID string) time.Duration {
		return m.settings.Staleness(ctx, tenantID)
	})
	if err != nil {
		slog.Error("maintenance pass failed", "error", err)
		return
	}
	if len(resolved) > 0 {
		slog.Info("auto-resolved stale breaches", "count", len(resolved))
	}
}

func (m *Monitor) shutdown() error {
	slog.Info("monitor shutting down")
	m.wg.Wait()
	m.dispatcher.Stop()
	return m.store.Close()
}

// saveIncidentEvent records an incident lifecycle change in the outbox.
func (m *Monitor) saveIncidentEvent(action string, inc *Incident) {
	payload, err := json.Marshal(map[string]any{
		"action":          action,
		"incident_id":     inc.ID,
		"tenant_id":       inc.TenantID,
		"kind":            inc.Kind,
		"scope_id":        inc.ScopeID,
		"incident_number": inc.IncidentNumber,
		"title":           inc.Title,
		"severity":        inc.Severity,
		"status":          inc.Status,
	})
	if err != nil {
		slog.Error("failed to encode incident event", "error", err)
		return
	}
	if _, err := m.outbox.Save(context.Background(), inc.TenantID, inc.ID, "incident."+action, string(payload)); err != nil {
		slog.Error("failed to save incident event", "error", err)
	}
}

// webhookDeliverer posts outbox payloads to the configured consumer.
func webhookDeliverer(url string) DeliverFunc {
	return func(ctx context.Context, ev OutboxEvent) (string, error) {
		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader([]byte(ev.Payload)))
		if err != nil {
			return "", err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Event-Id", ev.ID)
		req.Header.Set("X-Event-Kind", ev.Kind)

		resp, err := webhookClient.Do(req)
		if err != nil {
			return "", err
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		if resp.StatusCode >= 300 {
			return "", fmt.Errorf("event consumer returned %d", resp.StatusCode)
		}
		receipt := resp.Header.Get("X-Delivery-Receipt")
		if receipt == "" {
			receipt = uuid.NewString()
		}
		return receipt, nil
	}
}
