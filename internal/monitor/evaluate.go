package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// streak tracks consecutive breaches for one threshold between evaluation
// passes. In-memory only: a restart resets anti-flap state, which at worst
// delays an open by a few passes.
type streak struct {
	count          int
	breachingSince time.Time
}

// Evaluator runs active thresholds against the latest samples and drives
// BREACH incidents. Notifications fire only when an incident is created and
// only for warning or critical severity; a pre-existing open incident relies
// on the reminder cooldown instead.
type Evaluator struct {
	store    *Store
	settings *Settings
	notify   func(NotificationRequest)

	processStart time.Time
	startupGrace time.Duration
	now          func() time.Time

	mu      sync.Mutex
	streaks map[string]*streak // threshold id -> state
}

func NewEvaluator(store *Store, settings *Settings, notify func(NotificationRequest), startupGrace time.Duration) *Evaluator {
	return &Evaluator{
		store:        store,
		settings:     settings,
		notify:       notify,
		processStart: time.Now(),
		startupGrace: startupGrace,
		now:          time.Now,
		streaks:      make(map[string]*streak),
	}
}

// EvaluateMachine runs all active thresholds bound to one machine's metrics.
// Per-threshold errors are logged and skipped so one broken threshold cannot
// starve the rest.
func (e *Evaluator) EvaluateMachine(ctx context.Context, machineID string) error {
	bindings, err := e.store.ActiveThresholds(ctx, machineID)
	if err != nil {
		return fmt.Errorf("evaluate machine: %w", err)
	}
	for _, b := range bindings {
		if err := e.evaluateOne(ctx, b); err != nil {
			slog.Error("threshold evaluation failed", "threshold", b.Threshold.ID, "metric", b.Metric.Name, "error", err)
		}
	}
	return nil
}

func (e *Evaluator) evaluateOne(ctx context.Context, b ThresholdBinding) error {
	t := b.Threshold
	m := b.Metric
	if !m.AlertingEnabled || m.Paused {
		return nil
	}

	sample, err := e.store.LatestSample(ctx, m.ID, m.Type)
	if err != nil {
		return err
	}
	if sample == nil {
		// No data yet. Freshness is the scanner's concern, not a breach.
		return nil
	}

	if matchCondition(m.Type, t.Condition, sample.Value, t) {
		return e.onBreach(ctx, t, m, sample)
	}
	return e.onClear(ctx, t, m)
}

func (e *Evaluator) onBreach(ctx context.Context, t Threshold, m MetricInstance, sample *Sample) error {
	now := e.now()

	e.mu.Lock()
	st := e.streaks[t.ID]
	if st == nil {
		st = &streak{breachingSince: now}
		e.streaks[t.ID] = st
	}
	st.count++
	count := st.count
	since := st.breachingSince
	e.mu.Unlock()

	need := t.ConsecutiveBreaches
	if need <= 0 {
		need = 1
	}
	if count < need {
		return nil
	}
	if t.MinDurationSec > 0 && now.Sub(since) < time.Duration(t.MinDurationSec)*time.Second {
		return nil
	}

	// Startup grace suppresses opening only; onClear still resolves.
	if now.Sub(e.processStart) < e.startupGrace {
		return nil
	}

	title := breachTitle(m, t)
	desc := fmt.Sprintf("observed %s at %s", formatValue(sample.Value), sample.TS.Format(time.RFC3339))
	inc, created, err := e.store.OpenIncident(ctx, t.TenantID, KindBreach, m.ID, title, desc, t.Severity)
	if err != nil {
		return err
	}
	if !created {
		return nil
	}

	slog.Info("breach incident opened", "metric", m.Name, "severity", t.Severity, "number", inc.IncidentNumber)
	if t.Severity == "warning" || t.Severity == "critical" {
		e.notify(NotificationRequest{
			TenantID:   t.TenantID,
			IncidentID: inc.ID,
			AlertID:    t.ID,
			Severity:   t.Severity,
			Title:      title,
			Text:       desc,
		})
	}
	return nil
}

func (e *Evaluator) onClear(ctx context.Context, t Threshold, m MetricInstance) error {
	e.mu.Lock()
	delete(e.streaks, t.ID)
	e.mu.Unlock()

	inc, err := e.store.ResolveOpenIncident(ctx, t.TenantID, KindBreach, m.ID)
	if err != nil {
		return err
	}
	if inc == nil {
		return nil
	}

	slog.Info("breach incident resolved", "metric", m.Name, "number", inc.IncidentNumber)
	if e.settings.NotifyOnResolve(ctx, t.TenantID) {
		e.notify(NotificationRequest{
			TenantID:   t.TenantID,
			IncidentID: inc.ID,
			AlertID:    t.ID,
			Severity:   inc.Severity,
			Title:      "resolved: " + inc.Title,
			Text:       inc.Description,
			Resolved:   true,
		})
	}
	return nil
}

func breachTitle(m MetricInstance, t Threshold) string {
	name := m.Name
	if m.Dimension != "" {
		name += "[" + m.Dimension + "]"
	}
	return fmt.Sprintf("%s %s %s", name, normalizeOp(t.Condition), formatThresholdValue(t))
}

func formatThresholdValue(t Threshold) string {
	switch {
	case t.ValueNum != nil:
		return trimFloat(*t.ValueNum)
	case t.ValueBool != nil:
		return fmt.Sprintf("%t", *t.ValueBool)
	case t.ValueStr != nil:
		return *t.ValueStr
	}
	return "?"
}

func formatValue(v Value) string {
	switch v.Kind {
	case KindNum:
		return trimFloat(v.Num)
	case KindBool:
		return fmt.Sprintf("%t", v.Bool)
	case KindStr:
		return v.Str
	}
	return "?"
}

func trimFloat(f float64) string {
	s := fmt.Sprintf("%.2f", f)
	s = strings.TrimRight(s, "0")
	return strings.TrimSuffix(s, ".")
}
