package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Scanner detects silent metrics and machines. Each pass runs three phases:
// classify every candidate metric as fresh or stale, decide per machine
// whether the outage is machine-level or per-metric, then sweep orphaned
// machine incidents whose machine no longer has candidates.
type Scanner struct {
	store    *Store
	settings *Settings
	notify   func(NotificationRequest)

	// processStart clamps staleness ages so a freshly restarted backend
	// does not see every metric as ancient.
	processStart time.Time
	startupGrace time.Duration
	now          func() time.Time
}

func NewScanner(store *Store, settings *Settings, notify func(NotificationRequest), startupGrace time.Duration) *Scanner {
	return &Scanner{
		store:        store,
		settings:     settings,
		notify:       notify,
		processStart: time.Now(),
		startupGrace: startupGrace,
		now:          time.Now,
	}
}

// inStartupGrace reports whether opens are still suppressed after process
// start. Resolution is never suppressed: a recovered metric closes its
// incident even seconds after a restart.
func (sc *Scanner) inStartupGrace() bool {
	return sc.now().Sub(sc.processStart) < sc.startupGrace
}

type machineGroup struct {
	machineID string
	hostname  string
	tenantID  string
	metrics   []CandidateMetric
	stale     []CandidateMetric
	fresh     []CandidateMetric
}

// Run executes one scan pass.
func (sc *Scanner) Run(ctx context.Context) error {
	candidates, err := sc.store.CandidateMetrics(ctx)
	if err != nil {
		return fmt.Errorf("scan: %w", err)
	}

	now := sc.now()
	grace := sc.inStartupGrace()

	// Phase 1: classify, grouped by machine. Candidates arrive ordered by
	// tenant, hostname, metric so passes are deterministic.
	staleness := map[string]time.Duration{}
	var groups []*machineGroup
	byMachine := map[string]*machineGroup{}
	for _, c := range candidates {
		g := byMachine[c.MachineID]
		if g == nil {
			g = &machineGroup{machineID: c.MachineID, hostname: c.Hostname, tenantID: c.TenantID}
			byMachine[c.MachineID] = g
			groups = append(groups, g)
		}
		g.metrics = append(g.metrics, c)

		th, ok := staleness[c.TenantID]
		if !ok {
			th = sc.settings.Staleness(ctx, c.TenantID)
			staleness[c.TenantID] = th
		}

		ref := sc.processStart
		if c.UpdatedAt != nil && c.UpdatedAt.After(ref) {
			ref = *c.UpdatedAt
		}
		if now.Sub(ref) > th {
			g.stale = append(g.stale, c)
		} else {
			g.fresh = append(g.fresh, c)
		}
	}

	// Phase 2: decide per machine. machineRestored collects machines whose
	// machine-level incident resolved this pass, so per-metric restore
	// notifications for the same machine are suppressed within the pass.
	machineRestored := map[string]bool{}
	for _, g := range groups {
		if len(g.stale) == len(g.metrics) && len(g.metrics) > 0 {
			sc.machineSilent(ctx, g, grace)
			continue
		}
		sc.machineActive(ctx, g, grace, machineRestored)
	}

	// Phase 3: sweep machine incidents with no remaining candidates.
	sc.sweepOrphans(ctx, byMachine)
	return nil
}

// machineSilent handles a machine whose every candidate metric is stale: one
// machine-level incident supersedes the per-metric ones, which are resolved
// so the tenant sees a single outage.
func (sc *Scanner) machineSilent(ctx context.Context, g *machineGroup, grace bool) {
	if n, err := sc.store.ResolveAllMetricNoData(ctx, g.tenantID, g.machineID); err != nil {
		slog.Error("failed to collapse metric incidents", "machine", g.hostname, "error", err)
	} else if n > 0 {
		slog.Info("collapsed metric incidents into machine outage", "machine", g.hostname, "count", n)
	}

	if grace {
		return
	}

	title := fmt.Sprintf("no data from %s", g.hostname)
	desc := fmt.Sprintf("all %d monitored metrics are silent", len(g.metrics))
	inc, created, err := sc.store.OpenIncident(ctx, g.tenantID, KindNoDataMachine, g.machineID, title, desc, "critical")
	if err != nil {
		slog.Error("failed to open machine incident", "machine", g.hostname, "error", err)
		return
	}
	if err := sc.store.SetMachineStatus(ctx, g.machineID, MachineDown); err != nil {
		slog.Error("failed to set machine status", "machine", g.hostname, "error", err)
	}
	if created {
		slog.Info("machine no-data incident opened", "machine", g.hostname, "number", inc.IncidentNumber)
		sc.notify(NotificationRequest{
			TenantID:   g.tenantID,
			IncidentID: inc.ID,
			Severity:   "critical",
			Title:      title,
			Text:       desc,
		})
	}
}

// machineActive handles a machine with at least one fresh metric: the
// machine-level incident (if any) resolves, stale metrics get per-metric
// incidents, fresh metrics resolve theirs.
func (sc *Scanner) machineActive(ctx context.Context, g *machineGroup, grace bool, machineRestored map[string]bool) {
	inc, err := sc.store.ResolveOpenIncident(ctx, g.tenantID, KindNoDataMachine, g.machineID)
	if err != nil {
		slog.Error("failed to resolve machine incident", "machine", g.hostname, "error", err)
	} else if inc != nil {
		machineRestored[g.machineID] = true
		slog.Info("machine no-data incident resolved", "machine", g.hostname, "number", inc.IncidentNumber)
		if sc.settings.NotifyOnResolve(ctx, g.tenantID) {
			// A restore with metrics still silent is only partial and
			// stays a warning, not a clean all-clear.
			title := fmt.Sprintf("%s is reporting again", g.hostname)
			severity := inc.Severity
			if len(g.stale) > 0 {
				title = fmt.Sprintf("%s partially restored, %d metrics still silent", g.hostname, len(g.stale))
				severity = "warning"
			}
			sc.notify(NotificationRequest{
				TenantID:   g.tenantID,
				IncidentID: inc.ID,
				Severity:   severity,
				Title:      title,
				Resolved:   true,
			})
		}
	}

	for _, c := range g.stale {
		if grace {
			continue
		}
		title := fmt.Sprintf("no data for %s on %s", c.Name, g.hostname)
		inc, created, err := sc.store.OpenIncident(ctx, g.tenantID, KindNoDataMetric, c.MetricID, title, "", "error")
		if err != nil {
			slog.Error("failed to open metric incident", "metric", c.Name, "error", err)
			continue
		}
		if created {
			slog.Info("metric no-data incident opened", "metric", c.Name, "machine", g.hostname, "number", inc.IncidentNumber)
			sc.notify(NotificationRequest{
				TenantID:   g.tenantID,
				IncidentID: inc.ID,
				Severity:   "error",
				Title:      title,
			})
		}
	}

	for _, c := range g.fresh {
		inc, err := sc.store.ResolveOpenIncident(ctx, g.tenantID, KindNoDataMetric, c.MetricID)
		if err != nil {
			slog.Error("failed to resolve metric incident", "metric", c.Name, "error", err)
			continue
		}
		if inc == nil {
			continue
		}
		slog.Info("metric no-data incident resolved", "metric", c.Name, "number", inc.IncidentNumber)
		// A machine-level restore already told the tenant everything on
		// this machine is back.
		if machineRestored[g.machineID] {
			continue
		}
		if sc.settings.NotifyOnResolve(ctx, g.tenantID) {
			sc.notify(NotificationRequest{
				TenantID:   g.tenantID,
				IncidentID: inc.ID,
				Severity:   inc.Severity,
				Title:      fmt.Sprintf("%s on %s is reporting again", c.Name, g.hostname),
				Resolved:   true,
			})
		}
	}

	if len(g.stale) == 0 {
		if err := sc.store.SetMachineStatus(ctx, g.machineID, MachineUp); err != nil {
			slog.Error("failed to set machine status", "machine", g.hostname, "error", err)
		}
	}
}

// sweepOrphans resolves machine no-data incidents whose machine no longer
// has any candidate metrics (machine deleted, or all metrics paused).
func (sc *Scanner) sweepOrphans(ctx context.Context, byMachine map[string]*machineGroup) {
	open, err := sc.store.OpenMachineNoDataIncidents(ctx)
	if err != nil {
		slog.Error("failed to list machine incidents", "error", err)
		return
	}
	for _, inc := range open {
		if byMachine[inc.ScopeID] != nil {
			continue
		}
		if _, err := sc.store.ResolveOpenIncident(ctx, inc.TenantID, KindNoDataMachine, inc.ScopeID); err != nil {
			slog.Error("failed to sweep orphan incident", "incident", inc.ID, "error", err)
			continue
		}
		slog.Info("swept orphan machine incident", "incident", inc.ID, "number", inc.IncidentNumber)
	}
}
