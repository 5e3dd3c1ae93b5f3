package monitor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// probeClient is dedicated to endpoint checks so probe timeouts and redirect
// policy never interfere with notification webhooks.
var probeClient = &http.Client{
	CheckRedirect: func(req *http.Request, via []*http.Request) error {
		if len(via) >= 5 {
			return fmt.Errorf("too many redirects")
		}
		return nil
	},
}

// ProbeRunner checks http targets that are due and drives HTTP_FAILURE
// incidents. Notifications are buffered per tenant during the pass and
// dispatched after the loop so grouping can merge bursts.
type ProbeRunner struct {
	store    *Store
	settings *Settings
	notify   func(NotificationRequest)
	client   *http.Client

	processStart time.Time
	startupGrace time.Duration
	now          func() time.Time
}

func NewProbeRunner(store *Store, settings *Settings, notify func(NotificationRequest), startupGrace time.Duration) *ProbeRunner {
	return &ProbeRunner{
		store:        store,
		settings:     settings,
		notify:       notify,
		client:       probeClient,
		processStart: time.Now(),
		startupGrace: startupGrace,
		now:          time.Now,
	}
}

// Run executes one probe pass over all due targets.
func (p *ProbeRunner) Run(ctx context.Context) error {
	targets, err := p.store.DueHTTPTargets(ctx, p.now())
	if err != nil {
		return fmt.Errorf("probe: %w", err)
	}

	buffered := map[string]*tenantBuffer{}
	var tenantOrder []string
	buffer := func(req NotificationRequest) {
		b := buffered[req.TenantID]
		if b == nil {
			b = &tenantBuffer{}
			buffered[req.TenantID] = b
			tenantOrder = append(tenantOrder, req.TenantID)
		}
		if req.Resolved {
			b.resolves = append(b.resolves, req)
		} else {
			b.opens = append(b.opens, req)
		}
	}

	for _, t := range targets {
		p.checkTarget(ctx, t, buffer)
	}

	p.dispatchBuffered(ctx, tenantOrder, buffered)
	return nil
}

func (p *ProbeRunner) checkTarget(ctx context.Context, t HTTPTarget, buffer func(NotificationRequest)) {
	status, latency, probeErr := p.probe(ctx, t)
	ok := accepted(status, t.AcceptedStatus)
	stateChanged := t.LastOK == nil || *t.LastOK != ok
	checkedAt := p.now()

	if err := p.store.UpdateHTTPTargetResult(ctx, t.ID, checkedAt, status, latency, probeErr, ok, stateChanged); err != nil {
		slog.Error("failed to record probe result", "target", t.Name, "error", err)
		return
	}

	lastStateChange := t.LastStateChangeAt
	if stateChanged {
		lastStateChange = &checkedAt
	}

	if ok {
		inc, err := p.store.ResolveOpenIncident(ctx, t.TenantID, KindHTTPFailure, t.ID)
		if err != nil {
			slog.Error("failed to resolve http incident", "target", t.Name, "error", err)
			return
		}
		if inc == nil {
			return
		}
		slog.Info("http incident resolved", "target", t.Name, "number", inc.IncidentNumber)
		if p.settings.NotifyOnResolve(ctx, t.TenantID) {
			buffer(NotificationRequest{
				TenantID:   t.TenantID,
				IncidentID: inc.ID,
				Severity:   inc.Severity,
				Title:      fmt.Sprintf("%s is back up", t.Name),
				Resolved:   true,
			})
		}
		return
	}

	title := fmt.Sprintf("%s is failing", t.Name)
	desc := probeFailureText(t, status, probeErr)

	// Grace suppresses opening, never the accept path above: a recovered
	// target resolves even seconds after a restart. During startup grace
	// the failure is skipped entirely; during the per-tenant window a
	// skipped_grace entry keeps the decision auditable, so the first pass
	// after grace opens and notifies.
	if checkedAt.Sub(p.processStart) < p.startupGrace {
		return
	}
	grace := p.settings.GracePeriod(ctx, t.TenantID)
	if lastStateChange != nil && checkedAt.Sub(*lastStateChange) < grace {
		err := p.store.RecordNotification(ctx, &NotificationRecord{
			TenantID: t.TenantID,
			Provider: "grace",
			Status:   NotifySkippedGrace,
			Message:  title,
		})
		if err != nil {
			slog.Error("failed to record grace skip", "target", t.Name, "error", err)
		}
		return
	}

	inc, created, err := p.store.OpenIncident(ctx, t.TenantID, KindHTTPFailure, t.ID, title, desc, "error")
	if err != nil {
		slog.Error("failed to open http incident", "target", t.Name, "error", err)
		return
	}
	if created {
		slog.Info("http incident opened", "target", t.Name, "number", inc.IncidentNumber)
	}

	buffer(NotificationRequest{
		TenantID:   t.TenantID,
		IncidentID: inc.ID,
		Severity:   "error",
		Title:      title,
		Text:       desc,
	})
}

// probe performs the request. Transport failures map to status 0 with a
// bounded error string so they flow through the same accept logic.
func (p *ProbeRunner) probe(ctx context.Context, t HTTPTarget) (status int, latencyMS int64, probeErr string) {
	timeout := time.Duration(t.TimeoutSec) * time.Second
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, t.Method, t.URL, nil)
	if err != nil {
		return 0, 0, truncate(err.Error(), 512)
	}

	start := time.Now()
	resp, err := p.client.Do(req)
	latencyMS = time.Since(start).Milliseconds()
	if err != nil {
		return 0, latencyMS, truncate(err.Error(), 512)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return resp.StatusCode, latencyMS, ""
}

// accepted applies the target's accepted-status spec ("200-299,301"). With no
// spec, anything below 500 passes except transport failures (status 0).
func accepted(status int, spec string) bool {
	if strings.TrimSpace(spec) == "" {
		return status != 0 && status < 500
	}
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if lo, hi, found := strings.Cut(part, "-"); found {
			l, err1 := strconv.Atoi(strings.TrimSpace(lo))
			h, err2 := strconv.Atoi(strings.TrimSpace(hi))
			if err1 == nil && err2 == nil && status >= l && status <= h {
				return true
			}
			continue
		}
		if n, err := strconv.Atoi(part); err == nil && status == n {
			return true
		}
	}
	return false
}

func probeFailureText(t HTTPTarget, status int, probeErr string) string {
	if status == 0 {
		return fmt.Sprintf("%s %s: %s", t.Method, t.URL, probeErr)
	}
	return fmt.Sprintf("%s %s returned %d", t.Method, t.URL, status)
}

// tenantBuffer holds one tenant's notifications for the pass, failures and
// recoveries apart so a digest never mixes the two.
type tenantBuffer struct {
	opens    []NotificationRequest
	resolves []NotificationRequest
}

// dispatchBuffered sends the pass's buffered notifications, one bucket at a
// time per tenant.
func (p *ProbeRunner) dispatchBuffered(ctx context.Context, tenantOrder []string, buffered map[string]*tenantBuffer) {
	for _, tenantID := range tenantOrder {
		b := buffered[tenantID]
		p.dispatchBucket(ctx, tenantID, b.opens)
		p.dispatchBucket(ctx, tenantID, b.resolves)
	}
}

// dispatchBucket sends one bucket. When the tenant has grouping enabled,
// the bucket holds more than one request, and the tenant was notified
// recently, the bucket collapses into a single digest.
func (p *ProbeRunner) dispatchBucket(ctx context.Context, tenantID string, reqs []NotificationRequest) {
	if len(reqs) == 0 {
		return
	}
	if len(reqs) > 1 && p.settings.GroupingEnabled(ctx, tenantID) {
		last, err := p.store.LastTenantSuccessAt(ctx, tenantID)
		if err != nil {
			slog.Error("grouping lookup failed", "tenant", tenantID, "error", err)
		} else if last != nil && p.now().Sub(*last) < p.settings.GroupingWindow(ctx, tenantID) {
			p.notify(groupDigest(tenantID, reqs))
			return
		}
	}
	for _, req := range reqs {
		p.notify(req)
	}
}

// groupDigest merges a tenant's buffered requests into one notification.
// The digest carries no incident id: grouping already rate-limited it, so
// the per-incident cooldown does not apply.
func groupDigest(tenantID string, reqs []NotificationRequest) NotificationRequest {
	lines := make([]string, 0, len(reqs))
	severity := "warning"
	for _, r := range reqs {
		lines = append(lines, r.Title)
		if r.Severity == "critical" {
			severity = "critical"
		} else if r.Severity == "error" && severity != "critical" {
			severity = "error"
		}
	}
	return NotificationRequest{
		TenantID: tenantID,
		Severity: severity,
		Title:    fmt.Sprintf("%d monitoring updates", len(reqs)),
		Text:     strings.Join(lines, "\n"),
		Resolved: reqs[0].Resolved,
	}
}
