package monitor

import (
	"context"
	"testing"
	"time"
)

type capture struct {
	requests []NotificationRequest
}

func (c *capture) notify(req NotificationRequest) {
	c.requests = append(c.requests, req)
}

func testEvaluator(t *testing.T, f *testFixture) (*Evaluator, *capture) {
	t.Helper()
	cap := &capture{}
	settings := NewSettings(f.store, DefaultConfig())
	return NewEvaluator(f.store, settings, cap.notify, 0), cap
}

func seedThreshold(t *testing.T, f *testFixture, mi *MetricInstance, cond string, limit float64, severity string) *Threshold {
	t.Helper()
	th := &Threshold{
		TenantID: f.tenantID,
		MetricID: mi.ID,
		Condition: cond,
		ValueNum: &limit,
		Severity: severity,
		Active:   true,
	}
	if err := f.store.CreateThreshold(context.Background(), th); err != nil {
		t.Fatal(err)
	}
	return th
}

func addSample(t *testing.T, f *testFixture, mi *MetricInstance, v Value, ts time.Time) {
	t.Helper()
	ctx := context.Background()
	if err := f.store.InsertSample(ctx, Sample{MetricID: mi.ID, TS: ts, Value: v}); err != nil {
		t.Fatal(err)
	}
	if err := f.store.TouchMetric(ctx, mi.ID, v, ts); err != nil {
		t.Fatal(err)
	}
}

func TestBreachOpensIncidentAndNotifiesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	mi := f.metric(t, "cpu_percent", MetricNumeric)
	seedThreshold(t, f, mi, "gt", 90, "critical")
	ev, cap := testEvaluator(t, f)

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	addSample(t, f, mi, NumValue(95), now)

	if err := ev.EvaluateMachine(ctx, f.machine.ID); err != nil {
		t.Fatal(err)
	}

	incidents, err := f.store.ListIncidents(ctx, f.tenantID, IncidentFilter{Status: StatusOpen})
	if err != nil {
		t.Fatal(err)
	}
	if len(incidents) != 1 || incidents[0].Kind != KindBreach {
		t.Fatalf("incidents = %+v, want one open BREACH", incidents)
	}
	if len(cap.requests) != 1 {
		t.Fatalf("notifications = %d, want 1", len(cap.requests))
	}
	if cap.requests[0].Severity != "critical" || cap.requests[0].Resolved {
		t.Errorf("request = %+v", cap.requests[0])
	}

	// Still breaching: incident deduplicates, no second notification.
	addSample(t, f, mi, NumValue(97), now.Add(1*time.Minute))
	if err := ev.EvaluateMachine(ctx, f.machine.ID); err != nil {
		t.Fatal(err)
	}
	incidents, err = f.store.ListIncidents(ctx, f.tenantID, IncidentFilter{Status: StatusOpen})
	if err != nil {
		t.Fatal(err)
	}
	if len(incidents) != 1 {
		t.Errorf("open incidents = %d, want 1", len(incidents))
	}
	if len(cap.requests) != 1 {
		t.Errorf("notifications = %d, want 1 (only on creation)", len(cap.requests))
	}
}

func TestBreachClearsAndResolves(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	mi := f.metric(t, "cpu_percent", MetricNumeric)
	seedThreshold(t, f, mi, "gt", 90, "warning")
	ev, cap := testEvaluator(t, f)

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	addSample(t, f, mi, NumValue(95), now)
	if err := ev.EvaluateMachine(ctx, f.machine.ID); err != nil {
		t.Fatal(err)
	}

	addSample(t, f, mi, NumValue(50), now.Add(1*time.Minute))
	if err := ev.EvaluateMachine(ctx, f.machine.ID); err != nil {
		t.Fatal(err)
	}

	incidents, err := f.store.ListIncidents(ctx, f.tenantID, IncidentFilter{Status: StatusResolved})
	if err != nil {
		t.Fatal(err)
	}
	if len(incidents) != 1 {
		t.Fatalf("resolved incidents = %d, want 1", len(incidents))
	}
	// Default config has notify_on_resolve off: only the firing request.
	if len(cap.requests) != 1 {
		t.Errorf("notifications = %d, want 1", len(cap.requests))
	}
}

func TestInfoSeverityOpensWithoutNotification(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	mi := f.metric(t, "cpu_percent", MetricNumeric)
	seedThreshold(t, f, mi, "gt", 90, "info")
	ev, cap := testEvaluator(t, f)

	addSample(t, f, mi, NumValue(95), time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	if err := ev.EvaluateMachine(ctx, f.machine.ID); err != nil {
		t.Fatal(err)
	}

	incidents, err := f.store.ListIncidents(ctx, f.tenantID, IncidentFilter{Status: StatusOpen})
	if err != nil {
		t.Fatal(err)
	}
	if len(incidents) != 1 {
		t.Fatalf("incidents = %d, want 1", len(incidents))
	}
	if len(cap.requests) != 0 {
		t.Errorf("notifications = %d, want 0 for info severity", len(cap.requests))
	}
}

func TestConsecutiveBreachesAntiFlap(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	mi := f.metric(t, "cpu_percent", MetricNumeric)
	limit := 90.0
	th := &Threshold{
		TenantID:            f.tenantID,
		MetricID:            mi.ID,
		Condition:           "gt",
		ValueNum:            &limit,
		Severity:            "critical",
		ConsecutiveBreaches: 3,
		Active:              true,
	}
	if err := f.store.CreateThreshold(ctx, th); err != nil {
		t.Fatal(err)
	}
	ev, _ := testEvaluator(t, f)

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	for i := range 2 {
		addSample(t, f, mi, NumValue(95), now.Add(time.Duration(i)*time.Minute))
		if err := ev.EvaluateMachine(ctx, f.machine.ID); err != nil {
			t.Fatal(err)
		}
	}
	incidents, err := f.store.ListIncidents(ctx, f.tenantID, IncidentFilter{Status: StatusOpen})
	if err != nil {
		t.Fatal(err)
	}
	if len(incidents) != 0 {
		t.Fatalf("opened after 2 breaches, want 3 required")
	}

	addSample(t, f, mi, NumValue(95), now.Add(2*time.Minute))
	if err := ev.EvaluateMachine(ctx, f.machine.ID); err != nil {
		t.Fatal(err)
	}
	incidents, err = f.store.ListIncidents(ctx, f.tenantID, IncidentFilter{Status: StatusOpen})
	if err != nil {
		t.Fatal(err)
	}
	if len(incidents) != 1 {
		t.Fatalf("incidents after 3rd breach = %d, want 1", len(incidents))
	}

	// A clear resets the streak.
	addSample(t, f, mi, NumValue(10), now.Add(3*time.Minute))
	if err := ev.EvaluateMachine(ctx, f.machine.ID); err != nil {
		t.Fatal(err)
	}
	addSample(t, f, mi, NumValue(95), now.Add(4*time.Minute))
	if err := ev.EvaluateMachine(ctx, f.machine.ID); err != nil {
		t.Fatal(err)
	}
	incidents, err = f.store.ListIncidents(ctx, f.tenantID, IncidentFilter{Status: StatusOpen})
	if err != nil {
		t.Fatal(err)
	}
	if len(incidents) != 0 {
		t.Errorf("streak not reset after clear")
	}
}

func TestStartupGraceSuppressesBreachOpens(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	mi := f.metric(t, "cpu_percent", MetricNumeric)
	seedThreshold(t, f, mi, "gt", 90, "critical")

	cap := &capture{}
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	ev := NewEvaluator(f.store, NewSettings(f.store, DefaultConfig()), cap.notify, 10*time.Minute)
	ev.processStart = now.Add(-1 * time.Minute)
	ev.now = func() time.Time { return now }

	addSample(t, f, mi, NumValue(95), now)
	if err := ev.EvaluateMachine(ctx, f.machine.ID); err != nil {
		t.Fatal(err)
	}

	open, err := f.store.ListIncidents(ctx, f.tenantID, IncidentFilter{Status: StatusOpen})
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 0 || len(cap.requests) != 0 {
		t.Fatalf("open = %+v requests = %d, want none during startup grace", open, len(cap.requests))
	}

	// A pre-existing incident still resolves on clear during grace.
	if _, _, err := f.store.OpenIncident(ctx, f.tenantID, KindBreach, mi.ID, "cpu high", "", "critical"); err != nil {
		t.Fatal(err)
	}
	addSample(t, f, mi, NumValue(10), now.Add(1*time.Minute))
	if err := ev.EvaluateMachine(ctx, f.machine.ID); err != nil {
		t.Fatal(err)
	}
	open, err = f.store.ListIncidents(ctx, f.tenantID, IncidentFilter{Status: StatusOpen})
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 0 {
		t.Fatalf("open = %+v, want resolution despite grace", open)
	}

	// Past the grace the breach opens normally.
	ev.now = func() time.Time { return now.Add(15 * time.Minute) }
	addSample(t, f, mi, NumValue(95), now.Add(15*time.Minute))
	if err := ev.EvaluateMachine(ctx, f.machine.ID); err != nil {
		t.Fatal(err)
	}
	open, err = f.store.ListIncidents(ctx, f.tenantID, IncidentFilter{Status: StatusOpen})
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 1 {
		t.Errorf("open after grace = %d, want 1", len(open))
	}
}

func TestNoSampleSkipsThreshold(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	mi := f.metric(t, "cpu_percent", MetricNumeric)
	seedThreshold(t, f, mi, "gt", 90, "critical")
	ev, cap := testEvaluator(t, f)

	if err := ev.EvaluateMachine(ctx, f.machine.ID); err != nil {
		t.Fatal(err)
	}

	incidents, err := f.store.ListIncidents(ctx, f.tenantID, IncidentFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(incidents) != 0 || len(cap.requests) != 0 {
		t.Errorf("metric without samples must not evaluate")
	}
}

func TestPausedMetricSkipsThreshold(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	mi := f.metric(t, "cpu_percent", MetricNumeric)
	seedThreshold(t, f, mi, "gt", 90, "critical")
	if _, err := f.store.db.Exec("UPDATE metric_instances SET is_paused = 1 WHERE id = ?", mi.ID); err != nil {
		t.Fatal(err)
	}
	ev, _ := testEvaluator(t, f)

	addSample(t, f, mi, NumValue(95), time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	if err := ev.EvaluateMachine(ctx, f.machine.ID); err != nil {
		t.Fatal(err)
	}

	incidents, err := f.store.ListIncidents(ctx, f.tenantID, IncidentFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(incidents) != 0 {
		t.Errorf("paused metric must not open incidents")
	}
}
