package monitor

import (
	"context"
	"testing"
	"time"
)

func TestOpenIncidentDedup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	mi := f.metric(t, "cpu_percent", MetricNumeric)

	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	f.store.now = func() time.Time { return base }

	first, created, err := f.store.OpenIncident(ctx, f.tenantID, KindBreach, mi.ID, "cpu high", "", "critical")
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Fatal("first open should create")
	}
	if first.DedupKey != KindBreach+":"+mi.ID {
		t.Errorf("dedup key = %q", first.DedupKey)
	}

	f.store.now = func() time.Time { return base.Add(1 * time.Minute) }
	second, created, err := f.store.OpenIncident(ctx, f.tenantID, KindBreach, mi.ID, "cpu high", "", "critical")
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Fatal("second open must not create")
	}
	if second.ID != first.ID {
		t.Errorf("second open returned a different incident")
	}
	if !second.UpdatedAt.After(first.UpdatedAt) {
		t.Errorf("updated_at not bumped: %v vs %v", second.UpdatedAt, first.UpdatedAt)
	}

	var open int
	err = f.store.db.QueryRow(
		"SELECT COUNT(*) FROM incidents WHERE status = 'OPEN' AND scope_id = ?", mi.ID).Scan(&open)
	if err != nil {
		t.Fatal(err)
	}
	if open != 1 {
		t.Errorf("open incidents = %d, want 1", open)
	}
}

func TestOpenIncidentDistinctKinds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	mi := f.metric(t, "cpu_percent", MetricNumeric)

	// Same scope, different kinds: both may be open at once.
	_, created1, err := f.store.OpenIncident(ctx, f.tenantID, KindBreach, mi.ID, "a", "", "warning")
	if err != nil || !created1 {
		t.Fatalf("created1 = %v, err = %v", created1, err)
	}
	_, created2, err := f.store.OpenIncident(ctx, f.tenantID, KindNoDataMetric, mi.ID, "b", "", "error")
	if err != nil || !created2 {
		t.Fatalf("created2 = %v, err = %v", created2, err)
	}
}

func TestIncidentNumberPerTenant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	mi := f.metric(t, "cpu_percent", MetricNumeric)
	mi2 := f.metric(t, "mem_percent", MetricNumeric)

	otherTenant, err := f.store.CreateTenant(ctx, "globex")
	if err != nil {
		t.Fatal(err)
	}

	a, _, err := f.store.OpenIncident(ctx, f.tenantID, KindBreach, mi.ID, "a", "", "warning")
	if err != nil {
		t.Fatal(err)
	}
	b, _, err := f.store.OpenIncident(ctx, f.tenantID, KindBreach, mi2.ID, "b", "", "warning")
	if err != nil {
		t.Fatal(err)
	}
	c, _, err := f.store.OpenIncident(ctx, otherTenant, KindBreach, "scope-x", "c", "", "warning")
	if err != nil {
		t.Fatal(err)
	}

	if a.IncidentNumber != 1 || b.IncidentNumber != 2 {
		t.Errorf("tenant numbering = %d, %d; want 1, 2", a.IncidentNumber, b.IncidentNumber)
	}
	if c.IncidentNumber != 1 {
		t.Errorf("other tenant starts at %d, want 1", c.IncidentNumber)
	}
}

func TestResolveThenReopen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	mi := f.metric(t, "cpu_percent", MetricNumeric)

	first, _, err := f.store.OpenIncident(ctx, f.tenantID, KindBreach, mi.ID, "a", "", "warning")
	if err != nil {
		t.Fatal(err)
	}

	resolved, err := f.store.ResolveOpenIncident(ctx, f.tenantID, KindBreach, mi.ID)
	if err != nil {
		t.Fatal(err)
	}
	if resolved == nil || resolved.Status != StatusResolved || resolved.ResolvedAt == nil {
		t.Fatalf("resolved = %+v", resolved)
	}

	// Nothing open: resolve is a no-op, not an error.
	again, err := f.store.ResolveOpenIncident(ctx, f.tenantID, KindBreach, mi.ID)
	if err != nil {
		t.Fatal(err)
	}
	if again != nil {
		t.Errorf("second resolve returned %+v, want nil", again)
	}

	// Re-open creates a fresh incident with a new number.
	reopened, created, err := f.store.OpenIncident(ctx, f.tenantID, KindBreach, mi.ID, "a", "", "warning")
	if err != nil {
		t.Fatal(err)
	}
	if !created || reopened.ID == first.ID {
		t.Errorf("reopen: created=%v id=%s", created, reopened.ID)
	}
	if reopened.IncidentNumber != 2 {
		t.Errorf("reopened number = %d, want 2", reopened.IncidentNumber)
	}
}

func TestResolveAllMetricNoData(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cpu := f.metric(t, "cpu_percent", MetricNumeric)
	mem := f.metric(t, "mem_percent", MetricNumeric)

	for _, mi := range []*MetricInstance{cpu, mem} {
		if _, _, err := f.store.OpenIncident(ctx, f.tenantID, KindNoDataMetric, mi.ID, "silent", "", "error"); err != nil {
			t.Fatal(err)
		}
	}
	// A breach on the same machine must survive the collapse.
	if _, _, err := f.store.OpenIncident(ctx, f.tenantID, KindBreach, cpu.ID, "high", "", "warning"); err != nil {
		t.Fatal(err)
	}

	n, err := f.store.ResolveAllMetricNoData(ctx, f.tenantID, f.machine.ID)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("resolved = %d, want 2", n)
	}

	var openBreach int
	err = f.store.db.QueryRow(
		"SELECT COUNT(*) FROM incidents WHERE kind = 'BREACH' AND status = 'OPEN'").Scan(&openBreach)
	if err != nil {
		t.Fatal(err)
	}
	if openBreach != 1 {
		t.Errorf("open breaches = %d, want 1", openBreach)
	}
}

func TestAutoResolveStaleBreaches(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	mi := f.metric(t, "cpu_percent", MetricNumeric)

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	f.store.now = func() time.Time { return now }

	if _, _, err := f.store.OpenIncident(ctx, f.tenantID, KindBreach, mi.ID, "high", "", "warning"); err != nil {
		t.Fatal(err)
	}

	staleness := func(string) time.Duration { return 5 * time.Minute }

	// Metric reported recently: nothing to resolve.
	if err := f.store.TouchMetric(ctx, mi.ID, NumValue(99), now.Add(-1*time.Minute)); err != nil {
		t.Fatal(err)
	}
	resolved, err := f.store.AutoResolveStaleBreaches(ctx, 1*time.Hour, staleness)
	if err != nil {
		t.Fatal(err)
	}
	if len(resolved) != 0 {
		t.Fatalf("resolved = %d, want 0", len(resolved))
	}

	// Metric silent well past staleness + maxAge: the breach is unverifiable.
	f.store.now = func() time.Time { return now.Add(3 * time.Hour) }
	resolved, err = f.store.AutoResolveStaleBreaches(ctx, 1*time.Hour, staleness)
	if err != nil {
		t.Fatal(err)
	}
	if len(resolved) != 1 {
		t.Fatalf("resolved = %d, want 1", len(resolved))
	}
	if resolved[0].Status != StatusResolved {
		t.Errorf("status = %s", resolved[0].Status)
	}
}

func TestIncidentHookFires(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	mi := f.metric(t, "cpu_percent", MetricNumeric)

	var actions []string
	f.store.OnIncidentChange(func(action string, inc *Incident) {
		actions = append(actions, action)
	})

	if _, _, err := f.store.OpenIncident(ctx, f.tenantID, KindBreach, mi.ID, "a", "", "warning"); err != nil {
		t.Fatal(err)
	}
	// Dedup re-open is not a lifecycle change.
	if _, _, err := f.store.OpenIncident(ctx, f.tenantID, KindBreach, mi.ID, "a", "", "warning"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.store.ResolveOpenIncident(ctx, f.tenantID, KindBreach, mi.ID); err != nil {
		t.Fatal(err)
	}

	want := []string{"opened", "resolved"}
	if len(actions) != len(want) {
		t.Fatalf("actions = %v, want %v", actions, want)
	}
	for i := range want {
		if actions[i] != want[i] {
			t.Errorf("action[%d] = %s, want %s", i, actions[i], want[i])
		}
	}
}
