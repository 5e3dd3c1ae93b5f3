package monitor

import (
	"context"
	"log/slog"
	"time"
)

// Machine statuses derived from last_seen age.
const (
	MachineUp     = "UP"
	MachineStale  = "STALE"
	MachineDown   = "DOWN"
	MachineNoData = "NO_DATA"
)

// computeMachineStatus classifies a machine from its last report age against
// the tenant staleness threshold. DOWN kicks in at three times the threshold.
func computeMachineStatus(lastSeen *time.Time, staleness time.Duration, now time.Time) string {
	if lastSeen == nil {
		return MachineNoData
	}
	age := now.Sub(*lastSeen)
	switch {
	case age <= staleness:
		return MachineUp
	case age <= 3*staleness:
		return MachineStale
	default:
		return MachineDown
	}
}

// StatusUpdater recomputes machine statuses on the heartbeat tick. It only
// writes rows whose status actually changed.
type StatusUpdater struct {
	store    *Store
	settings *Settings
	now      func() time.Time
}

func NewStatusUpdater(store *Store, settings *Settings) *StatusUpdater {
	return &StatusUpdater{store: store, settings: settings, now: time.Now}
}

func (u *StatusUpdater) Run(ctx context.Context) error {
	machines, err := u.store.AllMachines(ctx)
	if err != nil {
		return err
	}

	// An open machine no-data incident pins the status to DOWN so this
	// pass and the freshness scanner never disagree.
	down := map[string]bool{}
	open, err := u.store.OpenMachineNoDataIncidents(ctx)
	if err != nil {
		return err
	}
	for _, inc := range open {
		down[inc.ScopeID] = true
	}

	now := u.now()
	staleness := map[string]time.Duration{}
	for _, m := range machines {
		th, ok := staleness[m.TenantID]
		if !ok {
			th = u.settings.Staleness(ctx, m.TenantID)
			staleness[m.TenantID] = th
		}
		status := computeMachineStatus(m.LastSeen, th, now)
		if down[m.ID] {
			status = MachineDown
		}
		if status == m.Status {
			continue
		}
		if err := u.store.SetMachineStatus(ctx, m.ID, status); err != nil {
			slog.Error("failed to update machine status", "machine", m.Hostname, "error", err)
			continue
		}
		slog.Info("machine status changed", "machine", m.Hostname, "from", m.Status, "to", status)
	}
	return nil
}
