package monitor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Incident kinds. The scope id is a metric instance id for BREACH and
// NO_DATA_METRIC, a machine id for NO_DATA_MACHINE, an http target id for
// HTTP_FAILURE.
const (
	KindBreach        = "BREACH"
	KindNoDataMetric  = "NO_DATA_METRIC"
	KindNoDataMachine = "NO_DATA_MACHINE"
	KindHTTPFailure   = "HTTP_FAILURE"
)

const (
	StatusOpen     = "OPEN"
	StatusResolved = "RESOLVED"
)

type Incident struct {
	ID             string
	TenantID       string
	Kind           string
	ScopeID        string
	DedupKey       string
	IncidentNumber int64
	Title          string
	Description    string
	Severity       string
	Status         string
	CreatedAt      time.Time
	ResolvedAt     *time.Time
	UpdatedAt      time.Time
}

const incidentCols = `id, tenant_id, kind, scope_id, dedup_key, incident_number,
	title, description, severity, status, created_at, resolved_at, updated_at`

// OpenIncident opens an incident for (tenant, kind, scope), or returns the
// already-open one. The partial unique index on OPEN rows makes the insert
// the arbiter: concurrent openers race on it and exactly one wins. The loser
// re-reads the winner's row and bumps updated_at. created reports whether
// this call created the row.
func (s *Store) OpenIncident(ctx context.Context, tenantID, kind, scopeID, title, description, severity string) (*Incident, bool, error) {
	now := s.now().Unix()
	id := uuid.NewString()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO incidents (id, tenant_id, kind, scope_id, dedup_key, incident_number,
		 title, description, severity, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?,
		   (SELECT COALESCE(MAX(incident_number), 0) + 1 FROM incidents WHERE tenant_id = ?),
		   ?, ?, ?, 'OPEN', ?, ?)`,
		id, tenantID, kind, scopeID, kind+":"+scopeID, tenantID,
		title, description, severity, now, now)
	if err == nil {
		inc, err := s.getIncident(ctx, id)
		if err != nil {
			return nil, false, err
		}
		s.fireIncidentHook("opened", inc)
		return inc, true, nil
	}
	if !isUniqueViolation(err) {
		return nil, false, fmt.Errorf("open incident: %w", err)
	}

	// Lost the race or the incident was already open. Surface the existing
	// row and mark it freshly observed.
	existing := &Incident{}
	if err := s.scanIncidentRow(s.db.QueryRowContext(ctx,
		`SELECT `+incidentCols+` FROM incidents
		 WHERE tenant_id = ? AND kind = ? AND scope_id = ? AND status = 'OPEN'`,
		tenantID, kind, scopeID), existing); err != nil {
		return nil, false, fmt.Errorf("open incident reread: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE incidents SET updated_at = ? WHERE id = ?`, now, existing.ID); err != nil {
		return nil, false, fmt.Errorf("open incident touch: %w", err)
	}
	existing.UpdatedAt = time.Unix(now, 0).UTC()
	return existing, false, nil
}

// ResolveOpenIncident resolves the open incident for (tenant, kind, scope) if
// one exists. Returns the resolved incident or nil when nothing was open.
func (s *Store) ResolveOpenIncident(ctx context.Context, tenantID, kind, scopeID string) (*Incident, error) {
	inc := &Incident{}
	err := s.scanIncidentRow(s.db.QueryRowContext(ctx,
		`SELECT `+incidentCols+` FROM incidents
		 WHERE tenant_id = ? AND kind = ? AND scope_id = ? AND status = 'OPEN'`,
		tenantID, kind, scopeID), inc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve incident: %w", err)
	}

	now := s.now().Unix()
	if _, err := s.db.ExecContext(ctx,
		`UPDATE incidents SET status = 'RESOLVED', resolved_at = ?, updated_at = ?
		 WHERE id = ? AND status = 'OPEN'`, now, now, inc.ID); err != nil {
		return nil, fmt.Errorf("resolve incident: %w", err)
	}
	t := time.Unix(now, 0).UTC()
	inc.Status = StatusResolved
	inc.ResolvedAt = &t
	inc.UpdatedAt = t
	s.fireIncidentHook("resolved", inc)
	return inc, nil
}

// ResolveAllMetricNoData resolves every open NO_DATA_METRIC incident scoped
// to a metric of the given machine. Used when a machine-level outage
// supersedes per-metric staleness. Returns the number resolved.
func (s *Store) ResolveAllMetricNoData(ctx context.Context, tenantID, machineID string) (int64, error) {
	now := s.now().Unix()
	res, err := s.db.ExecContext(ctx,
		`UPDATE incidents SET status = 'RESOLVED', resolved_at = ?, updated_at = ?
		 WHERE tenant_id = ? AND kind = 'NO_DATA_METRIC' AND status = 'OPEN'
		   AND scope_id IN (SELECT id FROM metric_instances WHERE machine_id = ?)`,
		now, now, tenantID, machineID)
	if err != nil {
		return 0, fmt.Errorf("resolve metric no-data: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// OpenMachineNoDataIncidents lists all open NO_DATA_MACHINE incidents, for
// the sweep phase that closes orphans.
func (s *Store) OpenMachineNoDataIncidents(ctx context.Context) ([]Incident, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+incidentCols+` FROM incidents
		 WHERE kind = 'NO_DATA_MACHINE' AND status = 'OPEN'`)
	if err != nil {
		return nil, fmt.Errorf("open machine no-data: %w", err)
	}
	defer rows.Close()
	return s.collectIncidents(rows)
}

// AutoResolveStaleBreaches resolves open BREACH incidents whose metric has
// gone quiet for longer than the tenant's staleness threshold plus maxAge.
// A breach with no fresh data is unverifiable; the freshness scanner owns
// the metric from there. Returns the resolved incidents.
func (s *Store) AutoResolveStaleBreaches(ctx context.Context, maxAge time.Duration, stalenessFor func(tenantID string) time.Duration) ([]Incident, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+prefixCols("i", incidentCols)+`, mi.updated_at
		 FROM incidents i
		 JOIN metric_instances mi ON mi.id = i.scope_id
		 WHERE i.kind = 'BREACH' AND i.status = 'OPEN'`)
	if err != nil {
		return nil, fmt.Errorf("stale breaches: %w", err)
	}

	now := s.now()
	var stale []Incident
	for rows.Next() {
		var inc Incident
		var createdAt, updatedAt int64
		var resolvedAt, metricUpdated sql.NullInt64
		err := rows.Scan(&inc.ID, &inc.TenantID, &inc.Kind, &inc.ScopeID,
			&inc.DedupKey, &inc.IncidentNumber, &inc.Title, &inc.Description,
			&inc.Severity, &inc.Status, &createdAt, &resolvedAt, &updatedAt,
			&metricUpdated)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan stale breach: %w", err)
		}
		inc.CreatedAt = time.Unix(createdAt, 0).UTC()
		inc.UpdatedAt = time.Unix(updatedAt, 0).UTC()
		inc.ResolvedAt = timePtr(resolvedAt)

		cutoff := stalenessFor(inc.TenantID) + maxAge
		var age time.Duration
		if metricUpdated.Valid {
			age = now.Sub(time.Unix(metricUpdated.Int64, 0))
		} else {
			age = now.Sub(inc.CreatedAt)
		}
		if age > cutoff {
			stale = append(stale, inc)
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("stale breaches: %w", err)
	}
	rows.Close()

	nowUnix := now.Unix()
	for i := range stale {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE incidents SET status = 'RESOLVED', resolved_at = ?, updated_at = ?
			 WHERE id = ? AND status = 'OPEN'`, nowUnix, nowUnix, stale[i].ID); err != nil {
			return nil, fmt.Errorf("auto-resolve breach: %w", err)
		}
		t := time.Unix(nowUnix, 0).UTC()
		stale[i].Status = StatusResolved
		stale[i].ResolvedAt = &t
		stale[i].UpdatedAt = t
		s.fireIncidentHook("resolved", &stale[i])
	}
	return stale, nil
}

// IncidentFilter narrows ListIncidents. Zero values mean no filtering.
type IncidentFilter struct {
	Status string
	Kind   string
	Limit  int
}

func (s *Store) ListIncidents(ctx context.Context, tenantID string, f IncidentFilter) ([]Incident, error) {
	query := `SELECT ` + incidentCols + ` FROM incidents WHERE tenant_id = ?`
	args := []any{tenantID}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	if f.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, f.Kind)
	}
	query += ` ORDER BY created_at DESC, incident_number DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list incidents: %w", err)
	}
	defer rows.Close()
	return s.collectIncidents(rows)
}

func (s *Store) getIncident(ctx context.Context, id string) (*Incident, error) {
	inc := &Incident{}
	err := s.scanIncidentRow(s.db.QueryRowContext(ctx,
		`SELECT `+incidentCols+` FROM incidents WHERE id = ?`, id), inc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get incident: %w", err)
	}
	return inc, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanIncidentRow(row rowScanner, inc *Incident) error {
	var createdAt, updatedAt int64
	var resolvedAt sql.NullInt64
	err := row.Scan(&inc.ID, &inc.TenantID, &inc.Kind, &inc.ScopeID,
		&inc.DedupKey, &inc.IncidentNumber, &inc.Title, &inc.Description,
		&inc.Severity, &inc.Status, &createdAt, &resolvedAt, &updatedAt)
	if err != nil {
		return err
	}
	inc.CreatedAt = time.Unix(createdAt, 0).UTC()
	inc.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	inc.ResolvedAt = timePtr(resolvedAt)
	return nil
}

func (s *Store) collectIncidents(rows *sql.Rows) ([]Incident, error) {
	var out []Incident
	for rows.Next() {
		var inc Incident
		if err := s.scanIncidentRow(rows, &inc); err != nil {
			return nil, fmt.Errorf("scan incident: %w", err)
		}
		out = append(out, inc)
	}
	return out, rows.Err()
}
