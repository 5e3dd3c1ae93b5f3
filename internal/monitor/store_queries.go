package monitor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Machine struct {
	ID       string
	TenantID string
	Hostname string
	OS       string
	Tags     string
	Status   string
	LastSeen *time.Time
}

type MetricInstance struct {
	ID              string
	TenantID        string
	MachineID       string
	Name            string
	Type            MetricType
	Dimension       string
	Unit            string
	AlertingEnabled bool
	Paused          bool
	NeedsThreshold  bool
	LastValue       Value
	UpdatedAt       *time.Time
}

type Sample struct {
	MetricID string
	TS       time.Time
	Seq      int64
	Value    Value
}

type Threshold struct {
	ID                  string
	TenantID            string
	MetricID            string
	Condition           string
	ValueNum            *float64
	ValueBool           *bool
	ValueStr            *string
	Severity            string
	MinDurationSec      int
	CooldownSec         int
	ConsecutiveBreaches int
	Active              bool
}

// ThresholdBinding pairs an active threshold with its metric instance for
// evaluation.
type ThresholdBinding struct {
	Threshold Threshold
	Metric    MetricInstance
}

type HTTPTarget struct {
	ID                string
	TenantID          string
	Name              string
	URL               string
	Method            string
	AcceptedStatus    string
	CheckIntervalSec  int
	TimeoutSec        int
	Active            bool
	LastCheckAt       *time.Time
	LastStatus        *int
	LastLatencyMS     *int64
	LastError         string
	LastOK            *bool
	LastStateChangeAt *time.Time
}

type APIKey struct {
	Key      string
	TenantID string
	Hostname string
}

// CandidateMetric is the freshness scanner's working row: a metric joined
// with its machine.
type CandidateMetric struct {
	MetricID      string
	Name          string
	UpdatedAt     *time.Time
	MachineID     string
	Hostname      string
	TenantID      string
	MachineStatus string
}

var ErrNotFound = errors.New("not found")

func (s *Store) CreateTenant(ctx context.Context, name string) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tenants (id, name, created_at) VALUES (?, ?, ?)`,
		id, name, s.now().Unix())
	if err != nil {
		return "", fmt.Errorf("create tenant: %w", err)
	}
	return id, nil
}

func (s *Store) CreateAPIKey(ctx context.Context, key, tenantID, hostname string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO api_keys (key, tenant_id, hostname) VALUES (?, ?, ?)`,
		key, tenantID, hostname)
	if err != nil {
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

// LookupAPIKey resolves an API key to its tenant and bound hostname. Returns
// ErrNotFound for unknown keys.
func (s *Store) LookupAPIKey(ctx context.Context, key string) (*APIKey, error) {
	k := &APIKey{}
	err := s.db.QueryRowContext(ctx,
		`SELECT key, tenant_id, hostname FROM api_keys WHERE key = ?`, key).
		Scan(&k.Key, &k.TenantID, &k.Hostname)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup api key: %w", err)
	}
	return k, nil
}

// EnsureMachine returns the machine for (tenant, hostname), creating it on
// first sight.
func (s *Store) EnsureMachine(ctx context.Context, tenantID, hostname, osName, tags string) (*Machine, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO machines (id, tenant_id, hostname, os, tags) VALUES (?, ?, ?, ?, ?)`,
		id, tenantID, hostname, osName, tags)
	if err != nil && !isUniqueViolation(err) {
		return nil, fmt.Errorf("ensure machine: %w", err)
	}

	m := &Machine{}
	var lastSeen sql.NullInt64
	err = s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, hostname, os, tags, status, last_seen
		 FROM machines WHERE tenant_id = ? AND hostname = ?`,
		tenantID, hostname).
		Scan(&m.ID, &m.TenantID, &m.Hostname, &m.OS, &m.Tags, &m.Status, &lastSeen)
	if err != nil {
		return nil, fmt.Errorf("ensure machine: %w", err)
	}
	m.LastSeen = timePtr(lastSeen)
	return m, nil
}

func (s *Store) ListMachines(ctx context.Context, tenantID string) ([]Machine, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, hostname, os, tags, status, last_seen
		 FROM machines WHERE tenant_id = ? ORDER BY hostname`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list machines: %w", err)
	}
	defer rows.Close()

	var out []Machine
	for rows.Next() {
		var m Machine
		var lastSeen sql.NullInt64
		if err := rows.Scan(&m.ID, &m.TenantID, &m.Hostname, &m.OS, &m.Tags, &m.Status, &lastSeen); err != nil {
			return nil, fmt.Errorf("scan machine: %w", err)
		}
		m.LastSeen = timePtr(lastSeen)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) AllMachines(ctx context.Context) ([]Machine, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, hostname, os, tags, status, last_seen FROM machines`)
	if err != nil {
		return nil, fmt.Errorf("all machines: %w", err)
	}
	defer rows.Close()

	var out []Machine
	for rows.Next() {
		var m Machine
		var lastSeen sql.NullInt64
		if err := rows.Scan(&m.ID, &m.TenantID, &m.Hostname, &m.OS, &m.Tags, &m.Status, &lastSeen); err != nil {
			return nil, fmt.Errorf("scan machine: %w", err)
		}
		m.LastSeen = timePtr(lastSeen)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) SetMachineStatus(ctx context.Context, machineID, status string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE machines SET status = ? WHERE id = ?`, status, machineID)
	if err != nil {
		return fmt.Errorf("set machine status: %w", err)
	}
	return nil
}

func (s *Store) TouchMachineSeen(ctx context.Context, machineID string, seen time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE machines SET last_seen = ? WHERE id = ? AND (last_seen IS NULL OR last_seen < ?)`,
		seen.Unix(), machineID, seen.Unix())
	if err != nil {
		return fmt.Errorf("touch machine: %w", err)
	}
	return nil
}

// EnsureMetricInstance returns the metric instance for (machine, name,
// dimension), creating it on first sight with the declared type.
func (s *Store) EnsureMetricInstance(ctx context.Context, tenantID, machineID, name string, typ MetricType, dimension, unit string) (*MetricInstance, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO metric_instances (id, tenant_id, machine_id, name_effective, metric_type, dimension, unit)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, tenantID, machineID, name, string(typ), dimension, unit)
	if err != nil && !isUniqueViolation(err) {
		return nil, fmt.Errorf("ensure metric instance: %w", err)
	}

	mi, err := s.getMetricInstance(ctx,
		`SELECT `+metricInstanceCols+` FROM metric_instances
		 WHERE machine_id = ? AND name_effective = ? AND dimension = ?`,
		machineID, name, dimension)
	if err != nil {
		return nil, fmt.Errorf("ensure metric instance: %w", err)
	}
	return mi, nil
}

const metricInstanceCols = `id, tenant_id, machine_id, name_effective, metric_type, dimension, unit,
	is_alerting_enabled, is_paused, needs_threshold, last_num, last_bool, last_str, updated_at`

func (s *Store) getMetricInstance(ctx context.Context, query string, args ...any) (*MetricInstance, error) {
	mi := &MetricInstance{}
	var (
		typ       string
		lastNum   sql.NullFloat64
		lastBool  sql.NullBool
		lastStr   sql.NullString
		updatedAt sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&mi.ID, &mi.TenantID, &mi.MachineID, &mi.Name, &typ, &mi.Dimension, &mi.Unit,
		&mi.AlertingEnabled, &mi.Paused, &mi.NeedsThreshold,
		&lastNum, &lastBool, &lastStr, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	mi.Type = MetricType(typ)
	mi.LastValue = lastValueOf(mi.Type, lastNum, lastBool, lastStr)
	mi.UpdatedAt = timePtr(updatedAt)
	return mi, nil
}

func lastValueOf(typ MetricType, num sql.NullFloat64, b sql.NullBool, str sql.NullString) Value {
	switch typ {
	case MetricNumeric:
		if num.Valid {
			return NumValue(num.Float64)
		}
	case MetricBool:
		if b.Valid {
			return BoolValue(b.Bool)
		}
	case MetricString:
		if str.Valid {
			return StrValue(str.String)
		}
	}
	return Value{}
}

// TouchMetric records the latest value and advances updated_at monotonically.
// Late samples persist but never move the freshness clock backwards.
func (s *Store) TouchMetric(ctx context.Context, metricID string, v Value, ts time.Time) error {
	var num, b, str any
	switch v.Kind {
	case KindNum:
		num = v.Num
	case KindBool:
		b = v.Bool
	case KindStr:
		str = v.Str
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE metric_instances
		 SET last_num = ?, last_bool = ?, last_str = ?,
		     updated_at = MAX(COALESCE(updated_at, 0), ?)
		 WHERE id = ?`,
		num, b, str, ts.Unix(), metricID)
	if err != nil {
		return fmt.Errorf("touch metric: %w", err)
	}
	return nil
}

func (s *Store) InsertSample(ctx context.Context, sm Sample) error {
	var num, b, str any
	switch sm.Value.Kind {
	case KindNum:
		num = sm.Value.Num
	case KindBool:
		b = sm.Value.Bool
	case KindStr:
		str = sm.Value.Str
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO samples (metric_instance_id, ts, seq, num_value, bool_value, str_value)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		sm.MetricID, sm.TS.Unix(), sm.Seq, num, b, str)
	if err != nil {
		return fmt.Errorf("insert sample: %w", err)
	}
	return nil
}

// LatestSample returns the newest sample for a metric, ordered by timestamp
// then batch sequence so same-second batches resolve deterministically.
// Returns nil when the metric has no samples.
func (s *Store) LatestSample(ctx context.Context, metricID string, typ MetricType) (*Sample, error) {
	var (
		ts  int64
		seq int64
		num sql.NullFloat64
		b   sql.NullBool
		str sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT ts, seq, num_value, bool_value, str_value FROM samples
		 WHERE metric_instance_id = ?
		 ORDER BY ts DESC, seq DESC LIMIT 1`, metricID).
		Scan(&ts, &seq, &num, &b, &str)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest sample: %w", err)
	}
	return &Sample{
		MetricID: metricID,
		TS:       time.Unix(ts, 0).UTC(),
		Seq:      seq,
		Value:    lastValueOf(typ, num, b, str),
	}, nil
}

func (s *Store) CreateThreshold(ctx context.Context, t *Threshold) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.ConsecutiveBreaches <= 0 {
		t.ConsecutiveBreaches = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO thresholds (id, tenant_id, metric_instance_id, condition,
		 value_num, value_bool, value_str, severity, min_duration_sec, cooldown_sec,
		 consecutive_breaches, is_active)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.TenantID, t.MetricID, t.Condition,
		nullable(t.ValueNum), nullable(t.ValueBool), nullable(t.ValueStr),
		t.Severity, t.MinDurationSec, t.CooldownSec, t.ConsecutiveBreaches, t.Active)
	if err != nil {
		return fmt.Errorf("create threshold: %w", err)
	}
	return nil
}

func nullable[T any](p *T) any {
	if p == nil {
		return nil
	}
	return *p
}

// ActiveThresholds returns all active thresholds joined with their metric
// instances, optionally filtered to one machine.
func (s *Store) ActiveThresholds(ctx context.Context, machineID string) ([]ThresholdBinding, error) {
	query := `SELECT t.id, t.tenant_id, t.metric_instance_id, t.condition,
		t.value_num, t.value_bool, t.value_str, t.severity, t.min_duration_sec,
		t.cooldown_sec, t.consecutive_breaches, t.is_active,
		` + prefixCols("m", metricInstanceCols) + `
		FROM thresholds t
		JOIN metric_instances m ON m.id = t.metric_instance_id
		WHERE t.is_active = 1`
	args := []any{}
	if machineID != "" {
		query += ` AND m.machine_id = ?`
		args = append(args, machineID)
	}
	query += ` ORDER BY t.id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("active thresholds: %w", err)
	}
	defer rows.Close()

	var out []ThresholdBinding
	for rows.Next() {
		var (
			b         ThresholdBinding
			valNum    sql.NullFloat64
			valBool   sql.NullBool
			valStr    sql.NullString
			typ       string
			lastNum   sql.NullFloat64
			lastBool  sql.NullBool
			lastStr   sql.NullString
			updatedAt sql.NullInt64
		)
		t := &b.Threshold
		m := &b.Metric
		err := rows.Scan(&t.ID, &t.TenantID, &t.MetricID, &t.Condition,
			&valNum, &valBool, &valStr, &t.Severity, &t.MinDurationSec,
			&t.CooldownSec, &t.ConsecutiveBreaches, &t.Active,
			&m.ID, &m.TenantID, &m.MachineID, &m.Name, &typ, &m.Dimension, &m.Unit,
			&m.AlertingEnabled, &m.Paused, &m.NeedsThreshold,
			&lastNum, &lastBool, &lastStr, &updatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan threshold: %w", err)
		}
		if valNum.Valid {
			t.ValueNum = &valNum.Float64
		}
		if valBool.Valid {
			t.ValueBool = &valBool.Bool
		}
		if valStr.Valid {
			t.ValueStr = &valStr.String
		}
		m.Type = MetricType(typ)
		m.LastValue = lastValueOf(m.Type, lastNum, lastBool, lastStr)
		m.UpdatedAt = timePtr(updatedAt)
		out = append(out, b)
	}
	return out, rows.Err()
}

func prefixCols(prefix, cols string) string {
	parts := strings.Split(cols, ",")
	for i, c := range parts {
		parts[i] = prefix + "." + strings.TrimSpace(c)
	}
	return strings.Join(parts, ", ")
}

func (s *Store) CreateHTTPTarget(ctx context.Context, t *HTTPTarget) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Method == "" {
		t.Method = "GET"
	}
	if t.CheckIntervalSec <= 0 {
		t.CheckIntervalSec = 300
	}
	if t.TimeoutSec <= 0 {
		t.TimeoutSec = 30
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO http_targets (id, tenant_id, name, url, method, accepted_status,
		 check_interval_sec, timeout_sec, is_active)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.TenantID, t.Name, t.URL, t.Method, t.AcceptedStatus,
		t.CheckIntervalSec, t.TimeoutSec, t.Active)
	if err != nil {
		return fmt.Errorf("create http target: %w", err)
	}
	return nil
}

// DueHTTPTargets returns active targets whose check interval has elapsed
// since their last check (or that have never been checked).
func (s *Store) DueHTTPTargets(ctx context.Context, now time.Time) ([]HTTPTarget, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, name, url, method, accepted_status, check_interval_sec,
		 timeout_sec, is_active, last_check_at, last_status, last_latency_ms,
		 last_error, last_ok, last_state_change_at
		 FROM http_targets
		 WHERE is_active = 1
		   AND (last_check_at IS NULL OR last_check_at + check_interval_sec <= ?)
		 ORDER BY tenant_id, url`, now.Unix())
	if err != nil {
		return nil, fmt.Errorf("due http targets: %w", err)
	}
	defer rows.Close()

	var out []HTTPTarget
	for rows.Next() {
		t, err := scanHTTPTarget(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func scanHTTPTarget(rows *sql.Rows) (*HTTPTarget, error) {
	t := &HTTPTarget{}
	var (
		lastCheck  sql.NullInt64
		lastStatus sql.NullInt64
		lastLat    sql.NullInt64
		lastOK     sql.NullBool
		lastChange sql.NullInt64
	)
	err := rows.Scan(&t.ID, &t.TenantID, &t.Name, &t.URL, &t.Method, &t.AcceptedStatus,
		&t.CheckIntervalSec, &t.TimeoutSec, &t.Active, &lastCheck, &lastStatus,
		&lastLat, &t.LastError, &lastOK, &lastChange)
	if err != nil {
		return nil, fmt.Errorf("scan http target: %w", err)
	}
	t.LastCheckAt = timePtr(lastCheck)
	if lastStatus.Valid {
		v := int(lastStatus.Int64)
		t.LastStatus = &v
	}
	if lastLat.Valid {
		t.LastLatencyMS = &lastLat.Int64
	}
	if lastOK.Valid {
		t.LastOK = &lastOK.Bool
	}
	t.LastStateChangeAt = timePtr(lastChange)
	return t, nil
}

// UpdateHTTPTargetResult persists a probe result. stateChanged bumps
// last_state_change_at, the anchor for the per-tenant notification grace.
func (s *Store) UpdateHTTPTargetResult(ctx context.Context, targetID string, checkedAt time.Time, status int, latencyMS int64, probeErr string, ok, stateChanged bool) error {
	if stateChanged {
		_, err := s.db.ExecContext(ctx,
			`UPDATE http_targets
			 SET last_check_at = ?, last_status = ?, last_latency_ms = ?,
			     last_error = ?, last_ok = ?, last_state_change_at = ?
			 WHERE id = ?`,
			checkedAt.Unix(), status, latencyMS, truncate(probeErr, 512), ok, checkedAt.Unix(), targetID)
		if err != nil {
			return fmt.Errorf("update http target: %w", err)
		}
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE http_targets
		 SET last_check_at = ?, last_status = ?, last_latency_ms = ?,
		     last_error = ?, last_ok = ?
		 WHERE id = ?`,
		checkedAt.Unix(), status, latencyMS, truncate(probeErr, 512), ok, targetID)
	if err != nil {
		return fmt.Errorf("update http target: %w", err)
	}
	return nil
}

// CandidateMetrics returns the freshness scanner's working set: metrics with
// alerting enabled and not paused, joined with their machines.
func (s *Store) CandidateMetrics(ctx context.Context) ([]CandidateMetric, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT mi.id, mi.name_effective, mi.updated_at,
		        m.id, m.hostname, m.tenant_id, m.status
		 FROM metric_instances mi
		 JOIN machines m ON m.id = mi.machine_id
		 WHERE mi.is_alerting_enabled = 1 AND mi.is_paused = 0
		 ORDER BY m.tenant_id, m.hostname, mi.name_effective`)
	if err != nil {
		return nil, fmt.Errorf("candidate metrics: %w", err)
	}
	defer rows.Close()

	var out []CandidateMetric
	for rows.Next() {
		var c CandidateMetric
		var updatedAt sql.NullInt64
		err := rows.Scan(&c.MetricID, &c.Name, &updatedAt,
			&c.MachineID, &c.Hostname, &c.TenantID, &c.MachineStatus)
		if err != nil {
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		c.UpdatedAt = timePtr(updatedAt)
		out = append(out, c)
	}
	return out, rows.Err()
}

// CreateIngestIfAbsent records an ingest id for idempotency. Returns false
// without error when the id was already recorded for the tenant.
func (s *Store) CreateIngestIfAbsent(ctx context.Context, tenantID, ingestID, machineID string, sentAt time.Time) (bool, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ingests (tenant_id, ingest_id, machine_id, sent_at, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		tenantID, ingestID, machineID, sentAt.Unix(), s.now().Unix())
	if isUniqueViolation(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("record ingest: %w", err)
	}
	return true, nil
}
