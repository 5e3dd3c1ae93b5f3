package monitor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Ingest boundary errors, translated to HTTP statuses by the server.
var (
	ErrBadIngestID      = errors.New("ingest id too long")
	ErrNotAuthenticated = errors.New("unknown api key")
	ErrMachineMismatch  = errors.New("api key not valid for this machine")
	ErrFutureSample     = errors.New("sample timestamp too far in the future")
	ErrInvalidPayload   = errors.New("invalid payload")
)

const maxIngestIDLen = 64

// Ingest result statuses.
const (
	IngestAccepted  = "accepted"
	IngestDuplicate = "duplicate"
	IngestArchived  = "archived"
)

type IngestMetric struct {
	Name      string
	Type      MetricType
	Dimension string
	Unit      string
	Value     Value
}

type IngestBatch struct {
	IngestID string // optional client-supplied idempotency id
	APIKey   string
	Hostname string
	OS       string
	Tags     string
	SentAt   time.Time
	Metrics  []IngestMetric
}

type IngestResult struct {
	Status   string
	IngestID string
}

// Ingestor accepts metric batches from reporting machines: authenticate,
// window-check, deduplicate, persist, then hand the machine to the
// evaluation queue.
type Ingestor struct {
	store     *Store
	futureMax time.Duration
	lateMax   time.Duration
	evaluate  func(machineID string)
	now       func() time.Time
}

func NewIngestor(store *Store, cfg IngestConfig, evaluate func(machineID string)) *Ingestor {
	return &Ingestor{
		store:     store,
		futureMax: cfg.FutureMax.Duration,
		lateMax:   cfg.LateMax.Duration,
		evaluate:  evaluate,
		now:       time.Now,
	}
}

// Process runs one batch through the full pipeline. The returned result's
// status is one of accepted, duplicate, archived.
func (in *Ingestor) Process(ctx context.Context, batch IngestBatch) (*IngestResult, error) {
	if len(batch.IngestID) > maxIngestIDLen {
		return nil, ErrBadIngestID
	}
	if batch.Hostname == "" || batch.SentAt.IsZero() || len(batch.Metrics) == 0 {
		return nil, ErrInvalidPayload
	}

	key, err := in.store.LookupAPIKey(ctx, batch.APIKey)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotAuthenticated
	}
	if err != nil {
		return nil, fmt.Errorf("ingest auth: %w", err)
	}
	if key.Hostname != "" && key.Hostname != batch.Hostname {
		return nil, ErrMachineMismatch
	}

	now := in.now()
	if batch.SentAt.Sub(now) > in.futureMax {
		return nil, ErrFutureSample
	}

	machine, err := in.store.EnsureMachine(ctx, key.TenantID, batch.Hostname, batch.OS, batch.Tags)
	if err != nil {
		return nil, err
	}

	ingestID := batch.IngestID
	if ingestID == "" {
		ingestID = deriveIngestID(key.TenantID, batch)
	}

	fresh, err := in.store.CreateIngestIfAbsent(ctx, key.TenantID, ingestID, machine.ID, batch.SentAt)
	if err != nil {
		return nil, err
	}
	if !fresh {
		return &IngestResult{Status: IngestDuplicate, IngestID: ingestID}, nil
	}

	// Late batches are kept for history but do not advance freshness,
	// machine or metric, and trigger no evaluation: the data is too old
	// to act on. Duplicates never reach this point.
	late := now.Sub(batch.SentAt) > in.lateMax
	if !late {
		if err := in.store.TouchMachineSeen(ctx, machine.ID, now); err != nil {
			return nil, err
		}
	}

	for i, m := range batch.Metrics {
		mi, err := in.store.EnsureMetricInstance(ctx, key.TenantID, machine.ID, m.Name, m.Type, m.Dimension, m.Unit)
		if err != nil {
			return nil, err
		}
		err = in.store.InsertSample(ctx, Sample{
			MetricID: mi.ID,
			TS:       batch.SentAt,
			Seq:      int64(i),
			Value:    m.Value,
		})
		if err != nil {
			return nil, err
		}
		if !late {
			if err := in.store.TouchMetric(ctx, mi.ID, m.Value, batch.SentAt); err != nil {
				return nil, err
			}
		}
	}

	if late {
		return &IngestResult{Status: IngestArchived, IngestID: ingestID}, nil
	}

	if in.evaluate != nil {
		in.evaluate(machine.ID)
	}
	return &IngestResult{Status: IngestAccepted, IngestID: ingestID}, nil
}

// deriveIngestID builds a deterministic id for batches sent without one, so
// an agent retrying the same payload still deduplicates. The timestamp is
// truncated to the second and the metric fingerprint is order-independent.
func deriveIngestID(tenantID string, batch IngestBatch) string {
	parts := make([]string, 0, len(batch.Metrics))
	for _, m := range batch.Metrics {
		parts = append(parts, m.Name+"|"+m.Dimension+"|"+formatValue(m.Value))
	}
	sort.Strings(parts)

	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%d|%s", tenantID, batch.Hostname,
		batch.SentAt.Truncate(time.Second).Unix(), strings.Join(parts, ";"))
	return "auto-" + hex.EncodeToString(h.Sum(nil))[:maxIngestIDLen-5]
}
