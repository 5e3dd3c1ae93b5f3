// Package server is the HTTP boundary of the monitoring backend: the ingest
// endpoint for reporting machines and read endpoints for dashboards.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/thobiasn/roost/internal/monitor"
)

type Server struct {
	mon  *monitor.Monitor
	http *http.Server
}

func New(mon *monitor.Monitor, addr string) *Server {
	s := &Server{mon: mon}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /ingest/metrics", s.handleIngest)
	mux.HandleFunc("GET /api/incidents", s.handleIncidents)
	mux.HandleFunc("GET /api/notifications", s.handleNotifications)
	mux.HandleFunc("GET /api/machines", s.handleMachines)
	mux.HandleFunc("GET /healthz", s.handleHealth)

	s.http = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
	return s
}

// Run serves until the context is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()
	slog.Info("http server listening", "addr", s.http.Addr)

	select {
	case err := <-errc:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.http.Shutdown(shutCtx)
}

type ingestMetricWire struct {
	Name      string          `json:"name"`
	Type      string          `json:"type"`
	Dimension string          `json:"dimension,omitempty"`
	Unit      string          `json:"unit,omitempty"`
	Value     json.RawMessage `json:"value"`
}

type ingestWire struct {
	Hostname string             `json:"hostname"`
	OS       string             `json:"os,omitempty"`
	Tags     string             `json:"tags,omitempty"`
	SentAt   time.Time          `json:"sent_at"`
	Metrics  []ingestMetricWire `json:"metrics"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var wire ingestWire
	if err := json.NewDecoder(r.Body).Decode(&wire); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	metrics := make([]monitor.IngestMetric, 0, len(wire.Metrics))
	for _, mw := range wire.Metrics {
		m, err := decodeMetric(mw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		metrics = append(metrics, m)
	}

	batch := monitor.IngestBatch{
		IngestID: r.Header.Get("X-Ingest-Id"),
		APIKey:   r.Header.Get("X-Api-Key"),
		Hostname: wire.Hostname,
		OS:       wire.OS,
		Tags:     wire.Tags,
		SentAt:   wire.SentAt,
		Metrics:  metrics,
	}

	result, err := s.mon.Ingestor().Process(r.Context(), batch)
	if err != nil {
		writeIngestError(w, err)
		return
	}

	status := http.StatusAccepted
	body := map[string]string{
		"status":    result.Status,
		"ingest_id": result.IngestID,
	}
	switch result.Status {
	case monitor.IngestDuplicate:
		status = http.StatusOK
	case monitor.IngestArchived:
		// Archived batches are accepted without processing; the reason
		// tells the agent why nothing will come of them.
		body["status"] = monitor.IngestAccepted
		body["reason"] = monitor.IngestArchived
	}
	writeJSON(w, status, body)
}

// decodeMetric interprets the raw JSON value through the declared type, so a
// numeric metric carrying a string still fails loudly at the boundary.
func decodeMetric(mw ingestMetricWire) (monitor.IngestMetric, error) {
	m := monitor.IngestMetric{
		Name:      mw.Name,
		Dimension: mw.Dimension,
		Unit:      mw.Unit,
	}
	if mw.Name == "" {
		return m, fmt.Errorf("metric missing name")
	}

	typ := monitor.MetricType(mw.Type)
	if mw.Type == "" {
		typ = monitor.MetricNumeric
	}
	m.Type = typ

	switch typ {
	case monitor.MetricNumeric:
		var f float64
		if err := json.Unmarshal(mw.Value, &f); err != nil {
			return m, fmt.Errorf("metric %s: numeric value expected", mw.Name)
		}
		m.Value = monitor.NumValue(f)
	case monitor.MetricBool:
		var b bool
		if err := json.Unmarshal(mw.Value, &b); err != nil {
			return m, fmt.Errorf("metric %s: bool value expected", mw.Name)
		}
		m.Value = monitor.BoolValue(b)
	case monitor.MetricString:
		var str string
		if err := json.Unmarshal(mw.Value, &str); err != nil {
			return m, fmt.Errorf("metric %s: string value expected", mw.Name)
		}
		m.Value = monitor.StrValue(str)
	default:
		return m, fmt.Errorf("metric %s: unknown type %q", mw.Name, mw.Type)
	}
	return m, nil
}

func writeIngestError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, monitor.ErrBadIngestID), errors.Is(err, monitor.ErrInvalidPayload):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, monitor.ErrNotAuthenticated):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, monitor.ErrMachineMismatch):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, monitor.ErrFutureSample):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		slog.Error("ingest failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// authTenant resolves the request's API key to a tenant id, or writes 401.
func (s *Server) authTenant(w http.ResponseWriter, r *http.Request) (string, bool) {
	key, err := s.mon.Store().LookupAPIKey(r.Context(), r.Header.Get("X-Api-Key"))
	if errors.Is(err, monitor.ErrNotFound) {
		writeError(w, http.StatusUnauthorized, "unknown api key")
		return "", false
	}
	if err != nil {
		slog.Error("auth lookup failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return "", false
	}
	return key.TenantID, true
}

type incidentWire struct {
	ID             string     `json:"id"`
	Kind           string     `json:"kind"`
	ScopeID        string     `json:"scope_id"`
	IncidentNumber int64      `json:"incident_number"`
	Title          string     `json:"title"`
	Description    string     `json:"description,omitempty"`
	Severity       string     `json:"severity"`
	Status         string     `json:"status"`
	CreatedAt      time.Time  `json:"created_at"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

func (s *Server) handleIncidents(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := s.authTenant(w, r)
	if !ok {
		return
	}

	f := monitor.IncidentFilter{
		Status: strings.ToUpper(r.URL.Query().Get("status")),
		Kind:   strings.ToUpper(r.URL.Query().Get("kind")),
		Limit:  queryLimit(r, 100),
	}
	incidents, err := s.mon.Store().ListIncidents(r.Context(), tenantID, f)
	if err != nil {
		slog.Error("list incidents failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	out := make([]incidentWire, 0, len(incidents))
	for _, inc := range incidents {
		out = append(out, incidentWire{
			ID:             inc.ID,
			Kind:           inc.Kind,
			ScopeID:        inc.ScopeID,
			IncidentNumber: inc.IncidentNumber,
			Title:          inc.Title,
			Description:    inc.Description,
			Severity:       inc.Severity,
			Status:         inc.Status,
			CreatedAt:      inc.CreatedAt,
			ResolvedAt:     inc.ResolvedAt,
			UpdatedAt:      inc.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type notificationWire struct {
	ID         string     `json:"id"`
	IncidentID string     `json:"incident_id,omitempty"`
	Provider   string     `json:"provider"`
	Recipient  string     `json:"recipient,omitempty"`
	Status     string     `json:"status"`
	Message    string     `json:"message,omitempty"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	SentAt     *time.Time `json:"sent_at,omitempty"`
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := s.authTenant(w, r)
	if !ok {
		return
	}

	records, err := s.mon.Store().ListNotifications(r.Context(), tenantID, queryLimit(r, 100))
	if err != nil {
		slog.Error("list notifications failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	out := make([]notificationWire, 0, len(records))
	for _, rec := range records {
		out = append(out, notificationWire{
			ID:         rec.ID,
			IncidentID: rec.IncidentID,
			Provider:   rec.Provider,
			Recipient:  rec.Recipient,
			Status:     rec.Status,
			Message:    rec.Message,
			Error:      rec.Error,
			CreatedAt:  rec.CreatedAt,
			SentAt:     rec.SentAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type machineWire struct {
	ID       string     `json:"id"`
	Hostname string     `json:"hostname"`
	OS       string     `json:"os,omitempty"`
	Tags     string     `json:"tags,omitempty"`
	Status   string     `json:"status"`
	LastSeen *time.Time `json:"last_seen,omitempty"`
}

func (s *Server) handleMachines(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := s.authTenant(w, r)
	if !ok {
		return
	}

	machines, err := s.mon.Store().ListMachines(r.Context(), tenantID)
	if err != nil {
		slog.Error("list machines failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	out := make([]machineWire, 0, len(machines))
	for _, m := range machines {
		out = append(out, machineWire{
			ID:       m.ID,
			Hostname: m.Hostname,
			OS:       m.OS,
			Tags:     m.Tags,
			Status:   m.Status,
			LastSeen: m.LastSeen,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func queryLimit(r *http.Request, def int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > 1000 {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
