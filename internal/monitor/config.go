package monitor

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration wraps time.Duration for TOML string parsing ("30s", "5m").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	return nil
}

type Config struct {
	Storage StorageConfig `toml:"storage"`
	Listen  ListenConfig  `toml:"listen"`
	Ingest  IngestConfig  `toml:"ingest"`
	Scan    ScanConfig    `toml:"scan"`
	Probe   ProbeConfig   `toml:"probe"`
	Outbox  OutboxConfig  `toml:"outbox"`
	Notify  NotifyConfig  `toml:"notify"`
	Events  EventsConfig  `toml:"events"`
	Workers WorkersConfig `toml:"workers"`
}

type StorageConfig struct {
	Path string `toml:"path"`
}

type ListenConfig struct {
	Addr string `toml:"addr"`
}

type IngestConfig struct {
	// FutureMax rejects samples stamped too far in the future; LateMax
	// archives samples too old to be worth evaluating.
	FutureMax Duration `toml:"future_max"`
	LateMax   Duration `toml:"late_max"`
}

type ScanConfig struct {
	Interval     Duration `toml:"interval"`
	StartupGrace Duration `toml:"startup_grace"`
	Staleness    Duration `toml:"staleness"`
	GracePeriod  Duration `toml:"grace_period"`
}

type ProbeConfig struct {
	Interval Duration `toml:"interval"`
}

type OutboxConfig struct {
	Interval    Duration `toml:"interval"`
	Backoffs    []int    `toml:"backoffs"` // seconds, indexed by attempts-1
	JitterPct   float64  `toml:"jitter_pct"`
	MaxAttempts int      `toml:"max_attempts"`
	BatchLimit  int      `toml:"batch_limit"`
}

type NotifyConfig struct {
	Reminder        Duration    `toml:"reminder"`
	GroupingWindow  Duration    `toml:"grouping_window"`
	NotifyOnResolve bool        `toml:"notify_on_resolve"`
	Email           EmailConfig `toml:"email"`
}

type EmailConfig struct {
	SMTPHost string `toml:"smtp_host"`
	SMTPPort int    `toml:"smtp_port"`
	From     string `toml:"from"`
}

// EventsConfig enables the outbox delivery rail: incident lifecycle events
// are posted to the webhook with durable at-least-once semantics.
type EventsConfig struct {
	WebhookURL string `toml:"webhook_url"`
}

type WorkersConfig struct {
	Evaluate int `toml:"evaluate"`
	Notify   int `toml:"notify"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := &Config{}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	setDefaults(cfg)
	applyEnv(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a config with all defaults and env overrides applied,
// without reading a file.
func DefaultConfig() *Config {
	cfg := &Config{}
	setDefaults(cfg)
	applyEnv(cfg)
	return cfg
}

func setDefaults(cfg *Config) {
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "/var/lib/roost/roost.db"
	}
	if cfg.Listen.Addr == "" {
		cfg.Listen.Addr = "127.0.0.1:8480"
	}
	if cfg.Ingest.FutureMax.Duration == 0 {
		cfg.Ingest.FutureMax.Duration = 2 * time.Minute
	}
	if cfg.Ingest.LateMax.Duration == 0 {
		cfg.Ingest.LateMax.Duration = 1 * time.Hour
	}
	if cfg.Scan.Interval.Duration == 0 {
		cfg.Scan.Interval.Duration = 60 * time.Second
	}
	if cfg.Scan.StartupGrace.Duration == 0 {
		cfg.Scan.StartupGrace.Duration = 2 * time.Minute
	}
	if cfg.Scan.Staleness.Duration == 0 {
		cfg.Scan.Staleness.Duration = 5 * time.Minute
	}
	if cfg.Scan.GracePeriod.Duration == 0 {
		cfg.Scan.GracePeriod.Duration = 2 * time.Minute
	}
	if cfg.Probe.Interval.Duration == 0 {
		cfg.Probe.Interval.Duration = 30 * time.Second
	}
	if cfg.Outbox.Interval.Duration == 0 {
		cfg.Outbox.Interval.Duration = 30 * time.Second
	}
	if len(cfg.Outbox.Backoffs) == 0 {
		cfg.Outbox.Backoffs = []int{30, 60, 120, 300, 600}
	}
	if cfg.Outbox.JitterPct == 0 {
		cfg.Outbox.JitterPct = 0.2
	}
	if cfg.Outbox.MaxAttempts == 0 {
		cfg.Outbox.MaxAttempts = 8
	}
	if cfg.Outbox.BatchLimit == 0 {
		cfg.Outbox.BatchLimit = 100
	}
	if cfg.Notify.Reminder.Duration == 0 {
		cfg.Notify.Reminder.Duration = 30 * time.Minute
	}
	if cfg.Notify.GroupingWindow.Duration == 0 {
		cfg.Notify.GroupingWindow.Duration = 5 * time.Minute
	}
	if cfg.Notify.Email.SMTPPort == 0 {
		cfg.Notify.Email.SMTPPort = 25
	}
	if cfg.Workers.Evaluate == 0 {
		cfg.Workers.Evaluate = 4
	}
	if cfg.Workers.Notify == 0 {
		cfg.Workers.Notify = 2
	}
}

// applyEnv overlays the deployment toggles onto the loaded config. Malformed
// values are ignored rather than fatal, so a bad override cannot take the
// backend down.
func applyEnv(cfg *Config) {
	if v, ok := envSeconds("MONITORING_STARTUP_GRACE_SECONDS"); ok {
		cfg.Scan.StartupGrace.Duration = v
	}
	if v, ok := envSeconds("INGEST_FUTURE_MAX_SECONDS"); ok {
		cfg.Ingest.FutureMax.Duration = v
	}
	if v, ok := envSeconds("INGEST_LATE_MAX_SECONDS"); ok {
		cfg.Ingest.LateMax.Duration = v
	}
	if v, ok := envSeconds("METRIC_STALENESS_SECONDS"); ok {
		cfg.Scan.Staleness.Duration = v
	}
	if v, ok := envSeconds("GRACE_PERIOD_SECONDS"); ok {
		cfg.Scan.GracePeriod.Duration = v
	}
	if raw := os.Getenv("ALERT_REMINDER_MINUTES"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			cfg.Notify.Reminder.Duration = time.Duration(n) * time.Minute
		}
	}
	if raw := os.Getenv("OUTBOX_BACKOFFS"); raw != "" {
		if backoffs := parseBackoffs(raw); len(backoffs) > 0 {
			cfg.Outbox.Backoffs = backoffs
		}
	}
	if raw := os.Getenv("OUTBOX_JITTER_PCT"); raw != "" {
		if f, err := strconv.ParseFloat(raw, 64); err == nil && f >= 0 {
			cfg.Outbox.JitterPct = f
		}
	}
}

func envSeconds(name string) (time.Duration, bool) {
	raw := os.Getenv(name)
	if raw == "" {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, false
	}
	return time.Duration(n) * time.Second, true
}

// parseBackoffs parses a CSV of seconds like "30,60,120". Malformed entries
// invalidate the whole list.
func parseBackoffs(raw string) []int {
	var out []int
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil || n <= 0 {
			return nil
		}
		out = append(out, n)
	}
	return out
}

func validate(cfg *Config) error {
	if cfg.Outbox.JitterPct < 0 || cfg.Outbox.JitterPct > 0.9 {
		return fmt.Errorf("outbox.jitter_pct must be in [0, 0.9], got %v", cfg.Outbox.JitterPct)
	}
	for _, b := range cfg.Outbox.Backoffs {
		if b <= 0 {
			return fmt.Errorf("outbox.backoffs entries must be positive, got %d", b)
		}
	}
	if cfg.Events.WebhookURL != "" {
		u, err := url.Parse(cfg.Events.WebhookURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("events.webhook_url must be an http(s) URL: %q", cfg.Events.WebhookURL)
		}
	}
	if cfg.Ingest.FutureMax.Duration < 0 || cfg.Ingest.LateMax.Duration < 0 {
		return fmt.Errorf("ingest windows must not be negative")
	}
	return nil
}
