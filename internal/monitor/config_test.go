package monitor

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, `
[storage]
path = "/tmp/test.db"
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Storage.Path != "/tmp/test.db" {
		t.Errorf("storage path = %s", cfg.Storage.Path)
	}
	if cfg.Scan.Staleness.Duration != 5*time.Minute {
		t.Errorf("staleness = %v, want 5m", cfg.Scan.Staleness.Duration)
	}
	if cfg.Notify.Reminder.Duration != 30*time.Minute {
		t.Errorf("reminder = %v, want 30m", cfg.Notify.Reminder.Duration)
	}
	want := []int{30, 60, 120, 300, 600}
	if len(cfg.Outbox.Backoffs) != len(want) {
		t.Fatalf("backoffs = %v", cfg.Outbox.Backoffs)
	}
	for i, b := range want {
		if cfg.Outbox.Backoffs[i] != b {
			t.Errorf("backoffs[%d] = %d, want %d", i, cfg.Outbox.Backoffs[i], b)
		}
	}
}

func TestLoadConfigDurations(t *testing.T) {
	path := writeConfig(t, `
[scan]
interval = "15s"
staleness = "10m"

[notify]
reminder = "1h"
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Scan.Interval.Duration != 15*time.Second {
		t.Errorf("interval = %v", cfg.Scan.Interval.Duration)
	}
	if cfg.Scan.Staleness.Duration != 10*time.Minute {
		t.Errorf("staleness = %v", cfg.Scan.Staleness.Duration)
	}
	if cfg.Notify.Reminder.Duration != 1*time.Hour {
		t.Errorf("reminder = %v", cfg.Notify.Reminder.Duration)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MONITORING_STARTUP_GRACE_SECONDS", "90")
	t.Setenv("METRIC_STALENESS_SECONDS", "600")
	t.Setenv("ALERT_REMINDER_MINUTES", "15")
	t.Setenv("OUTBOX_BACKOFFS", "10,20,40")
	t.Setenv("OUTBOX_JITTER_PCT", "0.5")

	cfg := DefaultConfig()
	if cfg.Scan.StartupGrace.Duration != 90*time.Second {
		t.Errorf("startup grace = %v", cfg.Scan.StartupGrace.Duration)
	}
	if cfg.Scan.Staleness.Duration != 600*time.Second {
		t.Errorf("staleness = %v", cfg.Scan.Staleness.Duration)
	}
	if cfg.Notify.Reminder.Duration != 15*time.Minute {
		t.Errorf("reminder = %v", cfg.Notify.Reminder.Duration)
	}
	if len(cfg.Outbox.Backoffs) != 3 || cfg.Outbox.Backoffs[0] != 10 {
		t.Errorf("backoffs = %v", cfg.Outbox.Backoffs)
	}
	if cfg.Outbox.JitterPct != 0.5 {
		t.Errorf("jitter = %v", cfg.Outbox.JitterPct)
	}
}

func TestEnvMalformedIgnored(t *testing.T) {
	t.Setenv("METRIC_STALENESS_SECONDS", "not-a-number")
	t.Setenv("OUTBOX_BACKOFFS", "10,banana,40")

	cfg := DefaultConfig()
	if cfg.Scan.Staleness.Duration != 5*time.Minute {
		t.Errorf("malformed staleness override applied: %v", cfg.Scan.Staleness.Duration)
	}
	if len(cfg.Outbox.Backoffs) != 5 {
		t.Errorf("malformed backoffs override applied: %v", cfg.Outbox.Backoffs)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	bad := []string{
		`
[outbox]
jitter_pct = 1.5
`,
		`
[outbox]
backoffs = [30, -1]
`,
		`
[events]
webhook_url = "ftp://example.com"
`,
	}
	for _, content := range bad {
		path := writeConfig(t, content)
		if _, err := LoadConfig(path); err == nil {
			t.Errorf("config accepted: %s", content)
		}
	}
}

func TestParseBackoffs(t *testing.T) {
	if got := parseBackoffs("30, 60 ,120"); len(got) != 3 || got[1] != 60 {
		t.Errorf("parseBackoffs = %v", got)
	}
	if got := parseBackoffs("30,0,60"); got != nil {
		t.Errorf("zero entry accepted: %v", got)
	}
	if got := parseBackoffs(""); got != nil {
		t.Errorf("empty input: %v", got)
	}
}
