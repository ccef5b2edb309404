package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadCreatesDefaultOnFirstRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "config.yaml")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Store.Driver != "sqlite" || cfg.RefreshCron != "*/15 * * * *" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("config not written: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("perm = %o, want 600", perm)
	}
}

func TestLoadNormalizesPartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
timezone: UTC
store:
  driver: ics
work:
  start: "08:30"
subscriptions:
  - id: holidays
    url: https://example.com/holidays.ics
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Store.Path != "./var/assistcal.ics" {
		t.Errorf("store path = %q", cfg.Store.Path)
	}
	if cfg.Listen != "127.0.0.1:8080" || cfg.FetchTimeout != 10*time.Second {
		t.Errorf("defaults not applied: %+v", cfg)
	}
	ww, err := cfg.WorkWindow()
	if err != nil {
		t.Fatalf("WorkWindow: %v", err)
	}
	if ww.DailyStart != 8*time.Hour+30*time.Minute || ww.DailyEnd != 18*time.Hour || len(ww.WorkDays) != 5 {
		t.Errorf("work window = %+v", ww)
	}
	if len(cfg.Subscriptions) != 1 || cfg.Subscriptions[0].ID != "holidays" {
		t.Errorf("subscriptions = %+v", cfg.Subscriptions)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := Save(path, DefaultConfig()); err != nil {
		t.Fatal(err)
	}
	t.Setenv("ASSISTCAL_TIMEZONE", "UTC")
	t.Setenv("ASSISTCAL_STORE_DRIVER", "ics")
	t.Setenv("ASSISTCAL_STORE_PATH", "/tmp/cal.ics")
	t.Setenv("ASSISTCAL_WORK_DAYS", "mon,wed")
	t.Setenv("ASSISTCAL_FETCH_TIMEOUT", "3s")
	t.Setenv("ASSISTCAL_LOG_FORMAT", "json")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Timezone != "UTC" || cfg.Store.Driver != "ics" || cfg.Store.Path != "/tmp/cal.ics" {
		t.Errorf("env not applied: %+v", cfg)
	}
	if cfg.FetchTimeout != 3*time.Second || cfg.Log.Format != "json" {
		t.Errorf("env not applied: %+v", cfg)
	}
	ww, err := cfg.WorkWindow()
	if err != nil {
		t.Fatal(err)
	}
	if len(ww.WorkDays) != 2 || ww.WorkDays[0] != time.Monday || ww.WorkDays[1] != time.Wednesday {
		t.Errorf("work days = %v", ww.WorkDays)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"defaults", func(*Config) {}, ""},
		{"bad cron", func(c *Config) { c.RefreshCron = "every minute" }, "refresh"},
		{"bad driver", func(c *Config) { c.Store.Driver = "postgres" }, "Driver"},
		{"bad timezone", func(c *Config) { c.Timezone = "Mars/Olympus" }, "timezone"},
		{"bad work clock", func(c *Config) { c.Work.End = "25:00" }, "work end"},
		{"inverted work window", func(c *Config) { c.Work.Start, c.Work.End = "18:00", "09:00" }, "work window"},
		{"bad weekday", func(c *Config) { c.Work.Days = []string{"funday"} }, "weekday"},
		{"subscription without url", func(c *Config) {
			c.Subscriptions = []SubscriptionConfig{{ID: "hol"}}
		}, "URL"},
		{"subscription id with colon", func(c *Config) {
			c.Subscriptions = []SubscriptionConfig{{ID: "a:b", URL: "https://example.com/a.ics"}}
		}, "ID"},
		{"duplicate subscription", func(c *Config) {
			c.Subscriptions = []SubscriptionConfig{
				{ID: "hol", URL: "https://example.com/a.ics"},
				{ID: "hol", URL: "https://example.com/b.ics"},
			}
		}, "duplicate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.want == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := DefaultConfig()
	cfg.BasicAuth = &BasicAuthConfig{Username: "me", Password: "secret"}
	cfg.Cache.TTL = time.Minute
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.BasicAuth == nil || got.BasicAuth.Username != "me" {
		t.Errorf("basic auth lost: %+v", got.BasicAuth)
	}
	if got.Cache.TTL != time.Minute {
		t.Errorf("cache ttl = %v", got.Cache.TTL)
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".assistcal-config-") {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}
