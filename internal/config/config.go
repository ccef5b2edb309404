package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
	_ "time/tzdata"

	"github.com/caarlos0/env/v6"
	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"assistcal/internal/freeslot"
)

// NOTE: This file provides the configuration model and full YAML-based
// load/save behavior, including first-run config creation and 0600
// permissions. Environment variables prefixed with ASSISTCAL_ override
// the file after it has been read.

const envPrefix = "ASSISTCAL_"

// SubscriptionConfig describes a single read-only ICS subscription.
type SubscriptionConfig struct {
	// ID prefixes the ids of the subscription's events ("<id>:<uid>").
	ID string `yaml:"id" json:"id" validate:"required,excludes=:"`
	// Name is a human-friendly label.
	Name string `yaml:"name" json:"name"`
	// URL is the ICS subscription endpoint.
	URL string `yaml:"url" json:"url" validate:"required,url"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// StoreConfig selects the writable calendar backend.
type StoreConfig struct {
	// Driver is "sqlite" or "ics".
	Driver string `yaml:"driver" json:"driver" env:"DRIVER" validate:"oneof=sqlite ics"`
	// Path is the database or .ics file.
	Path string `yaml:"path" json:"path" env:"PATH" validate:"required"`
	// Name is the calendar name written into an .ics store.
	Name string `yaml:"name,omitempty" json:"name,omitempty" env:"NAME"`
}

// WorkConfig is the bookable part of each day.
type WorkConfig struct {
	Start string   `yaml:"start" json:"start" env:"START" validate:"required"`
	End   string   `yaml:"end" json:"end" env:"END" validate:"required"`
	Days  []string `yaml:"days" json:"days" env:"DAYS" envSeparator:"," validate:"min=1"`
}

// LogConfig configures internal/log.
type LogConfig struct {
	Level  string `yaml:"level" json:"level" env:"LEVEL" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" json:"format" env:"FORMAT" validate:"oneof=console json"`
}

// CacheConfig sizes the snapshot cache. Size 0 disables it.
type CacheConfig struct {
	Size int           `yaml:"size" json:"size" env:"SIZE" validate:"gte=0"`
	TTL  time.Duration `yaml:"ttl" json:"ttl" env:"TTL" validate:"gte=0"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the API.
	Listen string `yaml:"listen" json:"listen" env:"LISTEN" validate:"required"`

	// Timezone is the IANA reference timezone (e.g. "Asia/Seoul").
	Timezone string `yaml:"timezone" json:"timezone" env:"TIMEZONE" validate:"required"`

	// RefreshCron is a standard cron schedule (e.g. "*/15 * * * *") for
	// refreshing subscriptions while serving.
	RefreshCron string `yaml:"refresh" json:"refresh" env:"REFRESH" validate:"required"`

	// FetchTimeout bounds every store fetch.
	FetchTimeout time.Duration `yaml:"fetch_timeout" json:"fetch_timeout" env:"FETCH_TIMEOUT" validate:"gt=0"`

	// HorizonDays is how far ahead recurring bookings are checked and how
	// many days list queries show by default.
	HorizonDays int `yaml:"horizon_days" json:"horizon_days" env:"HORIZON_DAYS" validate:"gte=1,lte=366"`

	// MaxOccurrences caps open-ended series per query.
	MaxOccurrences int `yaml:"max_occurrences" json:"max_occurrences" env:"MAX_OCCURRENCES" validate:"gte=1"`

	Store StoreConfig `yaml:"store" json:"store" envPrefix:"STORE_"`

	// PreferencesPath is the preference YAML file.
	PreferencesPath string `yaml:"preferences_path" json:"preferences_path" env:"PREFERENCES_PATH"`

	Work WorkConfig `yaml:"work" json:"work" envPrefix:"WORK_"`

	// Subscriptions are read-only calendars overlaid on the store.
	Subscriptions []SubscriptionConfig `yaml:"subscriptions" json:"subscriptions" validate:"dive"`

	// CacheDir keeps the last good body of every subscription.
	CacheDir string `yaml:"cache_dir" json:"cache_dir" env:"CACHE_DIR"`

	Cache CacheConfig `yaml:"cache" json:"cache" envPrefix:"CACHE_"`

	Log LogConfig `yaml:"log" json:"log" envPrefix:"LOG_"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:          "127.0.0.1:8080",
		Timezone:        "Asia/Seoul",
		RefreshCron:     "*/15 * * * *",
		FetchTimeout:    10 * time.Second,
		HorizonDays:     30,
		MaxOccurrences:  5000,
		Store:           StoreConfig{Driver: "sqlite", Path: "./var/assistcal.db", Name: "assistcal"},
		PreferencesPath: "./var/preferences.yaml",
		Work: WorkConfig{
			Start: "09:00",
			End:   "18:00",
			Days:  []string{"mon", "tue", "wed", "thu", "fri"},
		},
		Subscriptions: []SubscriptionConfig{},
		CacheDir:      "./var/ics-cache",
		Cache:         CacheConfig{Size: 64, TTL: 30 * time.Second},
		Log:           LogConfig{Level: "info", Format: "console"},
		BasicAuth:     nil,
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	d := DefaultConfig()
	if c.Listen == "" {
		c.Listen = d.Listen
	}
	if c.Timezone == "" {
		c.Timezone = d.Timezone
	}
	if c.RefreshCron == "" {
		c.RefreshCron = d.RefreshCron
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = d.FetchTimeout
	}
	if c.HorizonDays <= 0 {
		c.HorizonDays = d.HorizonDays
	}
	if c.MaxOccurrences <= 0 {
		c.MaxOccurrences = d.MaxOccurrences
	}
	if c.Store.Driver == "" {
		c.Store.Driver = d.Store.Driver
	}
	if c.Store.Path == "" {
		if c.Store.Driver == "ics" {
			c.Store.Path = "./var/assistcal.ics"
		} else {
			c.Store.Path = d.Store.Path
		}
	}
	if c.Store.Name == "" {
		c.Store.Name = d.Store.Name
	}
	if c.Work.Start == "" {
		c.Work.Start = d.Work.Start
	}
	if c.Work.End == "" {
		c.Work.End = d.Work.End
	}
	if len(c.Work.Days) == 0 {
		c.Work.Days = d.Work.Days
	}
	if c.Subscriptions == nil {
		c.Subscriptions = []SubscriptionConfig{}
	}
	if c.CacheDir == "" {
		c.CacheDir = d.CacheDir
	}
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = d.Log.Format
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints, the refresh schedule, the timezone
// and the work window.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if _, err := cron.ParseStandard(c.RefreshCron); err != nil {
		return fmt.Errorf("config: refresh %q: %w", c.RefreshCron, err)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if _, err := c.WorkWindow(); err != nil {
		return err
	}
	seen := make(map[string]bool, len(c.Subscriptions))
	for _, s := range c.Subscriptions {
		if seen[s.ID] {
			return fmt.Errorf("config: duplicate subscription id %q", s.ID)
		}
		seen[s.ID] = true
	}
	return nil
}

// Location loads the reference timezone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("config: timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// WorkWindow converts the work section into a freeslot.WorkWindow.
func (c *Config) WorkWindow() (freeslot.WorkWindow, error) {
	start, err := freeslot.ParseClock(c.Work.Start)
	if err != nil {
		return freeslot.WorkWindow{}, fmt.Errorf("config: work start: %w", err)
	}
	end, err := freeslot.ParseClock(c.Work.End)
	if err != nil {
		return freeslot.WorkWindow{}, fmt.Errorf("config: work end: %w", err)
	}
	ww := freeslot.WorkWindow{DailyStart: start, DailyEnd: end}
	for _, d := range c.Work.Days {
		wd, err := freeslot.ParseWeekday(d)
		if err != nil {
			return freeslot.WorkWindow{}, fmt.Errorf("config: work days: %w", err)
		}
		ww.WorkDays = append(ww.WorkDays, wd)
	}
	if err := ww.Validate(); err != nil {
		return freeslot.WorkWindow{}, fmt.Errorf("config: %w", err)
	}
	return ww, nil
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults
//   - ASSISTCAL_* environment variables override either result, then the
//     whole config is validated.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	var cfg *Config
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		// First run: create default config file.
		cfg = DefaultConfig()
		if err := Save(path, cfg); err != nil {
			return cfg, err
		}
	case err != nil:
		return nil, err
	default:
		cfg = &Config{}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config %s: %w", path, err)
		}
		cfg.Normalize()
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from ASSISTCAL_* environment variables.
func (c *Config) ApplyEnv() error {
	if err := env.Parse(c, env.Options{Prefix: envPrefix}); err != nil {
		return fmt.Errorf("config env: %w", err)
	}
	c.Normalize()
	return nil
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Marshals cfg to YAML.
//   - Writes atomically via a temp file + rename.
//   - Ensures final file permissions are 0600.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".assistcal-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// Save is a convenience method on Config that delegates to the package-level
// Save function.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
