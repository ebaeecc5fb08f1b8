// Package config loads runtime settings for the incident coordinator.
//
// Precedence, lowest to highest: built-in defaults, an optional YAML overrides
// file, then environment variables. A .env file in the working directory is
// folded into the environment before reading (missing .env is not an error).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds every runtime setting the process reads.
type Config struct {
	// DatabasePath is the SQLite store file location.
	DatabasePath string `yaml:"database_path"`

	// BotToken authenticates the chat transport. Required to run the binary.
	BotToken string `yaml:"bot_token"`

	// UnclaimedNudgeMinutes is how long an incident may sit in Awaiting_Claim
	// before the scheduler pings the assigned department once.
	UnclaimedNudgeMinutes int `yaml:"sla_unclaimed_nudge_minutes"`

	// SummaryTimeoutMinutes is how long an incident may sit in Awaiting_Summary
	// before the scheduler auto-closes it.
	SummaryTimeoutMinutes int `yaml:"sla_summary_timeout_minutes"`

	// CheckIntervalMinutes is the scheduler tick period.
	CheckIntervalMinutes int `yaml:"reminder_check_interval_minutes"`

	// PlatformAdminIDs gate the report and onboarding commands.
	PlatformAdminIDs []int64 `yaml:"platform_admin_ids"`

	// Report rendering settings, passed through to the report generator.
	ReportTimezone     string `yaml:"report_timezone"`
	ReportWeekEndDay   string `yaml:"report_week_end_day"`
	ReportTemplatePath string `yaml:"report_template_path"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	// MetricsAddr is the listen address for the Prometheus endpoint. Empty
	// disables the metrics server.
	MetricsAddr string `yaml:"metrics_addr"`

	// NotificationDrain enables delivery of queued notifications on each
	// scheduler tick.
	NotificationDrain bool `yaml:"notification_drain"`
}

func defaults() Config {
	return Config{
		DatabasePath:          "incidents.db",
		UnclaimedNudgeMinutes: 10,
		SummaryTimeoutMinutes: 30,
		CheckIntervalMinutes:  2,
		ReportTimezone:        "UTC",
		ReportWeekEndDay:      "sunday",
		LogLevel:              "info",
		NotificationDrain:     true,
	}
}

// Load builds the configuration. overridesPath may be empty; when set it must
// name a readable YAML file.
func Load(overridesPath string) (Config, error) {
	// Missing .env is the normal case outside local development.
	_ = godotenv.Load()

	cfg := defaults()

	if overridesPath != "" {
		data, err := os.ReadFile(overridesPath)
		if err != nil {
			return Config{}, fmt.Errorf("reading config overrides: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config overrides %s: %w", overridesPath, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	// YAML overrides arrive in whatever case the file used.
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	cfg.ReportWeekEndDay = strings.ToLower(cfg.ReportWeekEndDay)
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv("DATABASE_PATH"); v != "" {
		cfg.DatabasePath = v
	}
	if v := os.Getenv("BOT_TOKEN"); v != "" {
		cfg.BotToken = v
	}
	if v := os.Getenv("REPORT_TIMEZONE"); v != "" {
		cfg.ReportTimezone = v
	}
	if v := os.Getenv("REPORT_WEEK_END_DAY"); v != "" {
		cfg.ReportWeekEndDay = strings.ToLower(v)
	}
	if v := os.Getenv("REPORT_TEMPLATE_PATH"); v != "" {
		cfg.ReportTemplatePath = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if v := os.Getenv("METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	if v := os.Getenv("NOTIFICATION_DRAIN"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("NOTIFICATION_DRAIN must be a boolean, got %q", v)
		}
		cfg.NotificationDrain = b
	}

	intVars := []struct {
		name string
		dst  *int
	}{
		{"SLA_UNCLAIMED_NUDGE_MINUTES", &cfg.UnclaimedNudgeMinutes},
		{"SLA_SUMMARY_TIMEOUT_MINUTES", &cfg.SummaryTimeoutMinutes},
		{"REMINDER_CHECK_INTERVAL_MINUTES", &cfg.CheckIntervalMinutes},
	}
	for _, iv := range intVars {
		v := os.Getenv(iv.name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s must be an integer, got %q", iv.name, v)
		}
		*iv.dst = n
	}

	if v := os.Getenv("PLATFORM_ADMIN_IDS"); v != "" {
		ids, err := ParseAdminIDs(v)
		if err != nil {
			return err
		}
		cfg.PlatformAdminIDs = ids
	}
	return nil
}

// ParseAdminIDs parses a comma-separated list of numeric user ids. Blank
// segments are skipped.
func ParseAdminIDs(raw string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("PLATFORM_ADMIN_IDS entry %q is not a numeric user id", part)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// IsPlatformAdmin reports whether the user id appears in PlatformAdminIDs.
func (c Config) IsPlatformAdmin(userID int64) bool {
	for _, id := range c.PlatformAdminIDs {
		if id == userID {
			return true
		}
	}
	return false
}

func (c Config) validate() error {
	if c.DatabasePath == "" {
		return fmt.Errorf("DATABASE_PATH must not be empty")
	}
	if c.UnclaimedNudgeMinutes <= 0 {
		return fmt.Errorf("SLA_UNCLAIMED_NUDGE_MINUTES must be positive, got %d", c.UnclaimedNudgeMinutes)
	}
	if c.SummaryTimeoutMinutes <= 0 {
		return fmt.Errorf("SLA_SUMMARY_TIMEOUT_MINUTES must be positive, got %d", c.SummaryTimeoutMinutes)
	}
	if c.CheckIntervalMinutes <= 0 {
		return fmt.Errorf("REMINDER_CHECK_INTERVAL_MINUTES must be positive, got %d", c.CheckIntervalMinutes)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("LOG_LEVEL %q is not one of debug, info, warn, error", c.LogLevel)
	}
	return nil
}
