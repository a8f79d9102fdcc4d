// Package config holds the daemon settings and loads them from flags, the
// environment and an optional TOML file, in that order of precedence.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"maps"
	"sort"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/talgya/tribal-census/internal/feed"
	"github.com/talgya/tribal-census/internal/persistence"
	"github.com/talgya/tribal-census/internal/world"
)

// EnvPrefix prefixes every environment variable, e.g. CENSUS_DATABASE_DSN.
const EnvPrefix = "CENSUS"

// Config is the full daemon configuration.
type Config struct {
	DSN               string
	MaxConns          int
	Wait              time.Duration
	ArchiveTablespace string
	NotifyChannel     string

	DailyHour       int
	MaxRestarts     int
	BackoffBase     time.Duration
	MaxArchivedDays int

	Attempts  int
	RetryWait time.Duration
	Timeout   time.Duration
	Rate      float64
	Gzip      bool
	Workers   int

	Languages map[string]string

	HTTPAddr  string
	LogLevel  string
	LogFormat string
}

// Default returns the production settings.
func Default() *Config {
	fo := feed.DefaultOptions()
	return &Config{
		DSN:             "postgres://localhost/census?sslmode=disable",
		MaxConns:        8,
		Wait:            2 * time.Minute,
		NotifyChannel:   "log",
		DailyHour:       0,
		MaxRestarts:     5,
		BackoffBase:     10 * time.Second,
		MaxArchivedDays: 30,
		Attempts:        fo.Attempts,
		RetryWait:       fo.RetryWait,
		Timeout:         fo.Timeout,
		Workers:         1,
		Languages:       maps.Clone(world.DefaultMarkets),
		LogLevel:        "info",
		LogFormat:       "text",
	}
}

// Flags registers one flag per setting, bound to c. The current values of c
// become the flag defaults.
func (c *Config) Flags(fs *pflag.FlagSet) {
	fs.StringVar(&c.DSN, "database.dsn", c.DSN, "PostgreSQL connection string")
	fs.IntVar(&c.MaxConns, "database.max-conns", c.MaxConns, "maximum open database connections")
	fs.DurationVar(&c.Wait, "database.wait", c.Wait, "how long to wait for the database at startup")
	fs.StringVar(&c.ArchiveTablespace, "database.archive-tablespace", c.ArchiveTablespace, "tablespace for archive tables (empty for default)")
	fs.StringVar(&c.NotifyChannel, "notify.channel", c.NotifyChannel, "channel receiving cycle status codes")

	fs.IntVar(&c.DailyHour, "schedule.daily-hour", c.DailyHour, "hour (0-23) of the daily metadata refresh and archive")
	fs.IntVar(&c.MaxRestarts, "schedule.max-restarts", c.MaxRestarts, "consecutive failed cycles before exiting")
	fs.DurationVar(&c.BackoffBase, "schedule.backoff-base", c.BackoffBase, "fixed part of the delay before retrying a failed cycle")
	fs.IntVar(&c.MaxArchivedDays, "schedule.max-archived-days", c.MaxArchivedDays, "archive generations kept per table")

	fs.IntVar(&c.Attempts, "feed.attempts", c.Attempts, "attempts per feed on transport errors")
	fs.DurationVar(&c.RetryWait, "feed.retry-wait", c.RetryWait, "pause between feed attempts")
	fs.DurationVar(&c.Timeout, "feed.timeout", c.Timeout, "timeout of a single feed request")
	fs.Float64Var(&c.Rate, "feed.rate", c.Rate, "maximum feed requests per second (0 for unlimited)")
	fs.BoolVar(&c.Gzip, "feed.gzip", c.Gzip, "fetch the gzip variant of every feed")
	fs.IntVar(&c.Workers, "feed.workers", c.Workers, "worlds merged in parallel")

	fs.StringToStringVar(&c.Languages, "languages", c.Languages, "markets to ingest as code=domain pairs")

	fs.StringVar(&c.HTTPAddr, "http.addr", c.HTTPAddr, "status and metrics listen address (empty to disable)")
	fs.StringVar(&c.LogLevel, "log.level", c.LogLevel, "debug, info, warn or error")
	fs.StringVar(&c.LogFormat, "log.format", c.LogFormat, "text or json")
}

// Load applies the environment and the TOML file at path (if any) to every
// flag of fs that was not set on the command line. Keys in the file that
// name no flag are an error.
func Load(v *viper.Viper, fs *pflag.FlagSet, path string) error {
	if err := v.BindPFlags(fs); err != nil {
		return err
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	valid := make(map[string]bool)
	fs.VisitAll(func(f *pflag.Flag) {
		valid[f.Name] = true
	})

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read configuration file %q: %w", path, err)
		}
		for _, key := range v.AllKeys() {
			if valid[key] || strings.HasPrefix(key, "languages.") {
				continue
			}
			return fmt.Errorf("invalid option in configuration file: %s", key)
		}
	}

	var flagErr error
	fs.VisitAll(func(f *pflag.Flag) {
		if flagErr != nil || f.Changed {
			return
		}
		var value string
		if f.Value.Type() == "stringToString" {
			if value = pairs(v.Get(f.Name)); value == "" {
				return
			}
		} else {
			value = v.GetString(f.Name)
		}
		if err := f.Value.Set(value); err != nil {
			flagErr = fmt.Errorf("%s: %w", f.Name, err)
		}
	})
	return flagErr
}

// pairs renders a map setting as the code=domain list its flag parses. A
// TOML table arrives as a map, an environment variable as that list already.
func pairs(raw any) string {
	if s, ok := raw.(string); ok {
		return strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
	}
	m := viper.New()
	m.Set("m", raw)
	kv := m.GetStringMapString("m")
	out := make([]string, 0, len(kv))
	for k, val := range kv {
		out = append(out, k+"="+val)
	}
	sort.Strings(out)
	return strings.Join(out, ",")
}

// Validate rejects settings the daemon cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.DSN == "":
		return fmt.Errorf("database.dsn is required")
	case c.MaxConns < 1:
		return fmt.Errorf("database.max-conns must be positive, got %d", c.MaxConns)
	case c.DailyHour < 0 || c.DailyHour > 23:
		return fmt.Errorf("schedule.daily-hour must be within 0..23, got %d", c.DailyHour)
	case c.MaxRestarts < 1:
		return fmt.Errorf("schedule.max-restarts must be positive, got %d", c.MaxRestarts)
	case c.BackoffBase < 0:
		return fmt.Errorf("schedule.backoff-base must not be negative")
	case c.MaxArchivedDays < 1:
		return fmt.Errorf("schedule.max-archived-days must be positive, got %d", c.MaxArchivedDays)
	case c.Attempts < 1:
		return fmt.Errorf("feed.attempts must be positive, got %d", c.Attempts)
	case c.Timeout <= 0:
		return fmt.Errorf("feed.timeout must be positive")
	case c.Rate < 0:
		return fmt.Errorf("feed.rate must not be negative")
	case c.Workers < 1:
		return fmt.Errorf("feed.workers must be positive, got %d", c.Workers)
	case len(c.Languages) == 0:
		return fmt.Errorf("languages must name at least one market")
	case c.NotifyChannel == "":
		return fmt.Errorf("notify.channel is required")
	}
	for code, domain := range c.Languages {
		if len(code) != 2 || strings.ToLower(code) != code || domain == "" {
			return fmt.Errorf("languages: invalid market %q=%q", code, domain)
		}
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("log.format must be text or json, got %q", c.LogFormat)
	}
	return nil
}

// Markets returns the configured markets.
func (c *Config) Markets() world.Markets {
	return world.Markets(c.Languages)
}

// FeedOptions returns the feed client settings.
func (c *Config) FeedOptions(logger *slog.Logger) feed.Options {
	return feed.Options{
		Attempts:  c.Attempts,
		RetryWait: c.RetryWait,
		Timeout:   c.Timeout,
		Rate:      c.Rate,
		Logger:    logger,
	}
}

// DBOptions returns the store settings.
func (c *Config) DBOptions() persistence.Options {
	return persistence.Options{
		MaxConns:          c.MaxConns,
		ArchiveTablespace: c.ArchiveTablespace,
		NotifyChannel:     c.NotifyChannel,
	}
}

// NewLogger builds the process logger.
func (c *Config) NewLogger(w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}
