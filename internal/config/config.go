// Package config loads mailtx settings from defaults, an optional YAML file,
// MAILTX_ environment variables and command-line flags, in rising priority.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/dvloznov/mailtx/internal/domain"
	"github.com/dvloznov/mailtx/internal/retriever"
)

// EnvPrefix is prepended to every environment variable, e.g. MAILTX_STORE_BACKEND.
const EnvPrefix = "MAILTX"

// Store backends.
const (
	BackendSQLite   = "sqlite"
	BackendBigQuery = "bigquery"
)

// Config represents the application configuration.
type Config struct {
	Log      LogConfig      `mapstructure:"log"`
	Store    StoreConfig    `mapstructure:"store"`
	BigQuery BigQueryConfig `mapstructure:"bigquery"`
	OAuth    OAuthConfig    `mapstructure:"oauth"`
	Sync     SyncConfig     `mapstructure:"sync"`
	Parser   ParserConfig   `mapstructure:"parser"`
	IMAP     IMAPConfig     `mapstructure:"imap"`
	Archive  ArchiveConfig  `mapstructure:"archive"`
	API      APIConfig      `mapstructure:"api"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Notion   NotionConfig   `mapstructure:"notion"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type StoreConfig struct {
	Backend    string `mapstructure:"backend"`
	SQLitePath string `mapstructure:"sqlite_path"`
}

type BigQueryConfig struct {
	ProjectID string `mapstructure:"project_id"`
	DatasetID string `mapstructure:"dataset_id"`
}

type OAuthConfig struct {
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	TokenURL     string `mapstructure:"token_url"`
}

// SyncConfig shapes the query every mailbox is searched with.
type SyncConfig struct {
	Sender       string        `mapstructure:"sender"`
	Limit        int           `mapstructure:"limit"`
	LookbackDays int           `mapstructure:"lookback_days"`
	MaxParallel  int           `mapstructure:"max_parallel"`
	Modes        []string      `mapstructure:"modes"`
	TokenBuffer  time.Duration `mapstructure:"token_buffer"`
}

type ParserConfig struct {
	KeywordThreshold int `mapstructure:"keyword_threshold"`
	ExcerptLimit     int `mapstructure:"excerpt_limit"`
}

type IMAPConfig struct {
	Mailbox     string        `mapstructure:"mailbox"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

// ArchiveConfig enables failure archiving when Bucket is set.
type ArchiveConfig struct {
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
}

type APIConfig struct {
	Port int `mapstructure:"port"`
}

type WorkerConfig struct {
	Schedule   string `mapstructure:"schedule"`
	QueueSize  int    `mapstructure:"queue_size"`
	Workers    int    `mapstructure:"workers"`
	MaxRetries int    `mapstructure:"max_retries"`
}

type NotionConfig struct {
	Token      string `mapstructure:"token"`
	DatabaseID string `mapstructure:"database_id"`
}

var defaults = map[string]interface{}{
	"log.level":                "info",
	"store.backend":            BackendSQLite,
	"store.sqlite_path":        "data/mailtx.db",
	"bigquery.project_id":      "",
	"bigquery.dataset_id":      "mailtx",
	"oauth.client_id":          "",
	"oauth.client_secret":      "",
	"oauth.token_url":          "",
	"sync.sender":              "cash@square.com",
	"sync.limit":               50,
	"sync.lookback_days":       0,
	"sync.max_parallel":        4,
	"sync.modes":               []string{string(domain.ModeOAuth), string(domain.ModeManual)},
	"sync.token_buffer":        5 * time.Minute,
	"parser.keyword_threshold": 2,
	"parser.excerpt_limit":     500,
	"imap.mailbox":             "INBOX",
	"imap.dial_timeout":        30 * time.Second,
	"archive.bucket":           "",
	"archive.prefix":           "failures",
	"api.port":                 8080,
	"worker.schedule":          "*/30 * * * *",
	"worker.queue_size":        100,
	"worker.workers":           2,
	"worker.max_retries":       3,
	"notion.token":             "",
	"notion.database_id":       "",
}

// LoadOptions says where to look besides defaults and the environment.
type LoadOptions struct {
	// ConfigFile is an optional YAML file. Empty means none.
	ConfigFile string
	// Flags are bound by key name, e.g. a flag named "sync.sender".
	// Only flags the user actually set override other sources.
	Flags *pflag.FlagSet
}

// Load builds a Config and validates it.
func Load(opts LoadOptions) (*Config, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("Load: reading %s: %w", opts.ConfigFile, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.Flags != nil {
		var bindErr error
		opts.Flags.VisitAll(func(f *pflag.Flag) {
			if _, known := defaults[f.Name]; known && bindErr == nil {
				bindErr = v.BindPFlag(f.Name, f)
			}
		})
		if bindErr != nil {
			return nil, fmt.Errorf("Load: binding flags: %w", bindErr)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("Load: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects inconsistent settings, reporting every problem at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	switch c.Store.Backend {
	case BackendSQLite:
		if c.Store.SQLitePath == "" {
			add("store.sqlite_path is required for the sqlite backend")
		}
	case BackendBigQuery:
		if c.BigQuery.ProjectID == "" || c.BigQuery.DatasetID == "" {
			add("bigquery.project_id and bigquery.dataset_id are required for the bigquery backend")
		}
	default:
		add("store.backend must be %q or %q, got %q", BackendSQLite, BackendBigQuery, c.Store.Backend)
	}

	if c.Sync.Sender == "" {
		add("sync.sender is required")
	}
	if c.Sync.Limit < 0 {
		add("sync.limit must not be negative")
	}
	if c.Sync.LookbackDays < 0 {
		add("sync.lookback_days must not be negative")
	}
	if c.Sync.MaxParallel < 1 {
		add("sync.max_parallel must be at least 1")
	}
	for _, m := range c.Sync.Modes {
		switch domain.CredentialMode(m) {
		case domain.ModeOAuth, domain.ModeManual:
		default:
			add("sync.modes: unknown mode %q", m)
		}
	}
	if c.Parser.KeywordThreshold < 1 {
		add("parser.keyword_threshold must be at least 1")
	}
	if c.API.Port <= 0 || c.API.Port > 65535 {
		add("api.port out of range: %d", c.API.Port)
	}
	if c.Worker.QueueSize < 1 || c.Worker.Workers < 1 {
		add("worker.queue_size and worker.workers must be at least 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// CredentialModes returns the configured modes as domain values.
func (c *Config) CredentialModes() []domain.CredentialMode {
	out := make([]domain.CredentialMode, 0, len(c.Sync.Modes))
	for _, m := range c.Sync.Modes {
		out = append(out, domain.CredentialMode(m))
	}
	return out
}

// Query is the default sync query at now. With a lookback it is a range
// search ending now; otherwise it asks for the most recent Limit messages.
func (c *Config) Query(now time.Time) retriever.Query {
	q := retriever.Query{Sender: c.Sync.Sender, Limit: c.Sync.Limit}
	if c.Sync.LookbackDays > 0 {
		q.Start = now.AddDate(0, 0, -c.Sync.LookbackDays)
		q.End = now
	}
	return q
}

// ArchiveEnabled reports whether failed messages are archived.
func (c *Config) ArchiveEnabled() bool {
	return c.Archive.Bucket != ""
}

// FlagConfigFile names the flag that points at the YAML file.
const FlagConfigFile = "config"

// RegisterFlags adds the settings most often overridden per invocation.
// Their defaults mirror the built-in ones; only explicitly set flags win.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String(FlagConfigFile, "", "Path to a YAML config file")
	fs.String("log.level", defaults["log.level"].(string), "Log level (debug, info, warn, error)")
	fs.String("store.backend", defaults["store.backend"].(string), "Store backend (sqlite or bigquery)")
	fs.String("store.sqlite_path", defaults["store.sqlite_path"].(string), "SQLite database path")
	fs.String("sync.sender", defaults["sync.sender"].(string), "Sender address to search for")
	fs.Int("sync.limit", defaults["sync.limit"].(int), "Most recent messages per mailbox when no lookback is set")
	fs.Int("sync.lookback_days", defaults["sync.lookback_days"].(int), "Search the last N days instead of the most recent messages")
}

// LoadFromFlags loads the config named by the config flag, overridden by fs.
func LoadFromFlags(fs *pflag.FlagSet) (*Config, error) {
	file, err := fs.GetString(FlagConfigFile)
	if err != nil {
		return nil, fmt.Errorf("LoadFromFlags: %w", err)
	}
	return Load(LoadOptions{ConfigFile: file, Flags: fs})
}
