package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Sources    []SourceConfig   `yaml:"sources" mapstructure:"sources"`
	Target     TargetConfig     `yaml:"target" mapstructure:"target"`
	Migration  MigrationConfig  `yaml:"migration" mapstructure:"migration"`
	Validation ValidationConfig `yaml:"validation" mapstructure:"validation"`
	Backup     BackupConfig     `yaml:"backup" mapstructure:"backup"`
	Report     ReportConfig     `yaml:"report" mapstructure:"report"`
	Metrics    MetricsConfig    `yaml:"metrics" mapstructure:"metrics"`
	Notify     NotifyConfig     `yaml:"notify" mapstructure:"notify"`
	Retry      RetryConfig      `yaml:"retry" mapstructure:"retry"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// SourceConfig describes one source SQLite database. The order of sources in
// the config file is the precedence order used for deduplication.
type SourceConfig struct {
	Name     string `yaml:"name" mapstructure:"name"`
	Path     string `yaml:"path" mapstructure:"path"`
	Required bool   `yaml:"required" mapstructure:"required"` // unreadable file aborts the run
	Critical bool   `yaml:"critical" mapstructure:"critical"` // backed up before migrating
}

// TargetConfig holds PostgreSQL connection parameters. URL, when set, wins
// over the individual fields.
type TargetConfig struct {
	URL                string `yaml:"url" mapstructure:"url"`
	Host               string `yaml:"host" mapstructure:"host"`
	Port               int    `yaml:"port" mapstructure:"port"`
	Database           string `yaml:"database" mapstructure:"database"`
	User               string `yaml:"user" mapstructure:"user"`
	Password           string `yaml:"password" mapstructure:"password"`
	SSLMode            string `yaml:"sslmode" mapstructure:"sslmode"`
	MaxConns           int32  `yaml:"max_conns" mapstructure:"max_conns"`
	ConnectTimeoutSecs int    `yaml:"connect_timeout_secs" mapstructure:"connect_timeout_secs"`
}

// MigrationConfig configures extraction and loading.
type MigrationConfig struct {
	BatchSize       int  `yaml:"batch_size" mapstructure:"batch_size"`
	ParallelExtract bool `yaml:"parallel_extract" mapstructure:"parallel_extract"`
}

// ValidationConfig holds validator thresholds.
type ValidationConfig struct {
	Tolerance       float64 `yaml:"tolerance" mapstructure:"tolerance"`
	SampleSize      int     `yaml:"sample_size" mapstructure:"sample_size"`
	SampleTolerance float64 `yaml:"sample_tolerance" mapstructure:"sample_tolerance"`
}

// BackupConfig configures pre-migration backups.
type BackupConfig struct {
	Dir  string `yaml:"dir" mapstructure:"dir"`
	Keep int    `yaml:"keep" mapstructure:"keep"`
}

// ReportConfig configures run reports.
type ReportConfig struct {
	Dir     string   `yaml:"dir" mapstructure:"dir"`
	Formats []string `yaml:"formats" mapstructure:"formats"`
}

// MetricsConfig configures the Prometheus textfile output.
type MetricsConfig struct {
	Textfile string `yaml:"textfile" mapstructure:"textfile"`
}

// NotifyConfig configures failure alerts.
type NotifyConfig struct {
	WebhookURL string `yaml:"webhook_url" mapstructure:"webhook_url"`
}

// RetryConfig configures retries for connecting to the target and for webhooks.
type RetryConfig struct {
	MaxAttempts      int `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment. An empty path searches
// for config.yaml in the working directory.
func Load(path string) (*Config, error) {
	v := viper.New()

	// Config file
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	// Environment
	v.SetEnvPrefix("CONSOLIDATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("target.url", "")
	v.SetDefault("target.host", "localhost")
	v.SetDefault("target.port", 5432)
	v.SetDefault("target.database", "linkedin_business")
	v.SetDefault("target.user", "postgres")
	v.SetDefault("target.password", "")
	v.SetDefault("target.sslmode", "disable")
	v.SetDefault("target.max_conns", 4)
	v.SetDefault("target.connect_timeout_secs", 10)
	v.SetDefault("migration.batch_size", 1000)
	v.SetDefault("migration.parallel_extract", true)
	v.SetDefault("validation.tolerance", 0.01)
	v.SetDefault("validation.sample_size", 5)
	v.SetDefault("validation.sample_tolerance", 0.001)
	v.SetDefault("backup.dir", "backups")
	v.SetDefault("backup.keep", 10)
	v.SetDefault("report.dir", "reports")
	v.SetDefault("report.formats", []string{"text", "json"})
	v.SetDefault("metrics.textfile", "")
	v.SetDefault("notify.webhook_url", "")
	v.SetDefault("retry.max_attempts", 5)
	v.SetDefault("retry.initial_backoff_ms", 500)
	v.SetDefault("retry.max_backoff_ms", 10000)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional when searching, required when named)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	if len(c.Sources) == 0 {
		return eris.New("config: no sources configured")
	}
	seen := make(map[string]bool, len(c.Sources))
	for i, s := range c.Sources {
		if s.Name == "" {
			return eris.Errorf("config: source %d has no name", i)
		}
		if s.Path == "" {
			return eris.Errorf("config: source %s has no path", s.Name)
		}
		if seen[s.Name] {
			return eris.Errorf("config: duplicate source name %s", s.Name)
		}
		seen[s.Name] = true
	}
	if c.Migration.BatchSize <= 0 {
		return eris.Errorf("config: migration.batch_size must be positive, got %d", c.Migration.BatchSize)
	}
	if c.Validation.Tolerance <= 0 {
		return eris.Errorf("config: validation.tolerance must be positive, got %v", c.Validation.Tolerance)
	}
	if c.Validation.SampleSize < 0 {
		return eris.Errorf("config: validation.sample_size must not be negative, got %d", c.Validation.SampleSize)
	}
	return nil
}

// Source returns the named source config.
func (c *Config) Source(name string) (SourceConfig, bool) {
	for _, s := range c.Sources {
		if s.Name == name {
			return s, true
		}
	}
	return SourceConfig{}, false
}

// ConnString builds a libpq-style URL for the target database.
func (t TargetConfig) ConnString() string {
	if t.URL != "" {
		return t.URL
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", t.Host, t.Port),
		Path:   "/" + t.Database,
	}
	if t.Password != "" {
		u.User = url.UserPassword(t.User, t.Password)
	} else if t.User != "" {
		u.User = url.User(t.User)
	}
	q := url.Values{}
	if t.SSLMode != "" {
		q.Set("sslmode", t.SSLMode)
	}
	if t.ConnectTimeoutSecs > 0 {
		q.Set("connect_timeout", strconv.Itoa(t.ConnectTimeoutSecs))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
