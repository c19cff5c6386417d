// Package config loads application configuration from an optional YAML file
// plus TREASURY_-prefixed environment variables, and initializes the global
// logger.
package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store       StoreConfig       `yaml:"store" mapstructure:"store"`
	Log         LogConfig         `yaml:"log" mapstructure:"log"`
	Server      ServerConfig      `yaml:"server" mapstructure:"server"`
	Fetcher     FetcherConfig     `yaml:"fetcher" mapstructure:"fetcher"`
	Filings     FilingsConfig     `yaml:"filings" mapstructure:"filings"`
	Extract     ExtractConfig     `yaml:"extract" mapstructure:"extract"`
	Policy      PolicyConfig      `yaml:"policy" mapstructure:"policy"`
	Discrepancy DiscrepancyConfig `yaml:"discrepancy" mapstructure:"discrepancy"`
	Monitor     MonitorConfig     `yaml:"monitor" mapstructure:"monitor"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
}

// LogConfig configures logging output.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// ServerConfig configures the admin HTTP server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// FetcherConfig configures the rate-limited HTTP fetcher. Regulatory hosts
// reject requests without a descriptive User-Agent.
type FetcherConfig struct {
	UserAgent string `yaml:"user_agent" mapstructure:"user_agent"`
}

// FilingsConfig points the filings client at its endpoints. Defaults are the
// public SEC hosts; tests override them.
type FilingsConfig struct {
	DataBaseURL    string `yaml:"data_base_url" mapstructure:"data_base_url"`
	ArchiveBaseURL string `yaml:"archive_base_url" mapstructure:"archive_base_url"`
}

// ExtractConfig configures the extraction rule engine. Floors are per-field
// minimum plausible values (decimal strings); a text match below its field's
// floor is discarded.
type ExtractConfig struct {
	RulesPath string            `yaml:"rules_path" mapstructure:"rules_path"`
	Floors    map[string]string `yaml:"floors" mapstructure:"floors"`
}

// PolicyConfig tunes auto-approval. BySource keys are source type names;
// unlisted sources use the defaults.
type PolicyConfig struct {
	ConfidenceThreshold float64                   `yaml:"confidence_threshold" mapstructure:"confidence_threshold"`
	MaxChangePct        float64                   `yaml:"max_change_pct" mapstructure:"max_change_pct"`
	BySource            map[string]SourceOverride `yaml:"by_source" mapstructure:"by_source"`
}

// SourceOverride overrides policy numbers for one source type.
type SourceOverride struct {
	ConfidenceThreshold float64 `yaml:"confidence_threshold" mapstructure:"confidence_threshold"`
	MaxChangePct        float64 `yaml:"max_change_pct" mapstructure:"max_change_pct"`
}

// DiscrepancyConfig tunes the detector and lists reference sources.
type DiscrepancyConfig struct {
	ModeratePct float64                 `yaml:"moderate_pct" mapstructure:"moderate_pct"`
	MajorPct    float64                 `yaml:"major_pct" mapstructure:"major_pct"`
	DismissPct  float64                 `yaml:"dismiss_pct" mapstructure:"dismiss_pct"`
	CrossCheck  bool                    `yaml:"cross_check" mapstructure:"cross_check"`
	Sources     []ReferenceSourceConfig `yaml:"sources" mapstructure:"sources"`
}

// ReferenceSourceConfig is one aggregator endpoint to reconcile against.
type ReferenceSourceConfig struct {
	Name    string `yaml:"name" mapstructure:"name"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// MonitorConfig tunes the run orchestrator and serve-mode schedules.
type MonitorConfig struct {
	Workers             int    `yaml:"workers" mapstructure:"workers"`
	CheckIntervalHours  int    `yaml:"check_interval_hours" mapstructure:"check_interval_hours"`
	DocumentTimeoutSecs int    `yaml:"document_timeout_secs" mapstructure:"document_timeout_secs"`
	WebhookURL          string `yaml:"webhook_url" mapstructure:"webhook_url"`
	Schedule            string `yaml:"schedule" mapstructure:"schedule"`
	VerifySchedule      string `yaml:"verify_schedule" mapstructure:"verify_schedule"`
}

// Load reads configuration from config.yaml (optional) and the environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("TREASURY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.sqlite_path", "treasury.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("fetcher.user_agent", "treasury-cli/1.0")
	v.SetDefault("filings.data_base_url", "https://data.sec.gov")
	v.SetDefault("filings.archive_base_url", "https://www.sec.gov/Archives/edgar/data")
	v.SetDefault("extract.rules_path", "rules.yaml")
	v.SetDefault("extract.floors", map[string]string{
		"holdings":           "1",
		"shares_outstanding": "1000",
	})
	v.SetDefault("policy.confidence_threshold", 0.90)
	v.SetDefault("policy.max_change_pct", 25)
	v.SetDefault("policy.by_source", map[string]any{
		"regulatory-filing": map[string]any{"max_change_pct": 100},
		"aggregator":        map[string]any{"max_change_pct": 10},
	})
	v.SetDefault("discrepancy.moderate_pct", 1)
	v.SetDefault("discrepancy.major_pct", 5)
	v.SetDefault("discrepancy.dismiss_pct", 0.5)
	v.SetDefault("discrepancy.cross_check", true)
	v.SetDefault("monitor.workers", 4)
	v.SetDefault("monitor.check_interval_hours", 6)
	v.SetDefault("monitor.document_timeout_secs", 120)
	v.SetDefault("monitor.schedule", "0 */6 * * *")
	v.SetDefault("monitor.verify_schedule", "30 2 * * *")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}
	return &cfg, nil
}

// Validate checks configuration consistency for the given mode ("cli" for
// one-shot commands, "serve" for the long-running server). It collects every
// problem rather than stopping at the first.
func (c *Config) Validate(mode string) error {
	var problems []string

	switch c.Store.Driver {
	case "sqlite", "":
		if c.Store.SQLitePath == "" {
			problems = append(problems, "store.sqlite_path is required for the sqlite driver")
		}
	case "postgres":
		if c.Store.DatabaseURL == "" {
			problems = append(problems, "store.database_url is required for the postgres driver")
		}
	default:
		problems = append(problems, "store.driver must be sqlite or postgres")
	}

	if c.Policy.ConfidenceThreshold < 0 || c.Policy.ConfidenceThreshold > 1 {
		problems = append(problems, "policy.confidence_threshold must be between 0 and 1")
	}
	for name, o := range c.Policy.BySource {
		if o.ConfidenceThreshold < 0 || o.ConfidenceThreshold > 1 {
			problems = append(problems, "policy.by_source."+name+".confidence_threshold must be between 0 and 1")
		}
	}

	if c.Discrepancy.ModeratePct < 0 || c.Discrepancy.MajorPct < 0 || c.Discrepancy.DismissPct < 0 {
		problems = append(problems, "discrepancy percentages must be >= 0")
	}
	if c.Discrepancy.ModeratePct > 0 && c.Discrepancy.MajorPct > 0 &&
		c.Discrepancy.ModeratePct > c.Discrepancy.MajorPct {
		problems = append(problems, "discrepancy.moderate_pct must not exceed discrepancy.major_pct")
	}

	if c.Monitor.Workers < 1 || c.Monitor.Workers > 32 {
		problems = append(problems, "monitor.workers must be between 1 and 32")
	}

	switch mode {
	case "cli":
	case "serve":
		if c.Server.Port <= 0 {
			problems = append(problems, "server.port must be > 0")
		}
	default:
		problems = append(problems, "unknown mode "+mode)
	}

	if len(problems) > 0 {
		return eris.New("invalid config: " + strings.Join(problems, "; "))
	}
	return nil
}

// InitLogger builds the global zap logger from log config.
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
