package config

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Source     SourceConfig     `yaml:"source" mapstructure:"source"`
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	AmoCRM     AmoCRMConfig     `yaml:"amocrm" mapstructure:"amocrm"`
	Redis      RedisConfig      `yaml:"redis" mapstructure:"redis"`
	Gateway    GatewayConfig    `yaml:"gateway" mapstructure:"gateway"`
	Pipelines  PipelinesConfig  `yaml:"pipelines" mapstructure:"pipelines"`
	Fields     FieldsConfig     `yaml:"fields" mapstructure:"fields"`
	Sync       SyncConfig       `yaml:"sync" mapstructure:"sync"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Telemetry  TelemetryConfig  `yaml:"telemetry" mapstructure:"telemetry"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// SourceConfig points at the Postgres replica of the IDENT database.
type SourceConfig struct {
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	Schema      string `yaml:"schema" mapstructure:"schema"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
}

// StoreConfig configures where high-water marks and run summaries live.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
}

// AmoCRMConfig holds the account URL and OAuth integration credentials.
// AccessToken and RefreshToken seed the token cache on first start.
type AmoCRMConfig struct {
	BaseURL      string `yaml:"base_url" mapstructure:"base_url"`
	ClientID     string `yaml:"client_id" mapstructure:"client_id"`
	ClientSecret string `yaml:"client_secret" mapstructure:"client_secret"`
	RedirectURI  string `yaml:"redirect_uri" mapstructure:"redirect_uri"`
	AccessToken  string `yaml:"access_token" mapstructure:"access_token"`
	RefreshToken string `yaml:"refresh_token" mapstructure:"refresh_token"`
}

// RedisConfig configures the token cache and run lock.
type RedisConfig struct {
	URL       string `yaml:"url" mapstructure:"url"`
	KeyPrefix string `yaml:"key_prefix" mapstructure:"key_prefix"`
}

// GatewayConfig tunes outbound calls to amoCRM.
type GatewayConfig struct {
	RequestsPerSecond int     `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	BatchSize         int     `yaml:"batch_size" mapstructure:"batch_size"`
	PageLimit         int     `yaml:"page_limit" mapstructure:"page_limit"`
	TimeoutSecs       int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RetryMaxAttempts  int     `yaml:"retry_max_attempts" mapstructure:"retry_max_attempts"`
	RetryBaseMs       int     `yaml:"retry_base_ms" mapstructure:"retry_base_ms"`
	RetryMaxMs        int     `yaml:"retry_max_ms" mapstructure:"retry_max_ms"`
	RetryJitter       float64 `yaml:"retry_jitter" mapstructure:"retry_jitter"`
	CircuitThreshold  int     `yaml:"circuit_threshold" mapstructure:"circuit_threshold"`
	CircuitResetSecs  int     `yaml:"circuit_reset_secs" mapstructure:"circuit_reset_secs"`
}

// PipelineConfig describes one amoCRM funnel.
type PipelineConfig struct {
	ID             int   `yaml:"id" mapstructure:"id"`
	NewStage       int   `yaml:"new_stage" mapstructure:"new_stage"`
	ExcludedStages []int `yaml:"excluded_stages" mapstructure:"excluded_stages"`
}

// PipelinesConfig holds the first-visit and returning-patient funnels.
type PipelinesConfig struct {
	Primary   PipelineConfig `yaml:"primary" mapstructure:"primary"`
	Secondary PipelineConfig `yaml:"secondary" mapstructure:"secondary"`
}

// FieldConfig maps one logical field to an amoCRM custom field.
type FieldConfig struct {
	ID       int            `yaml:"id" mapstructure:"id"`
	Code     string         `yaml:"code" mapstructure:"code"`
	Kind     string         `yaml:"kind" mapstructure:"kind"`
	EnumCode string         `yaml:"enum_code" mapstructure:"enum_code"`
	Enums    map[string]int `yaml:"enums" mapstructure:"enums"`
}

// FieldsConfig is the field mapping table, inline or in a separate YAML file.
type FieldsConfig struct {
	File    string                 `yaml:"file" mapstructure:"file"`
	Lead    map[string]FieldConfig `yaml:"lead" mapstructure:"lead"`
	Contact map[string]FieldConfig `yaml:"contact" mapstructure:"contact"`
}

// SyncConfig configures the orchestrator and its schedule.
type SyncConfig struct {
	IntervalMinutes      int    `yaml:"interval_minutes" mapstructure:"interval_minutes"`
	DeepSyncHours        []int  `yaml:"deep_sync_hours" mapstructure:"deep_sync_hours"`
	Timezone             string `yaml:"timezone" mapstructure:"timezone"`
	Workers              int    `yaml:"workers" mapstructure:"workers"`
	InitialLookbackHours int    `yaml:"initial_lookback_hours" mapstructure:"initial_lookback_hours"`
	IncludePatients      bool   `yaml:"include_patients" mapstructure:"include_patients"`
	LockTTLMinutes       int    `yaml:"lock_ttl_minutes" mapstructure:"lock_ttl_minutes"`
	LeadNameTemplate     string `yaml:"lead_name_template" mapstructure:"lead_name_template"`
}

// ServerConfig configures the status server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// MonitoringConfig configures run health alerts.
type MonitoringConfig struct {
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	StaleHours           int     `yaml:"stale_hours" mapstructure:"stale_hours"`
	LookbackHours        int     `yaml:"lookback_hours" mapstructure:"lookback_hours"`
	CheckIntervalMins    int     `yaml:"check_interval_mins" mapstructure:"check_interval_mins"`
}

// TelemetryConfig configures OTLP metric export. Export is off when
// OTLPEndpoint is empty.
type TelemetryConfig struct {
	OTLPEndpoint       string `yaml:"otlp_endpoint" mapstructure:"otlp_endpoint"`
	ServiceName        string `yaml:"service_name" mapstructure:"service_name"`
	ExportIntervalSecs int    `yaml:"export_interval_secs" mapstructure:"export_interval_secs"`
	Insecure           bool   `yaml:"insecure" mapstructure:"insecure"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/ident-sync")

	// Environment
	v.SetEnvPrefix("IDENT_SYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

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

func setDefaults(v *viper.Viper) {
	// AutomaticEnv only resolves keys viper already knows about, so secrets
	// get empty defaults to make IDENT_SYNC_AMOCRM_CLIENT_SECRET and friends
	// visible.
	for _, key := range []string{
		"source.database_url",
		"store.database_url",
		"amocrm.base_url",
		"amocrm.client_id",
		"amocrm.client_secret",
		"amocrm.redirect_uri",
		"amocrm.access_token",
		"amocrm.refresh_token",
		"redis.url",
		"fields.file",
		"monitoring.webhook_url",
		"telemetry.otlp_endpoint",
	} {
		v.SetDefault(key, "")
	}

	v.SetDefault("source.schema", "ident")
	v.SetDefault("source.max_conns", 4)
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.sqlite_path", "ident-sync.db")
	v.SetDefault("redis.key_prefix", "amocrm")
	v.SetDefault("gateway.requests_per_second", 7)
	v.SetDefault("gateway.batch_size", 50)
	v.SetDefault("gateway.page_limit", 250)
	v.SetDefault("gateway.timeout_secs", 30)
	v.SetDefault("gateway.retry_max_attempts", 5)
	v.SetDefault("gateway.retry_base_ms", 1000)
	v.SetDefault("gateway.retry_max_ms", 30000)
	v.SetDefault("gateway.retry_jitter", 0.25)
	v.SetDefault("gateway.circuit_threshold", 5)
	v.SetDefault("gateway.circuit_reset_secs", 30)
	v.SetDefault("pipelines.primary.excluded_stages", []int{142, 143})
	v.SetDefault("pipelines.secondary.excluded_stages", []int{142, 143})
	v.SetDefault("sync.interval_minutes", 2)
	v.SetDefault("sync.deep_sync_hours", []int{8, 20})
	v.SetDefault("sync.timezone", "Europe/Moscow")
	v.SetDefault("sync.workers", 1)
	v.SetDefault("sync.initial_lookback_hours", 24)
	v.SetDefault("sync.include_patients", true)
	v.SetDefault("sync.lock_ttl_minutes", 30)
	v.SetDefault("sync.lead_name_template", "{service} {date}")
	v.SetDefault("server.port", 8080)
	v.SetDefault("monitoring.failure_rate_threshold", 0.2)
	v.SetDefault("monitoring.stale_hours", 2)
	v.SetDefault("monitoring.lookback_hours", 24)
	v.SetDefault("monitoring.check_interval_mins", 15)
	v.SetDefault("telemetry.service_name", "ident-sync")
	v.SetDefault("telemetry.export_interval_secs", 30)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Validate checks the settings a command needs. mode is one of "sync",
// "service", "auth", "source", "crm" or "store".
func (c *Config) Validate(mode string) error {
	var errs []string
	required := func(ok bool, key string) {
		if !ok {
			errs = append(errs, key+" is required")
		}
	}

	needSource := mode == "sync" || mode == "service" || mode == "source"
	needCRM := mode == "sync" || mode == "service" || mode == "crm" || mode == "auth"
	needStore := mode == "sync" || mode == "service" || mode == "store"

	if needSource {
		required(c.Source.DatabaseURL != "", "source.database_url")
	}
	if needCRM {
		required(c.AmoCRM.BaseURL != "", "amocrm.base_url")
		required(c.AmoCRM.ClientID != "", "amocrm.client_id")
		required(c.AmoCRM.ClientSecret != "", "amocrm.client_secret")
		required(c.Redis.URL != "", "redis.url")
	}
	if mode == "auth" {
		required(c.AmoCRM.RedirectURI != "", "amocrm.redirect_uri")
	}
	if needStore {
		switch c.Store.Driver {
		case "postgres":
			required(c.Store.DatabaseURL != "" || c.Source.DatabaseURL != "", "store.database_url")
		case "sqlite":
			required(c.Store.SQLitePath != "", "store.sqlite_path")
		default:
			errs = append(errs, fmt.Sprintf("store.driver %q is not supported", c.Store.Driver))
		}
	}
	if mode == "sync" || mode == "service" {
		required(c.Pipelines.Primary.ID != 0, "pipelines.primary.id")
		required(c.Pipelines.Primary.NewStage != 0, "pipelines.primary.new_stage")
		required(c.Pipelines.Secondary.ID != 0, "pipelines.secondary.id")
		required(c.Pipelines.Secondary.NewStage != 0, "pipelines.secondary.new_stage")
		if c.Sync.Workers < 1 {
			errs = append(errs, "sync.workers must be at least 1")
		}
		if c.Gateway.RequestsPerSecond < 1 {
			errs = append(errs, "gateway.requests_per_second must be at least 1")
		}
	}
	if mode == "service" {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server.port %d is out of range", c.Server.Port))
		}
		if c.Sync.IntervalMinutes < 1 {
			errs = append(errs, "sync.interval_minutes must be at least 1")
		}
		for _, h := range c.Sync.DeepSyncHours {
			if h < 0 || h > 23 {
				errs = append(errs, fmt.Sprintf("sync.deep_sync_hours: %d is not an hour", h))
			}
		}
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// StoreURL returns the state store DSN, falling back to the source database.
func (c *Config) StoreURL() string {
	if c.Store.DatabaseURL != "" {
		return c.Store.DatabaseURL
	}
	return c.Source.DatabaseURL
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
