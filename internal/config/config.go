package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"fraud-anomaly-scoring/internal/logging"
	"fraud-anomaly-scoring/internal/tracing"
)

// EnvPrefix prefixes every environment override, e.g. FRAUDWATCHER_DATABASE_DSN.
const EnvPrefix = "FRAUDWATCHER"

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Model     ModelConfig     `mapstructure:"model"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	GeoIP     GeoIPConfig     `mapstructure:"geoip"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Tracing   tracing.Config  `mapstructure:"tracing"`
	Ingest    IngestConfig    `mapstructure:"ingest"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity. An empty DSN keeps
// all state in process memory.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// RedisConfig enables the scored-outcome cache.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// SchedulerConfig governs the background artifact watcher and housekeeping.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
}

// ModelConfig locates the trained artifact bundle.
type ModelConfig struct {
	ArtifactDir     string `mapstructure:"artifact_dir"`
	ONNXLibraryPath string `mapstructure:"onnx_library_path"`
	Watch           bool   `mapstructure:"watch"`
}

// HTTPConfig configures the API listener.
type HTTPConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// KafkaConfig configures stream ingestion.
type KafkaConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Brokers     string        `mapstructure:"brokers"`
	GroupID     string        `mapstructure:"group_id"`
	InputTopic  string        `mapstructure:"input_topic"`
	OutputTopic string        `mapstructure:"output_topic"`
	CommitEvery int           `mapstructure:"commit_every"`
	PollTimeout time.Duration `mapstructure:"poll_timeout"`
}

// GeoIPConfig points at a MaxMind City database used to fill missing coordinates.
type GeoIPConfig struct {
	CityDB string `mapstructure:"city_db"`
}

// AlertingConfig defines alert thresholds and routing.
type AlertingConfig struct {
	Enabled   bool           `mapstructure:"enabled"`
	MinRisk   float64        `mapstructure:"min_risk"`
	Cooldown  time.Duration  `mapstructure:"cooldown"`
	Retention time.Duration  `mapstructure:"retention"`
	Channels  []string       `mapstructure:"channels"`
	Telegram  TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// IngestConfig controls request normalisation and batch replay.
type IngestConfig struct {
	Timezone string `mapstructure:"timezone"`
	Workers  int    `mapstructure:"workers"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from .env, file, environment, and defaults.
func Load(path string) (*Config, error) {
	// .env 可选，仅补充尚未设置的环境变量。
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "fraudwatcher")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.auto_migrate", false)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.ttl", "24h")

	v.SetDefault("scheduler.interval", "1m")
	v.SetDefault("scheduler.align_to_bucket", false)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x66726175))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("model.artifact_dir", "artifacts")
	v.SetDefault("model.onnx_library_path", "")
	v.SetDefault("model.watch", true)

	v.SetDefault("http.enabled", true)
	v.SetDefault("http.addr", ":8000")
	v.SetDefault("http.read_timeout", "10s")
	v.SetDefault("http.write_timeout", "15s")
	v.SetDefault("http.shutdown_timeout", "10s")

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", "localhost:9092")
	v.SetDefault("kafka.group_id", "fraudwatcher")
	v.SetDefault("kafka.input_topic", "raw_transactions")
	v.SetDefault("kafka.output_topic", "scored_transactions")
	v.SetDefault("kafka.commit_every", 20)
	v.SetDefault("kafka.poll_timeout", "100ms")

	v.SetDefault("geoip.city_db", "")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.min_risk", 90.0)
	v.SetDefault("alerting.cooldown", "30m")
	v.SetDefault("alerting.retention", "720h")
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("tracing.otlp_endpoint", "")
	v.SetDefault("tracing.insecure", true)
	v.SetDefault("tracing.sample_ratio", 1.0)

	v.SetDefault("ingest.timezone", "Local")
	v.SetDefault("ingest.workers", 4)

	v.SetDefault("export.max_data_points", 100000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Model.ArtifactDir == "" {
		return fmt.Errorf("model.artifact_dir is required")
	}
	if c.Ingest.Workers <= 0 {
		return fmt.Errorf("ingest.workers must be greater than zero")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be within [0, 1]")
	}
	if c.Alerting.MinRisk < 0 || c.Alerting.MinRisk > 100 {
		return fmt.Errorf("alerting.min_risk must be within [0, 100]")
	}
	if c.Alerting.Cooldown < 0 {
		return fmt.Errorf("alerting.cooldown cannot be negative")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	if c.Kafka.Enabled {
		if c.Kafka.Brokers == "" || c.Kafka.InputTopic == "" {
			return fmt.Errorf("kafka.brokers and kafka.input_topic are required when kafka is enabled")
		}
		if c.Kafka.CommitEvery <= 0 {
			return fmt.Errorf("kafka.commit_every must be greater than zero")
		}
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
