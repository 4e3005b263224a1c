/*
Package config loads process configuration.

SOURCES (later wins):
  - built-in defaults
  - optional YAML file (DUES_CONFIG_FILE or the path given to Load)
  - .env in the working directory, loaded into the environment
  - environment variables prefixed DUES_, dots replaced by underscores
    (db.dsn -> DUES_DB_DSN)

Per-organization billing settings are not here; they live with each
organization in the store and are resolved by billing.ResolveBillingConfig.
*/
package config

import (
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Port      int             `mapstructure:"port" validate:"min=1,max=65535"`
	DB        DBConfig        `mapstructure:"db"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Stripe    StripeConfig    `mapstructure:"stripe"`
	Resend    ResendConfig    `mapstructure:"resend"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Log       LogConfig       `mapstructure:"log"`
	Billing   BillingConfig   `mapstructure:"billing"`
}

type DBConfig struct {
	Driver string `mapstructure:"driver" validate:"oneof=sqlite3 sqlite postgres postgresql"`
	DSN    string `mapstructure:"dsn" validate:"required"`
}

// RedisConfig enables the cross-process sweep lock when URL is set.
type RedisConfig struct {
	URL     string        `mapstructure:"url"`
	LockTTL time.Duration `mapstructure:"lock_ttl" validate:"min=0"`
}

type StripeConfig struct {
	WebhookSecret string `mapstructure:"webhook_secret"`
}

// ResendConfig selects e-mail delivery; an empty APIKey logs reminders
// instead of sending them.
type ResendConfig struct {
	APIKey string `mapstructure:"api_key"`
	From   string `mapstructure:"from" validate:"required_with=APIKey"`
}

type SchedulerConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	CheckInterval time.Duration `mapstructure:"check_interval" validate:"min=1s"`
	Rule          string        `mapstructure:"rule" validate:"required"`
	Concurrency   int           `mapstructure:"concurrency" validate:"min=1"`
}

type NotifyConfig struct {
	Timeout    time.Duration `mapstructure:"timeout" validate:"min=0"`
	MaxRetries int           `mapstructure:"max_retries" validate:"min=0"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

type BillingConfig struct {
	ConfigCacheTTL time.Duration `mapstructure:"config_cache_ttl" validate:"min=0"`
}

// DefaultRule sweeps once a day at 09:00 in the organization's timezone.
const DefaultRule = "FREQ=DAILY;BYHOUR=9;BYMINUTE=0;BYSECOND=0"

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", 8080)
	v.SetDefault("db.driver", "sqlite3")
	v.SetDefault("db.dsn", "dues.db")
	v.SetDefault("redis.url", "")
	v.SetDefault("redis.lock_ttl", 10*time.Minute)
	v.SetDefault("stripe.webhook_secret", "")
	v.SetDefault("resend.api_key", "")
	v.SetDefault("resend.from", "")
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.check_interval", 15*time.Minute)
	v.SetDefault("scheduler.rule", DefaultRule)
	v.SetDefault("scheduler.concurrency", 4)
	v.SetDefault("notify.timeout", 10*time.Second)
	v.SetDefault("notify.max_retries", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
	v.SetDefault("billing.config_cache_ttl", time.Minute)
}

// Load reads configuration. file may be empty.
func Load(file string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, errors.Wrap(err, "load .env")
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("DUES")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file == "" {
		file = os.Getenv("DUES_CONFIG_FILE")
	}
	if file != "" {
		v.SetConfigFile(file)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config file %s", file)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return errors.Wrap(err, "invalid configuration")
	}
	return nil
}
