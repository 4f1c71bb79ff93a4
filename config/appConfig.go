package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"goshopify_bulk/config/values"
	"goshopify_bulk/internal/shopify/bulk"
	"goshopify_bulk/internal/shopify/retry"
)

const (
	defaultAPIVersion  = "2024-10"
	defaultRedisURL    = "redis://localhost:6379/0"
	defaultMetricsAddr = ":9090"
)

type ShopifyConfig struct {
	ShopDomain  string             `yaml:"shop_domain"`
	APIVersion  string             `yaml:"api_version"`
	AccessToken string             `yaml:"access_token"`
	Endpoint    string             `yaml:"endpoint"`
	Timeout     time.Duration      `yaml:"timeout"`
	Rate        values.RateValues  `yaml:"rate"`
	Retry       values.RetryValues `yaml:"retry"`
	Bulk        values.BulkValues  `yaml:"bulk"`
}

type RedisConfig struct {
	URL string `yaml:"url"`
}

// ArchiveConfig enables the S3 copy of uploaded change-sets when Bucket
// is set.
type ArchiveConfig struct {
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

type AppConfig struct {
	Env      string         `yaml:"env"`
	Shopify  ShopifyConfig  `yaml:"shopify"`
	Redis    RedisConfig    `yaml:"redis"`
	Postgres PostgresConfig `yaml:"postgres"`
	Archive  ArchiveConfig  `yaml:"archive"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// LoadConfig reads filename (optional), then .env files, then environment
// overrides, fills defaults and validates the result.
func LoadConfig(filename string, envFiles ...string) (*AppConfig, error) {
	if err := loadDotEnv(envFiles...); err != nil {
		return nil, err
	}

	config := &AppConfig{}
	if filename != "" {
		file, err := os.Open(filename)
		if err != nil {
			return nil, err
		}
		defer file.Close()

		decoder := yaml.NewDecoder(file)
		decoder.KnownFields(true)
		if err := decoder.Decode(config); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", filename, err)
		}
	}

	config.applyEnv()
	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *AppConfig) applyEnv() {
	c.Env = getEnv("APP_ENV", c.Env)

	c.Shopify.ShopDomain = getEnv("SHOPIFY_SHOP_DOMAIN", c.Shopify.ShopDomain)
	c.Shopify.AccessToken = getEnv("SHOPIFY_ACCESS_TOKEN", c.Shopify.AccessToken)
	c.Shopify.APIVersion = getEnv("SHOPIFY_API_VERSION", c.Shopify.APIVersion)

	c.Redis.URL = getEnv("REDIS_URL", c.Redis.URL)

	c.Postgres.Host = getEnv("POSTGRES_HOST", c.Postgres.Host)
	c.Postgres.Port = getEnv("POSTGRES_PORT", c.Postgres.Port)
	c.Postgres.User = getEnv("POSTGRES_USER", c.Postgres.User)
	c.Postgres.Password = getEnv("POSTGRES_PASSWORD", c.Postgres.Password)
	c.Postgres.DBName = getEnv("POSTGRES_NAME", c.Postgres.DBName)

	c.Archive.Bucket = getEnv("ARCHIVE_S3_BUCKET", c.Archive.Bucket)
	c.Archive.Region = getEnv("AWS_REGION", c.Archive.Region)
	c.Archive.Endpoint = getEnv("AWS_S3_ENDPOINT", c.Archive.Endpoint)
}

func (c *AppConfig) applyDefaults() {
	if c.Env == "" {
		c.Env = "development"
	}
	if c.Shopify.APIVersion == "" {
		c.Shopify.APIVersion = defaultAPIVersion
	}
	if c.Redis.URL == "" {
		c.Redis.URL = defaultRedisURL
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = defaultMetricsAddr
	}
	if c.Postgres.Enabled() {
		if c.Postgres.Port == "" {
			c.Postgres.Port = "5432"
		}
		if c.Postgres.User == "" {
			c.Postgres.User = "postgres"
		}
		if c.Postgres.DBName == "" {
			c.Postgres.DBName = "postgres"
		}
	}

	b := &c.Shopify.Bulk
	if b.LockTTL == 0 {
		b.LockTTL = bulk.DefaultLockTTL
	}
	if b.RefreshInterval == 0 {
		b.RefreshInterval = bulk.DefaultRefreshInterval
	}
	if b.PollInterval == 0 {
		b.PollInterval = bulk.DefaultPollInterval
	}
	if b.PollTimeout == 0 {
		b.PollTimeout = bulk.DefaultPollTimeout
	}
	if b.MutationPollInterval == 0 {
		b.MutationPollInterval = bulk.DefaultMutationPollInterval
	}
	if b.MutationPollTimeout == 0 {
		b.MutationPollTimeout = bulk.DefaultPollTimeout
	}

	r := &c.Shopify.Retry
	if r.MaxAttempts == 0 {
		d := retry.DefaultPolicy()
		r.BaseDelay, r.Multiplier, r.MaxDelay, r.JitterMax, r.MaxAttempts =
			d.BaseDelay, d.Multiplier, d.MaxDelay, d.JitterMax, d.MaxAttempts
	}
}

// Validate checks the fields LoadConfig cannot default.
func (c *AppConfig) Validate() error {
	var errs []error
	if c.Shopify.ShopDomain == "" {
		errs = append(errs, errors.New("shopify.shop_domain is required"))
	}
	if c.Shopify.AccessToken == "" {
		errs = append(errs, errors.New("shopify.access_token is required"))
	}

	b := c.Shopify.Bulk
	if b.RefreshInterval >= b.LockTTL {
		errs = append(errs, fmt.Errorf("bulk refresh-interval %s must be shorter than lock-ttl %s", b.RefreshInterval, b.LockTTL))
	}
	if b.PollInterval < 0 || b.MutationPollInterval < 0 || b.PollTimeout < 0 || b.MutationPollTimeout < 0 {
		errs = append(errs, errors.New("bulk poll intervals and timeouts must be positive"))
	}

	r := c.Shopify.Retry
	if r.MaxAttempts < 1 {
		errs = append(errs, errors.New("retry max-attempts must be at least 1"))
	}
	if r.Multiplier < 1 {
		errs = append(errs, errors.New("retry multiplier must be at least 1"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// RetryPolicy converts the retry values into a transport policy.
func (c *AppConfig) RetryPolicy() retry.Policy {
	r := c.Shopify.Retry
	return retry.Policy{
		BaseDelay:   r.BaseDelay,
		Multiplier:  r.Multiplier,
		MaxDelay:    r.MaxDelay,
		JitterMax:   r.JitterMax,
		MaxAttempts: r.MaxAttempts,
	}
}
