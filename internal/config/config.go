// Package config loads server settings from defaults, an optional YAML file
// and STOCKROOM_* environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "STOCKROOM_"

// Config is the full server configuration.
type Config struct {
	HTTP    HTTP    `yaml:"http"`
	Log     Log     `yaml:"log"`
	Storage Storage `yaml:"storage"`
	Engine  Engine  `yaml:"engine"`
	Auth    Auth    `yaml:"auth"`
	Events  Events  `yaml:"events"`
	Blob    Blob    `yaml:"blob"`
}

type HTTP struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type Storage struct {
	Driver           string `yaml:"driver"`
	SQLitePath       string `yaml:"sqlite_path"`
	PostgresDSN      string `yaml:"postgres_dsn"`
	PostgresMaxConns int32  `yaml:"postgres_max_conns"`
}

type Engine struct {
	MaxChainDepth int `yaml:"max_chain_depth"`
	MaxRetries    int `yaml:"max_retries"`
}

// Auth selects how bearer tokens are verified. Mode none disables
// authentication and every request acts as the system actor.
type Auth struct {
	Mode       string `yaml:"mode"`
	HMACSecret string `yaml:"hmac_secret"`
	JWKSURL    string `yaml:"jwks_url"`
	Issuer     string `yaml:"issuer"`
}

type Events struct {
	Driver    string `yaml:"driver"`
	AMQPURL   string `yaml:"amqp_url"`
	Exchange  string `yaml:"exchange"`
	QueueSize int    `yaml:"queue_size"`
}

type Blob struct {
	Driver            string `yaml:"driver"`
	FSRoot            string `yaml:"fs_root"`
	S3Bucket          string `yaml:"s3_bucket"`
	S3Region          string `yaml:"s3_region"`
	S3Endpoint        string `yaml:"s3_endpoint"`
	S3PathStyle       bool   `yaml:"s3_path_style"`
	S3AccessKeyID     string `yaml:"s3_access_key_id"`
	S3SecretAccessKey string `yaml:"s3_secret_access_key"`
}

// Defaults returns the configuration used when nothing is overridden.
func Defaults() Config {
	return Config{
		HTTP:    HTTP{Addr: ":8080", ShutdownTimeout: 10 * time.Second},
		Log:     Log{Level: "info", Format: "json"},
		Storage: Storage{Driver: "sqlite", SQLitePath: "stockroom.db", PostgresMaxConns: 10},
		Engine:  Engine{MaxChainDepth: 1000, MaxRetries: 3},
		Auth:    Auth{Mode: "none"},
		Events:  Events{Driver: "log", Exchange: "stockroom.events", QueueSize: 256},
		Blob:    Blob{Driver: "fs", FSRoot: "./archives", S3Region: "us-east-1"},
	}
}

// Load builds the configuration. An empty path falls back to
// STOCKROOM_CONFIG; when both are empty no file is read.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path == "" {
		path = os.Getenv(EnvPrefix + "CONFIG")
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects unknown drivers and incomplete driver settings.
func (c Config) Validate() error {
	var errs []error
	check := func(field, value string, allowed ...string) {
		for _, a := range allowed {
			if value == a {
				return
			}
		}
		errs = append(errs, fmt.Errorf("%s: unknown value %q (want one of %s)", field, value, strings.Join(allowed, ", ")))
	}
	check("log.level", strings.ToLower(c.Log.Level), "debug", "info", "warn", "error")
	check("log.format", c.Log.Format, "json", "text")
	check("storage.driver", c.Storage.Driver, "memory", "sqlite", "postgres")
	check("auth.mode", c.Auth.Mode, "none", "hmac", "jwks")
	check("events.driver", c.Events.Driver, "none", "log", "amqp")
	check("blob.driver", c.Blob.Driver, "fs", "memory", "s3")

	if c.Storage.Driver == "postgres" && c.Storage.PostgresDSN == "" {
		errs = append(errs, errors.New("storage.postgres_dsn is required for the postgres driver"))
	}
	if c.Auth.Mode == "hmac" && c.Auth.HMACSecret == "" {
		errs = append(errs, errors.New("auth.hmac_secret is required for hmac mode"))
	}
	if c.Auth.Mode == "jwks" && c.Auth.JWKSURL == "" {
		errs = append(errs, errors.New("auth.jwks_url is required for jwks mode"))
	}
	if c.Events.Driver == "amqp" && c.Events.AMQPURL == "" {
		errs = append(errs, errors.New("events.amqp_url is required for the amqp driver"))
	}
	if c.Blob.Driver == "s3" && c.Blob.S3Bucket == "" {
		errs = append(errs, errors.New("blob.s3_bucket is required for the s3 driver"))
	}
	if c.Engine.MaxChainDepth <= 0 {
		errs = append(errs, errors.New("engine.max_chain_depth must be positive"))
	}
	if c.Engine.MaxRetries < 0 {
		errs = append(errs, errors.New("engine.max_retries must not be negative"))
	}
	return errors.Join(errs...)
}

func applyEnv(cfg *Config) error {
	var errs []error
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok {
			*dst = v
		}
	}
	num := func(name string, dst *int) {
		v, ok := lookup(name)
		if !ok {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
			return
		}
		*dst = n
	}
	flag := func(name string, dst *bool) {
		v, ok := lookup(name)
		if !ok {
			return
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
			return
		}
		*dst = b
	}
	duration := func(name string, dst *time.Duration) {
		v, ok := lookup(name)
		if !ok {
			return
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
			return
		}
		*dst = d
	}

	str("HTTP_ADDR", &cfg.HTTP.Addr)
	duration("HTTP_SHUTDOWN_TIMEOUT", &cfg.HTTP.ShutdownTimeout)
	str("LOG_LEVEL", &cfg.Log.Level)
	str("LOG_FORMAT", &cfg.Log.Format)
	str("STORAGE_DRIVER", &cfg.Storage.Driver)
	str("STORAGE_SQLITE_PATH", &cfg.Storage.SQLitePath)
	str("STORAGE_POSTGRES_DSN", &cfg.Storage.PostgresDSN)
	maxConns := int(cfg.Storage.PostgresMaxConns)
	num("STORAGE_POSTGRES_MAX_CONNS", &maxConns)
	cfg.Storage.PostgresMaxConns = int32(maxConns)
	num("ENGINE_MAX_CHAIN_DEPTH", &cfg.Engine.MaxChainDepth)
	num("ENGINE_MAX_RETRIES", &cfg.Engine.MaxRetries)
	str("AUTH_MODE", &cfg.Auth.Mode)
	str("AUTH_HMAC_SECRET", &cfg.Auth.HMACSecret)
	str("AUTH_JWKS_URL", &cfg.Auth.JWKSURL)
	str("AUTH_ISSUER", &cfg.Auth.Issuer)
	str("EVENTS_DRIVER", &cfg.Events.Driver)
	str("EVENTS_AMQP_URL", &cfg.Events.AMQPURL)
	str("EVENTS_EXCHANGE", &cfg.Events.Exchange)
	num("EVENTS_QUEUE_SIZE", &cfg.Events.QueueSize)
	str("BLOB_DRIVER", &cfg.Blob.Driver)
	str("BLOB_FS_ROOT", &cfg.Blob.FSRoot)
	str("BLOB_S3_BUCKET", &cfg.Blob.S3Bucket)
	str("BLOB_S3_REGION", &cfg.Blob.S3Region)
	str("BLOB_S3_ENDPOINT", &cfg.Blob.S3Endpoint)
	flag("BLOB_S3_PATH_STYLE", &cfg.Blob.S3PathStyle)
	str("BLOB_S3_ACCESS_KEY_ID", &cfg.Blob.S3AccessKeyID)
	str("BLOB_S3_SECRET_ACCESS_KEY", &cfg.Blob.S3SecretAccessKey)
	return errors.Join(errs...)
}

func lookup(name string) (string, bool) {
	v, ok := os.LookupEnv(EnvPrefix + name)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}
