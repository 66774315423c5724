// Package config loads the job store configuration from defaults, an optional
// YAML file, an optional Parameter Store JSON document, JOBSTORE_ environment
// variables and command line flags, in increasing order of precedence.
package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/ssm"
	"github.com/aws/aws-sdk-go/service/ssm/ssmiface"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v2"

	"github.com/Duke-GCB/toil/events"
	"github.com/Duke-GCB/toil/jobstore"
	"github.com/Duke-GCB/toil/telemetry"
)

const envPrefix = "JOBSTORE"

// Config represents the job store configuration
type Config struct {
	Locator   string `mapstructure:"locator" yaml:"locator"`
	Parameter string `mapstructure:"parameter" yaml:"parameter,omitempty"`

	Log struct {
		Level  string `mapstructure:"level" yaml:"level"`
		Format string `mapstructure:"format" yaml:"format"`
	} `mapstructure:"log" yaml:"log"`

	Store StoreConfig `mapstructure:"store" yaml:"store"`

	AWS struct {
		Region string `mapstructure:"region" yaml:"region"`
		S3     struct {
			Endpoint       string `mapstructure:"endpoint" yaml:"endpoint"`
			ForcePathStyle bool   `mapstructure:"force_path_style" yaml:"force_path_style"`
		} `mapstructure:"s3" yaml:"s3"`
	} `mapstructure:"aws" yaml:"aws"`

	Minio struct {
		Endpoint  string `mapstructure:"endpoint" yaml:"endpoint"`
		Region    string `mapstructure:"region" yaml:"region"`
		AccessKey string `mapstructure:"access_key" yaml:"access_key"`
		SecretKey string `mapstructure:"secret_key" yaml:"secret_key"`
		UseSSL    bool   `mapstructure:"use_ssl" yaml:"use_ssl"`
	} `mapstructure:"minio" yaml:"minio"`

	GoCloud struct {
		URL string `mapstructure:"url" yaml:"url"`
	} `mapstructure:"gocloud" yaml:"gocloud"`

	Redis struct {
		Address     string        `mapstructure:"address" yaml:"address"`
		Password    string        `mapstructure:"password" yaml:"password"`
		DB          int           `mapstructure:"db" yaml:"db"`
		DialTimeout time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout"`
		ReadTimeout time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	} `mapstructure:"redis" yaml:"redis"`

	MongoDB struct {
		URI               string `mapstructure:"uri" yaml:"uri"`
		Database          string `mapstructure:"database" yaml:"database"`
		PasswordSecretArn string `mapstructure:"password_secret_arn" yaml:"password_secret_arn"`
		CAFile            string `mapstructure:"ca_file" yaml:"ca_file"`
		SkipTLSVerify     bool   `mapstructure:"skip_tls_verify" yaml:"skip_tls_verify"`
	} `mapstructure:"mongodb" yaml:"mongodb"`

	Telemetry telemetry.Config `mapstructure:"telemetry" yaml:"telemetry"`
	Events    events.Config    `mapstructure:"events" yaml:"events"`
}

// StoreConfig tunes the job store itself.
type StoreConfig struct {
	DefaultTryCount   int           `mapstructure:"default_try_count" yaml:"default_try_count"`
	StreamBuffer      int           `mapstructure:"stream_buffer" yaml:"stream_buffer"`
	DeleteConcurrency int           `mapstructure:"delete_concurrency" yaml:"delete_concurrency"`
	PublicURLExpiry   time.Duration `mapstructure:"public_url_expiry" yaml:"public_url_expiry"`
	Retry             struct {
		MaxAttempts     int           `mapstructure:"max_attempts" yaml:"max_attempts"`
		InitialInterval time.Duration `mapstructure:"initial_interval" yaml:"initial_interval"`
		MaxInterval     time.Duration `mapstructure:"max_interval" yaml:"max_interval"`
		Multiplier      float64       `mapstructure:"multiplier" yaml:"multiplier"`
	} `mapstructure:"retry" yaml:"retry"`
}

// defaults registers every key, so environment variables are seen by Unmarshal
// even when no file mentions the key.
var defaults = map[string]any{
	"locator":                      "",
	"parameter":                    "",
	"log.level":                    "info",
	"log.format":                   "text",
	"store.default_try_count":      1,
	"store.stream_buffer":          8,
	"store.delete_concurrency":     16,
	"store.public_url_expiry":      time.Hour,
	"store.retry.max_attempts":     0,
	"store.retry.initial_interval": 500 * time.Millisecond,
	"store.retry.max_interval":     30 * time.Second,
	"store.retry.multiplier":       2.0,
	"aws.region":                   "us-west-2",
	"aws.s3.endpoint":              "",
	"aws.s3.force_path_style":      false,
	"minio.endpoint":               "",
	"minio.region":                 "",
	"minio.access_key":             "",
	"minio.secret_key":             "",
	"minio.use_ssl":                false,
	"gocloud.url":                  "mem://",
	"redis.address":                "localhost:6379",
	"redis.password":               "",
	"redis.db":                     0,
	"redis.dial_timeout":           2 * time.Second,
	"redis.read_timeout":           2 * time.Second,
	"mongodb.uri":                  "",
	"mongodb.database":             "toil",
	"mongodb.password_secret_arn":  "",
	"mongodb.ca_file":              "",
	"mongodb.skip_tls_verify":      false,
	"telemetry.enabled":            false,
	"telemetry.protocol":           telemetry.ProtocolGRPC,
	"telemetry.endpoint":           "",
	"telemetry.insecure":           false,
	"telemetry.service_name":       "jobstore",
	"telemetry.sample_ratio":       1.0,
	"telemetry.metric_interval":    time.Minute,
	"events.target":                "",
	"events.source":                "",
}

// BindFlags defines the command line flags on fs and binds them to v.
func BindFlags(fs *pflag.FlagSet, v *viper.Viper) error {
	fs.String("config", "", "Path to a YAML configuration file")
	fs.String("parameter", "", "Parameter Store name of a JSON configuration document")
	fs.String("locator", "", "Job store locator, <provider>:<name>")
	fs.String("log-level", "info", "Log level")
	fs.String("log-format", "text", "Log format, text or json")

	for key, flag := range map[string]string{
		"config":     "config",
		"parameter":  "parameter",
		"locator":    "locator",
		"log.level":  "log-level",
		"log.format": "log-format",
	} {
		if err := v.BindPFlag(key, fs.Lookup(flag)); err != nil {
			return fmt.Errorf("failed to bind flag %s: %w", flag, err)
		}
	}
	return nil
}

// LoadDotEnv loads the given .env files into the process environment. Missing
// files are skipped; variables already set win.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); os.IsNotExist(err) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("failed to load %s: %w", p, err)
		}
	}
	return nil
}

// Load reads the configuration through v.
func Load(ctx context.Context, v *viper.Viper) (*Config, error) {
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if name := v.GetString("parameter"); name != "" {
		sess, err := session.NewSession(&aws.Config{Region: aws.String(v.GetString("aws.region"))})
		if err != nil {
			return nil, fmt.Errorf("failed to create AWS session: %w", err)
		}
		if err := loadParameter(ctx, ssm.New(sess), v, name); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	applyDefaults(&cfg)

	if cfg.Locator != "" {
		if _, err := ParseLocator(cfg.Locator); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}

// loadParameter merges a JSON document stored in Parameter Store into v.
func loadParameter(ctx context.Context, client ssmiface.SSMAPI, v *viper.Viper, name string) error {
	param, err := client.GetParameterWithContext(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return fmt.Errorf("failed to get parameter from Parameter Store: %w", err)
	}

	v.SetConfigType("json")
	if err := v.MergeConfig(strings.NewReader(aws.StringValue(param.Parameter.Value))); err != nil {
		return fmt.Errorf("failed to parse parameter value as JSON: %w", err)
	}
	return nil
}

// applyDefaults fixes values a file or environment set to something unusable
func applyDefaults(cfg *Config) {
	if cfg.Store.DefaultTryCount <= 0 {
		cfg.Store.DefaultTryCount = 1
	}
	if cfg.Store.DeleteConcurrency <= 0 {
		cfg.Store.DeleteConcurrency = 16
	}
	if cfg.Store.PublicURLExpiry <= 0 {
		cfg.Store.PublicURLExpiry = time.Hour
	}
	if cfg.Minio.Region == "" {
		cfg.Minio.Region = cfg.AWS.Region
	}
	// Do not default the MongoDB URI or the Minio endpoint and keys, they are
	// deployment specific and only required by their provider.
}

// StoreOptions turns the store settings into jobstore options.
func (c *Config) StoreOptions() []jobstore.Option {
	r := c.Store.Retry
	return []jobstore.Option{
		jobstore.WithDefaultTryCount(c.Store.DefaultTryCount),
		jobstore.WithStreamBuffer(c.Store.StreamBuffer),
		jobstore.WithDeleteConcurrency(c.Store.DeleteConcurrency),
		jobstore.WithPublicURLExpiry(c.Store.PublicURLExpiry),
		jobstore.WithRetryPolicy(jobstore.RetryPolicy{
			MaxAttempts:     r.MaxAttempts,
			InitialInterval: r.InitialInterval,
			MaxInterval:     r.MaxInterval,
			Multiplier:      r.Multiplier,
		}),
	}
}

// NewLogger builds the logger described by the log settings.
func (c *Config) NewLogger() (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(c.Log.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	log := logrus.New()
	log.SetLevel(level)
	switch c.Log.Format {
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{})
	case "text", "":
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return nil, fmt.Errorf("unknown log format %q", c.Log.Format)
	}
	return log, nil
}

const redacted = "<redacted>"

// YAML renders the effective configuration with secrets redacted.
func (c *Config) YAML() ([]byte, error) {
	out := *c
	if out.Minio.SecretKey != "" {
		out.Minio.SecretKey = redacted
	}
	if out.Redis.Password != "" {
		out.Redis.Password = redacted
	}
	data, err := yaml.Marshal(&out)
	if err != nil {
		return nil, fmt.Errorf("failed to render config: %w", err)
	}
	return data, nil
}
