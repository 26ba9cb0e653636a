// Package config loads service settings from an optional YAML file and the
// environment. Environment variables win over the file.
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

// Classifier backends.
const (
	BackendGRPC = "grpc"
	BackendHTTP = "http"
)

// Duration is a time.Duration that unmarshals from strings such as "30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Classifier selects and addresses the external model.
type Classifier struct {
	Backend string   `yaml:"backend"`
	Addr    string   `yaml:"addr"`
	URL     string   `yaml:"url"`
	Timeout Duration `yaml:"timeout"`
}

// Config holds every runtime setting.
type Config struct {
	HTTPAddr            string     `yaml:"httpAddr"`
	LogLevel            string     `yaml:"logLevel"`
	ShutdownTimeout     Duration   `yaml:"shutdownTimeout"`
	RequestTimeout      Duration   `yaml:"requestTimeout"`
	DownloadTimeout     Duration   `yaml:"downloadTimeout"`
	DownloadRetries     int        `yaml:"downloadRetries"`
	DownloadConcurrency int        `yaml:"downloadConcurrency"`
	MaxImageBytes       int64      `yaml:"maxImageBytes"`
	MaxURLs             int        `yaml:"maxUrls"`
	ScratchRoot         string     `yaml:"scratchRoot"`
	Classifier          Classifier `yaml:"classifier"`
	RedisAddr           string     `yaml:"redisAddr"`
	ScoreCacheTTL       Duration   `yaml:"scoreCacheTTL"`
	DatabaseDSN         string     `yaml:"databaseDSN"`
	JWTSecret           string     `yaml:"jwtSecret"`
	JWTAudience         string     `yaml:"jwtAudience"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		HTTPAddr:            ":8080",
		ShutdownTimeout:     Duration(15 * time.Second),
		RequestTimeout:      Duration(2 * time.Minute),
		DownloadTimeout:     Duration(30 * time.Second),
		DownloadRetries:     0,
		DownloadConcurrency: 0,
		MaxImageBytes:       20 << 20,
		MaxURLs:             64,
		Classifier: Classifier{
			Backend: BackendGRPC,
			Addr:    "nsfw-model:50051",
			Timeout: Duration(60 * time.Second),
		},
		ScoreCacheTTL: Duration(24 * time.Hour),
	}
}

// Load builds the configuration: defaults, then the YAML file at CONFIG_PATH
// when set, then environment variables.
func Load() (*Config, error) {
	return load(os.LookupEnv)
}

func load(lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default()

	if path, ok := lookup("CONFIG_PATH"); ok && path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.mergeEnv(lookup); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) mergeEnv(lookup func(string) (string, bool)) error {
	env := envReader{lookup: lookup}

	env.str("HTTP_ADDR", &c.HTTPAddr)
	env.str("LOG_LEVEL", &c.LogLevel)
	env.duration("SHUTDOWN_TIMEOUT", &c.ShutdownTimeout)
	env.duration("REQUEST_TIMEOUT", &c.RequestTimeout)
	env.duration("DOWNLOAD_TIMEOUT", &c.DownloadTimeout)
	env.integer("DOWNLOAD_RETRIES", &c.DownloadRetries)
	env.integer("DOWNLOAD_CONCURRENCY", &c.DownloadConcurrency)
	env.int64("MAX_IMAGE_BYTES", &c.MaxImageBytes)
	env.integer("MAX_URLS", &c.MaxURLs)
	env.str("SCRATCH_ROOT", &c.ScratchRoot)
	env.str("CLASSIFIER_BACKEND", &c.Classifier.Backend)
	env.str("CLASSIFIER_ADDR", &c.Classifier.Addr)
	env.str("CLASSIFIER_URL", &c.Classifier.URL)
	env.duration("CLASSIFIER_TIMEOUT", &c.Classifier.Timeout)
	env.str("REDIS_ADDR", &c.RedisAddr)
	env.duration("SCORE_CACHE_TTL", &c.ScoreCacheTTL)
	env.str("DATABASE_DSN", &c.DatabaseDSN)
	env.str("JWT_SECRET", &c.JWTSecret)
	env.str("JWT_AUDIENCE", &c.JWTAudience)

	return errors.Join(env.errs...)
}

// Validate checks value ranges and backend specific requirements.
func (c *Config) Validate() error {
	var errs []error
	if c.HTTPAddr == "" {
		errs = append(errs, errors.New("HTTP_ADDR must not be empty"))
	}
	if c.DownloadRetries < 0 {
		errs = append(errs, errors.New("DOWNLOAD_RETRIES must not be negative"))
	}
	if c.DownloadConcurrency < 0 {
		errs = append(errs, errors.New("DOWNLOAD_CONCURRENCY must not be negative"))
	}
	if c.MaxImageBytes < 0 {
		errs = append(errs, errors.New("MAX_IMAGE_BYTES must not be negative"))
	}
	if c.MaxURLs < 0 {
		errs = append(errs, errors.New("MAX_URLS must not be negative"))
	}
	for name, d := range map[string]Duration{
		"SHUTDOWN_TIMEOUT":   c.ShutdownTimeout,
		"REQUEST_TIMEOUT":    c.RequestTimeout,
		"DOWNLOAD_TIMEOUT":   c.DownloadTimeout,
		"CLASSIFIER_TIMEOUT": c.Classifier.Timeout,
		"SCORE_CACHE_TTL":    c.ScoreCacheTTL,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", name))
		}
	}
	switch c.Classifier.Backend {
	case BackendGRPC:
		if c.Classifier.Addr == "" {
			errs = append(errs, errors.New("CLASSIFIER_ADDR is required for the grpc backend"))
		}
	case BackendHTTP:
		if c.Classifier.URL == "" {
			errs = append(errs, errors.New("CLASSIFIER_URL is required for the http backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown CLASSIFIER_BACKEND %q", c.Classifier.Backend))
	}
	return errors.Join(errs...)
}

type envReader struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (e *envReader) value(key string) (string, bool) {
	v, ok := e.lookup(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := e.value(key); ok {
		*dst = v
	}
}

func (e *envReader) integer(key string, dst *int) {
	if v, ok := e.value(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: invalid integer %q", key, v))
			return
		}
		*dst = n
	}
}

func (e *envReader) int64(key string, dst *int64) {
	if v, ok := e.value(key); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: invalid integer %q", key, v))
			return
		}
		*dst = n
	}
}

func (e *envReader) duration(key string, dst *Duration) {
	if v, ok := e.value(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: invalid duration %q", key, v))
			return
		}
		*dst = Duration(d)
	}
}
