package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/pario-ai/persona/pkg/models"
	"github.com/pario-ai/persona/pkg/validation"
)

// Config holds all Persona configuration.
type Config struct {
	Environment string             `yaml:"environment"`
	Server      ServerConfig       `yaml:"server"`
	Log         LogConfig          `yaml:"log"`
	Validation  ValidationConfig   `yaml:"validation"`
	RateLimit   RateLimitConfig    `yaml:"rate_limit"`
	Cache       CacheConfig        `yaml:"cache"`
	Analyzer    AnalyzerConfig     `yaml:"analyzer"`
	Tracker     TrackerConfig      `yaml:"tracker"`
	Audit       models.AuditConfig `yaml:"audit"`
	Admin       AdminConfig        `yaml:"admin"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// TrustProxy makes X-Forwarded-For and X-Real-IP identify the client.
	TrustProxy      bool          `yaml:"trust_proxy"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LogConfig controls logging.
type LogConfig struct {
	Level string `yaml:"level"`
}

// ValidationConfig controls input validation.
type ValidationConfig struct {
	MinLength int    `yaml:"min_length"`
	MaxLength int    `yaml:"max_length"`
	Level     string `yaml:"level"`
}

// RateLimitConfig controls the per-client sliding window.
type RateLimitConfig struct {
	RequestsPerMinute int           `yaml:"requests_per_minute"`
	Window            time.Duration `yaml:"window"`
	// SweepInterval of zero disables the background sweep.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// CacheConfig controls the result cache.
type CacheConfig struct {
	Backend  string        `yaml:"backend"` // "memory" or "sqlite"
	TTL      time.Duration `yaml:"ttl"`
	Capacity int           `yaml:"capacity"`
	DBPath   string        `yaml:"db_path"`
}

// AnalyzerConfig controls the upstream model.
type AnalyzerConfig struct {
	APIKey            string        `yaml:"api_key"`
	BaseURL           string        `yaml:"base_url"`
	Model             string        `yaml:"model"`
	Timeout           time.Duration `yaml:"timeout"`
	MaxRetries        int           `yaml:"max_retries"`
	RequestsPerMinute int           `yaml:"requests_per_minute"`
	Temperature       float64       `yaml:"temperature"`
	MaxTokens         int64         `yaml:"max_tokens"`
	// FallbackModels are tried in order when Model is unavailable.
	FallbackModels    []string      `yaml:"fallback_models"`
}

// TrackerConfig controls per-request history.
type TrackerConfig struct {
	Enabled bool   `yaml:"enabled"`
	DBPath  string `yaml:"db_path"`
}

// AdminConfig guards the /admin routes. An empty password disables them.
type AdminConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8000,
			AllowedOrigins:  []string{"*"},
			MaxBodyBytes:    1 << 20,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Log: LogConfig{Level: "info"},
		Validation: ValidationConfig{
			MinLength: validation.DefaultMinLength,
			MaxLength: validation.DefaultMaxLength,
			Level:     string(validation.LevelStrict),
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: 60,
			Window:            time.Minute,
			SweepInterval:     5 * time.Minute,
		},
		Cache: CacheConfig{
			Backend:  "memory",
			TTL:      time.Hour,
			Capacity: 10000,
			DBPath:   "persona-cache.db",
		},
		Analyzer: AnalyzerConfig{
			BaseURL:     "https://generativelanguage.googleapis.com/v1beta/openai/",
			Model:       "gemini-2.0-flash",
			Timeout:     30 * time.Second,
			MaxRetries:  1,
			Temperature: 0.7,
			MaxTokens:   1000,
		},
		Tracker: TrackerConfig{
			Enabled: true,
			DBPath:  "persona.db",
		},
		Audit: models.AuditConfig{
			Enabled:       false,
			DBPath:        "persona-audit.db",
			RetentionDays: 30,
			MaxBodySize:   16 << 10,
		},
		Admin: AdminConfig{Username: "admin"},
	}
}

// Load reads a YAML config file, expands environment variables and applies
// environment overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOptional is Load that falls back to defaults plus environment when
// path does not exist.
func LoadOptional(path string) (*Config, error) {
	cfg, err := Load(path)
	if err == nil || !errors.Is(err, os.ErrNotExist) {
		return cfg, err
	}
	cfg = Default()
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDotEnv loads KEY=VALUE files into the process environment without
// overriding variables that are already set. Missing files are skipped.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// ApplyEnv overrides fields from environment variables. lookup is usually
// os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("env %s: %w", key, err)
		}
		*dst = n
		return nil
	}
	seconds := func(key string, dst *time.Duration) error {
		n := -1
		if err := num(key, &n); err != nil {
			return err
		}
		if n >= 0 {
			*dst = time.Duration(n) * time.Second
		}
		return nil
	}

	str("GEMINI_API_KEY", &c.Analyzer.APIKey)
	str("ANALYZER_BASE_URL", &c.Analyzer.BaseURL)
	str("ANALYZER_MODEL", &c.Analyzer.Model)
	str("SERVER_HOST", &c.Server.Host)
	str("ADMIN_USERNAME", &c.Admin.Username)
	str("ADMIN_PASSWORD", &c.Admin.Password)
	str("ENVIRONMENT", &c.Environment)
	str("LOG_LEVEL", &c.Log.Level)
	str("CACHE_BACKEND", &c.Cache.Backend)
	str("VALIDATION_LEVEL", &c.Validation.Level)

	for key, dst := range map[string]*int{
		"MIN_TEXT_LENGTH":    &c.Validation.MinLength,
		"MAX_TEXT_LENGTH":    &c.Validation.MaxLength,
		"RATE_LIMIT_RPM":     &c.RateLimit.RequestsPerMinute,
		"SERVER_PORT":        &c.Server.Port,
		"LOG_RETENTION_DAYS": &c.Audit.RetentionDays,
		"CACHE_CAPACITY":     &c.Cache.Capacity,
	} {
		if err := num(key, dst); err != nil {
			return err
		}
	}
	for key, dst := range map[string]*time.Duration{
		"WINDOW_SECONDS":    &c.RateLimit.Window,
		"API_TIMEOUT":       &c.Analyzer.Timeout,
		"CACHE_TTL_SECONDS": &c.Cache.TTL,
	} {
		if err := seconds(key, dst); err != nil {
			return err
		}
	}

	if v, ok := lookup("ALLOWED_ORIGINS"); ok && v != "" {
		c.Server.AllowedOrigins = splitList(v)
	}
	if v, ok := lookup("ANALYZER_FALLBACK_MODELS"); ok && v != "" {
		c.Analyzer.FallbackModels = splitList(v)
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate rejects inconsistent settings.
func (c *Config) Validate() error {
	var errs []error
	if c.Validation.MinLength <= 0 {
		errs = append(errs, errors.New("validation.min_length must be positive"))
	}
	if c.Validation.MaxLength < c.Validation.MinLength {
		errs = append(errs, fmt.Errorf("validation.max_length %d is below min_length %d", c.Validation.MaxLength, c.Validation.MinLength))
	}
	if _, err := validation.ParseLevel(c.Validation.Level); err != nil {
		errs = append(errs, err)
	}
	if c.RateLimit.RequestsPerMinute <= 0 {
		errs = append(errs, errors.New("rate_limit.requests_per_minute must be positive"))
	}
	if c.RateLimit.Window <= 0 {
		errs = append(errs, errors.New("rate_limit.window must be positive"))
	}
	if c.RateLimit.SweepInterval < 0 {
		errs = append(errs, errors.New("rate_limit.sweep_interval must not be negative"))
	}
	if c.Cache.TTL <= 0 {
		errs = append(errs, errors.New("cache.ttl must be positive"))
	}
	if c.Cache.Capacity < 0 {
		errs = append(errs, errors.New("cache.capacity must not be negative"))
	}
	switch c.Cache.Backend {
	case "memory":
	case "sqlite":
		if c.Cache.DBPath == "" {
			errs = append(errs, errors.New("cache.db_path is required for the sqlite backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown cache.backend %q", c.Cache.Backend))
	}
	if c.Analyzer.Timeout <= 0 {
		errs = append(errs, errors.New("analyzer.timeout must be positive"))
	}
	if c.Analyzer.RequestsPerMinute < 0 {
		errs = append(errs, errors.New("analyzer.requests_per_minute must not be negative"))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	return errors.Join(errs...)
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

// IsProduction reports whether Environment is "production".
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}
