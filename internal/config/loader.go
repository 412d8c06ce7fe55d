// Package config loads stockstream settings from .stockstream/config.yaml,
// an optional .stockstream/.env file and the process environment.
package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/stockpilot/stockstream/internal/progress"
)

// Dir is the per-project settings directory.
const Dir = ".stockstream"

// Default values for Config.
const (
	DefaultBaseURL       = "http://localhost:8000"
	DefaultSubmitTimeout = 30 * time.Second
	DefaultCachePath     = Dir + "/history.db"
	DefaultCacheMaxAge   = 24 * time.Hour
	DefaultLogLevel      = "info"
)

// Environment variables that override file settings.
const (
	EnvBaseURL   = "PYTHON_API_URL"
	EnvAuthToken = "STOCKSTREAM_API_TOKEN"
	EnvUser      = "STOCKSTREAM_USER_ID"
	EnvCachePath = "STOCKSTREAM_CACHE_PATH"
	EnvLogLevel  = "STOCKSTREAM_LOG_LEVEL"
)

// DefaultStream returns stream settings matching the progress client's defaults.
func DefaultStream() Stream {
	d := progress.DefaultOptions()
	return Stream{
		HeartbeatInterval:    d.HeartbeatInterval,
		WaitingThreshold:     d.WaitingThreshold,
		MaxReconnectAttempts: d.MaxReconnectAttempts,
		InitialBackoff:       d.InitialBackoff,
		MaxBackoff:           d.MaxBackoff,
	}
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() Config {
	return Config{
		API: API{
			BaseURL:       DefaultBaseURL,
			SubmitTimeout: DefaultSubmitTimeout,
		},
		Stream: DefaultStream(),
		Cache: Cache{
			Path:   DefaultCachePath,
			MaxAge: DefaultCacheMaxAge,
		},
		LogLevel: DefaultLogLevel,
	}
}

// StreamOptions converts the stream settings for the progress client.
func (c *Config) StreamOptions() progress.Options {
	attempts := c.Stream.MaxReconnectAttempts
	if attempts == 0 {
		// The client reads zero as "use the default".
		attempts = -1
	}
	return progress.Options{
		HeartbeatInterval:    c.Stream.HeartbeatInterval,
		WaitingThreshold:     c.Stream.WaitingThreshold,
		MaxReconnectAttempts: attempts,
		InitialBackoff:       c.Stream.InitialBackoff,
		MaxBackoff:           c.Stream.MaxBackoff,
	}
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
}

// IsValidationError checks if an error is a ValidationError.
func IsValidationError(err error) bool {
	var ve ValidationError
	return errors.As(err, &ve)
}

// LoadConfig reads .stockstream/config.yaml from the given base path, applies
// overrides from .stockstream/.env and then the environment, and validates
// the result. A missing config file yields the defaults.
func LoadConfig(basePath string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(filepath.Join(basePath, Dir, "config.yaml"))
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	case !os.IsNotExist(err):
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	fileEnv, err := LoadEnvFile(basePath)
	if err != nil {
		return nil, err
	}
	ApplyEnv(&cfg, func(key string) (string, bool) {
		if v := os.Getenv(key); v != "" {
			return v, true
		}
		v, ok := fileEnv[key]
		return v, ok
	})

	if cfg.Cache.Path != "" && !filepath.IsAbs(cfg.Cache.Path) {
		cfg.Cache.Path = filepath.Join(basePath, cfg.Cache.Path)
	}

	if err := ValidateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyEnv overrides cfg with the environment variables found by lookup.
// Empty values are ignored.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	set := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	set(EnvBaseURL, &cfg.API.BaseURL)
	set(EnvAuthToken, &cfg.API.AuthToken)
	set(EnvUser, &cfg.User)
	set(EnvCachePath, &cfg.Cache.Path)
	set(EnvLogLevel, &cfg.LogLevel)
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// ValidateConfig checks that all config values are valid. The first problem
// is reported as a ValidationError naming the YAML field.
func ValidateConfig(cfg *Config) error {
	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}
	var errs validator.ValidationErrors
	if !errors.As(err, &errs) || len(errs) == 0 {
		return fmt.Errorf("failed to validate config: %w", err)
	}
	fe := errs[0]
	field := fe.Namespace()
	if i := strings.IndexByte(field, '.'); i >= 0 {
		field = field[i+1:]
	}
	return ValidationError{Field: field, Message: describe(fe)}
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "required field is empty"
	case "url":
		return "must be a valid URL"
	case "gt":
		return "must be positive"
	case "gte":
		return "must be at least " + fe.Param()
	case "lte":
		return "must be at most " + fe.Param()
	case "gtefield":
		return "must not be less than " + toSnake(fe.Param())
	case "oneof":
		return "must be one of: " + strings.ReplaceAll(fe.Param(), " ", ", ")
	}
	return "failed " + fe.Tag() + " check"
}

// toSnake turns a Go field name into its YAML spelling.
func toSnake(name string) string {
	var b strings.Builder
	for i, r := range name {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}

// LoadEnvFile parses .stockstream/.env into a map of key-value pairs.
// The file format is KEY=VALUE per line. Lines starting with # are comments.
// Empty lines are ignored. A missing file yields an empty map.
func LoadEnvFile(basePath string) (map[string]string, error) {
	envPath := filepath.Join(basePath, Dir, ".env")

	file, err := os.Open(envPath)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]string), nil
		}
		return nil, fmt.Errorf("failed to open env file: %w", err)
	}
	defer file.Close()

	env := make(map[string]string)
	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("invalid env file line %d: missing '='", lineNum)
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		// Strip surrounding quotes (single or double)
		if len(value) >= 2 {
			if (value[0] == '"' && value[len(value)-1] == '"') ||
				(value[0] == '\'' && value[len(value)-1] == '\'') {
				value = value[1 : len(value)-1]
			}
		}

		if key == "" {
			return nil, fmt.Errorf("invalid env file line %d: empty key", lineNum)
		}

		env[key] = value
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read env file: %w", err)
	}

	return env, nil
}
