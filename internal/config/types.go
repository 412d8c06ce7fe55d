package config

import "time"

// API locates the remote analysis service.
type API struct {
	BaseURL       string        `yaml:"base_url" validate:"required,url"`
	AuthToken     string        `yaml:"auth_token,omitempty"`
	SubmitTimeout time.Duration `yaml:"submit_timeout" validate:"gt=0"`
	// VersionConstraint is the semver range of service versions accepted by ping.
	VersionConstraint string `yaml:"version_constraint,omitempty"`
}

// Stream tunes staleness detection and reconnects for analysis jobs.
type Stream struct {
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval" validate:"gt=0"`
	WaitingThreshold     time.Duration `yaml:"waiting_threshold" validate:"gt=0"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts" validate:"gte=0,lte=20"`
	InitialBackoff       time.Duration `yaml:"initial_backoff" validate:"gt=0"`
	MaxBackoff           time.Duration `yaml:"max_backoff" validate:"gtefield=InitialBackoff"`
}

// Cache configures the local history of completed analyses.
type Cache struct {
	// Path is the SQLite database file. Relative paths are resolved against
	// the base directory.
	Path string `yaml:"path" validate:"required"`
	// MaxAge is how long a stored result is served instead of a new job.
	// Zero disables serving stored results.
	MaxAge time.Duration `yaml:"max_age" validate:"gte=0"`
}

// Config represents the .stockstream/config.yaml file.
type Config struct {
	API    API    `yaml:"api"`
	Stream Stream `yaml:"stream"`
	Cache  Cache  `yaml:"cache"`
	// User identifies whose history is used. Empty is anonymous.
	User     string `yaml:"user,omitempty"`
	LogLevel string `yaml:"log_level,omitempty" validate:"omitempty,oneof=debug info warn warning error"`
}
