package rest

import (
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
)

// Config configures a REST client for one remote instance.
type Config struct {
	// BaseURL is the instance root, e.g. https://jobs.example.com (required).
	BaseURL string

	// Token is sent as a bearer token on every request.
	Token string

	// APIVersion is the path version segment (/api/{v}/...).
	// Default: 41
	APIVersion int

	// RateLimit caps requests per second to the instance. Zero disables
	// limiting.
	RateLimit float64

	// Timeout bounds each HTTP round trip.
	// Default: 30s
	Timeout time.Duration

	// HTTPClient overrides the client built from Timeout.
	HTTPClient *http.Client

	// Logger receives request-level debug logs.
	// Default: no-op
	Logger *zap.Logger
}

// DefaultAPIVersion is used when Config.APIVersion is zero.
const DefaultAPIVersion = 41

// DefaultTimeout is used when Config.Timeout is zero.
const DefaultTimeout = 30 * time.Second

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return &ConfigError{Field: "BaseURL", Message: "base URL is required"}
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return &ConfigError{Field: "BaseURL", Message: "must be an absolute http(s) URL"}
	}
	if c.APIVersion < 0 {
		return &ConfigError{Field: "APIVersion", Message: "must not be negative"}
	}
	if c.RateLimit < 0 {
		return &ConfigError{Field: "RateLimit", Message: "must not be negative"}
	}
	return nil
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return "rest config: " + e.Field + ": " + e.Message
}
