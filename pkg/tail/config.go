package tail

import (
	"time"

	"go.uber.org/zap"
)

// Config configures poller behavior.
type Config struct {
	// PageSizeUnit is the base window size in lines. The window grows and
	// shrinks in multiples of this unit.
	// Default: 50
	PageSizeUnit int

	// MaxRetries is the number of consecutive failed fetches tolerated
	// before the failure is returned. Zero disables retries.
	// Default: 5
	MaxRetries int

	// RetryDelay is the pause after a failed fetch.
	// Default: 15s
	RetryDelay time.Duration

	// ActiveDelay is the pause after a step that advanced the cursor.
	// Default: 2s
	ActiveDelay time.Duration

	// IdleDelay is the pause after a step that did not advance the cursor.
	// Default: 5s
	IdleDelay time.Duration

	// StartOffset resumes tailing from a known cursor position.
	// Default: 0
	StartOffset int64

	// Logger receives retry and skipped-step diagnostics.
	// Default: no-op
	Logger *zap.Logger
}

// DefaultConfig returns the default poller configuration.
func DefaultConfig() Config {
	return Config{
		PageSizeUnit: 50,
		MaxRetries:   5,
		RetryDelay:   15 * time.Second,
		ActiveDelay:  2 * time.Second,
		IdleDelay:    5 * time.Second,
	}
}

// withDefaults fills in invalid values. Zero delays and zero retries are
// valid settings and are kept.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.PageSizeUnit <= 0 {
		c.PageSizeUnit = def.PageSizeUnit
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = def.MaxRetries
	}
	if c.RetryDelay < 0 {
		c.RetryDelay = def.RetryDelay
	}
	if c.ActiveDelay < 0 {
		c.ActiveDelay = def.ActiveDelay
	}
	if c.IdleDelay < 0 {
		c.IdleDelay = def.IdleDelay
	}
	if c.StartOffset < 0 {
		c.StartOffset = 0
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}
