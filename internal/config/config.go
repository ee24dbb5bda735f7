// Package config loads rexmon configuration from defaults, an optional YAML
// file, REXMON_* environment variables and command-line flags (in increasing
// order of precedence) and converts it into the per-package configs.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/3leaps/rexmon/pkg/jobcache"
	"github.com/3leaps/rexmon/pkg/logarchive"
	"github.com/3leaps/rexmon/pkg/remote/rest"
	"github.com/3leaps/rexmon/pkg/runregistry"
	"github.com/3leaps/rexmon/pkg/tail"
	"github.com/3leaps/rexmon/pkg/waiter"
)

// EnvPrefix is the prefix of every environment override.
const EnvPrefix = "REXMON"

var (
	// ErrNoInstance indicates no instance was named and none is configured
	// as the default.
	ErrNoInstance = errors.New("no instance selected")

	// ErrUnknownInstance indicates the named instance is not configured.
	ErrUnknownInstance = errors.New("unknown instance")
)

// Config is the decoded configuration tree.
type Config struct {
	Logging         LoggingConfig             `mapstructure:"logging"`
	Instances       map[string]InstanceConfig `mapstructure:"instances"`
	DefaultInstance string                    `mapstructure:"default_instance"`
	Tail            TailConfig                `mapstructure:"tail"`
	Wait            WaitConfig                `mapstructure:"wait"`
	Cache           CacheConfig               `mapstructure:"cache"`
	Archive         ArchiveConfig             `mapstructure:"archive"`
	Registry        RegistryConfig            `mapstructure:"registry"`
}

type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Profile string `mapstructure:"profile"`
}

// InstanceConfig describes one remote job-execution service.
type InstanceConfig struct {
	URL        string        `mapstructure:"url"`
	Token      string        `mapstructure:"token"`
	APIVersion int           `mapstructure:"api_version"`
	RateLimit  float64       `mapstructure:"rate_limit"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// TailConfig holds the log poller settings. Delays are milliseconds.
type TailConfig struct {
	PageSizeUnit  int `mapstructure:"page_size_unit"`
	MaxRetries    int `mapstructure:"max_retries"`
	RetryDelayMS  int `mapstructure:"retry_delay_ms"`
	ActiveDelayMS int `mapstructure:"active_delay_ms"`
	IdleDelayMS   int `mapstructure:"idle_delay_ms"`
}

type WaitConfig struct {
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	AbortTimeout   time.Duration `mapstructure:"abort_timeout"`
	TailLogs       bool          `mapstructure:"tail_logs"`
	FailOnUnstable bool          `mapstructure:"fail_on_unstable"`
}

type CacheConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	TTLMinutes      int           `mapstructure:"ttl_minutes"`
	MaxEntries      int           `mapstructure:"max_entries"`
	StatsEveryNHits int           `mapstructure:"stats_every_n_hits"`
	InstanceIdle    time.Duration `mapstructure:"instance_idle"`
}

// ArchiveConfig configures log archiving. Archiving happens for runs
// started with --archive, or for every run when Enabled is set.
type ArchiveConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Kind    string   `mapstructure:"kind"`
	Prefix  string   `mapstructure:"prefix"`
	Dir     string   `mapstructure:"dir"`
	S3      S3Config `mapstructure:"s3"`
}

type S3Config struct {
	Bucket          string `mapstructure:"bucket"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	Profile         string `mapstructure:"profile"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `mapstructure:"force_path_style"`
}

type RegistryConfig struct {
	// Dir is the run registry root. Empty means the app data directory.
	Dir string `mapstructure:"dir"`
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "console")

	v.SetDefault("default_instance", "")

	v.SetDefault("tail.page_size_unit", 50)
	v.SetDefault("tail.max_retries", 5)
	v.SetDefault("tail.retry_delay_ms", 15000)
	v.SetDefault("tail.active_delay_ms", 2000)
	v.SetDefault("tail.idle_delay_ms", 5000)

	v.SetDefault("wait.poll_interval", "5s")
	v.SetDefault("wait.abort_timeout", "30s")
	v.SetDefault("wait.tail_logs", false)
	v.SetDefault("wait.fail_on_unstable", false)

	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.ttl_minutes", 60)
	v.SetDefault("cache.max_entries", 500)
	v.SetDefault("cache.stats_every_n_hits", 0)
	v.SetDefault("cache.instance_idle", "24h")

	v.SetDefault("archive.enabled", false)
	v.SetDefault("archive.kind", logarchive.KindFile)
	v.SetDefault("archive.prefix", "")
	v.SetDefault("archive.dir", "")
	v.SetDefault("archive.s3.bucket", "")
	v.SetDefault("archive.s3.region", "")
	v.SetDefault("archive.s3.endpoint", "")
	v.SetDefault("archive.s3.profile", "")
	v.SetDefault("archive.s3.force_path_style", false)

	v.SetDefault("registry.dir", "")
}

// BindEnv enables REXMON_* overrides: "tail.max_retries" is read from
// REXMON_TAIL_MAX_RETRIES.
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// DefaultConfigPaths returns the directories searched for config.yaml.
func DefaultConfigPaths() []string {
	var paths []string
	if dir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(dir, runregistry.AppName))
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", runregistry.AppName))
	}
	return append(paths, ".")
}

// Load decodes and validates the configuration held by v.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ValidationError reports an out-of-range setting.
type ValidationError struct {
	Key     string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid config %s: %s", e.Key, e.Message)
}

// IsValidationError reports whether err is a *ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Validate checks ranges and cross-field constraints.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Logging.Profile) {
	case "", "console", "structured":
	default:
		return &ValidationError{Key: "logging.profile", Message: "must be console or structured"}
	}
	if _, err := zap.ParseAtomicLevel(c.Logging.Level); c.Logging.Level != "" && err != nil {
		return &ValidationError{Key: "logging.level", Message: err.Error()}
	}

	for _, name := range c.InstanceNames() {
		inst := c.Instances[name]
		key := "instances." + name
		u, err := url.Parse(inst.URL)
		if inst.URL == "" || err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return &ValidationError{Key: key + ".url", Message: "must be an absolute http(s) URL"}
		}
		if inst.APIVersion < 0 {
			return &ValidationError{Key: key + ".api_version", Message: "must be >= 0"}
		}
		if inst.RateLimit < 0 {
			return &ValidationError{Key: key + ".rate_limit", Message: "must be >= 0"}
		}
		if inst.Timeout < 0 {
			return &ValidationError{Key: key + ".timeout", Message: "must be >= 0"}
		}
	}
	if c.DefaultInstance != "" && len(c.Instances) > 0 {
		if _, ok := c.Instances[c.DefaultInstance]; !ok {
			return &ValidationError{Key: "default_instance", Message: fmt.Sprintf("%q is not a configured instance", c.DefaultInstance)}
		}
	}

	if c.Tail.PageSizeUnit < 1 {
		return &ValidationError{Key: "tail.page_size_unit", Message: "must be >= 1"}
	}
	if c.Tail.MaxRetries < 0 {
		return &ValidationError{Key: "tail.max_retries", Message: "must be >= 0"}
	}
	if c.Tail.RetryDelayMS < 0 || c.Tail.ActiveDelayMS < 0 || c.Tail.IdleDelayMS < 0 {
		return &ValidationError{Key: "tail", Message: "delays must be >= 0"}
	}

	if c.Wait.PollInterval <= 0 {
		return &ValidationError{Key: "wait.poll_interval", Message: "must be > 0"}
	}
	if c.Wait.AbortTimeout <= 0 {
		return &ValidationError{Key: "wait.abort_timeout", Message: "must be > 0"}
	}

	if c.Cache.TTLMinutes < 1 {
		return &ValidationError{Key: "cache.ttl_minutes", Message: "must be >= 1"}
	}
	if c.Cache.MaxEntries < 1 {
		return &ValidationError{Key: "cache.max_entries", Message: "must be >= 1"}
	}
	if c.Cache.StatsEveryNHits < 0 {
		return &ValidationError{Key: "cache.stats_every_n_hits", Message: "must be >= 0"}
	}

	switch strings.ToLower(c.Archive.Kind) {
	case "", logarchive.KindFile, logarchive.KindS3:
	default:
		return &ValidationError{Key: "archive.kind", Message: "must be file or s3"}
	}
	return nil
}

// InstanceNames returns the configured instance names, sorted.
func (c *Config) InstanceNames() []string {
	names := make([]string, 0, len(c.Instances))
	for name := range c.Instances {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Instance selects an instance by name. An empty name selects
// DefaultInstance, or the only configured instance when there is one.
func (c *Config) Instance(name string) (string, InstanceConfig, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		name = c.DefaultInstance
	}
	if name == "" && len(c.Instances) == 1 {
		name = c.InstanceNames()[0]
	}
	if name == "" {
		return "", InstanceConfig{}, ErrNoInstance
	}
	inst, ok := c.Instances[name]
	if !ok {
		return "", InstanceConfig{}, fmt.Errorf("%w: %s", ErrUnknownInstance, name)
	}
	return name, inst, nil
}

// RESTConfig converts the instance settings.
func (i InstanceConfig) RESTConfig(log *zap.Logger) rest.Config {
	return rest.Config{
		BaseURL:    i.URL,
		Token:      i.Token,
		APIVersion: i.APIVersion,
		RateLimit:  i.RateLimit,
		Timeout:    i.Timeout,
		Logger:     log,
	}
}

// PollerConfig converts the tail settings.
func (t TailConfig) PollerConfig(log *zap.Logger) tail.Config {
	return tail.Config{
		PageSizeUnit: t.PageSizeUnit,
		MaxRetries:   t.MaxRetries,
		RetryDelay:   time.Duration(t.RetryDelayMS) * time.Millisecond,
		ActiveDelay:  time.Duration(t.ActiveDelayMS) * time.Millisecond,
		IdleDelay:    time.Duration(t.IdleDelayMS) * time.Millisecond,
		Logger:       log,
	}
}

// WaiterConfig converts the wait and tail settings.
func (c *Config) WaiterConfig(log *zap.Logger) waiter.Config {
	return waiter.Config{
		PollInterval: c.Wait.PollInterval,
		AbortTimeout: c.Wait.AbortTimeout,
		Tail:         c.Tail.PollerConfig(log),
		Logger:       log,
	}
}

// ResolverConfig converts the cache settings.
func (cc CacheConfig) ResolverConfig(log *zap.Logger) jobcache.Config {
	return jobcache.Config{
		Enabled:         cc.Enabled,
		TTL:             time.Duration(cc.TTLMinutes) * time.Minute,
		MaxEntries:      cc.MaxEntries,
		InstanceIdle:    cc.InstanceIdle,
		StatsEveryNHits: cc.StatsEveryNHits,
		Logger:          log,
	}
}

// SinkConfig converts the archive settings. An empty file-sink directory
// falls back to <app data dir>/archive.
func (a ArchiveConfig) SinkConfig() logarchive.Config {
	dir := a.Dir
	if dir == "" && a.Kind != logarchive.KindS3 {
		dir = filepath.Join(filepath.Dir(runregistry.DefaultRoot()), "archive")
	}
	return logarchive.Config{
		Kind:   a.Kind,
		Prefix: a.Prefix,
		Dir:    dir,
		S3: logarchive.S3Config{
			Bucket:          a.S3.Bucket,
			Region:          a.S3.Region,
			Endpoint:        a.S3.Endpoint,
			Profile:         a.S3.Profile,
			AccessKeyID:     a.S3.AccessKeyID,
			SecretAccessKey: a.S3.SecretAccessKey,
			ForcePathStyle:  a.S3.ForcePathStyle,
		},
	}
}

// RegistryDir returns the run registry root.
func (r RegistryConfig) RegistryDir() string {
	if r.Dir != "" {
		return r.Dir
	}
	return runregistry.DefaultRoot()
}
