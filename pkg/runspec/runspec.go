// Package runspec loads trigger request files.
//
// A request file names the job to run and how to run it:
//
//	version: "1.0"
//	job: ops:deploy/restart
//	instance: prod
//	options:
//	  env: production
//	node_filters:
//	  tags: web
//	tail_logs: true
//
// Command-line flags override values from the file.
package runspec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/3leaps/rexmon/pkg/jobcache"
)

// CurrentVersion is the request file format version.
const CurrentVersion = "1.0"

// Spec is a trigger request.
type Spec struct {
	Version  string `yaml:"version,omitempty" json:"version,omitempty"`
	Job      string `yaml:"job" json:"job"`
	Instance string `yaml:"instance,omitempty" json:"instance,omitempty"`

	Options     map[string]string `yaml:"options,omitempty" json:"options,omitempty"`
	NodeFilters map[string]string `yaml:"node_filters,omitempty" json:"node_filters,omitempty"`

	// Unset pointers defer to configuration.
	TailLogs       *bool `yaml:"tail_logs,omitempty" json:"tail_logs,omitempty"`
	FailOnUnstable *bool `yaml:"fail_on_unstable,omitempty" json:"fail_on_unstable,omitempty"`
	Archive        *bool `yaml:"archive,omitempty" json:"archive,omitempty"`
}

// ValidationError reports an invalid request file field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return "runspec: " + e.Field + ": " + e.Message
}

// Load reads and validates a request file.
//
// The format is chosen by extension: .yaml/.yml for YAML, .json for JSON.
// Other extensions try YAML first, then JSON.
func Load(path string) (*Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("request file not found: %s", path)
		}
		if os.IsPermission(err) {
			return nil, fmt.Errorf("permission denied reading request file: %s", path)
		}
		return nil, fmt.Errorf("failed to read request file: %w", err)
	}
	return LoadFromBytes(data, path)
}

// LoadFromReader reads and validates a request from r.
func LoadFromReader(r io.Reader, path string) (*Spec, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read request: %w", err)
	}
	return LoadFromBytes(data, path)
}

// LoadFromBytes parses and validates a request. Unknown fields are
// rejected.
func LoadFromBytes(data []byte, path string) (*Spec, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errors.New("request file is empty")
	}

	spec, err := parse(data, path)
	if err != nil {
		return nil, err
	}
	if spec.Version == "" {
		spec.Version = CurrentVersion
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return spec, nil
}

// Validate checks the request.
func (s *Spec) Validate() error {
	if s.Version != CurrentVersion {
		return &ValidationError{Field: "version", Message: fmt.Sprintf("unsupported version %q (want %q)", s.Version, CurrentVersion)}
	}
	if strings.TrimSpace(s.Job) == "" {
		return &ValidationError{Field: "job", Message: "job is required"}
	}
	if _, err := jobcache.ParseIdentifier(s.Job); err != nil {
		return &ValidationError{Field: "job", Message: err.Error()}
	}
	for k := range s.Options {
		if strings.TrimSpace(k) == "" {
			return &ValidationError{Field: "options", Message: "option names must not be empty"}
		}
	}
	for k := range s.NodeFilters {
		if strings.TrimSpace(k) == "" {
			return &ValidationError{Field: "node_filters", Message: "filter names must not be empty"}
		}
	}
	return nil
}

func parse(data []byte, path string) (*Spec, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return parseJSON(data)
	case ".yaml", ".yml":
		return parseYAML(data)
	default:
		spec, yamlErr := parseYAML(data)
		if yamlErr == nil {
			return spec, nil
		}
		if spec, jsonErr := parseJSON(data); jsonErr == nil {
			return spec, nil
		}
		return nil, fmt.Errorf("failed to parse request (tried YAML and JSON): %w", yamlErr)
	}
}

func parseJSON(data []byte) (*Spec, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var spec Spec
	if err := dec.Decode(&spec); err != nil {
		return nil, fmt.Errorf("invalid JSON in request: %w", err)
	}
	return &spec, nil
}

func parseYAML(data []byte) (*Spec, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var spec Spec
	if err := dec.Decode(&spec); err != nil {
		return nil, fmt.Errorf("invalid YAML in request: %w", err)
	}
	return &spec, nil
}

// ParseKeyValues parses repeated key=value arguments. Later pairs win.
func ParseKeyValues(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid key=value pair %q", p)
		}
		out[k] = v
	}
	return out, nil
}

// MergeMaps returns base overlaid with override. Neither input is
// modified.
func MergeMaps(base, override map[string]string) map[string]string {
	if len(base) == 0 && len(override) == 0 {
		return nil
	}
	out := make(map[string]string, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}
