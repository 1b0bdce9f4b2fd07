// Package configuration holds the build tool's configuration, provided by a
// YAML file and flags. Field names never include underscores so they stay
// usable as environment variable suffixes.
package configuration

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v2"

	"github.com/anvilbuild/anvil/hashing"
)

// Configuration is the top-level configuration document.
type Configuration struct {
	// Version defines the format of the rest of the configuration.
	Version int `yaml:"version"`

	// Log configures the logging subsystem.
	Log Log `yaml:"log,omitempty"`

	// BuildRoot is the directory all storage lives under. Empty means
	// the per-user default below the cache directory.
	BuildRoot string `yaml:"buildroot,omitempty"`

	// HashFamily selects native ("git-sha1" or "native") or compatible
	// ("compatible-sha256" or "compatible") hashing. The default is native.
	HashFamily string `yaml:"hashfamily,omitempty"`

	// Generations is the number of CAS generations kept across garbage
	// collections.
	Generations int `yaml:"generations,omitempty"`

	// Jobs bounds build parallelism.
	Jobs int `yaml:"jobs,omitempty"`

	// Launcher is prepended to every locally executed command line.
	Launcher []string `yaml:"launcher,omitempty,flow"`

	// TimeoutSeconds is the unscaled action timeout.
	TimeoutSeconds int `yaml:"timeoutseconds,omitempty"`

	// Properties are the base platform properties of every action.
	Properties map[string]string `yaml:"properties,omitempty"`

	// Remote configures the default remote execution endpoint; an empty
	// address means local execution.
	Remote Remote `yaml:"remote,omitempty"`

	// Retry tunes the remote retry policy.
	Retry Retry `yaml:"retry,omitempty"`

	// Dispatch lists alternative-endpoint rules, first match wins.
	Dispatch []Dispatch `yaml:"dispatch,omitempty"`
}

// Log supports setting various parameters related to the logging subsystem.
type Log struct {
	// Level is the granularity at which operations are logged.
	Level string `yaml:"level,omitempty"`

	// Formatter overrides the format of the log output. Valid values are
	// "text" and "json".
	Formatter string `yaml:"formatter,omitempty"`
}

// Remote describes a remote execution endpoint.
type Remote struct {
	Address  string `yaml:"address,omitempty"`
	Instance string `yaml:"instance,omitempty"`

	// TLS material; all empty means plaintext.
	CACert     string `yaml:"cacert,omitempty"`
	ClientCert string `yaml:"clientcert,omitempty"`
	ClientKey  string `yaml:"clientkey,omitempty"`
}

// Retry is truncated exponential backoff for transient remote failures.
type Retry struct {
	MaxAttempts           int `yaml:"maxattempts,omitempty"`
	InitialBackoffSeconds int `yaml:"initialbackoffseconds,omitempty"`
	MaxBackoffSeconds     int `yaml:"maxbackoffseconds,omitempty"`
}

// Dispatch sends actions whose effective platform properties contain every
// listed property to an alternative endpoint.
type Dispatch struct {
	Properties map[string]string `yaml:"properties"`
	Endpoint   string            `yaml:"endpoint"`
}

// CurrentVersion is the configuration format this build understands.
const CurrentVersion = 1

// Default returns the configuration used when no file is given. The build
// root derives from the process user's home directory.
func Default() *Configuration {
	root := ""
	if home, err := os.UserHomeDir(); err == nil {
		root = filepath.Join(home, ".cache", "anvil")
	}
	return &Configuration{
		Version:   CurrentVersion,
		BuildRoot: root,
		Log:       Log{Level: "info", Formatter: "text"},
	}
}

// Parse reads a configuration document and validates it.
func Parse(rd io.Reader) (*Configuration, error) {
	in, err := io.ReadAll(rd)
	if err != nil {
		return nil, err
	}
	config := Default()
	if err := yaml.UnmarshalStrict(in, config); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks field coherence beyond what YAML can express.
func (c *Configuration) Validate() error {
	if c.Version != CurrentVersion {
		return fmt.Errorf("unsupported configuration version %d", c.Version)
	}
	if c.HashFamily != "" {
		if _, err := hashing.ParseType(c.HashFamily); err != nil {
			return err
		}
	}
	if c.Generations < 0 {
		return fmt.Errorf("generations must not be negative, got %d", c.Generations)
	}
	for i, rule := range c.Dispatch {
		if rule.Endpoint == "" {
			return fmt.Errorf("dispatch rule %d: endpoint missing", i)
		}
	}
	if (c.Remote.ClientCert == "") != (c.Remote.ClientKey == "") {
		return fmt.Errorf("client certificate and key must be configured together")
	}
	return nil
}

// HashType resolves the configured family.
func (c *Configuration) HashType() hashing.Type {
	if c.HashFamily == "" {
		return hashing.TypeNative
	}
	t, _ := hashing.ParseType(c.HashFamily)
	return t
}
