// Package config loads and validates the publish configuration file.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultFileNames are searched in order in the project root.
var DefaultFileNames = []string{".packship.yaml", ".packship.yml", "packship.yaml"}

// DryRunMode controls when the workflow simulates before publishing.
type DryRunMode string

const (
	// DryRunFirst simulates on fresh runs and skips it on resume.
	DryRunFirst  DryRunMode = "first"
	DryRunAlways DryRunMode = "always"
	DryRunNever  DryRunMode = "never"
)

// Config is the root of the configuration file.
type Config struct {
	Version    string                     `yaml:"version"`
	Registries map[string]RegistryOptions `yaml:"registries"`
	Publish    PublishPolicy              `yaml:"publish"`
	Security   Security                   `yaml:"security"`
	Hooks      Hooks                      `yaml:"hooks"`
	Plugins    []PluginRef                `yaml:"plugins"`
}

// RegistryOptions are per-registry publish knobs.
type RegistryOptions struct {
	Enabled *bool  `yaml:"enabled"`
	Tag     string `yaml:"tag"`
	Access  string `yaml:"access"`
	// Tap names the Homebrew tap repository, owner/name form.
	Tap string `yaml:"tap"`
}

// EnabledOrDefault treats an absent enabled key as enabled.
func (r RegistryOptions) EnabledOrDefault() bool {
	return r.Enabled == nil || *r.Enabled
}

// PublishPolicy shapes the workflow itself.
type PublishPolicy struct {
	DryRun      DryRunMode  `yaml:"dryRun"`
	Confirm     *bool       `yaml:"confirm"`
	Verify      *bool       `yaml:"verify"`
	Interactive *bool       `yaml:"interactive"`
	Retry       RetryPolicy `yaml:"retry"`
}

// RetryPolicy overrides the publish retry defaults.
type RetryPolicy struct {
	MaxAttempts    int      `yaml:"maxAttempts"`
	InitialDelayMS int      `yaml:"initialDelayMs"`
	MaxDelayMS     int      `yaml:"maxDelayMs"`
	ExtraPatterns  []string `yaml:"retryablePatterns"`
}

// Security configures the pre-publish secrets scan.
type Security struct {
	SecretsScanning SecretsScanning `yaml:"secretsScanning"`
}

// SecretsScanning options.
type SecretsScanning struct {
	Enabled        *bool    `yaml:"enabled"`
	IgnorePatterns []string `yaml:"ignorePatterns"`
}

// EnabledOrDefault treats an absent enabled key as enabled.
func (s SecretsScanning) EnabledOrDefault() bool {
	return s.Enabled == nil || *s.Enabled
}

// Hooks groups lifecycle hook commands by phase.
type Hooks struct {
	PreBuild    []Hook `yaml:"preBuild"`
	PrePublish  []Hook `yaml:"prePublish"`
	PostPublish []Hook `yaml:"postPublish"`
	OnError     []Hook `yaml:"onError"`
}

// Hook is one configured hook command.
type Hook struct {
	Command          string   `yaml:"command"`
	AllowedCommands  []string `yaml:"allowedCommands"`
	Timeout          int      `yaml:"timeout"`
	WorkingDirectory string   `yaml:"workingDirectory"`
}

// PluginRef points at a custom registry definition file.
type PluginRef struct {
	Path string `yaml:"path"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Version: "1",
		Publish: PublishPolicy{DryRun: DryRunFirst},
	}
}

// Load reads and parses the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// Discover loads the first default config file found in projectPath,
// falling back to Default when none exists.
func Discover(projectPath string) (*Config, string, error) {
	for _, name := range DefaultFileNames {
		path := filepath.Join(projectPath, name)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		cfg, err := Load(path)
		if err != nil {
			return nil, path, err
		}
		return cfg, path, nil
	}
	return Default(), "", nil
}

func (c *Config) applyDefaults() {
	if c.Version == "" {
		c.Version = "1"
	}
	if c.Publish.DryRun == "" {
		c.Publish.DryRun = DryRunFirst
	}
}
