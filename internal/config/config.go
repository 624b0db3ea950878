// Package config holds the exporter's layered configuration: defaults,
// optional YAML file, environment overrides, then CLI flags applied by the
// command layer. Validation failures map to the invalid-configuration exit
// code.
package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"confex/internal/errors"
)

// Config is the full exporter configuration.
type Config struct {
	Confluence ConfluenceConfig `yaml:"confluence"`
	Export     ExportConfig     `yaml:"export"`
	Queue      QueueConfig      `yaml:"queue"`
	Discovery  DiscoveryConfig  `yaml:"discovery"`
	Failures   FailuresConfig   `yaml:"failures"`
	Resume     ResumeConfig     `yaml:"resume"`
}

// ConfluenceConfig is the wiki connection section.
type ConfluenceConfig struct {
	BaseURL        string `yaml:"base_url"`
	Token          string `yaml:"token"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	MaxBodyBytes   int64  `yaml:"max_body_bytes"`
}

// Timeout returns the request timeout as a duration.
func (c ConfluenceConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// ExportConfig is the run shape section.
type ExportConfig struct {
	SpaceKey                string `yaml:"space_key"`
	OutputDir               string `yaml:"output_dir"`
	RootPageID              string `yaml:"root_page_id"`
	Limit                   int    `yaml:"limit"`
	Concurrency             int    `yaml:"concurrency"`
	MaxPhases               int    `yaml:"max_phases"`
	SnapshotIntervalSeconds int    `yaml:"snapshot_interval_seconds"`
	GracefulDrainSeconds    int    `yaml:"graceful_drain_seconds"`
	Fresh                   bool   `yaml:"fresh"`
	ForceFull               bool   `yaml:"force_full"`
	ContentHashCheck        bool   `yaml:"content_hash_check"`
}

// QueueConfig bounds the download queue.
type QueueConfig struct {
	MaxQueueSize         int `yaml:"max_queue_size"`
	PersistenceThreshold int `yaml:"persistence_threshold"`
}

// DiscoveryConfig toggles the discovery rules.
type DiscoveryConfig struct {
	EnableMacroChildren    bool `yaml:"enable_macro_children"`
	EnableInclude          bool `yaml:"enable_include"`
	EnableMentionDiscovery bool `yaml:"enable_mention_discovery"`
	EnableProfileDiscovery bool `yaml:"enable_profile_discovery"`
	MaxUsersPerPage        int  `yaml:"max_users_per_page"`
}

// FailuresConfig feeds the failure governor.
type FailuresConfig struct {
	AllowFailures              bool    `yaml:"allow_failures"`
	PageThreshold              int     `yaml:"page_threshold"`
	AttachmentThreshold        int     `yaml:"attachment_threshold"`
	AttachmentPercentThreshold float64 `yaml:"attachment_percent_threshold"`
	RestrictedAllowed          bool    `yaml:"restricted_allowed"`
}

// ResumeConfig drives startup recovery.
type ResumeConfig struct {
	Resume         bool `yaml:"resume"`
	AllowCorrupted bool `yaml:"allow_corrupted"`
	UseBackup      bool `yaml:"use_backup"`
	ForceResume    bool `yaml:"force_resume"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		Confluence: ConfluenceConfig{
			TimeoutSeconds: 30,
			MaxBodyBytes:   20 << 20,
		},
		Export: ExportConfig{
			Concurrency:             5,
			MaxPhases:               10,
			SnapshotIntervalSeconds: 30,
			GracefulDrainSeconds:    10,
		},
		Queue: QueueConfig{
			MaxQueueSize:         10000,
			PersistenceThreshold: 25,
		},
		Discovery: DiscoveryConfig{
			EnableMacroChildren:    true,
			EnableInclude:          true,
			EnableMentionDiscovery: true,
			EnableProfileDiscovery: true,
			MaxUsersPerPage:        20,
		},
		Failures: FailuresConfig{
			AllowFailures:              false,
			PageThreshold:              10,
			AttachmentThreshold:        25,
			AttachmentPercentThreshold: 50,
			RestrictedAllowed:          true,
		},
		Resume: ResumeConfig{
			Resume: true,
		},
	}
}

// Load builds the configuration: defaults, then the YAML file when path is
// set, then environment variables.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, &errors.ConfigError{Field: "config file", Reason: err.Error()}
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, &errors.ConfigError{Field: "config file", Reason: fmt.Sprintf("parse %s: %v", path, err)}
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("CONFLUENCE_BASE_URL"); v != "" {
		c.Confluence.BaseURL = v
	}
	if v := os.Getenv("CONFLUENCE_TOKEN"); v != "" {
		c.Confluence.Token = v
	}
	if v := os.Getenv("CONFLUENCE_USERNAME"); v != "" {
		c.Confluence.Username = v
	}
	if v := os.Getenv("CONFLUENCE_PASSWORD"); v != "" {
		c.Confluence.Password = v
	}
}

// Validate checks the configuration. The returned error is a ConfigError so
// the command layer maps it to the invalid-configuration exit code.
func (c *Config) Validate() error {
	if c.Confluence.BaseURL == "" {
		return &errors.ConfigError{Field: "confluence.base_url", Reason: "required (or set CONFLUENCE_BASE_URL)"}
	}
	u, err := url.Parse(c.Confluence.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return &errors.ConfigError{Field: "confluence.base_url", Reason: "must be an absolute URL"}
	}
	if c.Confluence.Token == "" && (c.Confluence.Username == "" || c.Confluence.Password == "") {
		return &errors.ConfigError{Field: "confluence.token", Reason: "token or username/password required"}
	}
	if c.Export.SpaceKey == "" {
		return &errors.ConfigError{Field: "export.space_key", Reason: "required"}
	}
	if c.Export.OutputDir == "" {
		return &errors.ConfigError{Field: "export.output_dir", Reason: "required"}
	}
	if c.Export.Concurrency < 1 || c.Export.Concurrency > 64 {
		return &errors.ConfigError{Field: "export.concurrency", Reason: "must be between 1 and 64"}
	}
	if c.Export.Limit < 0 {
		return &errors.ConfigError{Field: "export.limit", Reason: "must not be negative"}
	}
	if c.Export.MaxPhases < 1 {
		return &errors.ConfigError{Field: "export.max_phases", Reason: "must be at least 1"}
	}
	if c.Queue.MaxQueueSize < 1 {
		return &errors.ConfigError{Field: "queue.max_queue_size", Reason: "must be at least 1"}
	}
	if c.Queue.PersistenceThreshold < 1 {
		return &errors.ConfigError{Field: "queue.persistence_threshold", Reason: "must be at least 1"}
	}
	if c.Failures.PageThreshold < 0 || c.Failures.AttachmentThreshold < 0 {
		return &errors.ConfigError{Field: "failures", Reason: "thresholds must not be negative"}
	}
	if c.Failures.AttachmentPercentThreshold < 0 || c.Failures.AttachmentPercentThreshold > 100 {
		return &errors.ConfigError{Field: "failures.attachment_percent_threshold", Reason: "must be between 0 and 100"}
	}
	if c.Discovery.MaxUsersPerPage < 0 {
		return &errors.ConfigError{Field: "discovery.max_users_per_page", Reason: "must not be negative"}
	}
	return nil
}
