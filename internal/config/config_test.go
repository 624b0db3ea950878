package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"confex/internal/errors"
)

func validConfig() Config {
	cfg := Default()
	cfg.Confluence.BaseURL = "https://wiki.example.com"
	cfg.Confluence.Token = "secret"
	cfg.Export.SpaceKey = "DOCS"
	cfg.Export.OutputDir = "/tmp/out"
	return cfg
}

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 5, cfg.Export.Concurrency)
	assert.Equal(t, 10, cfg.Export.MaxPhases)
	assert.Equal(t, 10000, cfg.Queue.MaxQueueSize)
	assert.Equal(t, 25, cfg.Queue.PersistenceThreshold)
	assert.True(t, cfg.Discovery.EnableMacroChildren)
	assert.False(t, cfg.Failures.AllowFailures)
	assert.True(t, cfg.Resume.Resume)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "confex.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
confluence:
  base_url: https://wiki.internal
  token: tok
export:
  space_key: ENG
  output_dir: ./out
  concurrency: 8
discovery:
  enable_mention_discovery: false
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://wiki.internal", cfg.Confluence.BaseURL)
	assert.Equal(t, 8, cfg.Export.Concurrency)
	assert.False(t, cfg.Discovery.EnableMentionDiscovery)
	// Untouched sections keep defaults.
	assert.True(t, cfg.Discovery.EnableMacroChildren)
	assert.Equal(t, 10000, cfg.Queue.MaxQueueSize)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CONFLUENCE_BASE_URL", "https://env.example.com")
	t.Setenv("CONFLUENCE_TOKEN", "env-token")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "https://env.example.com", cfg.Confluence.BaseURL)
	assert.Equal(t, "env-token", cfg.Confluence.Token)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	var cfgErr *errors.ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"missing base url", func(c *Config) { c.Confluence.BaseURL = "" }, "confluence.base_url"},
		{"relative base url", func(c *Config) { c.Confluence.BaseURL = "wiki.example.com" }, "confluence.base_url"},
		{"no credentials", func(c *Config) { c.Confluence.Token = "" }, "confluence.token"},
		{"missing space", func(c *Config) { c.Export.SpaceKey = "" }, "export.space_key"},
		{"missing output", func(c *Config) { c.Export.OutputDir = "" }, "export.output_dir"},
		{"zero concurrency", func(c *Config) { c.Export.Concurrency = 0 }, "export.concurrency"},
		{"huge concurrency", func(c *Config) { c.Export.Concurrency = 100 }, "export.concurrency"},
		{"negative limit", func(c *Config) { c.Export.Limit = -1 }, "export.limit"},
		{"bad percent", func(c *Config) { c.Failures.AttachmentPercentThreshold = 150 }, "failures.attachment_percent_threshold"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(&cfg)

			err := cfg.Validate()
			require.Error(t, err)
			var cfgErr *errors.ConfigError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tc.field, cfgErr.Field)
		})
	}

	cfg := validConfig()
	assert.NoError(t, cfg.Validate())

	// Basic auth without a token is acceptable.
	cfg.Confluence.Token = ""
	cfg.Confluence.Username = "u"
	cfg.Confluence.Password = "p"
	assert.NoError(t, cfg.Validate())
}
