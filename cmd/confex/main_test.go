package main

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"confex/internal/errors"
	"confex/internal/scheduler"
)

func TestExitCodeFor(t *testing.T) {
	assert.Equal(t, exitInvalidConfig, exitCodeFor(&errors.ConfigError{Field: "space", Reason: "required"}))
	assert.Equal(t, exitCorruption, exitCodeFor(&errors.CorruptionError{Path: "p", Reason: "checksum mismatch"}))
	assert.Equal(t, exitRunFailed, exitCodeFor(&scheduler.AbortError{Reason: "too many failures"}))
	assert.Equal(t, exitRunFailed, exitCodeFor(fmt.Errorf("network down")))
	assert.Equal(t, exitRunFailed, exitCodeFor(fmt.Errorf("wrapped: %w", &scheduler.AbortError{Reason: "x"})))
}

func TestBuildConfigFlagOverrides(t *testing.T) {
	t.Setenv("CONFLUENCE_BASE_URL", "https://wiki.example.com")
	t.Setenv("CONFLUENCE_TOKEN", "tok")

	cmd, v := newExportCmd()
	require := func(err error) {
		t.Helper()
		assert.NoError(t, err)
	}
	require(cmd.Flags().Set("space", "DOCS"))
	require(cmd.Flags().Set("output", t.TempDir()))
	require(cmd.Flags().Set("concurrency", "8"))
	require(cmd.Flags().Set("force-full", "true"))

	cfg, err := buildConfig(v)
	assert.NoError(t, err)
	assert.Equal(t, "DOCS", cfg.Export.SpaceKey)
	assert.Equal(t, 8, cfg.Export.Concurrency)
	assert.True(t, cfg.Export.ForceFull)
	assert.Equal(t, "https://wiki.example.com", cfg.Confluence.BaseURL)
}

func TestBuildConfigInvalid(t *testing.T) {
	t.Setenv("CONFLUENCE_BASE_URL", "")
	t.Setenv("CONFLUENCE_TOKEN", "")

	_, v := newExportCmd()
	_, err := buildConfig(v)
	assert.Equal(t, exitInvalidConfig, exitCodeFor(err))
}
