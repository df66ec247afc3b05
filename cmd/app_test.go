package main

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brainless/datastorer/internal/config"
	"github.com/brainless/datastorer/internal/jobs"
)

func testConfig(t *testing.T) config.Config {
	return config.Config{
		SiteURL:     "http://catalog.example.org",
		APIKey:      "secret-key",
		Store:       "sqlite",
		StoragePath: t.TempDir(),
		DataFormats: []string{"csv", "xls"},
		Workers:     1,
		RetryMax:    2,
		RetryDelay:  time.Minute,
	}
}

func TestShowConfigMasksAPIKey(t *testing.T) {
	var out bytes.Buffer
	showConfig(&out, testConfig(t))

	assert.Contains(t, out.String(), "http://catalog.example.org")
	assert.Contains(t, out.String(), "csv, xls")
	assert.Contains(t, out.String(), "(set)")
	assert.NotContains(t, out.String(), "secret-key")
}

func TestDatasetArg(t *testing.T) {
	assert.Equal(t, "", datasetArg(nil))
	assert.Equal(t, "weather", datasetArg([]string{"weather"}))
}

func TestListAndCleanupJobs(t *testing.T) {
	cfg := testConfig(t)

	registry := jobs.NewRegistry()
	require.NoError(t, registry.Register("datastorer.upload", func(ctx context.Context, task jobs.Task, progress jobs.ProgressCallback) error {
		return nil
	}))
	manager, err := newJobManager(cfg, registry)
	require.NoError(t, err)

	id, err := manager.SubmitTask("datastorer.upload", []byte(`{}`), []byte(`{"id":"res-1"}`))
	require.NoError(t, err)
	require.NoError(t, manager.CancelJob(id))
	require.NoError(t, manager.Stop())

	manager, err = openJobManager(cfg)
	require.NoError(t, err)
	defer manager.Stop()

	var out bytes.Buffer
	require.NoError(t, listJobs(&out, manager, "cancelled", "", 10))
	assert.Contains(t, out.String(), id)
	assert.Contains(t, out.String(), "res-1")

	out.Reset()
	require.NoError(t, listJobs(&out, manager, "failed", "", 10))
	assert.NotContains(t, out.String(), id)

	removed, err := cleanupJobs(manager, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, removed)

	removed, err = cleanupJobs(manager, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}

func TestIsConfigCommand(t *testing.T) {
	root := newRootCmd()

	setSiteURL, _, err := root.Find([]string{"config", "set-site-url"})
	require.NoError(t, err)
	assert.True(t, isConfigCommand(setSiteURL))

	update, _, err := root.Find([]string{"update"})
	require.NoError(t, err)
	assert.False(t, isConfigCommand(update))
}
