package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/brainless/datastorer/internal/config"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitConfig(t *testing.T) {
	testConfigPath := filepath.Join(t.TempDir(), ".datastorer_test")
	t.Setenv("DATASTORER_CONFIG_PATH", testConfigPath)
	t.Setenv("DATASTORER_SITE_URL", "http://catalog.example.org")

	// Reset viper for clean state
	viper.Reset()

	// No config file exists, should create default
	err := config.InitConfig()
	require.NoError(t, err)
	assert.Equal(t, "http://catalog.example.org", config.AppConfig.SiteURL)
	assert.Equal(t, int64(50000000), config.AppConfig.MaxContentLength)
	assert.Equal(t, 168, config.AppConfig.RetryMax)
	assert.Equal(t, time.Hour, config.AppConfig.RetryDelay)
	assert.True(t, config.AppConfig.StrictTypes)
	assert.Contains(t, config.AppConfig.DataFormats, "text/csv")
	assert.True(t, fileExists(filepath.Join(testConfigPath, "config.json")))
	assert.True(t, dirExists(config.AppConfig.StoragePath))
}

func TestInitConfig_ReadsExistingFile(t *testing.T) {
	testConfigPath := t.TempDir()
	t.Setenv("DATASTORER_CONFIG_PATH", testConfigPath)
	viper.Reset()

	storage := filepath.Join(testConfigPath, "custom_data")
	body := `{"site_url": "https://data.example.org/", "store": "sqlite", "storage_path": "` + storage + `", "workers": 2}`
	require.NoError(t, os.WriteFile(filepath.Join(testConfigPath, "config.json"), []byte(body), 0644))

	err := config.InitConfig()
	require.NoError(t, err)
	assert.Equal(t, "sqlite", config.AppConfig.Store)
	assert.Equal(t, 2, config.AppConfig.Workers)
	assert.Equal(t, "https://data.example.org", config.AppConfig.StoreURL())
	assert.True(t, dirExists(storage))
}

func TestInitConfig_MissingSiteURL(t *testing.T) {
	t.Setenv("DATASTORER_CONFIG_PATH", t.TempDir())
	viper.Reset()

	err := config.InitConfig()
	assert.ErrorIs(t, err, config.ErrSiteURLMissing)
}

func TestSetSiteURL(t *testing.T) {
	testConfigPath := t.TempDir()
	t.Setenv("DATASTORER_CONFIG_PATH", testConfigPath)
	viper.Reset()

	require.ErrorIs(t, config.InitConfig(), config.ErrSiteURLMissing)

	assert.Error(t, config.SetSiteURL("not a url"))
	require.NoError(t, config.SetSiteURL(" https://data.example.org "))
	assert.Equal(t, "https://data.example.org", config.AppConfig.SiteURL)

	viper.Reset()
	require.NoError(t, config.InitConfig())
	assert.Equal(t, "https://data.example.org", config.AppConfig.SiteURL)
}

func TestValidate(t *testing.T) {
	base := config.Config{
		SiteURL:          "http://localhost:5000",
		MaxContentLength: 10,
		Store:            "http",
		Workers:          1,
	}
	assert.NoError(t, base.Validate())

	bad := base
	bad.Store = "mongo"
	assert.Error(t, bad.Validate())

	bad = base
	bad.SiteURL = "not a url"
	assert.Error(t, bad.Validate())

	withStore := base
	withStore.DatastoreURL = "http://store:8800/"
	assert.Equal(t, "http://store:8800", withStore.StoreURL())
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return !os.IsNotExist(err) && !info.IsDir()
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return !os.IsNotExist(err) && info.IsDir()
}
