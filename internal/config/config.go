package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DefaultDataFormats lists the formats and MIME types accepted for download.
var DefaultDataFormats = []string{
	"csv",
	"tsv",
	"text/csv",
	"txt",
	"text/plain",
	"text/tsv",
	"text/tab-separated-values",
	"xls",
	"xlsx",
	"application/ms-excel",
	"application/vnd.ms-excel",
	"application/xls",
	"application/octet-stream",
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	"text/comma-separated-values",
}

// ErrSiteURLMissing is returned when no catalog site URL is configured.
var ErrSiteURLMissing = errors.New("site_url is not configured")

type Config struct {
	SiteURL          string        `mapstructure:"site_url"`
	APIKey           string        `mapstructure:"api_key"`
	DatastoreURL     string        `mapstructure:"datastore_url"`
	MaxContentLength int64         `mapstructure:"max_content_length"`
	DataFormats      []string      `mapstructure:"data_formats"`
	URLTimeout       time.Duration `mapstructure:"url_timeout"`
	StoreTimeout     time.Duration `mapstructure:"store_timeout"`
	StoreRateLimit   float64       `mapstructure:"store_rate_limit"`
	SampleSize       int           `mapstructure:"sample_size"`
	StrictTypes      bool          `mapstructure:"strict_types"`
	StoragePath      string        `mapstructure:"storage_path"`
	Store            string        `mapstructure:"store"`
	Workers          int           `mapstructure:"workers"`
	RetryMax         int           `mapstructure:"retry_max"`
	RetryDelay       time.Duration `mapstructure:"retry_delay"`
	JobTimeout       time.Duration `mapstructure:"job_timeout"`
	ListenAddr       string        `mapstructure:"listen_addr"`
}

var AppConfig Config

// configDir resolves the directory holding config.json.
func configDir() (string, error) {
	configPath := os.Getenv("DATASTORER_CONFIG_PATH")
	if configPath != "" {
		return configPath, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(homeDir, ".datastorer"), nil
}

func setDefaults(v *viper.Viper, configPath string) {
	v.SetDefault("site_url", "")
	v.SetDefault("api_key", "")
	v.SetDefault("datastore_url", "")
	v.SetDefault("max_content_length", int64(50000000))
	v.SetDefault("data_formats", DefaultDataFormats)
	v.SetDefault("url_timeout", 30*time.Second)
	v.SetDefault("store_timeout", 60*time.Second)
	v.SetDefault("store_rate_limit", 10.0)
	v.SetDefault("sample_size", 1000)
	v.SetDefault("strict_types", true)
	v.SetDefault("storage_path", filepath.Join(configPath, "data"))
	v.SetDefault("store", "http")
	v.SetDefault("workers", 4)
	v.SetDefault("retry_max", 24*7)
	v.SetDefault("retry_delay", time.Hour)
	v.SetDefault("job_timeout", 2*time.Hour)
	v.SetDefault("listen_addr", ":8090")
}

func InitConfig() error {
	configName := "config"
	configType := "json"
	configPath, err := configDir()
	if err != nil {
		return err
	}

	viper.AddConfigPath(configPath)
	viper.SetConfigName(configName)
	viper.SetConfigType(configType)
	viper.SetEnvPrefix("DATASTORER")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults(viper.GetViper(), configPath)

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found, create a default one
			fmt.Printf("Config file not found, creating default at %s/%s.%s\n", configPath, configName, configType)
			if err := os.MkdirAll(configPath, 0755); err != nil {
				return fmt.Errorf("failed to create config directory: %w", err)
			}
			if err := viper.WriteConfigAs(filepath.Join(configPath, fmt.Sprintf("%s.%s", configName, configType))); err != nil {
				return fmt.Errorf("failed to write default config file: %w", err)
			}
		} else {
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}
	AppConfig = cfg

	// Ensure storage path exists
	if err := os.MkdirAll(AppConfig.StoragePath, 0755); err != nil {
		return fmt.Errorf("failed to create storage directory: %w", err)
	}

	// AppConfig stays loaded on a validation error so that "config"
	// commands can repair the file.
	return AppConfig.Validate()
}

// Validate checks the settings the pipeline cannot run without.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.SiteURL) == "" {
		return ErrSiteURLMissing
	}
	if u, err := url.Parse(c.SiteURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("site_url %q is not an absolute URL", c.SiteURL)
	}
	if c.MaxContentLength <= 0 {
		return fmt.Errorf("max_content_length must be positive")
	}
	switch c.Store {
	case "http", "sqlite":
	default:
		return fmt.Errorf("unknown store backend %q (want http or sqlite)", c.Store)
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive")
	}
	if c.RetryMax < 0 {
		return fmt.Errorf("retry_max cannot be negative")
	}
	return nil
}

// StoreURL returns the datastore endpoint, falling back to the site URL.
func (c *Config) StoreURL() string {
	if c.DatastoreURL != "" {
		return strings.TrimRight(c.DatastoreURL, "/")
	}
	return strings.TrimRight(c.SiteURL, "/")
}

// SetSiteURL validates siteURL and saves it to the config file.
func SetSiteURL(siteURL string) error {
	cfg := AppConfig
	cfg.SiteURL = strings.TrimSpace(siteURL)
	if err := cfg.Validate(); err != nil {
		return err
	}

	viper.Set("site_url", cfg.SiteURL)
	if err := viper.WriteConfig(); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	AppConfig = cfg
	return nil
}
