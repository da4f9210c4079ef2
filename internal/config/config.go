package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix = "TIDEMARK"

	defaultDatabasePath    = "tidemark.db"
	defaultRemoteBaseURL   = "http://127.0.0.1:8585"
	defaultLogLevel        = "info"
	defaultDebounceMillis  = 2000
	defaultHubHTTPAddress  = "0.0.0.0:8585"
	defaultHubDatabasePath = "tidemark-hub.db"
	defaultHubAssetDir     = "tidemark-assets"
)

// SyncdConfig captures runtime configuration for the device-side sync daemon.
type SyncdConfig struct {
	DatabasePath   string
	RemoteBaseURL  string
	AccessToken    string
	UserID         string
	LogLevel       string
	DebounceWindow time.Duration
}

// HubConfig captures runtime configuration for the reference backend.
type HubConfig struct {
	HTTPAddress   string
	DatabasePath  string
	AssetDir      string
	SigningSecret string
	LogLevel      string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("remote.base_url", defaultRemoteBaseURL)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("sync.debounce_ms", defaultDebounceMillis)
	configViper.SetDefault("hub.http_address", defaultHubHTTPAddress)
	configViper.SetDefault("hub.database_path", defaultHubDatabasePath)
	configViper.SetDefault("hub.asset_dir", defaultHubAssetDir)
}

// LoadSyncd parses sync daemon configuration from viper.
func LoadSyncd(configViper *viper.Viper) (SyncdConfig, error) {
	cfg := SyncdConfig{
		DatabasePath:   configViper.GetString("database.path"),
		RemoteBaseURL:  configViper.GetString("remote.base_url"),
		AccessToken:    configViper.GetString("remote.access_token"),
		UserID:         configViper.GetString("user.id"),
		LogLevel:       configViper.GetString("log.level"),
		DebounceWindow: time.Duration(configViper.GetInt("sync.debounce_ms")) * time.Millisecond,
	}
	if err := cfg.validate(); err != nil {
		return SyncdConfig{}, err
	}
	return cfg, nil
}

func (c SyncdConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.RemoteBaseURL) == "" {
		return fmt.Errorf("remote.base_url is required")
	}
	if strings.TrimSpace(c.AccessToken) == "" {
		return fmt.Errorf("remote.access_token is required")
	}
	if strings.TrimSpace(c.UserID) == "" {
		return fmt.Errorf("user.id is required")
	}
	return nil
}

// LoadHub parses hub configuration from viper.
func LoadHub(configViper *viper.Viper) (HubConfig, error) {
	cfg := HubConfig{
		HTTPAddress:   configViper.GetString("hub.http_address"),
		DatabasePath:  configViper.GetString("hub.database_path"),
		AssetDir:      configViper.GetString("hub.asset_dir"),
		SigningSecret: configViper.GetString("hub.signing_secret"),
		LogLevel:      configViper.GetString("log.level"),
	}
	if err := cfg.validate(); err != nil {
		return HubConfig{}, err
	}
	return cfg, nil
}

func (c HubConfig) validate() error {
	if strings.TrimSpace(c.HTTPAddress) == "" {
		return fmt.Errorf("hub.http_address is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("hub.database_path is required")
	}
	if strings.TrimSpace(c.AssetDir) == "" {
		return fmt.Errorf("hub.asset_dir is required")
	}
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("hub.signing_secret is required")
	}
	return nil
}
