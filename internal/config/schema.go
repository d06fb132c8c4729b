package config

import (
	"fmt"
	"net/url"
	"time"
)

// Config represents the full tasksync configuration
type Config struct {
	// DBPath is the local SQLite database
	DBPath string `yaml:"db_path" mapstructure:"db_path"`

	Remote       RemoteConfig       `yaml:"remote" mapstructure:"remote"`
	Sync         SyncConfig         `yaml:"sync" mapstructure:"sync"`
	Connectivity ConnectivityConfig `yaml:"connectivity" mapstructure:"connectivity"`
	Feed         FeedConfig         `yaml:"feed" mapstructure:"feed"`
	Log          LogConfig          `yaml:"log" mapstructure:"log"`
}

// RemoteConfig locates the remote authority and the session token
type RemoteConfig struct {
	URL       string      `yaml:"url" mapstructure:"url"`
	TokenFile string      `yaml:"token_file" mapstructure:"token_file"`
	OAuth     OAuthConfig `yaml:"oauth" mapstructure:"oauth"`
}

// OAuthConfig enables browser login and token refresh. Leave ClientID empty
// to use a static token file.
type OAuthConfig struct {
	ClientID     string   `yaml:"client_id" mapstructure:"client_id"`
	ClientSecret string   `yaml:"client_secret" mapstructure:"client_secret"`
	AuthURL      string   `yaml:"auth_url" mapstructure:"auth_url"`
	TokenURL     string   `yaml:"token_url" mapstructure:"token_url"`
	RedirectURL  string   `yaml:"redirect_url" mapstructure:"redirect_url"`
	Scopes       []string `yaml:"scopes" mapstructure:"scopes"`
}

// SyncConfig tunes the coordinator
type SyncConfig struct {
	Debounce       time.Duration `yaml:"debounce" mapstructure:"debounce"`
	Interval       time.Duration `yaml:"interval" mapstructure:"interval"`
	RequestTimeout time.Duration `yaml:"request_timeout" mapstructure:"request_timeout"`
	BackoffMin     time.Duration `yaml:"backoff_min" mapstructure:"backoff_min"`
	BackoffMax     time.Duration `yaml:"backoff_max" mapstructure:"backoff_max"`
	Retention      time.Duration `yaml:"retention" mapstructure:"retention"`
	MaxPullPages   int           `yaml:"max_pull_pages" mapstructure:"max_pull_pages"`
}

// ConnectivityConfig configures the reachability prober
type ConnectivityConfig struct {
	// ProbeURL defaults to the remote's /health endpoint
	ProbeURL      string        `yaml:"probe_url" mapstructure:"probe_url"`
	ProbeInterval time.Duration `yaml:"probe_interval" mapstructure:"probe_interval"`
	ProbeTimeout  time.Duration `yaml:"probe_timeout" mapstructure:"probe_timeout"`
}

// FeedConfig configures the daemon's status feed
type FeedConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Addr    string `yaml:"addr" mapstructure:"addr"`
}

// LogConfig configures daemon logging. An empty File logs to stderr.
type LogConfig struct {
	File       string `yaml:"file" mapstructure:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `yaml:"compress" mapstructure:"compress"`
}

// HasOAuth reports whether OAuth login and refresh are configured.
func (c *Config) HasOAuth() bool {
	return c.Remote.OAuth.ClientID != "" && c.Remote.OAuth.TokenURL != ""
}

// ProbeURL returns the URL the connectivity prober polls.
func (c *Config) ProbeURL() string {
	if c.Connectivity.ProbeURL != "" {
		return c.Connectivity.ProbeURL
	}
	return c.Remote.URL + "/health"
}

// Validate checks if the configuration is usable.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	u, err := url.Parse(c.Remote.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("remote.url must be an http(s) URL (got %q)", c.Remote.URL)
	}

	durations := []struct {
		key string
		val time.Duration
	}{
		{"sync.debounce", c.Sync.Debounce},
		{"sync.interval", c.Sync.Interval},
		{"sync.request_timeout", c.Sync.RequestTimeout},
		{"sync.backoff_min", c.Sync.BackoffMin},
		{"sync.backoff_max", c.Sync.BackoffMax},
		{"sync.retention", c.Sync.Retention},
		{"connectivity.probe_interval", c.Connectivity.ProbeInterval},
		{"connectivity.probe_timeout", c.Connectivity.ProbeTimeout},
	}
	for _, d := range durations {
		if d.val <= 0 {
			return fmt.Errorf("%s must be positive (got %s)", d.key, d.val)
		}
	}
	if c.Sync.BackoffMax < c.Sync.BackoffMin {
		return fmt.Errorf("sync.backoff_max (%s) must not be less than sync.backoff_min (%s)", c.Sync.BackoffMax, c.Sync.BackoffMin)
	}
	if c.Sync.MaxPullPages <= 0 {
		return fmt.Errorf("sync.max_pull_pages must be positive (got %d)", c.Sync.MaxPullPages)
	}
	if c.Feed.Enabled && c.Feed.Addr == "" {
		return fmt.Errorf("feed.addr is required when the feed is enabled")
	}
	return nil
}
