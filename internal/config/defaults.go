package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// DataDir returns the directory holding the database, token and config.
// TASKSYNC_HOME overrides the default of ~/.tasksync.
func DataDir() string {
	if dir := os.Getenv("TASKSYNC_HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".tasksync"
	}
	return filepath.Join(home, ".tasksync")
}

// DefaultPath returns the default config file location
func DefaultPath() string {
	return filepath.Join(DataDir(), "config.toml")
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	dir := DataDir()
	return &Config{
		DBPath: filepath.Join(dir, "tasks.db"),
		Remote: RemoteConfig{
			URL:       "http://127.0.0.1:7400",
			TokenFile: filepath.Join(dir, "token.json"),
		},
		Sync: SyncConfig{
			Debounce:       750 * time.Millisecond,
			Interval:       5 * time.Minute,
			RequestTimeout: 30 * time.Second,
			BackoffMin:     2 * time.Second,
			BackoffMax:     5 * time.Minute,
			Retention:      7 * 24 * time.Hour,
			MaxPullPages:   20,
		},
		Connectivity: ConnectivityConfig{
			ProbeInterval: 15 * time.Second,
			ProbeTimeout:  5 * time.Second,
		},
		Feed: FeedConfig{
			Enabled: true,
			Addr:    "127.0.0.1:7420",
		},
		Log: LogConfig{
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// settings flattens c into the nested key layout used by the config file.
func settings(c *Config) map[string]any {
	return map[string]any{
		"db_path": c.DBPath,
		"remote": map[string]any{
			"url":        c.Remote.URL,
			"token_file": c.Remote.TokenFile,
			"oauth": map[string]any{
				"client_id":     c.Remote.OAuth.ClientID,
				"client_secret": c.Remote.OAuth.ClientSecret,
				"auth_url":      c.Remote.OAuth.AuthURL,
				"token_url":     c.Remote.OAuth.TokenURL,
				"redirect_url":  c.Remote.OAuth.RedirectURL,
				"scopes":        append([]string{}, c.Remote.OAuth.Scopes...),
			},
		},
		"sync": map[string]any{
			"debounce":        c.Sync.Debounce.String(),
			"interval":        c.Sync.Interval.String(),
			"request_timeout": c.Sync.RequestTimeout.String(),
			"backoff_min":     c.Sync.BackoffMin.String(),
			"backoff_max":     c.Sync.BackoffMax.String(),
			"retention":       c.Sync.Retention.String(),
			"max_pull_pages":  c.Sync.MaxPullPages,
		},
		"connectivity": map[string]any{
			"probe_url":      c.Connectivity.ProbeURL,
			"probe_interval": c.Connectivity.ProbeInterval.String(),
			"probe_timeout":  c.Connectivity.ProbeTimeout.String(),
		},
		"feed": map[string]any{
			"enabled": c.Feed.Enabled,
			"addr":    c.Feed.Addr,
		},
		"log": map[string]any{
			"file":         c.Log.File,
			"max_size_mb":  c.Log.MaxSizeMB,
			"max_backups":  c.Log.MaxBackups,
			"max_age_days": c.Log.MaxAgeDays,
			"compress":     c.Log.Compress,
		},
	}
}

// WriteDefault writes the default configuration as TOML. It refuses to
// overwrite an existing file.
func WriteDefault(path string) error {
	var buf bytes.Buffer
	buf.WriteString("# tasksync configuration\n")
	buf.WriteString("# Every key can be overridden with TASKSYNC_<SECTION>_<KEY>, e.g. TASKSYNC_SYNC_INTERVAL=1m.\n\n")
	if err := toml.NewEncoder(&buf).Encode(settings(DefaultConfig())); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return f.Close()
}
