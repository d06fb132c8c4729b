// Package config loads tasksync settings from a TOML or YAML file and
// TASKSYNC_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "TASKSYNC"

// Loader reads one config file. The file may be missing, in which case the
// defaults and environment apply.
type Loader struct {
	v    *viper.Viper
	path string
}

// NewLoader creates a loader for path. An empty path uses DefaultPath.
// The format follows the extension (.toml, .yaml or .yml).
func NewLoader(path string) *Loader {
	if path == "" {
		path = DefaultPath()
	}

	v := viper.New()
	v.SetConfigFile(path)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		v.SetConfigType("yaml")
	default:
		v.SetConfigType("toml")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, "", settings(DefaultConfig()))

	return &Loader{v: v, path: path}
}

// Path returns the config file location.
func (l *Loader) Path() string {
	return l.path
}

// Load reads the file (if present) and returns the validated configuration.
func (l *Loader) Load() (*Config, error) {
	if err := l.v.ReadInConfig(); err != nil && !isNotExist(err) {
		return nil, fmt.Errorf("failed to read config %s: %w", l.path, err)
	}
	return l.decode()
}

// Watch calls onChange with the reloaded configuration each time the file
// changes. Invalid edits are reported through err and the previous
// configuration stays in effect.
func (l *Loader) Watch(onChange func(cfg *Config, err error)) {
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := l.decode()
		onChange(cfg, err)
	})
	l.v.WatchConfig()
}

func (l *Loader) decode() (*Config, error) {
	cfg := &Config{}
	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", l.path, err)
	}
	return cfg, nil
}

// Load reads the configuration at path. An empty path uses DefaultPath.
func Load(path string) (*Config, error) {
	return NewLoader(path).Load()
}

// setDefaults registers every leaf of m so environment overrides apply to
// keys that are absent from the file.
func setDefaults(v *viper.Viper, prefix string, m map[string]any) {
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if sub, ok := val.(map[string]any); ok {
			setDefaults(v, key, sub)
			continue
		}
		v.SetDefault(key, val)
	}
}

func isNotExist(err error) bool {
	var notFound viper.ConfigFileNotFoundError
	return errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist) || os.IsNotExist(err)
}

