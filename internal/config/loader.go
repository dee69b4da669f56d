package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Loader reads configuration from an optional YAML file, an optional .env
// file and the process environment, in that order of precedence (lowest
// first).
type Loader struct {
	path      string
	useDotEnv bool
	lookupEnv func(string) (string, bool)
}

// NewLoader creates a loader for the YAML file at path.
func NewLoader(path string) *Loader {
	return &Loader{
		path:      path,
		useDotEnv: true,
		lookupEnv: os.LookupEnv,
	}
}

// WithDotEnv toggles loading variables from a .env file before reading config.
func (l *Loader) WithDotEnv(enabled bool) *Loader {
	l.useDotEnv = enabled
	return l
}

// WithEnv overrides the environment lookup (useful for tests).
func (l *Loader) WithEnv(lookup func(string) (string, bool)) *Loader {
	if lookup != nil {
		l.lookupEnv = lookup
	}
	return l
}

// Load returns the merged configuration. A missing YAML file is not an error.
func (l *Loader) Load() (*Config, error) {
	if l.useDotEnv {
		// .env is optional; the real environment still applies.
		_ = godotenv.Load()
	}

	cfg := DefaultConfig()

	if l.path != "" {
		data, err := os.ReadFile(l.path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config %s: %w", l.path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", l.path, err)
			}
		}
	}

	if err := l.applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (l *Loader) applyEnv(cfg *Config) error {
	if v, ok := l.lookupEnv("PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PORT %q: %w", v, err)
		}
		cfg.Server.Port = port
	}
	if v, ok := l.lookupEnv("LOG_LEVEL"); ok && v != "" {
		cfg.Log.Level = v
	}
	if v, ok := l.lookupEnv("MODEL_PATH"); ok && v != "" {
		cfg.Model.Path = v
	}
	if v, ok := l.lookupEnv("MODEL_METADATA_PATH"); ok && v != "" {
		cfg.Model.MetadataPath = v
	}
	if v, ok := l.lookupEnv("ONNXRUNTIME_LIB"); ok && v != "" {
		cfg.Model.ONNXLibrary = v
	}
	if v, ok := l.lookupEnv("HISTORY_DSN"); ok && v != "" {
		cfg.History.DSN = v
	}
	return nil
}
