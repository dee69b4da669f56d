package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/Brownie44l1/cattle-breed-api/internal/imaging"
)

// MiB is one mebibyte.
const MiB = 1 << 20

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Log        LogConfig        `yaml:"log"`
	Model      ModelConfig      `yaml:"model"`
	Preprocess PreprocessConfig `yaml:"preprocess"`
	Upload     UploadConfig     `yaml:"upload"`
	History    HistoryConfig    `yaml:"history"`
	Catalog    CatalogConfig    `yaml:"catalog"`
}

type ServerConfig struct {
	Host        string   `yaml:"host"`
	Port        int      `yaml:"port"`
	StaticDir   string   `yaml:"static_dir"`
	CORSOrigins []string `yaml:"cors_origins"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type ModelConfig struct {
	Path         string `yaml:"path"`
	MetadataPath string `yaml:"metadata"`
	// ONNXLibrary points at libonnxruntime; empty uses the loader default.
	ONNXLibrary string `yaml:"onnx_library"`
	TopK        int    `yaml:"top_k"`
}

type PreprocessConfig struct {
	Interpolation string `yaml:"interpolation"`
	Enhance       bool   `yaml:"enhance"`
	MinDimension  int    `yaml:"min_dimension"`
	MaxPixels     int64  `yaml:"max_pixels"`
}

type UploadConfig struct {
	MaxBytes          int64    `yaml:"max_bytes"`
	ScratchDir        string   `yaml:"scratch_dir"`
	AllowedExtensions []string `yaml:"allowed_extensions"`
	// StaleAfter is the age at which leftover scratch files are swept on
	// startup.
	StaleAfter time.Duration `yaml:"stale_after"`
}

type HistoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn"`
}

type CatalogConfig struct {
	// Path overrides the embedded breed catalog.
	Path string `yaml:"path"`
}

// Addr returns the listen address for the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Model.TopK < 1 {
		return fmt.Errorf("model.top_k must be at least 1, got %d", c.Model.TopK)
	}
	if c.Upload.MaxBytes <= 0 {
		return fmt.Errorf("upload.max_bytes must be positive, got %d", c.Upload.MaxBytes)
	}
	if len(c.Upload.AllowedExtensions) == 0 {
		return fmt.Errorf("upload.allowed_extensions must not be empty")
	}
	if !imaging.KnownInterpolation(c.Preprocess.Interpolation) {
		return fmt.Errorf("unknown preprocess.interpolation %q", c.Preprocess.Interpolation)
	}
	if c.Preprocess.MinDimension < 1 {
		return fmt.Errorf("preprocess.min_dimension must be at least 1, got %d", c.Preprocess.MinDimension)
	}
	if c.Preprocess.MaxPixels <= 0 {
		return fmt.Errorf("preprocess.max_pixels must be positive, got %d", c.Preprocess.MaxPixels)
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("unknown log.format %q", c.Log.Format)
	}
	if c.History.Enabled && c.History.DSN == "" {
		return fmt.Errorf("history.dsn is required when history is enabled")
	}
	return nil
}
