package config

import "time"

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:        "0.0.0.0",
			Port:        5000,
			StaticDir:   "web",
			CORSOrigins: []string{"*"},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Model: ModelConfig{
			Path:         "models/indian_cattle_model.onnx",
			MetadataPath: "models/model_metadata.json",
			TopK:         5,
		},
		Preprocess: PreprocessConfig{
			Interpolation: "bilinear",
			Enhance:       true,
			MinDimension:  50,
			MaxPixels:     40_000_000,
		},
		Upload: UploadConfig{
			MaxBytes:          16 * MiB,
			ScratchDir:        "uploads",
			AllowedExtensions: []string{"png", "jpg", "jpeg"},
			StaleAfter:        time.Hour,
		},
		History: HistoryConfig{
			Enabled: true,
			DSN:     "data/predictions.db",
		},
	}
}
