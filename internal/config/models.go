package config

import "time"

// Config holds the configuration of the service. Use LoadConfig to build
// one from config.yaml, .env and RANJANA_* variables.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Log        LogConfig        `mapstructure:"log"`
	Model      ModelConfig      `mapstructure:"model"`
	References ReferencesConfig `mapstructure:"references"`
	Render     RenderConfig     `mapstructure:"render"`
	Spool      SpoolConfig      `mapstructure:"spool"`
	Tasks      TasksConfig      `mapstructure:"tasks"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Remote     RemoteConfig     `mapstructure:"remote"`
}

type ServerConfig struct {
	Host           string   `mapstructure:"host"`
	Port           int      `mapstructure:"port"             validate:"gte=1,lte=65535"`
	MaxUploadBytes int64    `mapstructure:"max_upload_bytes" validate:"gt=0"`
	// MaxPixels rejects uploads whose decoded width×height exceeds it.
	MaxPixels      int      `mapstructure:"max_pixels"       validate:"gt=0"`
	CORSOrigins    []string `mapstructure:"cors_origins"`
}

type LogConfig struct {
	Level string `mapstructure:"level" validate:"omitempty,oneof=trace debug info warn warning error fatal panic"`
}

type ModelConfig struct {
	Dir string `mapstructure:"dir" validate:"required"`
	// Classifier is the classifier checkpoint file name inside Dir.
	Classifier string `mapstructure:"classifier" validate:"required"`
	// SiameseGlob overrides the "*siamese*<backbone>*.ckpt" lookup.
	SiameseGlob string `mapstructure:"siamese_glob"`
	// OnnxLibrary is the onnxruntime shared library used by onnx trunks.
	OnnxLibrary string `mapstructure:"onnx_library"`
	// Eager loads every network at startup instead of on first use.
	Eager bool `mapstructure:"eager"`
}

type ReferencesConfig struct {
	Dir string `mapstructure:"dir" validate:"required"`
	// CachePath is the SQLite embedding cache. Empty disables caching.
	CachePath string `mapstructure:"cache_path"`
}

type RenderConfig struct {
	Colormap string  `mapstructure:"colormap" validate:"oneof=viridis jet"`
	Alpha    float64 `mapstructure:"alpha"    validate:"gte=0,lte=1"`
}

type SpoolConfig struct {
	Dir string `mapstructure:"dir"`
}

type TasksConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	MaxRetries int           `mapstructure:"max_retries" validate:"gte=0,lte=10"`
	Backoff    time.Duration `mapstructure:"backoff"`
	ResultTTL  time.Duration `mapstructure:"result_ttl"`
}

type AuthConfig struct {
	Secret   string `mapstructure:"secret"   validate:"required_if=Required true"`
	Required bool   `mapstructure:"required"`
}

type RemoteConfig struct {
	URL      string        `mapstructure:"url"       validate:"omitempty,url"`
	Timeout  time.Duration `mapstructure:"timeout"`
	RetryMax int           `mapstructure:"retry_max" validate:"gte=0"`
}
