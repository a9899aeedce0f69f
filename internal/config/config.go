package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/Brownie44l1/ranjana-api/internal/logger"
)

const EnvPrefix = "RANJANA"

var log = logger.GetLogger()

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.max_upload_bytes", 10<<20)
	v.SetDefault("server.max_pixels", 8<<20)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("log.level", "info")
	v.SetDefault("model.dir", "models")
	v.SetDefault("model.classifier", "classifier.ckpt")
	v.SetDefault("model.siamese_glob", "")
	v.SetDefault("model.onnx_library", "")
	v.SetDefault("model.eager", false)
	v.SetDefault("references.dir", "references")
	v.SetDefault("references.cache_path", "")
	v.SetDefault("render.colormap", "viridis")
	v.SetDefault("render.alpha", 0.5)
	v.SetDefault("spool.dir", "")
	v.SetDefault("tasks.enabled", true)
	v.SetDefault("tasks.max_retries", 3)
	v.SetDefault("tasks.backoff", 200*time.Millisecond)
	v.SetDefault("tasks.result_ttl", time.Hour)
	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.required", false)
	v.SetDefault("remote.url", "")
	v.SetDefault("remote.timeout", 30*time.Second)
	v.SetDefault("remote.retry_max", 3)
}

// LoadConfig reads configFile (or ./config.yaml when empty) and overlays
// RANJANA_* environment variables. A missing default config file is not an
// error; every key has a default.
func LoadConfig(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
	}
	v.SetConfigType("yaml")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	// environment variables take precedence over config file
	loadDotEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func loadDotEnv() {
	if err := godotenv.Load(); err != nil {
		log.Debug(".env file not found or unable to load")
	}
}

// SetLogLevel applies cfg.Log.Level to the shared logger.
func SetLogLevel(cfg *Config) {
	level := logger.SetLogLevel(cfg.Log.Level)
	log.Info("Log level set to: ", level)
}

// Addr is the listen address for the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
