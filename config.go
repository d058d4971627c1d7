package gtfsmerge

import (
	"fmt"
	"os"
	"strconv"

	"github.com/dzfranklin/gtfsmerge/internal/logger"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Logging LoggingConfig `yaml:"logging"`
	Merge   MergeConfig   `yaml:"merge"`
	Storage StorageConfig `yaml:"storage"`
}

type LoggingConfig struct {
	Level      string `yaml:"level" validate:"omitempty,oneof=trace debug info warn error fatal panic disabled"`
	Console    bool   `yaml:"console"`
	FilePath   string `yaml:"file_path"`
	MaxSizeMB  int    `yaml:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `yaml:"max_backups" validate:"gte=0"`
	MaxAgeDays int    `yaml:"max_age_days" validate:"gte=0"`
	Compress   bool   `yaml:"compress"`
}

type MergeConfig struct {
	// Separator joins a feed's scope token and an identifier.
	Separator string `yaml:"separator" validate:"required,max=4"`
}

type StorageConfig struct {
	// DataDir is where merged feeds are published.
	DataDir string `yaml:"data_dir" validate:"required"`
	// Format of published feeds.
	Format string `yaml:"format" validate:"oneof=db zip"`
}

func DefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Level:      "info",
			Console:    true,
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Merge:   MergeConfig{Separator: defaultSeparator},
		Storage: StorageConfig{DataDir: ".", Format: "db"},
	}
}

// LoadConfig reads a YAML config over the defaults. An empty path uses only defaults.
// GTFSMERGE_LOG_LEVEL, GTFSMERGE_LOG_FILE and GTFSMERGE_DATA_DIR override the file.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	cfg.Logging.Level = getEnv("GTFSMERGE_LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.FilePath = getEnv("GTFSMERGE_LOG_FILE", cfg.Logging.FilePath)
	cfg.Storage.DataDir = getEnv("GTFSMERGE_DATA_DIR", cfg.Storage.DataDir)
	if v := os.Getenv("GTFSMERGE_LOG_CONSOLE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Logging.Console = b
		}
	}

	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// Logger builds the logger described by the config.
func (c Config) Logger() logger.Logger {
	return logger.FromConfig(logger.Config{
		Level:      logger.ParseLevel(c.Logging.Level),
		Console:    c.Logging.Console,
		FilePath:   c.Logging.FilePath,
		MaxSizeMB:  c.Logging.MaxSizeMB,
		MaxBackups: c.Logging.MaxBackups,
		MaxAgeDays: c.Logging.MaxAgeDays,
		Compress:   c.Logging.Compress,
	})
}

// Sink returns the sink that publishes into the configured data directory.
func (c Config) Sink(log logger.Logger) Sink {
	if c.Storage.Format == "zip" {
		return ZipSink{Dir: c.Storage.DataDir, Logger: log}
	}
	return DBSink{Dir: c.Storage.DataDir, Logger: log}
}
