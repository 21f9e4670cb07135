// Package config loads analyzer settings with priority env > file > defaults.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"anr-mcp/internal/analyzer"
)

// Config is the full set of tunables.
type Config struct {
	Resolver ResolverConfig `yaml:"resolver"`
	Output   OutputConfig   `yaml:"output"`
	Batch    BatchConfig    `yaml:"batch"`
	Store    StoreConfig    `yaml:"store"`
	Log      LogConfig      `yaml:"log"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ResolverConfig holds the chain walk tolerances. Windows are milliseconds.
type ResolverConfig struct {
	InitialWindowMs int `yaml:"initial_window_ms" validate:"gt=0"`
	HopWindowMs     int `yaml:"hop_window_ms" validate:"gt=0"`
	MaxDepth        int `yaml:"max_depth" validate:"gt=0"`
	// ReferenceYear completes timestamps without a year; 0 means the
	// current year.
	ReferenceYear int `yaml:"reference_year" validate:"gte=0"`
}

// OutputConfig says where reconstruction files are written.
type OutputConfig struct {
	Dir string `yaml:"dir"`
}

// BatchConfig controls concurrent resolution.
type BatchConfig struct {
	Workers int `yaml:"workers" validate:"gt=0"`
}

// StoreConfig locates the incident store. Empty Dir disables persistence.
type StoreConfig struct {
	Dir string `yaml:"dir"`
}

// LogConfig selects level and format.
type LogConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
	JSON  bool   `yaml:"json"`
}

// MetricsConfig enables the prometheus endpoint when Addr is set.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Resolver: ResolverConfig{
			InitialWindowMs: 30000,
			HopWindowMs:     21000,
			MaxDepth:        32,
		},
		Output: OutputConfig{Dir: "anr_output"},
		Batch:  BatchConfig{Workers: 4},
		Log:    LogConfig{Level: "info"},
	}
}

// Load reads path over the defaults, applies ANR_* environment overrides
// and validates the result. An empty path or a missing file yields the
// defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	if strings.TrimSpace(path) != "" {
		if err := loadFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
	}

	loadFromEnv(&cfg)
	cfg.Log.Level = strings.ToLower(strings.TrimSpace(cfg.Log.Level))

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func loadFromEnv(cfg *Config) {
	if v := os.Getenv("ANR_INITIAL_WINDOW_MS"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Resolver.InitialWindowMs = i
		}
	}
	if v := os.Getenv("ANR_HOP_WINDOW_MS"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Resolver.HopWindowMs = i
		}
	}
	if v := os.Getenv("ANR_MAX_DEPTH"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Resolver.MaxDepth = i
		}
	}
	if v := os.Getenv("ANR_OUTPUT_DIR"); v != "" {
		cfg.Output.Dir = v
	}
	if v := os.Getenv("ANR_STORE_DIR"); v != "" {
		cfg.Store.Dir = v
	}
	if v := os.Getenv("ANR_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("ANR_METRICS_ADDR"); v != "" {
		cfg.Metrics.Addr = v
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return v
}

// Validate checks ranges and the log level name.
func (c Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		// Namespace is "Config.<yaml path>"
		_, field, _ := strings.Cut(fe.Namespace(), ".")
		msgs = append(msgs, fmt.Sprintf("%s must satisfy %s=%s, got %v", field, fe.Tag(), fe.Param(), fe.Value()))
	}
	return errors.New(strings.Join(msgs, "; "))
}

// ResolverOptions converts the resolver section for analyzer.NewResolver.
func (c Config) ResolverOptions(logger *slog.Logger) analyzer.Options {
	return analyzer.Options{
		InitialWindow: time.Duration(c.Resolver.InitialWindowMs) * time.Millisecond,
		HopWindow:     time.Duration(c.Resolver.HopWindowMs) * time.Millisecond,
		MaxDepth:      c.Resolver.MaxDepth,
		RefYear:       c.Resolver.ReferenceYear,
		Logger:        logger,
	}
}
