package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Backends accepted by Config.Backend.
const (
	BackendEmulator = "emulator"
	BackendTensorRT = "tensorrt"
)

// Config holds runtime parameters for the daemon.
// Zero values mean "unspecified"; Defaults fills them in.
type Config struct {
	Addr      string `json:"addr" yaml:"addr" toml:"addr"`
	ModelsDir string `json:"models_dir" yaml:"models_dir" toml:"models_dir"`

	// Accelerator
	Backend        string `json:"backend" yaml:"backend" toml:"backend"`
	DeviceMemoryMB int    `json:"device_memory_mb" yaml:"device_memory_mb" toml:"device_memory_mb"` // emulator capacity
	FP16           bool   `json:"fp16" yaml:"fp16" toml:"fp16"`                                     // emulator reports fast fp16

	// Instances
	DeviceBudgetMB int      `json:"device_budget_mb" yaml:"device_budget_mb" toml:"device_budget_mb"`
	DeviceMarginMB int      `json:"device_margin_mb" yaml:"device_margin_mb" toml:"device_margin_mb"`
	DefaultModel   string   `json:"default_model" yaml:"default_model" toml:"default_model"`
	WorkspaceMB    int      `json:"workspace_mb" yaml:"workspace_mb" toml:"workspace_mb"`
	AutoCompile    bool     `json:"auto_compile" yaml:"auto_compile" toml:"auto_compile"`
	Preload        []string `json:"preload" yaml:"preload" toml:"preload"`

	// Admission
	MaxQueueDepth  int `json:"max_queue_depth" yaml:"max_queue_depth" toml:"max_queue_depth"`
	MaxWaitMS      int `json:"max_wait_ms" yaml:"max_wait_ms" toml:"max_wait_ms"`
	DrainTimeoutMS int `json:"drain_timeout_ms" yaml:"drain_timeout_ms" toml:"drain_timeout_ms"`

	// Logging
	LogLevel        string `json:"log_level" yaml:"log_level" toml:"log_level"`
	LogFormat       string `json:"log_format" yaml:"log_format" toml:"log_format"`
	RuntimeLogLevel string `json:"runtime_log_level" yaml:"runtime_log_level" toml:"runtime_log_level"`

	// HTTP
	MaxBodyBytes       int64    `json:"max_body_bytes" yaml:"max_body_bytes" toml:"max_body_bytes"`
	InferTimeoutSec    int64    `json:"infer_timeout_sec" yaml:"infer_timeout_sec" toml:"infer_timeout_sec"`
	CORSEnabled        bool     `json:"cors_enabled" yaml:"cors_enabled" toml:"cors_enabled"`
	CORSAllowedOrigins []string `json:"cors_allowed_origins" yaml:"cors_allowed_origins" toml:"cors_allowed_origins"`
	CORSAllowedMethods []string `json:"cors_allowed_methods" yaml:"cors_allowed_methods" toml:"cors_allowed_methods"`
	CORSAllowedHeaders []string `json:"cors_allowed_headers" yaml:"cors_allowed_headers" toml:"cors_allowed_headers"`
}

// Defaults returns the configuration used when neither flags nor a file set a
// value.
func Defaults() Config {
	return Config{
		Addr:            ":8080",
		ModelsDir:       "~/models/engines",
		Backend:         BackendEmulator,
		DeviceMemoryMB:  4096,
		WorkspaceMB:     1024,
		MaxQueueDepth:   32,
		MaxWaitMS:       30000,
		DrainTimeoutMS:  5000,
		LogLevel:        "info",
		LogFormat:       "json",
		RuntimeLogLevel: "warning",
		MaxBodyBytes:    64 << 20,
	}
}

// Merge returns c with every non-zero field of o applied on top. Booleans can
// only be switched on by o.
func (c Config) Merge(o Config) Config {
	str := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	num := func(dst *int, v int) {
		if v != 0 {
			*dst = v
		}
	}
	list := func(dst *[]string, v []string) {
		if len(v) > 0 {
			*dst = append([]string(nil), v...)
		}
	}
	str(&c.Addr, o.Addr)
	str(&c.ModelsDir, o.ModelsDir)
	str(&c.Backend, o.Backend)
	num(&c.DeviceMemoryMB, o.DeviceMemoryMB)
	c.FP16 = c.FP16 || o.FP16
	num(&c.DeviceBudgetMB, o.DeviceBudgetMB)
	num(&c.DeviceMarginMB, o.DeviceMarginMB)
	str(&c.DefaultModel, o.DefaultModel)
	num(&c.WorkspaceMB, o.WorkspaceMB)
	c.AutoCompile = c.AutoCompile || o.AutoCompile
	list(&c.Preload, o.Preload)
	num(&c.MaxQueueDepth, o.MaxQueueDepth)
	num(&c.MaxWaitMS, o.MaxWaitMS)
	num(&c.DrainTimeoutMS, o.DrainTimeoutMS)
	str(&c.LogLevel, o.LogLevel)
	str(&c.LogFormat, o.LogFormat)
	str(&c.RuntimeLogLevel, o.RuntimeLogLevel)
	if o.MaxBodyBytes != 0 {
		c.MaxBodyBytes = o.MaxBodyBytes
	}
	if o.InferTimeoutSec != 0 {
		c.InferTimeoutSec = o.InferTimeoutSec
	}
	c.CORSEnabled = c.CORSEnabled || o.CORSEnabled
	list(&c.CORSAllowedOrigins, o.CORSAllowedOrigins)
	list(&c.CORSAllowedMethods, o.CORSAllowedMethods)
	list(&c.CORSAllowedHeaders, o.CORSAllowedHeaders)
	return c
}

// Validate rejects values the daemon cannot run with.
func (c Config) Validate() error {
	switch c.Backend {
	case BackendEmulator, BackendTensorRT:
	default:
		return fmt.Errorf("unknown backend %q (want %s or %s)", c.Backend, BackendEmulator, BackendTensorRT)
	}
	if c.WorkspaceMB <= 0 {
		return fmt.Errorf("workspace_mb must be positive, got %d", c.WorkspaceMB)
	}
	if c.DeviceBudgetMB < 0 || c.DeviceMarginMB < 0 {
		return fmt.Errorf("device budget/margin must not be negative")
	}
	if c.DeviceMemoryMB < 0 {
		return fmt.Errorf("device_memory_mb must not be negative, got %d", c.DeviceMemoryMB)
	}
	return nil
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}
