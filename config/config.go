// Package config loads the settings shared by the client and server
// binaries: defaults, then a YAML file, then UNDERSTAND_* environment
// variables, then validation.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/stinb/UnderstandForVSCode-sub000/batch"
	"github.com/stinb/UnderstandForVSCode-sub000/transport"
)

// DefaultConfigFile is the path checked when no --config flag is given.
const DefaultConfigFile = "understand-lsp.yaml"

type Config struct {
	Server    Server    `yaml:"server"`
	Client    Client    `yaml:"client"`
	Watch     Watch     `yaml:"watch"`
	Selection Selection `yaml:"selection"`
	Log       Log       `yaml:"log"`
	Telemetry Telemetry `yaml:"telemetry"`
}

type Server struct {
	// Transport is "socket" (alias "tcp") or "stdio" (alias "stdin"). With
	// stdio the client spawns Command and the server serves its own stdio.
	Transport        string        `yaml:"transport" validate:"oneof=socket tcp stdio stdin"`
	Address          string        `yaml:"address" validate:"required,hostname_port"`
	Command          []string      `yaml:"command"`
	MaxFrameSize     int           `yaml:"max_frame_size" validate:"gte=1024,lte=16777216"`
	RequestTimeout   time.Duration `yaml:"request_timeout" validate:"gte=0"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout" validate:"gt=0"`
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`
}

type Client struct {
	Name      string `yaml:"name" validate:"required"`
	Version   string `yaml:"version"`
	Workspace string `yaml:"workspace" validate:"required"`
}

type Watch struct {
	Enabled bool          `yaml:"enabled"`
	Window  time.Duration `yaml:"window" validate:"gt=0"`
	Ignore  []string      `yaml:"ignore"`
}

type Selection struct {
	Window time.Duration `yaml:"window" validate:"gt=0"`
}

type Log struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
	// File is the log destination; "-" is stderr, empty the default temp file.
	File string `yaml:"file"`
}

type Telemetry struct {
	// Metrics selects the exporter: "none" or "prometheus".
	Metrics string `yaml:"metrics" validate:"oneof=none prometheus"`
	// Traces is "none" or "log".
	Traces  string `yaml:"traces" validate:"oneof=none log"`
	Address string `yaml:"address" validate:"required_if=Metrics prometheus,omitempty,hostname_port"`
}

func Defaults() Config {
	return Config{
		Server: Server{
			Transport:        "socket",
			Address:          transport.DefaultAddress,
			MaxFrameSize:     transport.DefaultMaxFrameSize,
			HandshakeTimeout: 10 * time.Second,
			ShutdownTimeout:  2 * time.Second,
		},
		Client: Client{
			Name:      "understand-client",
			Version:   "0.1.0",
			Workspace: ".",
		},
		Watch: Watch{
			Enabled: true,
			Window:  batch.FileEventWindow,
			Ignore:  []string{".git", "node_modules", ".understand", "*.swp", "*~"},
		},
		Selection: Selection{Window: batch.SelectionWindow},
		Log:       Log{Level: "info"},
		Telemetry: Telemetry{Metrics: "none", Traces: "none", Address: "127.0.0.1:9464"},
	}
}

// Load reads DefaultConfigFile.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom applies defaults < YAML < environment. A missing file is not an
// error.
func LoadFrom(path string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, path); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}
	return &cfg, nil
}

func loadYAML(cfg *Config, path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func loadEnv(cfg *Config) {
	setString(&cfg.Server.Transport, "UNDERSTAND_TRANSPORT")
	setString(&cfg.Server.Address, "UNDERSTAND_SERVER_ADDRESS")
	setInt(&cfg.Server.MaxFrameSize, "UNDERSTAND_MAX_FRAME_SIZE")
	setDuration(&cfg.Server.RequestTimeout, "UNDERSTAND_REQUEST_TIMEOUT")
	setDuration(&cfg.Server.ShutdownTimeout, "UNDERSTAND_SHUTDOWN_TIMEOUT")
	setString(&cfg.Client.Workspace, "UNDERSTAND_WORKSPACE")
	setBool(&cfg.Watch.Enabled, "UNDERSTAND_WATCH")
	setString(&cfg.Log.Level, "UNDERSTAND_LOG_LEVEL")
	setString(&cfg.Log.File, "UNDERSTAND_LOG_FILE")
	setString(&cfg.Telemetry.Metrics, "UNDERSTAND_METRICS")
	setString(&cfg.Telemetry.Traces, "UNDERSTAND_TRACES")
	setString(&cfg.Telemetry.Address, "UNDERSTAND_METRICS_ADDRESS")
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func (c *Config) Validate() error {
	return validate.Struct(c)
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
