// Package config defines the lexagent daemon configuration.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/GoCodeAlone/lexagent/internal/logging"
)

// Config is the top-level daemon configuration.
type Config struct {
	Server    ServerConfig    `json:"server" yaml:"server" toml:"server"`
	Auth      AuthConfig      `json:"auth" yaml:"auth" toml:"auth"`
	Upstream  UpstreamConfig  `json:"upstream" yaml:"upstream" toml:"upstream"`
	Stream    StreamConfig    `json:"stream" yaml:"stream" toml:"stream"`
	Simulator SimulatorConfig `json:"simulator" yaml:"simulator" toml:"simulator"`
	Logging   logging.Config  `json:"logging" yaml:"logging" toml:"logging"`
	Metrics   MetricsConfig   `json:"metrics" yaml:"metrics" toml:"metrics"`
	DataDir   string          `json:"data_dir" yaml:"data_dir" toml:"data_dir"`
}

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Addr            string   `json:"addr" yaml:"addr" toml:"addr"` // listen address, e.g., ":9090"
	ShutdownTimeout Duration `json:"shutdown_timeout" yaml:"shutdown_timeout" toml:"shutdown_timeout"`
}

// AuthConfig controls API authentication.
type AuthConfig struct {
	JWTSecret     string   `json:"jwt_secret" yaml:"jwt_secret" toml:"jwt_secret"` // generated per process when empty
	AdminUser     string   `json:"admin_user" yaml:"admin_user" toml:"admin_user"`
	AdminPassHash string   `json:"admin_pass_hash" yaml:"admin_pass_hash" toml:"admin_pass_hash"` // bcrypt hash
	TokenTTL      Duration `json:"token_ttl" yaml:"token_ttl" toml:"token_ttl"`
}

// UpstreamConfig points the GraphQL proxy at the backend.
type UpstreamConfig struct {
	GraphQLURL string   `json:"graphql_url" yaml:"graphql_url" toml:"graphql_url"`
	Token      string   `json:"token" yaml:"token" toml:"token"` // used when the caller sends none
	Timeout    Duration `json:"timeout" yaml:"timeout" toml:"timeout"`
}

// StreamConfig controls the event stream.
type StreamConfig struct {
	Heartbeat Duration `json:"heartbeat" yaml:"heartbeat" toml:"heartbeat"`
}

// SimulatorConfig controls the in-process simulated agents.
type SimulatorConfig struct {
	Enabled        bool     `json:"enabled" yaml:"enabled" toml:"enabled"`
	StepInterval   Duration `json:"step_interval" yaml:"step_interval" toml:"step_interval"`
	Steps          int      `json:"steps" yaml:"steps" toml:"steps"`
	HealthInterval Duration `json:"health_interval" yaml:"health_interval" toml:"health_interval"`
	QueueSize      int      `json:"queue_size" yaml:"queue_size" toml:"queue_size"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	Path    string `json:"path" yaml:"path" toml:"path"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":9090",
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Auth: AuthConfig{
			AdminUser: "admin",
			TokenTTL:  Duration(24 * time.Hour),
		},
		Upstream: UpstreamConfig{
			GraphQLURL: "http://localhost:9090/graphql",
			Timeout:    Duration(30 * time.Second),
		},
		Stream: StreamConfig{
			Heartbeat: Duration(15 * time.Second),
		},
		Simulator: SimulatorConfig{
			Enabled:        true,
			StepInterval:   Duration(500 * time.Millisecond),
			Steps:          4,
			HealthInterval: Duration(30 * time.Second),
			QueueSize:      64,
		},
		Logging: logging.Config{Level: "info", Format: "console"},
		Metrics: MetricsConfig{Enabled: true, Path: "/metrics"},
		DataDir: "./data",
	}
}

// Load reads a YAML or TOML config file (chosen by extension) over the
// defaults. A .env file next to the config, or in the working directory, is
// loaded first; ${VAR} references in the file are expanded from the
// environment. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	loadDotEnv(path)

	cfg := DefaultConfig()
	if path == "" {
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	expanded := os.ExpandEnv(string(data))

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case ".yaml", ".yml", "":
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("config %s: unsupported format %q", path, filepath.Ext(path))
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// loadDotEnv loads .env files without overriding variables already set.
func loadDotEnv(path string) {
	candidates := []string{".env"}
	if path != "" {
		if dir := filepath.Dir(path); dir != "." {
			candidates = append([]string{filepath.Join(dir, ".env")}, candidates...)
		}
	}
	for _, f := range candidates {
		if _, err := os.Stat(f); err == nil {
			_ = godotenv.Load(f)
		}
	}
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("server.shutdown_timeout must be positive"))
	}
	if c.Auth.AdminUser == "" {
		errs = append(errs, errors.New("auth.admin_user is required"))
	}
	if c.Auth.TokenTTL <= 0 {
		errs = append(errs, errors.New("auth.token_ttl must be positive"))
	}
	if c.Upstream.GraphQLURL != "" {
		if u, err := url.Parse(c.Upstream.GraphQLURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("upstream.graphql_url %q is not an absolute URL", c.Upstream.GraphQLURL))
		}
	}
	if c.Upstream.Timeout <= 0 {
		errs = append(errs, errors.New("upstream.timeout must be positive"))
	}
	if c.Stream.Heartbeat <= 0 {
		errs = append(errs, errors.New("stream.heartbeat must be positive"))
	}
	if c.Simulator.Enabled && c.Simulator.StepInterval <= 0 {
		errs = append(errs, errors.New("simulator.step_interval must be positive"))
	}
	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		errs = append(errs, errors.New("metrics.path must start with /"))
	}
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}
	return errors.Join(errs...)
}
