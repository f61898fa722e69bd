// Copyright 2024 The mqttfuzz-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads and validates fuzzer configuration from YAML or
// JSON files and translates it into the runner's component configs.
package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/turtacn/mqttfuzz-go/pkg/engine"
	"github.com/turtacn/mqttfuzz-go/pkg/harness"
	"github.com/turtacn/mqttfuzz-go/pkg/runner"
	"github.com/turtacn/mqttfuzz-go/pkg/session"
	"github.com/turtacn/mqttfuzz-go/pkg/sink"
)

// KubernetesConfig selects target discovery through service endpoints.
type KubernetesConfig struct {
	Enabled   bool   `yaml:"enabled" json:"enabled"`
	Namespace string `yaml:"namespace" json:"namespace"`
	Service   string `yaml:"service" json:"service"`
	PortName  string `yaml:"port_name" json:"port_name"`
}

// TargetsConfig names the brokers to fuzz.
type TargetsConfig struct {
	Static     []string         `yaml:"static" json:"static"`
	Kubernetes KubernetesConfig `yaml:"kubernetes" json:"kubernetes"`
}

// SessionConfig tunes the per-target connection lifecycle. Timeouts are
// milliseconds.
type SessionConfig struct {
	ClientIDPrefix     string `yaml:"client_id_prefix" json:"client_id_prefix"`
	KeepAliveSeconds   int    `yaml:"keep_alive_seconds" json:"keep_alive_seconds"`
	ConnectTimeoutMS   int    `yaml:"connect_timeout_ms" json:"connect_timeout_ms"`
	HandshakeTimeoutMS int    `yaml:"handshake_timeout_ms" json:"handshake_timeout_ms"`
	ProbeTimeoutMS     int    `yaml:"probe_timeout_ms" json:"probe_timeout_ms"`
}

// FuzzConfig tunes the campaign itself.
type FuzzConfig struct {
	Seed              int64    `yaml:"seed" json:"seed"`
	CasesPerField     int      `yaml:"cases_per_field" json:"cases_per_field"`
	Shapes            []string `yaml:"shapes" json:"shapes"`
	ResponseTimeoutMS int      `yaml:"response_timeout_ms" json:"response_timeout_ms"`
	MaxSetupFailures  int      `yaml:"max_setup_failures" json:"max_setup_failures"`
	ConfirmWithClient bool     `yaml:"confirm_with_client" json:"confirm_with_client"`
	RetryAttempts     int      `yaml:"retry_attempts" json:"retry_attempts"`
	RetryDelayMS      int      `yaml:"retry_delay_ms" json:"retry_delay_ms"`
	MaxAttempts       int      `yaml:"max_attempts" json:"max_attempts"`
}

// PostgresSinkConfig holds the verdict database settings.
type PostgresSinkConfig struct {
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
	Database string `yaml:"database" json:"database"`
	Table    string `yaml:"table" json:"table"`
	SSLMode  string `yaml:"ssl_mode" json:"ssl_mode"`
}

// SinkConfig selects where verdicts are recorded.
type SinkConfig struct {
	Type     string             `yaml:"type" json:"type"`
	Postgres PostgresSinkConfig `yaml:"postgres" json:"postgres"`
}

// Config is the complete fuzzer configuration.
type Config struct {
	Targets     TargetsConfig `yaml:"targets" json:"targets"`
	Session     SessionConfig `yaml:"session" json:"session"`
	Fuzz        FuzzConfig    `yaml:"fuzz" json:"fuzz"`
	Sink        SinkConfig    `yaml:"sink" json:"sink"`
	MetricsPort string        `yaml:"metrics_port" json:"metrics_port"`
}

// DefaultConfig returns a configuration that fuzzes a local broker with
// the full catalog.
func DefaultConfig() *Config {
	return &Config{
		Targets: TargetsConfig{
			Static: []string{"127.0.0.1:1883"},
			Kubernetes: KubernetesConfig{
				Namespace: "default",
				PortName:  "mqtt",
			},
		},
		Session: SessionConfig{
			ClientIDPrefix:     "mqttfuzz",
			KeepAliveSeconds:   60,
			ConnectTimeoutMS:   5000,
			HandshakeTimeoutMS: 5000,
			ProbeTimeoutMS:     1000,
		},
		Fuzz: FuzzConfig{
			Seed:              1,
			CasesPerField:     8,
			ResponseTimeoutMS: 500,
			MaxSetupFailures:  5,
			RetryAttempts:     3,
			RetryDelayMS:      500,
			MaxAttempts:       3,
		},
		Sink: SinkConfig{
			Type: "memory",
			Postgres: PostgresSinkConfig{
				Host:     "localhost",
				Port:     5432,
				Username: "postgres",
				Database: "mqttfuzz",
				Table:    "verdicts",
				SSLMode:  "disable",
			},
		},
		MetricsPort: ":8082",
	}
}

// LoadConfig loads configuration from a file. An empty path yields the
// defaults.
func LoadConfig(configPath string) (*Config, error) {
	if configPath == "" {
		log.Println("[INFO] No config file specified, using default configuration")
		return DefaultConfig(), nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	config := DefaultConfig()
	ext := strings.ToLower(filepath.Ext(configPath))

	switch ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, config)
	case ".json":
		err = json.Unmarshal(data, config)
	default:
		return nil, fmt.Errorf("unsupported config file format: %s (supported: .yaml, .yml, .json)", ext)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	log.Printf("[INFO] Configuration loaded from %s", configPath)
	return config, nil
}

// SaveConfig writes the configuration to a file, choosing the format by
// the extension.
func SaveConfig(config *Config, configPath string) error {
	var data []byte
	var err error

	ext := strings.ToLower(filepath.Ext(configPath))
	switch ext {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(config)
	case ".json":
		data, err = json.MarshalIndent(config, "", "  ")
	default:
		return fmt.Errorf("unsupported config file format: %s (supported: .yaml, .yml, .json)", ext)
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", configPath, err)
	}

	log.Printf("[INFO] Configuration saved to %s", configPath)
	return nil
}

func validateConfig(config *Config) error {
	if len(config.Targets.Static) == 0 && !config.Targets.Kubernetes.Enabled {
		return fmt.Errorf("no targets configured: set targets.static or enable targets.kubernetes")
	}
	if config.Targets.Kubernetes.Enabled {
		if config.Targets.Kubernetes.Service == "" {
			return fmt.Errorf("targets.kubernetes.service cannot be empty")
		}
		if config.Targets.Kubernetes.PortName == "" {
			return fmt.Errorf("targets.kubernetes.port_name cannot be empty")
		}
	}
	if config.Session.KeepAliveSeconds < 0 || config.Session.KeepAliveSeconds > 65535 {
		return fmt.Errorf("session.keep_alive_seconds out of range: %d", config.Session.KeepAliveSeconds)
	}
	if config.Fuzz.CasesPerField < 0 {
		return fmt.Errorf("fuzz.cases_per_field cannot be negative")
	}
	switch config.Sink.Type {
	case "", "memory", "postgres":
	default:
		return fmt.Errorf("unsupported sink type: %s (supported: memory, postgres)", config.Sink.Type)
	}
	return nil
}

// RunnerConfig translates the file representation into the runner's
// component configs.
func (c *Config) RunnerConfig() runner.Config {
	return runner.Config{
		Session: session.Config{
			ClientIDPrefix:   c.Session.ClientIDPrefix,
			KeepAliveSeconds: uint16(c.Session.KeepAliveSeconds),
			ConnectTimeout:   time.Duration(c.Session.ConnectTimeoutMS) * time.Millisecond,
			HandshakeTimeout: time.Duration(c.Session.HandshakeTimeoutMS) * time.Millisecond,
			ProbeTimeout:     time.Duration(c.Session.ProbeTimeoutMS) * time.Millisecond,
		},
		Harness: harness.Config{
			RetryAttempts: c.Fuzz.RetryAttempts,
			RetryDelay:    time.Duration(c.Fuzz.RetryDelayMS) * time.Millisecond,
		},
		Engine: engine.Config{
			Seed:              c.Fuzz.Seed,
			CasesPerField:     c.Fuzz.CasesPerField,
			ResponseTimeout:   time.Duration(c.Fuzz.ResponseTimeoutMS) * time.Millisecond,
			Shapes:            c.Fuzz.Shapes,
			MaxSetupFailures:  c.Fuzz.MaxSetupFailures,
			ConfirmWithClient: c.Fuzz.ConfirmWithClient,
		},
		MaxAttempts: c.Fuzz.MaxAttempts,
	}
}

// PostgresConfig translates the sink section into the PostgreSQL sink's
// config, keeping the sink package's pool defaults.
func (c *Config) PostgresConfig() sink.PostgresConfig {
	pg := sink.DefaultPostgresConfig()
	pg.Host = c.Sink.Postgres.Host
	pg.Port = c.Sink.Postgres.Port
	pg.Username = c.Sink.Postgres.Username
	pg.Password = c.Sink.Postgres.Password
	pg.Database = c.Sink.Postgres.Database
	pg.Table = c.Sink.Postgres.Table
	pg.SSLMode = c.Sink.Postgres.SSLMode
	return pg
}
