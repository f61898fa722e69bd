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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadConfigEmptyPathUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
	assert.Equal(t, []string{"127.0.0.1:1883"}, cfg.Targets.Static)
	assert.Equal(t, "mqttfuzz", cfg.Session.ClientIDPrefix)
	assert.Equal(t, "memory", cfg.Sink.Type)
}

func TestLoadConfigYAML(t *testing.T) {
	path := writeFile(t, "fuzz.yaml", `
targets:
  static:
    - "10.0.0.5:1883"
session:
  client_id_prefix: campaign
  probe_timeout_ms: 250
fuzz:
  seed: 99
  cases_per_field: 4
  shapes:
    - connect
    - publish-qos0
metrics_port: ":9100"
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.5:1883"}, cfg.Targets.Static)
	assert.Equal(t, "campaign", cfg.Session.ClientIDPrefix)
	assert.Equal(t, int64(99), cfg.Fuzz.Seed)
	assert.Equal(t, []string{"connect", "publish-qos0"}, cfg.Fuzz.Shapes)
	assert.Equal(t, ":9100", cfg.MetricsPort)
	// Unset fields keep their defaults.
	assert.Equal(t, 5000, cfg.Session.ConnectTimeoutMS)
}

func TestLoadConfigJSON(t *testing.T) {
	path := writeFile(t, "fuzz.json", `{
  "targets": {"static": ["broker:1883"]},
  "fuzz": {"seed": 7},
  "sink": {"type": "postgres", "postgres": {"host": "db", "port": 5432, "username": "u", "database": "d", "table": "v", "ssl_mode": "disable"}}
}`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Sink.Type)
	assert.Equal(t, "db", cfg.Sink.Postgres.Host)
}

func TestLoadConfigUnsupportedExtension(t *testing.T) {
	path := writeFile(t, "fuzz.toml", "x = 1")
	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported config file format")
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig("/nonexistent/fuzz.yaml")
	assert.Error(t, err)
}

func TestLoadConfigMalformedYAML(t *testing.T) {
	path := writeFile(t, "bad.yaml", "targets: [")
	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestValidateNoTargets(t *testing.T) {
	path := writeFile(t, "fuzz.yaml", `
targets:
  static: []
`)
	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no targets configured")
}

func TestValidateKubernetesNeedsService(t *testing.T) {
	path := writeFile(t, "fuzz.yaml", `
targets:
  static: []
  kubernetes:
    enabled: true
    namespace: mqtt
    port_name: mqtt
`)
	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kubernetes.service")
}

func TestValidateBadSinkType(t *testing.T) {
	path := writeFile(t, "fuzz.yaml", `
sink:
  type: kafka
`)
	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported sink type")
}

func TestValidateKeepAliveRange(t *testing.T) {
	path := writeFile(t, "fuzz.yaml", `
session:
  keep_alive_seconds: 70000
`)
	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "keep_alive_seconds")
}

func TestSaveAndReloadRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Fuzz.Seed = 1234
	cfg.Targets.Static = []string{"a:1883", "b:1883"}

	path := filepath.Join(t.TempDir(), "out.yaml")
	require.NoError(t, SaveConfig(cfg, path))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestRunnerConfigTranslation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Session.ProbeTimeoutMS = 250
	cfg.Fuzz.RetryDelayMS = 100

	rc := cfg.RunnerConfig()
	assert.Equal(t, 250*time.Millisecond, rc.Session.ProbeTimeout)
	assert.Equal(t, 100*time.Millisecond, rc.Harness.RetryDelay)
	assert.Equal(t, uint16(60), rc.Session.KeepAliveSeconds)
	assert.Equal(t, cfg.Fuzz.Seed, rc.Engine.Seed)
	assert.Equal(t, 3, rc.MaxAttempts)
}

func TestPostgresConfigKeepsPoolDefaults(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Sink.Postgres.Host = "db.internal"

	pg := cfg.PostgresConfig()
	assert.Equal(t, "db.internal", pg.Host)
	assert.Equal(t, 10, pg.MaxOpenConns)
	assert.NotZero(t, pg.Timeout)
}
