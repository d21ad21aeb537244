package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfigYAML = `
agent:
  vehicle_id: v1
engine:
  max_active_conditions: 10
mqtt:
  broker_url: "tcp://broker:1883"
`

func TestLoadConfig_ParsesYAMLAndStampsConfigPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfigYAML), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "v1", cfg.Agent.VehicleID)
	assert.Equal(t, 10, cfg.Engine.MaxActiveConditions)
	assert.Equal(t, path, cfg.Agent.ConfigPath)
}

func TestLoadConfig_MissingFileReturnsError(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestApplyDefaults_FillsUnsetFieldsOnly(t *testing.T) {
	cfg := &Config{}
	cfg.Agent.VehicleID = "v1"
	cfg.Engine.MaxActiveConditions = 5
	cfg.applyDefaults()

	assert.Equal(t, "v1", cfg.Agent.VehicleID, "explicit value is preserved")
	assert.Equal(t, 5, cfg.Engine.MaxActiveConditions, "explicit value is preserved")
	assert.Equal(t, "development", cfg.Agent.Env, "unset value gets the default")
	assert.Equal(t, 50000, cfg.Engine.MaxDistinctSignalIDs)
	assert.Equal(t, "edge-agent-v1", cfg.MQTT.ClientID, "client id default derives from vehicle id")
	assert.Equal(t, "noop", cfg.RawBuffer.Backend)
	assert.Equal(t, "file", cfg.MatrixSource.Backend)
}

func TestApplyEnvOverrides_EnvTakesPrecedenceOverFileValue(t *testing.T) {
	t.Setenv("MQTT_BROKER_URL", "tcp://from-env:1883")
	t.Setenv("ENGINE_MAX_ACTIVE_CONDITIONS", "42")

	cfg := &Config{}
	cfg.MQTT.BrokerURL = "tcp://from-file:1883"
	cfg.applyEnvOverrides()

	assert.Equal(t, "tcp://from-env:1883", cfg.MQTT.BrokerURL)
	assert.Equal(t, 42, cfg.Engine.MaxActiveConditions)
}

func TestConfig_IsProductionAndIsDevelopment(t *testing.T) {
	cfg := &Config{}
	cfg.Agent.Env = "production"
	assert.True(t, cfg.IsProduction())
	assert.False(t, cfg.IsDevelopment())

	cfg.Agent.Env = "development"
	assert.False(t, cfg.IsProduction())
	assert.True(t, cfg.IsDevelopment())
}
