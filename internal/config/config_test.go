package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, `
amc:
  email: user@example.com
  password: secret
  central_id: CENTRAL1
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	require.Equal(t, "localhost", cfg.MQTT.Host)
	require.Equal(t, 1883, cfg.MQTT.Port)
	require.Equal(t, 60, cfg.MQTT.Keepalive)
	require.Equal(t, "amc2mqtt", cfg.MQTT.Prefix)
	require.Equal(t, "homeassistant", cfg.HomeAssistant.Prefix)
	require.Equal(t, "info", cfg.Log)
	require.Equal(t, 30, cfg.AMC.QueryInterval)
	require.Equal(t, -1, cfg.AMC.UserIndex)
}

func TestLoadConfigFull(t *testing.T) {
	path := writeConfig(t, `
amc:
  url: wss://example.com/ws/client
  email: user@example.com
  password: secret
  central_id: CENTRAL1
  central_username: admin
  central_password: adminpw
  user_index: 2
  query_interval: 60
mqtt:
  host: broker.local
  port: 8883
  username: mq
  password: mqpw
  qos: 1
  retain: true
  prefix: alarm
homeassistant:
  discovery: true
log: debug
cache: true
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	require.Equal(t, "wss://example.com/ws/client", cfg.AMC.URL)
	require.Equal(t, 2, cfg.AMC.UserIndex)
	require.Equal(t, 60, cfg.AMC.QueryInterval)
	require.Equal(t, "broker.local", cfg.MQTT.Host)
	require.Equal(t, 8883, cfg.MQTT.Port)
	require.Equal(t, 1, cfg.MQTT.QOS)
	require.True(t, cfg.MQTT.Retain)
	require.Equal(t, "alarm", cfg.MQTT.Prefix)
	require.True(t, cfg.HomeAssistant.Discovery)
	require.Equal(t, "debug", cfg.Log)
	require.True(t, cfg.Cache)
}

func TestLoadConfigMissingCredentials(t *testing.T) {
	path := writeConfig(t, `
amc:
  email: user@example.com
  central_id: CENTRAL1
`)
	_, err := LoadConfig(path)
	require.Error(t, err)

	path = writeConfig(t, `
amc:
  email: user@example.com
  password: secret
`)
	_, err = LoadConfig(path)
	require.Error(t, err)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yml"))
	require.Error(t, err)
}

func TestLoadConfigBadYAML(t *testing.T) {
	path := writeConfig(t, "amc: [not a map")
	_, err := LoadConfig(path)
	require.Error(t, err)
}
