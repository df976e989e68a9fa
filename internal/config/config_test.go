package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pvcollect.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

const validYAML = `
site:
  name: home
  region: RI
  tz: America/New_York
  latitude: 41.5
  longitude: -71.3
  co2_avoided: 0.000475
solar_properties:
  tilt: 30
  azimuth: 180
  rho: 0.2
inverters:
  - name: sb71
    url: http://sb71.local
    username: user
    password: secret
  - name: sb72
    url: http://sb72.local
    username: user
    password: secret
influxdb2:
  url: http://localhost:8086
  token: token
  org: home
  bucket: pvcollect
mqtt:
  broker: tcp://localhost:1883
  client_id: pvcollect
  base_topic: pvcollect
`

func TestLoadValid(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)

	assert.Equal(t, "America/New_York", cfg.Site.TZ)
	assert.Equal(t, 41.5, cfg.Site.Latitude)
	require.Len(t, cfg.Inverters, 2)
	assert.Equal(t, "sb71", cfg.Inverters[0].Name)
	require.NotNil(t, cfg.MQTT)
	assert.Equal(t, "tcp://localhost:1883", cfg.MQTT.Broker)
	require.NotNil(t, cfg.Influx)
	assert.Equal(t, "pvcollect", cfg.Influx.Bucket)
	assert.Nil(t, cfg.Status)
}

func TestLoadDefaultsSampling(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)

	assert.Equal(t, 30, cfg.Sampling.Fast)
	assert.Equal(t, 60, cfg.Sampling.Medium)
	assert.Equal(t, 120, cfg.Sampling.Slow)
}

func TestLoadSamplingOverride(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML+`
sampling:
  fast: 10
  medium: 30
  slow: 300
`))
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.Sampling.Fast)
	assert.Equal(t, 300, cfg.Sampling.Slow)
}

func TestLoadRejectsEmptyInverters(t *testing.T) {
	_, err := Load(writeConfig(t, `
site:
  tz: UTC
inverters: []
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one inverter")
}

func TestLoadRejectsIncompleteInverter(t *testing.T) {
	_, err := Load(writeConfig(t, `
site:
  tz: UTC
inverters:
  - name: sb71
    url: http://sb71.local
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "password")
}

func TestLoadRejectsBadTimezone(t *testing.T) {
	_, err := Load(writeConfig(t, `
site:
  tz: Mars/Olympus
inverters:
  - name: sb71
    url: http://sb71.local
    password: secret
`))
	require.Error(t, err)
}

func TestLocationFallsBackToUTC(t *testing.T) {
	cfg := &Config{Site: Site{TZ: "not-a-zone"}}
	assert.Equal(t, "UTC", cfg.Location().String())
}
