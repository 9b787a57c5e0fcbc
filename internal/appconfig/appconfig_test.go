package appconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lowaak/esp32-console/internal/console"
)

func TestLoad_Defaults(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Load([]string{"--state-dir", dir})
	require.NoError(t, err)

	assert.Equal(t, console.DefaultNamePrefix, cfg.NamePrefix)
	assert.Equal(t, console.ServiceUUIDNordicUART, cfg.ServiceUUID)
	assert.Equal(t, console.CharUUIDNordicUART, cfg.CharacteristicUUID)
	assert.Equal(t, BackendTinyGo, cfg.Backend)
	assert.Equal(t, 15*time.Second, cfg.ScanTimeout)
	assert.Equal(t, 10*time.Second, cfg.ConnectTimeout)
	assert.Equal(t, 9911, cfg.MockPort)
	assert.Equal(t, dir, cfg.StateDir)
	assert.Equal(t, filepath.Join(dir, "console.log"), cfg.Log.File)
	assert.Equal(t, LogConfig{File: cfg.Log.File, MaxSizeMB: 5, MaxBackups: 3, MaxAgeDays: 28}, cfg.Log)
	assert.Equal(t, MQTTConfig{ClientID: "esp32-console", RootTopic: "esp32-console"}, cfg.MQTT)
	assert.Empty(t, cfg.ConfigFile)
}

func TestLoad_Precedence(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(`
name_prefix: FromFile
backend: mock
scan_timeout: 3s
mqtt:
  broker: tcp://file:1883
  root_topic: home/esp32
log:
  compress: true
`), 0644))
	t.Setenv("ESP32_CONSOLE_SCAN_TIMEOUT", "7s")
	t.Setenv("ESP32_CONSOLE_MQTT_USERNAME", "bridge")

	cfg, err := Load([]string{"--state-dir", dir, "--backend", "goble"})
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "config.yaml"), cfg.ConfigFile)
	assert.Equal(t, "FromFile", cfg.NamePrefix, "file beats default")
	assert.Equal(t, 7*time.Second, cfg.ScanTimeout, "environment beats file")
	assert.Equal(t, BackendGoBLE, cfg.Backend, "flag beats file")
	assert.Equal(t, "tcp://file:1883", cfg.MQTT.Broker)
	assert.Equal(t, "home/esp32", cfg.MQTT.RootTopic)
	assert.Equal(t, "bridge", cfg.MQTT.Username)
	assert.True(t, cfg.Log.Compress)
}

func TestLoad_ExplicitConfigFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "custom.yaml")
	require.NoError(t, os.WriteFile(file, []byte("connect_timeout: 2s\n"), 0644))

	cfg, err := Load([]string{"--state-dir", t.TempDir(), "--config", file})
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, cfg.ConnectTimeout)

	_, err = Load([]string{"--state-dir", t.TempDir(), "--config", filepath.Join(t.TempDir(), "missing.yaml")})
	assert.Error(t, err)
}

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{name: "bad service uuid", args: []string{"--service-uuid", "not-a-uuid"}},
		{name: "bad characteristic uuid", args: []string{"--characteristic-uuid", "zz400002-b5a3-f393-e0a9-e50e24dcca9e"}},
		{name: "truncated characteristic uuid", args: []string{"--characteristic-uuid", "6e400002-b5a3-f393"}},
		{name: "unknown backend", args: []string{"--backend", "serial"}},
		{name: "zero scan timeout", args: []string{"--scan-timeout", "0s"}},
		{name: "negative connect timeout", args: []string{"--connect-timeout", "-1s"}},
		{name: "port out of range", args: []string{"--mock-port", "70000"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(append([]string{"--state-dir", t.TempDir()}, tt.args...))
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestLoad_NormalizesCase(t *testing.T) {
	cfg, err := Load([]string{"--state-dir", t.TempDir(), "--backend", "MOCK", "--service-uuid", "6E400001-B5A3-F393-E0A9-E50E24DCCA9E"})
	require.NoError(t, err)
	assert.Equal(t, BackendMock, cfg.Backend)
	assert.Equal(t, console.ServiceUUIDNordicUART, cfg.ServiceUUID)
}

func TestLoad_ExpandsShortUUIDs(t *testing.T) {
	cfg, err := Load([]string{"--state-dir", t.TempDir(), "--characteristic-uuid", "6e400002"})
	require.NoError(t, err)

	// a 32 bit UUID sits on the Bluetooth base UUID, not the UART one
	assert.Equal(t, "6e400002-0000-1000-8000-00805f9b34fb", cfg.CharacteristicUUID)
	assert.NotEqual(t, console.CharUUIDNordicUART, cfg.CharacteristicUUID)
}

func TestLoad_UnknownFlag(t *testing.T) {
	_, err := Load([]string{"--bogus"})
	assert.Error(t, err)
}

func TestConfig_Target(t *testing.T) {
	cfg, err := Load([]string{"--state-dir", t.TempDir(), "--name-prefix", "ESP32_Lab"})
	require.NoError(t, err)
	assert.Equal(t, console.ConnectTarget{
		NamePrefix:         "ESP32_Lab",
		ServiceUUID:        console.ServiceUUIDNordicUART,
		CharacteristicUUID: console.CharUUIDNordicUART,
	}, cfg.Target())
}

func TestResolveStateDir(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	dir, err := resolveStateDir("")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".esp32-console"), dir)

	dir, err = resolveStateDir("~/state")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "state"), dir)

	dir, err = resolveStateDir("/var/lib/console")
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/console", dir)
}
