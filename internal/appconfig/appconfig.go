package appconfig

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"tinygo.org/x/bluetooth"

	"github.com/lowaak/esp32-console/internal/console"
)

// Backend selects the BLE central implementation.
type Backend string

const (
	BackendTinyGo Backend = "tinygo"
	BackendGoBLE  Backend = "goble"
	BackendMock   Backend = "mock"
)

const (
	EnvPrefix      = "ESP32_CONSOLE"
	configFileName = "config.yaml"
	logFileName    = "console.log"
	stateDirName   = ".esp32-console"
)

var ErrInvalidConfig = errors.New("invalid configuration")

type LogConfig struct {
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// MQTTConfig configures the telemetry bridge. An empty Broker disables it.
type MQTTConfig struct {
	Broker    string `mapstructure:"broker"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	ClientID  string `mapstructure:"client_id"`
	RootTopic string `mapstructure:"root_topic"`
}

type Config struct {
	NamePrefix         string        `mapstructure:"name_prefix"`
	ServiceUUID        string        `mapstructure:"service_uuid"`
	CharacteristicUUID string        `mapstructure:"characteristic_uuid"`
	Backend            Backend       `mapstructure:"backend"`
	ScanTimeout        time.Duration `mapstructure:"scan_timeout"`
	ConnectTimeout     time.Duration `mapstructure:"connect_timeout"`
	MockPort           int           `mapstructure:"mock_port"`
	StateDir           string        `mapstructure:"state_dir"`
	Log                LogConfig     `mapstructure:"log"`
	MQTT               MQTTConfig    `mapstructure:"mqtt"`

	// ConfigFile is the file that was read, empty when none was.
	ConfigFile string `mapstructure:"-"`
}

// flagKeys maps command line flags onto configuration keys.
var flagKeys = map[string]string{
	"name-prefix":         "name_prefix",
	"service-uuid":        "service_uuid",
	"characteristic-uuid": "characteristic_uuid",
	"backend":             "backend",
	"scan-timeout":        "scan_timeout",
	"connect-timeout":     "connect_timeout",
	"mock-port":           "mock_port",
	"state-dir":           "state_dir",
	"log-file":            "log.file",
	"mqtt-broker":         "mqtt.broker",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("name_prefix", console.DefaultNamePrefix)
	v.SetDefault("service_uuid", console.ServiceUUIDNordicUART)
	v.SetDefault("characteristic_uuid", console.CharUUIDNordicUART)
	v.SetDefault("backend", string(BackendTinyGo))
	v.SetDefault("scan_timeout", 15*time.Second)
	v.SetDefault("connect_timeout", 10*time.Second)
	v.SetDefault("mock_port", 9911)
	v.SetDefault("state_dir", "")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 5)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
	v.SetDefault("log.compress", false)
	v.SetDefault("mqtt.broker", "")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.client_id", "esp32-console")
	v.SetDefault("mqtt.root_topic", "esp32-console")
}

// NewFlagSet declares the command line flags. Flag defaults are informational;
// only flags that were set override other sources.
func NewFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.String("config", "", "configuration file (default <state-dir>/config.yaml)")
	fs.String("name-prefix", console.DefaultNamePrefix, "advertised name prefix of the device")
	fs.String("service-uuid", console.ServiceUUIDNordicUART, "UART service UUID")
	fs.String("characteristic-uuid", console.CharUUIDNordicUART, "UART characteristic UUID")
	fs.String("backend", string(BackendTinyGo), "BLE backend: tinygo, goble or mock")
	fs.Duration("scan-timeout", 15*time.Second, "how long to scan for the device")
	fs.Duration("connect-timeout", 10*time.Second, "how long to wait for the link")
	fs.Int("mock-port", 9911, "port of the mock device page, 0 disables it")
	fs.String("state-dir", "", "directory for state, logs and config (default ~/.esp32-console)")
	fs.String("log-file", "", "log file (default <state-dir>/console.log)")
	fs.String("mqtt-broker", "", "MQTT broker URL for the telemetry bridge")
	return fs
}

// Load parses args and resolves the configuration from flags, environment,
// config file and defaults, in that order of precedence.
func Load(args []string) (Config, error) {
	fs := NewFlagSet("esp32-console")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return FromFlags(fs)
}

// FromFlags resolves the configuration for an already parsed flag set.
func FromFlags(fs *pflag.FlagSet) (Config, error) {
	v := viper.New()
	setDefaults(v)
	for flag, key := range flagKeys {
		if f := fs.Lookup(flag); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return Config{}, fmt.Errorf("bind flag %s: %w", flag, err)
			}
		}
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	stateDir, err := resolveStateDir(v.GetString("state_dir"))
	if err != nil {
		return Config{}, err
	}

	configFile, _ := fs.GetString("config")
	if configFile == "" {
		candidate := filepath.Join(stateDir, configFileName)
		if _, err := os.Stat(candidate); err == nil {
			configFile = candidate
		}
	}
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	cfg.ConfigFile = configFile
	if cfg.StateDir, err = resolveStateDir(cfg.StateDir); err != nil {
		return Config{}, err
	}
	if cfg.Log.File == "" {
		cfg.Log.File = filepath.Join(cfg.StateDir, logFileName)
	}
	cfg.Backend = Backend(strings.ToLower(string(cfg.Backend)))
	if cfg.ServiceUUID, err = canonicalUUID("service_uuid", cfg.ServiceUUID); err != nil {
		return Config{}, err
	}
	if cfg.CharacteristicUUID, err = canonicalUUID("characteristic_uuid", cfg.CharacteristicUUID); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// canonicalUUID expands 16 and 32 bit forms against the Bluetooth base UUID
// and returns the lower case 128 bit form the backends compare against.
func canonicalUUID(key string, s string) (string, error) {
	uuid, err := bluetooth.ParseUUID(s)
	if err != nil {
		return "", fmt.Errorf("%w: %s %q: %v", ErrInvalidConfig, key, s, err)
	}
	return strings.ToLower(uuid.String()), nil
}

func (c Config) Validate() error {
	if _, err := bluetooth.ParseUUID(c.ServiceUUID); err != nil {
		return fmt.Errorf("%w: service_uuid %q: %v", ErrInvalidConfig, c.ServiceUUID, err)
	}
	if _, err := bluetooth.ParseUUID(c.CharacteristicUUID); err != nil {
		return fmt.Errorf("%w: characteristic_uuid %q: %v", ErrInvalidConfig, c.CharacteristicUUID, err)
	}
	switch c.Backend {
	case BackendTinyGo, BackendGoBLE, BackendMock:
	default:
		return fmt.Errorf("%w: unknown backend %q", ErrInvalidConfig, c.Backend)
	}
	if c.ScanTimeout <= 0 {
		return fmt.Errorf("%w: scan_timeout must be positive", ErrInvalidConfig)
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("%w: connect_timeout must be positive", ErrInvalidConfig)
	}
	if c.MockPort < 0 || c.MockPort > 65535 {
		return fmt.Errorf("%w: mock_port %d out of range", ErrInvalidConfig, c.MockPort)
	}
	return nil
}

// Target is the device the console connects to.
func (c Config) Target() console.ConnectTarget {
	return console.ConnectTarget{
		NamePrefix:         c.NamePrefix,
		ServiceUUID:        c.ServiceUUID,
		CharacteristicUUID: c.CharacteristicUUID,
	}
}

func resolveStateDir(dir string) (string, error) {
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("locate home directory: %w", err)
		}
		return filepath.Join(home, stateDirName), nil
	}
	if dir == "~" || strings.HasPrefix(dir, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("locate home directory: %w", err)
		}
		return filepath.Join(home, strings.TrimPrefix(dir, "~")), nil
	}
	return dir, nil
}
