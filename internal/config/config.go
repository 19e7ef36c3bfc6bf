// Package config loads smp settings from YAML files and SMP_* environment
// variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/vitaminmoo/smp-tool/internal/firmware"
	"github.com/vitaminmoo/smp-tool/internal/protocol"
)

// Verbose enables debug output when true
var Verbose bool

// Debugf logs a debug message through the global logger when Verbose is true
func Debugf(format string, args ...any) {
	if Verbose {
		zap.S().Debugf(format, args...)
	}
}

// Config is the root configuration.
type Config struct {
	Transport TransportConfig `mapstructure:"transport" yaml:"transport"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
	Upgrade   UpgradeConfig   `mapstructure:"upgrade" yaml:"upgrade"`

	// StoreDir holds saved transfer sessions. Empty means ~/.smp/sessions.
	StoreDir string `mapstructure:"store_dir" yaml:"store_dir"`
}

// TransportConfig selects the link to the device.
type TransportConfig struct {
	// Kind: ble, serial or udp
	Kind string `mapstructure:"kind" yaml:"kind"`
	// Scheme: standard, coap-ble or coap-udp. Empty picks the kind's default.
	Scheme  string        `mapstructure:"scheme" yaml:"scheme"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
	// PollInterval paces reachability probes on links without connection
	// events.
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`

	BLE    BLEConfig    `mapstructure:"ble" yaml:"ble"`
	Serial SerialConfig `mapstructure:"serial" yaml:"serial"`
	UDP    UDPConfig    `mapstructure:"udp" yaml:"udp"`
}

type BLEConfig struct {
	Name        string        `mapstructure:"name" yaml:"name"`
	Address     string        `mapstructure:"address" yaml:"address"`
	ScanTimeout time.Duration `mapstructure:"scan_timeout" yaml:"scan_timeout"`
	Reconnect   bool          `mapstructure:"reconnect" yaml:"reconnect"`
}

type SerialConfig struct {
	Port string `mapstructure:"port" yaml:"port"`
	Baud int    `mapstructure:"baud" yaml:"baud"`
	MTU  int    `mapstructure:"mtu" yaml:"mtu"`
}

type UDPConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
	MTU  int    `mapstructure:"mtu" yaml:"mtu"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level" yaml:"level"`
	// Format: console or json
	Format string `mapstructure:"format" yaml:"format"`
	// Outputs: stdout, stderr, or file paths
	Outputs     []string       `mapstructure:"outputs" yaml:"outputs"`
	Rotation    RotationConfig `mapstructure:"rotation" yaml:"rotation"`
	Development bool           `mapstructure:"development" yaml:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool   `mapstructure:"enable" yaml:"enable"`
	Filename   string `mapstructure:"filename" yaml:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

// UpgradeConfig tunes firmware upgrades and file transfers.
type UpgradeConfig struct {
	Mode       string `mapstructure:"mode" yaml:"mode"`
	RetryLimit int    `mapstructure:"retry_limit" yaml:"retry_limit"`
	// ChunkSize overrides the size derived from the link MTU when positive.
	ChunkSize int `mapstructure:"chunk_size" yaml:"chunk_size"`
	// ResetTimeout bounds the wait for the device to come back after a
	// reset. Zero waits indefinitely.
	ResetTimeout time.Duration `mapstructure:"reset_timeout" yaml:"reset_timeout"`
}

// Default returns a Config populated with defaults.
func Default() *Config {
	return &Config{
		Transport: TransportConfig{
			Kind:         "ble",
			Timeout:      10 * time.Second,
			PollInterval: 2 * time.Second,
			BLE:          BLEConfig{ScanTimeout: 10 * time.Second, Reconnect: true},
			Serial:       SerialConfig{Baud: 115200, MTU: 256},
			UDP:          UDPConfig{MTU: 1024},
		},
		Log: LogConfig{
			Level:   "warn",
			Format:  "console",
			Outputs: []string{"stderr"},
			Rotation: RotationConfig{
				Filename:   "smp.log",
				MaxSizeMB:  10,
				MaxBackups: 3,
				MaxAgeDays: 28,
			},
		},
		Upgrade: UpgradeConfig{
			Mode:         "test-and-confirm",
			RetryLimit:   1,
			ResetTimeout: time.Minute,
		},
	}
}

// Load reads configuration from path, or from the first smp.yaml found in
// ., ./configs and ~/.smp when path is empty. Environment variables use the
// prefix SMP with `.` and `-` replaced by `_`, e.g. SMP_TRANSPORT_KIND=udp.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("SMP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("transport.kind", cfg.Transport.Kind)
	v.SetDefault("transport.scheme", cfg.Transport.Scheme)
	v.SetDefault("transport.timeout", cfg.Transport.Timeout)
	v.SetDefault("transport.poll_interval", cfg.Transport.PollInterval)
	v.SetDefault("transport.ble.name", cfg.Transport.BLE.Name)
	v.SetDefault("transport.ble.address", cfg.Transport.BLE.Address)
	v.SetDefault("transport.ble.scan_timeout", cfg.Transport.BLE.ScanTimeout)
	v.SetDefault("transport.ble.reconnect", cfg.Transport.BLE.Reconnect)
	v.SetDefault("transport.serial.port", cfg.Transport.Serial.Port)
	v.SetDefault("transport.serial.baud", cfg.Transport.Serial.Baud)
	v.SetDefault("transport.serial.mtu", cfg.Transport.Serial.MTU)
	v.SetDefault("transport.udp.addr", cfg.Transport.UDP.Addr)
	v.SetDefault("transport.udp.mtu", cfg.Transport.UDP.MTU)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)
	v.SetDefault("upgrade.mode", cfg.Upgrade.Mode)
	v.SetDefault("upgrade.retry_limit", cfg.Upgrade.RetryLimit)
	v.SetDefault("upgrade.chunk_size", cfg.Upgrade.ChunkSize)
	v.SetDefault("upgrade.reset_timeout", cfg.Upgrade.ResetTimeout)
	v.SetDefault("store_dir", cfg.StoreDir)

	if path == "" {
		path = os.Getenv("SMP_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("smp")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".smp"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	c.Transport.Kind = strings.ToLower(strings.TrimSpace(c.Transport.Kind))
	switch c.Transport.Kind {
	case "ble", "serial", "udp":
	default:
		return fmt.Errorf("invalid transport.kind: %q", c.Transport.Kind)
	}
	if _, err := c.Scheme(); err != nil {
		return fmt.Errorf("invalid transport.scheme: %w", err)
	}

	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stderr"}
	}

	if _, err := firmware.ParseMode(c.Upgrade.Mode); err != nil {
		return fmt.Errorf("invalid upgrade.mode: %w", err)
	}
	if c.Upgrade.RetryLimit < 0 {
		return fmt.Errorf("invalid upgrade.retry_limit: %d", c.Upgrade.RetryLimit)
	}
	if c.Transport.Timeout <= 0 {
		c.Transport.Timeout = Default().Transport.Timeout
	}
	return nil
}

// Scheme resolves the wire variant. BLE and serial carry only the standard
// scheme; UDP defaults to it and also takes coap-udp.
func (c *Config) Scheme() (protocol.Scheme, error) {
	s, err := protocol.ParseScheme(c.Transport.Scheme)
	if err != nil {
		return 0, err
	}
	switch {
	case c.Transport.Kind == "serial" && s != protocol.SchemeStandard:
		return 0, fmt.Errorf("%s is not available on serial", s)
	case c.Transport.Kind == "udp" && s == protocol.SchemeCoapBLE:
		return 0, fmt.Errorf("%s is not available on udp", s)
	case c.Transport.Kind == "ble" && s != protocol.SchemeStandard:
		return 0, fmt.Errorf("%s is not available on ble", s)
	}
	return s, nil
}

// Write saves cfg as YAML at path, creating parent directories.
func Write(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
