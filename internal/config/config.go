package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v2"

	"github.com/can-bridge/internal/can"
)

// Config represents the complete service configuration for the bridge
type Config struct {
	Network NetworkConfig `yaml:"network" toml:"network"`
	Device  DeviceConfig  `yaml:"device" toml:"device"`
	Storage StorageConfig `yaml:"storage" toml:"storage"`
	Bus     BusConfig     `yaml:"bus" toml:"bus"`
	Monitor MonitorConfig `yaml:"monitor" toml:"monitor"`
	Timing  TimingConfig  `yaml:"timing" toml:"timing"`
	Logging LoggingConfig `yaml:"logging" toml:"logging"`
	Publish PublishConfig `yaml:"publish" toml:"publish"`
}

// NetworkConfig holds network-related settings
type NetworkConfig struct {
	HTTP        HTTPConfig        `yaml:"http" toml:"http"`
	Maintenance MaintenanceConfig `yaml:"maintenance" toml:"maintenance"`
}

// HTTPConfig holds HTTP server settings
type HTTPConfig struct {
	Port         int    `yaml:"port" toml:"port"`
	ServerHeader string `yaml:"serverHeader" toml:"serverHeader"`
	DevMode      bool   `yaml:"devMode" toml:"devMode"`
}

// MaintenanceConfig holds maintenance TCP server settings
type MaintenanceConfig struct {
	Port         int      `yaml:"port" toml:"port"`
	AllowedCIDRs []string `yaml:"allowedCidrs" toml:"allowedCidrs"`
}

// DeviceConfig identifies the unit in the UI
type DeviceConfig struct {
	Name string `yaml:"name" toml:"name"`
}

// StorageConfig locates the uploaded blob and the runtime parameter file
type StorageConfig struct {
	DataDir    string `yaml:"dataDir" toml:"dataDir"`
	BlobName   string `yaml:"blobName" toml:"blobName"`
	ParamsName string `yaml:"paramsName" toml:"paramsName"`
}

// BusConfig selects and configures the CAN transceiver
type BusConfig struct {
	Driver      string       `yaml:"driver" toml:"driver"` // stub, slcan or mcp2515
	TxPin       int          `yaml:"txPin" toml:"txPin"`
	RxPin       int          `yaml:"rxPin" toml:"rxPin"`
	CSPin       int          `yaml:"csPin" toml:"csPin"` // mcp2515 chip select
	BitrateKbps int          `yaml:"bitrateKbps" toml:"bitrateKbps"`
	Mode        string       `yaml:"mode" toml:"mode"`
	TxTimeoutMs int          `yaml:"txTimeoutMs" toml:"txTimeoutMs"`
	Loopback    bool         `yaml:"loopback" toml:"loopback"` // stub driver only
	Serial      SerialConfig `yaml:"serial" toml:"serial"`
}

// SerialConfig holds slcan adapter settings
type SerialConfig struct {
	Port string `yaml:"port" toml:"port"`
	Baud int    `yaml:"baud" toml:"baud"`
}

// MonitorConfig holds receive monitor settings
type MonitorConfig struct {
	TickMs         int      `yaml:"tickMs" toml:"tickMs"`
	Width          int      `yaml:"width" toml:"width"`
	IDs            []string `yaml:"ids" toml:"ids"` // hex, no prefix
	PassIntervalMs int      `yaml:"passIntervalMs" toml:"passIntervalMs"`
	DummyTraffic   bool     `yaml:"dummyTraffic" toml:"dummyTraffic"`
	DummyPermille  int      `yaml:"dummyPermille" toml:"dummyPermille"`
}

// TimingConfig holds command timeout settings
type TimingConfig struct {
	Commands CommandsConfig `yaml:"commands" toml:"commands"`
}

// CommandsConfig holds per-command timeouts. Zero means wait for completion.
type CommandsConfig struct {
	Read     TimeoutConfig `yaml:"read" toml:"read"`
	Config   TimeoutConfig `yaml:"config" toml:"config"`
	Transmit TimeoutConfig `yaml:"transmit" toml:"transmit"`
}

// TimeoutConfig holds timeout settings for a command
type TimeoutConfig struct {
	TimeoutSec int `yaml:"timeoutSec" toml:"timeoutSec"`
}

// Duration converts the timeout, zero meaning none.
func (t TimeoutConfig) Duration() time.Duration {
	return time.Duration(t.TimeoutSec) * time.Second
}

// LoggingConfig holds logger settings
type LoggingConfig struct {
	Level      string `yaml:"level" toml:"level"`
	Encoding   string `yaml:"encoding" toml:"encoding"` // console or json
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"maxSizeMb" toml:"maxSizeMb"`
	MaxBackups int    `yaml:"maxBackups" toml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays" toml:"maxAgeDays"`
	Compress   bool   `yaml:"compress" toml:"compress"`
	AuditFile  string `yaml:"auditFile" toml:"auditFile"` // empty disables the audit log
}

// PublishConfig holds optional fan-out targets
type PublishConfig struct {
	Redis RedisConfig `yaml:"redis" toml:"redis"`
}

// RedisConfig holds Redis publisher settings
type RedisConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Addr      string `yaml:"addr" toml:"addr"`
	DB        int    `yaml:"db" toml:"db"`
	KeyPrefix string `yaml:"keyPrefix" toml:"keyPrefix"`
}

const maxMonitorIDs = 32

// Load loads configuration from file and environment variables
func Load() (*Config, error) {
	// Load default configuration
	cfg := getDefaultConfig()

	// Load from default config file
	if err := loadFromFile(cfg, "config/default.yaml"); err != nil && !os.IsNotExist(err) {
		fmt.Printf("Warning: Could not load default config: %v\n", err)
	}

	// Load from config file if CANBRIDGE_CONFIG is set
	if path := os.Getenv("CANBRIDGE_CONFIG"); path != "" {
		if err := loadFromFile(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
		}
	}

	// Override with environment variables
	applyEnvOverrides(cfg)

	// Validate configuration
	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// getDefaultConfig returns the default configuration
func getDefaultConfig() *Config {
	return &Config{
		Network: NetworkConfig{
			HTTP: HTTPConfig{
				Port: 80,
			},
			Maintenance: MaintenanceConfig{
				Port:         50000,
				AllowedCIDRs: []string{"127.0.0.0/8", "192.168.4.0/24"},
			},
		},
		Device: DeviceConfig{
			Name: "CAN-Bridge",
		},
		Storage: StorageConfig{
			DataDir:    "data",
			BlobName:   "uploaded.bin",
			ParamsName: "config.json",
		},
		Bus: BusConfig{
			Driver:      "stub",
			TxPin:       26,
			RxPin:       32,
			CSPin:       5,
			BitrateKbps: 500,
			Mode:        "no-ack",
			TxTimeoutMs: 10,
			Serial: SerialConfig{
				Port: "/dev/ttyACM0",
				Baud: 115200,
			},
		},
		Monitor: MonitorConfig{
			TickMs:         100,
			Width:          120,
			IDs:            []string{"123", "124", "100"},
			PassIntervalMs: 1,
			DummyPermille:  2,
		},
		Timing: TimingConfig{
			Commands: CommandsConfig{
				Read:   TimeoutConfig{TimeoutSec: 5},
				Config: TimeoutConfig{TimeoutSec: 10},
				// Transmission runs block until the whole blob is sent
				Transmit: TimeoutConfig{TimeoutSec: 0},
			},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Encoding:   "console",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Publish: PublishConfig{
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				KeyPrefix: "canbridge",
			},
		},
	}
}

// loadFromFile loads configuration from a YAML or TOML file
func loadFromFile(cfg *Config, filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}

	if strings.EqualFold(filepath.Ext(filename), ".toml") {
		_, err = toml.Decode(string(data), cfg)
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// applyEnvOverrides applies environment variable overrides
func applyEnvOverrides(cfg *Config) {
	if driver := os.Getenv("CANBRIDGE_BUS_DRIVER"); driver != "" {
		cfg.Bus.Driver = driver
	}

	if port := os.Getenv("CANBRIDGE_SERIAL_PORT"); port != "" {
		cfg.Bus.Serial.Port = port
	}

	if httpPort := os.Getenv("CANBRIDGE_HTTP_PORT"); httpPort != "" {
		if p, err := strconv.Atoi(httpPort); err == nil {
			cfg.Network.HTTP.Port = p
		}
	}

	if dir := os.Getenv("CANBRIDGE_DATA_DIR"); dir != "" {
		cfg.Storage.DataDir = dir
	}

	if level := os.Getenv("CANBRIDGE_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}

	if addr := os.Getenv("CANBRIDGE_REDIS_ADDR"); addr != "" {
		cfg.Publish.Redis.Addr = addr
		cfg.Publish.Redis.Enabled = true
	}
}

// validateConfig validates the configuration
func validateConfig(cfg *Config) error {
	validDrivers := []string{"stub", "slcan", "mcp2515"}
	if !contains(validDrivers, cfg.Bus.Driver) {
		return fmt.Errorf("invalid bus driver %s, must be one of: %v", cfg.Bus.Driver, validDrivers)
	}

	if _, err := can.ParseMode(cfg.Bus.Mode); err != nil {
		return err
	}

	if cfg.Bus.BitrateKbps <= 0 {
		return fmt.Errorf("invalid bus bitrate %d kbit/s", cfg.Bus.BitrateKbps)
	}

	if cfg.Bus.Driver == "slcan" && cfg.Bus.Serial.Port == "" {
		return fmt.Errorf("slcan driver requires bus.serial.port")
	}

	if cfg.Network.HTTP.Port < 1 || cfg.Network.HTTP.Port > 65535 {
		return fmt.Errorf("invalid HTTP port %d", cfg.Network.HTTP.Port)
	}

	if cfg.Network.Maintenance.Port < 1 || cfg.Network.Maintenance.Port > 65535 {
		return fmt.Errorf("invalid maintenance port %d", cfg.Network.Maintenance.Port)
	}

	if cfg.Monitor.TickMs <= 0 || cfg.Monitor.Width <= 0 || cfg.Monitor.PassIntervalMs <= 0 {
		return fmt.Errorf("monitor tickMs, width and passIntervalMs must be positive")
	}

	if cfg.Monitor.DummyPermille < 0 || cfg.Monitor.DummyPermille > 1000 {
		return fmt.Errorf("monitor dummyPermille %d is outside [0, 1000]", cfg.Monitor.DummyPermille)
	}

	if _, err := cfg.Monitor.Identifiers(); err != nil {
		return err
	}

	validLevels := []string{"debug", "info", "warn", "error"}
	if !contains(validLevels, cfg.Logging.Level) {
		return fmt.Errorf("invalid log level %s, must be one of: %v", cfg.Logging.Level, validLevels)
	}

	if cfg.Publish.Redis.Enabled && cfg.Publish.Redis.Addr == "" {
		return fmt.Errorf("redis publisher enabled without an address")
	}

	if cfg.Storage.BlobName == "" || cfg.Storage.ParamsName == "" {
		return fmt.Errorf("storage blobName and paramsName are required")
	}

	return nil
}

// Identifiers parses the monitored identifier list
func (m MonitorConfig) Identifiers() ([]can.ID, error) {
	if len(m.IDs) == 0 {
		return nil, fmt.Errorf("at least one monitor id must be configured")
	}
	if len(m.IDs) > maxMonitorIDs {
		return nil, fmt.Errorf("at most %d monitor ids are supported, got %d", maxMonitorIDs, len(m.IDs))
	}
	ids := make([]can.ID, 0, len(m.IDs))
	for _, s := range m.IDs {
		id, err := can.ParseID(s)
		if err != nil {
			return nil, fmt.Errorf("monitor id %q: %w", s, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// TickPeriod returns the monitor tick period
func (m MonitorConfig) TickPeriod() time.Duration {
	return time.Duration(m.TickMs) * time.Millisecond
}

// PassInterval returns the scheduler pass period
func (m MonitorConfig) PassInterval() time.Duration {
	return time.Duration(m.PassIntervalMs) * time.Millisecond
}

// BlobPath returns the uploaded blob location
func (s StorageConfig) BlobPath() string {
	return filepath.Join(s.DataDir, s.BlobName)
}

// ParamsPath returns the runtime parameter file location
func (s StorageConfig) ParamsPath() string {
	return filepath.Join(s.DataDir, s.ParamsName)
}

// contains checks if a string slice contains a specific string
func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// TxTimeout returns the per-frame transmit timeout
func (b BusConfig) TxTimeout() time.Duration {
	return time.Duration(b.TxTimeoutMs) * time.Millisecond
}
