package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for Lockgate.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Site      SiteConfig      `yaml:"site"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
	Firmware  FirmwareConfig  `yaml:"firmware"`
	RFID      RFIDConfig      `yaml:"rfid"`
	Security  SecurityConfig  `yaml:"security"`
}

// SiteConfig identifies this gateway installation.
type SiteConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// GatewayConfig contains the lock-facing TCP server settings.
type GatewayConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// CommandTimeout is how long an exclusive command waits for the lock's
	// reply before failing with a timeout. Default: 10s
	CommandTimeout time.Duration `yaml:"command_timeout"`

	// IdleTimeout closes a connection that sends nothing for this long.
	// Default: 10m
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// WriteTimeout bounds a single frame write. Default: 5s
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// MaxSessions caps concurrent lock connections. Default: 10000
	MaxSessions int `yaml:"max_sessions"`

	// NotifyQueueSize and NotifyWorkers size the state-sync / fan-out pool.
	NotifyQueueSize int `yaml:"notify_queue_size"`
	NotifyWorkers   int `yaml:"notify_workers"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`

	// Retention bounds how long state history and audit rows are kept.
	// Zero keeps everything. Default: 2160h (90 days)
	Retention time.Duration `yaml:"retention"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled   bool                `yaml:"enabled"`
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// FirmwareConfig locates upgrade images served to locks.
type FirmwareConfig struct {
	// Directory holds one "<device type>.bin" image per lock model, with an
	// optional "<device type>.version" file alongside.
	Directory string `yaml:"directory"`

	// ChunkSize is the upgrade packet size in bytes. Default: 128
	ChunkSize int `yaml:"chunk_size"`
}

// RFIDConfig configures card authorization.
type RFIDConfig struct {
	// HashKey keys the card hash so a leaked database does not reveal card
	// numbers. Set via LOCKGATE_RFID_HASH_KEY.
	HashKey string `yaml:"hash_key"`

	// Cards seeds the credential store at startup.
	Cards []RFIDCard `yaml:"cards"`
}

// RFIDCard is one seeded card credential.
type RFIDCard struct {
	Card    string   `yaml:"card"`
	Label   string   `yaml:"label"`
	Devices []string `yaml:"devices"` // empty = every lock
}

// SecurityConfig contains security settings.
type SecurityConfig struct {
	JWT JWTConfig `yaml:"jwt"`
}

// JWTConfig contains JWT token settings.
type JWTConfig struct {
	Secret         string `yaml:"secret"`
	AccessTokenTTL int    `yaml:"access_token_ttl"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: LOCKGATE_SECTION_KEY
// For example: LOCKGATE_DATABASE_PATH, LOCKGATE_GATEWAY_PORT
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Site: SiteConfig{
			ID:   "site-001",
			Name: "Lockgate",
		},
		Gateway: GatewayConfig{
			Host:            "0.0.0.0",
			Port:            8002,
			CommandTimeout:  10 * time.Second,
			IdleTimeout:     10 * time.Minute,
			WriteTimeout:    5 * time.Second,
			MaxSessions:     10000,
			NotifyQueueSize: 256,
			NotifyWorkers:   4,
		},
		Database: DatabaseConfig{
			Path:        "./data/lockgate.db",
			WALMode:     true,
			BusyTimeout: 5,
			Retention:   90 * 24 * time.Hour,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "lockgate",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 3001,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Firmware: FirmwareConfig{
			Directory: "./data/firmware",
			ChunkSize: 128,
		},
		Security: SecurityConfig{
			JWT: JWTConfig{
				AccessTokenTTL: 15,
			},
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: LOCKGATE_SECTION_KEY
func applyEnvOverrides(cfg *Config) error {
	// Gateway
	if v := os.Getenv("LOCKGATE_GATEWAY_HOST"); v != "" {
		cfg.Gateway.Host = v
	}
	if v := os.Getenv("LOCKGATE_GATEWAY_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("LOCKGATE_GATEWAY_PORT: %w", err)
		}
		cfg.Gateway.Port = port
	}
	if v := os.Getenv("LOCKGATE_GATEWAY_COMMAND_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("LOCKGATE_GATEWAY_COMMAND_TIMEOUT: %w", err)
		}
		cfg.Gateway.CommandTimeout = d
	}

	// Database
	if v := os.Getenv("LOCKGATE_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("LOCKGATE_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("LOCKGATE_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("LOCKGATE_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// API
	if v := os.Getenv("LOCKGATE_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("LOCKGATE_API_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("LOCKGATE_API_PORT: %w", err)
		}
		cfg.API.Port = port
	}

	// InfluxDB
	if v := os.Getenv("LOCKGATE_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Firmware
	if v := os.Getenv("LOCKGATE_FIRMWARE_DIRECTORY"); v != "" {
		cfg.Firmware.Directory = v
	}

	// Secrets (always override in production)
	if v := os.Getenv("LOCKGATE_RFID_HASH_KEY"); v != "" {
		cfg.RFID.HashKey = v
	}
	if v := os.Getenv("LOCKGATE_JWT_SECRET"); v != "" {
		cfg.Security.JWT.Secret = v
	}

	return nil
}

// Validate checks the configuration for errors and security issues.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Site.ID == "" {
		errs = append(errs, "site.id is required")
	}

	// Gateway
	if c.Gateway.Port < 1 || c.Gateway.Port > 65535 {
		errs = append(errs, "gateway.port must be between 1 and 65535")
	}
	if c.Gateway.CommandTimeout < 0 {
		errs = append(errs, "gateway.command_timeout must not be negative")
	}
	if c.Gateway.MaxSessions < 0 {
		errs = append(errs, "gateway.max_sessions must not be negative")
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}
	if c.Database.Retention < 0 {
		errs = append(errs, "database.retention must not be negative")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}
	if c.API.Port == c.Gateway.Port && c.API.Host == c.Gateway.Host {
		errs = append(errs, "api.port and gateway.port must differ")
	}

	if c.Firmware.ChunkSize < 0 {
		errs = append(errs, "firmware.chunk_size must not be negative")
	}

	for i, card := range c.RFID.Cards {
		if strings.TrimSpace(card.Card) == "" {
			errs = append(errs, fmt.Sprintf("rfid.cards[%d].card is required", i))
		}
	}
	if len(c.RFID.Cards) > 0 && c.RFID.HashKey == "" {
		errs = append(errs, "rfid.hash_key is required when cards are seeded (set LOCKGATE_RFID_HASH_KEY environment variable)")
	}

	// Anyone holding a forged token can open locks, so the secret is mandatory.
	const minJWTSecretLength = 32
	if c.Security.JWT.Secret == "" {
		errs = append(errs, "security.jwt.secret is required (set LOCKGATE_JWT_SECRET environment variable)")
	} else if len(c.Security.JWT.Secret) < minJWTSecretLength {
		errs = append(errs, "security.jwt.secret must be at least 32 characters for adequate security")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GatewayAddress returns the lock server listen address.
func (c *Config) GatewayAddress() string {
	return fmt.Sprintf("%s:%d", c.Gateway.Host, c.Gateway.Port)
}

// APIAddress returns the HTTP API listen address.
func (c *Config) APIAddress() string {
	return fmt.Sprintf("%s:%d", c.API.Host, c.API.Port)
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}
