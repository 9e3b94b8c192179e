// Package config loads and saves the application configuration.
// Configuration lives in a JSON file; a handful of sensitive or
// deployment-specific fields can be overridden through environment
// variables so they stay out of the file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/telescopio-montemayor/ethernet-encoder-servo/pkg/servo"
)

// Config represents the complete application configuration.
type Config struct {
	Server   ServerConfig       `json:"server"`
	Serial   SerialConfig       `json:"serial"`
	Auth     AuthConfig         `json:"auth"`
	Database DatabaseConfig     `json:"database"`
	Devices  []servo.AxisConfig `json:"devices"`

	// StateFile is where per-axis state snapshots are persisted across
	// restarts.
	StateFile string `json:"state_file"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	// Host is the server bind address (default: "127.0.0.1")
	Host string `json:"host"`

	// Port is the HTTP server port (default: 5000)
	Port int `json:"port"`
}

// SerialConfig contains the stepper driver serial link settings.
type SerialConfig struct {
	// Port is the serial device path (default: "/dev/ttyACM0")
	Port string `json:"port"`

	// MaxSpeed is the final clamp on any commanded frequency in hertz,
	// applied at the sink regardless of per-axis limits.
	MaxSpeed float64 `json:"max_speed"`
}

// AuthConfig contains the optional API authentication settings. When
// disabled, every endpoint is open; when enabled, mutating endpoints
// require a bearer token obtained from the login endpoint.
type AuthConfig struct {
	// Enabled turns bearer-token authentication on.
	Enabled bool `json:"enabled"`

	// JWTSecret signs session tokens (override with
	// ENCODER_SERVO_JWT_SECRET).
	JWTSecret string `json:"jwt_secret"`

	// Username and PasswordHash identify the single operator account.
	// PasswordHash is a bcrypt hash.
	Username     string `json:"username"`
	PasswordHash string `json:"password_hash"`

	// TokenDurationHours is how long issued tokens stay valid
	// (default: 24).
	TokenDurationHours int `json:"token_duration_hours"`
}

// DatabaseConfig contains the optional telemetry history settings.
// When enabled, downsampled per-tick axis state is recorded to
// PostgreSQL for later analysis.
type DatabaseConfig struct {
	// Enabled turns telemetry recording on.
	Enabled bool `json:"enabled"`

	// Host is the database server hostname
	Host string `json:"host"`

	// Port is the database server port
	Port int `json:"port"`

	// Database is the database name
	Database string `json:"database"`

	// Username for database authentication
	Username string `json:"username"`

	// Password for database authentication (override with
	// ENCODER_SERVO_DB_PASSWORD)
	Password string `json:"password"`

	// SSLMode for PostgreSQL connections (disable, require, verify-ca,
	// verify-full)
	SSLMode string `json:"ssl_mode"`

	// RecordEvery keeps one sample out of every N ticks (default: 20,
	// i.e. one row per second at the 50 ms cadence).
	RecordEvery int `json:"record_every"`
}

// Load reads configuration from a JSON file.
// If the file doesn't exist, returns a default configuration.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return DefaultConfig(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()
	cfg.applyEnvironmentOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Save writes the configuration to a JSON file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// DefaultConfig returns a configuration with sensible defaults and no
// axes configured.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 5000
	}
	if c.Serial.Port == "" {
		c.Serial.Port = "/dev/ttyACM0"
	}
	if c.Serial.MaxSpeed == 0 {
		c.Serial.MaxSpeed = servo.DefaultMaxSpeed
	}
	if c.Auth.TokenDurationHours == 0 {
		c.Auth.TokenDurationHours = 24
	}
	if c.Database.Host == "" {
		c.Database.Host = "localhost"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 5432
	}
	if c.Database.Database == "" {
		c.Database.Database = "encoder_servo"
	}
	if c.Database.Username == "" {
		c.Database.Username = "encoder_servo"
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	if c.Database.RecordEvery == 0 {
		c.Database.RecordEvery = 20
	}
	if c.StateFile == "" {
		c.StateFile = "state.json"
	}
}

// Validate rejects configurations that cannot build a working server.
func (c *Config) Validate() error {
	seen := make(map[string]bool)
	for i := range c.Devices {
		device := c.Devices[i].WithDefaults()
		if err := device.Validate(); err != nil {
			return fmt.Errorf("device %d: %w", i, err)
		}
		if seen[device.Name] {
			return fmt.Errorf("device %d: duplicate axis name %q", i, device.Name)
		}
		seen[device.Name] = true
	}

	if c.Auth.Enabled {
		if c.Auth.JWTSecret == "" {
			return fmt.Errorf("auth enabled but no JWT secret configured")
		}
		if c.Auth.Username == "" || c.Auth.PasswordHash == "" {
			return fmt.Errorf("auth enabled but no operator account configured")
		}
	}

	return nil
}

// applyEnvironmentOverrides applies environment variable overrides to the
// config. This allows sensitive data like passwords to be kept out of
// config files.
func (c *Config) applyEnvironmentOverrides() {
	if port := os.Getenv("ENCODER_SERVO_PORT"); port != "" {
		if parsed, err := strconv.Atoi(port); err == nil {
			c.Server.Port = parsed
		}
	}
	if serialPort := os.Getenv("ENCODER_SERVO_SERIAL"); serialPort != "" {
		c.Serial.Port = serialPort
	}
	if secret := os.Getenv("ENCODER_SERVO_JWT_SECRET"); secret != "" {
		c.Auth.JWTSecret = secret
	}
	if dbPassword := os.Getenv("ENCODER_SERVO_DB_PASSWORD"); dbPassword != "" {
		c.Database.Password = dbPassword
	}
}
