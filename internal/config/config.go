package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tidwall/jsonc"
)

// DefaultConfigPath is the path to the shipped defaults file.
const DefaultConfigPath = "config/rover.defaults.jsonc"

const maxFileSize = 1 * 1024 * 1024

// Defaults used by the Get* accessors when a field is unset.
const (
	DefaultListen            = ":8001"
	DefaultGRPCListen        = ":9001"
	DefaultSerialPort        = "/dev/ttyUSB0"
	DefaultBaudRate          = 115200
	DefaultDBPath            = "rover.db"
	DefaultWatchdogTimeout   = time.Second
	DefaultWatchdogInterval  = 100 * time.Millisecond
	DefaultBroadcastInterval = 20 * time.Millisecond
	DefaultFastInterval      = 20 * time.Millisecond
	DefaultSlowInterval      = time.Second
	DefaultSendTimeout       = 50 * time.Millisecond
	DefaultRecentEvery       = 5
	DefaultRecentSize        = 600
	DefaultSensorMaxAge      = 500 * time.Millisecond
	DefaultMQTTTopic         = "rover/telemetry"
	DefaultMQTTEvery         = 10
)

// Config is the rover process configuration. Every field is optional;
// unset fields fall back to the defaults above through the Get* methods.
// Durations are strings like "500ms".
type Config struct {
	// HTTP and websocket surface
	Listen     *string `json:"listen,omitempty"`
	GRPCListen *string `json:"grpc_listen,omitempty"` // "" disables the gRPC stream

	// Hardware link
	Dev          *bool   `json:"dev,omitempty"` // simulated gateway and sensors
	SerialPort   *string `json:"serial_port,omitempty"`
	BaudRate     *int    `json:"baud_rate,omitempty"`
	SensorMaxAge *string `json:"sensor_max_age,omitempty"`

	// Safety
	WatchdogTimeout  *string `json:"watchdog_timeout,omitempty"`
	WatchdogInterval *string `json:"watchdog_interval,omitempty"`

	// Telemetry
	BroadcastInterval *string `json:"broadcast_interval,omitempty"`
	FastInterval      *string `json:"fast_interval,omitempty"`
	SlowInterval      *string `json:"slow_interval,omitempty"`
	SendTimeout       *string `json:"send_timeout,omitempty"`
	RecentEvery       *int    `json:"recent_every,omitempty"`
	RecentSize        *int    `json:"recent_size,omitempty"`

	// Journal
	DBPath *string `json:"db_path,omitempty"` // "" disables the journal

	// MQTT export, disabled when broker is empty
	MQTTBroker *string `json:"mqtt_broker,omitempty"`
	MQTTTopic  *string `json:"mqtt_topic,omitempty"`
	MQTTEvery  *int    `json:"mqtt_every,omitempty"`
}

func ptrString(v string) *string { return &v }
func ptrInt(v int) *int          { return &v }
func ptrBool(v bool) *bool       { return &v }

// Empty returns a Config with every field unset.
func Empty() *Config {
	return &Config{}
}

// Load reads a JSON config file. Comments and trailing commas are allowed.
// Fields omitted from the file keep their defaults.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" && ext != ".jsonc" {
		return nil, fmt.Errorf("config file must have .json or .jsonc extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates config bytes.
func Parse(data []byte) (*Config, error) {
	cfg := Empty()
	if err := json.Unmarshal(jsonc.ToJSON(data), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that the set values are usable.
func (c *Config) Validate() error {
	durations := []struct {
		name string
		v    *string
	}{
		{"sensor_max_age", c.SensorMaxAge},
		{"watchdog_timeout", c.WatchdogTimeout},
		{"watchdog_interval", c.WatchdogInterval},
		{"broadcast_interval", c.BroadcastInterval},
		{"fast_interval", c.FastInterval},
		{"slow_interval", c.SlowInterval},
		{"send_timeout", c.SendTimeout},
	}
	for _, d := range durations {
		if d.v == nil || *d.v == "" {
			continue
		}
		v, err := time.ParseDuration(*d.v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", d.name, *d.v, err)
		}
		if v <= 0 {
			return fmt.Errorf("%s must be positive, got %s", d.name, *d.v)
		}
	}

	if c.BaudRate != nil && *c.BaudRate <= 0 {
		return fmt.Errorf("baud_rate must be positive, got %d", *c.BaudRate)
	}
	if c.RecentEvery != nil && *c.RecentEvery < 1 {
		return fmt.Errorf("recent_every must be at least 1, got %d", *c.RecentEvery)
	}
	if c.RecentSize != nil && *c.RecentSize < 1 {
		return fmt.Errorf("recent_size must be at least 1, got %d", *c.RecentSize)
	}
	if c.MQTTEvery != nil && *c.MQTTEvery < 1 {
		return fmt.Errorf("mqtt_every must be at least 1, got %d", *c.MQTTEvery)
	}
	if c.WatchdogTimeout != nil && c.WatchdogInterval != nil &&
		c.GetWatchdogInterval() > c.GetWatchdogTimeout() {
		return fmt.Errorf("watchdog_interval %s exceeds watchdog_timeout %s", *c.WatchdogInterval, *c.WatchdogTimeout)
	}
	return nil
}

func getString(p *string, def string) string {
	if p == nil {
		return def
	}
	return *p
}

func getInt(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}

func getDuration(p *string, def time.Duration) time.Duration {
	if p == nil || *p == "" {
		return def
	}
	d, err := time.ParseDuration(*p)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// GetListen returns the HTTP listen address.
func (c *Config) GetListen() string { return getString(c.Listen, DefaultListen) }

// GetGRPCListen returns the gRPC listen address, or "" when disabled.
func (c *Config) GetGRPCListen() string { return getString(c.GRPCListen, DefaultGRPCListen) }

// GetDev reports whether the simulated hardware is used.
func (c *Config) GetDev() bool {
	if c.Dev == nil {
		return false
	}
	return *c.Dev
}

func (c *Config) GetSerialPort() string { return getString(c.SerialPort, DefaultSerialPort) }
func (c *Config) GetBaudRate() int      { return getInt(c.BaudRate, DefaultBaudRate) }

func (c *Config) GetSensorMaxAge() time.Duration {
	return getDuration(c.SensorMaxAge, DefaultSensorMaxAge)
}

func (c *Config) GetWatchdogTimeout() time.Duration {
	return getDuration(c.WatchdogTimeout, DefaultWatchdogTimeout)
}

func (c *Config) GetWatchdogInterval() time.Duration {
	return getDuration(c.WatchdogInterval, DefaultWatchdogInterval)
}

func (c *Config) GetBroadcastInterval() time.Duration {
	return getDuration(c.BroadcastInterval, DefaultBroadcastInterval)
}

func (c *Config) GetFastInterval() time.Duration {
	return getDuration(c.FastInterval, DefaultFastInterval)
}

func (c *Config) GetSlowInterval() time.Duration {
	return getDuration(c.SlowInterval, DefaultSlowInterval)
}

func (c *Config) GetSendTimeout() time.Duration {
	return getDuration(c.SendTimeout, DefaultSendTimeout)
}

func (c *Config) GetRecentEvery() int { return getInt(c.RecentEvery, DefaultRecentEvery) }
func (c *Config) GetRecentSize() int  { return getInt(c.RecentSize, DefaultRecentSize) }

// GetDBPath returns the journal path, or "" when the journal is disabled.
func (c *Config) GetDBPath() string { return getString(c.DBPath, DefaultDBPath) }

// GetMQTTBroker returns the broker URL, or "" when export is disabled.
func (c *Config) GetMQTTBroker() string { return getString(c.MQTTBroker, "") }
func (c *Config) GetMQTTTopic() string  { return getString(c.MQTTTopic, DefaultMQTTTopic) }
func (c *Config) GetMQTTEvery() int     { return getInt(c.MQTTEvery, DefaultMQTTEvery) }
