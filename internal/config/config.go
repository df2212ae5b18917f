package config

import (
	"fmt"

	"github.com/rs/zerolog"
)

// Config holds all configuration for a simulation run.
// Every interval and delay is measured in simulated steps.
type Config struct {
	// Ring parameters
	Bits              int `mapstructure:"bits"`                // Identifier space size in bits
	SuccessorListSize int `mapstructure:"successor_list_size"` // Number of successors to maintain

	// Message substrate
	QueueCapacity int   `mapstructure:"queue_capacity"` // Inbox capacity per node
	MessageDelay  int64 `mapstructure:"message_delay"`  // Base steps between send and delivery
	MaxProximity  int   `mapstructure:"max_proximity"`  // Extra per-node delivery latency, drawn at join

	// Protocol timing
	StabilizeInterval  int64 `mapstructure:"stabilize_interval"`   // Steps between stabilization rounds
	FixFingersInterval int64 `mapstructure:"fix_fingers_interval"` // Steps between finger refreshes
	ListenerTTL        int64 `mapstructure:"listener_ttl"`         // Steps before a pending continuation is dropped

	// Faulty nodes
	FaultyDropRate float64 `mapstructure:"faulty_drop_rate"` // Fraction of requests a faulty node swallows

	// Run control
	Seed             int64  `mapstructure:"seed"`
	Steps            int64  `mapstructure:"steps"`
	StableWindow     int64  `mapstructure:"stable_window"` // Unchanged steps that count as converged
	Replicas         int    `mapstructure:"replicas"`
	SnapshotInterval int64  `mapstructure:"snapshot_interval"`
	EventFile        string `mapstructure:"event_file"`
	DebugPool        bool   `mapstructure:"debug_pool"` // Poison released messages and panic on reuse

	// Live observation
	HTTPAddr string `mapstructure:"http_addr"`

	// Logging
	LogLevel  string `mapstructure:"log_level"`  // trace, debug, info, warn, error
	LogFormat string `mapstructure:"log_format"` // json, console
	LogFile   string `mapstructure:"log_file"`   // rotated file output when set
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() *Config {
	return &Config{
		Bits:               32,
		SuccessorListSize:  4,
		QueueCapacity:      1024,
		MessageDelay:       1,
		MaxProximity:       0,
		StabilizeInterval:  4,
		FixFingersInterval: 4,
		ListenerTTL:        64,
		FaultyDropRate:     0.5,
		Seed:               1,
		Steps:              1000,
		StableWindow:       200,
		Replicas:           1,
		SnapshotInterval:   10,
		DebugPool:          false,
		LogLevel:           "info",
		LogFormat:          "console",
	}
}

// Clone returns a copy of c.
func (c *Config) Clone() *Config {
	cp := *c
	return &cp
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Bits <= 0 || c.Bits > 256 {
		return fmt.Errorf("bits must be between 1 and 256, got %d", c.Bits)
	}
	if c.SuccessorListSize < 1 {
		return fmt.Errorf("successor list size must be positive, got %d", c.SuccessorListSize)
	}
	if c.QueueCapacity < 1 {
		return fmt.Errorf("queue capacity must be positive, got %d", c.QueueCapacity)
	}
	if c.MessageDelay < 1 {
		return fmt.Errorf("message delay must be at least one step, got %d", c.MessageDelay)
	}
	if c.MaxProximity < 0 {
		return fmt.Errorf("max proximity cannot be negative, got %d", c.MaxProximity)
	}
	if c.StabilizeInterval < 1 {
		return fmt.Errorf("stabilize interval must be at least one step, got %d", c.StabilizeInterval)
	}
	if c.FixFingersInterval < 1 {
		return fmt.Errorf("fix fingers interval must be at least one step, got %d", c.FixFingersInterval)
	}
	if c.ListenerTTL < 2*c.MessageDelay {
		return fmt.Errorf("listener ttl %d is shorter than one round trip (%d)", c.ListenerTTL, 2*c.MessageDelay)
	}
	if c.FaultyDropRate < 0 || c.FaultyDropRate > 1 {
		return fmt.Errorf("faulty drop rate must be in [0,1], got %v", c.FaultyDropRate)
	}
	if c.Steps < 0 {
		return fmt.Errorf("steps cannot be negative, got %d", c.Steps)
	}
	if c.StableWindow < 1 {
		return fmt.Errorf("stable window must be positive, got %d", c.StableWindow)
	}
	if c.Replicas < 1 {
		return fmt.Errorf("replicas must be positive, got %d", c.Replicas)
	}
	if c.SnapshotInterval < 1 {
		return fmt.Errorf("snapshot interval must be positive, got %d", c.SnapshotInterval)
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log level %q", c.LogLevel)
	}
	if c.LogFormat != "json" && c.LogFormat != "console" {
		return fmt.Errorf("log format must be json or console, got %q", c.LogFormat)
	}
	return nil
}
