package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment overrides, e.g. CHORDSIM_BITS.
const EnvPrefix = "CHORDSIM"

// Load builds a Config from, in increasing priority:
// 1. DefaultConfig values
// 2. the configuration file at path (yaml, toml or json), when path is set
// 3. CHORDSIM_* environment variables
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	if path != "" {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return nil, fmt.Errorf("config file does not exist: %s", path)
		}
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// setDefaults registers every key so environment overrides are picked up.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("bits", d.Bits)
	v.SetDefault("successor_list_size", d.SuccessorListSize)
	v.SetDefault("queue_capacity", d.QueueCapacity)
	v.SetDefault("message_delay", d.MessageDelay)
	v.SetDefault("max_proximity", d.MaxProximity)
	v.SetDefault("stabilize_interval", d.StabilizeInterval)
	v.SetDefault("fix_fingers_interval", d.FixFingersInterval)
	v.SetDefault("listener_ttl", d.ListenerTTL)
	v.SetDefault("faulty_drop_rate", d.FaultyDropRate)
	v.SetDefault("seed", d.Seed)
	v.SetDefault("steps", d.Steps)
	v.SetDefault("stable_window", d.StableWindow)
	v.SetDefault("replicas", d.Replicas)
	v.SetDefault("snapshot_interval", d.SnapshotInterval)
	v.SetDefault("event_file", d.EventFile)
	v.SetDefault("debug_pool", d.DebugPool)
	v.SetDefault("http_addr", d.HTTPAddr)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("log_format", d.LogFormat)
	v.SetDefault("log_file", d.LogFile)
}
