// Package config loads the server's read-only runtime configuration.
package config

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/spf13/viper"
)

// RCON is the pass-through configuration for the external RCON console
// (the RCON protocol itself is an external collaborator, not implemented
// here).
type RCON struct {
	Enabled    bool   `mapstructure:"enabled"`
	Password   string `mapstructure:"password"`
	ServerIP   string `mapstructure:"server_ip"`
	ServerPort int    `mapstructure:"server_port"`
}

// Config is the full set of externally-supplied, read-only server
// configuration fields.
type Config struct {
	ServerIP         string `mapstructure:"server_ip"`
	ServerPort       int    `mapstructure:"server_port"`
	MaxPlayers       int    `mapstructure:"max_players"`
	MaxCarsPerPlayer int    `mapstructure:"max_cars_per_player"`
	Map              string `mapstructure:"map"`
	Encoding         string `mapstructure:"encoding"`
	SpeedLimit       int    `mapstructure:"speed_limit"`
	UseQueue         bool   `mapstructure:"use_queue"`
	UseLua           bool   `mapstructure:"use_lua"`
	Tags             string `mapstructure:"tags"`
	Private          bool   `mapstructure:"private"`
	Key              string `mapstructure:"key"`
	Name             string `mapstructure:"name"`
	Description      string `mapstructure:"description"`
	LogChat          bool   `mapstructure:"log_chat"`

	RCON RCON `mapstructure:"rcon"`

	MetricsAddr string `mapstructure:"metrics_addr"`
	ModsDir     string `mapstructure:"mods_dir"`

	// UUID identifies this server instance to the heartbeat directory.
	// Left blank in config.yaml, main generates one via
	// github.com/google/uuid at startup; it is not written back to the
	// file, so a blank field yields a new UUID on every start.
	UUID string `mapstructure:"uuid"`
}

func defaults(v *viper.Viper) {
	v.SetDefault("server_ip", "0.0.0.0")
	v.SetDefault("server_port", 30814)
	v.SetDefault("max_players", 20)
	v.SetDefault("max_cars_per_player", 1)
	v.SetDefault("map", "/levels/gridmap_v2/info.json")
	v.SetDefault("encoding", "utf-8")
	v.SetDefault("speed_limit", 0)
	v.SetDefault("use_queue", false)
	v.SetDefault("use_lua", true)
	v.SetDefault("private", true)
	v.SetDefault("log_chat", true)
	v.SetDefault("metrics_addr", "127.0.0.1:9100")
	v.SetDefault("mods_dir", "mods")
	v.SetDefault("rcon.enabled", false)
	v.SetDefault("rcon.server_ip", "0.0.0.0")
	v.SetDefault("rcon.server_port", 30815)
}

// Load reads a YAML configuration file at path, applying defaults for any
// unset field and allowing environment-variable overrides prefixed
// DRIFTRELAY_ (e.g. DRIFTRELAY_SERVER_PORT).
func Load(path string) (*Config, error) {
	v := viper.New()
	defaults(v)

	v.SetEnvPrefix("DRIFTRELAY")
	v.AutomaticEnv()

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return &cfg, nil
}
