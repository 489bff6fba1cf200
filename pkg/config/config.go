package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Coordinator holds coordinator process configuration
type Coordinator struct {
	BindAddr      string        `mapstructure:"bind_addr"`
	Port          int           `mapstructure:"port"`
	DatabasePath  string        `mapstructure:"database_path"`
	PluginsDir    string        `mapstructure:"plugins_dir"`
	OutputsDir    string        `mapstructure:"plugin_outputs_dir"`
	AdminUsers    []string      `mapstructure:"admin_users"`
	ParamKey      string        `mapstructure:"param_key"`
	AssignTick    time.Duration `mapstructure:"assign_tick"`
	RetentionDays int           `mapstructure:"retention_days"`
	LogLevel      string        `mapstructure:"log_level"`
	LogJSON       bool          `mapstructure:"log_json"`
}

// Addr returns the listen address in host:port form.
func (c *Coordinator) Addr() string {
	return fmt.Sprintf("%s:%d", c.BindAddr, c.Port)
}

// Worker holds worker process configuration
type Worker struct {
	CoordinatorURL    string        `mapstructure:"coordinator_url"`
	Username          string        `mapstructure:"username"`
	DataDir           string        `mapstructure:"data_dir"`
	PluginsDir        string        `mapstructure:"plugins_dir"`
	OutputsDir        string        `mapstructure:"plugin_outputs_dir"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	LogLevel          string        `mapstructure:"log_level"`
	LogJSON           bool          `mapstructure:"log_json"`
}

func newViper(configFile string) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix("OCTOPUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	return v, nil
}

// LoadCoordinator populates coordinator configuration from environment
// variables (OCTOPUS_*) and an optional config file.
func LoadCoordinator(configFile string) (*Coordinator, error) {
	v, err := newViper(configFile)
	if err != nil {
		return nil, err
	}

	// Every key needs a default so AutomaticEnv can populate it during
	// Unmarshal.
	v.SetDefault("bind_addr", "0.0.0.0")
	v.SetDefault("port", 8130)
	v.SetDefault("database_path", "octopus.db")
	v.SetDefault("plugins_dir", "plugins")
	v.SetDefault("plugin_outputs_dir", "plugin_outputs")
	v.SetDefault("admin_users", []string{})
	v.SetDefault("param_key", "")
	v.SetDefault("assign_tick", 5*time.Second)
	v.SetDefault("retention_days", 30)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_json", false)

	var cfg Coordinator
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal coordinator config: %w", err)
	}
	return &cfg, nil
}

// LoadWorker populates worker configuration the same way.
func LoadWorker(configFile string) (*Worker, error) {
	v, err := newViper(configFile)
	if err != nil {
		return nil, err
	}

	v.SetDefault("coordinator_url", "http://127.0.0.1:8130")
	v.SetDefault("username", "")
	v.SetDefault("data_dir", "octopus-worker")
	v.SetDefault("plugins_dir", "plugins")
	v.SetDefault("plugin_outputs_dir", "plugin_outputs")
	v.SetDefault("poll_interval", 10*time.Second)
	v.SetDefault("heartbeat_interval", 10*time.Second)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_json", false)

	var cfg Worker
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal worker config: %w", err)
	}
	if cfg.Username == "" {
		return nil, fmt.Errorf("worker username is required (OCTOPUS_USERNAME)")
	}
	return &cfg, nil
}
