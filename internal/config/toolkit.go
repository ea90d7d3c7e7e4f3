package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

type DatabaseConfig struct {
	Path string `json:"path"`
}

type ToolkitConfig struct {
	Server struct {
		HTTPPort       int      `json:"http_port"`
		AuthToken      string   `json:"auth_token"`
		AllowedOrigins []string `json:"allowed_origins"`
	} `json:"server"`
	Database      DatabaseConfig      `json:"database"`
	Runner        RunnerConfig        `json:"runner"`
	RPC           RPCConfig           `json:"rpc"`
	Audit         AuditConfig         `json:"audit"`
	TLS           TLSConfig           `json:"tls"`
	Notifications NotificationsConfig `json:"notifications"`
}

type RunnerConfig struct {
	PollIntervalMS   int    `json:"poll_interval_ms"`
	DefaultTimeoutMS int    `json:"default_timeout_ms"`
	MaxTimeoutMS     int    `json:"max_timeout_ms"`
	CleanupTimeoutMS int    `json:"cleanup_timeout_ms"`
	ResultPrefix     string `json:"result_prefix"`
	ErrorPrefix      string `json:"error_prefix"`
	CacheSize        int    `json:"cache_size"`
}

func (r RunnerConfig) PollInterval() time.Duration {
	return time.Duration(r.PollIntervalMS) * time.Millisecond
}

func (r RunnerConfig) DefaultTimeout() time.Duration {
	return time.Duration(r.DefaultTimeoutMS) * time.Millisecond
}

func (r RunnerConfig) MaxTimeout() time.Duration {
	return time.Duration(r.MaxTimeoutMS) * time.Millisecond
}

func (r RunnerConfig) CleanupTimeout() time.Duration {
	return time.Duration(r.CleanupTimeoutMS) * time.Millisecond
}

type RPCConfig struct {
	RequestTimeoutSec int `json:"request_timeout_sec"`
}

func (r RPCConfig) RequestTimeout() time.Duration {
	return time.Duration(r.RequestTimeoutSec) * time.Second
}

type AuditConfig struct {
	Enabled       bool `json:"enabled"`
	RetentionDays int  `json:"retention_days"`
}

type TLSConfig struct {
	Enabled  bool   `json:"enabled"`
	CertPath string `json:"cert_path"`
	KeyPath  string `json:"key_path"`
}

type NotificationsConfig struct {
	Discord struct {
		BotToken  string `json:"bot_token"`
		ChannelID string `json:"channel_id"`
	} `json:"discord"`
}

// DiscordEnabled reports whether commit notifications should be sent.
func (n NotificationsConfig) DiscordEnabled() bool {
	return n.Discord.BotToken != "" && n.Discord.ChannelID != ""
}

const (
	defaultDatabasePath       = "./toolkit.db"
	defaultPollIntervalMS     = 2000
	defaultTimeoutMS          = 60000
	defaultMaxTimeoutMS       = 600000
	defaultCleanupTimeoutMS   = 15000
	defaultResultPrefix       = "sql_runner.result."
	defaultErrorPrefix        = "sql_runner.error."
	defaultCacheSize          = 128
	defaultRequestTimeoutSec  = 30
	defaultAuditRetentionDays = 90
)

func LoadToolkitConfig(path string) (*ToolkitConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg ToolkitConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := validateToolkitConfig(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validateToolkitConfig(cfg *ToolkitConfig) error {
	if cfg.Server.HTTPPort <= 0 || cfg.Server.HTTPPort > 65535 {
		return fmt.Errorf("validation error: server.http_port must be between 1 and 65535, got %d", cfg.Server.HTTPPort)
	}
	if cfg.Server.AuthToken == "" {
		return fmt.Errorf("validation error: server.auth_token is required")
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = defaultDatabasePath
	}

	cfg.applyRunnerDefaults()

	if cfg.Runner.DefaultTimeoutMS > cfg.Runner.MaxTimeoutMS {
		return fmt.Errorf("validation error: runner.default_timeout_ms (%d) must not exceed runner.max_timeout_ms (%d)", cfg.Runner.DefaultTimeoutMS, cfg.Runner.MaxTimeoutMS)
	}
	if cfg.Runner.ResultPrefix == cfg.Runner.ErrorPrefix {
		return fmt.Errorf("validation error: runner.result_prefix and runner.error_prefix must differ")
	}

	if cfg.RPC.RequestTimeoutSec <= 0 {
		cfg.RPC.RequestTimeoutSec = defaultRequestTimeoutSec
	}
	if cfg.Audit.RetentionDays <= 0 {
		cfg.Audit.RetentionDays = defaultAuditRetentionDays
	}

	if cfg.TLS.Enabled {
		if cfg.TLS.CertPath == "" {
			return fmt.Errorf("validation error: tls.cert_path is required when TLS is enabled")
		}
		if cfg.TLS.KeyPath == "" {
			return fmt.Errorf("validation error: tls.key_path is required when TLS is enabled")
		}
	}

	discord := cfg.Notifications.Discord
	if (discord.BotToken == "") != (discord.ChannelID == "") {
		return fmt.Errorf("validation error: notifications.discord.bot_token and notifications.discord.channel_id must be set together")
	}

	return nil
}

func (cfg *ToolkitConfig) applyRunnerDefaults() {
	if cfg.Runner.PollIntervalMS <= 0 {
		cfg.Runner.PollIntervalMS = defaultPollIntervalMS
	}
	if cfg.Runner.DefaultTimeoutMS <= 0 {
		cfg.Runner.DefaultTimeoutMS = defaultTimeoutMS
	}
	if cfg.Runner.MaxTimeoutMS <= 0 {
		cfg.Runner.MaxTimeoutMS = defaultMaxTimeoutMS
	}
	if cfg.Runner.CleanupTimeoutMS <= 0 {
		cfg.Runner.CleanupTimeoutMS = defaultCleanupTimeoutMS
	}
	if cfg.Runner.ResultPrefix == "" {
		cfg.Runner.ResultPrefix = defaultResultPrefix
	}
	if cfg.Runner.ErrorPrefix == "" {
		cfg.Runner.ErrorPrefix = defaultErrorPrefix
	}
	if cfg.Runner.CacheSize <= 0 {
		cfg.Runner.CacheSize = defaultCacheSize
	}
}
