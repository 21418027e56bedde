package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config holds application configuration.
type Config struct {
	Database DatabaseConfig
	Vault    VaultConfig
	Banking  BankingConfig
	Sync     SyncConfig
	Classify ClassifyConfig
	Schedule ScheduleConfig
}

// DatabaseConfig holds sqlite settings.
type DatabaseConfig struct {
	Path           string
	MigrationsPath string `mapstructure:"migrations_path"`
}

// VaultConfig holds token-encryption settings. Secret is hashed to the
// AES key; when empty a host-derived secret is used (fine for dev only).
type VaultConfig struct {
	Secret string
}

// BankingConfig selects and parameterizes the bank-facing side.
type BankingConfig struct {
	Mode           string // sandbox | production
	BaseURL        string `mapstructure:"base_url"`
	ClientID       string `mapstructure:"client_id"`
	RedirectURI    string `mapstructure:"redirect_uri"`
	CertFile       string `mapstructure:"cert_file"`
	KeyFile        string `mapstructure:"key_file"`
	SigningKeyFile string `mapstructure:"signing_key_file"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// SyncConfig bounds a synchronization pass.
type SyncConfig struct {
	DaysBack    int `mapstructure:"days_back"`
	Workers     int
	BatchSize   int `mapstructure:"batch_size"`
	MaxSeconds  int `mapstructure:"max_seconds"`
	EventBuffer int `mapstructure:"event_buffer"`
}

// ClassifyConfig holds classifier provider settings.
type ClassifyConfig struct {
	Provider  string
	APIKeyEnv string `mapstructure:"api_key_env"`
	APIKey    string `mapstructure:"api_key"`
	BaseURL   string `mapstructure:"base_url"`
	Model     string
	Threshold float64
}

// ScheduleConfig drives the periodic sync daemon.
type ScheduleConfig struct {
	SyncCron        string `mapstructure:"sync_cron"`
	CleanupCron     string `mapstructure:"cleanup_cron"`
	RetentionDays   int    `mapstructure:"retention_days"`
	LowBalanceCents int64  `mapstructure:"low_balance_cents"`
}

// Load reads configuration from file and env. Env var overrides use prefix CONTAFLUX_.
func Load() (Config, error) {
	v := viper.New()

	// default values
	v.SetDefault("database.path", filepath.Join(os.Getenv("HOME"), ".local", "share", "contaflux", "contaflux.db"))
	v.SetDefault("database.migrations_path", "internal/database/migrations")
	v.SetDefault("vault.secret", "")
	v.SetDefault("banking.mode", "sandbox")
	v.SetDefault("banking.base_url", "")
	v.SetDefault("banking.client_id", "")
	v.SetDefault("banking.redirect_uri", "https://localhost/callback")
	v.SetDefault("banking.cert_file", "")
	v.SetDefault("banking.key_file", "")
	v.SetDefault("banking.signing_key_file", "")
	v.SetDefault("banking.timeout_seconds", 30)
	v.SetDefault("sync.days_back", 30)
	v.SetDefault("sync.workers", 4)
	v.SetDefault("sync.batch_size", 50)
	v.SetDefault("sync.max_seconds", 300)
	v.SetDefault("sync.event_buffer", 256)
	v.SetDefault("classify.provider", "heuristic")
	v.SetDefault("classify.api_key_env", "OPENAI_API_KEY")
	v.SetDefault("classify.api_key", "")
	v.SetDefault("classify.base_url", "https://api.openai.com/v1")
	v.SetDefault("classify.model", "gpt-4o-mini")
	v.SetDefault("classify.threshold", 0.7)
	v.SetDefault("schedule.sync_cron", "@every 30m")
	v.SetDefault("schedule.cleanup_cron", "0 3 * * *")
	v.SetDefault("schedule.retention_days", 30)
	v.SetDefault("schedule.low_balance_cents", 100000)

	v.SetConfigType("toml")

	cfgPath := os.Getenv("CONTAFLUX_CONFIG")
	if cfgPath != "" {
		v.SetConfigFile(cfgPath)
	} else {
		v.AddConfigPath(filepath.Join(os.Getenv("HOME"), ".config", "contaflux"))
		v.SetConfigName("contaflux")
	}

	v.SetEnvPrefix("CONTAFLUX")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// read config file if present
	_ = v.ReadInConfig()

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return c, nil
}

// Save writes the provided config to disk, creating the config directory if
// needed. Secrets belong in env vars; anything written here is plain text.
func Save(cfg Config) (string, error) {
	path := os.Getenv("CONTAFLUX_CONFIG")
	if path == "" {
		path = filepath.Join(os.Getenv("HOME"), ".config", "contaflux", "contaflux.toml")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("mkdir config dir: %w", err)
	}

	v := viper.New()
	v.SetConfigType("toml")
	v.Set("database.path", cfg.Database.Path)
	v.Set("database.migrations_path", cfg.Database.MigrationsPath)
	v.Set("banking.mode", cfg.Banking.Mode)
	v.Set("banking.base_url", cfg.Banking.BaseURL)
	v.Set("banking.client_id", cfg.Banking.ClientID)
	v.Set("banking.redirect_uri", cfg.Banking.RedirectURI)
	v.Set("banking.cert_file", cfg.Banking.CertFile)
	v.Set("banking.key_file", cfg.Banking.KeyFile)
	v.Set("banking.signing_key_file", cfg.Banking.SigningKeyFile)
	v.Set("banking.timeout_seconds", cfg.Banking.TimeoutSeconds)
	v.Set("sync.days_back", cfg.Sync.DaysBack)
	v.Set("sync.workers", cfg.Sync.Workers)
	v.Set("sync.batch_size", cfg.Sync.BatchSize)
	v.Set("sync.max_seconds", cfg.Sync.MaxSeconds)
	v.Set("sync.event_buffer", cfg.Sync.EventBuffer)
	v.Set("classify.provider", cfg.Classify.Provider)
	v.Set("classify.api_key_env", cfg.Classify.APIKeyEnv)
	v.Set("classify.base_url", cfg.Classify.BaseURL)
	v.Set("classify.model", cfg.Classify.Model)
	v.Set("classify.threshold", cfg.Classify.Threshold)
	v.Set("schedule.sync_cron", cfg.Schedule.SyncCron)
	v.Set("schedule.cleanup_cron", cfg.Schedule.CleanupCron)
	v.Set("schedule.retention_days", cfg.Schedule.RetentionDays)
	v.Set("schedule.low_balance_cents", cfg.Schedule.LowBalanceCents)

	if err := v.WriteConfigAs(path); err != nil {
		return "", fmt.Errorf("write config: %w", err)
	}
	return path, nil
}
