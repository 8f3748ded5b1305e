package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Mode       string `mapstructure:"mode"`
	Port       int    `mapstructure:"port"`
	ServerHost string `mapstructure:"server_host"`
	ServerID   string `mapstructure:"server_id"`
	ServerName string `mapstructure:"server_name"`

	DatabasePath string `mapstructure:"database_path"`

	// SigningKeyFile holds the server's ed25519 private key (raw
	// 64-byte form) used to sign access credentials.
	SigningKeyFile string `mapstructure:"signing_key_file"`

	// AuthorityIssuer and AuthorityKeys identify the external
	// identity authority whose certificates are trusted.
	AuthorityIssuer string   `mapstructure:"authority_issuer"`
	AuthorityKeys   []string `mapstructure:"authority_keys"`

	Gateway GatewayConfig `mapstructure:"gateway"`
	Limits  LimitsConfig  `mapstructure:"limits"`
}

type GatewayConfig struct {
	URL            string        `mapstructure:"url"`
	PublicURLs     []string      `mapstructure:"public_urls"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	KeepAlive      time.Duration `mapstructure:"keep_alive"`
	SyncInterval   time.Duration `mapstructure:"sync_interval"`
}

type LimitsConfig struct {
	CooldownWindow    time.Duration `mapstructure:"cooldown_window"`
	CooldownBase      time.Duration `mapstructure:"cooldown_base"`
	CooldownMax       time.Duration `mapstructure:"cooldown_max"`
	CooldownRetries   int           `mapstructure:"cooldown_retries"`
	CooldownIPRetries int           `mapstructure:"cooldown_ip_retries"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("server_host", "localhost:8080")
	v.SetDefault("server_id", "parlor")
	v.SetDefault("server_name", "Parlor")
	v.SetDefault("database_path", "./data/parlor.db")
	v.SetDefault("signing_key_file", "./data/signing.key")
	v.SetDefault("authority_issuer", "")
	v.SetDefault("gateway.url", "ws://localhost:9000/ws")
	v.SetDefault("gateway.connect_timeout", "10s")
	v.SetDefault("gateway.keep_alive", "15s")
	v.SetDefault("gateway.sync_interval", "60s")
	v.SetDefault("limits.cooldown_window", "10m")
	v.SetDefault("limits.cooldown_base", "1m")
	v.SetDefault("limits.cooldown_max", "1h")
	v.SetDefault("limits.cooldown_retries", 5)
	v.SetDefault("limits.cooldown_ip_retries", 20)

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("config file not found (%s), using defaults\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
