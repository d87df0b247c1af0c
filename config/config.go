package config

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Security SecurityConfig `mapstructure:"security"`
	Social   SocialConfig   `mapstructure:"social"`
}

type ServerConfig struct {
	Port     int      `mapstructure:"port"`
	Debug    bool     `mapstructure:"debug"`
	AdminKey string   `mapstructure:"admin_key"`
	AdminIPs []string `mapstructure:"admin_ips"`
}

type DatabaseConfig struct {
	Mode        string        `mapstructure:"mode"` // sqlite | sqlite_memory | mysql | postgres
	SQLitePath  string        `mapstructure:"sqlite_path"`
	MySQLDSN    string        `mapstructure:"mysql_dsn"`
	PostgresDSN string        `mapstructure:"postgres_dsn"`
	MaxOpen     int           `mapstructure:"max_open"`
	MaxIdle     int           `mapstructure:"max_idle"`
	MaxLife     time.Duration `mapstructure:"max_life"`
}

type CacheConfig struct {
	RedisAddr       string        `mapstructure:"redis_addr"`
	RedisPassword   string        `mapstructure:"redis_password"`
	RedisDB         int           `mapstructure:"redis_db"`
	LocalGCInterval time.Duration `mapstructure:"local_gc_interval"`
	LocalPubSubBuf  int           `mapstructure:"local_pubsub_buf"`
}

type SecurityConfig struct {
	JWTSecret      string        `mapstructure:"jwt_secret"`
	JWTTTLH        time.Duration `mapstructure:"jwt_ttl_h"`
	RateLimitRPS   float64       `mapstructure:"rate_limit_rps"`
	RateLimitBurst int           `mapstructure:"rate_limit_burst"`
	// AllowedOrigins lists the WebSocket/SSE origins that are permitted.
	// An empty slice allows all origins (useful for local development only).
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type SocialConfig struct {
	MaxMessageLen     int           `mapstructure:"max_message_len"`
	HistoryLen        int           `mapstructure:"history_len"`
	DefaultMute       time.Duration `mapstructure:"default_mute"`
	MuteSweepInterval time.Duration `mapstructure:"mute_sweep_interval"`
	// LockTimeout bounds how long an inbound event waits for its key.
	LockTimeout time.Duration `mapstructure:"lock_timeout"`
}

// Load reads config from the given YAML file path. Every key can be
// overridden from the environment, e.g. PONGCHAT_SERVER_PORT.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("PONGCHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first setting the server cannot start with.
func (c *Config) Validate() error {
	switch c.Database.Mode {
	case "sqlite", "sqlite_memory":
	case "mysql":
		if c.Database.MySQLDSN == "" {
			return errors.New("config: database.mysql_dsn is required in mysql mode")
		}
	case "postgres":
		if c.Database.PostgresDSN == "" {
			return errors.New("config: database.postgres_dsn is required in postgres mode")
		}
	default:
		return fmt.Errorf("config: unknown database.mode %q", c.Database.Mode)
	}
	for _, entry := range c.Server.AdminIPs {
		if _, err := ParsePrefix(entry); err != nil {
			return fmt.Errorf("config: server.admin_ips: %w", err)
		}
	}
	if c.Security.JWTSecret == "" {
		return errors.New("config: security.jwt_secret is empty")
	}
	if c.Social.MaxMessageLen <= 0 || c.Social.HistoryLen < 0 {
		return errors.New("config: social.max_message_len must be positive and social.history_len non-negative")
	}
	return nil
}

// ParsePrefix reads an admin_ips entry, either a CIDR or a single address.
func ParsePrefix(entry string) (netip.Prefix, error) {
	entry = strings.TrimSpace(entry)
	if strings.Contains(entry, "/") {
		p, err := netip.ParsePrefix(entry)
		if err != nil {
			return netip.Prefix{}, err
		}
		return p.Masked(), nil
	}
	addr, err := netip.ParseAddr(entry)
	if err != nil {
		return netip.Prefix{}, err
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg := &Config{}
	_ = v.Unmarshal(cfg)
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.debug", false)
	v.SetDefault("database.mode", "sqlite")
	v.SetDefault("database.sqlite_path", "./data/pongchat.db")
	v.SetDefault("database.max_open", 50)
	v.SetDefault("database.max_idle", 10)
	v.SetDefault("database.max_life", "1h")
	v.SetDefault("cache.local_gc_interval", "30s")
	v.SetDefault("cache.local_pubsub_buf", 256)
	v.SetDefault("security.jwt_secret", "change-me")
	v.SetDefault("security.jwt_ttl_h", "72h")
	v.SetDefault("security.rate_limit_rps", 100)
	v.SetDefault("security.rate_limit_burst", 200)
	v.SetDefault("social.max_message_len", 200)
	v.SetDefault("social.history_len", 50)
	v.SetDefault("social.default_mute", "5m")
	v.SetDefault("social.mute_sweep_interval", "30s")
	v.SetDefault("social.lock_timeout", "5s")
}
