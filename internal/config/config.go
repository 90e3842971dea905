// Package config merges defaults, an optional config file, LIGHTNING_*
// environment variables and command-line flags.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const defaultSecret = "dev-insecure-secret"

// ErrInsecureSecret is returned when production runs with the default
// signing secret.
var ErrInsecureSecret = errors.New("auth.secret must be set in production")

type Config struct {
	Env          string         `mapstructure:"env"`
	Addr         string         `mapstructure:"addr"`
	PublicURL    string         `mapstructure:"public_url"`
	MessageStore string         `mapstructure:"message_store"`
	Log          LogConfig      `mapstructure:"log"`
	Database     DatabaseConfig `mapstructure:"database"`
	Redis        RedisConfig    `mapstructure:"redis"`
	Auth         AuthConfig     `mapstructure:"auth"`
	WS           WSConfig       `mapstructure:"ws"`
	CORS         CORSConfig     `mapstructure:"cors"`
	Limits       LimitsConfig   `mapstructure:"limits"`
	SMTP         SMTPConfig     `mapstructure:"smtp"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// DatabaseConfig selects the SQL backend. Driver is sqlite3 or postgres.
type DatabaseConfig struct {
	Driver  string `mapstructure:"driver"`
	DSN     string `mapstructure:"dsn"`
	Migrate bool   `mapstructure:"migrate"`
}

type RedisConfig struct {
	URL string `mapstructure:"url"`
}

type AuthConfig struct {
	Secret   string        `mapstructure:"secret"`
	TokenTTL time.Duration `mapstructure:"token_ttl"`
}

type WSConfig struct {
	MaxFrameBytes  int64         `mapstructure:"max_frame_bytes"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	PongWait       time.Duration `mapstructure:"pong_wait"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
}

type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type LimitsConfig struct {
	MaxTextBytes  int `mapstructure:"max_text_bytes"`
	MaxAudioBytes int `mapstructure:"max_audio_bytes"`
}

type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
}

func (c Config) IsDevelopment() bool {
	return c.Env != "production"
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", "development")
	v.SetDefault("addr", ":8080")
	v.SetDefault("public_url", "http://localhost:8080")
	v.SetDefault("message_store", "sql")
	v.SetDefault("log.level", "info")
	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.dsn", "lightning.db")
	v.SetDefault("database.migrate", true)
	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("auth.secret", defaultSecret)
	v.SetDefault("auth.token_ttl", 24*time.Hour)
	v.SetDefault("ws.max_frame_bytes", 2<<20)
	v.SetDefault("ws.write_timeout", 10*time.Second)
	v.SetDefault("ws.pong_wait", 60*time.Second)
	v.SetDefault("ws.allowed_origins", []string{})
	v.SetDefault("cors.allowed_origins", []string{"*"})
	v.SetDefault("limits.max_text_bytes", 4096)
	v.SetDefault("limits.max_audio_bytes", 1<<20)
	v.SetDefault("smtp.host", "")
	v.SetDefault("smtp.port", "587")
	v.SetDefault("smtp.username", "")
	v.SetDefault("smtp.password", "")
	v.SetDefault("smtp.from", "noreply@localhost")
}

// flagKeys maps command-line flags to config keys.
var flagKeys = map[string]string{
	"env":             "env",
	"addr":            "addr",
	"log-level":       "log.level",
	"database-driver": "database.driver",
	"database-dsn":    "database.dsn",
	"message-store":   "message_store",
	"redis-url":       "redis.url",
	"public-url":      "public_url",
}

// Load builds the configuration. args excludes the program name.
func Load(args []string) (Config, error) {
	// Load .env file if it exists (for development)
	_ = godotenv.Load()

	fs := pflag.NewFlagSet("lightning", pflag.ContinueOnError)
	configFile := fs.String("config", "", "path to a TOML or YAML config file")
	fs.String("env", "", "deployment environment (development|production)")
	fs.String("addr", "", "http service address")
	fs.String("log-level", "", "log level (debug|info|warn|error)")
	fs.String("database-driver", "", "sql driver (sqlite3|postgres)")
	fs.String("database-dsn", "", "sql data source name")
	fs.String("message-store", "", "message store backend (sql|redis)")
	fs.String("redis-url", "", "redis url for the redis message store")
	fs.String("public-url", "", "externally reachable base url")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("LIGHTNING")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for name, key := range flagKeys {
		if err := v.BindPFlag(key, fs.Lookup(name)); err != nil {
			return Config{}, fmt.Errorf("bind flag %s: %w", name, err)
		}
	}

	if *configFile != "" {
		v.SetConfigFile(*configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := c.validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) validate() error {
	if !c.IsDevelopment() && (c.Auth.Secret == "" || c.Auth.Secret == defaultSecret) {
		return ErrInsecureSecret
	}
	switch c.Database.Driver {
	case "sqlite3", "postgres":
	default:
		return fmt.Errorf("unsupported database.driver %q", c.Database.Driver)
	}
	switch c.MessageStore {
	case "sql", "redis":
	default:
		return fmt.Errorf("unsupported message_store %q", c.MessageStore)
	}
	if c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl must be positive")
	}
	return nil
}
