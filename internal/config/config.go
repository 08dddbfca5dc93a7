package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

const (
	StorageMemory   = "memory"
	StorageRedis    = "redis"
	StoragePostgres = "postgres"
)

var ErrUnknownStorage = errors.New("unknown storage driver")

type Config struct {
	LogLevel       string   `yaml:"log-level" env:"LOG_LEVEL" env-default:"info"`
	HTTPPort       string   `yaml:"http-port" env:"HTTP_PORT" env-default:"9090"`
	SocketPort     string   `yaml:"socket-port" env:"SOCKET_PORT"`
	AllowedOrigins []string `yaml:"allowed-origins" env:"ALLOWED_ORIGINS" env-default:"http://localhost:3000"`
	Game           Game     `yaml:"game"`
	Storage        Storage  `yaml:"storage"`
	Postgres       Postgres `yaml:"postgres"`
	Redis          Redis    `yaml:"redis"`
}

type Game struct {
	CleanupDelay       time.Duration `yaml:"cleanup-delay" env:"GAME_CLEANUP_DELAY" env-default:"5s"`
	HistoryLimit       int           `yaml:"history-limit" env:"GAME_HISTORY_LIMIT" env-default:"50"`
	SocketHistoryLimit int           `yaml:"socket-history-limit" env:"GAME_SOCKET_HISTORY_LIMIT" env-default:"10"`
}

type Storage struct {
	Driver      string        `yaml:"driver" env:"STORAGE_DRIVER" env-default:"memory"`
	SaveTimeout time.Duration `yaml:"save-timeout" env:"STORAGE_SAVE_TIMEOUT" env-default:"5s"`
}

type Postgres struct {
	DSN string `yaml:"dsn" env:"DATABASE_URL"`
}

type Redis struct {
	Host       string `yaml:"host" env:"REDIS_HOST" env-default:"localhost"`
	Port       string `yaml:"port" env:"REDIS_PORT" env-default:"6379"`
	DB         int    `yaml:"db" env:"REDIS_DB" env-default:"0"`
	HistoryKey string `yaml:"history-key" env:"REDIS_HISTORY_KEY" env-default:"game:history"`
	HistoryCap int    `yaml:"history-cap" env:"REDIS_HISTORY_CAP" env-default:"1000"`
}

// Load reads an optional .env, then path, then the environment. A missing
// config file is not an error: the environment and defaults are used.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("unable to load .env file: %w", err)
	}

	config := &Config{}

	_, err := os.Stat(path)
	switch {
	case err == nil:
		if err = cleanenv.ReadConfig(path, config); err != nil {
			return nil, fmt.Errorf("unable to load config file: %w", err)
		}
	case errors.Is(err, fs.ErrNotExist):
		if err = cleanenv.ReadEnv(config); err != nil {
			return nil, fmt.Errorf("unable to read environment: %w", err)
		}
	default:
		return nil, fmt.Errorf("unable to stat config file: %w", err)
	}

	if err = config.validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// MustLoad - load all configurations in config.yml file.
func MustLoad(path string) *Config {
	config, err := Load(path)
	if err != nil {
		panic(err)
	}

	return config
}

func (that *Config) validate() error {
	switch that.Storage.Driver {
	case StorageMemory, StorageRedis:
	case StoragePostgres:
		if that.Postgres.DSN == "" {
			return fmt.Errorf("%w: postgres requires postgres.dsn", ErrUnknownStorage)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownStorage, that.Storage.Driver)
	}

	return nil
}

// OriginPatterns turns the allowed origins into host patterns for the websocket handshake.
func (that *Config) OriginPatterns() []string {
	patterns := make([]string, 0, len(that.AllowedOrigins))
	for _, origin := range that.AllowedOrigins {
		origin = strings.TrimSpace(origin)
		if _, host, ok := strings.Cut(origin, "://"); ok {
			origin = host
		}

		if origin != "" {
			patterns = append(patterns, strings.TrimSuffix(origin, "/"))
		}
	}

	return patterns
}

func (that *Redis) GetRedisAddr() string {
	return net.JoinHostPort(that.Host, that.Port)
}
