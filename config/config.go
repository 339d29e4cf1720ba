package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// DevJWTSecret is the signing key used when CHAT_JWT_SECRET is unset. It is
// only accepted in the dev environment.
const DevJWTSecret = "change-me"

var ErrDevSecret = errors.New("CHAT_JWT_SECRET must be set outside the dev environment")

type Config struct {
	Addr            string
	DBPath          string
	JWTSecret       string
	TokenTTL        time.Duration
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	PingInterval    time.Duration
	MaxContent      int // bytes, after trimming
	MaxFrame        int // bytes of one inbound socket frame
	ControlSocket   string
	LogLevel        string
	Environment     string
	CORSOrigins     []string
	AuthRatePerMin  int
	InFlightHistory int // queued or delivered states kept in memory
	TerminalHistory int // delivery states kept after read/failed

	// Warnings collects problems found while loading; they are logged once a
	// logger exists.
	Warnings []string
}

// Load reads an optional .env file and then the environment. Values that fail
// to parse keep their defaults.
func Load() *Config {
	cfg := &Config{
		Addr:            ":8080",
		DBPath:          "chatrelay.db",
		JWTSecret:       DevJWTSecret,
		TokenTTL:        30 * 24 * time.Hour,
		ReadTimeout:     90 * time.Second,
		WriteTimeout:    10 * time.Second,
		PingInterval:    30 * time.Second,
		MaxContent:      4096,
		MaxFrame:        64 << 10,
		ControlSocket:   "/tmp/chatrelay.sock",
		LogLevel:        "info",
		Environment:     "dev",
		AuthRatePerMin:  20,
		InFlightHistory: 50000,
		TerminalHistory: 10000,
	}

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		cfg.warn(".env not loaded: %v", err)
	}

	if v := os.Getenv("CHAT_ADDR"); v != "" {
		cfg.Addr = v
	}
	if v := os.Getenv("CHAT_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("CHAT_JWT_SECRET"); v != "" {
		cfg.JWTSecret = v
	}
	if v := os.Getenv("CHAT_CONTROL_SOCKET"); v != "" {
		cfg.ControlSocket = v
	}
	if v := os.Getenv("CHAT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("CHAT_ENV"); v != "" {
		cfg.Environment = v
	}
	if v := os.Getenv("CHAT_CORS_ORIGINS"); v != "" {
		cfg.CORSOrigins = splitList(v)
	}

	cfg.TokenTTL = time.Duration(cfg.envInt("CHAT_TOKEN_TTL_HOURS", int(cfg.TokenTTL/time.Hour))) * time.Hour
	cfg.ReadTimeout = cfg.envSeconds("CHAT_READ_TIMEOUT", cfg.ReadTimeout)
	cfg.WriteTimeout = cfg.envSeconds("CHAT_WRITE_TIMEOUT", cfg.WriteTimeout)
	cfg.PingInterval = cfg.envSeconds("CHAT_PING_INTERVAL", cfg.PingInterval)
	cfg.MaxContent = cfg.envInt("CHAT_MAX_CONTENT", cfg.MaxContent)
	cfg.MaxFrame = cfg.envInt("CHAT_MAX_FRAME", cfg.MaxFrame)
	cfg.AuthRatePerMin = cfg.envInt("CHAT_AUTH_RATE_PER_MIN", cfg.AuthRatePerMin)
	cfg.InFlightHistory = cfg.envInt("CHAT_INFLIGHT_HISTORY", cfg.InFlightHistory)
	cfg.TerminalHistory = cfg.envInt("CHAT_TERMINAL_HISTORY", cfg.TerminalHistory)

	// The server pings before the read deadline runs out.
	if cfg.PingInterval >= cfg.ReadTimeout {
		cfg.warn("ping interval %s not below read timeout %s, adjusting", cfg.PingInterval, cfg.ReadTimeout)
		cfg.PingInterval = cfg.ReadTimeout * 9 / 10
	}

	return cfg
}

// Validate reports settings the server must not start with.
func (c *Config) Validate() error {
	if c.JWTSecret == DevJWTSecret && c.Environment != "dev" {
		return ErrDevSecret
	}
	return nil
}

func (c *Config) warn(format string, args ...any) {
	c.Warnings = append(c.Warnings, fmt.Sprintf(format, args...))
}

func (c *Config) envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		c.warn("invalid %s=%q, using %d", key, v, fallback)
		return fallback
	}
	return n
}

func (c *Config) envSeconds(key string, fallback time.Duration) time.Duration {
	return time.Duration(c.envInt(key, int(fallback/time.Second))) * time.Second
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
