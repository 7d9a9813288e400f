// Package config loads client and dev-server settings from the environment,
// with .env file support.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Client holds settings for the OneStop client binaries.
type Client struct {
	APIBaseURL string
	WSURL      string
	Token      string

	RequestTimeout    time.Duration
	ConnectTimeout    time.Duration
	ReconnectAttempts int
	ReconnectBase     time.Duration
	ReconnectMax      time.Duration

	MessagePageSize int
}

// Server holds settings for the bundled development server.
type Server struct {
	Host        string
	Port        int
	JWTSecret   string
	TokenTTL    time.Duration
	DatabaseDSN string
	CORSOrigins []string
}

// LoadClient reads client settings; a .env file is honored when present.
func LoadClient() *Client {
	_ = godotenv.Load()

	return &Client{
		APIBaseURL:        getEnv("ONESTOP_API_URL", "http://localhost:8000"),
		WSURL:             getEnv("ONESTOP_WS_URL", "ws://localhost:8000/ws"),
		Token:             os.Getenv("ONESTOP_TOKEN"),
		RequestTimeout:    getEnvAsDuration("ONESTOP_REQUEST_TIMEOUT", 15*time.Second),
		ConnectTimeout:    getEnvAsDuration("ONESTOP_CONNECT_TIMEOUT", 10*time.Second),
		ReconnectAttempts: getEnvAsInt("ONESTOP_RECONNECT_ATTEMPTS", 5),
		ReconnectBase:     getEnvAsDuration("ONESTOP_RECONNECT_BASE", 500*time.Millisecond),
		ReconnectMax:      getEnvAsDuration("ONESTOP_RECONNECT_MAX", 10*time.Second),
		MessagePageSize:   getEnvAsInt("ONESTOP_MESSAGE_PAGE_SIZE", 50),
	}
}

// LoadServer reads dev-server settings; a .env file is honored when present.
func LoadServer() (*Server, error) {
	_ = godotenv.Load()

	cfg := &Server{
		Host:        getEnv("DEVSERVER_HOST", "0.0.0.0"),
		Port:        getEnvAsInt("DEVSERVER_PORT", 8000),
		JWTSecret:   getEnv("DEVSERVER_JWT_SECRET", "onestop-dev-secret"),
		TokenTTL:    getEnvAsDuration("DEVSERVER_TOKEN_TTL", 24*time.Hour),
		DatabaseDSN: getEnv("DEVSERVER_DB_DSN", "file::memory:?cache=shared"),
	}

	origins := getEnv("DEVSERVER_CORS_ORIGINS", "")
	if origins != "" {
		parts := strings.Split(origins, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		cfg.CORSOrigins = parts
	} else {
		cfg.CORSOrigins = []string{"http://localhost:3000", "http://localhost:5173"}
	}

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("DEVSERVER_JWT_SECRET is required")
	}
	return cfg, nil
}

// HTTPAddr returns the listen address.
func (s *Server) HTTPAddr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvAsInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvAsDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
