package config

import (
	"os"
)

type Config struct {
	// Client side.
	BackendURL string
	WSURL      string
	Tenant     string // explicit tenant override; beats TenantHost
	TenantHost string // host name to derive the tenant subdomain from
	StateDir   string // where the file-backed stores keep their JSON records
	RedisURL   string // optional; switches persistence to Redis when set

	// Simulator side.
	Port      string
	JWTSecret string

	Env      string
	LogLevel string
}

func LoadConfig() (*Config, error) {
	return &Config{
		BackendURL: GetEnv("BACKEND_URL", "http://localhost:8082"),
		WSURL:      GetEnv("WS_URL", "ws://localhost:8082/v1/ws"),
		Tenant:     GetEnv("TENANT", ""),
		TenantHost: GetEnv("TENANT_HOST", ""),
		StateDir:   GetEnv("STATE_DIR", ".tably"),
		RedisURL:   GetEnv("REDIS_URL", ""),
		Port:       GetEnv("PORT", "8082"),
		JWTSecret:  GetEnv("JWT_SECRET", "dev-secret-change-me"),
		Env:        GetEnv("ENV", "development"),
		LogLevel:   GetEnv("LOG_LEVEL", "info"),
	}, nil
}

func GetEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}
