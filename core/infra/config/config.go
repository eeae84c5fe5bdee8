package config

import (
	"os"
	"strconv"
)

const (
	defaultNATSURL      = "nats://localhost:4222"
	defaultRedisURL     = "redis://localhost:6379"
	defaultBlobGateway  = "http://image-store:7070"
	defaultHTTPAddr     = ":9001"
	defaultWorkDir      = "./images"
	defaultToolsConfig  = "config/tools.yaml"
	defaultFreeDailyOps = 5

	envNATSURL       = "NATS_URL"
	envRedisURL      = "REDIS_URL"
	envBlobGateway   = "BLOB_GATEWAY_URL"
	envUsersService  = "USERS_SERVICE_URL"
	envHTTPAddr      = "ORCHESTRATOR_HTTP_ADDR"
	envWorkDir       = "WORK_DIR"
	envToolsConfig   = "TOOLS_CONFIG_PATH"
	envFreeDailyOps  = "FREE_DAILY_OPS"
)

// Config holds runtime configuration for the orchestrator.
type Config struct {
	NatsURL         string
	RedisURL        string
	BlobGatewayURL  string
	UsersServiceURL string
	HTTPAddr        string
	WorkDir         string
	ToolsConfigPath string
	FreeDailyOps    int
}

// Load returns configuration using environment variables with sane defaults.
func Load() *Config {
	cfg := &Config{
		NatsURL:         getenv(envNATSURL, defaultNATSURL),
		RedisURL:        getenv(envRedisURL, defaultRedisURL),
		BlobGatewayURL:  getenv(envBlobGateway, defaultBlobGateway),
		UsersServiceURL: os.Getenv(envUsersService),
		HTTPAddr:        getenv(envHTTPAddr, defaultHTTPAddr),
		WorkDir:         getenv(envWorkDir, defaultWorkDir),
		ToolsConfigPath: getenv(envToolsConfig, defaultToolsConfig),
		FreeDailyOps:    defaultFreeDailyOps,
	}
	if raw := os.Getenv(envFreeDailyOps); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
			cfg.FreeDailyOps = n
		}
	}
	return cfg
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
