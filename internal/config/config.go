package config

import (
	"os"
	"strconv"
	"strings"
)

type Config struct {
	Host            string
	Port            string
	DataDir         string
	APIKey          string
	BridgeURL       string
	ModelAPIKey     string
	ModelName       string
	ModelBaseURL    string
	ModelTimeoutMS  int
	MaxToolHops     int
	MaintenanceCron string
}

func Load() Config {
	host := os.Getenv("AGENTD_HOST")
	if host == "" {
		host = "127.0.0.1"
	}
	port := os.Getenv("AGENTD_PORT")
	if port == "" {
		port = "8088"
	}
	dataDir := os.Getenv("AGENTD_DATA_DIR")
	if dataDir == "" {
		dataDir = ".data"
	}
	bridgeURL := strings.TrimSpace(os.Getenv("AGENTD_BRIDGE_URL"))
	if bridgeURL == "" {
		bridgeURL = "http://localhost:3000"
	}
	maintenanceCron := strings.TrimSpace(os.Getenv("AGENTD_MAINTENANCE_CRON"))
	if maintenanceCron == "" {
		maintenanceCron = "@every 1m"
	}
	return Config{
		Host:            host,
		Port:            port,
		DataDir:         dataDir,
		APIKey:          os.Getenv("AGENTD_API_KEY"),
		BridgeURL:       bridgeURL,
		ModelAPIKey:     strings.TrimSpace(os.Getenv("AGENTD_MODEL_API_KEY")),
		ModelName:       strings.TrimSpace(os.Getenv("AGENTD_MODEL")),
		ModelBaseURL:    strings.TrimSpace(os.Getenv("AGENTD_MODEL_BASE_URL")),
		ModelTimeoutMS:  parseEnvInt("AGENTD_MODEL_TIMEOUT_MS", 0),
		MaxToolHops:     parseEnvInt("AGENTD_MAX_TOOL_HOPS", 0),
		MaintenanceCron: maintenanceCron,
	}
}

func parseEnvInt(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return fallback
	}
	return value
}
