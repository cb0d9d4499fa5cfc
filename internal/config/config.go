package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/mooncorn/gsfleet/internal/messaging"
)

// HostConfig configures the host binary: HTTP surfaces, database, broker,
// and the status processor.
type HostConfig struct {
	Environment string

	Port    string
	GinMode string

	DatabaseURL   string
	MigrationsDir string
	CatalogPath   string

	ServiceSecret string

	Broker messaging.ConnectionConfig

	StatusCheckInterval time.Duration
	StatusStaleAfter    time.Duration
}

// WorkerConfig configures the worker agent binary.
type WorkerConfig struct {
	Environment string

	DALBaseURL    string
	ServiceSecret string

	InstallRoot  string
	SteamCmd     string
	ShouldUpdate bool

	StdinDelay        time.Duration
	HeartbeatInterval time.Duration

	Broker messaging.ConnectionConfig
}

// LoadHost reads host configuration from environment variables.
func LoadHost() (*HostConfig, error) {
	databaseURL, err := buildDatabaseURL()
	if err != nil {
		return nil, err
	}

	cfg := &HostConfig{
		Environment: getEnv("ENVIRONMENT", "development"),

		Port:    getEnv("PORT", "8080"),
		GinMode: getEnv("GIN_MODE", "debug"),

		DatabaseURL:   databaseURL,
		MigrationsDir: getEnv("MIGRATIONS_DIR", "migrations"),
		CatalogPath:   getEnv("CATALOG_PATH", "catalog.yaml"),

		ServiceSecret: getEnv("SERVICE_SECRET", ""),

		Broker: loadBroker(),

		StatusCheckInterval: parseDuration(getEnv("STATUS_CHECK_INTERVAL", "500ms"), 500*time.Millisecond),
		StatusStaleAfter:    parseDuration(getEnv("STATUS_STALE_AFTER", "5s"), 5*time.Second),
	}

	if cfg.ServiceSecret == "" {
		return nil, fmt.Errorf("SERVICE_SECRET is required")
	}

	return cfg, nil
}

// LoadWorker reads worker agent configuration from environment variables.
func LoadWorker() (*WorkerConfig, error) {
	cfg := &WorkerConfig{
		Environment: getEnv("ENVIRONMENT", "development"),

		DALBaseURL:    getEnv("DAL_BASE_URL", "http://localhost:8080/dal"),
		ServiceSecret: getEnv("SERVICE_SECRET", ""),

		InstallRoot:  getEnv("INSTALL_ROOT", "/data/servers"),
		SteamCmd:     getEnv("STEAMCMD_PATH", "steamcmd"),
		ShouldUpdate: getEnvBool("SHOULD_UPDATE", true),

		StdinDelay:        parseDuration(getEnv("STDIN_DELAY", "0s"), 0),
		HeartbeatInterval: parseDuration(getEnv("HEARTBEAT_INTERVAL", "2s"), 2*time.Second),

		Broker: loadBroker(),
	}

	if cfg.ServiceSecret == "" {
		return nil, fmt.Errorf("SERVICE_SECRET is required")
	}

	return cfg, nil
}

func buildDatabaseURL() (string, error) {
	dbHost := getEnv("DB_HOST", "localhost")
	dbPort := getEnv("DB_PORT", "5432")
	dbUser := getEnv("DB_USER", "gsfleet")
	dbPassword := getEnv("DB_PASSWORD", "")
	dbName := getEnv("DB_NAME", "gsfleet")
	dbSSLMode := getEnv("DB_SSLMODE", "disable")

	if dbPassword == "" {
		return "", fmt.Errorf("DB_PASSWORD is required")
	}

	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		dbUser, dbPassword, dbHost, dbPort, dbName, dbSSLMode,
	), nil
}

func loadBroker() messaging.ConnectionConfig {
	return messaging.ConnectionConfig{
		Host:          getEnv("BROKER_HOST", "localhost"),
		Port:          getEnvInt("BROKER_PORT", 5672),
		User:          getEnv("BROKER_USER", "guest"),
		Password:      getEnv("BROKER_PASSWORD", "guest"),
		VirtualHost:   getEnv("BROKER_VHOST", "/"),
		TLSServerName: getEnv("BROKER_TLS_SERVER_NAME", ""),

		Heartbeat:      parseDuration(getEnv("BROKER_HEARTBEAT", "10s"), 10*time.Second),
		MaxAttempts:    getEnvInt("BROKER_MAX_ATTEMPTS", 10),
		InitialBackoff: parseDuration(getEnv("BROKER_INITIAL_BACKOFF", "1s"), time.Second),
		MaxBackoff:     parseDuration(getEnv("BROKER_MAX_BACKOFF", "30s"), 30*time.Second),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func parseDuration(value string, defaultValue time.Duration) time.Duration {
	duration, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return duration
}
