package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	APIBaseURL           string
	WSURL                string
	AuthToken            string
	Env                  string
	StateDBPath          string
	ReconnectMaxAttempts int
	ReconnectBaseDelay   time.Duration
	JoinTimeout          time.Duration
	HistoryPageSize      int
	StubPort             string
}

func LoadConfig() Config {
	return Config{
		APIBaseURL:           getEnv("API_BASE_URL", "http://localhost:8080/api"),
		WSURL:                getEnv("WS_URL", "ws://localhost:8080/ws"),
		AuthToken:            getEnv("AUTH_TOKEN", ""),
		Env:                  getEnv("ENV", "dev"),
		StateDBPath:          getEnv("STATE_DB_PATH", "studyroom.db"),
		ReconnectMaxAttempts: getEnvAsInt("RECONNECT_MAX_ATTEMPTS", 5),
		ReconnectBaseDelay:   getEnvAsDuration("RECONNECT_BASE_DELAY", time.Second),
		JoinTimeout:          getEnvAsDuration("JOIN_TIMEOUT", 30*time.Second),
		HistoryPageSize:      getEnvAsInt("HISTORY_PAGE_SIZE", 50),
		StubPort:             getEnv("STUB_PORT", "8080"),
	}
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	if value, exists := os.LookupEnv(key); exists {
		if v, err := strconv.Atoi(value); err == nil {
			return v
		}
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if v, err := time.ParseDuration(value); err == nil {
			return v
		}
	}
	return fallback
}
