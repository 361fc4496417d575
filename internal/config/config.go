package config

import (
	"fmt"
	"log"
	"os"
	"time"
)

// App holds the runtime configuration loaded from environment variables.
type App struct {
	Env               string
	HTTPPort          string
	SessionCount      int
	UploadDir         string
	RateLimitPerMin   int
	HeartbeatInterval time.Duration
	ClientSendBuffer  int

	// Client-side settings, used by cmd/client.
	ServerURL  string
	DeviceName string
	DeviceType string
}

// Load returns application config populated from environment variables with sensible defaults.
func Load() App {
	return App{
		Env:               getEnv("APP_ENV", "dev"),
		HTTPPort:          getEnv("HTTP_PORT", "3000"),
		SessionCount:      intEnv("SESSION_COUNT", 8),
		UploadDir:         getEnv("UPLOAD_DIR", "uploads"),
		RateLimitPerMin:   intEnv("RATE_LIMIT_PER_MIN", 240),
		HeartbeatInterval: durationEnv("HEARTBEAT_INTERVAL", 30*time.Second),
		ClientSendBuffer:  intEnv("CLIENT_SEND_BUFFER", 32),
		ServerURL:         getEnv("SERVER_URL", "ws://localhost:3000/ws"),
		DeviceName:        getEnv("DEVICE_NAME", hostnameOr("client")),
		DeviceType:        getEnv("DEVICE_TYPE", "unknown"),
	}
}

func hostnameOr(fallback string) string {
	if name, err := os.Hostname(); err == nil && name != "" {
		return name
	}
	return fallback
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func durationEnv(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			log.Printf("invalid duration for %s: %v, using fallback %s", key, err, fallback)
			return fallback
		}
		return d
	}
	return fallback
}

func intEnv(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		var parsed int
		if _, err := fmt.Sscanf(val, "%d", &parsed); err == nil {
			return parsed
		}
		log.Printf("invalid int for %s, using fallback %d", key, fallback)
	}
	return fallback
}
