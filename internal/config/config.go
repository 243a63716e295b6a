package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds relay server configuration. It is loaded once at process
// start; the core never re-reads the environment.
type Config struct {
	// Addr is the listen address for the HTTP server hosting the relay
	// endpoint and the admin API.
	Addr string
	// BrokerURL selects the shared broker. "redis://..." connects to Redis;
	// "memory://" runs a process-local broker (single-process deployments
	// and development only).
	BrokerURL string
	// DatabasePath is the sqlite file backing the application registry.
	DatabasePath string
	// MasterSecret signs application tokens and guards the admin API.
	MasterSecret string

	// SessionTTL is the sliding expiry window for session records.
	SessionTTL time.Duration
	// MaxMessageSize bounds inbound frames in bytes. Enforced at the
	// websocket read limit and again on the payload during publish.
	MaxMessageSize int64
	// IdleTimeout closes connections with no inbound frame (including ping).
	IdleTimeout time.Duration

	// BrokerTimeout bounds every individual broker call.
	BrokerTimeout time.Duration
	// BrokerMaxRetries is the reconnect budget before the broker adapter
	// reports itself down.
	BrokerMaxRetries uint

	// RequireAppAuth gates topic access on a token issued to a registered
	// application. When false, topic names act as shared secrets.
	RequireAppAuth bool

	Debug          bool
	AllowedOrigins []string
}

// Load loads server configuration from the environment. A .env file in the
// working directory is applied first, without overriding variables already
// set in the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	port := 3005
	if portStr := os.Getenv("PORT"); portStr != "" {
		if p, err := strconv.Atoi(portStr); err == nil {
			port = p
		}
	}

	brokerURL := os.Getenv("PASSAGE_BROKER_URL")
	if brokerURL == "" {
		brokerURL = "redis://localhost:6379/0"
	}

	dbPath := os.Getenv("DATABASE_PATH")
	if dbPath == "" {
		dbPath = "./passage.db"
	}

	masterSecret := os.Getenv("PASSAGE_MASTER_SECRET")
	if masterSecret == "" {
		return nil, fmt.Errorf("PASSAGE_MASTER_SECRET environment variable is required")
	}

	sessionTTL, err := durationEnv("PASSAGE_SESSION_TTL", 5*time.Minute)
	if err != nil {
		return nil, err
	}

	maxMessageSize := int64(100 * 1024)
	if sizeStr := os.Getenv("PASSAGE_MAX_MESSAGE_SIZE"); sizeStr != "" {
		size, err := strconv.ParseInt(sizeStr, 10, 64)
		if err != nil || size <= 0 {
			return nil, fmt.Errorf("invalid PASSAGE_MAX_MESSAGE_SIZE: %q", sizeStr)
		}
		maxMessageSize = size
	}

	idleTimeout, err := durationEnv("PASSAGE_IDLE_TIMEOUT", 90*time.Second)
	if err != nil {
		return nil, err
	}

	brokerTimeout, err := durationEnv("PASSAGE_BROKER_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, err
	}

	brokerMaxRetries := uint(3)
	if retriesStr := os.Getenv("PASSAGE_BROKER_MAX_RETRIES"); retriesStr != "" {
		retries, err := strconv.ParseUint(retriesStr, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid PASSAGE_BROKER_MAX_RETRIES: %q", retriesStr)
		}
		brokerMaxRetries = uint(retries)
	}

	origins := []string{"*"}
	if originsStr := os.Getenv("CORS_ALLOWED_ORIGINS"); originsStr != "" {
		origins = strings.Split(originsStr, ",")
	}

	return &Config{
		Addr:             fmt.Sprintf(":%d", port),
		BrokerURL:        brokerURL,
		DatabasePath:     dbPath,
		MasterSecret:     masterSecret,
		SessionTTL:       sessionTTL,
		MaxMessageSize:   maxMessageSize,
		IdleTimeout:      idleTimeout,
		BrokerTimeout:    brokerTimeout,
		BrokerMaxRetries: brokerMaxRetries,
		RequireAppAuth:   boolEnv("PASSAGE_REQUIRE_APP_AUTH"),
		Debug:            boolEnv("DEBUG"),
		AllowedOrigins:   origins,
	}, nil
}

// durationEnv reads a duration given either as a number of seconds or as a
// Go duration string ("90s", "5m").
func durationEnv(name string, fallback time.Duration) (time.Duration, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback, nil
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		if secs <= 0 {
			return 0, fmt.Errorf("invalid %s: %q", name, raw)
		}
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", name, raw)
	}
	return d, nil
}

func boolEnv(name string) bool {
	v := os.Getenv(name)
	return v == "true" || v == "1"
}
