package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"

	"bgg-roller/internal/models"
)

type Config struct {
	Relays            []models.Endpoint
	CustomRelayURL    string
	CustomRelayEncode bool

	ServerPort     string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	AllowedOrigins []string
	RateLimit      float64
	RateBurst      int
	// AllowRelayAdmin enables the custom relay endpoints and relay check targets
	// supplied by API callers.
	AllowRelayAdmin bool

	RequestTimeout        time.Duration
	ProbeTimeout          time.Duration
	HealthCheckInterval   time.Duration
	ProbeTarget           string
	MaxPasses             int
	BaseBackoff           time.Duration
	MaxConcurrentRequests int
	UserAgent             string

	HealthStore     string
	HealthStorePath string

	BGGAPIBase           string
	CollectionRetries    int
	CollectionRetryDelay time.Duration
	MaxPlayPages         int

	Debug bool
}

func LoadConfig() (*Config, error) {
	// Load .env file if it exists, but don't return error if it doesn't
	godotenv.Load()

	relays := DefaultRelays()
	if path := os.Getenv("RELAYS_FILE"); path != "" {
		fromFile, err := LoadRelaysFile(path)
		if err != nil {
			return nil, err
		}
		relays = fromFile
	}

	cfg := &Config{
		Relays:            relays,
		CustomRelayURL:    os.Getenv("CUSTOM_PROXY_URL"),
		CustomRelayEncode: getEnvAsBool("CUSTOM_PROXY_ENCODE", true),

		ServerPort:     getEnvWithDefault("SERVER_PORT", ":9090"),
		ReadTimeout:    time.Duration(getEnvAsInt("READ_TIMEOUT_SECONDS", 15)) * time.Second,
		WriteTimeout:   time.Duration(getEnvAsInt("WRITE_TIMEOUT_SECONDS", 120)) * time.Second,
		AllowedOrigins: strings.Split(getEnvWithDefault("ALLOWED_ORIGINS", "*"), ","),
		RateLimit:      getEnvAsFloat("RATE_LIMIT_PER_SECOND", 2),
		RateBurst:      getEnvAsInt("RATE_LIMIT_BURST", 10),

		AllowRelayAdmin: getEnvAsBool("ALLOW_RELAY_ADMIN", false),

		RequestTimeout:        time.Duration(getEnvAsInt("REQUEST_TIMEOUT_SECONDS", 30)) * time.Second,
		ProbeTimeout:          time.Duration(getEnvAsInt("PROBE_TIMEOUT_SECONDS", 10)) * time.Second,
		HealthCheckInterval:   time.Duration(getEnvAsInt("HEALTH_CHECK_INTERVAL_SECONDS", 900)) * time.Second,
		ProbeTarget:           getEnvWithDefault("PROBE_TARGET", "https://boardgamegeek.com/xmlapi2/thing?id=13"),
		MaxPasses:             getEnvAsInt("MAX_PASSES", 3),
		BaseBackoff:           time.Duration(getEnvAsInt("BACKOFF_BASE_MS", 1000)) * time.Millisecond,
		MaxConcurrentRequests: getEnvAsInt("MAX_CONCURRENT_REQUESTS", 2),
		UserAgent:             getEnvWithDefault("USER_AGENT", "bgg-roller/1.0"),

		HealthStore:     getEnvWithDefault("HEALTH_STORE", "bolt"),
		HealthStorePath: getEnvWithDefault("HEALTH_STORE_PATH", "data"),

		BGGAPIBase:           strings.TrimRight(getEnvWithDefault("BGG_API_BASE", "https://boardgamegeek.com/xmlapi2"), "/"),
		CollectionRetries:    getEnvAsInt("COLLECTION_RETRIES", 5),
		CollectionRetryDelay: time.Duration(getEnvAsInt("COLLECTION_RETRY_DELAY_SECONDS", 3)) * time.Second,
		MaxPlayPages:         getEnvAsInt("MAX_PLAY_PAGES", 5),

		Debug: getEnvAsBool("DEBUG", false),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if len(c.Relays) == 0 {
		return errors.New("at least one relay must be configured")
	}
	if c.MaxPasses < 1 {
		return errors.New("MAX_PASSES must be at least 1")
	}
	if c.MaxConcurrentRequests < 1 {
		return errors.New("MAX_CONCURRENT_REQUESTS must be at least 1")
	}
	if c.RequestTimeout <= 0 || c.ProbeTimeout <= 0 {
		return errors.New("request and probe timeouts must be positive")
	}
	if c.HealthCheckInterval <= 0 {
		return errors.New("HEALTH_CHECK_INTERVAL_SECONDS must be positive")
	}
	switch c.HealthStore {
	case "bolt", "sqlite", "memory":
	default:
		return errors.Errorf("HEALTH_STORE must be bolt, sqlite or memory, got %q", c.HealthStore)
	}
	return nil
}

// Helper function to get environment variable with default value
func getEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// Helper function to get environment variable as integer with default value
func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
