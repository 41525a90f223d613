package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	AppPort string
	AppMode string
	LogMode string

	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	NoAnswerTimeout  time.Duration
	MaxIncomingAge   time.Duration
	OperationTimeout time.Duration
	ShellAckTimeout  time.Duration
	PushReadyTimeout time.Duration

	RecoveryBaseURL     string
	RecoveryToken       string
	RecoveryTimeout     time.Duration
	RecoveryMaxCallAge  time.Duration
	CallDirectoryTTL    time.Duration
	AnnounceActiveCalls bool

	LiveKitURL       string
	LiveKitAPIKey    string
	LiveKitAPISecret string
	RTMSigningSecret string
	TokenTTL         time.Duration

	AMQPURL               string
	AMQPPushQueue         string
	AMQPPushExchange      string
	AMQPPushRoutingKey    string
	AMQPPrefetch          int
	RateLimitEnabled      bool
	CallRateLimit         int
	PushRateLimit         int
	ControlAPISecret      string
	AllowedOrigins        []string
	DeviceUserID          string
	DeviceUserType        string
	DeviceDisplayName     string
	DeviceBuildingID      string
	DeviceApartmentNumber string
}

func LoadConfig() *Config {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	return &Config{
		AppPort: getEnv("APP_PORT", "8080"),
		AppMode: getEnv("APP_MODE", "debug"),
		LogMode: getEnv("LOG_MODE", "development"),

		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),

		NoAnswerTimeout:  getEnvAsDuration("NO_ANSWER_TIMEOUT", 45*time.Second),
		MaxIncomingAge:   getEnvAsDuration("MAX_INCOMING_AGE", 2*time.Minute),
		OperationTimeout: getEnvAsDuration("OPERATION_TIMEOUT", 10*time.Second),
		ShellAckTimeout:  getEnvAsDuration("SHELL_ACK_TIMEOUT", 5*time.Second),
		PushReadyTimeout: getEnvAsDuration("PUSH_READY_TIMEOUT", 10*time.Second),

		RecoveryBaseURL:     getEnv("RECOVERY_BASE_URL", ""),
		RecoveryToken:       getEnv("RECOVERY_TOKEN", ""),
		RecoveryTimeout:     getEnvAsDuration("RECOVERY_TIMEOUT", 10*time.Second),
		RecoveryMaxCallAge:  getEnvAsDuration("RECOVERY_MAX_CALL_AGE", 2*time.Minute),
		CallDirectoryTTL:    getEnvAsDuration("CALL_DIRECTORY_TTL", 5*time.Minute),
		AnnounceActiveCalls: getEnvAsBool("ANNOUNCE_ACTIVE_CALLS", true),

		LiveKitURL:       getEnv("LIVEKIT_URL", ""),
		LiveKitAPIKey:    getEnv("LIVEKIT_API_KEY", ""),
		LiveKitAPISecret: getEnv("LIVEKIT_API_SECRET", ""),
		RTMSigningSecret: getEnv("RTM_SIGNING_SECRET", ""),
		TokenTTL:         getEnvAsDuration("TOKEN_TTL", time.Hour),

		AMQPURL:            getEnv("AMQP_URL", ""),
		AMQPPushQueue:      getEnv("AMQP_PUSH_QUEUE", "intercom.push"),
		AMQPPushExchange:   getEnv("AMQP_PUSH_EXCHANGE", "intercom.push"),
		AMQPPushRoutingKey: getEnv("AMQP_PUSH_ROUTING_KEY", "intercom.call.#"),
		AMQPPrefetch:       getEnvAsInt("AMQP_PREFETCH", 10),

		RateLimitEnabled: getEnvAsBool("RATE_LIMIT_ENABLED", true),
		CallRateLimit:    getEnvAsInt("CALL_RATE_LIMIT", 10),
		PushRateLimit:    getEnvAsInt("PUSH_RATE_LIMIT", 120),
		ControlAPISecret: getEnv("CONTROL_API_SECRET", ""),
		AllowedOrigins:   getEnvAsList("ALLOWED_ORIGINS", []string{"*"}),

		DeviceUserID:          getEnv("DEVICE_USER_ID", ""),
		DeviceUserType:        getEnv("DEVICE_USER_TYPE", ""),
		DeviceDisplayName:     getEnv("DEVICE_DISPLAY_NAME", ""),
		DeviceBuildingID:      getEnv("DEVICE_BUILDING_ID", ""),
		DeviceApartmentNumber: getEnv("DEVICE_APARTMENT_NUMBER", ""),
	}
}

// Validate reports every setting that would leave the daemon unusable.
func (c *Config) Validate() error {
	var errs []error
	durations := []struct {
		name  string
		value time.Duration
	}{
		{"NO_ANSWER_TIMEOUT", c.NoAnswerTimeout},
		{"OPERATION_TIMEOUT", c.OperationTimeout},
		{"SHELL_ACK_TIMEOUT", c.ShellAckTimeout},
		{"PUSH_READY_TIMEOUT", c.PushReadyTimeout},
		{"RECOVERY_TIMEOUT", c.RecoveryTimeout},
		{"RECOVERY_MAX_CALL_AGE", c.RecoveryMaxCallAge},
		{"TOKEN_TTL", c.TokenTTL},
	}
	for _, d := range durations {
		if d.value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", d.name, d.value))
		}
	}
	if c.LiveKitAPIKey == "" || c.LiveKitAPISecret == "" {
		errs = append(errs, errors.New("LIVEKIT_API_KEY and LIVEKIT_API_SECRET are required"))
	}
	switch c.AppMode {
	case "debug", "release", "test":
	default:
		errs = append(errs, fmt.Errorf("APP_MODE must be debug, release or test, got %q", c.AppMode))
	}
	if c.DeviceUserID != "" && c.DeviceUserType == "" {
		errs = append(errs, errors.New("DEVICE_USER_TYPE is required with DEVICE_USER_ID"))
	}
	if c.RateLimitEnabled && (c.CallRateLimit <= 0 || c.PushRateLimit <= 0) {
		errs = append(errs, errors.New("CALL_RATE_LIMIT and PUSH_RATE_LIMIT must be positive"))
	}
	return errors.Join(errs...)
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return fallback
}

// getEnvAsDuration accepts Go durations ("45s") or whole seconds ("45").
func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	if secs, err := strconv.Atoi(valueStr); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return fallback
}

func getEnvAsList(key string, fallback []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	var out []string
	for _, v := range strings.Split(valueStr, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
