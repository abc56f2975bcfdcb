package circuitbreaker

import (
	"os"
	"strconv"
	"time"
)

// BreakerSettings is the tunable subset exposed through configuration.
type BreakerSettings struct {
	MaxRequests      uint32
	Interval         time.Duration
	ResetTimeout     time.Duration
	CallTimeout      time.Duration
	FailureThreshold uint32
	SuccessThreshold uint32
}

// RedisSettings returns Redis circuit breaker settings from environment variables.
func RedisSettings() BreakerSettings {
	return BreakerSettings{
		MaxRequests:      getEnvUint32("CB_REDIS_MAX_REQUESTS", 5),
		Interval:         getEnvDuration("CB_REDIS_INTERVAL", 30*time.Second),
		ResetTimeout:     getEnvDuration("CB_REDIS_RESET_TIMEOUT", 15*time.Second),
		CallTimeout:      getEnvDuration("CB_REDIS_CALL_TIMEOUT", 0),
		FailureThreshold: getEnvUint32("CB_REDIS_FAILURE_THRESHOLD", 3),
		SuccessThreshold: getEnvUint32("CB_REDIS_SUCCESS_THRESHOLD", 2),
	}
}

// DatabaseSettings returns PostgreSQL circuit breaker settings from environment variables.
func DatabaseSettings() BreakerSettings {
	return BreakerSettings{
		MaxRequests:      getEnvUint32("CB_DB_MAX_REQUESTS", 3),
		Interval:         getEnvDuration("CB_DB_INTERVAL", 60*time.Second),
		ResetTimeout:     getEnvDuration("CB_DB_RESET_TIMEOUT", 30*time.Second),
		CallTimeout:      getEnvDuration("CB_DB_CALL_TIMEOUT", 0),
		FailureThreshold: getEnvUint32("CB_DB_FAILURE_THRESHOLD", 5),
		SuccessThreshold: getEnvUint32("CB_DB_SUCCESS_THRESHOLD", 2),
	}
}

// ProviderSettings returns tool-provider circuit breaker settings from
// environment variables. Defaults match the dispatch contract: 5 consecutive
// failures open, 2 half-open successes close, 30s per call, 60s reset.
func ProviderSettings() BreakerSettings {
	return BreakerSettings{
		MaxRequests:      getEnvUint32("CB_PROVIDER_MAX_REQUESTS", 1),
		Interval:         getEnvDuration("CB_PROVIDER_INTERVAL", 60*time.Second),
		ResetTimeout:     getEnvDuration("CB_PROVIDER_RESET_TIMEOUT", 60*time.Second),
		CallTimeout:      getEnvDuration("CB_PROVIDER_CALL_TIMEOUT", 30*time.Second),
		FailureThreshold: getEnvUint32("CB_PROVIDER_FAILURE_THRESHOLD", 5),
		SuccessThreshold: getEnvUint32("CB_PROVIDER_SUCCESS_THRESHOLD", 2),
	}
}

// HTTPSettings returns outbound HTTP circuit breaker settings from environment variables.
func HTTPSettings() BreakerSettings {
	return BreakerSettings{
		MaxRequests:      getEnvUint32("CB_HTTP_MAX_REQUESTS", 5),
		Interval:         getEnvDuration("CB_HTTP_INTERVAL", 30*time.Second),
		ResetTimeout:     getEnvDuration("CB_HTTP_RESET_TIMEOUT", 15*time.Second),
		CallTimeout:      getEnvDuration("CB_HTTP_CALL_TIMEOUT", 10*time.Second),
		FailureThreshold: getEnvUint32("CB_HTTP_FAILURE_THRESHOLD", 3),
		SuccessThreshold: getEnvUint32("CB_HTTP_SUCCESS_THRESHOLD", 2),
	}
}

// ToConfig converts BreakerSettings to a breaker Config.
func (bs BreakerSettings) ToConfig() Config {
	return Config{
		MaxRequests:      bs.MaxRequests,
		Interval:         bs.Interval,
		ResetTimeout:     bs.ResetTimeout,
		CallTimeout:      bs.CallTimeout,
		FailureThreshold: bs.FailureThreshold,
		SuccessThreshold: bs.SuccessThreshold,
	}
}

// Helper functions for environment variable parsing

func getEnvUint32(key string, defaultValue uint32) uint32 {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseUint(val, 10, 32); err == nil {
			return uint32(parsed)
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	return defaultValue
}
