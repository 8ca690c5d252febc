package circuitbreaker

import (
	"os"
	"strconv"
	"time"
)

// Settings is the env-driven shape of a breaker configuration.
type Settings struct {
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold uint32
	SuccessThreshold uint32
}

// ToConfig converts settings into a breaker Config.
func (s Settings) ToConfig() Config {
	return Config{
		MaxRequests:      s.MaxRequests,
		Interval:         s.Interval,
		Timeout:          s.Timeout,
		FailureThreshold: s.FailureThreshold,
		SuccessThreshold: s.SuccessThreshold,
	}
}

// RedisSettings covers the result cache, run store and trace store.
func RedisSettings() Settings {
	return fromEnv("CB_REDIS", Settings{MaxRequests: 5, Interval: 30 * time.Second, Timeout: 15 * time.Second, FailureThreshold: 3, SuccessThreshold: 2})
}

// DatabaseSettings covers Postgres and the structured store.
func DatabaseSettings() Settings {
	return fromEnv("CB_DB", Settings{MaxRequests: 3, Interval: 60 * time.Second, Timeout: 30 * time.Second, FailureThreshold: 5, SuccessThreshold: 2})
}

// HTTPSettings covers tool endpoints, embeddings and the vector store.
func HTTPSettings() Settings {
	return fromEnv("CB_HTTP", Settings{MaxRequests: 3, Interval: 30 * time.Second, Timeout: 15 * time.Second, FailureThreshold: 5, SuccessThreshold: 2})
}

// OracleSettings covers LLM provider calls.
func OracleSettings() Settings {
	return fromEnv("CB_ORACLE", Settings{MaxRequests: 2, Interval: 60 * time.Second, Timeout: 30 * time.Second, FailureThreshold: 4, SuccessThreshold: 1})
}

// AdapterSettings covers retriever adapters.
func AdapterSettings() Settings {
	return fromEnv("CB_ADAPTER", Settings{MaxRequests: 3, Interval: 30 * time.Second, Timeout: 10 * time.Second, FailureThreshold: 5, SuccessThreshold: 2})
}

func fromEnv(prefix string, def Settings) Settings {
	return Settings{
		MaxRequests:      getEnvUint32(prefix+"_MAX_REQUESTS", def.MaxRequests),
		Interval:         getEnvDuration(prefix+"_INTERVAL", def.Interval),
		Timeout:          getEnvDuration(prefix+"_TIMEOUT", def.Timeout),
		FailureThreshold: getEnvUint32(prefix+"_FAILURE_THRESHOLD", def.FailureThreshold),
		SuccessThreshold: getEnvUint32(prefix+"_SUCCESS_THRESHOLD", def.SuccessThreshold),
	}
}

func getEnvUint32(key string, def uint32) uint32 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			return uint32(n)
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
