package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"HTTP_ADDRESS", "STORE_DRIVER", "CACHE_KEEP_ALIVE", "CACHE_MAX_RETRIES", "LOG_FORMAT_JSON"} {
		t.Setenv(key, "")
	}

	cfg := Load()
	require.Equal(t, ":8080", cfg.HTTPAddress)
	require.Equal(t, DriverPostgres, cfg.StoreDriver)
	require.Equal(t, 5*time.Second, cfg.CacheKeepAlive)
	require.Equal(t, 2, cfg.CacheMaxRetries)
	require.False(t, cfg.LogFormatJSON)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("STORE_DRIVER", "Memory")
	t.Setenv("KAFKA_BROKERS", " a:9092, ,b:9092 ")
	t.Setenv("CACHE_STALE_TIME", "30s")
	t.Setenv("CACHE_MAX_RETRIES", "7")
	t.Setenv("CACHE_RETRY_BASE_DELAY", "not-a-duration")
	t.Setenv("LOG_FORMAT_JSON", "true")
	t.Setenv("ALLOWED_ORIGINS", "https://app.example.com")

	cfg := Load()
	require.Equal(t, DriverMemory, cfg.StoreDriver)
	require.Equal(t, []string{"a:9092", "b:9092"}, cfg.KafkaBrokers)
	require.Equal(t, 30*time.Second, cfg.CacheStaleTime)
	require.Equal(t, 7, cfg.CacheMaxRetries)
	require.Equal(t, 250*time.Millisecond, cfg.CacheRetryBaseDelay)
	require.True(t, cfg.LogFormatJSON)
	require.Equal(t, []string{"https://app.example.com"}, cfg.AllowedOrigins)
}

func TestEmptyBrokersDisableKafka(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "")
	require.Empty(t, Load().KafkaBrokers)
}

func TestLocation(t *testing.T) {
	require.Equal(t, "UTC", Config{Timezone: "UTC"}.Location().String())
	require.Equal(t, time.Local, Config{Timezone: "Mars/Olympus"}.Location())
}
