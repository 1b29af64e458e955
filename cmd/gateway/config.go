package main

import (
	"os"
	"strconv"
	"time"

	"github.com/kiosklabs/voice-gateway/internal/prompts"
)

type config struct {
	port string

	upstreamURL          string
	upstreamAPIKey       string
	upstreamVoice        string
	upstreamInstructions string
	upstreamSampleRate   int
	vadThreshold         float64
	vadSilenceMS         int
	maxReconnectAttempts int
	backoffBase          float64
	maxBackoff           time.Duration
	heartbeatInterval    time.Duration

	maxConcurrentSessions int
	sessionExpiry         time.Duration

	sessionPerMinute int
	globalPerMinute  int
	customerShare    float64

	conversationTokens int

	taxRate       float64
	minTotalCents int

	ordersDSN        string
	catalogURL       string
	catalogPoolSize  int
	customerURL      string
	redisAddr        string
	customerCacheTTL time.Duration

	fallbackModel string
}

func loadConfig() config {
	return config{
		port: envStr("GATEWAY_PORT", "8000"),

		upstreamURL:          envStr("UPSTREAM_URL", "wss://api.openai.com/v1/realtime?model=gpt-4o-realtime-preview"),
		upstreamAPIKey:       envStr("OPENAI_API_KEY", ""),
		upstreamVoice:        envStr("UPSTREAM_VOICE", "alloy"),
		upstreamInstructions: envStr("SESSION_INSTRUCTIONS", prompts.DefaultInstructions),
		upstreamSampleRate:   envInt("UPSTREAM_SAMPLE_RATE", 24000),
		vadThreshold:         envFloat("VAD_THRESHOLD", 0.5),
		vadSilenceMS:         envInt("VAD_SILENCE_MS", 500),
		maxReconnectAttempts: envInt("MAX_RECONNECT_ATTEMPTS", 5),
		backoffBase:          envFloat("RECONNECT_BACKOFF_BASE", 2),
		maxBackoff:           envDuration("RECONNECT_BACKOFF_MAX", 30*time.Second),
		heartbeatInterval:    envDuration("HEARTBEAT_INTERVAL", 30*time.Second),

		maxConcurrentSessions: envInt("MAX_CONCURRENT_SESSIONS", 100),
		sessionExpiry:         envDuration("SESSION_EXPIRY", 30*time.Minute),

		sessionPerMinute: envInt("RATE_SESSION_PER_MINUTE", 10),
		globalPerMinute:  envInt("RATE_GLOBAL_PER_MINUTE", 300),
		customerShare:    envFloat("RATE_CUSTOMER_SHARE", 0.2),

		conversationTokens: envInt("CONVERSATION_TOKEN_BUDGET", 2048),

		taxRate:       envFloat("ORDER_TAX_RATE", 0.0825),
		minTotalCents: envInt("ORDER_MIN_TOTAL_CENTS", 50),

		ordersDSN:        envStr("ORDERS_DSN", ""),
		catalogURL:       envStr("CATALOG_URL", ""),
		catalogPoolSize:  envInt("CATALOG_POOL_SIZE", 10),
		customerURL:      envStr("CUSTOMER_URL", ""),
		redisAddr:        envStr("REDIS_ADDR", ""),
		customerCacheTTL: envDuration("CUSTOMER_CACHE_TTL", 5*time.Minute),

		fallbackModel: envStr("FALLBACK_MODEL", "gpt-4o-mini"),
	}
}

func envStr(key, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

func envInt(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return n
}

func envFloat(key string, fallback float64) float64 {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return fallback
	}
	return f
}

func envDuration(key string, fallback time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}
