package params

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type API struct {
	Addr           string
	AllowedOrigins []string
}

type Store struct {
	Backend     string // "postgres" or "pebble"
	DatabaseURL string
	PebblePath  string
}

type Matcher struct {
	BatchSize int
	// Interval drives periodic runs in long-running mode. Zero means the
	// matcher only runs when invoked over HTTP.
	Interval time.Duration
	// ClaimTimeout releases PROCESSING rows older than this back to QUEUED.
	// Zero disables the sweep.
	ClaimTimeout time.Duration
}

type Fees struct {
	RateBps  int64
	Currency string
	Policy   string // "buyer" or "taker"
}

type Broadcast struct {
	KafkaBrokers       []string
	KafkaTopic         string
	RedisAddr          string
	RedisChannelPrefix string
}

type Log struct {
	File  string
	Level string
}

type Config struct {
	API       API
	Store     Store
	Matcher   Matcher
	Fees      Fees
	Broadcast Broadcast
	Log       Log
}

func Default() Config {
	return Config{
		API: API{
			Addr:           ":8080",
			AllowedOrigins: []string{"*"},
		},
		Store: Store{
			Backend:    "pebble",
			PebblePath: "data/matcher",
		},
		Matcher: Matcher{
			BatchSize:    10,
			ClaimTimeout: 5 * time.Minute,
		},
		Fees: Fees{
			RateBps:  100,
			Currency: "USDC",
			Policy:   "buyer",
		},
		Broadcast: Broadcast{
			KafkaTopic:         "orderbook-snapshots",
			RedisChannelPrefix: "orderbook:",
		},
		Log: Log{
			Level: "info",
		},
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	// .env is optional
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	cfg.API.Addr = getEnv("API_ADDR", cfg.API.Addr)
	if origins := os.Getenv("CORS_ALLOWED_ORIGINS"); origins != "" {
		cfg.API.AllowedOrigins = splitList(origins)
	}

	cfg.Store.Backend = strings.ToLower(getEnv("STORE_BACKEND", cfg.Store.Backend))
	cfg.Store.DatabaseURL = getEnv("DATABASE_URL", cfg.Store.DatabaseURL)
	cfg.Store.PebblePath = getEnv("PEBBLE_PATH", cfg.Store.PebblePath)

	if n, ok := getInt("MATCHER_BATCH_SIZE"); ok && n > 0 {
		cfg.Matcher.BatchSize = int(n)
	}
	if ms, ok := getInt("MATCHER_INTERVAL_MS"); ok && ms >= 0 {
		cfg.Matcher.Interval = time.Duration(ms) * time.Millisecond
	}
	if ms, ok := getInt("MATCHER_CLAIM_TIMEOUT_MS"); ok && ms >= 0 {
		cfg.Matcher.ClaimTimeout = time.Duration(ms) * time.Millisecond
	}

	if bps, ok := getInt("FEE_RATE_BPS"); ok && bps >= 0 {
		cfg.Fees.RateBps = bps
	}
	cfg.Fees.Currency = getEnv("FEE_CURRENCY", cfg.Fees.Currency)
	cfg.Fees.Policy = getEnv("FEE_POLICY", cfg.Fees.Policy)

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.Broadcast.KafkaBrokers = splitList(brokers)
	}
	cfg.Broadcast.KafkaTopic = getEnv("KAFKA_TOPIC", cfg.Broadcast.KafkaTopic)
	cfg.Broadcast.RedisAddr = getEnv("REDIS_ADDR", cfg.Broadcast.RedisAddr)
	cfg.Broadcast.RedisChannelPrefix = getEnv("REDIS_CHANNEL_PREFIX", cfg.Broadcast.RedisChannelPrefix)

	cfg.Log.File = getEnv("LOG_FILE", cfg.Log.File)
	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)

	return cfg
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string) (int64, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// splitList parses a comma-separated list, dropping blanks
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
