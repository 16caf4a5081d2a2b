package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	_ "github.com/joho/godotenv/autoload"
)

// Config holds everything read from the environment. It is loaded once at
// process start; nothing re-reads the environment afterwards.
type Config struct {
	Port int

	DatabaseURL   string
	RedisURL      string
	RedisPassword string
	RedisDB       int

	AuthSecret string

	BettingWindow time.Duration
	TickInterval  time.Duration
	CrashDisplay  time.Duration

	MinBet           decimal.Decimal
	MaxBet           decimal.Decimal
	BetLimitPerCycle int
	Currency         string

	MigrationsPath string
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{
		Port: getEnvAsInt("PORT", 8080),

		DatabaseURL:   os.Getenv("DATABASE_URL"),
		RedisURL:      getEnv("REDIS_URL", "localhost:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),

		AuthSecret: os.Getenv("AUTH_SECRET"),

		BettingWindow: time.Duration(getEnvAsInt("BETTING_MS", 5000)) * time.Millisecond,
		TickInterval:  time.Duration(getEnvAsInt("TICK_MS", 100)) * time.Millisecond,
		CrashDisplay:  time.Duration(getEnvAsInt("CRASH_DISPLAY_MS", 3000)) * time.Millisecond,

		BetLimitPerCycle: getEnvAsInt("BET_LIMIT_PER_CYCLE", 2),
		Currency:         getEnv("CURRENCY", "KSH"),

		MigrationsPath: getEnv("MIGRATIONS_PATH", "./migrations"),
	}

	var err error
	if cfg.MinBet, err = getEnvAsDecimal("MIN_BET", "1.00"); err != nil {
		return nil, err
	}
	if cfg.MaxBet, err = getEnvAsDecimal("MAX_BET", "10000.00"); err != nil {
		return nil, err
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.AuthSecret == "" {
		return nil, fmt.Errorf("AUTH_SECRET is required")
	}
	if cfg.MinBet.LessThanOrEqual(decimal.Zero) || cfg.MaxBet.LessThan(cfg.MinBet) {
		return nil, fmt.Errorf("invalid bet range: MIN_BET=%s MAX_BET=%s", cfg.MinBet, cfg.MaxBet)
	}
	if cfg.TickInterval <= 0 || cfg.BettingWindow <= 0 {
		return nil, fmt.Errorf("BETTING_MS and TICK_MS must be positive")
	}

	return cfg, nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsDecimal(key, defaultVal string) (decimal.Decimal, error) {
	val := getEnv(key, defaultVal)
	d, err := decimal.NewFromString(val)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid %s value %q: %w", key, val, err)
	}
	return d, nil
}
