package params

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Server struct {
	ListenAddr string
	DBPath     string
	LogFile    string
}

type Chain struct {
	// BlockTime paces the internal block counter used for the minimum
	// hold period and funding accrual.
	//
	// Recommended values:
	//   - Devnet:      200ms (fast feedback while testing)
	//   - Testnet:     1s
	//   - Production:  match the settlement chain's block time
	BlockTime time.Duration
}

type Trading struct {
	// Markets is the list of symbols registered at startup with default
	// risk parameters; governance calls adjust them afterwards.
	Markets []string

	// TimelockDelay is the maturity period for escrowed large payouts.
	TimelockDelay time.Duration
}

type Config struct {
	Server  Server
	Chain   Chain
	Trading Trading
}

func Default() Config {
	return Config{
		Server: Server{
			ListenAddr: ":8080",
			DBPath:     "data/perp.db",
			LogFile:    "data/perp.log",
		},
		Chain: Chain{
			BlockTime: 200 * time.Millisecond,
		},
		Trading: Trading{
			Markets:       []string{"BTC-USD", "ETH-USD"},
			TimelockDelay: 24 * time.Hour,
		},
	}
}

// LoadFromEnv loads configuration from a .env file (if present) and
// environment variables. Priority: ENV > .env file > defaults.
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	cfg.Server.ListenAddr = getEnv("LISTEN_ADDR", cfg.Server.ListenAddr)
	cfg.Server.DBPath = getEnv("DB_PATH", cfg.Server.DBPath)
	cfg.Server.LogFile = getEnv("LOG_FILE", cfg.Server.LogFile)

	if bt := os.Getenv("BLOCK_TIME_MS"); bt != "" {
		if ms, err := strconv.Atoi(bt); err == nil && ms > 0 {
			cfg.Chain.BlockTime = time.Duration(ms) * time.Millisecond
		}
	}
	if delay := os.Getenv("TIMELOCK_DELAY_HOURS"); delay != "" {
		if h, err := strconv.Atoi(delay); err == nil && h >= 0 {
			cfg.Trading.TimelockDelay = time.Duration(h) * time.Hour
		}
	}
	if markets := os.Getenv("MARKETS"); markets != "" {
		cfg.Trading.Markets = strings.Split(markets, ",")
	}

	return cfg
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
