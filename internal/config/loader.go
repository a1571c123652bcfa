package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/alanyoungcy/riskgate/internal/domain"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies RISKGATE_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrConfig, path, err)
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known RISKGATE_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Risk ──
	setBool(&cfg.Risk.Enabled, "RISKGATE_RISK_ENABLED")
	setStr(&cfg.Risk.SafetyMode, "RISKGATE_RISK_SAFETY_MODE")
	setDecimal(&cfg.Risk.DefaultRiskPerTradePct, "RISKGATE_RISK_DEFAULT_RISK_PER_TRADE_PCT")
	setDecimal(&cfg.Risk.MaxRiskPerTradePct, "RISKGATE_RISK_MAX_RISK_PER_TRADE_PCT")
	setDecimal(&cfg.Risk.MaxGlobalRiskPct, "RISKGATE_RISK_MAX_GLOBAL_RISK_PCT")
	setDecimal(&cfg.Risk.MaxDailyLossPct, "RISKGATE_RISK_MAX_DAILY_LOSS_PCT")
	setDecimal(&cfg.Risk.GlobalMaxDailyLossPct, "RISKGATE_RISK_GLOBAL_MAX_DAILY_LOSS_PCT")
	setInt(&cfg.Risk.MaxOpenPositions, "RISKGATE_RISK_MAX_OPEN_POSITIONS")
	setInt(&cfg.Risk.MaxConsecutiveLosses, "RISKGATE_RISK_MAX_CONSECUTIVE_LOSSES")

	// ── TxGuard ──
	setBool(&cfg.TxGuard.HardDisableSendTx, "RISKGATE_TXGUARD_HARD_DISABLE_SEND_TX")
	setStringSlice(&cfg.TxGuard.AllowedProfiles, "RISKGATE_TXGUARD_ALLOWED_PROFILES")
	setBool(&cfg.TxGuard.LogOnly, "RISKGATE_TXGUARD_LOG_ONLY")

	// ── Execution ──
	setStr(&cfg.Execution.Mode, "RISKGATE_EXECUTION_MODE")
	setStr(&cfg.Execution.Profile, "RISKGATE_EXECUTION_PROFILE")
	setInt(&cfg.Execution.Workers, "RISKGATE_EXECUTION_WORKERS")
	setDuration(&cfg.Execution.DedupTTL, "RISKGATE_EXECUTION_DEDUP_TTL")
	setDuration(&cfg.Execution.LiveTimeout, "RISKGATE_EXECUTION_LIVE_TIMEOUT")
	setDecimal(&cfg.Execution.PaperFeeRate, "RISKGATE_EXECUTION_PAPER_FEE_RATE")
	setDecimal(&cfg.Execution.PaperSlippageBps, "RISKGATE_EXECUTION_PAPER_SLIPPAGE_BPS")

	// ── Ledger ──
	setStr(&cfg.Ledger.Dir, "RISKGATE_LEDGER_DIR")
	setStr(&cfg.Ledger.SnapshotPath, "RISKGATE_LEDGER_SNAPSHOT_PATH")
	setStr(&cfg.Ledger.PlansPath, "RISKGATE_LEDGER_PLANS_PATH")
	setStr(&cfg.Ledger.TransfersPath, "RISKGATE_LEDGER_TRANSFERS_PATH")

	// ── Finance ──
	setBool(&cfg.Finance.Enabled, "RISKGATE_FINANCE_ENABLED")
	setDuration(&cfg.Finance.Interval, "RISKGATE_FINANCE_INTERVAL")
	setStr(&cfg.Finance.FeeWallet, "RISKGATE_FINANCE_FEE_WALLET")
	setStr(&cfg.Finance.TreasuryWallet, "RISKGATE_FINANCE_TREASURY_WALLET")
	setDecimal(&cfg.Finance.FeeSweepThresholdUSD, "RISKGATE_FINANCE_FEE_SWEEP_THRESHOLD_USD")

	// ── Feed ──
	setStr(&cfg.Feed.Source, "RISKGATE_FEED_SOURCE")
	setStr(&cfg.Feed.Path, "RISKGATE_FEED_PATH")
	setDuration(&cfg.Feed.PollInterval, "RISKGATE_FEED_POLL_INTERVAL")

	// ── Live ──
	setStr(&cfg.Live.PrivateKey, "RISKGATE_LIVE_PRIVATE_KEY")
	setStr(&cfg.Live.EncryptedKeyPath, "RISKGATE_LIVE_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Live.KeyPassword, "RISKGATE_LIVE_KEY_PASSWORD")
	setInt64(&cfg.Live.ChainID, "RISKGATE_LIVE_CHAIN_ID")

	// ── Postgres ──
	setBool(&cfg.Postgres.Enabled, "RISKGATE_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "RISKGATE_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "RISKGATE_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "RISKGATE_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "RISKGATE_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "RISKGATE_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "RISKGATE_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "RISKGATE_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "RISKGATE_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "RISKGATE_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "RISKGATE_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "RISKGATE_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "RISKGATE_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "RISKGATE_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "RISKGATE_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "RISKGATE_REDIS_POOL_SIZE")
	setBool(&cfg.Redis.TLSEnabled, "RISKGATE_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.Namespace, "RISKGATE_REDIS_NAMESPACE")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "RISKGATE_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "RISKGATE_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "RISKGATE_S3_REGION")
	setStr(&cfg.S3.Bucket, "RISKGATE_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "RISKGATE_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "RISKGATE_S3_SECRET_KEY")
	setBool(&cfg.S3.ForcePathStyle, "RISKGATE_S3_FORCE_PATH_STYLE")
	setBool(&cfg.Archive.Enabled, "RISKGATE_ARCHIVE_ENABLED")
	setStr(&cfg.Archive.Cron, "RISKGATE_ARCHIVE_CRON")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "RISKGATE_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "RISKGATE_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "RISKGATE_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "RISKGATE_SERVER_API_KEY")
	setStr(&cfg.Server.AdminKey, "RISKGATE_SERVER_ADMIN_KEY")
	setStr(&cfg.Server.AdminSecret, "RISKGATE_SERVER_ADMIN_SECRET")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "RISKGATE_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "RISKGATE_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "RISKGATE_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "RISKGATE_NOTIFY_EVENTS")
	setDuration(&cfg.Notify.Cooldown, "RISKGATE_NOTIFY_COOLDOWN")

	// ── Top-level ──
	setStr(&cfg.Mode, "RISKGATE_MODE")
	setStr(&cfg.LogLevel, "RISKGATE_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setDecimal(dst *Decimal, key string) {
	if v := os.Getenv(key); v != "" {
		var d Decimal
		if err := d.UnmarshalText([]byte(v)); err == nil {
			*dst = d
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
