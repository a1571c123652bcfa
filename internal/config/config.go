// Package config defines the top-level configuration for riskgate and
// provides validation helpers.
package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/alanyoungcy/riskgate/internal/domain"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by RISKGATE_* environment variables.
type Config struct {
	Risk      RiskConfig      `toml:"risk"`
	TxGuard   TxGuardConfig   `toml:"txguard"`
	Execution ExecutionConfig `toml:"execution"`
	Wallets   []WalletConfig  `toml:"wallets"`
	Ledger    LedgerConfig    `toml:"ledger"`
	Finance   FinanceConfig   `toml:"finance"`
	Feed      FeedConfig      `toml:"feed"`
	Live      LiveConfig      `toml:"live"`
	Postgres  PostgresConfig  `toml:"postgres"`
	Redis     RedisConfig     `toml:"redis"`
	S3        S3Config        `toml:"s3"`
	Archive   ArchiveConfig   `toml:"archive"`
	Server    ServerConfig    `toml:"server"`
	Notify    NotifyConfig    `toml:"notify"`
	Mode      string          `toml:"mode"`
	LogLevel  string          `toml:"log_level"`
}

// RiskConfig holds risk budgets. Percentages are expressed as 0-100.
type RiskConfig struct {
	Enabled                bool                    `toml:"enabled"`
	SafetyMode             string                  `toml:"safety_mode"`
	DefaultRiskPerTradePct Decimal                 `toml:"default_risk_per_trade_pct"`
	MaxRiskPerTradePct     Decimal                 `toml:"max_risk_per_trade_pct"`
	MaxGlobalRiskPct       Decimal                 `toml:"max_global_risk_pct"`
	MaxDailyLossPct        Decimal                 `toml:"max_daily_loss_pct"`
	GlobalMaxDailyLossPct  Decimal                 `toml:"global_max_daily_loss_pct"`
	SoftStopRatio          Decimal                 `toml:"soft_stop_ratio"`
	MinNotionalUSD         Decimal                 `toml:"min_notional_usd"`
	MaxOpenPositions       int                     `toml:"max_open_positions"`
	MaxConsecutiveLosses   int                     `toml:"max_consecutive_losses"`
	VolatilityBuckets      []VolatilityBucket      `toml:"volatility_buckets"`
	PerMarket              map[string]MarketConfig `toml:"per_market"`
}

// VolatilityBucket maps an ATR% ceiling to a risk multiplier.
type VolatilityBucket struct {
	Name           string  `toml:"name"`
	ATRPctMax      Decimal `toml:"atr_pct_max"`
	RiskMultiplier Decimal `toml:"risk_multiplier"`
}

// MarketConfig overrides the risk budget for one symbol.
type MarketConfig struct {
	RiskPerTradePct Decimal `toml:"risk_per_trade_pct"`
	MaxNotionalUSD  Decimal `toml:"max_notional_usd"`
}

// TxGuardConfig decides whether any real-money transaction may be sent.
type TxGuardConfig struct {
	HardDisableSendTx bool     `toml:"hard_disable_send_tx"`
	AllowedProfiles   []string `toml:"allowed_profiles"`
	LogOnly           bool     `toml:"log_only"`
}

// ExecutionConfig controls dispatch.
type ExecutionConfig struct {
	Mode             string             `toml:"mode"`
	Profile          string             `toml:"profile"`
	Workers          int                `toml:"workers"`
	DedupTTL         duration           `toml:"dedup_ttl"`
	LiveTimeout      duration           `toml:"live_timeout"`
	PaperFeeRate     Decimal            `toml:"paper_fee_rate"`
	PaperSlippageBps Decimal            `toml:"paper_slippage_bps"`
	Prices           map[string]Decimal `toml:"prices"`
}

// WalletConfig declares one wallet and its starting balance.
type WalletConfig struct {
	ID         string   `toml:"id"`
	Role       string   `toml:"role"`
	Chain      string   `toml:"chain"`
	Address    string   `toml:"address"`
	Tags       []string `toml:"tags"`
	BalanceUSD Decimal  `toml:"balance_usd"`
	Disabled   bool     `toml:"disabled"`
}

// LedgerConfig locates the on-disk ledger and the files kept beside it.
type LedgerConfig struct {
	Dir           string   `toml:"dir"`
	SnapshotPath  string   `toml:"snapshot_path"`
	PlansPath     string   `toml:"plans_path"`
	TransfersPath string   `toml:"transfers_path"`
	SnapshotSave  duration `toml:"snapshot_save_interval"`
}

// FinanceConfig controls the periodic treasury planner.
type FinanceConfig struct {
	Enabled              bool              `toml:"enabled"`
	Interval             duration          `toml:"interval"`
	FeeWallet            string            `toml:"fee_wallet"`
	TreasuryWallet       string            `toml:"treasury_wallet"`
	FeeSweepThresholdUSD Decimal           `toml:"fee_sweep_threshold_usd"`
	Sweep                SweepConfig       `toml:"sweep"`
	Compounding          CompoundingConfig `toml:"compounding"`
}

// SweepConfig moves balance above a ceiling to the treasury.
type SweepConfig struct {
	Enabled     bool               `toml:"enabled"`
	CeilingUSD  Decimal            `toml:"ceiling_usd"`
	MinSweepUSD Decimal            `toml:"min_sweep_usd"`
	Ceilings    map[string]Decimal `toml:"ceilings"`
}

// CompoundingConfig moves a share of realized profit back to trading wallets.
type CompoundingConfig struct {
	Enabled            bool    `toml:"enabled"`
	Fraction           Decimal `toml:"fraction"`
	VaultMinBalanceUSD Decimal `toml:"vault_min_balance_usd"`
	MaxPerRunUSD       Decimal `toml:"max_per_run_usd"`
}

// FeedConfig selects where trade signals come from.
type FeedConfig struct {
	Source       string   `toml:"source"` // "file", "redis" or "none"
	Path         string   `toml:"path"`
	PollInterval duration `toml:"poll_interval"`
	BatchSize    int      `toml:"batch_size"`
}

// LiveConfig holds the signing key used for live dispatches.
type LiveConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
	ChainID          int64  `toml:"chain_id"`
}

// PostgresConfig holds PostgreSQL connection parameters for the audit log and
// ledger mirror.
type PostgresConfig struct {
	Enabled       bool   `toml:"enabled"`
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	Namespace  string `toml:"namespace"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ArchiveConfig schedules the ledger archive to S3.
type ArchiveConfig struct {
	Enabled bool   `toml:"enabled"`
	Cron    string `toml:"cron"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP query server parameters.
type ServerConfig struct {
	Enabled         bool     `toml:"enabled"`
	Port            int      `toml:"port"`
	CORSOrigins     []string `toml:"cors_origins"`
	APIKey          string   `toml:"api_key"`
	AdminKey        string   `toml:"admin_key"`
	AdminSecret     string   `toml:"admin_secret"`
	RateLimit       int      `toml:"rate_limit"`
	RateLimitWindow duration `toml:"rate_limit_window"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
	Cooldown          duration `toml:"cooldown"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Risk: RiskConfig{
			Enabled:               true,
			SafetyMode:            "NORMAL",
			MaxRiskPerTradePct:    mustDecimal("2"),
			MaxGlobalRiskPct:      mustDecimal("100"),
			MaxDailyLossPct:       mustDecimal("5"),
			GlobalMaxDailyLossPct: mustDecimal("10"),
			SoftStopRatio:         mustDecimal("0.5"),
			MaxOpenPositions:      10,
			MaxConsecutiveLosses:  5,
			PerMarket:             map[string]MarketConfig{},
		},
		TxGuard: TxGuardConfig{
			HardDisableSendTx: true,
			LogOnly:           false,
		},
		Execution: ExecutionConfig{
			Mode:             "PAPER",
			Profile:          "PAPER",
			Workers:          4,
			DedupTTL:         duration{24 * time.Hour},
			LiveTimeout:      duration{30 * time.Second},
			PaperFeeRate:     mustDecimal("0"),
			PaperSlippageBps: mustDecimal("0"),
			Prices:           map[string]Decimal{},
		},
		Ledger: LedgerConfig{
			Dir:           "data/ledger",
			SnapshotPath:  "data/wallets.json",
			PlansPath:     "data/plans.ndjson",
			TransfersPath: "data/transfers.ndjson",
			SnapshotSave:  duration{time.Minute},
		},
		Finance: FinanceConfig{
			Enabled:              true,
			Interval:             duration{time.Hour},
			FeeSweepThresholdUSD: mustDecimal("10"),
			Sweep: SweepConfig{
				Enabled:     true,
				CeilingUSD:  mustDecimal("5000"),
				MinSweepUSD: mustDecimal("50"),
				Ceilings:    map[string]Decimal{},
			},
			Compounding: CompoundingConfig{
				Enabled:            false,
				Fraction:           mustDecimal("0.3"),
				VaultMinBalanceUSD: mustDecimal("0"),
			},
		},
		Feed: FeedConfig{
			Source:       "none",
			PollInterval: duration{time.Second},
			BatchSize:    100,
		},
		Live: LiveConfig{
			ChainID: 1,
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "postgres",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "riskgate-ledger",
			ForcePathStyle: true,
		},
		Archive: ArchiveConfig{
			Cron: "0 3 1 * *",
		},
		Server: ServerConfig{
			Enabled:         true,
			Port:            8000,
			CORSOrigins:     []string{"http://localhost:3000"},
			RateLimit:       120,
			RateLimitWindow: duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events: []string{
				"tx_guard_blocked", "risk_eject", "ledger_failure", "wallet_apply_failed",
				"transfer_plan", "transfer_applied", "reconcile_mismatch",
			},
			Cooldown: duration{time.Minute},
		},
		Mode:     "execute",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"execute":   true,
	"plan":      true,
	"reconcile": true,
	"serve":     true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validFeedSources = map[string]bool{
	"none":  true,
	"file":  true,
	"redis": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found. The error matches
// domain.ErrConfig.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: execute, plan, reconcile, serve)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Enum strings are parsed once here; the core only sees typed values.
	if _, err := c.ExecutionMode(); err != nil {
		errs = append(errs, err.Error())
	}
	if _, err := c.SafetyMode(); err != nil {
		errs = append(errs, err.Error())
	}

	errs = append(errs, c.validateRisk()...)
	errs = append(errs, c.validateWallets()...)

	if c.Execution.Workers < 1 {
		errs = append(errs, "execution: workers must be >= 1")
	}
	if c.Execution.PaperFeeRate.IsNegative() || c.Execution.PaperFeeRate.GreaterThanOrEqual(one) {
		errs = append(errs, "execution: paper_fee_rate must be in [0, 1)")
	}
	if c.Execution.PaperSlippageBps.IsNegative() {
		errs = append(errs, "execution: paper_slippage_bps must be >= 0")
	}
	for sym, p := range c.Execution.Prices {
		if !p.IsPositive() {
			errs = append(errs, fmt.Sprintf("execution: prices.%s must be > 0", sym))
		}
	}

	if strings.TrimSpace(c.Ledger.Dir) == "" {
		errs = append(errs, "ledger: dir must not be empty")
	}
	if c.Ledger.PlansPath == "" || c.Ledger.TransfersPath == "" {
		errs = append(errs, "ledger: plans_path and transfers_path must not be empty")
	}

	if c.Finance.Enabled {
		if c.Finance.Interval.Duration <= 0 {
			errs = append(errs, "finance: interval must be > 0")
		}
		if c.Finance.Compounding.Fraction.IsNegative() || c.Finance.Compounding.Fraction.GreaterThan(one) {
			errs = append(errs, "finance: compounding.fraction must be in [0, 1]")
		}
		for _, id := range []string{c.Finance.FeeWallet, c.Finance.TreasuryWallet} {
			if id != "" && !c.hasWallet(id) {
				errs = append(errs, fmt.Sprintf("finance: wallet %q is not declared in [[wallets]]", id))
			}
		}
	}

	if !validFeedSources[strings.ToLower(c.Feed.Source)] {
		errs = append(errs, fmt.Sprintf("feed: unknown source %q (valid: none, file, redis)", c.Feed.Source))
	}
	if strings.EqualFold(c.Feed.Source, "file") && c.Feed.Path == "" {
		errs = append(errs, "feed: path is required for the file source")
	}
	if strings.EqualFold(c.Feed.Source, "redis") && !c.Redis.Enabled {
		errs = append(errs, "feed: the redis source requires redis.enabled")
	}

	if c.Live.EncryptedKeyPath != "" && c.Live.KeyPassword == "" {
		errs = append(errs, "live: key_password is required when encrypted_key_path is set")
	}

	if c.Postgres.Enabled {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.S3.Enabled && c.S3.Bucket == "" {
		errs = append(errs, "s3: bucket must not be empty")
	}
	if c.Archive.Enabled && !c.S3.Enabled {
		errs = append(errs, "archive: requires s3.enabled")
	}

	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if (c.Server.AdminKey == "") != (c.Server.AdminSecret == "") {
			errs = append(errs, "server: admin_key and admin_secret must be set together")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: validation failed:\n  - %s", domain.ErrConfig, strings.Join(errs, "\n  - "))
	}
	return nil
}

func (c *Config) validateRisk() []string {
	var errs []string
	r := c.Risk
	if !r.MaxRiskPerTradePct.IsPositive() || r.MaxRiskPerTradePct.GreaterThan(hundred) {
		errs = append(errs, "risk: max_risk_per_trade_pct must be in (0, 100]")
	}
	if r.DefaultRiskPerTradePct.IsNegative() {
		errs = append(errs, "risk: default_risk_per_trade_pct must be >= 0")
	}
	for _, f := range []struct {
		name string
		v    Decimal
	}{
		{"max_global_risk_pct", r.MaxGlobalRiskPct},
		{"max_daily_loss_pct", r.MaxDailyLossPct},
		{"global_max_daily_loss_pct", r.GlobalMaxDailyLossPct},
		{"min_notional_usd", r.MinNotionalUSD},
	} {
		if f.v.IsNegative() {
			errs = append(errs, fmt.Sprintf("risk: %s must be >= 0", f.name))
		}
	}
	if r.SoftStopRatio.IsNegative() || r.SoftStopRatio.GreaterThan(one) {
		errs = append(errs, "risk: soft_stop_ratio must be in [0, 1]")
	}
	if r.MaxOpenPositions < 0 || r.MaxConsecutiveLosses < 0 {
		errs = append(errs, "risk: max_open_positions and max_consecutive_losses must be >= 0")
	}
	for i, b := range r.VolatilityBuckets {
		if b.RiskMultiplier.IsNegative() {
			errs = append(errs, fmt.Sprintf("risk: volatility_buckets[%d].risk_multiplier must be >= 0", i))
		}
		if i > 0 && b.ATRPctMax.LessThan(r.VolatilityBuckets[i-1].ATRPctMax.Decimal) {
			errs = append(errs, fmt.Sprintf("risk: volatility_buckets must be sorted ascending by atr_pct_max (bucket %d)", i))
		}
	}
	for sym, m := range r.PerMarket {
		if m.RiskPerTradePct.IsNegative() || m.MaxNotionalUSD.IsNegative() {
			errs = append(errs, fmt.Sprintf("risk: per_market.%s values must be >= 0", sym))
		}
	}
	return errs
}

func (c *Config) validateWallets() []string {
	var errs []string
	seen := make(map[string]bool, len(c.Wallets))
	for i, w := range c.Wallets {
		if strings.TrimSpace(w.ID) == "" {
			errs = append(errs, fmt.Sprintf("wallets[%d]: id must not be empty", i))
			continue
		}
		if seen[w.ID] {
			errs = append(errs, fmt.Sprintf("wallets: duplicate id %q", w.ID))
		}
		seen[w.ID] = true
		if _, err := domain.ParseWalletRole(w.Role); err != nil {
			errs = append(errs, fmt.Sprintf("wallets[%s]: %v", w.ID, err))
		}
		if w.BalanceUSD.IsNegative() {
			errs = append(errs, fmt.Sprintf("wallets[%s]: balance_usd must be >= 0", w.ID))
		}
	}
	return errs
}

func (c *Config) hasWallet(id string) bool {
	for _, w := range c.Wallets {
		if w.ID == id {
			return true
		}
	}
	return false
}

// ExecutionMode returns the parsed execution mode.
func (c *Config) ExecutionMode() (domain.ExecutionMode, error) {
	return domain.ParseExecutionMode(c.Execution.Mode)
}

// SafetyMode returns the parsed risk safety mode.
func (c *Config) SafetyMode() (domain.SafetyMode, error) {
	return domain.ParseSafetyMode(c.Risk.SafetyMode)
}

// WalletStates converts [[wallets]] into starting wallet states.
func (c *Config) WalletStates() ([]domain.WalletState, error) {
	out := make([]domain.WalletState, 0, len(c.Wallets))
	for _, w := range c.Wallets {
		role, err := domain.ParseWalletRole(w.Role)
		if err != nil {
			return nil, err
		}
		tags := append([]string(nil), w.Tags...)
		sort.Strings(tags)
		out = append(out, domain.WalletState{
			WalletID:   w.ID,
			Role:       role,
			Chain:      strings.ToLower(strings.TrimSpace(w.Chain)),
			Tags:       tags,
			BalanceUSD: w.BalanceUSD.Decimal,
			Disabled:   w.Disabled,
		})
	}
	return out, nil
}

// AllowedProfiles returns the guard's profile allow-list as a set.
func (c *Config) AllowedProfiles() map[string]bool {
	set := make(map[string]bool, len(c.TxGuard.AllowedProfiles))
	for _, p := range c.TxGuard.AllowedProfiles {
		if p = strings.TrimSpace(p); p != "" {
			set[p] = true
		}
	}
	return set
}
