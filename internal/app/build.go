package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/riskgate/internal/config"
	"github.com/alanyoungcy/riskgate/internal/crypto"
	"github.com/alanyoungcy/riskgate/internal/domain"
	"github.com/alanyoungcy/riskgate/internal/executor"
	"github.com/alanyoungcy/riskgate/internal/finance"
	"github.com/alanyoungcy/riskgate/internal/risk"
	"github.com/alanyoungcy/riskgate/internal/txguard"
)

func riskConfig(cfg *config.Config) (risk.Config, error) {
	safety, err := cfg.SafetyMode()
	if err != nil {
		return risk.Config{}, err
	}
	r := cfg.Risk
	out := risk.Config{
		Enabled:                r.Enabled,
		Safety:                 safety,
		DefaultRiskPerTradePct: r.DefaultRiskPerTradePct.Decimal,
		MaxRiskPerTradePct:     r.MaxRiskPerTradePct.Decimal,
		MaxGlobalRiskPct:       r.MaxGlobalRiskPct.Decimal,
		MaxDailyLossPct:        r.MaxDailyLossPct.Decimal,
		GlobalMaxDailyLossPct:  r.GlobalMaxDailyLossPct.Decimal,
		SoftStopRatio:          r.SoftStopRatio.Decimal,
		MinNotionalUSD:         r.MinNotionalUSD.Decimal,
		MaxOpenPositions:       r.MaxOpenPositions,
		MaxConsecutiveLosses:   r.MaxConsecutiveLosses,
		PerMarket:              make(map[string]risk.MarketLimits, len(r.PerMarket)),
	}
	for _, b := range r.VolatilityBuckets {
		out.Buckets = append(out.Buckets, risk.Bucket{
			Name:           b.Name,
			ATRPctMax:      b.ATRPctMax.Decimal,
			RiskMultiplier: b.RiskMultiplier.Decimal,
		})
	}
	for sym, m := range r.PerMarket {
		out.PerMarket[sym] = risk.MarketLimits{
			RiskPerTradePct: m.RiskPerTradePct.Decimal,
			MaxNotionalUSD:  m.MaxNotionalUSD.Decimal,
		}
	}
	return out, nil
}

func guardConfig(cfg *config.Config) txguard.Config {
	return txguard.Config{
		HardDisableSendTx: cfg.TxGuard.HardDisableSendTx,
		AllowedProfiles:   cfg.AllowedProfiles(),
		LogOnly:           cfg.TxGuard.LogOnly,
	}
}

func executorConfig(cfg *config.Config) (executor.Config, error) {
	mode, err := cfg.ExecutionMode()
	if err != nil {
		return executor.Config{}, err
	}
	out := executor.DefaultConfig()
	out.Mode = mode
	out.Profile = cfg.Execution.Profile
	out.Guard = guardConfig(cfg)
	out.Workers = cfg.Execution.Workers
	out.DedupTTL = cfg.Execution.DedupTTL.Duration
	out.LiveTimeout = cfg.Execution.LiveTimeout.Duration
	out.PaperFeeRate = cfg.Execution.PaperFeeRate.Decimal
	out.PaperSlippageBps = cfg.Execution.PaperSlippageBps.Decimal
	return out, nil
}

func financeConfig(cfg *config.Config) finance.Config {
	f := cfg.Finance
	ceilings := make(map[string]decimal.Decimal, len(f.Sweep.Ceilings))
	for id, v := range f.Sweep.Ceilings {
		ceilings[id] = v.Decimal
	}
	return finance.Config{
		FeeWallet:            f.FeeWallet,
		TreasuryWallet:       f.TreasuryWallet,
		FeeSweepThresholdUSD: f.FeeSweepThresholdUSD.Decimal,
		SweepEnabled:         f.Sweep.Enabled,
		CeilingUSD:           f.Sweep.CeilingUSD.Decimal,
		MinSweepUSD:          f.Sweep.MinSweepUSD.Decimal,
		Ceilings:             ceilings,
		CompoundingEnabled:   f.Compounding.Enabled,
		CompoundFraction:     f.Compounding.Fraction.Decimal,
		VaultMinBalanceUSD:   f.Compounding.VaultMinBalanceUSD.Decimal,
		MaxCompoundPerRun:    f.Compounding.MaxPerRunUSD.Decimal,
	}
}

// adminAuth returns nil when no admin secret is configured, which keeps the
// admin routes closed.
func adminAuth(cfg *config.Config) *crypto.HMACAuth {
	if cfg.Server.AdminKey == "" || cfg.Server.AdminSecret == "" {
		return nil
	}
	return &crypto.HMACAuth{Key: cfg.Server.AdminKey, Secret: cfg.Server.AdminSecret}
}

// liveSigner loads the order signing key. No key configured means no signer.
func liveSigner(cfg *config.Config) (*crypto.Signer, error) {
	if cfg.Live.PrivateKey == "" && cfg.Live.EncryptedKeyPath == "" {
		return nil, nil
	}
	key, err := crypto.LoadKey(crypto.KeyConfig{
		RawPrivateKey:    cfg.Live.PrivateKey,
		EncryptedKeyPath: cfg.Live.EncryptedKeyPath,
		KeyPassword:      cfg.Live.KeyPassword,
	})
	if err != nil {
		return nil, fmt.Errorf("app: live key: %w", err)
	}
	signer, err := crypto.NewSigner(key, cfg.Live.ChainID)
	if err != nil {
		return nil, fmt.Errorf("app: live signer: %w", err)
	}
	return signer, nil
}

// staticPrices serves the [execution.prices] table.
type staticPrices map[string]decimal.Decimal

func newStaticPrices(in map[string]config.Decimal) staticPrices {
	out := make(staticPrices, len(in))
	for sym, p := range in {
		out[strings.ToUpper(sym)] = p.Decimal
	}
	return out
}

func (s staticPrices) Price(_ context.Context, symbol string) (decimal.Decimal, error) {
	if p, ok := s[strings.ToUpper(symbol)]; ok {
		return p, nil
	}
	return decimal.Zero, fmt.Errorf("price %s: %w", symbol, domain.ErrNotFound)
}

// priceChain asks each source in turn and returns the first positive price.
type priceChain []domain.PriceSource

func (c priceChain) Price(ctx context.Context, symbol string) (decimal.Decimal, error) {
	err := fmt.Errorf("price %s: %w", symbol, domain.ErrNotFound)
	for _, src := range c {
		p, perr := src.Price(ctx, symbol)
		if perr == nil && p.IsPositive() {
			return p, nil
		}
		if perr != nil {
			err = perr
		}
	}
	return decimal.Zero, err
}
