package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/riskgate/internal/domain"
	"github.com/alanyoungcy/riskgate/internal/metrics"
	"github.com/alanyoungcy/riskgate/internal/txguard"
)

var (
	bpsDenom     = decimal.NewFromInt(10_000)
	missingPrice = decimal.NewFromInt(1)
)

// fill is a dispatch outcome before it is booked.
type fill struct {
	price        decimal.Decimal
	qty          decimal.Decimal
	notional     decimal.Decimal
	fee          decimal.Decimal
	priceMissing bool
}

// profile is the execution profile presented to the guard. A signal may name
// its own profile; it still has to be on the guard's allow-list.
func (e *Engine) profile(sig domain.TradeSignal) string {
	if p := strings.TrimSpace(sig.Meta[domain.MetaProfile]); p != "" {
		return p
	}
	return e.cfg.Profile
}

// referencePrice resolves the price a simulated fill starts from. Without
// any source the fill is priced at 1 and flagged.
func (e *Engine) referencePrice(ctx context.Context, sig domain.TradeSignal) (decimal.Decimal, bool) {
	if p, ok := sig.MetaDecimal(domain.MetaEntryPrice); ok && p.IsPositive() {
		return p, false
	}
	if e.deps.Prices != nil {
		p, err := e.deps.Prices.Price(ctx, sig.Symbol)
		if err == nil && p.IsPositive() {
			return p, false
		}
		if err != nil {
			e.logger.DebugContext(ctx, "price lookup failed",
				slog.String("symbol", sig.Symbol),
				slog.String("error", err.Error()),
			)
		}
	}
	return missingPrice, true
}

// paperFill simulates a taker fill: slippage moves the price against the
// order, quantity is rounded to 8 decimals and the fee is charged on the
// notional.
func (e *Engine) paperFill(ctx context.Context, sig domain.TradeSignal, notional decimal.Decimal) fill {
	ref, missing := e.referencePrice(ctx, sig)
	slip := ref.Mul(e.cfg.PaperSlippageBps).Div(bpsDenom)
	price := ref.Add(slip)
	if sig.Side.Direction() == domain.SideSell {
		price = ref.Sub(slip)
	}
	if !price.IsPositive() {
		price = ref
	}
	return fill{
		price:        price,
		qty:          notional.Div(price).Round(8),
		notional:     notional,
		fee:          notional.Mul(e.cfg.PaperFeeRate).Round(8),
		priceMissing: missing,
	}
}

// capToHeld shrinks a sell fill to the quantity held. held is zero for buys,
// which are never capped.
func (e *Engine) capToHeld(f fill, held decimal.Decimal) fill {
	if !held.IsPositive() || f.qty.LessThanOrEqual(held) {
		return f
	}
	f.qty = held
	f.notional = held.Mul(f.price).Round(8)
	f.fee = f.notional.Mul(e.cfg.PaperFeeRate).Round(8)
	return f
}

// reserve holds the cost of a buy on the wallet. Sells credit the wallet and
// need no hold.
func (e *Engine) reserve(walletID string, sig domain.TradeSignal, amount decimal.Decimal, res domain.ExecutionResult) (domain.ExecutionResult, error) {
	if sig.Side.Direction() != domain.SideBuy {
		return res, nil
	}
	if err := e.deps.Wallets.Reserve(walletID, sig.ID, amount); err != nil {
		return e.fail(res, domain.ReasonInsufficient), fmt.Errorf("executor: signal %s: %w", sig.ID, err)
	}
	return res, nil
}

func (e *Engine) dispatchPaper(ctx context.Context, intent domain.OrderIntent, walletID string, held decimal.Decimal, res domain.ExecutionResult, log *slog.Logger) (fill, domain.ExecutionResult, error) {
	sig := intent.Signal
	if e.cfg.Mode == domain.ModePaperOnchain {
		v := txguard.Evaluate(e.cfg.Guard, e.cfg.Mode, e.profile(sig), "executor.paper_onchain")
		log.InfoContext(ctx, "paper onchain dispatch, nothing sent",
			slog.Bool("guard_allowed", v.Allowed),
			slog.String("guard_reason", v.Reason),
			slog.String("profile", v.Profile),
		)
		e.audit(ctx, "paper_onchain_guard", map[string]any{
			"signal_id": sig.ID,
			"wallet_id": walletID,
			"allowed":   v.Allowed,
			"reason":    v.Reason,
		})
	}

	f := e.capToHeld(e.paperFill(ctx, sig, intent.ApprovedNotional), held)
	if f.notional.LessThan(intent.ApprovedNotional) {
		log.InfoContext(ctx, "sell capped at held quantity",
			slog.String("held", held.String()),
			slog.String("notional_usd", f.notional.String()),
		)
	}
	res, err := e.reserve(walletID, sig, f.notional.Add(f.fee), res)
	if err != nil {
		return fill{}, res, err
	}
	res.State = domain.StateDispatched
	return f, res, nil
}

// dispatchLive sends a signed order to the venue. The guard is re-evaluated
// on every call; funds are held only through a reservation while the venue
// call runs, so the wallet stays available to other intents. A sell is
// capped at the held quantity valued at the reference price.
func (e *Engine) dispatchLive(ctx context.Context, intent domain.OrderIntent, walletID string, held decimal.Decimal, res domain.ExecutionResult, log *slog.Logger) (fill, domain.ExecutionResult, error) {
	sig := intent.Signal
	v := txguard.Evaluate(e.cfg.Guard, e.cfg.Mode, e.profile(sig), "executor.live")
	if !v.Allowed {
		e.onGuardBlock(ctx, sig, walletID, v, log)
		return fill{}, e.fail(res, domain.ReasonTxGuardBlocked),
			fmt.Errorf("executor: signal %s: %w: %s", sig.ID, domain.ErrTxGuardBlocked, v.Reason)
	}
	if e.deps.Venue == nil {
		log.ErrorContext(ctx, "live dispatch allowed but no venue is configured")
		return fill{}, e.fail(res, domain.ReasonLiveUnavailable),
			fmt.Errorf("executor: signal %s: %w", sig.ID, domain.ErrLiveUnavailable)
	}

	ref, missing := e.referencePrice(ctx, sig)
	notional := intent.ApprovedNotional
	if held.IsPositive() && !missing {
		notional = decimal.Min(notional, held.Mul(ref).Round(8))
	}
	estFee := notional.Mul(e.cfg.PaperFeeRate)
	res, err := e.reserve(walletID, sig, notional.Add(estFee), res)
	if err != nil {
		return fill{}, res, err
	}

	order := domain.LiveOrder{
		SignalID:       sig.ID,
		WalletID:       walletID,
		Chain:          sig.Meta[domain.MetaChain],
		Symbol:         sig.Symbol,
		Side:           sig.Side.Direction(),
		NotionalUSD:    notional,
		ReferencePrice: ref,
		Nonce:          e.now().UnixNano(),
	}
	if e.deps.Signer != nil {
		if err := e.deps.Signer.SignOrder(&order); err != nil {
			e.deps.Wallets.Release(walletID, sig.ID)
			return fill{}, e.fail(res, domain.ReasonVenueError),
				fmt.Errorf("executor: signal %s: sign order: %w", sig.ID, err)
		}
	}

	res.State = domain.StateDispatched
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.LiveTimeout)
	lf, err := e.deps.Venue.Execute(callCtx, order)
	cancel()
	if err != nil {
		e.deps.Wallets.Release(walletID, sig.ID)
		log.ErrorContext(ctx, "live venue call failed", slog.String("error", err.Error()))
		return fill{}, e.fail(res, domain.ReasonVenueError),
			fmt.Errorf("executor: signal %s: venue: %w", sig.ID, err)
	}

	f := fill{price: lf.Price, qty: lf.Quantity, notional: lf.NotionalUSD, fee: lf.FeeUSD}
	if f.notional.IsZero() {
		f.notional = lf.Price.Mul(lf.Quantity).Round(8)
	}
	if f.notional.GreaterThan(notional) {
		log.WarnContext(ctx, "venue filled above approved notional",
			slog.String("approved", notional.String()),
			slog.String("filled", f.notional.String()),
		)
	}
	if held.IsPositive() && f.qty.GreaterThan(held) {
		log.WarnContext(ctx, "venue sold more than held",
			slog.String("held", held.String()),
			slog.String("filled_qty", f.qty.String()),
		)
	}
	return f, res, nil
}

func (e *Engine) onGuardBlock(ctx context.Context, sig domain.TradeSignal, walletID string, v txguard.Verdict, log *slog.Logger) {
	metrics.GuardBlocks.WithLabelValues(v.Reason).Inc()
	if v.WouldSend {
		log.WarnContext(ctx, "log only: would have sent real transaction",
			slog.String("profile", v.Profile),
			slog.String("notional_usd", sig.NotionalUSD.String()),
		)
	}
	log.WarnContext(ctx, "tx guard blocked live dispatch",
		slog.String("reason", v.Reason),
		slog.String("profile", v.Profile),
		slog.String("context", v.Context),
	)
	e.notify(ctx, EventGuardBlocked, "TxGuard blocked",
		fmt.Sprintf("signal %s wallet %s: %s (profile %s)", sig.ID, walletID, v.Reason, v.Profile))
	e.audit(ctx, EventGuardBlocked, map[string]any{
		"signal_id":  sig.ID,
		"wallet_id":  walletID,
		"reason":     v.Reason,
		"profile":    v.Profile,
		"would_send": v.WouldSend,
	})
	if e.deps.Bus != nil {
		payload, err := json.Marshal(map[string]any{
			"signal_id": sig.ID,
			"wallet_id": walletID,
			"reason":    v.Reason,
			"profile":   v.Profile,
		})
		if err == nil {
			e.publish(ctx, domain.ChannelGuard, payload)
		}
	}
}
