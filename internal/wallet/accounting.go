package wallet

import (
	"fmt"

	"github.com/alanyoungcy/riskgate/internal/domain"
	"github.com/shopspring/decimal"
)

// applyTrade mutates st for one confirmed trade. other is the amount reserved
// by in-flight dispatches that this trade must not spend. Nothing is changed
// when an error is returned.
func applyTrade(st *domain.WalletState, t domain.Trade, other decimal.Decimal) error {
	return bookTrade(st, t, other, false)
}

// bookTrade is applyTrade with an optional overdraft: replaying the ledger
// must book every trade even when the wallet could not afford it live.
func bookTrade(st *domain.WalletState, t domain.Trade, other decimal.Decimal, overdraft bool) error {
	closing := t.RealizedPnLUSD != nil

	var next decimal.Decimal
	switch t.Side.Direction() {
	case domain.SideBuy:
		cost := t.NotionalUSD.Add(t.FeeUSD)
		next = st.BalanceUSD.Sub(cost)
		if next.Sub(other).IsNegative() && !overdraft {
			return fmt.Errorf("%w: wallet %s needs %s, has %s available",
				domain.ErrInsufficientBalance, st.WalletID, cost, st.BalanceUSD.Sub(other))
		}
	case domain.SideSell:
		next = st.BalanceUSD.Add(t.NotionalUSD).Sub(t.FeeUSD)
		if next.IsNegative() && !overdraft {
			return fmt.Errorf("%w: wallet %s fee exceeds proceeds", domain.ErrInsufficientBalance, st.WalletID)
		}
	default:
		return fmt.Errorf("wallet: trade %s: unknown side %q", t.ID, t.Side)
	}

	st.BalanceUSD = next
	if t.CompensatesID != "" {
		compensate(st, t)
		return nil
	}
	if !closing {
		st.OpenPositions++
		return nil
	}

	pnl := *t.RealizedPnLUSD
	st.PnLTodayUSD = st.PnLTodayUSD.Add(pnl)
	st.RealizedPnLTodayUSD = st.RealizedPnLTodayUSD.Add(pnl)
	if st.OpenPositions > 0 {
		st.OpenPositions--
	}
	switch {
	case pnl.IsNegative():
		st.ConsecutiveLosses++
	case pnl.IsPositive():
		st.ConsecutiveLosses = 0
	}
	return nil
}

// compensate undoes the position and PnL effect of the trade t reverses. A
// reversal of a closing trade carries the negated PnL and reopens the
// position; a reversal of an opening trade carries no PnL.
func compensate(st *domain.WalletState, t domain.Trade) {
	if t.RealizedPnLUSD == nil {
		if st.OpenPositions > 0 {
			st.OpenPositions--
		}
		return
	}
	pnl := *t.RealizedPnLUSD
	st.PnLTodayUSD = st.PnLTodayUSD.Add(pnl)
	st.RealizedPnLTodayUSD = st.RealizedPnLTodayUSD.Add(pnl)
	st.OpenPositions++
}

// Overdraft is a replayed trade or transfer that left a wallet below zero.
// The ledger still wins; the wallet needs operator attention.
type Overdraft struct {
	WalletID   string          `json:"wallet_id"`
	Ref        string          `json:"ref"`
	BalanceUSD decimal.Decimal `json:"balance_usd"`
}

// Rebuild recomputes wallet states from a starting snapshot and the ledger.
// It is the reconciliation path: the ledger is the source of truth and any
// live state that disagrees with the result is wrong. Every trade is booked,
// including ones the wallet could not cover; those are returned as
// overdrafts. Trades for wallets not present in initial are an error.
func Rebuild(initial []domain.WalletState, trades []domain.Trade) ([]domain.WalletState, []Overdraft, error) {
	return RebuildWithTransfers(initial, trades, nil)
}

// RebuildWithTransfers is Rebuild with applied transfer plans interleaved in
// time order. trades must be in ledger order and transfers in application
// order. A transfer applied at the same instant as a trade replays after it.
func RebuildWithTransfers(initial []domain.WalletState, trades []domain.Trade, transfers []domain.AppliedTransfer) ([]domain.WalletState, []Overdraft, error) {
	out := make([]domain.WalletState, len(initial))
	idx := make(map[string]int, len(initial))
	for i, st := range initial {
		out[i] = st
		out[i].ReservedUSD = decimal.Zero
		idx[st.WalletID] = i
	}

	var overdrafts []Overdraft
	overdrawn := func(i int, ref string, before decimal.Decimal) {
		if bal := out[i].BalanceUSD; bal.IsNegative() && bal.LessThan(before) {
			overdrafts = append(overdrafts, Overdraft{WalletID: out[i].WalletID, Ref: ref, BalanceUSD: bal})
		}
	}

	ti, xi := 0, 0
	for ti < len(trades) || xi < len(transfers) {
		if xi < len(transfers) && (ti == len(trades) || transfers[xi].AppliedAt.Before(trades[ti].Timestamp)) {
			plan := transfers[xi].Plan
			xi++
			from, to, err := transferWallets(idx, plan)
			if err != nil {
				return nil, nil, err
			}
			before := out[from].BalanceUSD
			out[from].BalanceUSD = before.Sub(plan.AmountUSD)
			out[to].BalanceUSD = out[to].BalanceUSD.Add(plan.AmountUSD)
			overdrawn(from, plan.ID, before)
			continue
		}
		t := trades[ti]
		ti++
		i, ok := idx[t.WalletID]
		if !ok {
			return nil, nil, fmt.Errorf("wallet: rebuild: trade %s: %w %q", t.ID, domain.ErrUnknownWallet, t.WalletID)
		}
		before := out[i].BalanceUSD
		if err := bookTrade(&out[i], t, decimal.Zero, true); err != nil {
			return nil, nil, fmt.Errorf("wallet: rebuild: trade %s: %w", t.ID, err)
		}
		overdrawn(i, t.ID, before)
	}
	return out, overdrafts, nil
}

func transferWallets(idx map[string]int, plan domain.TransferPlan) (int, int, error) {
	from, ok := idx[plan.FromWallet]
	if !ok {
		return 0, 0, fmt.Errorf("wallet: rebuild: transfer %s: %w %q", plan.ID, domain.ErrUnknownWallet, plan.FromWallet)
	}
	to, ok := idx[plan.ToWallet]
	if !ok {
		return 0, 0, fmt.Errorf("wallet: rebuild: transfer %s: %w %q", plan.ID, domain.ErrUnknownWallet, plan.ToWallet)
	}
	return from, to, nil
}

// Mismatch describes a wallet whose live balance differs from the ledger.
type Mismatch struct {
	WalletID string          `json:"wallet_id"`
	Live     decimal.Decimal `json:"live_usd"`
	Ledger   decimal.Decimal `json:"ledger_usd"`
}

// Diff compares live states with rebuilt ones by wallet id.
func Diff(live, rebuilt []domain.WalletState) []Mismatch {
	want := make(map[string]decimal.Decimal, len(rebuilt))
	for _, st := range rebuilt {
		want[st.WalletID] = st.BalanceUSD
	}
	var out []Mismatch
	for _, st := range live {
		expected, ok := want[st.WalletID]
		if !ok || expected.Equal(st.BalanceUSD) {
			continue
		}
		out = append(out, Mismatch{WalletID: st.WalletID, Live: st.BalanceUSD, Ledger: expected})
	}
	return out
}
