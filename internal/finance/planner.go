// Package finance plans treasury movements between wallets: fee sweeps,
// excess-balance sweeps and profit compounding. Plans are advisory; nothing
// here moves funds.
package finance

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/riskgate/internal/domain"
	"github.com/alanyoungcy/riskgate/internal/ledger"
	"github.com/alanyoungcy/riskgate/internal/wallet"
)

// Config holds the planning thresholds. Zero amounts disable nothing unless
// noted.
type Config struct {
	FeeWallet            string
	TreasuryWallet       string
	FeeSweepThresholdUSD decimal.Decimal

	SweepEnabled bool
	CeilingUSD   decimal.Decimal
	MinSweepUSD  decimal.Decimal
	Ceilings     map[string]decimal.Decimal

	CompoundingEnabled bool
	CompoundFraction   decimal.Decimal
	VaultMinBalanceUSD decimal.Decimal
	MaxCompoundPerRun  decimal.Decimal // zero means no per-run cap
}

// FeeSource reports fees accrued in the ledger and the planner's cursors.
type FeeSource interface {
	LastSeq() int64
	FeesBetween(walletID string, after, upto int64) decimal.Decimal
	Cursor(name string) (string, bool)
	CursorSeq(name string) int64
}

// Router resolves purpose wallets.
type Router interface {
	Route(chain, purpose string) (string, error)
}

// Run is the output of one planning pass: the plans plus the ledger cursors
// to store once the plans are durable.
type Run struct {
	Plans   []domain.TransferPlan
	Cursors map[string]string
	UptoSeq int64
}

// Planner is pure with respect to wallet state: it reads snapshots and the
// ledger and returns plans.
type Planner struct {
	cfg    Config
	fees   FeeSource
	router Router
	logger *slog.Logger
	now    func() time.Time
}

// NewPlanner creates a Planner.
func NewPlanner(cfg Config, fees FeeSource, router Router, logger *slog.Logger) *Planner {
	if cfg.Ceilings == nil {
		cfg.Ceilings = map[string]decimal.Decimal{}
	}
	return &Planner{
		cfg:    cfg,
		fees:   fees,
		router: router,
		logger: logger.With(slog.String("component", "finance_planner")),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// FeeCursor is the per-wallet ledger cursor for fee sweeps.
func FeeCursor(walletID string) string { return ledger.CursorFeeSweepSeq + "." + walletID }

// FeeCarryCursor holds fees already swept past a wallet's fee cursor by a
// sweep the wallet balance could not fully cover.
func FeeCarryCursor(walletID string) string { return ledger.CursorFeeSwept + "." + walletID }

// CompoundCursor holds the part of a wallet's realized profit today that has
// already been compounded, as "<yyyy-mm-dd> <amount>".
func CompoundCursor(walletID string) string { return ledger.CursorCompounded + "." + walletID }

func (p *Planner) cursorDecimal(name string) decimal.Decimal {
	if p.fees == nil {
		return decimal.Zero
	}
	v, ok := p.fees.Cursor(name)
	if !ok {
		return decimal.Zero
	}
	n, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero
	}
	return n
}

// compounded returns the profit already compounded for walletID on day.
func (p *Planner) compounded(walletID, day string) decimal.Decimal {
	if p.fees == nil {
		return decimal.Zero
	}
	v, ok := p.fees.Cursor(CompoundCursor(walletID))
	if !ok {
		return decimal.Zero
	}
	on, amount, ok := strings.Cut(v, " ")
	if !ok || on != day {
		return decimal.Zero
	}
	n, err := decimal.NewFromString(amount)
	if err != nil {
		return decimal.Zero
	}
	return n
}

// Plan returns the transfer plans for the given wallet states.
func (p *Planner) Plan(snapshots []domain.WalletState) ([]domain.TransferPlan, error) {
	run, err := p.Prepare(snapshots)
	if err != nil {
		return nil, err
	}
	return run.Plans, nil
}

// Prepare is Plan plus the cursor updates the caller must persist.
func (p *Planner) Prepare(snapshots []domain.WalletState) (Run, error) {
	run := Run{Cursors: map[string]string{}}
	if p.fees != nil {
		run.UptoSeq = p.fees.LastSeq()
	}

	// avail is each wallet's balance net of what earlier rules already plan
	// to move out of it in this pass.
	avail := make(map[string]decimal.Decimal, len(snapshots))
	byID := make(map[string]domain.WalletState, len(snapshots))
	for _, st := range snapshots {
		avail[st.WalletID] = st.BalanceUSD
		byID[st.WalletID] = st
	}

	now := p.now()
	// emit returns the amount actually planned, zero when nothing was.
	emit := func(from, to string, amount decimal.Decimal, reason domain.PlanReason, note string) decimal.Decimal {
		amount = amount.RoundFloor(2)
		if !amount.IsPositive() || from == to {
			return decimal.Zero
		}
		run.Plans = append(run.Plans, domain.TransferPlan{
			ID:         uuid.NewString(),
			FromWallet: from,
			ToWallet:   to,
			AmountUSD:  amount,
			Reason:     reason,
			Note:       note,
			CreatedAt:  now,
		})
		avail[from] = avail[from].Sub(amount)
		return amount
	}

	swept := false

	for _, st := range snapshots {
		if st.Disabled || !st.Role.Trading() || p.fees == nil {
			continue
		}
		cursor := p.fees.CursorSeq(FeeCursor(st.WalletID))
		carried := p.cursorDecimal(FeeCarryCursor(st.WalletID))
		accrued := p.fees.FeesBetween(st.WalletID, cursor, run.UptoSeq).Sub(carried)
		if !accrued.IsPositive() || accrued.LessThan(p.cfg.FeeSweepThresholdUSD) {
			continue
		}
		dest, err := p.resolve(p.cfg.FeeWallet, st.Chain, wallet.PurposeFees)
		if err != nil {
			p.logger.Warn("no fee wallet for chain, fees kept", slog.String("wallet_id", st.WalletID), slog.String("error", err.Error()))
			continue
		}
		amount := decimal.Min(accrued, decimal.Max(avail[st.WalletID], decimal.Zero))
		sent := emit(st.WalletID, dest, amount, domain.PlanFeeSweep, fmt.Sprintf("fees accrued after seq %d", cursor))
		switch {
		case !sent.IsPositive():
		case amount.LessThan(accrued):
			// Capped by the balance: the cursor stays and the rest is owed.
			run.Cursors[FeeCarryCursor(st.WalletID)] = carried.Add(sent).String()
		default:
			run.Cursors[FeeCursor(st.WalletID)] = ledger.FormatSeq(run.UptoSeq)
			if carried.IsPositive() {
				run.Cursors[FeeCarryCursor(st.WalletID)] = "0"
			}
			swept = true
		}
	}

	if p.cfg.SweepEnabled {
		for _, st := range snapshots {
			if st.Disabled || !st.Role.Trading() {
				continue
			}
			ceiling := p.cfg.CeilingUSD
			if c, ok := p.cfg.Ceilings[st.WalletID]; ok {
				ceiling = c
			}
			excess := avail[st.WalletID].Sub(ceiling)
			if !excess.IsPositive() || excess.LessThan(p.cfg.MinSweepUSD) {
				continue
			}
			dest, err := p.resolve(p.cfg.TreasuryWallet, st.Chain, wallet.PurposeTreasury)
			if err != nil {
				p.logger.Warn("no treasury for chain, sweep skipped", slog.String("wallet_id", st.WalletID), slog.String("error", err.Error()))
				continue
			}
			emit(st.WalletID, dest, excess, domain.PlanSweep, "balance above "+ceiling.String())
		}
	}

	if p.cfg.CompoundingEnabled && p.cfg.CompoundFraction.IsPositive() {
		p.compound(snapshots, byID, avail, emit, run.Cursors, now.Format(time.DateOnly))
	}

	if swept {
		run.Cursors[ledger.CursorFeeSweepSeq] = ledger.FormatSeq(run.UptoSeq)
		run.Cursors[ledger.CursorFeeSweepAt] = ledger.FormatTime(now)
	}
	return run, nil
}

type compoundWant struct {
	walletID string
	amount   decimal.Decimal
	done     decimal.Decimal
}

// compound plans treasury -> wallet transfers of a share of the realized
// profit today not yet compounded. Each treasury pays out at most its balance
// above the vault minimum and the per-run cap; when wants exceed that budget
// they are scaled down proportionally and the rest waits for the next run.
func (p *Planner) compound(
	snapshots []domain.WalletState,
	byID map[string]domain.WalletState,
	avail map[string]decimal.Decimal,
	emit func(from, to string, amount decimal.Decimal, reason domain.PlanReason, note string) decimal.Decimal,
	cursors map[string]string,
	day string,
) {
	wants := map[string][]compoundWant{}
	var treasuries []string
	for _, st := range snapshots {
		if st.Disabled || !st.Role.Trading() {
			continue
		}
		done := p.compounded(st.WalletID, day)
		profit := st.RealizedPnLTodayUSD.Sub(done)
		if !profit.IsPositive() {
			continue
		}
		src, err := p.resolve(p.cfg.TreasuryWallet, st.Chain, wallet.PurposeTreasury)
		if err != nil {
			continue
		}
		if _, seen := wants[src]; !seen {
			treasuries = append(treasuries, src)
		}
		wants[src] = append(wants[src], compoundWant{
			walletID: st.WalletID,
			amount:   profit.Mul(p.cfg.CompoundFraction),
			done:     done,
		})
	}
	sort.Strings(treasuries)

	for _, src := range treasuries {
		if _, ok := byID[src]; !ok {
			continue
		}
		budget := avail[src].Sub(p.cfg.VaultMinBalanceUSD)
		if p.cfg.MaxCompoundPerRun.IsPositive() {
			budget = decimal.Min(budget, p.cfg.MaxCompoundPerRun)
		}
		if !budget.IsPositive() {
			p.logger.Info("treasury at vault minimum, compounding skipped", slog.String("treasury", src))
			continue
		}
		total := decimal.Zero
		for _, w := range wants[src] {
			total = total.Add(w.amount)
		}
		scale := decimal.NewFromInt(1)
		if total.GreaterThan(budget) {
			scale = budget.Div(total)
		}
		for _, w := range wants[src] {
			sent := emit(src, w.walletID, w.amount.Mul(scale), domain.PlanCompounding, "share of realized profit today")
			if sent.IsPositive() {
				done := w.done.Add(sent.Div(p.cfg.CompoundFraction)).Round(8)
				cursors[CompoundCursor(w.walletID)] = day + " " + done.String()
			}
		}
	}
}

func (p *Planner) resolve(fixed, chain, purpose string) (string, error) {
	if fixed != "" {
		return fixed, nil
	}
	if p.router == nil {
		return "", fmt.Errorf("finance: no %s wallet configured", purpose)
	}
	return p.router.Route(chain, purpose)
}
