// Package wallet tracks per-wallet balances and runtime risk state. Every
// mutation of one wallet is serialized; different wallets are independent.
package wallet

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/riskgate/internal/domain"
	"github.com/shopspring/decimal"
)

type entry struct {
	mu    sync.Mutex
	state domain.WalletState
	holds map[string]decimal.Decimal // signal id -> reserved amount
}

func (e *entry) held() decimal.Decimal {
	sum := decimal.Zero
	for _, v := range e.holds {
		sum = sum.Add(v)
	}
	return sum
}

func (e *entry) snapshot() domain.WalletState {
	st := e.state
	st.Tags = append([]string(nil), e.state.Tags...)
	st.ReservedUSD = e.held()
	return st
}

// KillSwitchState is the process-wide forced de-risking flag.
type KillSwitchState struct {
	Tripped   bool
	Reason    string
	TrippedAt time.Time
}

// Manager owns wallet states. It is safe for concurrent use.
type Manager struct {
	mu      sync.RWMutex
	wallets map[string]*entry
	order   []string // declaration order, used for routing ties

	killMu sync.RWMutex
	kill   KillSwitchState

	locks   domain.LockManager
	lockTTL time.Duration
	logger  *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithLockManager additionally guards wallet mutations with a distributed
// lock, for deployments where several processes share wallets.
func WithLockManager(lm domain.LockManager, ttl time.Duration) Option {
	return func(m *Manager) {
		m.locks = lm
		m.lockTTL = ttl
	}
}

// NewManager creates a Manager from starting states.
func NewManager(states []domain.WalletState, logger *slog.Logger, opts ...Option) (*Manager, error) {
	m := &Manager{
		wallets: make(map[string]*entry, len(states)),
		lockTTL: 10 * time.Second,
		logger:  logger.With(slog.String("component", "wallet_manager")),
	}
	for _, st := range states {
		if st.WalletID == "" {
			return nil, fmt.Errorf("wallet: empty wallet id")
		}
		if _, dup := m.wallets[st.WalletID]; dup {
			return nil, fmt.Errorf("wallet: duplicate wallet %q: %w", st.WalletID, domain.ErrAlreadyExists)
		}
		st.ReservedUSD = decimal.Zero
		st.Tags = append([]string(nil), st.Tags...)
		m.wallets[st.WalletID] = &entry{state: st, holds: map[string]decimal.Decimal{}}
		m.order = append(m.order, st.WalletID)
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

func (m *Manager) lookup(id string) (*entry, error) {
	m.mu.RLock()
	e, ok := m.wallets[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("wallet: %w %q", domain.ErrUnknownWallet, id)
	}
	return e, nil
}

// distLock takes the cross-process lock for the given wallets when one is
// configured. The returned func releases it.
func (m *Manager) distLock(ctx context.Context, ids ...string) (func(), error) {
	if m.locks == nil {
		return func() {}, nil
	}
	sort.Strings(ids)
	var unlocks []func()
	release := func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
	for _, id := range ids {
		unlock, err := m.locks.Acquire(ctx, "lock:wallet:"+id, m.lockTTL)
		if err != nil {
			release()
			return nil, fmt.Errorf("wallet: lock %s: %w", id, err)
		}
		unlocks = append(unlocks, unlock)
	}
	return release, nil
}

// Get returns a copy of one wallet's state.
func (m *Manager) Get(id string) (domain.WalletState, error) {
	e, err := m.lookup(id)
	if err != nil {
		return domain.WalletState{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshot(), nil
}

// Snapshot returns a consistent copy of every wallet in declaration order.
// All wallet locks are held together, in id order, while copying.
func (m *Manager) Snapshot() []domain.WalletState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := append([]string(nil), m.order...)
	sort.Strings(ids)
	for _, id := range ids {
		m.wallets[id].mu.Lock()
	}
	out := make([]domain.WalletState, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.wallets[id].snapshot())
	}
	for _, id := range ids {
		m.wallets[id].mu.Unlock()
	}
	return out
}

// Portfolio sums equity and today's PnL across wallets.
func (m *Manager) Portfolio() (equity, pnlToday decimal.Decimal) {
	equity, pnlToday = decimal.Zero, decimal.Zero
	for _, st := range m.Snapshot() {
		equity = equity.Add(st.BalanceUSD)
		pnlToday = pnlToday.Add(st.PnLTodayUSD)
	}
	return equity, pnlToday
}

// Reserve holds amount on a wallet for signalID until the trade is applied or
// the hold released. It fails when the unreserved balance cannot cover it.
func (m *Manager) Reserve(walletID, signalID string, amount decimal.Decimal) error {
	e, err := m.lookup(walletID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.holds[signalID]; ok {
		return fmt.Errorf("wallet: hold %s on %s: %w", signalID, walletID, domain.ErrAlreadyExists)
	}
	available := e.state.BalanceUSD.Sub(e.held())
	if amount.GreaterThan(available) {
		return fmt.Errorf("%w: wallet %s needs %s, has %s available",
			domain.ErrInsufficientBalance, walletID, amount, available)
	}
	e.holds[signalID] = amount
	return nil
}

// Release drops the hold for signalID, if any.
func (m *Manager) Release(walletID, signalID string) {
	e, err := m.lookup(walletID)
	if err != nil {
		return
	}
	e.mu.Lock()
	delete(e.holds, signalID)
	e.mu.Unlock()
}

// ApplyTrade books a confirmed trade. A hold registered for the trade's
// signal is consumed. The trade is rejected with ErrInsufficientBalance when
// it would overdraw the wallet, and the state is left unchanged.
func (m *Manager) ApplyTrade(ctx context.Context, t domain.Trade) (domain.WalletState, error) {
	e, err := m.lookup(t.WalletID)
	if err != nil {
		return domain.WalletState{}, err
	}
	unlock, err := m.distLock(ctx, t.WalletID)
	if err != nil {
		return domain.WalletState{}, err
	}
	defer unlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	own := e.holds[t.SignalID]
	other := e.held().Sub(own)
	if err := applyTrade(&e.state, t, other); err != nil {
		return e.snapshot(), err
	}
	delete(e.holds, t.SignalID)
	return e.snapshot(), nil
}

// ApplyTransfer moves funds for an accepted transfer plan. It is the explicit,
// externally triggered counterpart of the advisory finance planner.
func (m *Manager) ApplyTransfer(ctx context.Context, plan domain.TransferPlan) error {
	if !plan.AmountUSD.IsPositive() {
		return fmt.Errorf("wallet: transfer %s: amount must be positive", plan.ID)
	}
	if plan.FromWallet == plan.ToWallet {
		return fmt.Errorf("wallet: transfer %s: source and destination are the same", plan.ID)
	}
	from, err := m.lookup(plan.FromWallet)
	if err != nil {
		return err
	}
	to, err := m.lookup(plan.ToWallet)
	if err != nil {
		return err
	}
	unlock, err := m.distLock(ctx, plan.FromWallet, plan.ToWallet)
	if err != nil {
		return err
	}
	defer unlock()

	first, second := from, to
	if plan.ToWallet < plan.FromWallet {
		first, second = to, from
	}
	first.mu.Lock()
	defer first.mu.Unlock()
	second.mu.Lock()
	defer second.mu.Unlock()

	available := from.state.BalanceUSD.Sub(from.held())
	if plan.AmountUSD.GreaterThan(available) {
		return fmt.Errorf("%w: wallet %s needs %s, has %s available",
			domain.ErrInsufficientBalance, plan.FromWallet, plan.AmountUSD, available)
	}
	from.state.BalanceUSD = from.state.BalanceUSD.Sub(plan.AmountUSD)
	to.state.BalanceUSD = to.state.BalanceUSD.Add(plan.AmountUSD)

	m.logger.InfoContext(ctx, "transfer applied",
		slog.String("plan_id", plan.ID),
		slog.String("from", plan.FromWallet),
		slog.String("to", plan.ToWallet),
		slog.String("amount_usd", plan.AmountUSD.String()),
		slog.String("reason", string(plan.Reason)),
	)
	return nil
}

// ResetDaily zeroes today's PnL counters on every wallet.
func (m *Manager) ResetDaily() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, id := range m.order {
		e := m.wallets[id]
		e.mu.Lock()
		e.state.PnLTodayUSD = decimal.Zero
		e.state.RealizedPnLTodayUSD = decimal.Zero
		e.mu.Unlock()
	}
	m.logger.Info("daily pnl reset", slog.Int("wallets", len(m.order)))
}

// TripKillSwitch forces EJECT for one wallet until cleared.
func (m *Manager) TripKillSwitch(walletID, reason string) error {
	e, err := m.lookup(walletID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	already := e.state.KillSwitch
	e.state.KillSwitch = true
	e.mu.Unlock()
	if !already {
		m.logger.Warn("wallet kill switch tripped", slog.String("wallet_id", walletID), slog.String("reason", reason))
	}
	return nil
}

// ClearKillSwitch re-enables a wallet after manual review.
func (m *Manager) ClearKillSwitch(walletID string) error {
	e, err := m.lookup(walletID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.state.KillSwitch = false
	e.mu.Unlock()
	return nil
}

// TripGlobalKillSwitch forces EJECT for every wallet. It is sticky until
// ClearGlobalKillSwitch.
func (m *Manager) TripGlobalKillSwitch(reason string) {
	m.killMu.Lock()
	defer m.killMu.Unlock()
	if m.kill.Tripped {
		return
	}
	m.kill = KillSwitchState{Tripped: true, Reason: reason, TrippedAt: time.Now().UTC()}
	m.logger.Warn("global kill switch tripped", slog.String("reason", reason))
}

// ClearGlobalKillSwitch resets the global flag.
func (m *Manager) ClearGlobalKillSwitch() {
	m.killMu.Lock()
	m.kill = KillSwitchState{}
	m.killMu.Unlock()
}

// GlobalKillSwitch returns the global flag.
func (m *Manager) GlobalKillSwitch() KillSwitchState {
	m.killMu.RLock()
	defer m.killMu.RUnlock()
	return m.kill
}
