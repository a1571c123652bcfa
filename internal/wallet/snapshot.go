package wallet

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/alanyoungcy/riskgate/internal/domain"
	"github.com/alanyoungcy/riskgate/internal/store/file"
	"github.com/shopspring/decimal"
)

// SnapshotEntry is one wallet in the JSON snapshot file.
type SnapshotEntry struct {
	BalanceUSD          decimal.Decimal `json:"balance_usd"`
	PnLTodayUSD         decimal.Decimal `json:"pnl_today_usd"`
	RealizedPnLTodayUSD decimal.Decimal `json:"realized_pnl_today_usd"`
	OpenPositions       int             `json:"open_positions"`
}

// Snapshot maps wallet id to balances.
type Snapshot map[string]SnapshotEntry

// ReadSnapshotFile loads a snapshot. A missing file yields domain.ErrNotFound.
func ReadSnapshotFile(path string) (Snapshot, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("wallet: snapshot %s: %w", path, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("wallet: read snapshot %s: %w", path, err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("wallet: decode snapshot %s: %w", path, err)
	}
	return snap, nil
}

// WriteSnapshotFile atomically replaces the snapshot at path.
func WriteSnapshotFile(path string, states []domain.WalletState) error {
	data, err := json.MarshalIndent(ToSnapshot(states), "", "  ")
	if err != nil {
		return fmt.Errorf("wallet: encode snapshot: %w", err)
	}
	return file.WriteAtomic(path, data, 0o644)
}

// ToSnapshot projects states onto the snapshot file shape.
func ToSnapshot(states []domain.WalletState) Snapshot {
	snap := make(Snapshot, len(states))
	for _, st := range states {
		snap[st.WalletID] = SnapshotEntry{
			BalanceUSD:          st.BalanceUSD,
			PnLTodayUSD:         st.PnLTodayUSD,
			RealizedPnLTodayUSD: st.RealizedPnLTodayUSD,
			OpenPositions:       st.OpenPositions,
		}
	}
	return snap
}

// Overlay returns states with the balances of matching snapshot entries.
// Wallets absent from the snapshot keep their values.
func Overlay(states []domain.WalletState, snap Snapshot) []domain.WalletState {
	out := make([]domain.WalletState, len(states))
	for i, st := range states {
		if e, ok := snap[st.WalletID]; ok {
			st.BalanceUSD = e.BalanceUSD
			st.PnLTodayUSD = e.PnLTodayUSD
			st.RealizedPnLTodayUSD = e.RealizedPnLTodayUSD
			st.OpenPositions = e.OpenPositions
		}
		out[i] = st
	}
	return out
}

// Restore loads snapshot balances into the manager. Entries for unknown
// wallets are skipped and logged. It returns the number of wallets restored.
func (m *Manager) Restore(snap Snapshot) int {
	restored := 0
	for id, e := range snap {
		w, err := m.lookup(id)
		if err != nil {
			m.logger.Warn("snapshot wallet not configured, skipped", slog.String("wallet_id", id))
			continue
		}
		w.mu.Lock()
		w.state.BalanceUSD = e.BalanceUSD
		w.state.PnLTodayUSD = e.PnLTodayUSD
		w.state.RealizedPnLTodayUSD = e.RealizedPnLTodayUSD
		w.state.OpenPositions = e.OpenPositions
		w.mu.Unlock()
		restored++
	}
	return restored
}
