package wallet

import (
	"fmt"
	"strings"

	"github.com/alanyoungcy/riskgate/internal/domain"
)

// Routing purposes understood by Route.
const (
	PurposeTrading  = "trading"
	PurposeFees     = "fees"
	PurposeTreasury = "treasury"
	PurposeBackup   = "backup"
)

// eligible reports whether a wallet may receive an intent in mode.
func eligible(st domain.WalletState, mode domain.ExecutionMode) (bool, string) {
	switch {
	case st.Disabled:
		return false, "disabled"
	case !st.Role.Trading():
		return false, "role " + string(st.Role) + " does not trade"
	case mode == domain.ModeLive && !st.HasTag(domain.TagLive):
		return false, "not tagged for live trading"
	}
	return true, ""
}

func chainMatches(st domain.WalletState, chain string) bool {
	return chain == "" || st.Chain == "" || st.Chain == chain
}

// SelectWallet resolves the wallet that executes sig. An explicit
// sig.WalletID must itself be eligible; otherwise the trading route for the
// signal's chain is used, restricted to wallets eligible for mode.
func (m *Manager) SelectWallet(sig domain.TradeSignal, mode domain.ExecutionMode) (string, error) {
	if sig.WalletID != "" {
		st, err := m.Get(sig.WalletID)
		if err != nil {
			return "", fmt.Errorf("%w: %v", domain.ErrWalletNotEligible, err)
		}
		if ok, why := eligible(st, mode); !ok {
			return "", fmt.Errorf("%w: wallet %s %s", domain.ErrWalletNotEligible, sig.WalletID, why)
		}
		return sig.WalletID, nil
	}

	chain := strings.ToLower(strings.TrimSpace(sig.Meta[domain.MetaChain]))
	var candidates []domain.WalletState
	for _, st := range m.Snapshot() {
		if ok, _ := eligible(st, mode); ok && chainMatches(st, chain) {
			candidates = append(candidates, st)
		}
	}
	if len(candidates) == 0 {
		return "", fmt.Errorf("%w: chain=%q mode=%s", domain.ErrWalletNotEligible, chain, mode)
	}
	return pickTrading(candidates, chain).WalletID, nil
}

// pickTrading applies role priority: on solana SCALPING then COPYTRADING,
// elsewhere MAIN, falling back to the first candidate.
func pickTrading(candidates []domain.WalletState, chain string) domain.WalletState {
	var prefs []domain.WalletRole
	if chain == "solana" {
		prefs = []domain.WalletRole{domain.RoleScalping, domain.RoleCopytrading}
	}
	prefs = append(prefs, domain.RoleMain)
	for _, role := range prefs {
		for _, st := range candidates {
			if st.Role == role {
				return st
			}
		}
	}
	return candidates[0]
}

// Route returns the wallet serving purpose on chain. Disabled wallets are
// never routed to.
func (m *Manager) Route(chain, purpose string) (string, error) {
	chain = strings.ToLower(strings.TrimSpace(chain))
	var active []domain.WalletState
	for _, st := range m.Snapshot() {
		if !st.Disabled && chainMatches(st, chain) {
			active = append(active, st)
		}
	}

	byRole := func(roles ...domain.WalletRole) (string, bool) {
		for _, role := range roles {
			for _, st := range active {
				if st.Role == role {
					return st.WalletID, true
				}
			}
		}
		return "", false
	}

	switch strings.ToLower(purpose) {
	case PurposeFees:
		if id, ok := byRole(domain.RoleAutoFees); ok {
			return id, nil
		}
	case PurposeTreasury, "savings", "vault", "profits":
		if id, ok := byRole(domain.RoleSavings, domain.RoleBackup); ok {
			return id, nil
		}
	case PurposeBackup:
		if id, ok := byRole(domain.RoleBackup); ok {
			return id, nil
		}
	case PurposeTrading:
		var trading []domain.WalletState
		for _, st := range active {
			if st.Role.Trading() {
				trading = append(trading, st)
			}
		}
		if len(trading) > 0 {
			return pickTrading(trading, chain).WalletID, nil
		}
	default:
		return "", fmt.Errorf("wallet: route: unknown purpose %q", purpose)
	}
	return "", fmt.Errorf("%w: purpose=%s chain=%q", domain.ErrWalletNotEligible, purpose, chain)
}
