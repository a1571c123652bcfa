package domain

import (
	"strings"

	"github.com/shopspring/decimal"
)

// WalletRole describes what a wallet is used for.
type WalletRole string

const (
	RoleMain        WalletRole = "MAIN"
	RoleCopytrading WalletRole = "COPYTRADING"
	RoleSavings     WalletRole = "SAVINGS"
	RoleAutoFees    WalletRole = "AUTO_FEES"
	RoleScalping    WalletRole = "SCALPING"
	RoleSwing       WalletRole = "SWING"
	RoleTest        WalletRole = "TEST"
	RoleAirdrop     WalletRole = "AIRDROP"
	RoleNFT         WalletRole = "NFT"
	RoleBackup      WalletRole = "BACKUP"
)

var walletRoles = map[WalletRole]bool{
	RoleMain: true, RoleCopytrading: true, RoleSavings: true, RoleAutoFees: true,
	RoleScalping: true, RoleSwing: true, RoleTest: true, RoleAirdrop: true,
	RoleNFT: true, RoleBackup: true,
}

// ParseWalletRole parses a role name. VAULT is accepted as SAVINGS.
func ParseWalletRole(s string) (WalletRole, error) {
	r := WalletRole(strings.ToUpper(strings.TrimSpace(s)))
	if r == "VAULT" {
		return RoleSavings, nil
	}
	if walletRoles[r] {
		return r, nil
	}
	return "", &ConfigError{Field: "wallets.role", Value: s, Msg: "unknown wallet role"}
}

// Trading reports whether wallets of this role may receive trade signals.
func (r WalletRole) Trading() bool {
	switch r {
	case RoleMain, RoleCopytrading, RoleScalping, RoleSwing, RoleTest, RoleAirdrop:
		return true
	}
	return false
}

// TagLive marks a wallet as eligible for LIVE-mode intents.
const TagLive = "live"

// WalletState is the accounting state of one wallet.
type WalletState struct {
	WalletID            string          `json:"wallet_id"`
	Role                WalletRole      `json:"role"`
	Chain               string          `json:"chain,omitempty"`
	Tags                []string        `json:"tags,omitempty"`
	BalanceUSD          decimal.Decimal `json:"balance_usd"`
	PnLTodayUSD         decimal.Decimal `json:"pnl_today_usd"`
	RealizedPnLTodayUSD decimal.Decimal `json:"realized_pnl_today_usd"`
	OpenPositions       int             `json:"open_positions"`
	ConsecutiveLosses   int             `json:"consecutive_losses"`
	ReservedUSD         decimal.Decimal `json:"reserved_usd"`
	Disabled            bool            `json:"disabled,omitempty"`
	KillSwitch          bool            `json:"kill_switch,omitempty"`
}

// HasTag reports whether the wallet carries tag.
func (w WalletState) HasTag(tag string) bool {
	for _, t := range w.Tags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}

// AvailableUSD is the balance not held by in-flight live dispatches.
func (w WalletState) AvailableUSD() decimal.Decimal {
	return w.BalanceUSD.Sub(w.ReservedUSD)
}
