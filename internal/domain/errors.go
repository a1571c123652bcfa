package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrRateLimited   = errors.New("rate limited")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrSigningFailed = errors.New("signing failed")
	ErrLockHeld      = errors.New("lock already held")

	ErrConfig              = errors.New("invalid configuration")
	ErrInvalidSignal       = errors.New("invalid signal")
	ErrRiskRejected        = errors.New("risk rejected")
	ErrRiskEjected         = errors.New("risk ejected")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrTxGuardBlocked      = errors.New("tx guard blocked")
	ErrLedgerWriteFailure  = errors.New("ledger write failure")
	ErrDuplicateSignal     = errors.New("duplicate signal")
	ErrWalletNotEligible   = errors.New("no eligible wallet")
	ErrUnknownWallet       = errors.New("unknown wallet")
	ErrLiveUnavailable     = errors.New("live venue unavailable")
	ErrNoPosition          = errors.New("no open position")
)

// ConfigError reports a bad or missing configuration value. It unwraps to
// ErrConfig so callers can match it with errors.Is.
type ConfigError struct {
	Field string
	Value string
	Msg   string
}

func (e *ConfigError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("config: %s: %s", e.Field, e.Msg)
	}
	return fmt.Sprintf("config: %s=%q: %s", e.Field, e.Value, e.Msg)
}

func (e *ConfigError) Unwrap() error { return ErrConfig }
