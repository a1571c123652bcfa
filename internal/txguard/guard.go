// Package txguard is the static authorization gate in front of every real
// money transaction. It is a pure function of configuration and call site.
package txguard

import (
	"github.com/alanyoungcy/riskgate/internal/domain"
)

// Config is process-wide and read-only after start-up.
type Config struct {
	HardDisableSendTx bool
	AllowedProfiles   map[string]bool
	LogOnly           bool
}

// DefaultConfig refuses every send.
func DefaultConfig() Config {
	return Config{HardDisableSendTx: true}
}

// NewConfig builds a Config from a profile list.
func NewConfig(hardDisable bool, profiles []string, logOnly bool) Config {
	set := make(map[string]bool, len(profiles))
	for _, p := range profiles {
		set[p] = true
	}
	return Config{HardDisableSendTx: hardDisable, AllowedProfiles: set, LogOnly: logOnly}
}

// Verdict reasons.
const (
	ReasonHardDisabled      = "hard_disabled"
	ReasonModeNotLive       = "mode_not_live"
	ReasonProfileNotAllowed = "profile_not_allowed"
	ReasonLogOnly           = "log_only"
	ReasonAllowed           = "allowed"
)

// Verdict explains a guard decision. WouldSend is set in log-only mode, where
// the call site must record that a real transaction would have been sent.
type Verdict struct {
	Allowed   bool
	WouldSend bool
	Reason    string
	Mode      domain.ExecutionMode
	Profile   string
	Context   string
}

// Evaluate runs the guard checks in order. The first failing check decides.
func Evaluate(cfg Config, mode domain.ExecutionMode, profile, context string) Verdict {
	v := Verdict{Mode: mode, Profile: profile, Context: context}
	switch {
	case cfg.HardDisableSendTx:
		v.Reason = ReasonHardDisabled
	case mode != domain.ModeLive:
		v.Reason = ReasonModeNotLive
	case !cfg.AllowedProfiles[profile]:
		v.Reason = ReasonProfileNotAllowed
	case cfg.LogOnly:
		v.Reason = ReasonLogOnly
		v.WouldSend = true
	default:
		v.Allowed = true
		v.Reason = ReasonAllowed
	}
	return v
}

// CanSendRealTx reports whether a real transaction may leave the process.
// Only LIVE mode with an allowed profile and the guard fully enabled returns
// true.
func CanSendRealTx(cfg Config, mode domain.ExecutionMode, profile, context string) bool {
	return Evaluate(cfg, mode, profile, context).Allowed
}
