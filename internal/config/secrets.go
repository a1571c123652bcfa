package config

// RedactedConfig returns a shallow copy of cfg with sensitive fields replaced
// by the redaction placeholder "***". Use this when logging or printing the
// active configuration so secrets are never accidentally exposed.
func RedactedConfig(cfg *Config) Config {
	out := *cfg // shallow copy of the top-level struct

	// Live signing key
	redact(&out.Live.PrivateKey)
	redact(&out.Live.KeyPassword)

	// Postgres
	redact(&out.Postgres.DSN)
	redact(&out.Postgres.Password)

	// Redis
	redact(&out.Redis.Password)

	// S3
	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)

	// Server
	redact(&out.Server.APIKey)
	redact(&out.Server.AdminSecret)

	// Notify
	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)

	// Copy slices and maps so callers cannot mutate the original through the
	// redacted copy.
	out.Wallets = append([]WalletConfig(nil), cfg.Wallets...)
	out.TxGuard.AllowedProfiles = append([]string(nil), cfg.TxGuard.AllowedProfiles...)
	if cfg.Notify.Events != nil {
		out.Notify.Events = append([]string(nil), cfg.Notify.Events...)
	}
	if cfg.Server.CORSOrigins != nil {
		out.Server.CORSOrigins = append([]string(nil), cfg.Server.CORSOrigins...)
	}
	if cfg.Risk.PerMarket != nil {
		out.Risk.PerMarket = make(map[string]MarketConfig, len(cfg.Risk.PerMarket))
		for k, v := range cfg.Risk.PerMarket {
			out.Risk.PerMarket[k] = v
		}
	}
	if cfg.Execution.Prices != nil {
		out.Execution.Prices = make(map[string]Decimal, len(cfg.Execution.Prices))
		for k, v := range cfg.Execution.Prices {
			out.Execution.Prices[k] = v
		}
	}

	return out
}

const redacted = "***"

// redact replaces a non-empty string with the redacted placeholder.
func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}
