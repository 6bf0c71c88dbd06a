package config

// RedactedConfig returns a shallow copy of cfg with sensitive fields replaced
// by the redaction placeholder "***". Use this when logging or printing the
// active configuration so secrets are never accidentally exposed.
func RedactedConfig(cfg *Config) Config {
	out := *cfg // shallow copy of the top-level struct

	redact(&out.Exchange.ApiKey)
	redact(&out.Exchange.ApiSecret)
	redact(&out.Database.DSN)
	redact(&out.Database.Password)
	redact(&out.Redis.Password)
	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)
	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)

	// Copy slices and maps so callers cannot mutate the original through the
	// redacted copy.
	if cfg.Engine.Symbols != nil {
		out.Engine.Symbols = make([]string, len(cfg.Engine.Symbols))
		copy(out.Engine.Symbols, cfg.Engine.Symbols)
	}
	if cfg.Engine.SymbolThresholds != nil {
		out.Engine.SymbolThresholds = make(map[string]float64, len(cfg.Engine.SymbolThresholds))
		for k, v := range cfg.Engine.SymbolThresholds {
			out.Engine.SymbolThresholds[k] = v
		}
	}
	if cfg.Notify.Events != nil {
		out.Notify.Events = make([]string, len(cfg.Notify.Events))
		copy(out.Notify.Events, cfg.Notify.Events)
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
