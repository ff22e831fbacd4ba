package config

import (
	"fmt"
	"os"
	"time"
)

// Validate rejects a config that would leave a subsystem misconfigured.
func Validate(cfg *Config) error {
	if cfg.HTTP.Addr == "" {
		return fmt.Errorf("http.addr must not be empty")
	}
	if !cfg.Bridge.DevBypass && cfg.Bridge.SharedSecret == "" {
		return fmt.Errorf("bridge.shared_secret is required unless bridge.dev_bypass is set")
	}
	if _, err := time.ParseDuration(cfg.Bridge.HeartbeatInterval); err != nil {
		return fmt.Errorf("bridge.heartbeat_interval: %w", err)
	}
	if cfg.Storage.DataDir == "" {
		return fmt.Errorf("storage.data_dir must not be empty")
	}
	if cfg.Storage.DBPath == "" {
		return fmt.Errorf("storage.db_path must not be empty")
	}

	durations := map[string]string{
		"mailbox.message_ttl":         cfg.Mailbox.MessageTTL,
		"mailbox.blob_ttl":            cfg.Mailbox.BlobTTL,
		"mailbox.sweep_period":        cfg.Mailbox.SweepPeriod,
		"dispatch.poll_interval":      cfg.Dispatch.PollInterval,
		"dispatch.http_timeout":       cfg.Dispatch.HTTPTimeout,
		"webhooks.http_timeout":       cfg.Webhooks.HTTPTimeout,
		"recorder.session_idle_window": cfg.Recorder.SessionIdleWindow,
		"convo.janitor_period":        cfg.Convo.JanitorPeriod,
		"convo.idle_ttl":              cfg.Convo.IdleTTL,
		"convo.retain_after":          cfg.Convo.RetainAfter,
	}
	for field, v := range durations {
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("%s: %w", field, err)
		}
	}

	switch cfg.Logger.Level {
	case "debug", "info", "warn", "error", "":
	default:
		return fmt.Errorf("logger.level %q not recognized", cfg.Logger.Level)
	}
	switch cfg.Logger.Format {
	case "text", "json", "":
	default:
		return fmt.Errorf("logger.format %q not recognized", cfg.Logger.Format)
	}

	if cfg.Security.RateLimitPerMin < 0 || cfg.Security.RateLimitBurst < 0 {
		return fmt.Errorf("security rate limit settings must not be negative")
	}

	if cfg.LLMProxy != nil {
		if cfg.LLMProxy.Addr == "" {
			return fmt.Errorf("llm_proxy.addr must not be empty when llm_proxy is configured")
		}
		if cfg.LLMProxy.ModelID == "" {
			return fmt.Errorf("llm_proxy.model_id must not be empty when llm_proxy is configured")
		}
	}

	return nil
}

// validatePermissions rejects a config include file that is world- or
// group-writable, since an included file can set bridge.shared_secret and
// other security-sensitive fields.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat %q: %w", path, err)
	}
	if info.Mode().Perm()&0022 != 0 {
		return fmt.Errorf("%q is group- or world-writable (mode %o)", path, info.Mode().Perm())
	}
	return nil
}
