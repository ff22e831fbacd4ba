package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"
)

// Config is the top-level relay configuration.
type Config struct {
	HTTP     HTTPConfig      `yaml:"http"`
	Bridge   BridgeConfig    `yaml:"bridge"`
	ToolAPI  ToolAPIConfig   `yaml:"tool_api"`
	Storage  StorageConfig   `yaml:"storage"`
	Mailbox  MailboxConfig   `yaml:"mailbox"`
	Dispatch DispatchConfig  `yaml:"dispatch"`
	Webhooks WebhookConfig   `yaml:"webhooks"`
	Recorder RecorderConfig  `yaml:"recorder"`
	Convo    ConvoConfig     `yaml:"convo"`
	Logger   LoggerConfig    `yaml:"logger"`
	Tracer   TracerConfig    `yaml:"tracer"`
	Security SecurityConfig  `yaml:"security"`
	LLMProxy *LLMProxyConfig `yaml:"llm_proxy,omitempty"` // nil = proxy worker disabled
	Includes []string        `yaml:"includes,omitempty"`
}

// HTTPConfig configures the REST API listener.
type HTTPConfig struct {
	Addr string `yaml:"addr"` // default ":8080"
}

// BridgeConfig configures the real-time bridge.
type BridgeConfig struct {
	Path              string `yaml:"path"` // default "/bridge/connect"
	DevBypass         bool   `yaml:"dev_bypass"`
	SharedSecret      string `yaml:"shared_secret"`
	HeartbeatInterval string `yaml:"heartbeat_interval"` // default "30s"
}

// ToolAPIConfig configures the protocol-adapter tool server.
type ToolAPIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"` // default ":8090"
}

// StorageConfig roots the persisted layout.
type StorageConfig struct {
	DataDir string `yaml:"data_dir"` // JSON snapshots (default "./data")
	DBPath  string `yaml:"db_path"`  // sqlite file (default "./data/relay.db")
}

// MailboxConfig tunes the mailbox store and its TTL sweep.
type MailboxConfig struct {
	MessageTTL  string `yaml:"message_ttl"`  // default "48h"
	BlobTTL     string `yaml:"blob_ttl"`     // default "24h"
	SweepPeriod string `yaml:"sweep_period"` // default "1h"
}

// DispatchConfig tunes the dispatcher poll loop.
type DispatchConfig struct {
	PollInterval string `yaml:"poll_interval"` // default "5s"
	HTTPTimeout  string `yaml:"http_timeout"`  // default "10s"
}

// WebhookConfig tunes fan-out and Auto-Wake.
type WebhookConfig struct {
	HTTPTimeout string `yaml:"http_timeout"` // default "10s"
}

// RecorderConfig tunes the Flight Recorder.
type RecorderConfig struct {
	SessionIdleWindow string `yaml:"session_idle_window"` // default "24h"
}

// ConvoConfig tunes the Session Registry janitor.
type ConvoConfig struct {
	JanitorPeriod string `yaml:"janitor_period"` // default "15m"
	IdleTTL       string `yaml:"idle_ttl"`       // default "24h"
	RetainAfter   string `yaml:"retain_after"`   // default "168h" (7 days)
}

// LoggerConfig configures slog output.
type LoggerConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
	Output string `yaml:"output"` // stdout, stderr, or a file path
}

// TracerConfig configures OpenTelemetry tracing.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // stdout, noop
}

// SecurityConfig configures HTTP-surface hardening.
type SecurityConfig struct {
	RateLimitPerMin int      `yaml:"rate_limit_per_min"`
	RateLimitBurst  int      `yaml:"rate_limit_burst"`
	TrustedProxies  []string `yaml:"trusted_proxies"`
	DevBypass       bool     `yaml:"dev_bypass"` // grants admin to every API-key request
}

// LLMProxyConfig configures the optional completion-proxy worker.
// The LLM provider itself is an external collaborator; this only
// describes how the relay reaches it.
type LLMProxyConfig struct {
	Addr          string `yaml:"addr"`
	BedrockRegion string `yaml:"bedrock_region"`
	ModelID       string `yaml:"model_id"`
	MaxInputToks  int    `yaml:"max_input_tokens"`
}

// Load reads and validates the configuration at path, resolving includes.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}

	var cfg Config
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %q: %w", path, err)
		}
	}

	if len(cfg.Includes) > 0 {
		if err := expandIncludes(&cfg, dirOf(path)); err != nil {
			return nil, err
		}
	}

	applyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return &cfg, nil
}

func dirOf(path string) string {
	if idx := strings.LastIndexByte(path, '/'); idx >= 0 {
		return path[:idx]
	}
	return "."
}

func applyDefaults(cfg *Config) {
	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = ":8080"
	}
	if cfg.Bridge.Path == "" {
		cfg.Bridge.Path = "/bridge/connect"
	}
	if cfg.Bridge.HeartbeatInterval == "" {
		cfg.Bridge.HeartbeatInterval = "30s"
	}
	if cfg.ToolAPI.Addr == "" {
		cfg.ToolAPI.Addr = ":8090"
	}
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "./data"
	}
	if cfg.Storage.DBPath == "" {
		cfg.Storage.DBPath = "./data/relay.db"
	}
	if cfg.Mailbox.MessageTTL == "" {
		cfg.Mailbox.MessageTTL = "48h"
	}
	if cfg.Mailbox.BlobTTL == "" {
		cfg.Mailbox.BlobTTL = "24h"
	}
	if cfg.Mailbox.SweepPeriod == "" {
		cfg.Mailbox.SweepPeriod = "1h"
	}
	if cfg.Dispatch.PollInterval == "" {
		cfg.Dispatch.PollInterval = "5s"
	}
	if cfg.Dispatch.HTTPTimeout == "" {
		cfg.Dispatch.HTTPTimeout = "10s"
	}
	if cfg.Webhooks.HTTPTimeout == "" {
		cfg.Webhooks.HTTPTimeout = "10s"
	}
	if cfg.Recorder.SessionIdleWindow == "" {
		cfg.Recorder.SessionIdleWindow = "24h"
	}
	if cfg.Convo.JanitorPeriod == "" {
		cfg.Convo.JanitorPeriod = "15m"
	}
	if cfg.Convo.IdleTTL == "" {
		cfg.Convo.IdleTTL = "24h"
	}
	if cfg.Convo.RetainAfter == "" {
		cfg.Convo.RetainAfter = "168h"
	}
	if cfg.Logger.Level == "" {
		cfg.Logger.Level = "info"
	}
	if cfg.Logger.Format == "" {
		cfg.Logger.Format = "text"
	}
	if cfg.Security.RateLimitPerMin == 0 {
		cfg.Security.RateLimitPerMin = 300
	}
	if cfg.Security.RateLimitBurst == 0 {
		cfg.Security.RateLimitBurst = 50
	}
}

// --- at-rest secret encryption for webhook/bridge secrets stored in YAML ---

// DecryptSecrets resolves every "enc:<payload>" value in cfg using passphrase,
// returning a copy with secrets in plaintext. Call once at startup; never
// write the decrypted config back to disk.
func DecryptSecrets(cfg Config, passphrase string) (Config, error) {
	if strings.HasPrefix(cfg.Bridge.SharedSecret, "enc:") {
		v, err := DecryptValue(strings.TrimPrefix(cfg.Bridge.SharedSecret, "enc:"), passphrase)
		if err != nil {
			return cfg, fmt.Errorf("decrypt bridge.shared_secret: %w", err)
		}
		cfg.Bridge.SharedSecret = v
	}
	return cfg, nil
}

// EncryptValue encrypts plaintext with AES-256-GCM under a passphrase-derived key.
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	block, err := aes.NewCipher(deriveKey(passphrase, salt))
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(ciphertext), nil
}

// DecryptValue reverses EncryptValue.
func DecryptValue(encrypted, passphrase string) (string, error) {
	parts := strings.SplitN(encrypted, ":", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("invalid encrypted format")
	}
	salt, err := hex.DecodeString(parts[0])
	if err != nil {
		return "", fmt.Errorf("decode salt: %w", err)
	}
	data, err := hex.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	block, err := aes.NewCipher(deriveKey(passphrase, salt))
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create gcm: %w", err)
	}
	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}

// deriveKey uses Argon2id to derive a 32-byte key from passphrase + salt.
func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}

// ParseDuration is a small wrapper kept in config so call sites that read a
// *Config duration field never import time directly for this one conversion.
func ParseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
