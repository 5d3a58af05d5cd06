// Package config loads the obligation service configuration from
// environment variables. JSON-valued variables hold the structured parts:
// the signer allow-list, channel capacities, bridge URLs, and webhook
// endpoints.
package config

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/accordsai/honorlane/pkg/domain"
)

// Config is the resolved service configuration.
type Config struct {
	ListenAddr  string
	DatabaseURL string
	LedgerURL   string
	AdminToken  string

	LedgerTimeout     time.Duration
	LedgerMaxAttempts int

	MarginFactor        float64
	HeadroomFloorMicros uint64

	DispatchMaxAttempts int
	BackoffBase         time.Duration
	BackoffCap          time.Duration

	NonceTTL    time.Duration
	NonceWindow int

	AuditQueueSize int
	AuditRingSize  int

	SettleInterval time.Duration

	Signers    map[string][]ed25519.PublicKey
	Capacities map[domain.Channel]uint64
	Bridges    map[domain.Channel]string
	Webhooks   []WebhookEndpoint
}

// WebhookEndpoint describes one provider settlement ingress. The token is
// the unguessable path segment providers are given; the secret keys the
// HMAC over the body.
type WebhookEndpoint struct {
	Provider string         `json:"provider"`
	Token    string         `json:"token"`
	Secret   string         `json:"secret"`
	Channel  domain.Channel `json:"channel"`
}

// signerEntry is the JSON shape of one allow-list entry: a subject and its
// base64 ed25519 public keys.
type signerEntry struct {
	Subject string   `json:"subject"`
	Keys    []string `json:"keys"`
}

type rawEnv struct {
	ListenAddr  string `env:"HONORLANE_LISTEN_ADDR"  envDefault:":8084"`
	DatabaseURL string `env:"HONORLANE_DATABASE_URL"`
	LedgerURL   string `env:"HONORLANE_LEDGER_URL"`
	AdminToken  string `env:"HONORLANE_ADMIN_TOKEN"`

	LedgerTimeout     time.Duration `env:"HONORLANE_LEDGER_TIMEOUT"      envDefault:"5s"`
	LedgerMaxAttempts int           `env:"HONORLANE_LEDGER_MAX_ATTEMPTS" envDefault:"3"`

	MarginFactor        float64 `env:"HONORLANE_MARGIN_FACTOR"         envDefault:"0.8"`
	HeadroomFloorMicros uint64  `env:"HONORLANE_HEADROOM_FLOOR_MICROS" envDefault:"0"`

	DispatchMaxAttempts int           `env:"HONORLANE_DISPATCH_MAX_ATTEMPTS" envDefault:"3"`
	BackoffBase         time.Duration `env:"HONORLANE_BACKOFF_BASE"          envDefault:"500ms"`
	BackoffCap          time.Duration `env:"HONORLANE_BACKOFF_CAP"           envDefault:"10s"`

	NonceTTL    time.Duration `env:"HONORLANE_NONCE_TTL"    envDefault:"24h"`
	NonceWindow int           `env:"HONORLANE_NONCE_WINDOW" envDefault:"100000"`

	AuditQueueSize int `env:"HONORLANE_AUDIT_QUEUE_SIZE" envDefault:"1024"`
	AuditRingSize  int `env:"HONORLANE_AUDIT_RING_SIZE"  envDefault:"4096"`

	SettleInterval time.Duration `env:"HONORLANE_SETTLE_INTERVAL" envDefault:"1m"`

	SignersJSON    string `env:"HONORLANE_SIGNERS"`
	CapacitiesJSON string `env:"HONORLANE_CHANNEL_CAPACITIES"`
	BridgesJSON    string `env:"HONORLANE_CHANNEL_BRIDGES"`
	WebhooksJSON   string `env:"HONORLANE_WEBHOOK_ENDPOINTS"`
}

// Load parses the environment. Structured variables that fail to parse are
// errors, not silent fallbacks: an obligation service with a wrong
// allow-list or wrong capacities must not come up.
func Load() (Config, error) {
	var raw rawEnv
	if err := env.Parse(&raw); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	signers, err := parseSigners(raw.SignersJSON)
	if err != nil {
		return Config{}, fmt.Errorf("HONORLANE_SIGNERS: %w", err)
	}
	capacities, err := parseCapacities(raw.CapacitiesJSON)
	if err != nil {
		return Config{}, fmt.Errorf("HONORLANE_CHANNEL_CAPACITIES: %w", err)
	}
	bridges, err := parseBridges(raw.BridgesJSON)
	if err != nil {
		return Config{}, fmt.Errorf("HONORLANE_CHANNEL_BRIDGES: %w", err)
	}
	webhooks, err := parseWebhooks(raw.WebhooksJSON)
	if err != nil {
		return Config{}, fmt.Errorf("HONORLANE_WEBHOOK_ENDPOINTS: %w", err)
	}

	return Config{
		ListenAddr:          raw.ListenAddr,
		DatabaseURL:         raw.DatabaseURL,
		LedgerURL:           raw.LedgerURL,
		AdminToken:          raw.AdminToken,
		LedgerTimeout:       raw.LedgerTimeout,
		LedgerMaxAttempts:   raw.LedgerMaxAttempts,
		MarginFactor:        raw.MarginFactor,
		HeadroomFloorMicros: raw.HeadroomFloorMicros,
		DispatchMaxAttempts: raw.DispatchMaxAttempts,
		BackoffBase:         raw.BackoffBase,
		BackoffCap:          raw.BackoffCap,
		NonceTTL:            raw.NonceTTL,
		NonceWindow:         raw.NonceWindow,
		AuditQueueSize:      raw.AuditQueueSize,
		AuditRingSize:       raw.AuditRingSize,
		SettleInterval:      raw.SettleInterval,
		Signers:             signers,
		Capacities:          capacities,
		Bridges:             bridges,
		Webhooks:            webhooks,
	}, nil
}

func parseSigners(raw string) (map[string][]ed25519.PublicKey, error) {
	out := make(map[string][]ed25519.PublicKey)
	if raw == "" {
		return out, nil
	}
	var entries []signerEntry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.Subject == "" {
			return nil, fmt.Errorf("signer entry missing subject")
		}
		for _, k := range e.Keys {
			key, err := base64.StdEncoding.DecodeString(k)
			if err != nil {
				return nil, fmt.Errorf("subject %s: %w", e.Subject, err)
			}
			if len(key) != ed25519.PublicKeySize {
				return nil, fmt.Errorf("subject %s: key is %d bytes, want %d",
					e.Subject, len(key), ed25519.PublicKeySize)
			}
			out[e.Subject] = append(out[e.Subject], ed25519.PublicKey(key))
		}
	}
	return out, nil
}

func parseCapacities(raw string) (map[domain.Channel]uint64, error) {
	out := make(map[domain.Channel]uint64)
	if raw == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}
	for ch, capacity := range out {
		if capacity == 0 {
			return nil, fmt.Errorf("channel %s: capacity must be positive", ch)
		}
	}
	return out, nil
}

func parseBridges(raw string) (map[domain.Channel]string, error) {
	out := make(map[domain.Channel]string)
	if raw == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func parseWebhooks(raw string) ([]WebhookEndpoint, error) {
	if raw == "" {
		return nil, nil
	}
	var out []WebhookEndpoint
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}
	for i, w := range out {
		if w.Provider == "" || w.Token == "" || w.Secret == "" || w.Channel == "" {
			return nil, fmt.Errorf("endpoint %d: provider, token, secret, and channel are all required", i)
		}
	}
	return out, nil
}
