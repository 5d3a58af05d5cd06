package config

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != ":8084" {
		t.Fatalf("listen addr: %q", cfg.ListenAddr)
	}
	if cfg.MarginFactor != 0.8 {
		t.Fatalf("margin factor: %v", cfg.MarginFactor)
	}
	if cfg.DispatchMaxAttempts != 3 || cfg.BackoffBase != 500*time.Millisecond {
		t.Fatalf("dispatch defaults: %+v", cfg)
	}
	if cfg.NonceTTL != 24*time.Hour {
		t.Fatalf("nonce ttl: %v", cfg.NonceTTL)
	}
}

func TestLoadStructuredValues(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	key := base64.StdEncoding.EncodeToString(pub)

	t.Setenv("HONORLANE_SIGNERS", `[{"subject":"sub_1","keys":["`+key+`"]}]`)
	t.Setenv("HONORLANE_CHANNEL_CAPACITIES", `{"GIFT_CARD":1000000000}`)
	t.Setenv("HONORLANE_CHANNEL_BRIDGES", `{"GIFT_CARD":"https://bridge.example/honor"}`)
	t.Setenv("HONORLANE_WEBHOOK_ENDPOINTS",
		`[{"provider":"cardco","token":"tok_1","secret":"s3cret","channel":"GIFT_CARD"}]`)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Signers["sub_1"]) != 1 {
		t.Fatalf("signers: %+v", cfg.Signers)
	}
	if cfg.Capacities["GIFT_CARD"] != 1000000000 {
		t.Fatalf("capacities: %+v", cfg.Capacities)
	}
	if cfg.Bridges["GIFT_CARD"] != "https://bridge.example/honor" {
		t.Fatalf("bridges: %+v", cfg.Bridges)
	}
	if len(cfg.Webhooks) != 1 || cfg.Webhooks[0].Provider != "cardco" {
		t.Fatalf("webhooks: %+v", cfg.Webhooks)
	}
}

func TestLoadRejectsBadSignerKey(t *testing.T) {
	t.Setenv("HONORLANE_SIGNERS", `[{"subject":"sub_1","keys":["dG9vLXNob3J0"]}]`)
	if _, err := Load(); err == nil {
		t.Fatalf("expected error for short key")
	}
}

func TestLoadRejectsZeroCapacity(t *testing.T) {
	t.Setenv("HONORLANE_CHANNEL_CAPACITIES", `{"GIFT_CARD":0}`)
	if _, err := Load(); err == nil {
		t.Fatalf("expected error for zero capacity")
	}
}

func TestLoadRejectsIncompleteWebhook(t *testing.T) {
	t.Setenv("HONORLANE_WEBHOOK_ENDPOINTS", `[{"provider":"cardco","token":"tok_1"}]`)
	if _, err := Load(); err == nil {
		t.Fatalf("expected error for webhook without secret")
	}
}
