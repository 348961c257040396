package live

import (
	"testing"
	"time"
)

func TestDefaultSessionConfig(t *testing.T) {
	cfg := DefaultSessionConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if cfg.RenewAfter() != 23*time.Minute {
		t.Fatalf("RenewAfter = %s, want 23m", cfg.RenewAfter())
	}
}

func TestSessionConfig_WithDefaults(t *testing.T) {
	cfg := SessionConfig{Model: "models/custom", SessionBudget: time.Minute, RenewBefore: 10 * time.Second}.WithDefaults()
	if cfg.Model != "models/custom" {
		t.Fatalf("Model = %q", cfg.Model)
	}
	if cfg.MaxReconnectAttempts != 5 || cfg.ReconnectBaseDelay != time.Second {
		t.Fatalf("reconnect defaults = %d, %s", cfg.MaxReconnectAttempts, cfg.ReconnectBaseDelay)
	}
	if cfg.RenewAfter() != 50*time.Second {
		t.Fatalf("RenewAfter = %s", cfg.RenewAfter())
	}
}

func TestSessionConfig_Validate(t *testing.T) {
	cfg := DefaultSessionConfig()
	cfg.RenewBefore = cfg.SessionBudget
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected renew_before >= budget to fail")
	}

	cfg = DefaultSessionConfig()
	cfg.ResponseModalities = []Modality{"VIDEO"}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected unknown modality to fail")
	}

	cfg = DefaultSessionConfig()
	cfg.URL = "https://example.com"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected non-websocket url to fail")
	}
}

func TestSessionConfig_ReconnectDelay(t *testing.T) {
	cfg := DefaultSessionConfig()
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}
	for i, w := range want {
		if got := cfg.ReconnectDelay(i + 1); got != w {
			t.Fatalf("ReconnectDelay(%d) = %s, want %s", i+1, got, w)
		}
	}
}
