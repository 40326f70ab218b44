package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "secret")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if cfg.TokenTTL != 120*time.Second || cfg.UnusedTTL != 90*time.Second {
		t.Fatalf("unexpected pairing ttls: %s / %s", cfg.TokenTTL, cfg.UnusedTTL)
	}
	if cfg.SweepInterval != 5*time.Second {
		t.Fatalf("unexpected sweep interval: %s", cfg.SweepInterval)
	}
	if !cfg.KioskDisplaysResults() {
		t.Fatalf("expected kiosk flow variant by default")
	}
	if len(cfg.AllowedOrigins) != 1 || cfg.AllowedOrigins[0] != "*" {
		t.Fatalf("unexpected allowed origins: %v", cfg.AllowedOrigins)
	}
}

func TestLoadValidationFailures(t *testing.T) {
	testCases := []struct {
		name      string
		overrides map[string]any
		wantError string
	}{
		{
			name:      "missing-secret",
			overrides: map[string]any{"auth.signing_secret": ""},
			wantError: "auth.signing_secret",
		},
		{
			name:      "unknown-variant",
			overrides: map[string]any{"flow.variant": "billboard"},
			wantError: "flow.variant",
		},
		{
			name:      "unused-not-shorter",
			overrides: map[string]any{"pairing.unused_ttl": 120 * time.Second},
			wantError: "pairing.unused_ttl",
		},
		{
			name:      "relative-device-url",
			overrides: map[string]any{"device.base_url": "/pair"},
			wantError: "device.base_url",
		},
		{
			name:      "sweep-too-fast",
			overrides: map[string]any{"pairing.sweep_interval": time.Millisecond},
			wantError: "pairing.sweep_interval",
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			configViper := NewViper()
			configViper.Set("auth.signing_secret", "secret")
			for key, value := range testCase.overrides {
				configViper.Set(key, value)
			}
			_, err := Load(configViper)
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if !strings.Contains(err.Error(), testCase.wantError) {
				t.Fatalf("expected error mentioning %s, got %v", testCase.wantError, err)
			}
		})
	}
}

func TestLoadSplitsAllowedOrigins(t *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "secret")
	configViper.Set("http.allowed_origins", "https://kiosk.example.com, https://m.example.com ,")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://m.example.com" {
		t.Fatalf("unexpected origins: %v", cfg.AllowedOrigins)
	}
}
