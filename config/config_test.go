package config

import (
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name: "zero concurrency",
			mutate: func(cfg *Config) {
				cfg.Concurrency = 0
			},
			wantErr: "concurrency",
		},
		{
			name: "negative limit",
			mutate: func(cfg *Config) {
				cfg.Limit = -1
			},
			wantErr: "limit",
		},
		{
			name: "negative timeout",
			mutate: func(cfg *Config) {
				cfg.Timeout = -1 * time.Second
			},
			wantErr: "timeout",
		},
		{
			name: "backoff above cap",
			mutate: func(cfg *Config) {
				cfg.RetryBackoff = time.Minute
			},
			wantErr: "retry backoff",
		},
		{
			name: "human delay inverted",
			mutate: func(cfg *Config) {
				cfg.HumanDelayMin = 2 * time.Second
				cfg.HumanDelayMax = time.Second
			},
			wantErr: "human delay",
		},
		{
			name: "empty user agents",
			mutate: func(cfg *Config) {
				cfg.UserAgents = nil
			},
			wantErr: "user agent",
		},
		{
			name: "price bounds inverted",
			mutate: func(cfg *Config) {
				cfg.MaxPrice = 50
			},
			wantErr: "max price",
		},
		{
			name: "unknown tie break",
			mutate: func(cfg *Config) {
				cfg.TieBreak = "median"
			},
			wantErr: "tie break",
		},
		{
			name: "empty sink",
			mutate: func(cfg *Config) {
				cfg.Sink = " "
			},
			wantErr: "sink",
		},
		{
			name: "zero batch size",
			mutate: func(cfg *Config) {
				cfg.BatchSize = 0
			},
			wantErr: "batch size",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestDefaultConfigValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate, got %v", err)
	}
	if cfg.MaxRetries != 4 || cfg.RetryBackoff != 500*time.Millisecond || cfg.RetryBackoffMax != 20*time.Second {
		t.Fatalf("unexpected backoff defaults: retries=%d base=%s max=%s", cfg.MaxRetries, cfg.RetryBackoff, cfg.RetryBackoffMax)
	}
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("SCRAPER_TEST_INT", "12")
	t.Setenv("SCRAPER_TEST_BAD_INT", "twelve")
	t.Setenv("SCRAPER_TEST_DURATION", "750ms")
	t.Setenv("SCRAPER_TEST_BOOL", "true")
	t.Setenv("SCRAPER_TEST_LIST", " jumbo, ,santa-isabel ")
	t.Setenv("SCRAPER_TEST_BLANK", "   ")

	if v, ok, err := EnvInt("SCRAPER_TEST_INT"); err != nil || !ok || v != 12 {
		t.Fatalf("EnvInt = %d, %v, %v", v, ok, err)
	}
	if _, _, err := EnvInt("SCRAPER_TEST_BAD_INT"); err == nil {
		t.Fatalf("expected parse error for bad int")
	}
	if _, ok, err := EnvInt("SCRAPER_TEST_UNSET"); ok || err != nil {
		t.Fatalf("unset variable should report ok=false without error")
	}
	if v, ok, err := EnvDuration("SCRAPER_TEST_DURATION"); err != nil || !ok || v != 750*time.Millisecond {
		t.Fatalf("EnvDuration = %s, %v, %v", v, ok, err)
	}
	if v, ok, err := EnvBool("SCRAPER_TEST_BOOL"); err != nil || !ok || !v {
		t.Fatalf("EnvBool = %v, %v, %v", v, ok, err)
	}
	if v, ok := EnvList("SCRAPER_TEST_LIST"); !ok || !reflect.DeepEqual(v, []string{"jumbo", "santa-isabel"}) {
		t.Fatalf("EnvList = %v, %v", v, ok)
	}
	if _, ok := EnvString("SCRAPER_TEST_BLANK"); ok {
		t.Fatalf("blank variable should be treated as unset")
	}
}
