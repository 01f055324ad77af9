package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
listen: " :6000 "
tls:
  allow_insecure: true
ledger:
  fixture: " testdata/ledger.json "
  call_timeout: 750ms
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.ListenAddress != ":6000" {
		t.Fatalf("unexpected listen address: %q", cfg.ListenAddress)
	}
	if cfg.Ledger.Fixture != "testdata/ledger.json" {
		t.Fatalf("expected trimmed fixture path, got %q", cfg.Ledger.Fixture)
	}
	if cfg.Ledger.CallTimeout != 750*time.Millisecond {
		t.Fatalf("expected call timeout 750ms, got %s", cfg.Ledger.CallTimeout)
	}
	if cfg.Ledger.MaxAttempts != 3 || cfg.Ledger.MinBackoff != 100*time.Millisecond {
		t.Fatalf("expected retry defaults, got %+v", cfg.Ledger)
	}
	if cfg.Reconcile.Concurrency != defaultConcurrency {
		t.Fatalf("expected default concurrency, got %d", cfg.Reconcile.Concurrency)
	}
	if cfg.Logging.Level != "info" {
		t.Fatalf("expected default log level, got %q", cfg.Logging.Level)
	}
	if cfg.RateLimit.Enabled() {
		t.Fatalf("expected rate limiting disabled by default")
	}
}

func TestLoadConfigTOML(t *testing.T) {
	path := writeConfig(t, "config.toml", `
listen = ":7000"

[tls]
allow_insecure = true

[ledger]
rpc_url = "http://127.0.0.1:8545"
contract = "0x00000000000000000000000000000000000b00c0"
max_backoff = "3s"

[reconcile]
concurrency = 4
borrower_index = true

[ratelimit]
requests_per_minute = 60
redis_addr = "127.0.0.1:6379"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.ListenAddress != ":7000" || cfg.Reconcile.Concurrency != 4 || !cfg.Reconcile.BorrowerIndex {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.Ledger.MaxBackoff != 3*time.Second {
		t.Fatalf("expected max backoff 3s, got %s", cfg.Ledger.MaxBackoff)
	}
	if cfg.Ledger.ContractAddress().Hex() != "0x00000000000000000000000000000000000b00c0" {
		t.Fatalf("unexpected contract: %s", cfg.Ledger.ContractAddress().Hex())
	}
	if cfg.RateLimit.Burst != 1 || cfg.RateLimit.Window != time.Minute {
		t.Fatalf("expected rate limit defaults, got %+v", cfg.RateLimit)
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
ledger:
  fixture: ledger.json
`)
	t.Setenv("REQUESTBOOK_ALLOW_INSECURE", "true")
	t.Setenv("REQUESTBOOK_LISTEN", ":9999")
	t.Setenv("REQUESTBOOK_CONCURRENCY", "16")
	t.Setenv("REQUESTBOOK_LOG_LEVEL", "DEBUG")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.ListenAddress != ":9999" || cfg.Reconcile.Concurrency != 16 || cfg.Logging.Level != "debug" {
		t.Fatalf("expected env overrides to apply, got %+v", cfg)
	}
}

func TestLoadConfigRejectsBadEnv(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
tls:
  allow_insecure: true
ledger:
  fixture: ledger.json
`)
	t.Setenv("REQUESTBOOK_CONCURRENCY", "many")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for non-numeric concurrency")
	}
}

func TestLoadConfigValidation(t *testing.T) {
	cases := map[string]string{
		"no ledger": `
tls: {allow_insecure: true}
`,
		"both ledgers": `
tls: {allow_insecure: true}
ledger: {fixture: a.json, rpc_url: "http://x", contract: "0x00000000000000000000000000000000000b00c0"}
`,
		"bad contract": `
tls: {allow_insecure: true}
ledger: {rpc_url: "http://x", contract: "nope"}
`,
		"zero contract": `
tls: {allow_insecure: true}
ledger: {rpc_url: "http://x", contract: "0x0000000000000000000000000000000000000000"}
`,
		"tls key missing": `
tls: {cert: server.crt}
ledger: {fixture: a.json}
`,
		"tls required": `
ledger: {fixture: a.json}
`,
		"backoff order": `
tls: {allow_insecure: true}
ledger: {fixture: a.json, min_backoff: 2s, max_backoff: 1s}
`,
		"redis without rate": `
tls: {allow_insecure: true}
ledger: {fixture: a.json}
ratelimit: {redis_addr: "127.0.0.1:6379"}
`,
		"bad proxy": `
tls: {allow_insecure: true}
ledger: {fixture: a.json}
ratelimit: {requests_per_minute: 60, trusted_proxies: ["10.0.0.0/33"]}
`,
		"log level": `
tls: {allow_insecure: true}
ledger: {fixture: a.json}
logging: {level: loud}
`,
	}
	for name, contents := range cases {
		path := writeConfig(t, "config.yaml", contents)
		if _, err := Load(path); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestRateLimitProxyPrefixes(t *testing.T) {
	cfg := RateLimitConfig{TrustedProxies: []string{" 10.0.0.0/8 ", "192.0.2.1", "::ffff:198.51.100.4"}}
	prefixes, err := cfg.ProxyPrefixes()
	if err != nil {
		t.Fatalf("parse proxies: %v", err)
	}
	want := []string{"10.0.0.0/8", "192.0.2.1/32", "198.51.100.4/32"}
	if len(prefixes) != len(want) {
		t.Fatalf("expected %d prefixes, got %v", len(want), prefixes)
	}
	for i, prefix := range prefixes {
		if prefix.String() != want[i] {
			t.Fatalf("prefix %d: expected %s, got %s", i, want[i], prefix)
		}
	}
	if _, err := (RateLimitConfig{TrustedProxies: []string{"proxy.internal"}}).ProxyPrefixes(); err == nil {
		t.Fatal("expected error for hostname proxy")
	}
}

func TestLoadConfigRequiresPath(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for empty path")
	}
}
