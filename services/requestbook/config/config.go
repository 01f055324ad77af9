package config

import (
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

const (
	defaultListen      = ":8080"
	defaultConcurrency = 8
	envPrefix          = "REQUESTBOOK_"
)

// Config captures the runtime settings for the request book daemon.
type Config struct {
	ListenAddress string          `yaml:"listen" toml:"listen"`
	Environment   string          `yaml:"env" toml:"env"`
	TLS           TLSConfig       `yaml:"tls" toml:"tls"`
	Ledger        LedgerConfig    `yaml:"ledger" toml:"ledger"`
	Reconcile     ReconcileConfig `yaml:"reconcile" toml:"reconcile"`
	RateLimit     RateLimitConfig `yaml:"ratelimit" toml:"ratelimit"`
	Logging       LoggingConfig   `yaml:"logging" toml:"logging"`
	Telemetry     TelemetryConfig `yaml:"telemetry" toml:"telemetry"`
}

// TLSConfig describes the TLS material for the HTTP server.
type TLSConfig struct {
	CertPath      string `yaml:"cert" toml:"cert"`
	KeyPath       string `yaml:"key" toml:"key"`
	AllowInsecure bool   `yaml:"allow_insecure" toml:"allow_insecure"`
}

// LedgerConfig selects the ledger backend and its read guards. Exactly one of
// RPCURL and Fixture must be set.
type LedgerConfig struct {
	RPCURL         string        `yaml:"rpc_url" toml:"rpc_url"`
	Contract       string        `yaml:"contract" toml:"contract"`
	Fixture        string        `yaml:"fixture" toml:"fixture"`
	CallTimeout    time.Duration `yaml:"call_timeout" toml:"call_timeout"`
	MaxAttempts    int           `yaml:"max_attempts" toml:"max_attempts"`
	MinBackoff     time.Duration `yaml:"min_backoff" toml:"min_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff" toml:"max_backoff"`
	ReadsPerSecond float64       `yaml:"reads_per_second" toml:"reads_per_second"`
	ReadBurst      int           `yaml:"read_burst" toml:"read_burst"`
}

// ReconcileConfig tunes reconciliation passes.
type ReconcileConfig struct {
	Concurrency      int  `yaml:"concurrency" toml:"concurrency"`
	BorrowerIndex    bool `yaml:"borrower_index" toml:"borrower_index"`
	DisableSnapshots bool `yaml:"disable_snapshots" toml:"disable_snapshots"`
}

// RateLimitConfig throttles API clients. A Redis address switches from the
// in-process limiter to a shared fixed window.
type RateLimitConfig struct {
	RequestsPerMinute float64       `yaml:"requests_per_minute" toml:"requests_per_minute"`
	Burst             int           `yaml:"burst" toml:"burst"`
	RedisAddr         string        `yaml:"redis_addr" toml:"redis_addr"`
	RedisPassword     string        `yaml:"redis_password" toml:"redis_password"`
	RedisDB           int           `yaml:"redis_db" toml:"redis_db"`
	Window            time.Duration `yaml:"window" toml:"window"`
	// TrustedProxies are addresses or CIDRs allowed to name the client via
	// X-Forwarded-For or X-Real-IP.
	TrustedProxies []string `yaml:"trusted_proxies" toml:"trusted_proxies"`
}

// LoggingConfig controls the structured logger. An empty File logs to stdout.
type LoggingConfig struct {
	Level      string `yaml:"level" toml:"level"`
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
}

// TelemetryConfig wires the OTLP exporters.
type TelemetryConfig struct {
	Endpoint string `yaml:"endpoint" toml:"endpoint"`
	Insecure bool   `yaml:"insecure" toml:"insecure"`
	Headers  string `yaml:"headers" toml:"headers"`
	Traces   bool   `yaml:"traces" toml:"traces"`
	Metrics  bool   `yaml:"metrics" toml:"metrics"`
}

// Load reads the configuration from disk, applies REQUESTBOOK_* environment
// overrides and validates the result. Files ending in .toml are decoded as
// TOML, everything else as YAML.
func Load(path string) (Config, error) {
	cfg := Config{ListenAddress: defaultListen}
	if path == "" {
		return cfg, fmt.Errorf("config path required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), &cfg); err != nil {
			return Config{}, fmt.Errorf("decode config: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("decode config: %w", err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}

	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) applyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"LISTEN":         &cfg.ListenAddress,
		"ENV":            &cfg.Environment,
		"RPC_URL":        &cfg.Ledger.RPCURL,
		"CONTRACT":       &cfg.Ledger.Contract,
		"FIXTURE":        &cfg.Ledger.Fixture,
		"REDIS_ADDR":     &cfg.RateLimit.RedisAddr,
		"REDIS_PASSWORD": &cfg.RateLimit.RedisPassword,
		"LOG_LEVEL":      &cfg.Logging.Level,
		"LOG_FILE":       &cfg.Logging.File,
		"OTLP_ENDPOINT":  &cfg.Telemetry.Endpoint,
	}
	for key, target := range strs {
		if value, ok := lookup(envPrefix + key); ok {
			*target = value
		}
	}
	if value, ok := lookup(envPrefix + "CONCURRENCY"); ok {
		parsed, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return fmt.Errorf("%sCONCURRENCY: %w", envPrefix, err)
		}
		cfg.Reconcile.Concurrency = parsed
	}
	if value, ok := lookup(envPrefix + "ALLOW_INSECURE"); ok {
		parsed, err := strconv.ParseBool(strings.TrimSpace(value))
		if err != nil {
			return fmt.Errorf("%sALLOW_INSECURE: %w", envPrefix, err)
		}
		cfg.TLS.AllowInsecure = parsed
	}
	return nil
}

func (cfg *Config) normalize() {
	if cfg == nil {
		return
	}
	cfg.ListenAddress = strings.TrimSpace(cfg.ListenAddress)
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = defaultListen
	}
	cfg.Environment = strings.TrimSpace(cfg.Environment)
	cfg.TLS.normalize()
	cfg.Ledger.normalize()
	cfg.Reconcile.normalize()
	cfg.RateLimit.normalize()
	cfg.Logging.normalize()
	cfg.Telemetry.Endpoint = strings.TrimSpace(cfg.Telemetry.Endpoint)
}

func (cfg *Config) validate() error {
	if cfg == nil {
		return fmt.Errorf("configuration is missing")
	}
	if err := cfg.TLS.validate(); err != nil {
		return fmt.Errorf("tls: %w", err)
	}
	if err := cfg.Ledger.validate(); err != nil {
		return fmt.Errorf("ledger: %w", err)
	}
	if err := cfg.RateLimit.validate(); err != nil {
		return fmt.Errorf("ratelimit: %w", err)
	}
	if err := cfg.Logging.validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	return nil
}

func (cfg *TLSConfig) normalize() {
	cfg.CertPath = strings.TrimSpace(cfg.CertPath)
	cfg.KeyPath = strings.TrimSpace(cfg.KeyPath)
}

func (cfg TLSConfig) validate() error {
	hasCert := cfg.CertPath != ""
	hasKey := cfg.KeyPath != ""
	if hasCert != hasKey {
		return fmt.Errorf("cert and key must either both be provided or both be empty")
	}
	if !cfg.AllowInsecure && !hasCert {
		return fmt.Errorf("cert and key are required unless allow_insecure=true")
	}
	return nil
}

// Enabled reports whether the server should terminate TLS itself.
func (cfg TLSConfig) Enabled() bool {
	return cfg.CertPath != "" && cfg.KeyPath != ""
}

func (cfg *LedgerConfig) normalize() {
	cfg.RPCURL = strings.TrimSpace(cfg.RPCURL)
	cfg.Contract = strings.TrimSpace(cfg.Contract)
	cfg.Fixture = strings.TrimSpace(cfg.Fixture)
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 5 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = 100 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 2 * time.Second
	}
	if cfg.ReadsPerSecond < 0 {
		cfg.ReadsPerSecond = 0
	}
}

func (cfg LedgerConfig) validate() error {
	hasRPC := cfg.RPCURL != ""
	hasFixture := cfg.Fixture != ""
	if hasRPC == hasFixture {
		return fmt.Errorf("exactly one of rpc_url and fixture must be set")
	}
	if hasRPC {
		if !common.IsHexAddress(cfg.Contract) {
			return fmt.Errorf("contract must be a hex address when rpc_url is set")
		}
		if common.HexToAddress(cfg.Contract) == (common.Address{}) {
			return fmt.Errorf("contract must not be the zero address")
		}
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		return fmt.Errorf("max_backoff must not be below min_backoff")
	}
	return nil
}

// ContractAddress returns the parsed contract address.
func (cfg LedgerConfig) ContractAddress() common.Address {
	return common.HexToAddress(cfg.Contract)
}

func (cfg *ReconcileConfig) normalize() {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
}

func (cfg *RateLimitConfig) normalize() {
	cfg.RedisAddr = strings.TrimSpace(cfg.RedisAddr)
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.RequestsPerMinute > 0 && cfg.Burst <= 0 {
		cfg.Burst = 1
	}
}

func (cfg RateLimitConfig) validate() error {
	if cfg.RequestsPerMinute < 0 {
		return fmt.Errorf("requests_per_minute must not be negative")
	}
	if cfg.RedisAddr != "" && cfg.RequestsPerMinute == 0 {
		return fmt.Errorf("redis_addr requires requests_per_minute")
	}
	if cfg.RedisDB < 0 {
		return fmt.Errorf("redis_db must not be negative")
	}
	if _, err := cfg.ProxyPrefixes(); err != nil {
		return err
	}
	return nil
}

// ProxyPrefixes parses TrustedProxies. A bare address is a single host prefix.
func (cfg RateLimitConfig) ProxyPrefixes() ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(cfg.TrustedProxies))
	for _, raw := range cfg.TrustedProxies {
		raw = strings.TrimSpace(raw)
		if strings.Contains(raw, "/") {
			prefix, err := netip.ParsePrefix(raw)
			if err != nil {
				return nil, fmt.Errorf("trusted_proxies: %w", err)
			}
			prefixes = append(prefixes, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("trusted_proxies: %w", err)
		}
		addr = addr.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, nil
}

// Enabled reports whether API rate limiting is configured.
func (cfg RateLimitConfig) Enabled() bool {
	return cfg.RequestsPerMinute > 0
}

func (cfg *LoggingConfig) normalize() {
	cfg.Level = strings.ToLower(strings.TrimSpace(cfg.Level))
	if cfg.Level == "" {
		cfg.Level = "info"
	}
	cfg.File = strings.TrimSpace(cfg.File)
}

func (cfg LoggingConfig) validate() error {
	switch cfg.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown level %q", cfg.Level)
	}
	if cfg.MaxSizeMB < 0 || cfg.MaxBackups < 0 || cfg.MaxAgeDays < 0 {
		return fmt.Errorf("rotation limits must not be negative")
	}
	return nil
}
