// Package config parses gateway settings from KEYSWAP_* environment
// variables and command-line flags.
package config

import (
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/koltyakov/keyswap/internal/netutil"
)

type ServerConfig struct {
	Listen         string
	ListenHTTPS    string
	TLSDomain      string
	CertCacheDir   string
	TLSCertFile    string
	TLSKeyFile     string
	HTTP3          bool
	DBPath         string
	DBMaxOpenConns int
	DBMaxIdleConns int
	Upstream       string
	AdminToken     string
	LogLevel       string
	PprofListen    string

	BalanceThreshold     float64
	BalanceCheckInterval time.Duration
	RetryDelay           time.Duration
	RequestTimeout       time.Duration
	ProbeTimeout         time.Duration
	MaxBodyBytes         int64
	RateLimit            float64
	RateBurst            int
	ReactivateOnReset    bool
	LogRetention         time.Duration
	CleanupInterval      time.Duration

	XrayBinary     string
	XrayConfigPath string
	TunnelURLs     []string
	TunnelsFile    string
}

const defaultListen = ":8080"
const defaultListenHTTPS = ":8443"
const defaultDBPath = "./keyswap.db"
const defaultCertCacheDir = "./cert"
const defaultUpstream = "https://gen.pollinations.ai"
const defaultBalanceThreshold = 0.1
const defaultBalanceCheckInterval = 10 * time.Second
const defaultRetryDelay = 30 * time.Second
const defaultRequestTimeout = 180 * time.Second
const defaultProbeTimeout = 15 * time.Second
const defaultMaxBodyBytes = 32 << 20
const defaultLogRetention = 30 * 24 * time.Hour
const defaultCleanupInterval = time.Hour
const defaultXrayBinary = "/usr/local/bin/xray"
const defaultXrayConfigPath = "/tmp/xray_config.json"

// ParseServerFlags builds the server configuration from the environment and
// then applies flag overrides from args.
func ParseServerFlags(args []string) (ServerConfig, error) {
	cfg := ServerConfig{
		Listen:               envOrDefault("KEYSWAP_LISTEN", defaultListen),
		ListenHTTPS:          envOrDefault("KEYSWAP_LISTEN_HTTPS", defaultListenHTTPS),
		TLSDomain:            envOrDefault("KEYSWAP_TLS_DOMAIN", ""),
		CertCacheDir:         envOrDefault("KEYSWAP_CERT_CACHE_DIR", defaultCertCacheDir),
		TLSCertFile:          envOrDefault("KEYSWAP_TLS_CERT_FILE", ""),
		TLSKeyFile:           envOrDefault("KEYSWAP_TLS_KEY_FILE", ""),
		HTTP3:                envBoolOrDefault("KEYSWAP_HTTP3", false),
		DBPath:               envOrDefault("KEYSWAP_DB_PATH", defaultDBPath),
		DBMaxOpenConns:       envIntOrDefault("KEYSWAP_DB_MAX_OPEN_CONNS", 10),
		DBMaxIdleConns:       envIntOrDefault("KEYSWAP_DB_MAX_IDLE_CONNS", 10),
		Upstream:             envOrDefault("KEYSWAP_UPSTREAM", defaultUpstream),
		AdminToken:           envOrDefault("KEYSWAP_ADMIN_TOKEN", ""),
		LogLevel:             envOrDefault("KEYSWAP_LOG_LEVEL", "info"),
		PprofListen:          envOrDefault("KEYSWAP_PPROF_LISTEN", ""),
		BalanceThreshold:     envFloatOrDefault("KEYSWAP_BALANCE_THRESHOLD", defaultBalanceThreshold),
		BalanceCheckInterval: envDurationOrDefault("KEYSWAP_BALANCE_CHECK_INTERVAL", defaultBalanceCheckInterval),
		RetryDelay:           envDurationOrDefault("KEYSWAP_RETRY_DELAY", defaultRetryDelay),
		RequestTimeout:       envDurationOrDefault("KEYSWAP_REQUEST_TIMEOUT", defaultRequestTimeout),
		ProbeTimeout:         envDurationOrDefault("KEYSWAP_PROBE_TIMEOUT", defaultProbeTimeout),
		MaxBodyBytes:         int64(envIntOrDefault("KEYSWAP_MAX_BODY_BYTES", defaultMaxBodyBytes)),
		RateLimit:            envFloatOrDefault("KEYSWAP_RATE_LIMIT", 0),
		RateBurst:            envIntOrDefault("KEYSWAP_RATE_BURST", 0),
		ReactivateOnReset:    envBoolOrDefault("KEYSWAP_REACTIVATE_ON_RESET", true),
		LogRetention:         envDurationOrDefault("KEYSWAP_LOG_RETENTION", defaultLogRetention),
		CleanupInterval:      defaultCleanupInterval,
		XrayBinary:           envOrDefault("KEYSWAP_XRAY_BINARY", defaultXrayBinary),
		XrayConfigPath:       envOrDefault("KEYSWAP_XRAY_CONFIG", defaultXrayConfigPath),
		TunnelURLs:           splitList(os.Getenv("KEYSWAP_TUNNELS")),
		TunnelsFile:          envOrDefault("KEYSWAP_TUNNELS_FILE", ""),
	}

	tunnels := strings.Join(cfg.TunnelURLs, ",")
	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	fs.StringVar(&cfg.Listen, "listen", cfg.Listen, "HTTP listen address")
	fs.StringVar(&cfg.ListenHTTPS, "listen-https", cfg.ListenHTTPS, "HTTPS listen address (used with --tls-domain)")
	fs.StringVar(&cfg.TLSDomain, "tls-domain", cfg.TLSDomain, "Public domain for HTTPS; enables the TLS listener")
	fs.StringVar(&cfg.CertCacheDir, "cert-cache-dir", cfg.CertCacheDir, "ACME certificate cache dir")
	fs.StringVar(&cfg.TLSCertFile, "tls-cert-file", cfg.TLSCertFile, "Static TLS cert PEM file (optional, disables ACME)")
	fs.StringVar(&cfg.TLSKeyFile, "tls-key-file", cfg.TLSKeyFile, "Static TLS key PEM file (optional, disables ACME)")
	fs.BoolVar(&cfg.HTTP3, "http3", cfg.HTTP3, "Serve HTTP/3 on the HTTPS port")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path")
	fs.IntVar(&cfg.DBMaxOpenConns, "db-max-open-conns", cfg.DBMaxOpenConns, "SQLite max open connections")
	fs.IntVar(&cfg.DBMaxIdleConns, "db-max-idle-conns", cfg.DBMaxIdleConns, "SQLite max idle connections")
	fs.StringVar(&cfg.Upstream, "upstream", cfg.Upstream, "Upstream API base URL")
	fs.StringVar(&cfg.AdminToken, "admin-token", cfg.AdminToken, "Bearer token for the /_admin/ API (empty disables it)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug|info|warn|error")
	fs.StringVar(&cfg.PprofListen, "pprof-listen", cfg.PprofListen, "pprof listen address (empty disables it)")
	fs.Float64Var(&cfg.BalanceThreshold, "balance-threshold", cfg.BalanceThreshold, "Minimum balance for a credential to be selected")
	fs.DurationVar(&cfg.BalanceCheckInterval, "balance-check-interval", cfg.BalanceCheckInterval, "Interval between balance checks")
	fs.DurationVar(&cfg.RetryDelay, "retry-delay", cfg.RetryDelay, "Delay after a failed balance check cycle")
	fs.DurationVar(&cfg.RequestTimeout, "request-timeout", cfg.RequestTimeout, "Upstream timeout per proxied request")
	fs.Int64Var(&cfg.MaxBodyBytes, "max-body-bytes", cfg.MaxBodyBytes, "Maximum accepted request body size")
	fs.Float64Var(&cfg.RateLimit, "rate-limit", cfg.RateLimit, "Requests per second per service token (0 disables)")
	fs.IntVar(&cfg.RateBurst, "rate-burst", cfg.RateBurst, "Rate limit burst per service token")
	fs.BoolVar(&cfg.ReactivateOnReset, "reactivate-on-reset", cfg.ReactivateOnReset, "Reactivate exhausted credentials after their quota reset time")
	fs.StringVar(&cfg.XrayBinary, "xray-binary", cfg.XrayBinary, "xray executable path")
	fs.StringVar(&cfg.XrayConfigPath, "xray-config", cfg.XrayConfigPath, "Generated xray config path")
	fs.StringVar(&tunnels, "tunnels", tunnels, "Comma-separated vless:// links seeded at startup")
	fs.StringVar(&cfg.TunnelsFile, "tunnels-file", cfg.TunnelsFile, "YAML file with vless:// links seeded at startup")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	cfg.TunnelURLs = splitList(tunnels)

	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (cfg *ServerConfig) validate() error {
	cfg.Upstream = strings.TrimRight(strings.TrimSpace(cfg.Upstream), "/")
	u, err := url.Parse(cfg.Upstream)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.New("upstream must be an absolute http(s) URL")
	}
	cfg.TLSDomain = normalizeDomainHost(cfg.TLSDomain)
	if (cfg.TLSCertFile == "") != (cfg.TLSKeyFile == "") {
		return errors.New("tls cert and key files must be set together")
	}
	if cfg.HTTP3 && cfg.TLSDomain == "" {
		return errors.New("http3 requires --tls-domain")
	}
	if cfg.DBMaxOpenConns <= 0 {
		return errors.New("db max open conns must be > 0")
	}
	if cfg.DBMaxIdleConns <= 0 {
		return errors.New("db max idle conns must be > 0")
	}
	if cfg.DBMaxIdleConns > cfg.DBMaxOpenConns {
		return errors.New("db max idle conns cannot exceed max open conns")
	}
	if cfg.BalanceThreshold < 0 {
		return errors.New("balance threshold must be >= 0")
	}
	if cfg.BalanceCheckInterval <= 0 {
		return errors.New("balance check interval must be > 0")
	}
	if cfg.RetryDelay <= 0 {
		return errors.New("retry delay must be > 0")
	}
	if cfg.RequestTimeout <= 0 {
		return errors.New("request timeout must be > 0")
	}
	if cfg.ProbeTimeout <= 0 {
		return errors.New("probe timeout must be > 0")
	}
	if cfg.MaxBodyBytes <= 0 {
		return errors.New("max body bytes must be > 0")
	}
	if cfg.RateLimit > 0 && cfg.RateBurst <= 0 {
		cfg.RateBurst = max(1, int(cfg.RateLimit))
	}
	return nil
}

// BootstrapTunnels returns the tunnel links configured through the
// environment, flags, and the tunnels file, in that order, without duplicates.
func (cfg ServerConfig) BootstrapTunnels() ([]string, error) {
	out := make([]string, 0, len(cfg.TunnelURLs))
	seen := make(map[string]struct{}, len(cfg.TunnelURLs))
	add := func(u string) {
		if _, ok := seen[u]; ok {
			return
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	for _, u := range cfg.TunnelURLs {
		add(u)
	}
	if cfg.TunnelsFile == "" {
		return out, nil
	}
	fromFile, err := LoadTunnelsFile(cfg.TunnelsFile)
	if err != nil {
		return nil, err
	}
	for _, u := range fromFile {
		add(u)
	}
	return out, nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envFloatOrDefault(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func envBoolOrDefault(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// envDurationOrDefault accepts Go durations ("10s") or bare seconds ("10").
func envDurationOrDefault(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func normalizeDomainHost(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	v = strings.TrimPrefix(v, "https://")
	v = strings.TrimPrefix(v, "http://")
	if idx := strings.Index(v, "/"); idx >= 0 {
		v = v[:idx]
	}
	return netutil.NormalizeHost(v)
}

// Summary renders the effective settings for the startup log without secrets.
func (cfg ServerConfig) Summary() []any {
	return []any{
		"listen", cfg.Listen,
		"tls_domain", cfg.TLSDomain,
		"http3", cfg.HTTP3,
		"db", cfg.DBPath,
		"upstream", cfg.Upstream,
		"admin_api", cfg.AdminToken != "",
		"balance_threshold", cfg.BalanceThreshold,
		"balance_check_interval", cfg.BalanceCheckInterval.String(),
		"rate_limit", fmt.Sprintf("%g/s burst %d", cfg.RateLimit, cfg.RateBurst),
	}
}
