package main

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/posthog/duckconnect/connect"
	"github.com/posthog/duckconnect/engine"
)

const (
	defaultHost = "0.0.0.0"
	defaultPort = 15002
)

// FileConfig represents the YAML configuration file structure
type FileConfig struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	UnixSocket string `yaml:"unix_socket"`

	MaxInboundMessageSize     int    `yaml:"max_inbound_message_size"`
	MaxBatchSize              int64  `yaml:"max_batch_size"`
	MaxRecordsPerBatch        int    `yaml:"max_records_per_batch"`
	SessionCacheSize          int    `yaml:"session_cache_size"`
	SessionIdleTimeoutSeconds int    `yaml:"session_idle_timeout_seconds"`
	MaxErrorMessageSize       int    `yaml:"max_error_message_size"`
	MaxConcurrentTasks        int    `yaml:"max_concurrent_tasks"`
	BearerToken               string `yaml:"bearer_token"`
	MetricsPort               int    `yaml:"metrics_port"`

	TLS    TLSConfig        `yaml:"tls"`
	DuckDB DuckDBFileConfig `yaml:"duckdb"`
}

type TLSConfig struct {
	Cert       string         `yaml:"cert"`
	Key        string         `yaml:"key"`
	SelfSigned bool           `yaml:"self_signed"`
	ACME       ACMEFileConfig `yaml:"acme"`
}

type ACMEFileConfig struct {
	Domain   string `yaml:"domain"`
	Email    string `yaml:"email"`
	CacheDir string `yaml:"cache_dir"`
}

type DuckDBFileConfig struct {
	Threads     int    `yaml:"threads"`
	MemoryLimit string `yaml:"memory_limit"`
	Timezone    string `yaml:"timezone"`
}

// loadConfigFile loads configuration from a YAML file
func loadConfigFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg FileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return &cfg, nil
}

type configCLIInputs struct {
	Set map[string]bool

	Host                  string
	Port                  int
	UnixSocket            string
	MaxInboundMessageSize int
	MaxBatchSize          int64
	MaxRecordsPerBatch    int
	SessionCacheSize      int
	SessionIdleTimeout    string
	MaxErrorMessageSize   int
	MaxConcurrentTasks    int
	BearerToken           string
	CertFile              string
	KeyFile               string
	SelfSignedTLS         bool
	ACMEDomain            string
	ACMEEmail             string
	ACMECacheDir          string
	MetricsPort           int
	Threads               int
	MemoryLimit           string
	Timezone              string
}

type resolvedConfig struct {
	Service     connect.ServiceConfig
	MetricsPort int
}

// resolveEffectiveConfig layers defaults < file < environment < flags. Values
// that fail to parse are reported through warn and skipped.
func resolveEffectiveConfig(fileCfg *FileConfig, cli configCLIInputs, getenv func(string) string, warn func(string)) resolvedConfig {
	if getenv == nil {
		getenv = func(string) string { return "" }
	}
	if warn == nil {
		warn = func(string) {}
	}
	if cli.Set == nil {
		cli.Set = map[string]bool{}
	}

	host, port, socket := defaultHost, defaultPort, ""
	metricsPort := 0
	cfg := connect.ServiceConfig{
		MaxErrorMessageSize: connect.DefaultMaxErrorMessageSize,
	}

	if fileCfg != nil {
		if fileCfg.Host != "" {
			host = fileCfg.Host
		}
		if fileCfg.Port != 0 {
			port = fileCfg.Port
		}
		if fileCfg.UnixSocket != "" {
			socket = fileCfg.UnixSocket
		}
		if fileCfg.MaxInboundMessageSize > 0 {
			cfg.MaxInboundMessageSize = fileCfg.MaxInboundMessageSize
		}
		if fileCfg.MaxBatchSize > 0 {
			cfg.MaxBatchSize = fileCfg.MaxBatchSize
		}
		if fileCfg.MaxRecordsPerBatch > 0 {
			cfg.MaxRecordsPerBatch = fileCfg.MaxRecordsPerBatch
		}
		if fileCfg.SessionCacheSize > 0 {
			cfg.SessionCacheSize = fileCfg.SessionCacheSize
		}
		if fileCfg.SessionIdleTimeoutSeconds > 0 {
			cfg.SessionIdleTimeout = time.Duration(fileCfg.SessionIdleTimeoutSeconds) * time.Second
		}
		if fileCfg.MaxErrorMessageSize > 0 {
			cfg.MaxErrorMessageSize = fileCfg.MaxErrorMessageSize
		}
		if fileCfg.MaxConcurrentTasks > 0 {
			cfg.MaxConcurrentTasks = fileCfg.MaxConcurrentTasks
		}
		if fileCfg.BearerToken != "" {
			cfg.BearerToken = fileCfg.BearerToken
		}
		if fileCfg.MetricsPort != 0 {
			metricsPort = fileCfg.MetricsPort
		}
		if fileCfg.TLS.Cert != "" {
			cfg.TLSCertFile = fileCfg.TLS.Cert
		}
		if fileCfg.TLS.Key != "" {
			cfg.TLSKeyFile = fileCfg.TLS.Key
		}
		cfg.TLSSelfSigned = fileCfg.TLS.SelfSigned
		if fileCfg.TLS.ACME.Domain != "" {
			cfg.ACMEDomain = fileCfg.TLS.ACME.Domain
		}
		if fileCfg.TLS.ACME.Email != "" {
			cfg.ACMEEmail = fileCfg.TLS.ACME.Email
		}
		if fileCfg.TLS.ACME.CacheDir != "" {
			cfg.ACMECacheDir = fileCfg.TLS.ACME.CacheDir
		}
		if fileCfg.DuckDB.Threads != 0 {
			cfg.DuckDB.Threads = fileCfg.DuckDB.Threads
		}
		if fileCfg.DuckDB.MemoryLimit != "" {
			cfg.DuckDB.MemoryLimit = fileCfg.DuckDB.MemoryLimit
		}
		if fileCfg.DuckDB.Timezone != "" {
			cfg.DuckDB.Timezone = fileCfg.DuckDB.Timezone
		}
	}

	envInt := func(key string, apply func(int)) {
		v := getenv(key)
		if v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			warn("Invalid " + key + ": " + err.Error())
			return
		}
		apply(n)
	}

	if v := getenv("DUCKCONNECT_HOST"); v != "" {
		host = v
	}
	envInt("DUCKCONNECT_PORT", func(n int) { port = n })
	if v := getenv("DUCKCONNECT_UNIX_SOCKET"); v != "" {
		socket = v
	}
	envInt("DUCKCONNECT_MAX_INBOUND_MESSAGE_SIZE", func(n int) { cfg.MaxInboundMessageSize = n })
	envInt("DUCKCONNECT_MAX_BATCH_SIZE", func(n int) { cfg.MaxBatchSize = int64(n) })
	envInt("DUCKCONNECT_MAX_RECORDS_PER_BATCH", func(n int) { cfg.MaxRecordsPerBatch = n })
	envInt("DUCKCONNECT_SESSION_CACHE_SIZE", func(n int) { cfg.SessionCacheSize = n })
	envInt("DUCKCONNECT_SESSION_IDLE_TIMEOUT_SECONDS", func(n int) { cfg.SessionIdleTimeout = time.Duration(n) * time.Second })
	envInt("DUCKCONNECT_MAX_ERROR_MESSAGE_SIZE", func(n int) { cfg.MaxErrorMessageSize = n })
	envInt("DUCKCONNECT_MAX_CONCURRENT_TASKS", func(n int) { cfg.MaxConcurrentTasks = n })
	envInt("DUCKCONNECT_METRICS_PORT", func(n int) { metricsPort = n })
	envInt("DUCKCONNECT_THREADS", func(n int) { cfg.DuckDB.Threads = n })
	if v := getenv("DUCKCONNECT_BEARER_TOKEN"); v != "" {
		cfg.BearerToken = v
	}
	if v := getenv("DUCKCONNECT_CERT"); v != "" {
		cfg.TLSCertFile = v
	}
	if v := getenv("DUCKCONNECT_KEY"); v != "" {
		cfg.TLSKeyFile = v
	}
	if v := getenv("DUCKCONNECT_TLS_SELF_SIGNED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.TLSSelfSigned = b
		} else {
			warn("Invalid DUCKCONNECT_TLS_SELF_SIGNED: " + err.Error())
		}
	}
	if v := getenv("DUCKCONNECT_ACME_DOMAIN"); v != "" {
		cfg.ACMEDomain = v
	}
	if v := getenv("DUCKCONNECT_ACME_EMAIL"); v != "" {
		cfg.ACMEEmail = v
	}
	if v := getenv("DUCKCONNECT_ACME_CACHE_DIR"); v != "" {
		cfg.ACMECacheDir = v
	}
	if v := getenv("DUCKCONNECT_MEMORY_LIMIT"); v != "" {
		cfg.DuckDB.MemoryLimit = v
	}
	if v := getenv("DUCKCONNECT_TIMEZONE"); v != "" {
		cfg.DuckDB.Timezone = v
	}

	if cli.Set["host"] {
		host = cli.Host
	}
	if cli.Set["port"] {
		port = cli.Port
	}
	if cli.Set["unix-socket"] {
		socket = cli.UnixSocket
	}
	if cli.Set["max-inbound-message-size"] {
		cfg.MaxInboundMessageSize = cli.MaxInboundMessageSize
	}
	if cli.Set["max-batch-size"] {
		cfg.MaxBatchSize = cli.MaxBatchSize
	}
	if cli.Set["max-records-per-batch"] {
		cfg.MaxRecordsPerBatch = cli.MaxRecordsPerBatch
	}
	if cli.Set["session-cache-size"] {
		cfg.SessionCacheSize = cli.SessionCacheSize
	}
	if cli.Set["session-idle-timeout"] {
		if d, err := time.ParseDuration(cli.SessionIdleTimeout); err == nil {
			cfg.SessionIdleTimeout = d
		} else {
			warn("Invalid --session-idle-timeout duration: " + err.Error())
		}
	}
	if cli.Set["max-error-message-size"] {
		cfg.MaxErrorMessageSize = cli.MaxErrorMessageSize
	}
	if cli.Set["max-concurrent-tasks"] {
		cfg.MaxConcurrentTasks = cli.MaxConcurrentTasks
	}
	if cli.Set["bearer-token"] {
		cfg.BearerToken = cli.BearerToken
	}
	if cli.Set["cert"] {
		cfg.TLSCertFile = cli.CertFile
	}
	if cli.Set["key"] {
		cfg.TLSKeyFile = cli.KeyFile
	}
	if cli.Set["tls-self-signed"] {
		cfg.TLSSelfSigned = cli.SelfSignedTLS
	}
	if cli.Set["acme-domain"] {
		cfg.ACMEDomain = cli.ACMEDomain
	}
	if cli.Set["acme-email"] {
		cfg.ACMEEmail = cli.ACMEEmail
	}
	if cli.Set["acme-cache-dir"] {
		cfg.ACMECacheDir = cli.ACMECacheDir
	}
	if cli.Set["metrics-port"] {
		metricsPort = cli.MetricsPort
	}
	if cli.Set["threads"] {
		cfg.DuckDB.Threads = cli.Threads
	}
	if cli.Set["memory-limit"] {
		cfg.DuckDB.MemoryLimit = cli.MemoryLimit
	}
	if cli.Set["timezone"] {
		cfg.DuckDB.Timezone = cli.Timezone
	}

	if cfg.DuckDB.MemoryLimit != "" && !engine.ValidateMemoryLimit(cfg.DuckDB.MemoryLimit) {
		warn("Invalid memory_limit format: " + cfg.DuckDB.MemoryLimit + " (expected e.g. '4GB', '512MB')")
		cfg.DuckDB.MemoryLimit = ""
	}
	if cfg.DuckDB.Timezone != "" {
		if _, err := time.LoadLocation(cfg.DuckDB.Timezone); err != nil {
			warn("Invalid timezone: " + cfg.DuckDB.Timezone)
			cfg.DuckDB.Timezone = ""
		}
	}
	if cfg.ACMEDomain != "" && cfg.TLSCertFile != "" {
		warn("Both ACME and a TLS certificate are configured, using ACME")
	}
	if cfg.TLSCertFile != "" && cfg.TLSKeyFile == "" {
		warn("TLS certificate set without a key, TLS disabled")
		cfg.TLSCertFile = ""
	}

	if socket != "" {
		cfg.ListenAddr = "unix://" + socket
	} else {
		cfg.ListenAddr = net.JoinHostPort(host, strconv.Itoa(port))
	}

	return resolvedConfig{
		Service:     cfg,
		MetricsPort: metricsPort,
	}
}
