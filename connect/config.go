package connect

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/posthog/duckconnect/engine"
)

// Defaults for ServiceConfig fields left at zero.
const (
	DefaultListenAddr            = "0.0.0.0:15002"
	DefaultMaxInboundMessageSize = 128 << 20
	DefaultMaxBatchSize          = 4 << 20
	DefaultMaxRecordsPerBatch    = 10_000
)

// ServiceConfig configures the plan execution service.
type ServiceConfig struct {
	// ListenAddr is "unix:///path/to/sock" or a TCP address such as ":15002".
	ListenAddr string

	// MaxInboundMessageSize bounds gRPC messages in both directions.
	MaxInboundMessageSize int
	// MaxBatchSize is the target upper bound of one Arrow batch message.
	MaxBatchSize       int64
	MaxRecordsPerBatch int

	SessionCacheSize   int
	SessionIdleTimeout time.Duration

	MaxErrorMessageSize int
	MaxConcurrentTasks  int

	// BearerToken, when set, is required on every request.
	BearerToken string

	// TLS is enabled when TLSCertFile is set. TLSSelfSigned generates the
	// pair if it does not exist yet.
	TLSCertFile   string
	TLSKeyFile    string
	TLSSelfSigned bool

	// ACMEDomain obtains the certificate from an ACME CA instead of files.
	// Challenges are answered over HTTP on ACMEHTTPAddr (":80" by default).
	ACMEDomain   string
	ACMEEmail    string
	ACMECacheDir string
	ACMEHTTPAddr string

	DuckDB engine.DuckDBConfig
}

func (c ServiceConfig) withDefaults() ServiceConfig {
	if c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}
	if c.MaxInboundMessageSize <= 0 {
		c.MaxInboundMessageSize = DefaultMaxInboundMessageSize
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = DefaultMaxBatchSize
	}
	if c.MaxRecordsPerBatch <= 0 {
		c.MaxRecordsPerBatch = DefaultMaxRecordsPerBatch
	}
	if c.MaxErrorMessageSize <= 0 {
		c.MaxErrorMessageSize = DefaultMaxErrorMessageSize
	}
	return c
}

// ParseListenAddr splits addr into a network and address for net.Listen.
func ParseListenAddr(addr string) (network, listenAddr string, err error) {
	if path, ok := strings.CutPrefix(addr, "unix://"); ok {
		if path == "" {
			return "", "", fmt.Errorf("unix socket path is empty")
		}
		return "unix", path, nil
	}
	if addr == "" {
		return "", "", fmt.Errorf("listen address is empty")
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return "", "", fmt.Errorf("invalid TCP address %q: %w", addr, err)
	}
	return "tcp", addr, nil
}
