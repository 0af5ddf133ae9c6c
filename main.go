package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/posthog/duckconnect/connect"
)

func env(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func main() {
	configFile := flag.String("config", env("DUCKCONNECT_CONFIG", ""), "Path to YAML config file (env: DUCKCONNECT_CONFIG)")

	var cli configCLIInputs
	flag.StringVar(&cli.Host, "host", "", "Host to bind to (env: DUCKCONNECT_HOST)")
	flag.IntVar(&cli.Port, "port", 0, "Port to listen on (env: DUCKCONNECT_PORT)")
	flag.StringVar(&cli.UnixSocket, "unix-socket", "", "Listen on a unix socket instead of TCP (env: DUCKCONNECT_UNIX_SOCKET)")
	flag.IntVar(&cli.MaxInboundMessageSize, "max-inbound-message-size", 0, "Largest gRPC message in bytes (env: DUCKCONNECT_MAX_INBOUND_MESSAGE_SIZE)")
	flag.Int64Var(&cli.MaxBatchSize, "max-batch-size", 0, "Target upper bound of one Arrow batch in bytes (env: DUCKCONNECT_MAX_BATCH_SIZE)")
	flag.IntVar(&cli.MaxRecordsPerBatch, "max-records-per-batch", 0, "Rows per Arrow batch (env: DUCKCONNECT_MAX_RECORDS_PER_BATCH)")
	flag.IntVar(&cli.SessionCacheSize, "session-cache-size", 0, "Execution contexts kept alive (env: DUCKCONNECT_SESSION_CACHE_SIZE)")
	flag.StringVar(&cli.SessionIdleTimeout, "session-idle-timeout", "", "Idle time before a context is dropped, e.g. '1h' (env: DUCKCONNECT_SESSION_IDLE_TIMEOUT_SECONDS)")
	flag.IntVar(&cli.MaxErrorMessageSize, "max-error-message-size", 0, "Characters of an error message sent to clients (env: DUCKCONNECT_MAX_ERROR_MESSAGE_SIZE)")
	flag.IntVar(&cli.MaxConcurrentTasks, "max-concurrent-tasks", 0, "Partition tasks running at once, 0 for NumCPU (env: DUCKCONNECT_MAX_CONCURRENT_TASKS)")
	flag.StringVar(&cli.BearerToken, "bearer-token", "", "Require this bearer token (env: DUCKCONNECT_BEARER_TOKEN)")
	flag.StringVar(&cli.CertFile, "cert", "", "TLS certificate file (env: DUCKCONNECT_CERT)")
	flag.StringVar(&cli.KeyFile, "key", "", "TLS private key file (env: DUCKCONNECT_KEY)")
	flag.BoolVar(&cli.SelfSignedTLS, "tls-self-signed", false, "Generate a self-signed certificate if missing (env: DUCKCONNECT_TLS_SELF_SIGNED)")
	flag.StringVar(&cli.ACMEDomain, "acme-domain", "", "Obtain the TLS certificate for this domain via ACME (env: DUCKCONNECT_ACME_DOMAIN)")
	flag.StringVar(&cli.ACMEEmail, "acme-email", "", "Contact email for the ACME account (env: DUCKCONNECT_ACME_EMAIL)")
	flag.StringVar(&cli.ACMECacheDir, "acme-cache-dir", "", "Directory caching ACME certificates (env: DUCKCONNECT_ACME_CACHE_DIR)")
	flag.IntVar(&cli.MetricsPort, "metrics-port", 0, "Serve Prometheus metrics on this port (env: DUCKCONNECT_METRICS_PORT)")
	flag.IntVar(&cli.Threads, "threads", 0, "DuckDB threads per context (env: DUCKCONNECT_THREADS)")
	flag.StringVar(&cli.MemoryLimit, "memory-limit", "", "DuckDB memory limit per context, e.g. '4GB' (env: DUCKCONNECT_MEMORY_LIMIT)")
	flag.StringVar(&cli.Timezone, "timezone", "", "Default session timezone (env: DUCKCONNECT_TIMEZONE)")
	showHelp := flag.Bool("help", false, "Show help message")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "duckconnect - remote plan execution over Arrow Flight, backed by DuckDB\n\n")
		fmt.Fprintf(os.Stderr, "Usage: duckconnect [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nLogging and tracing:\n")
		fmt.Fprintf(os.Stderr, "  DUCKCONNECT_LOG_LEVEL      debug, info, warn or error (default: info)\n")
		fmt.Fprintf(os.Stderr, "  DUCKCONNECT_OTLP_ENDPOINT  Export logs and traces to this OTLP/HTTP endpoint\n")
		fmt.Fprintf(os.Stderr, "\nPrecedence: CLI flags > environment variables > config file > defaults\n")
	}

	flag.Parse()

	if *showHelp {
		flag.Usage()
		os.Exit(0)
	}

	shutdownLogging := initLogging()
	defer shutdownLogging()
	shutdownTracing := initTracing()
	defer shutdownTracing()

	cli.Set = map[string]bool{}
	flag.Visit(func(f *flag.Flag) { cli.Set[f.Name] = true })

	var fileCfg *FileConfig
	if *configFile != "" {
		loaded, err := loadConfigFile(*configFile)
		if err != nil {
			slog.Error("Failed to load config file.", "path", *configFile, "error", err)
			os.Exit(1)
		}
		fileCfg = loaded
		slog.Info("Loaded configuration.", "path", *configFile)
	}

	resolved := resolveEffectiveConfig(fileCfg, cli, os.Getenv, func(msg string) {
		slog.Warn(msg)
	})

	svc, err := connect.NewService(resolved.Service)
	if err != nil {
		slog.Error("Failed to create service.", "error", err)
		os.Exit(1)
	}
	listener, err := svc.Listen()
	if err != nil {
		slog.Error("Failed to listen.", "error", err)
		os.Exit(1)
	}

	if err := sdNotify(os.Getenv, "READY=1"); err != nil {
		slog.Warn("Failed to notify systemd.", "error", err)
	}

	var metricsSrv *http.Server
	if resolved.MetricsPort > 0 {
		metricsSrv = startMetricsServer(resolved.MetricsPort)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		slog.Info("Shutting down.", "signal", sig.String())
		_ = sdNotify(os.Getenv, "STOPPING=1")
		if metricsSrv != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = metricsSrv.Shutdown(ctx)
			cancel()
		}
		svc.Shutdown()
	}()

	if err := svc.Serve(listener); err != nil {
		slog.Error("Server error.", "error", err)
		os.Exit(1)
	}
}

func startMetricsServer(port int) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: ":" + strconv.Itoa(port), Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		slog.Info("Serving metrics.", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Warn("Metrics server error.", "error", err)
		}
	}()
	return srv
}
