package connect

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/posthog/duckconnect/engine"
	"github.com/posthog/duckconnect/sessions"
)

// Service owns the registry, the partition scheduler and the Flight server.
type Service struct {
	cfg       ServiceConfig
	registry  *sessions.Registry
	scheduler *engine.Scheduler
	handler   *Handler
	acme      *acmeCertificates

	flightSrv    flight.Server
	shutdownOnce sync.Once
}

// NewService builds a service opening DuckDB contexts as configured.
func NewService(cfg ServiceConfig) (*Service, error) {
	cfg = cfg.withDefaults()
	if cfg.DuckDB.MaxRecordsPerBatch <= 0 {
		cfg.DuckDB.MaxRecordsPerBatch = cfg.MaxRecordsPerBatch
	}
	return NewServiceWithFactory(cfg, engine.NewDuckDBFactory(cfg.DuckDB))
}

// NewServiceWithFactory builds a service around a custom context factory.
func NewServiceWithFactory(cfg ServiceConfig, factory engine.ContextFactory) (*Service, error) {
	cfg = cfg.withDefaults()
	registry, err := sessions.New(sessions.Config{
		Capacity:    cfg.SessionCacheSize,
		IdleTimeout: cfg.SessionIdleTimeout,
		Hooks: sessions.Hooks{
			OnContextCountChanged: ObserveContexts,
			OnContextsEvicted:     ObserveContextsEvicted,
		},
	}, factory)
	if err != nil {
		return nil, err
	}

	scheduler := engine.NewScheduler(cfg.MaxConcurrentTasks)
	collector := NewCollector(CollectorConfig{
		MaxBatchSize:       cfg.MaxBatchSize,
		MaxRecordsPerBatch: cfg.MaxRecordsPerBatch,
	}, SchedulerRunner{Scheduler: scheduler})
	executor := NewExecutor(registry, collector, PlannerConfig{DefaultParallelism: scheduler.MaxTasks()})

	var acme *acmeCertificates
	if cfg.ACMEDomain != "" {
		acme, err = newACMECertificates(cfg.ACMEDomain, cfg.ACMEEmail, cfg.ACMECacheDir, cfg.ACMEHTTPAddr)
		if err != nil {
			registry.Close()
			return nil, err
		}
	}
	opts, err := serverOptions(cfg, acme)
	if err != nil {
		if acme != nil {
			_ = acme.Close()
		}
		registry.Close()
		return nil, err
	}
	handler := NewHandler(executor, registry, cfg.MaxErrorMessageSize)
	flightSrv := flight.NewServerWithMiddleware(nil, opts...)
	flightSrv.RegisterFlightService(handler)

	return &Service{
		cfg:       cfg,
		registry:  registry,
		scheduler: scheduler,
		handler:   handler,
		acme:      acme,
		flightSrv: flightSrv,
	}, nil
}

func serverOptions(cfg ServiceConfig, acme *acmeCertificates) ([]grpc.ServerOption, error) {
	opts := []grpc.ServerOption{
		grpc.MaxRecvMsgSize(cfg.MaxInboundMessageSize),
		grpc.MaxSendMsgSize(cfg.MaxInboundMessageSize),
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
	}
	if cfg.BearerToken != "" {
		opts = append(opts,
			grpc.ChainUnaryInterceptor(BearerTokenUnaryInterceptor(cfg.BearerToken)),
			grpc.ChainStreamInterceptor(BearerTokenStreamInterceptor(cfg.BearerToken)),
		)
	}
	switch {
	case acme != nil:
		opts = append(opts, grpc.Creds(credentials.NewTLS(acme.TLSConfig())))
	case cfg.TLSCertFile != "":
		tlsConfig, err := LoadTLSConfig(cfg.TLSCertFile, cfg.TLSKeyFile, cfg.TLSSelfSigned)
		if err != nil {
			return nil, err
		}
		opts = append(opts, grpc.Creds(credentials.NewTLS(tlsConfig)))
	}
	return opts, nil
}

// Listen opens the configured listen address, removing a stale unix socket.
func (s *Service) Listen() (net.Listener, error) {
	network, addr, err := ParseListenAddr(s.cfg.ListenAddr)
	if err != nil {
		return nil, err
	}
	if network == "unix" {
		_ = os.Remove(addr)
	}
	ln, err := net.Listen(network, addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s %s: %w", network, addr, err)
	}
	return ln, nil
}

// Serve serves on listener until Shutdown.
func (s *Service) Serve(listener net.Listener) error {
	s.flightSrv.InitListener(listener)
	slog.Info("Serving plan execution.", "addr", listener.Addr().String(),
		"tls", s.cfg.TLSCertFile != "" || s.acme != nil, "auth", s.cfg.BearerToken != "",
		"max_concurrent_tasks", s.scheduler.MaxTasks())
	return s.flightSrv.Serve()
}

// Registry exposes the execution context registry.
func (s *Service) Registry() *sessions.Registry { return s.registry }

// Shutdown stops the server and closes every execution context.
func (s *Service) Shutdown() {
	s.shutdownOnce.Do(func() {
		s.flightSrv.Shutdown()
		s.registry.Close()
		if s.acme != nil {
			_ = s.acme.Close()
		}
		slog.Info("Plan execution service stopped.")
	})
}
