package connect

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"golang.org/x/crypto/acme/autocert"
)

const (
	defaultACMECacheDir = "./certs/acme"
	defaultACMEHTTPAddr = ":80"
)

// acmeCertificates obtains and renews the server certificate from an ACME CA
// such as Let's Encrypt. HTTP-01 challenges are answered on a separate plain
// HTTP listener.
type acmeCertificates struct {
	manager  *autocert.Manager
	httpSrv  *http.Server
	cacheDir string

	closeOnce sync.Once
	closeErr  error
}

func newACMECertificates(domain, email, cacheDir, httpAddr string) (*acmeCertificates, error) {
	if domain == "" {
		return nil, errors.New("acme: domain is required")
	}
	if cacheDir == "" {
		cacheDir = defaultACMECacheDir
	}
	if httpAddr == "" {
		httpAddr = defaultACMEHTTPAddr
	}
	if err := os.MkdirAll(cacheDir, 0o700); err != nil {
		return nil, fmt.Errorf("create acme cache dir: %w", err)
	}

	mgr := &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		Cache:      autocert.DirCache(cacheDir),
		HostPolicy: autocert.HostWhitelist(domain),
		Email:      email,
	}

	ln, err := net.Listen("tcp", httpAddr)
	if err != nil {
		return nil, fmt.Errorf("listen for acme challenges on %s: %w", httpAddr, err)
	}
	httpSrv := &http.Server{
		Handler:           mgr.HTTPHandler(nil),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("ACME HTTP challenge server error.", "error", err)
		}
	}()

	slog.Info("ACME enabled.", "domain", domain, "cache_dir", cacheDir, "http_addr", ln.Addr().String())
	return &acmeCertificates{manager: mgr, httpSrv: httpSrv, cacheDir: cacheDir}, nil
}

func (a *acmeCertificates) TLSConfig() *tls.Config {
	return &tls.Config{
		GetCertificate: a.manager.GetCertificate,
		MinVersion:     tls.VersionTLS12,
		NextProtos:     []string{"h2"},
	}
}

func (a *acmeCertificates) Close() error {
	a.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.closeErr = a.httpSrv.Shutdown(ctx)
	})
	return a.closeErr
}
