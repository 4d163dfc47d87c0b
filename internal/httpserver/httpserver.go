// Package httpserver assembles the storage, auth and rights backends into
// listening HTTP servers, one per configured host, with TLS and graceful
// shutdown.
package httpserver

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/filedav/filedav/internal/auth"
	"github.com/filedav/filedav/internal/config"
	"github.com/filedav/filedav/internal/metrics"
	"github.com/filedav/filedav/internal/rights"
	"github.com/filedav/filedav/internal/server"
	"github.com/filedav/filedav/internal/storage"
	"github.com/filedav/filedav/internal/storage/multifilesystem"
)

// NewStorage builds the configured storage backend.
func NewStorage(cfg config.StorageConfig, logger zerolog.Logger) (storage.Storage, error) {
	switch cfg.Type {
	case "multifilesystem", "":
		return multifilesystem.New(cfg, logger)
	default:
		return nil, fmt.Errorf("storage: unknown type %q", cfg.Type)
	}
}

type App struct {
	cfg    *config.Config
	logger zerolog.Logger
	store  storage.Storage
	h      http.Handler
}

func New(cfg *config.Config, logger zerolog.Logger) (*App, error) {
	store, err := NewStorage(cfg.Storage, logger)
	if err != nil {
		return nil, err
	}
	r, err := rights.New(cfg.Rights, logger)
	if err != nil {
		store.Close()
		return nil, err
	}
	a, err := auth.New(cfg.Auth, logger)
	if err != nil {
		store.Close()
		return nil, err
	}
	dav := server.New(cfg, logger, store, r, a)
	mux := http.NewServeMux()
	if cfg.Server.Metrics {
		mux.Handle("/metrics", metrics.Handler())
	}
	mux.Handle("/", dav)
	return &App{cfg: cfg, logger: logger, store: store, h: mux}, nil
}

// Storage exposes the backend for maintenance commands.
func (a *App) Storage() storage.Storage { return a.store }

func (a *App) Close() { a.store.Close() }

// Run listens on every configured host until ctx is cancelled, then shuts
// the listeners down gracefully.
func (a *App) Run(ctx context.Context) error {
	tlsCfg, err := a.tlsConfig()
	if err != nil {
		return err
	}
	var wg sync.WaitGroup
	errs := make(chan error, len(a.cfg.Server.Hosts))
	var servers []*http.Server
	for _, host := range a.cfg.Server.Hosts {
		ln, err := net.Listen("tcp", host)
		if err != nil {
			return fmt.Errorf("listen %s: %w", host, err)
		}
		if a.cfg.Server.MaxConnections > 0 {
			ln = limitListener(ln, a.cfg.Server.MaxConnections)
		}
		srv := &http.Server{
			Handler:      a.h,
			ReadTimeout:  a.cfg.Server.Timeout,
			WriteTimeout: a.cfg.Server.Timeout,
			IdleTimeout:  2 * a.cfg.Server.Timeout,
			TLSConfig:    tlsCfg,
		}
		servers = append(servers, srv)
		wg.Add(1)
		go func(host string, ln net.Listener, srv *http.Server) {
			defer wg.Done()
			a.logger.Info().Str("host", host).Bool("ssl", tlsCfg != nil).Msg("listening")
			var err error
			if tlsCfg != nil {
				err = srv.ServeTLS(ln, "", "")
			} else {
				err = srv.Serve(ln)
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				errs <- fmt.Errorf("serve %s: %w", host, err)
			}
		}(host, ln, srv)
	}

	select {
	case <-ctx.Done():
	case err := <-errs:
		return err
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, srv := range servers {
		_ = srv.Shutdown(shutdownCtx)
	}
	wg.Wait()
	a.logger.Info().Msg("server stopped")
	return nil
}

func (a *App) tlsConfig() (*tls.Config, error) {
	if !a.cfg.Server.SSL {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(a.cfg.Server.Certificate, a.cfg.Server.Key)
	if err != nil {
		return nil, fmt.Errorf("tls keypair: %w", err)
	}
	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tlsVersion(a.cfg.Server.Protocol),
	}
	if a.cfg.Server.CipherSuite != "" {
		ids, err := cipherSuites(a.cfg.Server.CipherSuite)
		if err != nil {
			return nil, err
		}
		cfg.CipherSuites = ids
	}
	if ca := a.cfg.Server.CertificateAuth; ca != "" {
		pem, err := os.ReadFile(ca)
		if err != nil {
			return nil, fmt.Errorf("tls client ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("tls client ca: no certificates in %s", ca)
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return cfg, nil
}

func tlsVersion(name string) uint16 {
	switch strings.ToUpper(name) {
	case "TLSV1.3":
		return tls.VersionTLS13
	case "TLSV1.1":
		return tls.VersionTLS11
	default:
		return tls.VersionTLS12
	}
}

func cipherSuites(list string) ([]uint16, error) {
	byName := map[string]uint16{}
	for _, cs := range tls.CipherSuites() {
		byName[cs.Name] = cs.ID
	}
	var ids []uint16
	for _, name := range strings.Split(list, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		id, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("unknown cipher suite %q", name)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// limitListener caps concurrent accepted connections.
func limitListener(ln net.Listener, n int) net.Listener {
	return &limitedListener{Listener: ln, sem: make(chan struct{}, n)}
}

type limitedListener struct {
	net.Listener
	sem chan struct{}
}

func (l *limitedListener) Accept() (net.Conn, error) {
	l.sem <- struct{}{}
	conn, err := l.Listener.Accept()
	if err != nil {
		<-l.sem
		return nil, err
	}
	return &limitedConn{Conn: conn, release: func() { <-l.sem }}, nil
}

type limitedConn struct {
	net.Conn
	release func()
	once    sync.Once
}

func (c *limitedConn) Close() error {
	err := c.Conn.Close()
	c.once.Do(c.release)
	return err
}
