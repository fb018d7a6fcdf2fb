// ABOUTME: Server lifecycle for the broker: ledgers, listeners (TCP or tsnet), graceful shutdown
// ABOUTME: Wires configuration into a Broker and serves its HTTP surface until the context ends

package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/clawlist-gateway/internal/auth"
	"github.com/2389/clawlist-gateway/internal/config"
	"github.com/2389/clawlist-gateway/internal/ledger"
)

// Server runs a Broker behind an HTTP listener.
type Server struct {
	config      *config.Config
	broker      *Broker
	ledger      ledger.Ledger
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger
}

// NewServer opens the configured ledgers and builds the broker and its HTTP surface.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	l, err := openLedgers(cfg.Ledger, logger)
	if err != nil {
		return nil, err
	}

	key, err := auth.DeriveSigningKey(cfg.Auth.SigningKey)
	if err != nil {
		_ = l.Close()
		return nil, err
	}
	if cfg.Auth.SigningKey == "" {
		logger.Warn("auth.signing_key not set, tokens will not survive a restart")
	}

	b, err := New(Options{
		Secret:     cfg.Auth.Secret,
		SigningKey: key,
		Ledger:     l,
		BufferSize: cfg.Streams.BufferSize,
		Logger:     logger,
	})
	if err != nil {
		_ = l.Close()
		return nil, fmt.Errorf("creating broker: %w", err)
	}

	s := &Server{
		config: cfg,
		broker: b,
		ledger: l,
		logger: logger.With("component", "server"),
	}

	s.httpServer = &http.Server{
		Addr: cfg.Server.Addr(),
		Handler: NewHandler(b, HandlerOptions{
			HeartbeatInterval: cfg.Streams.HeartbeatInterval,
			Logger:            logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	// Open streams never go idle on their own; end them so Shutdown can finish.
	s.httpServer.RegisterOnShutdown(b.Close)

	return s, nil
}

// openLedgers opens the file ledger and, when configured, the SQLite ledger.
func openLedgers(cfg config.LedgerConfig, logger *slog.Logger) (ledger.Ledger, error) {
	files, err := ledger.NewFileLedger(cfg.Dir, logger)
	if err != nil {
		return nil, fmt.Errorf("opening file ledger: %w", err)
	}
	if cfg.SQLitePath == "" {
		return files, nil
	}

	db, err := ledger.NewSQLiteLedger(cfg.SQLitePath, logger)
	if err != nil {
		_ = files.Close()
		return nil, fmt.Errorf("opening sqlite ledger: %w", err)
	}
	return ledger.Multi(files, db), nil
}

// Broker returns the broker this server serves.
func (s *Server) Broker() *Broker {
	return s.broker
}

// Handler returns the HTTP handler, for embedding or tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// setupListener creates the listener based on configuration (Tailscale or TCP).
func (s *Server) setupListener(ctx context.Context) (net.Listener, error) {
	if s.config.Tailscale.Enabled {
		return s.setupTailscaleListener(ctx)
	}

	s.logger.Info("starting gateway", "addr", s.httpServer.Addr)
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// Run serves until ctx is cancelled or the server fails, then shuts down.
// Returns nil on graceful shutdown.
func (s *Server) Run(ctx context.Context) error {
	ln, err := s.setupListener(ctx)
	if err != nil {
		_ = s.ledger.Close()
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Run with a caller-supplied listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		s.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		s.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := s.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// The run context is already canceled at this point.
func (s *Server) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.Shutdown(ctx)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops the HTTP server, ends open streams and closes the ledgers.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", s.httpServer.Shutdown(ctx))
	s.broker.Close()

	if s.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", s.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "ledger close", s.ledger.Close())

	return errors.Join(errs...)
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "clawlist-gateway", "tailscale"), nil
}

// setupTailscaleListener joins the tailnet and listens on :80.
func (s *Server) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := s.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}
	if tsCfg.AuthKey == "" {
		return nil, errors.New("tailscale auth key required: set tailscale.auth_key or TS_AUTHKEY")
	}

	s.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   tsCfg.AuthKey,
	}

	s.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := s.tsnetServer.Up(ctx)
	if err != nil {
		_ = s.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	s.logTailscaleStatus(tsCfg.Hostname, status)

	ln, err := s.tsnetServer.Listen("tcp", ":80")
	if err != nil {
		_ = s.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	return ln, nil
}

// logTailscaleStatus logs info about the tailscale node status.
func (s *Server) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var ips []string
	for _, ip := range status.TailscaleIPs {
		ips = append(ips, ip.String())
	}
	dnsName := hostname
	if status.Self != nil && status.Self.DNSName != "" {
		dnsName = status.Self.DNSName
	}
	s.logger.Info("tailscale node up", "dns_name", dnsName, "ips", ips)
}
