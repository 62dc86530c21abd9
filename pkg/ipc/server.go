package ipc

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/blip/broker/internal/config"
	"github.com/blip/broker/internal/logger"
	"github.com/blip/broker/pkg/types"
	"github.com/coder/websocket"
)

// Server exposes a Broker over HTTP: GET / upgrades to a WebSocket and
// GET /healthz reports broker statistics
type Server struct {
	cfg    *config.Config
	broker *Broker
	logger *logger.Logger

	mu         sync.Mutex
	httpServer *http.Server
	listener   net.Listener
}

// NewServer creates a server for b
func NewServer(cfg *config.Config, b *Broker, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Nop()
	}
	return &Server{
		cfg:    cfg,
		broker: b,
		logger: log.With("component", "ipc_server"),
	}
}

// Handler returns the HTTP handler serving the broker
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/", s.handleSocket)
	return mux
}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Peers are services, not browsers.
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.logger.Debug("WebSocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}
	conn.SetReadLimit(s.cfg.Server.MaxMessageSize)

	if err := s.broker.Serve(r.Context(), NewWebSocketTransport(conn, r.RemoteAddr)); err != nil {
		s.logger.Debug("Connection rejected", "remote_addr", r.RemoteAddr, "error", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	stats := s.broker.Stats()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":      "ok",
		"connections": stats.Connections,
		"identified":  stats.Identified,
	})
}

// ListenAndServe listens on the configured address and serves until ctx is
// cancelled, then closes the broker and shuts the HTTP server down
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return types.WrapError(types.ErrCodeUnavailable, "failed to listen on "+s.cfg.Addr(), err)
	}
	if s.cfg.Secure {
		tlsCfg, err := LoadTLSConfig(s.cfg.Server.Secure)
		if err != nil {
			ln.Close()
			return err
		}
		ln = tls.NewListener(ln, tlsCfg)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(s.logger.Slog().Handler(), slog.LevelWarn),
	}
	s.mu.Lock()
	s.httpServer = srv
	s.listener = ln
	s.mu.Unlock()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			s.shutdown()
		case <-stop:
		}
	}()

	s.logger.Info("Broker listening", "addr", ln.Addr().String(), "secure", s.cfg.Secure)
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return types.WrapError(types.ErrCodeUnavailable, "server stopped", err)
	}
	return nil
}

// Addr returns the listening address once Serve has started
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) shutdown() {
	s.broker.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()
	if err := srv.Shutdown(ctx); err != nil {
		s.logger.Warn("HTTP shutdown did not complete", "error", err)
	}
	s.logger.Info("Broker stopped")
}

// LoadTLSConfig builds a server TLS configuration. When a CA is given,
// client certificates signed by it are verified if presented.
func LoadTLSConfig(cfg config.TLSConfig) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.CertPath, cfg.KeyPath)
	if err != nil {
		return nil, types.WrapError(types.ErrCodeInvalidArgument, "failed to load TLS certificate", err)
	}
	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	if cfg.CAPath != "" {
		pem, err := os.ReadFile(cfg.CAPath)
		if err != nil {
			return nil, types.WrapError(types.ErrCodeInvalidArgument, "failed to read CA certificate", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, types.NewError(types.ErrCodeInvalidArgument, "no certificates found in "+cfg.CAPath)
		}
		tlsCfg.ClientCAs = pool
		tlsCfg.ClientAuth = tls.VerifyClientCertIfGiven
	}
	return tlsCfg, nil
}
