package smtp

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shineum/smtpd-lite/internal/charset"
	"github.com/shineum/smtpd-lite/internal/email"
	"github.com/shineum/smtpd-lite/internal/handler"
	"github.com/shineum/smtpd-lite/internal/metrics"
	"github.com/shineum/smtpd-lite/internal/storage"
)

// shutdownTimeout is the maximum time to wait for in-flight connections
// during graceful shutdown.
const shutdownTimeout = 30 * time.Second

// ServerConfig holds the configuration for an SMTP server.
type ServerConfig struct {
	// ListenAddr is the address to listen on (e.g., ":2525").
	ListenAddr string

	// Host and Domain are announced in the greeting.
	Host   string
	Domain string

	// DefaultCharset is the fallback for charset detection.
	DefaultCharset string

	// TLSConfig enables STARTTLS. If nil, STARTTLS is not advertised.
	TLSConfig *tls.Config
	ForceTLS  bool

	// Auth enables SMTP AUTH. If nil, AUTH is not advertised.
	Auth      Authenticator
	ForceAuth bool

	// Store receives decoded message content.
	Store *storage.Store

	// Handler consumes every received message.
	Handler handler.Handler

	// CharsetOptions are passed to each session's charset converter.
	CharsetOptions []charset.Option
}

// Server accepts SMTP connections and runs one Session per connection.
type Server struct {
	config ServerConfig

	mu       sync.Mutex
	listener net.Listener

	// wg tracks in-flight session goroutines for graceful shutdown.
	wg sync.WaitGroup
}

// New creates a new SMTP Server with the given configuration.
func New(cfg ServerConfig) *Server {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Domain == "" {
		cfg.Domain = "localhost"
	}

	return &Server{config: cfg}
}

// ListenAndServe starts the SMTP server and blocks until the context is
// cancelled. On cancellation it stops accepting, tells connected clients the
// service is going away and waits up to 30 seconds for sessions to end.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	slog.Info("SMTP server listening",
		"addr", ln.Addr().String(),
		"host", s.config.Host,
		"handler", handlerName(s.config.Handler),
		"auth_enabled", s.config.Auth != nil,
		"tls_enabled", s.config.TLSConfig != nil,
	)

	go func() {
		<-ctx.Done()
		slog.Info("shutting down SMTP server")
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				s.waitForSessions()
				return nil
			default:
				slog.Error("accept error", "error", err)
				continue
			}
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.ServeConn(ctx, conn)
		}()
	}
}

// ServeConn runs a session on conn until the client quits, the connection
// fails or ctx is cancelled. It closes conn before returning.
func (s *Server) ServeConn(ctx context.Context, conn net.Conn) {
	metrics.ConnectionsTotal.Inc()
	metrics.ConnectionsCurrent.Inc()
	defer metrics.ConnectionsCurrent.Dec()

	logger := slog.Default().With("remote", conn.RemoteAddr().String())
	t := newConnTransport(conn, logger)

	var current atomic.Pointer[connTransport]
	current.Store(t)

	sess := NewSession(t, SessionConfig{
		Host:           s.config.Host,
		Domain:         s.config.Domain,
		TLSConfig:      s.config.TLSConfig,
		ForceTLS:       s.config.ForceTLS,
		Auth:           s.config.Auth,
		ForceAuth:      s.config.ForceAuth,
		Store:          s.config.Store,
		DefaultCharset: s.config.DefaultCharset,
		CharsetOptions: s.config.CharsetOptions,
		OnMessage:      s.deliver(ctx, logger),
		OnParseStart:   countParseStart,
		OnParseEnd:     countParseEnd,
		Logger:         logger,
	})

	stop := context.AfterFunc(ctx, func() {
		ct := current.Load()
		if err := ct.Send("421 Service shutting down"); err != nil {
			logger.Debug("failed to send shutdown notice", "error", err)
		}
		ct.Close()
	})
	defer stop()

	sess.Start()

	for {
		next, err := t.serve()
		if next != nil {
			t = next
			current.Store(t)
			continue
		}

		var netErr net.Error
		switch {
		case err == nil, errors.Is(err, ErrTransportClosed), errors.Is(err, io.EOF):
		case errors.As(err, &netErr) && netErr.Timeout():
			logger.Info("closing idle connection")
			if sendErr := t.Send("421 Idle timeout, closing connection"); sendErr != nil {
				logger.Debug("failed to send timeout notice", "error", sendErr)
			}
		default:
			logger.Debug("connection read error", "error", err)
		}
		break
	}

	sess.Close()
	t.Close()
}

func (s *Server) deliver(ctx context.Context, logger *slog.Logger) func(*email.Message) {
	return func(msg *email.Message) {
		if s.config.Handler == nil {
			return
		}
		if err := s.config.Handler.Handle(ctx, msg); err != nil {
			logger.Error("message handler failed",
				"handler", s.config.Handler.Name(),
				"message", msg.ID,
				"error", err,
			)
		}
	}
}

func countParseStart(string) {
	metrics.MessagesInProgress.Inc()
}

func countParseEnd(string, error) {
	metrics.MessagesInProgress.Dec()
}

// waitForSessions waits for all in-flight sessions to complete,
// with a maximum timeout to prevent indefinite blocking.
func (s *Server) waitForSessions() {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("all sessions completed")
	case <-time.After(shutdownTimeout):
		slog.Warn("shutdown timeout reached, forcing close")
	}
}

// Addr returns the listener address, or empty string if not listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

func handlerName(h handler.Handler) string {
	if h == nil {
		return "none"
	}
	return h.Name()
}
