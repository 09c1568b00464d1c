package smtp

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"sync"
	"time"
)

const (
	// idleTimeout is the maximum time a connection may stay silent.
	idleTimeout = 5 * time.Minute

	// handshakeTimeout bounds a STARTTLS negotiation.
	handshakeTimeout = 30 * time.Second

	readBufferSize = 4096
)

type subscriber struct {
	id Subscription
	fn func([]byte)
}

// connTransport is a Transport over a net.Conn. Inbound data is pumped by
// serve, which calls subscribers synchronously from the reading goroutine.
type connTransport struct {
	conn   net.Conn
	logger *slog.Logger

	mu          sync.Mutex
	w           *bufio.Writer
	subscribers []subscriber
	nextID      Subscription
	closed      bool
	upgraded    *connTransport
}

func newConnTransport(conn net.Conn, logger *slog.Logger) *connTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &connTransport{
		conn:   conn,
		logger: logger,
		w:      bufio.NewWriter(conn),
	}
}

// Send writes line followed by CRLF and flushes it.
func (t *connTransport) Send(line string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrTransportClosed
	}
	if err := t.conn.SetWriteDeadline(time.Now().Add(idleTimeout)); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}
	if _, err := t.w.WriteString(line + "\r\n"); err != nil {
		return fmt.Errorf("failed to write to client: %w", err)
	}
	if err := t.w.Flush(); err != nil {
		return fmt.Errorf("failed to flush to client: %w", err)
	}
	return nil
}

func (t *connTransport) OnData(fn func([]byte)) Subscription {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.nextID++
	t.subscribers = append(t.subscribers, subscriber{id: t.nextID, fn: fn})
	return t.nextID
}

func (t *connTransport) Unsubscribe(sub Subscription) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.subscribers = slices.DeleteFunc(t.subscribers, func(s subscriber) bool {
		return s.id == sub
	})
}

// Secure runs the TLS handshake on its own goroutine. The caller is expected
// to block the read loop (by waiting on the channel inside its data
// callback) so the handshake has the raw connection to itself.
func (t *connTransport) Secure(cfg *tls.Config) <-chan SecureResult {
	ch := make(chan SecureResult, 1)

	go func() {
		tlsConn := tls.Server(t.conn, cfg)

		ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
		defer cancel()

		if err := tlsConn.HandshakeContext(ctx); err != nil {
			ch <- SecureResult{Err: fmt.Errorf("TLS handshake failed: %w", err)}
			return
		}

		next := newConnTransport(tlsConn, t.logger)
		t.mu.Lock()
		t.upgraded = next
		t.mu.Unlock()

		ch <- SecureResult{Transport: next}
	}()

	return ch
}

// Close closes the connection. After a successful upgrade the connection is
// owned by the successor and is left open.
func (t *connTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	upgraded := t.upgraded != nil
	t.mu.Unlock()

	if upgraded {
		return nil
	}
	return t.conn.Close()
}

// serve reads until the connection fails, the transport is closed, or a
// STARTTLS upgrade hands the connection to a successor, which is returned.
func (t *connTransport) serve() (*connTransport, error) {
	buf := make([]byte, readBufferSize)

	for {
		if err := t.conn.SetReadDeadline(time.Now().Add(idleTimeout)); err != nil {
			return nil, fmt.Errorf("failed to set read deadline: %w", err)
		}

		n, err := t.conn.Read(buf)
		if n > 0 {
			t.dispatch(buf[:n])
		}

		t.mu.Lock()
		next, closed := t.upgraded, t.closed
		t.mu.Unlock()

		switch {
		case next != nil:
			return next, nil
		case closed:
			return nil, ErrTransportClosed
		case err != nil:
			return nil, err
		}
	}
}

func (t *connTransport) dispatch(chunk []byte) {
	t.mu.Lock()
	subs := slices.Clone(t.subscribers)
	t.mu.Unlock()

	for _, s := range subs {
		s.fn(chunk)
	}
}
