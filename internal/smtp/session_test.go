package smtp

import (
	"crypto/tls"
	"encoding/base64"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/saintfish/chardet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shineum/smtpd-lite/internal/charset"
	"github.com/shineum/smtpd-lite/internal/email"
	"github.com/shineum/smtpd-lite/internal/storage"
)

// fakeTransport records replies and lets tests push inbound data.
type fakeTransport struct {
	mu     sync.Mutex
	sent   []string
	subs   map[Subscription]func([]byte)
	nextID Subscription
	closed bool

	secureErr error
	secured   *fakeTransport
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{subs: make(map[Subscription]func([]byte))}
}

func (f *fakeTransport) Send(line string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrTransportClosed
	}
	f.sent = append(f.sent, line)
	return nil
}

func (f *fakeTransport) OnData(fn func([]byte)) Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.nextID++
	f.subs[f.nextID] = fn
	return f.nextID
}

func (f *fakeTransport) Unsubscribe(sub Subscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs, sub)
}

func (f *fakeTransport) Secure(*tls.Config) <-chan SecureResult {
	ch := make(chan SecureResult, 1)
	if f.secureErr != nil {
		ch <- SecureResult{Err: f.secureErr}
		return ch
	}
	f.secured = newFakeTransport()
	ch <- SecureResult{Transport: f.secured}
	return ch
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// deliver pushes data to every subscriber, as a read loop would.
func (f *fakeTransport) deliver(data string) {
	f.mu.Lock()
	fns := make([]func([]byte), 0, len(f.subs))
	for _, fn := range f.subs {
		fns = append(fns, fn)
	}
	f.mu.Unlock()

	for _, fn := range fns {
		fn([]byte(data))
	}
}

// replies returns and clears the recorded replies.
func (f *fakeTransport) replies() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.sent
	f.sent = nil
	return out
}

func (f *fakeTransport) subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type sessionHarness struct {
	session   *Session
	transport *fakeTransport
	dir       string
	messages  []*email.Message
}

func newHarness(t *testing.T, cfg SessionConfig) *sessionHarness {
	t.Helper()

	h := &sessionHarness{
		transport: newFakeTransport(),
		dir:       filepath.Join(t.TempDir(), "store"),
	}
	store, err := storage.New(h.dir)
	require.NoError(t, err)

	cfg.Host = "mx.test"
	cfg.Domain = "test.local"
	cfg.Store = store
	if cfg.CharsetOptions == nil {
		cfg.CharsetOptions = []charset.Option{charset.WithDetector(nil)}
	}
	cfg.OnMessage = func(msg *email.Message) {
		h.messages = append(h.messages, msg)
	}

	h.session = NewSession(h.transport, cfg)
	h.session.Start()
	require.Equal(t, []string{"220 mx.test ESMTP for test.local"}, h.transport.replies())
	return h
}

// send delivers one command and returns the replies it produced.
func (h *sessionHarness) send(line string) []string {
	h.transport.deliver(line + "\r\n")
	return h.transport.replies()
}

func (h *sessionHarness) expect(t *testing.T, line, want string) {
	t.Helper()
	assert.Equal(t, []string{want}, h.send(line), "reply to %q", line)
}

func newAuth(t *testing.T) Authenticator {
	t.Helper()
	a, err := NewAuthenticator("user", "pass", nil)
	require.NoError(t, err)
	return a
}

func readContent(t *testing.T, c *storage.Content) string {
	t.Helper()
	rc, err := c.Open()
	require.NoError(t, err)
	defer rc.Close()
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(b)
}

func TestSession_HELO(t *testing.T) {
	t.Parallel()

	h := newHarness(t, SessionConfig{})
	h.expect(t, "HELO client.test", "250 mx.test at your service")
	h.expect(t, "helo", "250 mx.test at your service")
}

func TestSession_EHLO(t *testing.T) {
	t.Parallel()

	t.Run("plain", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, SessionConfig{})
		assert.Equal(t, []string{
			"250-mx.test at your service",
			"250 8BITMIME",
		}, h.send("EHLO client.test"))
	})

	t.Run("auth and tls", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, SessionConfig{TLSConfig: &tls.Config{}, Auth: newAuth(t)})
		assert.Equal(t, []string{
			"250-mx.test at your service",
			"250-AUTH PLAIN LOGIN",
			"250-STARTTLS",
			"250 8BITMIME",
		}, h.send("EHLO client.test"))
	})
}

func TestSession_HelloRequired(t *testing.T) {
	t.Parallel()

	h := newHarness(t, SessionConfig{})
	h.expect(t, "MAIL FROM:<a@b.test>", "503 EHLO/HELO command first")
	h.expect(t, "DATA", "503 EHLO/HELO command first")
	h.expect(t, "NOOP", "250 OK")
	h.expect(t, "RSET", "250 OK")
}

func TestSession_UnknownCommand(t *testing.T) {
	t.Parallel()

	h := newHarness(t, SessionConfig{})
	h.expect(t, "BOGUS", "500 Command unrecognized")

	h.send("EHLO x")
	h.expect(t, "VRFY user", "502 Command not implemented")
	h.expect(t, "EXPN list", "502 Command not implemented")
	h.expect(t, "HELP", "502 Command not implemented")
}

func TestSession_EmptyLinesIgnored(t *testing.T) {
	t.Parallel()

	h := newHarness(t, SessionConfig{})
	assert.Empty(t, h.send(""))
	assert.Empty(t, h.send("   "))
}

func TestSession_RCPTBeforeMAIL(t *testing.T) {
	t.Parallel()

	h := newHarness(t, SessionConfig{})
	h.send("EHLO x")
	h.expect(t, "RCPT TO:<a@b.test>", "503 MAIL command first")
	assert.Empty(t, h.session.state.to)
}

func TestSession_AddressSyntax(t *testing.T) {
	t.Parallel()

	h := newHarness(t, SessionConfig{})
	h.send("EHLO x")

	h.expect(t, "MAIL FROM:bad", "501 Bad sender address syntax")
	h.expect(t, "MAIL FROM:<nobody>", "501 Bad sender address syntax")
	h.expect(t, "MAIL", "501 Bad sender address syntax")
	h.expect(t, "mail from: <a@b.test> BODY=8BITMIME", "250 OK")
	assert.Equal(t, "a@b.test", h.session.state.from)

	h.expect(t, "RCPT TO:c@d.test", "501 Bad recipient address syntax")
	h.expect(t, "RCPT TO:<c@d.test>", "250 OK")
	h.expect(t, "rcpt to:<e@f.test>", "250 OK")
	assert.Equal(t, []string{"c@d.test", "e@f.test"}, h.session.state.to)
}

func TestSession_DATAWithoutRecipients(t *testing.T) {
	t.Parallel()

	h := newHarness(t, SessionConfig{})
	h.send("EHLO x")
	h.expect(t, "DATA", "503 RCPT command first")
	h.send("MAIL FROM:<a@b.test>")
	h.expect(t, "DATA", "503 RCPT command first")
}

func TestSession_Transaction(t *testing.T) {
	t.Parallel()

	h := newHarness(t, SessionConfig{})
	h.send("EHLO x")
	h.send("MAIL FROM:<a@b.test>")
	h.send("RCPT TO:<c@d.test>")
	id := h.session.ID()

	h.expect(t, "DATA", "354 End data with <CR><LF>.<CR><LF>")

	// Lines may be split across reads.
	h.transport.deliver("Subject: Hi\r\n\r\nHel")
	h.transport.deliver("lo\r\n.")
	assert.Empty(t, h.transport.replies())
	h.transport.deliver("\r\n")
	assert.Equal(t, []string{"250 OK"}, h.transport.replies())

	require.Len(t, h.messages, 1)
	msg := h.messages[0]
	assert.Equal(t, id, msg.ID)
	assert.Equal(t, "Hi", msg.Get("Subject"))
	require.NotNil(t, msg.Body)
	assert.EqualValues(t, 5, msg.Body.Length)
	assert.Equal(t, "Hello\r\n", readContent(t, msg.Body.Content))
	assert.Equal(t, email.Envelope{From: "a@b.test", To: []string{"c@d.test"}}, msg.Envelope)

	assert.NotEqual(t, id, h.session.ID())
	assert.Empty(t, h.session.state.from)
	assert.Empty(t, h.session.state.to)
	assert.False(t, h.session.state.dataMode)

	// The next transaction needs a new MAIL but no new hello.
	h.expect(t, "RCPT TO:<c@d.test>", "503 MAIL command first")
	h.expect(t, "MAIL FROM:<a@b.test>", "250 OK")
}

func TestSession_DataIsNotCommands(t *testing.T) {
	t.Parallel()

	h := newHarness(t, SessionConfig{})
	h.send("EHLO x")
	h.send("MAIL FROM:<a@b.test>")
	h.send("RCPT TO:<c@d.test>")
	h.send("DATA")

	assert.Empty(t, h.send(""))
	assert.Empty(t, h.send("QUIT"))
	assert.Empty(t, h.send("RSET"))
	assert.Equal(t, []string{"250 OK"}, h.send("."))

	require.Len(t, h.messages, 1)
	assert.Equal(t, "QUIT\r\nRSET\r\n", readContent(t, h.messages[0].Body.Content))
	assert.False(t, h.transport.isClosed())
}

func TestSession_DataCharsetConversion(t *testing.T) {
	t.Parallel()

	h := newHarness(t, SessionConfig{})
	h.send("EHLO x")
	h.send("MAIL FROM:<a@b.test>")
	h.send("RCPT TO:<c@d.test>")
	h.send("DATA")

	h.transport.deliver("Content-Type: text/plain; charset=ISO-8859-1\r\n\r\n")
	h.transport.deliver("caf\xe9\r\n.\r\n")

	require.Len(t, h.messages, 1)
	assert.Equal(t, "café\r\n", readContent(t, h.messages[0].Body.Content))
}

func TestSession_DataSplitInsideCharacter(t *testing.T) {
	t.Parallel()

	h := newHarness(t, SessionConfig{
		CharsetOptions: []charset.Option{charset.WithDetector(chardet.NewTextDetector())},
	})
	h.send("EHLO x")

	const body = "Café crème brûlée naïve"
	split := len("Caf") + 1

	for _, chunks := range [][]string{
		{body + "\r\n.\r\n"},
		{body[:split], body[split:] + "\r\n.\r\n"},
	} {
		h.send("MAIL FROM:<a@b.test>")
		h.send("RCPT TO:<c@d.test>")
		h.send("DATA")
		h.transport.deliver("Subject: dessert\r\n\r\n")
		for _, chunk := range chunks {
			h.transport.deliver(chunk)
		}
		assert.Equal(t, []string{"250 OK"}, h.transport.replies())
	}

	require.Len(t, h.messages, 2)
	for _, msg := range h.messages {
		assert.Equal(t, body+"\r\n", readContent(t, msg.Body.Content))
	}
}

func TestSession_ParseEvents(t *testing.T) {
	t.Parallel()

	type event struct {
		kind string
		id   string
		err  error
	}
	var events []event
	h := newHarness(t, SessionConfig{
		OnParseStart: func(id string) {
			events = append(events, event{kind: "start", id: id})
		},
		OnParseEnd: func(id string, err error) {
			events = append(events, event{kind: "end", id: id, err: err})
		},
	})
	h.send("EHLO x")

	h.send("MAIL FROM:<a@b.test>")
	h.send("RCPT TO:<c@d.test>")
	first := h.session.ID()
	h.send("DATA")
	h.transport.deliver("Subject: one\r\n\r\nbody\r\n.\r\n")

	h.send("MAIL FROM:<a@b.test>")
	h.send("RCPT TO:<c@d.test>")
	second := h.session.ID()
	h.send("DATA")
	h.transport.deliver("Subject: two\r\n\r\npartial\r\n")
	h.session.Close()

	require.Len(t, events, 4)
	assert.Equal(t, event{kind: "start", id: first}, events[0])
	assert.Equal(t, event{kind: "end", id: first}, events[1])
	assert.Equal(t, event{kind: "start", id: second}, events[2])
	assert.Equal(t, "end", events[3].kind)
	assert.Equal(t, second, events[3].id)
	assert.ErrorIs(t, events[3].err, ErrMessageAborted)
	assert.Len(t, h.messages, 1)
}

func TestSession_RSET(t *testing.T) {
	t.Parallel()

	h := newHarness(t, SessionConfig{})
	h.send("EHLO x")
	h.send("MAIL FROM:<a@b.test>")
	h.send("RCPT TO:<c@d.test>")
	id := h.session.ID()

	h.expect(t, "RSET", "250 OK")
	assert.NotEqual(t, id, h.session.ID())
	assert.Empty(t, h.session.state.from)
	assert.Empty(t, h.session.state.to)
	assert.True(t, h.session.state.helloSeen)
	h.expect(t, "RCPT TO:<c@d.test>", "503 MAIL command first")
}

func TestSession_QUIT(t *testing.T) {
	t.Parallel()

	h := newHarness(t, SessionConfig{})
	h.transport.deliver("QUIT\r\nNOOP\r\n")

	assert.Equal(t, []string{"221 Goodbye!"}, h.transport.replies())
	assert.True(t, h.transport.isClosed())
	assert.Zero(t, h.transport.subscribers())
}

func TestSession_CloseDuringDATA(t *testing.T) {
	t.Parallel()

	h := newHarness(t, SessionConfig{})
	h.send("EHLO x")
	h.send("MAIL FROM:<a@b.test>")
	h.send("RCPT TO:<c@d.test>")
	h.send("DATA")
	h.transport.deliver("Subject: partial\r\n\r\nsome text\r\n")
	id := h.session.ID()

	h.session.Close()
	assert.Empty(t, h.messages)
	assert.Zero(t, h.transport.subscribers())

	// Partial content is left for the sweeper.
	_, err := os.Stat(filepath.Join(h.dir, id+".body"))
	assert.NoError(t, err)
}

func TestSession_StorageFailure(t *testing.T) {
	t.Parallel()

	var parseErr error
	h := newHarness(t, SessionConfig{
		OnParseEnd: func(_ string, err error) { parseErr = err },
	})
	h.send("EHLO x")
	h.send("MAIL FROM:<a@b.test>")
	h.send("RCPT TO:<c@d.test>")
	h.send("DATA")

	require.NoError(t, os.RemoveAll(h.dir))

	h.transport.deliver("Subject: lost\r\n\r\nbody\r\n")
	assert.Equal(t, []string{"451 Requested action aborted: local error in processing"}, h.send("."))
	assert.Error(t, parseErr)
	assert.Empty(t, h.messages)

	h.expect(t, "NOOP", "250 OK")
	h.expect(t, "RCPT TO:<c@d.test>", "503 MAIL command first")
}

func TestSession_ForceTLS(t *testing.T) {
	t.Parallel()

	h := newHarness(t, SessionConfig{TLSConfig: &tls.Config{}, ForceTLS: true})
	h.send("EHLO x")
	h.expect(t, "MAIL FROM:<a@b.test>", "530 Must issue STARTTLS first")
	h.expect(t, "AUTH PLAIN", "530 Must issue STARTTLS first")
	h.expect(t, "NOOP", "250 OK")
}

func TestSession_STARTTLS(t *testing.T) {
	t.Parallel()

	h := newHarness(t, SessionConfig{TLSConfig: &tls.Config{}, ForceTLS: true})
	h.send("EHLO x")
	id := h.session.ID()
	assert.Equal(t, TLSPending, h.session.TLSStatus())

	// Plaintext pipelined behind STARTTLS is dropped.
	h.transport.deliver("STARTTLS\r\nMAIL FROM:<evil@b.test>\r\n")
	assert.Equal(t, []string{"220 Go ahead"}, h.transport.replies())

	require.NotNil(t, h.transport.secured)
	assert.Equal(t, TLSSecured, h.session.TLSStatus())
	assert.NotEqual(t, id, h.session.ID())
	assert.Empty(t, h.session.state.from)
	assert.Zero(t, h.transport.subscribers())

	secured := h.transport.secured
	assert.Equal(t, 1, secured.subscribers())

	secured.deliver("MAIL FROM:<a@b.test>\r\n")
	assert.Equal(t, []string{"503 EHLO/HELO command first"}, secured.replies())

	secured.deliver("EHLO x\r\n")
	assert.Equal(t, []string{"250-mx.test at your service", "250 8BITMIME"}, secured.replies())

	secured.deliver("STARTTLS\r\n")
	assert.Equal(t, []string{"503 TLS already active"}, secured.replies())

	secured.deliver("MAIL FROM:<a@b.test>\r\n")
	assert.Equal(t, []string{"250 OK"}, secured.replies())
}

func TestSession_STARTTLSErrors(t *testing.T) {
	t.Parallel()

	h := newHarness(t, SessionConfig{})
	h.send("EHLO x")
	h.expect(t, "STARTTLS", "502 Command not implemented")

	h = newHarness(t, SessionConfig{TLSConfig: &tls.Config{}})
	h.send("EHLO x")
	h.expect(t, "STARTTLS now", "501 No parameters allowed with STARTTLS")
}

func TestSession_STARTTLSFailure(t *testing.T) {
	t.Parallel()

	t.Run("optional", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, SessionConfig{TLSConfig: &tls.Config{}})
		h.transport.secureErr = errors.New("handshake failed")

		h.send("EHLO x")
		h.expect(t, "STARTTLS", "220 Go ahead")
		assert.Equal(t, TLSFailed, h.session.TLSStatus())
		assert.False(t, h.transport.isClosed())
	})

	t.Run("forced", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, SessionConfig{TLSConfig: &tls.Config{}, ForceTLS: true})
		h.transport.secureErr = errors.New("handshake failed")

		h.send("EHLO x")
		h.expect(t, "STARTTLS", "220 Go ahead")
		assert.Equal(t, TLSFailed, h.session.TLSStatus())
		assert.True(t, h.transport.isClosed())
	})
}

func b64(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

func TestSession_AUTHNotConfigured(t *testing.T) {
	t.Parallel()

	h := newHarness(t, SessionConfig{})
	h.send("EHLO x")
	h.expect(t, "AUTH PLAIN", "502 Command not implemented")
	assert.Equal(t, AuthDisabled, h.session.AuthStatus())
}

func TestSession_AUTHPlain(t *testing.T) {
	t.Parallel()

	t.Run("initial response", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, SessionConfig{Auth: newAuth(t)})
		h.send("EHLO x")
		assert.Equal(t, AuthUnauthenticated, h.session.AuthStatus())

		h.expect(t, "AUTH PLAIN "+b64("\x00user\x00pass"), "235 Authentication successful")
		assert.Equal(t, AuthAuthenticated, h.session.AuthStatus())

		assert.Equal(t, []string{"250-mx.test at your service", "250 8BITMIME"}, h.send("EHLO x"))
		h.expect(t, "AUTH PLAIN "+b64("\x00user\x00pass"), "503 Already authenticated")
	})

	t.Run("challenge", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, SessionConfig{Auth: newAuth(t)})
		h.send("EHLO x")

		h.expect(t, "auth plain", "334 ")
		assert.Equal(t, AuthPending, h.session.AuthStatus())
		h.expect(t, b64("\x00user\x00pass"), "235 Authentication successful")
	})

	t.Run("wrong password", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, SessionConfig{Auth: newAuth(t)})
		h.send("EHLO x")

		h.expect(t, "AUTH PLAIN "+b64("\x00user\x00nope"), "535 Authentication failed")
		assert.Equal(t, AuthFailed, h.session.AuthStatus())

		// A failed attempt may be retried.
		h.expect(t, "AUTH PLAIN "+b64("\x00user\x00pass"), "235 Authentication successful")
	})

	t.Run("invalid base64", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, SessionConfig{Auth: newAuth(t)})
		h.send("EHLO x")
		h.expect(t, "AUTH PLAIN !!!", "535 Authentication failed")
	})
}

func TestSession_AUTHLogin(t *testing.T) {
	t.Parallel()

	h := newHarness(t, SessionConfig{Auth: newAuth(t)})
	h.send("EHLO x")

	h.expect(t, "AUTH LOGIN", "334 "+b64("Username:"))
	h.expect(t, b64("user"), "334 "+b64("Password:"))
	h.expect(t, b64("pass"), "235 Authentication successful")
	assert.Equal(t, AuthAuthenticated, h.session.AuthStatus())
}

func TestSession_AUTHCancel(t *testing.T) {
	t.Parallel()

	h := newHarness(t, SessionConfig{Auth: newAuth(t)})
	h.send("EHLO x")

	h.expect(t, "AUTH LOGIN", "334 "+b64("Username:"))
	h.expect(t, "*", "501 Authentication cancelled")
	assert.Equal(t, AuthUnauthenticated, h.session.AuthStatus())
	h.expect(t, "NOOP", "250 OK")
}

func TestSession_AUTHUnknownMechanism(t *testing.T) {
	t.Parallel()

	h := newHarness(t, SessionConfig{Auth: newAuth(t)})
	h.send("EHLO x")
	h.expect(t, "AUTH CRAM-MD5", "504 Unrecognized authentication type")
	assert.Equal(t, AuthUnauthenticated, h.session.AuthStatus())
}

func TestSession_ForceAuth(t *testing.T) {
	t.Parallel()

	h := newHarness(t, SessionConfig{Auth: newAuth(t), ForceAuth: true})
	h.send("EHLO x")
	h.expect(t, "MAIL FROM:<a@b.test>", "530 Authentication required")
	h.expect(t, "RCPT TO:<c@d.test>", "530 Authentication required")
	h.expect(t, "DATA", "530 Authentication required")

	h.send("AUTH PLAIN " + b64("\x00user\x00pass"))
	h.expect(t, "MAIL FROM:<a@b.test>", "250 OK")

	// Authentication survives the end of a transaction.
	h.expect(t, "RSET", "250 OK")
	h.expect(t, "MAIL FROM:<a@b.test>", "250 OK")
}

func TestParseCommand(t *testing.T) {
	t.Parallel()

	tests := []struct {
		line    string
		wantCmd string
		wantArg string
	}{
		{line: "EHLO client", wantCmd: "EHLO", wantArg: "client"},
		{line: "mail FROM:<a@b>", wantCmd: "MAIL", wantArg: "FROM:<a@b>"},
		{line: "QUIT", wantCmd: "QUIT", wantArg: ""},
		{line: "AUTH PLAIN  abc ", wantCmd: "AUTH", wantArg: "PLAIN  abc"},
	}

	for _, tt := range tests {
		cmd, arg := parseCommand(tt.line)
		assert.Equal(t, tt.wantCmd, cmd, tt.line)
		assert.Equal(t, tt.wantArg, arg, tt.line)
	}
}

func TestRedact(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "AUTH PLAIN ***", redact("AUTH PLAIN AHVzZXIAcGFzcw=="))
	assert.Equal(t, "AUTH LOGIN", redact("AUTH LOGIN"))
	assert.Equal(t, "MAIL FROM:<a@b>", redact("MAIL FROM:<a@b>"))
}
