package smtp

import (
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/emersion/go-sasl"

	"github.com/shineum/smtpd-lite/internal/charset"
	"github.com/shineum/smtpd-lite/internal/email"
	"github.com/shineum/smtpd-lite/internal/lines"
	"github.com/shineum/smtpd-lite/internal/metrics"
	"github.com/shineum/smtpd-lite/internal/parser"
	"github.com/shineum/smtpd-lite/internal/storage"
)

var (
	mailFromArg = regexp.MustCompile(`^(?i:FROM): ?<([^\s<>@]+@[^\s<>@]+)>(?:\s+.*)?$`)
	rcptToArg   = regexp.MustCompile(`^(?i:TO): ?<([^\s<>@]+@[^\s<>@]+)>(?:\s+.*)?$`)
)

// ErrMessageAborted is passed to OnParseEnd when the connection goes away
// during DATA.
var ErrMessageAborted = errors.New("smtp: message aborted")

// Commands accepted before HELO/EHLO, and while STARTTLS is required but
// not yet done.
var (
	beforeHello = []string{"HELO", "EHLO", "RSET", "NOOP", "QUIT"}
	beforeTLS   = []string{"HELO", "EHLO", "STARTTLS", "NOOP", "QUIT", "RSET"}
	needsAuth   = []string{"MAIL", "RCPT", "DATA"}
)

// knownCommands bounds the command label of the commands metric.
var knownCommands = []string{
	"HELO", "EHLO", "STARTTLS", "AUTH", "MAIL", "RCPT", "DATA",
	"VRFY", "EXPN", "HELP", "RSET", "NOOP", "QUIT",
}

// SessionConfig holds what a Session needs beyond its transport.
type SessionConfig struct {
	// Host is announced in the greeting and HELO/EHLO replies.
	Host string

	// Domain is announced in the greeting.
	Domain string

	// TLSConfig enables STARTTLS. ForceTLS requires it before any mail
	// command.
	TLSConfig *tls.Config
	ForceTLS  bool

	// Auth enables AUTH. ForceAuth requires it before MAIL, RCPT and DATA.
	Auth      Authenticator
	ForceAuth bool

	// Store receives decoded message content.
	Store *storage.Store

	// DefaultCharset is used when charset detection is inconclusive.
	DefaultCharset string

	// CharsetOptions are passed to the session's charset converter.
	CharsetOptions []charset.Option

	// OnMessage is called with every completed message.
	OnMessage func(msg *email.Message)

	// OnParseStart and OnParseEnd bracket every DATA phase. err is nil only
	// when a message was emitted.
	OnParseStart func(id string)
	OnParseEnd   func(id string, err error)

	Logger *slog.Logger
}

// Session is the SMTP state machine for one connection. All of its methods
// run on the goroutine that delivers the transport's data.
type Session struct {
	cfg       SessionConfig
	transport Transport
	sub       Subscription
	lines     lines.Reassembler
	conv      *charset.Converter
	state     state

	parser   *parser.Parser
	sasl     saslExchange
	lastCode int
	closed   bool
}

type saslExchange struct {
	server    sasl.Server
	mechanism string
}

// NewSession creates a session bound to t. Nothing is sent until Start.
func NewSession(t Transport, cfg SessionConfig) *Session {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	tlsStatus := TLSDisabled
	if cfg.TLSConfig != nil {
		tlsStatus = TLSPending
	}
	authStatus := AuthDisabled
	if cfg.Auth != nil {
		authStatus = AuthUnauthenticated
	}

	opts := append([]charset.Option{charset.WithLogger(cfg.Logger)}, cfg.CharsetOptions...)

	return &Session{
		cfg:       cfg,
		transport: t,
		conv:      charset.New(cfg.DefaultCharset, opts...),
		state:     newState(tlsStatus, authStatus),
	}
}

// ID returns the current session identity.
func (s *Session) ID() string {
	return s.state.id
}

// TLSStatus returns the STARTTLS status.
func (s *Session) TLSStatus() TLSStatus {
	return s.state.tls
}

// AuthStatus returns the AUTH status.
func (s *Session) AuthStatus() AuthStatus {
	return s.state.auth
}

// Start subscribes to the transport and sends the greeting.
func (s *Session) Start() {
	s.sub = s.transport.OnData(s.receive)
	s.logger().Info("session started",
		"tls", s.state.tls.String(),
		"auth", s.state.auth.String(),
	)
	s.reply(220, fmt.Sprintf("%s ESMTP for %s", s.cfg.Host, s.cfg.Domain))
}

// Close ends the session after the transport went away. An unfinished
// message is abandoned and its partial files are left for the sweeper.
func (s *Session) Close() {
	if s.closed {
		return
	}
	s.closed = true
	s.transport.Unsubscribe(s.sub)

	if s.parser != nil {
		s.parser.Abort()
		s.parser = nil
		s.parseEnded(ErrMessageAborted)
		s.logger().Warn("connection closed during DATA, message discarded")
	}
	s.logger().Info("session closed")
}

func (s *Session) logger() *slog.Logger {
	return s.cfg.Logger.With("session", s.state.id)
}

func (s *Session) receive(chunk []byte) {
	if s.closed {
		return
	}
	s.lines.Feed(chunk)
	for line := range s.lines.Lines() {
		if !s.handleLine(line) {
			return
		}
	}
}

// handleLine processes one line and reports whether the remaining buffered
// lines should still be processed.
func (s *Session) handleLine(line string) bool {
	if s.closed {
		return false
	}
	if s.state.dataMode {
		s.handleDataLine(line)
		return true
	}
	if s.sasl.server != nil {
		s.handleAuthResponse(line)
		return true
	}

	line = strings.TrimSpace(line)
	if line == "" {
		return true
	}

	s.logger().Debug("received command", "line", redact(line))

	cmd, arg := parseCommand(line)
	cont := s.handleCommand(cmd, arg)

	label := cmd
	if !slices.Contains(knownCommands, cmd) {
		label = "UNKNOWN"
	}
	metrics.CommandsTotal.WithLabelValues(label, strconv.Itoa(s.lastCode)).Inc()

	return cont
}

func (s *Session) handleCommand(cmd, arg string) bool {
	if !slices.Contains(knownCommands, cmd) {
		s.reply(500, "Command unrecognized")
		return true
	}
	if !s.state.helloSeen && !slices.Contains(beforeHello, cmd) {
		s.reply(503, "EHLO/HELO command first")
		return true
	}
	if s.cfg.ForceTLS && s.state.tls != TLSSecured && !slices.Contains(beforeTLS, cmd) {
		s.reply(530, "Must issue STARTTLS first")
		return true
	}
	if s.cfg.ForceAuth && s.state.auth != AuthAuthenticated && slices.Contains(needsAuth, cmd) {
		s.reply(530, "Authentication required")
		return true
	}

	switch cmd {
	case "HELO":
		s.state.helloSeen = true
		s.reply(250, s.cfg.Host+" at your service")
	case "EHLO":
		s.handleEHLO()
	case "STARTTLS":
		return s.handleSTARTTLS(arg)
	case "AUTH":
		s.handleAUTH(arg)
	case "MAIL":
		s.handleMAIL(arg)
	case "RCPT":
		s.handleRCPT(arg)
	case "DATA":
		s.handleDATA()
	case "VRFY", "EXPN", "HELP":
		s.reply(502, "Command not implemented")
	case "RSET":
		s.resetSession()
		s.reply(250, "OK")
	case "NOOP":
		s.reply(250, "OK")
	case "QUIT":
		s.reply(221, "Goodbye!")
		if err := s.transport.Close(); err != nil {
			s.logger().Debug("failed to close transport", "error", err)
		}
		s.Close()
		return false
	}
	return true
}

func (s *Session) handleEHLO() {
	s.state.helloSeen = true

	caps := []string{s.cfg.Host + " at your service"}
	if s.cfg.Auth != nil && s.state.auth != AuthAuthenticated {
		caps = append(caps, "AUTH "+strings.Join(s.cfg.Auth.Mechanisms(), " "))
	}
	if s.cfg.TLSConfig != nil && s.state.tls != TLSSecured {
		caps = append(caps, "STARTTLS")
	}
	caps = append(caps, "8BITMIME")

	s.replyLines(250, caps)
}

// handleSTARTTLS blocks until the handshake finishes. On success the session
// moves to the secured transport and the caller must stop processing lines
// read from the old one.
func (s *Session) handleSTARTTLS(arg string) bool {
	switch {
	case s.cfg.TLSConfig == nil:
		s.reply(502, "Command not implemented")
		return true
	case s.state.tls == TLSSecured:
		s.reply(503, "TLS already active")
		return true
	case arg != "":
		s.reply(501, "No parameters allowed with STARTTLS")
		return true
	}

	s.state.tls = TLSNegotiating
	s.reply(220, "Go ahead")

	// Plaintext pipelined after STARTTLS must not survive the upgrade.
	if n := s.lines.Buffered(); n > 0 {
		s.logger().Debug("discarding plaintext received after STARTTLS", "bytes", n)
	}
	s.lines.Reset()

	res := <-s.transport.Secure(s.cfg.TLSConfig)
	if res.Err != nil {
		s.state.tls = TLSFailed
		metrics.TLSUpgrades.WithLabelValues("failure").Inc()
		s.logger().Warn("STARTTLS failed", "error", res.Err)
		if s.cfg.ForceTLS {
			if err := s.transport.Close(); err != nil {
				s.logger().Debug("failed to close transport", "error", err)
			}
			s.Close()
		}
		return false
	}

	s.transport.Unsubscribe(s.sub)
	s.transport = res.Transport
	s.sub = s.transport.OnData(s.receive)

	metrics.TLSUpgrades.WithLabelValues("success").Inc()
	s.replaceState(newState(TLSSecured, s.state.auth))
	s.logger().Info("connection secured")
	return false
}

func (s *Session) handleAUTH(arg string) {
	if s.cfg.Auth == nil {
		s.reply(502, "Command not implemented")
		return
	}
	if s.state.auth == AuthAuthenticated {
		s.reply(503, "Already authenticated")
		return
	}

	mechanism, initial, _ := strings.Cut(arg, " ")
	mechanism = strings.ToUpper(mechanism)

	server, err := s.cfg.Auth.NewServer(mechanism)
	if err != nil {
		s.logger().Debug("rejected authentication mechanism", "mechanism", mechanism, "error", err)
		s.reply(504, "Unrecognized authentication type")
		return
	}

	s.state.auth = AuthPending
	s.sasl = saslExchange{server: server, mechanism: mechanism}

	var response []byte
	if initial = strings.TrimSpace(initial); initial != "" {
		// "=" is an explicitly empty initial response.
		if initial != "=" {
			response, err = base64.StdEncoding.DecodeString(initial)
			if err != nil {
				s.failAuth(fmt.Errorf("invalid initial response: %w", err))
				return
			}
		}
		if response == nil {
			response = []byte{}
		}
	}
	s.stepAuth(response)
}

func (s *Session) handleAuthResponse(line string) {
	line = strings.TrimSpace(line)
	if line == "*" {
		metrics.AuthenticationAttempts.WithLabelValues(s.sasl.mechanism, "cancelled").Inc()
		s.sasl = saslExchange{}
		s.state.auth = AuthUnauthenticated
		s.reply(501, "Authentication cancelled")
		return
	}

	response, err := base64.StdEncoding.DecodeString(line)
	if err != nil {
		s.failAuth(fmt.Errorf("invalid response: %w", err))
		return
	}
	if response == nil {
		response = []byte{}
	}
	s.stepAuth(response)
}

func (s *Session) stepAuth(response []byte) {
	challenge, done, err := s.sasl.server.Next(response)
	if err != nil {
		s.failAuth(err)
		return
	}
	if done {
		metrics.AuthenticationAttempts.WithLabelValues(s.sasl.mechanism, "success").Inc()
		s.logger().Info("client authenticated", "mechanism", s.sasl.mechanism)
		s.sasl = saslExchange{}
		s.state.auth = AuthAuthenticated
		s.reply(235, "Authentication successful")
		return
	}

	s.reply(334, base64.StdEncoding.EncodeToString(challenge))
}

func (s *Session) failAuth(err error) {
	metrics.AuthenticationAttempts.WithLabelValues(s.sasl.mechanism, "failure").Inc()
	s.logger().Warn("authentication failed", "mechanism", s.sasl.mechanism, "error", err)
	s.sasl = saslExchange{}
	s.state.auth = AuthFailed
	s.reply(535, "Authentication failed")
}

func (s *Session) handleMAIL(arg string) {
	m := mailFromArg.FindStringSubmatch(arg)
	if m == nil {
		s.reply(501, "Bad sender address syntax")
		return
	}
	s.state.from = m[1]
	s.state.to = nil
	s.reply(250, "OK")
}

func (s *Session) handleRCPT(arg string) {
	if s.state.from == "" {
		s.reply(503, "MAIL command first")
		return
	}
	m := rcptToArg.FindStringSubmatch(arg)
	if m == nil {
		s.reply(501, "Bad recipient address syntax")
		return
	}
	s.state.to = append(s.state.to, m[1])
	s.reply(250, "OK")
}

func (s *Session) handleDATA() {
	if len(s.state.to) == 0 {
		s.reply(503, "RCPT command first")
		return
	}

	s.parser = parser.New(s.state.id, s.cfg.Store, s.conv, s.cfg.Logger)
	s.state.dataMode = true
	if s.cfg.OnParseStart != nil {
		s.cfg.OnParseStart(s.state.id)
	}
	s.reply(354, "End data with <CR><LF>.<CR><LF>")
}

// handleDataLine feeds the parser until the terminating ".".
func (s *Session) handleDataLine(line string) {
	if line != "." {
		// A multi-byte character may span reads; only whole lines are
		// converted.
		line = string(s.conv.Convert(s.parser.Charset(), charset.UTF8, []byte(line)))
		if err := s.parser.WriteLine(line); err != nil {
			s.logger().Debug("parser rejected line", "error", err)
		}
		return
	}

	msg, err := s.parser.Finish()
	s.parser = nil

	s.parseEnded(err)

	if err != nil {
		s.logger().Error("failed to receive message", "error", err)
		s.reply(451, "Requested action aborted: local error in processing")
		s.resetSession()
		return
	}

	msg.Envelope = email.Envelope{
		From: s.state.from,
		To:   slices.Clone(s.state.to),
	}
	metrics.MessagesReceived.Inc()
	s.logger().Info("message received",
		"from", msg.Envelope.From,
		"to", msg.Envelope.To,
		"parts", len(msg.Parts),
	)

	s.reply(250, "OK")
	if s.cfg.OnMessage != nil {
		s.cfg.OnMessage(msg)
	}
	s.resetSession()
}

func (s *Session) parseEnded(err error) {
	if s.cfg.OnParseEnd != nil {
		s.cfg.OnParseEnd(s.state.id, err)
	}
}

// resetSession starts a new transaction under a new identity.
func (s *Session) resetSession() {
	s.replaceState(s.state.reset())
}

func (s *Session) replaceState(next state) {
	old := s.state.id
	s.state = next
	s.cfg.Logger.Info("session reset", "old", old, "new", next.id)
}

func (s *Session) reply(code int, text string) {
	s.send(fmt.Sprintf("%d %s", code, text))
}

// replyLines sends a multiline reply.
func (s *Session) replyLines(code int, texts []string) {
	for i, text := range texts {
		sep := "-"
		if i == len(texts)-1 {
			sep = " "
		}
		s.send(fmt.Sprintf("%d%s%s", code, sep, text))
	}
}

func (s *Session) send(line string) {
	if code, err := strconv.Atoi(line[:min(3, len(line))]); err == nil {
		s.lastCode = code
	}
	if err := s.transport.Send(line); err != nil {
		s.logger().Debug("failed to send reply", "error", err)
		return
	}
	s.logger().Debug("sent reply", "line", line)
}

// parseCommand splits an SMTP command line into the upper-cased verb and its
// argument.
func parseCommand(line string) (string, string) {
	cmd, arg, _ := strings.Cut(line, " ")
	return strings.ToUpper(cmd), strings.TrimSpace(arg)
}

// redact hides AUTH initial responses from the logs.
func redact(line string) string {
	cmd, arg := parseCommand(line)
	if cmd != "AUTH" {
		return line
	}
	mechanism, _, found := strings.Cut(arg, " ")
	if !found {
		return line
	}
	return "AUTH " + mechanism + " ***"
}
