// Package parser decodes the DATA section of an SMTP transaction line by
// line, streaming bodies and MIME parts to storage as they arrive.
package parser

import (
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"regexp"
	"strconv"
	"strings"

	"github.com/shineum/smtpd-lite/internal/charset"
	"github.com/shineum/smtpd-lite/internal/decode"
	"github.com/shineum/smtpd-lite/internal/email"
	"github.com/shineum/smtpd-lite/internal/metrics"
	"github.com/shineum/smtpd-lite/internal/storage"
)

// Parser states.
const (
	stateHeader = iota
	stateBody
	statePartHeader
	statePartBody
	stateDone
)

// ErrDone is returned when the parser is used after Finish or Abort.
var ErrDone = errors.New("parser: message already finished")

var (
	headerLine    = regexp.MustCompile(`^([A-Za-z-]+): ?(.+)$`)
	boundaryParam = regexp.MustCompile(`(?i)boundary=(?:"([^"]*)"|'([^']*)'|([^;\s"']+))`)
)

var crlf = []byte("\r\n")

// section is the body or one part while it is being written.
type section struct {
	kind     string
	header   map[string]string
	sink     *storage.Sink
	length   int64
	encoding string
	qp       *decode.QuotedPrintable
}

// Parser is the per-message DATA state machine. It is not safe for
// concurrent use; a session drives it from a single goroutine.
type Parser struct {
	id     string
	store  *storage.Store
	conv   *charset.Converter
	words  *decode.WordDecoder
	logger *slog.Logger

	state        int
	started      bool
	boundaries   []string
	terminators  map[string]bool
	lastKey      string
	lastTerminal bool
	partIndex    int

	header map[string]string
	body   *section
	part   *section

	result *email.Body
	parts  []email.Part
	err    error
}

// New creates a Parser for the message received under session identity id.
func New(id string, store *storage.Store, conv *charset.Converter, logger *slog.Logger) *Parser {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("message", id)

	return &Parser{
		id:          id,
		store:       store,
		conv:        conv,
		words:       decode.NewWordDecoder(conv, logger),
		logger:      logger,
		terminators: make(map[string]bool),
		header:      make(map[string]string),
		part:        newPart(),
	}
}

func newPart() *section {
	return &section{kind: "part", header: make(map[string]string)}
}

// ID returns the identity the parser is bound to.
func (p *Parser) ID() string {
	return p.id
}

// Boundaries returns the registered delimiter lines in registration order.
func (p *Parser) Boundaries() []string {
	out := make([]string, len(p.boundaries))
	copy(out, p.boundaries)
	return out
}

// Charset returns the charset declared by the message's Content-Type, or
// "" while none is known.
func (p *Parser) Charset() string {
	return contentCharset(p.header)
}

// Err returns the first storage error, if any.
func (p *Parser) Err() error {
	return p.err
}

// WriteLine feeds one line of DATA content, without its line delimiter.
func (p *Parser) WriteLine(line string) error {
	if p.state == stateDone {
		return ErrDone
	}
	if !p.started {
		p.started = true
		p.logger.Info("parsing started")
	}

	isBoundary, terminal := p.matchBoundary(line)

	switch p.state {
	case stateHeader:
		if line == "" {
			p.logger.Debug("parsed message headers", "fields", len(p.header))
			p.body = p.openSection("body", p.header, p.id+".body")
			p.lastKey = ""
			p.state = stateBody
			return nil
		}
		p.parseHeader(line, p.header)

	case stateBody:
		if isBoundary {
			p.closeBody()
			p.lastTerminal = terminal
			p.state = statePartHeader
			return nil
		}
		p.write(p.body, line)

	case statePartHeader:
		if isBoundary {
			p.logger.Debug("ignored empty part", "index", p.partIndex)
			p.part = newPart()
			p.lastKey = ""
			p.lastTerminal = terminal
			return nil
		}
		if line == "" {
			p.logger.Debug("parsed part headers", "index", p.partIndex)
			name := p.id + ".part" + strconv.Itoa(p.partIndex)
			header := p.part.header
			p.part = p.openSection("part", header, name)
			p.lastKey = ""
			p.state = statePartBody
			return nil
		}
		p.parseHeader(line, p.part.header)

	case statePartBody:
		if isBoundary {
			if p.lastTerminal {
				// Epilogue of a nested multipart, ended by an outer delimiter.
				p.discard(p.part)
			} else {
				p.closePart()
			}
			p.part = newPart()
			p.partIndex++
			p.lastTerminal = terminal
			p.state = statePartHeader
			return nil
		}
		p.write(p.part, line)
	}

	return nil
}

// Finish closes any open section and returns the parsed message. The
// message is returned even when a storage error occurred; the error
// reports that some content may be missing.
func (p *Parser) Finish() (*email.Message, error) {
	if p.state == stateDone {
		return nil, ErrDone
	}

	switch p.state {
	case stateBody:
		p.closeBody()
	case statePartBody:
		if p.lastTerminal {
			// Content after a closing delimiter is epilogue.
			p.discard(p.part)
		} else {
			p.closePart()
		}
	}
	p.state = stateDone

	msg := &email.Message{
		ID:     p.id,
		Header: p.header,
		Body:   p.result,
		Parts:  p.parts,
	}

	p.logger.Info("parsing finished",
		"has_body", msg.Body != nil,
		"parts", len(msg.Parts),
	)

	return msg, p.err
}

// Abort stops parsing without producing a message. Partially written files
// are left on disk.
func (p *Parser) Abort() {
	if p.state == stateDone {
		return
	}
	for _, sec := range []*section{p.body, p.part} {
		if sec != nil && sec.sink != nil {
			if err := sec.sink.Abort(); err != nil {
				p.logger.Warn("failed to close partial content", "error", err)
			}
		}
	}
	p.state = stateDone
	p.logger.Info("parsing aborted")
}

func (p *Parser) parseHeader(line string, target map[string]string) {
	if m := headerLine.FindStringSubmatch(line); m != nil {
		key := strings.ToLower(m[1])
		target[key] = strings.TrimSpace(p.words.Decode(m[2]))
		p.lastKey = key
	} else if p.lastKey != "" {
		target[p.lastKey] += p.words.Decode(line)
	}

	if m := boundaryParam.FindStringSubmatch(line); m != nil {
		token := m[1] + m[2] + m[3]
		if token != "" {
			p.addBoundary(token)
		}
	}
}

func (p *Parser) addBoundary(token string) {
	sep := "--" + token
	for _, b := range p.boundaries {
		if b == sep {
			return
		}
	}
	term := sep + "--"
	p.boundaries = append(p.boundaries, sep, term)
	p.terminators[term] = true
	p.logger.Debug("registered boundary", "boundary", token)
}

func (p *Parser) matchBoundary(line string) (match, terminal bool) {
	if len(p.boundaries) == 0 || !strings.HasPrefix(line, "--") {
		return false, false
	}
	line = strings.TrimRight(line, " \t")
	for _, b := range p.boundaries {
		if b == line {
			return true, p.terminators[b]
		}
	}
	return false, false
}

func (p *Parser) openSection(kind string, header map[string]string, name string) *section {
	sec := &section{
		kind:     kind,
		header:   header,
		encoding: strings.ToLower(strings.TrimSpace(header["content-transfer-encoding"])),
	}
	if sec.encoding == decode.EncodingQuotedPrintable {
		sec.qp = decode.NewQuotedPrintable(p.conv, contentCharset(header), p.logger)
	}

	if p.err != nil {
		return sec
	}
	sink, err := p.store.Create(name)
	if err != nil {
		p.fail(err)
		return sec
	}
	sec.sink = sink
	p.logger.Debug("created content sink", "kind", kind, "path", sink.Path())
	return sec
}

func (p *Parser) write(sec *section, line string) {
	var payload []byte
	var delimited bool

	switch sec.encoding {
	case decode.EncodingBase64:
		b, err := decode.DecodeBase64(line)
		if err != nil {
			p.logger.Debug("base64 decoding failed, keeping raw line", "error", err)
			metrics.DecodeErrors.WithLabelValues("base64").Inc()
			b = []byte(line)
		}
		payload = b
	case decode.EncodingQuotedPrintable:
		text, complete := sec.qp.Decode(line)
		if !complete {
			return
		}
		payload, delimited = text, true
	default:
		payload, delimited = []byte(line), true
	}

	p.emit(sec, payload, delimited)
}

func (p *Parser) emit(sec *section, payload []byte, delimited bool) {
	sec.length += int64(len(payload))
	if sec.sink == nil {
		return
	}

	if _, err := sec.sink.Write(payload); err != nil {
		p.fail(err)
		return
	}
	if delimited {
		if _, err := sec.sink.Write(crlf); err != nil {
			p.fail(err)
			return
		}
	}
	metrics.ContentBytes.WithLabelValues(sec.kind).Add(float64(len(payload)))
}

// closeSection flushes a section and returns its content, or nil when the
// section is empty or could not be stored.
func (p *Parser) closeSection(sec *section) *storage.Content {
	if sec.qp != nil && sec.qp.Pending() {
		p.emit(sec, sec.qp.Flush(), true)
	}
	if sec.sink == nil {
		return nil
	}

	content, err := sec.sink.Close()
	if err != nil {
		p.fail(err)
		return nil
	}
	if sec.length == 0 {
		if err := content.Remove(); err != nil {
			p.logger.Debug("failed to remove empty content", "path", content.Path, "error", err)
		}
		return nil
	}
	return content
}

func (p *Parser) closeBody() {
	if p.body == nil {
		return
	}
	if content := p.closeSection(p.body); content != nil {
		p.result = &email.Body{Content: content, Length: p.body.length}
	} else {
		p.logger.Debug("message body is empty")
	}
	p.body = nil
}

func (p *Parser) closePart() {
	content := p.closeSection(p.part)
	if content == nil {
		p.logger.Debug("ignored empty part", "index", p.partIndex)
		return
	}
	p.parts = append(p.parts, email.Part{
		Header:  p.part.header,
		Content: content,
		Length:  p.part.length,
	})
	metrics.MessageParts.Inc()
}

func (p *Parser) discard(sec *section) {
	if sec.sink == nil {
		return
	}
	content, err := sec.sink.Close()
	if err != nil {
		p.fail(err)
		return
	}
	if err := content.Remove(); err != nil {
		p.logger.Debug("failed to remove discarded content", "path", content.Path, "error", err)
	}
}

func (p *Parser) fail(err error) {
	metrics.StorageErrors.Inc()
	p.logger.Error("failed to store message content", "error", err)
	if p.err == nil {
		p.err = fmt.Errorf("message %s: %w", p.id, err)
	}
}

// contentCharset extracts the charset parameter of a Content-Type value.
func contentCharset(header map[string]string) string {
	ct := header["content-type"]
	if ct == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(ct)
	if err != nil {
		return ""
	}
	return params["charset"]
}
