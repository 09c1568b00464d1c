// Package decode implements the content and header decodings applied to
// incoming messages: base64, quoted-printable and RFC 2047 encoded-words.
package decode

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/quotedprintable"
	"strings"

	"github.com/shineum/smtpd-lite/internal/charset"
	"github.com/shineum/smtpd-lite/internal/metrics"
)

// Transfer encodings recognised in Content-Transfer-Encoding.
const (
	EncodingBase64          = "base64"
	EncodingQuotedPrintable = "quoted-printable"
)

// ErrUnknownEncoding is returned for an encoded-word whose encoding letter
// is neither B nor Q.
var ErrUnknownEncoding = errors.New("unknown encoded-word encoding")

// DecodeBase64 decodes one line of base64 text. Padding is optional.
func DecodeBase64(line string) ([]byte, error) {
	s := strings.TrimSpace(line)
	if s == "" {
		return nil, nil
	}

	b, err := base64.StdEncoding.DecodeString(s)
	if err == nil {
		return b, nil
	}

	b, rawErr := base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
	if rawErr != nil {
		return nil, fmt.Errorf("invalid base64 line: %w", err)
	}
	return b, nil
}

// QuotedPrintable decodes the quoted-printable lines of one body or part.
// It carries soft-line-break continuations until the logical line ends.
type QuotedPrintable struct {
	conv    *charset.Converter
	charset string
	carry   []byte
	logger  *slog.Logger
}

// NewQuotedPrintable returns a decoder that converts decoded text from
// sourceCharset to UTF-8. An empty sourceCharset is detected per line.
func NewQuotedPrintable(conv *charset.Converter, sourceCharset string, logger *slog.Logger) *QuotedPrintable {
	if logger == nil {
		logger = slog.Default()
	}
	return &QuotedPrintable{
		conv:    conv,
		charset: sourceCharset,
		logger:  logger,
	}
}

// Decode consumes one physical line. It returns complete=false while the
// logical line continues on the next physical line.
func (q *QuotedPrintable) Decode(line string) (text []byte, complete bool) {
	trimmed := strings.TrimRight(line, " \t")
	if strings.HasSuffix(trimmed, "=") {
		q.carry = append(q.carry, trimmed[:len(trimmed)-1]...)
		return nil, false
	}

	logical := append(q.carry, line...)
	q.carry = nil

	raw, err := io.ReadAll(quotedprintable.NewReader(bytes.NewReader(logical)))
	if err != nil {
		q.logger.Debug("quoted-printable decoding failed, keeping raw line", "error", err)
		metrics.DecodeErrors.WithLabelValues("quoted-printable").Inc()
		raw = logical
	}

	return q.conv.Convert(q.charset, charset.UTF8, raw), true
}

// Pending reports whether a soft-broken line is waiting for its
// continuation.
func (q *QuotedPrintable) Pending() bool {
	return len(q.carry) > 0
}

// Flush returns a dangling continuation as a complete line. It is used when
// the section ends right after a soft line break.
func (q *QuotedPrintable) Flush() []byte {
	if len(q.carry) == 0 {
		return nil
	}
	text, _ := q.Decode("")
	return text
}
