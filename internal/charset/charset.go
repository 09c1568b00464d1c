// Package charset converts byte buffers between named character sets and
// guesses the character set of unlabelled data.
package charset

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"strings"

	gmcharset "github.com/emersion/go-message/charset"
	"github.com/saintfish/chardet"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/encoding/korean"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/transform"

	"github.com/shineum/smtpd-lite/internal/metrics"
)

// UTF8 is the canonical output charset.
const UTF8 = "UTF-8"

// minConfidence is the detector confidence (in percent) below which the
// configured default charset is used instead of the detector's guess.
const minConfidence = 20

// extraEncodings covers names that neither go-message nor the IANA index
// resolve to the table we want.
var extraEncodings = map[string]encoding.Encoding{
	"cp949":    korean.EUCKR,
	"gb-18030": simplifiedchinese.GB18030,
}

// Detector guesses the charset of a byte sample.
// *chardet.Detector satisfies this interface.
type Detector interface {
	DetectBest(b []byte) (*chardet.Result, error)
}

// Converter converts buffers between charsets. A Converter holds no mutable
// state and may be shared, but each session constructs its own.
type Converter struct {
	defaultCharset string
	detector       Detector
	logger         *slog.Logger
}

// Option configures a Converter.
type Option func(*Converter)

// WithDetector replaces the statistical text detector.
func WithDetector(d Detector) Option {
	return func(c *Converter) {
		c.detector = d
	}
}

// WithLogger sets the logger used for conversion diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(c *Converter) {
		c.logger = l
	}
}

// New creates a Converter that falls back to defaultCharset whenever
// detection is inconclusive. An empty defaultCharset means UTF-8.
func New(defaultCharset string, opts ...Option) *Converter {
	if defaultCharset == "" {
		defaultCharset = UTF8
	}
	c := &Converter{
		defaultCharset: defaultCharset,
		detector:       chardet.NewTextDetector(),
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Default returns the configured fallback charset.
func (c *Converter) Default() string {
	return c.defaultCharset
}

// Convert converts b from charset from to charset to. An empty from runs
// detection first. On any failure the original bytes are returned.
func (c *Converter) Convert(from, to string, b []byte) []byte {
	if len(b) == 0 {
		return b
	}
	if from == "" {
		from = c.Detect(b)
	}
	if to == "" {
		to = UTF8
	}

	from, to = Normalize(from), Normalize(to)
	if strings.EqualFold(from, to) {
		return b
	}

	out, err := transcode(from, to, b)
	if err != nil {
		c.logger.Debug("charset conversion failed, keeping original bytes",
			"from", from,
			"to", to,
			"error", err,
		)
		metrics.DecodeErrors.WithLabelValues("charset").Inc()
		return b
	}
	return out
}

// AutoConvert converts b to charset to, detecting the source charset.
func (c *Converter) AutoConvert(to string, b []byte) []byte {
	return c.Convert("", to, b)
}

// Detect returns the most likely charset of sample, or the default charset
// when the detector fails or is less than 20% confident.
func (c *Converter) Detect(sample []byte) string {
	if c.detector == nil {
		return c.defaultCharset
	}

	res, err := c.detector.DetectBest(sample)
	if err != nil || res == nil || res.Charset == "" {
		return c.defaultCharset
	}

	if res.Confidence < minConfidence {
		c.logger.Debug("charset confidence under threshold, using default",
			"detected", res.Charset,
			"confidence", res.Confidence,
			"default", c.defaultCharset,
		)
		return c.defaultCharset
	}

	return res.Charset
}

// Normalize maps charset aliases that common mail clients emit to the
// names the conversion tables know.
func Normalize(name string) string {
	name = strings.TrimSpace(name)
	switch strings.ToUpper(name) {
	case "EUC-KR", "KS_C_5601-1987":
		return "CP949"
	case "ISO-8859-8-I":
		return "ISO-8859-8"
	}
	return name
}

func transcode(from, to string, b []byte) ([]byte, error) {
	r, err := decoder(from, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}

	if !isUTF8(to) {
		enc, err := lookup(to)
		if err != nil {
			return nil, err
		}
		r = transform.NewReader(r, encoding.ReplaceUnsupported(enc.NewEncoder()))
	}

	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to convert %s to %s: %w", from, to, err)
	}
	return out, nil
}

func decoder(name string, r io.Reader) (io.Reader, error) {
	if enc, ok := extraEncodings[strings.ToLower(name)]; ok {
		return transform.NewReader(r, enc.NewDecoder()), nil
	}
	dr, err := gmcharset.Reader(name, r)
	if err != nil {
		return nil, fmt.Errorf("no decoder for charset %q: %w", name, err)
	}
	return dr, nil
}

func lookup(name string) (encoding.Encoding, error) {
	if enc, ok := extraEncodings[strings.ToLower(name)]; ok {
		return enc, nil
	}

	enc, err := ianaindex.MIME.Encoding(name)
	if err != nil || enc == nil {
		enc, err = ianaindex.IANA.Encoding(name)
	}
	if err != nil {
		return nil, fmt.Errorf("unknown charset %q: %w", name, err)
	}
	if enc == nil {
		return nil, fmt.Errorf("unsupported charset %q", name)
	}
	return enc, nil
}

func isUTF8(name string) bool {
	return strings.EqualFold(name, "UTF-8") || strings.EqualFold(name, "UTF8")
}
