package decode

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/shineum/smtpd-lite/internal/charset"
	"github.com/shineum/smtpd-lite/internal/metrics"
)

// encodedWord matches =?charset?encoding?text?= with any encoding letter so
// that unsupported ones can be reported rather than silently skipped.
var encodedWord = regexp.MustCompile(`=\?([A-Za-z0-9_.:*-]+)\?([A-Za-z])\?([^?]*)\?=`)

// WordDecoder decodes RFC 2047 encoded-words embedded in header text.
type WordDecoder struct {
	conv   *charset.Converter
	logger *slog.Logger
}

// NewWordDecoder creates a WordDecoder converting word payloads to UTF-8.
func NewWordDecoder(conv *charset.Converter, logger *slog.Logger) *WordDecoder {
	if logger == nil {
		logger = slog.Default()
	}
	return &WordDecoder{conv: conv, logger: logger}
}

// Decode replaces every encoded-word in text with its decoded form. Text
// between words is returned unchanged, and words that fail to decode are
// kept verbatim.
func (d *WordDecoder) Decode(text string) string {
	if !strings.Contains(text, "=?") {
		return text
	}

	return encodedWord.ReplaceAllStringFunc(text, func(word string) string {
		decoded, err := d.decodeWord(word)
		if err != nil {
			d.logger.Debug("failed to decode encoded-word",
				"word", word,
				"error", err,
			)
			metrics.DecodeErrors.WithLabelValues("encoded-word").Inc()
			return word
		}
		return decoded
	})
}

func (d *WordDecoder) decodeWord(word string) (string, error) {
	m := encodedWord.FindStringSubmatch(word)
	if m == nil {
		return "", fmt.Errorf("malformed encoded-word %q", word)
	}

	cs, enc, text := m[1], m[2], m[3]
	// RFC 2231 language suffix: charset*lang
	if i := strings.IndexByte(cs, '*'); i >= 0 {
		cs = cs[:i]
	}

	var raw []byte
	switch enc {
	case "B", "b":
		b, err := DecodeBase64(text)
		if err != nil {
			return "", err
		}
		raw = b
	case "Q", "q":
		raw = unescapeQ(text)
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownEncoding, enc)
	}

	return string(d.conv.Convert(cs, charset.UTF8, raw)), nil
}

// unescapeQ decodes the Q encoding: =XX hex escapes and '_' for space.
// Malformed escapes are kept literally.
func unescapeQ(s string) []byte {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '_':
			out = append(out, ' ')
		case c == '=' && i+2 < len(s) && isHex(s[i+1]) && isHex(s[i+2]):
			out = append(out, unhex(s[i+1])<<4|unhex(s[i+2]))
			i += 2
		default:
			out = append(out, c)
		}
	}
	return out
}

func isHex(c byte) bool {
	return ('0' <= c && c <= '9') || ('a' <= c && c <= 'f') || ('A' <= c && c <= 'F')
}

func unhex(c byte) byte {
	switch {
	case '0' <= c && c <= '9':
		return c - '0'
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10
	default:
		return c - 'A' + 10
	}
}
