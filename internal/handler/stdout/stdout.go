// Package stdout implements a Handler that prints message summaries.
package stdout

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/shineum/smtpd-lite/internal/email"
	"github.com/shineum/smtpd-lite/internal/storage"
)

// previewSize is how much of the body is printed.
const previewSize = 512

// Handler prints received messages in a human-readable format.
type Handler struct {
	mu     sync.Mutex
	writer io.Writer
}

// New creates a new stdout Handler that writes to os.Stdout.
func New() *Handler {
	return &Handler{writer: os.Stdout}
}

// NewWithWriter creates a new stdout Handler that writes to the given writer.
func NewWithWriter(w io.Writer) *Handler {
	return &Handler{writer: w}
}

// Handle prints the envelope, the subject, a preview of the body and one
// line per part.
func (h *Handler) Handle(_ context.Context, msg *email.Message) error {
	var b strings.Builder

	b.WriteString("========================================\n")
	fmt.Fprintf(&b, "ID: %s\n", msg.ID)
	fmt.Fprintf(&b, "From: %s\n", msg.Envelope.From)
	fmt.Fprintf(&b, "To: %s\n", strings.Join(msg.Envelope.To, ", "))
	fmt.Fprintf(&b, "Subject: %s\n", msg.Get("subject"))

	if msg.Body != nil {
		preview, err := readPreview(msg.Body.Content)
		if err != nil {
			return fmt.Errorf("failed to read message body: %w", err)
		}
		fmt.Fprintf(&b, "Body (%s):\n", formatSize(msg.Body.Length))
		b.WriteString(preview)
		if !strings.HasSuffix(preview, "\n") {
			b.WriteString("\n")
		}
	}

	if len(msg.Parts) > 0 {
		b.WriteString("Parts:\n")
		for i, part := range msg.Parts {
			contentType := part.Get("content-type")
			if contentType == "" {
				contentType = "text/plain"
			}
			fmt.Fprintf(&b, "  [%d] %s (%s) %s\n",
				i, contentType, formatSize(part.Length), part.Content.Digest)
		}
	}

	b.WriteString("========================================\n")

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, err := io.WriteString(h.writer, b.String()); err != nil {
		return fmt.Errorf("failed to write summary: %w", err)
	}
	return nil
}

// Name returns the handler name.
func (h *Handler) Name() string {
	return "stdout"
}

func readPreview(c *storage.Content) (string, error) {
	rc, err := c.Open()
	if err != nil {
		return "", err
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, previewSize))
	if err != nil {
		return "", err
	}
	s := string(data)
	if c.Size > previewSize {
		s += "...\n"
	}
	return s, nil
}

// formatSize formats a byte count into a human-readable string.
func formatSize(bytes int64) string {
	const (
		kb = 1024
		mb = kb * 1024
	)

	switch {
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
