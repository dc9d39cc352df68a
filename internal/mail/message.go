// Package mail wraps raw RFC 822 messages in an envelope the parsers can query
// without caring which retriever produced them.
package mail

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/charset"
	gomail "github.com/emersion/go-message/mail"
	"golang.org/x/text/encoding/charmap"
)

func init() {
	// Charsets seen in the wild that go-message does not register by default.
	charset.RegisterEncoding("windows-1252", charmap.Windows1252)
	charset.RegisterEncoding("iso-8859-1", charmap.ISO8859_1)
	charset.RegisterEncoding("iso-8859-15", charmap.ISO8859_15)
}

// Message is a parsed email. Retrievers set ID and InternalDate; everything else
// is derived from the raw bytes.
type Message struct {
	// ID is the retriever-specific identifier (IMAP UID, API message id, mbox index).
	ID           string
	InternalDate time.Time

	raw        []byte
	header     gomail.Header
	headerText string
	plain      string
	html       string
	htmlText   *string
}

// Parse builds a Message from raw RFC 822 bytes. Malformed parts are skipped
// rather than failing the whole message.
func Parse(raw []byte) (*Message, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, errors.New("Parse: empty message")
	}

	mr, err := gomail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("Parse: creating mail reader: %w", err)
	}
	defer mr.Close()

	m := &Message{
		raw:        raw,
		header:     mr.Header,
		headerText: unfold(rawHeaderBlock(raw)),
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil && !message.IsUnknownCharset(err) {
			break
		}
		if part == nil {
			break
		}
		m.collectPart(part)
	}

	return m, nil
}

func (m *Message) collectPart(part *gomail.Part) {
	var contentType string
	switch h := part.Header.(type) {
	case *gomail.InlineHeader:
		contentType, _, _ = h.ContentType()
	case *gomail.AttachmentHeader:
		contentType, _, _ = h.ContentType()
		if contentType != "message/rfc822" {
			return
		}
	default:
		return
	}

	body, err := io.ReadAll(part.Body)
	if err != nil {
		return
	}

	switch {
	case strings.HasPrefix(contentType, "text/plain"):
		if m.plain == "" {
			m.plain = string(body)
		}
	case strings.HasPrefix(contentType, "text/html"):
		if m.html == "" {
			m.html = string(body)
		}
	case contentType == "message/rfc822":
		// Forwarded as attachment: fold the inner message text into ours.
		inner, err := Parse(body)
		if err != nil {
			return
		}
		m.plain = joinNonEmpty(m.plain, inner.headerText+"\n\n"+inner.TextBody())
		if m.html == "" {
			m.html = inner.html
		}
	}
}

// Raw returns the original bytes.
func (m *Message) Raw() []byte { return m.raw }

// Header returns the decoded value of a header field, or "" when absent.
func (m *Message) Header(key string) string {
	v, err := m.header.Text(key)
	if err != nil {
		return m.header.Get(key)
	}
	return v
}

func (m *Message) Subject() string { return m.Header("Subject") }

func (m *Message) From() string { return m.Header("From") }

func (m *Message) To() string { return m.Header("To") }

// DateHeader returns the Date header exactly as sent.
func (m *Message) DateHeader() string { return m.header.Get("Date") }

// MessageID returns the Message-Id header without angle brackets.
func (m *Message) MessageID() string {
	id, err := m.header.MessageID()
	if err != nil || id == "" {
		return strings.Trim(strings.TrimSpace(m.header.Get("Message-Id")), "<>")
	}
	return id
}

// Date parses the Date header.
func (m *Message) Date() (time.Time, error) {
	return m.header.Date()
}

// FromAddress returns the display name and address of the first From mailbox.
func (m *Message) FromAddress() (name, address string) {
	return m.firstAddress("From")
}

// ToAddress returns the display name and address of the first To mailbox.
func (m *Message) ToAddress() (name, address string) {
	return m.firstAddress("To")
}

func (m *Message) firstAddress(key string) (string, string) {
	addrs, err := m.header.AddressList(key)
	if err != nil || len(addrs) == 0 {
		return "", strings.TrimSpace(m.header.Get(key))
	}
	return addrs[0].Name, addrs[0].Address
}

// PlainText returns the first text/plain part.
func (m *Message) PlainText() string { return m.plain }

// HTML returns the first text/html part as received.
func (m *Message) HTML() string { return m.html }

// HTMLText returns the HTML part reduced to plain text.
func (m *Message) HTMLText() string {
	if m.htmlText == nil {
		s := HTMLToText(m.html)
		m.htmlText = &s
	}
	return *m.htmlText
}

// TextBody prefers the plain part and falls back to the stripped HTML part.
func (m *Message) TextBody() string {
	if strings.TrimSpace(m.plain) != "" {
		return m.plain
	}
	return m.HTMLText()
}

// HeaderText returns the header block with folded lines joined.
func (m *Message) HeaderText() string { return m.headerText }

// Excerpt returns headers and body, cut to at most limit runes.
func (m *Message) Excerpt(limit int) string {
	s := m.headerText + "\n\n" + m.TextBody()
	if limit <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit])
}

func rawHeaderBlock(raw []byte) string {
	s := string(raw)
	if i := strings.Index(s, "\r\n\r\n"); i >= 0 {
		return s[:i]
	}
	if i := strings.Index(s, "\n\n"); i >= 0 {
		return s[:i]
	}
	return s
}

func unfold(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	var b strings.Builder
	for i, line := range strings.Split(s, "\n") {
		if i > 0 {
			if strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t") {
				b.WriteByte(' ')
				b.WriteString(strings.TrimSpace(line))
				continue
			}
			b.WriteByte('\n')
		}
		b.WriteString(line)
	}
	return b.String()
}

func joinNonEmpty(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	}
	return a + "\n\n" + b
}
