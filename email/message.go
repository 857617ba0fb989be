package email

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"
)

// ContentType selects how a message body is rendered.
type ContentType string

const (
	Text ContentType = "text"
	HTML ContentType = "html"
)

// ParseContentType case-folds s into a ContentType. An empty string selects
// Text.
func ParseContentType(s string) (ContentType, error) {
	if s == "" {
		return Text, nil
	}
	switch c := ContentType(strings.ToLower(s)); c {
	case Text, HTML:
		return c, nil
	}
	return "", &ValidationError{
		Field:  "content",
		Value:  s,
		Reason: fmt.Sprintf(`Invalid content type :%v. Allowed ["text", "html"]`, s),
	}
}

// Fields is the unvalidated input for a message. Address fields and
// Attachments take either one comma-delimited entry or one entry per
// element; both forms can be mixed.
type Fields struct {
	Sender      string
	To          []string
	Cc          []string
	Bcc         []string
	Subject     string
	Body        string
	Attachments []string
	// "text" or "html", any case. Empty means "text".
	Content string
}

// Attachment is a file read into memory at construction time.
type Attachment struct {
	// Path as the caller supplied it
	Path string
	// Filename is the basename of Path and is what the recipient sees.
	Filename string
	Data     []byte
}

// Message is a validated outbound email. Create it with NewMessage; it can't
// be changed afterwards.
type Message struct {
	sender      string
	to          []string
	cc          []string
	bcc         []string
	subject     string
	body        string
	content     ContentType
	attachments []Attachment

	// fixed at construction so that rendering twice gives the same bytes
	boundary  string
	messageID string

	now func() time.Time
}

// NewMessage validates f and reads its attachments. Either every field is
// valid and a *Message is returned, or the first problem is returned as a
// *ValidationError or *AttachmentError.
func NewMessage(f Fields) (*Message, error) {
	if strings.TrimSpace(f.Sender) == "" {
		return nil, &ValidationError{Field: "sender", Reason: "Sender cannot be empty"}
	}
	sender, err := validateSimple("sender", strings.TrimSpace(f.Sender))
	if err != nil {
		return nil, err
	}

	if len(normalizeList(f.To)) == 0 {
		return nil, &ValidationError{Field: "to", Reason: "Recipients cannot be empty"}
	}
	to, err := validateList("to", f.To)
	if err != nil {
		return nil, err
	}
	cc, err := validateList("cc", f.Cc)
	if err != nil {
		return nil, err
	}
	bcc, err := validateList("bcc", f.Bcc)
	if err != nil {
		return nil, err
	}

	content, err := ParseContentType(f.Content)
	if err != nil {
		return nil, err
	}

	attachments, err := loadAttachments(f.Attachments)
	if err != nil {
		return nil, err
	}

	return &Message{
		sender:      sender,
		to:          to,
		cc:          cc,
		bcc:         bcc,
		subject:     f.Subject,
		body:        f.Body,
		content:     content,
		attachments: attachments,
		boundary:    strings.ReplaceAll(uuid.New().String(), "-", ""),
		messageID:   uuid.New().String() + "@" + domainOf(sender),
		now:         time.Now,
	}, nil
}

func loadAttachments(paths []string) ([]Attachment, error) {
	entries := normalizeList(paths)
	out := make([]Attachment, 0, len(entries))
	for _, p := range entries {
		resolved, err := expandHome(p)
		if err != nil {
			return nil, &AttachmentError{Path: p, Err: err}
		}
		data, err := os.ReadFile(resolved)
		if err != nil {
			return nil, &AttachmentError{Path: p, Err: err}
		}
		out = append(out, Attachment{
			Path:     p,
			Filename: filepath.Base(resolved),
			Data:     data,
		})
	}
	return out, nil
}

// expandHome replaces a leading "~" with the current user's home directory.
func expandHome(p string) (string, error) {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, p[1:]), nil
}

func domainOf(addr string) string {
	return addr[strings.LastIndex(addr, "@")+1:]
}

// Sender returns the bare sender address.
func (m *Message) Sender() string { return m.sender }

// To returns the main recipients.
func (m *Message) To() []string { return copyStrings(m.to) }

// Cc returns the carbon-copy recipients.
func (m *Message) Cc() []string { return copyStrings(m.cc) }

// Bcc returns the blind-copy recipients. They never show up in a header.
func (m *Message) Bcc() []string { return copyStrings(m.bcc) }

// Subject returns the subject line.
func (m *Message) Subject() string { return m.subject }

// Body returns the message body.
func (m *Message) Body() string { return m.body }

// Content returns the body content type.
func (m *Message) Content() ContentType { return m.content }

// MessageID returns the Message-ID header value without angle brackets.
func (m *Message) MessageID() string { return m.messageID }

// Attachments returns copies of the loaded attachments.
func (m *Message) Attachments() []Attachment {
	out := make([]Attachment, len(m.attachments))
	for i, a := range m.attachments {
		out[i] = Attachment{
			Path:     a.Path,
			Filename: a.Filename,
			Data:     append([]byte(nil), a.Data...),
		}
	}
	return out
}

// Recipients is the SMTP envelope recipient list: To, then Cc, then Bcc.
// Duplicates are kept.
func (m *Message) Recipients() []string {
	r := make([]string, 0, len(m.to)+len(m.cc)+len(m.bcc))
	r = append(r, m.to...)
	r = append(r, m.cc...)
	return append(r, m.bcc...)
}

// Serialize renders the message, headers and MIME body, as it should be
// handed to the SMTP DATA command.
func (m *Message) Serialize() (string, error) {
	var b strings.Builder
	if _, err := m.WriteTo(&b); err != nil {
		return "", err
	}
	return b.String(), nil
}

// WriteTo implements io.WriterTo.
func (m *Message) WriteTo(w io.Writer) (int64, error) {
	cw := &countingWriter{w: w}
	err := m.render(cw)
	return cw.n, err
}

func (m *Message) render(w io.Writer) error {
	var h mail.Header
	mediaType := "multipart/mixed"
	if m.content == HTML {
		mediaType = "multipart/alternative"
	}
	h.SetContentType(mediaType, map[string]string{"boundary": m.boundary})
	h.Set("MIME-Version", "1.0")
	h.Set("From", m.sender)
	h.Set("To", strings.Join(m.to, ", "))
	if len(m.cc) > 0 {
		h.Set("Cc", strings.Join(m.cc, ", "))
	}
	h.SetDate(m.now())
	h.SetSubject(m.subject)
	h.SetMessageID(m.messageID)

	mw, err := message.CreateWriter(w, h.Header)
	if err != nil {
		return fmt.Errorf("can't write the message header: %w", err)
	}

	var bh message.Header
	if m.content == HTML {
		bh.SetContentType("text/html", map[string]string{"charset": "utf-8"})
	} else {
		bh.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	}
	bh.Set("Content-Transfer-Encoding", "quoted-printable")
	if err := writePart(mw, bh, []byte(m.body)); err != nil {
		return fmt.Errorf("can't write the message body: %w", err)
	}

	for _, a := range m.attachments {
		var ah mail.AttachmentHeader
		ah.SetContentType("application/octet-stream", nil)
		ah.Set("Content-Transfer-Encoding", "base64")
		ah.SetFilename(a.Filename)
		if err := writePart(mw, ah.Header, a.Data); err != nil {
			return fmt.Errorf("can't write attachment %v: %w", a.Filename, err)
		}
	}

	return mw.Close()
}

func writePart(mw *message.Writer, h message.Header, data []byte) error {
	pw, err := mw.CreatePart(h)
	if err != nil {
		return err
	}
	if _, err := pw.Write(data); err != nil {
		return err
	}
	return pw.Close()
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

func copyStrings(s []string) []string {
	return append([]string{}, s...)
}
