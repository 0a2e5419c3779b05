package gmail

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"net/textproto"
	"path/filepath"
	"strings"
	"time"

	gm "google.golang.org/api/gmail/v1"

	"inboxflow/internal/domain"
	"inboxflow/internal/intake"
	"inboxflow/internal/meta"
)

// Email is the part of a Gmail message a record is built from.
type Email struct {
	ID       string
	From     string
	To       string
	Cc       string
	Subject  string
	Date     time.Time
	Snippet  string
	Body     string
	Labels   []string
	Received time.Time
}

// Important reports whether Gmail flagged the message as important.
func (e Email) Important() bool {
	for _, l := range e.Labels {
		if l == "IMPORTANT" {
			return true
		}
	}
	return false
}

// ParseMessage extracts headers and the plain text body.
func ParseMessage(msg *gm.Message) Email {
	e := Email{ID: msg.Id, Snippet: msg.Snippet, Labels: msg.LabelIds}
	if msg.InternalDate > 0 {
		e.Received = time.UnixMilli(msg.InternalDate).UTC()
	}
	if msg.Payload == nil {
		return e
	}
	for _, h := range msg.Payload.Headers {
		switch strings.ToLower(h.Name) {
		case "subject":
			e.Subject = h.Value
		case "from":
			e.From = h.Value
		case "to":
			e.To = h.Value
		case "cc":
			e.Cc = h.Value
		case "date":
			if t, err := mail.ParseDate(h.Value); err == nil {
				e.Date = t
			}
		}
	}
	e.Body = PlainTextBody(msg.Payload)
	return e
}

// PlainTextBody returns the first text/plain part, searching nested parts.
func PlainTextBody(part *gm.MessagePart) string {
	if part == nil {
		return ""
	}
	if strings.EqualFold(part.MimeType, "text/plain") && part.Body != nil && part.Body.Data != "" {
		if s, err := decodeData(part.Body.Data); err == nil {
			return s
		}
	}
	for _, p := range part.Parts {
		mt := strings.ToLower(p.MimeType)
		if strings.HasPrefix(mt, "text/") || strings.HasPrefix(mt, "multipart/") {
			if body := PlainTextBody(p); body != "" {
				return body
			}
		}
	}
	return ""
}

// Submission turns an email into an intake submission.
func (e Email) Submission() intake.Submission {
	received := e.Date
	if received.IsZero() {
		received = e.Received
	}
	subject := e.Subject
	if subject == "" {
		subject = "No Subject"
	}
	from := e.From
	if from == "" {
		from = "Unknown"
	}
	priority := domain.PriorityNormal
	if e.Important() {
		priority = domain.PriorityHigh
	}
	fields := []meta.Field{
		{Key: "kind", Value: string(domain.KindEmail)},
		{Key: "origin", Value: from},
		{Key: "from", Value: from},
		{Key: "subject", Value: subject},
	}
	if !received.IsZero() {
		fields = append(fields, meta.Field{Key: "received", Value: received.UTC().Format(time.RFC3339)})
	}
	fields = append(fields,
		meta.Field{Key: "priority", Value: string(priority)},
		meta.Field{Key: "message_id", Value: e.ID},
	)
	body := strings.TrimSpace(e.Body)
	if body == "" {
		body = strings.TrimSpace(e.Snippet)
	}
	return intake.Submission{
		Prefix: intake.PrefixEmail,
		Slug:   e.ID,
		Fields: fields,
		Body:   body + "\n",
	}
}

// Attachment is a file sent along with an email.
type Attachment struct {
	Name string
	Data []byte
}

// Compose renders desc as an RFC 822 message.
func Compose(desc domain.ActionDescriptor, att *Attachment, date time.Time) ([]byte, error) {
	to, err := mail.ParseAddressList(desc.Recipient)
	if err != nil {
		return nil, fmt.Errorf("invalid recipient %q: %w", desc.Recipient, err)
	}
	var buf bytes.Buffer
	writeHeader(&buf, "To", joinAddresses(to))
	if strings.TrimSpace(desc.CC) != "" {
		cc, err := mail.ParseAddressList(desc.CC)
		if err != nil {
			return nil, fmt.Errorf("invalid cc %q: %w", desc.CC, err)
		}
		writeHeader(&buf, "Cc", joinAddresses(cc))
	}
	writeHeader(&buf, "Subject", mime.QEncoding.Encode("utf-8", desc.Subject))
	writeHeader(&buf, "Date", date.Format(time.RFC1123Z))
	writeHeader(&buf, "MIME-Version", "1.0")

	text, err := encodeText(desc.Body)
	if err != nil {
		return nil, err
	}
	if att == nil {
		writeHeader(&buf, "Content-Type", `text/plain; charset="utf-8"`)
		writeHeader(&buf, "Content-Transfer-Encoding", "quoted-printable")
		buf.WriteString("\r\n")
		buf.Write(text)
		return buf.Bytes(), nil
	}

	mw := multipart.NewWriter(&buf)
	writeHeader(&buf, "Content-Type", `multipart/mixed; boundary="`+mw.Boundary()+`"`)
	buf.WriteString("\r\n")
	part, err := mw.CreatePart(textproto.MIMEHeader{
		"Content-Type":              {`text/plain; charset="utf-8"`},
		"Content-Transfer-Encoding": {"quoted-printable"},
	})
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(text); err != nil {
		return nil, err
	}
	ctype := mime.TypeByExtension(filepath.Ext(att.Name))
	if ctype == "" {
		ctype = "application/octet-stream"
	}
	name := filepath.Base(att.Name)
	part, err = mw.CreatePart(textproto.MIMEHeader{
		"Content-Type":              {mime.FormatMediaType(ctype, map[string]string{"name": name})},
		"Content-Disposition":       {mime.FormatMediaType("attachment", map[string]string{"filename": name})},
		"Content-Transfer-Encoding": {"base64"},
	})
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(wrapBase64(att.Data)); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeHeader(buf *bytes.Buffer, name, value string) {
	buf.WriteString(name + ": " + value + "\r\n")
}

func joinAddresses(list []*mail.Address) string {
	out := make([]string, 0, len(list))
	for _, a := range list {
		out = append(out, a.String())
	}
	return strings.Join(out, ", ")
}

func encodeText(body string) ([]byte, error) {
	var buf bytes.Buffer
	w := quotedprintable.NewWriter(&buf)
	if _, err := w.Write([]byte(body)); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	buf.WriteString("\r\n")
	return buf.Bytes(), nil
}

func wrapBase64(data []byte) []byte {
	enc := base64.StdEncoding.EncodeToString(data)
	var buf bytes.Buffer
	for len(enc) > 76 {
		buf.WriteString(enc[:76] + "\r\n")
		enc = enc[76:]
	}
	buf.WriteString(enc + "\r\n")
	return buf.Bytes()
}
