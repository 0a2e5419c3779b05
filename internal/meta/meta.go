// Package meta extracts descriptors from record content: an optional header
// block of flat key: value lines between "---" delimiters, then a free-form body.
package meta

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"inboxflow/internal/domain"
)

const Delimiter = "---"

// ErrUnreadable marks content that cannot be treated as text at all.
var ErrUnreadable = errors.New("record content unreadable")

// Descriptor holds the fields extracted from one record.
type Descriptor struct {
	Kind      domain.Kind       `json:"kind"`
	Origin    string            `json:"origin,omitempty"`
	Subject   string            `json:"subject,omitempty"`
	Priority  domain.Priority   `json:"priority"`
	Body      string            `json:"body"`
	Fields    map[string]string `json:"fields,omitempty"`
	HasHeader bool              `json:"has_header"`
}

// Field is one header line, kept in order for rendering.
type Field struct {
	Key   string
	Value string
}

// Decode validates raw bytes as text.
func Decode(data []byte) (string, error) {
	if !utf8.Valid(data) {
		return "", fmt.Errorf("%w: not valid utf-8", ErrUnreadable)
	}
	s := string(data)
	s = strings.TrimPrefix(s, "\ufeff")
	return strings.ReplaceAll(s, "\r\n", "\n"), nil
}

// Split separates the header block from the body. ok is false when content
// does not open with a delimiter line or the block is never closed.
func Split(content string) (header []string, body string, ok bool) {
	lines := strings.Split(content, "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != Delimiter {
		return nil, content, false
	}
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == Delimiter {
			rest := lines[i+1:]
			if len(rest) > 0 && strings.TrimSpace(rest[0]) == "" {
				rest = rest[1:]
			}
			return lines[1:i], strings.Join(rest, "\n"), true
		}
	}
	return nil, content, false
}

// ParseHeader reads flat key: value lines. Keys are lower-cased, the first
// colon separates, the last duplicate wins and unparseable lines are skipped.
func ParseHeader(lines []string) map[string]string {
	out := make(map[string]string, len(lines))
	for _, line := range lines {
		k, v, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" || strings.HasPrefix(k, "#") {
			continue
		}
		out[k] = Unquote(v)
	}
	return out
}

// Unquote trims whitespace and one pair of matching surrounding quotes.
func Unquote(v string) string {
	v = strings.TrimSpace(v)
	if len(v) >= 2 {
		first, last := v[0], v[len(v)-1]
		if (first == '"' || first == '\'') && first == last {
			return v[1 : len(v)-1]
		}
	}
	return v
}

// Parse never fails: content without a header is all body with kind unknown.
func Parse(key, content string) Descriptor {
	lines, body, ok := Split(content)
	if !ok {
		return Descriptor{Kind: domain.KindUnknown, Priority: domain.PriorityNormal, Body: content}
	}
	fields := ParseHeader(lines)
	d := Descriptor{
		Body:      body,
		Fields:    fields,
		HasHeader: true,
		Subject:   fields["subject"],
		Origin:    firstOf(fields, "from", "sender", "origin"),
		Priority:  ParsePriority(fields["priority"]),
	}
	kind := firstOf(fields, "kind", "type")
	if kind != "" {
		d.Kind = NormalizeKind(kind)
	} else {
		d.Kind = KindFromKey(key)
	}
	return d
}

// Record fills a domain record from a parsed descriptor.
func (d Descriptor) Record(key string, st domain.State, content string, created, modified time.Time) domain.Record {
	rec := domain.Record{
		Key:        key,
		State:      st,
		Kind:       d.Kind,
		Origin:     d.Origin,
		Subject:    d.Subject,
		Priority:   d.Priority,
		Body:       d.Body,
		Content:    content,
		CreatedAt:  created,
		ModifiedAt: modified,
	}
	if ref := d.Fields["payload_ref"]; ref != "" {
		rec.PayloadRef = ref
	}
	if ts, err := time.Parse(time.RFC3339, firstOf(d.Fields, "created", "received")); err == nil {
		rec.CreatedAt = ts
	}
	return rec
}

func firstOf(fields map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := fields[k]; v != "" {
			return v
		}
	}
	return ""
}

// NormalizeKind maps the spellings used by sources onto record kinds.
func NormalizeKind(v string) domain.Kind {
	v = strings.ToLower(strings.TrimSpace(v))
	switch v {
	case "":
		return domain.KindUnknown
	case "file", "file_drop", "file-drop", "document":
		return domain.KindDocument
	case "email", "mail":
		return domain.KindEmail
	case "whatsapp", "chat", "message", "chat-message", "chat_message":
		return domain.KindChatMessage
	}
	return domain.Kind(v)
}

// KindFromKey derives a kind from the source prefix of a record key.
func KindFromKey(key string) domain.Kind {
	prefix, _, _ := strings.Cut(key, "_")
	switch strings.ToUpper(prefix) {
	case "FILE":
		return domain.KindDocument
	case "EMAIL":
		return domain.KindEmail
	case "CHAT", "WHATSAPP":
		return domain.KindChatMessage
	}
	return domain.KindUnknown
}

func ParsePriority(v string) domain.Priority {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "high", "urgent":
		return domain.PriorityHigh
	}
	return domain.PriorityNormal
}

// Render writes a header block followed by body.
func Render(fields []Field, body string) string {
	var b strings.Builder
	b.WriteString(Delimiter + "\n")
	for _, f := range fields {
		b.WriteString(f.Key)
		b.WriteString(": ")
		b.WriteString(quote(f.Value))
		b.WriteString("\n")
	}
	b.WriteString(Delimiter + "\n\n")
	b.WriteString(body)
	return b.String()
}

// quote wraps values that would not survive Unquote unchanged.
func quote(v string) string {
	v = strings.ReplaceAll(v, "\n", " ")
	if v != strings.TrimSpace(v) || Unquote(v) != v || strings.ContainsAny(v, `"'#`) {
		return `"` + v + `"`
	}
	return v
}
