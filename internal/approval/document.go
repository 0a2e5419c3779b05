package approval

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"inboxflow/internal/classify"
	"inboxflow/internal/domain"
	"inboxflow/internal/meta"
)

const (
	notifiedMarker = "**NOTIFIED:**"
	rejectedMarker = "**Rejected:**"
	statusMarker   = "**Status:**"
	executedMarker = "**Executed:**"
	resultMarker   = "**Result:**"
	externalMarker = "**External ID:**"
)

// Request is what the gate needs to write a pending approval document.
type Request struct {
	Descriptor domain.ActionDescriptor
	Decision   domain.Decision
	Created    time.Time
}

// Divergence is a field whose header value and bullet value disagree.
type Divergence struct {
	Field  string `json:"field"`
	Header string `json:"header"`
	Bullet string `json:"bullet"`
}

// Parsed is the result of reading an approval document. Parsing never fails;
// missing fields surface when the descriptor is executed.
type Parsed struct {
	Descriptor  domain.ActionDescriptor `json:"descriptor"`
	Divergences []Divergence            `json:"divergences,omitempty"`
	Notified    bool                    `json:"notified"`
	Rejected    bool                    `json:"rejected"`
	// Executed is set once the action ran; the document only needs filing.
	Executed bool `json:"executed"`
}

var fieldLabels = []struct {
	field string
	label string
}{
	{"action", "Action"},
	{"to", "To"},
	{"subject", "Subject"},
	{"cc", "CC"},
	{"attachment", "Attachment"},
	{"source plan", "Source Plan"},
}

// Render serialises a request into a document a human can read and edit.
// The header carries every field except the body; the bullets mirror them.
func Render(req Request) string {
	d := req.Descriptor
	action := string(d.Type)
	if d.RawAction != "" {
		action = d.RawAction
	}
	fields := []meta.Field{
		{Key: "type", Value: "approval_request"},
		{Key: "action", Value: action},
		{Key: "to", Value: d.Recipient},
		{Key: "subject", Value: d.Subject},
	}
	if d.CC != "" {
		fields = append(fields, meta.Field{Key: "cc", Value: d.CC})
	}
	if d.AttachmentRef != "" {
		fields = append(fields, meta.Field{Key: "attachment", Value: d.AttachmentRef})
	}
	if d.SourcePlan != "" {
		fields = append(fields, meta.Field{Key: "source_plan", Value: d.SourcePlan})
	}
	if d.SourceKey != "" {
		fields = append(fields, meta.Field{Key: "source", Value: d.SourceKey})
	}
	if d.Priority != "" {
		fields = append(fields, meta.Field{Key: "priority", Value: string(d.Priority)})
	}
	if req.Decision.Rule != "" {
		fields = append(fields, meta.Field{Key: "rule", Value: req.Decision.Rule})
	}
	fields = append(fields,
		meta.Field{Key: "created", Value: req.Created.Format(time.RFC3339)},
		meta.Field{Key: "status", Value: "pending"},
	)

	values := map[string]string{
		"action":      action,
		"to":          d.Recipient,
		"subject":     d.Subject,
		"cc":          d.CC,
		"attachment":  d.AttachmentRef,
		"source plan": d.SourcePlan,
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Approval Required: %s\n\n", title(d.Type))
	b.WriteString("## Action Details\n")
	for _, fl := range fieldLabels {
		v := values[fl.field]
		if v == "" && (fl.field == "cc" || fl.field == "attachment" || fl.field == "source plan") {
			continue
		}
		fmt.Fprintf(&b, "- **%s:** %s\n", fl.label, bulletValue(v))
	}
	b.WriteString("- **Body:**\n")
	// Every body line is quoted, trailing empty lines included, so the body
	// reads back byte for byte.
	for _, line := range strings.Split(d.Body, "\n") {
		if line == "" {
			b.WriteString(">\n")
			continue
		}
		b.WriteString("> " + line + "\n")
	}
	b.WriteString("\n## To Approve\nMove this file to the Approved folder, or run `ibx approve <key>`.\n")
	b.WriteString("\n## To Reject\nMove this file to the Rejected folder, or run `ibx reject <key>`.\n")
	return meta.Render(fields, b.String())
}

func title(a domain.ActionType) string {
	switch a {
	case domain.ActionSendEmail, domain.ActionReplyEmail:
		return "Send Email"
	case domain.ActionSendMessage:
		return "Send Message"
	case domain.ActionProcessPayment:
		return "Process Payment"
	case domain.ActionScheduleMeeting:
		return "Schedule Meeting"
	case domain.ActionArchive:
		return "Archive"
	}
	return "Manual Action"
}

// bulletValue quotes values that would otherwise lose whitespace or quotes on reparse.
func bulletValue(v string) string {
	v = strings.ReplaceAll(v, "\n", " ")
	if v != strings.TrimSpace(v) || meta.Unquote(v) != v {
		return `"` + v + `"`
	}
	return v
}

var bulletRe = regexp.MustCompile(`^\s*[-*]\s+(?:\*\*)?([A-Za-z][A-Za-z _-]*?)(?::\*\*|\*\*:|:)\s?(.*)$`)

func canonicalField(label string) string {
	k := strings.ToLower(strings.TrimSpace(label))
	k = strings.NewReplacer("_", " ", "-", " ").Replace(k)
	switch k {
	case "action", "action type":
		return "action"
	case "to", "recipient":
		return "to"
	case "subject":
		return "subject"
	case "cc":
		return "cc"
	case "attachment", "attachment ref":
		return "attachment"
	case "source plan":
		return "source plan"
	case "body":
		return "body"
	}
	return ""
}

// Parse recovers an action descriptor from a header block, labeled bullet
// lines, or both. Header values win; disagreements are reported.
func Parse(content string) Parsed {
	headerLines, rest, hasHeader := meta.Split(content)
	header := map[string]string{}
	if hasHeader {
		for k, v := range meta.ParseHeader(headerLines) {
			if f := canonicalField(k); f != "" {
				header[f] = v
			} else {
				header[k] = v
			}
		}
	}
	bullets, titleAction := parseBody(rest)

	out := Parsed{
		Notified: hasMarkerLine(content, notifiedMarker),
		Rejected: hasMarkerLine(content, rejectedMarker),
		Executed: hasMarkerLine(content, executedMarker),
	}
	pick := func(field string) string {
		hv, hok := header[field]
		bv, bok := bullets[field]
		if field == "attachment" {
			hv, bv = noneToEmpty(hv), noneToEmpty(bv)
		}
		if hok && bok && hv != bv && field != "body" {
			out.Divergences = append(out.Divergences, Divergence{Field: field, Header: hv, Bullet: bv})
		}
		if hok && hv != "" {
			return hv
		}
		if bok {
			return bv
		}
		return hv
	}

	raw := pick("action")
	if raw == "" {
		raw = titleAction
	}
	d := domain.ActionDescriptor{
		RawAction:     raw,
		Type:          classify.ParseAction(raw).Executable(),
		Recipient:     pick("to"),
		Subject:       pick("subject"),
		CC:            pick("cc"),
		AttachmentRef: pick("attachment"),
		SourcePlan:    pick("source plan"),
		Body:          pick("body"),
		SourceKey:     header["source"],
		Priority:      meta.ParsePriority(header["priority"]),
	}
	out.Descriptor = d
	return out
}

func noneToEmpty(v string) string {
	if strings.EqualFold(strings.TrimSpace(v), "none") {
		return ""
	}
	return v
}

type bodyLine struct {
	text   string
	quoted bool
}

// parseBody reads bullet fields, the multi-line body and the title fallback.
// Trailing blank lines end the body unless they are quoted.
func parseBody(rest string) (map[string]string, string) {
	bullets := map[string]string{}
	var titleAction string
	var body []bodyLine
	inBody := false
	for _, line := range strings.Split(rest, "\n") {
		trimmed := strings.TrimSpace(line)
		if inBody {
			if endsBody(trimmed) {
				inBody = false
			} else {
				body = append(body, bodyLine{text: unquoteBodyLine(line), quoted: isQuoted(line)})
				continue
			}
		}
		if titleAction == "" {
			lower := strings.ToLower(trimmed)
			if strings.HasPrefix(lower, "# approval required:") || strings.HasPrefix(lower, "## action:") {
				titleAction = actionFromTitle(lower)
			}
		}
		m := bulletRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		field := canonicalField(m[1])
		if field == "" {
			continue
		}
		value := strings.TrimSpace(m[2])
		if field == "body" {
			inBody = true
			body = body[:0]
			if value != "" {
				body = append(body, bodyLine{text: unquoteBodyLine(value), quoted: true})
			}
			bullets["body"] = ""
			continue
		}
		bullets[field] = meta.Unquote(value)
	}
	if _, ok := bullets["body"]; ok {
		for len(body) > 0 {
			last := body[len(body)-1]
			if last.quoted || strings.TrimSpace(last.text) != "" {
				break
			}
			body = body[:len(body)-1]
		}
		lines := make([]string, len(body))
		for i, l := range body {
			lines[i] = l.text
		}
		bullets["body"] = strings.Join(lines, "\n")
	}
	return bullets, titleAction
}

func endsBody(trimmed string) bool {
	switch {
	case strings.HasPrefix(trimmed, "#"),
		strings.HasPrefix(trimmed, "---"),
		strings.HasPrefix(trimmed, "- [ ]"),
		strings.HasPrefix(strings.ToLower(trimmed), "- [x]"),
		strings.HasPrefix(trimmed, notifiedMarker),
		strings.HasPrefix(trimmed, rejectedMarker),
		strings.HasPrefix(trimmed, statusMarker),
		strings.HasPrefix(trimmed, executedMarker):
		return true
	}
	if m := bulletRe.FindStringSubmatch(trimmed); m != nil && canonicalField(m[1]) != "" {
		return true
	}
	return false
}

func isQuoted(line string) bool {
	line = strings.TrimRight(line, "\r")
	return line == ">" || strings.HasPrefix(line, "> ")
}

func unquoteBodyLine(line string) string {
	line = strings.TrimRight(line, "\r")
	switch {
	case strings.HasPrefix(line, "> "):
		return line[2:]
	case line == ">":
		return ""
	}
	return line
}

func actionFromTitle(lower string) string {
	switch {
	case strings.Contains(lower, "email"):
		return string(domain.ActionSendEmail)
	case strings.Contains(lower, "whatsapp"), strings.Contains(lower, "message"):
		return string(domain.ActionSendMessage)
	case strings.Contains(lower, "payment"):
		return string(domain.ActionProcessPayment)
	case strings.Contains(lower, "schedule"), strings.Contains(lower, "meeting"):
		return string(domain.ActionScheduleMeeting)
	}
	return ""
}

func hasMarkerLine(content, marker string) bool {
	for _, line := range strings.Split(content, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), marker) {
			return true
		}
	}
	return false
}

// IsNotified reports whether the notification flag line is present.
func IsNotified(content string) bool { return hasMarkerLine(content, notifiedMarker) }

// MarkNotified appends the notification flag once.
func MarkNotified(content string, at time.Time) (string, bool) {
	if IsNotified(content) {
		return content, false
	}
	return appendLines(content, fmt.Sprintf("%s %s", notifiedMarker, at.Format(time.RFC3339))), true
}

// StampRejected appends the rejection stamp once.
func StampRejected(content string, at time.Time) (string, bool) {
	if hasMarkerLine(content, rejectedMarker) {
		return content, false
	}
	return appendLines(content,
		fmt.Sprintf("%s %s", rejectedMarker, at.Format(time.RFC3339)),
		statusMarker+" Rejected by user",
	), true
}

// StampExecuted appends the execution result of an approved action.
func StampExecuted(content string, at time.Time, out domain.Outcome) string {
	lines := []string{
		fmt.Sprintf("%s %s", executedMarker, at.Format(time.RFC3339)),
		statusMarker + " Executed",
		resultMarker + " " + strings.ReplaceAll(out.Message, "\n", " "),
	}
	if out.ExternalID != "" {
		lines = append(lines, externalMarker+" "+out.ExternalID)
	}
	return appendLines(content, lines...)
}

// ExternalID returns the id recorded by StampExecuted, if any.
func ExternalID(content string) string {
	for _, line := range strings.Split(content, "\n") {
		if v, ok := strings.CutPrefix(strings.TrimSpace(line), externalMarker); ok {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func appendLines(content string, lines ...string) string {
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return content + "\n---\n" + strings.Join(lines, "\n") + "\n"
}
