// Package classify maps record descriptors to routing decisions.
package classify

import (
	"strings"

	"inboxflow/internal/domain"
	"inboxflow/internal/meta"
)

// Rules decides category, priority, action and approval for a descriptor.
// Implementations must be total: every descriptor gets a decision.
type Rules interface {
	Classify(d meta.Descriptor) domain.Decision
}

var (
	DefaultReplyTerms   = []string{"reply", "respond", "answer", "question", "urgent", "asap"}
	DefaultUrgencyTerms = []string{"urgent", "emergency", "asap", "important"}
)

// KeywordRules is the built-in rule table.
type KeywordRules struct {
	ReplyTerms   []string
	UrgencyTerms []string
}

func NewKeywordRules(reply, urgency []string) KeywordRules {
	if len(reply) == 0 {
		reply = DefaultReplyTerms
	}
	if len(urgency) == 0 {
		urgency = DefaultUrgencyTerms
	}
	return KeywordRules{ReplyTerms: lower(reply), UrgencyTerms: lower(urgency)}
}

func (r KeywordRules) Classify(d meta.Descriptor) domain.Decision {
	body := strings.ToLower(d.Body)
	switch d.Kind {
	case domain.KindDocument:
		return domain.Decision{
			Category: domain.CategoryDocument,
			Priority: priorityOrNormal(d.Priority),
			Action:   domain.ActionArchive,
			Rule:     "document",
		}
	case domain.KindEmail:
		dec := domain.Decision{
			Category: domain.CategoryEmail,
			Priority: domain.PriorityNormal,
			Action:   domain.ActionArchive,
			Rule:     "email",
		}
		if containsAny(body, r.UrgencyTerms) {
			dec.Priority = domain.PriorityHigh
		}
		if containsAny(body, r.ReplyTerms) {
			dec.Action = domain.ActionReplyEmail
			dec.RequiresApproval = true
			dec.Rule = "email.reply"
		}
		return dec
	case domain.KindChatMessage:
		dec := domain.Decision{
			Category: domain.CategoryMessage,
			Priority: priorityOrNormal(d.Priority),
			Action:   domain.ActionArchive,
			Rule:     "message",
		}
		if containsAny(body, r.ReplyTerms) {
			dec.Action = domain.ActionSendMessage
			dec.RequiresApproval = true
			dec.Rule = "message.reply"
		}
		return dec
	}
	return domain.Decision{
		Category: domain.CategoryGeneral,
		Priority: priorityOrNormal(d.Priority),
		Action:   domain.ActionArchive,
		Rule:     "general",
	}
}

func containsAny(s string, terms []string) bool {
	for _, t := range terms {
		if t != "" && strings.Contains(s, t) {
			return true
		}
	}
	return false
}

func lower(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.ToLower(strings.TrimSpace(v)); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func priorityOrNormal(p domain.Priority) domain.Priority {
	if p == domain.PriorityHigh {
		return p
	}
	return domain.PriorityNormal
}
