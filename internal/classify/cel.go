package classify

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/cel-go/cel"

	"inboxflow/internal/domain"
	"inboxflow/internal/meta"
)

// Override replaces the built-in decision when When evaluates to true.
// Empty decision fields keep the built-in value.
type Override struct {
	Name             string
	When             string
	Category         string
	Priority         string
	Action           string
	RequiresApproval *bool
}

type compiledOverride struct {
	Override
	prg cel.Program
}

// CELRules evaluates configured overrides in order and falls back to Base.
// Expressions see a single map variable `record` with kind, origin, subject,
// priority, body and fields.
type CELRules struct {
	Base      Rules
	Logger    *slog.Logger
	overrides []compiledOverride
}

func NewCELRules(base Rules, overrides []Override, logger *slog.Logger) (*CELRules, error) {
	if base == nil {
		base = NewKeywordRules(nil, nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	env, err := cel.NewEnv(cel.Variable("record", cel.DynType))
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	r := &CELRules{Base: base, Logger: logger}
	for i, o := range overrides {
		name := o.Name
		if name == "" {
			name = fmt.Sprintf("override[%d]", i)
		}
		if err := validateOverride(o); err != nil {
			return nil, fmt.Errorf("rule %s: %w", name, err)
		}
		ast, issues := env.Compile(o.When)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("rule %s: compile: %w", name, issues.Err())
		}
		prg, err := env.Program(ast, cel.CostLimit(10000))
		if err != nil {
			return nil, fmt.Errorf("rule %s: program: %w", name, err)
		}
		o.Name = name
		r.overrides = append(r.overrides, compiledOverride{Override: o, prg: prg})
	}
	return r, nil
}

func validateOverride(o Override) error {
	if strings.TrimSpace(o.When) == "" {
		return fmt.Errorf("when expression is required")
	}
	if o.Action != "" && ParseAction(o.Action) == domain.ActionUnknown {
		return fmt.Errorf("unknown action %q", o.Action)
	}
	switch o.Priority {
	case "", string(domain.PriorityNormal), string(domain.PriorityHigh):
	default:
		return fmt.Errorf("unknown priority %q", o.Priority)
	}
	return nil
}

func (r *CELRules) Classify(d meta.Descriptor) domain.Decision {
	dec := r.Base.Classify(d)
	if len(r.overrides) == 0 {
		return dec
	}
	input := map[string]any{"record": activation(d)}
	for _, o := range r.overrides {
		out, _, err := o.prg.Eval(input)
		if err != nil {
			r.Logger.Warn("classification override failed", "rule", o.Name, "err", err)
			continue
		}
		matched, ok := out.Value().(bool)
		if !ok || !matched {
			continue
		}
		return apply(dec, o.Override)
	}
	return dec
}

func apply(dec domain.Decision, o Override) domain.Decision {
	if o.Category != "" {
		dec.Category = domain.Category(o.Category)
	}
	if o.Priority != "" {
		dec.Priority = domain.Priority(o.Priority)
	}
	if o.Action != "" {
		dec.Action = ParseAction(o.Action)
		dec.RequiresApproval = dec.Action != domain.ActionArchive
	}
	if o.RequiresApproval != nil {
		dec.RequiresApproval = *o.RequiresApproval
	}
	dec.Rule = o.Name
	return dec
}

func activation(d meta.Descriptor) map[string]any {
	fields := make(map[string]any, len(d.Fields))
	for k, v := range d.Fields {
		fields[k] = v
	}
	return map[string]any{
		"kind":     string(d.Kind),
		"origin":   d.Origin,
		"subject":  d.Subject,
		"priority": string(d.Priority),
		"body":     d.Body,
		"fields":   fields,
	}
}

// ParseAction normalises action spellings found in documents and config.
func ParseAction(v string) domain.ActionType {
	v = strings.ToLower(strings.TrimSpace(v))
	v = strings.ReplaceAll(v, "_", "-")
	v = strings.ReplaceAll(v, " ", "-")
	switch v {
	case "archive":
		return domain.ActionArchive
	case "reply-email":
		return domain.ActionReplyEmail
	case "send-email", "email":
		return domain.ActionSendEmail
	case "send-message", "message", "whatsapp", "send-whatsapp":
		return domain.ActionSendMessage
	case "process-payment", "payment":
		return domain.ActionProcessPayment
	case "schedule-meeting", "meeting", "schedule":
		return domain.ActionScheduleMeeting
	}
	return domain.ActionUnknown
}
