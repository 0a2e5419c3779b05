// Package engine runs one cooperative cycle of the workflow: time triggers,
// approved and rejected queues, pending notifications, then intake.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"path/filepath"
	"strings"
	"time"

	"inboxflow/internal/approval"
	"inboxflow/internal/classify"
	"inboxflow/internal/dispatch"
	"inboxflow/internal/domain"
	"inboxflow/internal/events"
	"inboxflow/internal/meta"
	"inboxflow/internal/notify"
	"inboxflow/internal/plan"
	"inboxflow/internal/repo"
	"inboxflow/internal/store"
	"inboxflow/internal/trigger"
)

type Engine struct {
	Store      *store.Store
	Gate       *approval.Gate
	Rules      classify.Rules
	Dispatcher *dispatch.Dispatcher
	Events     events.Writer
	// Repo is optional; without it trigger state starts empty and briefings
	// carry no activity counts.
	Repo     *repo.Repo
	Plans    plan.Writer
	Notifier notify.Notifier
	Triggers []trigger.Spec
	Logger   *slog.Logger
	Now      func() time.Time
}

// State is carried from one cycle to the next.
type State struct {
	LastFired trigger.LastFired
	// LastCount is the Intake+NeedsAction size seen by the previous cycle,
	// -1 before the first cycle.
	LastCount int
	// Held maps state/key to the modification time of a record whose
	// handling failed. It is retried once the record changes.
	Held map[string]time.Time
}

func NewState() State {
	return State{LastFired: trigger.LastFired{}, LastCount: -1, Held: map[string]time.Time{}}
}

func (s State) clone() State {
	out := State{LastFired: s.LastFired.Clone(), LastCount: s.LastCount, Held: make(map[string]time.Time, len(s.Held))}
	for k, v := range s.Held {
		out.Held[k] = v
	}
	return out
}

// Report summarises one cycle.
type Report struct {
	Fired    []string `json:"fired,omitempty"`
	Executed []string `json:"executed,omitempty"`
	Failed   []string `json:"failed,omitempty"`
	Deferred []string `json:"deferred,omitempty"`
	Rejected []string `json:"rejected,omitempty"`
	Notified []string `json:"notified,omitempty"`
	Routed   []string `json:"routed,omitempty"`
	Faults   []string `json:"faults,omitempty"`
	Plan     string   `json:"plan,omitempty"`
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e *Engine) notifier() notify.Notifier {
	if e.Notifier != nil {
		return e.Notifier
	}
	return notify.Discard{}
}

func (e *Engine) journal(ctx context.Context, evtType, key string, st domain.State, payload events.EventPayload) {
	if err := e.Events.Append(ctx, nil, evtType, key, string(st), events.DefaultActor, payload); err != nil {
		e.logger().Warn("journal append failed", "type", evtType, "key", key, "err", err)
	}
}

// Start finishes interrupted moves and restores trigger state from the
// journal. It is run once before the first cycle.
func (e *Engine) Start(ctx context.Context) (State, error) {
	s := NewState()
	if err := e.Store.EnsureDirs(); err != nil {
		return s, err
	}
	dups, err := e.Store.Reconcile()
	if err != nil {
		return s, fmt.Errorf("reconcile store: %w", err)
	}
	for _, d := range dups {
		states := make([]string, 0, len(d.States))
		for _, st := range d.States {
			states = append(states, string(st))
		}
		if len(d.Kept) == 0 {
			e.logger().Error("record is both approved and rejected; leaving both copies", "key", d.Key)
			e.notifier().Notify(notify.Notice{
				Level: notify.Failure,
				Title: "Conflicting decision: " + d.Key,
				Lines: []string{"The record is in both Approved and Rejected. Remove one copy."},
			})
		}
		e.journal(ctx, events.StoreReconciled, d.Key, "", events.EventPayload{"states": states, "kept": string(d.Kept)})
	}
	if e.Repo != nil {
		fired, err := e.Repo.LastTriggerFirings(ctx)
		if err != nil {
			return s, fmt.Errorf("load trigger state: %w", err)
		}
		for k, v := range fired {
			s.LastFired[k] = v
		}
	}
	return s, nil
}

// Cycle runs every step once. The returned state replaces the input; the
// input is not modified. Per-record failures never abort the cycle.
func (e *Engine) Cycle(ctx context.Context, in State) (State, Report, error) {
	s := in.clone()
	if s.LastFired == nil {
		s.LastFired = trigger.LastFired{}
	}
	var rep Report
	var errs []error
	if err := e.runTriggers(ctx, &s, &rep); err != nil {
		errs = append(errs, fmt.Errorf("triggers: %w", err))
	}
	if err := e.drainApproved(ctx, &s, &rep); err != nil {
		errs = append(errs, fmt.Errorf("approved: %w", err))
	}
	if err := e.drainRejected(ctx, &s, &rep); err != nil {
		errs = append(errs, fmt.Errorf("rejected: %w", err))
	}
	if err := e.notifyPending(ctx, &rep); err != nil {
		errs = append(errs, fmt.Errorf("pending: %w", err))
	}
	if err := e.processIntake(ctx, &s, &rep); err != nil {
		errs = append(errs, fmt.Errorf("intake: %w", err))
	}
	return s, rep, errors.Join(errs...)
}

func heldKey(st domain.State, key string) string { return string(st) + "/" + key }

// held reports whether the record failed before and has not changed since.
func (s *State) held(st domain.State, en store.Entry) bool {
	at, ok := s.Held[heldKey(st, en.Key)]
	if !ok {
		return false
	}
	if at.Equal(en.ModTime) {
		return true
	}
	delete(s.Held, heldKey(st, en.Key))
	return false
}

// guard runs fn for one record, turning a panic into an error.
func guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}

func (e *Engine) fault(ctx context.Context, s *State, rep *Report, st domain.State, en store.Entry, err error) {
	e.logger().Error("record handling failed", "key", en.Key, "state", st, "err", err)
	e.journal(ctx, events.RecordFault, en.Key, st, events.EventPayload{"error": err.Error()})
	if cur, gerr := e.Store.Get(st, en.Key); gerr == nil {
		en = cur
	}
	s.Held[heldKey(st, en.Key)] = en.ModTime
	rep.Faults = append(rep.Faults, en.Key)
}

func (e *Engine) runTriggers(ctx context.Context, s *State, rep *Report) error {
	now := e.now()
	due, next := trigger.Evaluate(e.Triggers, now, s.LastFired)
	s.LastFired = next
	var errs []error
	for _, t := range due {
		path, err := e.writeBriefing(ctx, t.Key, now)
		if err != nil {
			e.logger().Error("briefing failed", "trigger", t.Key, "err", err)
			errs = append(errs, err)
		}
		e.journal(ctx, events.TriggerFired, t.Key, "", events.EventPayload{"date": trigger.Date(now), "briefing": path})
		lines := []string{}
		if path != "" {
			lines = append(lines, "Briefing: "+path)
		}
		e.notifier().Notify(notify.Notice{Level: notify.Info, Title: triggerTitle(t.Key), Lines: lines})
		rep.Fired = append(rep.Fired, t.Key)
	}
	return errors.Join(errs...)
}

func triggerTitle(key string) string {
	switch key {
	case trigger.DailyBriefing:
		return "Good morning: daily briefing"
	case trigger.EndOfDaySummary:
		return "End of day summary"
	}
	return "Trigger " + key
}

func (e *Engine) writeBriefing(ctx context.Context, key string, now time.Time) (string, error) {
	br := plan.Briefing{Trigger: key, At: now, Counts: map[domain.State]int{}}
	y, m, d := now.Date()
	midnight := time.Date(y, m, d, 0, 0, 0, 0, now.Location())
	for _, st := range domain.Lifecycle {
		entries, err := e.Store.List(st)
		if err != nil {
			return "", err
		}
		br.Counts[st] = len(entries)
		for _, en := range entries {
			switch st {
			case domain.StatePendingApproval:
				br.Pending = append(br.Pending, en.Key)
			case domain.StateApproved:
				br.Approved = append(br.Approved, en.Key)
			case domain.StateDone:
				if !en.ModTime.Before(midnight) {
					br.DoneToday = append(br.DoneToday, en.Name)
				}
			}
		}
	}
	if e.Repo != nil {
		counts, err := e.Repo.CountEventsSince(ctx, midnight)
		if err != nil {
			e.logger().Warn("count events for briefing", "err", err)
		} else {
			br.Events = counts
		}
	}
	return e.Plans.WriteBriefing(br)
}

func (e *Engine) drainApproved(ctx context.Context, s *State, rep *Report) error {
	entries, err := e.Store.List(domain.StateApproved)
	if err != nil {
		return err
	}
	for _, en := range entries {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if s.held(domain.StateApproved, en) {
			continue
		}
		err := guard(func() error { return e.executeApproved(ctx, s, rep, en) })
		if err != nil {
			e.fault(ctx, s, rep, domain.StateApproved, en, err)
		}
	}
	return nil
}

func (e *Engine) executeApproved(ctx context.Context, s *State, rep *Report, en store.Entry) error {
	_, data, err := e.Store.Read(domain.StateApproved, en.Key)
	if err != nil {
		return err
	}
	content, err := meta.Decode(data)
	if err != nil {
		return err
	}
	parsed := approval.Parse(content)
	for _, d := range parsed.Divergences {
		e.logger().Warn("approval header and bullet disagree; using header", "key", en.Key, "field", d.Field, "header", d.Header, "bullet", d.Bullet)
		e.journal(ctx, events.ApprovalDivergence, en.Key, domain.StateApproved, events.EventPayload{"field": d.Field, "header": d.Header, "bullet": d.Bullet})
	}
	desc := parsed.Descriptor
	if parsed.Executed {
		// ran before a crash or a failed move; only the filing is left
		if _, err := e.Store.Move(en.Key, domain.StateApproved, domain.StateDone); err != nil {
			return err
		}
		e.journal(ctx, events.ActionExecuted, en.Key, domain.StateDone, events.EventPayload{
			"action":      string(desc.Type),
			"external_id": approval.ExternalID(content),
			"resumed":     true,
		})
		e.logger().Info("executed approval filed", "key", en.Key)
		rep.Executed = append(rep.Executed, en.Key)
		return nil
	}
	out, err := e.Dispatcher.Execute(ctx, desc)
	if errors.Is(err, dispatch.ErrDeferred) {
		e.logger().Info("send deferred by rate limit", "key", en.Key, "action", desc.Type)
		e.journal(ctx, events.ActionDeferred, en.Key, domain.StateApproved, events.EventPayload{"action": string(desc.Type)})
		rep.Deferred = append(rep.Deferred, en.Key)
		return nil
	}
	if err != nil {
		return err
	}
	if !out.Success {
		e.logger().Error("action failed; record stays in Approved", "key", en.Key, "action", desc.Type, "err", out.Message)
		e.journal(ctx, events.ActionFailed, en.Key, domain.StateApproved, events.EventPayload{"action": string(desc.Type), "message": out.Message})
		e.notifier().Notify(notify.Notice{
			Level: notify.Failure,
			Title: "Action failed: " + en.Key,
			Lines: []string{out.Message, "The record stays in Approved until it is edited or removed."},
		})
		s.Held[heldKey(domain.StateApproved, en.Key)] = en.ModTime
		rep.Failed = append(rep.Failed, en.Key)
		return nil
	}
	if err := e.Store.Write(domain.StateApproved, en.Key, []byte(approval.StampExecuted(content, e.now(), out))); err != nil {
		return fmt.Errorf("stamp result: %w", err)
	}
	if _, err := e.Store.Move(en.Key, domain.StateApproved, domain.StateDone); err != nil {
		return err
	}
	e.journal(ctx, events.ActionExecuted, en.Key, domain.StateDone, events.EventPayload{
		"action":      string(desc.Type),
		"message":     out.Message,
		"external_id": out.ExternalID,
	})
	e.notifier().Notify(notify.Notice{Level: notify.Success, Title: "Done: " + en.Key, Lines: []string{out.Message}})
	rep.Executed = append(rep.Executed, en.Key)
	return nil
}

func (e *Engine) drainRejected(ctx context.Context, s *State, rep *Report) error {
	entries, err := e.Store.List(domain.StateRejected)
	if err != nil {
		return err
	}
	for _, en := range entries {
		if s.held(domain.StateRejected, en) {
			continue
		}
		err := guard(func() error {
			moved, stamped, err := e.Gate.FinalizeRejected(en.Key)
			if err != nil {
				return err
			}
			e.journal(ctx, events.RecordRejected, en.Key, domain.StateDone, events.EventPayload{"name": moved.Name, "stamped": stamped})
			e.logger().Info("rejected record finalized", "key", en.Key, "name", moved.Name)
			rep.Rejected = append(rep.Rejected, en.Key)
			return nil
		})
		if err != nil {
			e.fault(ctx, s, rep, domain.StateRejected, en, err)
		}
	}
	return nil
}

func (e *Engine) notifyPending(ctx context.Context, rep *Report) error {
	pending, err := e.Gate.ScanPending()
	if err != nil {
		return err
	}
	for _, p := range pending {
		d := p.Parsed.Descriptor
		lines := []string{"Action: " + string(d.Type)}
		if d.Recipient != "" {
			lines = append(lines, "To: "+d.Recipient)
		}
		if d.Subject != "" {
			lines = append(lines, "Subject: "+d.Subject)
		}
		lines = append(lines,
			"File: "+p.Entry.Path,
			"Approve: ibx approve "+p.Entry.Key+"    Reject: ibx reject "+p.Entry.Key,
		)
		e.notifier().Notify(notify.Notice{Level: notify.Action, Title: "Approval required: " + p.Entry.Key, Lines: lines})
		e.journal(ctx, events.ApprovalNotified, p.Entry.Key, domain.StatePendingApproval, events.EventPayload{"action": string(d.Type)})
		rep.Notified = append(rep.Notified, p.Entry.Key)
	}
	return nil
}

func (e *Engine) processIntake(ctx context.Context, s *State, rep *Report) error {
	intake, err := e.Store.List(domain.StateIntake)
	if err != nil {
		return err
	}
	needs, err := e.Store.List(domain.StateNeedsAction)
	if err != nil {
		return err
	}
	count := len(intake) + len(needs)
	if count != s.LastCount {
		switch {
		case count > 0:
			e.notifier().Notify(notify.Notice{Level: notify.Info, Title: fmt.Sprintf("%d record(s) waiting to be processed", count)})
		case s.LastCount > 0:
			e.notifier().Notify(notify.Notice{Level: notify.Info, Title: "Intake queue empty"})
		}
		s.LastCount = count
	}

	for _, en := range intake {
		if s.held(domain.StateIntake, en) {
			continue
		}
		err := guard(func() error {
			_, data, err := e.Store.Read(domain.StateIntake, en.Key)
			if err != nil {
				return err
			}
			if _, err := meta.Decode(data); err != nil {
				return err
			}
			_, err = e.Store.Move(en.Key, domain.StateIntake, domain.StateNeedsAction)
			return err
		})
		if err != nil {
			e.fault(ctx, s, rep, domain.StateIntake, en, err)
		}
	}

	needs, err = e.Store.List(domain.StateNeedsAction)
	if err != nil {
		return err
	}
	now := e.now()
	planStem := "PLAN_" + now.Format("20060102_150405")
	var items []plan.Item
	for _, en := range needs {
		if ctx.Err() != nil {
			break
		}
		if s.held(domain.StateNeedsAction, en) {
			continue
		}
		var item plan.Item
		err := guard(func() error {
			var err error
			item, err = e.route(ctx, en, planStem)
			return err
		})
		if err != nil {
			e.fault(ctx, s, rep, domain.StateNeedsAction, en, err)
			if item.Key != "" {
				item.Err = err.Error()
				items = append(items, item)
			}
			continue
		}
		if item.Key == "" {
			continue
		}
		items = append(items, item)
		rep.Routed = append(rep.Routed, en.Key)
	}
	if len(items) == 0 {
		return nil
	}
	path, err := e.Plans.WritePlan(items)
	if err != nil {
		return fmt.Errorf("write plan: %w", err)
	}
	rep.Plan = path
	e.journal(ctx, events.PlanWritten, filepath.Base(path), "", events.EventPayload{"records": len(items)})
	return nil
}

// route classifies one NeedsAction record and moves it on. A zero item
// means the record was left in place for a later cycle.
func (e *Engine) route(ctx context.Context, en store.Entry, planStem string) (plan.Item, error) {
	_, data, err := e.Store.Read(domain.StateNeedsAction, en.Key)
	if err != nil {
		return plan.Item{}, err
	}
	content, err := meta.Decode(data)
	if err != nil {
		return plan.Item{}, err
	}
	desc := meta.Parse(en.Key, content)
	e.journal(ctx, events.RecordParsed, en.Key, domain.StateNeedsAction, events.EventPayload{"kind": string(desc.Kind), "has_header": desc.HasHeader})
	dec := e.Rules.Classify(desc)
	e.journal(ctx, events.RecordClassified, en.Key, domain.StateNeedsAction, events.EventPayload{
		"category":          string(dec.Category),
		"priority":          string(dec.Priority),
		"action":            string(dec.Action),
		"requires_approval": dec.RequiresApproval,
		"rule":              dec.Rule,
	})
	item := plan.Item{Key: en.Key, Subject: desc.Subject, Origin: desc.Origin, Decision: dec}

	switch {
	case dec.RequiresApproval:
		action := draft(en.Key, desc, dec, planStem)
		pending, created, err := e.Gate.CreatePending(approval.Request{Descriptor: action, Decision: dec, Created: e.now()})
		if err != nil {
			return item, fmt.Errorf("create approval: %w", err)
		}
		item.ApprovalKey = pending.Key
		if created {
			e.journal(ctx, events.ApprovalCreated, pending.Key, domain.StatePendingApproval, events.EventPayload{"source": en.Key, "action": string(action.Type)})
		} else {
			e.logger().Info("approval already exists for record", "key", en.Key, "approval", pending.Key, "state", pending.State)
		}
	case dec.Action != domain.ActionArchive:
		out, err := e.Dispatcher.Execute(ctx, draft(en.Key, desc, dec, planStem))
		if errors.Is(err, dispatch.ErrDeferred) {
			e.journal(ctx, events.ActionDeferred, en.Key, domain.StateNeedsAction, events.EventPayload{"action": string(dec.Action)})
			return plan.Item{}, nil
		}
		if err != nil {
			return item, err
		}
		if !out.Success {
			e.journal(ctx, events.ActionFailed, en.Key, domain.StateNeedsAction, events.EventPayload{"action": string(dec.Action), "message": out.Message})
			return item, errors.New(out.Message)
		}
		e.journal(ctx, events.ActionExecuted, en.Key, domain.StateNeedsAction, events.EventPayload{"action": string(dec.Action), "external_id": out.ExternalID})
	}

	if _, err := e.Store.Move(en.Key, domain.StateNeedsAction, domain.StateDone); err != nil {
		return item, err
	}
	e.journal(ctx, events.RecordArchived, en.Key, domain.StateDone, events.EventPayload{"action": string(dec.Action)})
	e.logger().Info("record routed", "key", en.Key, "category", dec.Category, "action", dec.Action, "approval", item.ApprovalKey)
	return item, nil
}

const quoteLimit = 1500

// draft builds the action a human will review for a classified record.
func draft(key string, d meta.Descriptor, dec domain.Decision, planStem string) domain.ActionDescriptor {
	action := dec.Action.Executable()
	out := domain.ActionDescriptor{
		Type:       action,
		RawAction:  string(action),
		Recipient:  d.Origin,
		Subject:    d.Subject,
		SourcePlan: planStem,
		SourceKey:  key,
		Priority:   dec.Priority,
	}
	if action == domain.ActionSendEmail {
		if addr, err := mail.ParseAddress(d.Origin); err == nil {
			out.Recipient = addr.Address
		}
		if out.Subject != "" && !strings.HasPrefix(strings.ToLower(out.Subject), "re:") {
			out.Subject = "Re: " + out.Subject
		}
	}
	out.Body = replyDraft(d)
	return out
}

func replyDraft(d meta.Descriptor) string {
	var b strings.Builder
	b.WriteString("Hello,\n\n")
	if d.Subject != "" {
		fmt.Fprintf(&b, "Thank you for your message about %q. I will follow up shortly.\n", d.Subject)
	} else {
		b.WriteString("Thank you for your message. I will follow up shortly.\n")
	}
	b.WriteString("\nBest regards\n")
	orig := strings.TrimSpace(d.Body)
	if r := []rune(orig); len(r) > quoteLimit {
		orig = string(r[:quoteLimit]) + "..."
	}
	if orig != "" {
		b.WriteString("\nOriginal message:\n")
		for _, line := range strings.Split(orig, "\n") {
			b.WriteString("> " + line + "\n")
		}
	}
	return b.String()
}
