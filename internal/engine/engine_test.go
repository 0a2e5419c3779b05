package engine_test

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inboxflow/internal/approval"
	"inboxflow/internal/classify"
	"inboxflow/internal/db"
	"inboxflow/internal/dispatch"
	"inboxflow/internal/domain"
	"inboxflow/internal/engine"
	"inboxflow/internal/events"
	"inboxflow/internal/meta"
	"inboxflow/internal/migrate"
	"inboxflow/internal/notify"
	"inboxflow/internal/plan"
	"inboxflow/internal/repo"
	"inboxflow/internal/store"
	"inboxflow/internal/trigger"
)

type fakeEmail struct {
	sent []domain.ActionDescriptor
}

func (f *fakeEmail) Execute(_ context.Context, d domain.ActionDescriptor) (domain.Outcome, error) {
	f.sent = append(f.sent, d)
	return domain.Outcome{Success: true, Message: "email sent", ExternalID: "ext-1"}, nil
}

type recorder struct {
	notices []notify.Notice
}

func (r *recorder) Notify(n notify.Notice) { r.notices = append(r.notices, n) }

func (r *recorder) count(level notify.Level) int {
	n := 0
	for _, x := range r.notices {
		if x.Level == level {
			n++
		}
	}
	return n
}

type testEnv struct {
	Engine *engine.Engine
	Store  *store.Store
	Gate   *approval.Gate
	Repo   *repo.Repo
	Email  *fakeEmail
	Notes  *recorder
	Ctx    context.Context
	clock  time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	root := t.TempDir()
	st, err := store.New(root, nil)
	require.NoError(t, err)
	conn, err := db.Open(db.Config{Workspace: root})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	env := &testEnv{
		Store: st,
		Repo:  &repo.Repo{DB: conn},
		Email: &fakeEmail{},
		Notes: &recorder{},
		Ctx:   context.Background(),
		clock: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
	}
	now := func() time.Time { return env.clock }
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	env.Gate = approval.New(st, logger)
	env.Gate.Now = now
	disp := dispatch.New(dispatch.Options{Logger: logger})
	disp.Register(domain.ActionSendEmail, env.Email)
	specs, err := trigger.FromConfig(nil)
	require.NoError(t, err)
	env.Engine = &engine.Engine{
		Store:      st,
		Gate:       env.Gate,
		Rules:      classify.NewKeywordRules(nil, nil),
		Dispatcher: disp,
		Events:     events.Writer{DB: conn, Now: now},
		Repo:       env.Repo,
		Plans:      plan.Writer{Dir: filepath.Join(root, "Plans"), Now: now},
		Notifier:   env.Notes,
		Triggers:   specs,
		Logger:     logger,
		Now:        now,
	}
	return env
}

func (env *testEnv) cycle(t *testing.T, s engine.State) (engine.State, engine.Report) {
	t.Helper()
	next, rep, err := env.Engine.Cycle(env.Ctx, s)
	require.NoError(t, err)
	return next, rep
}

func (env *testEnv) keys(t *testing.T, st domain.State) []string {
	t.Helper()
	entries, err := env.Store.List(st)
	require.NoError(t, err)
	out := []string{}
	for _, e := range entries {
		out = append(out, e.Name)
	}
	return out
}

func emailRecord(subject, body string) []byte {
	return []byte(meta.Render([]meta.Field{
		{Key: "kind", Value: "email"},
		{Key: "from", Value: "Alice <alice@example.com>"},
		{Key: "subject", Value: subject},
		{Key: "priority", Value: "normal"},
	}, body))
}

func TestScenarioDocumentIsArchivedWithoutApproval(t *testing.T) {
	env := newTestEnv(t)
	key := "FILE_20240101_120000_report.pdf"
	content := meta.Render([]meta.Field{{Key: "kind", Value: "document"}, {Key: "original_name", Value: "report.pdf"}}, "New file dropped\n")
	_, err := env.Store.Create(domain.StateIntake, key, []byte(content), strings.NewReader("%PDF"))
	require.NoError(t, err)

	_, rep := env.cycle(t, engine.NewState())
	assert.Equal(t, []string{key}, rep.Routed)
	assert.Equal(t, []string{key}, env.keys(t, domain.StateDone))
	assert.Empty(t, env.keys(t, domain.StatePendingApproval))
	assert.Empty(t, env.keys(t, domain.StateIntake))
	assert.Empty(t, env.keys(t, domain.StateNeedsAction))
	assert.FileExists(t, filepath.Join(env.Store.Dir(domain.StateDone), key))

	require.NotEmpty(t, rep.Plan)
	data, err := os.ReadFile(rep.Plan)
	require.NoError(t, err)
	assert.Contains(t, string(data), "| document | 1 |")

	evts, err := env.Repo.LatestEvents(env.Ctx, 10, events.RecordClassified, key)
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Contains(t, evts[0].Payload, `"requires_approval":false`)
}

func TestScenarioEmailReplyIsApprovedAndSent(t *testing.T) {
	env := newTestEnv(t)
	key := "EMAIL_20240101_120000_m1"
	_, err := env.Store.Create(domain.StateIntake, key, emailRecord("Question", "Please reply ASAP\n"), nil)
	require.NoError(t, err)

	s, rep := env.cycle(t, engine.NewState())
	assert.Equal(t, []string{key}, env.keys(t, domain.StateDone))
	pending := env.keys(t, domain.StatePendingApproval)
	require.Len(t, pending, 1)
	approvalKey := pending[0]
	assert.True(t, strings.HasPrefix(approvalKey, "APPROVAL_20240101_120000_EMAIL_20240101_120000_m1"), approvalKey)
	assert.Empty(t, rep.Notified)

	evts, err := env.Repo.LatestEvents(env.Ctx, 10, events.RecordClassified, key)
	require.NoError(t, err)
	require.Len(t, evts, 1)
	for _, want := range []string{`"category":"email"`, `"priority":"high"`, `"action":"reply-email"`, `"requires_approval":true`} {
		assert.Contains(t, evts[0].Payload, want)
	}

	_, e, err := env.Gate.Load(domain.StatePendingApproval, approvalKey)
	require.NoError(t, err)
	assert.Equal(t, domain.ActionSendEmail, e.Descriptor.Type)
	assert.Equal(t, "alice@example.com", e.Descriptor.Recipient)
	assert.Equal(t, "Re: Question", e.Descriptor.Subject)

	s, rep = env.cycle(t, s)
	assert.Equal(t, []string{approvalKey}, rep.Notified)
	assert.Equal(t, 1, env.Notes.count(notify.Action))
	s, rep = env.cycle(t, s)
	assert.Empty(t, rep.Notified)
	assert.Equal(t, 1, env.Notes.count(notify.Action))

	_, err = env.Gate.Decide(approvalKey, true)
	require.NoError(t, err)
	_, rep = env.cycle(t, s)
	assert.Equal(t, []string{approvalKey}, rep.Executed)
	require.Len(t, env.Email.sent, 1)
	assert.Equal(t, "alice@example.com", env.Email.sent[0].Recipient)
	assert.Empty(t, env.keys(t, domain.StateApproved))

	assert.True(t, strings.HasSuffix(env.Email.sent[0].Body, "> Please reply ASAP\n"), env.Email.sent[0].Body)

	_, data, err := env.Store.Read(domain.StateDone, approvalKey)
	require.NoError(t, err)
	assert.Equal(t, "ext-1", approval.ExternalID(string(data)))
}

func TestRoutingAgainReusesExistingApproval(t *testing.T) {
	env := newTestEnv(t)
	key := "EMAIL_20240101_120000_m1"
	_, err := env.Store.Create(domain.StateIntake, key, emailRecord("Question", "Please reply ASAP\n"), nil)
	require.NoError(t, err)
	env.cycle(t, engine.NewState())
	require.Len(t, env.keys(t, domain.StatePendingApproval), 1)

	// the source is back in NeedsAction, as after a crash before its move
	require.NoError(t, os.Rename(
		filepath.Join(env.Store.Dir(domain.StateDone), key+".md"),
		filepath.Join(env.Store.Dir(domain.StateNeedsAction), key+".md"),
	))
	env.clock = env.clock.Add(time.Minute)
	s, err := env.Engine.Start(env.Ctx)
	require.NoError(t, err)
	_, rep := env.cycle(t, s)
	assert.Equal(t, []string{key}, rep.Routed)
	assert.Len(t, env.keys(t, domain.StatePendingApproval), 1)
	assert.Equal(t, []string{key}, env.keys(t, domain.StateDone))

	evts, err := env.Repo.LatestEvents(env.Ctx, 10, events.ApprovalCreated, "")
	require.NoError(t, err)
	assert.Len(t, evts, 1)
}

func TestExecutedApprovalIsFiledWithoutResending(t *testing.T) {
	env := newTestEnv(t)
	key := "APPROVAL_20240101_115500_EMAIL_20240101_115000_m9"
	doc := approval.Render(approval.Request{
		Descriptor: domain.ActionDescriptor{Type: domain.ActionSendEmail, RawAction: "send-email", Recipient: "a@example.com", Subject: "Re: hi", Body: "ok\n"},
		Created:    env.clock,
	})
	// sent, stamped, then a crash before the move to Done
	stamped := approval.StampExecuted(doc, env.clock, domain.Outcome{Success: true, Message: "email sent", ExternalID: "ext-0"})
	_, err := env.Store.Create(domain.StateApproved, key, []byte(stamped), nil)
	require.NoError(t, err)

	s, err := env.Engine.Start(env.Ctx)
	require.NoError(t, err)
	_, rep := env.cycle(t, s)
	assert.Empty(t, env.Email.sent)
	assert.Equal(t, []string{key}, rep.Executed)
	assert.Empty(t, env.keys(t, domain.StateApproved))

	_, data, err := env.Store.Read(domain.StateDone, key)
	require.NoError(t, err)
	assert.Equal(t, "ext-0", approval.ExternalID(string(data)))
	assert.Equal(t, 1, strings.Count(string(data), "**Executed:**"))
}

func TestScenarioRejectedApprovalIsStampedOnce(t *testing.T) {
	env := newTestEnv(t)
	key := "EMAIL_20240101_120000_m2"
	_, err := env.Store.Create(domain.StateIntake, key, emailRecord("Hello", "Can you answer this question?\n"), nil)
	require.NoError(t, err)
	s, _ := env.cycle(t, engine.NewState())
	pending := env.keys(t, domain.StatePendingApproval)
	require.Len(t, pending, 1)

	_, err = env.Gate.Decide(pending[0], false)
	require.NoError(t, err)
	s, rep := env.cycle(t, s)
	assert.Equal(t, pending, rep.Rejected)
	_, rep = env.cycle(t, s)
	assert.Empty(t, rep.Rejected)
	assert.Empty(t, env.Email.sent)

	done := env.keys(t, domain.StateDone)
	assert.Contains(t, done, store.RejectedPrefix+pending[0])
	_, data, err := env.Store.Read(domain.StateDone, pending[0])
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(data), "**Rejected:**"))
}

func TestRejectedStampNotRepeatedAfterInterruptedFinalize(t *testing.T) {
	env := newTestEnv(t)
	doc := approval.Render(approval.Request{Descriptor: domain.ActionDescriptor{Type: domain.ActionSendEmail, RawAction: "send-email", Recipient: "a@example.com", Body: "x"}, Created: env.clock})
	stamped, _ := approval.StampRejected(doc, env.clock)
	_, err := env.Store.Create(domain.StateRejected, "APPROVAL_20240101_110000_X", []byte(stamped), nil)
	require.NoError(t, err)

	_, rep := env.cycle(t, engine.NewState())
	assert.Equal(t, []string{"APPROVAL_20240101_110000_X"}, rep.Rejected)
	_, data, err := env.Store.Read(domain.StateDone, "APPROVAL_20240101_110000_X")
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(data), "**Rejected:**"))
}

func TestScenarioPaymentNeedsManualAction(t *testing.T) {
	env := newTestEnv(t)
	key := "APPROVAL_20240101_115500_INVOICE"
	doc := approval.Render(approval.Request{
		Descriptor: domain.ActionDescriptor{Type: domain.ActionProcessPayment, RawAction: "process-payment", Recipient: "Acme", Subject: "Invoice 7"},
		Created:    env.clock,
	})
	e, err := env.Store.Create(domain.StateApproved, key, []byte(doc), nil)
	require.NoError(t, err)

	s, rep := env.cycle(t, engine.NewState())
	assert.Equal(t, []string{key}, rep.Failed)
	assert.Equal(t, []string{key}, env.keys(t, domain.StateApproved))
	assert.Empty(t, env.keys(t, domain.StateDone))
	require.Equal(t, 1, env.Notes.count(notify.Failure))

	evts, err := env.Repo.LatestEvents(env.Ctx, 10, events.ActionFailed, key)
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Contains(t, evts[0].Payload, "manual action needed")

	s, rep = env.cycle(t, s)
	assert.Empty(t, rep.Failed)

	later := e.ModTime.Add(time.Minute)
	require.NoError(t, os.Chtimes(e.Path, later, later))
	_, rep = env.cycle(t, s)
	assert.Equal(t, []string{key}, rep.Failed)
	assert.Equal(t, []string{key}, env.keys(t, domain.StateApproved))
}

func TestUnknownActionFailsWithName(t *testing.T) {
	env := newTestEnv(t)
	doc := "---\ntype: approval_request\naction: teleport\n---\n\n# Approval Required\n"
	_, err := env.Store.Create(domain.StateApproved, "APPROVAL_X", []byte(doc), nil)
	require.NoError(t, err)
	_, rep := env.cycle(t, engine.NewState())
	assert.Equal(t, []string{"APPROVAL_X"}, rep.Failed)
	evts, err := env.Repo.LatestEvents(env.Ctx, 10, events.ActionFailed, "APPROVAL_X")
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Contains(t, evts[0].Payload, "unknown action type: teleport")
}

func TestUnreadableRecordIsHeldAndOthersContinue(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Store.Create(domain.StateIntake, "NOTE_20240101_120000_bad", []byte{0xff, 0xfe, 0x00}, nil)
	require.NoError(t, err)
	_, err = env.Store.Create(domain.StateIntake, "NOTE_20240101_120000_good", []byte("plain text note\n"), nil)
	require.NoError(t, err)

	s, rep := env.cycle(t, engine.NewState())
	assert.Equal(t, []string{"NOTE_20240101_120000_bad"}, rep.Faults)
	assert.Equal(t, []string{"NOTE_20240101_120000_bad"}, env.keys(t, domain.StateIntake))
	assert.Equal(t, []string{"NOTE_20240101_120000_good"}, env.keys(t, domain.StateDone))

	_, rep = env.cycle(t, s)
	assert.Empty(t, rep.Faults)
	evts, err := env.Repo.LatestEvents(env.Ctx, 10, events.RecordFault, "")
	require.NoError(t, err)
	assert.Len(t, evts, 1)
}

type panicRules struct{ classify.Rules }

func (p panicRules) Classify(d meta.Descriptor) domain.Decision {
	if strings.Contains(d.Body, "boom") {
		panic("rule exploded")
	}
	return p.Rules.Classify(d)
}

func TestPanicInOneRecordDoesNotStopCycle(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Rules = panicRules{classify.NewKeywordRules(nil, nil)}
	_, err := env.Store.Create(domain.StateIntake, "NOTE_20240101_120000_a", []byte("boom\n"), nil)
	require.NoError(t, err)
	_, err = env.Store.Create(domain.StateIntake, "NOTE_20240101_120000_b", []byte("fine\n"), nil)
	require.NoError(t, err)

	_, rep := env.cycle(t, engine.NewState())
	assert.Equal(t, []string{"NOTE_20240101_120000_a"}, rep.Faults)
	assert.Equal(t, []string{"NOTE_20240101_120000_a"}, env.keys(t, domain.StateNeedsAction))
	assert.Equal(t, []string{"NOTE_20240101_120000_b"}, env.keys(t, domain.StateDone))
}

func TestTriggersFireOncePerDayAcrossRestart(t *testing.T) {
	env := newTestEnv(t)
	specs, err := trigger.FromConfig(nil)
	require.NoError(t, err)
	env.Engine.Triggers = append(specs, trigger.Spec{Key: trigger.DailyBriefing, Hour: 8, Window: 5 * time.Minute})
	env.clock = time.Date(2024, 1, 1, 8, 1, 0, 0, time.UTC)

	s, err := env.Engine.Start(env.Ctx)
	require.NoError(t, err)
	s, rep := env.cycle(t, s)
	assert.Equal(t, []string{trigger.DailyBriefing}, rep.Fired)
	env.clock = env.clock.Add(time.Minute)
	_, rep = env.cycle(t, s)
	assert.Empty(t, rep.Fired)
	assert.FileExists(t, filepath.Join(env.Store.Root(), "Plans", "BRIEFING_daily_briefing_20240101.md"))

	restarted, err := env.Engine.Start(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, "2024-01-01", restarted.LastFired[trigger.DailyBriefing])
	_, rep = env.cycle(t, restarted)
	assert.Empty(t, rep.Fired)

	env.clock = time.Date(2024, 1, 2, 8, 2, 0, 0, time.UTC)
	_, rep = env.cycle(t, restarted)
	assert.Equal(t, []string{trigger.DailyBriefing}, rep.Fired)
}

func TestIntakeNoticeOnlyWhenCountChanges(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Store.Create(domain.StateIntake, "NOTE_20240101_120000_a", []byte("hello\n"), nil)
	require.NoError(t, err)
	s, _ := env.cycle(t, engine.NewState())
	assert.Equal(t, 1, env.Notes.count(notify.Info))
	s, _ = env.cycle(t, s)
	assert.Equal(t, 2, env.Notes.count(notify.Info), "queue empty notice")
	_, _ = env.cycle(t, s)
	assert.Equal(t, 2, env.Notes.count(notify.Info))
}

func TestCycleDoesNotMutateInputState(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Store.Create(domain.StateIntake, "NOTE_20240101_120000_bad", []byte{0xff}, nil)
	require.NoError(t, err)
	in := engine.NewState()
	out, _ := env.cycle(t, in)
	assert.Empty(t, in.Held)
	assert.Len(t, out.Held, 1)
	assert.Equal(t, -1, in.LastCount)
}

func TestStartReconcilesInterruptedMove(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Store.Create(domain.StatePendingApproval, "APPROVAL_1", []byte("doc"), nil)
	require.NoError(t, err)
	src := filepath.Join(env.Store.Dir(domain.StatePendingApproval), "APPROVAL_1.md")
	require.NoError(t, os.MkdirAll(env.Store.Dir(domain.StateApproved), 0o755))
	require.NoError(t, os.Link(src, filepath.Join(env.Store.Dir(domain.StateApproved), "APPROVAL_1.md")))

	_, err = env.Engine.Start(env.Ctx)
	require.NoError(t, err)
	assert.Empty(t, env.keys(t, domain.StatePendingApproval))
	assert.Equal(t, []string{"APPROVAL_1"}, env.keys(t, domain.StateApproved))
	evts, err := env.Repo.LatestEvents(env.Ctx, 10, events.StoreReconciled, "APPROVAL_1")
	require.NoError(t, err)
	assert.Len(t, evts, 1)
}
