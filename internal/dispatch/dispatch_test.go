package dispatch

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inboxflow/internal/domain"
)

func emailDescriptor() domain.ActionDescriptor {
	return domain.ActionDescriptor{
		Type:      domain.ActionSendEmail,
		RawAction: "send-email",
		Recipient: "ana@example.com",
		Subject:   "Re: hello",
		Body:      "Thanks!",
	}
}

func TestManualActionNeeded(t *testing.T) {
	d := New(Options{})
	for _, a := range []domain.ActionType{domain.ActionProcessPayment, domain.ActionScheduleMeeting, domain.ActionSendMessage, domain.ActionSendEmail} {
		out, err := d.Execute(context.Background(), domain.ActionDescriptor{Type: a, RawAction: string(a), Recipient: "x", Body: "y"})
		require.NoError(t, err)
		assert.False(t, out.Success, a)
		assert.True(t, strings.HasSuffix(out.Message, "manual action needed"), out.Message)
		again, _ := d.Execute(context.Background(), domain.ActionDescriptor{Type: a, RawAction: string(a), Recipient: "x", Body: "y"})
		assert.Equal(t, out, again)
	}
}

func TestUnknownActionNamesValue(t *testing.T) {
	d := New(Options{})
	out, err := d.Execute(context.Background(), domain.ActionDescriptor{Type: domain.ActionUnknown, RawAction: "teleport"})
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Equal(t, "unknown action type: teleport", out.Message)

	out, _ = d.Execute(context.Background(), domain.ActionDescriptor{})
	assert.False(t, out.Success)
	assert.Contains(t, out.Message, "could not determine action type")
}

func TestArchiveNeedsNoBackend(t *testing.T) {
	out, err := New(Options{}).Execute(context.Background(), domain.ActionDescriptor{Type: domain.ActionArchive})
	require.NoError(t, err)
	assert.True(t, out.Success)
}

func TestBackendOutcomePassesThrough(t *testing.T) {
	d := New(Options{})
	var got domain.ActionDescriptor
	d.Register(domain.ActionReplyEmail, BackendFunc(func(_ context.Context, desc domain.ActionDescriptor) (domain.Outcome, error) {
		got = desc
		return domain.Outcome{Success: true, Message: "sent", ExternalID: "msg-1"}, nil
	}))
	assert.True(t, d.Has(domain.ActionSendEmail))

	out, err := d.Execute(context.Background(), emailDescriptor())
	require.NoError(t, err)
	assert.Equal(t, domain.Outcome{Success: true, Message: "sent", ExternalID: "msg-1"}, out)
	assert.Equal(t, emailDescriptor(), got)
}

func TestMissingEmailFieldsFailBeforeBackend(t *testing.T) {
	d := New(Options{})
	called := false
	d.Register(domain.ActionSendEmail, BackendFunc(func(context.Context, domain.ActionDescriptor) (domain.Outcome, error) {
		called = true
		return domain.Outcome{Success: true}, nil
	}))
	desc := emailDescriptor()
	desc.Recipient = ""
	out, _ := d.Execute(context.Background(), desc)
	assert.Equal(t, "recipient email address not found", out.Message)

	desc = emailDescriptor()
	desc.Body = " "
	out, _ = d.Execute(context.Background(), desc)
	assert.Equal(t, "email body not found", out.Message)
	assert.False(t, called)
}

func TestBackendErrorAndPanicBecomeFailures(t *testing.T) {
	d := New(Options{})
	d.Register(domain.ActionSendEmail, BackendFunc(func(context.Context, domain.ActionDescriptor) (domain.Outcome, error) {
		return domain.Outcome{}, errors.New("smtp down")
	}))
	out, err := d.Execute(context.Background(), emailDescriptor())
	require.NoError(t, err)
	assert.Equal(t, domain.Outcome{Message: "smtp down"}, out)

	d.Register(domain.ActionSendEmail, BackendFunc(func(context.Context, domain.ActionDescriptor) (domain.Outcome, error) {
		panic("boom")
	}))
	out, _ = d.Execute(context.Background(), emailDescriptor())
	assert.False(t, out.Success)
	assert.Contains(t, out.Message, "boom")
}

func TestBackendTimeoutIsFailure(t *testing.T) {
	d := New(Options{Timeout: 20 * time.Millisecond})
	release := make(chan struct{})
	defer close(release)
	d.Register(domain.ActionSendEmail, BackendFunc(func(context.Context, domain.ActionDescriptor) (domain.Outcome, error) {
		<-release
		return domain.Outcome{Success: true}, nil
	}))
	start := time.Now()
	out, err := d.Execute(context.Background(), emailDescriptor())
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Contains(t, out.Message, "timed out")
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestRateLimitDefers(t *testing.T) {
	d := New(Options{SendsPerMinute: 1})
	calls := 0
	d.Register(domain.ActionSendEmail, BackendFunc(func(context.Context, domain.ActionDescriptor) (domain.Outcome, error) {
		calls++
		return domain.Outcome{Success: true}, nil
	}))
	out, err := d.Execute(context.Background(), emailDescriptor())
	require.NoError(t, err)
	assert.True(t, out.Success)

	_, err = d.Execute(context.Background(), emailDescriptor())
	assert.ErrorIs(t, err, ErrDeferred)
	assert.Equal(t, 1, calls)
}

func TestDryRun(t *testing.T) {
	dr := DryRun{Now: func() time.Time { return time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC) }}
	out, err := dr.Execute(context.Background(), emailDescriptor())
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Equal(t, "DRYRUN_20240101120000", out.ExternalID)
}
