// Package dispatch executes approved action descriptors against backends.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"inboxflow/internal/domain"
)

var (
	// ErrBackendUnavailable marks actions no configured backend can perform.
	ErrBackendUnavailable = errors.New("manual action needed")
	// ErrDeferred means the send budget is spent; the action was not attempted.
	ErrDeferred = errors.New("send deferred by rate limit")
)

const DefaultTimeout = 20 * time.Second

// Backend performs one kind of action. A returned error is a backend failure.
type Backend interface {
	Execute(ctx context.Context, d domain.ActionDescriptor) (domain.Outcome, error)
}

// BackendFunc adapts a function to Backend.
type BackendFunc func(ctx context.Context, d domain.ActionDescriptor) (domain.Outcome, error)

func (f BackendFunc) Execute(ctx context.Context, d domain.ActionDescriptor) (domain.Outcome, error) {
	return f(ctx, d)
}

type Dispatcher struct {
	Backends map[domain.ActionType]Backend
	Timeout  time.Duration
	Limiter  *rate.Limiter
	Logger   *slog.Logger
}

type Options struct {
	Timeout        time.Duration
	SendsPerMinute int
	Logger         *slog.Logger
}

func New(opts Options) *Dispatcher {
	d := &Dispatcher{
		Backends: map[domain.ActionType]Backend{},
		Timeout:  opts.Timeout,
		Logger:   opts.Logger,
	}
	if d.Timeout <= 0 {
		d.Timeout = DefaultTimeout
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if opts.SendsPerMinute > 0 {
		d.Limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(opts.SendsPerMinute)), opts.SendsPerMinute)
	}
	return d
}

// Register installs b for an action type.
func (d *Dispatcher) Register(a domain.ActionType, b Backend) {
	d.Backends[a.Executable()] = b
}

func (d *Dispatcher) Has(a domain.ActionType) bool {
	_, ok := d.Backends[a.Executable()]
	return ok
}

var manualReasons = map[domain.ActionType]string{
	domain.ActionSendEmail:       "email delivery has no configured backend",
	domain.ActionSendMessage:     "messaging requires a chat provider integration",
	domain.ActionProcessPayment:  "payment processing requires banking integration",
	domain.ActionScheduleMeeting: "calendar scheduling requires integration",
}

func failure(msg string) domain.Outcome {
	return domain.Outcome{Success: false, Message: msg}
}

// Execute runs the descriptor. Failures are reported in the outcome; the
// only error is ErrDeferred, returned when the send budget is exhausted.
func (d *Dispatcher) Execute(ctx context.Context, desc domain.ActionDescriptor) (domain.Outcome, error) {
	action := desc.Type.Executable()
	switch action {
	case domain.ActionArchive:
		if b, ok := d.Backends[action]; ok {
			return d.call(ctx, b, desc), nil
		}
		return domain.Outcome{Success: true, Message: "archived"}, nil
	case domain.ActionSendEmail, domain.ActionSendMessage, domain.ActionProcessPayment, domain.ActionScheduleMeeting:
	default:
		if strings.TrimSpace(desc.RawAction) == "" {
			return failure("could not determine action type from approval document"), nil
		}
		return failure(fmt.Sprintf("unknown action type: %s", desc.RawAction)), nil
	}

	b, ok := d.Backends[action]
	if !ok {
		return failure(fmt.Sprintf("%s - %v", manualReasons[action], ErrBackendUnavailable)), nil
	}
	if msg := validate(action, desc); msg != "" {
		return failure(msg), nil
	}
	if isSend(action) && d.Limiter != nil && !d.Limiter.Allow() {
		return domain.Outcome{}, ErrDeferred
	}
	return d.call(ctx, b, desc), nil
}

func isSend(a domain.ActionType) bool {
	return a == domain.ActionSendEmail || a == domain.ActionSendMessage
}

func validate(a domain.ActionType, desc domain.ActionDescriptor) string {
	switch a {
	case domain.ActionSendEmail:
		if strings.TrimSpace(desc.Recipient) == "" {
			return "recipient email address not found"
		}
		if strings.TrimSpace(desc.Body) == "" {
			return "email body not found"
		}
	case domain.ActionSendMessage:
		if strings.TrimSpace(desc.Recipient) == "" {
			return "message recipient not found"
		}
	}
	return ""
}

type callResult struct {
	out domain.Outcome
	err error
}

// call bounds the backend with the dispatcher timeout even when the backend
// ignores its context.
func (d *Dispatcher) call(ctx context.Context, b Backend, desc domain.ActionDescriptor) domain.Outcome {
	ctx, cancel := context.WithTimeout(ctx, d.Timeout)
	defer cancel()

	done := make(chan callResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- callResult{err: fmt.Errorf("backend panic: %v", r)}
			}
		}()
		out, err := b.Execute(ctx, desc)
		done <- callResult{out: out, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			d.Logger.Warn("backend failed", "action", desc.Type, "err", res.err)
			return failure(res.err.Error())
		}
		return res.out
	case <-ctx.Done():
		d.Logger.Warn("backend timed out", "action", desc.Type, "timeout", d.Timeout)
		return failure(fmt.Sprintf("backend timed out after %s", d.Timeout))
	}
}
