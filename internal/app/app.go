// Package app opens a workspace and wires the workflow components from its
// configuration.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"inboxflow/internal/approval"
	"inboxflow/internal/classify"
	"inboxflow/internal/config"
	"inboxflow/internal/db"
	"inboxflow/internal/dispatch"
	"inboxflow/internal/domain"
	"inboxflow/internal/engine"
	"inboxflow/internal/events"
	"inboxflow/internal/gmail"
	"inboxflow/internal/intake"
	"inboxflow/internal/migrate"
	"inboxflow/internal/notify"
	"inboxflow/internal/plan"
	"inboxflow/internal/repo"
	"inboxflow/internal/store"
	"inboxflow/internal/trigger"
)

// Options control how a workspace is opened.
type Options struct {
	Workspace string
	Logger    *slog.Logger
	Notifier  notify.Notifier
	Now       func() time.Time
	// Mailbox replaces the Gmail API client when set.
	Mailbox gmail.Mailbox
}

// Runtime is an opened workspace.
type Runtime struct {
	Workspace  string
	Config     *config.Config
	DB         *sql.DB
	Repo       *repo.Repo
	Events     events.Writer
	Store      *store.Store
	Gate       *approval.Gate
	Dispatcher *dispatch.Dispatcher
	Engine     *engine.Engine
	Depositor  *intake.Depositor
	Logger     *slog.Logger

	mailbox gmail.Mailbox
}

// NewLogger builds the process logger.
func NewLogger(w io.Writer, level string, asJSON bool) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if asJSON {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// LoadConfig reads inboxflow.yml, or the defaults when the file is absent.
func LoadConfig(workspace string) (*config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default()
	}
	return cfg, nil
}

// Resolve returns path relative to the workspace unless it is absolute.
func (r *Runtime) Resolve(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(r.Workspace, path)
}

// Open loads config, opens and migrates the journal and builds the engine.
func Open(ctx context.Context, opts Options) (*Runtime, error) {
	workspace := opts.Workspace
	if workspace == "" {
		workspace = "."
	}
	abs, err := filepath.Abs(workspace)
	if err != nil {
		return nil, err
	}
	cfg, err := LoadConfig(abs)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = NewLogger(os.Stderr, cfg.Log.Level, false)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	conn, err := db.Open(db.Config{Workspace: abs, Dir: cfg.Vault.Logs})
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	if applied, err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate journal: %w", err)
	} else if len(applied) > 0 {
		logger.Debug("journal migrated", "applied", applied)
	}

	st, err := store.New(abs, store.Layout(cfg.StateDirs()))
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := st.EnsureDirs(); err != nil {
		conn.Close()
		return nil, err
	}

	r := &Runtime{
		Workspace: abs,
		Config:    cfg,
		DB:        conn,
		Repo:      &repo.Repo{DB: conn},
		Events:    events.Writer{DB: conn, Now: now},
		Store:     st,
		Logger:    logger,
		mailbox:   opts.Mailbox,
	}
	r.Gate = approval.New(st, logger)
	r.Gate.Now = now
	r.Depositor = &intake.Depositor{Store: st, Journal: r.Events, Logger: logger, Now: now, Actor: events.DefaultActor}

	disp, err := r.buildDispatcher(ctx, now)
	if err != nil {
		conn.Close()
		return nil, err
	}
	r.Dispatcher = disp

	rules, err := BuildRules(cfg, logger)
	if err != nil {
		conn.Close()
		return nil, err
	}
	specs, err := trigger.FromConfig(cfg.Triggers)
	if err != nil {
		conn.Close()
		return nil, err
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = notify.Discard{}
	}
	r.Engine = &engine.Engine{
		Store:      st,
		Gate:       r.Gate,
		Rules:      rules,
		Dispatcher: disp,
		Events:     r.Events,
		Repo:       r.Repo,
		Plans:      plan.Writer{Dir: r.Resolve(cfg.Vault.Plans), Now: now},
		Notifier:   notifier,
		Triggers:   specs,
		Logger:     logger,
		Now:        now,
	}
	return r, nil
}

func (r *Runtime) Close() error {
	if r.DB == nil {
		return nil
	}
	return r.DB.Close()
}

// BuildRules returns the keyword table, wrapped with CEL overrides when the
// config defines any.
func BuildRules(cfg *config.Config, logger *slog.Logger) (classify.Rules, error) {
	base := classify.NewKeywordRules(cfg.Rules.ReplyTerms, cfg.Rules.UrgencyTerms)
	if len(cfg.Rules.Overrides) == 0 {
		return base, nil
	}
	overrides := make([]classify.Override, 0, len(cfg.Rules.Overrides))
	for _, o := range cfg.Rules.Overrides {
		overrides = append(overrides, classify.Override{
			Name:             o.Name,
			When:             o.When,
			Category:         o.Category,
			Priority:         o.Priority,
			Action:           o.Action,
			RequiresApproval: o.RequiresApproval,
		})
	}
	rules, err := classify.NewCELRules(base, overrides, logger)
	if err != nil {
		return nil, fmt.Errorf("config.rules.overrides: %w", err)
	}
	return rules, nil
}

// Mailbox returns the Gmail client, connecting on first use.
func (r *Runtime) Mailbox(ctx context.Context) (gmail.Mailbox, error) {
	if r.mailbox != nil {
		return r.mailbox, nil
	}
	g := r.Config.Intake.Gmail
	client, err := gmail.NewClient(ctx, r.Resolve(g.Credentials), r.Resolve(g.Token))
	if err != nil {
		return nil, err
	}
	r.mailbox = client
	return client, nil
}

func (r *Runtime) buildDispatcher(ctx context.Context, now func() time.Time) (*dispatch.Dispatcher, error) {
	cfg := r.Config
	d := dispatch.New(dispatch.Options{
		Timeout:        cfg.Backends.Timeout.Std(),
		SendsPerMinute: cfg.Backends.SendsPerMinute,
		Logger:         r.Logger,
	})
	dry := dispatch.DryRun{Logger: r.Logger, Now: now}
	switch cfg.Backends.Email.Provider {
	case "dry-run":
		d.Register(domain.ActionSendEmail, dry)
	case "gmail":
		mb, err := r.Mailbox(ctx)
		if err != nil {
			return nil, fmt.Errorf("email backend: %w", err)
		}
		d.Register(domain.ActionSendEmail, gmail.Sender{Mailbox: mb, Root: r.Workspace, Now: now})
	}
	if cfg.Backends.Messaging.Provider == "dry-run" {
		d.Register(domain.ActionSendMessage, dry)
	}
	return d, nil
}

// InboxWatcher builds the drop-folder watcher for the workspace.
func (r *Runtime) InboxWatcher() *intake.InboxWatcher {
	return &intake.InboxWatcher{
		Dir:     r.Resolve(r.Config.Vault.Inbox),
		Adapter: r.Depositor,
		Seen:    r.Repo,
		Logger:  r.Logger.With("source", intake.SourceInbox),
	}
}

// GmailWatcher builds the Gmail poller for the workspace.
func (r *Runtime) GmailWatcher(ctx context.Context) (*gmail.Watcher, error) {
	mb, err := r.Mailbox(ctx)
	if err != nil {
		return nil, err
	}
	g := r.Config.Intake.Gmail
	return &gmail.Watcher{
		Mailbox:  mb,
		Adapter:  r.Depositor,
		Seen:     r.Repo,
		Query:    g.Query,
		Interval: g.Interval.Std(),
		Logger:   r.Logger.With("source", gmail.SourceGmail),
	}, nil
}
