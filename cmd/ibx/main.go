package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"inboxflow/internal/app"
	"inboxflow/internal/approval"
	"inboxflow/internal/config"
	"inboxflow/internal/domain"
	"inboxflow/internal/engine"
	"inboxflow/internal/events"
	"inboxflow/internal/gmail"
	"inboxflow/internal/intake"
	"inboxflow/internal/meta"
	"inboxflow/internal/notify"
	"inboxflow/internal/scheduler"
	"inboxflow/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "ibx",
	Short: "Inboxflow CLI",
	Long: `Inboxflow turns incoming items into plans, approval requests and executed actions.
Core concepts:
- Workspace: a directory holding one folder per state plus Plans/ and Logs/.
- Records: a markdown descriptor (KEY.md) with an optional payload file next to it.
- States: Intake -> Needs_Action -> Pending_Approval -> Approved/Rejected -> Done.
- Approval: move a file from Pending_Approval to Approved or Rejected (or use 'ibx approve|reject').
- Journal: every step is recorded in Logs/journal.db, view it with 'ibx log tail'.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("INBOXFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error); defaults to config")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(approveCmd())
	rootCmd.AddCommand(rejectCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(listCmd())
	rootCmd.AddCommand(showCmd())
	rootCmd.AddCommand(classifyCmd())
	rootCmd.AddCommand(submitCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(gmailCmd())
}

func runCmd() *cobra.Command {
	var once, noWatch bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the workflow loop",
		Long:  "Run cycles until interrupted: triggers, approved/rejected drains, approval notices and intake routing. Enabled intake sources are watched alongside.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			var notifier notify.Notifier = notify.NewConsole(os.Stdout)
			if viper.GetBool("json") {
				notifier = notify.Discard{}
			}
			return withRuntimeOptions(ctx, app.Options{Notifier: notifier}, func(ctx context.Context, rt *app.Runtime) error {
				s, err := rt.Engine.Start(ctx)
				if err != nil {
					return err
				}
				if once {
					_, rep, err := rt.Engine.Cycle(ctx, s)
					if viper.GetBool("json") {
						if perr := printJSON(rep); perr != nil {
							return perr
						}
					} else {
						printReport(rep)
					}
					return err
				}
				var wg sync.WaitGroup
				if !noWatch {
					startWatchers(ctx, rt, &wg)
				}
				loop := &scheduler.Loop{
					Engine:   rt.Engine,
					Interval: rt.Config.Poll.Interval.Std(),
					Logger:   rt.Logger,
				}
				rt.Logger.Info("inboxflow running", "workspace", rt.Workspace, "interval", loop.Interval)
				_, err = loop.Run(ctx, s)
				wg.Wait()
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run a single cycle and exit")
	cmd.Flags().BoolVar(&noWatch, "no-watch", false, "do not start intake watchers")
	return cmd
}

func startWatchers(ctx context.Context, rt *app.Runtime, wg *sync.WaitGroup) {
	if rt.Config.Intake.Inbox.Enabled {
		w := rt.InboxWatcher()
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.Run(ctx); err != nil {
				rt.Logger.Error("inbox watcher stopped", "err", err)
			}
		}()
	}
	if rt.Config.Intake.Gmail.Enabled {
		w, err := rt.GmailWatcher(ctx)
		if err != nil {
			rt.Logger.Error("gmail watcher unavailable", "err", err)
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.Run(ctx); err != nil {
				rt.Logger.Error("gmail watcher stopped", "err", err)
			}
		}()
	}
}

func printReport(rep engine.Report) {
	rows := []struct {
		label string
		keys  []string
	}{
		{"Triggers", rep.Fired},
		{"Executed", rep.Executed},
		{"Failed", rep.Failed},
		{"Deferred", rep.Deferred},
		{"Rejected", rep.Rejected},
		{"Notified", rep.Notified},
		{"Routed", rep.Routed},
		{"Faults", rep.Faults},
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Step", "Count", "Records"})
	for _, r := range rows {
		tw.AppendRow(table.Row{r.label, len(r.keys), strings.Join(r.keys, "\n")})
	}
	tw.Render()
	if rep.Plan != "" {
		fmt.Println("Plan:", rep.Plan)
	}
}

func approveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "approve <key>",
		Short: "Approve a pending record",
		Long:  "Same as moving the file from Pending_Approval to Approved; the next cycle executes it.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return decide(cmd.Context(), args[0], true)
		},
	}
}

func rejectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reject <key>",
		Short: "Reject a pending record",
		Long:  "Same as moving the file from Pending_Approval to Rejected; the next cycle stamps it and files it in Done.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return decide(cmd.Context(), args[0], false)
		},
	}
}

func decide(ctx context.Context, arg string, approve bool) error {
	return withRuntime(ctx, func(ctx context.Context, rt *app.Runtime) error {
		key := recordKey(arg)
		en, err := rt.Gate.Decide(key, approve)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("%s is not pending approval", key)
			}
			return err
		}
		if err := rt.Events.Append(ctx, nil, events.ApprovalDecided, en.Key, string(en.State), events.HumanActor, events.EventPayload{"approved": approve}); err != nil {
			rt.Logger.Warn("journal decision", "key", en.Key, "err", err)
		}
		if viper.GetBool("json") {
			return printJSON(en)
		}
		fmt.Printf("%s moved to %s\n", en.Key, en.State)
		return nil
	})
}

// recordKey accepts a key, a descriptor file name or a path to either.
func recordKey(arg string) string {
	return strings.TrimSuffix(filepath.Base(strings.TrimSpace(arg)), ".md")
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show record counts per state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				type row struct {
					State   domain.State `json:"state"`
					Dir     string       `json:"dir"`
					Records int          `json:"records"`
				}
				var rows []row
				for _, st := range domain.Lifecycle {
					entries, err := rt.Store.List(st)
					if err != nil {
						return err
					}
					rows = append(rows, row{State: st, Dir: rt.Store.Dir(st), Records: len(entries)})
				}
				pending, err := rt.Store.List(domain.StatePendingApproval)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					keys := make([]string, 0, len(pending))
					for _, p := range pending {
						keys = append(keys, p.Key)
					}
					return printJSON(map[string]any{"workspace": rt.Workspace, "states": rows, "pending": keys})
				}
				fmt.Printf("Workspace: %s\n", rt.Workspace)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"State", "Directory", "Records"})
				for _, r := range rows {
					tw.AppendRow(table.Row{r.State, r.Dir, r.Records})
				}
				tw.Render()
				if len(pending) > 0 {
					fmt.Println("Awaiting approval:")
					for _, p := range pending {
						fmt.Printf("  %s\n", p.Key)
					}
				}
				return nil
			})
		},
	}
	return cmd
}

func listCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <state>",
		Short: "List records in a state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, ok := domain.ParseState(args[0])
			if !ok {
				return fmt.Errorf("unknown state %q", args[0])
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				entries, err := rt.Store.List(st)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Key", "Modified", "Payload"})
				for _, e := range entries {
					tw.AppendRow(table.Row{e.Key, e.ModTime.Local().Format("2006-01-02 15:04:05"), filepath.Base(e.PayloadPath)})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func showCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <key>",
		Short: "Print a record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				key := recordKey(args[0])
				states, err := rt.Store.Locate(key)
				if err != nil {
					return err
				}
				if len(states) == 0 {
					return fmt.Errorf("%s: %w", key, store.ErrNotFound)
				}
				st := states[len(states)-1]
				en, data, err := rt.Store.Read(st, key)
				if err != nil {
					return err
				}
				content, err := meta.Decode(data)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					out := map[string]any{"entry": en, "states": states, "descriptor": meta.Parse(key, content)}
					if strings.HasPrefix(key, approval.KeyPrefix) {
						out["approval"] = approval.Parse(content)
					}
					return printJSON(out)
				}
				fmt.Printf("# %s (%s)\n%s\n", en.Key, en.State, en.Path)
				if len(states) > 1 {
					fmt.Printf("also present in: %v\n", states[:len(states)-1])
				}
				fmt.Println()
				fmt.Println(content)
				return nil
			})
		},
	}
	return cmd
}

func classifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "classify <file>",
		Short: "Show how a descriptor would be routed",
		Long:  "Parse a descriptor file and evaluate the workspace rules against it without touching any state.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.LoadConfig(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			rules, err := app.BuildRules(cfg, cliLogger(cfg))
			if err != nil {
				return err
			}
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			content, err := meta.Decode(data)
			if err != nil {
				return err
			}
			d := meta.Parse(recordKey(args[0]), content)
			dec := rules.Classify(d)
			if viper.GetBool("json") {
				return printJSON(map[string]any{"descriptor": d, "decision": dec})
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Field", "Value"})
			tw.AppendRow(table.Row{"Kind", d.Kind})
			tw.AppendRow(table.Row{"Origin", d.Origin})
			tw.AppendRow(table.Row{"Subject", d.Subject})
			tw.AppendRow(table.Row{"Category", dec.Category})
			tw.AppendRow(table.Row{"Priority", dec.Priority})
			tw.AppendRow(table.Row{"Action", dec.Action})
			tw.AppendRow(table.Row{"Requires approval", dec.RequiresApproval})
			tw.AppendRow(table.Row{"Rule", dec.Rule})
			tw.Render()
			return nil
		},
	}
	return cmd
}

func submitCmd() *cobra.Command {
	var prefix, kind, subject, from, body, file, priority string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Deposit a new record into Intake",
		Long:  "Create an intake record by hand, for sources without a watcher (chat messages, notes). --body - reads the body from stdin.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if body == "-" {
				b, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return err
				}
				body = string(b)
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				fields := []meta.Field{{Key: "kind", Value: kind}}
				if from != "" {
					fields = append(fields, meta.Field{Key: "from", Value: from})
				}
				if subject != "" {
					fields = append(fields, meta.Field{Key: "subject", Value: subject})
				}
				fields = append(fields,
					meta.Field{Key: "origin", Value: "cli"},
					meta.Field{Key: "priority", Value: priority},
				)
				sub := intake.Submission{Prefix: strings.ToUpper(prefix), Slug: subject, Fields: fields, Body: body}
				if file != "" {
					f, err := os.Open(file)
					if err != nil {
						return err
					}
					defer f.Close()
					sub.Payload = f
					sub.Slug = filepath.Base(file)
					sub.Fields = append(sub.Fields, meta.Field{Key: "original_name", Value: filepath.Base(file)})
				}
				key, err := rt.Depositor.Submit(ctx, sub)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"key": key, "state": string(domain.StateIntake)})
				}
				fmt.Println(key)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&prefix, "prefix", intake.PrefixNote, "key prefix (EMAIL, CHAT, FILE, NOTE)")
	cmd.Flags().StringVar(&kind, "kind", "general", "record kind (email, message, document, general)")
	cmd.Flags().StringVar(&subject, "subject", "", "subject")
	cmd.Flags().StringVar(&from, "from", "", "origin of the item")
	cmd.Flags().StringVar(&body, "body", "", "body text, or - for stdin")
	cmd.Flags().StringVar(&file, "file", "", "payload file copied next to the descriptor")
	cmd.Flags().StringVar(&priority, "priority", string(domain.PriorityNormal), "priority (high, normal, low)")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Journal",
		Long:  "Everything the workflow did: records created, classified, approved, executed, faulted.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, key string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail journal events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				evts, err := rt.Repo.LatestEvents(ctx, n, evtType, key)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(evts)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Time", "Type", "Key", "State", "Actor", "Payload"})
				for _, e := range evts {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.Key, e.State, e.ActorID, e.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&key, "key", "", "record key filter")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "The workspace rulebook lives in inboxflow.yml: state directories, poll interval, triggers, rules and backends.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configInitCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.LoadConfig(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			out, err := cfg.YAML()
			if err != nil {
				return err
			}
			fmt.Print(out)
			return nil
		},
	}
	return cmd
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default inboxflow.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if err := os.MkdirAll(workspace, 0o755); err != nil {
				return err
			}
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func watchCmd() *cobra.Command {
	w := &cobra.Command{
		Use:   "watch",
		Short: "Run a single intake source",
	}
	w.AddCommand(watchInboxCmd())
	w.AddCommand(watchGmailCmd())
	return w
}

func watchInboxCmd() *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "inbox",
		Short: "Watch the drop folder",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withRuntime(ctx, func(ctx context.Context, rt *app.Runtime) error {
				w := rt.InboxWatcher()
				if !once {
					rt.Logger.Info("watching inbox", "dir", w.Dir)
					return w.Run(ctx)
				}
				if err := os.MkdirAll(w.Dir, 0o755); err != nil {
					return err
				}
				keys, err := w.Scan(ctx)
				if err != nil {
					return err
				}
				return printKeys(keys)
			})
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "scan once and exit")
	return cmd
}

func watchGmailCmd() *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "gmail",
		Short: "Poll Gmail for new messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withRuntime(ctx, func(ctx context.Context, rt *app.Runtime) error {
				w, err := rt.GmailWatcher(ctx)
				if err != nil {
					return err
				}
				if !once {
					rt.Logger.Info("polling gmail", "query", w.Query, "interval", w.Interval)
					return w.Run(ctx)
				}
				keys, err := w.Poll(ctx)
				if err != nil {
					return err
				}
				return printKeys(keys)
			})
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "poll once and exit")
	return cmd
}

func gmailCmd() *cobra.Command {
	g := &cobra.Command{
		Use:   "gmail",
		Short: "Gmail account setup",
	}
	g.AddCommand(&cobra.Command{
		Use:   "auth",
		Short: "Authorize inboxflow to read and send mail",
		Long:  "Runs the OAuth consent flow with the client secret in intake.gmail.credentials and stores the token at intake.gmail.token.",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := app.LoadConfig(workspace)
			if err != nil {
				return err
			}
			creds, token := cfg.Intake.Gmail.Credentials, cfg.Intake.Gmail.Token
			return gmail.Authorize(cmd.Context(), inWorkspace(workspace, creds), inWorkspace(workspace, token), cmd.InOrStdin(), cmd.OutOrStdout())
		},
	})
	return g
}

// --- helpers ---

func withRuntime(ctx context.Context, fn func(context.Context, *app.Runtime) error) error {
	return withRuntimeOptions(ctx, app.Options{}, fn)
}

func withRuntimeOptions(ctx context.Context, opts app.Options, fn func(context.Context, *app.Runtime) error) error {
	opts.Workspace = viper.GetString("workspace")
	if level := viper.GetString("log-level"); level != "" {
		opts.Logger = app.NewLogger(os.Stderr, level, false)
	}
	rt, err := app.Open(ctx, opts)
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

func cliLogger(cfg *config.Config) *slog.Logger {
	level := viper.GetString("log-level")
	if level == "" {
		level = cfg.Log.Level
	}
	return app.NewLogger(os.Stderr, level, false)
}

func inWorkspace(workspace, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(workspace, path)
}

func printKeys(keys []string) error {
	if viper.GetBool("json") {
		if keys == nil {
			keys = []string{}
		}
		return printJSON(keys)
	}
	for _, k := range keys {
		fmt.Println(k)
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
