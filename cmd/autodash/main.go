package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"autodash/internal/app"
	"autodash/internal/config"
	"autodash/internal/domain"
	"autodash/internal/engine"
	"autodash/internal/logging"
	"autodash/internal/server"
	"autodash/internal/summary"
	autodashsdk "autodash/sdk/go"
)

var rootCmd = &cobra.Command{
	Use:   "autodash",
	Short: "Automation dashboard backend",
	Long: `autodash runs email parsing and data cleaning scripts as tracked workflows,
keeps their state and logs in SQLite, and generates summaries with a
completion API.
- Workflow: one run of a script; running -> completed or failed.
- Log: timestamped lines attached to a workflow.
- Summary: generated text, optionally tied to a workflow.`,
	SilenceUsage: true,
}

func main() {
	_ = godotenv.Load()
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("AUTODASH")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("config", "c", config.Path("."), "config file")
	flags.String("db", "", "SQLite database path (overrides database.path)")
	flags.String("addr", "", "listen address (overrides server.addr)")
	flags.String("log-level", "", "debug, info, warn or error")
	flags.String("log-format", "", "text or json")
	flags.Bool("json", false, "output JSON")
	for _, name := range []string{"config", "db", "addr", "log-level", "log-format", "json"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(workflowCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(summaryCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(configCmd())
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server and the stale workflow sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				handler, err := a.Handler()
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: a.Config.Server.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go a.Sweeper().Run(ctx)
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = srv.Shutdown(shutdownCtx)
				}()
				a.Logger.Info("serving autodash API",
					"addr", "http://"+a.Config.Server.Addr,
					"openapi", "/openapi.json",
					"docs", "/docs",
					"auth", a.Config.Auth.JWTSecret != "",
				)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	return cmd
}

func workflowCmd() *cobra.Command {
	wf := &cobra.Command{Use: "workflow", Short: "Run and inspect workflows"}
	wf.AddCommand(workflowListCmd())
	wf.AddCommand(workflowShowCmd())
	wf.AddCommand(workflowEmailCmd())
	wf.AddCommand(workflowCleanCmd())
	return wf
}

func workflowListCmd() *cobra.Command {
	var limit int
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workflows, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				var (
					items []domain.Workflow
					err   error
				)
				if status != "" {
					st := domain.WorkflowStatus(status)
					if !st.Valid() {
						return fmt.Errorf("invalid --status %q", status)
					}
					items, err = a.Repo.ListWorkflowsByStatus(ctx, st)
				} else {
					items, err = a.Repo.ListWorkflows(ctx, limit)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "Type", "Status", "Started", "Duration", "Error"})
				for _, w := range items {
					dur := ""
					if d, ok := w.Duration(); ok {
						dur = d.Round(time.Millisecond).String()
					}
					tw.AppendRow(table.Row{w.ID, w.Type, w.Status, w.StartedAt, dur, deref(w.Error)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum workflows (ignored with --status)")
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	return cmd
}

func workflowShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a workflow and its logs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				w, err := a.Repo.GetWorkflow(ctx, args[0])
				if err != nil {
					return err
				}
				logs, err := a.Repo.ListLogsByWorkflow(ctx, w.ID)
				if err != nil {
					return err
				}
				return printJSON(map[string]any{"workflow": w, "logs": logs})
			})
		},
	}
	return cmd
}

func workflowEmailCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "email [content]",
		Short: "Run the email parsing workflow (content from arg, --file or stdin)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := readInput(cmd.InOrStdin(), args, file)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.TriggerEmailParse(ctx, content)
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "read email content from file (- for stdin)")
	return cmd
}

func workflowCleanCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "clean [json-object]",
		Short: "Run the data cleaning workflow on a JSON object",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readInput(cmd.InOrStdin(), args, file)
			if err != nil {
				return err
			}
			if !json.Valid([]byte(raw)) {
				return fmt.Errorf("data is not valid JSON")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.TriggerDataClean(ctx, json.RawMessage(raw))
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "read JSON from file (- for stdin)")
	return cmd
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Inspect workflow logs"}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	var workflowID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show recent log entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				var (
					entries []domain.LogEntry
					err     error
				)
				if workflowID != "" {
					entries, err = a.Repo.ListLogsByWorkflow(ctx, workflowID)
				} else {
					entries, err = a.Repo.ListLogs(ctx, n)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := newTable(table.Row{"Timestamp", "Workflow", "Level", "Message"})
				for _, e := range entries {
					tw.AppendRow(table.Row{e.Timestamp, e.WorkflowID, e.Level, e.Message})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&n, "n", "n", 20, "number of entries")
	cmd.Flags().StringVar(&workflowID, "workflow", "", "only this workflow, oldest first")
	return cmd
}

func summaryCmd() *cobra.Command {
	sm := &cobra.Command{Use: "summary", Short: "Generate and list summaries"}
	sm.AddCommand(summaryListCmd())
	sm.AddCommand(summaryCreateCmd())
	return sm
}

func summaryListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored summaries, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Repo.ListSummaries(ctx, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "Workflow", "Tokens", "Created", "Content"})
				for _, s := range items {
					tokens := ""
					if s.TokenCount != nil {
						tokens = fmt.Sprint(*s.TokenCount)
					}
					tw.AppendRow(table.Row{s.ID, deref(s.WorkflowID), tokens, s.CreatedAt, truncate(s.Content, 60)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum summaries")
	return cmd
}

func summaryCreateCmd() *cobra.Command {
	var file, kind, workflowID string
	cmd := &cobra.Command{
		Use:   "create [content]",
		Short: "Summarize content and store the result",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := readInput(cmd.InOrStdin(), args, file)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.Summarize(ctx, engine.SummarizeOptions{
					Content:    content,
					Kind:       summary.Kind(kind),
					WorkflowID: workflowID,
				})
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "read content from file (- for stdin)")
	cmd.Flags().StringVar(&kind, "type", "", "general, workflow or report")
	cmd.Flags().StringVar(&workflowID, "workflow", "", "attach the summary to a workflow")
	return cmd
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show dashboard statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				st, err := a.Engine.Stats(ctx)
				if err != nil {
					return err
				}
				return printStats(st)
			})
		},
	}
}

func sweepCmd() *cobra.Command {
	var staleAfter time.Duration
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Fail workflows stuck in running",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				after := staleAfter
				if after <= 0 {
					after = a.Config.Sweep.StaleAfter
				}
				ids, err := a.Engine.SweepStale(ctx, after)
				if err != nil {
					return err
				}
				return printJSON(map[string]any{"stale_after": after.String(), "failed": ids})
			})
		},
	}
	cmd.Flags().DurationVar(&staleAfter, "stale-after", 0, "age at which a running workflow is abandoned (default sweep.stale_after)")
	return cmd
}

func tokenCmd() *cobra.Command {
	var subject string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			tok, err := server.IssueToken(cfg.Auth.JWTSecret, subject, ttl, time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func watchCmd() *cobra.Command {
	var baseURL, token string
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Poll a running server's stats",
		RunE: func(cmd *cobra.Command, args []string) error {
			if baseURL == "" {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				baseURL = "http://" + cfg.Server.Addr
			}
			client := autodashsdk.New(baseURL)
			client.Timeout = 30 * time.Second
			client.BearerToken = token
			err := client.Watch(cmd.Context(), interval, func(st autodashsdk.Stats) error {
				fmt.Fprintf(cmd.OutOrStdout(), "%s total=%d completed=%d failed=%d running=%d\n",
					time.Now().Format(time.TimeOnly), st.TotalWorkflows, st.Completed, st.Failed, st.Running)
				return nil
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&baseURL, "url", "", "server URL (default http://<server.addr>)")
	cmd.Flags().StringVar(&token, "token", os.Getenv("AUTODASH_TOKEN"), "bearer token")
	cmd.Flags().DurationVar(&interval, "interval", 5*time.Second, "poll interval")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage autodash.yml",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := viper.GetString("config")
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config (secrets redacted)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			shown := *cfg
			shown.Summary.APIKey = redact(shown.Summary.APIKey)
			shown.Auth.JWTSecret = redact(shown.Auth.JWTSecret)
			out, err := yaml.Marshal(&shown)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
}

// --- helpers ---

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOptional(viper.GetString("config"))
	if err != nil {
		return nil, err
	}
	overrides := app.Overrides{
		DBPath:    viper.GetString("db"),
		Addr:      viper.GetString("addr"),
		LogLevel:  viper.GetString("log-level"),
		LogFormat: viper.GetString("log-format"),
		JWTSecret: viper.GetString("jwt-secret"),
		APIKey:    viper.GetString("api-key"),
	}
	if overrides.APIKey == "" {
		overrides.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if err := overrides.Apply(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	a, err := app.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func readInput(stdin io.Reader, args []string, file string) (string, error) {
	switch {
	case len(args) == 1:
		return args[0], nil
	case file == "-" || (file == "" && len(args) == 0):
		b, err := io.ReadAll(stdin)
		return string(b), err
	default:
		b, err := os.ReadFile(file)
		return string(b), err
	}
}

func printStats(st domain.Stats) error {
	if viper.GetBool("json") {
		return printJSON(st)
	}
	tw := newTable(table.Row{"Total", "Completed", "Failed", "Running"})
	tw.AppendRow(table.Row{st.TotalWorkflows, st.Completed, st.Failed, st.Running})
	tw.Render()
	if len(st.ByType) > 0 {
		bt := newTable(table.Row{"Type", "Count"})
		for k, v := range st.ByType {
			bt.AppendRow(table.Row{k, v})
		}
		bt.SortBy([]table.SortBy{{Name: "Type", Mode: table.Asc}})
		bt.Render()
	}
	if len(st.RecentActivity) > 0 {
		ra := newTable(table.Row{"Timestamp", "Level", "Message"})
		for _, e := range st.RecentActivity {
			ra.AppendRow(table.Row{e.Timestamp, e.Level, e.Message})
		}
		ra.Render()
	}
	return nil
}

func newTable(header table.Row) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(header)
	return tw
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "***"
}
