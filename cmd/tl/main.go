package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"threadline/internal/app"
	"threadline/internal/catalog"
	"threadline/internal/config"
	"threadline/internal/engine"
	"threadline/internal/orchestrator"
	"threadline/internal/phase"
	"threadline/internal/repo"
	"threadline/internal/server"
)

var logger = zap.NewNop()

var rootCmd = &cobra.Command{
	Use:   "tl",
	Short: "Threadline CLI",
	Long: `Threadline synthesizes multi-party chat transcripts about an event.
Core concepts:
- Run: one generation of N messages spread over a simulated timeline; every run is recorded in the workspace ledger (.threadline/threadline.db).
- Phases: weighted stages of the event (planning, doors open, teardown...); the run walks through them in order as it progresses.
- Sub-events: disruptions tied to a phase that occasionally steer the conversation.
- Agents: the personas taking turns; nobody speaks twice in a row.
- Checkpoints: transcripts are written incrementally as in-progress files and committed when the run finishes. Ctrl-C keeps what was written.
- Event log: lifecycle of every run, view with 'tl log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		l, err := newLogger(viper.GetBool("verbose"))
		if err != nil {
			return err
		}
		logger = l
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("THREADLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default <workspace>/threadline.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "debug logging")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

func registerCommands() {
	rootCmd.AddCommand(generateCmd())
	rootCmd.AddCommand(sceneCmd())
	rootCmd.AddCommand(phasesCmd())
	rootCmd.AddCommand(runsCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(tokenCmd())
}

func newLogger(verbose bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.DisableStacktrace = true
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	return cfg.Build()
}

type generateFlags struct {
	event        string
	context      string
	messages     int
	hours        float64
	start        string
	seed         uint64
	noCheckpoint bool
	offline      bool
	model        string
	catalogPath  string
}

func (f *generateFlags) register(cmd *cobra.Command, defaultHours float64) {
	cmd.Flags().StringVarP(&f.event, "event", "e", "", "event or topic the conversation is about")
	cmd.Flags().StringVar(&f.context, "context", "", "extra background for the conversation")
	cmd.Flags().IntVarP(&f.messages, "messages", "n", 0, "number of messages (default from config)")
	cmd.Flags().Float64Var(&f.hours, "hours", defaultHours, "simulated duration in hours (0 uses config)")
	cmd.Flags().StringVar(&f.start, "start", "", "timeline start, RFC3339 (default: now minus duration)")
	cmd.Flags().Uint64Var(&f.seed, "seed", 0, "random seed (0 uses config or a random seed)")
	cmd.Flags().BoolVar(&f.noCheckpoint, "no-checkpoint", false, "do not write transcript files")
	cmd.Flags().BoolVar(&f.offline, "offline", false, "use the scripted synthesizer instead of Gemini")
	cmd.Flags().StringVar(&f.model, "model", "", "Gemini model (default from config)")
	cmd.Flags().StringVar(&f.catalogPath, "catalog", "", "reuse phases, sub-events and agents from a saved *-config.yml snapshot")
}

func (f *generateFlags) options(mode string, args []string) (engine.GenerateOptions, error) {
	event := f.event
	if event == "" && len(args) > 0 {
		event = strings.Join(args, " ")
	}
	if strings.TrimSpace(event) == "" {
		return engine.GenerateOptions{}, fmt.Errorf("an event is required (--event or argument)")
	}
	opts := engine.GenerateOptions{
		Event:          event,
		Context:        f.context,
		Mode:           mode,
		TargetMessages: f.messages,
		DurationHours:  f.hours,
		Seed:           f.seed,
		NoCheckpoint:   f.noCheckpoint,
	}
	if f.start != "" {
		t, err := time.Parse(time.RFC3339, f.start)
		if err != nil {
			return opts, fmt.Errorf("--start: %w", err)
		}
		opts.Start = t
	}
	if f.catalogPath != "" {
		snap, err := catalog.ReadSnapshot(f.catalogPath)
		if err != nil {
			return opts, err
		}
		opts.Phases = snap.Phases
		opts.SubEvents = snap.SubEvents
		opts.Agents = snap.Agents
	}
	return opts, nil
}

func generateCmd() *cobra.Command {
	var f generateFlags
	cmd := &cobra.Command{
		Use:   "generate [event]",
		Short: "Generate a phased transcript for an event",
		Long:  "Walks the event's phases from first to last, injecting sub-events along the way. Catalogs are generated with Gemini unless catalog.source is builtin or --offline is set.",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := f.options(engine.ModePhased, args)
			if err != nil {
				return err
			}
			return runGenerate(cmd.Context(), f, opts)
		},
	}
	f.register(cmd, 0)
	return cmd
}

func sceneCmd() *cobra.Command {
	var f generateFlags
	cmd := &cobra.Command{
		Use:   "scene [topic]",
		Short: "Generate a single-scene conversation about a topic",
		Long:  "A scene is one phase with no sub-events. Without a Gemini key the scripted synthesizer is used.",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := f.options(engine.ModeScene, args)
			if err != nil {
				return err
			}
			if !f.offline && apiKey() == "" {
				logger.Info("no Gemini API key; using the scripted synthesizer")
				f.offline = true
			}
			return runGenerate(cmd.Context(), f, opts)
		},
	}
	f.register(cmd, 1)
	return cmd
}

func runGenerate(ctx context.Context, f generateFlags, opts engine.GenerateOptions) error {
	return withWorkspace(func(ws *app.Workspace) error {
		synth, gen, err := app.Dialogue(ctx, ws.Config, app.DialogueOptions{
			Offline: f.offline,
			APIKey:  apiKey(),
			Model:   f.model,
		}, logger)
		if err != nil {
			return fmt.Errorf("%w (set THREADLINE_GEMINI_API_KEY or use --offline)", err)
		}
		if f.offline {
			ws.Config.Catalog.Source = config.SourceBuiltin
		}
		e := ws.Engine()
		e.Synthesizer = synth
		e.Generator = gen
		res, err := e.Generate(ctx, opts)
		if res.Run.ID != "" {
			if perr := printRunSummary(res); perr != nil {
				return perr
			}
		}
		var runErr *orchestrator.RunError
		if errors.As(err, &runErr) {
			return fmt.Errorf("run failed after %d messages (%d persisted): %w", runErr.Produced, runErr.Persisted, runErr.Err)
		}
		return err
	})
}

func printRunSummary(res engine.Result) error {
	if viper.GetBool("json") {
		return printJSON(map[string]any{
			"run":         res.Run,
			"artifacts":   res.Orchestrator.Artifacts,
			"snapshot":    res.SnapshotPath,
			"flushes":     res.Orchestrator.Flushes,
			"disruptions": res.Orchestrator.Disruptions,
			"fallbacks":   res.Orchestrator.Fallbacks,
		})
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendRows([]table.Row{
		{"Run", res.Run.ID},
		{"Status", res.Run.Status},
		{"Messages", fmt.Sprintf("%d / %d", res.Run.Produced, res.Run.Target)},
		{"Persisted", res.Run.Persisted},
		{"Checkpoints", res.Orchestrator.Flushes},
		{"Disruptions", res.Orchestrator.Disruptions},
		{"Fallbacks", res.Orchestrator.Fallbacks},
	})
	for _, a := range res.Orchestrator.Artifacts.Files {
		tw.AppendRow(table.Row{"Transcript (" + string(a.Style) + ")", a.Path})
	}
	if res.SnapshotPath != "" {
		tw.AppendRow(table.Row{"Catalog snapshot", res.SnapshotPath})
	}
	tw.Render()
	if res.Run.Status == engine.StatusPartial {
		fmt.Println("Interrupted: the transcript files keep every persisted message and are marked in progress.")
	}
	return nil
}

func phasesCmd() *cobra.Command {
	var at float64
	var catalogPath string
	cmd := &cobra.Command{
		Use:   "phases",
		Short: "Show the phase schedule and its progress windows",
		RunE: func(cmd *cobra.Command, args []string) error {
			phases := catalog.DefaultPhases()
			if catalogPath != "" {
				snap, err := catalog.ReadSnapshot(catalogPath)
				if err != nil {
					return err
				}
				phases = snap.Phases
			}
			s, err := phase.NewSchedule(phases)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("at") {
				if at < 0 || at > 1 {
					return fmt.Errorf("--at must be within [0,1]")
				}
				p := s.Resolve(at)
				if viper.GetBool("json") {
					return printJSON(p)
				}
				fmt.Printf("%.0f%% -> %s (%s)\n", at*100, p.ID, p.Name)
				return nil
			}
			if viper.GetBool("json") {
				return printJSON(s.Phases())
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"#", "ID", "Name", "Hours", "Window", "Depends on"})
			for i, p := range s.Phases() {
				from, to := s.Window(i)
				deps := make([]string, 0, len(p.Dependencies))
				for _, d := range p.Dependencies {
					deps = append(deps, string(d))
				}
				tw.AppendRow(table.Row{i + 1, p.ID, p.Name, p.Hours, fmt.Sprintf("%3.0f%% - %3.0f%%", from*100, to*100), strings.Join(deps, ", ")})
			}
			tw.AppendFooter(table.Row{"", "", "Total", s.TotalHours(), "", ""})
			tw.Render()
			return nil
		},
	}
	cmd.Flags().Float64Var(&at, "at", 0, "resolve the phase active at this progress (0..1)")
	cmd.Flags().StringVar(&catalogPath, "catalog", "", "read phases from a saved *-config.yml snapshot")
	return cmd
}

func runsCmd() *cobra.Command {
	runs := &cobra.Command{Use: "runs", Short: "Inspect recorded runs"}
	runs.AddCommand(runsListCmd())
	runs.AddCommand(runsShowCmd())
	return runs
}

func runsListCmd() *cobra.Command {
	var status, mode string
	var n int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(e engine.Engine) error {
				items, err := e.ListRuns(cmd.Context(), repo.RunFilters{Status: status, Mode: mode, Limit: n})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Event", "Mode", "Status", "Messages", "Persisted", "Started"})
				for _, r := range items {
					tw.AppendRow(table.Row{r.ID, r.Event, r.Mode, r.Status, fmt.Sprintf("%d/%d", r.Produced, r.Target), r.Persisted, r.StartedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter (running, done, partial, failed)")
	cmd.Flags().StringVar(&mode, "mode", "", "mode filter (phased, scene)")
	cmd.Flags().IntVarP(&n, "n", "n", 20, "number of runs")
	return cmd
}

func runsShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a run and its artifacts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(e engine.Engine) error {
				r, err := e.GetRun(cmd.Context(), args[0])
				if err != nil {
					return fmt.Errorf("run %s: %w", args[0], err)
				}
				arts, err := engine.Artifacts(r)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"run": r, "artifacts": arts})
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Lifecycle events of every run: start, phase changes, disruptions, checkpoints and how the run ended.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, runID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(e engine.Engine) error {
				evts, err := e.Repo.LatestEvents(cmd.Context(), repo.EventFilters{RunID: runID, Type: evtType, Limit: n})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(evts)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Run", "Payload"})
				for i := len(evts) - 1; i >= 0; i-- {
					ev := evts[i]
					tw.AppendRow(table.Row{ev.ID, ev.TS, ev.Type, shortID(ev.RunID), ev.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&n, "n", "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&runID, "run", "", "run id filter")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Workspace configuration"}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default threadline.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(func(ws *app.Workspace) error {
				if viper.GetBool("json") {
					return printJSON(ws.Config)
				}
				out, err := yaml.Marshal(ws.Config)
				if err != nil {
					return err
				}
				fmt.Print(string(out))
				return nil
			})
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the workspace config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if path := viper.GetString("config"); path != "" {
				_, err = config.FromFile(path)
			} else {
				_, err = config.Load(viper.GetString("workspace"))
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var noAuth bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server and webhook dispatcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(func(ws *app.Workspace) error {
				if addr == "" {
					addr = ws.Config.Server.Addr
				}
				if basePath == "" {
					basePath = ws.Config.Server.BasePath
				}
				authCfg := server.AuthConfig{JWTSecret: viper.GetString("jwt-secret"), Disabled: noAuth, Logger: logger}
				if authCfg.JWTSecret == "" && !noAuth {
					return fmt.Errorf("THREADLINE_JWT_SECRET is required for bearer auth")
				}
				e := ws.Engine()
				handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				g, ctx := errgroup.WithContext(cmd.Context())
				g.Go(func() error {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				g.Go(func() error {
					server.NewDispatcher(e).Run(ctx)
					return nil
				})
				g.Go(func() error {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(shutdownCtx)
				})
				logger.Info("serving Threadline API",
					zap.String("url", "http://"+addr+basePath),
					zap.String("openapi", basePath+"/openapi.json"),
					zap.Int("webhooks", len(ws.Config.Webhooks)))
				return g.Wait()
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config)")
	cmd.Flags().BoolVar(&noAuth, "no-auth", false, "disable bearer auth (local use only)")
	return cmd
}

func tokenCmd() *cobra.Command {
	var subject string
	var ttl time.Duration
	var scopes []string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token signed with THREADLINE_JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := server.IssueToken(viper.GetString("jwt-secret"), subject, ttl, scopes...)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "local-user", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime (0 for no expiry)")
	cmd.Flags().StringSliceVar(&scopes, "scope", nil, "restrict to scopes (runs:read, events:read)")
	return cmd
}

// --- helpers ---

func apiKey() string {
	if k := viper.GetString("gemini-api-key"); k != "" {
		return k
	}
	return os.Getenv("GOOGLE_AI_API_KEY")
}

func withWorkspace(fn func(*app.Workspace) error) error {
	ws, err := app.Open(viper.GetString("workspace"), app.OpenOptions{
		ConfigPath: viper.GetString("config"),
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	defer ws.Close()
	return fn(ws)
}

func withEngine(fn func(engine.Engine) error) error {
	return withWorkspace(func(ws *app.Workspace) error {
		return fn(ws.Engine())
	})
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
