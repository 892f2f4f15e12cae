package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"threadline/internal/catalog"
	"threadline/internal/checkpoint"
	"threadline/internal/config"
	"threadline/internal/dialogue"
	"threadline/internal/disruption"
	"threadline/internal/domain"
	"threadline/internal/events"
	"threadline/internal/orchestrator"
	"threadline/internal/phase"
	"threadline/internal/render"
	"threadline/internal/repo"
	"threadline/internal/roster"
)

// Run modes.
const (
	ModePhased = "phased"
	ModeScene  = "scene"
)

// Run statuses.
const (
	StatusRunning = "running"
	StatusDone    = "done"
	StatusPartial = "partial"
	StatusFailed  = "failed"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
	Logger *zap.Logger

	// Synthesizer writes messages; nil uses the scripted synthesizer.
	Synthesizer dialogue.Synthesizer
	// Generator builds catalogs when catalog.source is "generated"; nil
	// means built-in catalogs.
	Generator dialogue.Generator
}

func New(db *sql.DB, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
		Logger: zap.NewNop(),
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) log() *zap.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return zap.NewNop()
}

// GenerateOptions are parameters for one run. Zero values take the config
// defaults.
type GenerateOptions struct {
	Event          string
	Context        string
	Mode           string
	TargetMessages int
	DurationHours  float64
	Start          time.Time
	Seed           uint64
	// NoCheckpoint disables the on-disk sink; only the ledger is written.
	NoCheckpoint bool
	// Phases, SubEvents and Agents override the catalog source when set.
	Phases    []domain.Phase
	SubEvents []domain.SubEvent
	Agents    []domain.Agent
}

type Result struct {
	Run          domain.Run
	Orchestrator orchestrator.Result
	SnapshotPath string
}

// Generate resolves catalogs, records a run in the ledger and drives the
// orchestrator to completion, interruption or failure. An interrupted run is
// not an error; its ledger status is "partial".
func (e Engine) Generate(ctx context.Context, opts GenerateOptions) (Result, error) {
	cfg := e.Config
	if cfg == nil {
		return Result{}, errors.New("config not loaded")
	}
	opts.Event = strings.TrimSpace(opts.Event)
	if opts.Event == "" {
		return Result{}, orchestrator.ErrNoEvent
	}
	if opts.Mode == "" {
		opts.Mode = ModePhased
	}
	if opts.Mode != ModePhased && opts.Mode != ModeScene {
		return Result{}, fmt.Errorf("unknown mode %q", opts.Mode)
	}
	if opts.TargetMessages == 0 {
		opts.TargetMessages = cfg.Generation.TargetMessages
	}
	if opts.TargetMessages <= 0 {
		return Result{}, fmt.Errorf("target messages must be > 0")
	}
	if opts.DurationHours == 0 {
		opts.DurationHours = cfg.Generation.DurationHours
	}
	if opts.DurationHours <= 0 {
		return Result{}, fmt.Errorf("duration hours must be > 0")
	}
	jitter, err := cfg.JitterDuration()
	if err != nil {
		return Result{}, err
	}
	pacing, err := cfg.PacingDuration()
	if err != nil {
		return Result{}, err
	}
	seed := opts.Seed
	if seed == 0 {
		seed = cfg.Generation.Seed
	}
	if seed == 0 {
		seed = rand.Uint64()
	}
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	log := e.log()

	schedule, subEvents, agents, err := e.resolveCatalogs(ctx, opts)
	if err != nil {
		return Result{}, err
	}
	pool, err := roster.NewPool(agents, rng)
	if err != nil {
		return Result{}, fmt.Errorf("agent pool: %w", err)
	}
	cat, err := disruption.NewCatalog(schedule, subEvents, rng)
	if err != nil {
		return Result{}, fmt.Errorf("disruption catalog: %w", err)
	}

	runID := uuid.NewString()
	started := e.now().UTC()
	run := domain.Run{
		ID:        runID,
		Event:     opts.Event,
		Context:   opts.Context,
		Mode:      opts.Mode,
		Status:    StatusRunning,
		Target:    opts.TargetMessages,
		StartedAt: started.Format(time.RFC3339),
	}
	if err := e.Repo.InsertRun(ctx, run); err != nil {
		return Result{}, fmt.Errorf("insert run: %w", err)
	}
	log = log.With(zap.String("run_id", runID))

	var res Result
	if !opts.NoCheckpoint && cfg.Checkpoint.Enabled {
		res.SnapshotPath, err = catalog.WriteSnapshot(filepath.Join(cfg.Checkpoint.OutputDir, "configs"), catalog.Snapshot{
			RunID:       runID,
			GeneratedAt: started,
			Event:       opts.Event,
			Context:     opts.Context,
			Mode:        opts.Mode,
			Phases:      schedule.Phases(),
			SubEvents:   cat.Events(),
			Agents:      pool.Agents(),
		})
		if err != nil {
			log.Warn("write catalog snapshot", zap.Error(err))
		}
	}

	sink, err := e.openSink(runID, opts, render.Meta{
		Event:     opts.Event,
		Context:   opts.Context,
		Agents:    pool.Len(),
		Phases:    schedule.Len(),
		SubEvents: cat.Len(),
	}, log)
	if err != nil {
		e.finish(ctx, runID, orchestrator.Result{}, StatusFailed, err)
		return Result{}, err
	}

	synth := e.Synthesizer
	if synth == nil {
		synth = dialogue.NewScripted(rng)
	}
	out, runErr := orchestrator.Run(ctx, orchestrator.Options{
		Event:              opts.Event,
		Context:            opts.Context,
		Schedule:           schedule,
		Catalog:            cat,
		Pool:               pool,
		Synthesizer:        synth,
		Sink:               sink,
		Recorder:           events.RunRecorder{Writer: e.Events, RunID: runID},
		TargetMessages:     opts.TargetMessages,
		TotalDuration:      time.Duration(opts.DurationHours * float64(time.Hour)),
		Start:              opts.Start,
		CheckpointInterval: cfg.Checkpoint.Interval,
		HistoryWindow:      cfg.Generation.HistoryWindow,
		Jitter:             jitter,
		Pacing:             pacing,
		MinChars:           cfg.Dialogue.MinChars,
		MaxChars:           cfg.Dialogue.MaxChars,
		Rng:                rng,
		Now:                e.Now,
		Logger:             log,
	})

	status := StatusDone
	switch {
	case runErr != nil:
		status = StatusFailed
	case out.Partial:
		status = StatusPartial
	}
	res.Orchestrator = out
	res.Run = e.finish(ctx, runID, out, status, runErr)
	if runErr != nil {
		return res, runErr
	}
	return res, nil
}

func (e Engine) openSink(runID string, opts GenerateOptions, meta render.Meta, log *zap.Logger) (orchestrator.Sink, error) {
	cfg := e.Config
	if opts.NoCheckpoint || !cfg.Checkpoint.Enabled {
		return checkpoint.Discard{}, nil
	}
	styles := make([]render.Style, 0, len(cfg.Checkpoint.Styles))
	for _, s := range cfg.Checkpoint.Styles {
		st, err := render.ParseStyle(s)
		if err != nil {
			return nil, err
		}
		styles = append(styles, st)
	}
	sink, err := checkpoint.Open(runID, checkpoint.Options{
		Dir:    cfg.Checkpoint.OutputDir,
		Meta:   meta,
		Styles: styles,
		Logger: log,
	})
	if err != nil {
		return nil, fmt.Errorf("open checkpoint: %w", err)
	}
	return sink, nil
}

// finish writes the terminal row. The run context may already be cancelled,
// so the ledger update ignores its cancellation.
func (e Engine) finish(ctx context.Context, runID string, out orchestrator.Result, status string, runErr error) domain.Run {
	ctx = context.WithoutCancel(ctx)
	outcome := repo.RunOutcome{
		Status:     status,
		Produced:   out.Produced,
		Persisted:  out.Persisted,
		FinishedAt: e.now().UTC().Format(time.RFC3339),
	}
	if len(out.Artifacts.Files) > 0 {
		if b, err := json.Marshal(out.Artifacts); err == nil {
			outcome.Artifacts = string(b)
		}
	}
	if runErr != nil {
		outcome.Error = runErr.Error()
	}
	if err := e.Repo.FinishRun(ctx, runID, outcome); err != nil {
		e.log().Error("finish run", zap.String("run_id", runID), zap.Error(err))
	}
	run, err := e.Repo.GetRun(ctx, runID)
	if err != nil {
		e.log().Error("reload run", zap.String("run_id", runID), zap.Error(err))
	}
	return run
}

// resolveCatalogs picks explicit overrides first, then generated catalogs,
// then the built-in defaults. Generation failures degrade to the defaults.
func (e Engine) resolveCatalogs(ctx context.Context, opts GenerateOptions) (*phase.Schedule, []domain.SubEvent, []domain.Agent, error) {
	log := e.log()
	generate := e.Generator != nil && e.Config.Catalog.Source == config.SourceGenerated

	var schedule *phase.Schedule
	var err error
	switch {
	case opts.Mode == ModeScene:
		schedule = phase.Single(opts.Event, opts.DurationHours)
	case len(opts.Phases) > 0:
		if schedule, err = phase.NewSchedule(opts.Phases); err != nil {
			return nil, nil, nil, fmt.Errorf("phases: %w", err)
		}
	case generate:
		raw, genErr := e.Generator.Phases(ctx, opts.Event, opts.Context)
		if schedule, err = catalog.PhasesOrDefault(raw); errors.Join(genErr, err) != nil {
			log.Warn("using built-in phases", zap.Error(errors.Join(genErr, err)))
		}
	default:
		schedule = phase.MustSchedule(catalog.DefaultPhases())
	}

	agents := opts.Agents
	if len(agents) == 0 {
		if generate {
			raw, genErr := e.Generator.Characters(ctx, opts.Event, opts.Context, e.Config.Catalog.Characters)
			if agents, err = catalog.AgentsOrDefault(raw); errors.Join(genErr, err) != nil {
				log.Warn("using built-in characters", zap.Error(errors.Join(genErr, err)))
			}
		} else {
			agents = catalog.DefaultAgents()
		}
	}

	var subEvents []domain.SubEvent
	switch {
	case opts.Mode == ModeScene:
	case len(opts.SubEvents) > 0:
		subEvents = opts.SubEvents
	case generate && e.Config.Catalog.SubEvents > 0:
		raw, genErr := e.Generator.SubEvents(ctx, opts.Event, opts.Context, schedule.Phases(), e.Config.Catalog.SubEvents)
		if subEvents, err = catalog.SubEventsOrDefault(raw, schedule); errors.Join(genErr, err) != nil {
			log.Warn("using built-in sub-events", zap.Error(errors.Join(genErr, err)))
		}
	case e.Config.Catalog.SubEvents > 0:
		subEvents = disruption.Filter(schedule, catalog.DefaultSubEvents())
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, nil, err
	}
	return schedule, subEvents, agents, nil
}

// ListRuns returns runs newest first.
func (e Engine) ListRuns(ctx context.Context, f repo.RunFilters) ([]domain.Run, error) {
	return e.Repo.ListRuns(ctx, f)
}

func (e Engine) GetRun(ctx context.Context, id string) (domain.Run, error) {
	return e.Repo.GetRun(ctx, id)
}

// RunEvents returns the newest events of a run.
func (e Engine) RunEvents(ctx context.Context, runID string, limit int, cursor int64) ([]domain.Event, error) {
	if _, err := e.Repo.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	return e.Repo.LatestEvents(ctx, repo.EventFilters{RunID: runID, Limit: limit, Cursor: cursor})
}

// Artifacts decodes the artifact list stored on a run.
func Artifacts(run domain.Run) (checkpoint.Artifacts, error) {
	var arts checkpoint.Artifacts
	if run.Artifacts == "" {
		return arts, nil
	}
	if err := json.Unmarshal([]byte(run.Artifacts), &arts); err != nil {
		return arts, fmt.Errorf("decode artifacts of run %s: %w", run.ID, err)
	}
	return arts, nil
}

// Transcript reads the rendered transcript of a run in the given style. A
// partial or failed run returns its in-progress checkpoint.
func (e Engine) Transcript(ctx context.Context, runID string, style render.Style) (string, checkpoint.Artifacts, error) {
	run, err := e.Repo.GetRun(ctx, runID)
	if err != nil {
		return "", checkpoint.Artifacts{}, err
	}
	arts, err := Artifacts(run)
	if err != nil {
		return "", arts, err
	}
	path := arts.Path(style)
	if path == "" {
		return "", arts, fmt.Errorf("run %s has no %s transcript: %w", runID, style, repo.ErrNotFound)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", arts, fmt.Errorf("transcript %s: %w", path, repo.ErrNotFound)
		}
		return "", arts, err
	}
	return string(data), arts, nil
}
