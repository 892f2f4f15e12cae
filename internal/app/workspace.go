package app

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"threadline/internal/config"
	"threadline/internal/db"
	"threadline/internal/dialogue"
	"threadline/internal/engine"
	"threadline/internal/migrate"
)

// Workspace is an opened, migrated ledger plus the config that goes with it.
type Workspace struct {
	Dir    string
	Conn   *sql.DB
	Config *config.Config
	Logger *zap.Logger
}

// OpenOptions controls how Open locates config.
type OpenOptions struct {
	// ConfigPath overrides <dir>/threadline.yml.
	ConfigPath string
	Logger     *zap.Logger
}

// Open prepares the workspace state directory, migrates the ledger and loads
// config, falling back to defaults when no config file exists. A relative
// checkpoint.output_dir is resolved against dir.
func Open(dir string, opts OpenOptions) (*Workspace, error) {
	if dir == "" {
		dir = "."
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	var (
		cfg *config.Config
		err error
	)
	if opts.ConfigPath != "" {
		cfg, err = config.FromFile(opts.ConfigPath)
	} else {
		cfg, err = config.LoadOptional(dir)
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cfg.Checkpoint.OutputDir != "" && !filepath.IsAbs(cfg.Checkpoint.OutputDir) {
		cfg.Checkpoint.OutputDir = filepath.Join(dir, cfg.Checkpoint.OutputDir)
	}
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	log.Debug("workspace opened", zap.String("dir", dir), zap.String("db", db.Path(dir)))
	return &Workspace{Dir: dir, Conn: conn, Config: cfg, Logger: log}, nil
}

// Engine returns an engine over the workspace ledger.
func (w *Workspace) Engine() engine.Engine {
	e := engine.New(w.Conn, w.Config)
	e.Logger = w.Logger
	return e
}

func (w *Workspace) Close() error {
	return w.Conn.Close()
}

// DialogueOptions selects the synthesizer backend.
type DialogueOptions struct {
	// Offline forces the scripted synthesizer regardless of config.
	Offline bool
	APIKey  string
	Model   string
}

// Dialogue builds the synthesizer and catalog generator for cfg. The scripted
// provider has no generator, so catalogs fall back to the built-in defaults.
func Dialogue(ctx context.Context, cfg *config.Config, opts DialogueOptions, log *zap.Logger) (dialogue.Synthesizer, dialogue.Generator, error) {
	if opts.Offline || cfg.Dialogue.Provider == config.ProviderScripted {
		return dialogue.NewScripted(nil), nil, nil
	}
	model := cfg.Dialogue.Model
	if opts.Model != "" {
		model = opts.Model
	}
	g, err := dialogue.NewGemini(ctx, dialogue.GeminiConfig{
		APIKey:      opts.APIKey,
		Model:       model,
		Temperature: cfg.Dialogue.Temperature,
		Logger:      log,
	})
	if err != nil {
		return nil, nil, err
	}
	return g, g, nil
}
