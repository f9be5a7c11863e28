package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"autodash/internal/config"
	"autodash/internal/db"
	"autodash/internal/engine"
	"autodash/internal/migrate"
	"autodash/internal/repo"
	"autodash/internal/runner"
	"autodash/internal/server"
	"autodash/internal/summary"
)

// Overrides are flag and environment values layered over the config file.
// Empty fields leave the file value alone.
type Overrides struct {
	DBPath    string
	Addr      string
	LogLevel  string
	LogFormat string
	APIKey    string
	JWTSecret string
}

// Apply writes the non-empty overrides into cfg and revalidates it.
func (o Overrides) Apply(cfg *config.Config) error {
	set := func(dst *string, v string) {
		if v = strings.TrimSpace(v); v != "" {
			*dst = v
		}
	}
	set(&cfg.Database.Path, o.DBPath)
	set(&cfg.Server.Addr, o.Addr)
	set(&cfg.Log.Level, o.LogLevel)
	set(&cfg.Log.Format, o.LogFormat)
	set(&cfg.Auth.JWTSecret, o.JWTSecret)
	if cfg.Summary.APIKey == "" {
		set(&cfg.Summary.APIKey, o.APIKey)
	}
	return cfg.Validate()
}

// App holds the opened database and the engine built from a config.
type App struct {
	Config *config.Config
	DB     *sql.DB
	Repo   repo.Repo
	Engine engine.Engine
	Logger *slog.Logger
}

// Open opens and migrates the database, then wires the task runner and the
// summary generator into an engine.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := db.Open(db.Config{Path: cfg.Database.Path})
	if err != nil {
		return nil, err
	}
	applied, err := migrate.Migrate(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate %s: %w", db.Path(cfg.Database.Path), err)
	}
	if applied > 0 {
		logger.Info("database migrated", "path", db.Path(cfg.Database.Path), "applied", applied)
	}
	r := repo.Repo{DB: conn}
	taskRunner := runner.Runner{
		Interpreter: cfg.Tasks.Interpreter,
		ScriptsDir:  cfg.Tasks.ScriptsDir,
		Timeout:     cfg.Tasks.Timeout,
		Logger:      logger,
	}
	if err := taskRunner.Check(); err != nil {
		logger.Warn("workflow triggers will fail until the task scripts are installed", "error", err)
	}
	if cfg.Summary.APIKey == "" {
		logger.Warn("summary.api_key is empty; summary endpoints will fail")
	}
	generator := summary.New(summary.Config{
		APIKey:          cfg.Summary.APIKey,
		BaseURL:         cfg.Summary.BaseURL,
		Model:           cfg.Summary.Model,
		MaxTokens:       cfg.Summary.MaxTokens,
		ReportMaxTokens: cfg.Summary.ReportMaxTokens,
		Timeout:         cfg.Summary.Timeout,
		Logger:          logger,
	})
	return &App{
		Config: cfg,
		DB:     conn,
		Repo:   r,
		Engine: engine.New(r, taskRunner, generator, logger),
		Logger: logger,
	}, nil
}

func (a *App) Close() error {
	return a.DB.Close()
}

// Handler builds the HTTP API from the server, limits and auth sections.
func (a *App) Handler() (http.Handler, error) {
	return server.New(server.Config{
		Engine:       a.Engine,
		Auth:         server.AuthConfig{JWTSecret: a.Config.Auth.JWTSecret},
		CORSOrigin:   a.Config.Server.CORSOrigin,
		MaxBodyBytes: a.Config.Server.MaxBodyBytes,
		Logger:       a.Logger,
		Limits: server.LimitsConfig{
			GlobalRequests:   a.Config.Limits.GlobalRequests,
			GlobalWindow:     a.Config.Limits.GlobalWindow,
			WorkflowRequests: a.Config.Limits.WorkflowRequests,
			WorkflowWindow:   a.Config.Limits.WorkflowWindow,
		},
	})
}

// Sweeper returns the stale workflow sweeper configured by the sweep section.
func (a *App) Sweeper() engine.Sweeper {
	return engine.Sweeper{
		Engine:     a.Engine,
		Interval:   a.Config.Sweep.Interval,
		StaleAfter: a.Config.Sweep.StaleAfter,
	}
}
