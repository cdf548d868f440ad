// Package app wires the council together from a workspace: config, database,
// migrations, telemetry and the agent roster.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"go.opentelemetry.io/otel"

	"agentcouncil/internal/agent"
	"agentcouncil/internal/config"
	"agentcouncil/internal/db"
	"agentcouncil/internal/migrate"
	"agentcouncil/internal/orchestrator"
	"agentcouncil/internal/repo"
	"agentcouncil/internal/telemetry"
)

type Options struct {
	Workspace string
	Logger    *slog.Logger
	Version   string
	// Config overrides council.yml when set.
	Config *config.Config
	// Agents replaces the default roster when non-nil.
	Agents []agent.Agent
}

// App owns everything opened for a workspace. Close releases it in reverse
// order.
type App struct {
	Workspace string
	Config    *config.Config
	DB        *sql.DB
	Council   *orchestrator.Council
	Logger    *slog.Logger

	shutdownTelemetry func(context.Context) error
}

// Open loads the workspace and builds the Council. The Council is not
// started; call Start for the background loops.
func Open(ctx context.Context, opts Options) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := opts.Config
	if cfg == nil {
		loaded, err := config.Load(opts.Workspace)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	shutdown, err := telemetry.Init(ctx, cfg.Telemetry, opts.Version)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	roster := opts.Agents
	if roster == nil {
		roster, err = agent.DefaultRoster()
		if err != nil {
			_ = shutdown(ctx)
			conn.Close()
			return nil, err
		}
	}
	council := orchestrator.New(conn, orchestrator.Options{
		Config: cfg,
		Logger: logger,
		Tracer: otel.Tracer("agentcouncil"),
		Agents: roster,
	})
	return &App{
		Workspace:         opts.Workspace,
		Config:            cfg,
		DB:                conn,
		Council:           council,
		Logger:            logger,
		shutdownTelemetry: shutdown,
	}, nil
}

// Start registers the roster and starts dispatch.
func (a *App) Start(ctx context.Context) error {
	return a.Council.Initialize(ctx)
}

func (a *App) Close(ctx context.Context) error {
	var errs []error
	if err := a.Council.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown council: %w", err))
	}
	if err := a.shutdownTelemetry(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown telemetry: %w", err))
	}
	if err := a.DB.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ResolveProject picks the project a command works on. An explicit id wins
// and has its policy seeded from the config defaults when none is stored;
// otherwise the only configured project is used.
func (a *App) ResolveProject(ctx context.Context, override string) (string, error) {
	projectID := strings.TrimSpace(override)
	if projectID != "" {
		_, err := a.Council.Repo.GetProjectConfig(ctx, projectID)
		if err == nil {
			return projectID, nil
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return "", err
		}
		if err := a.Council.SetProjectConfig(ctx, a.Config.DefaultPolicy(projectID)); err != nil {
			return "", fmt.Errorf("seed project config: %w", err)
		}
		return projectID, nil
	}
	projects, err := a.Council.Repo.ListProjectConfigs(ctx)
	if err != nil {
		return "", err
	}
	if len(projects) != 1 {
		return "", errors.New("project not specified; use --project")
	}
	return projects[0].ProjectID, nil
}

// NewLogger builds the process logger. format is "json" or "text".
func NewLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
