// Package app wires a workspace into a ready engine.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"

	"agencyflow/internal/blob"
	"agencyflow/internal/config"
	"agencyflow/internal/db"
	"agencyflow/internal/engine"
	"agencyflow/internal/logging"
	"agencyflow/internal/migrate"
	"agencyflow/internal/notify"
	"agencyflow/internal/pubsub"
	"agencyflow/internal/vault"
)

type Options struct {
	Workspace string
	// LogLevel and LogFormat override the workspace config when set.
	LogLevel  string
	LogFormat string
	// AsyncNotify queues notifications; the caller must run Notifier.
	AsyncNotify bool
	// Getenv reads the vault key. Defaults to os.Getenv.
	Getenv func(string) string
}

// App is an opened workspace.
type App struct {
	Workspace string
	Config    *config.Config
	DB        *sql.DB
	Engine    engine.Engine
	Logger    *zap.Logger
	// Notifier is set when notifications are queued.
	Notifier *notify.Async
}

// Open prepares the workspace, applies migrations, loads agencyflow.yml and
// seeds catalog products that do not exist yet.
func Open(ctx context.Context, opts Options) (*App, error) {
	workspace := opts.Workspace
	if workspace == "" {
		workspace = "."
	}
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return nil, err
	}
	cfg, err := config.LoadOrDefault(workspace)
	if err != nil {
		return nil, err
	}
	level, format := cfg.Log.Level, cfg.Log.Format
	if opts.LogLevel != "" {
		level = opts.LogLevel
	}
	if opts.LogFormat != "" {
		format = opts.LogFormat
	}
	logger, err := logging.New(level, format)
	if err != nil {
		return nil, err
	}

	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	a := &App{Workspace: workspace, Config: cfg, DB: conn, Logger: logger}
	e := engine.New(conn, cfg)
	e.Logger = logger
	e.Hub = pubsub.NewHub(pubsub.HubWithLogger(logger))

	getenv := opts.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	if key := strings.TrimSpace(getenv(cfg.VaultKeyEnv())); key != "" {
		sealer, err := vault.FromBase64(key)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("%s: %w", cfg.VaultKeyEnv(), err)
		}
		e.Sealer = sealer
	} else {
		logger.Warn("vault key not set; sensitive onboarding fields are unavailable", zap.String("env", cfg.VaultKeyEnv()))
	}

	store, err := blob.FromConfig(ctx, cfg.Blob, workspace)
	if err != nil {
		logger.Warn("blob store unavailable; attachments are disabled", zap.String("backend", cfg.Blob.Backend), zap.Error(err))
	} else {
		e.Blob = store
	}

	n := notify.FromConfig(cfg.Notify, logger)
	if opts.AsyncNotify {
		a.Notifier = notify.NewAsync(n, logger, 0)
		n = a.Notifier
	}
	e.Notifier = n

	if seeded, err := e.SeedCatalog(ctx, cfg.Catalog); err != nil {
		conn.Close()
		return nil, fmt.Errorf("seed catalog: %w", err)
	} else if seeded > 0 {
		logger.Info("seeded catalog", zap.Int("products", seeded))
	}
	a.Engine = e
	return a, nil
}

func (a *App) Close() error {
	_ = a.Logger.Sync()
	return a.DB.Close()
}
