package app

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"wagerline/internal/config"
	"wagerline/internal/db"
	"wagerline/internal/engine"
	"wagerline/internal/migrate"
	"wagerline/internal/repo"
	"wagerline/internal/scheduler"
	"wagerline/internal/server"
	"wagerline/internal/wager"
)

// App is one process worth of wired components for a workspace.
type App struct {
	Workspace  string
	Config     *config.Config
	DB         *sql.DB
	Logger     *slog.Logger
	Registry   *prometheus.Registry
	Metrics    *scheduler.Metrics
	Triggers   repo.Triggers
	Reconciler *scheduler.Reconciler
	Engine     engine.Engine
}

// NewLogger builds the process logger from the log section.
func NewLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Open loads the workspace config, opens and migrates the database and wires
// the engine with its trigger reconciler.
func Open(ctx context.Context, workspace string) (*App, error) {
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	return OpenWithConfig(ctx, workspace, cfg, NewLogger(cfg, os.Stderr))
}

func OpenWithConfig(ctx context.Context, workspace string, cfg *config.Config, logger *slog.Logger) (*App, error) {
	conn, err := db.Open(db.Config{Workspace: workspace, Path: cfg.Database.Path})
	if err != nil {
		return nil, err
	}
	version, err := migrate.Migrate(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	logger.DebugContext(ctx, "database ready", "schema_version", version, "path", db.Path(db.Config{Workspace: workspace, Path: cfg.Database.Path}))

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := scheduler.NewMetrics(reg)
	triggers := repo.Triggers{DB: conn}
	rec := &scheduler.Reconciler{
		Triggers:    triggers,
		Logger:      logger,
		Metrics:     metrics,
		Attempts:    cfg.Scheduler.RetryAttempts,
		Delay:       cfg.Scheduler.RetryDelay,
		Concurrency: cfg.Scheduler.Concurrency,
	}
	return &App{
		Workspace:  workspace,
		Config:     cfg,
		DB:         conn,
		Logger:     logger,
		Registry:   reg,
		Metrics:    metrics,
		Triggers:   triggers,
		Reconciler: rec,
		Engine:     engine.New(conn, rec, logger),
	}, nil
}

func (a *App) Close() error {
	return a.DB.Close()
}

// Notifier builds the missed-milestone notifier chain from the notify section.
func (a *App) Notifier() wager.Notifier {
	var chain wager.Multi
	if a.Config.Notify.Log {
		chain = append(chain, wager.LogNotifier{Logger: a.Logger})
	}
	if hook := a.Config.Notify.Webhook; hook.Active() {
		chain = append(chain, wager.WebhookNotifier{URL: hook.URL, Secret: hook.Secret, Timeout: hook.Timeout()})
	}
	return chain
}

// Dispatcher fires due triggers into the wager handler.
func (a *App) Dispatcher() *scheduler.Dispatcher {
	return &scheduler.Dispatcher{
		Store:       a.Triggers,
		Handler:     wager.NewHandler(a.DB, a.Notifier(), a.Logger),
		Logger:      a.Logger,
		Metrics:     a.Metrics,
		Interval:    a.Config.Scheduler.PollInterval,
		Batch:       a.Config.Scheduler.Batch,
		MaxAttempts: a.Config.Scheduler.MaxAttempts,
	}
}

func (a *App) Handler() (http.Handler, error) {
	return server.New(server.Config{
		Engine:   a.Engine,
		Triggers: a.Triggers,
		BasePath: a.Config.Server.BasePath,
		Auth: server.AuthConfig{
			JWTSecret:       a.Config.Auth.JWTSecret,
			AllowUserHeader: a.Config.Auth.AllowUserHeader,
			Logger:          a.Logger,
		},
		Registry: a.Registry,
		Logger:   a.Logger,
	})
}

// Serve runs the HTTP API, the trigger dispatcher and the event forwarder
// until ctx is canceled or one of them fails.
func (a *App) Serve(ctx context.Context, addr string) error {
	handler, err := a.Handler()
	if err != nil {
		return err
	}
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.Logger.InfoContext(ctx, "serving wagerline API", "addr", addr, "base_path", a.Config.Server.BasePath)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return ignoreCanceled(a.Dispatcher().Run(ctx))
	})
	if len(a.Config.Webhooks) > 0 {
		fwd := server.NewEventForwarder(a.Engine.Repo, a.Config.Webhooks, a.Logger)
		g.Go(func() error {
			return ignoreCanceled(fwd.Run(ctx))
		})
	}
	return g.Wait()
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
