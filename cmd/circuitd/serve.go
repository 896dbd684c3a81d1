package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"circuitd/internal/circuit"
	"circuitd/internal/config"
	"circuitd/internal/controller"
	"circuitd/internal/document"
	"circuitd/internal/health"
	"circuitd/internal/ipc"
	"circuitd/internal/logging"
	"circuitd/internal/metrics"
	"circuitd/internal/session"
	"circuitd/internal/sources"
	"circuitd/internal/store"
	"circuitd/internal/synth"
	"circuitd/internal/watcher"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the daemon in the foreground",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx)
	},
}

func serve(ctx context.Context) error {
	loader := config.NewLoader(resolveConfigPath())
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	defer loader.Close()

	if logLevel != "" {
		cfg.Logging.Level = logLevel
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	defer logger.Close()
	logging.SetDefault(logger)

	for _, w := range config.Check(cfg).Warnings() {
		logger.Warn("configuration warning", "field", w.Field, "message", w.Message)
	}

	if err := watchConfig(loader, logger); err != nil {
		logger.Warn("config reload disabled", "path", loader.Path(), "error", err)
	}

	d, err := newDaemon(ctx, cfg, logger)
	if err != nil {
		return err
	}
	return d.run(ctx, cfg)
}

// watchConfig applies log level changes from the config file at runtime.
// Other sections need a restart.
func watchConfig(loader *config.Loader, logger *logging.Logger) error {
	if logLevel != "" {
		return nil
	}
	loader.OnChange(func(c *config.Config) {
		level, err := logging.ParseLevel(c.Logging.Level)
		if err != nil {
			return
		}
		if level != logger.Level() {
			logger.SetLevel(level)
			logger.Info("log level changed", "level", logging.LevelString(level))
		}
	})
	go func() {
		for err := range loader.Errors() {
			logger.Warn("config reload failed", "error", err)
		}
	}()
	return loader.Watch()
}

type daemon struct {
	base    *logging.Logger
	logger  *slog.Logger
	db      *store.Store
	session *session.Context
	ctrl    *controller.Controller
	server  *ipc.Server
	metrics *metrics.Metrics
}

func newDaemon(ctx context.Context, cfg *config.Config, base *logging.Logger) (*daemon, error) {
	component := func(name string) *slog.Logger { return base.WithComponent(name).Logger }
	logger := base.Logger

	db, err := store.Open(cfg.Session.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open session database: %w", err)
	}

	sess := session.New(cfg.Session.Workspace, db.Cache(cfg.Session.Workspace), component("session"))
	if err := sess.Init(ctx); err != nil {
		db.Close()
		return nil, err
	}

	st := circuit.NewStore(component("circuit"))
	buffers := sources.NewBuffers()
	registry := sources.NewRegistry(buffers, component("sources"))
	m := metrics.New()

	ctrl := controller.New(controller.Config{
		Store:       st,
		Registry:    registry,
		Buffers:     buffers,
		Gateway:     document.NewGateway(st, registry, component("document")),
		Synthesizer: synth.NewExecSynthesizer(cfg.Synth.Command, cfg.Synth.Env, component("synth")),
		Session:     sess,
		Metrics:     m,
		Logger:      component("controller"),
	})

	srv := ipc.NewServer(ipc.ServerConfig{
		SocketPath:     cfg.Server.SocketPath,
		Version:        version,
		MaxConnections: cfg.Server.MaxConnections,
		ReadTimeout:    cfg.Server.ReadTimeout(),
		WriteTimeout:   cfg.Server.WriteTimeout(),
		SameUserOnly:   cfg.Server.SameUserOnly,
		EventBuffer:    256,
	}, ctrl.Handlers(), component("ipc"))
	ctrl.SetLink(srv)

	return &daemon{
		base:    base,
		logger:  logger,
		db:      db,
		session: sess,
		ctrl:    ctrl,
		server:  srv,
		metrics: m,
	}, nil
}

func (d *daemon) run(ctx context.Context, cfg *config.Config) error {
	defer d.close()

	var w *watcher.Watcher
	if cfg.Watch.Enabled {
		var err error
		w, err = watcher.New(cfg.Watch.Debounce(), d.base.WithComponent("watcher").Logger)
		if err != nil {
			return fmt.Errorf("create file watcher: %w", err)
		}
		d.ctrl.OnFilesChanged(func(circuitPath string, files []string) {
			w.SetFiles(watchList(circuitPath, files))
		})
	}

	if cfg.Session.Restore {
		restored, err := d.ctrl.Restore(ctx)
		if err != nil {
			d.logger.Warn("session restore failed", "error", err)
		} else if restored {
			d.logger.Info("session restored", "workspace", cfg.Session.Workspace)
		}
	}

	if err := d.server.Start(); err != nil {
		if w != nil {
			w.Stop()
		}
		return fmt.Errorf("start server: %w", err)
	}
	d.logger.Info("circuitd started",
		"version", version,
		"socket", d.server.SocketPath(),
		"workspace", cfg.Session.Workspace,
	)

	checker := d.healthChecker(cfg)
	checker.SetReady(true)
	if report := checker.Report(ctx); report.Status != health.StatusHealthy {
		d.logger.Warn("daemon not fully healthy", "status", report.Status, "failing", report.Failing)
	}

	g, gctx := errgroup.WithContext(ctx)
	if w != nil {
		w.Start()
		g.Go(func() error {
			return w.Run(gctx, d.ctrl)
		})
	}
	if cfg.Metrics.Enabled {
		g.Go(func() error {
			return d.metrics.Serve(gctx, cfg.Metrics.ListenAddr, d.logger,
				metrics.Route{Pattern: "/healthz", Handler: checker.LivenessHandler()},
				metrics.Route{Pattern: "/readyz", Handler: checker.ReadinessHandler()},
			)
		})
	}

	<-gctx.Done()
	d.logger.Info("shutting down")
	checker.SetReady(false)

	d.ctrl.Shutdown(context.Background())
	var errs []error
	if err := d.server.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("stop server: %w", err))
	}
	if w != nil {
		if err := w.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop watcher: %w", err))
		}
	}
	if err := g.Wait(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (d *daemon) healthChecker(cfg *config.Config) *health.Checker {
	c := health.NewChecker(5 * time.Second)
	c.Register("database", true, health.PingCheck(d.db.Ping))
	c.Register("socket", true, health.SocketCheck(d.server.SocketPath()))
	c.Register("synthesizer", false, health.CommandCheck(cfg.Synth.Command))
	return c
}

func (d *daemon) close() {
	if err := d.session.Close(context.Background()); err != nil {
		d.logger.Warn("close session", "error", err)
	}
	if err := d.db.Close(); err != nil {
		d.logger.Warn("close session database", "error", err)
	}
}

// watchList returns the files to watch: the tracked sources and, when the
// circuit has a file, the circuit document.
func watchList(circuitPath string, files []string) []string {
	out := make([]string, 0, len(files)+1)
	out = append(out, files...)
	if circuitPath != "" {
		out = append(out, circuitPath)
	}
	return out
}
