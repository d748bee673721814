package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/switchyard/internal/api"
	"github.com/zulandar/switchyard/internal/assign"
	"github.com/zulandar/switchyard/internal/config"
	"github.com/zulandar/switchyard/internal/db"
	"github.com/zulandar/switchyard/internal/realtime"
	"github.com/zulandar/switchyard/internal/registry"
	"github.com/zulandar/switchyard/internal/store"
	"github.com/zulandar/switchyard/internal/title"
	"github.com/zulandar/switchyard/internal/turn"
)

type serveOpts struct {
	configPath string
	envFile    string
	logLevel   string
	logFormat  string
	spawn      int
}

func newServeCmd() *cobra.Command {
	var opts serveOpts

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the Switchyard server",
		Long: `Starts the HTTP and WebSocket server. Endpoint records left behind by a
previous run are purged first. On SIGINT or SIGTERM the server stops
accepting requests, aborts running turns and stops every Ollama process.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "switchyard.yaml", "path to Switchyard config file")
	cmd.Flags().StringVar(&opts.envFile, "env-file", ".env", "file of SY_* environment overrides")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	cmd.Flags().StringVar(&opts.logFormat, "log-format", "text", "log format (text, json)")
	cmd.Flags().IntVar(&opts.spawn, "spawn", 0, "number of Ollama servers to start at boot")
	return cmd
}

func runServe(cmd *cobra.Command, opts serveOpts) error {
	if err := loadEnvFile(opts.envFile); err != nil {
		return err
	}
	logger, err := newLogger(cmd.ErrOrStderr(), opts.logLevel, opts.logFormat)
	if err != nil {
		return err
	}
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	gdb, err := db.Open(cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close(gdb)
	if err := db.AutoMigrate(gdb); err != nil {
		return err
	}

	st, err := store.New(store.Opts{DB: gdb, PlaceholderTitle: cfg.Chat.PlaceholderTitle})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	purged, err := st.PurgeEndpoints(ctx)
	if err != nil {
		return err
	}
	if purged > 0 {
		logger.Info("purged stale endpoint records", "count", purged)
	}

	svc, err := buildServices(cfg, st, logger)
	if err != nil {
		return err
	}

	if _, err := svc.registry.StartHealthSweep(ctx, cfg.Ollama.HealthSchedule); err != nil {
		return err
	}
	for i := 0; i < opts.spawn; i++ {
		addr, err := svc.registry.Start(ctx)
		if err != nil {
			logger.Error("start endpoint at boot", "error", err)
			break
		}
		logger.Info("endpoint ready", "endpoint", addr)
	}

	serveErr := svc.api.Start(ctx, cfg.Listen.Addr(), cmd.OutOrStdout())
	stop()
	svc.shutdown(cfg, logger)
	return serveErr
}

type services struct {
	registry *registry.Registry
	tokens   *registry.Tokens
	hub      *realtime.Hub
	api      *api.Server
}

// buildServices wires the registry, turn pipeline, realtime hub and HTTP
// server together.
func buildServices(cfg *config.Config, st *store.Store, logger *slog.Logger) (*services, error) {
	reg, err := registry.New(registry.Opts{
		Store: st,
		Spawner: &registry.OllamaSpawner{
			Binary:    cfg.Ollama.Binary,
			KillGrace: cfg.Ollama.StopTimeout,
			Logger:    logger,
		},
		Host:           cfg.Ollama.Host,
		BasePort:       cfg.Ollama.BasePort,
		MaxPortTries:   cfg.Ollama.MaxPortTries,
		ReadyTimeout:   cfg.Ollama.ReadyTimeout,
		StopRetries:    cfg.Ollama.StopRetries,
		StopRetryDelay: cfg.Ollama.StopRetryDelay,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}
	tokens := registry.NewTokens()

	titler, err := title.New(title.Opts{Store: st, Attempts: cfg.Chat.TitleAttempts, Timeout: cfg.Chat.TitleTimeout, Logger: logger})
	if err != nil {
		return nil, err
	}
	orch, err := turn.New(turn.Opts{Store: st, Endpoints: reg, Tokens: tokens, Titler: titler, Logger: logger})
	if err != nil {
		return nil, err
	}

	hub, err := realtime.New(realtime.Opts{
		Runner:            orch,
		Aborter:           tokens,
		Endpoints:         reg,
		MessagesPerSecond: cfg.Realtime.MessagesPerSecond,
		Burst:             cfg.Realtime.Burst,
		WriteTimeout:      cfg.Realtime.WriteTimeout,
		CheckOrigin:       originChecker(cfg.CORS.AllowedOrigins),
		Logger:            logger,
	})
	if err != nil {
		return nil, err
	}
	reg.OnChange(hub.BroadcastEndpoints)

	assigner, err := assign.New(assign.Opts{
		Store:         st,
		Lister:        reg,
		Retries:       cfg.Chat.ListRetries,
		RetryDelay:    cfg.Chat.ListRetryDelay,
		RetryMaxDelay: cfg.Chat.ListRetryMaxDelay,
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}

	srv, err := api.New(api.Opts{
		Store:          st,
		Registry:       reg,
		Assigner:       assigner,
		Realtime:       hub.Handler(),
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}
	return &services{registry: reg, tokens: tokens, hub: hub, api: srv}, nil
}

// shutdown aborts running turns, lets them persist what they have and
// stops every Ollama process.
func (s *services) shutdown(cfg *config.Config, logger *slog.Logger) {
	if n := s.tokens.AbortAll(); n > 0 {
		logger.Info("aborted running turns", "count", n)
	}
	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.Realtime.WriteTimeout)
	if err := s.hub.Close(drainCtx); err != nil {
		logger.Warn("turns still running at shutdown", "error", err)
	}
	cancel()

	budget := time.Duration(cfg.Ollama.StopRetries+1) * (cfg.Ollama.StopTimeout + cfg.Ollama.StopRetryDelay)
	stopCtx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()
	for _, r := range s.registry.StopAll(stopCtx) {
		if r.Stopped {
			logger.Info("endpoint stopped", "endpoint", r.Address)
		} else {
			logger.Error("endpoint not stopped", "endpoint", r.Address, "error", r.Err)
		}
	}
}

// originChecker applies the CORS allow list to WebSocket upgrades, with
// the same single "*" wildcard rule the HTTP middleware uses.
func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return nil
	}
	for _, a := range allowed {
		if a == "*" {
			return nil
		}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			prefix, suffix, wild := strings.Cut(a, "*")
			if a == origin || (wild && strings.HasPrefix(origin, prefix) && strings.HasSuffix(origin, suffix)) {
				return true
			}
		}
		return false
	}
}
