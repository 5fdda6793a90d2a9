package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"localbeat/internal/api"
	"localbeat/internal/config"
	httph "localbeat/internal/handlers/http"
	"localbeat/internal/handlers/shell"
	"localbeat/internal/queue"
	"localbeat/internal/scheduler"
	"localbeat/internal/store"
	"localbeat/internal/worker"
)

func main() {
	var (
		cfgPath = flag.String("config", "", "YAML config file")
		addr    = flag.String("addr", "", "HTTP bind address (overrides config)")
		dbPath  = flag.String("db", "", "SQLite DB path (overrides config)")
		workers = flag.Int("workers", 0, "number of worker goroutines (overrides config)")
		noBeat  = flag.Bool("no-beat", false, "disable the periodic scheduler")
		noWork  = flag.Bool("no-worker", false, "disable the worker pool")
		debug   = flag.Bool("debug", false, "enable pprof routes")
	)
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *dbPath != "" {
		cfg.DB = *dbPath
	}
	if *workers > 0 {
		cfg.Worker.Count = *workers
	}
	cfg.Beat.Enabled = cfg.Beat.Enabled && !*noBeat
	cfg.Worker.Enabled = cfg.Worker.Enabled && !*noWork
	cfg.Debug = cfg.Debug || *debug

	setupLogging(cfg)

	st, err := store.Open(store.Config{Path: cfg.DB, BusyTimeout: cfg.BusyTimeout})
	if err != nil {
		log.Fatal().Err(err).Str("db", cfg.DB).Msg("open store")
	}
	defer st.Close()

	if err := queue.EnsureSchema(st.DB()); err != nil {
		log.Fatal().Err(err).Msg("ensure queue schema")
	}
	repo := queue.NewSQLiteRepo(st.DB())
	if n, err := repo.RecoverStale(context.Background(), time.Now()); err == nil && n > 0 {
		log.Info().Int("recovered", n).Msg("recovered stale running tasks")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	var beat api.StatsSource
	if cfg.Beat.Enabled {
		sched := scheduler.New(scheduler.Config{
			RefreshInterval: cfg.Beat.RefreshInterval,
			MaxInterval:     cfg.Beat.MaxInterval,
			RecheckDelay:    cfg.Beat.RecheckDelay,
			RetryJitter:     cfg.Beat.RetryJitter,
			Location:        cfg.Beat.Location,
		}, st, queue.NewProducer(repo, cfg.Worker.Queue))
		beat = sched
		svc := scheduler.NewService(sched)
		g.Go(func() error { return svc.Run(ctx) })
	}

	if cfg.Worker.Enabled {
		handlers := map[string]worker.Handler{
			"shell": shell.Shell{},
			"http":  httph.HTTP{},
		}
		pool := worker.NewPool(repo, handlers, worker.Config{
			Size:  cfg.Worker.Count,
			Poll:  cfg.Worker.Poll,
			Queue: cfg.Worker.Queue,
		}, log.Logger.With().Str("component", "worker").Logger())
		g.Go(func() error { return pool.Run(ctx) })
	}

	srv := &http.Server{
		Addr: cfg.Addr,
		Handler: api.NewServer(api.Deps{
			Queue:    repo,
			Records:  st,
			Beat:     beat,
			Location: cfg.Beat.Location,
			Log:      log.Logger.With().Str("component", "api").Logger(),
			Debug:    cfg.Debug,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		log.Info().Str("addr", cfg.Addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("exited with error")
		st.Close()
		os.Exit(1)
	}
}

func setupLogging(cfg config.Config) {
	zerolog.TimeFieldFormat = time.RFC3339
	lvl, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	if cfg.LogConsole {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	}
}
