package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"reportpipe/internal/broker"
	"reportpipe/internal/config"
	"reportpipe/internal/cron"
	"reportpipe/internal/events"
	"reportpipe/internal/health"
	"reportpipe/internal/heartbeat"
	"reportpipe/internal/metrics"
	"reportpipe/internal/models"
	"reportpipe/internal/queue"
)

const defaultWindow = 24 * time.Hour

func main() {
	cfgPath := flag.String("config", "", "path to yaml config file")
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.Logging.Level); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	collector := metrics.NewCollector()
	b := broker.NewManager(cfg.AMQP.URL, log.Logger)
	bus := events.NewBus(b, log.Logger, collector)
	enqueuer := queue.NewEnqueuer(b, bus, log.Logger, collector)
	registry := heartbeat.NewRegistry()
	broadcaster := heartbeat.NewBroadcaster(b, registry, cfg.Service, cfg.Version, cfg.Heartbeat.Interval, log.Logger)

	// Setups registered before the first connect run on it and on every
	// reconnect after.
	if err := bus.Setup(); err != nil {
		log.Fatal().Err(err).Msg("event bus setup")
	}
	if err := enqueuer.Setup(); err != nil {
		log.Fatal().Err(err).Msg("generation topology setup")
	}
	if err := broadcaster.Setup(); err != nil {
		log.Fatal().Err(err).Msg("heartbeat setup")
	}
	if err := registry.Listen(b, log.Logger); err != nil {
		log.Fatal().Err(err).Msg("heartbeat listener setup")
	}

	if err := b.Connect(ctx); err != nil {
		log.Fatal().Err(err).Msg("broker connect")
	}
	registry.Mandatory("rabbitmq", b.Ping)

	manager := cron.NewManager(log.Logger, collector)
	for _, job := range cfg.Crons {
		job := job
		exec := func(ctx context.Context) error {
			window := job.Window
			if window <= 0 {
				window = defaultWindow
			}
			now := time.Now()
			_, err := enqueuer.Enqueue(ctx, models.GenerationRequest{
				TaskID:  job.TaskID,
				Targets: job.Targets,
				Origin:  "cron:" + job.Name,
				Period:  models.Period{Start: now.Add(-window), End: now},
			})
			return err
		}
		if err := manager.Register(job.Name, job.Pattern, exec); err != nil {
			log.Fatal().Err(err).Str("job", job.Name).Msg("register cron")
		}
		if !job.Disabled {
			if err := manager.Start(job.Name); err != nil {
				log.Fatal().Err(err).Str("job", job.Name).Msg("start cron")
			}
		}
	}

	go broadcaster.Run(ctx)

	srv := &http.Server{Addr: cfg.HTTP.Addr, Handler: health.NewRouter(registry, manager, collector.Handler())}
	go func() {
		log.Info().Str("addr", cfg.HTTP.Addr).Msg("http server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")

	cancel()
	manager.Shutdown()
	shutdownCtx, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(shutdownCtx)
	if err := b.Close(); err != nil {
		log.Warn().Err(err).Msg("broker close")
	}
}
