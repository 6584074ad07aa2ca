package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"reportpipe/internal/broker"
	"reportpipe/internal/config"
	"reportpipe/internal/events"
	"reportpipe/internal/health"
	"reportpipe/internal/heartbeat"
	"reportpipe/internal/metrics"
	"reportpipe/internal/models"
	"reportpipe/internal/queue"
	"reportpipe/internal/rpc"
	"reportpipe/internal/store"
	pgstore "reportpipe/internal/store/postgres"
	redisstore "reportpipe/internal/store/redis"
)

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
	registry := heartbeat.NewRegistry()
	broadcaster := heartbeat.NewBroadcaster(b, registry, cfg.Service, cfg.Version, cfg.Heartbeat.Interval, log.Logger)

	statusStore := openStore(ctx, cfg, registry)
	listener := events.NewListener(statusStore, log.Logger)
	defer listener.Close()

	enqueuer := queue.NewEnqueuer(b, bus, log.Logger, collector)
	deadLetters := queue.NewDeadLetterHandler(b, bus, log.Logger, collector)

	rpcServer := rpc.NewServer(b, cfg.Service, log.Logger)
	registerMethods(rpcServer, enqueuer, cfg.Version)

	streamServer := rpc.NewStreamServer(b, cfg.Service, log.Logger)
	if err := streamServer.Register("reports", "read", readReport(cfg.Reports.Dir)); err != nil {
		log.Fatal().Err(err).Msg("register stream operation")
	}

	setups := []struct {
		name string
		fn   func() error
	}{
		{"event bus", bus.Setup},
		{"generation topology", enqueuer.Setup},
		{"event subscription", func() error { return bus.Subscribe(listener.HandleEvent) }},
		{"dead-letter consumer", deadLetters.Start},
		{"rpc server", rpcServer.Start},
		{"rpc stream server", streamServer.Start},
		{"heartbeat", broadcaster.Setup},
		{"heartbeat listener", func() error { return registry.Listen(b, log.Logger) }},
	}
	for _, s := range setups {
		if err := s.fn(); err != nil {
			log.Fatal().Err(err).Str("component", s.name).Msg("setup")
		}
	}

	if err := b.Connect(ctx); err != nil {
		log.Fatal().Err(err).Msg("broker connect")
	}
	registry.Mandatory("rabbitmq", b.Ping)

	go broadcaster.Run(ctx)

	srv := &http.Server{Addr: cfg.HTTP.Addr, Handler: health.NewRouter(registry, nil, collector.Handler())}
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
	shutdownCtx, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(shutdownCtx)
	if err := b.Close(); err != nil {
		log.Warn().Err(err).Msg("broker close")
	}
}

func openStore(ctx context.Context, cfg *config.Config, registry *heartbeat.Registry) store.StatusStore {
	switch cfg.Driver() {
	case store.Redis:
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Storage.Redis.Addr,
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
		})
		registry.Mandatory("redis", func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		})
		return redisstore.NewStatusStore(client)
	default:
		db, err := sql.Open("postgres", cfg.Storage.Postgres.URL)
		if err != nil {
			log.Fatal().Err(err).Msg("open postgres")
		}
		st := pgstore.NewStatusStore(db)
		if err := st.EnsureSchema(ctx); err != nil {
			log.Fatal().Err(err).Msg("ensure status schema")
		}
		registry.Mandatory("postgres", db.PingContext)
		return st
	}
}

func registerMethods(s *rpc.Server, enqueuer *queue.Enqueuer, version string) {
	must := func(err error) {
		if err != nil {
			log.Fatal().Err(err).Msg("register rpc method")
		}
	}

	must(s.Register("ping", func(ctx context.Context, params []json.RawMessage) (any, error) {
		return "pong", nil
	}))
	must(s.Register("version", func(ctx context.Context, params []json.RawMessage) (any, error) {
		return version, nil
	}))
	// Re-enqueues a generation, e.g. from the admin UI's restart action.
	// Enqueue stamps a fresh id, so the restarted run has its own timeline.
	must(s.Register("generation.restart", func(ctx context.Context, params []json.RawMessage) (any, error) {
		if len(params) == 0 {
			return nil, fmt.Errorf("generation.restart: missing request")
		}
		var req models.GenerationRequest
		if err := json.Unmarshal(params[0], &req); err != nil {
			return nil, fmt.Errorf("generation.restart: invalid request: %w", err)
		}
		req.Origin = "restart"
		return enqueuer.Enqueue(ctx, req)
	}))
}

// readReport streams a rendered report file. Bucket-style addressing keeps
// the transport generic; this is the one operation the reports bucket
// supports.
func readReport(dir string) rpc.StreamHandler {
	return func(ctx context.Context, params []json.RawMessage, w io.Writer) error {
		if len(params) == 0 {
			return fmt.Errorf("read: missing file name")
		}
		var name string
		if err := json.Unmarshal(params[0], &name); err != nil {
			return fmt.Errorf("read: invalid file name: %w", err)
		}
		f, err := os.Open(filepath.Join(dir, filepath.Base(name)))
		if err != nil {
			return fmt.Errorf("read %s: %w", name, err)
		}
		defer f.Close()
		_, err = io.Copy(w, f)
		return err
	}
}
