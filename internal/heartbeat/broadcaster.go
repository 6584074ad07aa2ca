package heartbeat

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"reportpipe/internal/broker"
	"reportpipe/internal/models"
)

// DefaultInterval is the heartbeat broadcast period.
const DefaultInterval = 10 * time.Second

// GatherFunc fetches the heartbeat of a direct dependency for re-broadcast.
type GatherFunc func(ctx context.Context) (models.Heartbeat, error)

// Broadcaster publishes this process's heartbeat on a fixed interval,
// optionally enriched with dependency beats. Gathering is bounded by half
// the interval so a stuck dependency never stalls the broadcast.
type Broadcaster struct {
	b        *broker.Manager
	registry *Registry
	service  string
	version  string
	interval time.Duration
	log      zerolog.Logger

	mu      sync.Mutex
	gathers map[string]GatherFunc
}

func NewBroadcaster(b *broker.Manager, registry *Registry, service, version string, interval time.Duration, log zerolog.Logger) *Broadcaster {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Broadcaster{
		b:        b,
		registry: registry,
		service:  service,
		version:  version,
		interval: interval,
		log:      log.With().Str("component", "heartbeat").Logger(),
		gathers:  make(map[string]GatherFunc),
	}
}

// Setup registers the exchange declaration for every (re)connect.
func (bc *Broadcaster) Setup() error {
	return bc.b.WithConnection(func(conn *amqp.Connection) error {
		ch, err := conn.Channel()
		if err != nil {
			return err
		}
		defer ch.Close()
		return broker.DeclareHeartbeatExchange(ch)
	})
}

// Gather registers a dependency whose beat is re-broadcast with our own.
func (bc *Broadcaster) Gather(name string, fn GatherFunc) {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	bc.gathers[name] = fn
}

// Run broadcasts until ctx is cancelled. Mandatory-service checks share the
// tick so readiness tracks the same cadence as liveness.
func (bc *Broadcaster) Run(ctx context.Context) {
	ticker := time.NewTicker(bc.interval)
	defer ticker.Stop()

	bc.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			bc.tick(ctx)
		}
	}
}

func (bc *Broadcaster) tick(ctx context.Context) {
	budget := bc.interval / 2
	if bc.registry != nil {
		bc.registry.Check(ctx, budget)
	}

	hostname, _ := os.Hostname()
	hb := models.Heartbeat{
		Service:      bc.service,
		Hostname:     hostname,
		Version:      bc.version,
		UpdatedAt:    time.Now(),
		Dependencies: bc.collect(ctx, budget),
	}

	body, err := json.Marshal(hb)
	if err != nil {
		bc.log.Error().Err(err).Msg("heartbeat marshal failed")
		return
	}
	if err := bc.b.Publish(ctx, broker.HeartbeatExchange, "", amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	}); err != nil {
		bc.log.Warn().Err(err).Msg("heartbeat publish failed")
	}
}

func (bc *Broadcaster) collect(ctx context.Context, budget time.Duration) []models.Heartbeat {
	bc.mu.Lock()
	gathers := make(map[string]GatherFunc, len(bc.gathers))
	for name, fn := range bc.gathers {
		gathers[name] = fn
	}
	bc.mu.Unlock()

	if len(gathers) == 0 {
		return nil
	}

	gatherCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	var mu sync.Mutex
	var deps []models.Heartbeat
	g, gatherCtx := errgroup.WithContext(gatherCtx)
	for name, fn := range gathers {
		name, fn := name, fn
		g.Go(func() error {
			hb, err := fn(gatherCtx)
			if err != nil {
				bc.log.Debug().Err(err).Str("dependency", name).Msg("dependency heartbeat unavailable")
				return nil
			}
			mu.Lock()
			deps = append(deps, hb)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return deps
}
