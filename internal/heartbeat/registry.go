package heartbeat

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"reportpipe/internal/broker"
	"reportpipe/internal/models"
)

// Pinger checks one direct dependency. A nil return marks the service
// healthy until the next check.
type Pinger func(ctx context.Context) error

// Registry keeps the latest heard heartbeat per service (last-write-wins by
// UpdatedAt) and tracks mandatory dependencies for the readiness probe.
type Registry struct {
	mu      sync.Mutex
	seen    map[string]models.Heartbeat
	pingers map[string]Pinger
	failed  map[string]bool
}

func NewRegistry() *Registry {
	return &Registry{
		seen:    make(map[string]models.Heartbeat),
		pingers: make(map[string]Pinger),
		failed:  make(map[string]bool),
	}
}

// Observe records a heartbeat, keeping the newer of the stored and incoming
// beats. Re-broadcast dependency beats are recorded as well.
func (r *Registry) Observe(hb models.Heartbeat) {
	r.mu.Lock()
	existing, ok := r.seen[hb.Service]
	if !ok || !existing.UpdatedAt.After(hb.UpdatedAt) {
		r.seen[hb.Service] = hb
	}
	r.mu.Unlock()

	for _, dep := range hb.Dependencies {
		r.Observe(dep)
	}
}

// Services returns the heard-from peers, sorted by service name.
func (r *Registry) Services() []models.Heartbeat {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]models.Heartbeat, 0, len(r.seen))
	for _, hb := range r.seen {
		out = append(out, hb)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Service < out[j].Service })
	return out
}

// Mandatory registers a dependency whose failure must fail readiness. A new
// registration starts out failed until its first successful check.
func (r *Registry) Mandatory(name string, ping Pinger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pingers[name] = ping
	r.failed[name] = true
}

// Check runs every mandatory pinger, each bounded by timeout, and updates
// the failed set.
func (r *Registry) Check(ctx context.Context, timeout time.Duration) {
	r.mu.Lock()
	pingers := make(map[string]Pinger, len(r.pingers))
	for name, p := range r.pingers {
		pingers[name] = p
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for name, ping := range pingers {
		wg.Add(1)
		go func(name string, ping Pinger) {
			defer wg.Done()
			pingCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			err := ping(pingCtx)

			r.mu.Lock()
			r.failed[name] = err != nil
			r.mu.Unlock()
		}(name, ping)
	}
	wg.Wait()
}

// MissingMandatoryServices lists the mandatory dependencies whose most
// recent check failed, sorted by name. Readiness fails while this is
// non-empty.
func (r *Registry) MissingMandatoryServices() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []string
	for name, failing := range r.failed {
		if failing {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Listen subscribes the registry to the heartbeat exchange. The subscription
// is re-established after every reconnect.
func (r *Registry) Listen(b *broker.Manager, log zerolog.Logger) error {
	logger := log.With().Str("component", "heartbeat-listener").Logger()
	return b.WithConnection(func(conn *amqp.Connection) error {
		ch, err := conn.Channel()
		if err != nil {
			return err
		}
		if err := broker.DeclareHeartbeatExchange(ch); err != nil {
			return err
		}
		queue, err := broker.BindPrivateQueue(ch, broker.HeartbeatExchange)
		if err != nil {
			return err
		}
		deliveries, err := ch.Consume(queue, "", true, true, false, false, nil)
		if err != nil {
			return err
		}

		go func() {
			for d := range deliveries {
				var hb models.Heartbeat
				if err := json.Unmarshal(d.Body, &hb); err != nil {
					logger.Debug().Err(err).Msg("dropping malformed heartbeat")
					continue
				}
				if err := hb.Validate(); err != nil {
					logger.Debug().Err(err).Msg("dropping invalid heartbeat")
					continue
				}
				r.Observe(hb)
			}
		}()
		return nil
	})
}
