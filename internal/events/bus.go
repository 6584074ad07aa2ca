package events

import (
	"context"
	"encoding/json"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"reportpipe/internal/broker"
	"reportpipe/internal/metrics"
	"reportpipe/internal/models"
	"reportpipe/internal/state"
)

// Handler consumes a validated, normalized generation event. Delivery to any
// given subscriber is at-most-once; handlers must be idempotent.
type Handler func(ctx context.Context, ev models.GenerationEvent)

// Bus publishes and subscribes generation status events on the fan-out event
// exchange. Each subscriber binds its own exclusive queue, so a restart
// means resubscribe with no backlog.
type Bus struct {
	b       *broker.Manager
	log     zerolog.Logger
	metrics *metrics.Collector
}

func NewBus(b *broker.Manager, log zerolog.Logger, collector *metrics.Collector) *Bus {
	return &Bus{
		b:       b,
		log:     log.With().Str("component", "events").Logger(),
		metrics: collector,
	}
}

// Setup registers the exchange declaration to run on every (re)connect.
func (bus *Bus) Setup() error {
	return bus.b.WithConnection(func(conn *amqp.Connection) error {
		ch, err := conn.Channel()
		if err != nil {
			return err
		}
		defer ch.Close()
		return broker.DeclareEventExchange(ch)
	})
}

// PublishEvent broadcasts an event to all listeners. No acknowledgment is
// required from any of them.
func (bus *Bus) PublishEvent(ctx context.Context, ev models.GenerationEvent) error {
	if ev.UpdatedAt.IsZero() {
		ev.UpdatedAt = time.Now()
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := bus.b.Publish(ctx, broker.EventExchange, "", amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	}); err != nil {
		return err
	}
	bus.metrics.IncEventsPublished()
	return nil
}

// Subscribe binds an exclusive queue to the event exchange and feeds every
// valid event to handler. Invalid payloads are logged and dropped. The
// subscription is re-established after every reconnect.
func (bus *Bus) Subscribe(handler Handler) error {
	return bus.b.WithConnection(func(conn *amqp.Connection) error {
		ch, err := conn.Channel()
		if err != nil {
			return err
		}
		if err := broker.DeclareEventExchange(ch); err != nil {
			return err
		}
		queue, err := broker.BindPrivateQueue(ch, broker.EventExchange)
		if err != nil {
			return err
		}
		if err := ch.Qos(broker.DefaultPrefetch, 0, false); err != nil {
			return err
		}
		deliveries, err := ch.Consume(queue, "", false, true, false, false, nil)
		if err != nil {
			return err
		}

		go func() {
			for d := range deliveries {
				bus.handle(d, handler)
			}
		}()
		return nil
	})
}

func (bus *Bus) handle(d amqp.Delivery, handler Handler) {
	defer func() {
		if d.Acknowledger != nil {
			_ = d.Ack(false)
		}
	}()

	var ev models.GenerationEvent
	if err := json.Unmarshal(d.Body, &ev); err != nil {
		bus.log.Warn().Err(err).Bytes("payload", truncate(d.Body, 512)).Msg("dropping malformed event")
		bus.metrics.IncEventsDropped()
		return
	}
	if err := ev.Validate(); err != nil {
		bus.log.Warn().Err(err).Str("id", ev.ID).Msg("dropping invalid event")
		bus.metrics.IncEventsDropped()
		return
	}

	Normalize(&ev)
	handler(context.Background(), ev)
}

// Normalize corrects the known producer race where a final progress update
// arrives still marked PROCESSING: progress 100 means the generation is done.
func Normalize(ev *models.GenerationEvent) {
	if ev.Status == state.StatusProcessing && ev.Progress != nil && *ev.Progress >= 100 {
		ev.Status = state.StatusSuccess
	}
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
