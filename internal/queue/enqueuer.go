package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"reportpipe/internal/broker"
	"reportpipe/internal/metrics"
	"reportpipe/internal/models"
	"reportpipe/internal/state"
)

// Broker is the slice of the connection manager the queue layer needs.
type Broker interface {
	Publish(ctx context.Context, exchange, key string, pub amqp.Publishing) error
	WithConnection(setup broker.SetupFunc) error
}

// EventPublisher broadcasts generation status events. *events.Bus satisfies it.
type EventPublisher interface {
	PublishEvent(ctx context.Context, ev models.GenerationEvent) error
}

// Enqueuer publishes generation requests to the durable work queue.
type Enqueuer struct {
	b       Broker
	events  EventPublisher
	log     zerolog.Logger
	metrics *metrics.Collector
}

func NewEnqueuer(b Broker, events EventPublisher, log zerolog.Logger, collector *metrics.Collector) *Enqueuer {
	return &Enqueuer{
		b:       b,
		events:  events,
		log:     log.With().Str("component", "enqueuer").Logger(),
		metrics: collector,
	}
}

// Setup registers the generation topology declaration for every (re)connect.
func (e *Enqueuer) Setup() error {
	return e.b.WithConnection(func(conn *amqp.Connection) error {
		ch, err := conn.Channel()
		if err != nil {
			return err
		}
		defer ch.Close()
		return broker.DeclareGenerationTopology(ch)
	})
}

// Enqueue stamps the request with a fresh id and creation time, publishes it
// durably, then best-effort publishes a PENDING event. A failed event
// publish is logged but does not fail the enqueue: the job is already
// queued and will reach a terminal state either way.
func (e *Enqueuer) Enqueue(ctx context.Context, req models.GenerationRequest) (models.GenerationRequest, error) {
	req.ID = uuid.NewString()
	req.CreatedAt = time.Now()
	if err := req.Validate(); err != nil {
		return req, err
	}

	body, err := json.Marshal(req)
	if err != nil {
		return req, fmt.Errorf("failed to marshal generation request: %w", err)
	}
	if err := e.b.Publish(ctx, "", broker.GenerationQueue, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    req.ID,
		Timestamp:    req.CreatedAt,
		Body:         body,
	}); err != nil {
		return req, fmt.Errorf("failed to publish generation request: %w", err)
	}
	e.metrics.IncGenerationsEnqueued()
	e.log.Info().Str("id", req.ID).Str("task", req.TaskID).Str("origin", req.Origin).Msg("generation enqueued")

	if err := e.events.PublishEvent(ctx, PendingEvent(req)); err != nil {
		e.log.Warn().Err(err).Str("id", req.ID).Msg("pending event publish failed")
	}
	return req, nil
}

// PendingEvent is the first event of a generation's timeline, emitted at
// enqueue time.
func PendingEvent(req models.GenerationRequest) models.GenerationEvent {
	now := time.Now()
	return models.GenerationEvent{
		ID:            req.ID,
		TaskID:        req.TaskID,
		Status:        state.StatusPending,
		Start:         req.Period.Start,
		End:           req.Period.End,
		Targets:       req.Targets,
		Origin:        req.Origin,
		WriteActivity: req.WriteActivity,
		Progress:      nil,
		Took:          nil,
		ReportID:      "",
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}
