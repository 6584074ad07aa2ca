package queue

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

// DeadLetterHandler consumes the dead queue and converts every dead-lettered
// generation request into a terminal ABORTED event, so abandoned jobs never
// silently disappear. Messages are acked unconditionally: poison payloads
// are logged and dropped, never requeued.
type DeadLetterHandler struct {
	b       Broker
	events  EventPublisher
	log     zerolog.Logger
	metrics *metrics.Collector
}

func NewDeadLetterHandler(b Broker, events EventPublisher, log zerolog.Logger, collector *metrics.Collector) *DeadLetterHandler {
	return &DeadLetterHandler{
		b:       b,
		events:  events,
		log:     log.With().Str("component", "dead-letter").Logger(),
		metrics: collector,
	}
}

// Start registers the consumer to run on every (re)connect.
func (h *DeadLetterHandler) Start() error {
	return h.b.WithConnection(func(conn *amqp.Connection) error {
		ch, err := conn.Channel()
		if err != nil {
			return err
		}
		if err := broker.DeclareGenerationTopology(ch); err != nil {
			return err
		}
		if err := ch.Qos(broker.DefaultPrefetch, 0, false); err != nil {
			return err
		}
		deliveries, err := ch.Consume(broker.GenerationDeadQueue, "", false, false, false, false, nil)
		if err != nil {
			return err
		}

		go func() {
			for d := range deliveries {
				h.handle(context.Background(), d)
			}
		}()
		return nil
	})
}

func (h *DeadLetterHandler) handle(ctx context.Context, d amqp.Delivery) {
	defer func() {
		if d.Acknowledger != nil {
			_ = d.Ack(false)
		}
	}()

	var req models.GenerationRequest
	if err := json.Unmarshal(d.Body, &req); err != nil {
		h.log.Error().Err(err).Bytes("payload", d.Body).Msg("unparseable dead-lettered message dropped")
		return
	}
	if err := req.Validate(); err != nil {
		h.log.Error().Err(err).Bytes("payload", d.Body).Msg("invalid dead-lettered request dropped")
		return
	}

	if err := h.events.PublishEvent(ctx, AbortedEvent(req)); err != nil {
		h.log.Error().Err(err).Str("id", req.ID).Msg("aborted event publish failed")
		return
	}
	h.metrics.IncGenerationsAborted()
	h.log.Warn().Str("id", req.ID).Str("task", req.TaskID).Msg("dead-lettered generation aborted")
}

// AbortedEvent is the terminal event for a generation that was dead-lettered
// before any worker completed it. The original id, task, period and targets
// are preserved; no report was produced.
func AbortedEvent(req models.GenerationRequest) models.GenerationEvent {
	now := time.Now()
	return models.GenerationEvent{
		ID:            req.ID,
		TaskID:        req.TaskID,
		Status:        state.StatusAborted,
		Start:         req.Period.Start,
		End:           req.Period.End,
		Targets:       req.Targets,
		Origin:        req.Origin,
		WriteActivity: req.WriteActivity,
		Progress:      nil,
		Took:          nil,
		ReportID:      "",
		CreatedAt:     req.CreatedAt,
		UpdatedAt:     now,
	}
}
