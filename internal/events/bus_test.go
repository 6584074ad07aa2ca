package events

import (
	"context"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"reportpipe/internal/metrics"
	"reportpipe/internal/models"
	"reportpipe/internal/state"
)

func TestNormalize(t *testing.T) {
	full := 100.0
	partial := 80.0

	ev := models.GenerationEvent{Status: state.StatusProcessing, Progress: &full}
	Normalize(&ev)
	assert.Equal(t, state.StatusSuccess, ev.Status)

	ev = models.GenerationEvent{Status: state.StatusProcessing, Progress: &partial}
	Normalize(&ev)
	assert.Equal(t, state.StatusProcessing, ev.Status)

	ev = models.GenerationEvent{Status: state.StatusProcessing}
	Normalize(&ev)
	assert.Equal(t, state.StatusProcessing, ev.Status)

	ev = models.GenerationEvent{Status: state.StatusError, Progress: &full}
	Normalize(&ev)
	assert.Equal(t, state.StatusError, ev.Status)
}

func TestBus_HandleDispatchesValidEvents(t *testing.T) {
	bus := NewBus(nil, zerolog.Nop(), metrics.NewCollector())

	var got []models.GenerationEvent
	handler := func(ctx context.Context, ev models.GenerationEvent) {
		got = append(got, ev)
	}

	bus.handle(amqp.Delivery{Body: []byte(`{"id":"g1","taskId":"t1","status":"PROCESSING","progress":100}`)}, handler)

	assert.Len(t, got, 1)
	assert.Equal(t, "g1", got[0].ID)
	assert.Equal(t, state.StatusSuccess, got[0].Status, "final progress update is normalized to SUCCESS")
}

func TestBus_HandleDropsBadPayloads(t *testing.T) {
	bus := NewBus(nil, zerolog.Nop(), metrics.NewCollector())

	var calls int
	handler := func(ctx context.Context, ev models.GenerationEvent) { calls++ }

	bus.handle(amqp.Delivery{Body: []byte(`{not json`)}, handler)
	bus.handle(amqp.Delivery{Body: []byte(`{"id":"","status":"SUCCESS"}`)}, handler)
	bus.handle(amqp.Delivery{Body: []byte(`{"id":"g1","status":"DONE"}`)}, handler)

	assert.Zero(t, calls)
}
