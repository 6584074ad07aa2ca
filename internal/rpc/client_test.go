package rpc

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reportpipe/internal/metrics"
	"reportpipe/internal/models"
)

type recordingCanceller struct {
	cancelled bool
}

func (r *recordingCanceller) Cancel(tag string, noWait bool) error {
	r.cancelled = true
	return nil
}

func newTestClient(timeout time.Duration) *Client {
	return &Client{
		timeout: timeout,
		log:     zerolog.Nop(),
		metrics: metrics.NewCollector(),
	}
}

func replyDelivery(corrID, body string) amqp.Delivery {
	return amqp.Delivery{CorrelationId: corrID, Body: []byte(body)}
}

func TestClient_AwaitMatchesCorrelationID(t *testing.T) {
	c := newTestClient(time.Second)
	deliveries := make(chan amqp.Delivery, 2)
	deliveries <- replyDelivery("other", `{"result":"stale"}`)
	deliveries <- replyDelivery("c1", `{"result":42}`)

	result, err := c.await(context.Background(), &recordingCanceller{}, "tag", deliveries, "c1", "ping")
	require.NoError(t, err)
	assert.JSONEq(t, `42`, string(result))
}

func TestClient_AwaitRemoteError(t *testing.T) {
	c := newTestClient(time.Second)
	deliveries := make(chan amqp.Delivery, 1)
	deliveries <- replyDelivery("c1", `{"error":"task not found"}`)

	_, err := c.await(context.Background(), &recordingCanceller{}, "tag", deliveries, "c1", "generation.restart")
	var rerr *RemoteError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, "generation.restart", rerr.Method)
	assert.Equal(t, "task not found", rerr.Message)
}

func TestClient_AwaitMalformedReply(t *testing.T) {
	c := newTestClient(time.Second)
	deliveries := make(chan amqp.Delivery, 1)
	deliveries <- replyDelivery("c1", `{broken`)

	_, err := c.await(context.Background(), &recordingCanceller{}, "tag", deliveries, "c1", "ping")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "malformed reply")
}

func TestClient_AwaitTimeout(t *testing.T) {
	c := newTestClient(30 * time.Millisecond)
	canceller := &recordingCanceller{}
	deliveries := make(chan amqp.Delivery)

	_, err := c.await(context.Background(), canceller, "tag", deliveries, "c1", "ping")
	assert.ErrorIs(t, err, ErrNoResponse)
	assert.True(t, canceller.cancelled, "the reply consumer is released on timeout")
}

func TestClient_AwaitContextCancelled(t *testing.T) {
	c := newTestClient(time.Second)
	canceller := &recordingCanceller{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.await(ctx, canceller, "tag", make(chan amqp.Delivery), "c1", "ping")
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, canceller.cancelled)
}

func TestClient_AwaitConsumerClosed(t *testing.T) {
	c := newTestClient(time.Second)
	deliveries := make(chan amqp.Delivery)
	close(deliveries)

	_, err := c.await(context.Background(), &recordingCanceller{}, "tag", deliveries, "c1", "ping")
	assert.ErrorIs(t, err, ErrNoResponse)
}

func TestClient_GatherCollectsUntilDeadline(t *testing.T) {
	c := newTestClient(50 * time.Millisecond)
	canceller := &recordingCanceller{}
	deliveries := make(chan amqp.Delivery, 4)
	deliveries <- replyDelivery("c1", `{"result":"instance-a"}`)
	deliveries <- replyDelivery("other", `{"result":"noise"}`)
	deliveries <- replyDelivery("c1", `{"error":"degraded"}`)
	deliveries <- replyDelivery("c1", `{"result":"instance-b"}`)

	results, err := c.gather(context.Background(), canceller, "tag", deliveries, "c1", "version")
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.JSONEq(t, `"instance-a"`, string(results[0].Result))

	var rerr *RemoteError
	require.ErrorAs(t, results[1].Err, &rerr)
	assert.Equal(t, "degraded", rerr.Message)

	assert.JSONEq(t, `"instance-b"`, string(results[2].Result))
	assert.True(t, canceller.cancelled)
}

func TestClient_GatherEmptyWhenNobodyAnswers(t *testing.T) {
	c := newTestClient(30 * time.Millisecond)

	results, err := c.gather(context.Background(), &recordingCanceller{}, "tag", make(chan amqp.Delivery), "c1", "version")
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestClient_GatherStopsWhenConsumerCloses(t *testing.T) {
	c := newTestClient(time.Minute)
	deliveries := make(chan amqp.Delivery, 1)
	deliveries <- replyDelivery("c1", `{"result":1}`)
	close(deliveries)

	start := time.Now()
	results, err := c.gather(context.Background(), &recordingCanceller{}, "tag", deliveries, "c1", "version")
	require.NoError(t, err)
	assert.Len(t, results, 1)
	assert.Less(t, time.Since(start), time.Second)
}

func TestEncodeRequest(t *testing.T) {
	body, err := encodeRequest("generation.restart", map[string]string{"taskId": "t1"}, 7)
	require.NoError(t, err)

	var req models.Request
	require.NoError(t, json.Unmarshal(body, &req))
	assert.Equal(t, "generation.restart", req.Method)
	require.Len(t, req.Params, 2)
	assert.JSONEq(t, `{"taskId":"t1"}`, string(req.Params[0]))
	assert.JSONEq(t, `7`, string(req.Params[1]))
}

func TestEncodeRequest_NoParams(t *testing.T) {
	body, err := encodeRequest("ping")
	require.NoError(t, err)

	var req models.Request
	require.NoError(t, json.Unmarshal(body, &req))
	assert.Equal(t, "ping", req.Method)
	assert.Empty(t, req.Params)
}

func TestEncodeRequest_UnmarshalableParam(t *testing.T) {
	_, err := encodeRequest("ping", make(chan int))
	assert.Error(t, err)
}
