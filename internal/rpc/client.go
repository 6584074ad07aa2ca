package rpc

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
)

// DefaultTimeout is the hard deadline for a unary call. There is no
// caller-initiated cancel beyond the passed context.
const DefaultTimeout = 15 * time.Second

// Client issues unary and broadcast RPC calls over the broker. Every call
// uses a fresh exclusive reply queue and a fresh correlation id; unmatched
// or late replies are dropped.
type Client struct {
	b       *broker.Manager
	timeout time.Duration
	log     zerolog.Logger
	metrics *metrics.Collector
}

func NewClient(b *broker.Manager, log zerolog.Logger, collector *metrics.Collector) *Client {
	return &Client{
		b:       b,
		timeout: DefaultTimeout,
		log:     log.With().Str("component", "rpc-client").Logger(),
		metrics: collector,
	}
}

// InstanceResult is one service instance's answer to a broadcast call.
type InstanceResult struct {
	Result json.RawMessage
	Err    error
}

// consumerCanceller releases a reply consumer once a call settles.
// *amqp.Channel satisfies it.
type consumerCanceller interface {
	Cancel(tag string, noWait bool) error
}

// Call invokes method on the given service and waits for the matching
// reply. It returns ErrNoResponse after the deadline, releasing the reply
// consumer so nothing leaks.
func (c *Client) Call(ctx context.Context, service, method string, params ...any) (json.RawMessage, error) {
	c.metrics.IncRPCCalls()

	body, err := encodeRequest(method, params...)
	if err != nil {
		return nil, err
	}

	ch, err := c.b.Channel()
	if err != nil {
		return nil, err
	}
	defer ch.Close()

	deliveries, tag, replyTo, err := c.replyQueue(ch)
	if err != nil {
		return nil, err
	}

	corrID := uuid.NewString()
	if err := ch.PublishWithContext(ctx, "", broker.RPCQueue(service), false, false, amqp.Publishing{
		ContentType:   "application/json",
		CorrelationId: corrID,
		ReplyTo:       replyTo,
		Body:          body,
	}); err != nil {
		return nil, fmt.Errorf("rpc: publish %s: %w", method, err)
	}

	return c.await(ctx, ch, tag, deliveries, corrID, method)
}

// CallAll fans the call out to every instance of the service over its
// broadcast exchange and gathers the replies that arrive before the
// deadline. Individual failures become per-instance error entries; an empty
// slice means nobody answered in time.
func (c *Client) CallAll(ctx context.Context, service, method string, params ...any) ([]InstanceResult, error) {
	c.metrics.IncRPCCalls()

	body, err := encodeRequest(method, params...)
	if err != nil {
		return nil, err
	}

	ch, err := c.b.Channel()
	if err != nil {
		return nil, err
	}
	defer ch.Close()

	exchange := broker.RPCBroadcastExchange(service)
	if err := ch.ExchangeDeclare(exchange, "fanout", false, false, false, false, nil); err != nil {
		return nil, err
	}
	deliveries, tag, replyTo, err := c.replyQueue(ch)
	if err != nil {
		return nil, err
	}

	corrID := uuid.NewString()
	if err := ch.PublishWithContext(ctx, exchange, "", false, false, amqp.Publishing{
		ContentType:   "application/json",
		CorrelationId: corrID,
		ReplyTo:       replyTo,
		Body:          body,
	}); err != nil {
		return nil, fmt.Errorf("rpc: broadcast %s: %w", method, err)
	}

	return c.gather(ctx, ch, tag, deliveries, corrID, method)
}

func (c *Client) gather(ctx context.Context, ch consumerCanceller, tag string, deliveries <-chan amqp.Delivery, corrID, method string) ([]InstanceResult, error) {
	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	var results []InstanceResult
	for {
		select {
		case d, ok := <-deliveries:
			if !ok {
				return results, nil
			}
			if d.CorrelationId != corrID {
				continue
			}
			var resp models.Response
			if err := json.Unmarshal(d.Body, &resp); err != nil {
				results = append(results, InstanceResult{Err: fmt.Errorf("rpc: malformed reply: %w", err)})
				continue
			}
			if resp.Error != "" {
				results = append(results, InstanceResult{Err: &RemoteError{Method: method, Message: resp.Error}})
				continue
			}
			results = append(results, InstanceResult{Result: resp.Result})
		case <-timer.C:
			_ = ch.Cancel(tag, false)
			return results, nil
		case <-ctx.Done():
			_ = ch.Cancel(tag, false)
			return results, ctx.Err()
		}
	}
}

func (c *Client) replyQueue(ch *amqp.Channel) (<-chan amqp.Delivery, string, string, error) {
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return nil, "", "", fmt.Errorf("rpc: declare reply queue: %w", err)
	}
	tag := uuid.NewString()
	deliveries, err := ch.Consume(q.Name, tag, true, true, false, false, nil)
	if err != nil {
		return nil, "", "", fmt.Errorf("rpc: consume reply queue: %w", err)
	}
	return deliveries, tag, q.Name, nil
}

func (c *Client) await(ctx context.Context, ch consumerCanceller, tag string, deliveries <-chan amqp.Delivery, corrID, method string) (json.RawMessage, error) {
	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	for {
		select {
		case d, ok := <-deliveries:
			if !ok {
				return nil, fmt.Errorf("rpc: reply consumer closed: %w", ErrNoResponse)
			}
			if d.CorrelationId != corrID {
				// A late reply to an earlier call on a reused queue; drop it.
				continue
			}
			var resp models.Response
			if err := json.Unmarshal(d.Body, &resp); err != nil {
				return nil, fmt.Errorf("rpc: malformed reply to %s: %w", method, err)
			}
			if resp.Error != "" {
				return nil, &RemoteError{Method: method, Message: resp.Error}
			}
			return resp.Result, nil
		case <-timer.C:
			_ = ch.Cancel(tag, false)
			c.metrics.IncRPCTimeouts()
			c.log.Warn().Str("method", method).Msg("rpc call timed out")
			return nil, ErrNoResponse
		case <-ctx.Done():
			_ = ch.Cancel(tag, false)
			return nil, ctx.Err()
		}
	}
}

func encodeRequest(method string, params ...any) ([]byte, error) {
	rawParams, err := models.MarshalParams(params...)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(models.Request{Method: method, Params: rawParams})
	if err != nil {
		return nil, fmt.Errorf("rpc: marshal request: %w", err)
	}
	return body, nil
}
