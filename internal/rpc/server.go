package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"reportpipe/internal/broker"
	"reportpipe/internal/models"
)

// HandlerFunc serves one RPC method. A returned error is serialized into
// the reply's error field; it never crashes the consume loop.
type HandlerFunc func(ctx context.Context, params []json.RawMessage) (any, error)

// Server consumes a service's request queue and its broadcast exchange,
// dispatching to a registered method table.
type Server struct {
	b       *broker.Manager
	service string
	log     zerolog.Logger

	mu       sync.Mutex
	handlers map[string]HandlerFunc
}

func NewServer(b *broker.Manager, service string, log zerolog.Logger) *Server {
	return &Server{
		b:        b,
		service:  service,
		log:      log.With().Str("component", "rpc-server").Str("service", service).Logger(),
		handlers: make(map[string]HandlerFunc),
	}
}

func (s *Server) Register(method string, fn HandlerFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.handlers[method]; ok {
		return fmt.Errorf("rpc: method %q already registered", method)
	}
	s.handlers[method] = fn
	return nil
}

// Start registers the consumers to run on every (re)connect: the shared
// request queue (competing consumers) and a per-instance exclusive queue on
// the broadcast exchange.
func (s *Server) Start() error {
	return s.b.WithConnection(func(conn *amqp.Connection) error {
		ch, err := conn.Channel()
		if err != nil {
			return err
		}
		if err := ch.Qos(broker.DefaultPrefetch, 0, false); err != nil {
			return err
		}

		if _, err := ch.QueueDeclare(broker.RPCQueue(s.service), false, false, false, false, nil); err != nil {
			return err
		}
		requests, err := ch.Consume(broker.RPCQueue(s.service), "", true, false, false, false, nil)
		if err != nil {
			return err
		}

		exchange := broker.RPCBroadcastExchange(s.service)
		if err := ch.ExchangeDeclare(exchange, "fanout", false, false, false, false, nil); err != nil {
			return err
		}
		broadcastQueue, err := broker.BindPrivateQueue(ch, exchange)
		if err != nil {
			return err
		}
		broadcasts, err := ch.Consume(broadcastQueue, "", true, true, false, false, nil)
		if err != nil {
			return err
		}

		go s.serve(requests)
		go s.serve(broadcasts)
		return nil
	})
}

func (s *Server) serve(deliveries <-chan amqp.Delivery) {
	for d := range deliveries {
		resp := s.handle(context.Background(), d.Body)
		s.reply(d, resp)
	}
}

func (s *Server) handle(ctx context.Context, body []byte) models.Response {
	var req models.Request
	if err := json.Unmarshal(body, &req); err != nil {
		s.log.Warn().Err(err).Msg("malformed rpc request")
		return models.Response{Error: "malformed request: " + err.Error()}
	}

	s.mu.Lock()
	fn, ok := s.handlers[req.Method]
	s.mu.Unlock()
	if !ok {
		return models.Response{Error: fmt.Sprintf("unknown method %q", req.Method)}
	}

	result, err := invoke(ctx, fn, req.Params)
	if err != nil {
		s.log.Warn().Err(err).Str("method", req.Method).Msg("rpc method failed")
		return models.Response{Error: err.Error()}
	}

	raw, err := json.Marshal(result)
	if err != nil {
		return models.Response{Error: "unserializable result: " + err.Error()}
	}
	return models.Response{Result: raw}
}

func invoke(ctx context.Context, fn HandlerFunc, params []json.RawMessage) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return fn(ctx, params)
}

func (s *Server) reply(d amqp.Delivery, resp models.Response) {
	if d.ReplyTo == "" {
		return
	}
	body, err := json.Marshal(resp)
	if err != nil {
		s.log.Error().Err(err).Msg("marshal rpc reply failed")
		return
	}
	if err := s.b.Publish(context.Background(), "", d.ReplyTo, amqp.Publishing{
		ContentType:   "application/json",
		CorrelationId: d.CorrelationId,
		Body:          body,
	}); err != nil {
		s.log.Warn().Err(err).Msg("rpc reply publish failed")
	}
}
