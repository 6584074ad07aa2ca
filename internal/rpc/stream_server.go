package rpc

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"reportpipe/internal/broker"
	"reportpipe/internal/models"
)

// StreamHandler produces the payload of one stream by writing to w. The
// writer publishes chunk frames as it goes; a returned error becomes the
// stream's error marker on the consumer side.
type StreamHandler func(ctx context.Context, params []json.RawMessage, w io.Writer) error

// StreamServer consumes the streaming request queue of a service and
// dispatches by (bucket, operation).
type StreamServer struct {
	b       *broker.Manager
	service string
	log     zerolog.Logger

	mu      sync.Mutex
	buckets map[string]map[string]StreamHandler
}

func NewStreamServer(b *broker.Manager, service string, log zerolog.Logger) *StreamServer {
	return &StreamServer{
		b:       b,
		service: service,
		log:     log.With().Str("component", "rpc-stream-server").Str("service", service).Logger(),
		buckets: make(map[string]map[string]StreamHandler),
	}
}

func (s *StreamServer) Register(bucket, operation string, h StreamHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ops, ok := s.buckets[bucket]
	if !ok {
		ops = make(map[string]StreamHandler)
		s.buckets[bucket] = ops
	}
	if _, ok := ops[operation]; ok {
		return fmt.Errorf("rpc: stream operation %s.%s already registered", bucket, operation)
	}
	ops[operation] = h
	return nil
}

// Start registers the consumer to run on every (re)connect. Each stream gets
// its own publishing channel so concurrent streams never interleave frames.
func (s *StreamServer) Start() error {
	return s.b.WithConnection(func(conn *amqp.Connection) error {
		ch, err := conn.Channel()
		if err != nil {
			return err
		}
		if err := ch.Qos(broker.DefaultPrefetch, 0, false); err != nil {
			return err
		}
		if _, err := ch.QueueDeclare(broker.RPCStreamQueue(s.service), false, false, false, false, nil); err != nil {
			return err
		}
		deliveries, err := ch.Consume(broker.RPCStreamQueue(s.service), "", true, false, false, false, nil)
		if err != nil {
			return err
		}

		go func() {
			for d := range deliveries {
				go s.serve(conn, d)
			}
		}()
		return nil
	})
}

func (s *StreamServer) serve(conn *amqp.Connection, d amqp.Delivery) {
	if d.ReplyTo == "" {
		s.log.Warn().Msg("stream request without reply queue dropped")
		return
	}

	var req models.StreamRequest
	if err := json.Unmarshal(d.Body, &req); err != nil {
		s.rejectRequest(conn, d, "malformed stream request: "+err.Error())
		return
	}

	s.mu.Lock()
	ops, bucketOK := s.buckets[req.Bucket]
	var handler StreamHandler
	var opOK bool
	if bucketOK {
		handler, opOK = ops[req.Operation]
	}
	s.mu.Unlock()

	if !bucketOK {
		s.rejectRequest(conn, d, fmt.Sprintf("unknown bucket %q", req.Bucket))
		return
	}
	if !opOK {
		s.rejectRequest(conn, d, fmt.Sprintf("bucket %q does not support operation %q", req.Bucket, req.Operation))
		return
	}

	ch, err := conn.Channel()
	if err != nil {
		s.log.Error().Err(err).Msg("stream channel open failed")
		return
	}
	defer ch.Close()

	streamID := uuid.NewString()
	if err := publishFrame(ch, d.ReplyTo, amqp.Publishing{
		CorrelationId: d.CorrelationId,
		Headers: amqp.Table{
			headerStreamAccept:   true,
			headerStreamID:       streamID,
			headerStreamCompress: req.Compress,
		},
	}); err != nil {
		s.log.Warn().Err(err).Msg("stream accept publish failed")
		return
	}

	w := &chunkWriter{ch: ch, replyTo: d.ReplyTo, streamID: streamID}
	var sink io.Writer = w
	var gz *gzip.Writer
	if req.Compress {
		gz = gzip.NewWriter(w)
		sink = gz
	}

	err = runStream(context.Background(), handler, req.Params, sink)
	if err == nil && gz != nil {
		err = gz.Close()
	}
	if err != nil {
		s.log.Warn().Err(err).Str("bucket", req.Bucket).Str("operation", req.Operation).Msg("stream failed")
		w.fail(err.Error())
		return
	}
	w.end()
}

func runStream(ctx context.Context, h StreamHandler, params []json.RawMessage, w io.Writer) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("stream handler panic: %v", r)
		}
	}()
	return h(ctx, params, w)
}

// rejectRequest answers with a request-level error frame: the stream never
// opened, so there is no stream id.
func (s *StreamServer) rejectRequest(conn *amqp.Connection, d amqp.Delivery, msg string) {
	ch, err := conn.Channel()
	if err != nil {
		s.log.Error().Err(err).Msg("stream reject channel open failed")
		return
	}
	defer ch.Close()

	if err := publishFrame(ch, d.ReplyTo, amqp.Publishing{
		CorrelationId: d.CorrelationId,
		Headers:       amqp.Table{headerStreamError: msg},
	}); err != nil {
		s.log.Warn().Err(err).Msg("stream reject publish failed")
	}
}

func publishFrame(ch *amqp.Channel, replyTo string, pub amqp.Publishing) error {
	return ch.Publish("", replyTo, false, false, pub)
}

// chunkWriter publishes ordered chunk frames for one stream, followed by an
// explicit end or error marker.
type chunkWriter struct {
	ch       *amqp.Channel
	replyTo  string
	streamID string
	seq      int64
}

func (w *chunkWriter) Write(p []byte) (int, error) {
	body := make([]byte, len(p))
	copy(body, p)
	err := publishFrame(w.ch, w.replyTo, amqp.Publishing{
		Headers: amqp.Table{
			headerStreamID:  w.streamID,
			headerStreamSeq: w.seq,
		},
		Body: body,
	})
	if err != nil {
		return 0, err
	}
	w.seq++
	return len(p), nil
}

func (w *chunkWriter) end() {
	_ = publishFrame(w.ch, w.replyTo, amqp.Publishing{
		Headers: amqp.Table{
			headerStreamID:  w.streamID,
			headerStreamEnd: true,
		},
	})
}

func (w *chunkWriter) fail(msg string) {
	_ = publishFrame(w.ch, w.replyTo, amqp.Publishing{
		Headers: amqp.Table{
			headerStreamID:    w.streamID,
			headerStreamError: msg,
		},
	})
}
