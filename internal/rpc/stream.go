package rpc

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"reportpipe/internal/broker"
	"reportpipe/internal/models"
)

// Stream frames are broker messages tagged by these headers. A frame carries
// either a payload chunk, the explicit end marker, or the explicit error
// marker; channel closure alone never signals a clean end.
const (
	headerStreamID       = "x-stream-id"
	headerStreamSeq      = "x-stream-seq"
	headerStreamEnd      = "x-stream-end"
	headerStreamError    = "x-stream-error"
	headerStreamAccept   = "x-stream-accept"
	headerStreamCompress = "x-stream-compress"
)

// StreamOptions negotiates per-stream behavior with the producer.
type StreamOptions struct {
	Compress bool
}

// OpenStream performs a streaming call addressed as (bucket, operation,
// params) and returns a reader over the ordered chunk frames. An unknown
// bucket or unsupported operation is a request-level error returned here;
// a producer-side failure mid-stream surfaces as a StreamError from Read.
func (c *Client) OpenStream(ctx context.Context, service, bucket, operation string, opts StreamOptions, params ...any) (io.ReadCloser, error) {
	c.metrics.IncRPCCalls()

	rawParams, err := models.MarshalParams(params...)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(models.StreamRequest{
		Bucket:    bucket,
		Operation: operation,
		Params:    rawParams,
		Compress:  opts.Compress,
	})
	if err != nil {
		return nil, fmt.Errorf("rpc: marshal stream request: %w", err)
	}

	ch, err := c.b.Channel()
	if err != nil {
		return nil, err
	}
	if err := ch.Qos(broker.DefaultPrefetch, 0, false); err != nil {
		ch.Close()
		return nil, err
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("rpc: declare stream reply queue: %w", err)
	}
	tag := uuid.NewString()
	deliveries, err := ch.Consume(q.Name, tag, false, true, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("rpc: consume stream reply queue: %w", err)
	}

	corrID := uuid.NewString()
	if err := ch.PublishWithContext(ctx, "", broker.RPCStreamQueue(service), false, false, amqp.Publishing{
		ContentType:   "application/json",
		CorrelationId: corrID,
		ReplyTo:       q.Name,
		Body:          body,
	}); err != nil {
		ch.Close()
		return nil, fmt.Errorf("rpc: publish stream request: %w", err)
	}

	streamID, compressed, err := awaitAccept(ctx, deliveries, corrID, bucket+"."+operation, c.timeout)
	if err != nil {
		_ = ch.Cancel(tag, false)
		ch.Close()
		return nil, err
	}

	r := &streamReader{ch: ch, tag: tag, deliveries: deliveries, streamID: streamID}
	if compressed {
		return &gzipStream{raw: r}, nil
	}
	return r, nil
}

func awaitAccept(ctx context.Context, deliveries <-chan amqp.Delivery, corrID, method string, timeout time.Duration) (string, bool, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case d, ok := <-deliveries:
			if !ok {
				return "", false, fmt.Errorf("rpc: stream consumer closed: %w", ErrNoResponse)
			}
			if d.Acknowledger != nil {
				_ = d.Ack(false)
			}
			if d.CorrelationId != corrID {
				continue
			}
			if msg, ok := d.Headers[headerStreamError].(string); ok {
				return "", false, &RemoteError{Method: method, Message: msg}
			}
			if accepted, _ := d.Headers[headerStreamAccept].(bool); !accepted {
				continue
			}
			streamID, _ := d.Headers[headerStreamID].(string)
			if streamID == "" {
				return "", false, &StreamError{Message: "accept frame without stream id"}
			}
			compressed, _ := d.Headers[headerStreamCompress].(bool)
			return streamID, compressed, nil
		case <-timer.C:
			return "", false, ErrNoResponse
		case <-ctx.Done():
			return "", false, ctx.Err()
		}
	}
}

// streamReader exposes the chunk frames of one stream as an io.ReadCloser.
// Frames are acked as they are consumed, so the channel's prefetch limit is
// the effective backpressure window.
type streamReader struct {
	ch         *amqp.Channel
	tag        string
	deliveries <-chan amqp.Delivery
	streamID   string

	buf     []byte
	nextSeq int64
	done    bool
	err     error
}

func (r *streamReader) Read(p []byte) (int, error) {
	if r.err != nil {
		return 0, r.err
	}
	for len(r.buf) == 0 {
		if r.done {
			return 0, io.EOF
		}
		d, ok := <-r.deliveries
		if !ok {
			r.err = &StreamError{Message: "stream interrupted: broker channel closed"}
			return 0, r.err
		}
		if d.Acknowledger != nil {
			_ = d.Ack(false)
		}
		if id, _ := d.Headers[headerStreamID].(string); id != r.streamID {
			continue
		}
		if msg, ok := d.Headers[headerStreamError].(string); ok {
			r.err = &StreamError{Message: msg}
			return 0, r.err
		}
		if end, _ := d.Headers[headerStreamEnd].(bool); end {
			r.done = true
			return 0, io.EOF
		}
		if seq := asInt64(d.Headers[headerStreamSeq]); seq != r.nextSeq {
			r.err = &StreamError{Message: fmt.Sprintf("chunk out of order: got %d, want %d", seq, r.nextSeq)}
			return 0, r.err
		}
		r.nextSeq++
		r.buf = d.Body
	}

	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

func (r *streamReader) Close() error {
	if r.ch == nil {
		return nil
	}
	_ = r.ch.Cancel(r.tag, false)
	return r.ch.Close()
}

// gzipStream defers gzip initialization to the first Read so OpenStream
// returns without waiting for the producer's first chunk.
type gzipStream struct {
	raw *streamReader
	gz  *gzip.Reader
}

func (g *gzipStream) Read(p []byte) (int, error) {
	if g.gz == nil {
		gz, err := gzip.NewReader(g.raw)
		if err != nil {
			return 0, err
		}
		g.gz = gz
	}
	return g.gz.Read(p)
}

func (g *gzipStream) Close() error {
	if g.gz != nil {
		_ = g.gz.Close()
	}
	return g.raw.Close()
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int32:
		return int64(n)
	case int:
		return int64(n)
	case int16:
		return int64(n)
	case int8:
		return int64(n)
	default:
		return -1
	}
}
