package models

import (
	"encoding/json"
	"fmt"
)

// Request is the body of a unary RPC message. Correlation id and reply queue
// travel as AMQP message properties, not in the body.
type Request struct {
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

// Response is the body of an RPC reply. Exactly one of Result or Error is
// set; an empty Error means success.
type Response struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// StreamRequest opens a streaming RPC. Requests are addressed as
// (bucket, operation, params); Compress asks the producer to gzip the
// chunk payloads if it can.
type StreamRequest struct {
	Bucket    string            `json:"bucket"`
	Operation string            `json:"operation"`
	Params    []json.RawMessage `json:"params"`
	Compress  bool              `json:"compress"`
}

// MarshalParams encodes call arguments for an RPC envelope.
func MarshalParams(params ...any) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0, len(params))
	for i, p := range params {
		raw, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("marshal param %d: %w", i, err)
		}
		out = append(out, raw)
	}
	return out, nil
}
