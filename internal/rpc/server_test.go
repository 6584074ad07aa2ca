package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s := NewServer(nil, "listener", zerolog.Nop())
	require.NoError(t, s.Register("add", func(ctx context.Context, params []json.RawMessage) (any, error) {
		var a, b int
		if err := json.Unmarshal(params[0], &a); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(params[1], &b); err != nil {
			return nil, err
		}
		return a + b, nil
	}))
	require.NoError(t, s.Register("fail", func(ctx context.Context, params []json.RawMessage) (any, error) {
		return nil, errors.New("task not found")
	}))
	require.NoError(t, s.Register("explode", func(ctx context.Context, params []json.RawMessage) (any, error) {
		panic("nil map write")
	}))
	return s
}

func TestServer_RegisterDuplicate(t *testing.T) {
	s := newTestServer(t)
	err := s.Register("add", func(ctx context.Context, params []json.RawMessage) (any, error) {
		return nil, nil
	})
	assert.Error(t, err)
}

func TestServer_HandleSuccess(t *testing.T) {
	s := newTestServer(t)

	resp := s.handle(context.Background(), []byte(`{"method":"add","params":[1,2]}`))
	assert.Empty(t, resp.Error)
	assert.JSONEq(t, `3`, string(resp.Result))
}

func TestServer_HandleUnknownMethod(t *testing.T) {
	s := newTestServer(t)

	resp := s.handle(context.Background(), []byte(`{"method":"subtract","params":[]}`))
	assert.Empty(t, resp.Result)
	assert.Contains(t, resp.Error, "unknown method")
	assert.Contains(t, resp.Error, "subtract")
}

func TestServer_HandleMalformedBody(t *testing.T) {
	s := newTestServer(t)

	resp := s.handle(context.Background(), []byte(`{method:`))
	assert.Contains(t, resp.Error, "malformed request")
}

func TestServer_HandleHandlerError(t *testing.T) {
	s := newTestServer(t)

	resp := s.handle(context.Background(), []byte(`{"method":"fail","params":[]}`))
	assert.Empty(t, resp.Result)
	assert.Equal(t, "task not found", resp.Error)
}

func TestServer_HandleRecoversPanic(t *testing.T) {
	s := newTestServer(t)

	var errMsg string
	assert.NotPanics(t, func() {
		resp := s.handle(context.Background(), []byte(`{"method":"explode","params":[]}`))
		errMsg = resp.Error
	})
	assert.Contains(t, errMsg, "panic")
}

func TestRemoteError_Message(t *testing.T) {
	err := &RemoteError{Method: "reports.read", Message: "no such file"}
	assert.Contains(t, err.Error(), "reports.read")
	assert.Contains(t, err.Error(), "no such file")
}
