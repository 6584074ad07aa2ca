package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reportpipe/internal/cron"
	"reportpipe/internal/heartbeat"
	"reportpipe/internal/models"
)

type staticCrons []cron.Snapshot

func (s staticCrons) All() []cron.Snapshot { return s }

func doRequest(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestRouter_Healthz(t *testing.T) {
	h := NewRouter(heartbeat.NewRegistry(), nil, nil)

	rec := doRequest(t, h, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestRouter_ReadyzFailsWhileMandatoryMissing(t *testing.T) {
	reg := heartbeat.NewRegistry()
	reg.Mandatory("rabbitmq", func(ctx context.Context) error { return errors.New("down") })
	h := NewRouter(reg, nil, nil)

	rec := doRequest(t, h, "/readyz")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body struct {
		Status  string   `json:"status"`
		Missing []string `json:"missing"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "unavailable", body.Status)
	assert.Equal(t, []string{"rabbitmq"}, body.Missing)
}

func TestRouter_ReadyzRecovers(t *testing.T) {
	reg := heartbeat.NewRegistry()
	reg.Mandatory("rabbitmq", func(ctx context.Context) error { return nil })
	h := NewRouter(reg, nil, nil)

	rec := doRequest(t, h, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code, "missing until the first successful check")

	reg.Check(context.Background(), time.Second)
	rec = doRequest(t, h, "/readyz")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRouter_Services(t *testing.T) {
	reg := heartbeat.NewRegistry()
	reg.Observe(models.Heartbeat{Service: "worker", Hostname: "host-1", UpdatedAt: time.Now()})
	h := NewRouter(reg, nil, nil)

	rec := doRequest(t, h, "/services")
	require.Equal(t, http.StatusOK, rec.Code)

	var beats []models.Heartbeat
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &beats))
	require.Len(t, beats, 1)
	assert.Equal(t, "worker", beats[0].Service)
}

func TestRouter_Crons(t *testing.T) {
	now := time.Now()
	crons := staticCrons{{Name: "daily", Running: true, NextRun: &now}}
	h := NewRouter(heartbeat.NewRegistry(), crons, nil)

	rec := doRequest(t, h, "/crons")
	require.Equal(t, http.StatusOK, rec.Code)

	var got []cron.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "daily", got[0].Name)
	assert.True(t, got[0].Running)
}

func TestRouter_CronsAbsentWithoutLister(t *testing.T) {
	h := NewRouter(heartbeat.NewRegistry(), nil, nil)

	rec := doRequest(t, h, "/crons")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
