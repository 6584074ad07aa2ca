package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reportpipe/internal/models"
	"reportpipe/internal/state"
	"reportpipe/internal/store"
)

type memStore struct {
	mu        sync.Mutex
	statuses  []models.GenerationEvent
	activity  []store.ActivityEntry
	statusErr error
}

func (m *memStore) UpsertStatus(ctx context.Context, ev models.GenerationEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.statusErr != nil {
		return m.statusErr
	}
	m.statuses = append(m.statuses, ev)
	return nil
}

func (m *memStore) WriteActivity(ctx context.Context, entry store.ActivityEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activity = append(m.activity, entry)
	return nil
}

func TestListener_PersistsEveryEvent(t *testing.T) {
	st := &memStore{}
	l := NewListener(st, zerolog.Nop())
	defer l.Close()

	ctx := context.Background()
	l.HandleEvent(ctx, finishEvent("g1", state.StatusPending))
	l.HandleEvent(ctx, finishEvent("g1", state.StatusProcessing))
	l.HandleEvent(ctx, finishEvent("g1", state.StatusSuccess))

	assert.Len(t, st.statuses, 3)
	assert.Equal(t, state.StatusSuccess, st.statuses[2].Status)
}

func TestListener_ActivityWrittenOncePerFinish(t *testing.T) {
	st := &memStore{}
	l := NewListener(st, zerolog.Nop())
	defer l.Close()

	ctx := context.Background()
	l.HandleEvent(ctx, finishEvent("g1", state.StatusSuccess))
	l.HandleEvent(ctx, finishEvent("g1", state.StatusSuccess))

	require.Len(t, st.activity, 1)
	entry := st.activity[0]
	assert.Equal(t, "g1", entry.GenerationID)
	assert.Equal(t, "t1", entry.TaskID)
	assert.Equal(t, "report_generation", entry.Kind)
	assert.NotEmpty(t, entry.ID)
	assert.Contains(t, entry.Message, "finished")
}

func TestListener_ErrorFinishMessage(t *testing.T) {
	st := &memStore{}
	l := NewListener(st, zerolog.Nop())
	defer l.Close()

	l.HandleEvent(context.Background(), finishEvent("g1", state.StatusError))

	require.Len(t, st.activity, 1)
	assert.Contains(t, st.activity[0].Message, "failed")
}

func TestListener_WriteActivityOptOut(t *testing.T) {
	st := &memStore{}
	l := NewListener(st, zerolog.Nop())
	defer l.Close()

	ev := finishEvent("g1", state.StatusSuccess)
	ev.WriteActivity = json.RawMessage(`false`)
	l.HandleEvent(context.Background(), ev)

	assert.Len(t, st.statuses, 1, "status is persisted regardless")
	assert.Empty(t, st.activity)
}

func TestListener_AbortedPersistsWithoutActivity(t *testing.T) {
	st := &memStore{}
	l := NewListener(st, zerolog.Nop())
	defer l.Close()

	l.HandleEvent(context.Background(), finishEvent("g1", state.StatusAborted))

	assert.Len(t, st.statuses, 1)
	assert.Empty(t, st.activity)
}

func TestListener_IgnoresStaleRegressionAfterTerminal(t *testing.T) {
	st := &memStore{}
	l := NewListener(st, zerolog.Nop())
	defer l.Close()

	ctx := context.Background()
	l.HandleEvent(ctx, finishEvent("g1", state.StatusSuccess))
	l.HandleEvent(ctx, finishEvent("g1", state.StatusProcessing))
	l.HandleEvent(ctx, finishEvent("g1", state.StatusError))

	require.Len(t, st.statuses, 1, "nothing transitions out of a stored terminal status")
	assert.Equal(t, state.StatusSuccess, st.statuses[0].Status)
	assert.Len(t, st.activity, 1)
}

func TestListener_RegressionGateIsPerID(t *testing.T) {
	st := &memStore{}
	l := NewListener(st, zerolog.Nop())
	defer l.Close()

	ctx := context.Background()
	l.HandleEvent(ctx, finishEvent("g1", state.StatusSuccess))
	l.HandleEvent(ctx, finishEvent("g2", state.StatusProcessing))

	assert.Len(t, st.statuses, 2)
}

func TestListener_StoreFailureIsNotFatal(t *testing.T) {
	st := &memStore{statusErr: errors.New("connection refused")}
	l := NewListener(st, zerolog.Nop())
	defer l.Close()

	ev := models.GenerationEvent{ID: "g1", TaskID: "t1", Status: state.StatusSuccess, UpdatedAt: time.Now()}
	assert.NotPanics(t, func() {
		l.HandleEvent(context.Background(), ev)
	})
	assert.Len(t, st.activity, 1, "finish side effects still run")
}
