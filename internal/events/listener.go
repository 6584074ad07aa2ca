package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"reportpipe/internal/models"
	"reportpipe/internal/state"
	"reportpipe/internal/store"
)

// Listener persists every generation status event and performs the guarded
// on-finish side effects (activity log) exactly once per finished
// generation. Once a terminal status is stored for an id, later events that
// are not valid transitions out of it are ignored as stale: restarts
// re-enqueue under a fresh id, so a same-id regression is never a restart.
type Listener struct {
	store store.StatusStore
	guard *FinishGuard
	log   zerolog.Logger

	mu       sync.Mutex
	terminal map[string]terminalRecord
}

type terminalRecord struct {
	status state.Status
	timer  *time.Timer
}

func NewListener(st store.StatusStore, log zerolog.Logger) *Listener {
	l := &Listener{
		store:    st,
		log:      log.With().Str("component", "event-listener").Logger(),
		terminal: make(map[string]terminalRecord),
	}
	l.guard = NewFinishGuard(DefaultFinishTTL, l.onFinish, log)
	return l
}

// HandleEvent is the Bus handler. Store failures are logged, never fatal;
// the event stream keeps flowing.
func (l *Listener) HandleEvent(ctx context.Context, ev models.GenerationEvent) {
	if last, ok := l.lastTerminal(ev.ID); ok && !state.IsValidTransition(last, ev.Status) {
		l.log.Debug().Str("id", ev.ID).Str("from", last.String()).Str("to", ev.Status.String()).Msg("stale status regression ignored")
		return
	}

	if err := l.store.UpsertStatus(ctx, ev); err != nil {
		l.log.Error().Err(err).Str("id", ev.ID).Str("status", ev.Status.String()).Msg("status persist failed")
	}
	if ev.Status.Terminal() {
		l.rememberTerminal(ev.ID, ev.Status)
	}
	l.guard.Observe(ctx, ev)
}

func (l *Listener) lastTerminal(id string) (state.Status, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.terminal[id]
	return rec.status, ok
}

func (l *Listener) rememberTerminal(id string, st state.Status) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if rec, ok := l.terminal[id]; ok {
		rec.timer.Stop()
	}
	l.terminal[id] = terminalRecord{
		status: st,
		timer: time.AfterFunc(DefaultFinishTTL, func() {
			l.mu.Lock()
			delete(l.terminal, id)
			l.mu.Unlock()
		}),
	}
}

func (l *Listener) onFinish(ctx context.Context, ev models.GenerationEvent) {
	l.log.Info().Str("id", ev.ID).Str("task", ev.TaskID).Str("status", ev.Status.String()).Msg("generation finished")

	if !ev.WantsActivity() {
		return
	}
	entry := store.ActivityEntry{
		ID:           uuid.NewString(),
		GenerationID: ev.ID,
		TaskID:       ev.TaskID,
		Kind:         "report_generation",
		Message:      finishMessage(ev),
		CreatedAt:    time.Now(),
	}
	if err := l.store.WriteActivity(ctx, entry); err != nil {
		l.log.Error().Err(err).Str("id", ev.ID).Msg("activity write failed")
	}
}

func finishMessage(ev models.GenerationEvent) string {
	if ev.Status == state.StatusError {
		return fmt.Sprintf("report generation %s for task %s failed", ev.ID, ev.TaskID)
	}
	return fmt.Sprintf("report generation %s for task %s finished", ev.ID, ev.TaskID)
}

// Close releases the guard's and the regression gate's pending timers.
func (l *Listener) Close() {
	l.guard.Stop()

	l.mu.Lock()
	defer l.mu.Unlock()
	for id, rec := range l.terminal {
		rec.timer.Stop()
		delete(l.terminal, id)
	}
}
