package events

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"reportpipe/internal/models"
	"reportpipe/internal/state"
)

// DefaultFinishTTL is how long a finished generation id stays guarded
// against duplicate on-finish processing.
const DefaultFinishTTL = 60 * time.Second

// SideEffect runs the on-finish work for a generation exactly once per
// guarded window.
type SideEffect func(ctx context.Context, ev models.GenerationEvent)

// FinishGuard suppresses duplicate on-finish side effects for SUCCESS and
// ERROR events sharing an id. A non-terminal event arriving while an id is
// guarded means the generation was restarted: the entry is deleted
// immediately so the next terminal event fires the side effects again.
// ABORTED is terminal and leaves the guard untouched.
//
// The guard is process-local by design. It does not protect against
// duplicate finish-processing across multiple instances of the same
// consumer role; deployments scale that role to one instance.
type FinishGuard struct {
	ttl      time.Duration
	onFinish SideEffect
	log      zerolog.Logger

	mu      sync.Mutex
	pending map[string]*time.Timer
}

func NewFinishGuard(ttl time.Duration, onFinish SideEffect, log zerolog.Logger) *FinishGuard {
	return &FinishGuard{
		ttl:      ttl,
		onFinish: onFinish,
		log:      log.With().Str("component", "finish-guard").Logger(),
		pending:  make(map[string]*time.Timer),
	}
}

// Observe feeds one event through the guard.
func (g *FinishGuard) Observe(ctx context.Context, ev models.GenerationEvent) {
	switch ev.Status {
	case state.StatusSuccess, state.StatusError:
		g.mu.Lock()
		if _, guarded := g.pending[ev.ID]; guarded {
			g.mu.Unlock()
			g.log.Debug().Str("id", ev.ID).Msg("duplicate finish suppressed")
			return
		}
		id := ev.ID
		g.pending[id] = time.AfterFunc(g.ttl, func() {
			g.mu.Lock()
			delete(g.pending, id)
			g.mu.Unlock()
		})
		g.mu.Unlock()

		g.onFinish(ctx, ev)
	case state.StatusPending, state.StatusProcessing:
		g.mu.Lock()
		if t, guarded := g.pending[ev.ID]; guarded {
			t.Stop()
			delete(g.pending, ev.ID)
			g.log.Info().Str("id", ev.ID).Str("status", ev.Status.String()).Msg("generation restarted, finish guard cleared")
		}
		g.mu.Unlock()
	}
}

func (g *FinishGuard) guarded(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.pending[id]
	return ok
}

// Stop cancels all pending expirations.
func (g *FinishGuard) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for id, t := range g.pending {
		t.Stop()
		delete(g.pending, id)
	}
}
