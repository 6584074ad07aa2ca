package cron

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"reportpipe/internal/metrics"
)

var (
	// ErrUnknownJob is returned for operations on a name never registered.
	ErrUnknownJob = errors.New("cron: unknown job")
	// ErrJobRunning rejects a forced run while the same entry is executing.
	ErrJobRunning = errors.New("cron: job already executing")
)

// Executor is the work a trigger fires. Errors are logged, never fatal to
// the manager.
type Executor func(ctx context.Context) error

type entry struct {
	name      string
	pattern   string
	exec      Executor
	id        cron.EntryID // non-zero while running
	running   bool
	executing bool
	lastRun   time.Time
}

// Snapshot is the externally visible state of one trigger. NextRun is nil
// while the trigger is stopped.
type Snapshot struct {
	Name    string     `json:"name"`
	Running bool       `json:"running"`
	LastRun *time.Time `json:"lastRun"`
	NextRun *time.Time `json:"nextRun"`
}

// Manager wraps named periodic triggers. Distinct entries may overlap;
// overlapping runs of the same entry are prevented.
type Manager struct {
	c       *cron.Cron
	log     zerolog.Logger
	metrics *metrics.Collector

	mu      sync.Mutex
	entries map[string]*entry
}

func NewManager(log zerolog.Logger, collector *metrics.Collector) *Manager {
	m := &Manager{
		c:       cron.New(),
		log:     log.With().Str("component", "cron").Logger(),
		metrics: collector,
		entries: make(map[string]*entry),
	}
	m.c.Start()
	return m
}

// Register adds a trigger in the stopped state.
func (m *Manager) Register(name, pattern string, exec Executor) error {
	if _, err := cron.ParseStandard(pattern); err != nil {
		return fmt.Errorf("cron: invalid pattern %q: %w", pattern, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[name]; ok {
		return fmt.Errorf("cron: job %q already registered", name)
	}
	m.entries[name] = &entry{name: name, pattern: pattern, exec: exec}
	return nil
}

// Start schedules the trigger. Starting a running trigger is a no-op.
func (m *Manager) Start(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[name]
	if !ok {
		return ErrUnknownJob
	}
	if e.running {
		return nil
	}
	id, err := m.c.AddFunc(e.pattern, func() {
		if err := m.execute(context.Background(), name); err != nil && !errors.Is(err, ErrJobRunning) {
			// Already logged by execute; the scheduled path swallows it.
			_ = err
		}
	})
	if err != nil {
		return fmt.Errorf("cron: schedule %q: %w", name, err)
	}
	e.id = id
	e.running = true
	m.log.Info().Str("job", name).Str("pattern", e.pattern).Msg("cron started")
	return nil
}

// Stop unschedules the trigger. A run already in flight finishes.
func (m *Manager) Stop(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[name]
	if !ok {
		return ErrUnknownJob
	}
	if !e.running {
		return nil
	}
	m.c.Remove(e.id)
	e.id = 0
	e.running = false
	m.log.Info().Str("job", name).Msg("cron stopped")
	return nil
}

// Force runs the trigger immediately in the calling goroutine. It fails fast
// with ErrJobRunning if the same entry is already executing.
func (m *Manager) Force(ctx context.Context, name string) error {
	m.mu.Lock()
	_, ok := m.entries[name]
	m.mu.Unlock()
	if !ok {
		return ErrUnknownJob
	}
	return m.execute(ctx, name)
}

func (m *Manager) execute(ctx context.Context, name string) error {
	m.mu.Lock()
	e, ok := m.entries[name]
	if !ok {
		m.mu.Unlock()
		return ErrUnknownJob
	}
	if e.executing {
		m.mu.Unlock()
		m.log.Warn().Str("job", name).Msg("skipping run, previous execution still in flight")
		return ErrJobRunning
	}
	e.executing = true
	e.lastRun = time.Now()
	exec := e.exec
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		e.executing = false
		m.mu.Unlock()
	}()

	start := time.Now()
	err := runSafely(ctx, exec)
	took := time.Since(start)
	m.metrics.ObserveCronDuration(name, took)

	if err != nil {
		m.log.Error().Err(err).Str("job", name).Dur("took", took).Msg("cron execution failed")
		return err
	}
	m.log.Info().Str("job", name).Dur("took", took).Msg("cron execution finished")
	return nil
}

func runSafely(ctx context.Context, exec Executor) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor panic: %v", r)
		}
	}()
	return exec(ctx)
}

// All returns a snapshot of every registered trigger, sorted by name.
func (m *Manager) All() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Snapshot, 0, len(m.entries))
	for _, e := range m.entries {
		s := Snapshot{Name: e.name, Running: e.running}
		if !e.lastRun.IsZero() {
			last := e.lastRun
			s.LastRun = &last
		}
		if e.running {
			next := m.c.Entry(e.id).Next
			if !next.IsZero() {
				s.NextRun = &next
			}
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Shutdown stops the underlying scheduler and waits for in-flight runs.
func (m *Manager) Shutdown() {
	<-m.c.Stop().Done()
}
