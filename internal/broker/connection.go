package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// ErrNotConnected is returned while the broker connection is down. Callers
// treat it as "not ready yet", never as a business failure.
var ErrNotConnected = errors.New("broker: not connected")

var errStopped = errors.New("broker: closed")

const reconnectDelay = 5 * time.Second

// SetupFunc declares topology and starts consumers on a fresh connection.
// It runs after every successful (re)connect and must be idempotent.
type SetupFunc func(conn *amqp.Connection) error

// Manager owns the single broker connection of a process. Connect retries
// forever with a fixed delay; a closed connection triggers a reconnect and a
// replay of all registered setup funcs, unless the manager is stopping.
type Manager struct {
	url string
	log zerolog.Logger

	mu       sync.Mutex
	conn     *amqp.Connection
	pubCh    *amqp.Channel
	setups   []SetupFunc
	stopping bool
	stopCh   chan struct{}
}

func NewManager(url string, log zerolog.Logger) *Manager {
	return &Manager{
		url:    url,
		log:    log.With().Str("component", "broker").Logger(),
		stopCh: make(chan struct{}),
	}
}

// Connect dials until it succeeds or ctx is cancelled, then runs all setup
// funcs registered so far. A setup error is returned as-is: topology failures
// at start-up are fatal to the owning process, connection failures are not.
func (m *Manager) Connect(ctx context.Context) error {
	conn, err := m.dial(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.conn = conn
	m.pubCh = nil
	setups := append([]SetupFunc(nil), m.setups...)
	m.mu.Unlock()

	for _, setup := range setups {
		if err := setup(conn); err != nil {
			return fmt.Errorf("broker: topology setup: %w", err)
		}
	}

	go m.watch(conn)
	return nil
}

func (m *Manager) dial(ctx context.Context) (*amqp.Connection, error) {
	for {
		conn, err := amqp.Dial(m.url)
		if err == nil {
			m.log.Info().Msg("broker connected")
			return conn, nil
		}
		m.log.Warn().Err(err).Dur("retry_in", reconnectDelay).Msg("broker connect failed")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-m.stopCh:
			return nil, errStopped
		case <-time.After(reconnectDelay):
		}
	}
}

func (m *Manager) watch(conn *amqp.Connection) {
	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	amqpErr := <-closed

	m.mu.Lock()
	stopping := m.stopping
	m.mu.Unlock()
	if stopping {
		return
	}
	if amqpErr != nil {
		m.log.Warn().Str("reason", amqpErr.Reason).Msg("broker connection lost")
	}
	m.reconnect()
}

func (m *Manager) reconnect() {
	for {
		conn, err := m.dial(context.Background())
		if err != nil {
			return
		}

		m.mu.Lock()
		if m.stopping {
			m.mu.Unlock()
			conn.Close()
			return
		}
		m.conn = conn
		m.pubCh = nil
		setups := append([]SetupFunc(nil), m.setups...)
		m.mu.Unlock()

		ok := true
		for _, setup := range setups {
			if err := setup(conn); err != nil {
				m.log.Error().Err(err).Msg("topology setup failed after reconnect")
				ok = false
				break
			}
		}
		if !ok {
			conn.Close()
			time.Sleep(reconnectDelay)
			continue
		}

		go m.watch(conn)
		return
	}
}

// WithConnection registers a setup func to run on every (re)connect. If a
// connection is already up, the func runs immediately and its error is
// returned so start-up sequences can fail fast.
func (m *Manager) WithConnection(setup SetupFunc) error {
	m.mu.Lock()
	m.setups = append(m.setups, setup)
	conn := m.conn
	m.mu.Unlock()

	if conn != nil && !conn.IsClosed() {
		return setup(conn)
	}
	return nil
}

// Channel opens a fresh channel on the current connection. The caller owns
// its lifetime.
func (m *Manager) Channel() (*amqp.Channel, error) {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()

	if conn == nil || conn.IsClosed() {
		return nil, ErrNotConnected
	}
	return conn.Channel()
}

// Publish sends a message on a shared publisher channel, reopening it on
// demand after a reconnect. Publishes on this channel are ordered relative
// to each other.
func (m *Manager) Publish(ctx context.Context, exchange, key string, pub amqp.Publishing) error {
	m.mu.Lock()
	if m.conn == nil || m.conn.IsClosed() {
		m.mu.Unlock()
		return ErrNotConnected
	}
	if m.pubCh == nil || m.pubCh.IsClosed() {
		ch, err := m.conn.Channel()
		if err != nil {
			m.mu.Unlock()
			return fmt.Errorf("broker: open publish channel: %w", err)
		}
		m.pubCh = ch
	}
	ch := m.pubCh
	m.mu.Unlock()

	return ch.PublishWithContext(ctx, exchange, key, false, false, pub)
}

// Ping verifies the connection by opening and closing a throwaway channel.
func (m *Manager) Ping(ctx context.Context) error {
	ch, err := m.Channel()
	if err != nil {
		return err
	}
	return ch.Close()
}

// Close shuts the connection down exactly once. The stopping flag suppresses
// the reconnect-on-close handler; repeated calls are no-ops.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.stopping {
		m.mu.Unlock()
		return nil
	}
	m.stopping = true
	close(m.stopCh)
	conn := m.conn
	m.mu.Unlock()

	if conn != nil && !conn.IsClosed() {
		return conn.Close()
	}
	return nil
}
