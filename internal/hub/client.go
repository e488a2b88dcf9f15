package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/wtthornton/ha-ingestor-sub004/internal/model"
)

// State is the connection-manager state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticated
	StateSubscribed
	StateBackoff
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateSubscribed:
		return "subscribed"
	case StateBackoff:
		return "backoff"
	default:
		return "disconnected"
	}
}

// StateChange is emitted on every transition for health/metrics.
type StateChange struct {
	From State
	To   State
	At   time.Time
	Err  error
}

// Status is a snapshot of the manager's counters.
type Status struct {
	State        State
	Attempts     uint64
	Successes    uint64
	Failures     uint64
	DecodeErrors uint64
	Retries      int
	LastError    string
	LastEventAt  time.Time
}

// Conn abstracts the websocket connection so tests can drive the
// handshake with a scripted fake.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteJSON(v any) error
	Close() error
}

// Dialer opens a Conn to the hub.
type Dialer func(ctx context.Context, url string) (Conn, error)

type gorillaConn struct{ c *websocket.Conn }

func (g gorillaConn) ReadMessage() ([]byte, error) {
	_, data, err := g.c.ReadMessage()
	return data, err
}
func (g gorillaConn) WriteJSON(v any) error { return g.c.WriteJSON(v) }
func (g gorillaConn) Close() error          { return g.c.Close() }

// GorillaDialer dials the hub with gorilla/websocket.
func GorillaDialer(ctx context.Context, url string) (Conn, error) {
	c, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return gorillaConn{c: c}, nil
}

// Config tunes the connection manager.
type Config struct {
	URL        string
	Token      string
	EventTypes []string // default: state_changed

	BaseDelay  time.Duration // default 1s
	MaxDelay   time.Duration // default 300s
	Multiplier float64       // default 2
	Jitter     float64       // default 0.1
	MaxRetries int           // -1 = infinite (recommended)
	AckTimeout time.Duration // subscription ack wait, default 10s

	EventBuffer int // default 256
}

func (c *Config) withDefaults() {
	if len(c.EventTypes) == 0 {
		c.EventTypes = []string{"state_changed"}
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 5 * time.Minute
	}
	if c.Multiplier <= 0 {
		c.Multiplier = 2
	}
	if c.Jitter < 0 {
		c.Jitter = 0.1
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = 10 * time.Second
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 256
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = -1
	}
}

// minRetryDelay floors every computed backoff delay.
const minRetryDelay = 100 * time.Millisecond

var errAckTimeout = errors.New("subscription ack timeout")

// Manager owns the single long-lived hub channel. It authenticates,
// subscribes, decodes frames into Events, and survives transient
// failures indefinitely. Decode failures of individual frames never
// terminate the channel; only channel-level errors trigger backoff.
type Manager struct {
	cfg      Config
	dial     Dialer
	log      *zap.Logger
	registry *Registry

	events chan model.Event
	states chan StateChange

	state atomic.Int32

	mu          sync.Mutex
	conn        Conn
	started     bool
	cancel      context.CancelFunc
	done        chan struct{}
	attempts    uint64
	successes   uint64
	failures    uint64
	decodeErrs  uint64
	retries     int
	lastErr     error
	lastEventAt time.Time
	nextID      int64
}

// NewManager builds a Manager. A nil dialer uses gorilla/websocket.
func NewManager(cfg Config, dial Dialer, registry *Registry, logger *zap.Logger) *Manager {
	cfg.withDefaults()
	if dial == nil {
		dial = GorillaDialer
	}
	if registry == nil {
		registry = NewRegistry()
	}
	return &Manager{
		cfg:      cfg,
		dial:     dial,
		log:      logger,
		registry: registry,
		events:   make(chan model.Event, cfg.EventBuffer),
		states:   make(chan StateChange, 64),
		done:     make(chan struct{}),
	}
}

// Registry exposes the registry cache consumed by the transform step.
func (m *Manager) Registry() *Registry { return m.registry }

// Events is the decoded event stream consumed by the pipeline.
func (m *Manager) Events() <-chan model.Event { return m.events }

// StateChanges is the transition stream consumed by health/metrics.
func (m *Manager) StateChanges() <-chan StateChange { return m.states }

// Start is idempotent. It begins connection attempts and returns once
// the first attempt has been issued; later state is observable via
// Status and StateChanges.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.mu.Unlock()

	firstAttempt := make(chan struct{})
	go m.run(runCtx, firstAttempt)

	select {
	case <-firstAttempt:
	case <-runCtx.Done():
	}
	return nil
}

// Stop cancels the background task, closes the channel, and waits for
// the run loop to release everything.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	cancel := m.cancel
	conn := m.conn
	m.mu.Unlock()

	cancel()
	if conn != nil {
		_ = conn.Close() // unblocks a pending ReadMessage
	}
	<-m.done
}

// Status returns a snapshot of the connection state and counters.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Status{
		State:        State(m.state.Load()),
		Attempts:     m.attempts,
		Successes:    m.successes,
		Failures:     m.failures,
		DecodeErrors: m.decodeErrs,
		Retries:      m.retries,
		LastEventAt:  m.lastEventAt,
	}
	if m.lastErr != nil {
		st.LastError = m.lastErr.Error()
	}
	return st
}

func (m *Manager) setState(to State, err error) {
	from := State(m.state.Swap(int32(to)))
	if from == to {
		return
	}
	change := StateChange{From: from, To: to, At: time.Now(), Err: err}
	select {
	case m.states <- change:
	default: // state stream is best-effort; never block the channel task
	}
}

func (m *Manager) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.cfg.BaseDelay
	bo.Multiplier = m.cfg.Multiplier
	bo.MaxInterval = m.cfg.MaxDelay
	bo.RandomizationFactor = m.cfg.Jitter
	bo.MaxElapsedTime = 0 // retry forever; MaxRetries is enforced separately
	bo.Reset()
	return bo
}

func (m *Manager) run(ctx context.Context, firstAttempt chan<- struct{}) {
	defer close(m.done)
	defer close(m.events)
	defer m.setState(StateDisconnected, nil)

	bo := m.newBackOff()
	first := firstAttempt

	for {
		if ctx.Err() != nil {
			return
		}

		m.setState(StateConnecting, nil)
		m.mu.Lock()
		m.attempts++
		preAuth := m.successes
		m.mu.Unlock()
		if first != nil {
			close(first)
			first = nil
		}

		err := m.session(ctx)
		if ctx.Err() != nil {
			return
		}

		m.mu.Lock()
		authed := m.successes > preAuth
		m.failures++
		m.retries++
		m.lastErr = err
		retries := m.retries
		m.mu.Unlock()

		if authed {
			// Auth succeeded this session, so the next delay starts the
			// schedule over from the base delay.
			bo.Reset()
		}

		if m.cfg.MaxRetries >= 0 && retries > m.cfg.MaxRetries {
			m.log.Error("hub connection giving up",
				zap.Int("retries", retries),
				zap.Error(err),
			)
			return
		}

		delay := bo.NextBackOff()
		if delay < minRetryDelay {
			delay = minRetryDelay
		}
		m.setState(StateBackoff, err)
		m.log.Warn("hub connection lost, backing off",
			zap.Duration("delay", delay),
			zap.Int("retry", retries),
			zap.Error(err),
		)

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// session drives one full connect → auth → subscribe → consume cycle
// and returns the error that ended it.
func (m *Manager) session(ctx context.Context) error {
	conn, err := m.dial(ctx, m.cfg.URL)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()
	defer func() {
		_ = conn.Close()
		m.mu.Lock()
		m.conn = nil
		m.mu.Unlock()
	}()

	if err := m.authenticate(conn); err != nil {
		return err
	}

	// Auth success resets the retry budget: the next failure starts a
	// fresh backoff sequence.
	m.mu.Lock()
	m.successes++
	m.retries = 0
	m.mu.Unlock()
	m.setState(StateAuthenticated, nil)

	if err := m.subscribe(conn); err != nil {
		return err
	}
	m.setState(StateSubscribed, nil)
	m.log.Info("hub subscribed", zap.Strings("event_types", m.cfg.EventTypes))

	return m.consume(ctx, conn)
}

// authenticate runs the token handshake. The hub greets with
// auth_required; we reply with the token and expect auth_ok.
// A partially authenticated channel never emits events.
func (m *Manager) authenticate(conn Conn) error {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read during auth: %w", err)
		}
		f, err := parseFrame(data)
		if err != nil {
			return fmt.Errorf("decode during auth: %w", err)
		}

		switch f.Type {
		case frameAuthRequired:
			if err := conn.WriteJSON(frame{Type: frameAuth, AccessToken: m.cfg.Token}); err != nil {
				return fmt.Errorf("send auth: %w", err)
			}
		case frameAuthOK:
			return nil
		case frameAuthInvalid:
			return fmt.Errorf("auth rejected: %s", f.Message)
		default:
			return fmt.Errorf("unexpected frame %q during auth", f.Type)
		}
	}
}

// subscribe requests each configured event type and waits — bounded —
// for every acknowledgement before any event may flow.
func (m *Manager) subscribe(conn Conn) error {
	pending := make(map[int64]string, len(m.cfg.EventTypes))
	for _, et := range m.cfg.EventTypes {
		m.nextID++
		id := m.nextID
		if err := conn.WriteJSON(frame{ID: id, Type: frameSubscribe, EventType: et}); err != nil {
			return fmt.Errorf("send subscribe %q: %w", et, err)
		}
		pending[id] = et
	}

	deadline := time.Now().Add(m.cfg.AckTimeout)
	for len(pending) > 0 {
		if time.Now().After(deadline) {
			return errAckTimeout
		}
		data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read subscribe ack: %w", err)
		}
		f, err := parseFrame(data)
		if err != nil {
			// Non-result noise while waiting for the ack is tolerated.
			continue
		}
		if f.Type != frameResult {
			continue
		}
		et, ok := pending[f.ID]
		if !ok {
			continue
		}
		if f.Success == nil || !*f.Success {
			msg := "unknown error"
			if f.Error != nil {
				msg = f.Error.Message
			}
			return fmt.Errorf("subscribe %q rejected: %s", et, msg)
		}
		delete(pending, f.ID)
	}
	return nil
}

// consume reads frames until the channel fails. Per-frame decode
// failures are logged and counted but never end the session.
func (m *Manager) consume(ctx context.Context, conn Conn) error {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read: %w", err)
		}

		f, err := parseFrame(data)
		if err != nil {
			m.countDecodeError("frame", err)
			continue
		}

		switch f.Type {
		case frameEvent:
			if f.Event == nil {
				m.countDecodeError("event", errors.New("event frame without payload"))
				continue
			}
			if f.Event.isRegistryUpdate() {
				m.registry.Apply(f.Event.Data)
				continue
			}
			ev, err := decodeEvent(f.Event)
			if err != nil {
				m.countDecodeError("event", err)
				continue
			}
			m.mu.Lock()
			m.lastEventAt = time.Now()
			m.mu.Unlock()
			select {
			case m.events <- ev:
			case <-ctx.Done():
				return ctx.Err()
			}
		case frameResult:
			// Late subscription results; nothing to do.
		default:
			m.log.Debug("dropping unknown frame", zap.String("type", f.Type))
		}
	}
}

func (m *Manager) countDecodeError(what string, err error) {
	m.mu.Lock()
	m.decodeErrs++
	n := m.decodeErrs
	m.mu.Unlock()
	// Rate-limit the log line: one per 100 decode errors after the first.
	if n == 1 || n%100 == 0 {
		m.log.Warn("frame decode failed",
			zap.String("kind", what),
			zap.Uint64("total", n),
			zap.Error(err),
		)
	}
}

func parseFrame(data []byte) (*frame, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return &f, nil
}
