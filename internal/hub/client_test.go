package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakeConn plays a scripted sequence of inbound frames and records
// everything the manager writes.
type fakeConn struct {
	inbound chan []byte
	written chan frame
	closed  chan struct{}
	// autoAck answers every subscribe_events with a success result.
	autoAck bool
}

func newFakeConn(autoAck bool) *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 32),
		written: make(chan frame, 32),
		closed:  make(chan struct{}),
		autoAck: autoAck,
	}
}

func (f *fakeConn) push(v any) {
	data, _ := json.Marshal(v)
	f.inbound <- data
}

func (f *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-f.inbound:
		return data, nil
	case <-f.closed:
		return nil, errors.New("connection closed")
	}
}

func (f *fakeConn) WriteJSON(v any) error {
	fr, ok := v.(frame)
	if !ok {
		return fmt.Errorf("unexpected write type %T", v)
	}
	f.written <- fr
	if f.autoAck && fr.Type == frameSubscribe {
		ok := true
		f.push(frame{ID: fr.ID, Type: frameResult, Success: &ok})
	}
	return nil
}

func (f *fakeConn) Close() error {
	select {
	case <-f.closed:
	default:
		close(f.closed)
	}
	return nil
}

func testConfig() Config {
	return Config{
		URL:        "ws://hub.local/api/websocket",
		Token:      "secret-token",
		BaseDelay:  10 * time.Millisecond,
		MaxDelay:   50 * time.Millisecond,
		AckTimeout: time.Second,
	}
}

func waitForState(t *testing.T, m *Manager, want State) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ch := <-m.StateChanges():
			if ch.To == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %v (now %v)", want, m.Status().State)
		}
	}
}

func TestManager_HandshakeAndEventFlow(t *testing.T) {
	conn := newFakeConn(true)
	conn.push(frame{Type: frameAuthRequired})

	dial := func(ctx context.Context, url string) (Conn, error) {
		conn.push(frame{Type: frameAuthOK}) // queued behind auth_required; read after auth sent
		return conn, nil
	}

	m := NewManager(testConfig(), dial, nil, zaptest.NewLogger(t))
	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	// Auth frame carries the token.
	authFrame := <-conn.written
	assert.Equal(t, frameAuth, authFrame.Type)
	assert.Equal(t, "secret-token", authFrame.AccessToken)

	// Subscribe request names the default event type.
	subFrame := <-conn.written
	assert.Equal(t, frameSubscribe, subFrame.Type)
	assert.Equal(t, "state_changed", subFrame.EventType)

	waitForState(t, m, StateSubscribed)

	// A malformed frame must not kill the channel.
	conn.inbound <- []byte("{not json")

	conn.push(map[string]any{
		"id":   7,
		"type": "event",
		"event": map[string]any{
			"event_type": "state_changed",
			"time_fired": "2025-01-01T00:00:00Z",
			"data": map[string]any{
				"entity_id": "light.kitchen",
				"new_state": map[string]any{
					"state":      "on",
					"attributes": map[string]any{"brightness": 200},
				},
			},
		},
	})

	select {
	case ev := <-m.Events():
		assert.Equal(t, "light", ev.Domain)
		assert.Equal(t, "light.kitchen", ev.EntityID)
		assert.Equal(t, "state_changed", ev.Type)
		v, ok := ev.Attr("state")
		require.True(t, ok)
		assert.Equal(t, "on", v.Str())
		b, ok := ev.Attr("brightness")
		require.True(t, ok)
		assert.Equal(t, int64(200), b.Int64())
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered")
	}

	st := m.Status()
	assert.Equal(t, uint64(1), st.Successes)
	assert.Equal(t, uint64(1), st.DecodeErrors)
}

func TestManager_AuthRejectedRetries(t *testing.T) {
	dials := make(chan *fakeConn, 8)
	attempt := 0
	dial := func(ctx context.Context, url string) (Conn, error) {
		attempt++
		conn := newFakeConn(true)
		conn.push(frame{Type: frameAuthRequired})
		if attempt == 1 {
			conn.push(frame{Type: frameAuthInvalid, Message: "bad token"})
		} else {
			conn.push(frame{Type: frameAuthOK})
		}
		dials <- conn
		return conn, nil
	}

	m := NewManager(testConfig(), dial, nil, zaptest.NewLogger(t))
	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	waitForState(t, m, StateBackoff)
	waitForState(t, m, StateSubscribed)

	st := m.Status()
	assert.GreaterOrEqual(t, st.Attempts, uint64(2))
	assert.Equal(t, uint64(1), st.Failures)
	assert.Equal(t, uint64(1), st.Successes)
	// Retry counter resets on successful authentication.
	assert.Equal(t, 0, st.Retries)
}

func TestManager_BackoffResetsAfterAuthSuccess(t *testing.T) {
	cfg := testConfig()
	cfg.BaseDelay = 120 * time.Millisecond
	cfg.Multiplier = 4
	cfg.Jitter = 0.1
	cfg.MaxDelay = 2 * time.Second

	conns := make(chan *fakeConn, 8)
	dialTimes := make(chan time.Time, 8)
	attempt := 0
	dial := func(ctx context.Context, url string) (Conn, error) {
		attempt++
		dialTimes <- time.Now()
		// Two refused dials grow the delay past the base before the
		// first session ever completes.
		if attempt <= 2 {
			return nil, errors.New("connection refused")
		}
		conn := newFakeConn(true)
		conn.push(frame{Type: frameAuthRequired})
		conn.push(frame{Type: frameAuthOK})
		conns <- conn
		return conn, nil
	}

	m := NewManager(cfg, dial, nil, zaptest.NewLogger(t))
	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	waitForState(t, m, StateSubscribed)
	for i := 0; i < 3; i++ {
		<-dialTimes
	}

	// Drop the established channel and measure the reconnect gap. The
	// schedule restarted from the base delay on auth success, so the
	// gap must be nowhere near the grown pre-auth delay (~480ms+).
	conn := <-conns
	dropAt := time.Now()
	_ = conn.Close()

	select {
	case redialAt := <-dialTimes:
		gap := redialAt.Sub(dropAt)
		assert.Less(t, gap, 400*time.Millisecond,
			"reconnect delay did not restart from the base after a successful session")
	case <-time.After(3 * time.Second):
		t.Fatal("no reconnect attempt after channel drop")
	}
}

func TestManager_SubscribeRejectedBacksOff(t *testing.T) {
	dial := func(ctx context.Context, url string) (Conn, error) {
		conn := newFakeConn(false)
		conn.push(frame{Type: frameAuthRequired})
		conn.push(frame{Type: frameAuthOK})
		go func() {
			// Reject the subscription explicitly.
			sub := <-conn.written // auth frame
			if sub.Type == frameAuth {
				sub = <-conn.written
			}
			no := false
			conn.push(frame{ID: sub.ID, Type: frameResult, Success: &no,
				Error: &frameError{Message: "denied"}})
		}()
		return conn, nil
	}

	m := NewManager(testConfig(), dial, nil, zaptest.NewLogger(t))
	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	waitForState(t, m, StateAuthenticated)
	waitForState(t, m, StateBackoff)
	assert.Contains(t, m.Status().LastError, "denied")
}

func TestManager_MaxRetriesGivesUp(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 2

	dial := func(ctx context.Context, url string) (Conn, error) {
		return nil, errors.New("connection refused")
	}

	m := NewManager(cfg, dial, nil, zaptest.NewLogger(t))
	require.NoError(t, m.Start(context.Background()))

	deadline := time.After(3 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatal("manager did not give up")
		case <-time.After(20 * time.Millisecond):
		}
		st := m.Status()
		if st.State == StateDisconnected && st.Attempts >= 3 {
			m.Stop()
			return
		}
	}
}

func TestManager_StartIsIdempotent(t *testing.T) {
	conn := newFakeConn(true)
	conn.push(frame{Type: frameAuthRequired})
	conn.push(frame{Type: frameAuthOK})
	dial := func(ctx context.Context, url string) (Conn, error) { return conn, nil }

	m := NewManager(testConfig(), dial, nil, zaptest.NewLogger(t))
	require.NoError(t, m.Start(context.Background()))
	require.NoError(t, m.Start(context.Background()))
	m.Stop()
	// Second Stop must not panic or hang.
	m.Stop()
}

func TestRegistryUpdateMutatesCache(t *testing.T) {
	reg := NewRegistry()
	conn := newFakeConn(true)
	conn.push(frame{Type: frameAuthRequired})
	conn.push(frame{Type: frameAuthOK})
	dial := func(ctx context.Context, url string) (Conn, error) { return conn, nil }

	m := NewManager(testConfig(), dial, reg, zaptest.NewLogger(t))
	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()
	waitForState(t, m, StateSubscribed)

	conn.push(map[string]any{
		"type": "event",
		"event": map[string]any{
			"event_type": "entity_registry_updated",
			"data": map[string]any{
				"entity_id": "light.kitchen",
				"changes":   map[string]any{"area": "kitchen", "device": "hue_bulb_3"},
			},
		},
	})

	require.Eventually(t, func() bool {
		meta := reg.Lookup("light.kitchen")
		return meta["area"] == "kitchen" && meta["device"] == "hue_bulb_3"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDecodeBrokerEvent(t *testing.T) {
	payload := []byte(`{
		"event_type": "state_changed",
		"time_fired": "2025-01-01T00:00:00Z",
		"data": {
			"entity_id": "sensor.outdoor",
			"new_state": {"state": "12.5", "attributes": {"unit": "°C"}}
		}
	}`)

	ev, err := decodeBrokerEvent(payload)
	require.NoError(t, err)
	assert.Equal(t, "sensor", ev.Domain)
	assert.Equal(t, "sensor.outdoor", ev.EntityID)
	v, _ := ev.Attr("state")
	assert.Equal(t, "12.5", v.Str())

	_, err = decodeBrokerEvent([]byte(`{"event_type":"state_changed","data":{}}`))
	assert.Error(t, err, "missing entity_id is malformed")

	_, err = decodeBrokerEvent([]byte(`not json`))
	assert.Error(t, err)
}
