package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func testMessage() Message {
	return Message{
		Title:    "front-door-open",
		Body:     "front-door-open: rule matched for binary_sensor.front_door",
		Severity: "warning",
		Alert:    map[string]any{"id": "a-1", "rule_name": "front-door-open"},
		Metadata: map[string]string{"group_size": "3"},
	}
}

type stubSink struct {
	id    string
	err   error
	calls int
}

func (s *stubSink) ID() string { return s.id }
func (s *stubSink) Send(context.Context, Message) error {
	s.calls++
	return s.err
}

func TestDispatcher_SinkFailureDoesNotStopOthers(t *testing.T) {
	d := NewDispatcher(nil, zaptest.NewLogger(t))
	broken := &stubSink{id: "broken", err: errors.New("boom")}
	ok1 := &stubSink{id: "ok1"}
	ok2 := &stubSink{id: "ok2"}
	d.Register(broken)
	d.Register(ok1)
	d.Register(ok2)

	d.Dispatch(context.Background(), []string{"broken", "ok1", "ok2"}, testMessage())

	assert.Equal(t, 1, broken.calls)
	assert.Equal(t, 1, ok1.calls)
	assert.Equal(t, 1, ok2.calls)

	stats := d.Stats()
	assert.Equal(t, SinkStats{Sent: 0, Failed: 1}, stats["broken"])
	assert.Equal(t, SinkStats{Sent: 1, Failed: 0}, stats["ok1"])
}

func TestDispatcher_UnknownSinkSkipped(t *testing.T) {
	d := NewDispatcher(nil, zaptest.NewLogger(t))
	ok := &stubSink{id: "ok"}
	d.Register(ok)

	d.Dispatch(context.Background(), []string{"ghost", "ok"}, testMessage())
	assert.Equal(t, 1, ok.calls)
}

func TestDispatcher_EmptyListMeansAllSinks(t *testing.T) {
	d := NewDispatcher(nil, zaptest.NewLogger(t))
	a := &stubSink{id: "a"}
	b := &stubSink{id: "b"}
	d.Register(a)
	d.Register(b)

	d.Dispatch(context.Background(), nil, testMessage())
	assert.Equal(t, 1, a.calls)
	assert.Equal(t, 1, b.calls)
}

func TestWebhookSink_SignsPayload(t *testing.T) {
	const secret = "wh-secret"

	var gotBody []byte
	var gotSig string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var err error
		gotBody, err = io.ReadAll(r.Body)
		require.NoError(t, err)
		gotSig = r.Header.Get("X-Ingestor-Signature")
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink := NewWebhookSink("webhook", srv.URL, secret, zaptest.NewLogger(t))
	msg := testMessage()
	msg.SinkID = "webhook"
	require.NoError(t, sink.Send(context.Background(), msg))

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(gotBody)
	assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), gotSig, "signature verifies against the body")

	var decoded Message
	require.NoError(t, json.Unmarshal(gotBody, &decoded))
	assert.Equal(t, "front-door-open", decoded.Title)
	assert.Equal(t, "warning", decoded.Severity)
}

func TestWebhookSink_Non2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	sink := NewWebhookSink("webhook", srv.URL, "s", zaptest.NewLogger(t))
	assert.Error(t, sink.Send(context.Background(), testMessage()))
}

func TestEmailSink_SendsBearerRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/emails", r.URL.Path)
		assert.Equal(t, "Bearer api-key", r.Header.Get("Authorization"))

		var req emailRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "alerts@example.com", req.From)
		assert.Equal(t, []string{"ops@example.com"}, req.To)
		assert.Equal(t, "[warning] front-door-open", req.Subject)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink := NewEmailSink("email", srv.URL, "api-key", "alerts@example.com",
		[]string{"ops@example.com"}, zaptest.NewLogger(t))
	require.NoError(t, sink.Send(context.Background(), testMessage()))
}
