package alert

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/wtthornton/ha-ingestor-sub004/internal/model"
	"github.com/wtthornton/ha-ingestor-sub004/internal/notify"
)

type fakeNotifier struct {
	mu       sync.Mutex
	messages []notify.Message
	sinkIDs  [][]string
}

func (f *fakeNotifier) Dispatch(_ context.Context, sinkIDs []string, msg notify.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, msg)
	f.sinkIDs = append(f.sinkIDs, sinkIDs)
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages)
}

func doorEvent(state string) model.Event {
	return model.Event{
		Domain:   "binary_sensor",
		EntityID: "binary_sensor.front_door",
		Type:     "state_changed",
		Time:     time.Now(),
		Attributes: map[string]model.Value{
			"state":        model.String(state),
			"device_class": model.String("door"),
		},
	}
}

func doorRule(cooldown time.Duration) Rule {
	return Rule{
		Name:     "front-door-open",
		Severity: SeverityWarning,
		Enabled:  true,
		Predicates: []Predicate{
			{Path: "entity_id", Op: model.OpEq, Value: model.String("binary_sensor.front_door")},
			{Path: "state", Op: model.OpEq, Value: model.String("on")},
		},
		Cooldown: cooldown,
		Sinks:    []string{"webhook"},
	}
}

func newTestEngine(t *testing.T, cfg Config, n Notifier) *Engine {
	t.Helper()
	return NewEngine(cfg, n, nil, zaptest.NewLogger(t))
}

func TestEngine_PredicateMatchTriggers(t *testing.T) {
	e := newTestEngine(t, Config{}, nil)
	require.NoError(t, e.AddRule(doorRule(0)))

	require.NoError(t, e.HandleEvent(doorEvent("off")))
	assert.Empty(t, e.ActiveAlerts(), "predicates must all match")

	require.NoError(t, e.HandleEvent(doorEvent("on")))
	active := e.ActiveAlerts()
	require.Len(t, active, 1)
	assert.Equal(t, "front-door-open", active[0].RuleName)
	assert.Equal(t, StatusActive, active[0].Status)
	assert.Equal(t, SeverityWarning, active[0].Severity)
	assert.Equal(t, "binary_sensor.front_door", active[0].Context["entity_id"])
}

func TestEngine_ExistsOperators(t *testing.T) {
	e := newTestEngine(t, Config{}, nil)
	require.NoError(t, e.AddRule(Rule{
		Name:     "battery-missing",
		Severity: SeverityInfo,
		Enabled:  true,
		Predicates: []Predicate{
			{Path: "battery_level", Op: OpNotExists},
		},
	}))

	ev := doorEvent("on")
	require.NoError(t, e.HandleEvent(ev))
	assert.Len(t, e.ActiveAlerts(), 1)

	e2 := newTestEngine(t, Config{}, nil)
	require.NoError(t, e2.AddRule(Rule{
		Name:       "has-class",
		Severity:   SeverityInfo,
		Enabled:    true,
		Predicates: []Predicate{{Path: "device_class", Op: OpExists}},
	}))
	require.NoError(t, e2.HandleEvent(ev))
	assert.Len(t, e2.ActiveAlerts(), 1)
}

func TestEngine_CooldownSuppresses(t *testing.T) {
	e := newTestEngine(t, Config{}, nil)
	require.NoError(t, e.AddRule(doorRule(100*time.Millisecond)))

	require.NoError(t, e.HandleEvent(doorEvent("on")))
	require.NoError(t, e.HandleEvent(doorEvent("on")))
	assert.Len(t, e.ActiveAlerts(), 1)
	assert.Empty(t, e.History(), "suppressed trigger creates no instance")

	time.Sleep(120 * time.Millisecond)
	require.NoError(t, e.HandleEvent(doorEvent("on")))

	// A new instance took the active slot; the superseded one is history.
	active := e.ActiveAlerts()
	require.Len(t, active, 1)
	history := e.History()
	require.Len(t, history, 1)
	assert.True(t, history[0].TriggeredAt.Before(active[0].TriggeredAt))
	assert.NotEqual(t, history[0].ID, active[0].ID)
}

func TestEngine_AcknowledgeAndResolve(t *testing.T) {
	e := newTestEngine(t, Config{}, nil)
	require.NoError(t, e.AddRule(doorRule(0)))

	assert.False(t, e.Acknowledge("front-door-open"), "no active alert yet")
	assert.False(t, e.Resolve("front-door-open"))

	require.NoError(t, e.HandleEvent(doorEvent("on")))
	assert.True(t, e.Acknowledge("front-door-open"))
	active := e.ActiveAlerts()
	require.Len(t, active, 1)
	assert.Equal(t, StatusAcknowledged, active[0].Status)
	assert.NotNil(t, active[0].AcknowledgedAt)

	assert.True(t, e.Resolve("front-door-open"))
	assert.Empty(t, e.ActiveAlerts())
	history := e.History()
	require.Len(t, history, 1)
	assert.Equal(t, StatusResolved, history[0].Status)
	assert.NotNil(t, history[0].ResolvedAt)

	assert.False(t, e.Resolve("front-door-open"), "second resolve is a no-op")
}

func TestEngine_ExpirySweep(t *testing.T) {
	e := newTestEngine(t, Config{}, nil)
	rule := doorRule(0)
	rule.Expiry = 50 * time.Millisecond
	require.NoError(t, e.AddRule(rule))

	require.NoError(t, e.HandleEvent(doorEvent("on")))
	require.Len(t, e.ActiveAlerts(), 1)

	time.Sleep(60 * time.Millisecond)
	e.sweep(context.Background(), time.Now())

	assert.Empty(t, e.ActiveAlerts())
	history := e.History()
	require.Len(t, history, 1)
	assert.Equal(t, StatusExpired, history[0].Status)
}

func TestEngine_AggregationCollapsesBurst(t *testing.T) {
	n := &fakeNotifier{}
	e := newTestEngine(t, Config{AggregationWindow: 50 * time.Millisecond}, n)
	require.NoError(t, e.AddRule(doorRule(0)))

	for i := 0; i < 10; i++ {
		require.NoError(t, e.HandleEvent(doorEvent("on")))
	}

	// Window still open: nothing emitted yet.
	e.sweep(context.Background(), time.Now())
	assert.Zero(t, n.count())

	time.Sleep(60 * time.Millisecond)
	e.sweep(context.Background(), time.Now())
	require.Equal(t, 1, n.count(), "ten identical alerts collapse to one notification")

	n.mu.Lock()
	msg := n.messages[0]
	sinks := n.sinkIDs[0]
	n.mu.Unlock()
	assert.Equal(t, "front-door-open", msg.Title)
	assert.Equal(t, "warning", msg.Severity)
	assert.Equal(t, "10", msg.Metadata["group_size"])
	assert.Equal(t, []string{"webhook"}, sinks)

	// The group is now empty; further sweeps emit nothing.
	time.Sleep(60 * time.Millisecond)
	e.sweep(context.Background(), time.Now())
	assert.Equal(t, 1, n.count())
}

func TestEngine_AggregationRepresentativeIsEarliest(t *testing.T) {
	n := &fakeNotifier{}
	e := newTestEngine(t, Config{AggregationWindow: time.Millisecond}, n)
	require.NoError(t, e.AddRule(doorRule(0)))

	require.NoError(t, e.HandleEvent(doorEvent("on")))
	first := e.ActiveAlerts()[0].ID
	require.NoError(t, e.HandleEvent(doorEvent("on")))

	time.Sleep(5 * time.Millisecond)
	e.sweep(context.Background(), time.Now())

	require.Equal(t, 1, n.count())
	n.mu.Lock()
	defer n.mu.Unlock()
	assert.Equal(t, first, n.messages[0].Alert["id"], "same severity: earliest trigger represents the group")
}

func TestEngine_ThresholdRule(t *testing.T) {
	e := newTestEngine(t, Config{}, nil)
	require.NoError(t, e.AddRule(Rule{
		Name:     "temp-spike",
		Severity: SeverityError,
		Enabled:  true,
		Threshold: &Threshold{
			Type:          ThresholdOutlier,
			FieldPath:     "temperature",
			Value:         2.0,
			TimeWindow:    time.Hour,
			MinDataPoints: 3,
		},
	}))

	now := time.Now()
	for i, v := range []float64{20.0, 21.0, 19.0, 20.5, 20.0} {
		e.AddDataPoint("temperature", v, now.Add(time.Duration(i-10)*time.Minute), nil)
	}

	normal := model.Event{
		Domain: "sensor", EntityID: "sensor.temp", Type: "state_changed", Time: now,
		Attributes: map[string]model.Value{"temperature": model.Float(20.1)},
	}
	require.NoError(t, e.HandleEvent(normal))
	assert.Empty(t, e.ActiveAlerts())

	spike := model.Event{
		Domain: "sensor", EntityID: "sensor.temp", Type: "state_changed", Time: now,
		Attributes: map[string]model.Value{"temperature": model.Float(50.0)},
	}
	require.NoError(t, e.HandleEvent(spike))
	require.Len(t, e.ActiveAlerts(), 1)
}

func TestEngine_RuleManagement(t *testing.T) {
	e := newTestEngine(t, Config{}, nil)

	assert.Error(t, e.AddRule(Rule{Name: "", Severity: SeverityInfo}))
	assert.Error(t, e.AddRule(Rule{Name: "x", Severity: "loud"}))
	assert.Error(t, e.AddRule(Rule{Name: "x", Severity: SeverityInfo}), "needs predicates or threshold")

	require.NoError(t, e.AddRule(doorRule(0)))
	assert.Len(t, e.Rules(), 1)

	assert.True(t, e.SetRuleEnabled("front-door-open", false))
	require.NoError(t, e.HandleEvent(doorEvent("on")))
	assert.Empty(t, e.ActiveAlerts(), "disabled rules never trigger")

	assert.True(t, e.SetRuleEnabled("front-door-open", true))
	require.NoError(t, e.HandleEvent(doorEvent("on")))
	require.Len(t, e.ActiveAlerts(), 1)

	assert.True(t, e.RemoveRule("front-door-open"))
	assert.False(t, e.RemoveRule("front-door-open"))
	assert.Empty(t, e.ActiveAlerts(), "removing a rule resolves its active alert")
	assert.Len(t, e.History(), 1)
}

func TestEngine_HistoryCapFIFO(t *testing.T) {
	e := newTestEngine(t, Config{HistoryCap: 1000}, nil)
	require.NoError(t, e.AddRule(doorRule(0)))

	for i := 0; i < 1005; i++ {
		require.NoError(t, e.HandleEvent(doorEvent("on")))
		e.Resolve("front-door-open")
	}
	assert.Len(t, e.History(), 1000)
}
