package enrich

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/wtthornton/ha-ingestor-sub004/internal/health"
	"github.com/wtthornton/ha-ingestor-sub004/internal/model"
)

const sampleWeather = `{
	"coord": {"lat": 52.52, "lon": 13.405},
	"weather": [{"main": "Clouds", "description": "scattered clouds"}],
	"main": {"temp": 18.4, "feels_like": 17.9, "humidity": 62, "pressure": 1014},
	"visibility": 10000,
	"wind": {"speed": 3.6, "deg": 220},
	"clouds": {"all": 40},
	"sys": {"country": "DE"},
	"name": "Berlin"
}`

func testEvent() model.Event {
	return model.Event{
		Domain:   "sensor",
		EntityID: "sensor.outdoor_temp",
		Type:     "state_changed",
		Time:     time.Now(),
		Attributes: map[string]model.Value{
			"state": model.String("18.2"),
		},
	}
}

func TestWeatherEnricher_AttachesAttributes(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "Berlin", r.URL.Query().Get("q"))
		assert.Equal(t, "test-key", r.URL.Query().Get("appid"))
		assert.Equal(t, "metric", r.URL.Query().Get("units"))
		w.Write([]byte(sampleWeather))
	}))
	defer srv.Close()

	e := NewWeatherEnricher(WeatherConfig{
		BaseURL:  srv.URL,
		APIKey:   "test-key",
		Location: "Berlin",
	}, nil, nil, zaptest.NewLogger(t))

	out, err := e.Enrich(context.Background(), testEvent())
	require.NoError(t, err)

	v, ok := out.Attr("weather_temp")
	require.True(t, ok)
	f, _ := v.AsFloat()
	assert.Equal(t, 18.4, f)

	cond, _ := out.Attr("weather_condition")
	assert.Equal(t, "Clouds", cond.Str())
	country, _ := out.Attr("weather_country")
	assert.Equal(t, "DE", country.Str())
	_, hasStale := out.Attr("weather_stale")
	assert.False(t, hasStale)

	// Original attributes survive, and the inbound event is untouched.
	state, _ := out.Attr("state")
	assert.Equal(t, "18.2", state.Str())

	// Second event inside the TTL is served from cache.
	_, err = e.Enrich(context.Background(), testEvent())
	require.NoError(t, err)
	assert.Equal(t, int64(1), calls.Load())
}

func TestWeatherEnricher_CacheMetrics(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(sampleWeather))
	}))
	defer srv.Close()

	m := health.NewMetrics()
	e := NewWeatherEnricher(WeatherConfig{
		BaseURL:  srv.URL,
		APIKey:   "k",
		Location: "Berlin",
	}, nil, m, zaptest.NewLogger(t))

	// First lookup goes to the provider, the next two hit the cache.
	for i := 0; i < 3; i++ {
		_, err := e.Enrich(context.Background(), testEvent())
		require.NoError(t, err)
	}

	assert.Equal(t, 1.0, testutil.ToFloat64(m.EnricherCacheMisses))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.EnricherCacheHits))
}

func TestWeatherEnricher_StaleFallback(t *testing.T) {
	var fail atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(sampleWeather))
	}))
	defer srv.Close()

	e := NewWeatherEnricher(WeatherConfig{
		BaseURL:           srv.URL,
		APIKey:            "k",
		Location:          "Berlin",
		TTL:               time.Nanosecond, // every lookup refetches
		RequestsPerSecond: 1000,
	}, nil, nil, zaptest.NewLogger(t))

	_, err := e.Enrich(context.Background(), testEvent())
	require.NoError(t, err)

	fail.Store(true)
	out, err := e.Enrich(context.Background(), testEvent())
	require.NoError(t, err)

	v, ok := out.Attr("weather_stale")
	require.True(t, ok)
	assert.True(t, v.Bool())
	temp, _ := out.Attr("weather_temp")
	f, _ := temp.AsFloat()
	assert.Equal(t, 18.4, f, "stale observation keeps the last known values")
}

func TestWeatherEnricher_UnavailableMarker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	e := NewWeatherEnricher(WeatherConfig{
		BaseURL:  srv.URL,
		APIKey:   "k",
		Location: "Berlin",
	}, nil, nil, zaptest.NewLogger(t))

	out, err := e.Enrich(context.Background(), testEvent())
	require.NoError(t, err, "enrichment failure never aborts the event")

	v, ok := out.Attr("weather_unavailable")
	require.True(t, ok)
	assert.True(t, v.Bool())
	_, hasTemp := out.Attr("weather_temp")
	assert.False(t, hasTemp)
}

func TestWeatherEnricher_NoLocationIsNoOp(t *testing.T) {
	e := NewWeatherEnricher(WeatherConfig{BaseURL: "http://unreachable.invalid", APIKey: "k"},
		nil, nil, zaptest.NewLogger(t))

	ev := testEvent()
	out, err := e.Enrich(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, len(ev.Attributes), len(out.Attributes))
}

func TestWeatherEnricher_EventLocationOverride(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Hamburg", r.URL.Query().Get("q"))
		w.Write([]byte(sampleWeather))
	}))
	defer srv.Close()

	e := NewWeatherEnricher(WeatherConfig{
		BaseURL:  srv.URL,
		APIKey:   "k",
		Location: "Berlin",
	}, nil, nil, zaptest.NewLogger(t))

	ev := testEvent().WithAttributes(map[string]model.Value{
		"weather_location": model.String("Hamburg"),
	})
	_, err := e.Enrich(context.Background(), ev)
	require.NoError(t, err)
}

func TestWeatherEnricher_RateLimitShedsFetch(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(sampleWeather))
	}))
	defer srv.Close()

	e := NewWeatherEnricher(WeatherConfig{
		BaseURL:           srv.URL,
		APIKey:            "k",
		Location:          "Berlin",
		TTL:               time.Nanosecond,
		RequestsPerSecond: 0.001, // one token, then a very long wait
	}, nil, nil, zaptest.NewLogger(t))

	_, err := e.Enrich(context.Background(), testEvent())
	require.NoError(t, err)

	// The limiter blocks the second fetch; the expired cache entry is
	// reused and marked stale instead.
	out, err := e.Enrich(context.Background(), testEvent())
	require.NoError(t, err)
	v, ok := out.Attr("weather_stale")
	require.True(t, ok)
	assert.True(t, v.Bool())
	assert.Equal(t, int64(1), calls.Load())
}
