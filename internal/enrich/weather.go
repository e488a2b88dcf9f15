// Package enrich attaches external context to events before they reach
// the transform stage. Enrichers are best effort: a failure leaves the
// event untouched apart from a marker attribute, it never blocks or
// aborts the pipeline.
package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/wtthornton/ha-ingestor-sub004/internal/health"
	"github.com/wtthornton/ha-ingestor-sub004/internal/model"
)

// redisWeatherKeyFmt is the shared-cache key template for weather
// observations, one entry per configured location. Entries expire with
// the same TTL as the in-process cache so restarts and replicas reuse
// recent fetches instead of hammering the provider.
const redisWeatherKeyFmt = "weather:obs:%s"

const (
	defaultWeatherTTL     = 5 * time.Minute
	defaultWeatherTimeout = 10 * time.Second
	defaultWeatherRPS     = 1.0
	maxCachedLocations    = 1000
)

// WeatherConfig configures the weather enricher.
type WeatherConfig struct {
	BaseURL  string // e.g. https://api.openweathermap.org/data/2.5/weather
	APIKey   string
	Location string // default location when the event names none

	TTL               time.Duration // cache freshness window, default 5m
	RequestsPerSecond float64       // outbound limit, default 1
	Timeout           time.Duration // per-request HTTP timeout, default 10s
}

func (c *WeatherConfig) withDefaults() {
	if c.TTL <= 0 {
		c.TTL = defaultWeatherTTL
	}
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = defaultWeatherRPS
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultWeatherTimeout
	}
}

// observation is the subset of the provider response we keep. Field
// names follow the OpenWeather current-weather document.
type observation struct {
	Main struct {
		Temp      float64 `json:"temp"`
		FeelsLike float64 `json:"feels_like"`
		Humidity  float64 `json:"humidity"`
		Pressure  float64 `json:"pressure"`
	} `json:"main"`
	Weather []struct {
		Main        string `json:"main"`
		Description string `json:"description"`
	} `json:"weather"`
	Wind struct {
		Speed float64 `json:"speed"`
		Deg   float64 `json:"deg"`
	} `json:"wind"`
	Clouds struct {
		All float64 `json:"all"`
	} `json:"clouds"`
	Visibility float64 `json:"visibility"`
	Name       string  `json:"name"`
	Sys        struct {
		Country string `json:"country"`
	} `json:"sys"`
	Coord struct {
		Lat float64 `json:"lat"`
		Lon float64 `json:"lon"`
	} `json:"coord"`

	// FetchedAt is ours, not the provider's; it drives staleness.
	FetchedAt time.Time `json:"fetched_at"`
}

type cachedObs struct {
	obs observation
}

// WeatherEnricher resolves current weather for a location and merges it
// into the event's attributes under weather_* keys. Lookups go local
// cache, then the shared Redis cache when configured, then the
// provider. Provider calls are rate limited; when the provider is
// unreachable the last known observation is reused and marked stale.
type WeatherEnricher struct {
	cfg     WeatherConfig
	client  *http.Client
	limiter *rate.Limiter
	redis   *redis.Client // optional shared cache
	metrics *health.Metrics
	logger  *zap.Logger

	mu    sync.Mutex
	cache map[string]cachedObs
}

// NewWeatherEnricher builds the enricher. rdb and metrics may be nil;
// the shared cache layer and cache-hit instrumentation are then
// skipped.
func NewWeatherEnricher(cfg WeatherConfig, rdb *redis.Client, metrics *health.Metrics, logger *zap.Logger) *WeatherEnricher {
	cfg.withDefaults()
	return &WeatherEnricher{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		redis:   rdb,
		metrics: metrics,
		logger:  logger,
		cache:   make(map[string]cachedObs),
	}
}

func (w *WeatherEnricher) countCache(hit bool) {
	if w.metrics == nil {
		return
	}
	if hit {
		w.metrics.EnricherCacheHits.Inc()
	} else {
		w.metrics.EnricherCacheMisses.Inc()
	}
}

// Enrich implements pipeline.Enricher. The returned event always
// carries either weather_* attributes (possibly with weather_stale) or
// weather_unavailable=true; the inbound attributes are never mutated.
func (w *WeatherEnricher) Enrich(ctx context.Context, ev model.Event) (model.Event, error) {
	loc := w.cfg.Location
	if v, ok := ev.Attr("weather_location"); ok && v.Kind() == model.KindString && v.Str() != "" {
		loc = v.Str()
	}
	if loc == "" {
		return ev, nil
	}

	obs, stale, err := w.observe(ctx, loc)
	if err != nil {
		return ev.WithAttributes(map[string]model.Value{
			"weather_unavailable": model.Bool(true),
		}), nil
	}

	attrs := map[string]model.Value{
		"weather_temp":       model.Float(obs.Main.Temp),
		"weather_feels_like": model.Float(obs.Main.FeelsLike),
		"weather_humidity":   model.Float(obs.Main.Humidity),
		"weather_pressure":   model.Float(obs.Main.Pressure),
		"weather_wind_speed": model.Float(obs.Wind.Speed),
		"weather_wind_deg":   model.Float(obs.Wind.Deg),
		"weather_clouds":     model.Float(obs.Clouds.All),
		"weather_visibility": model.Float(obs.Visibility),
		"weather_location":   model.String(obs.Name),
	}
	if len(obs.Weather) > 0 {
		attrs["weather_condition"] = model.String(obs.Weather[0].Main)
		attrs["weather_description"] = model.String(obs.Weather[0].Description)
	}
	if obs.Sys.Country != "" {
		attrs["weather_country"] = model.String(obs.Sys.Country)
	}
	if stale {
		attrs["weather_stale"] = model.Bool(true)
	}
	return ev.WithAttributes(attrs), nil
}

// observe returns a fresh-enough observation for loc, falling back to a
// stale one when the provider cannot be reached. stale is true only on
// the fallback path.
func (w *WeatherEnricher) observe(ctx context.Context, loc string) (observation, bool, error) {
	if obs, ok := w.localGet(loc); ok && time.Since(obs.FetchedAt) < w.cfg.TTL {
		w.countCache(true)
		return obs, false, nil
	}

	if obs, ok := w.redisGet(ctx, loc); ok && time.Since(obs.FetchedAt) < w.cfg.TTL {
		w.localPut(loc, obs)
		w.countCache(true)
		return obs, false, nil
	}

	w.countCache(false)
	obs, err := w.fetch(ctx, loc)
	if err == nil {
		w.localPut(loc, obs)
		w.redisPut(ctx, loc, obs)
		return obs, false, nil
	}
	w.logger.Warn("weather fetch failed", zap.String("location", loc), zap.Error(err))

	// Expired entries are still better than nothing.
	if cached, ok := w.localGet(loc); ok {
		return cached, true, nil
	}
	return observation{}, false, err
}

func (w *WeatherEnricher) fetch(ctx context.Context, loc string) (observation, error) {
	if !w.limiter.Allow() {
		return observation{}, fmt.Errorf("weather: rate limit reached for %q", loc)
	}

	q := url.Values{}
	q.Set("q", loc)
	q.Set("appid", w.cfg.APIKey)
	q.Set("units", "metric")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.cfg.BaseURL+"?"+q.Encode(), nil)
	if err != nil {
		return observation{}, err
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return observation{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return observation{}, fmt.Errorf("weather: provider returned %d for %q", resp.StatusCode, loc)
	}

	var obs observation
	if err := json.NewDecoder(resp.Body).Decode(&obs); err != nil {
		return observation{}, fmt.Errorf("weather: decode response: %w", err)
	}
	obs.FetchedAt = time.Now()
	return obs, nil
}

func (w *WeatherEnricher) localGet(loc string) (observation, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	c, ok := w.cache[loc]
	return c.obs, ok
}

func (w *WeatherEnricher) localPut(loc string, obs observation) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.cache) >= maxCachedLocations {
		for k := range w.cache {
			delete(w.cache, k)
			if len(w.cache) < maxCachedLocations {
				break
			}
		}
	}
	w.cache[loc] = cachedObs{obs: obs}
}

func (w *WeatherEnricher) redisGet(ctx context.Context, loc string) (observation, bool) {
	if w.redis == nil {
		return observation{}, false
	}
	val, err := w.redis.Get(ctx, fmt.Sprintf(redisWeatherKeyFmt, loc)).Result()
	if err == redis.Nil {
		return observation{}, false
	}
	if err != nil {
		w.logger.Warn("weather shared-cache GET failed", zap.Error(err))
		return observation{}, false
	}
	var obs observation
	if err := json.Unmarshal([]byte(val), &obs); err != nil {
		return observation{}, false
	}
	return obs, true
}

func (w *WeatherEnricher) redisPut(ctx context.Context, loc string, obs observation) {
	if w.redis == nil {
		return
	}
	data, err := json.Marshal(obs)
	if err != nil {
		return
	}
	if err := w.redis.Set(ctx, fmt.Sprintf(redisWeatherKeyFmt, loc), data, w.cfg.TTL).Err(); err != nil {
		w.logger.Warn("weather shared-cache SET failed", zap.Error(err))
	}
}
