package pipeline

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/wtthornton/ha-ingestor-sub004/internal/health"
	"github.com/wtthornton/ha-ingestor-sub004/internal/model"
)

// Filter is one link of the chain: a predicate plus an optional
// per-filter transform (identity by default for the built-in kinds).
type Filter interface {
	Name() string
	ShouldProcess(model.Event) (bool, error)
	Transform(model.Event) (model.Event, error)
}

// FilterResult records one filter's verdict for a single event.
type FilterResult struct {
	FilterName     string
	ShouldProcess  bool
	Transformed    *model.Event
	ProcessingTime time.Duration
	CacheHit       bool
}

// identityTransform is embedded by filters without a transform hook.
type identityTransform struct{}

func (identityTransform) Transform(ev model.Event) (model.Event, error) { return ev, nil }

// ── result cache ─────────────────────────────────────────────────────

const defaultResultCacheCap = 1024

// resultCache memoizes predicate verdicts keyed by event fingerprint.
// Capacity-bounded; eviction is opportunistic (arbitrary victims) and
// never blocks.
type resultCache struct {
	mu  sync.Mutex
	cap int
	m   map[string]bool

	hits   uint64
	misses uint64
}

func newResultCache(capacity int) *resultCache {
	if capacity <= 0 {
		capacity = defaultResultCacheCap
	}
	return &resultCache{cap: capacity, m: make(map[string]bool)}
}

func (c *resultCache) get(key string) (bool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.m[key]
	if ok {
		c.hits++
	} else {
		c.misses++
	}
	return v, ok
}

func (c *resultCache) put(key string, v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.m) >= c.cap {
		for k := range c.m {
			delete(c.m, k)
			if len(c.m) < c.cap {
				break
			}
		}
	}
	c.m[key] = v
}

func (c *resultCache) stats() (hits, misses uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

// ── pattern cache ────────────────────────────────────────────────────

const defaultPatternCacheCap = 1000

// patternCache maps literal entity ids to compiled-pattern match
// results, positive and negative, so the hot path skips regex
// evaluation for ids it has seen before.
type patternCache struct {
	mu  sync.Mutex
	cap int
	m   map[string]bool
}

func newPatternCache(capacity int) *patternCache {
	if capacity < defaultPatternCacheCap {
		capacity = defaultPatternCacheCap
	}
	return &patternCache{cap: capacity, m: make(map[string]bool)}
}

func (c *patternCache) get(id string) (bool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.m[id]
	return v, ok
}

func (c *patternCache) put(id string, v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.m) >= c.cap {
		for k := range c.m {
			delete(c.m, k)
			if len(c.m) < c.cap {
				break
			}
		}
	}
	c.m[id] = v
}

// ── built-in filter kinds ────────────────────────────────────────────

// DomainFilter passes events whose domain is in the allowed set.
type DomainFilter struct {
	identityTransform
	name    string
	domains map[string]struct{}
}

func NewDomainFilter(name string, domains ...string) *DomainFilter {
	set := make(map[string]struct{}, len(domains))
	for _, d := range domains {
		set[strings.ToLower(d)] = struct{}{}
	}
	return &DomainFilter{name: name, domains: set}
}

func (f *DomainFilter) Name() string { return f.name }

func (f *DomainFilter) ShouldProcess(ev model.Event) (bool, error) {
	_, ok := f.domains[strings.ToLower(ev.Domain)]
	return ok, nil
}

// EntityFilter passes events whose entity id matches any configured
// pattern. Globs are compiled to anchored case-insensitive regexps at
// construction; a shared pattern cache memoizes per-entity results.
type EntityFilter struct {
	identityTransform
	name     string
	patterns []*regexp.Regexp
	cache    *patternCache
}

// NewEntityFilter compiles the given patterns. A pattern wrapped in
// slashes ("/.../") is treated as a raw regular expression; anything
// else is a glob where '*' matches any run and '?' a single character.
// Invalid patterns are configuration errors and fail construction.
func NewEntityFilter(name string, patterns []string) (*EntityFilter, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		expr, err := patternToRegexp(p)
		if err != nil {
			return nil, fmt.Errorf("entity filter %q: pattern %q: %w", name, p, err)
		}
		compiled = append(compiled, expr)
	}
	return &EntityFilter{
		name:     name,
		patterns: compiled,
		cache:    newPatternCache(defaultPatternCacheCap),
	}, nil
}

func patternToRegexp(p string) (*regexp.Regexp, error) {
	if len(p) >= 2 && strings.HasPrefix(p, "/") && strings.HasSuffix(p, "/") {
		return regexp.Compile("(?i)" + p[1:len(p)-1])
	}
	var b strings.Builder
	b.WriteString("(?i)^")
	for _, r := range p {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}

func (f *EntityFilter) Name() string { return f.name }

func (f *EntityFilter) ShouldProcess(ev model.Event) (bool, error) {
	if v, ok := f.cache.get(ev.EntityID); ok {
		return v, nil
	}
	match := false
	for _, re := range f.patterns {
		if re.MatchString(ev.EntityID) {
			match = true
			break
		}
	}
	f.cache.put(ev.EntityID, match)
	return match, nil
}

// AttributeFilter applies an operator to one attribute path. A nil
// UserFn uses the standard operator set; a non-nil UserFn replaces it.
type AttributeFilter struct {
	identityTransform
	name   string
	path   string
	op     model.Op
	target model.Value
	userFn func(model.Value) bool
}

func NewAttributeFilter(name, path string, op model.Op, target model.Value) *AttributeFilter {
	return &AttributeFilter{name: name, path: path, op: op, target: target}
}

// NewAttributeFnFilter applies a user-supplied predicate to the value
// at path. A missing attribute fails the predicate.
func NewAttributeFnFilter(name, path string, fn func(model.Value) bool) *AttributeFilter {
	return &AttributeFilter{name: name, path: path, userFn: fn}
}

func (f *AttributeFilter) Name() string { return f.name }

func (f *AttributeFilter) ShouldProcess(ev model.Event) (bool, error) {
	v, ok := ev.Attr(f.path)
	if !ok {
		return false, nil
	}
	if f.userFn != nil {
		return f.userFn(v), nil
	}
	return model.EvalOp(f.op, v, f.target)
}

// TimeFilter passes events whose timestamp falls inside a time-of-day
// range on an allowed weekday. Overnight ranges (start after end) wrap
// midnight. An empty weekday set allows all days.
type TimeFilter struct {
	identityTransform
	name       string
	start, end int // minutes of day
	days       map[time.Weekday]struct{}
}

func NewTimeFilter(name string, start, end time.Duration, days ...time.Weekday) *TimeFilter {
	set := make(map[time.Weekday]struct{}, len(days))
	for _, d := range days {
		set[d] = struct{}{}
	}
	return &TimeFilter{
		name:  name,
		start: int(start.Minutes()),
		end:   int(end.Minutes()),
		days:  set,
	}
}

func (f *TimeFilter) Name() string { return f.name }

func (f *TimeFilter) ShouldProcess(ev model.Event) (bool, error) {
	t := ev.Time
	if len(f.days) > 0 {
		if _, ok := f.days[t.Weekday()]; !ok {
			return false, nil
		}
	}
	minute := t.Hour()*60 + t.Minute()
	if f.start <= f.end {
		return minute >= f.start && minute <= f.end, nil
	}
	// Overnight range, e.g. 22:00–06:00.
	return minute >= f.start || minute <= f.end, nil
}

// CustomFilter wraps user-supplied predicate and transform functions.
type CustomFilter struct {
	name      string
	predicate func(model.Event) (bool, error)
	transform func(model.Event) (model.Event, error)
}

func NewCustomFilter(name string, predicate func(model.Event) (bool, error), transform func(model.Event) (model.Event, error)) *CustomFilter {
	return &CustomFilter{name: name, predicate: predicate, transform: transform}
}

func (f *CustomFilter) Name() string { return f.name }

func (f *CustomFilter) ShouldProcess(ev model.Event) (bool, error) {
	if f.predicate == nil {
		return true, nil
	}
	return f.predicate(ev)
}

func (f *CustomFilter) Transform(ev model.Event) (model.Event, error) {
	if f.transform == nil {
		return ev, nil
	}
	return f.transform(ev)
}

// ── chain ────────────────────────────────────────────────────────────

type chainEntry struct {
	filter Filter
	cache  *resultCache
	errors uint64
}

// filterChain runs filters in registration order, short-circuiting on
// the first negative verdict. Registration is atomic relative to
// concurrent runs. A filter returning an error passes the event
// through (log + count at the pipeline level).
type filterChain struct {
	mu      sync.RWMutex
	entries []*chainEntry
	metrics *health.Metrics
}

func newFilterChain(metrics *health.Metrics) *filterChain {
	return &filterChain{metrics: metrics}
}

// register appends or replaces the named filter.
func (c *filterChain) register(f Filter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, e := range c.entries {
		if e.filter.Name() == f.Name() {
			c.entries[i] = &chainEntry{filter: f, cache: newResultCache(defaultResultCacheCap)}
			return
		}
	}
	c.entries = append(c.entries, &chainEntry{filter: f, cache: newResultCache(defaultResultCacheCap)})
}

func (c *filterChain) snapshot() []*chainEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*chainEntry, len(c.entries))
	copy(out, c.entries)
	return out
}

// run evaluates the chain. It returns the (possibly transformed)
// event, whether it passed, the per-filter results, and the count of
// filter errors encountered (the event passes through those).
func (c *filterChain) run(ev model.Event) (model.Event, bool, []FilterResult, int) {
	entries := c.snapshot()
	results := make([]FilterResult, 0, len(entries))
	errCount := 0
	current := ev

	for _, e := range entries {
		start := time.Now()
		key := current.Fingerprint() + "|" + e.filter.Name()

		pass, hit := e.cache.get(key)
		if c.metrics != nil {
			if hit {
				c.metrics.FilterCacheHits.WithLabelValues(e.filter.Name()).Inc()
			} else {
				c.metrics.FilterCacheMisses.WithLabelValues(e.filter.Name()).Inc()
			}
		}
		var err error
		if !hit {
			pass, err = e.filter.ShouldProcess(current)
			if err != nil {
				// Errors are pass-through, and not cached.
				errCount++
				pass = true
			} else {
				e.cache.put(key, pass)
			}
		}

		res := FilterResult{
			FilterName:     e.filter.Name(),
			ShouldProcess:  pass,
			ProcessingTime: time.Since(start),
			CacheHit:       hit,
		}

		if !pass {
			results = append(results, res)
			return current, false, results, errCount
		}

		transformed, terr := e.filter.Transform(current)
		if terr != nil {
			errCount++
		} else {
			current = transformed
			res.Transformed = &current
		}
		results = append(results, res)
	}
	return current, true, results, errCount
}

// cacheStats reports per-filter result-cache hit/miss counters.
func (c *filterChain) cacheStats() map[string][2]uint64 {
	out := make(map[string][2]uint64)
	for _, e := range c.snapshot() {
		h, m := e.cache.stats()
		out[e.filter.Name()] = [2]uint64{h, m}
	}
	return out
}
