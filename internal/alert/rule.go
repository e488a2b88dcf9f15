// Package alert evaluates rules against the event stream, maintains
// alert lifecycle with cooldowns and expiry, collapses noisy alerts
// through aggregation, and fans the survivors out to notification
// sinks.
package alert

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wtthornton/ha-ingestor-sub004/internal/model"
)

// Severity orders alerts from informational to critical.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

func (s Severity) rank() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityError:
		return 2
	case SeverityWarning:
		return 1
	default:
		return 0
	}
}

// Valid reports whether s is one of the known severities.
func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return true
	}
	return false
}

// Existence operators supplement the shared comparison set for
// predicates; they have no meaning in attribute filters.
const (
	OpExists    model.Op = "exists"
	OpNotExists model.Op = "not_exists"
)

// Predicate matches one dotted field path against a value. Paths
// resolve against the event attributes; the reserved paths entity_id,
// domain and type address the event envelope itself.
type Predicate struct {
	Path  string      `json:"path"`
	Op    model.Op    `json:"op"`
	Value model.Value `json:"value,omitempty"`
}

// ThresholdType selects the numeric evaluation applied to a series.
type ThresholdType string

const (
	ThresholdAbove         ThresholdType = "above"
	ThresholdBelow         ThresholdType = "below"
	ThresholdEquals        ThresholdType = "equals"
	ThresholdNotEquals     ThresholdType = "not_equals"
	ThresholdPercentChange ThresholdType = "percent_change"
	ThresholdTrendUp       ThresholdType = "trend_up"
	ThresholdTrendDown     ThresholdType = "trend_down"
	ThresholdVolatility    ThresholdType = "volatility"
	ThresholdOutlier       ThresholdType = "outlier"
)

// Baseline aggregates for percent_change.
const (
	BaselineLatest = "latest"
	BaselineAvg    = "avg"
	BaselineMin    = "min"
	BaselineMax    = "max"
	BaselineSum    = "sum"
)

const defaultMinDataPoints = 3

// Threshold is an optional numeric condition on a rule. FieldPath
// names the series the pipeline feeds via AddDataPoint.
type Threshold struct {
	Type          ThresholdType `json:"type"`
	FieldPath     string        `json:"field_path"`
	Value         float64       `json:"value"`
	Baseline      string        `json:"baseline,omitempty"`    // percent_change only
	Sensitivity   float64       `json:"sensitivity,omitempty"` // trend_up / trend_down
	TimeWindow    time.Duration `json:"time_window"`
	MinDataPoints int           `json:"min_data_points"`
}

// Rule is an immutable alert definition keyed by name. All predicates
// must match (AND); a declared threshold must additionally hold.
type Rule struct {
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Severity    Severity          `json:"severity"`
	Enabled     bool              `json:"enabled"`
	Predicates  []Predicate       `json:"predicates,omitempty"`
	Threshold   *Threshold        `json:"threshold,omitempty"`
	Cooldown    time.Duration     `json:"cooldown"`
	Expiry      time.Duration     `json:"expiry,omitempty"` // 0: alerts never expire
	Sinks       []string          `json:"sinks,omitempty"`
	Tags        map[string]string `json:"tags,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Validate checks the rule definition.
func (r *Rule) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("rule: name is required")
	}
	if !r.Severity.Valid() {
		return fmt.Errorf("rule %q: unknown severity %q", r.Name, r.Severity)
	}
	if len(r.Predicates) == 0 && r.Threshold == nil {
		return fmt.Errorf("rule %q: needs at least one predicate or a threshold", r.Name)
	}
	if r.Threshold != nil {
		if r.Threshold.FieldPath == "" {
			return fmt.Errorf("rule %q: threshold field_path is required", r.Name)
		}
		switch r.Threshold.Type {
		case ThresholdAbove, ThresholdBelow, ThresholdEquals, ThresholdNotEquals,
			ThresholdPercentChange, ThresholdTrendUp, ThresholdTrendDown,
			ThresholdVolatility, ThresholdOutlier:
		default:
			return fmt.Errorf("rule %q: unknown threshold type %q", r.Name, r.Threshold.Type)
		}
	}
	return nil
}

// Status is the alert instance lifecycle state.
type Status string

const (
	StatusActive       Status = "active"
	StatusAcknowledged Status = "acknowledged"
	StatusResolved     Status = "resolved"
	StatusExpired      Status = "expired"
)

// Alert is one triggered instance of a rule.
type Alert struct {
	ID             string            `json:"id"`
	RuleName       string            `json:"rule_name"`
	Severity       Severity          `json:"severity"`
	Status         Status            `json:"status"`
	Message        string            `json:"message"`
	TriggeredAt    time.Time         `json:"triggered_at"`
	AcknowledgedAt *time.Time        `json:"acknowledged_at,omitempty"`
	ResolvedAt     *time.Time        `json:"resolved_at,omitempty"`
	ExpiresAt      *time.Time        `json:"expires_at,omitempty"`
	Context        map[string]any    `json:"context,omitempty"`
	Tags           map[string]string `json:"tags,omitempty"`
}

func newAlert(r *Rule, message string, now time.Time, context map[string]any) *Alert {
	a := &Alert{
		ID:          uuid.NewString(),
		RuleName:    r.Name,
		Severity:    r.Severity,
		Status:      StatusActive,
		Message:     message,
		TriggeredAt: now,
		Context:     context,
		Tags:        r.Tags,
	}
	if r.Expiry > 0 {
		exp := now.Add(r.Expiry)
		a.ExpiresAt = &exp
	}
	return a
}

// Snapshot renders the alert as a plain map for notification payloads.
func (a *Alert) Snapshot() map[string]any {
	snap := map[string]any{
		"id":           a.ID,
		"rule_name":    a.RuleName,
		"severity":     string(a.Severity),
		"status":       string(a.Status),
		"message":      a.Message,
		"triggered_at": a.TriggeredAt,
	}
	if a.ExpiresAt != nil {
		snap["expires_at"] = *a.ExpiresAt
	}
	if len(a.Context) > 0 {
		snap["context"] = a.Context
	}
	if len(a.Tags) > 0 {
		snap["tags"] = a.Tags
	}
	return snap
}
