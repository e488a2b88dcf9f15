package model

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// Op is a comparison operator applied to an attribute value. The same
// operator set backs the pipeline's attribute filter and the alert
// engine's rule predicates.
type Op string

const (
	OpEq       Op = "eq"
	OpNe       Op = "ne"
	OpLt       Op = "lt"
	OpLe       Op = "le"
	OpGt       Op = "gt"
	OpGe       Op = "ge"
	OpIn       Op = "in"
	OpContains Op = "contains"
	OpRegex    Op = "regex"
)

var regexCache = struct {
	sync.Mutex
	m map[string]*regexp.Regexp
}{m: make(map[string]*regexp.Regexp)}

func cachedRegexp(pattern string) (*regexp.Regexp, error) {
	regexCache.Lock()
	defer regexCache.Unlock()
	if re, ok := regexCache.m[pattern]; ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	// Compiled patterns are few (they come from configuration); no
	// eviction needed.
	regexCache.m[pattern] = re
	return re, nil
}

// EvalOp applies op to (v, target). Ordering operators coerce both
// sides to float64 and fail (false, error) when either side is not
// numeric. Equality falls back to structural comparison.
func EvalOp(op Op, v, target Value) (bool, error) {
	switch op {
	case OpEq:
		return v.Equal(target), nil
	case OpNe:
		return !v.Equal(target), nil
	case OpLt, OpLe, OpGt, OpGe:
		a, aok := v.AsFloat()
		b, bok := target.AsFloat()
		if !aok || !bok {
			return false, fmt.Errorf("operator %q needs numeric operands", op)
		}
		switch op {
		case OpLt:
			return a < b, nil
		case OpLe:
			return a <= b, nil
		case OpGt:
			return a > b, nil
		default:
			return a >= b, nil
		}
	case OpIn:
		for _, candidate := range target.ListVal() {
			if v.Equal(candidate) {
				return true, nil
			}
		}
		return false, nil
	case OpContains:
		if target.Kind() == KindString && v.Kind() == KindString {
			return strings.Contains(v.Str(), target.Str()), nil
		}
		for _, elem := range v.ListVal() {
			if elem.Equal(target) {
				return true, nil
			}
		}
		return false, nil
	case OpRegex:
		re, err := cachedRegexp(target.Str())
		if err != nil {
			return false, fmt.Errorf("operator regex: %w", err)
		}
		return re.MatchString(v.AsString()), nil
	}
	return false, fmt.Errorf("unknown operator %q", op)
}
