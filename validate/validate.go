// Copyright (C) 2026 The Buxtehude Authors. All Rights Reserved.

// Package validate checks decoded JSON values against a series of
// path and predicate pairs.
package validate

import (
	"github.com/Jeffail/gabs/v2"
)

// A Predicate reports whether a decoded JSON value is acceptable.
type Predicate func(any) bool

// A Check names a JSON pointer path that must exist in the value under
// test, with an optional predicate applied to the value at that path.
// A nil predicate checks only for existence.
type Check struct {
	Path string
	Pred Predicate
}

// JSON reports whether v satisfies every check in the series. The empty
// path addresses the root of v.
func JSON(v any, checks []Check) bool {
	c := gabs.Wrap(v)
	for _, chk := range checks {
		at := c
		if chk.Path != "" {
			p, err := c.JSONPointer(chk.Path)
			if err != nil {
				return false
			}
			at = p
		}
		if chk.Pred != nil && !chk.Pred(at.Data()) {
			return false
		}
	}
	return true
}

// NotEmpty accepts non-empty strings. Values of any other type are
// rejected.
func NotEmpty(v any) bool {
	s, ok := v.(string)
	return ok && s != ""
}

// IsBool accepts boolean values.
func IsBool(v any) bool { _, ok := v.(bool); return ok }

// IsNumber accepts any numeric value regardless of decoder width.
func IsNumber(v any) bool { _, ok := asFloat(v); return ok }

// Matches returns a predicate accepting any value equal to one of the
// given values. Numbers compare by value across integer and float
// representations.
func Matches(want ...any) Predicate {
	return func(v any) bool {
		for _, w := range want {
			if equal(v, w) {
				return true
			}
		}
		return false
	}
}

// GreaterEq returns a predicate accepting numbers no less than n.
func GreaterEq(n float64) Predicate {
	return func(v any) bool {
		f, ok := asFloat(v)
		return ok && f >= n
	}
}

func equal(v, w any) bool {
	if vf, ok := asFloat(v); ok {
		if wf, ok := asFloat(w); ok {
			return vf == wf
		}
		return false
	}
	return v == w
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int8:
		return float64(t), true
	case int16:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint:
		return float64(t), true
	case uint8:
		return float64(t), true
	case uint16:
		return float64(t), true
	case uint32:
		return float64(t), true
	case uint64:
		return float64(t), true
	}
	return 0, false
}
