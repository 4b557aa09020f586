// Copyright (C) 2026 The Buxtehude Authors. All Rights Reserved.

// Package handler provides adapters between typed content values and
// untyped message handlers.
package handler

import (
	"encoding/json"

	"github.com/buxtehude/buxtehude"
)

// Decode converts a message's content into a value of type T by way of
// its JSON encoding.
func Decode[T any](m *buxtehude.Message) (T, error) {
	var out T
	data, err := json.Marshal(m.Content)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, err
	}
	return out, nil
}

// For adapts f to a message handler that decodes content into T before
// calling f. Messages whose content does not decode are dropped.
func For[T any](f func(*buxtehude.Client, *buxtehude.Message, T)) buxtehude.Handler {
	return func(c *buxtehude.Client, m *buxtehude.Message) {
		v, err := Decode[T](m)
		if err != nil {
			return
		}
		f(c, m, v)
	}
}
