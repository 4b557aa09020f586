// Copyright (C) 2026 The Buxtehude Authors. All Rights Reserved.

package validate_test

import (
	"encoding/json"
	"testing"

	"github.com/buxtehude/buxtehude/validate"
)

func mustDecode(t *testing.T, text string) any {
	t.Helper()
	var v any
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		t.Fatalf("Decode %q: %v", text, err)
	}
	return v
}

func TestJSON(t *testing.T) {
	handshake := []validate.Check{
		{Path: "/teamname", Pred: validate.NotEmpty},
		{Path: "/format", Pred: validate.Matches(int64(0), int64(1))},
		{Path: "/version", Pred: validate.GreaterEq(0)},
	}
	tests := []struct {
		name   string
		input  string
		checks []validate.Check
		want   bool
	}{
		{"ValidHandshake",
			`{"teamname": "spiders", "format": 0, "version": 0}`, handshake, true},
		{"EmptyTeam",
			`{"teamname": "", "format": 0, "version": 0}`, handshake, false},
		{"MissingField",
			`{"teamname": "spiders", "version": 0}`, handshake, false},
		{"BadFormat",
			`{"teamname": "spiders", "format": 3, "version": 0}`, handshake, false},
		{"OldVersion",
			`{"teamname": "spiders", "format": 1, "version": -1}`, handshake, false},
		{"FloatVersion",
			`{"teamname": "spiders", "format": 1, "version": 2.5}`, handshake, true},

		{"ExistsOnly", `{"spare": null}`,
			[]validate.Check{{Path: "/spare"}}, true},
		{"ExistsOnlyMissing", `{}`,
			[]validate.Check{{Path: "/spare"}}, false},

		{"RootString", `"oops"`,
			[]validate.Check{{Path: "", Pred: validate.NotEmpty}}, true},
		{"RootEmptyString", `""`,
			[]validate.Check{{Path: "", Pred: validate.NotEmpty}}, false},
		{"RootNull", `null`,
			[]validate.Check{{Path: "", Pred: validate.NotEmpty}}, false},
		{"RootNumberNotString", `0`,
			[]validate.Check{{Path: "", Pred: validate.NotEmpty}}, false},
		{"RootObjectNotString", `{"full": true}`,
			[]validate.Check{{Path: "", Pred: validate.NotEmpty}}, false},
		{"RootBoolNotString", `true`,
			[]validate.Check{{Path: "", Pred: validate.NotEmpty}}, false},

		{"Nested", `{"a": {"b": [1, 2, 3]}}`,
			[]validate.Check{{Path: "/a/b/2", Pred: validate.GreaterEq(3)}}, true},

		{"BoolCheck", `{"available": false}`,
			[]validate.Check{{Path: "/available", Pred: validate.IsBool}}, true},
		{"BoolCheckWrongType", `{"available": "no"}`,
			[]validate.Check{{Path: "/available", Pred: validate.IsBool}}, false},

		{"NumberCheck", `{"n": 12}`,
			[]validate.Check{{Path: "/n", Pred: validate.IsNumber}}, true},
		{"NumberCheckWrongType", `{"n": "12"}`,
			[]validate.Check{{Path: "/n", Pred: validate.IsNumber}}, false},

		{"NoChecks", `{"anything": true}`, nil, true},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got := validate.JSON(mustDecode(t, test.input), test.checks)
			if got != test.want {
				t.Errorf("JSON(%s) = %v, want %v", test.input, got, test.want)
			}
		})
	}
}

func TestMatchesAcrossWidths(t *testing.T) {
	// Decoders differ on the concrete type they give small integers, so
	// Matches must compare numbers by value.
	m := validate.Matches(int64(1))
	for _, v := range []any{int64(1), float64(1), uint64(1), int(1)} {
		if !m(v) {
			t.Errorf("Matches(int64(1))(%T %v) = false, want true", v, v)
		}
	}
	if m("1") {
		t.Error(`Matches(int64(1))("1") = true, want false`)
	}
	if !validate.Matches("a", "b")("b") {
		t.Error(`Matches("a", "b")("b") = false, want true`)
	}
}
