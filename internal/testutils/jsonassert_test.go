package testutils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJSONAsserter_Diff(t *testing.T) {
	tests := []struct {
		name     string
		actual   string
		expected string
		opts     []JSONOption
		wantDiff bool
	}{
		{"identical", `{"a":1}`, `{"a":1}`, nil, false},
		{"extra keys ignored", `{"a":1,"b":2}`, `{"a":1}`, nil, false},
		{"extra keys reported", `{"a":1,"b":2}`, `{"a":1}`, []JSONOption{WithIgnoreExtraKeys(false)}, true},
		{"presence placeholder", `{"a":"whatever"}`, `{"a":"<<PRESENCE>>"}`, nil, false},
		{"ignored field", `{"a":1,"ts":5}`, `{"a":1,"ts":9}`, []JSONOption{WithIgnoredFields("ts")}, false},
		{"root arrays", `[{"a":1},{"a":2}]`, `[{"a":1},{"a":3}]`, nil, true},
		{"value mismatch", `{"a":{"b":[1,2]}}`, `{"a":{"b":[1,3]}}`, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ja := NewJSONAsserter(t).WithOptions(tt.opts...)
			diff := ja.diff(tt.actual, tt.expected)
			assert.Equal(t, tt.wantDiff, diff != "", "diff: %s", diff)
		})
	}
}

func TestTextAsserter_Diff(t *testing.T) {
	ta := NewTextAsserter(t)
	assert.Empty(t, ta.diff("a  \nb\n", "a\nb"))
	assert.NotEmpty(t, ta.diff("a\nc", "a\nb"))

	ta = NewTextAsserter(t).WithOptions(WithIgnoreEmptyLines(true))
	assert.Empty(t, ta.diff("a\n\nb", "a\nb"))
}
