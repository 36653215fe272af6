package strings

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitList(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		expected []string
	}{
		{name: "empty", raw: "", expected: nil},
		{name: "only whitespace", raw: "   ", expected: nil},
		{name: "single broker", raw: "kafka:9092", expected: []string{"kafka:9092"}},
		{name: "trims and drops blanks", raw: " 10.0.0.1 , ,10.0.0.2 ", expected: []string{"10.0.0.1", "10.0.0.2"}},
		{name: "dedupes preserving order", raw: "b,a,b,a", expected: []string{"b", "a"}},
		{name: "only separators", raw: ",,,", expected: []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, SplitList(tt.raw, ","))
		})
	}
}

func TestDedupeAndTrim(t *testing.T) {
	assert.Nil(t, DedupeAndTrim(nil))
	assert.Equal(t, []string{}, DedupeAndTrim([]string{}))
	assert.Equal(t, []string{"foo", "bar"}, DedupeAndTrim([]string{"  foo ", "bar", "foo", "", "  "}))
}
