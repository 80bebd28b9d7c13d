package render

import (
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPageMatcher(t *testing.T) {
	names := []string{"001.png", "002.PNG", "003.jpg", "notes.txt", "cover.jpeg", "scan-4.tiff"}

	for _, testCase := range []struct {
		name     string
		patterns string
		expected []string
	}{
		{
			name:     "single extension",
			patterns: "*.png",
			expected: []string{"001.png", "002.PNG"},
		},
		{
			name:     "several extensions",
			patterns: "*.png, *.jpg,*.jpeg",
			expected: []string{"001.png", "002.PNG", "003.jpg", "cover.jpeg"},
		},
		{
			name:     "match with ?",
			patterns: "00?.*",
			expected: []string{"001.png", "002.PNG", "003.jpg"},
		},
		{
			name:     "prefix",
			patterns: "scan-*",
			expected: []string{"scan-4.tiff"},
		},
		{
			name:     "everything",
			patterns: "*",
			expected: names,
		},
	} {
		t.Run(testCase.name, func(t *testing.T) {
			matcher, err := NewPageMatcher(testCase.patterns)
			require.NoError(t, err)
			assert.Equal(t, testCase.expected, slices.Collect(matcher.Filter(slices.Values(names))))
		})
	}
}

func TestPageMatcher_Invalid(t *testing.T) {
	_, err := NewPageMatcher(" , ")
	assert.Error(t, err, "Expected an error when no pattern is given")
}
