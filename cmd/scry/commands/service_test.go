package commands

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitCodes(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"web", []string{"web"}},
		{"web,archive,social", []string{"web", "archive", "social"}},
		{" web , archive ", []string{"web", "archive"}},
		{"web,,archive,", []string{"web", "archive"}},
		{" , ", nil},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, splitCodes(tt.in), "splitCodes(%q)", tt.in)
	}
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "exactlyten", truncate("exactlyten", 10))
	assert.Equal(t, "exactly...", truncate("exactlytenplus", 10))
	assert.Len(t, truncate("a much longer snippet than the column allows", 20), 20)
}
