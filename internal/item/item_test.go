package item

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegex(t *testing.T) {
	d, err := NewRegex("os.load", `(?P<load1m>\d+\.\d\d)`)
	require.NoError(t, err)
	assert.Equal(t, "regex", d.Kind())
	assert.NotNil(t, d.Pattern)
}

func TestNewRegex_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
	}{
		{"does not compile", `(?P<x>\d+`},
		{"no named groups", `(\d+) (\d+)`},
		{"reserved group name", `(?P<raw>\d+) (?P<n>\d+)`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRegex("k", tt.pattern)
			require.Error(t, err)
			var de *DigestError
			require.True(t, errors.As(err, &de))
			assert.Equal(t, "k", de.Item)
		})
	}
}

func TestKinds(t *testing.T) {
	inputs := []struct {
		in   Input
		want string
	}{
		{File{}, "file"},
		{Shell{}, "shell"},
		{Command{}, "command"},
	}
	for _, tt := range inputs {
		assert.Equal(t, tt.want, tt.in.Kind())
	}
	assert.Equal(t, "none", Raw{}.Kind())
	assert.Equal(t, "monitoring-plugin", MonitoringPlugin{}.Kind())
}
