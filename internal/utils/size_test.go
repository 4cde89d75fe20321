package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSize(t *testing.T) {
	cases := []struct {
		in       string
		unit     string
		expected int64
	}{
		{"", "kb", 0},
		{"0", "kb", 0},
		{"-1", "kb", 0},
		{"100", "kb", 100 * 1000},
		{"100", "KiB", 100 * 1024},
		{"2 MiB", "kb", 2 * 1024 * 1024},
		{"1GB", "", 1000 * 1000 * 1000},
		{"512", "", 512},
	}

	for _, c := range cases {
		got, err := ParseSize(c.in, c.unit)
		require.NoError(t, err, c.in)
		assert.Equal(t, c.expected, got, c.in)
	}

	_, err := ParseSize("ten", "kb")
	assert.Error(t, err)
}

func TestFormatSize(t *testing.T) {
	assert.Equal(t, "1.0 KiB", FormatSize(1024))
	assert.Equal(t, "0 B", FormatSize(-5))
}

func TestParseBool(t *testing.T) {
	for _, v := range []string{"true", "TRUE", " 1 ", "on", "yes"} {
		assert.True(t, ParseBool(v), v)
	}
	for _, v := range []string{"", "false", "0", "off", "maybe"} {
		assert.False(t, ParseBool(v), v)
	}
}
