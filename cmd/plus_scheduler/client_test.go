package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOptions(t *testing.T) {
	options, err := parseOptions([]string{"--retention-policy=1W:1D,4W:1W", "dry-run=", " throttle-upload=10MB"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"retention-policy": "1W:1D,4W:1W",
		"dry-run":          "",
		"throttle-upload":  "10MB",
	}, options)

	options, err = parseOptions(nil)
	require.NoError(t, err)
	assert.Nil(t, options)

	_, err = parseOptions([]string{"verbose"})
	assert.Error(t, err)

	_, err = parseOptions([]string{"=value"})
	assert.Error(t, err)
}

func TestCommandsRegistered(t *testing.T) {
	for _, name := range []string{"serve", "run", "pause", "resume", "stop", "status", "wait", "reschedule", "suspend", "wake"} {
		cmd, _, err := rootCmd.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, cmd.Name())
	}
}
