package main

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"

	"bgg-roller/internal/service"
)

func TestDescribeError(t *testing.T) {
	err := describeError(service.ErrAllEndpointsUnhealthy)
	assert.ErrorIs(t, err, service.ErrAllEndpointsUnhealthy)
	assert.Contains(t, err.Error(), "bgg-roller probe")

	limited := &service.ExhaustedError{
		Passes:   3,
		Attempts: 9,
		Last:     &service.AttemptError{Relay: "codetabs", StatusCode: 429, Status: "Too Many Requests"},
	}
	err = describeError(limited)
	assert.ErrorIs(t, err, limited)
	assert.Contains(t, err.Error(), "rate limiting")

	other := errors.New("boom")
	assert.Equal(t, other, describeError(other))
}

func TestRootCommands(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "roll", "relays", "probe"} {
		assert.True(t, names[want], want)
	}
	assert.NotNil(t, rootCmd.PersistentFlags().Lookup("debug"))
}
