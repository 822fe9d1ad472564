package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTimeFlag(t *testing.T) {
	now := time.Date(2024, 4, 26, 12, 0, 0, 0, time.UTC)

	got, err := parseTimeFlag("2024-05-01T09:30:00+02:00", now)
	require.NoError(t, err)
	assert.Equal(t, "2024-05-01T07:30:00Z", got)

	got, err = parseTimeFlag("2024-05-01", now)
	require.NoError(t, err)
	assert.Equal(t, "2024-05-01T00:00:00Z", got)

	got, err = parseTimeFlag("none", now)
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = parseTimeFlag("tomorrow", now)
	require.NoError(t, err)
	parsed, err := time.Parse(time.RFC3339, got)
	require.NoError(t, err)
	assert.Equal(t, 27, parsed.Day())

	_, err = parseTimeFlag("zzz qqq", now)
	assert.Error(t, err)
}
