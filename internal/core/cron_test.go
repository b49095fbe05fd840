package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCron(t *testing.T) {
	for _, expr := range []string{"0 3 * * *", "*/15 * * * 1-5", "@daily", "@every 6h"} {
		_, err := ParseCron(expr)
		assert.NoError(t, err, expr)
	}
	for _, expr := range []string{"", "   ", "61 * * * *", "0 0 3 * * *"} {
		_, err := ParseCron(expr)
		assert.Error(t, err, expr)
	}
}

func TestNextOccurrences(t *testing.T) {
	schedule, err := ParseCron("30 2 * * *")
	require.NoError(t, err)
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	got := NextOccurrences(schedule, base, 3)
	require.Len(t, got, 3)
	assert.Equal(t, time.Date(2024, 3, 2, 2, 30, 0, 0, time.UTC), got[0])
	assert.Equal(t, time.Date(2024, 3, 4, 2, 30, 0, 0, time.UTC), got[2])
}
