package cronspec

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseInvalidSchedule(t *testing.T) {
	_, err := Parse("not a cron expression")
	require.Error(t, err)
}

func TestNextAfterDailySix(t *testing.T) {
	spec, err := Parse("0 6 * * *")
	require.NoError(t, err)
	base := time.Date(2017, 6, 3, 6, 0, 0, 0, time.UTC)
	next := spec.NextAfter(base)
	assert.Equal(t, time.Date(2017, 6, 4, 6, 0, 0, 0, time.UTC), next)
}

func TestPrevBeforeDailySix(t *testing.T) {
	spec, err := Parse("0 6 * * *")
	require.NoError(t, err)
	now := time.Date(2017, 6, 5, 12, 0, 0, 0, time.UTC)
	prev := spec.PrevBefore(now)
	assert.Equal(t, time.Date(2017, 6, 5, 6, 0, 0, 0, time.UTC), prev)
}

func TestPrevBeforeCollapsesMissedTicks(t *testing.T) {
	// A scheduler offline for several days should still only see the single
	// most recent missed tick via PrevBefore.
	spec, err := Parse("0 6 * * *")
	require.NoError(t, err)
	now := time.Date(2017, 6, 10, 9, 0, 0, 0, time.UTC)
	prev := spec.PrevBefore(now)
	assert.Equal(t, time.Date(2017, 6, 10, 6, 0, 0, 0, time.UTC), prev)
}
