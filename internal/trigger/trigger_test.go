package trigger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inboxflow/internal/config"
)

func at(h, m int) time.Time {
	return time.Date(2024, 1, 1, h, m, 0, 0, time.UTC)
}

func TestEvaluateFiresOncePerDay(t *testing.T) {
	specs, err := FromConfig(config.Default().Triggers)
	require.NoError(t, err)
	last := LastFired{}

	due, last := Evaluate(specs, at(7, 59), last)
	assert.Empty(t, due)

	due, last = Evaluate(specs, at(8, 0), last)
	require.Len(t, due, 1)
	assert.Equal(t, DailyBriefing, due[0].Key)
	assert.Equal(t, "2024-01-01", last[DailyBriefing])

	for m := 1; m < 5; m++ {
		due, last = Evaluate(specs, at(8, m), last)
		assert.Empty(t, due)
	}
	due, _ = Evaluate(specs, at(8, 5), last)
	assert.Empty(t, due)

	due, _ = Evaluate(specs, at(8, 2).Add(24*time.Hour), last)
	require.Len(t, due, 1)
}

func TestEvaluateDoesNotMutateInput(t *testing.T) {
	specs := []Spec{{Key: EndOfDaySummary, Hour: 17, Window: time.Minute}}
	last := LastFired{"other": "2023-12-31"}
	due, next := Evaluate(specs, at(17, 0), last)
	require.Len(t, due, 1)
	assert.Equal(t, LastFired{"other": "2023-12-31"}, last)
	assert.Equal(t, "2024-01-01", next[EndOfDaySummary])
}

func TestRecoveredStateSuppressesRefire(t *testing.T) {
	specs := []Spec{{Key: DailyBriefing, Hour: 8, Window: 5 * time.Minute}}
	due, _ := Evaluate(specs, at(8, 1), LastFired{DailyBriefing: "2024-01-01"})
	assert.Empty(t, due)
}

func TestOverlappingWindowsFireInStartOrder(t *testing.T) {
	specs := []Spec{
		{Key: "late", Hour: 9, Minute: 30, Window: time.Hour},
		{Key: "early", Hour: 9, Minute: 0, Window: time.Hour},
	}
	due, _ := Evaluate(specs, at(9, 45), nil)
	require.Len(t, due, 2)
	assert.Equal(t, "early", due[0].Key)
}
