package aqi

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestComputeBreakpointAnchors(t *testing.T) {
	cases := []struct {
		pm25 float64
		want int
	}{
		{pm25: 0, want: 0},
		{pm25: 12, want: 50},
		{pm25: 35.4, want: 100},
		{pm25: 55.4, want: 150},
		{pm25: 150.4, want: 200},
		{pm25: 250.4, want: 300},
		{pm25: 350.4, want: 400},
	}

	for _, testCase := range cases {
		require.Equalf(t, testCase.want, Compute(testCase.pm25), "pm25=%v", testCase.pm25)
	}
}

func TestComputeClampsExtremes(t *testing.T) {
	require.Equal(t, 500, Compute(1000))
	require.Equal(t, 500, Compute(math.Inf(1)))
	require.Equal(t, 0, Compute(-25))
	require.Equal(t, 0, Compute(math.NaN()))
}

func TestComputeBoundaryBelongsToLowerBand(t *testing.T) {
	require.Equal(t, CategoryGood, CategoryOf(Compute(12)))
	require.Equal(t, CategoryGood, CategoryOf(Compute(12.1)))
	require.Equal(t, 51, Compute(12.3))
	require.Equal(t, CategoryModerate, CategoryOf(Compute(12.3)))
}

func TestComputeIsMonotoneAndBounded(t *testing.T) {
	previous := Compute(0)
	for step := 1; step <= 60000; step++ {
		pm25 := float64(step) / 100
		score := Compute(pm25)
		require.GreaterOrEqualf(t, score, previous, "pm25=%v", pm25)
		require.GreaterOrEqual(t, score, Min)
		require.LessOrEqual(t, score, Max)
		previous = score
	}
}

func TestCategoryOf(t *testing.T) {
	require.Equal(t, CategoryGood, CategoryOf(0))
	require.Equal(t, CategoryModerate, CategoryOf(100))
	require.Equal(t, CategorySensitive, CategoryOf(101))
	require.Equal(t, CategoryUnhealthy, CategoryOf(200))
	require.Equal(t, CategoryVeryUnhealthy, CategoryOf(300))
	require.Equal(t, CategoryHazardous, CategoryOf(301))
}
