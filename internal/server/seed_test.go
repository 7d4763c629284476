package server

import (
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSeedInputsMatchSiteRanges(t *testing.T) {
	inputs := SeedInputs(rand.New(rand.NewSource(1)))
	require.Len(t, inputs, 10)

	for index, input := range inputs {
		site := seedSites[index]
		require.Equal(t, site.sensorID, input.SensorID)
		require.Equal(t, "Maharashtra", input.Location.State)
		require.Equal(t, "India", input.Location.Country)
		require.GreaterOrEqual(t, input.PM25, site.pm25.base)
		require.Less(t, input.PM25, site.pm25.base+site.pm25.width)
		require.GreaterOrEqual(t, input.CO, site.co.base)
		require.LessOrEqual(t, input.CO, site.co.base+site.co.width)
		require.Equal(t, StatusActive, input.Status)

		if index == 0 {
			require.NotNil(t, input.Altitude)
			require.NotNil(t, input.Speed)
			require.GreaterOrEqual(t, input.PM1, 50.0)
			require.InDelta(t, 1013, input.Pressure, 5)
		} else {
			require.Nil(t, input.Altitude)
			require.Zero(t, input.PM1)
		}
	}
}

func TestSeedPopulatesEmptyStoreOnce(t *testing.T) {
	store := newTestMemoryStore(t)
	archive := NewMemoryArchive(10)
	archive.now = fixedClock(broadcastNow)
	ingestor := NewIngestor(store, archive, NewMetrics(), nil)

	written, err := Seed(context.Background(), store, ingestor, rand.New(rand.NewSource(3)))
	require.NoError(t, err)
	require.Equal(t, 10, written)

	sensors, err := store.ActiveSensors(context.Background())
	require.NoError(t, err)
	require.Len(t, sensors, 10)
	for _, sensor := range sensors {
		require.Greater(t, sensor.AQI, 150)
	}

	written, err = Seed(context.Background(), store, ingestor, rand.New(rand.NewSource(4)))
	require.NoError(t, err)
	require.Zero(t, written)

	count, err := store.Count(context.Background())
	require.NoError(t, err)
	require.Equal(t, 10, count)
}
