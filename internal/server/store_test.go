package server

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var storeNow = time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

func newTestMemoryStore(t *testing.T, inputs ...SensorInput) *MemoryStore {
	t.Helper()

	store := NewMemoryStore()
	store.now = fixedClock(storeNow)
	for _, input := range inputs {
		_, err := store.Upsert(context.Background(), input)
		require.NoError(t, err)
	}
	return store
}

func TestMemoryStoreUpsertDerivesAQIAndDefaults(t *testing.T) {
	store := newTestMemoryStore(t)

	sensor, err := store.Upsert(context.Background(), SensorInput{
		SensorID: "SN-001",
		Name:     "Kharghar Sector 12",
		Lat:      floatValue(19.0312),
		Lng:      floatValue(73.0656),
		PM25:     35.4,
		PM10:     -3,
	})
	require.NoError(t, err)

	require.Equal(t, 100, sensor.AQI)
	require.Equal(t, StatusActive, sensor.Status)
	require.Zero(t, sensor.PM10)
	require.Equal(t, sensor.UpdatedAt, sensor.LastReading)
}

func TestMemoryStoreUpsertKeepsUnsetOptionalFields(t *testing.T) {
	store := newTestMemoryStore(t, SensorInput{
		SensorID: "SN-001",
		Name:     "Kharghar Sector 12",
		Lat:      floatValue(19.0312),
		Lng:      floatValue(73.0656),
		Altitude: floatValue(14),
		Location: Location{City: "Navi Mumbai"},
		Status:   StatusMaintenance,
		PM25:     90,
	})

	updated, err := store.Upsert(context.Background(), SensorInput{SensorID: "SN-001", PM25: 10})
	require.NoError(t, err)

	require.Equal(t, "Kharghar Sector 12", updated.Name)
	require.Equal(t, 19.0312, updated.Lat)
	require.NotNil(t, updated.Altitude)
	require.Equal(t, 14.0, *updated.Altitude)
	require.Equal(t, "Navi Mumbai", updated.Location.City)
	require.Equal(t, StatusMaintenance, updated.Status)
	require.Equal(t, 42, updated.AQI)
}

func TestMemoryStoreFiltersActiveAndSortsByID(t *testing.T) {
	store := newTestMemoryStore(t,
		SensorInput{SensorID: "SN-003", PM25: 1},
		SensorInput{SensorID: "SN-001", PM25: 1},
		SensorInput{SensorID: "SN-002", PM25: 1, Status: StatusInactive},
	)

	active, err := store.ActiveSensors(context.Background())
	require.NoError(t, err)
	require.Len(t, active, 2)
	require.Equal(t, "SN-001", active[0].SensorID)
	require.Equal(t, "SN-003", active[1].SensorID)

	all, err := store.AllSensors(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 3)

	count, err := store.Count(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, count)
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	store := newTestMemoryStore(t, SensorInput{SensorID: "SN-001", Altitude: floatValue(10), PM25: 5})

	first, err := store.SensorByID(context.Background(), "SN-001")
	require.NoError(t, err)
	*first.Altitude = 999
	first.PM25 = 999

	second, err := store.SensorByID(context.Background(), "SN-001")
	require.NoError(t, err)
	require.Equal(t, 10.0, *second.Altitude)
	require.Equal(t, 5.0, second.PM25)
}

func TestMemoryStoreSensorByIDNotFound(t *testing.T) {
	store := newTestMemoryStore(t)

	_, err := store.SensorByID(context.Background(), "SN-404")
	require.ErrorIs(t, err, ErrSensorNotFound)
}
