package server

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

const maxDrift = 5.0

// perturber applies simulated drift to snapshot copies. The AQI is moved by
// twice the drawn delta from its stored value rather than recomputed from the
// drifted PM2.5; both derivations are kept as they are.
type perturber struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func newPerturber(seed int64) *perturber {
	return &perturber{rng: rand.New(rand.NewSource(seed))}
}

func (perturb *perturber) delta() float64 {
	perturb.mu.Lock()
	defer perturb.mu.Unlock()
	return perturb.rng.Float64()*2*maxDrift - maxDrift
}

func (perturb *perturber) apply(sensors []Sensor, now time.Time) []Sensor {
	output := make([]Sensor, len(sensors))
	for index, sensor := range sensors {
		output[index] = perturbSensor(sensor, perturb.delta(), now)
	}
	return output
}

func perturbSensor(sensor Sensor, delta float64, now time.Time) Sensor {
	drifted := sensor.clone()
	drifted.PM25 = math.Max(0, sensor.PM25+delta)
	drifted.PM10 = math.Max(0, sensor.PM10+1.2*delta)
	drifted.AQI = int(math.Max(0, math.Round(float64(sensor.AQI)+2*delta)))
	drifted.LastReading = now
	return drifted
}
