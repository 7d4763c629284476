package server

import (
	"context"
	"fmt"
	"math"
	"math/rand"
)

// spread is a randomized starting value: base plus a draw below width.
type spread struct {
	base  float64
	width float64
}

func (value spread) whole(rng *rand.Rand) float64 {
	return value.base + math.Floor(rng.Float64()*value.width)
}

func (value spread) fractional(rng *rand.Rand) float64 {
	return math.Round((value.base+rng.Float64()*value.width)*100) / 100
}

type seedSite struct {
	sensorID string
	name     string
	lat      float64
	lng      float64
	address  string
	city     string

	pm25, pm10, o3, no2, so2 spread
	co                       spread
	temperature, humidity    spread
}

// Navi Mumbai monitoring sites used to populate an empty store.
var seedSites = []seedSite{
	{
		sensorID: "SN-001", name: "Kharghar Sector 12", lat: 19.0312, lng: 73.0656,
		address: "Kharghar Sector 12, Navi Mumbai", city: "Kharghar",
		pm25: spread{85, 30}, pm10: spread{135, 40}, o3: spread{48, 15}, no2: spread{35, 20}, so2: spread{22, 15},
		co: spread{1.3, 0.5}, temperature: spread{32, 3}, humidity: spread{65, 15},
	},
	{
		sensorID: "SN-002", name: "MIDC Mahape", lat: 19.1178, lng: 73.0189,
		address: "MIDC Industrial Area, Mahape, Navi Mumbai", city: "Mahape",
		pm25: spread{105, 40}, pm10: spread{165, 50}, o3: spread{55, 20}, no2: spread{42, 25}, so2: spread{28, 18},
		co: spread{1.6, 0.6}, temperature: spread{33, 4}, humidity: spread{70, 20},
	},
	{
		sensorID: "SN-003", name: "MIDC Taloja", lat: 19.0956, lng: 73.0934,
		address: "MIDC Industrial Area, Taloja, Navi Mumbai", city: "Taloja",
		pm25: spread{110, 45}, pm10: spread{175, 55}, o3: spread{58, 22}, no2: spread{45, 28}, so2: spread{30, 20},
		co: spread{1.7, 0.7}, temperature: spread{34, 4}, humidity: spread{72, 22},
	},
	{
		sensorID: "SN-004", name: "Belapur CBD", lat: 19.0162, lng: 73.0423,
		address: "CBD Belapur, Navi Mumbai", city: "Belapur",
		pm25: spread{75, 28}, pm10: spread{120, 38}, o3: spread{43, 14}, no2: spread{30, 17}, so2: spread{19, 13},
		co: spread{1.1, 0.4}, temperature: spread{31, 3}, humidity: spread{60, 18},
	},
	{
		sensorID: "SN-005", name: "Seawoods Darave", lat: 19.0198, lng: 73.0556,
		address: "Seawoods Darave, Navi Mumbai", city: "Seawoods",
		pm25: spread{68, 22}, pm10: spread{108, 32}, o3: spread{40, 10}, no2: spread{28, 15}, so2: spread{18, 10},
		co: spread{1.0, 0.3}, temperature: spread{30, 3}, humidity: spread{58, 15},
	},
	{
		sensorID: "SN-006", name: "Nerul Sector 19", lat: 19.0423, lng: 73.0823,
		address: "Nerul Sector 19, Navi Mumbai", city: "Nerul",
		pm25: spread{88, 32}, pm10: spread{142, 42}, o3: spread{50, 16}, no2: spread{36, 20}, so2: spread{23, 16},
		co: spread{1.4, 0.5}, temperature: spread{32, 3}, humidity: spread{68, 22},
	},
	{
		sensorID: "SN-007", name: "Juinagar", lat: 19.0589, lng: 73.0523,
		address: "Juinagar Station Area, Navi Mumbai", city: "Juinagar",
		pm25: spread{82, 28}, pm10: spread{130, 38}, o3: spread{46, 14}, no2: spread{33, 18}, so2: spread{21, 14},
		co: spread{1.2, 0.4}, temperature: spread{31, 3}, humidity: spread{63, 18},
	},
	{
		sensorID: "SN-008", name: "Sanpada", lat: 19.0723, lng: 73.0223,
		address: "Sanpada Station Area, Navi Mumbai", city: "Sanpada",
		pm25: spread{79, 26}, pm10: spread{125, 35}, o3: spread{44, 13}, no2: spread{31, 17}, so2: spread{20, 12},
		co: spread{1.15, 0.35}, temperature: spread{31, 3}, humidity: spread{61, 17},
	},
	{
		sensorID: "SN-009", name: "Vashi Sector 17", lat: 19.0812, lng: 72.9989,
		address: "Vashi Sector 17, Navi Mumbai", city: "Vashi",
		pm25: spread{92, 35}, pm10: spread{148, 45}, o3: spread{52, 18}, no2: spread{38, 22}, so2: spread{25, 18},
		co: spread{1.5, 0.6}, temperature: spread{33, 3}, humidity: spread{70, 20},
	},
	{
		sensorID: "SN-010", name: "Kharghar Station", lat: 19.0278, lng: 73.0612,
		address: "Kharghar Railway Station Area, Navi Mumbai", city: "Kharghar",
		pm25: spread{95, 38}, pm10: spread{152, 48}, o3: spread{54, 19}, no2: spread{40, 24}, so2: spread{26, 19},
		co: spread{1.55, 0.65}, temperature: spread{33, 3}, humidity: spread{72, 21},
	},
}

// SeedInputs draws one starting reading per site. Only the first site
// reports PM1, pressure, altitude and speed.
func SeedInputs(rng *rand.Rand) []SensorInput {
	inputs := make([]SensorInput, 0, len(seedSites))
	for index, site := range seedSites {
		input := SensorInput{
			SensorID: site.sensorID,
			Name:     site.name,
			Lat:      floatValue(site.lat),
			Lng:      floatValue(site.lng),
			Location: Location{
				Address: site.address,
				City:    site.city,
				State:   "Maharashtra",
				Country: "India",
			},
			PM25:        site.pm25.whole(rng),
			PM10:        site.pm10.whole(rng),
			O3:          site.o3.whole(rng),
			NO2:         site.no2.whole(rng),
			SO2:         site.so2.whole(rng),
			CO:          site.co.fractional(rng),
			Temperature: site.temperature.whole(rng),
			Humidity:    site.humidity.whole(rng),
			Status:      StatusActive,
		}
		if index == 0 {
			input.PM1 = spread{50, 25}.whole(rng)
			input.Pressure = 1013 + math.Floor(rng.Float64()*10) - 5
			input.Altitude = floatValue(math.Floor(rng.Float64() * 50))
			input.Speed = floatValue(math.Floor(rng.Float64() * 5))
		}
		inputs = append(inputs, input)
	}
	return inputs
}

// Seed populates the store through the ingestor when it holds no sensors.
// It reports how many sensors were written.
func Seed(ctx context.Context, store Store, ingestor *Ingestor, rng *rand.Rand) (int, error) {
	count, err := store.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("count sensors: %w", err)
	}
	if count > 0 {
		return 0, nil
	}

	inputs := SeedInputs(rng)
	for _, input := range inputs {
		if _, err := ingestor.Ingest(ctx, SourceSeed, input); err != nil {
			return 0, err
		}
	}
	return len(inputs), nil
}

func floatValue(value float64) *float64 {
	return &value
}
