package aqi

import "math"

const (
	Min = 0
	Max = 500
)

type breakpoint struct {
	concLow  float64
	concHigh float64
	aqiLow   float64
	aqiHigh  float64
}

// Bands are open on the lower bound and closed on the upper one, so a value
// sitting exactly on a boundary belongs to the lower band. The last band has
// no upper bound; its slope is taken from the 250.4-350.4 segment.
var pm25Breakpoints = []breakpoint{
	{concLow: 0, concHigh: 12, aqiLow: 0, aqiHigh: 50},
	{concLow: 12, concHigh: 35.4, aqiLow: 50, aqiHigh: 100},
	{concLow: 35.4, concHigh: 55.4, aqiLow: 100, aqiHigh: 150},
	{concLow: 55.4, concHigh: 150.4, aqiLow: 150, aqiHigh: 200},
	{concLow: 150.4, concHigh: 250.4, aqiLow: 200, aqiHigh: 300},
	{concLow: 250.4, concHigh: 350.4, aqiLow: 300, aqiHigh: 400},
}

// Compute maps a PM2.5 concentration in µg/m³ to an AQI score in [0, 500].
func Compute(pm25 float64) int {
	if math.IsNaN(pm25) || pm25 < 0 {
		pm25 = 0
	}

	band := pm25Breakpoints[len(pm25Breakpoints)-1]
	for _, candidate := range pm25Breakpoints {
		if pm25 <= candidate.concHigh {
			band = candidate
			break
		}
	}

	value := band.aqiLow + (pm25-band.concLow)/(band.concHigh-band.concLow)*(band.aqiHigh-band.aqiLow)
	if value >= Max {
		return Max
	}
	return Clamp(int(math.Round(value)))
}

// Clamp bounds an arbitrary score to the valid AQI range.
func Clamp(value int) int {
	if value < Min {
		return Min
	}
	if value > Max {
		return Max
	}
	return value
}

type Category string

const (
	CategoryGood          Category = "Good"
	CategoryModerate      Category = "Moderate"
	CategorySensitive     Category = "Unhealthy for Sensitive Groups"
	CategoryUnhealthy     Category = "Unhealthy"
	CategoryVeryUnhealthy Category = "Very Unhealthy"
	CategoryHazardous     Category = "Hazardous"
)

func CategoryOf(score int) Category {
	switch {
	case score <= 50:
		return CategoryGood
	case score <= 100:
		return CategoryModerate
	case score <= 150:
		return CategorySensitive
	case score <= 200:
		return CategoryUnhealthy
	case score <= 300:
		return CategoryVeryUnhealthy
	default:
		return CategoryHazardous
	}
}
