package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"airwatch/backend/internal/aqi"
)

type Status string

const (
	StatusActive      Status = "active"
	StatusInactive    Status = "inactive"
	StatusMaintenance Status = "maintenance"
)

func ParseStatus(raw string) (Status, error) {
	switch status := Status(strings.ToLower(strings.TrimSpace(raw))); status {
	case StatusActive, StatusInactive, StatusMaintenance:
		return status, nil
	default:
		return "", fmt.Errorf("unknown status %q", raw)
	}
}

type Location struct {
	Address string `json:"address,omitempty"`
	City    string `json:"city,omitempty"`
	State   string `json:"state,omitempty"`
	Country string `json:"country,omitempty"`
}

func (location Location) IsZero() bool {
	return location == Location{}
}

type Sensor struct {
	SensorID    string    `json:"sensorId"`
	Name        string    `json:"name,omitempty"`
	Lat         float64   `json:"lat"`
	Lng         float64   `json:"lng"`
	Location    *Location `json:"location,omitempty"`
	Altitude    *float64  `json:"altitude,omitempty"`
	Speed       *float64  `json:"speed,omitempty"`
	PM1         float64   `json:"pm1"`
	PM25        float64   `json:"pm25"`
	PM10        float64   `json:"pm10"`
	O3          float64   `json:"o3"`
	NO2         float64   `json:"no2"`
	SO2         float64   `json:"so2"`
	CO          float64   `json:"co"`
	Temperature float64   `json:"temperature"`
	Pressure    float64   `json:"pressure"`
	Humidity    float64   `json:"humidity"`
	AQI         int       `json:"aqi"`
	Status      Status    `json:"status"`
	LastReading time.Time `json:"lastReading"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// SensorInput is a write against one sensor. Optional fields left nil keep
// the stored value; pollutant and environment values are always replaced.
// There is no AQI field: the store derives it from PM25.
type SensorInput struct {
	SensorID    string
	Name        string
	Location    Location
	Lat         *float64
	Lng         *float64
	Altitude    *float64
	Speed       *float64
	PM1         float64
	PM25        float64
	PM10        float64
	O3          float64
	NO2         float64
	SO2         float64
	CO          float64
	Temperature float64
	Pressure    float64
	Humidity    float64
	Status      Status
	ReadAt      time.Time
}

// Apply merges the input over an existing record (nil on first write) and
// returns the record to persist.
func (input SensorInput) Apply(existing *Sensor, now time.Time) Sensor {
	var sensor Sensor
	if existing != nil {
		sensor = *existing
	} else {
		sensor = Sensor{SensorID: input.SensorID, Status: StatusActive}
	}

	if input.Name != "" {
		sensor.Name = input.Name
	}
	if !input.Location.IsZero() {
		location := input.Location
		sensor.Location = &location
	}
	if input.Lat != nil {
		sensor.Lat = *input.Lat
	}
	if input.Lng != nil {
		sensor.Lng = *input.Lng
	}
	if input.Altitude != nil {
		sensor.Altitude = cloneFloat(input.Altitude)
	}
	if input.Speed != nil {
		sensor.Speed = cloneFloat(input.Speed)
	}
	if input.Status != "" {
		sensor.Status = input.Status
	}

	sensor.PM1 = nonNegative(input.PM1)
	sensor.PM25 = nonNegative(input.PM25)
	sensor.PM10 = nonNegative(input.PM10)
	sensor.O3 = nonNegative(input.O3)
	sensor.NO2 = nonNegative(input.NO2)
	sensor.SO2 = nonNegative(input.SO2)
	sensor.CO = nonNegative(input.CO)
	sensor.Temperature = input.Temperature
	sensor.Pressure = input.Pressure
	sensor.Humidity = input.Humidity
	sensor.AQI = aqi.Compute(sensor.PM25)

	sensor.LastReading = input.ReadAt
	if sensor.LastReading.IsZero() {
		sensor.LastReading = now
	}
	sensor.UpdatedAt = now
	return sensor
}

func (sensor Sensor) Category() aqi.Category {
	return aqi.CategoryOf(sensor.AQI)
}

func (sensor Sensor) clone() Sensor {
	output := sensor
	if sensor.Location != nil {
		location := *sensor.Location
		output.Location = &location
	}
	output.Altitude = cloneFloat(sensor.Altitude)
	output.Speed = cloneFloat(sensor.Speed)
	return output
}

func cloneFloat(value *float64) *float64 {
	if value == nil {
		return nil
	}
	copied := *value
	return &copied
}

func nonNegative(value float64) float64 {
	if value < 0 || math.IsNaN(value) {
		return 0
	}
	return value
}

// ValidSensorID accepts identifiers made of letters, digits, '-', '_' and
// '.', up to 64 characters.
func ValidSensorID(sensorID string) bool {
	if sensorID == "" || len(sensorID) > 64 {
		return false
	}
	for _, char := range sensorID {
		switch {
		case char >= 'a' && char <= 'z', char >= 'A' && char <= 'Z', char >= '0' && char <= '9':
		case char == '-', char == '_', char == '.':
		default:
			return false
		}
	}
	return true
}

var allowedReadingKeys = map[string]struct{}{
	"sensorId":    {},
	"name":        {},
	"location":    {},
	"lat":         {},
	"lng":         {},
	"altitude":    {},
	"speed":       {},
	"pm1":         {},
	"pm25":        {},
	"pm10":        {},
	"o3":          {},
	"no2":         {},
	"so2":         {},
	"co":          {},
	"temperature": {},
	"pressure":    {},
	"humidity":    {},
	"status":      {},
	"timestamp":   {},
}

var pollutantKeys = []string{"pm1", "pm25", "pm10", "o3", "no2", "so2", "co"}

func DecodeReading(raw []byte) (SensorInput, error) {
	payload, err := decodeObject(raw)
	if err != nil {
		return SensorInput{}, err
	}
	return decodeReadingPayload(payload)
}

func decodeObject(raw []byte) (map[string]any, error) {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()

	var payload map[string]any
	if err := decoder.Decode(&payload); err != nil {
		return nil, err
	}
	if payload == nil {
		return nil, fmt.Errorf("expected a JSON object")
	}
	return payload, nil
}

func decodeReadingPayload(payload map[string]any) (SensorInput, error) {
	if _, present := payload["aqi"]; present {
		return SensorInput{}, fmt.Errorf("aqi is derived from pm25 and cannot be set")
	}
	for key := range payload {
		if _, allowed := allowedReadingKeys[key]; !allowed {
			return SensorInput{}, fmt.Errorf("unknown field: %s", key)
		}
	}

	var input SensorInput

	sensorID, err := parseStringField(payload, "sensorId")
	if err != nil {
		return SensorInput{}, err
	}
	input.SensorID = strings.TrimSpace(sensorID)
	if input.SensorID == "" {
		return SensorInput{}, fmt.Errorf("sensorId is required")
	}
	if !ValidSensorID(input.SensorID) {
		return SensorInput{}, fmt.Errorf("invalid field sensorId: %q", input.SensorID)
	}

	if input.Name, err = parseStringField(payload, "name"); err != nil {
		return SensorInput{}, err
	}
	if input.Location, err = parseLocationField(payload, "location"); err != nil {
		return SensorInput{}, err
	}

	if input.Lat, err = parseOptionalFloatField(payload, "lat"); err != nil {
		return SensorInput{}, err
	}
	if input.Lat != nil && (*input.Lat < -90 || *input.Lat > 90) {
		return SensorInput{}, fmt.Errorf("invalid field lat: out of range")
	}
	if input.Lng, err = parseOptionalFloatField(payload, "lng"); err != nil {
		return SensorInput{}, err
	}
	if input.Lng != nil && (*input.Lng < -180 || *input.Lng > 180) {
		return SensorInput{}, fmt.Errorf("invalid field lng: out of range")
	}
	if input.Altitude, err = parseOptionalFloatField(payload, "altitude"); err != nil {
		return SensorInput{}, err
	}
	if input.Speed, err = parseOptionalFloatField(payload, "speed"); err != nil {
		return SensorInput{}, err
	}

	pollutants := make(map[string]float64, len(pollutantKeys))
	for _, key := range pollutantKeys {
		value, err := parseFloatFieldDefault(payload, key)
		if err != nil {
			return SensorInput{}, err
		}
		if value < 0 {
			return SensorInput{}, fmt.Errorf("invalid field %s: must be non-negative", key)
		}
		pollutants[key] = value
	}
	input.PM1 = pollutants["pm1"]
	input.PM25 = pollutants["pm25"]
	input.PM10 = pollutants["pm10"]
	input.O3 = pollutants["o3"]
	input.NO2 = pollutants["no2"]
	input.SO2 = pollutants["so2"]
	input.CO = pollutants["co"]

	if input.Temperature, err = parseFloatFieldDefault(payload, "temperature"); err != nil {
		return SensorInput{}, err
	}
	if input.Pressure, err = parseFloatFieldDefault(payload, "pressure"); err != nil {
		return SensorInput{}, err
	}
	if input.Humidity, err = parseFloatFieldDefault(payload, "humidity"); err != nil {
		return SensorInput{}, err
	}

	rawStatus, err := parseStringField(payload, "status")
	if err != nil {
		return SensorInput{}, err
	}
	if rawStatus != "" {
		if input.Status, err = ParseStatus(rawStatus); err != nil {
			return SensorInput{}, fmt.Errorf("invalid field status: %w", err)
		}
	}

	if _, present := payload["timestamp"]; present {
		timestamp, err := parseInt64(payload["timestamp"])
		if err != nil {
			return SensorInput{}, fmt.Errorf("invalid field timestamp: %w", err)
		}
		if timestamp > 0 {
			input.ReadAt = time.UnixMilli(timestamp).UTC()
		}
	}

	return input, nil
}

func parseStringField(payload map[string]any, key string) (string, error) {
	value, ok := payload[key]
	if !ok || value == nil {
		return "", nil
	}

	typed, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("invalid field %s: expected string", key)
	}
	return strings.TrimSpace(typed), nil
}

func parseLocationField(payload map[string]any, key string) (Location, error) {
	value, ok := payload[key]
	if !ok || value == nil {
		return Location{}, nil
	}

	fields, ok := value.(map[string]any)
	if !ok {
		return Location{}, fmt.Errorf("invalid field %s: expected object", key)
	}

	var location Location
	targets := map[string]*string{
		"address": &location.Address,
		"city":    &location.City,
		"state":   &location.State,
		"country": &location.Country,
	}
	for name, raw := range fields {
		target, known := targets[name]
		if !known {
			return Location{}, fmt.Errorf("unknown field: %s.%s", key, name)
		}
		text, ok := raw.(string)
		if !ok {
			return Location{}, fmt.Errorf("invalid field %s.%s: expected string", key, name)
		}
		*target = strings.TrimSpace(text)
	}
	return location, nil
}

func parseFloatFieldDefault(payload map[string]any, key string) (float64, error) {
	value, err := parseOptionalFloatField(payload, key)
	if err != nil || value == nil {
		return 0, err
	}
	return *value, nil
}

func parseOptionalFloatField(payload map[string]any, key string) (*float64, error) {
	value, ok := payload[key]
	if !ok || value == nil {
		return nil, nil
	}

	parsed, err := parseFloat(value)
	if err != nil {
		return nil, fmt.Errorf("invalid field %s: %w", key, err)
	}
	if math.IsNaN(parsed) || math.IsInf(parsed, 0) {
		return nil, fmt.Errorf("invalid field %s: not a finite number", key)
	}
	return &parsed, nil
}

func parseFloat(value any) (float64, error) {
	switch typed := value.(type) {
	case json.Number:
		return typed.Float64()
	case string:
		return strconv.ParseFloat(strings.TrimSpace(typed), 64)
	case float64:
		return typed, nil
	case float32:
		return float64(typed), nil
	case int:
		return float64(typed), nil
	case int64:
		return float64(typed), nil
	default:
		return 0, fmt.Errorf("unsupported number type %T", value)
	}
}

func parseInt64(value any) (int64, error) {
	switch typed := value.(type) {
	case json.Number:
		if intValue, err := typed.Int64(); err == nil {
			return intValue, nil
		}
		floatValue, err := typed.Float64()
		if err != nil {
			return 0, err
		}
		return int64(floatValue), nil
	case string:
		if intValue, err := strconv.ParseInt(typed, 10, 64); err == nil {
			return intValue, nil
		}
		floatValue, err := strconv.ParseFloat(typed, 64)
		if err != nil {
			return 0, err
		}
		return int64(floatValue), nil
	case float64:
		return int64(typed), nil
	case float32:
		return int64(typed), nil
	case int:
		return int64(typed), nil
	case int64:
		return typed, nil
	default:
		return 0, fmt.Errorf("unsupported integer type %T", value)
	}
}
