package server

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"airwatch/backend/internal/aqi"
)

const (
	maxAdvisories      = 4
	trendWindowMinutes = 60
	trendThreshold     = 10.0
)

type Advisory struct {
	Kind     string `json:"kind"`
	Severity string `json:"severity"`
	Title    string `json:"title"`
	Message  string `json:"message"`
}

// Advisor turns a sensor's current AQI and recent history into health
// guidance. Results are cached per sensor until the reading changes or the
// TTL passes.
type Advisor struct {
	archive Archive
	ttl     time.Duration
	now     func() time.Time

	mu    sync.Mutex
	cache map[string]cachedAdvice
}

type cachedAdvice struct {
	at         time.Time
	updatedAt  time.Time
	advisories []Advisory
}

func NewAdvisor(archive Archive, ttl time.Duration) *Advisor {
	return &Advisor{
		archive: archive,
		ttl:     ttl,
		now:     time.Now,
		cache:   make(map[string]cachedAdvice),
	}
}

func (advisor *Advisor) Advise(ctx context.Context, sensor Sensor) ([]Advisory, error) {
	now := advisor.now()

	advisor.mu.Lock()
	cached, ok := advisor.cache[sensor.SensorID]
	advisor.mu.Unlock()
	if ok && advisor.ttl > 0 && cached.updatedAt.Equal(sensor.UpdatedAt) && now.Sub(cached.at) < advisor.ttl {
		return cloneAdvisories(cached.advisories), nil
	}

	var history []HistoryPoint
	if advisor.archive != nil {
		points, err := advisor.archive.History(ctx, sensor.SensorID, trendWindowMinutes*time.Minute, defaultHistoryLimit)
		if err != nil {
			return nil, fmt.Errorf("load history for %s: %w", sensor.SensorID, err)
		}
		history = points
	}

	advisories := adviseFor(sensor, history)

	advisor.mu.Lock()
	advisor.cache[sensor.SensorID] = cachedAdvice{at: now, updatedAt: sensor.UpdatedAt, advisories: cloneAdvisories(advisories)}
	advisor.mu.Unlock()
	return advisories, nil
}

func adviseFor(sensor Sensor, history []HistoryPoint) []Advisory {
	score := sensor.AQI
	output := []Advisory{conditionAdvisory(score)}

	switch {
	case score > 150:
		output = append(output,
			Advisory{Kind: "tip", Severity: "warn", Title: "Wear an N95 outdoors",
				Message: "An N95 or KN95 mask is highly recommended outside. Make sure it fits snugly."},
			Advisory{Kind: "tip", Severity: "warn", Title: "Move workouts indoors",
				Message: "Avoid outdoor exercise while AQI exceeds 150."},
		)
	case score > 100:
		output = append(output,
			Advisory{Kind: "tip", Severity: "info", Title: "Masks for sensitive groups",
				Message: "Sensitive groups should wear an N95 mask outdoors. Others can use a well-fitted surgical mask."},
			Advisory{Kind: "tip", Severity: "info", Title: "Keep children indoors",
				Message: "Limit outdoor playtime for children, keep windows closed and run air purifiers."},
		)
	}

	if trend, ok := trendAdvisory(history); ok {
		output = append(output, trend)
	}
	return normalizeAdvisories(output, maxAdvisories)
}

func conditionAdvisory(score int) Advisory {
	category := aqi.CategoryOf(score)
	title := fmt.Sprintf("%s air quality (AQI %d)", category, score)

	switch {
	case score <= 50:
		return Advisory{Kind: "insight", Severity: "info", Title: title,
			Message: "Air quality is good. Outdoor activities are safe for everyone."}
	case score <= 100:
		return Advisory{Kind: "insight", Severity: "info", Title: title,
			Message: "Most people can be outdoors. People with respiratory sensitivities should limit prolonged exertion."}
	case score <= 150:
		return Advisory{Kind: "alert", Severity: "warn", Title: title,
			Message: "Children, elderly and people with heart or lung conditions should limit outdoor activity."}
	case score <= 200:
		return Advisory{Kind: "alert", Severity: "warn", Title: title,
			Message: "Everyone should reduce outdoor activity. Consider staying indoors with an air purifier."}
	default:
		return Advisory{Kind: "alert", Severity: "critical", Title: title,
			Message: "Avoid all outdoor activity. Stay indoors with windows closed and use air purifiers."}
	}
}

func trendAdvisory(history []HistoryPoint) (Advisory, bool) {
	delta := deltaAtMinutes(history, trendWindowMinutes, func(point HistoryPoint) float64 { return float64(point.AQI) })
	switch {
	case delta >= trendThreshold:
		return Advisory{Kind: "insight", Severity: "warn", Title: "AQI rising",
			Message: fmt.Sprintf("AQI rose %d points over the last hour.", int(delta))}, true
	case delta <= -trendThreshold:
		return Advisory{Kind: "insight", Severity: "info", Title: "AQI falling",
			Message: fmt.Sprintf("AQI fell %d points over the last hour.", int(-delta))}, true
	default:
		return Advisory{}, false
	}
}

// deltaAtMinutes compares the newest point with the newest one at least the
// given minutes older, falling back to the oldest point.
func deltaAtMinutes(points []HistoryPoint, minutes int64, metric func(HistoryPoint) float64) float64 {
	if len(points) < 2 {
		return 0
	}

	latest := points[len(points)-1]
	target := latest.Time.Add(-time.Duration(minutes) * time.Minute)
	reference := points[0]

	for index := len(points) - 1; index >= 0; index-- {
		if candidate := points[index]; !candidate.Time.After(target) {
			reference = candidate
			break
		}
	}

	return metric(latest) - metric(reference)
}

func normalizeAdvisories(advisories []Advisory, limit int) []Advisory {
	output := make([]Advisory, 0, len(advisories))
	for _, advisory := range advisories {
		title := strings.TrimSpace(advisory.Title)
		message := strings.TrimSpace(advisory.Message)
		if title == "" || message == "" {
			continue
		}

		output = append(output, Advisory{
			Kind:     advisory.Kind,
			Severity: advisory.Severity,
			Title:    trimToLength(title, 60),
			Message:  trimToLength(message, 180),
		})
		if len(output) >= limit {
			break
		}
	}
	return output
}

func cloneAdvisories(advisories []Advisory) []Advisory {
	output := make([]Advisory, len(advisories))
	copy(output, advisories)
	return output
}

// trimToLength caps input at maxLength bytes without splitting a rune.
func trimToLength(input string, maxLength int) string {
	if len(input) <= maxLength {
		return input
	}
	cut := maxLength
	for cut > 0 && !utf8.RuneStart(input[cut]) {
		cut--
	}
	return strings.TrimSpace(input[:cut])
}
