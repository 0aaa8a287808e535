package companion

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// DateStrategy parses one accepted date encoding.
type DateStrategy struct {
	Name  string
	Parse func(raw any, loc *time.Location) (time.Time, bool)
}

// DateStrategies lists the accepted encodings in the order they are tried.
var DateStrategies = []DateStrategy{
	{Name: "fractional-timestamp", Parse: parseFractional},
	{Name: "whole-second-timestamp", Parse: parseWholeSecond},
	{Name: "day-only", Parse: parseDayOnly},
	{Name: "numeric-epoch", Parse: parseEpoch},
}

// epochMillisThreshold separates epoch seconds from epoch milliseconds.
// 1e11 seconds is in the year 5138.
const epochMillisThreshold = 1e11

// ParseDate returns the first successful parse and the strategy that
// produced it.
func ParseDate(raw any, loc *time.Location) (time.Time, string, bool) {
	if loc == nil {
		loc = time.Local
	}
	for _, strategy := range DateStrategies {
		if parsed, ok := strategy.Parse(raw, loc); ok {
			return parsed, strategy.Name, true
		}
	}
	return time.Time{}, "", false
}

func asString(raw any) (string, bool) {
	value, ok := raw.(string)
	if !ok {
		return "", false
	}
	value = strings.TrimSpace(value)
	return value, value != ""
}

func parseFractional(raw any, loc *time.Location) (time.Time, bool) {
	value, ok := asString(raw)
	if !ok || !strings.Contains(value, ".") {
		return time.Time{}, false
	}
	if parsed, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return parsed, true
	}
	if parsed, err := time.ParseInLocation("2006-01-02T15:04:05.999999999", value, loc); err == nil {
		return parsed, true
	}
	return time.Time{}, false
}

func parseWholeSecond(raw any, loc *time.Location) (time.Time, bool) {
	value, ok := asString(raw)
	if !ok {
		return time.Time{}, false
	}
	if parsed, err := time.Parse(time.RFC3339, value); err == nil {
		return parsed, true
	}
	if parsed, err := time.ParseInLocation("2006-01-02T15:04:05", value, loc); err == nil {
		return parsed, true
	}
	return time.Time{}, false
}

func parseDayOnly(raw any, loc *time.Location) (time.Time, bool) {
	value, ok := asString(raw)
	if !ok {
		return time.Time{}, false
	}
	parsed, err := time.ParseInLocation(time.DateOnly, value, loc)
	if err != nil {
		return time.Time{}, false
	}
	return parsed, true
}

func parseEpoch(raw any, _ *time.Location) (time.Time, bool) {
	var value float64
	switch casted := raw.(type) {
	case json.Number:
		parsed, err := casted.Float64()
		if err != nil {
			return time.Time{}, false
		}
		value = parsed
	case float64:
		value = casted
	case int64:
		value = float64(casted)
	case int:
		value = float64(casted)
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(casted), 64)
		if err != nil {
			return time.Time{}, false
		}
		value = parsed
	default:
		return time.Time{}, false
	}
	if value <= 0 || math.IsNaN(value) || math.IsInf(value, 0) {
		return time.Time{}, false
	}
	if value > epochMillisThreshold {
		return time.UnixMilli(int64(value)).UTC(), true
	}
	return time.UnixMilli(int64(math.Round(value * 1000))).UTC(), true
}
