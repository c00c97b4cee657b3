package domain

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// windKeys lists the accepted wind speed field names in precedence order.
var windKeys = []string{"wind_kmh", "windKmh"}

// Normalize maps a raw update into a NormalizedUpdate. It is total: missing or
// malformed fields are defaulted and region falls back to fallbackRegion.
func Normalize(raw RawUpdate, fallbackRegion string) NormalizedUpdate {
	region := stringField(raw, "region")
	if region == "" {
		region = fallbackRegion
	}

	return NormalizedUpdate{
		Region:    region,
		Temp:      numberField(raw, "temp"),
		Humidity:  numberField(raw, "humidity"),
		Lat:       numberField(raw, "lat"),
		Lon:       numberField(raw, "lon"),
		WindKmh:   windField(raw),
		Timestamp: stringField(raw, "timestamp"),
	}
}

// windField returns the first non-null wind value. A present but unparsable
// wind_kmh still takes precedence and yields 0.
func windField(raw RawUpdate) float64 {
	for _, key := range windKeys {
		if v, ok := raw[key]; ok && v != nil {
			return toFloat(v)
		}
	}
	return 0
}

func numberField(raw RawUpdate, key string) float64 {
	return toFloat(raw[key])
}

func stringField(raw RawUpdate, key string) string {
	switch v := raw[key].(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	default:
		return ""
	}
}

// toFloat converts the numeric encodings seen on the wire to float64.
// Non-finite values are rejected so the record stays JSON encodable.
func toFloat(v any) float64 {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int32:
		f = float64(n)
	case int64:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0
		}
		f = parsed
	default:
		return 0
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}
