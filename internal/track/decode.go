package track

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Record is one untrusted JSON object from the REST snapshot or the push
// channel.
type Record map[string]any

// DecodeRecords parses a JSON array of objects. Elements that are not
// objects are returned as nil records so the caller can count them.
func DecodeRecords(data []byte) ([]Record, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(raw))
	for _, item := range raw {
		var rec Record
		if err := json.Unmarshal(item, &rec); err != nil {
			out = append(out, nil)
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// DecodeRecord parses a single JSON object.
func DecodeRecord(data []byte) (Record, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidationRejected, err)
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: not an object", ErrValidationRejected)
	}
	return rec, nil
}

// Sample decodes a location record. The location may be nested under
// "location" or given flat as lat/lon or latitude/longitude.
func (r Record) Sample(fallbackDevice string, now time.Time) (GeoSample, error) {
	if r == nil {
		return GeoSample{}, fmt.Errorf("%w: not an object", ErrValidationRejected)
	}
	lat, lon, ok := r.point()
	if !ok {
		return GeoSample{}, fmt.Errorf("%w: missing coordinates", ErrValidationRejected)
	}
	at, err := r.observedAt(now)
	if err != nil {
		return GeoSample{}, err
	}
	return NewGeoSample(r.deviceID(fallbackDevice), lat, lon, at)
}

// Alert decodes an alert record. A bad location is dropped while the alert
// itself is kept; ids are synthesized when the record has none.
func (r Record) Alert(fallbackDevice string, now time.Time) (AlertEvent, error) {
	if r == nil {
		return AlertEvent{}, fmt.Errorf("%w: not an object", ErrValidationRejected)
	}
	at, err := r.observedAt(now)
	if err != nil {
		return AlertEvent{}, err
	}

	ev := AlertEvent{
		ID:         r.str("_id", "id"),
		DeviceID:   r.deviceID(fallbackDevice),
		AlertType:  r.str("alertType", "type"),
		ObservedAt: at,
	}
	if ev.ID == "" && ev.AlertType == "" {
		return AlertEvent{}, fmt.Errorf("%w: alert has neither id nor type", ErrValidationRejected)
	}
	if lat, lon, ok := r.point(); ok && ValidatePoint(lat, lon) == nil {
		ev.Location = &Point{Lat: lat, Lon: lon}
	}
	for _, key := range []string{"distance", "distanceCm"} {
		if d, ok := number(r[key]); ok && d >= 0 {
			ev.DistanceCm = &d
			break
		}
	}
	if ev.ID == "" {
		ev.ID = SynthesizeID(ev.DeviceID, ev.ObservedAt, ev.AlertType)
		ev.Synthesized = true
	}
	return ev, nil
}

func (r Record) point() (float64, float64, bool) {
	if nested, ok := r["location"].(map[string]any); ok {
		if lat, lon, found := Record(nested).flatPoint(); found {
			return lat, lon, true
		}
	}
	return r.flatPoint()
}

func (r Record) flatPoint() (float64, float64, bool) {
	for _, keys := range [][2]string{{"lat", "lon"}, {"latitude", "longitude"}} {
		rawLat, hasLat := r[keys[0]]
		rawLon, hasLon := r[keys[1]]
		if !hasLat && !hasLon {
			continue
		}
		lat, okLat := number(rawLat)
		lon, okLon := number(rawLon)
		if !okLat || !okLon {
			return 0, 0, false
		}
		return lat, lon, true
	}
	return 0, 0, false
}

func (r Record) deviceID(fallback string) string {
	if id := r.str("deviceId", "device"); id != "" {
		return id
	}
	return fallback
}

func (r Record) observedAt(now time.Time) (time.Time, error) {
	for _, key := range []string{"time", "observedAt", "timestamp"} {
		v, ok := r[key]
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case string:
			parsed, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(t))
			if err != nil {
				return time.Time{}, fmt.Errorf("%w: bad %s %q", ErrValidationRejected, key, t)
			}
			return parsed, nil
		case float64:
			// epoch milliseconds; the int64 conversion is undefined outside this range
			if math.IsNaN(t) || t >= math.MaxInt64 || t < math.MinInt64 {
				return time.Time{}, fmt.Errorf("%w: bad %s %v", ErrValidationRejected, key, t)
			}
			return time.UnixMilli(int64(t)), nil
		default:
			return time.Time{}, fmt.Errorf("%w: bad %s", ErrValidationRejected, key)
		}
	}
	return now, nil
}

func (r Record) str(keys ...string) string {
	for _, key := range keys {
		switch v := r[key].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return ""
}

// number accepts JSON numbers and numeric strings. NaN and Inf parse here and
// are rejected by ValidatePoint.
func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}
