package track

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// ErrValidationRejected marks a record that failed the coordinate or shape
// checks. Rejections are counted, never shown to the user.
var ErrValidationRejected = errors.New("validation rejected")

// alertNamespace seeds synthesized alert ids.
var alertNamespace = uuid.MustParse("6b0f7c1e-3f38-4d8e-9a57-1f0c2f6f5a11")

type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// GeoSample is one timestamped position reading for a device.
type GeoSample struct {
	DeviceID   string    `json:"deviceId"`
	Lat        float64   `json:"lat"`
	Lon        float64   `json:"lon"`
	ObservedAt time.Time `json:"observedAt"`
}

func (s GeoSample) Point() Point {
	return Point{Lat: s.Lat, Lon: s.Lon}
}

// AlertEvent is one timestamped obstacle/condition notification.
type AlertEvent struct {
	ID          string    `json:"id"`
	DeviceID    string    `json:"deviceId"`
	AlertType   string    `json:"alertType"`
	DistanceCm  *float64  `json:"distanceCm,omitempty"`
	Location    *Point    `json:"location,omitempty"`
	ObservedAt  time.Time `json:"observedAt"`
	Synthesized bool      `json:"synthesized,omitempty"`
}

// NewGeoSample validates coordinates and builds a sample.
func NewGeoSample(deviceID string, lat, lon float64, observedAt time.Time) (GeoSample, error) {
	if err := ValidatePoint(lat, lon); err != nil {
		return GeoSample{}, err
	}
	return GeoSample{DeviceID: deviceID, Lat: lat, Lon: lon, ObservedAt: observedAt}, nil
}

// ValidatePoint reports whether lat/lon are finite and within range.
func ValidatePoint(lat, lon float64) error {
	if math.IsNaN(lat) || math.IsInf(lat, 0) || lat < -90 || lat > 90 {
		return fmt.Errorf("%w: latitude %v out of range", ErrValidationRejected, lat)
	}
	if math.IsNaN(lon) || math.IsInf(lon, 0) || lon < -180 || lon > 180 {
		return fmt.Errorf("%w: longitude %v out of range", ErrValidationRejected, lon)
	}
	return nil
}

// NaturalKey identifies a logical alert independent of any server id.
func (a AlertEvent) NaturalKey() string {
	return a.DeviceID + "|" + a.ObservedAt.UTC().Format(time.RFC3339Nano) + "|" + a.AlertType
}

// SynthesizeID derives a stable id from the natural key, so the same logical
// alert always maps to the same id.
func SynthesizeID(deviceID string, observedAt time.Time, alertType string) string {
	key := AlertEvent{DeviceID: deviceID, ObservedAt: observedAt, AlertType: alertType}.NaturalKey()
	return uuid.NewSHA1(alertNamespace, []byte(key)).String()
}

// merge fills fields missing on a from b. It reports whether anything changed.
func (a AlertEvent) merge(b AlertEvent) (AlertEvent, bool) {
	changed := false
	if a.Location == nil && b.Location != nil {
		loc := *b.Location
		a.Location = &loc
		changed = true
	}
	if a.DistanceCm == nil && b.DistanceCm != nil {
		d := *b.DistanceCm
		a.DistanceCm = &d
		changed = true
	}
	if a.AlertType == "" && b.AlertType != "" {
		a.AlertType = b.AlertType
		changed = true
	}
	return a, changed
}
