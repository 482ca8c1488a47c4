package feed

import (
	"time"

	"tracksure/internal/track"
)

// AlertRecord is the wire shape of a stored alert. Field names follow the
// belt firmware's upload format.
type AlertRecord struct {
	ID        string       `json:"_id"`
	DeviceID  string       `json:"deviceId"`
	AlertType string       `json:"alertType"`
	Distance  *float64     `json:"distance,omitempty"`
	Location  *track.Point `json:"location,omitempty"`
	Time      time.Time    `json:"time"`
}

type LocationRecord struct {
	ID       string      `json:"_id"`
	DeviceID string      `json:"deviceId"`
	Location track.Point `json:"location"`
	Time     time.Time   `json:"time"`
}
