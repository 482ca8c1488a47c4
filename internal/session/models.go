package session

import (
	"time"

	"tracksure/internal/channel"
	"tracksure/internal/track"
)

const (
	NoticeFetchFailed     = "fetch_failed"
	NoticeLiveUnavailable = "live_unavailable"
)

// Notice is a non-blocking message for the user. Validation rejections never
// become notices.
type Notice struct {
	Kind    string    `json:"kind"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

type Stats struct {
	Rejected     int `json:"rejected"`
	Unrecognized int `json:"unrecognized"`
	Foreign      int `json:"foreign"`
	Resyncs      int `json:"resyncs"`
	Snapshots    int `json:"snapshots"`
}

// View is the full read model of a session at one instant.
type View struct {
	DeviceID        string             `json:"deviceId"`
	CurrentPosition *track.GeoSample   `json:"currentPosition"`
	Trajectory      []track.GeoSample  `json:"trajectory"`
	Alerts          []track.AlertEvent `json:"alerts"`
	ConnectionState channel.State      `json:"connectionState"`
	Notices         []Notice           `json:"notices"`
	Stats           Stats              `json:"stats"`
	Closed          bool               `json:"closed"`
}
