// Package feed stores belt readings and pushes each new one to live
// subscribers.
package feed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tracksure/internal/db"
	"tracksure/internal/metrics"
	"tracksure/internal/stream"
	"tracksure/internal/track"
	"tracksure/internal/wire"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	DefaultListLimit = 200
	MaxListLimit     = 1000
)

var ErrInvalidRecord = errors.New("invalid record")

type Service struct {
	db  db.Querier
	hub *stream.Hub
	log zerolog.Logger
}

func NewService(q db.Querier, hub *stream.Hub, log zerolog.Logger) *Service {
	return &Service{db: q, hub: hub, log: log}
}

func (s *Service) RecordAlert(ctx context.Context, input AlertRecord) (AlertRecord, error) {
	if input.DeviceID == "" || input.AlertType == "" {
		return AlertRecord{}, fmt.Errorf("%w: deviceId and alertType required", ErrInvalidRecord)
	}
	if input.Location != nil {
		if err := track.ValidatePoint(input.Location.Lat, input.Location.Lon); err != nil {
			return AlertRecord{}, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
		}
	}
	if input.Distance != nil && *input.Distance < 0 {
		return AlertRecord{}, fmt.Errorf("%w: negative distance", ErrInvalidRecord)
	}
	input.ID = uuid.NewString()
	if input.Time.IsZero() {
		input.Time = time.Now().UTC()
	}

	var lat, lon *float64
	if input.Location != nil {
		lat, lon = &input.Location.Lat, &input.Location.Lon
	}
	row := s.db.QueryRow(ctx, `
		INSERT INTO alerts (id, device_id, alert_type, distance_cm, lat, lon, observed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING observed_at
	`, input.ID, input.DeviceID, input.AlertType, input.Distance, lat, lon, input.Time)
	if err := row.Scan(&input.Time); err != nil {
		return AlertRecord{}, err
	}

	s.broadcast(input.DeviceID, wire.EventNewAlert, input)
	return input, nil
}

// ListAlerts returns the newest alerts first. An empty deviceID lists every
// device.
func (s *Service) ListAlerts(ctx context.Context, deviceID string, limit int) ([]AlertRecord, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, device_id, alert_type, distance_cm, lat, lon, observed_at
		FROM alerts
		WHERE ($1 = '' OR device_id = $1)
		ORDER BY observed_at DESC
		LIMIT $2
	`, deviceID, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	alerts := []AlertRecord{}
	for rows.Next() {
		var (
			a        AlertRecord
			lat, lon *float64
		)
		if err := rows.Scan(&a.ID, &a.DeviceID, &a.AlertType, &a.Distance, &lat, &lon, &a.Time); err != nil {
			return nil, err
		}
		if lat != nil && lon != nil {
			a.Location = &track.Point{Lat: *lat, Lon: *lon}
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

func (s *Service) RecordLocation(ctx context.Context, input LocationRecord) (LocationRecord, error) {
	if input.DeviceID == "" {
		return LocationRecord{}, fmt.Errorf("%w: deviceId required", ErrInvalidRecord)
	}
	if err := track.ValidatePoint(input.Location.Lat, input.Location.Lon); err != nil {
		return LocationRecord{}, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	input.ID = uuid.NewString()
	if input.Time.IsZero() {
		input.Time = time.Now().UTC()
	}

	row := s.db.QueryRow(ctx, `
		INSERT INTO locations (id, device_id, lat, lon, observed_at)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING observed_at
	`, input.ID, input.DeviceID, input.Location.Lat, input.Location.Lon, input.Time)
	if err := row.Scan(&input.Time); err != nil {
		return LocationRecord{}, err
	}

	s.broadcast(input.DeviceID, wire.EventLocationUpdate, input)
	return input, nil
}

// ListLocations returns the newest fixes of one device first.
func (s *Service) ListLocations(ctx context.Context, deviceID string, limit int) ([]LocationRecord, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, device_id, lat, lon, observed_at
		FROM locations
		WHERE device_id = $1
		ORDER BY observed_at DESC
		LIMIT $2
	`, deviceID, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	locations := []LocationRecord{}
	for rows.Next() {
		var l LocationRecord
		if err := rows.Scan(&l.ID, &l.DeviceID, &l.Location.Lat, &l.Location.Lon, &l.Time); err != nil {
			return nil, err
		}
		locations = append(locations, l)
	}
	return locations, rows.Err()
}

func (s *Service) broadcast(deviceID, event string, v any) {
	if s.hub == nil {
		return
	}
	frame, err := wire.Encode(event, v)
	if err != nil {
		s.log.Error().Err(err).Str("event", event).Msg("encode broadcast")
		return
	}
	s.hub.Broadcast(deviceID, frame)
	metrics.FeedBroadcastsTotal.WithLabelValues(event).Inc()
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}
