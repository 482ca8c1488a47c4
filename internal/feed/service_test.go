package feed

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"tracksure/internal/stream"
	"tracksure/internal/track"
	"tracksure/internal/wire"

	"github.com/pashagolub/pgxmock/v3"
	"github.com/rs/zerolog"
)

var errFeed = errors.New("db down")

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("mock pool: %v", err)
	}
	t.Cleanup(mock.Close)
	return mock
}

func TestRecordLocationBroadcasts(t *testing.T) {
	mock := newMock(t)
	hub := stream.NewHub(nil, zerolog.Nop())
	sub := hub.Register("belt001")
	defer hub.Unregister(sub)

	at := time.Date(2025, 11, 3, 9, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`INSERT INTO locations`).
		WithArgs(pgxmock.AnyArg(), "belt001", 12.97, 77.59, at).
		WillReturnRows(pgxmock.NewRows([]string{"observed_at"}).AddRow(at))

	svc := NewService(mock, hub, zerolog.Nop())
	rec, err := svc.RecordLocation(context.Background(), LocationRecord{DeviceID: "belt001", Location: track.Point{Lat: 12.97, Lon: 77.59}, Time: at})
	if err != nil {
		t.Fatalf("record location: %v", err)
	}
	if rec.ID == "" {
		t.Fatalf("expected id")
	}

	select {
	case frame := <-sub.Send:
		env, err := wire.Decode(frame)
		if err != nil || env.Event != wire.EventLocationUpdate {
			t.Fatalf("unexpected frame %s", frame)
		}
		r, err := track.DecodeRecord(env.Data)
		if err != nil {
			t.Fatalf("decode record: %v", err)
		}
		s, err := r.Sample("", time.Now())
		if err != nil || s.DeviceID != "belt001" || !s.ObservedAt.Equal(at) || s.Lat != 12.97 {
			t.Fatalf("broadcast does not decode as the stored sample: %+v %v", s, err)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatalf("expected broadcast")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestRecordAlertBroadcasts(t *testing.T) {
	mock := newMock(t)
	hub := stream.NewHub(nil, zerolog.Nop())
	sub := hub.Register("belt001")
	defer hub.Unregister(sub)

	mock.ExpectQuery(`INSERT INTO alerts`).
		WithArgs(pgxmock.AnyArg(), "belt001", "obstacle", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"observed_at"}).AddRow(time.Now()))

	dist := 42.0
	svc := NewService(mock, hub, zerolog.Nop())
	rec, err := svc.RecordAlert(context.Background(), AlertRecord{DeviceID: "belt001", AlertType: "obstacle", Distance: &dist})
	if err != nil {
		t.Fatalf("record alert: %v", err)
	}

	select {
	case frame := <-sub.Send:
		env, _ := wire.Decode(frame)
		r, _ := track.DecodeRecord(env.Data)
		ev, err := r.Alert("", time.Now())
		if err != nil || ev.ID != rec.ID || ev.DistanceCm == nil || *ev.DistanceCm != 42 || ev.Location != nil {
			t.Fatalf("unexpected alert %+v %v", ev, err)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatalf("expected broadcast")
	}
}

func TestRecordRejectsInvalid(t *testing.T) {
	svc := NewService(nil, nil, zerolog.Nop())
	ctx := context.Background()

	if _, err := svc.RecordLocation(ctx, LocationRecord{Location: track.Point{Lat: 1, Lon: 1}}); !errors.Is(err, ErrInvalidRecord) {
		t.Fatalf("expected invalid for missing device, got %v", err)
	}
	if _, err := svc.RecordLocation(ctx, LocationRecord{DeviceID: "belt001", Location: track.Point{Lat: 91, Lon: 1}}); !errors.Is(err, ErrInvalidRecord) {
		t.Fatalf("expected invalid for latitude, got %v", err)
	}
	if _, err := svc.RecordAlert(ctx, AlertRecord{DeviceID: "belt001"}); !errors.Is(err, ErrInvalidRecord) {
		t.Fatalf("expected invalid for missing type, got %v", err)
	}
	bad := &track.Point{Lat: math.NaN(), Lon: 0}
	if _, err := svc.RecordAlert(ctx, AlertRecord{DeviceID: "belt001", AlertType: "fall", Location: bad}); !errors.Is(err, ErrInvalidRecord) {
		t.Fatalf("expected invalid for NaN location, got %v", err)
	}
	neg := -1.0
	if _, err := svc.RecordAlert(ctx, AlertRecord{DeviceID: "belt001", AlertType: "fall", Distance: &neg}); !errors.Is(err, ErrInvalidRecord) {
		t.Fatalf("expected invalid for distance, got %v", err)
	}
}

func TestListAlertsAndLocations(t *testing.T) {
	mock := newMock(t)
	svc := NewService(mock, nil, zerolog.Nop())
	now := time.Now()
	lat, lon, dist := 12.9, 77.6, 30.0

	mock.ExpectQuery(`SELECT id, device_id, alert_type, distance_cm, lat, lon, observed_at`).
		WithArgs("belt001", DefaultListLimit).
		WillReturnRows(pgxmock.NewRows([]string{"id", "device_id", "alert_type", "distance_cm", "lat", "lon", "observed_at"}).
			AddRow("a1", "belt001", "obstacle", &dist, &lat, &lon, now).
			AddRow("a2", "belt001", "fall", (*float64)(nil), (*float64)(nil), (*float64)(nil), now))

	alerts, err := svc.ListAlerts(context.Background(), "belt001", 0)
	if err != nil {
		t.Fatalf("list alerts: %v", err)
	}
	if len(alerts) != 2 || alerts[0].Location == nil || alerts[1].Location != nil || alerts[1].Distance != nil {
		t.Fatalf("unexpected alerts %+v", alerts)
	}

	mock.ExpectQuery(`SELECT id, device_id, lat, lon, observed_at`).
		WithArgs("belt001", MaxListLimit).
		WillReturnRows(pgxmock.NewRows([]string{"id", "device_id", "lat", "lon", "observed_at"}).
			AddRow("l1", "belt001", 12.9, 77.6, now))

	locations, err := svc.ListLocations(context.Background(), "belt001", 5000)
	if err != nil {
		t.Fatalf("list locations: %v", err)
	}
	if len(locations) != 1 || locations[0].Location.Lat != 12.9 {
		t.Fatalf("unexpected locations %+v", locations)
	}
}

func TestListErrors(t *testing.T) {
	mock := newMock(t)
	svc := NewService(mock, nil, zerolog.Nop())

	mock.ExpectQuery(`SELECT id, device_id, alert_type`).WillReturnError(errFeed)
	if _, err := svc.ListAlerts(context.Background(), "", 10); !errors.Is(err, errFeed) {
		t.Fatalf("expected db error")
	}
	mock.ExpectQuery(`SELECT id, device_id, lat, lon`).WillReturnError(errFeed)
	if _, err := svc.ListLocations(context.Background(), "belt001", 10); !errors.Is(err, errFeed) {
		t.Fatalf("expected db error")
	}
	mock.ExpectQuery(`INSERT INTO locations`).WillReturnError(errFeed)
	if _, err := svc.RecordLocation(context.Background(), LocationRecord{DeviceID: "belt001"}); !errors.Is(err, errFeed) {
		t.Fatalf("expected db error")
	}
}

func TestClampLimit(t *testing.T) {
	if clampLimit(-1) != DefaultListLimit || clampLimit(50) != 50 || clampLimit(MaxListLimit+1) != MaxListLimit {
		t.Fatalf("unexpected clamp")
	}
}
