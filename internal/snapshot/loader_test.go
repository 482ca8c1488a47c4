package snapshot

import (
	"context"
	"errors"
	"testing"
	"time"

	"tracksure/internal/metrics"
	"tracksure/internal/track"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

type stubFetcher struct {
	alerts    []track.Record
	locations []track.Record
	alertErr  error
	locErr    error
	limit     int
}

func (f *stubFetcher) FetchAlerts(_ context.Context, _ string) ([]track.Record, error) {
	return f.alerts, f.alertErr
}

func (f *stubFetcher) FetchLocations(_ context.Context, _ string, limit int) ([]track.Record, error) {
	f.limit = limit
	return f.locations, f.locErr
}

var errUpstream = errors.New("upstream down")

func TestLoadDecodesBothResources(t *testing.T) {
	f := &stubFetcher{
		alerts: []track.Record{
			{"_id": "a1", "alertType": "obstacle", "time": "2025-11-03T09:00:00Z"},
		},
		locations: []track.Record{
			{"location": map[string]any{"lat": 13.1, "lon": 77.6}, "time": "2025-11-03T09:00:01Z"},
			{"lat": "NaN", "lon": 77.0},
		},
	}
	res := NewLoader(f, 100, zerolog.Nop()).Load(context.Background(), "belt001")

	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if len(res.Alerts) != 1 || res.Alerts[0].DeviceID != "belt001" {
		t.Fatalf("unexpected alerts %+v", res.Alerts)
	}
	if len(res.Samples) != 1 || res.Rejected != 1 {
		t.Fatalf("expected one sample and one rejection, got %d/%d", len(res.Samples), res.Rejected)
	}
	if f.limit != 100 {
		t.Fatalf("expected limit passed through, got %d", f.limit)
	}
}

func TestLoadPartialFailure(t *testing.T) {
	before := testutil.ToFloat64(metrics.SnapshotFetchFailuresTotal.WithLabelValues("alerts"))

	f := &stubFetcher{
		alertErr:  errUpstream,
		locations: []track.Record{{"lat": 1.0, "lon": 2.0}},
	}
	res := NewLoader(f, 10, zerolog.Nop()).Load(context.Background(), "belt001")

	if !errors.Is(res.Err, ErrFetchFailed) || !errors.Is(res.Err, errUpstream) {
		t.Fatalf("expected fetch failure wrapping upstream, got %v", res.Err)
	}
	var fe *FetchError
	if !errors.As(res.Err, &fe) || fe.Resource != "alerts" {
		t.Fatalf("expected alerts fetch error, got %v", res.Err)
	}
	if len(res.Samples) != 1 {
		t.Fatalf("expected locations still loaded")
	}
	if got := testutil.ToFloat64(metrics.SnapshotFetchFailuresTotal.WithLabelValues("alerts")); got != before+1 {
		t.Fatalf("expected failure counted, got %v", got-before)
	}
}

func TestLoadBothFail(t *testing.T) {
	f := &stubFetcher{alertErr: errUpstream, locErr: errUpstream}
	res := NewLoader(f, 10, zerolog.Nop()).Load(context.Background(), "belt001")
	if res.Err == nil || len(res.Alerts) != 0 || len(res.Samples) != 0 {
		t.Fatalf("expected empty failed result, got %+v", res)
	}
}

func TestLoadStampsMissingTime(t *testing.T) {
	fixed := time.Date(2025, 11, 3, 12, 0, 0, 0, time.UTC)
	l := NewLoader(&stubFetcher{locations: []track.Record{{"lat": 1.0, "lon": 2.0}}}, 10, zerolog.Nop())
	l.now = func() time.Time { return fixed }

	res := l.Load(context.Background(), "belt001")
	if len(res.Samples) != 1 || !res.Samples[0].ObservedAt.Equal(fixed) {
		t.Fatalf("expected receive time stamp, got %+v", res.Samples)
	}
}
