package snapshot

import (
	"context"
	"errors"
	"sync"
	"time"

	"tracksure/internal/metrics"
	"tracksure/internal/track"

	"github.com/rs/zerolog"
)

// ErrFetchFailed marks a snapshot endpoint failure. The session keeps going
// with whatever data it has.
var ErrFetchFailed = errors.New("snapshot fetch failed")

type FetchError struct {
	Resource string
	Err      error
}

func (e *FetchError) Error() string {
	return "fetch " + e.Resource + ": " + e.Err.Error()
}

func (e *FetchError) Unwrap() []error {
	return []error{ErrFetchFailed, e.Err}
}

// Result is what one Load produced. Alerts and Samples hold every record
// that decoded; Err joins one FetchError per failed endpoint.
type Result struct {
	Alerts   []track.AlertEvent
	Samples  []track.GeoSample
	Rejected int
	Err      error
}

type Loader struct {
	fetcher Fetcher
	limit   int
	now     func() time.Time
	log     zerolog.Logger
}

func NewLoader(fetcher Fetcher, limit int, log zerolog.Logger) *Loader {
	return &Loader{
		fetcher: fetcher,
		limit:   limit,
		now:     time.Now,
		log:     log,
	}
}

// Load runs the alert and location fetches concurrently. Either may fail
// without affecting the other.
func (l *Loader) Load(ctx context.Context, deviceID string) Result {
	var (
		wg                 sync.WaitGroup
		alertRecs, locRecs []track.Record
		alertErr, locErr   error
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		start := time.Now()
		alertRecs, alertErr = l.fetcher.FetchAlerts(ctx, deviceID)
		metrics.SnapshotFetchDuration.WithLabelValues("alerts").Observe(time.Since(start).Seconds())
	}()
	go func() {
		defer wg.Done()
		start := time.Now()
		locRecs, locErr = l.fetcher.FetchLocations(ctx, deviceID, l.limit)
		metrics.SnapshotFetchDuration.WithLabelValues("locations").Observe(time.Since(start).Seconds())
	}()
	wg.Wait()

	var res Result
	now := l.now()

	if alertErr != nil {
		res.Err = errors.Join(res.Err, l.failed("alerts", deviceID, alertErr))
	}
	for _, rec := range alertRecs {
		ev, err := rec.Alert(deviceID, now)
		if err != nil {
			res.Rejected++
			metrics.RecordsRejectedTotal.WithLabelValues("alert", "snapshot").Inc()
			l.log.Debug().Err(err).Str("device_id", deviceID).Msg("snapshot alert rejected")
			continue
		}
		res.Alerts = append(res.Alerts, ev)
	}

	if locErr != nil {
		res.Err = errors.Join(res.Err, l.failed("locations", deviceID, locErr))
	}
	for _, rec := range locRecs {
		s, err := rec.Sample(deviceID, now)
		if err != nil {
			res.Rejected++
			metrics.RecordsRejectedTotal.WithLabelValues("sample", "snapshot").Inc()
			l.log.Debug().Err(err).Str("device_id", deviceID).Msg("snapshot sample rejected")
			continue
		}
		res.Samples = append(res.Samples, s)
	}

	l.log.Info().
		Str("device_id", deviceID).
		Int("alerts", len(res.Alerts)).
		Int("samples", len(res.Samples)).
		Int("rejected", res.Rejected).
		Bool("partial", res.Err != nil).
		Msg("snapshot loaded")
	return res
}

func (l *Loader) failed(resource, deviceID string, err error) error {
	metrics.SnapshotFetchFailuresTotal.WithLabelValues(resource).Inc()
	l.log.Warn().Err(err).Str("device_id", deviceID).Str("resource", resource).Msg("snapshot fetch failed")
	return &FetchError{Resource: resource, Err: err}
}
