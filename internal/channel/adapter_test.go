package channel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"tracksure/internal/metrics"
	"tracksure/internal/track"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

var errDial = errors.New("dial refused")

type fakeConn struct {
	frames    chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{frames: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) Receive(ctx context.Context) ([]byte, error) {
	select {
	case f := <-c.frames:
		return f, nil
	case <-c.closed:
		return nil, errors.New("connection reset")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

type fakeTransport struct {
	mu       sync.Mutex
	dials    int
	failures int // upcoming dials to refuse; -1 refuses forever
	conns    chan *fakeConn
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{conns: make(chan *fakeConn, 8)}
}

func (t *fakeTransport) Dial(_ context.Context, _ string) (Conn, error) {
	t.mu.Lock()
	t.dials++
	if t.failures != 0 {
		if t.failures > 0 {
			t.failures--
		}
		t.mu.Unlock()
		return nil, errDial
	}
	t.mu.Unlock()

	c := newFakeConn()
	t.conns <- c
	return c, nil
}

func (t *fakeTransport) setFailures(n int) {
	t.mu.Lock()
	t.failures = n
	t.mu.Unlock()
}

func (t *fakeTransport) dialCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials
}

type recorder struct {
	mu        sync.Mutex
	samples   []track.GeoSample
	alerts    []track.AlertEvent
	resyncs   int
	exhausted error
	events    chan string
}

func newRecorder() *recorder {
	return &recorder{events: make(chan string, 64)}
}

func (r *recorder) handlers() Handlers {
	return Handlers{
		Sample: func(s track.GeoSample) {
			r.mu.Lock()
			r.samples = append(r.samples, s)
			r.mu.Unlock()
			r.events <- "sample"
		},
		Alert: func(ev track.AlertEvent) {
			r.mu.Lock()
			r.alerts = append(r.alerts, ev)
			r.mu.Unlock()
			r.events <- "alert"
		},
		Rejected:     func(string, error) { r.events <- "rejected" },
		Unrecognized: func(string) { r.events <- "unrecognized" },
		State:        func(s State) { r.events <- "state:" + s.String() },
		Resync: func() {
			r.mu.Lock()
			r.resyncs++
			r.mu.Unlock()
			r.events <- "resync"
		},
		Exhausted: func(err error) {
			r.mu.Lock()
			r.exhausted = err
			r.mu.Unlock()
			r.events <- "exhausted"
		},
	}
}

func (r *recorder) resyncCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resyncs
}

func waitFor(t *testing.T, events <-chan string, want string) {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case got := <-events:
			if got == want {
				return
			}
		case <-timeout:
			t.Fatalf("timeout waiting for %q", want)
		}
	}
}

func newTestAdapter(tr Transport, opts Options, rec *recorder) *Adapter {
	a := NewAdapter(tr, "belt001", opts, rec.handlers(), zerolog.Nop())
	a.after = func(time.Duration) <-chan time.Time {
		ch := make(chan time.Time, 1)
		ch <- time.Now()
		return ch
	}
	return a
}

func TestAdapterNormalizesEvents(t *testing.T) {
	badEnvelope := testutil.ToFloat64(metrics.UnrecognizedEventsTotal.WithLabelValues("envelope"))
	badName := testutil.ToFloat64(metrics.UnrecognizedEventsTotal.WithLabelValues("name"))

	tr := newFakeTransport()
	rec := newRecorder()
	a := newTestAdapter(tr, DefaultOptions(), rec)
	a.Start(context.Background())
	defer a.Stop()

	waitFor(t, rec.events, "state:live")
	conn := <-tr.conns

	conn.frames <- []byte(`{"event":"location_update","data":{"location":{"lat":12.1,"lon":77.2}}}`)
	conn.frames <- []byte(`{"event":"new_location","data":{"lat":12.2,"lon":77.3}}`)
	conn.frames <- []byte(`{"event":"locationUpdate","data":{"latitude":12.3,"longitude":77.4}}`)
	conn.frames <- []byte(`{"event":"new_alert","data":{"_id":"a1","alertType":"obstacle"}}`)
	conn.frames <- []byte(`{"type":"alertData","payload":{"alertType":"fall","distance":30}}`)
	conn.frames <- []byte(`{"event":"location","data":{"lat":"NaN","lon":77}}`)
	conn.frames <- []byte(`{"event":"battery","data":{}}`)
	conn.frames <- []byte(`garbage`)

	for _, want := range []string{"sample", "sample", "sample", "alert", "alert", "rejected", "unrecognized", "unrecognized"} {
		waitFor(t, rec.events, want)
	}

	if got := testutil.ToFloat64(metrics.UnrecognizedEventsTotal.WithLabelValues("envelope")) - badEnvelope; got != 1 {
		t.Fatalf("expected one bad envelope counted, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.UnrecognizedEventsTotal.WithLabelValues("name")) - badName; got != 1 {
		t.Fatalf("expected one unknown event name counted, got %v", got)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.samples) != 3 || len(rec.alerts) != 2 {
		t.Fatalf("expected 3 samples and 2 alerts, got %d/%d", len(rec.samples), len(rec.alerts))
	}
	if rec.samples[2].Lat != 12.3 || rec.samples[2].DeviceID != "belt001" {
		t.Fatalf("unexpected sample %+v", rec.samples[2])
	}
	if !rec.alerts[1].Synthesized || rec.alerts[1].DistanceCm == nil {
		t.Fatalf("unexpected alert %+v", rec.alerts[1])
	}
}

func TestAdapterResyncOncePerRecovery(t *testing.T) {
	tr := newFakeTransport()
	rec := newRecorder()
	a := newTestAdapter(tr, DefaultOptions(), rec)
	a.Start(context.Background())
	defer a.Stop()

	waitFor(t, rec.events, "state:live")
	first := <-tr.conns
	if rec.resyncCount() != 0 {
		t.Fatalf("initial handshake must not resync")
	}

	first.Close()
	waitFor(t, rec.events, "state:reconnecting")
	waitFor(t, rec.events, "state:live")
	waitFor(t, rec.events, "resync")
	second := <-tr.conns

	second.frames <- []byte(`{"event":"location","data":{"lat":1,"lon":2}}`)
	waitFor(t, rec.events, "sample")
	if got := rec.resyncCount(); got != 1 {
		t.Fatalf("expected exactly one resync, got %d", got)
	}

	tr.setFailures(2)
	second.Close()
	waitFor(t, rec.events, "state:reconnecting")
	waitFor(t, rec.events, "state:live")
	waitFor(t, rec.events, "resync")
	<-tr.conns
	if got := rec.resyncCount(); got != 2 {
		t.Fatalf("expected one resync per recovery, got %d", got)
	}
}

func TestAdapterExhaustsRetries(t *testing.T) {
	tr := newFakeTransport()
	tr.setFailures(-1)
	rec := newRecorder()
	opts := DefaultOptions()
	opts.MaxRetries = 3
	a := newTestAdapter(tr, opts, rec)
	a.Start(context.Background())

	waitFor(t, rec.events, "state:reconnecting")
	waitFor(t, rec.events, "state:disconnected")
	waitFor(t, rec.events, "exhausted")
	<-a.Done()

	if a.State() != Disconnected {
		t.Fatalf("expected disconnected, got %v", a.State())
	}
	if tr.dialCount() != 4 {
		t.Fatalf("expected first attempt plus 3 retries, got %d", tr.dialCount())
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if !errors.Is(rec.exhausted, ErrChannelExhausted) {
		t.Fatalf("expected exhausted error, got %v", rec.exhausted)
	}
	a.Stop()
}

func TestAdapterSingleFlightStart(t *testing.T) {
	tr := newFakeTransport()
	rec := newRecorder()
	a := newTestAdapter(tr, DefaultOptions(), rec)
	a.Start(context.Background())
	a.Start(context.Background())
	defer a.Stop()

	waitFor(t, rec.events, "state:live")
	if tr.dialCount() != 1 {
		t.Fatalf("expected a single handshake, got %d", tr.dialCount())
	}
}

func TestAdapterResyncOnFirstLive(t *testing.T) {
	tr := newFakeTransport()
	rec := newRecorder()
	opts := DefaultOptions()
	opts.ResyncOnFirstLive = true
	a := newTestAdapter(tr, opts, rec)
	a.Start(context.Background())
	defer a.Stop()

	waitFor(t, rec.events, "resync")
}

func TestAdapterStopWithoutStart(t *testing.T) {
	a := NewAdapter(newFakeTransport(), "belt001", DefaultOptions(), Handlers{}, zerolog.Nop())
	done := make(chan struct{})
	go func() {
		a.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("stop blocked")
	}
	if a.State() != Connecting {
		t.Fatalf("expected untouched state")
	}
}

func TestBackoffSchedule(t *testing.T) {
	opts := Options{RetryDelay: time.Second, MaxRetryDelay: 30 * time.Second}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 30 * time.Second, 30 * time.Second}
	for i, w := range want {
		if got := backoff(i+1, opts); got != w {
			t.Fatalf("attempt %d: got %v want %v", i+1, got, w)
		}
	}
}

func TestClassify(t *testing.T) {
	if Classify("alertData") != KindAlert || Classify("locationUpdate") != KindLocation || Classify("connect") != KindUnrecognized {
		t.Fatalf("unexpected classification")
	}
	if len(EventNames()) != 7 {
		t.Fatalf("unexpected allow-list %v", EventNames())
	}
}

func TestStateString(t *testing.T) {
	b, _ := Reconnecting.MarshalText()
	if string(b) != "reconnecting" || State(42).String() != "unknown" {
		t.Fatalf("unexpected state text")
	}
}
