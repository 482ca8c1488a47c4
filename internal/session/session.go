// Package session owns the buffers of one tracking view and keeps them
// consistent across the snapshot fetches and the live channel.
package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"tracksure/internal/channel"
	"tracksure/internal/metrics"
	"tracksure/internal/snapshot"
	"tracksure/internal/track"

	"github.com/rs/zerolog"
)

var ErrSessionClosed = errors.New("session closed")

// Loader fetches the REST snapshot for a device.
type Loader interface {
	Load(ctx context.Context, deviceID string) snapshot.Result
}

type Config struct {
	TrajectoryCapacity int
	AlertCapacity      int
	Channel            channel.Options
}

// Coordinator hands out sessions for one view. Opening a session supersedes
// the previous one.
type Coordinator struct {
	loader    Loader
	transport channel.Transport
	cfg       Config
	log       zerolog.Logger

	gen     atomic.Uint64
	mu      sync.Mutex
	current *Session
}

func NewCoordinator(loader Loader, transport channel.Transport, cfg Config, log zerolog.Logger) *Coordinator {
	return &Coordinator{
		loader:    loader,
		transport: transport,
		cfg:       cfg,
		log:       log,
	}
}

// Open closes the current session, if any, and starts a new one for
// deviceID: the initial snapshot load and the live channel run concurrently.
func (c *Coordinator) Open(ctx context.Context, deviceID string) *Session {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current != nil {
		c.current.Close()
	}

	s := &Session{
		deviceID:   deviceID,
		coord:      c,
		token:      c.gen.Add(1),
		trajectory: track.NewTrajectory(c.cfg.TrajectoryCapacity),
		ledger:     track.NewLedger(c.cfg.AlertCapacity),
		state:      channel.Connecting,
		ready:      make(chan struct{}),
		log:        c.log.With().Str("device_id", deviceID).Logger(),
	}
	s.log = s.log.With().Uint64("session", s.token).Logger()
	s.ctx, s.cancel = context.WithCancel(ctx)
	c.current = s

	s.log.Info().Msg("session opened")
	token := s.token
	go func() {
		s.load(token, "initial")
		s.readyOnce.Do(func() { close(s.ready) })
	}()
	s.startAdapter(c.cfg.Channel)
	return s
}

func (c *Coordinator) Current() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Close tears down the current session.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != nil {
		c.current.Close()
		c.current = nil
	}
}

// Session is one device's view. Every mutation runs under mu and first checks
// the generation token, which Close resets to zero. Adapter callbacks also
// check epoch, so an adapter replaced by Reconnect can no longer write.
type Session struct {
	deviceID string
	coord    *Coordinator
	ctx      context.Context
	cancel   context.CancelFunc
	log      zerolog.Logger

	mu         sync.Mutex
	token      uint64
	trajectory *track.Trajectory
	ledger     *track.Ledger
	adapter    *channel.Adapter
	epoch      uint64
	state      channel.State
	notices    []Notice
	stats      Stats

	ready     chan struct{}
	readyOnce sync.Once
}

func (s *Session) DeviceID() string { return s.deviceID }

// Ready is closed once the initial snapshot attempt finished, successfully or
// not, or the session was closed.
func (s *Session) Ready() <-chan struct{} { return s.ready }

// Close unsubscribes the live channel and releases both buffers. It cancels
// the session context, so fetches not yet sent are skipped. A request already
// on the wire runs to its timeout and its result is discarded on arrival.
func (s *Session) Close() {
	s.mu.Lock()
	if s.token == 0 {
		s.mu.Unlock()
		return
	}
	s.token = 0
	s.trajectory = nil
	s.ledger = nil
	adapter := s.adapter
	s.mu.Unlock()

	s.cancel()
	if adapter != nil {
		adapter.Stop()
	}
	s.readyOnce.Do(func() { close(s.ready) })
	s.log.Info().Msg("session closed")
}

// Reconnect replaces a Disconnected adapter with a fresh one, which resyncs
// on its first Live. It is a no-op while the current adapter is still trying.
func (s *Session) Reconnect() error {
	if s.Closed() {
		return ErrSessionClosed
	}
	opts := s.coord.cfg.Channel
	opts.ResyncOnFirstLive = true
	s.startAdapter(opts)
	return nil
}

func (s *Session) startAdapter(opts channel.Options) {
	s.mu.Lock()
	token := s.token
	if token == 0 || (s.adapter != nil && s.adapter.State() != channel.Disconnected) {
		s.mu.Unlock()
		return
	}
	s.epoch++
	a := channel.NewAdapter(s.coord.transport, s.deviceID, opts, s.handlers(token, s.epoch), s.log)
	s.adapter = a
	s.state = channel.Connecting
	s.removeNotices(NoticeLiveUnavailable)
	s.mu.Unlock()

	a.Start(s.ctx)
}

func (s *Session) handlers(token, epoch uint64) channel.Handlers {
	live := func(fn func()) bool {
		return s.applyChannel(token, epoch, fn)
	}
	return channel.Handlers{
		Sample: func(smp track.GeoSample) {
			live(func() { s.addSample(smp) })
		},
		Alert: func(ev track.AlertEvent) {
			live(func() { s.addAlert(ev) })
		},
		Rejected: func(string, error) {
			live(func() { s.stats.Rejected++ })
		},
		Unrecognized: func(string) {
			live(func() { s.stats.Unrecognized++ })
		},
		State: func(st channel.State) {
			live(func() { s.state = st })
		},
		Resync: func() {
			if live(func() { s.stats.Resyncs++ }) {
				go s.load(token, "resync")
			}
		},
		Exhausted: func(err error) {
			live(func() {
				s.addNotice(NoticeLiveUnavailable, "live updates unavailable")
			})
		},
	}
}

// load runs one snapshot fetch and merges it through the same buffer paths
// as live events.
func (s *Session) load(token uint64, reason string) {
	res := s.coord.loader.Load(s.ctx, s.deviceID)
	s.apply(token, func() {
		s.stats.Snapshots++
		s.stats.Rejected += res.Rejected
		for _, smp := range res.Samples {
			s.addSample(smp)
		}
		for _, ev := range res.Alerts {
			s.addAlert(ev)
		}
		if res.Err != nil {
			s.addNotice(NoticeFetchFailed, res.Err.Error())
		} else {
			s.removeNotices(NoticeFetchFailed)
		}
		s.log.Debug().
			Str("reason", reason).
			Int("trajectory", s.trajectory.Len()).
			Int("alerts", s.ledger.Count()).
			Msg("snapshot merged")
	})
}

// apply runs fn under the lock if token still identifies this session. It
// reports whether fn ran.
func (s *Session) apply(token uint64, fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if token == 0 || s.token != token {
		metrics.StaleResultsTotal.Inc()
		return false
	}
	fn()
	return true
}

// applyChannel is apply for adapter callbacks. It also drops output from an
// adapter that is no longer the session's current one.
func (s *Session) applyChannel(token, epoch uint64, fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if token == 0 || s.token != token || s.epoch != epoch {
		metrics.StaleResultsTotal.Inc()
		return false
	}
	fn()
	return true
}

func (s *Session) addSample(smp track.GeoSample) {
	if smp.DeviceID != s.deviceID {
		s.stats.Foreign++
		metrics.RecordsAppliedTotal.WithLabelValues("sample", "foreign").Inc()
		return
	}
	added, err := s.trajectory.Append(smp)
	switch {
	case err != nil:
		s.stats.Rejected++
		metrics.RecordsRejectedTotal.WithLabelValues("sample", "buffer").Inc()
	case added:
		metrics.RecordsAppliedTotal.WithLabelValues("sample", "inserted").Inc()
	default:
		metrics.RecordsAppliedTotal.WithLabelValues("sample", "unchanged").Inc()
	}
}

func (s *Session) addAlert(ev track.AlertEvent) {
	if ev.DeviceID != s.deviceID {
		s.stats.Foreign++
		metrics.RecordsAppliedTotal.WithLabelValues("alert", "foreign").Inc()
		return
	}
	res := s.ledger.Upsert(ev)
	metrics.RecordsAppliedTotal.WithLabelValues("alert", res.String()).Inc()
}

func (s *Session) addNotice(kind, msg string) {
	s.removeNotices(kind)
	s.notices = append(s.notices, Notice{Kind: kind, Message: msg, At: time.Now()})
	s.log.Warn().Str("kind", kind).Str("message", msg).Msg("notice raised")
}

func (s *Session) removeNotices(kind string) {
	kept := s.notices[:0]
	for _, n := range s.notices {
		if n.Kind != kind {
			kept = append(kept, n)
		}
	}
	s.notices = kept
}

// CurrentPosition is the newest sample by ObservedAt.
func (s *Session) CurrentPosition() (track.GeoSample, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.trajectory == nil {
		return track.GeoSample{}, false
	}
	return s.trajectory.Latest()
}

// Trajectory returns a copy of the trail, oldest first.
func (s *Session) Trajectory() []track.GeoSample {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.trajectory == nil {
		return nil
	}
	return s.trajectory.Snapshot()
}

// Alerts returns a copy of the alert history, newest first.
func (s *Session) Alerts() []track.AlertEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ledger == nil {
		return nil
	}
	return s.ledger.All()
}

func (s *Session) ConnectionState() channel.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Notices() []Notice {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Notice(nil), s.notices...)
}

func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token == 0
}

// View returns every read-model field from one consistent instant.
func (s *Session) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := View{
		DeviceID:        s.deviceID,
		Trajectory:      []track.GeoSample{},
		Alerts:          []track.AlertEvent{},
		ConnectionState: s.state,
		Notices:         append([]Notice{}, s.notices...),
		Stats:           s.stats,
		Closed:          s.token == 0,
	}
	if s.trajectory != nil {
		v.Trajectory = s.trajectory.Snapshot()
		if latest, ok := s.trajectory.Latest(); ok {
			v.CurrentPosition = &latest
		}
	}
	if s.ledger != nil {
		v.Alerts = s.ledger.All()
	}
	return v
}
