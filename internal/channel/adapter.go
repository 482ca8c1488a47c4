package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"tracksure/internal/metrics"
	"tracksure/internal/track"
	"tracksure/internal/wire"

	"github.com/rs/zerolog"
)

var (
	// ErrChannelDropped is a transient transport loss; the adapter reconnects.
	ErrChannelDropped = errors.New("channel dropped")
	// ErrChannelExhausted means every retry failed and the adapter is done.
	ErrChannelExhausted = errors.New("channel retries exhausted")
)

// Transport opens push subscriptions for one device.
type Transport interface {
	Dial(ctx context.Context, deviceID string) (Conn, error)
}

// Conn is one live subscription. Receive returns raw frames in arrival order
// and an error once the subscription is gone.
type Conn interface {
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

type Options struct {
	DialTimeout   time.Duration
	MaxRetries    int
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
	// ResyncOnFirstLive treats the first handshake as a recovery. Set when
	// replacing an adapter that ended Disconnected.
	ResyncOnFirstLive bool
}

func DefaultOptions() Options {
	return Options{
		DialTimeout:   5 * time.Second,
		MaxRetries:    5,
		RetryDelay:    1 * time.Second,
		MaxRetryDelay: 30 * time.Second,
	}
}

// Handlers receive normalized output. They run on the adapter goroutine and
// must not call Stop.
type Handlers struct {
	Sample       func(track.GeoSample)
	Alert        func(track.AlertEvent)
	Rejected     func(kind string, err error)
	Unrecognized func(event string)
	State        func(State)
	Resync       func()
	Exhausted    func(err error)
}

// Adapter owns one push subscription: it dials, normalizes frames into
// samples and alerts, and reconnects with exponential backoff.
type Adapter struct {
	transport Transport
	deviceID  string
	opts      Options
	h         Handlers
	log       zerolog.Logger

	state     atomic.Int32
	startOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}

	now   func() time.Time
	after func(time.Duration) <-chan time.Time
}

func NewAdapter(transport Transport, deviceID string, opts Options, h Handlers, log zerolog.Logger) *Adapter {
	def := DefaultOptions()
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = def.DialTimeout
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = def.RetryDelay
	}
	if opts.MaxRetryDelay < opts.RetryDelay {
		opts.MaxRetryDelay = opts.RetryDelay
	}

	a := &Adapter{
		transport: transport,
		deviceID:  deviceID,
		opts:      opts,
		h:         h,
		log:       log.With().Str("device_id", deviceID).Logger(),
		done:      make(chan struct{}),
		now:       time.Now,
		after:     time.After,
	}
	a.state.Store(int32(Connecting))
	return a
}

// Start launches the connection loop. Later calls are no-ops, so at most one
// handshake is ever in flight.
func (a *Adapter) Start(ctx context.Context) {
	a.startOnce.Do(func() {
		ctx, a.cancel = context.WithCancel(ctx)
		go a.run(ctx)
	})
}

// Stop unsubscribes and waits for the loop to exit.
func (a *Adapter) Stop() {
	a.startOnce.Do(func() { close(a.done) })
	if a.cancel != nil {
		a.cancel()
	}
	<-a.done
}

func (a *Adapter) State() State {
	return State(a.state.Load())
}

// Done is closed when the loop has exited.
func (a *Adapter) Done() <-chan struct{} {
	return a.done
}

func (a *Adapter) run(ctx context.Context) {
	defer close(a.done)

	recovering := a.opts.ResyncOnFirstLive
	failures := 0
	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := a.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			metrics.DialFailuresTotal.Inc()
			failures++
			if failures > a.opts.MaxRetries {
				a.setState(Disconnected)
				exhausted := fmt.Errorf("%w after %d attempts: %v", ErrChannelExhausted, failures, err)
				a.log.Error().Err(exhausted).Msg("live channel unavailable")
				if a.h.Exhausted != nil {
					a.h.Exhausted(exhausted)
				}
				return
			}

			a.setState(Reconnecting)
			recovering = true
			delay := backoff(failures, a.opts)
			a.log.Warn().Err(err).
				Int("attempt", failures).
				Int("max_retries", a.opts.MaxRetries).
				Dur("delay", delay).
				Msg("channel handshake failed, retrying")

			select {
			case <-a.after(delay):
				continue
			case <-ctx.Done():
				return
			}
		}

		failures = 0
		a.setState(Live)
		if recovering {
			recovering = false
			metrics.ResyncsTotal.Inc()
			if a.h.Resync != nil {
				a.h.Resync()
			}
		}

		liveSince := a.now()
		// transports whose reads ignore ctx are unblocked by closing them
		stopWatch := context.AfterFunc(ctx, func() { _ = conn.Close() })
		err = a.pump(ctx, conn)
		stopWatch()
		_ = conn.Close()
		if ctx.Err() != nil {
			return
		}
		a.log.Warn().Err(fmt.Errorf("%w: %v", ErrChannelDropped, err)).Msg("channel dropped")
		a.setState(Reconnecting)
		recovering = true

		// a peer that accepts and immediately hangs up must not spin the loop
		if a.now().Sub(liveSince) < a.opts.RetryDelay {
			select {
			case <-a.after(a.opts.RetryDelay):
			case <-ctx.Done():
				return
			}
		}
	}
}

func (a *Adapter) dial(ctx context.Context) (Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, a.opts.DialTimeout)
	defer cancel()
	return a.transport.Dial(dialCtx, a.deviceID)
}

func (a *Adapter) pump(ctx context.Context, conn Conn) error {
	for {
		frame, err := conn.Receive(ctx)
		if err != nil {
			return err
		}
		a.dispatch(frame)
	}
}

func (a *Adapter) dispatch(frame []byte) {
	env, err := wire.Decode(frame)
	if err != nil {
		a.unrecognized("", "envelope")
		return
	}

	switch Classify(env.Event) {
	case KindAlert:
		ev, err := a.decodeAlert(env.Data)
		if err != nil {
			a.rejected("alert", err)
			return
		}
		if a.h.Alert != nil {
			a.h.Alert(ev)
		}
	case KindLocation:
		s, err := a.decodeSample(env.Data)
		if err != nil {
			a.rejected("sample", err)
			return
		}
		if a.h.Sample != nil {
			a.h.Sample(s)
		}
	default:
		a.unrecognized(env.Event, "name")
	}
}

func (a *Adapter) decodeAlert(data []byte) (track.AlertEvent, error) {
	rec, err := track.DecodeRecord(data)
	if err != nil {
		return track.AlertEvent{}, err
	}
	return rec.Alert(a.deviceID, a.now())
}

func (a *Adapter) decodeSample(data []byte) (track.GeoSample, error) {
	rec, err := track.DecodeRecord(data)
	if err != nil {
		return track.GeoSample{}, err
	}
	return rec.Sample(a.deviceID, a.now())
}

func (a *Adapter) rejected(kind string, err error) {
	metrics.RecordsRejectedTotal.WithLabelValues(kind, "live").Inc()
	a.log.Debug().Err(err).Str("kind", kind).Msg("live record rejected")
	if a.h.Rejected != nil {
		a.h.Rejected(kind, err)
	}
}

// unrecognized drops a frame. reason is "envelope" when the frame is not a
// valid envelope and "name" when the event is outside the allow-list.
func (a *Adapter) unrecognized(event, reason string) {
	metrics.UnrecognizedEventsTotal.WithLabelValues(reason).Inc()
	a.log.Debug().Str("event", event).Str("reason", reason).Msg("unrecognized push event dropped")
	if a.h.Unrecognized != nil {
		a.h.Unrecognized(event)
	}
}

func (a *Adapter) setState(s State) {
	prev := State(a.state.Swap(int32(s)))
	if prev == s {
		return
	}
	metrics.ChannelTransitionsTotal.WithLabelValues(s.String()).Inc()
	a.log.Info().Stringer("from", prev).Stringer("to", s).Msg("channel state changed")
	if a.h.State != nil {
		a.h.State(s)
	}
}

// backoff returns RetryDelay·2^(attempt-1), capped at MaxRetryDelay.
func backoff(attempt int, opts Options) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := opts.RetryDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= opts.MaxRetryDelay {
			return opts.MaxRetryDelay
		}
	}
	if delay > opts.MaxRetryDelay {
		delay = opts.MaxRetryDelay
	}
	return delay
}
