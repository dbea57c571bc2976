// Package fidohost discovers U2F authenticators and drives operations
// across them: waiting out hot-plug events, retrying around transient
// transport failures, and fanning an operation out to every plugged
// token in parallel.
package fidohost

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dantte-lp/gofido/fido"
	"github.com/dantte-lp/gofido/hiddev"
	"github.com/dantte-lp/gofido/u2fhid"
	"github.com/dantte-lp/gofido/u2ftoken"
)

// Default intervals. Each can be overridden with an Option.
const (
	// defaultPollInterval is the pause between enumeration passes
	// while waiting for a device to appear.
	defaultPollInterval = 200 * time.Millisecond

	// defaultRecheckInterval bounds one RunParallel round; when it
	// fires the round is abandoned and re-started against the devices
	// present at that moment.
	defaultRecheckInterval = 5 * time.Second

	// defaultProgressInterval is the cadence of invalid-key-handle
	// progress reports during a RunParallel round.
	defaultProgressInterval = 500 * time.Millisecond
)

// Session pairs an open transport session with its token facade. Ops
// receive both so they can mix U2F operations with transport commands
// like Wink.
type Session struct {
	// Device is the open U2FHID session.
	Device *u2fhid.Device

	// Token is the U2F facade over Device.
	Token *u2ftoken.Token
}

// Info returns the OS-level description of the session's device.
func (s *Session) Info() hiddev.DeviceInfo { return s.Device.Info() }

// Close releases the session's HID handle. Idempotent.
func (s *Session) Close() error { return s.Device.Close() }

// -------------------------------------------------------------------------
// Host — discovery configuration
// -------------------------------------------------------------------------

// Option configures optional Host parameters.
type Option func(*Host)

// WithEnumerator substitutes the OS HID enumerator. The default is the
// platform backend; tests install fakes.
func WithEnumerator(enum hiddev.Enumerator) Option {
	return func(h *Host) {
		if enum != nil {
			h.enum = enum
		}
	}
}

// WithLogger attaches a logger. The default discards.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Host) {
		if logger != nil {
			h.logger = logger.With(slog.String("component", "fidohost"))
		}
	}
}

// WithMetrics attaches a MetricsReporter passed through to every
// session the host opens.
func WithMetrics(mr u2fhid.MetricsReporter) Option {
	return func(h *Host) {
		if mr != nil {
			h.metrics = mr
		}
	}
}

// WithPollInterval overrides the enumeration poll interval.
func WithPollInterval(d time.Duration) Option {
	return func(h *Host) {
		if d > 0 {
			h.pollInterval = d
		}
	}
}

// WithRecheckInterval overrides the RunParallel round length.
func WithRecheckInterval(d time.Duration) Option {
	return func(h *Host) {
		if d > 0 {
			h.recheckInterval = d
		}
	}
}

// WithProgressInterval overrides the progress report cadence.
func WithProgressInterval(d time.Duration) Option {
	return func(h *Host) {
		if d > 0 {
			h.progressInterval = d
		}
	}
}

// Host discovers authenticators through an Enumerator and opens
// sessions on them.
type Host struct {
	enum    hiddev.Enumerator
	logger  *slog.Logger
	metrics u2fhid.MetricsReporter

	pollInterval     time.Duration
	recheckInterval  time.Duration
	progressInterval time.Duration
}

// New creates a Host backed by the platform HID enumerator.
func New(opts ...Option) *Host {
	h := &Host{
		enum:             hiddev.SystemEnumerator(),
		logger:           slog.New(slog.NewTextHandler(io.Discard, nil)),
		pollInterval:     defaultPollInterval,
		recheckInterval:  defaultRecheckInterval,
		progressInterval: defaultProgressInterval,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// -------------------------------------------------------------------------
// Waiting for devices
// -------------------------------------------------------------------------

// WaitForDevice polls enumeration until one authenticator opens, and
// returns its session. Sessions that fail INIT with a transient kind
// (timeout, busy, interrupted IO) are skipped and polling continues;
// any other failure propagates. Cancellation returns ctx.Err().
func (h *Host) WaitForDevice(ctx context.Context) (*Session, error) {
	for {
		sessions, err := h.openPresent(ctx, true)
		if err != nil {
			return nil, err
		}
		if len(sessions) > 0 {
			return sessions[0], nil
		}
		if err := sleepCtx(ctx, h.pollInterval); err != nil {
			return nil, err
		}
	}
}

// WaitForDevices polls enumeration until at least one authenticator
// opens, and returns every session that opened on that poll cycle.
func (h *Host) WaitForDevices(ctx context.Context) ([]*Session, error) {
	for {
		sessions, err := h.openPresent(ctx, false)
		if err != nil {
			return nil, err
		}
		if len(sessions) > 0 {
			return sessions, nil
		}
		if err := sleepCtx(ctx, h.pollInterval); err != nil {
			return nil, err
		}
	}
}

// openPresent opens every FIDO device visible right now, running the
// INIT handshakes concurrently. Transient INIT failures drop the
// device from this cycle; other failures abort. With firstOnly, the
// result is capped at one session and surplus opens are released.
func (h *Host) openPresent(ctx context.Context, firstOnly bool) ([]*Session, error) {
	infos, err := h.enum.Devices()
	if err != nil {
		return nil, fido.NewError(fido.KindInterruptedIO, "enumerate", err)
	}

	var (
		mu       sync.Mutex
		sessions []*Session
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, info := range hiddev.FIDODevices(infos) {
		info := info
		g.Go(func() error {
			s, err := h.open(gctx, info)
			if err != nil {
				if fido.IsTransient(err) {
					h.logger.Debug("device not ready",
						slog.String("path", info.Path),
						slog.String("error", err.Error()),
					)
					return nil
				}
				return err
			}
			mu.Lock()
			sessions = append(sessions, s)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, s := range sessions {
			s.Close()
		}
		return nil, err
	}

	if firstOnly && len(sessions) > 1 {
		for _, s := range sessions[1:] {
			s.Close()
		}
		sessions = sessions[:1]
	}
	return sessions, nil
}

// open opens the OS handle and runs the INIT handshake. The handle is
// released if the handshake fails.
func (h *Host) open(ctx context.Context, info hiddev.DeviceInfo) (*Session, error) {
	raw, err := h.enum.Open(info)
	if err != nil {
		return nil, fido.NewError(fido.KindInterruptedIO, "open", err)
	}

	opts := []u2fhid.Option{u2fhid.WithLogger(h.logger)}
	if h.metrics != nil {
		opts = append(opts, u2fhid.WithMetrics(h.metrics))
	}
	dev, err := u2fhid.Open(ctx, raw, info, opts...)
	if err != nil {
		raw.Close()
		return nil, err
	}

	return &Session{
		Device: dev,
		Token:  u2ftoken.NewToken(dev, u2ftoken.WithLogger(h.logger)),
	}, nil
}

// sleepCtx sleeps for dur unless ctx is cancelled first.
func sleepCtx(ctx context.Context, dur time.Duration) error {
	t := time.NewTimer(dur)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
