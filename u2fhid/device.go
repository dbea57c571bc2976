package u2fhid

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/dantte-lp/gofido/fido"
	"github.com/dantte-lp/gofido/hiddev"
)

// initResponseSize is the minimum INIT response payload:
// nonce(8) + channel(4) + protocol(1) + version(3) + capabilities(1).
const initResponseSize = 17

// nonceSize is the INIT nonce length.
const nonceSize = 8

// -------------------------------------------------------------------------
// Options — functional options pattern
// -------------------------------------------------------------------------

// Option configures optional Device parameters.
type Option func(*Device)

// WithLogger attaches a logger to the session. The default discards.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Device) {
		if logger != nil {
			d.logger = logger.With(slog.String("component", "u2fhid"))
		}
	}
}

// WithMetrics attaches a MetricsReporter to the session. If mr is nil,
// the default no-op reporter is used.
func WithMetrics(mr MetricsReporter) Option {
	return func(d *Device) {
		if mr != nil {
			d.metrics = mr
		}
	}
}

// -------------------------------------------------------------------------
// Device — one open U2FHID session
// -------------------------------------------------------------------------

// Device is an open U2FHID session: an OS HID handle plus the channel
// id, protocol version, hardware version and capability bits learned
// during the INIT handshake.
//
// A Device is exclusive: at most one command may be in flight at any
// time, and the methods do not lock internally. Concurrent use is a
// programmer error and corrupts the frame stream.
type Device struct {
	raw     hiddev.RawDevice
	info    hiddev.DeviceInfo
	logger  *slog.Logger
	metrics MetricsReporter

	channel  uint32
	protocol byte
	version  [3]byte
	caps     byte

	closed bool
}

// Open performs the INIT handshake on raw and returns the session.
//
// The handshake sends an INIT with a fresh 8-byte nonce on the
// broadcast channel and reads responses until one echoes the nonce;
// responses carrying other hosts' nonces are discarded and, after a
// short delay, the INIT is re-sent. A timeout, busy signal or IO
// failure during the handshake surfaces as a transient error kind so
// the discovery layer can keep polling rather than give up.
//
// On failure the raw handle is NOT closed; the caller owns it until
// Open succeeds.
func Open(ctx context.Context, raw hiddev.RawDevice, info hiddev.DeviceInfo, opts ...Option) (*Device, error) {
	d := &Device{
		raw:     raw,
		info:    info,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		metrics: nopMetrics{},
	}
	for _, opt := range opts {
		opt(d)
	}

	if err := d.init(ctx); err != nil {
		return nil, err
	}

	d.logger.Debug("session opened",
		slog.String("path", info.Path),
		slog.String("channel", fmt.Sprintf("0x%08X", d.channel)),
		slog.String("hw_version", d.HardwareVersion()),
	)
	d.metrics.SessionOpened(info)
	return d, nil
}

// init runs the INIT handshake and adopts the allocated channel.
func (d *Device) init(ctx context.Context) error {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return fido.NewError(fido.KindInterruptedIO, "init", err)
	}

	if err := d.writeMessage(ctx, BroadcastChannel, CmdInit, nonce); err != nil {
		return err
	}

	for {
		report, err := d.raw.ReadReport(ctx, ioTimeout)
		switch {
		case errors.Is(err, hiddev.ErrReadTimeout):
			return fido.NewError(fido.KindTimeout, "init", err)
		case err != nil:
			return fido.NewError(fido.KindInterruptedIO, "init", err)
		}

		payload, ok, err := parseInitResponse(report, nonce)
		if err != nil {
			return err
		}
		if !ok {
			// Another host's INIT exchange on the same device. Let it
			// finish, then claim the broadcast channel again.
			d.metrics.FrameDropped("foreign_nonce")
			if err := sleepCtx(ctx, initRetryDelay); err != nil {
				return err
			}
			if err := d.writeMessage(ctx, BroadcastChannel, CmdInit, nonce); err != nil {
				return err
			}
			continue
		}

		d.channel = binary.BigEndian.Uint32(payload[8:12])
		d.protocol = payload[12]
		copy(d.version[:], payload[13:16])
		d.caps = payload[16]
		return nil
	}
}

// parseInitResponse validates an INIT response report. ok is false when
// the report is well-formed but carries a different host's nonce.
func parseInitResponse(report, nonce []byte) (payload []byte, ok bool, err error) {
	if len(report) < initHeaderSize {
		return nil, false, nil
	}
	if binary.BigEndian.Uint32(report[0:4]) != BroadcastChannel {
		return nil, false, nil
	}
	if report[4] == CmdError {
		return nil, false, decodeErrorFrame(report)
	}
	if report[4] != CmdInit {
		return nil, false, fido.NewError(fido.KindProtocolViolation, "init",
			fmt.Errorf("expected INIT response, got %s", cmdName(report[4])))
	}
	n := int(binary.BigEndian.Uint16(report[5:7]))
	if n < initResponseSize || initHeaderSize+n > len(report) {
		return nil, false, fido.NewError(fido.KindProtocolViolation, "init",
			fmt.Errorf("INIT response payload %d bytes, need %d", n, initResponseSize))
	}
	payload = report[initHeaderSize : initHeaderSize+n]
	if !bytes.Equal(payload[:nonceSize], nonce) {
		return nil, false, nil
	}
	return payload, true, nil
}

// -------------------------------------------------------------------------
// Accessors
// -------------------------------------------------------------------------

// Info returns the OS-level device description.
func (d *Device) Info() hiddev.DeviceInfo { return d.info }

// Channel returns the channel id allocated during INIT.
func (d *Device) Channel() uint32 { return d.channel }

// ProtocolVersion returns the U2FHID protocol version byte.
func (d *Device) ProtocolVersion() byte { return d.protocol }

// HardwareVersion returns the device version triple as "x.y.z".
func (d *Device) HardwareVersion() string {
	return fmt.Sprintf("%d.%d.%d", d.version[0], d.version[1], d.version[2])
}

// Capabilities returns the raw capability bits from the INIT response.
func (d *Device) Capabilities() byte { return d.caps }

// HasWink reports whether the device implements WINK.
func (d *Device) HasWink() bool { return d.caps&CapWink != 0 }

// HasLock reports whether the device implements LOCK.
func (d *Device) HasLock() bool { return d.caps&CapLock != 0 }

// -------------------------------------------------------------------------
// Commands
// -------------------------------------------------------------------------

// Ping sends data to the device and returns the echo.
func (d *Device) Ping(ctx context.Context, data []byte) ([]byte, error) {
	echo, err := d.roundTrip(ctx, CmdPing, data)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(echo, data) {
		return nil, fido.NewError(fido.KindProtocolViolation, "ping",
			fmt.Errorf("echo mismatch: sent %d bytes, got %d", len(data), len(echo)))
	}
	return echo, nil
}

// Msg sends an encapsulated U2F APDU and returns the raw response,
// including the trailing two-byte status word. The u2ftoken facade
// strips and interprets the status.
func (d *Device) Msg(ctx context.Context, apdu []byte) ([]byte, error) {
	return d.roundTrip(ctx, CmdMsg, apdu)
}

// Wink asks the device to identify itself (flash, buzz). Devices whose
// capability bits lack Wink fail with UnsupportedOperation without
// touching the wire.
func (d *Device) Wink(ctx context.Context) error {
	if !d.HasWink() {
		return fido.NewError(fido.KindUnsupportedOperation, "wink",
			errors.New("device lacks wink capability"))
	}
	_, err := d.roundTrip(ctx, CmdWink, nil)
	return err
}

// Lock reserves the device channel for the given number of seconds
// (1-10); zero releases an existing lock. Devices whose capability bits
// lack Lock fail with UnsupportedOperation.
func (d *Device) Lock(ctx context.Context, seconds uint8) error {
	if !d.HasLock() {
		return fido.NewError(fido.KindUnsupportedOperation, "lock",
			errors.New("device lacks lock capability"))
	}
	if seconds < minLockSeconds || seconds > maxLockSeconds {
		return fido.NewError(fido.KindProtocolViolation, "lock",
			fmt.Errorf("lock duration %d out of range [%d, %d]",
				seconds, minLockSeconds, maxLockSeconds))
	}
	_, err := d.roundTrip(ctx, CmdLock, []byte{seconds})
	return err
}

// Close releases the OS HID handle. Idempotent.
func (d *Device) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	d.metrics.SessionClosed(d.info)
	return d.raw.Close()
}

// -------------------------------------------------------------------------
// Command/response exchange
// -------------------------------------------------------------------------

// roundTrip performs one exclusive command/response transaction on the
// session channel.
func (d *Device) roundTrip(ctx context.Context, cmd byte, payload []byte) ([]byte, error) {
	if d.closed {
		return nil, fido.NewError(fido.KindInterruptedIO, "send", hiddev.ErrDeviceClosed)
	}
	if err := d.writeMessage(ctx, d.channel, cmd, payload); err != nil {
		d.metrics.TransportError(fido.KindOf(err))
		return nil, err
	}
	d.metrics.MessageSent(cmd, len(payload))

	msg, err := d.readMessage(ctx, cmd)
	if err != nil {
		if de := fido.KindOf(err); de != fido.KindUnknown {
			d.metrics.TransportError(de)
		}
		return nil, err
	}
	d.metrics.MessageReceived(cmd, len(msg))
	return msg, nil
}

// writeMessage fragments the message and writes each report with the
// per-report OS timeout. Any write failure leaves the session unusable
// and surfaces as InterruptedIO.
func (d *Device) writeMessage(ctx context.Context, channel uint32, cmd byte, payload []byte) error {
	frames, err := splitFrames(channel, cmd, payload)
	if err != nil {
		return err
	}
	for _, f := range frames {
		if err := d.raw.WriteReport(ctx, f, ioTimeout); err != nil {
			return fido.NewError(fido.KindInterruptedIO, "send", err)
		}
	}
	return nil
}

// readMessage reads reports until the response to cmd is complete.
// Reports for other channels are dropped by the reassembler; an OS read
// failure or timeout is InterruptedIO.
func (d *Device) readMessage(ctx context.Context, cmd byte) ([]byte, error) {
	ra := newReassembler(d.channel, cmd)
	for {
		report, err := d.raw.ReadReport(ctx, ioTimeout)
		if err != nil {
			return nil, fido.NewError(fido.KindInterruptedIO, "recv", err)
		}
		done, err := ra.feed(report)
		if err != nil {
			return nil, err
		}
		if ra.dropped > 0 {
			d.metrics.FrameDropped("foreign_channel")
			ra.dropped = 0
		}
		if done {
			return ra.message(), nil
		}
	}
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
