package u2fhid

import (
	"github.com/dantte-lp/gofido/fido"
	"github.com/dantte-lp/gofido/hiddev"
)

// MetricsReporter receives transport-level events. The Prometheus
// implementation lives in internal/metrics; the default reporter
// discards everything.
//
// Implementations must be safe for concurrent use: RunParallel drives
// several sessions at once, each reporting independently.
type MetricsReporter interface {
	// SessionOpened is called after a successful INIT handshake.
	SessionOpened(info hiddev.DeviceInfo)

	// SessionClosed is called on the first Close of a session.
	SessionClosed(info hiddev.DeviceInfo)

	// MessageSent is called after a request message has been written.
	MessageSent(cmd byte, payloadLen int)

	// MessageReceived is called after a response has been reassembled.
	MessageReceived(cmd byte, payloadLen int)

	// FrameDropped is called when a report is discarded without
	// advancing the transaction (foreign channel, foreign INIT nonce,
	// runt report).
	FrameDropped(reason string)

	// TransportError is called when a command/response transaction on
	// an open session fails with the given error kind.
	TransportError(kind fido.Kind)
}

// CommandName returns the protocol mnemonic for a command byte
// ("PING", "MSG", ...). Metrics implementations use it as a label
// value.
func CommandName(cmd byte) string { return cmdName(cmd) }

// nopMetrics is the default reporter.
type nopMetrics struct{}

func (nopMetrics) SessionOpened(hiddev.DeviceInfo) {}
func (nopMetrics) SessionClosed(hiddev.DeviceInfo) {}
func (nopMetrics) MessageSent(byte, int)           {}
func (nopMetrics) MessageReceived(byte, int)       {}
func (nopMetrics) FrameDropped(string)             {}
func (nopMetrics) TransportError(fido.Kind)        {}
