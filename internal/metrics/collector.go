// Package fidometrics exposes transport activity as Prometheus metrics.
//
// The Collector implements u2fhid.MetricsReporter, so wiring it into a
// Host makes every session it opens observable.
package fidometrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dantte-lp/gofido/fido"
	"github.com/dantte-lp/gofido/hiddev"
	"github.com/dantte-lp/gofido/u2fhid"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "gofido"
	subsystem = "u2fhid"
)

// Label names for transport metrics.
const (
	labelVendorID  = "vendor_id"
	labelProductID = "product_id"
	labelCommand   = "command"
	labelReason    = "reason"
	labelKind      = "kind"
)

// -------------------------------------------------------------------------
// Collector — Prometheus U2FHID Metrics
// -------------------------------------------------------------------------

// Collector holds all gofido Prometheus metrics.
type Collector struct {
	// Sessions tracks the number of currently open U2FHID sessions.
	// Incremented after a successful INIT, decremented on Close.
	Sessions *prometheus.GaugeVec

	// MessagesSent counts request messages written, per command.
	MessagesSent *prometheus.CounterVec

	// MessagesReceived counts responses reassembled, per command.
	MessagesReceived *prometheus.CounterVec

	// FramesDropped counts reports discarded without advancing a
	// transaction (foreign channel, foreign INIT nonce, runt report).
	FramesDropped *prometheus.CounterVec

	// TransportErrors counts failed transactions per error kind.
	TransportErrors *prometheus.CounterVec
}

// NewCollector creates a Collector with all metrics registered against
// the provided prometheus.Registerer. If reg is nil,
// prometheus.DefaultRegisterer is used.
//
// All metrics carry the "gofido_u2fhid_" prefix (namespace_subsystem)
// to avoid collisions with other exporters.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.Sessions,
		c.MessagesSent,
		c.MessagesReceived,
		c.FramesDropped,
		c.TransportErrors,
	)
	return c
}

// newMetrics builds the metric vectors without registering them.
func newMetrics() *Collector {
	return &Collector{
		Sessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sessions",
			Help:      "Number of currently open U2FHID sessions.",
		}, []string{labelVendorID, labelProductID}),

		MessagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "messages_sent_total",
			Help:      "Request messages written to authenticators, per command.",
		}, []string{labelCommand}),

		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "messages_received_total",
			Help:      "Response messages reassembled from authenticators, per command.",
		}, []string{labelCommand}),

		FramesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "frames_dropped_total",
			Help:      "HID reports discarded without advancing a transaction.",
		}, []string{labelReason}),

		TransportErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "transport_errors_total",
			Help:      "Failed U2FHID transactions, per error kind.",
		}, []string{labelKind}),
	}
}

// deviceLabels formats the session gauge labels for a device.
func deviceLabels(info hiddev.DeviceInfo) prometheus.Labels {
	return prometheus.Labels{
		labelVendorID:  fmt.Sprintf("%04x", info.VendorID),
		labelProductID: fmt.Sprintf("%04x", info.ProductID),
	}
}

// -------------------------------------------------------------------------
// u2fhid.MetricsReporter implementation
// -------------------------------------------------------------------------

// SessionOpened increments the session gauge for the device.
func (c *Collector) SessionOpened(info hiddev.DeviceInfo) {
	c.Sessions.With(deviceLabels(info)).Inc()
}

// SessionClosed decrements the session gauge for the device.
func (c *Collector) SessionClosed(info hiddev.DeviceInfo) {
	c.Sessions.With(deviceLabels(info)).Dec()
}

// MessageSent counts one written request message.
func (c *Collector) MessageSent(cmd byte, _ int) {
	c.MessagesSent.WithLabelValues(u2fhid.CommandName(cmd)).Inc()
}

// MessageReceived counts one reassembled response.
func (c *Collector) MessageReceived(cmd byte, _ int) {
	c.MessagesReceived.WithLabelValues(u2fhid.CommandName(cmd)).Inc()
}

// FrameDropped counts one discarded report.
func (c *Collector) FrameDropped(reason string) {
	c.FramesDropped.WithLabelValues(reason).Inc()
}

// TransportError counts one failed transaction.
func (c *Collector) TransportError(kind fido.Kind) {
	c.TransportErrors.WithLabelValues(kind.String()).Inc()
}

// interface guard
var _ u2fhid.MetricsReporter = (*Collector)(nil)
