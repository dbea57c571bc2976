package fidometrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/dantte-lp/gofido/fido"
	"github.com/dantte-lp/gofido/hiddev"
	fidometrics "github.com/dantte-lp/gofido/internal/metrics"
	"github.com/dantte-lp/gofido/u2fhid"
)

// testDevice returns a DeviceInfo with a fixed identity.
func testDevice() hiddev.DeviceInfo {
	return hiddev.DeviceInfo{
		Path:      "/dev/hidraw4",
		VendorID:  0x1050,
		ProductID: 0x0120,
	}
}

func TestNewCollector(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := fidometrics.NewCollector(reg)

	if c.Sessions == nil {
		t.Error("Sessions is nil")
	}
	if c.MessagesSent == nil {
		t.Error("MessagesSent is nil")
	}
	if c.MessagesReceived == nil {
		t.Error("MessagesReceived is nil")
	}
	if c.FramesDropped == nil {
		t.Error("FramesDropped is nil")
	}
	if c.TransportErrors == nil {
		t.Error("TransportErrors is nil")
	}

	// Registration must not panic and gathering must succeed.
	if _, err := reg.Gather(); err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
}

func TestSessionGauge(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := fidometrics.NewCollector(reg)

	c.SessionOpened(testDevice())
	c.SessionOpened(testDevice())

	if val := gaugeValue(t, c.Sessions, "1050", "0120"); val != 2 {
		t.Errorf("sessions gauge = %v, want 2", val)
	}

	c.SessionClosed(testDevice())
	if val := gaugeValue(t, c.Sessions, "1050", "0120"); val != 1 {
		t.Errorf("sessions gauge after close = %v, want 1", val)
	}
}

func TestMessageCounters(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := fidometrics.NewCollector(reg)

	c.MessageSent(u2fhid.CmdMsg, 70)
	c.MessageSent(u2fhid.CmdMsg, 70)
	c.MessageSent(u2fhid.CmdPing, 100)
	c.MessageReceived(u2fhid.CmdMsg, 79)

	if val := counterValue(t, c.MessagesSent, "MSG"); val != 2 {
		t.Errorf("messages_sent{command=MSG} = %v, want 2", val)
	}
	if val := counterValue(t, c.MessagesSent, "PING"); val != 1 {
		t.Errorf("messages_sent{command=PING} = %v, want 1", val)
	}
	if val := counterValue(t, c.MessagesReceived, "MSG"); val != 1 {
		t.Errorf("messages_received{command=MSG} = %v, want 1", val)
	}
}

func TestDropAndErrorCounters(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := fidometrics.NewCollector(reg)

	c.FrameDropped("foreign_channel")
	c.FrameDropped("foreign_channel")
	c.FrameDropped("foreign_nonce")
	c.TransportError(fido.KindTokenBusy)

	if val := counterValue(t, c.FramesDropped, "foreign_channel"); val != 2 {
		t.Errorf("frames_dropped{reason=foreign_channel} = %v, want 2", val)
	}
	if val := counterValue(t, c.FramesDropped, "foreign_nonce"); val != 1 {
		t.Errorf("frames_dropped{reason=foreign_nonce} = %v, want 1", val)
	}
	if val := counterValue(t, c.TransportErrors, "TokenBusy"); val != 1 {
		t.Errorf("transport_errors{kind=TokenBusy} = %v, want 1", val)
	}
}

// gaugeValue extracts the current value of a gauge child.
func gaugeValue(t *testing.T, vec *prometheus.GaugeVec, labels ...string) float64 {
	t.Helper()
	m := &dto.Metric{}
	g, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues(%v): %v", labels, err)
	}
	if err := g.Write(m); err != nil {
		t.Fatalf("Write: %v", err)
	}
	return m.GetGauge().GetValue()
}

// counterValue extracts the current value of a counter child.
func counterValue(t *testing.T, vec *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	m := &dto.Metric{}
	c, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues(%v): %v", labels, err)
	}
	if err := c.Write(m); err != nil {
		t.Fatalf("Write: %v", err)
	}
	return m.GetCounter().GetValue()
}
